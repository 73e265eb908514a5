package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/connectivity"
	"bitbucket.org/mediflowhq/inventory_agent/middlewares"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"bitbucket.org/mediflowhq/inventory_agent/models/reports"
	"bitbucket.org/mediflowhq/inventory_agent/reconcile"
	"bitbucket.org/mediflowhq/inventory_agent/syncengine"
	"bitbucket.org/mediflowhq/inventory_agent/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8085"

func main() {
	port := os.Getenv("AGENT_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination: the desktop shell sends SIGTERM on quit.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints on local store readiness.
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// The agent binds to loopback for the local UI shell; an explicit allowlist
	// still applies when CORS_ALLOWED_ORIGINS is set.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if allowedOrigins != "" {
		corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	api, err := syncengine.NewAPIClient()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "config"}).Panic(err.Error())
	}
	monitor := connectivity.NewMonitor(connectivity.DefaultProbe(api.BaseURL()))
	engine := syncengine.NewEngine(api, monitor, logger)

	authed := r.Group("/", middlewares.RequireIdentity())
	authed.POST("/api/inventory", createInventoryHandler(engine))
	authed.DELETE("/api/inventory/:id", deleteInventoryHandler(engine))
	authed.GET("/api/products", readCollectionHandler(engine, models.CollectionProducts))
	authed.GET("/api/inventory", readCollectionHandler(engine, models.CollectionInventory))
	authed.GET("/api/hospitals", readCollectionHandler(engine, models.CollectionHospitals))
	authed.GET("/api/procedures", readCollectionHandler(engine, models.CollectionProcedures))

	authed.POST("/api/stock-count/sessions", createSessionHandler())
	authed.GET("/api/stock-count/sessions/active", activeSessionHandler())
	authed.POST("/api/stock-count/sessions/:id/cancel", cancelSessionHandler())
	authed.POST("/api/stock-count/sessions/:id/items", addItemHandler())
	authed.DELETE("/api/stock-count/sessions/:id/items/:itemId", deleteItemHandler())
	authed.GET("/api/stock-count/sessions/:id/discrepancies", discrepanciesHandler())
	authed.POST("/api/stock-count/sessions/:id/complete", completeSessionHandler(engine))
	authed.GET("/api/stock-count/history", historyHandler())
	authed.GET("/api/stock-count/history/export", historyExportHandler())

	authed.GET("/api/sync/status", syncStatusHandler(engine, monitor))
	authed.POST("/api/sync/trigger", syncTriggerHandler(engine))

	r.NoRoute(customNotFoundHandler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Open dependencies after the port is open.
	config.OpenLocalStoreWithRetry()
	config.ConnectRedisOptional()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if err := models.MigrateLocalStore(db); err != nil {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Panic(err.Error())
	}

	engine.Start(sigCtx)
	defer engine.Close()
	if utils.EnvBoolDefault("SYNC_READY_WS_ENABLED", true) {
		listener := syncengine.NewSyncReadyListener(engine, logger)
		listener.Start(sigCtx)
		defer listener.Close()
	}

	engine.OnSyncError(func(e syncengine.SyncError) {
		logger.WithFields(logrus.Fields{
			"module": "syncengine",
			"title":  e.Title,
		}).Warn(e.Description)
	})

	logger.WithFields(logrus.Fields{
		"info": "Agent Ready",
	}).Info("listening on http://localhost:", port, "/")
	log.Println("Agent started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	monitor.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

var validate = validator.New()

// newInventoryPayload is the accepted shape for POST /api/inventory. The raw
// body is forwarded to the server unchanged once it validates.
type newInventoryPayload struct {
	ProductId    string              `json:"productId" validate:"required"`
	TrackingMode models.TrackingMode `json:"trackingMode" validate:"omitempty,oneof=serial lot"`
	SerialNumber string              `json:"serialNumber" validate:"required_if=TrackingMode serial"`
	LotNumber    string              `json:"lotNumber" validate:"required_if=TrackingMode lot"`
	Location     models.Location     `json:"location" validate:"required,oneof=home car"`
}

func createInventoryHandler(engine *syncengine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil || len(body) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "empty payload"})
			return
		}
		var payload newInventoryPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
			return
		}
		if err := validate.Struct(payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		record, queued, err := engine.SubmitWrite(c.Request.Context(),
			models.MutationMethodCreate, "/api/inventory", models.CollectionInventory, body)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusCreated
		if queued {
			status = http.StatusAccepted
		}
		c.Data(status, "application/json", record)
	}
}

func deleteInventoryHandler(engine *syncengine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		_, queued, err := engine.SubmitWrite(c.Request.Context(),
			models.MutationMethodDelete, "/api/inventory/"+id, models.CollectionInventory, nil)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if queued {
			c.Status(http.StatusAccepted)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func readCollectionHandler(engine *syncengine.Engine, collection string) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, stale, err := engine.ReadCollection(c.Request.Context(), collection, c.Request.URL.Query())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if stale {
			c.Header("X-Data-Source", "local-cache")
		}
		c.JSON(http.StatusOK, records)
	}
}

func createSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input struct {
			CountType models.CountType `json:"countType" binding:"required"`
		}
		if err := c.ShouldBindJSON(&input); err != nil || !input.CountType.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "countType must be car, total or serialized"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		session, err := models.CreateStockCountSession(c.Request.Context(), userId, input.CountType)
		if err != nil {
			if errors.Is(err, models.ErrActiveSessionExists) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, session)
	}
}

func activeSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		session, err := models.GetActiveStockCountSession(c.Request.Context(), userId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if session == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active session"})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

func cancelSessionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := uintParam(c, "id")
		if !ok {
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		if err := models.CancelStockCountSession(c.Request.Context(), sessionId, userId); err != nil {
			sessionError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func addItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := uintParam(c, "id")
		if !ok {
			return
		}
		var input models.NewStockCountItem
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if !input.ScannedLocation.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scannedLocation must be home or car"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		item, err := models.AddStockCountItem(c.Request.Context(), sessionId, userId, &input)
		if err != nil {
			if errors.Is(err, models.ErrDuplicateScan) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			sessionError(c, err)
			return
		}
		c.JSON(http.StatusCreated, item)
	}
}

func deleteItemHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := uintParam(c, "id")
		if !ok {
			return
		}
		itemId, ok := uintParam(c, "itemId")
		if !ok {
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		if err := models.DeleteStockCountItem(c.Request.Context(), sessionId, itemId, userId); err != nil {
			sessionError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func discrepanciesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := uintParam(c, "id")
		if !ok {
			return
		}
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		session, err := models.GetStockCountSession(c.Request.Context(), sessionId, userId)
		if err != nil {
			sessionError(c, err)
			return
		}
		confirmAbsent := strings.EqualFold(c.Query("confirmAbsent"), "true")
		plan, err := reconcile.PlanForSession(c.Request.Context(), session, confirmAbsent)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func completeSessionHandler(engine *syncengine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionId, ok := uintParam(c, "id")
		if !ok {
			return
		}
		var input struct {
			ConfirmAbsent bool `json:"confirmAbsent"`
		}
		_ = c.ShouldBindJSON(&input)

		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		session, err := models.GetStockCountSession(c.Request.Context(), sessionId, userId)
		if err != nil {
			sessionError(c, err)
			return
		}
		plan, err := reconcile.PlanForSession(c.Request.Context(), session, input.ConfirmAbsent)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := reconcile.ApplyPlan(c.Request.Context(), engine, session, plan); err != nil {
			sessionError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"summary": plan.Summary()})
	}
}

func historyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		limit := 50
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		sessions, err := models.ListStockCountHistory(c.Request.Context(), userId, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sessions)
	}
}

func historyExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", "attachment; filename=stock-count-history.xlsx")
		if err := reports.WriteStockCountHistoryExcel(c.Request.Context(), c.Writer, userId, 500); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func syncStatusHandler(engine *syncengine.Engine, monitor *connectivity.Monitor) gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"status":       engine.Status(),
			"offline":      monitor.IsOffline(),
			"pendingCount": engine.PendingCount(c.Request.Context(), userId),
			"pendingRefs":  engine.PendingRefs(c.Request.Context(), userId),
		})
	}
}

func syncTriggerHandler(engine *syncengine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		go engine.Sync(context.WithoutCancel(c.Request.Context()))
		c.Status(http.StatusAccepted)
	}
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be numeric"})
		return 0, false
	}
	return uint(v), true
}

// sessionError maps the session model's sentinel errors to HTTP statuses.
func sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, models.ErrSessionNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

var (
	db *gorm.DB
)

func GetDB() *gorm.DB {
	return db
}

func init() {
	// Load env from .env
	godotenv.Load()
}

// OpenLocalStoreWithRetry opens the agent's embedded store and sets the global DB.
// The store lives in a single sqlite file so queued mutations and cached entities
// survive a full restart of the agent.
func OpenLocalStoreWithRetry() {
	path := strings.TrimSpace(os.Getenv("LOCAL_STORE_PATH"))
	if path == "" {
		path = "inventory_agent.db"
	}

	// WAL keeps readers (UI shell) unblocked while the sync engine writes.
	// busy_timeout avoids SQLITE_BUSY when the engine and a handler overlap.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		path, intFromEnv("LOCAL_STORE_BUSY_TIMEOUT_MS", 5000))

	var attempt int
	for {
		attempt++
		var err error
		db, err = gorm.Open(sqlite.Open(dsn), initConfig())
		if err == nil {
			if sqlDB, derr := db.DB(); derr == nil && sqlDB != nil {
				// sqlite allows one writer; keep the pool small.
				sqlDB.SetMaxOpenConns(intFromEnv("LOCAL_STORE_MAX_OPEN_CONNS", 4))
				sqlDB.SetConnMaxIdleTime(time.Duration(intFromEnv("LOCAL_STORE_CONN_MAX_IDLE_SECONDS", 60)) * time.Second)
			}
			log.Printf("opened local store (attempt=%d path=%s)", attempt, path)
			return
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to open local store (attempt=%d): %v; retrying in %s", attempt, err, sleep)
		time.Sleep(sleep)
	}
}

// OpenLocalStoreAt opens a store at an explicit path and returns it without
// touching the global. Used by tests and maintenance commands.
func OpenLocalStoreAt(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), initConfig())
}

// SetDB replaces the global store handle. Tests only.
func SetDB(d *gorm.DB) {
	db = d
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
		TranslateError: true,
	}
}

// InitLog Connection Log Configuration
func initLog() logger.Interface {
	newLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:      false,
			LogLevel:      logger.Error,
			SlowThreshold: time.Second,
		},
	)
	return newLogger
}

// InitNamingStrategy Init NamingStrategy
func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}

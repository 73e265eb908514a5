package reconcile_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/connectivity"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"bitbucket.org/mediflowhq/inventory_agent/reconcile"
	"bitbucket.org/mediflowhq/inventory_agent/syncengine"
	"bitbucket.org/mediflowhq/inventory_agent/utils"
)

func newApplyFixture(t *testing.T) (context.Context, *syncengine.Engine) {
	t.Helper()
	db, err := config.OpenLocalStoreAt(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	if err := models.MigrateLocalStore(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	config.SetDB(db)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
		config.SetDB(nil)
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("offline apply must not reach the server: %s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	t.Setenv("SERVER_API_BASE_URL", srv.URL)
	t.Setenv("CONNECTIVITY_POLL_MS", "60000")

	api, err := syncengine.NewAPIClient()
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	monitor := connectivity.NewMonitor(func(ctx context.Context) bool { return true })
	t.Cleanup(monitor.Close)
	monitor.SetOffline(utils.NewTrue())

	engine := syncengine.NewEngine(api, monitor, config.GetLogger())

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	return ctx, engine
}

func TestApplyPlanOfflineQueuesMutationsAndCompletes(t *testing.T) {
	ctx, engine := newApplyFixture(t)

	session, err := models.CreateStockCountSession(ctx, 1, models.CountTypeTotal)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := models.AddStockCountItem(ctx, session.ID, 1, &models.NewStockCountItem{
		ProductId:       "p-1",
		ScannedLocation: models.LocationCar,
		TrackingMode:    models.TrackingModeSerial,
		SerialNumber:    "SN-1",
	}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	inventory := []models.InventoryRecord{
		{Id: "r-1", ProductId: "p-1", TrackingMode: models.TrackingModeSerial, SerialNumber: "SN-1", Location: models.LocationHome},
		{Id: "r-2", ProductId: "p-2", TrackingMode: models.TrackingModeSerial, SerialNumber: "SN-2", Location: models.LocationHome},
	}
	items, _ := models.ListStockCountItems(ctx, session.ID)
	plan := reconcile.BuildPlan(items, inventory, session.CountType, config.MissingPolicyDerecognize, false)

	if err := reconcile.ApplyPlan(ctx, engine, session, plan); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// One transfer for SN-1 plus one derecognition for SN-2, both queued.
	if n, _ := models.CountPendingMutations(ctx, 1); n != 2 {
		t.Fatalf("expected 2 queued mutations, got %d", n)
	}

	got, err := models.GetStockCountSession(ctx, session.ID, 1)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != models.SessionStatusCompleted {
		t.Fatalf("session must complete after a fully queued apply, got %s", got.Status)
	}
	want := models.CompletionSummary{Transferred: 1, Derecognized: 1}
	if s := got.Summary(); s == nil || *s != want {
		t.Fatalf("frozen summary wrong: %+v", s)
	}
}

func TestApplyPlanRefusesTerminalSession(t *testing.T) {
	ctx, engine := newApplyFixture(t)

	session, err := models.CreateStockCountSession(ctx, 1, models.CountTypeCar)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := models.CancelStockCountSession(ctx, session.ID, 1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	session.Status = models.SessionStatusCancelled

	if err := reconcile.ApplyPlan(ctx, engine, session, &reconcile.Plan{}); err != models.ErrSessionNotActive {
		t.Fatalf("expected ErrSessionNotActive, got %v", err)
	}
}

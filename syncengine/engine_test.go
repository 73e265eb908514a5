package syncengine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/connectivity"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"bitbucket.org/mediflowhq/inventory_agent/utils"
)

func newTestStore(t *testing.T) context.Context {
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

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")
	ctx = utils.SetTokenInContext(ctx, "test-token")
	return ctx
}

func newTestEngine(t *testing.T, serverURL string) *Engine {
	t.Helper()
	t.Setenv("SERVER_API_BASE_URL", serverURL)
	t.Setenv("CONNECTIVITY_POLL_MS", "60000")
	api, err := NewAPIClient()
	if err != nil {
		t.Fatalf("api client: %v", err)
	}
	monitor := connectivity.NewMonitor(func(ctx context.Context) bool { return true })
	t.Cleanup(monitor.Close)
	e := NewEngine(api, monitor, config.GetLogger())
	e.baseBackoff = time.Millisecond
	return e
}

func enqueue(t *testing.T, ctx context.Context, method models.MutationMethod, endpoint string, payload map[string]interface{}, owner int) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := models.EnqueueMutation(ctx, config.GetDB(), method, endpoint, body, owner, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestSyncReplaysInOrderAndRemapsTempIds(t *testing.T) {
	ctx := newTestStore(t)

	var mu sync.Mutex
	var order []string
	var materialBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		if r.Header.Get("Idempotency-Key") == "" {
			t.Errorf("missing Idempotency-Key on %s", r.URL.Path)
		}
		switch r.URL.Path {
		case "/api/inventory":
			if strings.Contains(string(body), "tmp-") {
				t.Errorf("temp id leaked to server: %s", body)
			}
			_, _ = w.Write([]byte(`{"id":"srv-100","productId":"X"}`))
		case "/api/procedures":
			mu.Lock()
			materialBody = string(body)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"id":"srv-200"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	tempId := models.NewTempId()
	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory",
		map[string]interface{}{"id": tempId, "productId": "X"}, 1)
	enqueue(t, ctx, models.MutationMethodCreate, "/api/procedures",
		map[string]interface{}{"id": models.NewTempId(), "inventoryId": tempId}, 1)
	models.PutRecord(ctx, models.CollectionInventory, 1,
		json.RawMessage(`{"id":"`+tempId+`","productId":"X"}`), false)

	e := newTestEngine(t, srv.URL)
	e.Sync(ctx)

	if e.Status() != StatusIdle {
		t.Fatalf("expected idle after clean replay, got %s", e.Status())
	}
	if n, _ := models.CountPendingMutations(ctx, 1); n != 0 {
		t.Fatalf("queue must drain, %d left", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "/api/inventory" || order[1] != "/api/procedures" {
		t.Fatalf("replay order wrong: %v", order)
	}
	if !strings.Contains(materialBody, "srv-100") || strings.Contains(materialBody, tempId) {
		t.Fatalf("dependent payload must carry the server id: %s", materialBody)
	}
}

func TestValidationFailureDropsEntryAndContinues(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/inventory" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"bad reference"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"srv-2"}`))
	}))
	defer srv.Close()

	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory", map[string]interface{}{"productId": "bad"}, 1)
	enqueue(t, ctx, models.MutationMethodCreate, "/api/procedures", map[string]interface{}{"name": "ok"}, 1)

	e := newTestEngine(t, srv.URL)
	var surfaced []SyncError
	e.OnSyncError(func(se SyncError) { surfaced = append(surfaced, se) })

	e.Sync(ctx)

	if e.Status() != StatusIdle {
		t.Fatalf("a dropped entry must not halt replay, status %s", e.Status())
	}
	if n, _ := models.CountPendingMutations(ctx, 1); n != 0 {
		t.Fatalf("both entries must leave the queue, %d left", n)
	}
	if len(surfaced) != 1 {
		t.Fatalf("validation failure surfaces exactly once, got %d", len(surfaced))
	}
}

func TestTransientFailureHaltsReplayInOrder(t *testing.T) {
	ctx := newTestStore(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	t.Setenv("SYNC_MAX_RETRIES", "2")
	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory", map[string]interface{}{"productId": "a"}, 1)
	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory", map[string]interface{}{"productId": "b"}, 1)

	e := newTestEngine(t, srv.URL)
	e.Sync(ctx)

	if e.Status() != StatusError {
		t.Fatalf("exhausted retries must leave the engine in error, got %s", e.Status())
	}
	if n, _ := models.CountPendingMutations(ctx, 1); n != 2 {
		t.Fatalf("halt must keep the failed entry and everything after it, %d left", n)
	}
	// Only the head entry was attempted; ordering shields the rest.
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("expected 2 attempts on the head entry, got %d", got)
	}
}

func TestOrphanedUpdateToPlaceholderIdDropped(t *testing.T) {
	ctx := newTestStore(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	// An update whose create was already dropped: the endpoint still names the
	// placeholder and nothing will ever resolve it.
	tempId := models.NewTempId()
	enqueue(t, ctx, models.MutationMethodUpdate, "/api/inventory/"+tempId,
		map[string]interface{}{"location": "car"}, 1)
	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory",
		map[string]interface{}{"productId": "ok"}, 1)

	e := newTestEngine(t, srv.URL)
	e.Sync(ctx)

	if e.Status() != StatusIdle {
		t.Fatalf("expected idle, got %s", e.Status())
	}
	if n, _ := models.CountPendingMutations(ctx, 1); n != 0 {
		t.Fatalf("queue must drain, %d left", n)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("only the valid create may reach the server, saw %d requests", got)
	}
}

func TestIdentityMismatchDroppedSilently(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("another user's mutation must never reach the server")
	}))
	defer srv.Close()

	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory", map[string]interface{}{"productId": "x"}, 2)

	e := newTestEngine(t, srv.URL)
	var surfaced []SyncError
	e.OnSyncError(func(se SyncError) { surfaced = append(surfaced, se) })

	e.Sync(ctx)

	if e.Status() != StatusIdle {
		t.Fatalf("expected idle, got %s", e.Status())
	}
	if n, _ := models.CountPendingMutations(ctx, 2); n != 0 {
		t.Fatalf("mismatched entry must be dropped, %d left", n)
	}
	if len(surfaced) != 0 {
		t.Fatalf("identity mismatch is logged, never surfaced: %v", surfaced)
	}
}

func TestReplaySkipsKeyThatAlreadySucceeded(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("a succeeded key must not be resent")
	}))
	defer srv.Close()

	tempId := models.NewTempId()
	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory",
		map[string]interface{}{"id": tempId, "productId": "X"}, 1)
	models.PutRecord(ctx, models.CollectionInventory, 1,
		json.RawMessage(`{"id":"`+tempId+`","productId":"X"}`), false)

	queue, _ := models.ListQueuedMutations(ctx)
	if _, _, err := models.BeginIdempotency(ctx, 1, queue[0].IdempotencyKey, queue[0].Endpoint); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := models.MarkIdempotencySucceeded(ctx, 1, queue[0].IdempotencyKey, "srv-9"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	e := newTestEngine(t, srv.URL)
	e.Sync(ctx)

	if n, _ := models.CountPendingMutations(ctx, 1); n != 0 {
		t.Fatalf("confirmed entry must be dequeued, %d left", n)
	}
	records, _ := models.GetCollection(ctx, models.CollectionInventory, 1)
	if len(records) != 1 || models.RecordIdFromPayload(records[0]) != "srv-9" {
		t.Fatalf("cached copy must be remapped to the recorded server id: %v", records)
	}
}

func TestConcurrentSyncCollapses(t *testing.T) {
	ctx := newTestStore(t)

	release := make(chan struct{})
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory", map[string]interface{}{"productId": "x"}, 1)

	e := newTestEngine(t, srv.URL)
	done := make(chan struct{})
	go func() {
		e.Sync(ctx)
		close(done)
	}()

	// Wait for the first run to reach the server, then try to start another.
	for atomic.LoadInt32(&hits) == 0 {
		time.Sleep(time.Millisecond)
	}
	e.Sync(ctx)
	close(release)
	<-done

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("second Sync must collapse into the running one, server saw %d requests", got)
	}
}

func TestBackgroundSyncUsesRememberedIdentity(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"srv-1"}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	e.monitor.SetOffline(utils.NewTrue())

	// The write arrives on an authenticated request and queues offline.
	if _, _, err := e.SubmitWrite(ctx, models.MutationMethodCreate,
		"/api/inventory", models.CollectionInventory, json.RawMessage(`{"productId":"p-1"}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.monitor.SetOffline(nil)

	// Reconnect-triggered sync carries no request identity of its own.
	e.Sync(context.Background())

	if n, _ := models.CountPendingMutations(ctx, 1); n != 0 {
		t.Fatalf("background sync must replay for the remembered user, %d left", n)
	}
}

func TestAnonymousSyncLeavesQueueUntouched(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no identity, no replay")
	}))
	defer srv.Close()

	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory", map[string]interface{}{"productId": "x"}, 1)

	e := newTestEngine(t, srv.URL)
	e.Sync(context.Background())

	if n, _ := models.CountPendingMutations(ctx, 1); n != 1 {
		t.Fatalf("queue must survive an anonymous pass, %d left", n)
	}
}

func TestSubmitWriteOfflineQueuesOptimistically(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("offline write must not reach the server")
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)
	e.monitor.SetOffline(utils.NewTrue())

	record, queued, err := e.SubmitWrite(ctx, models.MutationMethodCreate,
		"/api/inventory", models.CollectionInventory, json.RawMessage(`{"productId":"p-1","location":"car"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !queued {
		t.Fatal("offline write must be queued")
	}
	if !models.IsTempId(models.RecordIdFromPayload(record)) {
		t.Fatalf("queued create must carry a temp id: %s", record)
	}
	if n, _ := models.CountPendingMutations(ctx, 1); n != 1 {
		t.Fatalf("expected 1 pending mutation, got %d", n)
	}

	records, ok := models.GetCollection(ctx, models.CollectionInventory, 1)
	if !ok || len(records) != 1 {
		t.Fatalf("optimistic cache row missing: %v", records)
	}
}

func TestSubmitWriteOnlineConfirmsImmediately(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), "tmp-") {
			t.Errorf("temp id sent to server: %s", body)
		}
		_, _ = w.Write([]byte(`{"id":"srv-55","productId":"p-1"}`))
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)

	record, queued, err := e.SubmitWrite(ctx, models.MutationMethodCreate,
		"/api/inventory", models.CollectionInventory, json.RawMessage(`{"productId":"p-1","location":"car"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if queued {
		t.Fatal("online write must not queue")
	}
	if models.RecordIdFromPayload(record) != "srv-55" {
		t.Fatalf("expected server record back, got %s", record)
	}
	if n, _ := models.CountPendingMutations(ctx, 1); n != 0 {
		t.Fatalf("nothing should queue, got %d", n)
	}
}

func TestSubmitWriteTransientFailureFallsBackToQueue(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)

	_, queued, err := e.SubmitWrite(ctx, models.MutationMethodCreate,
		"/api/inventory", models.CollectionInventory, json.RawMessage(`{"productId":"p-1","location":"car"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !queued {
		t.Fatal("a transient failure must fall back to the queue")
	}
	if !e.monitor.IsOffline() {
		t.Fatal("a transient failure is an offline signal")
	}
}

func TestCreateRetryAfterLostResponseIsDeduplicated(t *testing.T) {
	ctx := newTestStore(t)

	// The server commits the create but the first response is lost (500). The
	// retried attempt carries the same key, so the server recognizes it and
	// returns the committed record instead of creating a second one.
	var mu sync.Mutex
	var keys []string
	committed := map[string]bool{}
	commits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		if committed[key] {
			_, _ = w.Write([]byte(`{"id":"srv-77","productId":"p-1"}`))
			return
		}
		committed[key] = true
		commits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := newTestEngine(t, srv.URL)

	_, queued, err := e.SubmitWrite(ctx, models.MutationMethodCreate,
		"/api/inventory", models.CollectionInventory, json.RawMessage(`{"productId":"p-1","location":"car"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !queued {
		t.Fatal("lost response must fall back to the queue")
	}

	e.monitor.ReportOnline()
	e.Sync(ctx)

	if n, _ := models.CountPendingMutations(ctx, 1); n != 0 {
		t.Fatalf("queue must drain after replay, %d left", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if commits != 1 {
		t.Fatalf("server committed the create %d times; a retried key must deduplicate", commits)
	}
	if len(keys) < 2 || keys[0] == "" || keys[0] != keys[1] {
		t.Fatalf("direct attempt and replay must carry the same key: %v", keys)
	}
}

func TestOfflineSyncPreservesErrorStatus(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	t.Setenv("SYNC_MAX_RETRIES", "1")
	enqueue(t, ctx, models.MutationMethodCreate, "/api/inventory", map[string]interface{}{"productId": "a"}, 1)

	e := newTestEngine(t, srv.URL)
	e.Sync(ctx)
	if e.Status() != StatusError {
		t.Fatalf("expected error after exhausted retries, got %s", e.Status())
	}

	// An offline pass replays nothing; the halted entry is still queued and the
	// engine must keep saying so.
	e.monitor.SetOffline(utils.NewTrue())
	e.Sync(ctx)
	if e.Status() != StatusError {
		t.Fatalf("offline pass must not clear the error state, got %s", e.Status())
	}
	if n, _ := models.CountPendingMutations(ctx, 1); n != 1 {
		t.Fatalf("halted entry must still be queued, %d left", n)
	}
}

func TestSubmitWriteDeleteRemovesCachedCopy(t *testing.T) {
	ctx := newTestStore(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	models.PutRecord(ctx, models.CollectionInventory, 1,
		json.RawMessage(`{"id":"srv-3","productId":"p-1"}`), true)

	e := newTestEngine(t, srv.URL)
	if _, _, err := e.SubmitWrite(ctx, models.MutationMethodDelete,
		"/api/inventory/srv-3", models.CollectionInventory, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := models.GetCollection(ctx, models.CollectionInventory, 1); ok {
		t.Fatal("deleted record must leave the cache")
	}
}

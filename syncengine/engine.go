package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/connectivity"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"bitbucket.org/mediflowhq/inventory_agent/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// SyncError is the single shape every user-facing failure takes. Internal retry
// and backoff state never crosses this boundary.
type SyncError struct {
	Title       string
	Description string
}

var errUnresolvedTarget = errors.New("endpoint targets an unresolved placeholder id")

// Engine routes every write and drains the mutation queue on reconnect. One
// engine serves the one active client session; the monitor drives its
// transitions and a second Sync while one is running is a no-op.
type Engine struct {
	api     *APIClient
	monitor *connectivity.Monitor
	logger  *logrus.Logger
	cache   *readCache

	mu         sync.Mutex
	status     Status
	statusSubs map[int]func(Status)
	nextSub    int
	errCbs     []func(SyncError)

	maxRetries  int
	baseBackoff time.Duration
	unsubscribe func()

	// Last authenticated identity seen on a request. Background sync passes
	// (reconnect, sync-ready push) run on behalf of this user; until a request
	// has arrived there is nobody to replay for.
	idMu         sync.Mutex
	lastUserId   int
	lastUserName string
	lastToken    string
}

func NewEngine(api *APIClient, monitor *connectivity.Monitor, logger *logrus.Logger) *Engine {
	return &Engine{
		api:         api,
		monitor:     monitor,
		logger:      logger,
		cache:       newReadCache(),
		status:      StatusIdle,
		statusSubs:  map[int]func(Status){},
		maxRetries:  config.SyncMaxRetries(),
		baseBackoff: 500 * time.Millisecond,
	}
}

// Start wires the engine to connectivity transitions: going offline discards
// the read caches (the durable store stays), going online kicks off a sync pass.
func (e *Engine) Start(ctx context.Context) {
	e.unsubscribe = e.monitor.Subscribe(func(offline bool) {
		if offline {
			e.cache.Flush()
			return
		}
		go e.Sync(ctx)
	})
}

// rememberIdentity captures the caller's identity for later background passes.
func (e *Engine) rememberIdentity(ctx context.Context) {
	userId, ok := utils.GetUserIdFromContext(ctx)
	if !ok {
		return
	}
	token, _ := utils.GetTokenFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)
	e.idMu.Lock()
	e.lastUserId = userId
	e.lastToken = token
	e.lastUserName = userName
	e.idMu.Unlock()
}

// sessionContext returns ctx as-is when it already carries an identity, or the
// last remembered one attached. A ctx with neither stays anonymous and the sync
// pass becomes a no-op for owned entries.
func (e *Engine) sessionContext(ctx context.Context) context.Context {
	if _, ok := utils.GetUserIdFromContext(ctx); ok {
		e.rememberIdentity(ctx)
		return ctx
	}
	e.idMu.Lock()
	userId, token, userName := e.lastUserId, e.lastToken, e.lastUserName
	e.idMu.Unlock()
	if userId == 0 {
		return ctx
	}
	ctx = utils.SetUserIdInContext(ctx, userId)
	ctx = utils.SetTokenInContext(ctx, token)
	ctx = utils.SetUserNameInContext(ctx, userName)
	return ctx
}

func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// OnStatusChange registers a status callback and returns its release.
func (e *Engine) OnStatusChange(cb func(Status)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.statusSubs[id] = cb
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.statusSubs, id)
		e.mu.Unlock()
	}
}

// OnSyncError registers the (title, description) notification callback.
func (e *Engine) OnSyncError(cb func(SyncError)) {
	e.mu.Lock()
	e.errCbs = append(e.errCbs, cb)
	e.mu.Unlock()
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	if e.status == s {
		e.mu.Unlock()
		return
	}
	e.status = s
	cbs := make([]func(Status), 0, len(e.statusSubs))
	for _, cb := range e.statusSubs {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()
	for _, cb := range cbs {
		cb(s)
	}
}

func (e *Engine) surfaceError(title, description string) {
	e.mu.Lock()
	cbs := append([]func(SyncError){}, e.errCbs...)
	e.mu.Unlock()
	for _, cb := range cbs {
		cb(SyncError{Title: title, Description: description})
	}
}

// PendingRefs returns the identity of every record whose create is still
// queued. The UI renders these as provisional rows.
func (e *Engine) PendingRefs(ctx context.Context, ownerUserId int) []models.EntityRef {
	queue, err := models.ListQueuedMutationsForOwner(ctx, ownerUserId)
	if err != nil {
		config.LogError(e.logger, "engine.go", "PendingRefs", "list queue", nil, err)
		return nil
	}
	refs := []models.EntityRef{}
	for _, m := range queue {
		if m.Method != models.MutationMethodCreate {
			continue
		}
		if id := models.RecordIdFromPayload(m.Payload); id != "" {
			refs = append(refs, models.RefFor(id))
		}
	}
	return refs
}

// PendingCount returns the number of queued mutations for the user.
func (e *Engine) PendingCount(ctx context.Context, ownerUserId int) int {
	n, err := models.CountPendingMutations(ctx, ownerUserId)
	if err != nil {
		config.LogError(e.logger, "engine.go", "PendingCount", "count", nil, err)
		return 0
	}
	return n
}

// Sync drains the mutation queue. Safe to call redundantly: concurrent calls
// collapse into the single in-flight run.
func (e *Engine) Sync(ctx context.Context) {
	e.mu.Lock()
	if e.status == StatusSyncing {
		e.mu.Unlock()
		return
	}
	prev := e.status
	e.status = StatusSyncing
	cbs := make([]func(Status), 0, len(e.statusSubs))
	for _, cb := range e.statusSubs {
		cbs = append(cbs, cb)
	}
	e.mu.Unlock()
	for _, cb := range cbs {
		cb(StatusSyncing)
	}

	ctx = e.sessionContext(ctx)

	if e.monitor.IsOffline() {
		// No replay happened; a prior halt is still in effect until a pass
		// actually drains the failing entry.
		e.setStatus(prev)
		return
	}

	// Best-effort cross-process lock; the mutex above remains the in-process
	// guarantee, so a missing Redis never blocks the sync.
	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, "agent:sync-run", 5*time.Minute, nil)
		if err == nil {
			defer lock.Release(context.WithoutCancel(ctx))
		}
	}

	ok := e.replayQueue(ctx)

	// Replay changed server state; force the next reads to fetch fresh.
	e.cache.Flush()
	if _, needsRefresh := models.CleanupTempIds(ctx); needsRefresh {
		// Cleanup removed cached rows that were silently superseded; pull the
		// confirmed copies back in under their server ids.
		e.cache.Flush()
		if err := e.RefreshCollections(ctx); err != nil {
			config.LogError(e.logger, "engine.go", "Sync", "refresh after cleanup", nil, err)
		}
	}

	if ok {
		e.setStatus(StatusIdle)
	} else {
		e.setStatus(StatusError)
	}
}

// replayQueue sends queued mutations strictly in insertion order. Returns false
// when replay halted on an unresolved entry.
func (e *Engine) replayQueue(ctx context.Context) bool {
	userId, hasIdentity := utils.GetUserIdFromContext(ctx)
	if !hasIdentity {
		// Nobody has authenticated yet this run; leave the queue untouched.
		return true
	}
	token, _ := utils.GetTokenFromContext(ctx)

	queue, err := models.ListQueuedMutations(ctx)
	if err != nil {
		config.LogError(e.logger, "engine.go", "replayQueue", "list queue", nil, err)
		return false
	}

	for _, m := range queue {
		// Shared-device guard: never replay another account's writes.
		if m.OwnerUserId != userId {
			e.logger.WithFields(logrus.Fields{
				"module":   "syncengine",
				"queue_id": m.ID,
				"owner":    m.OwnerUserId,
				"user":     userId,
			}).Warn("dropping queued mutation with mismatched owner")
			_ = models.DequeueMutation(ctx, m.ID)
			continue
		}

		if halted := e.replayOne(ctx, m, token); halted {
			return false
		}
	}
	return true
}

// replayOne confirms a single entry or decides its fate. Returns true when
// replay must halt (transient failure exhausted its retries); validation
// failures drop the entry and let subsequent entries proceed.
func (e *Engine) replayOne(ctx context.Context, m models.QueuedMutation, token string) (halt bool) {
	// A key that already SUCCEEDED means the original attempt landed and only
	// the confirmation was lost: finish the bookkeeping, never resend.
	skip, knownServerId, err := models.BeginIdempotency(ctx, m.OwnerUserId, m.IdempotencyKey, m.Endpoint)
	if err != nil {
		config.LogError(e.logger, "engine.go", "replayOne", "begin idempotency", m.ID, err)
	}
	if skip {
		e.confirmMutation(ctx, m, knownServerId)
		return false
	}

	// An update or delete still aimed at a placeholder id means the create it
	// depended on was dropped earlier; the server has nothing to address.
	if m.Method != models.MutationMethodCreate {
		if _, recordId := collectionAndIdFromEndpoint(m.Endpoint); recordId != "" && models.RefFor(recordId).Pending() {
			_ = models.MarkIdempotencyFailed(ctx, m.OwnerUserId, m.IdempotencyKey, errUnresolvedTarget)
			_ = models.DequeueMutation(ctx, m.ID)
			config.LogError(e.logger, "engine.go", "replayOne", "unresolved target", m.Endpoint, errUnresolvedTarget)
			e.surfaceError("Sync failed for one change", "A queued change depended on a record that was rejected; it has been discarded.")
			return false
		}
	}

	for {
		payload := m.Payload
		if m.Method == models.MutationMethodCreate {
			payload = stripIdField(payload)
		}
		resp, err := e.api.Send(ctx, m.Method, m.Endpoint, payload, token, m.IdempotencyKey)
		if err == nil {
			serverId := models.RecordIdFromPayload(resp)
			_ = models.MarkIdempotencySucceeded(ctx, m.OwnerUserId, m.IdempotencyKey, serverId)
			e.confirmMutation(ctx, m, serverId)
			return false
		}

		if !IsRetryable(err) {
			// Validation failure: this entry can never succeed. Drop it and
			// keep replaying so independent later entries are not starved.
			_ = models.MarkIdempotencyFailed(ctx, m.OwnerUserId, m.IdempotencyKey, err)
			_ = models.DequeueMutation(ctx, m.ID)
			config.LogError(e.logger, "engine.go", "replayOne", "validation failure", m.Endpoint, err)
			e.surfaceError("Sync failed for one change", "The server rejected a queued change; it has been discarded: "+err.Error())
			return false
		}

		if err := models.IncrementRetry(ctx, m.ID); err != nil {
			config.LogError(e.logger, "engine.go", "replayOne", "increment retry", m.ID, err)
		}
		m.RetryCount++
		if m.RetryCount >= e.maxRetries {
			// Ordering must hold: later entries may depend on this one, so the
			// whole replay halts with this and all subsequent entries queued.
			config.LogError(e.logger, "engine.go", "replayOne", "retries exhausted", m.Endpoint, err)
			e.surfaceError("Sync paused", "A queued change keeps failing; your data is safe and sync will retry: "+err.Error())
			return true
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(replayBackoff(m.RetryCount, e.baseBackoff)):
		}
	}
}

// confirmMutation finishes a confirmed entry: resolve its temp id everywhere,
// update the cached copy, and remove it from the queue.
func (e *Engine) confirmMutation(ctx context.Context, m models.QueuedMutation, serverId string) {
	if m.Method == models.MutationMethodCreate {
		if tempId := models.RecordIdFromPayload(m.Payload); models.IsTempId(tempId) && serverId != "" {
			// Rewrite before the next entry replays so no dependent mutation
			// ever carries the temp id to the server.
			if err := models.RemapQueuedMutations(ctx, tempId, serverId); err != nil {
				config.LogError(e.logger, "engine.go", "confirmMutation", "remap queue", tempId, err)
			}
			if err := models.RemapCachedRecords(ctx, tempId, serverId); err != nil {
				config.LogError(e.logger, "engine.go", "confirmMutation", "remap cache", tempId, err)
			}
		}
	}
	if m.Method == models.MutationMethodDelete {
		if collection, recordId := collectionAndIdFromEndpoint(m.Endpoint); collection != "" && recordId != "" {
			models.RemoveRecord(ctx, collection, recordId)
		}
	}
	if err := models.DequeueMutation(ctx, m.ID); err != nil {
		config.LogError(e.logger, "engine.go", "confirmMutation", "dequeue", m.ID, err)
	}
}

// SubmitWrite is the single write path for the whole client. Online, the write
// goes straight to the server; offline (or when the send fails transiently) it
// is queued and applied optimistically to the local cache. Returns the effective
// record payload and whether the write was queued.
//
// The idempotency key is minted once, before the first attempt. When a direct
// send fails after the server already committed it (response lost), the queued
// fallback carries the same key and the replay cannot duplicate the record.
func (e *Engine) SubmitWrite(ctx context.Context, method models.MutationMethod, endpoint string, collection string, payload json.RawMessage) (json.RawMessage, bool, error) {
	e.rememberIdentity(ctx)
	userId, _ := utils.GetUserIdFromContext(ctx)
	token, _ := utils.GetTokenFromContext(ctx)
	idempotencyKey := uuid.NewString()

	if method == models.MutationMethodCreate {
		if models.RecordIdFromPayload(payload) == "" {
			payload = injectIdField(payload, models.NewTempId())
		}
	}

	if !e.monitor.IsOffline() {
		sendPayload := payload
		if method == models.MutationMethodCreate {
			sendPayload = stripIdField(payload)
		}
		resp, err := e.api.Send(ctx, method, endpoint, sendPayload, token, idempotencyKey)
		if err == nil {
			e.applyConfirmed(ctx, method, endpoint, collection, userId, resp)
			return resp, false, nil
		}
		if !IsRetryable(err) {
			return nil, false, err
		}
		// A request that never reached the server is an offline signal.
		e.monitor.ReportOffline()
	}

	err := config.GetDB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := models.EnqueueMutation(ctx, tx, method, endpoint, payload, userId, idempotencyKey); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	switch method {
	case models.MutationMethodDelete:
		if c, recordId := collectionAndIdFromEndpoint(endpoint); c != "" && recordId != "" {
			models.RemoveRecord(ctx, c, recordId)
		}
	default:
		if collection != "" {
			models.PutRecord(ctx, collection, userId, payload, false)
		}
	}
	return payload, true, nil
}

// applyConfirmed updates the cache after a successful direct write.
func (e *Engine) applyConfirmed(ctx context.Context, method models.MutationMethod, endpoint string, collection string, userId int, resp json.RawMessage) {
	switch method {
	case models.MutationMethodDelete:
		if c, recordId := collectionAndIdFromEndpoint(endpoint); c != "" && recordId != "" {
			models.RemoveRecord(ctx, c, recordId)
		}
	default:
		if collection != "" && len(resp) > 0 {
			models.PutRecord(ctx, collection, userId, resp, true)
		}
	}
}

func replayBackoff(attempt int, base time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	// base * 2^(attempt-1), capped.
	exp := float64(attempt - 1)
	delay := time.Duration(float64(base) * math.Pow(2, exp))
	if delay > 30*time.Second {
		return 30 * time.Second
	}
	return delay
}

func stripIdField(payload []byte) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	delete(obj, "id")
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

func injectIdField(payload []byte, id string) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	idJSON, _ := json.Marshal(id)
	obj["id"] = idJSON
	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

// collectionAndIdFromEndpoint maps "/api/inventory/123" to ("inventory", "123").
// Only collection-shaped endpoints resolve; stock-count endpoints return "".
func collectionAndIdFromEndpoint(endpoint string) (string, string) {
	trimmed := strings.TrimPrefix(endpoint, "/api/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		return "", ""
	}
	for _, c := range models.AllCollections() {
		if parts[0] == c {
			return c, parts[1]
		}
	}
	return "", ""
}

package models_test

import (
	"encoding/json"
	"testing"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/models"
)

func rawRecord(t *testing.T, fields map[string]interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestPutCollectionPreservesOptimisticRows(t *testing.T) {
	ctx := newTestStore(t)

	tempId := models.NewTempId()
	models.PutRecord(ctx, models.CollectionInventory, 1,
		rawRecord(t, map[string]interface{}{"id": tempId, "productId": "p-9"}), false)
	models.PutCollection(ctx, models.CollectionInventory, 1, []json.RawMessage{
		rawRecord(t, map[string]interface{}{"id": "srv-1", "productId": "p-1"}),
	})

	records, ok := models.GetCollection(ctx, models.CollectionInventory, 1)
	if !ok {
		t.Fatal("expected cached records")
	}
	if len(records) != 2 {
		t.Fatalf("expected confirmed + optimistic rows, got %d", len(records))
	}

	// A second refresh replaces the confirmed row but still keeps the
	// optimistic one: the server does not know about it yet.
	models.PutCollection(ctx, models.CollectionInventory, 1, []json.RawMessage{
		rawRecord(t, map[string]interface{}{"id": "srv-2", "productId": "p-2"}),
	})
	records, _ = models.GetCollection(ctx, models.CollectionInventory, 1)
	ids := map[string]bool{}
	for _, r := range records {
		ids[models.RecordIdFromPayload(r)] = true
	}
	if !ids[tempId] || !ids["srv-2"] || ids["srv-1"] {
		t.Fatalf("unexpected cache contents: %v", ids)
	}
}

func TestGetCollectionMissReturnsFalse(t *testing.T) {
	ctx := newTestStore(t)
	if _, ok := models.GetCollection(ctx, models.CollectionProducts, 1); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestRemapCachedRecordsConfirmsAndRewritesReferences(t *testing.T) {
	ctx := newTestStore(t)

	tempId := models.NewTempId()
	models.PutRecord(ctx, models.CollectionInventory, 1,
		rawRecord(t, map[string]interface{}{"id": tempId, "productId": "p-1"}), false)
	models.PutRecord(ctx, models.CollectionProcedures, 1,
		rawRecord(t, map[string]interface{}{"id": "proc-1", "inventoryId": tempId}), false)

	if err := models.RemapCachedRecords(ctx, tempId, "srv-7"); err != nil {
		t.Fatalf("remap: %v", err)
	}

	inventory, _ := models.GetCollection(ctx, models.CollectionInventory, 1)
	if len(inventory) != 1 || models.RecordIdFromPayload(inventory[0]) != "srv-7" {
		t.Fatalf("record not rekeyed: %v", inventory)
	}

	var row models.CachedRecord
	if err := config.GetDB().Where("collection = ? AND record_id = ?", models.CollectionInventory, "srv-7").Take(&row).Error; err != nil {
		t.Fatalf("fetch remapped row: %v", err)
	}
	if !row.Confirmed {
		t.Fatal("remapped record must be confirmed")
	}

	procedures, _ := models.GetCollection(ctx, models.CollectionProcedures, 1)
	var proc map[string]string
	if err := json.Unmarshal(procedures[0], &proc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if proc["inventoryId"] != "srv-7" {
		t.Fatalf("embedded reference not rewritten: %s", proc["inventoryId"])
	}
}

func TestCleanupTempIdsKeepsPendingCreates(t *testing.T) {
	ctx := newTestStore(t)
	db := config.GetDB()

	pendingId := models.NewTempId()
	payload := rawRecord(t, map[string]interface{}{"id": pendingId, "productId": "p-1"})
	if _, err := models.EnqueueMutation(ctx, db, models.MutationMethodCreate, "/api/inventory", payload, 1, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	models.PutRecord(ctx, models.CollectionInventory, 1, payload, false)

	orphanId := models.NewTempId()
	models.PutRecord(ctx, models.CollectionInventory, 1,
		rawRecord(t, map[string]interface{}{"id": orphanId, "productId": "p-2"}), false)

	removed, needsRefresh := models.CleanupTempIds(ctx)
	if removed != 1 || !needsRefresh {
		t.Fatalf("expected 1 removal with refresh, got %d/%v", removed, needsRefresh)
	}

	records, _ := models.GetCollection(ctx, models.CollectionInventory, 1)
	if len(records) != 1 || models.RecordIdFromPayload(records[0]) != pendingId {
		t.Fatalf("pending create's record must survive cleanup: %v", records)
	}

	// A second pass finds nothing: cleanup is idempotent.
	removed, needsRefresh = models.CleanupTempIds(ctx)
	if removed != 0 || needsRefresh {
		t.Fatalf("second cleanup must be a no-op, got %d/%v", removed, needsRefresh)
	}
}

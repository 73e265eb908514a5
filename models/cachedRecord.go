package models

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"gorm.io/gorm"
)

// CachedRecord is one server entity held locally for offline reads. Payload is
// the raw JSON record as the server returned it (or as the client wrote it
// optimistically). Confirmed distinguishes server-confirmed copies from
// optimistic local writes that are still queued.
type CachedRecord struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	Collection  string    `gorm:"size:50;not null;index:uniq_cached,unique" json:"collection"`
	RecordId    string    `gorm:"size:64;not null;index:uniq_cached,unique" json:"record_id"`
	OwnerUserId int       `gorm:"not null;index" json:"owner_user_id"`
	Payload     []byte    `gorm:"type:text" json:"payload"`
	Confirmed   bool      `gorm:"not null" json:"confirmed"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetCollection returns the cached records of a collection. A storage failure
// degrades to a cache miss: (nil, false), logged, never an error to the caller.
func GetCollection(ctx context.Context, collection string, ownerUserId int) ([]json.RawMessage, bool) {
	db := config.GetDB()
	if db == nil {
		return nil, false
	}

	var rows []CachedRecord
	err := db.WithContext(ctx).
		Where("collection = ? AND owner_user_id = ?", collection, ownerUserId).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		config.LogError(config.GetLogger(), "cachedRecord.go", "GetCollection", collection, nil, err)
		return nil, false
	}
	if len(rows) == 0 {
		return nil, false
	}

	records := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		records = append(records, json.RawMessage(row.Payload))
	}
	return records, true
}

// PutCollection replaces the cached copy of a collection with server-confirmed
// records. Optimistic (unconfirmed) rows are preserved: they represent queued
// writes the server does not know about yet.
func PutCollection(ctx context.Context, collection string, ownerUserId int, records []json.RawMessage) {
	db := config.GetDB()
	if db == nil {
		return
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("collection = ? AND owner_user_id = ? AND confirmed = ?", collection, ownerUserId, true).
			Delete(&CachedRecord{}).Error; err != nil {
			return err
		}
		for _, rec := range records {
			recordId := RecordIdFromPayload(rec)
			if recordId == "" {
				continue
			}
			row := CachedRecord{
				Collection:  collection,
				RecordId:    recordId,
				OwnerUserId: ownerUserId,
				Payload:     []byte(rec),
				Confirmed:   true,
			}
			if err := tx.
				Where("collection = ? AND record_id = ?", collection, recordId).
				Assign(map[string]interface{}{
					"owner_user_id": ownerUserId,
					"payload":       []byte(rec),
					"confirmed":     true,
				}).
				FirstOrCreate(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		config.LogError(config.GetLogger(), "cachedRecord.go", "PutCollection", collection, nil, err)
	}
}

// PutRecord upserts a single record, typically an optimistic local write.
func PutRecord(ctx context.Context, collection string, ownerUserId int, payload json.RawMessage, confirmed bool) {
	db := config.GetDB()
	if db == nil {
		return
	}
	recordId := RecordIdFromPayload(payload)
	if recordId == "" {
		return
	}

	row := CachedRecord{
		Collection:  collection,
		RecordId:    recordId,
		OwnerUserId: ownerUserId,
		Payload:     []byte(payload),
		Confirmed:   confirmed,
	}
	err := db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, recordId).
		Assign(map[string]interface{}{
			"owner_user_id": ownerUserId,
			"payload":       []byte(payload),
			"confirmed":     confirmed,
		}).
		FirstOrCreate(&row).Error
	if err != nil {
		config.LogError(config.GetLogger(), "cachedRecord.go", "PutRecord", collection, recordId, err)
	}
}

func RemoveRecord(ctx context.Context, collection string, recordId string) {
	db := config.GetDB()
	if db == nil {
		return
	}
	err := db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, recordId).
		Delete(&CachedRecord{}).Error
	if err != nil {
		config.LogError(config.GetLogger(), "cachedRecord.go", "RemoveRecord", collection, recordId, err)
	}
}

// CleanupTempIds removes stale temporary identifiers: cached records keyed by a
// temp id that no queued create will ever produce (the create was confirmed and
// the record silently superseded), and queued mutations targeting such an id.
// needsRefresh is true when anything was removed, telling the caller to force a
// re-fetch so the confirmed copies reappear under their server ids.
func CleanupTempIds(ctx context.Context) (removed int, needsRefresh bool) {
	db := config.GetDB()
	if db == nil {
		return 0, false
	}

	pending := pendingTempIds(ctx, db)

	var cached []CachedRecord
	if err := db.WithContext(ctx).
		Where("record_id LIKE ?", tempIdPrefix+"%").
		Find(&cached).Error; err != nil {
		config.LogError(config.GetLogger(), "cachedRecord.go", "CleanupTempIds", "scan cache", nil, err)
		return 0, false
	}
	for _, row := range cached {
		if pending[row.RecordId] {
			continue
		}
		if err := db.WithContext(ctx).Delete(&CachedRecord{}, row.ID).Error; err != nil {
			config.LogError(config.GetLogger(), "cachedRecord.go", "CleanupTempIds", "delete cache row", row.RecordId, err)
			continue
		}
		removed++
	}

	var queued []QueuedMutation
	if err := db.WithContext(ctx).
		Where("endpoint LIKE ?", "%"+tempIdPrefix+"%").
		Find(&queued).Error; err != nil {
		config.LogError(config.GetLogger(), "cachedRecord.go", "CleanupTempIds", "scan queue", nil, err)
		return removed, removed > 0
	}
	for _, m := range queued {
		tempId := tempIdFromEndpoint(m.Endpoint)
		if tempId == "" || pending[tempId] {
			continue
		}
		if err := db.WithContext(ctx).Delete(&QueuedMutation{}, m.ID).Error; err != nil {
			config.LogError(config.GetLogger(), "cachedRecord.go", "CleanupTempIds", "delete queue row", m.ID, err)
			continue
		}
		removed++
	}

	return removed, removed > 0
}

// pendingTempIds returns every temp id a still-queued create will resolve.
func pendingTempIds(ctx context.Context, db *gorm.DB) map[string]bool {
	out := map[string]bool{}
	var creates []QueuedMutation
	if err := db.WithContext(ctx).
		Where("method = ?", MutationMethodCreate).
		Find(&creates).Error; err != nil {
		config.LogError(config.GetLogger(), "cachedRecord.go", "pendingTempIds", "scan queue", nil, err)
		return out
	}
	for _, m := range creates {
		if id := RecordIdFromPayload(m.Payload); IsTempId(id) {
			out[id] = true
		}
	}
	return out
}

// RemapCachedRecords rewrites every occurrence of a resolved temp id to the
// server id: the record keyed by it (which becomes confirmed) and any other
// record embedding it as a foreign reference.
func RemapCachedRecords(ctx context.Context, tempId string, serverId string) error {
	db := config.GetDB()
	if db == nil {
		return nil
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []CachedRecord
		if err := tx.
			Where("record_id = ? OR payload LIKE ?", tempId, "%"+tempId+"%").
			Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			updates := map[string]interface{}{
				"payload": []byte(strings.ReplaceAll(string(row.Payload), tempId, serverId)),
			}
			if row.RecordId == tempId {
				updates["record_id"] = serverId
				updates["confirmed"] = true
			}
			if err := tx.Model(&CachedRecord{}).
				Where("id = ?", row.ID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func RecordIdFromPayload(payload []byte) string {
	var probe struct {
		Id json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil || len(probe.Id) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(probe.Id, &asString); err == nil {
		return asString
	}
	// Server ids are numeric; normalize to their literal form.
	return strings.TrimSpace(string(probe.Id))
}

func tempIdFromEndpoint(endpoint string) string {
	idx := strings.Index(endpoint, tempIdPrefix)
	if idx < 0 {
		return ""
	}
	rest := endpoint[idx:]
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

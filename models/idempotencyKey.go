package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"gorm.io/gorm"
)

// IdempotencyKey records the outcome of a server write keyed by the client key
// sent in the Idempotency-Key header. A retried create whose original attempt in
// fact succeeded (confirmation lost) is detected here and skipped instead of
// producing a duplicate server record.
// Unique constraint: (owner_user_id, key).
type IdempotencyKey struct {
	ID          int               `gorm:"primary_key" json:"id"`
	OwnerUserId int               `gorm:"not null;index:uniq_idem,unique" json:"owner_user_id"`
	Key         string            `gorm:"size:64;not null;index:uniq_idem,unique" json:"key"`
	Endpoint    string            `gorm:"size:255;not null" json:"endpoint"`
	Status      IdempotencyStatus `gorm:"size:20;not null;index" json:"status"`
	ServerId    *string           `gorm:"size:64" json:"server_id"`
	LastError   *string           `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeginIdempotency inserts STARTED. If SUCCEEDED exists, returns (true, serverId, nil)
// meaning "skip safely": the write already landed on the server.
func BeginIdempotency(ctx context.Context, ownerUserId int, key string, endpoint string) (skip bool, serverId string, err error) {
	db := config.GetDB()
	rec := IdempotencyKey{
		OwnerUserId: ownerUserId,
		Key:         key,
		Endpoint:    endpoint,
		Status:      IdempotencyStatusStarted,
	}
	if err := db.WithContext(ctx).Create(&rec).Error; err == nil {
		return false, "", nil
	} else if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, "", err
	}

	var existing IdempotencyKey
	if err := db.WithContext(ctx).
		Where("owner_user_id = ? AND `key` = ?", ownerUserId, key).
		First(&existing).Error; err != nil {
		return false, "", err
	}

	switch existing.Status {
	case IdempotencyStatusSucceeded:
		sid := ""
		if existing.ServerId != nil {
			sid = *existing.ServerId
		}
		return true, sid, nil
	default:
		// STARTED (crashed mid-send) or FAILED: reuse the row and retry.
		return false, "", db.WithContext(ctx).Model(&IdempotencyKey{}).
			Where("id = ?", existing.ID).
			Updates(map[string]interface{}{"status": IdempotencyStatusStarted, "last_error": nil}).Error
	}
}

func MarkIdempotencySucceeded(ctx context.Context, ownerUserId int, key string, serverId string) error {
	db := config.GetDB()
	updates := map[string]interface{}{"status": IdempotencyStatusSucceeded, "last_error": nil}
	if serverId != "" {
		updates["server_id"] = &serverId
	}
	return db.WithContext(ctx).Model(&IdempotencyKey{}).
		Where("owner_user_id = ? AND `key` = ?", ownerUserId, key).
		Updates(updates).Error
}

func MarkIdempotencyFailed(ctx context.Context, ownerUserId int, key string, err error) error {
	db := config.GetDB()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return db.WithContext(ctx).Model(&IdempotencyKey{}).
		Where("owner_user_id = ? AND `key` = ?", ownerUserId, key).
		Updates(map[string]interface{}{"status": IdempotencyStatusFailed, "last_error": &msg}).Error
}

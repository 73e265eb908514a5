package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QueuedMutation is one write recorded while offline (or while a send was in
// flight and failed transiently). The autoincrement id doubles as the FIFO
// order: replay must never reorder entries because later mutations may reference
// entities created by earlier ones.
type QueuedMutation struct {
	ID             uint           `gorm:"primary_key" json:"id"`
	Method         MutationMethod `gorm:"size:10;not null" json:"method"`
	Endpoint       string         `gorm:"size:255;not null" json:"endpoint"`
	Payload        []byte         `gorm:"type:text" json:"payload"`
	OwnerUserId    int            `gorm:"not null;index" json:"owner_user_id"`
	IdempotencyKey string         `gorm:"size:64;not null" json:"idempotency_key"`
	CorrelationId  string         `gorm:"size:64" json:"correlation_id"`
	RetryCount     int            `gorm:"not null" json:"retry_count"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
}

// EnqueueMutation appends to the queue inside the caller's transaction, so the
// optimistic cache write and its queue entry commit atomically. The idempotency
// key stays stable across every retry of this entry; callers that already sent
// the mutation once pass the key of that attempt so the server can deduplicate,
// an empty key mints a fresh one.
func EnqueueMutation(ctx context.Context, tx *gorm.DB, method MutationMethod, endpoint string, payload []byte, ownerUserId int, idempotencyKey string) (uint, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	m := QueuedMutation{
		Method:         method,
		Endpoint:       endpoint,
		Payload:        payload,
		OwnerUserId:    ownerUserId,
		IdempotencyKey: idempotencyKey,
		CorrelationId:  correlationIdFromContextOrNew(ctx),
	}
	if err := tx.Create(&m).Error; err != nil {
		return 0, err
	}
	return m.ID, nil
}

func DequeueMutation(ctx context.Context, queueId uint) error {
	db := config.GetDB()
	return db.WithContext(ctx).Delete(&QueuedMutation{}, queueId).Error
}

// ListQueuedMutations returns the whole queue in insertion order.
func ListQueuedMutations(ctx context.Context) ([]QueuedMutation, error) {
	db := config.GetDB()
	var rows []QueuedMutation
	err := db.WithContext(ctx).Order("id ASC").Find(&rows).Error
	return rows, err
}

func ListQueuedMutationsForOwner(ctx context.Context, ownerUserId int) ([]QueuedMutation, error) {
	db := config.GetDB()
	var rows []QueuedMutation
	err := db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserId).
		Order("id ASC").
		Find(&rows).Error
	return rows, err
}

func CountPendingMutations(ctx context.Context, ownerUserId int) (int, error) {
	db := config.GetDB()
	var count int64
	err := db.WithContext(ctx).
		Model(&QueuedMutation{}).
		Where("owner_user_id = ?", ownerUserId).
		Count(&count).Error
	return int(count), err
}

func IncrementRetry(ctx context.Context, queueId uint) error {
	db := config.GetDB()
	return db.WithContext(ctx).
		Model(&QueuedMutation{}).
		Where("id = ?", queueId).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1")).Error
}

// RemapQueuedMutations rewrites a resolved temp id to the server id in every
// still-queued entry, payload and endpoint alike. Must run before the next entry
// replays so no dependent mutation ever carries a temp id to the server.
func RemapQueuedMutations(ctx context.Context, tempId string, serverId string) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []QueuedMutation
		if err := tx.
			Where("payload LIKE ? OR endpoint LIKE ?", "%"+tempId+"%", "%"+tempId+"%").
			Find(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			if err := tx.Model(&QueuedMutation{}).
				Where("id = ?", row.ID).
				Updates(map[string]interface{}{
					"payload":  []byte(strings.ReplaceAll(string(row.Payload), tempId, serverId)),
					"endpoint": strings.ReplaceAll(row.Endpoint, tempId, serverId),
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

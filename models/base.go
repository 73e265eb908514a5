package models

import (
	"context"

	"bitbucket.org/mediflowhq/inventory_agent/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MigrateLocalStore creates the agent's tables. Called once at startup against
// the embedded store; sqlite makes this cheap enough to run on every boot.
func MigrateLocalStore(db *gorm.DB) error {
	return db.AutoMigrate(
		&CachedRecord{},
		&QueuedMutation{},
		&IdempotencyKey{},
		&StockCountSession{},
		&StockCountItem{},
	)
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

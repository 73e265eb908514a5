package models_test

import (
	"context"
	"path/filepath"
	"testing"

	"bitbucket.org/mediflowhq/inventory_agent/config"
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
	return ctx
}

package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"gorm.io/gorm"
)

// cache-reset wipes the agent's local store for one user or for everyone.
// Queued mutations are deleted too: only run this when the queue has drained or
// the offline changes are intentionally abandoned.
func main() {
	userID := flag.Int("user-id", 0, "Limit the wipe to one user id (0 = all users)")
	dryRun := flag.Bool("dry-run", true, "Show counts only (no writes)")
	confirm := flag.String("confirm", "", "Type RESET to proceed when dry-run=false")
	keepSessions := flag.Bool("keep-sessions", false, "Preserve stock count sessions and items")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "RESET" {
		fmt.Fprintln(os.Stderr, "set --confirm=RESET to proceed")
		os.Exit(1)
	}

	config.OpenLocalStoreWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "local store not initialized")
		os.Exit(1)
	}

	if *dryRun {
		printCounts(db, *userID)
		return
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		if err := scoped(tx, *userID, "owner_user_id").Delete(&models.CachedRecord{}).Error; err != nil {
			return err
		}
		if err := scoped(tx, *userID, "owner_user_id").Delete(&models.QueuedMutation{}).Error; err != nil {
			return err
		}
		if err := scoped(tx, *userID, "owner_user_id").Delete(&models.IdempotencyKey{}).Error; err != nil {
			return err
		}
		if *keepSessions {
			return nil
		}
		var sessions []models.StockCountSession
		if err := scoped(tx, *userID, "user_id").Find(&sessions).Error; err != nil {
			return err
		}
		for _, s := range sessions {
			if err := tx.Where("session_id = ?", s.ID).Delete(&models.StockCountItem{}).Error; err != nil {
				return err
			}
		}
		return scoped(tx, *userID, "user_id").Delete(&models.StockCountSession{}).Error
	}); err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("local store reset complete")
}

func scoped(tx *gorm.DB, userID int, column string) *gorm.DB {
	if userID > 0 {
		return tx.Where(column+" = ?", userID)
	}
	return tx.Where("1 = 1")
}

func printCounts(db *gorm.DB, userID int) {
	tables := []struct {
		name   string
		model  interface{}
		column string
	}{
		{"cached_records", &models.CachedRecord{}, "owner_user_id"},
		{"queued_mutations", &models.QueuedMutation{}, "owner_user_id"},
		{"idempotency_keys", &models.IdempotencyKey{}, "owner_user_id"},
		{"stock_count_sessions", &models.StockCountSession{}, "user_id"},
	}
	for _, t := range tables {
		var count int64
		q := db.Model(t.model)
		if userID > 0 {
			q = q.Where(t.column+" = ?", userID)
		}
		if err := q.Count(&count).Error; err != nil {
			fmt.Fprintf(os.Stderr, "%s: count failed: %v\n", t.name, err)
			continue
		}
		fmt.Printf("%s: %d\n", t.name, count)
	}
}

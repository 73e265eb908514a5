package models

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"gorm.io/gorm"
)

var (
	ErrActiveSessionExists = errors.New("an active stock count session already exists for this user")
	ErrSessionNotActive    = errors.New("stock count session is not in progress")
)

// CompletionSummary is computed once at completion and immutable afterwards.
type CompletionSummary struct {
	Matched       int `json:"matched"`
	Transferred   int `json:"transferred"`
	NewItems      int `json:"newItems"`
	MarkedMissing int `json:"markedMissing"`
	Derecognized  int `json:"derecognized"`
}

type StockCountSession struct {
	ID          uint          `gorm:"primary_key" json:"id"`
	UserId      int           `gorm:"not null;index" json:"user_id"`
	CountType   CountType     `gorm:"size:20;not null" json:"count_type"`
	Status      SessionStatus `gorm:"size:20;not null;index" json:"status"`
	StartedAt   time.Time     `gorm:"autoCreateTime" json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at"`
	CompletedBy string        `gorm:"size:100" json:"completed_by"`
	SummaryJSON []byte        `gorm:"type:text" json:"summary_json"`
}

func (s *StockCountSession) Summary() *CompletionSummary {
	if len(s.SummaryJSON) == 0 {
		return nil
	}
	var summary CompletionSummary
	if err := json.Unmarshal(s.SummaryJSON, &summary); err != nil {
		return nil
	}
	return &summary
}

// CreateStockCountSession starts a count. At most one non-terminal session per
// user; the check runs inside the same transaction as the insert so two racing
// starts cannot both slip through.
func CreateStockCountSession(ctx context.Context, userId int, countType CountType) (*StockCountSession, error) {
	db := config.GetDB()
	session := StockCountSession{
		UserId:    userId,
		CountType: countType,
		Status:    SessionStatusInProgress,
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&StockCountSession{}).
			Where("user_id = ? AND status = ?", userId, SessionStatusInProgress).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrActiveSessionExists
		}
		return tx.Create(&session).Error
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetActiveStockCountSession returns the user's in-progress session, or nil when
// there is none.
func GetActiveStockCountSession(ctx context.Context, userId int) (*StockCountSession, error) {
	db := config.GetDB()
	var session StockCountSession
	err := db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userId, SessionStatusInProgress).
		Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func GetStockCountSession(ctx context.Context, sessionId uint, userId int) (*StockCountSession, error) {
	db := config.GetDB()
	var session StockCountSession
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionId, userId).
		Take(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// CancelStockCountSession discards the session and all its scanned items. Legal
// at any time while in progress; it never touches the mutation queue.
func CancelStockCountSession(ctx context.Context, sessionId uint, userId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session StockCountSession
		if err := tx.Where("id = ? AND user_id = ?", sessionId, userId).Take(&session).Error; err != nil {
			return err
		}
		if session.Status != SessionStatusInProgress {
			return ErrSessionNotActive
		}
		if err := tx.Where("session_id = ?", sessionId).Delete(&StockCountItem{}).Error; err != nil {
			return err
		}
		return tx.Model(&StockCountSession{}).
			Where("id = ?", sessionId).
			Updates(map[string]interface{}{"status": SessionStatusCancelled}).Error
	})
}

// CompleteStockCountSession freezes the completion summary and moves the session
// to its terminal state. Only the reconciliation apply step calls this.
func CompleteStockCountSession(ctx context.Context, sessionId uint, userId int, completedBy string, summary CompletionSummary) error {
	db := config.GetDB()
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	now := time.Now()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session StockCountSession
		if err := tx.Where("id = ? AND user_id = ?", sessionId, userId).Take(&session).Error; err != nil {
			return err
		}
		if session.Status != SessionStatusInProgress {
			return ErrSessionNotActive
		}
		return tx.Model(&StockCountSession{}).
			Where("id = ?", sessionId).
			Updates(map[string]interface{}{
				"status":       SessionStatusCompleted,
				"completed_at": &now,
				"completed_by": completedBy,
				"summary_json": summaryJSON,
			}).Error
	})
}

func ListStockCountHistory(ctx context.Context, userId int, limit int) ([]StockCountSession, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 50
	}
	var sessions []StockCountSession
	err := db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userId, []SessionStatus{SessionStatusCompleted, SessionStatusCancelled}).
		Order("id DESC").
		Limit(limit).
		Find(&sessions).Error
	return sessions, err
}

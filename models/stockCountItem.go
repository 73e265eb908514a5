package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrDuplicateScan: the same serial number was scanned twice within one session.
// This is a user error surfaced at scan time; it is distinct from the serial
// already existing in recorded inventory, which is a valid match/transfer case.
var ErrDuplicateScan = errors.New("serial number already scanned in this session")

type StockCountItem struct {
	ID              uint            `gorm:"primary_key" json:"id"`
	SessionId       uint            `gorm:"not null;index" json:"session_id"`
	ProductId       string          `gorm:"size:64;not null" json:"product_id"`
	ScannedLocation Location        `gorm:"size:10;not null" json:"scanned_location"`
	TrackingMode    TrackingMode    `gorm:"size:10" json:"tracking_mode"`
	SerialNumber    string          `gorm:"size:100" json:"serial_number"`
	LotNumber       string          `gorm:"size:100" json:"lot_number"`
	ExpirationDate  *time.Time      `json:"expiration_date"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,8)" json:"quantity"`
	CreatedAt       time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type NewStockCountItem struct {
	ProductId       string          `json:"productId" binding:"required"`
	ScannedLocation Location        `json:"scannedLocation" binding:"required"`
	TrackingMode    TrackingMode    `json:"trackingMode"`
	SerialNumber    string          `json:"serialNumber"`
	LotNumber       string          `json:"lotNumber"`
	ExpirationDate  *time.Time      `json:"expirationDate"`
	Quantity        decimal.Decimal `json:"quantity"`
}

// AddStockCountItem appends a scan to an in-progress session. Serial-tracked
// scans are unique per session; lot-tracked and untracked repeat scans of the
// same key increment the existing row's quantity instead of adding a row.
func AddStockCountItem(ctx context.Context, sessionId uint, userId int, input *NewStockCountItem) (*StockCountItem, error) {
	db := config.GetDB()

	var item StockCountItem
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session StockCountSession
		if err := tx.Where("id = ? AND user_id = ?", sessionId, userId).Take(&session).Error; err != nil {
			return err
		}
		if session.Status != SessionStatusInProgress {
			return ErrSessionNotActive
		}

		if input.TrackingMode == TrackingModeSerial {
			var dup int64
			if err := tx.Model(&StockCountItem{}).
				Where("session_id = ? AND serial_number = ?", sessionId, input.SerialNumber).
				Count(&dup).Error; err != nil {
				return err
			}
			if dup > 0 {
				return ErrDuplicateScan
			}
			item = StockCountItem{
				SessionId:       sessionId,
				ProductId:       input.ProductId,
				ScannedLocation: input.ScannedLocation,
				TrackingMode:    TrackingModeSerial,
				SerialNumber:    input.SerialNumber,
				Quantity:        decimal.NewFromInt(1),
			}
			return tx.Create(&item).Error
		}

		qty := input.Quantity
		if qty.LessThanOrEqual(decimal.Zero) {
			qty = decimal.NewFromInt(1)
		}

		q := tx.Where("session_id = ? AND product_id = ? AND scanned_location = ?",
			sessionId, input.ProductId, input.ScannedLocation)
		if input.TrackingMode == TrackingModeLot {
			q = q.Where("lot_number = ?", input.LotNumber)
			if input.ExpirationDate != nil {
				q = q.Where("expiration_date = ?", input.ExpirationDate)
			} else {
				q = q.Where("expiration_date IS NULL")
			}
		} else {
			q = q.Where("tracking_mode = ?", TrackingModeNone)
		}

		var existing StockCountItem
		if err := q.Take(&existing).Error; err == nil {
			existing.Quantity = existing.Quantity.Add(qty)
			if err := tx.Model(&StockCountItem{}).
				Where("id = ?", existing.ID).
				Updates(map[string]interface{}{"quantity": existing.Quantity}).Error; err != nil {
				return err
			}
			item = existing
			return nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		item = StockCountItem{
			SessionId:       sessionId,
			ProductId:       input.ProductId,
			ScannedLocation: input.ScannedLocation,
			TrackingMode:    input.TrackingMode,
			LotNumber:       input.LotNumber,
			ExpirationDate:  input.ExpirationDate,
			Quantity:        qty,
		}
		return tx.Create(&item).Error
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// DeleteStockCountItem removes a scan. Only legal while the session is still in
// progress; completed and cancelled sessions are immutable.
func DeleteStockCountItem(ctx context.Context, sessionId uint, itemId uint, userId int) error {
	db := config.GetDB()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var session StockCountSession
		if err := tx.Where("id = ? AND user_id = ?", sessionId, userId).Take(&session).Error; err != nil {
			return err
		}
		if session.Status != SessionStatusInProgress {
			return ErrSessionNotActive
		}
		return tx.Where("id = ? AND session_id = ?", itemId, sessionId).Delete(&StockCountItem{}).Error
	})
}

func ListStockCountItems(ctx context.Context, sessionId uint) ([]StockCountItem, error) {
	db := config.GetDB()
	var items []StockCountItem
	err := db.WithContext(ctx).
		Where("session_id = ?", sessionId).
		Order("id ASC").
		Find(&items).Error
	return items, err
}

package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// InventoryRecord mirrors the server's inventory rows: one row per physically
// distinct serial-tracked unit, or per lot batch, scoped to a location and owner.
// The server is authoritative; the agent only holds cached copies of these under
// the inventory collection.
type InventoryRecord struct {
	Id             string          `json:"id"`
	ProductId      string          `json:"productId"`
	TrackingMode   TrackingMode    `json:"trackingMode"`
	SerialNumber   string          `json:"serialNumber,omitempty"`
	LotNumber      string          `json:"lotNumber,omitempty"`
	ExpirationDate *time.Time      `json:"expirationDate,omitempty"`
	Location       Location        `json:"location"`
	Quantity       decimal.Decimal `json:"quantity"`
	OwnerUserId    int             `json:"ownerUserId"`
}

func DecodeInventoryRecords(raw []json.RawMessage) []InventoryRecord {
	out := make([]InventoryRecord, 0, len(raw))
	for _, r := range raw {
		var rec InventoryRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			continue
		}
		if rec.Id == "" {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// CachedInventory returns the locally cached inventory for a user, decoded.
func CachedInventory(ctx context.Context, ownerUserId int) []InventoryRecord {
	raw, ok := GetCollection(ctx, CollectionInventory, ownerUserId)
	if !ok {
		return nil
	}
	return DecodeInventoryRecords(raw)
}

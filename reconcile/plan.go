// Package reconcile turns a finished physical count into the set of inventory
// mutations that makes the recorded stock match what was actually scanned.
package reconcile

import (
	"sort"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"bitbucket.org/mediflowhq/inventory_agent/models"
	"github.com/shopspring/decimal"
)

// Transfer relocates a serial-tracked unit whose scan found it somewhere other
// than its recorded location.
type Transfer struct {
	RecordId     string          `json:"recordId"`
	ProductId    string          `json:"productId"`
	SerialNumber string          `json:"serialNumber"`
	From         models.Location `json:"from"`
	To           models.Location `json:"to"`
}

// NewItem is scanned stock with no recorded counterpart.
type NewItem struct {
	ProductId      string              `json:"productId"`
	TrackingMode   models.TrackingMode `json:"trackingMode"`
	SerialNumber   string              `json:"serialNumber,omitempty"`
	LotNumber      string              `json:"lotNumber,omitempty"`
	ExpirationDate *time.Time          `json:"expirationDate,omitempty"`
	Location       models.Location     `json:"location"`
	Quantity       decimal.Decimal     `json:"quantity"`
}

// MissingItem is a recorded serial-tracked unit the count did not find, flagged
// but kept on the books.
type MissingItem struct {
	RecordId     string          `json:"recordId"`
	ProductId    string          `json:"productId"`
	SerialNumber string          `json:"serialNumber"`
	Location     models.Location `json:"location"`
}

// Derecognition removes recorded stock the count did not find. Remaining > 0
// means a partial quantity write-down on a lot or untracked record; zero means
// the record goes away entirely.
type Derecognition struct {
	RecordId  string          `json:"recordId"`
	ProductId string          `json:"productId"`
	Removed   decimal.Decimal `json:"removed"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Plan is the computed, not-yet-applied output of a reconciliation. It is
// derived data: discarded once applied or once the session is cancelled.
type Plan struct {
	Transfers     []Transfer      `json:"transfers"`
	NewItems      []NewItem       `json:"newItems"`
	MarkedMissing []MissingItem   `json:"markedMissing"`
	Derecognized  []Derecognition `json:"derecognized"`
	Matched       int             `json:"matched"`
}

// Summary aggregates the plan into the counters frozen on the session at
// completion. Lot and untracked deltas contribute their whole-unit quantity;
// serial entries contribute one each.
func (p *Plan) Summary() models.CompletionSummary {
	s := models.CompletionSummary{
		Matched:       p.Matched,
		Transferred:   len(p.Transfers),
		MarkedMissing: len(p.MarkedMissing),
	}
	for _, n := range p.NewItems {
		s.NewItems += int(n.Quantity.Round(0).IntPart())
	}
	for _, d := range p.Derecognized {
		s.Derecognized += int(d.Removed.Round(0).IntPart())
	}
	return s
}

// lotKey identifies one comparable bucket of lot-tracked or untracked stock.
// Untracked stock collapses to the product alone.
type lotKey struct {
	productId string
	lot       string
	exp       string
	location  models.Location
}

func keyFor(mode models.TrackingMode, productId, lot string, exp *time.Time, loc models.Location) lotKey {
	if mode != models.TrackingModeLot {
		return lotKey{productId: productId}
	}
	k := lotKey{productId: productId, lot: lot, location: loc}
	if exp != nil {
		k.exp = exp.UTC().Format("2006-01-02")
	}
	return k
}

// BuildPlan compares the session's scans against the recorded inventory for the
// counted scope and computes the corrective mutations. Scan order never affects
// the result. confirmAbsent applies to car counts only: it asserts that units
// not found in the car are truly gone rather than merely unsighted.
func BuildPlan(items []models.StockCountItem, inventory []models.InventoryRecord, countType models.CountType, missingPolicy string, confirmAbsent bool) *Plan {
	plan := &Plan{
		Transfers:     []Transfer{},
		NewItems:      []NewItem{},
		MarkedMissing: []MissingItem{},
		Derecognized:  []Derecognition{},
	}

	scoped := make([]models.InventoryRecord, 0, len(inventory))
	for _, rec := range inventory {
		if rec.Location == models.LocationHome && !countType.IncludesHome() {
			continue
		}
		scoped = append(scoped, rec)
	}

	// Serial matching runs against the full inventory: serial numbers are
	// globally unique, so a scan of a unit recorded out of scope is a transfer,
	// never a new item. Only the absent-unit pass is scope-restricted.
	reconcileSerials(plan, items, inventory, countType, missingPolicy, confirmAbsent)
	reconcileQuantities(plan, items, scoped)
	return plan
}

func reconcileSerials(plan *Plan, items []models.StockCountItem, inventory []models.InventoryRecord, countType models.CountType, missingPolicy string, confirmAbsent bool) {
	recorded := map[string]models.InventoryRecord{}
	for _, rec := range inventory {
		if rec.TrackingMode == models.TrackingModeSerial && rec.SerialNumber != "" {
			recorded[rec.SerialNumber] = rec
		}
	}

	seen := map[string]bool{}
	for _, item := range items {
		if item.TrackingMode != models.TrackingModeSerial || item.SerialNumber == "" {
			continue
		}
		seen[item.SerialNumber] = true
		rec, ok := recorded[item.SerialNumber]
		if !ok {
			plan.NewItems = append(plan.NewItems, NewItem{
				ProductId:    item.ProductId,
				TrackingMode: models.TrackingModeSerial,
				SerialNumber: item.SerialNumber,
				Location:     item.ScannedLocation,
				Quantity:     decimal.NewFromInt(1),
			})
			continue
		}
		if rec.Location != item.ScannedLocation {
			plan.Transfers = append(plan.Transfers, Transfer{
				RecordId:     rec.Id,
				ProductId:    rec.ProductId,
				SerialNumber: rec.SerialNumber,
				From:         rec.Location,
				To:           item.ScannedLocation,
			})
			continue
		}
		plan.Matched++
	}

	derecognizeAbsent := missingPolicy == config.MissingPolicyDerecognize ||
		(countType == models.CountTypeCar && confirmAbsent)

	serials := make([]string, 0, len(recorded))
	for sn := range recorded {
		serials = append(serials, sn)
	}
	sort.Strings(serials)
	for _, sn := range serials {
		if seen[sn] {
			continue
		}
		rec := recorded[sn]
		// A unit recorded outside the counted scope was never expected to be
		// seen; its absence says nothing.
		if rec.Location == models.LocationHome && !countType.IncludesHome() {
			continue
		}
		if derecognizeAbsent {
			plan.Derecognized = append(plan.Derecognized, Derecognition{
				RecordId:  rec.Id,
				ProductId: rec.ProductId,
				Removed:   decimal.NewFromInt(1),
				Remaining: decimal.Zero,
			})
			continue
		}
		plan.MarkedMissing = append(plan.MarkedMissing, MissingItem{
			RecordId:     rec.Id,
			ProductId:    rec.ProductId,
			SerialNumber: rec.SerialNumber,
			Location:     rec.Location,
		})
	}
}

func reconcileQuantities(plan *Plan, items []models.StockCountItem, inventory []models.InventoryRecord) {
	type bucket struct {
		sample  models.StockCountItem
		scanned decimal.Decimal
	}
	scannedByKey := map[lotKey]*bucket{}
	var keyOrder []lotKey
	for _, item := range items {
		if item.TrackingMode == models.TrackingModeSerial {
			continue
		}
		k := keyFor(item.TrackingMode, item.ProductId, item.LotNumber, item.ExpirationDate, item.ScannedLocation)
		b, ok := scannedByKey[k]
		if !ok {
			b = &bucket{sample: item, scanned: decimal.Zero}
			scannedByKey[k] = b
			keyOrder = append(keyOrder, k)
		}
		b.scanned = b.scanned.Add(item.Quantity)
	}

	recordedByKey := map[lotKey][]models.InventoryRecord{}
	for _, rec := range inventory {
		if rec.TrackingMode == models.TrackingModeSerial {
			continue
		}
		k := keyFor(rec.TrackingMode, rec.ProductId, rec.LotNumber, rec.ExpirationDate, rec.Location)
		recordedByKey[k] = append(recordedByKey[k], rec)
	}

	for _, k := range keyOrder {
		b := scannedByKey[k]
		recs := recordedByKey[k]
		delete(recordedByKey, k)

		recordedTotal := decimal.Zero
		for _, rec := range recs {
			recordedTotal = recordedTotal.Add(rec.Quantity)
		}

		switch b.scanned.Cmp(recordedTotal) {
		case 0:
			if len(recs) > 0 {
				plan.Matched++
			}
		case 1:
			plan.NewItems = append(plan.NewItems, newItemFromScan(b.sample, b.scanned.Sub(recordedTotal)))
		case -1:
			writeDown(plan, recs, recordedTotal.Sub(b.scanned))
		}
	}

	// Keys never scanned at all: the whole recorded quantity is gone.
	remaining := make([]lotKey, 0, len(recordedByKey))
	for k := range recordedByKey {
		remaining = append(remaining, k)
	}
	sort.Slice(remaining, func(i, j int) bool {
		a, b := remaining[i], remaining[j]
		if a.productId != b.productId {
			return a.productId < b.productId
		}
		if a.lot != b.lot {
			return a.lot < b.lot
		}
		if a.exp != b.exp {
			return a.exp < b.exp
		}
		return a.location < b.location
	})
	for _, k := range remaining {
		recs := recordedByKey[k]
		total := decimal.Zero
		for _, rec := range recs {
			total = total.Add(rec.Quantity)
		}
		writeDown(plan, recs, total)
	}
}

func newItemFromScan(item models.StockCountItem, qty decimal.Decimal) NewItem {
	return NewItem{
		ProductId:      item.ProductId,
		TrackingMode:   item.TrackingMode,
		LotNumber:      item.LotNumber,
		ExpirationDate: item.ExpirationDate,
		Location:       item.ScannedLocation,
		Quantity:       qty,
	}
}

// writeDown removes excess quantity from recorded rows, oldest row first, so a
// shortfall spread across several records resolves deterministically.
func writeDown(plan *Plan, recs []models.InventoryRecord, excess decimal.Decimal) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Id < recs[j].Id })
	for _, rec := range recs {
		if !excess.IsPositive() {
			return
		}
		removed := decimal.Min(rec.Quantity, excess)
		plan.Derecognized = append(plan.Derecognized, Derecognition{
			RecordId:  rec.Id,
			ProductId: rec.ProductId,
			Removed:   removed,
			Remaining: rec.Quantity.Sub(removed),
		})
		excess = excess.Sub(removed)
	}
}

// Package reports renders completed stock-count data for export.
package reports

import (
	"context"
	"fmt"
	"io"

	"bitbucket.org/mediflowhq/inventory_agent/models"
	"github.com/xuri/excelize/v2"
)

const historySheet = "Sheet1"

// WriteStockCountHistoryExcel renders the user's completed and cancelled count
// sessions as an xlsx workbook, one row per session with its frozen summary.
func WriteStockCountHistoryExcel(ctx context.Context, w io.Writer, userId int, limit int) error {
	sessions, err := models.ListStockCountHistory(ctx, userId, limit)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet(historySheet); err != nil {
		return err
	}

	// Add headers
	f.SetCellValue(historySheet, "A1", "SessionId")
	f.SetCellValue(historySheet, "B1", "CountType")
	f.SetCellValue(historySheet, "C1", "Status")
	f.SetCellValue(historySheet, "D1", "StartedAt")
	f.SetCellValue(historySheet, "E1", "CompletedAt")
	f.SetCellValue(historySheet, "F1", "CompletedBy")
	f.SetCellValue(historySheet, "G1", "Matched")
	f.SetCellValue(historySheet, "H1", "Transferred")
	f.SetCellValue(historySheet, "I1", "NewItems")
	f.SetCellValue(historySheet, "J1", "MarkedMissing")
	f.SetCellValue(historySheet, "K1", "Derecognized")

	// Add data
	for i, s := range sessions {
		row := fmt.Sprint(i + 2)
		f.SetCellValue(historySheet, "A"+row, s.ID)
		f.SetCellValue(historySheet, "B"+row, string(s.CountType))
		f.SetCellValue(historySheet, "C"+row, string(s.Status))
		f.SetCellValue(historySheet, "D"+row, s.StartedAt.Format("2006-01-02 15:04:05"))
		if s.CompletedAt != nil {
			f.SetCellValue(historySheet, "E"+row, s.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		f.SetCellValue(historySheet, "F"+row, s.CompletedBy)
		if summary := s.Summary(); summary != nil {
			f.SetCellValue(historySheet, "G"+row, summary.Matched)
			f.SetCellValue(historySheet, "H"+row, summary.Transferred)
			f.SetCellValue(historySheet, "I"+row, summary.NewItems)
			f.SetCellValue(historySheet, "J"+row, summary.MarkedMissing)
			f.SetCellValue(historySheet, "K"+row, summary.Derecognized)
		}
	}

	return f.Write(w)
}

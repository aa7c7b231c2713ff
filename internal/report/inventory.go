package report

import (
	"fmt"
	"sort"
	"time"

	"fieldsync/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	assetsSheet  = "Assets"
	summarySheet = "Summary"
)

var assetColumns = []string{
	"Asset", "Description", "Recorded location", "Observed location",
	"Recorded organization", "Observed organization", "Condition",
	"Disposition", "Verified at", "Needs resolution",
}

// InventoryWorkbook renders reconciled assets and their stats as an xlsx workbook.
func InventoryWorkbook(records []models.ReconciledAsset, stats models.InventoryStats, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(assetsSheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	if err := writeAssetHeader(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	sorted := append([]models.ReconciledAsset(nil), records...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AssetKey < sorted[j].AssetKey })

	flagged, _ := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#FFF2CC"}, Pattern: 1},
	})
	for i, rec := range sorted {
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(assetsSheet, cell, &[]interface{}{
			rec.AssetKey,
			rec.Description,
			rec.RecordedLocation,
			rec.ObservedLocation,
			rec.RecordedOrganization,
			rec.ObservedOrganization,
			rec.Condition,
			rec.Disposition,
			formatVerified(rec.VerifiedAt),
			yesNo(rec.NeedsResolution),
		}); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("write row %d: %w", row, err)
		}
		if rec.NeedsResolution {
			last, _ := excelize.CoordinatesToCellName(len(assetColumns), row)
			_ = f.SetCellStyle(assetsSheet, cell, last, flagged)
		}
	}

	_ = f.SetColWidth(assetsSheet, "A", "A", 18)
	_ = f.SetColWidth(assetsSheet, "B", "J", 22)

	if err := writeSummary(f, stats, generatedAt); err != nil {
		_ = f.Close()
		return nil, err
	}

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

func writeAssetHeader(f *excelize.File) error {
	header := make([]interface{}, len(assetColumns))
	for i, c := range assetColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(assetsSheet, "A1", &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	style, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(assetColumns), 1)
	_ = f.SetCellStyle(assetsSheet, "A1", last, style)
	return f.SetPanes(assetsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func writeSummary(f *excelize.File, stats models.InventoryStats, generatedAt time.Time) error {
	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create summary: %w", err)
	}

	rows := [][]interface{}{
		{"Generated at", generatedAt.UTC().Format(time.RFC3339)},
		{"Total assets", stats.Total},
		{"Inventoried", stats.Inventoried},
		{"Needs resolution", stats.NeedsResolution},
		{"Completion, %", stats.CompletionPercent},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 20)
	return nil
}

func formatVerified(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

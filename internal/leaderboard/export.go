package leaderboard

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Leaderboard"

// WriteXLSX writes the snapshot as a single-sheet workbook: a title row, a
// header row and one row per entry.
func WriteXLSX(w io.Writer, s Snapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}

	scope := s.Department
	if scope == "" {
		scope = "All departments"
	}
	title := fmt.Sprintf("%s leaderboard %s to %s (%s)",
		s.Period, s.WindowStart.Format(time.DateOnly), s.WindowEnd.Format(time.DateOnly), scope)
	if err := f.SetCellValue(exportSheet, "A1", title); err != nil {
		return fmt.Errorf("write title: %w", err)
	}
	if err := f.SetSheetRow(exportSheet, "A2", &[]any{"Rank", "User", "Points", "Rank change"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for i, e := range s.Entries {
		cell, err := excelize.CoordinatesToCellName(1, i+3)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &[]any{e.Rank, e.UserID, e.Points, e.RankChange}); err != nil {
			return fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

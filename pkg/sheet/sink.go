package sheet

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Sink writes per-row lookup results into a dedicated result column of the
// workbook and saves the whole file on Flush. Writes are cheap in-memory cell
// updates; only Flush touches disk.
type Sink struct {
	f          *excelize.File
	sheet      string
	col        int
	outputPath string
}

// NewSink opens the workbook at inputPath and locates (or appends) the result
// column identified by header. Results are saved to outputPath so the source
// dataset is never clobbered.
func NewSink(inputPath, outputPath, sheetName, header string) (*Sink, error) {
	f, err := excelize.OpenFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("sheet: open %s: %w", inputPath, err)
	}

	if sheetName == "" {
		sheetName = f.GetSheetName(f.GetActiveSheetIndex())
	}

	col, err := resultColumn(f, sheetName, header)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Sink{f: f, sheet: sheetName, col: col, outputPath: outputPath}, nil
}

// resultColumn finds an existing header match in row 1 or appends a new
// column after the last used one. Re-running against a previous output file
// therefore reuses the same column instead of piling up duplicates.
func resultColumn(f *excelize.File, sheetName, header string) (int, error) {
	rows, err := f.GetRows(sheetName)
	if err != nil {
		return 0, fmt.Errorf("sheet: read headers: %w", err)
	}

	width := 0
	if len(rows) > 0 {
		for i, cell := range rows[0] {
			if strings.TrimSpace(cell) == header {
				return i + 1, nil
			}
			if strings.TrimSpace(cell) != "" {
				width = i + 1
			}
		}
	}

	col := width + 1
	cell, err := excelize.CoordinatesToCellName(col, 1)
	if err != nil {
		return 0, err
	}
	if err := f.SetCellStr(sheetName, cell, header); err != nil {
		return 0, err
	}
	return col, nil
}

// Write records the result value (or failure marker) for the zero-based row
// index. Writing the same index twice overwrites, which keeps a re-processed
// row idempotent.
func (s *Sink) Write(index int, value string) error {
	cell, err := excelize.CoordinatesToCellName(s.col, index+HeaderRows+1)
	if err != nil {
		return err
	}
	return s.f.SetCellStr(s.sheet, cell, value)
}

// Flush persists everything written so far to the output file. Called on
// every terminal transition so early termination never discards computed work.
func (s *Sink) Flush() error {
	return s.f.SaveAs(s.outputPath)
}

// Close releases the workbook without saving.
func (s *Sink) Close() error {
	return s.f.Close()
}

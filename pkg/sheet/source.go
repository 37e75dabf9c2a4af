package sheet

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Row is one domain row of the workbook. Index is zero-based and stable for
// the lifetime of a run; row 0 lives in workbook row 2 (row 1 is the header).
type Row struct {
	Index  int
	Domain string
}

// HeaderRows is the number of leading workbook rows that carry no domains.
const HeaderRows = 1

// ReadRows loads the ordered domain list from column A of the given sheet.
// sheetName may be empty to use the active sheet. Blank cells produce rows
// with an empty Domain so indices stay stable; skipping them is the
// controller's call, not ours.
func ReadRows(path, sheetName string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("sheet: open %s: %w", path, err)
	}
	defer f.Close()

	if sheetName == "" {
		sheetName = f.GetSheetName(f.GetActiveSheetIndex())
	}

	raw, err := f.GetRows(sheetName)
	if err != nil {
		return nil, fmt.Errorf("sheet: read %s!%s: %w", path, sheetName, err)
	}

	var rows []Row
	for i, cells := range raw {
		if i < HeaderRows {
			continue
		}
		domain := ""
		if len(cells) > 0 {
			domain = strings.TrimSpace(cells[0])
		}
		rows = append(rows, Row{Index: i - HeaderRows, Domain: domain})
	}
	return rows, nil
}

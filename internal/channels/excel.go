package channels

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// FromExcel looks up one cell in a participant-keyed spreadsheet: the sheet
// named after the participant is preferred, otherwise every sheet is scanned
// for a row whose first cell equals the participant label. The value under
// the named header column of that row is returned.
func FromExcel(path, participant, column string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("spreadsheet %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	for _, sheet := range sheets {
		if sheet != participant {
			continue
		}
		if v, ok := lookup(f, sheet, participant, column); ok {
			return v, nil
		}
	}
	for _, sheet := range sheets {
		if v, ok := lookup(f, sheet, participant, column); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("spreadsheet %s: no %q value for participant %s", path, column, participant)
}

func lookup(f *excelize.File, sheet, participant, column string) (string, bool) {
	rows, err := f.GetRows(sheet)
	if err != nil || len(rows) == 0 {
		return "", false
	}
	colIdx := -1
	for i, h := range rows[0] {
		if strings.EqualFold(strings.TrimSpace(h), column) {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return "", false
	}
	for _, row := range rows[1:] {
		if len(row) == 0 || colIdx >= len(row) {
			continue
		}
		if strings.TrimSpace(row[0]) == participant {
			return strings.TrimSpace(row[colIdx]), true
		}
	}
	// Sheet named after the participant: first data row wins.
	if sheet == participant && len(rows) > 1 && colIdx < len(rows[1]) {
		return strings.TrimSpace(rows[1][colIdx]), true
	}
	return "", false
}

package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ReadFile loads a delimited, spreadsheet or MAT-file table, dispatching on
// extension: .tsv and .txt are tab-separated, .csv comma-separated, .xlsx is
// read with excelize (first sheet unless one is named via ReadXLSX), and .mat
// is read as a struct variable.
func ReadFile(path string) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return ReadXLSX(path, "")
	case ".mat":
		return ReadMAT(path)
	case ".csv":
		return readDelimited(path, ',')
	default:
		return readDelimited(path, '\t')
	}
}

func readDelimited(path string, comma rune) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	defer f.Close()
	t, err := ReadCSV(f, comma)
	if err != nil {
		return nil, fmt.Errorf("table: read %s: %w", path, err)
	}
	return t, nil
}

// ReadCSV parses delimited text with a header row.
func ReadCSV(r io.Reader, comma rune) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return New(), nil
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	t := New(header...)

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		cells := make([]Value, len(rec))
		for i, raw := range rec {
			cells[i] = Parse(raw)
		}
		t.AppendRow(cells...)
	}
	return t, nil
}

// ReadXLSX loads one sheet of a spreadsheet; the first sheet when sheet is
// empty. The first row is the header.
func ReadXLSX(path, sheet string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("table: open %s: %w", path, err)
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("table: sheet %q of %s: %w", sheet, path, err)
	}
	if len(rows) == 0 {
		return New(), nil
	}

	header := rows[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	t := New(header...)
	for _, rec := range rows[1:] {
		cells := make([]Value, len(rec))
		for i, raw := range rec {
			cells[i] = Parse(raw)
		}
		t.AppendRow(cells...)
	}
	return t, nil
}

// Package table implements the small column table the converter uses for
// trial metadata and channel tables. Cells are typed: a number, a string, a
// list (trial tables may pack one value per stimulus into a single cell), or
// missing. Missing cells serialize as "n/a" per the output convention.
package table

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates cell value types.
type Kind int

const (
	Missing Kind = iota
	Number
	String
	List
)

// Value is one cell.
type Value struct {
	Kind  Kind
	Num   float64
	Str   string
	Items []Value
}

// None returns a missing value.
func None() Value { return Value{Kind: Missing} }

// Num returns a numeric value.
func Num(f float64) Value { return Value{Kind: Number, Num: f} }

// Str returns a string value.
func Str(s string) Value { return Value{Kind: String, Str: s} }

// ListOf returns a list value.
func ListOf(items ...Value) Value { return Value{Kind: List, Items: items} }

// IsMissing reports whether the cell holds no value.
func (v Value) IsMissing() bool { return v.Kind == Missing }

// Float returns the numeric content, parsing string cells on demand.
func (v Value) Float() (float64, bool) {
	switch v.Kind {
	case Number:
		return v.Num, true
	case String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Render serializes the cell for TSV output.
func (v Value) Render() string {
	switch v.Kind {
	case Missing:
		return "n/a"
	case Number:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case List:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = it.Render()
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return v.Str
	}
}

// Parse converts raw cell text into a typed value. List-shaped strings like
// "[1.5 2 3]" become lists; empty cells, "n/a" and "[]" are missing.
func Parse(cell string) Value {
	cell = strings.TrimSpace(cell)
	switch cell {
	case "", "n/a", "NaN", "[]":
		return None()
	}
	if strings.HasPrefix(cell, "[") && strings.HasSuffix(cell, "]") {
		inner := strings.NewReplacer("[", "", "]", "", "'", "").Replace(cell)
		var items []Value
		for _, tok := range strings.Fields(inner) {
			items = append(items, Parse(tok))
		}
		return Value{Kind: List, Items: items}
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return Num(f)
	}
	return Str(cell)
}

// Table is an ordered set of named columns with uniform row count.
type Table struct {
	names []string
	index map[string]int
	rows  [][]Value
}

// New creates an empty table with the given column names.
func New(names ...string) *Table {
	t := &Table{names: append([]string(nil), names...), index: map[string]int{}}
	for i, n := range t.names {
		t.index[n] = i
	}
	return t
}

// Columns returns the column names in declaration order.
func (t *Table) Columns() []string { return t.names }

// HasColumn reports whether name exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// Len returns the row count.
func (t *Table) Len() int { return len(t.rows) }

// AppendRow adds one row; short rows are padded with missing values.
func (t *Table) AppendRow(cells ...Value) {
	row := make([]Value, len(t.names))
	for i := range row {
		if i < len(cells) {
			row[i] = cells[i]
		} else {
			row[i] = None()
		}
	}
	t.rows = append(t.rows, row)
}

// At returns the cell at (row, column name); missing when the column does
// not exist.
func (t *Table) At(row int, name string) Value {
	i, ok := t.index[name]
	if !ok || row < 0 || row >= len(t.rows) {
		return None()
	}
	return t.rows[row][i]
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]Value, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	out := make([]Value, len(t.rows))
	for r := range t.rows {
		out[r] = t.rows[r][i]
	}
	return out, true
}

// AddColumn appends a column. Values beyond the current row count are
// dropped; short columns are padded with missing values. Adding an existing
// name overwrites that column in place.
func (t *Table) AddColumn(name string, values []Value) {
	if i, ok := t.index[name]; ok {
		for r := range t.rows {
			if r < len(values) {
				t.rows[r][i] = values[r]
			} else {
				t.rows[r][i] = None()
			}
		}
		return
	}
	t.index[name] = len(t.names)
	t.names = append(t.names, name)
	for r := range t.rows {
		if r < len(values) {
			t.rows[r] = append(t.rows[r], values[r])
		} else {
			t.rows[r] = append(t.rows[r], None())
		}
	}
}

// MergeWide combines tables column-wise the way trial metadata spread over
// several files is gathered: the table with the most rows sets the row
// count, and columns absent so far are appended from each table in turn.
func MergeWide(tables ...*Table) *Table {
	out := New()
	for _, src := range tables {
		if src == nil {
			continue
		}
		if src.Len() > out.Len() {
			// Taller table wins: keep only columns the new one lacks.
			kept := out
			out = New()
			for _, name := range src.names {
				col, _ := src.Column(name)
				out.grow(src.Len())
				out.AddColumn(name, col)
			}
			for _, name := range kept.names {
				if !out.HasColumn(name) {
					col, _ := kept.Column(name)
					out.AddColumn(name, col)
				}
			}
			continue
		}
		for _, name := range src.names {
			if !out.HasColumn(name) {
				col, _ := src.Column(name)
				out.grow(src.Len())
				out.AddColumn(name, col)
			}
		}
	}
	return out
}

func (t *Table) grow(n int) {
	for t.Len() < n {
		row := make([]Value, len(t.names))
		for i := range row {
			row[i] = None()
		}
		t.rows = append(t.rows, row)
	}
}

// String renders a compact debug form.
func (t *Table) String() string {
	return fmt.Sprintf("table(%d cols × %d rows)", len(t.names), len(t.rows))
}

// Package events turns raw trial tables into normalized BIDS event tables.
//
// Each run's events are produced by a list of event definitions from the
// conversion config. A definition maps output column names to source
// expressions evaluated against the trial table; every definition contributes
// one event per trial row, and definitions are interleaved per trial in
// declaration order.
package events

import (
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/table"
)

// Definition is one event definition: an ordered mapping from output column
// names to source expressions. Order is the column order of the resulting
// events.tsv, so the YAML mapping order must survive decoding.
type Definition struct {
	Columns []Mapping
}

// Mapping is a single output column of an event definition.
type Mapping struct {
	Name string
	Expr string
}

// UnmarshalYAML decodes a definition from a YAML or JSON mapping node,
// preserving key order.
func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("event definition: expected a mapping, got %s", node.Tag)
	}
	d.Columns = d.Columns[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		val := node.Content[i+1]
		var expr string
		if err := val.Decode(&expr); err != nil {
			return fmt.Errorf("event definition %q: %w", key.Value, err)
		}
		d.Columns = append(d.Columns, Mapping{Name: key.Value, Expr: expr})
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("event definition: empty mapping")
	}
	return nil
}

func (d Definition) expr(name string) (string, bool) {
	for _, m := range d.Columns {
		if m.Name == name {
			return m.Expr, true
		}
	}
	return "", false
}

// Builder assembles event tables for one participant.
type Builder struct {
	// MetadataRate converts onset and duration expressions from trial-table
	// clock ticks to seconds. 1 means the table already holds seconds.
	MetadataRate float64
	// RecordingRate is the signal sample rate used to derive the sample
	// column. Zero leaves the column out.
	RecordingRate float64
	// Stims resolves stimulus names to audio files; nil disables stim_file
	// handling.
	Stims *StimResolver
	// AudioCorrection is subtracted from every stimulus duration, in seconds.
	AudioCorrection float64
}

// Build evaluates the definitions against one trial table. Definitions that
// reference list-valued columns are expanded in place: a definition reading a
// column whose cells hold N-element lists is replaced by N copies, the k-th
// copy reading the k-th element, all sharing the original's declaration slot
// so interleaving with later definitions is preserved.
func (b *Builder) Build(trial *table.Table, defs []Definition) (*models.EventTable, error) {
	work := make([]Definition, len(defs))
	copy(work, defs)

	out := &models.EventTable{}
	seen := make(map[string]bool)
	order := 0

	for i := 0; i < len(work); i++ {
		expanded, err := expandLists(trial, work[i])
		if err != nil {
			return nil, err
		}
		if expanded != nil {
			// Splice the positional copies over the current slot and
			// re-run it; the copies share one declaration slot.
			rest := append([]Definition{}, work[i+1:]...)
			work = append(work[:i], append(expanded, rest...)...)
			i--
			continue
		}

		rows, err := b.buildDef(trial, work[i], order, seen, &out.Columns)
		if err != nil {
			return nil, err
		}
		out.Rows = append(out.Rows, rows...)
		order++
	}

	out.Sort()
	return out, nil
}

// expandLists returns nil when def has no list-valued source columns.
// Otherwise it appends positional scalar columns (name0..nameN-1) to the
// trial table and returns the N positional definitions replacing def.
func expandLists(trial *table.Table, def Definition) ([]Definition, error) {
	width := 0
	listCols := make(map[string]bool)
	for _, m := range def.Columns {
		col, ok := trial.Column(m.Expr)
		if !ok {
			continue
		}
		for _, v := range col {
			if v.Kind == table.List {
				listCols[m.Expr] = true
				if len(v.Items) > width {
					width = len(v.Items)
				}
			}
		}
	}
	if len(listCols) == 0 {
		return nil, nil
	}

	for name := range listCols {
		col, _ := trial.Column(name)
		for k := 0; k < width; k++ {
			pos := make([]table.Value, len(col))
			for row, v := range col {
				pos[row] = listElem(v, k)
			}
			trial.AddColumn(name+strconv.Itoa(k), pos)
		}
	}

	expanded := make([]Definition, width)
	for k := 0; k < width; k++ {
		cols := make([]Mapping, len(def.Columns))
		for j, m := range def.Columns {
			cols[j] = m
			if listCols[m.Expr] {
				cols[j].Expr = m.Expr + strconv.Itoa(k)
			}
		}
		expanded[k] = Definition{Columns: cols}
	}
	return expanded, nil
}

// listElem picks element k of a cell. Short lists pad with missing; a scalar
// cell counts as a one-element list.
func listElem(v table.Value, k int) table.Value {
	switch v.Kind {
	case table.List:
		if k < len(v.Items) {
			return v.Items[k]
		}
		return table.None()
	case table.Missing:
		return table.None()
	default:
		if k == 0 {
			return v
		}
		return table.None()
	}
}

func (b *Builder) buildDef(trial *table.Table, def Definition, order int, seen map[string]bool, columns *[]string) ([]models.EventRow, error) {
	n := trial.Len()
	cols := make(map[string][]table.Value, len(def.Columns))

	for _, m := range def.Columns {
		vals, err := Eval(trial, m.Expr)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", m.Name, err)
		}
		cols[m.Name] = vals
	}

	// stim_file resolves names against the stimuli directory and, unless the
	// definition supplies its own duration, derives duration from the audio.
	if stims, ok := cols["stim_file"]; ok && b.Stims != nil {
		_, hasDur := def.expr("duration")
		durs := make([]table.Value, n)
		for row, v := range stims {
			if v.IsMissing() {
				durs[row] = table.None()
				continue
			}
			file, err := b.Stims.Resolve(v.Render())
			if err != nil {
				return nil, err
			}
			stims[row] = table.Str(file)
			sec, err := b.Stims.Duration(file)
			if err != nil {
				return nil, err
			}
			durs[row] = table.Num(sec - b.AudioCorrection)
		}
		if !hasDur {
			cols["duration"] = durs
		}
	}

	rows := make([]models.EventRow, 0, n)
	for row := 0; row < n; row++ {
		r := models.EventRow{
			Onset:    b.seconds(cols["onset"], row),
			Duration: b.durationAt(cols, def, row),
			Order:    order,
			TrialNum: row + 1,
			Extra:    make(map[string]string),
		}
		if math.IsNaN(r.Onset) && math.IsNaN(r.Duration) {
			continue
		}
		if tn, ok := cols["trial_num"]; ok {
			if f, numeric := tn[row].Float(); numeric {
				r.TrialNum = int(f)
			}
		}
		if b.RecordingRate > 0 && !math.IsNaN(r.Onset) {
			r.Sample = int64(math.Round(r.Onset * b.RecordingRate))
			r.HasSample = true
		}
		for _, m := range def.Columns {
			switch m.Name {
			case "onset", "duration", "trial_num":
				continue
			}
			if !seen[m.Name] {
				seen[m.Name] = true
				*columns = append(*columns, m.Name)
			}
			r.Extra[m.Name] = cols[m.Name][row].Render()
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// seconds converts a raw onset or duration value from metadata clock ticks.
func (b *Builder) seconds(col []table.Value, row int) float64 {
	if col == nil || row >= len(col) {
		return math.NaN()
	}
	f, ok := col[row].Float()
	if !ok {
		return math.NaN()
	}
	rate := b.MetadataRate
	if rate <= 0 {
		rate = 1
	}
	return f / rate
}

// durationAt prefers an explicit duration expression; a stim-derived duration
// is already in seconds.
func (b *Builder) durationAt(cols map[string][]table.Value, def Definition, row int) float64 {
	col, ok := cols["duration"]
	if !ok {
		return math.NaN()
	}
	if _, explicit := def.expr("duration"); explicit {
		return b.seconds(col, row)
	}
	if row >= len(col) {
		return math.NaN()
	}
	f, numeric := col[row].Float()
	if !numeric {
		return math.NaN()
	}
	return f
}

// RequireColumns verifies that a trial table carries every column the
// configuration references directly; formulas are checked lazily at
// evaluation time.
func RequireColumns(t *table.Table, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		if !t.HasColumn(name) {
			return fmt.Errorf("column %q: %w", name, apperr.ErrMissingRequiredColumn)
		}
	}
	return nil
}

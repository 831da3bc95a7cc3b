// Package channels resolves per-participant channel metadata from auxiliary
// files found next to the recordings: channel description tables (CSV, TSV or
// XLSX), plain-text header token files, and the configured trigger source.
package channels

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/table"
)

// Sources describes where channel metadata comes from. Filled from the ieeg
// section of the conversion config.
type Sources struct {
	// Tables maps a filename fragment to the column holding channel names
	// in any aux table whose basename contains the fragment.
	Tables map[string]string
	// HeaderFiles lists filename fragments of plain-text files whose
	// whitespace-separated tokens are channel labels.
	HeaderFiles []string
	// SampleRateColumn names the table column carrying the sample rate.
	SampleRateColumn string
	// Trigger maps a participant label to the trigger channel label, with
	// "default" as the fallback key. A value naming an .xlsx file is
	// resolved through the participant's row in that spreadsheet.
	Trigger map[string]string
}

// Resolver builds ChannelProfiles for participants.
type Resolver struct {
	cfg Sources
}

func NewResolver(cfg Sources) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve scans a participant's auxiliary files and assembles the channel
// profile plus the metadata table used later for channels.tsv. Duplicate
// labels keep their first occurrence. Distinct sample rates across sources
// fail with ErrAmbiguousSampleRate; no matching source at all fails with
// ErrMissingChannelSource.
func (r *Resolver) Resolve(participant string, auxFiles []string) (*models.ChannelProfile, *table.Table, error) {
	trigger, err := r.trigger(participant)
	if err != nil {
		return nil, nil, err
	}

	profile := &models.ChannelProfile{Trigger: trigger}
	seen := map[string]bool{}
	add := func(label string) {
		label = strings.ReplaceAll(strings.TrimSpace(label), " ", "")
		if label == "" || seen[label] {
			return
		}
		seen[label] = true
		profile.Labels = append(profile.Labels, label)
	}
	add(trigger)

	var meta *table.Table
	matched := false
	for _, path := range auxFiles {
		base := filepath.Base(path)

		if col, ok := r.tableFor(base); ok {
			t, err := table.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("channel table %s: %w", base, err)
			}
			matched = true
			if err := r.absorbTable(t, col, profile, add); err != nil {
				return nil, nil, fmt.Errorf("channel table %s: %w", base, err)
			}
			if meta == nil {
				meta = normalizeMeta(t, col)
			}
			continue
		}

		if r.isHeaderFile(base) {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, nil, fmt.Errorf("header file %s: %w", base, err)
			}
			matched = true
			for _, tok := range strings.Fields(string(content)) {
				add(tok)
			}
		}
	}

	if !matched {
		return nil, nil, fmt.Errorf("participant %s: %w", participant, apperr.ErrMissingChannelSource)
	}
	return profile, meta, nil
}

func (r *Resolver) tableFor(base string) (string, bool) {
	for frag, col := range r.cfg.Tables {
		if strings.Contains(base, frag) {
			return col, true
		}
	}
	return "", false
}

func (r *Resolver) isHeaderFile(base string) bool {
	if !strings.HasSuffix(base, ".txt") {
		return false
	}
	for _, frag := range r.cfg.HeaderFiles {
		if strings.Contains(base, frag) {
			return true
		}
	}
	return false
}

func (r *Resolver) absorbTable(t *table.Table, nameCol string, profile *models.ChannelProfile, add func(string)) error {
	names, ok := t.Column(nameCol)
	if !ok {
		return fmt.Errorf("column %q: %w", nameCol, apperr.ErrMissingRequiredColumn)
	}
	for _, v := range names {
		if !v.IsMissing() {
			add(v.Render())
		}
	}

	if r.cfg.SampleRateColumn == "" {
		return nil
	}
	rates, ok := t.Column(r.cfg.SampleRateColumn)
	if !ok {
		return nil
	}
	for _, v := range rates {
		rate, numeric := v.Float()
		if !numeric || rate <= 0 {
			continue
		}
		if profile.SampleRate != 0 && profile.SampleRate != rate {
			return fmt.Errorf("sample rate %g conflicts with %g: %w",
				rate, profile.SampleRate, apperr.ErrAmbiguousSampleRate)
		}
		profile.SampleRate = rate
	}
	return nil
}

// trigger resolves the trigger channel label for a participant, following
// the spreadsheet indirection when the configured value names one.
func (r *Resolver) trigger(participant string) (string, error) {
	val, ok := r.cfg.Trigger[participant]
	if !ok {
		val, ok = r.cfg.Trigger["default"]
		if !ok {
			return "", nil
		}
	}
	if strings.Contains(val, ".xlsx") {
		return FromExcel(val, participant, "Trigger")
	}
	return val, nil
}

// normalizeMeta renames the verbose cutoff column names that appear in lab
// channel tables to their BIDS forms and guarantees a "name" column.
func normalizeMeta(t *table.Table, nameCol string) *table.Table {
	renames := map[string]string{
		nameCol:           "name",
		"highpass_cutoff": "high_cutoff",
		"lowpass_cutoff":  "low_cutoff",
	}
	out := table.New()
	for _, col := range t.Columns() {
		name := col
		if to, ok := renames[col]; ok {
			name = to
		}
		vals, _ := t.Column(col)
		if out.Len() == 0 {
			for range vals {
				out.AppendRow()
			}
		}
		out.AddColumn(name, vals)
	}
	return out
}

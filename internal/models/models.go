// Package models defines the domain types shared across the converter.
package models

import (
	"math"
	"sort"
	"time"
)

// Labels is the per-file result of matching every configured category
// against one source filename. Empty string means the category was not
// resolved. A Labels value is never mutated once name generation finishes.
type Labels struct {
	Subject     string
	Session     string
	Run         string
	Task        string
	Acquisition string
	Contrast    string
	Echo        string
	DataType    string // modality subfolder: anat, func or ieeg
	Suffix      string // canonical subtype, e.g. T1w, bold, ieeg
	SeqType     string // pulse sequence type, MRI only
}

// ChannelProfile holds the per-participant channel metadata resolved from
// auxiliary files. Label order is significant: it defines row order in
// signal arrays and column order in channels.tsv output.
type ChannelProfile struct {
	Labels     []string
	SampleRate float64 // Hz
	Trigger    string  // label of the channel carrying the sync pulse
}

// EventRow is one trial event. Onset and Duration are seconds; NaN marks a
// missing value and serializes as "n/a".
type EventRow struct {
	Onset    float64
	Duration float64
	Sample   int64 // onset in the recording's sample clock
	HasSample bool
	TrialNum int
	Order    int // declaration order of the producing definition; not written
	Extra    map[string]string
}

// EventTable is the normalized event table for one run.
type EventTable struct {
	Columns []string // extra column names, declaration order
	Rows    []EventRow
}

// Sort orders rows by (trial number, declaration order). The sort is stable
// so equal keys preserve build order.
func (t *EventTable) Sort() {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		if t.Rows[i].TrialNum != t.Rows[j].TrialNum {
			return t.Rows[i].TrialNum < t.Rows[j].TrialNum
		}
		return t.Rows[i].Order < t.Rows[j].Order
	})
}

// FirstOnset returns the earliest non-missing onset in seconds.
func (t *EventTable) FirstOnset() (float64, bool) {
	for _, r := range t.Rows {
		if !math.IsNaN(r.Onset) {
			return r.Onset, true
		}
	}
	return 0, false
}

// LastEnd returns the latest non-missing onset+duration in seconds, scanning
// from the end of the table.
func (t *EventTable) LastEnd() (float64, bool) {
	for i := len(t.Rows) - 1; i >= 0; i-- {
		r := t.Rows[i]
		if !math.IsNaN(r.Onset) && !math.IsNaN(r.Duration) {
			return r.Onset + r.Duration, true
		}
	}
	return 0, false
}

// CutPoint is a half-open [Start, End) sample range in the parent
// recording's sample clock.
type CutPoint struct {
	Start int
	End   int
}

// RecordingHeader carries the file-level identity of a continuous recording.
type RecordingHeader struct {
	PatientID   string
	RecordingID string
	StartTime   time.Time
}

// Recording is a continuous multi-channel signal: Data is channels × samples,
// one row per entry in Labels. Read once from source, sliced into segments,
// then discarded.
type Recording struct {
	Header     RecordingHeader
	Labels     []string
	SampleRate float64
	Data       [][]float64
}

// Samples returns the recording length in samples.
func (r *Recording) Samples() int {
	if len(r.Data) == 0 {
		return 0
	}
	return len(r.Data[0])
}

// Segment is one per-run slice of a recording together with its re-zeroed
// event table.
type Segment struct {
	Cut      CutPoint
	Run      string // run label, empty for the practice segment
	Practice bool
	Data     [][]float64
	Events   *EventTable
}

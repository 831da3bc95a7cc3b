// Package segment slices a continuous recording into per-run blocks using
// each run's event table as the boundary source, re-zeroes the event clocks
// against the new block origins, and writes the BIDS output files for each
// block.
package segment

import (
	"fmt"
	"math"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/models"
)

// Run pairs a run label with its event table. Order follows run numbering.
type Run struct {
	Label  string
	Events *models.EventTable
}

// Plan derives the cut points for a recording of totalSamples samples at
// rate Hz. Each run spans from its first event onset to its last event end.
// The final run extends to the end of the recording. When practice is set,
// the first run's block grows backward to sample zero and becomes the
// practice segment.
//
// Runs whose event tables yield an empty sample range are skipped. Cut
// points must be monotonically non-decreasing across runs, and every
// boundary must lie inside the recording; violations abort the whole plan.
func Plan(runs []Run, totalSamples int, rate float64, practice bool) ([]models.Segment, error) {
	var segs []models.Segment
	prevEnd := 0
	for i, run := range runs {
		first, ok := run.Events.FirstOnset()
		lastEnd, ok2 := run.Events.LastEnd()
		if !ok || !ok2 {
			continue
		}

		start := int(math.Round(first * rate))
		end := int(math.Round(lastEnd * rate))
		// The raw event range is checked before the final-run extension:
		// a final run whose events lie past the recording end is corrupt
		// metadata, not a short last block.
		if start < 0 || start > totalSamples || end > totalSamples {
			return nil, fmt.Errorf("run %q: cut [%d, %d) exceeds recording of %d samples: %w",
				run.Label, start, end, totalSamples, apperr.ErrOutOfBounds)
		}
		if i == len(runs)-1 {
			end = totalSamples
		}
		if practice && len(segs) == 0 {
			start = 0
		}
		if start < prevEnd {
			return nil, fmt.Errorf("run %q: cut start %d before previous cut end %d: %w",
				run.Label, start, prevEnd, apperr.ErrNonMonotonicCuts)
		}
		if start >= end {
			continue
		}

		seg := models.Segment{
			Cut:    models.CutPoint{Start: start, End: end},
			Run:    run.Label,
			Events: run.Events,
		}
		if practice && len(segs) == 0 {
			seg.Practice = true
			seg.Run = ""
		}
		segs = append(segs, seg)
		prevEnd = end
	}
	return segs, nil
}

// Split fills each planned segment with a copy of its sample range and
// re-zeroes the event clocks: samples become offsets from the cut start and
// onsets are re-derived from the shifted samples. The input recording and
// event tables are not modified.
func Split(rec *models.Recording, segs []models.Segment) error {
	total := rec.Samples()
	for i := range segs {
		cut := segs[i].Cut
		if cut.Start < 0 || cut.End > total {
			return fmt.Errorf("cut [%d, %d) exceeds recording of %d samples: %w",
				cut.Start, cut.End, total, apperr.ErrOutOfBounds)
		}

		data := make([][]float64, len(rec.Data))
		for ch := range rec.Data {
			data[ch] = append([]float64(nil), rec.Data[ch][cut.Start:cut.End]...)
		}
		segs[i].Data = data
		segs[i].Events = rezero(segs[i].Events, cut.Start, rec.SampleRate)
	}
	return nil
}

// rezero returns a copy of t with the sample clock shifted so the cut start
// becomes sample zero.
func rezero(t *models.EventTable, start int, rate float64) *models.EventTable {
	out := &models.EventTable{
		Columns: append([]string(nil), t.Columns...),
		Rows:    make([]models.EventRow, len(t.Rows)),
	}
	for i, r := range t.Rows {
		if r.HasSample {
			r.Sample -= int64(start)
			if rate > 0 {
				r.Onset = float64(r.Sample) / rate
			}
		} else if !math.IsNaN(r.Onset) && rate > 0 {
			r.Onset -= float64(start) / rate
		}
		out.Rows[i] = r
	}
	return out
}

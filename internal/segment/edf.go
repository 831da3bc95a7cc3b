package segment

import (
	"fmt"
	"io"
	"time"

	"github.com/OpenPSG/edf"
	"gonum.org/v1/gonum/floats"

	"github.com/meridianlab/bidsify/internal/models"
)

// WriteEDF serializes one segment's channels to EDF with one-second data
// records. The physical range of each signal is taken from the segment's own
// extrema so the 16-bit digital range covers exactly the data written. The
// tail record is zero-padded to a full second.
func WriteEDF(w io.WriteSeeker, data [][]float64, labels []string, rate float64, hdr models.RecordingHeader) error {
	if len(data) != len(labels) {
		return fmt.Errorf("edf: %d channels but %d labels", len(data), len(labels))
	}
	if len(data) == 0 {
		return fmt.Errorf("edf: no channels")
	}

	perRecord := int(rate)
	signals := make([]edf.SignalHeader, len(labels))
	for i, label := range labels {
		lo, hi := -1.0, 1.0
		if len(data[i]) > 0 {
			lo, hi = floats.Min(data[i]), floats.Max(data[i])
		}
		if lo == hi {
			// A flat channel still needs a non-degenerate calibration range.
			hi = lo + 1
		}
		signals[i] = edf.SignalHeader{
			Label:             label,
			PhysicalDimension: "uV",
			PhysicalMin:       lo,
			PhysicalMax:       hi,
			DigitalMin:        -32768,
			DigitalMax:        32767,
			SamplesPerRecord:  perRecord,
		}
	}

	ew, err := edf.Create(w, edf.Header{
		Version:            edf.Version0,
		PatientID:          hdr.PatientID,
		RecordingID:        hdr.RecordingID,
		StartTime:          hdr.StartTime,
		DataRecordDuration: time.Second,
		SignalCount:        len(signals),
		Signals:            signals,
	})
	if err != nil {
		return err
	}

	n := len(data[0])
	record := make([][]float64, len(data))
	for off := 0; off < n; off += perRecord {
		for ch := range data {
			chunk := data[ch][off:min(off+perRecord, n)]
			if len(chunk) < perRecord {
				padded := make([]float64, perRecord)
				copy(padded, chunk)
				chunk = padded
			}
			record[ch] = chunk
		}
		if err := ew.WriteRecord(record); err != nil {
			return err
		}
	}
	return ew.Close()
}

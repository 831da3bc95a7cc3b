package segment

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/table"
)

// WriteEventsTSV writes a normalized event table. Required columns come
// first (onset, duration, sample when present, trial_num), then the extra
// columns in declaration order. Missing values serialize as "n/a".
func WriteEventsTSV(w io.Writer, t *models.EventTable) error {
	hasSample := false
	for _, r := range t.Rows {
		if r.HasSample {
			hasSample = true
			break
		}
	}

	header := []string{"onset", "duration"}
	if hasSample {
		header = append(header, "sample")
	}
	header = append(header, "trial_num")
	header = append(header, t.Columns...)

	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, r := range t.Rows {
		rec := []string{num(r.Onset), num(r.Duration)}
		if hasSample {
			if r.HasSample {
				rec = append(rec, strconv.FormatInt(r.Sample, 10))
			} else {
				rec = append(rec, "n/a")
			}
		}
		rec = append(rec, strconv.Itoa(r.TrialNum))
		for _, col := range t.Columns {
			v, ok := r.Extra[col]
			if !ok || v == "" {
				v = "n/a"
			}
			rec = append(rec, v)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func num(f float64) string {
	if math.IsNaN(f) {
		return "n/a"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// channelColumns is the fixed column order of a channels.tsv file.
var channelColumns = []string{"name", "type", "units", "low_cutoff", "high_cutoff"}

// WriteChannelsTSV writes the channel description table. Every data channel
// gets the configured type and units; the synthetic Trigger row is appended
// last with the fixed TRIG calibration. Cells absent from the source
// metadata serialize as "n/a".
func WriteChannelsTSV(w io.Writer, meta *table.Table, chanType, units string) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(channelColumns); err != nil {
		return err
	}
	for row := 0; row < meta.Len(); row++ {
		rec := make([]string, len(channelColumns))
		for i, col := range channelColumns {
			switch col {
			case "type":
				rec[i] = chanType
			case "units":
				rec[i] = units
			default:
				rec[i] = meta.At(row, col).Render()
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	if err := cw.Write([]string{"Trigger", "TRIG", "uV", "1000", "1"}); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// IEEGSidecar is the JSON sidecar accompanying each iEEG data file.
type IEEGSidecar struct {
	TaskName            string  `json:"TaskName"`
	InstitutionName     string  `json:"InstitutionName,omitempty"`
	IEEGReference       string  `json:"iEEGReference"`
	SamplingFrequency   float64 `json:"SamplingFrequency"`
	PowerLineFrequency  float64 `json:"PowerLineFrequency"`
	SoftwareFilters     string  `json:"SoftwareFilters"`
	ECOGChannelCount    int     `json:"ECOGChannelCount,omitempty"`
	SEEGChannelCount    int     `json:"SEEGChannelCount,omitempty"`
	TriggerChannelCount int     `json:"TriggerChannelCount"`
	RecordingDuration   float64 `json:"RecordingDuration"`
}

// NewIEEGSidecar assembles the sidecar for one segment. The channel count
// excludes the Trigger channel; chanType selects which count field carries
// it and must be ECOG or SEEG.
func NewIEEGSidecar(task, institution, chanType string, labels []string, rate float64, durationSec float64) (*IEEGSidecar, error) {
	n := 0
	for _, l := range labels {
		if l != "Trigger" {
			n++
		}
	}
	sc := &IEEGSidecar{
		TaskName:            task,
		InstitutionName:     institution,
		IEEGReference:       "n/a",
		SamplingFrequency:   rate,
		PowerLineFrequency:  60,
		SoftwareFilters:     "n/a",
		TriggerChannelCount: 1,
		RecordingDuration:   durationSec,
	}
	switch chanType {
	case "ECOG":
		sc.ECOGChannelCount = n
	case "SEEG":
		sc.SEEGChannelCount = n
	default:
		return nil, fmt.Errorf("channel type %q: want ECOG or SEEG", chanType)
	}
	return sc, nil
}

// WriteJSON writes the sidecar with stable two-space indentation.
func (sc *IEEGSidecar) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sc)
}

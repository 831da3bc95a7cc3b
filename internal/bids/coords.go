package bids

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// ParseElectrodes converts a whitespace-delimited coordinate dump into
// electrode rows. Source lines carry seven fields: electrode group, contact
// number, x, y, z, hemisphere and a trailing marker; group+number form the
// electrode name and hemisphere absorbs the marker.
type Electrode struct {
	Name       string
	X, Y, Z    string
	Hemisphere string
}

func ParseElectrodes(raw []byte) ([]Electrode, error) {
	var out []Electrode
	for i, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 7 {
			return nil, fmt.Errorf("coordinate line %d: %d fields, want 7", i+1, len(fields))
		}
		out = append(out, Electrode{
			Name:       fields[0] + fields[1],
			X:          fields[2],
			Y:          fields[3],
			Z:          fields[4],
			Hemisphere: fields[5] + fields[6],
		})
	}
	return out, nil
}

// ElectrodesTSV renders electrodes in the BIDS column order.
func ElectrodesTSV(electrodes []Electrode) ([]byte, error) {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = '\t'
	if err := cw.Write([]string{"name", "x", "y", "z", "hemisphere"}); err != nil {
		return nil, err
	}
	for _, e := range electrodes {
		if err := cw.Write([]string{e.Name, e.X, e.Y, e.Z, e.Hemisphere}); err != nil {
			return nil, err
		}
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

// WriteElectrodes emits sub-XXX_space-Talairach_electrodes.tsv at the
// subject level and mirrors it into each listed eeg modality directory.
func (t *Tree) WriteElectrodes(subject string, electrodes []Electrode, eegDirs []string) error {
	raw, err := ElectrodesTSV(electrodes)
	if err != nil {
		return err
	}
	base := fmt.Sprintf("sub-%s_space-Talairach_electrodes.tsv", subject)
	subDir := "sub-" + subject
	if err := t.Write(subDir+"/"+base, raw); err != nil {
		return err
	}
	for _, d := range eegDirs {
		if !strings.Contains(d, "eeg") {
			continue
		}
		if err := t.Write(subDir+"/"+d+"/"+base, raw); err != nil {
			return err
		}
	}
	return nil
}

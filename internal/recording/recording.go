// Package recording loads continuous electrophysiology recordings into
// memory: EDF files (optionally gzip-compressed) and the raw binary dumps
// some acquisition rigs produce instead.
package recording

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/OpenPSG/edf"
	"gonum.org/v1/gonum/floats"

	"github.com/meridianlab/bidsify/internal/models"
)

// ReadEDF loads a .edf or .edf.gz file. Channel labels have spaces stripped;
// the channel matching trigger is relabeled "Trigger".
func ReadEDF(path, trigger string) (*models.Recording, error) {
	rs, err := openSeekable(path)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	hdr, err := parseHeader(rs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r, err := edf.Open(rs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	recSec := hdr.DataRecordDuration.Seconds()
	if recSec <= 0 {
		recSec = 1
	}

	rec := &models.Recording{
		Header: models.RecordingHeader{
			PatientID:   hdr.PatientID,
			RecordingID: hdr.RecordingID,
			StartTime:   hdr.StartTime,
		},
		Labels: make([]string, hdr.SignalCount),
		Data:   make([][]float64, hdr.SignalCount),
	}
	for i, sig := range hdr.Signals {
		rec.Labels[i] = cleanLabel(sig.Label, trigger)
		rate := float64(sig.SamplesPerRecord) / recSec
		if rec.SampleRate == 0 || rate > rec.SampleRate {
			// The data channels share one rate; annotation channels can
			// run slower, so keep the fastest.
			rec.SampleRate = rate
		}

		sr, err := r.Signal(i)
		if err != nil {
			return nil, err
		}
		data := make([]float64, sig.SamplesPerRecord*hdr.DataRecords)
		if _, err := readFull(sr, data); err != nil {
			return nil, fmt.Errorf("%s signal %q: %w", path, sig.Label, err)
		}
		rec.Data[i] = data
	}
	return rec, nil
}

// ReadBinary loads a headerless sample dump: little-endian values in
// column-major order, one column per time point over len(labels) channels.
// Encoding is one of float64, float32 or int16.
func ReadBinary(path string, labels []string, encoding string, rate float64, trigger string) (*models.Recording, error) {
	raw, err := readMaybeGzip(path)
	if err != nil {
		return nil, err
	}

	var width int
	switch encoding {
	case "float64":
		width = 8
	case "float32":
		width = 4
	case "int16":
		width = 2
	default:
		return nil, fmt.Errorf("%s: unsupported binary encoding %q", path, encoding)
	}

	nch := len(labels)
	if nch == 0 {
		return nil, fmt.Errorf("%s: no channel labels to shape binary data", path)
	}
	count := len(raw) / width
	if count%nch != 0 {
		return nil, fmt.Errorf("%s: %d samples do not divide into %d channels", path, count, nch)
	}
	samples := count / nch

	rec := &models.Recording{
		Labels:     make([]string, nch),
		SampleRate: rate,
		Data:       make([][]float64, nch),
	}
	for ch := range labels {
		rec.Labels[ch] = cleanLabel(labels[ch], trigger)
		rec.Data[ch] = make([]float64, samples)
	}
	for s := 0; s < samples; s++ {
		base := s * nch
		for ch := 0; ch < nch; ch++ {
			off := (base + ch) * width
			var v float64
			switch encoding {
			case "float64":
				v = math.Float64frombits(binary.LittleEndian.Uint64(raw[off:]))
			case "float32":
				v = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[off:])))
			case "int16":
				v = float64(int16(binary.LittleEndian.Uint16(raw[off:])))
			}
			rec.Data[ch][s] = v
		}
	}

	for ch := range rec.Data {
		if len(rec.Data[ch]) > 0 {
			slog.Debug("binary channel loaded", "file", path, "channel", rec.Labels[ch],
				"min", floats.Min(rec.Data[ch]), "max", floats.Max(rec.Data[ch]))
		}
	}
	return rec, nil
}

func cleanLabel(label, trigger string) string {
	label = strings.ReplaceAll(strings.TrimSpace(label), " ", "")
	if trigger != "" && label == strings.ReplaceAll(trigger, " ", "") {
		return "Trigger"
	}
	return label
}

func readFull(sr *edf.SignalReader, data []float64) (int, error) {
	n := 0
	for n < len(data) {
		m, err := sr.Read(data[n:])
		n += m
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

type seekCloser interface {
	io.ReadSeeker
	io.Closer
}

type nopSeekCloser struct{ *bytes.Reader }

func (nopSeekCloser) Close() error { return nil }

// openSeekable opens a file for random access, transparently decompressing
// .gz sources into memory first.
func openSeekable(path string) (seekCloser, error) {
	if !strings.HasSuffix(path, ".gz") {
		return os.Open(path)
	}
	raw, err := readMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	return nopSeekCloser{bytes.NewReader(raw)}, nil
}

func readMaybeGzip(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if !strings.HasSuffix(path, ".gz") {
		return io.ReadAll(f)
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// parseHeader reads the fixed-offset EDF header. The field layout follows
// the EDF specification: fixed-width ASCII fields, 256 bytes of file header
// followed by 256 bytes per signal.
func parseHeader(r io.ReadSeeker) (*edf.Header, error) {
	fixed := make([]byte, 256)
	if _, err := io.ReadFull(r, fixed); err != nil {
		return nil, fmt.Errorf("edf header: %w", err)
	}

	field := func(off, n int) string {
		return strings.TrimSpace(string(fixed[off : off+n]))
	}
	hdr := &edf.Header{
		Version:     edf.Version(field(0, 8)),
		PatientID:   field(8, 80),
		RecordingID: field(88, 80),
	}
	start, err := time.Parse("02.01.06 15.04.05", field(168, 8)+" "+field(176, 8))
	if err == nil {
		hdr.StartTime = start
	}
	hdr.HeaderBytes = atoi(field(184, 8))
	hdr.DataRecords = atoi(field(236, 8))
	recDur, _ := strconv.ParseFloat(field(244, 8), 64)
	hdr.DataRecordDuration = time.Duration(recDur * float64(time.Second))
	hdr.SignalCount = atoi(field(252, 4))
	if hdr.SignalCount <= 0 {
		return nil, fmt.Errorf("edf header: no signals")
	}

	ns := hdr.SignalCount
	sigHdr := make([]byte, 256*ns)
	if _, err := io.ReadFull(r, sigHdr); err != nil {
		return nil, fmt.Errorf("edf signal headers: %w", err)
	}
	sfield := func(block, width, i int) string {
		off := block*ns + i*width
		return strings.TrimSpace(string(sigHdr[off : off+width]))
	}
	hdr.Signals = make([]edf.SignalHeader, ns)
	for i := range hdr.Signals {
		s := &hdr.Signals[i]
		s.Label = sfield(0, 16, i)
		s.TransducerType = sfield(16, 80, i)
		s.PhysicalDimension = sfield(96, 8, i)
		s.PhysicalMin, _ = strconv.ParseFloat(sfield(104, 8, i), 64)
		s.PhysicalMax, _ = strconv.ParseFloat(sfield(112, 8, i), 64)
		s.DigitalMin = atoi(sfield(120, 8, i))
		s.DigitalMax = atoi(sfield(128, 8, i))
		s.Prefiltering = sfield(136, 80, i)
		s.SamplesPerRecord = atoi(sfield(216, 8, i))
	}
	return hdr, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

package segment

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OpenPSG/edf"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/table"
)

// evTable builds an event table from (onset, duration) second pairs, with
// the sample clock derived at the given rate.
func evTable(rate float64, pairs ...float64) *models.EventTable {
	t := &models.EventTable{}
	for i := 0; i+1 < len(pairs); i += 2 {
		r := models.EventRow{
			Onset:    pairs[i],
			Duration: pairs[i+1],
			TrialNum: i/2 + 1,
		}
		if !math.IsNaN(r.Onset) {
			r.Sample = int64(math.Round(r.Onset * rate))
			r.HasSample = true
		}
		t.Rows = append(t.Rows, r)
	}
	return t
}

func TestPlan_PracticeConsumesFirstRun(t *testing.T) {
	// Run 1 ends at sample 3000, run 2 starts at 3200. With practice
	// enabled the first block grows back to zero and absorbs run 1.
	runs := []Run{
		{Label: "01", Events: evTable(500, 1.0, 0.5, 5.0, 1.0)}, // last end 6.0s = 3000
		{Label: "02", Events: evTable(500, 6.4, 0.5, 18.0, 1.0)},
	}
	segs, err := Plan(runs, 10000, 500, true)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if !segs[0].Practice || segs[0].Run != "" {
		t.Errorf("first segment not practice: %+v", segs[0])
	}
	if segs[0].Cut != (models.CutPoint{Start: 0, End: 3000}) {
		t.Errorf("practice cut = %+v, want [0, 3000)", segs[0].Cut)
	}
	if segs[1].Run != "02" || segs[1].Cut != (models.CutPoint{Start: 3200, End: 10000}) {
		t.Errorf("run 2 cut = %+v, want [3200, 10000)", segs[1].Cut)
	}
}

func TestPlan_WithoutPractice(t *testing.T) {
	runs := []Run{
		{Label: "01", Events: evTable(500, 1.0, 0.5, 5.0, 1.0)},
		{Label: "02", Events: evTable(500, 6.4, 0.5, 18.0, 1.0)},
	}
	segs, err := Plan(runs, 10000, 500, false)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2", len(segs))
	}
	if segs[0].Cut != (models.CutPoint{Start: 500, End: 3000}) {
		t.Errorf("run 1 cut = %+v, want [500, 3000)", segs[0].Cut)
	}
	if segs[0].Practice {
		t.Error("run 1 marked practice")
	}
}

func TestPlan_OutOfBounds(t *testing.T) {
	runs := []Run{
		{Label: "01", Events: evTable(500, 1.0, 0.5, 23.0, 1.0)}, // end 12000 > 10000
		{Label: "02", Events: evTable(500, 25.0, 0.5)},
	}
	_, err := Plan(runs, 10000, 500, false)
	if !errors.Is(err, apperr.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
}

func TestPlan_FinalRunBeyondRecording(t *testing.T) {
	// The last run's block extends to the end of the recording; that must
	// not mask a final run whose events start past the recording end.
	runs := []Run{
		{Label: "01", Events: evTable(500, 1.0, 0.5, 5.0, 1.0)},
		{Label: "02", Events: evTable(500, 24.0, 0.5, 25.0, 1.0)}, // start 12000 > 10000
	}
	_, err := Plan(runs, 10000, 500, false)
	if !errors.Is(err, apperr.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
}

func TestPlan_NonMonotonic(t *testing.T) {
	runs := []Run{
		{Label: "01", Events: evTable(500, 1.0, 0.5, 9.0, 1.0)}, // end 5000
		{Label: "02", Events: evTable(500, 9.0, 0.5, 18.0, 1.0)}, // start 4500
	}
	_, err := Plan(runs, 10000, 500, false)
	if !errors.Is(err, apperr.ErrNonMonotonicCuts) {
		t.Fatalf("err = %v, want ErrNonMonotonicCuts", err)
	}
}

func TestPlan_SkipsEmptyRuns(t *testing.T) {
	nan := math.NaN()
	runs := []Run{
		{Label: "01", Events: evTable(500, 1.0, 0.5, 5.0, 1.0)},
		{Label: "02", Events: evTable(500, nan, nan)},     // no usable boundaries
		{Label: "03", Events: evTable(500, 7.0, 0.0)},      // zero-length
		{Label: "04", Events: evTable(500, 8.0, 0.5, 12.0, 1.0)},
	}
	segs, err := Plan(runs, 10000, 500, false)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segments = %d, want 2 (empty runs skipped)", len(segs))
	}
	if segs[0].Run != "01" || segs[1].Run != "04" {
		t.Errorf("kept runs = %q, %q", segs[0].Run, segs[1].Run)
	}
}

func TestSplit_RezeroesEvents(t *testing.T) {
	rec := &models.Recording{
		Labels:     []string{"LTG1", "LTG2"},
		SampleRate: 100,
		Data:       make([][]float64, 2),
	}
	for ch := range rec.Data {
		rec.Data[ch] = make([]float64, 1000)
		for i := range rec.Data[ch] {
			rec.Data[ch][i] = float64(ch*1000 + i)
		}
	}

	events := evTable(100, 2.0, 0.5, 5.0, 0.5)
	segs := []models.Segment{{
		Cut:    models.CutPoint{Start: 100, End: 700},
		Run:    "01",
		Events: events,
	}}
	if err := Split(rec, segs); err != nil {
		t.Fatalf("Split: %v", err)
	}

	seg := segs[0]
	if got := len(seg.Data[0]); got != 600 {
		t.Fatalf("segment length = %d, want 600", got)
	}
	if seg.Data[1][0] != 1100 {
		t.Errorf("segment data origin = %v, want 1100", seg.Data[1][0])
	}

	r := seg.Events.Rows[0]
	if r.Sample != 100 { // 200 - 100
		t.Errorf("re-zeroed sample = %d, want 100", r.Sample)
	}
	if r.Onset != 1.0 {
		t.Errorf("re-zeroed onset = %v, want 1.0", r.Onset)
	}
	// The source table is untouched.
	if events.Rows[0].Sample != 200 {
		t.Errorf("source table mutated: sample = %d", events.Rows[0].Sample)
	}

	segs[0].Cut = models.CutPoint{Start: 900, End: 1200}
	if err := Split(rec, segs); !errors.Is(err, apperr.ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
}

func TestSplit_ConcatenationCoversRecording(t *testing.T) {
	// Adjacent cuts partition the recording: concatenating the segments
	// reproduces the source samples.
	rec := &models.Recording{
		Labels:     []string{"ch"},
		SampleRate: 10,
		Data:       [][]float64{make([]float64, 100)},
	}
	for i := range rec.Data[0] {
		rec.Data[0][i] = float64(i) * 0.25
	}
	segs := []models.Segment{
		{Cut: models.CutPoint{Start: 0, End: 40}, Events: evTable(10)},
		{Cut: models.CutPoint{Start: 40, End: 100}, Events: evTable(10)},
	}
	if err := Split(rec, segs); err != nil {
		t.Fatalf("Split: %v", err)
	}
	var joined []float64
	for _, s := range segs {
		joined = append(joined, s.Data[0]...)
	}
	for i, v := range joined {
		if v != rec.Data[0][i] {
			t.Fatalf("joined[%d] = %v, want %v", i, v, rec.Data[0][i])
		}
	}
}

func TestWriteEDF_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.edf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}

	const rate = 100.0
	data := [][]float64{make([]float64, 250), make([]float64, 250)}
	for i := range data[0] {
		data[0][i] = math.Sin(float64(i) / 10)
		data[1][i] = float64(i)
	}
	hdr := models.RecordingHeader{PatientID: "D007", RecordingID: "naming"}
	if err := WriteEDF(f, data, []string{"LTG1", "LTG2"}, rate, hdr); err != nil {
		t.Fatalf("WriteEDF: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer rf.Close()
	r, err := edf.Open(rf)
	if err != nil {
		t.Fatalf("edf.Open: %v", err)
	}
	sr, err := r.Signal(0)
	if err != nil {
		t.Fatal(err)
	}
	// 250 samples pad out to three one-second records of 100.
	got := make([]float64, 300)
	if _, err := sr.Read(got); err != nil {
		t.Fatalf("read signal: %v", err)
	}
	for i := 0; i < 250; i++ {
		if math.Abs(got[i]-data[0][i]) > 1e-3 {
			t.Fatalf("sample %d = %v, want %v", i, got[i], data[0][i])
		}
	}
	for i := 250; i < 300; i++ {
		if math.Abs(got[i]) > 1e-3 {
			t.Fatalf("pad sample %d = %v, want 0", i, got[i])
		}
	}
}

func TestWriteEventsTSV(t *testing.T) {
	tbl := &models.EventTable{Columns: []string{"stim_file"}}
	tbl.Rows = []models.EventRow{
		{Onset: 1.5, Duration: 0.5, Sample: 750, HasSample: true, TrialNum: 1,
			Extra: map[string]string{"stim_file": "beep.wav"}},
		{Onset: math.NaN(), Duration: 2, TrialNum: 2, Extra: map[string]string{}},
	}

	var buf bytes.Buffer
	if err := WriteEventsTSV(&buf, tbl); err != nil {
		t.Fatalf("WriteEventsTSV: %v", err)
	}
	want := "onset\tduration\tsample\ttrial_num\tstim_file\n" +
		"1.5\t0.5\t750\t1\tbeep.wav\n" +
		"n/a\t2\tn/a\t2\tn/a\n"
	if buf.String() != want {
		t.Errorf("got:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestWriteChannelsTSV(t *testing.T) {
	meta := table.New("name", "low_cutoff", "high_cutoff")
	meta.AppendRow(table.Str("LTG1"), table.Num(0.1), table.Num(300))
	meta.AppendRow(table.Str("LTG2"), table.None(), table.None())

	var buf bytes.Buffer
	if err := WriteChannelsTSV(&buf, meta, "ECOG", "uV"); err != nil {
		t.Fatalf("WriteChannelsTSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[0] != "name\ttype\tunits\tlow_cutoff\thigh_cutoff" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "LTG1\tECOG\tuV\t0.1\t300" {
		t.Errorf("row 1 = %q", lines[1])
	}
	if lines[2] != "LTG2\tECOG\tuV\tn/a\tn/a" {
		t.Errorf("row 2 = %q", lines[2])
	}
	if lines[3] != "Trigger\tTRIG\tuV\t1000\t1" {
		t.Errorf("trigger row = %q", lines[3])
	}
}

func TestNewIEEGSidecar(t *testing.T) {
	sc, err := NewIEEGSidecar("naming", "MGH", "SEEG", []string{"a", "b", "Trigger"}, 1000, 12.5)
	if err != nil {
		t.Fatalf("NewIEEGSidecar: %v", err)
	}
	if sc.SEEGChannelCount != 2 || sc.ECOGChannelCount != 0 {
		t.Errorf("counts = %d/%d, want 2 SEEG", sc.SEEGChannelCount, sc.ECOGChannelCount)
	}
	if sc.PowerLineFrequency != 60 || sc.SoftwareFilters != "n/a" || sc.TriggerChannelCount != 1 {
		t.Errorf("fixed fields wrong: %+v", sc)
	}

	var buf bytes.Buffer
	if err := sc.WriteJSON(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"TaskName": "naming"`) {
		t.Errorf("json missing task: %s", buf.String())
	}

	if _, err := NewIEEGSidecar("naming", "", "EEG", nil, 1000, 1); err == nil {
		t.Error("unknown channel type accepted")
	}
}

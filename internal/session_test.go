package internal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/bids"
	"github.com/meridianlab/bidsify/internal/channels"
	"github.com/meridianlab/bidsify/internal/events"
	"github.com/meridianlab/bidsify/internal/manifest"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/segment"
	"github.com/meridianlab/bidsify/internal/testutil"
)

func pipelineConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.Institution = "Meridian Epilepsy Center"
	cfg.Part = RuleConfig{Left: "sub", Content: []Candidate{{Pattern: `\d+`}}, Fill: 3}
	cfg.Run = RuleConfig{Left: "run", Content: []Candidate{{Pattern: `\d+`}}, Fill: 2}
	cfg.Task = RuleConfig{Content: []Candidate{{Label: "ccep", Pattern: "ccep", pair: true}}}
	cfg.IEEG = IEEGConfig{
		RuleConfig: RuleConfig{Content: []Candidate{{Label: "ieeg", Pattern: `\.edf`, pair: true}}},
		Type:       IEEGTypeECOG,
		Units:      "uV",
		SampleRate: "srate",
		Digital:    []string{"DC2"},
		Trigger:    map[string]string{"default": "DC1"},
		Channels:   map[string]string{"electrode": "name"},
	}
	cfg.EventFormat = EventFormatConfig{
		Sep: map[string]string{"runIndex": "block"},
		Events: []events.Definition{{Columns: []events.Mapping{
			{Name: "onset", Expr: "start"},
			{Name: "duration", Expr: "stop - start"},
		}}},
		SampleRate: 1000,
		IDcol:      "subject",
	}
	cfg.Coordsystem = "Talairach"
	return cfg
}

func newTestSession(t *testing.T, cfg *Config) (*session, string) {
	t.Helper()
	gen, err := cfg.Generator()
	if err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	tree, err := bids.NewTree(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	man, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { man.Close() })

	return &session{
		cfg:       cfg,
		gen:       gen,
		tree:      tree,
		man:       man,
		resolver:  channels.NewResolver(cfg.ChannelSources()),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		sourceDir: src,
	}, src
}

// writeRecording writes a 4-channel, 100 Hz, 4 s EDF into the source tree.
// DC1 is the trigger, DC2 a digital line dropped on conversion.
func writeRecording(t *testing.T, src, name string) {
	t.Helper()
	f, err := os.Create(filepath.Join(src, name))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	data := [][]float64{
		testutil.Ramp(0, 400), testutil.Ramp(1, 400),
		testutil.Ramp(2, 400), testutil.Ramp(3, 400),
	}
	err = segment.WriteEDF(f, data, []string{"DC1", "DC2", "LTG1", "LTG2"}, 100,
		models.RecordingHeader{PatientID: "local 014"})
	if err != nil {
		t.Fatal(err)
	}
}

func populateSource(t *testing.T, src string) {
	t.Helper()
	testutil.WriteFile(t, src, "sub014_electrode.csv", "name,srate\nLTG1,100\nLTG2,100\n")
	testutil.WriteFile(t, src, "trials.csv",
		"subject,block,start,stop\n14,1,500,1000\n14,1,1500,2000\n15,1,500,1000\n")
	testutil.WriteFile(t, src, "sub014_Talairach.txt",
		"LTG 1 12.0 -42.0 8.0 L .\nLTG 2 14.0 -42.0 8.0 L .\n")
	writeRecording(t, src, "sub014_run01_ccep.edf")
}

func TestConvertEndToEnd(t *testing.T) {
	s, src := newTestSession(t, pipelineConfig())
	populateSource(t, src)

	if err := s.convert(context.Background()); err != nil {
		t.Fatalf("convert: %v", err)
	}

	base := "sub-014/ieeg/sub-014_task-ccep_run-01"
	for _, rel := range []string{
		base + "_ieeg.edf",
		base + "_events.tsv",
		base + "_channels.tsv",
		base + "_ieeg.json",
		"sub-015/ieeg/sub-015_run-01_events.tsv",
		"sub-014/sub-014_space-Talairach_electrodes.tsv",
		"sub-014/ieeg/sub-014_space-Talairach_electrodes.tsv",
	} {
		if !s.tree.Exists(rel) {
			t.Errorf("missing output %s", rel)
		}
	}

	// Events are re-zeroed against the segment origin: the first trial
	// starts the run, so its onset becomes zero.
	raw, err := s.tree.Read(base + "_events.tsv")
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if lines[0] != "onset\tduration\tsample\ttrial_num" {
		t.Errorf("events header = %q", lines[0])
	}
	if len(lines) != 3 {
		t.Fatalf("events rows = %d, want 2", len(lines)-1)
	}
	if lines[1] != "0\t0.5\t0\t1" {
		t.Errorf("first event = %q", lines[1])
	}

	raw, err = s.tree.Read(base + "_channels.tsv")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "LTG1\tECOG\tuV") {
		t.Errorf("channels.tsv missing channel row:\n%s", raw)
	}
	if !strings.HasSuffix(strings.TrimSpace(string(raw)), "Trigger\tTRIG\tuV\t1000\t1") {
		t.Errorf("channels.tsv missing trigger row:\n%s", raw)
	}

	raw, err = s.tree.Read(base + "_ieeg.json")
	if err != nil {
		t.Fatal(err)
	}
	var sc map[string]any
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatal(err)
	}
	if sc["SamplingFrequency"] != float64(100) {
		t.Errorf("SamplingFrequency = %v", sc["SamplingFrequency"])
	}
	if sc["ECOGChannelCount"] != float64(2) {
		t.Errorf("ECOGChannelCount = %v", sc["ECOGChannelCount"])
	}
	if sc["TaskName"] != "ccep" {
		t.Errorf("TaskName = %v", sc["TaskName"])
	}
}

func TestConvertSkipsUnchangedRecordings(t *testing.T) {
	s, src := newTestSession(t, pipelineConfig())
	populateSource(t, src)

	if err := s.convert(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Remove the output; an unchanged source must not be re-converted.
	edf := "sub-014/ieeg/sub-014_task-ccep_run-01_ieeg.edf"
	abs, err := s.tree.Abs(edf)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(abs); err != nil {
		t.Fatal(err)
	}

	if err := s.convert(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.tree.Exists(edf) {
		t.Error("unchanged recording was re-converted")
	}

	// With overwrite set the recording is converted again.
	s.overwrite = true
	if err := s.convert(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.tree.Exists(edf) {
		t.Error("overwrite did not re-convert the recording")
	}
}

func TestConvertBadSepCategoryIsFatal(t *testing.T) {
	cfg := pipelineConfig()
	cfg.EventFormat.Sep = map[string]string{"bogus": "block"}
	s, src := newTestSession(t, cfg)
	testutil.WriteFile(t, src, "trials.csv", "subject,block,start,stop\n14,1,500,1000\n")

	err := s.convert(context.Background())
	if !errors.Is(err, apperr.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestConvertMissingChannelSourceIsNotFatal(t *testing.T) {
	s, src := newTestSession(t, pipelineConfig())
	writeRecording(t, src, "sub014_run01_ccep.edf")

	// No aux files at all: channel resolution fails, the recording is
	// skipped, and the pass still completes.
	if err := s.convert(context.Background()); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if s.tree.Exists("sub-014/ieeg/sub-014_task-ccep_run-01_ieeg.edf") {
		t.Error("recording converted without a channel profile")
	}
}

func TestConvertRejectsEventlessTables(t *testing.T) {
	s, src := newTestSession(t, pipelineConfig())
	testutil.WriteFile(t, src, "trials.csv", "participant,start,stop\n14,500,1000\n")

	// A pass whose every trial table lacks the identity or separator
	// columns would otherwise finish with no events and no hint why.
	err := s.convert(context.Background())
	if !errors.Is(err, apperr.ErrMissingRequiredColumn) {
		t.Fatalf("err = %v, want ErrMissingRequiredColumn", err)
	}
}

func TestConvertPrunesVanishedSources(t *testing.T) {
	s, src := newTestSession(t, pipelineConfig())
	populateSource(t, src)
	if err := s.convert(context.Background()); err != nil {
		t.Fatalf("convert: %v", err)
	}

	rec := filepath.Join(src, "sub014_run01_ccep.edf")
	if sum, err := s.man.Checksum(rec); err != nil || sum == "" {
		t.Fatalf("manifest entry missing after convert (sum %q, err %v)", sum, err)
	}
	if err := os.Remove(rec); err != nil {
		t.Fatal(err)
	}

	if err := s.convert(context.Background()); err != nil {
		t.Fatalf("second convert: %v", err)
	}
	if sum, _ := s.man.Checksum(rec); sum != "" {
		t.Error("manifest entry for the removed recording survived the pass")
	}
}

func TestIngestConvertedVolumes(t *testing.T) {
	cfg := pipelineConfig()
	cfg.Func = RuleConfig{Content: []Candidate{{Label: "bold", Pattern: "epi", pair: true}}}
	cfg.RepetitionTime = 2
	cfg.DelayTime = 14.5
	s, _ := newTestSession(t, cfg)

	conv := t.TempDir()
	testutil.WriteFile(t, conv, "run01_epi_sub014.nii", "volume")
	testutil.WriteFile(t, conv, "run01_epi_sub014.json", `{"EchoTime":0.03}`)

	if err := s.ingestVolumes(conv); err != nil {
		t.Fatalf("ingestVolumes: %v", err)
	}

	if !s.tree.Exists("sub-014/func/sub-014_run-01_bold.nii") {
		t.Fatal("volume not routed into the subject folder")
	}
	raw, err := s.tree.Read("sub-014/func/sub-014_run-01_bold.json")
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}
	if meta["RepetitionTime"] != 2.0 || meta["DelayTime"] != 14.5 {
		t.Errorf("timing fields = %v / %v, want 2 / 14.5",
			meta["RepetitionTime"], meta["DelayTime"])
	}
	if meta["EchoTime"] != 0.03 {
		t.Errorf("EchoTime = %v, want the converter value kept", meta["EchoTime"])
	}
}

func TestConvertReadsMatTrialTables(t *testing.T) {
	s, src := newTestSession(t, pipelineConfig())
	testutil.WriteFile(t, src, "sub014_electrode.csv", "name,srate\nLTG1,100\nLTG2,100\n")
	writeRecording(t, src, "sub014_run01_ccep.edf")
	writeTrialMat(t, filepath.Join(src, "trials.mat"))

	if err := s.convert(context.Background()); err != nil {
		t.Fatalf("convert: %v", err)
	}
	raw, err := s.tree.Read("sub-014/ieeg/sub-014_task-ccep_run-01_events.tsv")
	if err != nil {
		t.Fatalf("events output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 {
		t.Fatalf("events = %q, want header and two trials", lines)
	}
}

// writeTrialMat assembles a little-endian level 5 MAT-file holding a scalar
// "trials" struct with one double array per column: two trials of subject 14
// in block 1.
func writeTrialMat(t *testing.T, path string) {
	t.Helper()
	le := binary.LittleEndian

	el := func(typ uint32, data []byte) []byte {
		out := make([]byte, 8, 8+len(data))
		le.PutUint32(out[:4], typ)
		le.PutUint32(out[4:8], uint32(len(data)))
		out = append(out, data...)
		for len(out)%8 != 0 {
			out = append(out, 0)
		}
		return out
	}
	words := func(vs ...uint32) []byte {
		var out []byte
		for _, v := range vs {
			out = le.AppendUint32(out, v)
		}
		return out
	}
	doubles := func(vs ...float64) []byte {
		var out []byte
		for _, v := range vs {
			out = le.AppendUint64(out, math.Float64bits(v))
		}
		return out
	}
	// Element types: 1 int8, 5 int32, 6 uint32, 9 double, 14 matrix.
	column := func(vs ...float64) []byte {
		var b []byte
		b = append(b, el(6, words(6, 0))...) // flags: double class
		b = append(b, el(5, words(uint32(len(vs)), 1))...)
		b = append(b, el(1, nil)...)
		b = append(b, el(9, doubles(vs...))...)
		return el(14, b)
	}

	names := make([]byte, 0, 4*32)
	for _, f := range []string{"subject", "block", "start", "stop"} {
		padded := make([]byte, 32)
		copy(padded, f)
		names = append(names, padded...)
	}
	var body []byte
	body = append(body, el(6, words(2, 0))...) // flags: struct class
	body = append(body, el(5, words(1, 1))...)
	body = append(body, el(1, []byte("trials"))...)
	body = append(body, el(5, words(32))...)
	body = append(body, el(1, names)...)
	body = append(body, column(14, 14)...)
	body = append(body, column(1, 1)...)
	body = append(body, column(500, 1500)...)
	body = append(body, column(1000, 2000)...)

	header := make([]byte, 128)
	copy(header, "MATLAB 5.0 MAT-file")
	le.PutUint16(header[124:126], 0x0100)
	header[126] = 'I'
	header[127] = 'M'

	if err := os.WriteFile(path, append(header, el(14, body)...), 0o644); err != nil {
		t.Fatal(err)
	}
}

package internal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/pkg/config"
)

const testConfigYAML = `
dataFormat: [".edf", ".nii", ".csv"]
compress: true
compressLevel: 6
institution: "Meridian Epilepsy Center"
repetitionTimeInSec: 2.0
partLabel:
  left: "sub"
  right: ""
  content: ['\d{3}']
  fill: 3
runIndex:
  left: "run"
  content: ['\d{2}']
  fill: 2
task:
  content: [['ccep', 'ccep|CCEP'], ['rest', 'rest']]
anat:
  content: [['T1w', 't1|T1']]
ieeg:
  content: [['ieeg', '\.edf|\.trc']]
  type: "ECOG"
  units: "uV"
  sampleRate: "srate"
  binary: "_raw"
  binaryEncoding: "float64"
  trigger:
    default: "DC1"
    "005": "DC9"
  headerData: ["montage"]
  channels:
    electrode: "name"
eventFormat:
  Sep:
    runIndex: "block"
  Events:
    - onset: "start / 1000"
      duration: "0"
  SampleRate: 1000
  IDcol: "subject"
split:
  practice: true
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigLoad(t *testing.T) {
	var cfg Config
	if err := config.Load(writeConfig(t, testConfigYAML), &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.DataFormat; len(got) != 3 || got[0] != ".edf" {
		t.Errorf("DataFormat = %v", got)
	}
	if cfg.IEEG.Type != IEEGTypeECOG {
		t.Errorf("ieeg type = %q", cfg.IEEG.Type)
	}
	if cfg.IEEG.Trigger["005"] != "DC9" {
		t.Errorf("trigger map = %v", cfg.IEEG.Trigger)
	}
	if !cfg.Split.Practice {
		t.Error("split.practice not decoded")
	}
	if cfg.EventFormat.Sep["runIndex"] != "block" {
		t.Errorf("Sep = %v", cfg.EventFormat.Sep)
	}
	if len(cfg.EventFormat.Events) != 1 || len(cfg.EventFormat.Events[0].Columns) != 2 {
		t.Fatalf("Events not decoded: %+v", cfg.EventFormat.Events)
	}
	if cfg.EventFormat.Events[0].Columns[0].Name != "onset" {
		t.Errorf("first event column = %q", cfg.EventFormat.Events[0].Columns[0].Name)
	}
}

func TestConfigGenerator(t *testing.T) {
	var cfg Config
	if err := config.Load(writeConfig(t, testConfigYAML), &cfg); err != nil {
		t.Fatal(err)
	}
	g, err := cfg.Generator()
	if err != nil {
		t.Fatal(err)
	}

	if g.Sess != nil {
		t.Error("absent sessLabel should compile to a nil rule")
	}
	if len(g.DataTypes) != 2 {
		t.Fatalf("DataTypes = %d, want anat and ieeg", len(g.DataTypes))
	}

	res, err := g.GenerateName("sub014_run03_ccep.edf", models.Labels{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Name != "sub-014_task-ccep_run-03_ieeg" {
		t.Errorf("Name = %q", res.Name)
	}
	if res.Dir != "sub-014/ieeg" {
		t.Errorf("Dir = %q", res.Dir)
	}
}

func TestConfigChannelSources(t *testing.T) {
	var cfg Config
	if err := config.Load(writeConfig(t, testConfigYAML), &cfg); err != nil {
		t.Fatal(err)
	}
	src := cfg.ChannelSources()
	if src.Tables["electrode"] != "name" {
		t.Errorf("Tables = %v", src.Tables)
	}
	if src.SampleRateColumn != "srate" {
		t.Errorf("SampleRateColumn = %q", src.SampleRateColumn)
	}
	if len(src.HeaderFiles) != 1 || src.HeaderFiles[0] != "montage" {
		t.Errorf("HeaderFiles = %v", src.HeaderFiles)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
	}{
		{"missing dataFormat", func(c *Config) { c.DataFormat = nil }},
		{"missing partLabel", func(c *Config) { c.Part.Content = nil }},
		{"no data type rule", func(c *Config) {
			c.Anat.Content = nil
			c.IEEG.Content = nil
		}},
		{"bad ieeg type", func(c *Config) { c.IEEG.Type = "MEG" }},
		{"binary without encoding", func(c *Config) { c.IEEG.BinaryEncoding = "" }},
		{"zero event rate", func(c *Config) { c.EventFormat.SampleRate = 0 }},
		{"missing IDcol", func(c *Config) { c.EventFormat.IDcol = "" }},
		{"compress level out of range", func(c *Config) { c.CompressLevel = 12 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg Config
			if err := config.Load(writeConfig(t, testConfigYAML), &cfg); err != nil {
				t.Fatal(err)
			}
			tc.edit(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted a broken config")
			}
		})
	}
}

func TestConfigRejectsBadPattern(t *testing.T) {
	text := testConfigYAML + `
acq:
  content: ['[unclosed']
`
	var cfg Config
	// Load validates through the Validator interface, so the bad pattern
	// surfaces at load time.
	if err := config.Load(writeConfig(t, text), &cfg); !errors.Is(err, apperr.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestConfigRejectsMixedContent(t *testing.T) {
	text := testConfigYAML + `
ce:
  content: ['gad', ['gad', 'gadolinium']]
`
	var cfg Config
	if err := config.Load(writeConfig(t, text), &cfg); !errors.Is(err, apperr.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

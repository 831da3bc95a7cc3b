package internal

import (
	"fmt"
	"log/slog"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/channels"
	"github.com/meridianlab/bidsify/internal/events"
	"github.com/meridianlab/bidsify/internal/naming"
	"github.com/meridianlab/bidsify/internal/pattern"
)

// Recognised iEEG recording types.
const (
	IEEGTypeECOG = "ECOG"
	IEEGTypeSEEG = "SEEG"
)

// Config represents the full conversion configuration document.
type Config struct {
	DataFormat     []string `yaml:"dataFormat"`
	Compress       bool     `yaml:"compress"`
	CompressLevel  int      `yaml:"compressLevel"`
	Institution    string   `yaml:"institution"`
	RepetitionTime float64  `yaml:"repetitionTimeInSec"`
	DelayTime      float64  `yaml:"delayTimeInSec"`

	Part RuleConfig `yaml:"partLabel"`
	Sess RuleConfig `yaml:"sessLabel"`
	Run  RuleConfig `yaml:"runIndex"`
	Acq  RuleConfig `yaml:"acq"`
	Ce   RuleConfig `yaml:"ce"`
	Echo RuleConfig `yaml:"echo"`
	Seq  RuleConfig `yaml:"pulseSequenceType"`
	Task RuleConfig `yaml:"task"`

	Anat RuleConfig `yaml:"anat"`
	Func RuleConfig `yaml:"func"`
	IEEG IEEGConfig `yaml:"ieeg"`

	EventFormat EventFormatConfig `yaml:"eventFormat"`
	Coordsystem string            `yaml:"coordsystem"`
	Split       SplitConfig       `yaml:"split"`

	// JSONFiles maps a destination filename to a JSON document written
	// verbatim at the output root alongside dataset_description.json.
	JSONFiles map[string]map[string]any `yaml:"JSON_files"`

	LogLevel slog.Level `yaml:"logLevel"`
}

// NewDefaultConfig returns a configuration with conservative defaults. The
// matching rules have no useful defaults and must come from the config file.
func NewDefaultConfig() *Config {
	return &Config{
		DataFormat:    []string{".edf", ".edf.gz", ".nii", ".nii.gz", ".csv", ".tsv", ".xlsx"},
		CompressLevel: 6,
		LogLevel:      slog.LevelInfo,
	}
}

// Validate validates the configuration. Every failure wraps apperr.ErrConfig
// so callers can tell a setup bug from a data problem.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.DataFormat, validation.Required),
		validation.Field(&c.CompressLevel, validation.Min(0), validation.Max(9)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrConfig, err)
	}

	if !c.Part.Enabled() {
		return fmt.Errorf("%w: partLabel rule is required", apperr.ErrConfig)
	}
	if !c.Anat.Enabled() && !c.Func.Enabled() && !c.IEEG.Enabled() {
		return fmt.Errorf("%w: at least one data type rule (anat, func, ieeg) is required", apperr.ErrConfig)
	}
	if err := c.IEEG.Validate(); err != nil {
		return err
	}
	if err := c.EventFormat.Validate(); err != nil {
		return err
	}

	// Compiling every enabled rule up front surfaces bad patterns at load
	// time instead of deep inside a participant walk.
	_, err = c.Generator()
	return err
}

// Generator compiles the configured matching rules into a naming.Generator.
// Disabled optional categories compile to nil rules; the data type strategy
// list preserves the anat, func, ieeg precedence order.
func (c *Config) Generator() (*naming.Generator, error) {
	g := &naming.Generator{Observed: naming.NewObserved()}

	for _, b := range []struct {
		dst     **pattern.Rule
		name    string
		cfg     RuleConfig
		subtype bool
	}{
		{&g.Part, "partLabel", c.Part, false},
		{&g.Sess, "sessLabel", c.Sess, false},
		{&g.Run, "runIndex", c.Run, false},
		{&g.Task, "task", c.Task, false},
		{&g.Acq, "acq", c.Acq, false},
		{&g.Ce, "ce", c.Ce, false},
		{&g.Echo, "echo", c.Echo, false},
		{&g.Seq, "pulseSequenceType", c.Seq, true},
	} {
		r, err := b.cfg.compile(b.name, b.subtype)
		if err != nil {
			return nil, err
		}
		*b.dst = r
	}

	for _, b := range []struct {
		name string
		cfg  RuleConfig
	}{
		{"anat", c.Anat},
		{"func", c.Func},
		{"ieeg", c.IEEG.RuleConfig},
	} {
		r, err := b.cfg.compile(b.name, true)
		if err != nil {
			return nil, err
		}
		if r != nil {
			g.DataTypes = append(g.DataTypes, r)
		}
	}
	return g, nil
}

// ChannelSources derives the channel resolver inputs from the ieeg section.
func (c *Config) ChannelSources() channels.Sources {
	return channels.Sources{
		Tables:           c.IEEG.Channels,
		HeaderFiles:      c.IEEG.HeaderData,
		SampleRateColumn: c.IEEG.SampleRate,
		Trigger:          c.IEEG.Trigger,
	}
}

// Candidate is one content entry of a matching rule: either a bare pattern,
// or a [label, pattern] pair mapping raw matched text to a canonical label.
type Candidate struct {
	Label   string
	Pattern string
	pair    bool
}

// UnmarshalYAML accepts the two content entry shapes.
func (c *Candidate) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		c.Pattern = node.Value
		return nil
	case yaml.SequenceNode:
		if len(node.Content) != 2 {
			return fmt.Errorf("%w: content pair must have exactly [label, pattern], got %d items",
				apperr.ErrConfig, len(node.Content))
		}
		c.Label = node.Content[0].Value
		c.Pattern = node.Content[1].Value
		c.pair = true
		return nil
	default:
		return fmt.Errorf("%w: content entry must be a string or a [label, pattern] pair", apperr.ErrConfig)
	}
}

// RuleConfig is the declarative form of one matching rule. A rule with no
// content entries is treated as absent.
type RuleConfig struct {
	Left    string      `yaml:"left"`
	Right   string      `yaml:"right"`
	Content []Candidate `yaml:"content"`
	Fill    int         `yaml:"fill"`
}

// Enabled reports whether the rule is present in the configuration.
func (c RuleConfig) Enabled() bool { return len(c.Content) > 0 }

// compile builds the pattern rule, nil when the rule is absent. subtype
// forces label mapping for data type rules; for other categories it is
// inferred from the entry shapes, which must then be uniform.
func (c RuleConfig) compile(name string, subtype bool) (*pattern.Rule, error) {
	if !c.Enabled() {
		return nil, nil
	}
	spec := pattern.Spec{Name: name, Left: c.Left, Right: c.Right, Fill: c.Fill}
	pairs := 0
	for _, cand := range c.Content {
		spec.Content = append(spec.Content, pattern.Candidate{Label: cand.Label, Pattern: cand.Pattern})
		if cand.pair {
			pairs++
		}
	}
	if pairs > 0 && pairs < len(c.Content) {
		return nil, fmt.Errorf("%w: rule %q mixes bare patterns with [label, pattern] pairs",
			apperr.ErrConfig, name)
	}
	spec.Subtype = subtype || pairs == len(c.Content) && pairs > 0
	if subtype && pairs == 0 {
		return nil, fmt.Errorf("%w: rule %q requires [label, pattern] content entries", apperr.ErrConfig, name)
	}
	return pattern.NewRule(spec)
}

// IEEGConfig extends the ieeg data type rule with recording-specific keys.
type IEEGConfig struct {
	RuleConfig `yaml:",inline"`

	Type           string            `yaml:"type"`
	Units          string            `yaml:"units"`
	SampleRate     string            `yaml:"sampleRate"` // aux table column carrying the rate
	Digital        []string          `yaml:"digital"`    // channel labels treated as digital triggers
	Binary         string            `yaml:"binary"`     // filename fragment of raw binary recordings
	BinaryEncoding string            `yaml:"binaryEncoding"`
	Trigger        map[string]string `yaml:"trigger"`
	HeaderData     []string          `yaml:"headerData"`
	Channels       map[string]string `yaml:"channels"`
}

// Validate validates the ieeg section when it is enabled.
func (c *IEEGConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	err := validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.Required, validation.In(IEEGTypeECOG, IEEGTypeSEEG)),
		validation.Field(&c.BinaryEncoding, validation.In("", "float32", "float64", "int16")),
	)
	if err != nil {
		return fmt.Errorf("%w: ieeg: %v", apperr.ErrConfig, err)
	}
	if c.Binary != "" && c.BinaryEncoding == "" {
		return fmt.Errorf("%w: ieeg: binary is set but binaryEncoding is empty", apperr.ErrConfig)
	}
	return nil
}

// EventFormatConfig describes the trial metadata tables and how event
// timelines are rebuilt from them.
type EventFormatConfig struct {
	// Sep maps a rule category to the table column whose value, pushed
	// back through that category's rule, splits a table into runs.
	Sep    map[string]string   `yaml:"Sep"`
	Events []events.Definition `yaml:"Events"`
	// SampleRate converts onset and duration columns from metadata clock
	// ticks to seconds; 1 when the table already holds seconds.
	SampleRate float64 `yaml:"SampleRate"`
	// IDcol is the table column carrying the participant label.
	IDcol string `yaml:"IDcol"`
	// AudioCorrection is a filename fragment; the matching file in the
	// stimuli directory holds the per-dataset duration correction in
	// seconds.
	AudioCorrection string `yaml:"AudioCorrection"`
}

// Enabled reports whether event reconstruction is configured.
func (c EventFormatConfig) Enabled() bool { return len(c.Events) > 0 }

// Validate validates the eventFormat section when it is enabled.
func (c *EventFormatConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: eventFormat: SampleRate must be positive", apperr.ErrConfig)
	}
	if c.IDcol == "" {
		return fmt.Errorf("%w: eventFormat: IDcol is required", apperr.ErrConfig)
	}
	return nil
}

// SplitConfig controls recording segmentation.
type SplitConfig struct {
	// Practice grows the first run's segment back to sample zero and
	// writes it as a practice segment.
	Practice bool `yaml:"practice"`
}

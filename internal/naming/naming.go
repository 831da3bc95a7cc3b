// Package naming turns source filenames into canonical destination names and
// subpaths by applying the configured matching rules across label categories
// in a fixed precedence order.
package naming

import (
	"errors"
	"fmt"
	"path"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/pattern"
)

// Generator applies category rules to filenames. Optional categories may be
// nil when absent from configuration; subject and at least one data-type rule
// are required to form any destination path.
type Generator struct {
	Part *pattern.Rule
	Sess *pattern.Rule
	Run  *pattern.Rule
	Task *pattern.Rule
	Acq  *pattern.Rule
	Ce   *pattern.Rule
	Echo *pattern.Rule
	Seq  *pattern.Rule

	// DataTypes is the ordered strategy list (anat, func, ieeg): the first
	// rule that matches fixes the modality subfolder and the name suffix.
	DataTypes []*pattern.Rule

	// Observed records which modalities have produced at least one file in
	// this conversion session. Scoped to the session on purpose: it decides
	// which auxiliary sidecars are emitted at the end of a participant.
	Observed *Observed
}

// Result is the outcome of name generation for one source file.
type Result struct {
	Name   string // canonical basename, no extension
	Dir    string // destination subpath relative to the output root
	Labels models.Labels
}

// GenerateName resolves every category against filename and assembles the
// canonical name and destination subpath. Categories already present in
// known are not re-matched. Failed optional categories are silently omitted;
// a missing subject or data type is apperr.ErrUnresolvedIdentity.
func (g *Generator) GenerateName(filename string, known models.Labels) (Result, error) {
	var res Result
	labels := known

	sub, err := g.resolve(g.Part, filename, known.Subject)
	if err != nil {
		return res, err
	}
	if sub == "" {
		return res, fmt.Errorf("%w: no subject in %q", apperr.ErrUnresolvedIdentity, filename)
	}
	labels.Subject = sub

	labels.Session, err = g.resolve(g.Sess, filename, known.Session)
	if err != nil {
		return res, err
	}
	labels.Run, err = g.resolve(g.Run, filename, known.Run)
	if err != nil {
		return res, err
	}

	if labels.DataType == "" || labels.Suffix == "" {
		labels.DataType, labels.Suffix = g.dataType(filename)
	} else {
		g.Observed.Mark(labels.DataType)
	}
	if labels.DataType == "" {
		return res, fmt.Errorf("%w: no data type for %q", apperr.ErrUnresolvedIdentity, filename)
	}

	if labels.DataType == "func" || labels.DataType == "ieeg" {
		labels.Task, err = g.resolve(g.Task, filename, known.Task)
		if err != nil {
			return res, err
		}
	}
	if labels.DataType == "anat" || labels.DataType == "func" {
		if g.Seq != nil && known.SeqType == "" {
			if seq, err := g.Seq.Match(filename); err == nil {
				labels.SeqType = seq
			}
		}
		labels.Echo, err = g.resolve(g.Echo, filename, known.Echo)
		if err != nil {
			return res, err
		}
	}
	labels.Acquisition, err = g.resolve(g.Acq, filename, known.Acquisition)
	if err != nil {
		return res, err
	}
	labels.Contrast, err = g.resolve(g.Ce, filename, known.Contrast)
	if err != nil {
		return res, err
	}

	res.Labels = labels
	res.Name = assemble(labels)
	res.Dir = path.Join(subjectDir(labels), labels.DataType)
	return res, nil
}

// resolve matches one optional category, applying the rule's fill width.
// A nil rule or a failed scan resolves to the empty string; only genuinely
// unexpected errors (a non-numeric label under a fill rule) propagate.
func (g *Generator) resolve(r *pattern.Rule, filename, known string) (string, error) {
	if r == nil {
		return "", nil
	}
	value := known
	if value == "" {
		m, err := r.Match(filename)
		if errors.Is(err, apperr.ErrNoMatch) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		value = m
	}
	if r.Fill() > 0 {
		padded, err := pattern.Normalize(value, r.Fill())
		if err != nil {
			return "", fmt.Errorf("category %q: %w", r.Name(), err)
		}
		value = padded
	}
	return value, nil
}

// dataType tries the ordered strategy list; the first rule that matches
// wins and is recorded in the session's observed set.
func (g *Generator) dataType(filename string) (dataType, suffix string) {
	for _, r := range g.DataTypes {
		label, err := r.Match(filename)
		if err != nil {
			continue
		}
		g.Observed.Mark(r.Name())
		return r.Name(), label
	}
	return "", ""
}

// assemble builds the canonical basename in BIDS entity order.
func assemble(l models.Labels) string {
	name := "sub-" + l.Subject
	if l.Session != "" {
		name += "_ses-" + l.Session
	}
	if l.Task != "" {
		name += "_task-" + l.Task
	}
	if l.Acquisition != "" {
		name += "_acq-" + l.Acquisition
	}
	if l.Contrast != "" {
		name += "_ce-" + l.Contrast
	}
	if l.Echo != "" {
		name += "_echo-" + l.Echo
	}
	if l.Run != "" {
		name += "_run-" + l.Run
	}
	return name + "_" + l.Suffix
}

func subjectDir(l models.Labels) string {
	dir := "sub-" + l.Subject
	if l.Session != "" {
		dir = path.Join(dir, "ses-"+l.Session)
	}
	return dir
}

// Observed is the session-scoped record of modalities seen so far. It is an
// explicit object handed through the pipeline rather than ambient state, so
// nothing leaks across conversion runs.
type Observed struct {
	seen map[string]bool
}

// NewObserved returns an empty observed set.
func NewObserved() *Observed {
	return &Observed{seen: make(map[string]bool)}
}

// Mark records that a modality produced a file.
func (o *Observed) Mark(dataType string) {
	if o != nil && o.seen != nil {
		o.seen[dataType] = true
	}
}

// Seen reports whether the modality produced at least one file.
func (o *Observed) Seen(dataType string) bool {
	return o != nil && o.seen[dataType]
}

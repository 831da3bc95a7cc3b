// Package pattern implements the declarative token-matching rules that drive
// filename parsing and canonical name synthesis. A rule scans a filename for
// a candidate token between two delimiter patterns, and can run in reverse:
// given a token, it synthesizes a minimal fragment that matches itself.
package pattern

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/meridianlab/bidsify/internal/apperr"
)

// Candidate is one entry of a rule's content set. For flat rules Label and
// Pattern are the same text; for subtype rules Pattern is matched against the
// filename and Label is the canonical value returned.
type Candidate struct {
	Label   string
	Pattern string
}

// Spec is the declarative form of a rule, as it appears in configuration.
type Spec struct {
	Name    string // category name, used in error messages
	Left    string // left delimiter pattern
	Right   string // right delimiter pattern
	Content []Candidate
	Fill    int  // zero-padding width, 0 disables
	Subtype bool // content entries map raw text to canonical labels
}

// Rule is a compiled matching rule.
type Rule struct {
	spec       Spec
	matchers   []*regexp.Regexp // one per candidate, content group captured
	validators []*regexp.Regexp // anchored candidate patterns, for Generate
	left       *regexp.Regexp
	right      *regexp.Regexp
}

// NewRule compiles a Spec. Any defect in the spec itself (empty content,
// uncompilable pattern) is apperr.ErrConfig: a setup bug, never a NoMatch.
func NewRule(spec Spec) (*Rule, error) {
	if len(spec.Content) == 0 {
		return nil, fmt.Errorf("%w: rule %q has empty content", apperr.ErrConfig, spec.Name)
	}

	left := nonCapturing(spec.Left)
	right := nonCapturing(spec.Right)

	r := &Rule{spec: spec}
	var err error
	if r.left, err = regexp.Compile(left); err != nil {
		return nil, fmt.Errorf("%w: rule %q left delimiter: %v", apperr.ErrConfig, spec.Name, err)
	}
	if r.right, err = regexp.Compile(right); err != nil {
		return nil, fmt.Errorf("%w: rule %q right delimiter: %v", apperr.ErrConfig, spec.Name, err)
	}

	for _, c := range spec.Content {
		if c.Pattern == "" {
			return nil, fmt.Errorf("%w: rule %q has an empty candidate", apperr.ErrConfig, spec.Name)
		}
		// Delimiters are made non-capturing so stray parentheses in the
		// candidate text cannot misalign the content group.
		m, err := regexp.Compile(left + "(" + nonCapturing(c.Pattern) + ")" + right)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q candidate %q: %v", apperr.ErrConfig, spec.Name, c.Pattern, err)
		}
		v, err := regexp.Compile("^(?:" + c.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q candidate %q: %v", apperr.ErrConfig, spec.Name, c.Pattern, err)
		}
		r.matchers = append(r.matchers, m)
		r.validators = append(r.validators, v)
	}
	return r, nil
}

// Name returns the category name the rule was built for.
func (r *Rule) Name() string { return r.spec.Name }

// Fill returns the configured zero-padding width, 0 when none.
func (r *Rule) Fill() int { return r.spec.Fill }

// Subtype reports whether the rule maps raw text to canonical labels.
func (r *Rule) Subtype() bool { return r.spec.Subtype }

// Match scans filename for the first-listed candidate whose pattern appears
// between the rule's delimiters. Content order is a priority order: the first
// listed candidate that matches wins, even when later candidates also match.
// For subtype rules the canonical label is returned instead of the raw text.
func (r *Rule) Match(filename string) (string, error) {
	for i, m := range r.matchers {
		sub := m.FindStringSubmatch(filename)
		if sub == nil {
			continue
		}
		if r.spec.Subtype {
			return r.spec.Content[i].Label, nil
		}
		return sub[1], nil
	}
	return "", fmt.Errorf("%w: rule %q found nothing in %q", apperr.ErrNoMatch, r.spec.Name, filename)
}

// Generate synthesizes a minimal filename fragment that Match resolves back
// to value. For flat rules value is the literal token; for subtype rules it
// is the canonical label and the fragment text is derived from the matching
// candidate's pattern. The round-trip is re-checked on the output; failure is
// apperr.ErrGenerationInconsistency, a rule design flaw rather than bad input.
func (r *Rule) Generate(value string) (string, error) {
	value = stripLeadingZeros(value)

	text := ""
	found := false
	for i, c := range r.spec.Content {
		if r.spec.Subtype {
			if c.Label == value {
				text = sample(c.Pattern)
				found = true
				break
			}
			continue
		}
		if r.validators[i].MatchString(value) {
			text = value
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %q matches no candidate of rule %q",
			apperr.ErrGenerationInconsistency, value, r.spec.Name)
	}

	frag := sample(r.spec.Left) + text + sample(r.spec.Right)
	got, err := r.Match(frag)
	if err != nil || got != value {
		return "", fmt.Errorf("%w: rule %q generated %q which matched back as %q",
			apperr.ErrGenerationInconsistency, r.spec.Name, frag, got)
	}
	return frag, nil
}

// nonCapturing rewrites every capturing group in expr into a non-capturing
// one. Escaped parentheses and groups that already carry a flag are kept.
func nonCapturing(expr string) string {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(expr); i++ {
		ch := expr[i]
		switch {
		case escaped:
			b.WriteByte(ch)
			escaped = false
		case ch == '\\':
			b.WriteByte(ch)
			escaped = true
		case ch == '(' && (i+1 >= len(expr) || expr[i+1] != '?'):
			b.WriteString("(?:")
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func stripLeadingZeros(s string) string {
	if !strings.HasPrefix(s, "0") {
		return s
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// Package apperr defines the sentinel errors shared across the conversion
// pipeline. Callers classify failures with errors.Is.
package apperr

import "errors"

var (
	// ErrConfig marks a malformed or missing configuration entry. Fatal for
	// the whole run.
	ErrConfig = errors.New("invalid configuration")

	// ErrNoMatch means a matching rule scanned a filename and found no
	// candidate. Expected and recoverable; the category is left unresolved.
	ErrNoMatch = errors.New("no match")

	// ErrNotNumeric means a label could not be zero-padded because its
	// remainder after prefix stripping is not an integer.
	ErrNotNumeric = errors.New("label not numeric")

	// ErrUnresolvedIdentity means the subject or data type of a file could
	// not be determined, so no destination path can be formed. Fatal for
	// that file.
	ErrUnresolvedIdentity = errors.New("unresolved subject or data type")

	// ErrGenerationInconsistency means a synthesized filename fragment failed
	// its own round-trip match. Always fatal: the rule itself is defective.
	ErrGenerationInconsistency = errors.New("generated name failed round-trip match")

	// ErrAmbiguousSampleRate means two channel metadata sources reported
	// different sampling rates for one participant.
	ErrAmbiguousSampleRate = errors.New("ambiguous sampling rate")

	// ErrMissingChannelSource means a participant with multichannel
	// recordings has no auxiliary file matching any channel rule.
	ErrMissingChannelSource = errors.New("no channel metadata source")

	// ErrMissingRequiredColumn means a separator or grouping column required
	// for segmentation is absent from every supplied trial table.
	ErrMissingRequiredColumn = errors.New("required column missing")

	// ErrOutOfBounds means a computed cut point exceeds the recording length.
	// Fatal for the participant's segmentation; nothing is written.
	ErrOutOfBounds = errors.New("cut point out of bounds")

	// ErrNonMonotonicCuts means successive cut points are not increasing.
	// Fatal for the participant's segmentation; nothing is written.
	ErrNonMonotonicCuts = errors.New("cut points not monotonic")
)

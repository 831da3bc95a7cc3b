package pattern

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/meridianlab/bidsify/internal/apperr"
)

var prefixRe = regexp.MustCompile(`^(\D{1,3})(.*)$`)

// Normalize zero-pads a numeric-like label to fill digits. A label may begin
// with up to 3 non-digit characters; that prefix is kept and only the numeric
// remainder is padded. The same function serves both matching directions so
// a matched label and a caller-supplied label pad identically.
func Normalize(value string, fill int) (string, error) {
	if fill <= 0 {
		return value, nil
	}
	prefix, rest := splitPrefix(value)
	n, err := strconv.Atoi(rest)
	if err != nil {
		return "", fmt.Errorf("%w: %q", apperr.ErrNotNumeric, value)
	}
	return fmt.Sprintf("%s%0*d", prefix, fill, n), nil
}

// Denormalize strips zero padding, returning the label as it would appear in
// a source filename. Inverse of Normalize up to the original padding width.
func Denormalize(value string) (string, error) {
	prefix, rest := splitPrefix(value)
	n, err := strconv.Atoi(rest)
	if err != nil {
		return "", fmt.Errorf("%w: %q", apperr.ErrNotNumeric, value)
	}
	return prefix + strconv.Itoa(n), nil
}

func splitPrefix(value string) (prefix, rest string) {
	if m := prefixRe.FindStringSubmatch(value); m != nil {
		return m[1], m[2]
	}
	return "", value
}

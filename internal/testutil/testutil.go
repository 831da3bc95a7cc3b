// Package testutil provides filesystem fixtures for pipeline tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates name under dir with the given content, creating parent
// directories as needed, and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// Ramp returns n samples of a deterministic per-channel signal, useful as
// recording fixture data.
func Ramp(ch, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(ch*1000 + i%50)
	}
	return out
}

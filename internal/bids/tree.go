// Package bids manages the destination dataset tree: rooted, traversal-safe
// file access, the root-level dataset artifacts, and the derived TSV files
// that accompany converted data.
package bids

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Tree is the writable BIDS dataset rooted at one directory. All paths are
// relative to the root; anything resolving outside it is rejected.
type Tree struct {
	root string
}

// NewTree creates the root directory if needed and returns the tree.
func NewTree(root string) (*Tree, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("bids: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("bids: create root: %w", err)
	}
	return &Tree{root: abs}, nil
}

// Root returns the absolute dataset root.
func (t *Tree) Root() string { return t.root }

// safePath resolves a relative path against the root and rejects any result
// that escapes it (directory traversal).
func (t *Tree) safePath(rel string) (string, error) {
	if rel == "" {
		return t.root, nil
	}
	cleaned := filepath.Clean(rel)
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("bids: absolute paths not allowed: %s", rel)
	}
	joined := filepath.Join(t.root, cleaned)
	abs, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("bids: resolve path: %w", err)
	}
	if !strings.HasPrefix(abs, t.root+string(os.PathSeparator)) && abs != t.root {
		return "", fmt.Errorf("bids: path escapes dataset root: %s", rel)
	}
	return abs, nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (t *Tree) Write(rel string, content []byte) error {
	abs, err := t.safePath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("bids: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".bidsify-tmp-*")
	if err != nil {
		return fmt.Errorf("bids: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("bids: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("bids: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bids: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("bids: rename: %w", err)
	}
	success = true
	return nil
}

// Create opens rel for direct streaming writes (EDF output seeks back into
// its header, which rules out the atomic temp-file path). The caller closes
// the returned file.
func (t *Tree) Create(rel string) (*os.File, error) {
	abs, err := t.safePath(rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("bids: mkdir: %w", err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return nil, fmt.Errorf("bids: create %s: %w", rel, err)
	}
	return f, nil
}

// Read returns the raw bytes of a dataset file.
func (t *Tree) Read(rel string) ([]byte, error) {
	abs, err := t.safePath(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("bids: read %s: %w", rel, err)
	}
	return data, nil
}

// Exists reports whether a dataset file or directory is present.
func (t *Tree) Exists(rel string) bool {
	abs, err := t.safePath(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// Abs resolves a relative dataset path for callers that hand the location
// to external tooling.
func (t *Tree) Abs(rel string) (string, error) {
	return t.safePath(rel)
}

// Print renders the dataset tree as an indented listing, one entry per
// line, directories first at each level.
func (t *Tree) Print(w io.Writer) error {
	return filepath.WalkDir(t.root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(t.root, p)
		if err != nil || rel == "." {
			return err
		}
		depth := strings.Count(rel, string(os.PathSeparator))
		_, err = fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), d.Name())
		return err
	})
}

// Subjects lists the sub-* directories at the dataset root, sorted.
func (t *Tree) Subjects() ([]string, error) {
	entries, err := os.ReadDir(t.root)
	if err != nil {
		return nil, err
	}
	var subs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "sub-") {
			subs = append(subs, e.Name())
		}
	}
	sort.Strings(subs)
	return subs, nil
}

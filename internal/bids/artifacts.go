package bids

import (
	"encoding/json"
	"fmt"
	"strings"
)

const bidsVersion = "1.6.0"

// DatasetDescription is the root dataset_description.json document. Unknown
// fields present in an existing file survive the merge.
type DatasetDescription map[string]any

// WriteDatasetDescription creates or updates dataset_description.json.
// Existing fields keep their values; Name and BIDSVersion are filled in only
// when absent so a curated description is never clobbered.
func (t *Tree) WriteDatasetDescription(name string) error {
	desc := DatasetDescription{}
	if raw, err := t.Read("dataset_description.json"); err == nil {
		if err := json.Unmarshal(raw, &desc); err != nil {
			return fmt.Errorf("bids: existing dataset_description.json: %w", err)
		}
	}
	if _, ok := desc["Name"]; !ok {
		desc["Name"] = name
	}
	if _, ok := desc["BIDSVersion"]; !ok {
		desc["BIDSVersion"] = bidsVersion
	}

	raw, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return err
	}
	return t.Write("dataset_description.json", append(raw, '\n'))
}

// WriteREADME creates the root README when none exists.
func (t *Tree) WriteREADME(content string) error {
	if t.Exists("README") {
		return nil
	}
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return t.Write("README", []byte(content))
}

// Ignore appends a pattern to .bidsignore unless it is already listed.
func (t *Tree) Ignore(pattern string) error {
	var lines []string
	if raw, err := t.Read(".bidsignore"); err == nil {
		lines = strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
		for _, l := range lines {
			if l == pattern {
				return nil
			}
		}
	}
	lines = append(lines, pattern)
	return t.Write(".bidsignore", []byte(strings.Join(lines, "\n")+"\n"))
}

// WriteJSON marshals v into a dataset file with stable indentation. Used for
// the configured extra JSON files and the per-segment sidecars.
func (t *Tree) WriteJSON(rel string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("bids: marshal %s: %w", rel, err)
	}
	return t.Write(rel, append(raw, '\n'))
}

package events

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
)

// StimResolver maps stimulus names recorded in trial tables to audio files in
// a stimuli directory, and caches the duration of each file it resolves.
type StimResolver struct {
	dir       string
	files     []string
	durations map[string]float64
}

// NewStimResolver lists dir once. A missing directory is not an error: every
// lookup then fails with os.ErrNotExist, which callers report per stimulus.
func NewStimResolver(dir string) (*StimResolver, error) {
	r := &StimResolver{dir: dir, durations: make(map[string]float64)}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("stimuli directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			r.files = append(r.files, e.Name())
		}
	}
	return r, nil
}

// Resolve finds the file for a stimulus name. Lookup order: exact filename,
// name with a .wav extension appended, then the first file whose lowercased
// name contains the lowercased stimulus name.
func (r *StimResolver) Resolve(name string) (string, error) {
	for _, f := range r.files {
		if f == name {
			return f, nil
		}
	}
	withExt := name + ".wav"
	for _, f := range r.files {
		if f == withExt {
			return f, nil
		}
	}
	lower := strings.ToLower(name)
	for _, f := range r.files {
		if strings.Contains(strings.ToLower(f), lower) {
			return f, nil
		}
	}
	return "", fmt.Errorf("stimulus %q: %w", name, os.ErrNotExist)
}

// Duration returns the length in seconds of a resolved stimulus file. The
// duration is audio frames over sample rate, counted from the PCM data
// chunk; the decoder's own Duration divides the whole RIFF container size by
// the byte rate and overstates by the header's worth of bytes.
func (r *StimResolver) Duration(file string) (float64, error) {
	if d, ok := r.durations[file]; ok {
		return d, nil
	}
	f, err := os.Open(filepath.Join(r.dir, file))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		return 0, fmt.Errorf("stimulus %q: %w", file, err)
	}
	frame := int64(dec.NumChans) * int64(dec.BitDepth/8)
	if frame == 0 || dec.SampleRate == 0 {
		return 0, fmt.Errorf("stimulus %q: malformed wav header", file)
	}
	sec := float64(dec.PCMLen()/frame) / float64(dec.SampleRate)
	r.durations[file] = sec
	return sec, nil
}

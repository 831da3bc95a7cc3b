package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/meridianlab/bidsify/internal/apperr"
	"github.com/meridianlab/bidsify/internal/bids"
	"github.com/meridianlab/bidsify/internal/channels"
	"github.com/meridianlab/bidsify/internal/checksum"
	"github.com/meridianlab/bidsify/internal/events"
	"github.com/meridianlab/bidsify/internal/imaging"
	"github.com/meridianlab/bidsify/internal/manifest"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/naming"
	"github.com/meridianlab/bidsify/internal/pattern"
	"github.com/meridianlab/bidsify/internal/recording"
	"github.com/meridianlab/bidsify/internal/segment"
	"github.com/meridianlab/bidsify/internal/table"
)

// fileKind classifies one source file.
type fileKind int

const (
	kindSkip fileKind = iota
	kindChannelTable
	kindHeaderFile
	kindCoordinates
	kindRecording
	kindImaging
	kindTrialTable
)

// session is the state of one conversion pass over the source tree.
type session struct {
	cfg      *Config
	gen      *naming.Generator
	tree     *bids.Tree
	man      *manifest.DB
	resolver *channels.Resolver
	stims    *events.StimResolver
	log      *slog.Logger

	sourceDir  string
	overwrite  bool
	correction float64 // stimulus duration correction, seconds
}

// participantFiles buckets one participant's classified source files.
type participantFiles struct {
	aux        []string // channel tables and header token files
	coords     []string
	recordings []string
	imaging    []string
}

// channelInfo pairs the resolved channel profile with its metadata table.
type channelInfo struct {
	profile *models.ChannelProfile
	meta    *table.Table
}

// runEvents is one reconstructed run of a participant.
type runEvents struct {
	label  string // normalized run label, may be empty
	table  *models.EventTable
	labels models.Labels // synthesized from the grouping row
}

// fatal reports whether err is a setup or rule design flaw that must abort
// the whole conversion rather than just the current file.
func fatal(err error) bool {
	return errors.Is(err, apperr.ErrConfig) || errors.Is(err, apperr.ErrGenerationInconsistency)
}

// convert runs one full pass: classify the source tree, resolve channel
// profiles, rebuild event timelines, then emit every participant's output.
// Per-file failures are logged and skipped; fatal errors abort.
func (s *session) convert(ctx context.Context) error {
	parts := make(map[string]*participantFiles)
	var tables []string

	err := filepath.WalkDir(s.sourceDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch kind := s.classify(d.Name()); kind {
		case kindSkip:
			if s.inDataFormat(d.Name()) {
				s.log.Warn("unrecognized file skipped", slog.String("file", d.Name()))
			} else {
				s.log.Debug("file outside configured formats", slog.String("file", d.Name()))
			}
		case kindTrialTable:
			tables = append(tables, p)
		default:
			sub, err := s.subject(d.Name())
			if err != nil {
				s.log.Warn("no subject label in filename", slog.String("file", d.Name()))
				return nil
			}
			pf := parts[sub]
			if pf == nil {
				pf = &participantFiles{}
				parts[sub] = pf
			}
			switch kind {
			case kindChannelTable, kindHeaderFile:
				pf.aux = append(pf.aux, p)
			case kindCoordinates:
				pf.coords = append(pf.coords, p)
			case kindRecording:
				pf.recordings = append(pf.recordings, p)
			case kindImaging:
				pf.imaging = append(pf.imaging, p)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan source dir: %w", err)
	}

	subjects := make([]string, 0, len(parts))
	for sub := range parts {
		subjects = append(subjects, sub)
	}
	sort.Strings(subjects)

	// Channel profiles come first: event building needs the recording
	// sample rate to place the sample column.
	chans := make(map[string]*channelInfo)
	for _, sub := range subjects {
		pf := parts[sub]
		if len(pf.recordings) == 0 {
			continue
		}
		profile, meta, err := s.resolver.Resolve(sub, pf.aux)
		if err != nil {
			if fatal(err) {
				return err
			}
			s.log.Error("channel resolution failed",
				slog.String("subject", sub), slog.String("error", err.Error()))
			continue
		}
		chans[sub] = &channelInfo{profile: profile, meta: meta}
	}

	evBySub, err := s.buildEvents(tables, chans)
	if err != nil {
		return err
	}

	for _, sub := range subjects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.participant(sub, parts[sub], chans[sub], evBySub[sub]); err != nil {
			if fatal(err) {
				return err
			}
			s.log.Error("participant failed",
				slog.String("subject", sub), slog.String("error", err.Error()))
		}
	}

	// Participants that appear only in trial tables still get their event
	// timelines written.
	only := make([]string, 0)
	for sub := range evBySub {
		if _, seen := parts[sub]; !seen {
			only = append(only, sub)
		}
	}
	sort.Strings(only)
	for _, sub := range only {
		if err := s.writeStandaloneEvents(evBySub[sub]); err != nil {
			if fatal(err) {
				return err
			}
			s.log.Error("events output failed",
				slog.String("subject", sub), slog.String("error", err.Error()))
		}
	}

	return s.pruneManifest()
}

// pruneManifest drops manifest rows whose source file disappeared, so a
// renamed or removed recording is re-converted rather than skipped when it
// reappears with an old checksum.
func (s *session) pruneManifest() error {
	sums, err := s.man.AllChecksums()
	if err != nil {
		return err
	}
	for p := range sums {
		if _, err := os.Stat(p); !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := s.man.Delete(p); err != nil {
			return err
		}
		s.log.Debug("manifest entry pruned", slog.String("path", p))
	}
	return nil
}

// classify decides what a source file is from its name alone. Auxiliary
// fragments take precedence over extension checks so a channel table named
// electrodes.csv is not mistaken for trial metadata.
func (s *session) classify(name string) fileKind {
	for frag := range s.cfg.IEEG.Channels {
		if frag != "" && strings.Contains(name, frag) {
			return kindChannelTable
		}
	}
	for _, frag := range s.cfg.IEEG.HeaderData {
		if frag != "" && strings.Contains(name, frag) {
			return kindHeaderFile
		}
	}
	if s.cfg.Coordsystem != "" && strings.Contains(name, s.cfg.Coordsystem) {
		return kindCoordinates
	}
	if strings.HasSuffix(name, ".edf") || strings.HasSuffix(name, ".edf.gz") {
		return kindRecording
	}
	if s.cfg.IEEG.Binary != "" && strings.Contains(name, s.cfg.IEEG.Binary) {
		return kindRecording
	}
	if strings.HasSuffix(name, ".nii") || strings.HasSuffix(name, ".nii.gz") {
		return kindImaging
	}
	if s.cfg.EventFormat.Enabled() {
		switch strings.ToLower(filepath.Ext(name)) {
		case ".csv", ".tsv", ".xlsx", ".mat":
			return kindTrialTable
		}
	}
	return kindSkip
}

func (s *session) inDataFormat(name string) bool {
	for _, ext := range s.cfg.DataFormat {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// subject extracts the normalized participant label from a filename.
func (s *session) subject(name string) (string, error) {
	m, err := s.gen.Part.Match(name)
	if err != nil {
		return "", err
	}
	return pattern.Normalize(m, s.gen.Part.Fill())
}

// ruleFor maps a configuration category name to its compiled rule.
func (s *session) ruleFor(cat string) *pattern.Rule {
	switch cat {
	case "partLabel":
		return s.gen.Part
	case "sessLabel":
		return s.gen.Sess
	case "runIndex":
		return s.gen.Run
	case "task":
		return s.gen.Task
	case "acq":
		return s.gen.Acq
	case "ce":
		return s.gen.Ce
	case "echo":
		return s.gen.Echo
	case "pulseSequenceType":
		return s.gen.Seq
	}
	return nil
}

// buildEvents reads every trial metadata table, splits it into per-run
// groups over the IDcol and separator columns, and rebuilds each group's
// event timeline. Results are keyed by normalized subject label.
func (s *session) buildEvents(tables []string, chans map[string]*channelInfo) (map[string][]runEvents, error) {
	out := make(map[string][]runEvents)
	if !s.cfg.EventFormat.Enabled() {
		return out, nil
	}
	ef := s.cfg.EventFormat

	sepCats := make([]string, 0, len(ef.Sep))
	for cat := range ef.Sep {
		sepCats = append(sepCats, cat)
	}
	sort.Strings(sepCats)

	// A single unusable table is logged and skipped; when every supplied
	// table is unusable the pass has no events at all, which is an error,
	// not a quiet no-op.
	var rejected []error
	accepted := 0
	for _, p := range tables {
		t, err := table.ReadFile(p)
		if err != nil {
			s.log.Error("trial table unreadable",
				slog.String("file", filepath.Base(p)), slog.String("error", err.Error()))
			rejected = append(rejected, fmt.Errorf("%s: %w", filepath.Base(p), err))
			continue
		}
		required := append([]string{ef.IDcol}, sepColumns(ef.Sep, sepCats)...)
		if err := events.RequireColumns(t, required...); err != nil {
			s.log.Error("trial table rejected",
				slog.String("file", filepath.Base(p)), slog.String("error", err.Error()))
			rejected = append(rejected, fmt.Errorf("%s: %w", filepath.Base(p), err))
			continue
		}
		accepted++

		groups, order, firstRow := groupRows(t, required)
		for _, key := range order {
			sub := groups[key]
			row := firstRow[key]

			synth, err := s.matchName(t, row, sepCats)
			if err != nil {
				if fatal(err) {
					return nil, err
				}
				s.log.Error("run name synthesis failed",
					slog.String("file", filepath.Base(p)), slog.String("error", err.Error()))
				continue
			}
			res, err := s.gen.GenerateName(synth, models.Labels{})
			if err != nil {
				if fatal(err) {
					return nil, err
				}
				s.log.Error("run naming failed",
					slog.String("name", synth), slog.String("error", err.Error()))
				continue
			}

			rate := 0.0
			if ci := chans[res.Labels.Subject]; ci != nil {
				rate = ci.profile.SampleRate
			}
			b := events.Builder{
				MetadataRate:    ef.SampleRate,
				RecordingRate:   rate,
				Stims:           s.stims,
				AudioCorrection: s.correction,
			}
			evt, err := b.Build(sub, ef.Events)
			if err != nil {
				s.log.Error("event build failed",
					slog.String("run", res.Name), slog.String("error", err.Error()))
				continue
			}
			out[res.Labels.Subject] = append(out[res.Labels.Subject], runEvents{
				label:  res.Labels.Run,
				table:  evt,
				labels: res.Labels,
			})
		}
	}

	if accepted == 0 && len(rejected) > 0 {
		return nil, fmt.Errorf("no usable trial tables: %w", errors.Join(rejected...))
	}

	for _, runs := range out {
		sort.SliceStable(runs, func(i, j int) bool { return runs[i].label < runs[j].label })
	}
	return out, nil
}

func sepColumns(sep map[string]string, cats []string) []string {
	cols := make([]string, 0, len(cats))
	for _, cat := range cats {
		cols = append(cols, sep[cat])
	}
	return cols
}

// groupRows splits a table into subtables over the values of the key
// columns, preserving first-appearance order.
func groupRows(t *table.Table, keyCols []string) (map[string]*table.Table, []string, map[string]int) {
	groups := make(map[string]*table.Table)
	firstRow := make(map[string]int)
	var order []string

	for row := 0; row < t.Len(); row++ {
		var key strings.Builder
		for _, col := range keyCols {
			key.WriteString(t.At(row, col).Render())
			key.WriteByte('\x00')
		}
		k := key.String()
		g := groups[k]
		if g == nil {
			g = table.New(t.Columns()...)
			groups[k] = g
			firstRow[k] = row
			order = append(order, k)
		}
		cells := make([]table.Value, 0, len(t.Columns()))
		for _, col := range t.Columns() {
			cells = append(cells, t.At(row, col))
		}
		g.AppendRow(cells...)
	}
	return groups, order, firstRow
}

// matchName synthesizes a filename fragment from a trial table row that the
// generator resolves to the same labels a recording of that run would get.
func (s *session) matchName(t *table.Table, row int, sepCats []string) (string, error) {
	frags := make([]string, 0, len(sepCats)+2)

	idVal := t.At(row, s.cfg.EventFormat.IDcol).Render()
	frag, err := s.gen.Part.Generate(idVal)
	if err != nil {
		return "", err
	}
	frags = append(frags, frag)

	for _, cat := range sepCats {
		r := s.ruleFor(cat)
		if r == nil {
			return "", fmt.Errorf("%w: eventFormat.Sep names unknown or disabled category %q",
				apperr.ErrConfig, cat)
		}
		frag, err := r.Generate(t.At(row, s.cfg.EventFormat.Sep[cat]).Render())
		if err != nil {
			return "", err
		}
		frags = append(frags, frag)
	}

	ieegFrag, err := s.ieegFragment()
	if err != nil {
		return "", err
	}
	return strings.Join(append(frags, ieegFrag), "_"), nil
}

// ieegFragment realizes a token the ieeg data type rule matches, so the
// synthesized name lands in the ieeg modality.
func (s *session) ieegFragment() (string, error) {
	for _, r := range s.gen.DataTypes {
		if r.Name() == "ieeg" {
			return r.Generate(s.cfg.IEEG.Content[0].Label)
		}
	}
	return "", fmt.Errorf("%w: eventFormat requires the ieeg rule", apperr.ErrConfig)
}

// participant emits everything for one subject: recordings with their
// segments and sidecars, imaging transfers, electrode coordinates, and
// standalone event timelines when no recording carries them.
func (s *session) participant(sub string, pf *participantFiles, ci *channelInfo, runs []runEvents) error {
	if len(pf.recordings) == 0 && len(runs) > 0 {
		if err := s.writeStandaloneEvents(runs); err != nil {
			return err
		}
	}
	for _, rec := range pf.recordings {
		if err := s.processRecording(rec, ci, runs); err != nil {
			if fatal(err) {
				return err
			}
			s.log.Error("recording failed",
				slog.String("file", filepath.Base(rec)), slog.String("error", err.Error()))
		}
	}
	for _, img := range pf.imaging {
		if err := s.transferImaging(img); err != nil {
			if fatal(err) {
				return err
			}
			s.log.Error("imaging transfer failed",
				slog.String("file", filepath.Base(img)), slog.String("error", err.Error()))
		}
	}
	for _, c := range pf.coords {
		if err := s.writeCoordinates(sub, c); err != nil {
			s.log.Error("electrode coordinates failed",
				slog.String("file", filepath.Base(c)), slog.String("error", err.Error()))
		}
	}
	return nil
}

// processRecording reads one continuous recording, cuts it into run
// segments, and writes each segment's EDF and sidecars.
func (s *session) processRecording(p string, ci *channelInfo, runs []runEvents) error {
	base := filepath.Base(p)
	if ci == nil {
		return fmt.Errorf("%s: %w", base, apperr.ErrMissingChannelSource)
	}

	sum, err := checksum.File(p)
	if err != nil {
		return err
	}
	skip, err := s.man.Skip(p, sum, s.overwrite)
	if err != nil {
		return err
	}
	if skip {
		s.log.Debug("recording unchanged, skipping", slog.String("file", base))
		return nil
	}

	res, err := s.gen.GenerateName(base, models.Labels{})
	if err != nil {
		return err
	}

	var rec *models.Recording
	if s.cfg.IEEG.Binary != "" && strings.Contains(base, s.cfg.IEEG.Binary) {
		rec, err = recording.ReadBinary(p, ci.profile.Labels, s.cfg.IEEG.BinaryEncoding,
			ci.profile.SampleRate, ci.profile.Trigger)
	} else {
		rec, err = recording.ReadEDF(p, ci.profile.Trigger)
	}
	if err != nil {
		return err
	}
	dropDigital(rec, s.cfg.IEEG.Digital)

	segRuns := make([]segment.Run, 0, len(runs))
	for _, r := range runs {
		segRuns = append(segRuns, segment.Run{Label: r.label, Events: r.table})
	}
	segs, err := segment.Plan(segRuns, rec.Samples(), rec.SampleRate, s.cfg.Split.Practice)
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		// No event timelines: the whole recording is a single block.
		segs = []models.Segment{{Cut: models.CutPoint{Start: 0, End: rec.Samples()}}}
	}
	if err := segment.Split(rec, segs); err != nil {
		return err
	}

	practice := false
	for _, seg := range segs {
		if err := s.writeSegment(res, rec, seg, ci.meta); err != nil {
			return err
		}
		if seg.Practice {
			practice = true
		}
	}
	if practice {
		if err := s.tree.Ignore("*practice*"); err != nil {
			return err
		}
	}

	// Drop the sample array before the next recording is read.
	rec.Data = nil

	return s.man.Upsert(manifest.Entry{Path: p, Checksum: sum, Dest: res.Name})
}

// dropDigital removes digital acquisition lines from a recording. The
// resolved trigger was already relabeled at read time, so only the remaining
// sync lines go. They are not electrode signals and are not published.
func dropDigital(rec *models.Recording, digital []string) {
	if len(digital) == 0 {
		return
	}
	drop := make(map[string]bool, len(digital))
	for _, d := range digital {
		drop[strings.ReplaceAll(d, " ", "")] = true
	}
	labels := rec.Labels[:0]
	data := rec.Data[:0]
	for i, l := range rec.Labels {
		if drop[l] {
			continue
		}
		labels = append(labels, l)
		data = append(data, rec.Data[i])
	}
	rec.Labels = labels
	rec.Data = data
}

// writeSegment emits one block: EDF data file, events.tsv, channels.tsv and
// the JSON sidecar. Practice blocks land under a practice/ prefix.
func (s *session) writeSegment(res naming.Result, rec *models.Recording, seg models.Segment, meta *table.Table) error {
	known := res.Labels
	known.Run = seg.Run
	if seg.Practice {
		known.Run = ""
	}
	segRes, err := s.gen.GenerateName("", known)
	if err != nil {
		return err
	}
	dir := segRes.Dir
	if seg.Practice {
		dir = path.Join("practice", segRes.Dir)
	}

	f, err := s.tree.Create(path.Join(dir, segRes.Name+".edf"))
	if err != nil {
		return err
	}
	if err := segment.WriteEDF(f, seg.Data, rec.Labels, rec.SampleRate, rec.Header); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if seg.Events != nil {
		evKnown := segRes.Labels
		evKnown.Suffix = "events"
		evRes, err := s.gen.GenerateName("", evKnown)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := segment.WriteEventsTSV(&buf, seg.Events); err != nil {
			return err
		}
		if err := s.tree.Write(path.Join(dir, evRes.Name+".tsv"), buf.Bytes()); err != nil {
			return err
		}
	}

	chKnown := segRes.Labels
	chKnown.Suffix = "channels"
	chRes, err := s.gen.GenerateName("", chKnown)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := segment.WriteChannelsTSV(&buf, s.channelMeta(meta, rec.Labels), s.cfg.IEEG.Type, s.cfg.IEEG.Units); err != nil {
		return err
	}
	if err := s.tree.Write(path.Join(dir, chRes.Name+".tsv"), buf.Bytes()); err != nil {
		return err
	}

	duration := float64(seg.Cut.End-seg.Cut.Start) / rec.SampleRate
	sc, err := segment.NewIEEGSidecar(segRes.Labels.Task, s.cfg.Institution, s.cfg.IEEG.Type,
		rec.Labels, rec.SampleRate, duration)
	if err != nil {
		return err
	}
	buf.Reset()
	if err := sc.WriteJSON(&buf); err != nil {
		return err
	}
	return s.tree.Write(path.Join(dir, segRes.Name+".json"), buf.Bytes())
}

// channelMeta falls back to a name-only table built from the recording's
// labels when no auxiliary channel table supplied metadata.
func (s *session) channelMeta(meta *table.Table, labels []string) *table.Table {
	if meta != nil {
		return meta
	}
	t := table.New("name")
	for _, l := range labels {
		if l == "Trigger" {
			continue
		}
		t.AppendRow(table.Str(l))
	}
	return t
}

// writeStandaloneEvents emits events.tsv files for runs that have no
// recording to attach to.
func (s *session) writeStandaloneEvents(runs []runEvents) error {
	for _, r := range runs {
		known := r.labels
		known.Suffix = "events"
		res, err := s.gen.GenerateName("", known)
		if err != nil {
			return err
		}
		var buf bytes.Buffer
		if err := segment.WriteEventsTSV(&buf, r.table); err != nil {
			return err
		}
		if err := s.tree.Write(path.Join(res.Dir, res.Name+".tsv"), buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// transferImaging copies one NIfTI volume into the tree, compressing per
// configuration. Already-compressed sources are copied as-is.
func (s *session) transferImaging(p string) error {
	base := filepath.Base(p)

	sum, err := checksum.File(p)
	if err != nil {
		return err
	}
	skip, err := s.man.Skip(p, sum, s.overwrite)
	if err != nil {
		return err
	}
	if skip {
		s.log.Debug("volume unchanged, skipping", slog.String("file", base))
		return nil
	}

	res, err := s.gen.GenerateName(base, models.Labels{})
	if err != nil {
		return err
	}
	gz := strings.HasSuffix(base, ".gz")
	ext := ".nii"
	if gz || s.cfg.Compress {
		ext = ".nii.gz"
	}
	dest := path.Join(res.Dir, res.Name+ext)
	abs, err := s.tree.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if err := imaging.Transfer(p, abs, s.cfg.Compress && !gz, s.cfg.CompressLevel); err != nil {
		return err
	}
	return s.man.Upsert(manifest.Entry{Path: p, Checksum: sum, Dest: res.Name})
}

// writeCoordinates converts one electrode coordinate text file into the
// subject's electrodes.tsv, mirrored into modality dirs that carried eeg
// output this pass.
func (s *session) writeCoordinates(sub, p string) error {
	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	els, err := bids.ParseElectrodes(raw)
	if err != nil {
		return err
	}
	var eegDirs []string
	if s.gen.Observed.Seen("ieeg") {
		eegDirs = append(eegDirs, "ieeg")
	}
	return s.tree.WriteElectrodes(sub, els, eegDirs)
}

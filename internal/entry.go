// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/meridianlab/bidsify/internal/bids"
	"github.com/meridianlab/bidsify/internal/channels"
	"github.com/meridianlab/bidsify/internal/events"
	"github.com/meridianlab/bidsify/internal/imaging"
	"github.com/meridianlab/bidsify/internal/manifest"
	"github.com/meridianlab/bidsify/internal/models"
	"github.com/meridianlab/bidsify/internal/naming"
	"github.com/meridianlab/bidsify/internal/pattern"
)

// Run starts a conversion with the given options. In watch mode it keeps
// running until the context is cancelled or a shutdown signal arrives,
// re-converting whenever the source tree changes.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return fmt.Errorf("config is required")
	}
	if app.sourceDir == "" {
		return fmt.Errorf("source directory is required")
	}
	if app.outputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("source_dir", app.sourceDir),
		slog.String("output_dir", app.outputDir),
		slog.String("log_level", cfg.LogLevel.String()))

	gen, err := cfg.Generator()
	if err != nil {
		return fmt.Errorf("compile rules: %w", err)
	}

	tree, err := bids.NewTree(app.outputDir)
	if err != nil {
		return fmt.Errorf("init output tree: %w", err)
	}
	if err := writeRootArtifacts(tree, cfg, app.outputDir); err != nil {
		return err
	}

	db, err := manifest.Open(filepath.Join(app.outputDir, ".bidsify.db"))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer db.Close()

	var stims *events.StimResolver
	correction := 0.0
	if app.stimDir != "" {
		stims, err = events.NewStimResolver(app.stimDir)
		if err != nil {
			return fmt.Errorf("stimuli dir: %w", err)
		}
		if err := copyStimuli(tree, app.stimDir); err != nil {
			return fmt.Errorf("copy stimuli: %w", err)
		}
		correction, err = loadCorrection(app.stimDir, cfg.EventFormat.AudioCorrection)
		if err != nil {
			return fmt.Errorf("audio correction: %w", err)
		}
	}

	s := &session{
		cfg:        cfg,
		gen:        gen,
		tree:       tree,
		man:        db,
		resolver:   channels.NewResolver(cfg.ChannelSources()),
		stims:      stims,
		log:        logger,
		sourceDir:  app.sourceDir,
		overwrite:  app.overwrite,
		correction: correction,
	}

	pass := func(ctx context.Context) error {
		if app.dicomDir != "" {
			if err := s.convertDICOM(ctx, app.dicomDir, app.multiEcho); err != nil {
				return err
			}
		}
		if err := s.convert(ctx); err != nil {
			return err
		}
		if app.verbose {
			return tree.Print(os.Stdout)
		}
		return nil
	}

	passDone := func() {
		subs, err := tree.Subjects()
		if err != nil {
			logger.Info("Conversion pass complete")
			return
		}
		logger.Info("Conversion pass complete", slog.Int("subjects", len(subs)))
	}

	if err := pass(ctx); err != nil {
		logger.Error("conversion failed", slog.String("error", err.Error()))
		return err
	}
	passDone()

	if !app.watch {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watchSource(gCtx, app.sourceDir, logger, func() {
			if err := pass(gCtx); err != nil {
				logger.Error("conversion failed", slog.String("error", err.Error()))
				return
			}
			passDone()
		})
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
			return context.Canceled
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Watcher stopped")
	return nil
}

// writeRootArtifacts emits the dataset-level files. Existing descriptions
// are merged, not clobbered.
func writeRootArtifacts(tree *bids.Tree, cfg *Config, outputDir string) error {
	if err := tree.WriteDatasetDescription(filepath.Base(outputDir)); err != nil {
		return err
	}
	if err := tree.WriteREADME("Converted with bidsify.\n"); err != nil {
		return err
	}
	if err := tree.Ignore("*_CT.*"); err != nil {
		return err
	}
	for name, doc := range cfg.JSONFiles {
		if err := tree.WriteJSON(name, doc); err != nil {
			return err
		}
	}
	return nil
}

// copyStimuli mirrors the stimulus directory into stimuli/ at the output
// root, as event stim_file values are relative to it.
func copyStimuli(tree *bids.Tree, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		if err := tree.Write(path.Join("stimuli", e.Name()), raw); err != nil {
			return err
		}
	}
	return nil
}

// loadCorrection reads the stimulus duration correction, in seconds, from
// the file in dir whose name contains fragment. An empty fragment means no
// correction.
func loadCorrection(dir, fragment string) (float64, error) {
	if fragment == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.Contains(e.Name(), fragment) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return 0, err
		}
		fields := strings.Fields(string(raw))
		if len(fields) == 0 {
			return 0, fmt.Errorf("correction file %s is empty", e.Name())
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, fmt.Errorf("correction file %s: %w", e.Name(), err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("no file matching %q in %s", fragment, dir)
}

// convertDICOM runs dcm2niix over every scan session directory, writing
// volumes into sourcedata/ so the batch walk does not pick them up as
// source recordings.
func (s *session) convertDICOM(ctx context.Context, dicomDir string, multiEcho bool) error {
	entries, err := os.ReadDir(dicomDir)
	if err != nil {
		return fmt.Errorf("read dicom dir: %w", err)
	}

	meRuns, err := imaging.MultiEchoRuns(filepath.Join(dicomDir, "medata"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	conv := &imaging.Converter{Binary: "dcm2niix"}
	converted := make(map[string]bool)
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "medata" {
			continue
		}
		scanDir := filepath.Join(dicomDir, e.Name())

		first, err := firstRegularFile(scanDir)
		if err != nil {
			s.log.Warn("empty scan directory", slog.String("dir", e.Name()))
			continue
		}
		id, err := imaging.PatientID(first)
		if err != nil {
			s.log.Error("dicom patient id", slog.String("dir", e.Name()), slog.String("error", err.Error()))
			continue
		}
		scanNum, err := imaging.ScanNumber(scanDir)
		if err != nil {
			s.log.Error("scan number", slog.String("dir", e.Name()), slog.String("error", err.Error()))
			continue
		}

		me := multiEcho || containsRun(meRuns, scanNum)

		outDir, err := s.tree.Abs(path.Join("sourcedata", "sub-"+id))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
		if err := conv.ConvertScan(ctx, scanDir, outDir, id, scanNum, me); err != nil {
			s.log.Error("dcm2niix failed", slog.String("dir", e.Name()), slog.String("error", err.Error()))
			continue
		}
		converted[outDir] = true
	}

	dirs := make([]string, 0, len(converted))
	for d := range converted {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		if err := s.ingestVolumes(d); err != nil {
			return fmt.Errorf("ingest %s: %w", d, err)
		}
	}
	return nil
}

// ingestVolumes routes converted volumes from a sourcedata scan directory
// into their subject folders, resolving names the same way recording files
// are resolved. The sourcedata copy stays behind as provenance.
func (s *session) ingestVolumes(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".nii") && !strings.HasSuffix(name, ".nii.gz")) {
			continue
		}
		res, err := s.gen.GenerateName(name, models.Labels{})
		if err != nil {
			s.log.Warn("converted volume not ingested",
				slog.String("file", name), slog.String("error", err.Error()))
			continue
		}
		gz := strings.HasSuffix(name, ".gz")
		ext := ".nii"
		if gz || s.cfg.Compress {
			ext = ".nii.gz"
		}
		abs, err := s.tree.Abs(path.Join(res.Dir, res.Name+ext))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		if err := imaging.Transfer(filepath.Join(dir, name), abs, s.cfg.Compress && !gz, s.cfg.CompressLevel); err != nil {
			return err
		}
		if err := s.mergeScanSidecar(dir, name, res); err != nil {
			return err
		}
		s.log.Info("volume ingested", slog.String("file", name), slog.String("dest", res.Name+ext))
	}
	return nil
}

// mergeScanSidecar places the dcm2niix acquisition sidecar next to the
// ingested volume. Functional runs get the configured repetition and delay
// times folded in, since dcm2niix cannot recover a sparse-acquisition delay
// from the DICOM headers.
func (s *session) mergeScanSidecar(dir, volume string, res naming.Result) error {
	base := strings.TrimSuffix(strings.TrimSuffix(volume, ".gz"), ".nii")
	raw, err := os.ReadFile(filepath.Join(dir, base+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	meta := make(map[string]any)
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("sidecar %s: %w", base+".json", err)
	}
	if res.Labels.DataType == "func" {
		if s.cfg.RepetitionTime > 0 {
			meta["RepetitionTime"] = s.cfg.RepetitionTime
		}
		if s.cfg.DelayTime > 0 {
			meta["DelayTime"] = s.cfg.DelayTime
		}
	}
	return s.tree.WriteJSON(path.Join(res.Dir, res.Name+".json"), meta)
}

func firstRegularFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("no files in %s", dir)
}

// containsRun matches a zero-padded scan number against the stripped run
// numbers found in the multi-echo metadata directory.
func containsRun(runs []string, scanNum string) bool {
	stripped, err := pattern.Denormalize(scanNum)
	if err != nil {
		stripped = scanNum
	}
	for _, r := range runs {
		if r == stripped {
			return true
		}
	}
	return false
}

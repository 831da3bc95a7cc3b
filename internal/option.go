package internal

// Option is a functional option for configuring the conversion run.
type Option func(*application)

type application struct {
	config    *Config
	sourceDir string
	outputDir string
	dicomDir  string
	stimDir   string
	multiEcho bool
	overwrite bool
	watch     bool
	verbose   bool
}

// WithConfig sets the conversion configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithSourceDir sets the directory holding the source recordings.
func WithSourceDir(dir string) Option {
	return func(a *application) {
		a.sourceDir = dir
	}
}

// WithOutputDir sets the destination root of the converted dataset.
func WithOutputDir(dir string) Option {
	return func(a *application) {
		a.outputDir = dir
	}
}

// WithDICOMDir sets the directory holding raw DICOM scan sessions.
func WithDICOMDir(dir string) Option {
	return func(a *application) {
		a.dicomDir = dir
	}
}

// WithStimuliDir sets the directory holding stimulus audio files.
func WithStimuliDir(dir string) Option {
	return func(a *application) {
		a.stimDir = dir
	}
}

// WithMultiEcho marks DICOM sessions as multi-echo acquisitions.
func WithMultiEcho(on bool) Option {
	return func(a *application) {
		a.multiEcho = on
	}
}

// WithOverwrite re-converts sources even when the manifest says they are
// unchanged.
func WithOverwrite(on bool) Option {
	return func(a *application) {
		a.overwrite = on
	}
}

// WithWatch keeps the process alive and re-runs the conversion when the
// source tree changes.
func WithWatch(on bool) Option {
	return func(a *application) {
		a.watch = on
	}
}

// WithVerbose prints the destination tree after each conversion pass.
func WithVerbose(on bool) Option {
	return func(a *application) {
		a.verbose = on
	}
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/meridianlab/bidsify/internal"
	pkgconfig "github.com/meridianlab/bidsify/pkg/config"
)

func run(ctx context.Context, cmd *cli.Command) error {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
		internal.WithSourceDir(cmd.String("input")),
		internal.WithOutputDir(cmd.String("output")),
		internal.WithDICOMDir(cmd.String("dicom")),
		internal.WithStimuliDir(cmd.String("stimuli")),
		internal.WithMultiEcho(cmd.Bool("multi-echo")),
		internal.WithOverwrite(cmd.Bool("overwrite")),
		internal.WithWatch(cmd.Bool("watch")),
		internal.WithVerbose(cmd.Bool("verbose")),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("conversion error: %w", err)
	}
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:   "bidsify",
		Usage:  "Convert raw neuroscience recordings into a BIDS dataset",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config/config.yaml",
				Sources: cli.EnvVars("BIDSIFY_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Directory holding the source recordings",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "Destination root of the BIDS dataset",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "dicom",
				Usage: "Directory holding raw DICOM scan sessions",
			},
			&cli.StringFlag{
				Name:  "stimuli",
				Usage: "Directory holding stimulus audio files",
			},
			&cli.BoolFlag{
				Name:  "multi-echo",
				Usage: "Treat all DICOM sessions as multi-echo acquisitions",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Re-convert sources even when unchanged",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep running and re-convert when the source tree changes",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Print the destination tree after each pass",
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

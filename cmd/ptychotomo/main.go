// Command ptychotomo reconstructs a 3D refractive-index volume from
// ptychographic diffraction measurements collected at multiple rotation
// angles and probe positions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ptychotomo/pkg/comm"
	"ptychotomo/pkg/config"
	"ptychotomo/pkg/dataset"
	"ptychotomo/pkg/recon"
	"ptychotomo/pkg/store"
)

var (
	// Global flags
	configPath string
	verbose    bool
	resumeFrom int

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ptychotomo",
	Short: "Multislice ptychographic X-ray tomography reconstruction",
	Long: `ptychotomo reconstructs a 3D complex refractive-index volume
(delta and beta channels) from diffraction patterns measured at multiple
rotation angles and probe positions.

The reconstruction runs coarse-to-fine over multiscale resolution levels,
optimizing the object (and optionally the probe) with gradient descent
against the measured data.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = buildLogger(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// reconstructCmd runs the full multiscale reconstruction
var reconstructCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Run the multiscale reconstruction",
	Long: `Loads the measurement set named by the configuration, runs every
resolution level from coarsest to finest, and persists per-level object,
probe, and loss-series artifacts into the output directory.

Dropping a file named "stop" into the output directory ends the run
after the current epoch.`,
	RunE: runReconstruct,
}

// initConfigCmd writes a default configuration file
var initConfigCmd = &cobra.Command{
	Use:   "init-config [path]",
	Short: "Write a default configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(args[0]); err != nil {
			return err
		}
		logger.Info("wrote default configuration", zap.String("path", args[0]))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ptychotomo.yaml", "configuration file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	reconstructCmd.Flags().IntVar(&resumeFrom, "resume-from", -1, "level index whose checkpoint seeds the run")

	rootCmd.AddCommand(reconstructCmd)
	rootCmd.AddCommand(initConfigCmd)
}

// buildLogger constructs the process logger, at debug level when asked.
func buildLogger(debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return zcfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	// output.verbose enables debug logging just like --verbose does.
	if cfg.Output.Verbose && !verbose {
		if logger, err = buildLogger(true); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
	}

	positions := make([]dataset.Position, 0, len(cfg.Data.Positions))
	for _, p := range cfg.Data.Positions {
		positions = append(positions, dataset.Position{Y: p[0], X: p[1]})
	}
	if len(positions) == 0 {
		positions = append(positions, dataset.Position{
			Y: cfg.Data.Shape[0] / 2,
			X: cfg.Data.Shape[1] / 2,
		})
	}

	nPos := len(positions)
	if cfg.Data.BroadcastPatterns {
		nPos = 1
	}
	set, err := dataset.Load(cfg.Data.MeasurementPath,
		cfg.Experiment.NTheta, nPos, cfg.Probe.Size[0], cfg.Probe.Size[1])
	if err != nil {
		return fmt.Errorf("loading measurements: %w", err)
	}

	rc := recon.NewRunContext(cfg.Seed, logger)
	outDir := cfg.Output.Dir
	if outDir == "" {
		outDir = recon.OutputDirName(cfg.Experiment.EnergyEV, cfg.Experiment.NTheta,
			cfg.Optimize.MinibatchSize, rc.ID)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	ds := &recon.DirStore{Dir: outDir}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	stop := comm.NewStopFlag(outDir, "stop", logger)
	stop.Watch(ctx)

	opts := recon.Options{
		Sink:       ds,
		Source:     ds,
		ResumeFrom: resumeFrom,
		StopFlag:   stop,
	}
	if cfg.Data.PhantomDeltaPath != "" && cfg.Data.PhantomBetaPath != "" {
		phantom, err := store.LoadVolume(cfg.Data.PhantomDeltaPath, cfg.Data.PhantomBetaPath,
			cfg.Data.Shape[0], cfg.Data.Shape[1], cfg.Data.Shape[2])
		if err != nil {
			return fmt.Errorf("loading phantom: %w", err)
		}
		stats := recon.StatsFromPhantom(phantom)
		opts.Stats = &stats
		opts.Phantom = phantom
	}

	r, err := recon.New(cfg, set, positions, rc, opts)
	if err != nil {
		return err
	}
	rc.Log.Infow("reconstruction start", "output", outDir, "levels", cfg.Optimize.Levels,
		"angles", cfg.Experiment.NTheta, "positions", len(positions))
	results, err := r.Process()
	if err != nil {
		return err
	}
	final := results[len(results)-1]
	rc.Log.Infow("reconstruction done", "levels", len(results),
		"finalLoss", final.Loss[len(final.Loss)-1], "epochs", final.Epochs)
	return nil
}

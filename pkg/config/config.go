// Package config provides configuration loading and management for ptychotomo.
// It handles loading configuration from YAML files, provides default values,
// and validates the configuration before any reconstruction work begins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"ptychotomo/pkg/probe"
)

// EpochBudget is either the literal string "auto" (run until the
// convergence criterion fires, bounded by MaxEpochs) or a fixed epoch
// count.
type EpochBudget struct {
	// Auto enables convergence-driven termination.
	Auto bool
	// Count is the fixed epoch count when Auto is false.
	Count int
}

// UnmarshalYAML accepts "auto" or a positive integer.
func (e *EpochBudget) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil && s == "auto" {
		*e = EpochBudget{Auto: true}
		return nil
	}
	var n int
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("epoch budget must be \"auto\" or an integer, got %q", value.Value)
	}
	*e = EpochBudget{Count: n}
	return nil
}

// MarshalYAML emits "auto" or the fixed count.
func (e EpochBudget) MarshalYAML() (interface{}, error) {
	if e.Auto {
		return "auto", nil
	}
	return e.Count, nil
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Experiment holds the physical acquisition parameters
	Experiment struct {
		// EnergyEV is the beam energy in electron volts
		EnergyEV float64 `yaml:"energyEV"`

		// PsizeCM is the full-resolution voxel pitch in centimeters
		PsizeCM float64 `yaml:"psizeCM"`

		// FreePropCM is the free-space distance from the object exit plane
		// to the detector in centimeters; zero disables the final propagation
		FreePropCM float64 `yaml:"freePropCM"`

		// ThetaStartDeg and ThetaEndDeg bound the rotation range in degrees
		ThetaStartDeg float64 `yaml:"thetaStartDeg"`
		ThetaEndDeg   float64 `yaml:"thetaEndDeg"`

		// NTheta is the number of projection angles
		NTheta int `yaml:"nTheta"`
	} `yaml:"experiment"`

	// Data names the input artifacts
	Data struct {
		// MeasurementPath is the raw complex64 diffraction data file
		MeasurementPath string `yaml:"measurementPath"`

		// Shape is the full-resolution object grid (y, x, z)
		Shape [3]int `yaml:"shape"`

		// PhantomDeltaPath and PhantomBetaPath seed the coarsest level's
		// random initializer statistics; optional
		PhantomDeltaPath string `yaml:"phantomDeltaPath"`
		PhantomBetaPath  string `yaml:"phantomBetaPath"`

		// Positions lists probe footprint centers (y, x) in full-resolution
		// pixels; empty defaults to a single centered position
		Positions [][2]int `yaml:"positions"`

		// BroadcastPatterns marks a measurement file holding one pattern
		// per angle, shared across all probe positions
		BroadcastPatterns bool `yaml:"broadcastPatterns"`
	} `yaml:"data"`

	// Probe selects and parameterizes the illumination model
	Probe struct {
		// Type is one of gaussian, fixed, optimizable
		Type string `yaml:"type"`

		// Size is the probe footprint (y, x) in pixels
		Size [2]int `yaml:"size"`

		// MagSigma, PhaseSigma and PhaseMax parameterize the gaussian type
		MagSigma   float64 `yaml:"magSigma"`
		PhaseSigma float64 `yaml:"phaseSigma"`
		PhaseMax   float64 `yaml:"phaseMax"`

		// PupilRatio confines a learnable probe to a circular pupil of
		// this diameter fraction; zero disables the pupil
		PupilRatio float64 `yaml:"pupilRatio"`

		// CircMaskRatio masks the exit wave with a circular aperture of
		// this diameter fraction before the detector; zero disables it
		CircMaskRatio float64 `yaml:"circMaskRatio"`

		// LearningRate is the probe step size when Type is optimizable
		LearningRate float64 `yaml:"learningRate"`
	} `yaml:"probe"`

	// Optimize controls the reconstruction loop
	Optimize struct {
		// LearningRate is the object step size
		LearningRate float64 `yaml:"learningRate"`

		// MinibatchSize is the number of probe positions per worker step
		MinibatchSize int `yaml:"minibatchSize"`

		// Accumulation is the number of minibatches summed before an update
		Accumulation int `yaml:"accumulation"`

		// DynamicRate scales the learning rate by (Accumulation-1)*exp(-epoch)+1
		DynamicRate bool `yaml:"dynamicRate"`

		// Epochs is "auto" or a fixed epoch count per level
		Epochs EpochBudget `yaml:"epochs"`

		// MaxEpochs bounds auto mode
		MaxEpochs int `yaml:"maxEpochs"`

		// FinalPassEpochs overrides the budget on the finest level; zero
		// keeps the regular budget
		FinalPassEpochs int `yaml:"finalPassEpochs"`

		// ConvergenceThreshold is the relative loss-change fraction that
		// terminates a level in auto mode
		ConvergenceThreshold float64 `yaml:"convergenceThreshold"`

		// Levels is the number of multiscale levels; the coarsest level
		// downsamples by 2^(Levels-1)
		Levels int `yaml:"levels"`

		// Workers is the number of data-parallel ranks
		Workers int `yaml:"workers"`
	} `yaml:"optimize"`

	// Regularization weights; zero weights disable their terms
	Regularization struct {
		// Alpha is the L1 weight on both object channels (default form)
		Alpha float64 `yaml:"alpha"`

		// AlphaDelta and AlphaBeta enable the split form
		AlphaDelta float64 `yaml:"alphaDelta"`
		AlphaBeta  float64 `yaml:"alphaBeta"`

		// Gamma weights the smoothness term selected by Form
		Gamma float64 `yaml:"gamma"`

		// Form is tv2d, l2, or tv3d
		Form string `yaml:"form"`
	} `yaml:"regularization"`

	// Output parameters
	Output struct {
		// Dir is the run output directory; a parameter-derived name with a
		// run-id suffix is generated when empty
		Dir string `yaml:"dir"`

		// SaveIntermediate dumps the object after every epoch
		SaveIntermediate bool `yaml:"saveIntermediate"`

		// FullIntermediate dumps the probe planes as well
		FullIntermediate bool `yaml:"fullIntermediate"`

		// Verbose enables debug logging, same as the --verbose flag
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`

	// Seed is the shared random seed broadcast to every worker
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default experiment parameters
	cfg.Experiment.EnergyEV = 5000
	cfg.Experiment.PsizeCM = 1e-7
	cfg.Experiment.ThetaStartDeg = 0
	cfg.Experiment.ThetaEndDeg = 180
	cfg.Experiment.NTheta = 500

	cfg.Data.Shape = [3]int{64, 64, 64}

	// Set default probe parameters
	cfg.Probe.Type = "gaussian"
	cfg.Probe.Size = [2]int{64, 64}
	cfg.Probe.MagSigma = 10
	cfg.Probe.PhaseSigma = 10
	cfg.Probe.PhaseMax = 0.5
	cfg.Probe.LearningRate = 1e-3

	// Set default optimization parameters
	cfg.Optimize.LearningRate = 1e-7
	cfg.Optimize.MinibatchSize = 1
	cfg.Optimize.Accumulation = 1
	cfg.Optimize.Epochs = EpochBudget{Auto: true}
	cfg.Optimize.MaxEpochs = 200
	cfg.Optimize.ConvergenceThreshold = 0.03
	cfg.Optimize.Levels = 2
	cfg.Optimize.Workers = runtime.NumCPU()

	// Set default regularization parameters
	cfg.Regularization.Alpha = 1e-7
	cfg.Regularization.Gamma = 1e-6
	cfg.Regularization.Form = "tv2d"

	cfg.Seed = 1

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate reports the first fatal configuration error. It runs before
// any propagation work begins.
func (cfg *Config) Validate() error {
	if _, err := probe.ParseType(cfg.Probe.Type); err != nil {
		return err
	}
	for _, n := range cfg.Data.Shape {
		if n <= 0 {
			return fmt.Errorf("malformed grid shape %v", cfg.Data.Shape)
		}
	}
	if cfg.Probe.Size[0] <= 0 || cfg.Probe.Size[1] <= 0 {
		return fmt.Errorf("malformed probe size %v", cfg.Probe.Size)
	}
	if cfg.Experiment.EnergyEV <= 0 {
		return fmt.Errorf("energy must be positive, got %g", cfg.Experiment.EnergyEV)
	}
	if cfg.Experiment.PsizeCM <= 0 {
		return fmt.Errorf("voxel pitch must be positive, got %g", cfg.Experiment.PsizeCM)
	}
	if cfg.Experiment.NTheta <= 0 {
		return fmt.Errorf("angle count must be positive, got %d", cfg.Experiment.NTheta)
	}
	if cfg.Optimize.Levels < 1 {
		return fmt.Errorf("level count must be at least 1, got %d", cfg.Optimize.Levels)
	}
	if cfg.Optimize.MinibatchSize < 1 {
		return fmt.Errorf("minibatch size must be at least 1, got %d", cfg.Optimize.MinibatchSize)
	}
	if cfg.Optimize.Accumulation < 1 {
		return fmt.Errorf("accumulation factor must be at least 1, got %d", cfg.Optimize.Accumulation)
	}
	if cfg.Optimize.Workers < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", cfg.Optimize.Workers)
	}
	if !cfg.Optimize.Epochs.Auto && cfg.Optimize.Epochs.Count < 1 {
		return fmt.Errorf("fixed epoch budget must be at least 1, got %d", cfg.Optimize.Epochs.Count)
	}
	if cfg.Optimize.Epochs.Auto && cfg.Optimize.ConvergenceThreshold <= 0 {
		return fmt.Errorf("auto epoch budget needs a positive convergence threshold")
	}
	switch cfg.Regularization.Form {
	case "tv2d", "l2", "tv3d":
	default:
		return fmt.Errorf("invalid regularization form %q", cfg.Regularization.Form)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

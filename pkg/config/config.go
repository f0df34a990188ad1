// Package config provides configuration loading and management for fmristat.
// It handles loading configuration from YAML files, environment overrides and
// provides default values.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"fmristat/pkg/cluster"
	"fmristat/pkg/glm"
	"fmristat/pkg/nulldist"
	"fmristat/pkg/permutation"
	"fmristat/pkg/whitening"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "FMRISTAT_"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Inference parameters
	Inference struct {
		// Mode is the multiple-comparison correction: voxel, cluster-extent, cluster-mass or tfce
		Mode string `yaml:"mode"`

		// Test is the statistic: t or f
		Test string `yaml:"test"`

		// Level selects what is permuted: first-level-time, sign-flip, group or correlation
		Level string `yaml:"level"`

		// Permutations is the requested number of permutations, identity included
		Permutations int `yaml:"permutations"`

		// Alpha is the significance level
		Alpha float64 `yaml:"alpha"`

		// ClusterThreshold is the cluster-defining threshold
		ClusterThreshold float64 `yaml:"clusterThreshold"`

		// Exhaustive enumerates distinct permutations instead of sampling
		Exhaustive bool `yaml:"exhaustive"`

		// Seed seeds random permutation sampling
		Seed uint64 `yaml:"seed"`

		// MinValidFraction is the share of permutations that must succeed
		MinValidFraction float64 `yaml:"minValidFraction"`
	} `yaml:"inference"`

	// TFCE parameters
	TFCE struct {
		E     float64 `yaml:"e"`
		H     float64 `yaml:"h"`
		Steps int     `yaml:"steps"`
	} `yaml:"tfce"`

	// Noise model parameters
	Model struct {
		// AROrder is fixed at 4
		AROrder int `yaml:"arOrder"`

		// Whiten enables AR(4) whitening
		Whiten bool `yaml:"whiten"`

		// DetrendOrder is the polynomial order removed before time permutation
		DetrendOrder int `yaml:"detrendOrder"`
	} `yaml:"model"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores per-voxel stages use
		NumCores int `yaml:"numCores"`

		// PermutationWorkers bounds how many permutations run at once
		PermutationWorkers int `yaml:"permutationWorkers"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Database is the SQLite file null distributions are exported to; empty disables export
		Database string `yaml:"database"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Inference.Mode = nulldist.Voxel.String()
	cfg.Inference.Test = glm.TTest.String()
	cfg.Inference.Level = permutation.FirstLevelTimePermutation.String()
	cfg.Inference.Permutations = 1000
	cfg.Inference.Alpha = 0.05
	cfg.Inference.ClusterThreshold = 2.3
	cfg.Inference.Exhaustive = false
	cfg.Inference.Seed = 1
	cfg.Inference.MinValidFraction = 0.5

	tfce := cluster.DefaultTFCEParams()
	cfg.TFCE.E = tfce.E
	cfg.TFCE.H = tfce.H
	cfg.TFCE.Steps = tfce.Steps

	cfg.Model.AROrder = whitening.Order
	cfg.Model.Whiten = true
	cfg.Model.DetrendOrder = 3

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.PermutationWorkers = 1

	cfg.Output.Database = ""
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks that every setting is usable and converts the enumerated
// strings to the types the engine consumes
func (c *Config) Validate() error {
	if _, err := nulldist.ParseMode(c.Inference.Mode); err != nil {
		return err
	}
	if _, err := glm.ParseTest(c.Inference.Test); err != nil {
		return err
	}
	if _, err := permutation.ParseMode(c.Inference.Level); err != nil {
		return err
	}
	if c.Inference.Permutations < 1 {
		return fmt.Errorf("config: permutations must be at least 1, got %d", c.Inference.Permutations)
	}
	if c.Inference.Alpha <= 0 || c.Inference.Alpha >= 1 {
		return fmt.Errorf("config: alpha must be in (0,1), got %g", c.Inference.Alpha)
	}
	if c.Inference.MinValidFraction < 0 || c.Inference.MinValidFraction > 1 {
		return fmt.Errorf("config: minValidFraction must be in [0,1], got %g", c.Inference.MinValidFraction)
	}
	if c.Model.AROrder != whitening.Order {
		return fmt.Errorf("config: AR model order is fixed at %d, got %d", whitening.Order, c.Model.AROrder)
	}
	if c.Model.DetrendOrder < 0 || c.Model.DetrendOrder > 3 {
		return fmt.Errorf("config: detrendOrder must be 0..3, got %d", c.Model.DetrendOrder)
	}
	if err := c.TFCEParams().Validate(); err != nil {
		return err
	}
	if c.Processing.NumCores < 0 || c.Processing.PermutationWorkers < 0 {
		return fmt.Errorf("config: worker counts must not be negative")
	}
	return nil
}

// TFCEParams returns the TFCE settings
func (c *Config) TFCEParams() cluster.TFCEParams {
	return cluster.TFCEParams{E: c.TFCE.E, H: c.TFCE.H, Steps: c.TFCE.Steps}
}

// NullOptions converts the configuration to null distribution options.
// Validate must have succeeded.
func (c *Config) NullOptions() nulldist.Options {
	mode, _ := nulldist.ParseMode(c.Inference.Mode)
	test, _ := glm.ParseTest(c.Inference.Test)
	level, _ := permutation.ParseMode(c.Inference.Level)
	return nulldist.Options{
		Mode:             mode,
		Test:             test,
		Level:            level,
		ClusterThreshold: c.Inference.ClusterThreshold,
		TFCE:             c.TFCEParams(),
		MinValidFraction: c.Inference.MinValidFraction,
		Whiten:           c.Model.Whiten,
		DetrendOrder:     c.Model.DetrendOrder,
	}
}

// LoadConfig reads configPath over the defaults and validates the result.
// A missing or empty file yields the defaults; unknown keys are an error.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	f, err := os.Open(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: opening %s: %w", configPath, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parsing %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig validates cfg and writes it to configPath through a temporary
// file in the same directory renamed into place.
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".fmristat-*.yaml")
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: writing %s: %w", configPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: writing %s: %w", configPath, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.Rename(tmp.Name(), configPath); err != nil {
		return fmt.Errorf("config: writing %s: %w", configPath, err)
	}
	return nil
}

// CreateDefaultConfigFile writes the defaults to configPath. An existing file
// is left untouched and reported with fs.ErrExist.
func CreateDefaultConfigFile(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config: %s: %w", configPath, fs.ErrExist)
	}
	return SaveConfig(DefaultConfig(), configPath)
}

// ApplyEnv overrides settings from FMRISTAT_* variables looked up with
// lookup (os.LookupEnv in production)
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var err error
	num := func(name string, parse func(string) error) {
		if err != nil {
			return
		}
		if v, ok := lookup(EnvPrefix + name); ok {
			if perr := parse(strings.TrimSpace(v)); perr != nil {
				err = fmt.Errorf("config: %s%s: %w", EnvPrefix, name, perr)
			}
		}
	}
	intVar := func(dst *int) func(string) error {
		return func(s string) error {
			v, err := strconv.Atoi(s)
			*dst = v
			return err
		}
	}
	floatVar := func(dst *float64) func(string) error {
		return func(s string) error {
			v, err := strconv.ParseFloat(s, 64)
			*dst = v
			return err
		}
	}
	boolVar := func(dst *bool) func(string) error {
		return func(s string) error {
			v, err := strconv.ParseBool(s)
			*dst = v
			return err
		}
	}

	str("MODE", &c.Inference.Mode)
	str("TEST", &c.Inference.Test)
	str("LEVEL", &c.Inference.Level)
	str("DATABASE", &c.Output.Database)
	num("PERMUTATIONS", intVar(&c.Inference.Permutations))
	num("ALPHA", floatVar(&c.Inference.Alpha))
	num("CLUSTER_THRESHOLD", floatVar(&c.Inference.ClusterThreshold))
	num("EXHAUSTIVE", boolVar(&c.Inference.Exhaustive))
	num("SEED", func(s string) error {
		v, err := strconv.ParseUint(s, 10, 64)
		c.Inference.Seed = v
		return err
	})
	num("MIN_VALID_FRACTION", floatVar(&c.Inference.MinValidFraction))
	num("TFCE_E", floatVar(&c.TFCE.E))
	num("TFCE_H", floatVar(&c.TFCE.H))
	num("TFCE_STEPS", intVar(&c.TFCE.Steps))
	num("WHITEN", boolVar(&c.Model.Whiten))
	num("DETREND_ORDER", intVar(&c.Model.DetrendOrder))
	num("CORES", intVar(&c.Processing.NumCores))
	num("PERMUTATION_WORKERS", intVar(&c.Processing.PermutationWorkers))
	num("VERBOSE", boolVar(&c.Output.Verbose))
	return err
}

package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"fmristat/pkg/nulldist"
	"fmristat/pkg/permutation"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	opts := cfg.NullOptions()
	if opts.Mode != nulldist.Voxel {
		t.Errorf("expected voxel mode, got %s", opts.Mode)
	}
	if opts.Level != permutation.FirstLevelTimePermutation {
		t.Errorf("expected first-level permutation, got %s", opts.Level)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "fmristat.yaml")

	cfg := DefaultConfig()
	cfg.Inference.Mode = "tfce"
	cfg.Inference.Permutations = 250
	cfg.TFCE.Steps = 50
	cfg.Model.Whiten = false
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Inference.Mode != "tfce" || loaded.Inference.Permutations != 250 {
		t.Errorf("inference section not restored: %+v", loaded.Inference)
	}
	if loaded.TFCE.Steps != 50 || loaded.Model.Whiten {
		t.Errorf("tfce/model sections not restored: %+v %+v", loaded.TFCE, loaded.Model)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Inference.Permutations != DefaultConfig().Inference.Permutations {
		t.Errorf("expected default permutations, got %d", cfg.Inference.Permutations)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"ar order", func(c *Config) { c.Model.AROrder = 2 }},
		{"alpha", func(c *Config) { c.Inference.Alpha = 1 }},
		{"permutations", func(c *Config) { c.Inference.Permutations = 0 }},
		{"mode", func(c *Config) { c.Inference.Mode = "fdr" }},
		{"level", func(c *Config) { c.Inference.Level = "bootstrap" }},
		{"test", func(c *Config) { c.Inference.Test = "z" }},
		{"fraction", func(c *Config) { c.Inference.MinValidFraction = 1.5 }},
		{"tfce steps", func(c *Config) { c.TFCE.Steps = 0 }},
		{"detrend", func(c *Config) { c.Model.DetrendOrder = 5 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"FMRISTAT_MODE":         "cluster-mass",
		"FMRISTAT_PERMUTATIONS": "500",
		"FMRISTAT_ALPHA":        "0.01",
		"FMRISTAT_WHITEN":       "false",
		"FMRISTAT_SEED":         "99",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Inference.Mode != "cluster-mass" || cfg.Inference.Permutations != 500 {
		t.Errorf("unexpected inference settings: %+v", cfg.Inference)
	}
	if cfg.Inference.Alpha != 0.01 || cfg.Model.Whiten || cfg.Inference.Seed != 99 {
		t.Errorf("numeric overrides not applied: %+v %+v", cfg.Inference, cfg.Model)
	}

	env["FMRISTAT_PERMUTATIONS"] = "many"
	if err := DefaultConfig().ApplyEnv(lookup); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", "inference:\n  permutatons: 500\n"},
		{"invalid value", "inference:\n  alpha: 2\n"},
		{"malformed", "inference: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "fmristat.yaml")
			if err := os.WriteFile(path, []byte(tc.body), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Error("expected LoadConfig to fail")
			}
		})
	}
}

func TestLoadEmptyFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Inference.Mode != DefaultConfig().Inference.Mode {
		t.Errorf("expected default mode, got %s", cfg.Inference.Mode)
	}
}

func TestSaveConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	cfg := DefaultConfig()
	cfg.Inference.Permutations = 0
	if err := SaveConfig(cfg, path); err == nil {
		t.Fatal("expected SaveConfig to fail")
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("no file should be written, stat: %v", err)
	}
}

func TestCreateDefaultConfigFileKeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fmristat.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("CreateDefaultConfigFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("default file does not load: %v", err)
	}
	if err := CreateDefaultConfigFile(path); !errors.Is(err, fs.ErrExist) {
		t.Errorf("expected fs.ErrExist, got %v", err)
	}
}

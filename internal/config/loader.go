package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigFilePath is the repo-relative location of the committed config file.
const ConfigFilePath = "_parwave/config.json"

// Defaults returns the configuration used when no file overrides are present.
func Defaults() Config {
	return Config{
		Concurrency: ConcurrencyConfig{MaxWorkspaces: 4},
		Disk:        DiskConfig{MinFreeMB: 512},
		Timeouts:    TimeoutsConfig{TaskSeconds: 1800, RunSeconds: 14400},
		Failure:     FailureConfig{Threshold: 0},
		Retention:   RetentionConfig{KeepFailedWorkspaces: true},
		Branches:    BranchConfig{Base: "main", Prefix: "parwave/"},
		Integration: IntegrationConfig{
			Mode:         IntegrationModeLocal,
			Remote:       "origin",
			PollSeconds:  30,
			PollAttempts: 20,
		},
	}
}

// Load reads the repo config, layering file values over the defaults.
// A missing config file is not an error; the defaults apply as-is.
func Load(repoRoot string) (Config, error) {
	if repoRoot == "" {
		return Config{}, errors.New("repo root is required")
	}

	cfg := Defaults()
	path := filepath.Join(repoRoot, filepath.FromSlash(ConfigFilePath))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	// Unknown keys are rejected rather than ignored; a typo like
	// "concurency" must not silently run with the defaults.
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func Validate(cfg Config) error {
	if cfg.Concurrency.MaxWorkspaces <= 0 {
		return fmt.Errorf("concurrency.max_workspaces must be positive, got %d", cfg.Concurrency.MaxWorkspaces)
	}
	if cfg.Disk.MinFreeMB < 0 {
		return fmt.Errorf("disk.min_free_mb must not be negative, got %d", cfg.Disk.MinFreeMB)
	}
	if cfg.Timeouts.TaskSeconds <= 0 {
		return fmt.Errorf("timeouts.task_seconds must be positive, got %d", cfg.Timeouts.TaskSeconds)
	}
	if cfg.Timeouts.RunSeconds <= 0 {
		return fmt.Errorf("timeouts.run_seconds must be positive, got %d", cfg.Timeouts.RunSeconds)
	}
	if cfg.Failure.Threshold < 0 {
		return fmt.Errorf("failure.threshold must not be negative, got %d", cfg.Failure.Threshold)
	}
	if cfg.Branches.Base == "" {
		return errors.New("branches.base is required")
	}
	if !IsValidIntegrationMode(cfg.Integration.Mode) {
		return fmt.Errorf("integration.mode %q is not one of %q or %q",
			cfg.Integration.Mode, IntegrationModeLocal, IntegrationModeGitHub)
	}
	if cfg.Integration.PollSeconds <= 0 || cfg.Integration.PollAttempts <= 0 {
		return errors.New("integration poll settings must be positive")
	}
	return nil
}

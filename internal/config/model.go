// Package config defines the configuration model for parwave runs.
package config

import "time"

// Config defines the full configuration surface for a parwave repository.
type Config struct {
	Concurrency ConcurrencyConfig `json:"concurrency"`
	Disk        DiskConfig        `json:"disk"`
	Timeouts    TimeoutsConfig    `json:"timeouts"`
	Failure     FailureConfig     `json:"failure"`
	Retention   RetentionConfig   `json:"retention"`
	Branches    BranchConfig      `json:"branches"`
	Integration IntegrationConfig `json:"integration"`
	Validation  ValidationConfig  `json:"validation"`
}

// ConcurrencyConfig limits how many workspaces exist at once.
type ConcurrencyConfig struct {
	MaxWorkspaces int `json:"max_workspaces"`
}

// DiskConfig guards workspace creation against disk exhaustion.
type DiskConfig struct {
	MinFreeMB int64 `json:"min_free_mb"`
}

// TimeoutsConfig defines timeout settings in seconds.
type TimeoutsConfig struct {
	TaskSeconds int `json:"task_seconds"`
	RunSeconds  int `json:"run_seconds"`
}

// FailureConfig defines when a run gives up and rolls back.
// Threshold is the number of task failures the run tolerates; strictly more
// than Threshold failures forces rollback.
type FailureConfig struct {
	Threshold int `json:"threshold"`
}

// RetentionConfig controls whether failed workspaces are kept for debugging.
type RetentionConfig struct {
	KeepFailedWorkspaces bool `json:"keep_failed_workspaces"`
}

// BranchConfig describes how task branches are derived.
type BranchConfig struct {
	Base   string `json:"base"`
	Prefix string `json:"prefix"`
}

// Integration mode names.
const (
	// IntegrationModeLocal merges task branches into the trunk directly.
	IntegrationModeLocal = "local"
	// IntegrationModeGitHub opens pull requests through the gh CLI.
	IntegrationModeGitHub = "github"
)

// IntegrationConfig selects how verified tasks reach the trunk.
type IntegrationConfig struct {
	Mode         string   `json:"mode"`
	Remote       string   `json:"remote"`
	Labels       []string `json:"labels"`
	PollSeconds  int      `json:"poll_seconds"`
	PollAttempts int      `json:"poll_attempts"`
}

// ValidationConfig names the trunk-wide verification command run after merging.
type ValidationConfig struct {
	Command []string `json:"command"`
}

// IsValidIntegrationMode reports whether the mode is a known integration mode.
func IsValidIntegrationMode(mode string) bool {
	return mode == IntegrationModeLocal || mode == IntegrationModeGitHub
}

// TaskTimeout returns the per-task timeout as a duration.
func (cfg Config) TaskTimeout() time.Duration {
	return time.Duration(cfg.Timeouts.TaskSeconds) * time.Second
}

// RunTimeout returns the whole-run timeout as a duration.
func (cfg Config) RunTimeout() time.Duration {
	return time.Duration(cfg.Timeouts.RunSeconds) * time.Second
}

// PollInterval returns the integration poll interval as a duration.
func (cfg Config) PollInterval() time.Duration {
	return time.Duration(cfg.Integration.PollSeconds) * time.Second
}

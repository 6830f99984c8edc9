// Package integrate lands verified task branches on the trunk.
//
// Two modes exist. Local mode squash-merges each task branch directly into
// the base branch of the repository. GitHub mode pushes each branch and
// drives a pull request through the gh CLI. In both modes integration is
// serialized by the orchestrator in dependency order; a conflict fails the
// task, never the run.
package integrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/config"
	"github.com/parwave/parwave/internal/task"
)

// ConflictError reports that a task branch could not be merged cleanly.
type ConflictError struct {
	TaskID string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict for task %s: %s", e.TaskID, e.Detail)
}

// Integrator moves one verified task branch onto the trunk.
type Integrator interface {
	// Open publishes the task's work and returns an integration ref: the
	// branch name in local mode, the pull request URL in github mode.
	Open(ctx context.Context, tsk task.Task, workspacePath string, branch string) (string, error)
	// Merge lands the integration ref on the base branch. A *ConflictError
	// means the task failed; any other error is fatal for the run.
	Merge(ctx context.Context, tsk task.Task, ref string) error
	// Close withdraws an unmerged integration ref during rollback.
	Close(ctx context.Context, taskID string, ref string) error
}

// New selects the integrator for the configured mode.
func New(repoRoot string, cfg config.Config, logger *audit.Logger) (Integrator, error) {
	switch cfg.Integration.Mode {
	case config.IntegrationModeLocal:
		return &localIntegrator{repoRoot: repoRoot, cfg: cfg, logger: logger}, nil
	case config.IntegrationModeGitHub:
		return &githubIntegrator{repoRoot: repoRoot, cfg: cfg, logger: logger, runGH: runGHCommand(repoRoot)}, nil
	default:
		return nil, fmt.Errorf("unknown integration mode %q", cfg.Integration.Mode)
	}
}

// CommitMessage builds the conventional squash commit message for a task.
func CommitMessage(tsk task.Task) string {
	description := strings.TrimSpace(tsk.Description)
	if description == "" {
		description = tsk.ID
	}
	return fmt.Sprintf("parwave: %s - %s", tsk.ID, description)
}

// commitWorkspace stages and commits everything the apply step produced.
// An apply step that changed nothing is tolerated; the merge will be empty.
func commitWorkspace(workspacePath string, message string) error {
	if _, err := runGitIn(workspacePath, "add", "-A"); err != nil {
		return err
	}
	if _, err := runGitIn(workspacePath, "commit", "-m", message); err != nil {
		if isNothingToCommit(err) {
			return nil
		}
		return err
	}
	return nil
}

// runGitIn executes a git command in the given directory.
func runGitIn(dir string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("git directory is required")
	}
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, detail)
	}
	return stdout.String(), nil
}

// isMergeConflict reports whether a git error indicates a content conflict.
func isMergeConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") ||
		strings.Contains(msg, "automatic merge failed") ||
		strings.Contains(msg, "could not apply")
}

// isNothingToCommit reports whether a git commit failed only because the
// working tree was already clean.
func isNothingToCommit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nothing to commit") || strings.Contains(msg, "working tree clean")
}

// Package checkpoint pins the trunk before a run and restores it on rollback.
//
// A checkpoint is a git tag on the trunk HEAD, named after the run. Rollback
// is the big hammer: it kills any task processes still recorded in the run
// record, withdraws open integration requests, removes every workspace
// regardless of retention policy, and resets the trunk to the checkpoint.
// Rollback is idempotent; re-running it against an already rolled back run
// is a no-op.
package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/integrate"
	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
	"github.com/parwave/parwave/internal/workspace"
)

// tagPrefix prefixes checkpoint tag names.
const tagPrefix = "parwave-checkpoint-"

// TagName returns the checkpoint tag for a run id.
func TagName(runID string) string {
	return tagPrefix + runID
}

// Manager creates checkpoints and performs rollbacks.
type Manager struct {
	repoRoot   string
	store      store.Store
	workspaces workspace.Manager
	integrator integrate.Integrator
	logger     *audit.Logger
}

// NewManager constructs a checkpoint Manager.
func NewManager(repoRoot string, recordStore store.Store, workspaces workspace.Manager, integrator integrate.Integrator, logger *audit.Logger) (Manager, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return Manager{}, errors.New("repo root is required")
	}
	return Manager{
		repoRoot:   repoRoot,
		store:      recordStore,
		workspaces: workspaces,
		integrator: integrator,
		logger:     logger,
	}, nil
}

// Create tags the current trunk HEAD as the checkpoint for a run. The
// working tree must be clean; a dirty trunk cannot be restored faithfully.
func (m Manager) Create(runID string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", errors.New("run id is required")
	}
	if err := m.ensureCleanTrunk(); err != nil {
		return "", err
	}

	tag := TagName(runID)
	if _, err := m.runGit("tag", tag, "HEAD"); err != nil {
		return "", fmt.Errorf("create checkpoint tag %s: %w", tag, err)
	}

	if m.logger != nil {
		_ = m.logger.Log(audit.Entry{
			Event:  audit.EventCheckpointCreate,
			Fields: []audit.Field{{Key: "run_id", Value: runID}, {Key: "ref", Value: tag}},
		})
	}
	return tag, nil
}

// Delete removes a checkpoint tag. Used when a run aborts before the tag is
// recorded anywhere.
func (m Manager) Delete(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return errors.New("checkpoint ref is required")
	}
	if _, err := m.runGit("tag", "-d", ref); err != nil {
		return fmt.Errorf("delete checkpoint tag %s: %w", ref, err)
	}
	return nil
}

// Rollback restores the trunk to the run's checkpoint. A run that completed
// or already rolled back is left alone. A run stranded in a non-terminal
// state, typically by a crashed or killed orchestrator, is failed first so
// the rollback lands on a terminal status.
func (m Manager) Rollback(ctx context.Context) error {
	rec, err := m.store.Load()
	if err != nil {
		return err
	}
	if state.RunTerminal(rec.Status) {
		return nil
	}
	if rec.Status != state.RunFailed {
		rec, err = m.store.Update(func(r *store.Record) error {
			if r.FailureDetail == "" {
				r.FailureDetail = fmt.Sprintf("rollback requested while %s", r.Status)
			}
			return r.TransitionRun(state.RunFailed)
		})
		if err != nil {
			return err
		}
	}

	if m.logger != nil {
		_ = m.logger.Log(audit.Entry{
			Event:  audit.EventRollbackStart,
			Fields: []audit.Field{{Key: "run_id", Value: rec.RunID}, {Key: "ref", Value: rec.CheckpointRef}},
		})
	}

	for _, ws := range rec.Workspaces {
		killProcessGroup(ws.PID)
	}

	for _, ws := range rec.Workspaces {
		if ws.Status == state.TaskPRCreated && ws.IntegrationRef != "" {
			if err := m.integrator.Close(ctx, ws.TaskID, ws.IntegrationRef); err != nil {
				return fmt.Errorf("withdraw integration for task %s: %w", ws.TaskID, err)
			}
		}
	}

	// Retention never applies during rollback; everything goes.
	for _, ws := range rec.Workspaces {
		if err := m.workspaces.Destroy(ws.TaskID, false); err != nil {
			return fmt.Errorf("destroy workspace for task %s: %w", ws.TaskID, err)
		}
	}

	if _, err := m.runGit("reset", "--hard", rec.CheckpointRef); err != nil {
		return fmt.Errorf("reset trunk to checkpoint %s: %w", rec.CheckpointRef, err)
	}

	updated, err := m.store.Update(func(r *store.Record) error {
		return r.TransitionRun(state.RunRolledBack)
	})
	if err != nil {
		return err
	}

	if m.logger != nil {
		_ = m.logger.LogRunTransition(updated.RunID, string(state.RunFailed), string(state.RunRolledBack))
		_ = m.logger.Log(audit.Entry{
			Event:  audit.EventRollbackComplete,
			Fields: []audit.Field{{Key: "run_id", Value: updated.RunID}, {Key: "ref", Value: updated.CheckpointRef}},
		})
	}
	return nil
}

// ensureCleanTrunk rejects checkpointing over uncommitted trunk changes.
// Entries under the local state directory are expected and ignored. Untracked
// files are listed individually (-uall) so an untracked _parwave/ directory
// holding only state does not collapse to a single unmatchable entry.
func (m Manager) ensureCleanTrunk() error {
	out, err := m.runGit("status", "--porcelain", "-uall")
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if strings.HasPrefix(path, "_parwave/_local-state") {
			continue
		}
		return fmt.Errorf("trunk has uncommitted changes (%s); commit or stash before running", strings.TrimSpace(line))
	}
	return nil
}

// killProcessGroup force-kills a recorded task process group. A process that
// already exited is not an error.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && errors.Is(err, syscall.ESRCH) {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

// runGit executes a git command in the repo root.
func (m Manager) runGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = m.repoRoot
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

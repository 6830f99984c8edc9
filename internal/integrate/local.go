package integrate

import (
	"context"
	"fmt"
	"strings"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/config"
	"github.com/parwave/parwave/internal/task"
)

// localIntegrator squash-merges task branches directly into the base branch
// of the local repository. The repo root stays checked out on the base
// branch for the whole run, so merging is a plain squash plus commit there.
type localIntegrator struct {
	repoRoot string
	cfg      config.Config
	logger   *audit.Logger
}

// Open commits the workspace changes on the task branch. The branch itself
// is the integration ref; nothing leaves the machine.
func (li *localIntegrator) Open(ctx context.Context, tsk task.Task, workspacePath string, branch string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := commitWorkspace(workspacePath, CommitMessage(tsk)); err != nil {
		return "", fmt.Errorf("commit workspace for task %s: %w", tsk.ID, err)
	}
	if li.logger != nil {
		_ = li.logger.Log(audit.Entry{
			Event:  audit.EventIntegrationOpen,
			TaskID: tsk.ID,
			Fields: []audit.Field{{Key: "ref", Value: branch}, {Key: "mode", Value: config.IntegrationModeLocal}},
		})
	}
	return branch, nil
}

// Merge squash-merges the task branch into the base branch. A content
// conflict resets the trunk to its pre-merge state and fails the task.
func (li *localIntegrator) Merge(ctx context.Context, tsk task.Task, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(ref) == "" {
		return fmt.Errorf("integration ref for task %s is empty", tsk.ID)
	}

	if _, err := runGitIn(li.repoRoot, "merge", "--squash", ref); err != nil {
		if isMergeConflict(err) {
			if _, resetErr := runGitIn(li.repoRoot, "reset", "--hard", "HEAD"); resetErr != nil {
				return fmt.Errorf("reset trunk after conflict on task %s: %w", tsk.ID, resetErr)
			}
			return &ConflictError{TaskID: tsk.ID, Detail: err.Error()}
		}
		return fmt.Errorf("squash merge %s: %w", ref, err)
	}

	if _, err := runGitIn(li.repoRoot, "commit", "-m", CommitMessage(tsk)); err != nil {
		if !isNothingToCommit(err) {
			return fmt.Errorf("commit squashed changes for task %s: %w", tsk.ID, err)
		}
	}

	if li.logger != nil {
		_ = li.logger.Log(audit.Entry{
			Event:  audit.EventIntegrationMerge,
			TaskID: tsk.ID,
			Fields: []audit.Field{{Key: "ref", Value: ref}},
		})
	}
	return nil
}

// Close is a no-op in local mode; unmerged branches are removed with their
// workspaces during rollback.
func (li *localIntegrator) Close(ctx context.Context, taskID string, ref string) error {
	if li.logger != nil {
		_ = li.logger.Log(audit.Entry{
			Event:  audit.EventIntegrationClose,
			TaskID: taskID,
			Fields: []audit.Field{{Key: "ref", Value: ref}},
		})
	}
	return nil
}

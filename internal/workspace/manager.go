// Package workspace manages the isolated per-task working copies for a run.
//
// Each scheduled task gets its own git worktree under
// _parwave/_local-state/workspaces/<task-id>, on its own branch cut from the
// run checkpoint. Creation is guarded by a concurrency cap and a free disk
// margin; teardown honors the failed-workspace retention policy so operators
// can inspect what went wrong.
package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/config"
	"github.com/parwave/parwave/internal/repo"
	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
	"github.com/parwave/parwave/internal/task"
)

// CreationError explains why a workspace could not be materialized. The
// orchestrator treats it as a task failure, not a run failure.
type CreationError struct {
	TaskID string
	Reason string
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create workspace for task %s: %s", e.TaskID, e.Reason)
}

// Workspace describes one materialized working copy.
type Workspace struct {
	TaskID string
	Path   string
	Branch string
}

// Manager creates and destroys task workspaces.
type Manager struct {
	repoRoot string
	cfg      config.Config
	records  store.Store
	logger   *audit.Logger
}

// NewManager constructs a Manager rooted at the provided repository. The
// record store distinguishes workspaces of running tasks from retained
// directories of finished ones when enforcing the concurrency cap.
func NewManager(repoRoot string, cfg config.Config, records store.Store, logger *audit.Logger) (Manager, error) {
	if strings.TrimSpace(repoRoot) == "" {
		return Manager{}, errors.New("repo root is required")
	}
	absRoot, err := filepath.Abs(repoRoot)
	if err != nil {
		return Manager{}, fmt.Errorf("resolve repo root %s: %w", repoRoot, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return Manager{}, fmt.Errorf("stat repo root %s: %w", absRoot, err)
	}
	if !info.IsDir() {
		return Manager{}, fmt.Errorf("repo root %s is not a directory", absRoot)
	}
	return Manager{repoRoot: absRoot, cfg: cfg, records: records, logger: logger}, nil
}

// Path returns the deterministic workspace path for a task.
func (manager Manager) Path(taskID string) (string, error) {
	if err := task.ValidateID(taskID); err != nil {
		return "", err
	}
	return filepath.Join(repo.WorkspacesPath(manager.repoRoot), taskID), nil
}

// Branch returns the task branch name under the configured prefix.
func (manager Manager) Branch(taskID string) string {
	return manager.cfg.Branches.Prefix + taskID
}

// Create materializes the worktree for a task from the checkpoint ref.
func (manager Manager) Create(taskID string, checkpointRef string) (Workspace, error) {
	path, err := manager.Path(taskID)
	if err != nil {
		return Workspace{}, err
	}
	if strings.TrimSpace(checkpointRef) == "" {
		return Workspace{}, errors.New("checkpoint ref is required")
	}

	if _, err := os.Stat(path); err == nil {
		return Workspace{}, &CreationError{TaskID: taskID, Reason: fmt.Sprintf("path %s already exists", path)}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Workspace{}, fmt.Errorf("stat workspace path %s: %w", path, err)
	}

	inUse, err := manager.countInUse()
	if err != nil {
		return Workspace{}, err
	}
	if inUse >= manager.cfg.Concurrency.MaxWorkspaces {
		return Workspace{}, &CreationError{
			TaskID: taskID,
			Reason: fmt.Sprintf("workspace cap reached (%d active, max %d)", inUse, manager.cfg.Concurrency.MaxWorkspaces),
		}
	}

	if err := manager.checkDiskMargin(); err != nil {
		var creation *CreationError
		if errors.As(err, &creation) {
			creation.TaskID = taskID
		}
		return Workspace{}, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Workspace{}, fmt.Errorf("create workspaces directory: %w", err)
	}

	branch := manager.Branch(taskID)
	if _, err := manager.runGit("worktree", "add", "-b", branch, path, checkpointRef); err != nil {
		return Workspace{}, &CreationError{TaskID: taskID, Reason: err.Error()}
	}

	if manager.logger != nil {
		_ = manager.logger.LogWorkspaceCreate(taskID, path, branch)
	}
	return Workspace{TaskID: taskID, Path: path, Branch: branch}, nil
}

// Destroy removes a task workspace and its branch. When the task failed and
// retention is enabled, both are kept for inspection. Destroying an absent
// workspace still removes a leftover branch, so repeated teardown converges.
func (manager Manager) Destroy(taskID string, failed bool) error {
	path, err := manager.Path(taskID)
	if err != nil {
		return err
	}
	if failed && manager.cfg.Retention.KeepFailedWorkspaces {
		return nil
	}

	if err := manager.removeWorktree(path); err != nil {
		return err
	}
	branchDeleted, err := manager.DeleteBranch(taskID)
	if err != nil {
		return err
	}

	if manager.logger != nil {
		_ = manager.logger.LogWorkspaceDestroy(taskID, path, branchDeleted)
	}
	return nil
}

// Release removes the worktree once the task's work is committed on its
// branch, freeing a workspace slot. The branch survives for integration.
func (manager Manager) Release(taskID string) error {
	path, err := manager.Path(taskID)
	if err != nil {
		return err
	}
	if err := manager.removeWorktree(path); err != nil {
		return err
	}
	if manager.logger != nil {
		_ = manager.logger.LogWorkspaceDestroy(taskID, path, false)
	}
	return nil
}

// DeleteBranch removes the task branch when it still exists.
func (manager Manager) DeleteBranch(taskID string) (bool, error) {
	branch := manager.Branch(taskID)
	exists, err := manager.branchExists(branch)
	if err != nil || !exists {
		return false, err
	}
	if _, err := manager.runGit("branch", "-D", branch); err != nil {
		return false, err
	}
	if manager.logger != nil {
		_ = manager.logger.Log(audit.Entry{
			Event:  audit.EventBranchDelete,
			TaskID: taskID,
			Fields: []audit.Field{{Key: "branch", Value: branch}},
		})
	}
	return true, nil
}

// removeWorktree deletes the worktree directory; absent paths are a no-op.
func (manager Manager) removeWorktree(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat workspace path %s: %w", path, err)
	}

	if _, err := manager.runGit("worktree", "remove", "--force", path); err != nil {
		// The worktree may be damaged or half-created; remove the directory
		// and let git reconcile its bookkeeping.
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return fmt.Errorf("remove workspace %s: %w", path, rmErr)
		}
		_, _ = manager.runGit("worktree", "prune")
	}
	return nil
}

// countInUse counts on-disk workspaces that hold a concurrency slot. A
// retained directory of a terminal task is kept only for inspection and does
// not block new workspaces. Without a run record every directory counts.
func (manager Manager) countInUse() (int, error) {
	ids, err := manager.ListActive()
	if err != nil {
		return 0, err
	}
	rec, err := manager.records.Load()
	if err != nil {
		if errors.Is(err, store.ErrNoRecord) {
			return len(ids), nil
		}
		return 0, err
	}
	count := 0
	for _, id := range ids {
		ws, ok := rec.Workspaces[id]
		if ok && state.TaskTerminal(ws.Status) {
			continue
		}
		count++
	}
	return count, nil
}

// ListActive returns the task ids with a workspace directory on disk, sorted.
func (manager Manager) ListActive() ([]string, error) {
	dir := repo.WorkspacesPath(manager.repoRoot)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read workspaces directory %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// checkDiskMargin rejects creation when free space drops below the floor.
func (manager Manager) checkDiskMargin() error {
	minFree := int64(manager.cfg.Disk.MinFreeMB)
	if minFree <= 0 {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(manager.repoRoot, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", manager.repoRoot, err)
	}
	freeMB := int64(stat.Bavail) * stat.Bsize / (1024 * 1024)
	if freeMB < minFree {
		return &CreationError{
			Reason: fmt.Sprintf("insufficient disk space: %d MB free, %d MB required", freeMB, minFree),
		}
	}
	return nil
}

// branchExists reports whether a local branch exists in the repository.
func (manager Manager) branchExists(branch string) (bool, error) {
	_, err := manager.runGit("show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

// runGit executes a git command in the repo root.
func (manager Manager) runGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = manager.repoRoot
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("git %s failed: %w", strings.Join(args, " "), err)
	}
	return stdout.String(), nil
}

// Package repo locates the target git repository and its parwave control
// directories.
//
// Layout inside a target repo:
//
//	_parwave/config.json        committed orchestrator config
//	_parwave/tasks.yaml         committed task definitions
//	_parwave/_local-state/      transient run state, never committed
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	gitDirName = ".git"

	// ControlDirName is the committed parwave directory at the repo root.
	ControlDirName = "_parwave"
	// LocalStateDirName is the transient state directory under the control dir.
	LocalStateDirName = "_local-state"
	// WorkspacesDirName holds per-task worktrees under the local state dir.
	WorkspacesDirName = "workspaces"
	// LogsDirName holds per-task process output under the local state dir.
	LogsDirName = "logs"

	dirMode  = 0o755
	fileMode = 0o644
)

// ErrRepoNotFound is returned when no git repository root can be discovered.
var ErrRepoNotFound = errors.New("no git repository found")

// DiscoverRootFromCWD resolves the git repository root from the working directory.
func DiscoverRootFromCWD() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	return DiscoverRoot(cwd)
}

// DiscoverRoot resolves the git repository root by walking upward from start.
func DiscoverRoot(start string) (string, error) {
	if start == "" {
		return "", fmt.Errorf("%w: provide a start directory or run inside a repo", ErrRepoNotFound)
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %s: %w", start, err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve symlinks for %s: %w", abs, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("stat start path %s: %w", abs, err)
	}
	current := abs
	if !info.IsDir() {
		current = filepath.Dir(abs)
	}

	for {
		found, err := hasGitDir(current)
		if err != nil {
			return "", err
		}
		if found {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("%w from %s; run inside a git repo or initialize one with `git init`", ErrRepoNotFound, abs)
}

// hasGitDir reports whether the directory contains a .git entry. A regular
// file counts; worktrees and submodules use a .git file.
func hasGitDir(dir string) (bool, error) {
	path := filepath.Join(dir, gitDirName)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return info.IsDir() || info.Mode().IsRegular(), nil
}

// LocalStatePath returns the transient state directory for the repo.
func LocalStatePath(repoRoot string) string {
	return filepath.Join(repoRoot, ControlDirName, LocalStateDirName)
}

// WorkspacesPath returns the directory that holds per-task worktrees.
func WorkspacesPath(repoRoot string) string {
	return filepath.Join(LocalStatePath(repoRoot), WorkspacesDirName)
}

// LogsPath returns the directory that holds per-task process output.
func LogsPath(repoRoot string) string {
	return filepath.Join(LocalStatePath(repoRoot), LogsDirName)
}

// EnsureLocalState creates the transient state tree and keeps it out of
// version control with a self-excluding .gitignore.
func EnsureLocalState(repoRoot string) error {
	if repoRoot == "" {
		return errors.New("repo root is required")
	}
	stateDir := LocalStatePath(repoRoot)
	for _, dir := range []string{stateDir, WorkspacesPath(repoRoot), LogsPath(repoRoot)} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}

	ignorePath := filepath.Join(stateDir, ".gitignore")
	if _, err := os.Stat(ignorePath); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", ignorePath, err)
	}
	if err := os.WriteFile(ignorePath, []byte("*\n"), fileMode); err != nil {
		return fmt.Errorf("write %s: %w", ignorePath, err)
	}
	return nil
}

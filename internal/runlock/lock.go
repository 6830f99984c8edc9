// Package runlock serializes parwave runs against a repository.
//
// Exactly one orchestrator run may operate on a repo at a time. The lock is
// an advisory flock on a file under the local state directory, with the
// holder's pid, run id, and start time written into it so a second invocation
// can tell the operator who holds it and whether the holder is still alive.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/parwave/parwave/internal/repo"
)

const (
	lockFileName = "run.lock"
	lockFileMode = 0o644
)

// ErrLockHeld indicates another run is already operating on the repo.
var ErrLockHeld = errors.New("run lock already held")

// Lock holds the acquired run lock file handle.
type Lock struct {
	file *os.File
	path string
}

// Holder is the metadata written into the lock file.
type Holder struct {
	PID       int
	RunID     string
	StartedAt time.Time
}

// Acquire takes the exclusive run lock for the repo, recording the run id.
func Acquire(repoRoot string, runID string) (*Lock, error) {
	if repoRoot == "" {
		return nil, errors.New("repo root is required")
	}
	if runID == "" {
		return nil, errors.New("run id is required")
	}

	lockPath := filepath.Join(repo.LocalStatePath(repoRoot), lockFileName)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create run lock directory %s: %w", filepath.Dir(lockPath), err)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("open run lock %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %v", ErrLockHeld, describeHolder(lockPath))
		}
		return nil, fmt.Errorf("lock run lock %s: %w", lockPath, err)
	}

	if err := rejectStaleHolder(lockPath); err != nil {
		_ = unlockFile(file)
		_ = file.Close()
		return nil, err
	}

	holder := Holder{PID: os.Getpid(), RunID: runID, StartedAt: time.Now().UTC()}
	if err := writeHolder(file, holder); err != nil {
		_ = unlockFile(file)
		_ = file.Close()
		return nil, err
	}

	return &Lock{file: file, path: lockPath}, nil
}

// Release unlocks and removes the run lock file.
func (lock *Lock) Release() error {
	if lock == nil || lock.file == nil {
		return nil
	}
	if err := unlockFile(lock.file); err != nil {
		_ = lock.file.Close()
		return err
	}
	if err := lock.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(lock.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove run lock %s: %w", lock.path, err)
	}
	return nil
}

// rejectStaleHolder fails loudly when a previous holder died without
// releasing; the operator must remove the lock file deliberately.
func rejectStaleHolder(lockPath string) error {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read run lock %s: %w", lockPath, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}

	holder, err := parseHolder(data)
	if err != nil {
		return fmt.Errorf("stale run lock at %s: %w; remove the lock file to continue", lockPath, err)
	}
	alive, err := processAlive(holder.PID)
	if err != nil {
		return fmt.Errorf("verify run lock pid %d: %w", holder.PID, err)
	}
	if !alive {
		return fmt.Errorf("stale run lock at %s (run %s, pid %d since %s); remove the lock file to continue",
			lockPath, holder.RunID, holder.PID, holder.StartedAt.Format(time.RFC3339))
	}
	return nil
}

// describeHolder builds the lock-held message with metadata when available.
func describeHolder(lockPath string) error {
	data, err := os.ReadFile(lockPath)
	if err == nil {
		if holder, perr := parseHolder(data); perr == nil {
			return fmt.Errorf("run lock %s is held by run %s (pid %d since %s); wait for it to finish",
				lockPath, holder.RunID, holder.PID, holder.StartedAt.Format(time.RFC3339))
		}
	}
	return fmt.Errorf("run lock %s is already held; wait for the other run to finish", lockPath)
}

// parseHolder reads the holder metadata out of the lock file.
func parseHolder(data []byte) (Holder, error) {
	holder := Holder{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		switch key {
		case "pid":
			pid, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || pid <= 0 {
				return Holder{}, fmt.Errorf("parse pid %q", value)
			}
			holder.PID = pid
		case "run_id":
			holder.RunID = strings.TrimSpace(value)
		case "started_at":
			parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
			if err != nil {
				return Holder{}, fmt.Errorf("parse started_at: %w", err)
			}
			holder.StartedAt = parsed
		}
	}
	if holder.PID == 0 {
		return Holder{}, errors.New("missing pid")
	}
	if holder.RunID == "" {
		return Holder{}, errors.New("missing run_id")
	}
	if holder.StartedAt.IsZero() {
		return Holder{}, errors.New("missing started_at")
	}
	return holder, nil
}

// writeHolder truncates the lock file and records the new holder.
func writeHolder(file *os.File, holder Holder) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("truncate run lock: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return fmt.Errorf("seek run lock: %w", err)
	}
	payload := fmt.Sprintf("pid=%d\nrun_id=%s\nstarted_at=%s\n",
		holder.PID, holder.RunID, holder.StartedAt.Format(time.RFC3339))
	if _, err := file.WriteString(payload); err != nil {
		return fmt.Errorf("write run lock: %w", err)
	}
	return nil
}

// processAlive checks whether a pid references a running process.
func processAlive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syscall.ESRCH) {
		return false, nil
	}
	if errors.Is(err, syscall.EPERM) {
		return true, nil
	}
	return false, err
}

func unlockFile(file *os.File) error {
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("unlock run lock: %w", err)
	}
	return nil
}

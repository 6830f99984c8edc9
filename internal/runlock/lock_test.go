// Tests for run lock acquisition and holder metadata.
package runlock

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parwave/parwave/internal/repo"
)

// TestAcquireWritesHolderMetadata records pid, run id, and start time.
func TestAcquireWritesHolderMetadata(t *testing.T) {
	root := t.TempDir()

	lock, err := Acquire(root, "run-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			t.Fatalf("release: %v", err)
		}
	}()

	data, err := os.ReadFile(filepath.Join(repo.LocalStatePath(root), "run.lock"))
	if err != nil {
		t.Fatalf("read lock file: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "run_id=run-1") {
		t.Fatalf("expected run id in lock file, got %q", content)
	}
	if !strings.Contains(content, "pid=") || !strings.Contains(content, "started_at=") {
		t.Fatalf("expected holder metadata in lock file, got %q", content)
	}
}

// TestReleaseRemovesLockFile allows a fresh acquire after release.
func TestReleaseRemovesLockFile(t *testing.T) {
	root := t.TempDir()

	lock, err := Acquire(root, "run-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(repo.LocalStatePath(root), "run.lock")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected lock file removed, got %v", err)
	}

	again, err := Acquire(root, "run-2")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if err := again.Release(); err != nil {
		t.Fatalf("release again: %v", err)
	}
}

// TestAcquireRejectsStaleHolder refuses a lock left behind by a dead pid.
func TestAcquireRejectsStaleHolder(t *testing.T) {
	root := t.TempDir()
	lockPath := filepath.Join(repo.LocalStatePath(root), "run.lock")
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	stale := "pid=999999\nrun_id=run-0\nstarted_at=" + time.Now().UTC().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(lockPath, []byte(stale), 0o644); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	_, err := Acquire(root, "run-1")
	if err == nil {
		t.Fatal("expected stale lock error")
	}
	if !strings.Contains(err.Error(), "stale run lock") {
		t.Fatalf("expected stale lock message, got %v", err)
	}
}

// TestAcquireRequiresRunID rejects empty run identifiers.
func TestAcquireRequiresRunID(t *testing.T) {
	if _, err := Acquire(t.TempDir(), ""); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

// TestReleaseNilLock is a no-op.
func TestReleaseNilLock(t *testing.T) {
	var lock *Lock
	if err := lock.Release(); err != nil {
		t.Fatalf("release nil lock: %v", err)
	}
}

// End-to-end orchestrator tests against real git repositories.
package run

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parwave/parwave/internal/resolver"
	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
)

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s: %v: %s", strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// setupRepo builds a committed repo with the given parwave config and tasks.
func setupRepo(t *testing.T, configJSON string, tasksYAML string) string {
	t.Helper()
	root := t.TempDir()
	gitIn(t, root, "init", "--initial-branch=main")
	gitIn(t, root, "config", "user.email", "test@example.com")
	gitIn(t, root, "config", "user.name", "Test")

	require.NoError(t, os.MkdirAll(filepath.Join(root, "_parwave"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "_parwave", "config.json"), []byte(configJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "_parwave", "tasks.yaml"), []byte(tasksYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "base.txt"), []byte("base\n"), 0o644))
	gitIn(t, root, "add", ".")
	gitIn(t, root, "commit", "-m", "initial commit")

	resolved, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	return resolved
}

const baseConfig = `{"disk": {"min_free_mb": 0}}`

func loadRecord(t *testing.T, root string) store.Record {
	t.Helper()
	recordStore, err := store.NewStore(root)
	require.NoError(t, err)
	rec, err := recordStore.Load()
	require.NoError(t, err)
	return rec
}

func TestDryRunPrintsPlanWithoutSideEffects(t *testing.T) {
	root := setupRepo(t, baseConfig, `tasks:
  - id: alpha
    apply: ["sh", "-c", "true"]
    verify: {command: ["sh", "-c", "true"]}
  - id: beta
    depends_on: [alpha]
    apply: ["sh", "-c", "true"]
    verify: {command: ["sh", "-c", "true"]}
`)

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{DryRun: true, Out: &out})
	require.NoError(t, err)
	require.Equal(t, 2, rpt.Tasks)
	require.Equal(t, 2, rpt.Waves)
	require.Contains(t, out.String(), "wave 0:")
	require.Contains(t, out.String(), "wave 1:")

	require.Empty(t, gitIn(t, root, "tag"))
	_, err = os.Stat(filepath.Join(root, "_parwave", "_local-state", "run.json"))
	require.True(t, os.IsNotExist(err))
}

func TestRunCompletesIndependentTasks(t *testing.T) {
	root := setupRepo(t, baseConfig, `tasks:
  - id: task-a
    description: add file a
    apply: ["sh", "-c", "echo a > a.txt"]
    verify:
      command: ["sh", "-c", "test -f a.txt && echo 1 tests passed"]
      pass_pattern: '\d+ tests passed'
  - id: task-b
    description: add file b
    apply: ["sh", "-c", "echo b > b.txt"]
    verify: {command: ["sh", "-c", "test -f b.txt"]}
  - id: task-c
    description: add file c
    apply: ["sh", "-c", "echo c > c.txt"]
    verify: {command: ["sh", "-c", "test -f c.txt"]}
`)

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{Out: &out})
	require.NoError(t, err)
	require.Equal(t, state.RunComplete, rpt.Status)
	require.Equal(t, 3, rpt.Merged)
	require.Zero(t, rpt.Failed)

	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		_, err := os.Stat(filepath.Join(root, name))
		require.NoError(t, err, "expected %s on trunk", name)
	}

	log := gitIn(t, root, "log", "--format=%s")
	require.Contains(t, log, "parwave: task-a - add file a")
	require.Contains(t, log, "parwave: task-b - add file b")
	require.Contains(t, log, "parwave: task-c - add file c")

	// Workspaces and branches are gone after integration.
	entries, err := os.ReadDir(filepath.Join(root, "_parwave", "_local-state", "workspaces"))
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Empty(t, gitIn(t, root, "branch", "--list", "parwave/*"))

	rec := loadRecord(t, root)
	require.Equal(t, state.RunComplete, rec.Status)
	require.Greater(t, rpt.Efficiency, 0.0)
}

func TestFailedTaskBlocksDependentWithoutRollback(t *testing.T) {
	cfg := `{"disk": {"min_free_mb": 0}, "failure": {"threshold": 2}}`
	root := setupRepo(t, cfg, `tasks:
  - id: bad
    apply: ["sh", "-c", "true"]
    verify: {command: ["sh", "-c", "exit 1"]}
  - id: child
    depends_on: [bad]
    apply: ["sh", "-c", "echo child > child.txt"]
    verify: {command: ["sh", "-c", "true"]}
  - id: good
    apply: ["sh", "-c", "echo good > good.txt"]
    verify: {command: ["sh", "-c", "true"]}
`)

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{Out: &out})
	require.NoError(t, err)
	require.Equal(t, state.RunComplete, rpt.Status)
	require.Equal(t, 1, rpt.Merged)
	require.Equal(t, 1, rpt.Failed)
	require.Equal(t, 1, rpt.Blocked)

	rec := loadRecord(t, root)
	require.Equal(t, state.TaskFailed, rec.Workspaces["bad"].Status)
	require.Equal(t, state.TaskBlocked, rec.Workspaces["child"].Status)
	require.Equal(t, state.TaskComplete, rec.Workspaces["good"].Status)
	// Blocked dependents never ran and do not count as failures.
	require.Equal(t, 1, rec.FailedCount())

	_, err = os.Stat(filepath.Join(root, "good.txt"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "child.txt"))
	require.True(t, os.IsNotExist(err))

	// The failed workspace is retained by default for inspection.
	_, err = os.Stat(filepath.Join(root, "_parwave", "_local-state", "workspaces", "bad"))
	require.NoError(t, err)
}

// TestRetainedFailureDoesNotStarveLaterTasks keeps the workspace cap honest
// when a failed task's directory stays on disk under the retention default.
func TestRetainedFailureDoesNotStarveLaterTasks(t *testing.T) {
	cfg := `{"disk": {"min_free_mb": 0}, "concurrency": {"max_workspaces": 1}, "failure": {"threshold": 2}}`
	root := setupRepo(t, cfg, `tasks:
  - id: bad
    apply: ["sh", "-c", "exit 1"]
    verify: {command: ["sh", "-c", "true"]}
  - id: base-ok
    apply: ["sh", "-c", "echo ok > ok.txt"]
    verify: {command: ["sh", "-c", "true"]}
  - id: late
    depends_on: [base-ok]
    apply: ["sh", "-c", "echo late > late.txt"]
    verify: {command: ["sh", "-c", "true"]}
`)

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{Out: &out})
	require.NoError(t, err)
	require.Equal(t, state.RunComplete, rpt.Status)
	require.Equal(t, 2, rpt.Merged)
	require.Equal(t, 1, rpt.Failed)

	rec := loadRecord(t, root)
	require.Equal(t, state.TaskComplete, rec.Workspaces["base-ok"].Status)
	require.Equal(t, state.TaskComplete, rec.Workspaces["late"].Status)
	require.Equal(t, state.TaskFailed, rec.Workspaces["bad"].Status)
	require.NotContains(t, rec.Workspaces["base-ok"].ErrorDetail, "cap reached")
	require.NotContains(t, rec.Workspaces["late"].ErrorDetail, "cap reached")

	// The failed directory is still retained for inspection.
	_, err = os.Stat(filepath.Join(root, "_parwave", "_local-state", "workspaces", "bad"))
	require.NoError(t, err)
}

func TestThresholdBreachRollsBack(t *testing.T) {
	cfg := `{"disk": {"min_free_mb": 0}, "failure": {"threshold": 2}}`
	root := setupRepo(t, cfg, `tasks:
  - id: fail-1
    apply: ["sh", "-c", "exit 1"]
    verify: {command: ["sh", "-c", "true"]}
  - id: fail-2
    apply: ["sh", "-c", "exit 1"]
    verify: {command: ["sh", "-c", "true"]}
  - id: fail-3
    apply: ["sh", "-c", "exit 1"]
    verify: {command: ["sh", "-c", "true"]}
  - id: good
    apply: ["sh", "-c", "echo good > good.txt"]
    verify: {command: ["sh", "-c", "true"]}
`)
	headBefore := gitIn(t, root, "rev-parse", "HEAD")

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{Out: &out})
	require.NoError(t, err)
	require.Equal(t, state.RunRolledBack, rpt.Status)
	require.Equal(t, 3, rpt.Failed)
	require.Contains(t, rpt.FailureDetail, "threshold breached")

	require.Equal(t, headBefore, gitIn(t, root, "rev-parse", "HEAD"))
	_, err = os.Stat(filepath.Join(root, "good.txt"))
	require.True(t, os.IsNotExist(err))
	require.Empty(t, gitIn(t, root, "branch", "--list", "parwave/*"))

	rec := loadRecord(t, root)
	require.Equal(t, state.RunRolledBack, rec.Status)
}

func TestMergeConflictFailsTaskNotRun(t *testing.T) {
	cfg := `{"disk": {"min_free_mb": 0}, "failure": {"threshold": 1}}`
	root := setupRepo(t, cfg, `tasks:
  - id: edit-a
    apply: ["sh", "-c", "echo from-a > base.txt"]
    verify: {command: ["sh", "-c", "true"]}
  - id: edit-b
    apply: ["sh", "-c", "echo from-b > base.txt"]
    verify: {command: ["sh", "-c", "true"]}
`)

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{Out: &out})
	require.NoError(t, err)
	require.Equal(t, state.RunComplete, rpt.Status)
	require.Equal(t, 1, rpt.Merged)
	require.Equal(t, 1, rpt.Failed)

	// Merge order is deterministic; edit-a lands, edit-b conflicts.
	data, err := os.ReadFile(filepath.Join(root, "base.txt"))
	require.NoError(t, err)
	require.Equal(t, "from-a\n", string(data))

	rec := loadRecord(t, root)
	require.Equal(t, state.TaskComplete, rec.Workspaces["edit-a"].Status)
	require.Equal(t, state.TaskFailed, rec.Workspaces["edit-b"].Status)
	require.Contains(t, rec.Workspaces["edit-b"].ErrorDetail, "conflict")
}

func TestValidationFailureFailsRunInPlace(t *testing.T) {
	cfg := `{"disk": {"min_free_mb": 0}, "validation": {"command": ["sh", "-c", "exit 1"]}}`
	root := setupRepo(t, cfg, `tasks:
  - id: good
    description: add file
    apply: ["sh", "-c", "echo good > good.txt"]
    verify: {command: ["sh", "-c", "true"]}
`)
	headBefore := gitIn(t, root, "rev-parse", "HEAD")

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{Out: &out})
	require.NoError(t, err)
	require.Equal(t, state.RunFailed, rpt.Status)
	require.Contains(t, rpt.FailureDetail, "trunk validation failed")

	// The merged work stays in place for manual triage.
	require.NotEqual(t, headBefore, gitIn(t, root, "rev-parse", "HEAD"))
	_, err = os.Stat(filepath.Join(root, "good.txt"))
	require.NoError(t, err)
}

// TestRefusedRunLeavesNoCheckpointTag aborts cleanly when a previous run is
// still recorded in flight.
func TestRefusedRunLeavesNoCheckpointTag(t *testing.T) {
	root := setupRepo(t, baseConfig, `tasks:
  - id: alpha
    apply: ["sh", "-c", "true"]
    verify: {command: ["sh", "-c", "true"]}
`)
	recordStore, err := store.NewStore(root)
	require.NoError(t, err)
	waves := []resolver.Wave{{Index: 0, TaskIDs: []string{"alpha"}}}
	require.NoError(t, recordStore.Init(store.NewRecord("stale", "HEAD", waves)))
	_, err = recordStore.Update(func(r *store.Record) error {
		return r.TransitionRun(state.RunExecuting)
	})
	require.NoError(t, err)

	_, err = Execute(context.Background(), root, Options{Out: &bytes.Buffer{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "refusing to start a new run")
	require.Empty(t, gitIn(t, root, "tag", "--list", "parwave-checkpoint-*"))
}

func TestOnlyRestrictsRunToClosedSubset(t *testing.T) {
	root := setupRepo(t, baseConfig, `tasks:
  - id: alpha
    apply: ["sh", "-c", "echo a > a.txt"]
    verify: {command: ["sh", "-c", "true"]}
  - id: beta
    depends_on: [alpha]
    apply: ["sh", "-c", "echo b > b.txt"]
    verify: {command: ["sh", "-c", "true"]}
  - id: gamma
    apply: ["sh", "-c", "echo c > c.txt"]
    verify: {command: ["sh", "-c", "true"]}
`)

	// Selecting a dependent without its dependency is a structural error.
	_, err := Execute(context.Background(), root, Options{Only: []string{"beta"}, Out: &bytes.Buffer{}})
	require.Error(t, err)

	var out bytes.Buffer
	rpt, err := Execute(context.Background(), root, Options{Only: []string{"alpha", "beta"}, Out: &out})
	require.NoError(t, err)
	require.Equal(t, state.RunComplete, rpt.Status)
	require.Equal(t, 2, rpt.Merged)

	_, err = os.Stat(filepath.Join(root, "gamma.txt"))
	require.True(t, os.IsNotExist(err))
}

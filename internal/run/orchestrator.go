// Package run orchestrates a full migration run: planning, parallel task
// execution in waves, serialized integration, trunk validation, and rollback
// on threshold breach.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/checkpoint"
	"github.com/parwave/parwave/internal/config"
	"github.com/parwave/parwave/internal/executor"
	"github.com/parwave/parwave/internal/integrate"
	"github.com/parwave/parwave/internal/repo"
	"github.com/parwave/parwave/internal/resolver"
	"github.com/parwave/parwave/internal/runlock"
	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
	"github.com/parwave/parwave/internal/task"
	"github.com/parwave/parwave/internal/workspace"
)

// Options control a single orchestrator invocation.
type Options struct {
	// DryRun prints the wave plan and exits without side effects.
	DryRun bool
	// Only restricts the run to the named tasks and their closed dependency set.
	Only []string
	// Out receives progress and the final summary. Defaults to os.Stdout.
	Out io.Writer
}

// Orchestrator wires the run-scoped collaborators together.
type Orchestrator struct {
	repoRoot    string
	cfg         config.Config
	tasks       task.Set
	waves       []resolver.Wave
	store       store.Store
	logger      *audit.Logger
	workspaces  workspace.Manager
	executor    executor.Executor
	integrator  integrate.Integrator
	checkpoints checkpoint.Manager
	out         io.Writer
}

// Execute plans and runs a full migration run against the repo.
func Execute(ctx context.Context, repoRoot string, opts Options) (Report, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	// Structural failures must surface before any side effect.
	cfg, err := config.Load(repoRoot)
	if err != nil {
		return Report{}, err
	}
	tasks, err := task.LoadSet(repoRoot)
	if err != nil {
		return Report{}, err
	}
	tasks, err = tasks.Restrict(opts.Only)
	if err != nil {
		return Report{}, err
	}
	if tasks.Len() == 0 {
		return Report{}, errors.New("no tasks to run")
	}
	waves, err := resolver.Waves(tasks)
	if err != nil {
		return Report{}, err
	}

	if opts.DryRun {
		printPlan(out, tasks, waves)
		return Report{Status: "dry-run", Waves: len(waves), Tasks: tasks.Len()}, nil
	}

	runID := uuid.NewString()
	lock, err := runlock.Acquire(repoRoot, runID)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			fmt.Fprintf(out, "warning: release run lock: %v\n", releaseErr)
		}
	}()

	if err := repo.EnsureLocalState(repoRoot); err != nil {
		return Report{}, err
	}
	logger, err := audit.NewLogger(repoRoot, out)
	if err != nil {
		return Report{}, err
	}
	recordStore, err := store.NewStore(repoRoot)
	if err != nil {
		return Report{}, err
	}
	workspaces, err := workspace.NewManager(repoRoot, cfg, recordStore, logger)
	if err != nil {
		return Report{}, err
	}
	integrator, err := integrate.New(repoRoot, cfg, logger)
	if err != nil {
		return Report{}, err
	}
	checkpoints, err := checkpoint.NewManager(repoRoot, recordStore, workspaces, integrator, logger)
	if err != nil {
		return Report{}, err
	}

	orchestrator := &Orchestrator{
		repoRoot:    repoRoot,
		cfg:         cfg,
		tasks:       tasks,
		waves:       waves,
		store:       recordStore,
		logger:      logger,
		workspaces:  workspaces,
		executor:    executor.New(repoRoot, cfg, recordStore, logger),
		integrator:  integrator,
		checkpoints: checkpoints,
		out:         out,
	}
	return orchestrator.run(ctx, runID)
}

// run drives the whole lifecycle for one run id.
func (o *Orchestrator) run(ctx context.Context, runID string) (Report, error) {
	checkpointRef, err := o.checkpoints.Create(runID)
	if err != nil {
		return Report{}, err
	}
	if err := o.store.Init(store.NewRecord(runID, checkpointRef, o.waves)); err != nil {
		// The tag was never recorded anywhere; do not leave it behind.
		if delErr := o.checkpoints.Delete(checkpointRef); delErr != nil {
			fmt.Fprintf(o.out, "warning: %v\n", delErr)
		}
		return Report{}, err
	}
	fmt.Fprintf(o.out, "run %s: checkpoint %s, %d tasks in %d waves\n",
		runID, checkpointRef, o.tasks.Len(), len(o.waves))

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout())
	defer cancel()

	if err := o.transitionRun(state.RunExecuting); err != nil {
		return Report{}, err
	}

	rolledBack, err := o.executeWaves(runCtx)
	if err != nil {
		return o.report(err)
	}
	if rolledBack {
		return o.report(nil)
	}

	if err := o.transitionRun(state.RunMerging); err != nil {
		return o.report(err)
	}
	rolledBack, err = o.mergeInOrder(runCtx)
	if err != nil {
		return o.report(err)
	}
	if rolledBack {
		return o.report(nil)
	}

	if err := o.transitionRun(state.RunValidating); err != nil {
		return o.report(err)
	}
	if err := o.validateTrunk(runCtx); err != nil {
		// The trunk holds merged work that passed per-task verification, so
		// the run fails in place for manual triage instead of auto-rollback.
		if failErr := o.failRun(err.Error()); failErr != nil {
			return o.report(failErr)
		}
		return o.report(nil)
	}

	if err := o.transitionRun(state.RunComplete); err != nil {
		return o.report(err)
	}
	return o.report(nil)
}

// executeWaves runs every wave with a barrier between waves. It returns true
// when the failure threshold was breached and the run was rolled back.
func (o *Orchestrator) executeWaves(ctx context.Context) (bool, error) {
	for _, wave := range o.waves {
		if ctx.Err() != nil {
			return o.failAndRollback(ctx, fmt.Sprintf("run timed out before wave %d", wave.Index))
		}

		runnable, err := o.blockDependentsOf(wave)
		if err != nil {
			return false, err
		}
		if len(runnable) > 0 {
			fmt.Fprintf(o.out, "wave %d: running %s\n", wave.Index, strings.Join(runnable, ", "))
		}

		if err := o.runWave(ctx, runnable); err != nil {
			return false, err
		}

		rec, err := o.store.Load()
		if err != nil {
			return false, err
		}
		if rec.FailedCount() > o.cfg.Failure.Threshold {
			return o.failAndRollback(ctx, fmt.Sprintf(
				"failure threshold breached after wave %d: %d failed, %d tolerated",
				wave.Index, rec.FailedCount(), o.cfg.Failure.Threshold))
		}
	}
	return false, nil
}

// runWave executes the runnable tasks of one wave in parallel, bounded by
// the workspace cap, and waits for all of them.
func (o *Orchestrator) runWave(ctx context.Context, taskIDs []string) error {
	sem := make(chan struct{}, o.cfg.Concurrency.MaxWorkspaces)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var fatal []error

	for _, id := range taskIDs {
		tsk, ok := o.tasks.Get(id)
		if !ok {
			return fmt.Errorf("task %s missing from task set", id)
		}
		wg.Add(1)
		go func(tsk task.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := o.runTask(ctx, tsk); err != nil {
				mu.Lock()
				fatal = append(fatal, err)
				mu.Unlock()
			}
		}(tsk)
	}
	wg.Wait()

	if len(fatal) > 0 {
		return errors.Join(fatal...)
	}
	return nil
}

// runTask takes one task from workspace creation through verification and
// integration-request opening. Task-level failures are recorded in the run
// record; only run-record maintenance errors are returned.
func (o *Orchestrator) runTask(ctx context.Context, tsk task.Task) error {
	rec, err := o.store.Load()
	if err != nil {
		return err
	}

	ws, err := o.workspaces.Create(tsk.ID, rec.CheckpointRef)
	if err != nil {
		var creation *workspace.CreationError
		if errors.As(err, &creation) {
			return o.failTask(tsk.ID, creation.Reason)
		}
		return err
	}

	outcome, err := o.executor.Run(ctx, tsk, ws)
	if err != nil {
		return err
	}
	if !outcome.Passed {
		fmt.Fprintf(o.out, "task %s: failed (%s)\n", tsk.ID, outcome.Detail)
		return o.workspaces.Destroy(tsk.ID, true)
	}

	ref, err := o.integrator.Open(ctx, tsk, ws.Path, ws.Branch)
	if err != nil {
		if failErr := o.failTask(tsk.ID, fmt.Sprintf("open integration request: %v", err)); failErr != nil {
			return failErr
		}
		return o.workspaces.Destroy(tsk.ID, true)
	}
	_, err = o.store.Update(func(r *store.Record) error {
		w, wErr := r.Workspace(tsk.ID)
		if wErr != nil {
			return wErr
		}
		w.IntegrationRef = ref
		return nil
	})
	if err != nil {
		return err
	}

	// The work is committed on the task branch; free the workspace slot.
	if err := o.workspaces.Release(tsk.ID); err != nil {
		return err
	}
	fmt.Fprintf(o.out, "task %s: verified, integration ref %s\n", tsk.ID, ref)
	return nil
}

// blockDependentsOf marks wave tasks whose dependencies failed or were
// blocked, and returns the ids that may still run.
func (o *Orchestrator) blockDependentsOf(wave resolver.Wave) ([]string, error) {
	rec, err := o.store.Load()
	if err != nil {
		return nil, err
	}

	runnable := make([]string, 0, len(wave.TaskIDs))
	for _, id := range wave.TaskIDs {
		tsk, ok := o.tasks.Get(id)
		if !ok {
			return nil, fmt.Errorf("task %s missing from task set", id)
		}
		blockedBy := ""
		for _, dep := range tsk.DependsOn {
			depWS, wsErr := rec.Workspace(dep)
			if wsErr != nil {
				return nil, wsErr
			}
			if depWS.Status == state.TaskFailed || depWS.Status == state.TaskBlocked {
				blockedBy = dep
				break
			}
		}
		if blockedBy == "" {
			runnable = append(runnable, id)
			continue
		}
		_, err := o.store.Update(func(r *store.Record) error {
			w, wErr := r.Workspace(id)
			if wErr != nil {
				return wErr
			}
			w.ErrorDetail = fmt.Sprintf("dependency %s did not complete", blockedBy)
			return r.Transition(id, state.TaskBlocked)
		})
		if err != nil {
			return nil, err
		}
		_ = o.logger.LogTaskTransition(id, string(state.TaskWaiting), string(state.TaskBlocked))
		fmt.Fprintf(o.out, "task %s: blocked by %s\n", id, blockedBy)
	}
	return runnable, nil
}

// mergeInOrder integrates verified tasks one at a time in dependency order.
// It returns true when a conflict pushed failures past the threshold and the
// run was rolled back.
func (o *Orchestrator) mergeInOrder(ctx context.Context) (bool, error) {
	for _, id := range resolver.MergeOrder(o.waves) {
		if ctx.Err() != nil {
			return o.failAndRollback(ctx, fmt.Sprintf("run timed out before merging task %s", id))
		}

		rec, err := o.store.Load()
		if err != nil {
			return false, err
		}
		ws, err := rec.Workspace(id)
		if err != nil {
			return false, err
		}
		if ws.Status != state.TaskPRCreated {
			continue
		}
		tsk, ok := o.tasks.Get(id)
		if !ok {
			return false, fmt.Errorf("task %s missing from task set", id)
		}

		mergeErr := o.integrator.Merge(ctx, tsk, ws.IntegrationRef)
		if mergeErr != nil {
			var conflict *integrate.ConflictError
			if !errors.As(mergeErr, &conflict) {
				return false, mergeErr
			}
			if err := o.failTask(id, conflict.Detail); err != nil {
				return false, err
			}
			if !o.cfg.Retention.KeepFailedWorkspaces {
				if _, err := o.workspaces.DeleteBranch(id); err != nil {
					return false, err
				}
			}
			fmt.Fprintf(o.out, "task %s: merge conflict, failed\n", id)

			rec, err := o.store.Load()
			if err != nil {
				return false, err
			}
			if rec.FailedCount() > o.cfg.Failure.Threshold {
				return o.failAndRollback(ctx, fmt.Sprintf(
					"failure threshold breached while merging: %d failed, %d tolerated",
					rec.FailedCount(), o.cfg.Failure.Threshold))
			}
			continue
		}

		if err := o.completeTask(id); err != nil {
			return false, err
		}
		if _, err := o.workspaces.DeleteBranch(id); err != nil {
			return false, err
		}
		fmt.Fprintf(o.out, "task %s: merged\n", id)
	}
	return false, nil
}

// validateTrunk runs the configured trunk-wide verification command.
func (o *Orchestrator) validateTrunk(ctx context.Context) error {
	command := o.cfg.Validation.Command
	if len(command) == 0 {
		return nil
	}
	fmt.Fprintf(o.out, "validating trunk: %s\n", strings.Join(command, " "))
	if err := runTrunkCommand(ctx, o.repoRoot, command); err != nil {
		return fmt.Errorf("trunk validation failed: %w", err)
	}
	return nil
}

// failTask records a terminal task failure outside the executor.
func (o *Orchestrator) failTask(taskID string, detail string) error {
	var from state.TaskStatus
	_, err := o.store.Update(func(r *store.Record) error {
		w, wErr := r.Workspace(taskID)
		if wErr != nil {
			return wErr
		}
		from = w.Status
		w.ErrorDetail = detail
		return r.Transition(taskID, state.TaskFailed)
	})
	if err != nil {
		return err
	}
	_ = o.logger.LogTaskTransition(taskID, string(from), string(state.TaskFailed))
	return nil
}

// completeTask records a merged task.
func (o *Orchestrator) completeTask(taskID string) error {
	_, err := o.store.Update(func(r *store.Record) error {
		return r.Transition(taskID, state.TaskComplete)
	})
	if err != nil {
		return err
	}
	_ = o.logger.LogTaskTransition(taskID, string(state.TaskPRCreated), string(state.TaskComplete))
	return nil
}

// transitionRun records a run lifecycle change.
func (o *Orchestrator) transitionRun(to state.RunStatus) error {
	var from state.RunStatus
	var runID string
	_, err := o.store.Update(func(r *store.Record) error {
		from = r.Status
		runID = r.RunID
		return r.TransitionRun(to)
	})
	if err != nil {
		return err
	}
	_ = o.logger.LogRunTransition(runID, string(from), string(to))
	return nil
}

// failRun marks the run failed with the reason recorded.
func (o *Orchestrator) failRun(detail string) error {
	var from state.RunStatus
	var runID string
	_, err := o.store.Update(func(r *store.Record) error {
		from = r.Status
		runID = r.RunID
		r.FailureDetail = detail
		return r.TransitionRun(state.RunFailed)
	})
	if err != nil {
		return err
	}
	_ = o.logger.LogRunTransition(runID, string(from), string(state.RunFailed))
	fmt.Fprintf(o.out, "run failed: %s\n", detail)
	return nil
}

// failAndRollback fails the run and restores the checkpoint. Rollback uses a
// fresh context; the run context may already be expired.
func (o *Orchestrator) failAndRollback(ctx context.Context, detail string) (bool, error) {
	if err := o.failRun(detail); err != nil {
		return false, err
	}
	rollbackCtx := context.WithoutCancel(ctx)
	if err := o.checkpoints.Rollback(rollbackCtx); err != nil {
		return false, fmt.Errorf("rollback after failure: %w", err)
	}
	fmt.Fprintln(o.out, "rolled back to checkpoint")
	return true, nil
}

// printPlan renders the dry-run wave plan.
func printPlan(out io.Writer, tasks task.Set, waves []resolver.Wave) {
	fmt.Fprintf(out, "plan: %d tasks in %d waves\n", tasks.Len(), len(waves))
	for _, wave := range waves {
		fmt.Fprintf(out, "wave %d:\n", wave.Index)
		for _, id := range wave.TaskIDs {
			tsk, _ := tasks.Get(id)
			line := fmt.Sprintf("  %s", id)
			if tsk.EstimatedMinutes > 0 {
				line += fmt.Sprintf(" (~%dm)", tsk.EstimatedMinutes)
			}
			if len(tsk.DependsOn) > 0 {
				line += fmt.Sprintf(" deps: %s", strings.Join(tsk.DependsOn, ", "))
			}
			fmt.Fprintln(out, line)
		}
	}
}

// Package executor drives a single task through its apply and verify steps
// inside an isolated workspace.
//
// Apply and verify run as contained child processes with a per-task timeout.
// Verification must exit zero and, when a pass pattern is configured, its
// stdout must match the pattern. A failed verification is retried exactly
// once before the task is marked failed.
package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/config"
	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
	"github.com/parwave/parwave/internal/task"
	"github.com/parwave/parwave/internal/workspace"
)

// verifyAttempts is how many times verification runs before the task fails.
const verifyAttempts = 2

// Outcome reports what one task execution produced.
type Outcome struct {
	TaskID string
	Passed bool
	Detail string
}

// Executor runs tasks in their workspaces and records transitions.
type Executor struct {
	repoRoot string
	cfg      config.Config
	store    store.Store
	logger   *audit.Logger
}

// New constructs an Executor.
func New(repoRoot string, cfg config.Config, recordStore store.Store, logger *audit.Logger) Executor {
	return Executor{repoRoot: repoRoot, cfg: cfg, store: recordStore, logger: logger}
}

// Run executes one task's apply and verify steps in its workspace. The
// returned Outcome reports pass or fail; an error means the run record could
// not be maintained, which is fatal for the run.
func (e Executor) Run(ctx context.Context, tsk task.Task, ws workspace.Workspace) (Outcome, error) {
	if err := e.checkDependencies(tsk); err != nil {
		return e.fail(tsk.ID, err.Error())
	}

	if err := e.transition(tsk.ID, state.TaskImplementing); err != nil {
		return Outcome{}, err
	}

	applyResult, err := e.runStep(ctx, tsk.ID, ws.Path, tsk.Apply, "apply")
	if err != nil {
		return Outcome{}, err
	}
	if applyResult.TimedOut {
		_ = e.logger.LogExecTimeout(tsk.ID, e.cfg.Timeouts.TaskSeconds)
		return e.fail(tsk.ID, fmt.Sprintf("apply timed out after %d seconds", e.cfg.Timeouts.TaskSeconds))
	}
	if applyResult.ExitCode != 0 {
		return e.fail(tsk.ID, fmt.Sprintf("apply exited with code %d; see %s", applyResult.ExitCode, applyResult.StderrPath))
	}

	if err := e.transition(tsk.ID, state.TaskVerifying); err != nil {
		return Outcome{}, err
	}

	var lastDetail string
	for attempt := 1; attempt <= verifyAttempts; attempt++ {
		label := fmt.Sprintf("verify-%d", attempt)
		verifyResult, err := e.runStep(ctx, tsk.ID, ws.Path, tsk.Verify.Command, label)
		if err != nil {
			return Outcome{}, err
		}
		if verifyResult.TimedOut {
			_ = e.logger.LogExecTimeout(tsk.ID, e.cfg.Timeouts.TaskSeconds)
			lastDetail = fmt.Sprintf("verify timed out after %d seconds", e.cfg.Timeouts.TaskSeconds)
			continue
		}
		if verifyResult.ExitCode != 0 {
			lastDetail = fmt.Sprintf("verify exited with code %d; see %s", verifyResult.ExitCode, verifyResult.StderrPath)
			continue
		}
		matched, err := matchPassPattern(tsk.Verify.PassPattern, verifyResult.Stdout)
		if err != nil {
			return e.fail(tsk.ID, err.Error())
		}
		if !matched {
			lastDetail = fmt.Sprintf("verify output did not match pass pattern %q; see %s",
				tsk.Verify.PassPattern, verifyResult.StdoutPath)
			continue
		}
		return e.pass(tsk.ID, fmt.Sprintf("verification passed on attempt %d", attempt))
	}

	return e.fail(tsk.ID, lastDetail)
}

// checkDependencies re-validates that every dependency reached a satisfying
// state. The scheduler only releases a task after its wave barrier, so a
// violation here means the run record was tampered with or the scheduler has
// a bug; either way the task must not run.
func (e Executor) checkDependencies(tsk task.Task) error {
	if len(tsk.DependsOn) == 0 {
		return nil
	}
	rec, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load run record: %w", err)
	}
	for _, dep := range tsk.DependsOn {
		ws, err := rec.Workspace(dep)
		if err != nil {
			return fmt.Errorf("dependency %s of task %s: %w", dep, tsk.ID, err)
		}
		if ws.Status != state.TaskPRCreated && ws.Status != state.TaskComplete {
			return fmt.Errorf("dependency %s of task %s is %s, not satisfied", dep, tsk.ID, ws.Status)
		}
	}
	return nil
}

// runStep executes one contained child process and records its pid.
func (e Executor) runStep(ctx context.Context, taskID string, dir string, command []string, label string) (procResult, error) {
	spec := procSpec{
		Command: command,
		Dir:     dir,
		TaskID:  taskID,
		Label:   label,
		Timeout: e.cfg.TaskTimeout(),
		OnStart: func(pid int) {
			_, _ = e.store.Update(func(rec *store.Record) error {
				ws, err := rec.Workspace(taskID)
				if err != nil {
					return err
				}
				ws.PID = pid
				return nil
			})
		},
	}
	result, err := runProcess(ctx, e.repoRoot, spec)
	if err != nil {
		return procResult{}, err
	}

	// The pid is only useful while the process lives.
	_, _ = e.store.Update(func(rec *store.Record) error {
		ws, wsErr := rec.Workspace(taskID)
		if wsErr != nil {
			return wsErr
		}
		ws.PID = 0
		return nil
	})
	return result, nil
}

// transition records a task lifecycle change in the store and audit log.
func (e Executor) transition(taskID string, to state.TaskStatus) error {
	var from state.TaskStatus
	_, err := e.store.Update(func(rec *store.Record) error {
		ws, wsErr := rec.Workspace(taskID)
		if wsErr != nil {
			return wsErr
		}
		from = ws.Status
		return rec.Transition(taskID, to)
	})
	if err != nil {
		return err
	}
	if e.logger != nil {
		_ = e.logger.LogTaskTransition(taskID, string(from), string(to))
	}
	return nil
}

// pass records a successful verification and moves the task to pr_created.
func (e Executor) pass(taskID string, detail string) (Outcome, error) {
	var from state.TaskStatus
	_, err := e.store.Update(func(rec *store.Record) error {
		ws, wsErr := rec.Workspace(taskID)
		if wsErr != nil {
			return wsErr
		}
		from = ws.Status
		ws.Result = &store.Result{VerificationPassed: true, Details: detail}
		return rec.Transition(taskID, state.TaskPRCreated)
	})
	if err != nil {
		return Outcome{}, err
	}
	if e.logger != nil {
		_ = e.logger.LogTaskTransition(taskID, string(from), string(state.TaskPRCreated))
	}
	return Outcome{TaskID: taskID, Passed: true, Detail: detail}, nil
}

// fail records a terminal failure with its reason.
func (e Executor) fail(taskID string, detail string) (Outcome, error) {
	if strings.TrimSpace(detail) == "" {
		detail = "task failed"
	}
	var from state.TaskStatus
	_, err := e.store.Update(func(rec *store.Record) error {
		ws, wsErr := rec.Workspace(taskID)
		if wsErr != nil {
			return wsErr
		}
		from = ws.Status
		ws.ErrorDetail = detail
		if ws.Result == nil {
			ws.Result = &store.Result{VerificationPassed: false, Details: detail}
		}
		return rec.Transition(taskID, state.TaskFailed)
	})
	if err != nil {
		return Outcome{}, err
	}
	if e.logger != nil {
		_ = e.logger.LogTaskTransition(taskID, string(from), string(state.TaskFailed))
	}
	return Outcome{TaskID: taskID, Passed: false, Detail: detail}, nil
}

// matchPassPattern applies the optional verification output pattern.
func matchPassPattern(pattern string, output string) (bool, error) {
	if strings.TrimSpace(pattern) == "" {
		return true, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.Multiline)
	if err != nil {
		return false, fmt.Errorf("compile pass pattern %q: %w", pattern, err)
	}
	matched, err := re.MatchString(output)
	if err != nil {
		return false, fmt.Errorf("match pass pattern %q: %w", pattern, err)
	}
	return matched, nil
}

// Package store persists the single run record that every component reads
// and updates. The record is the writer-of-record for the whole system: all
// status transitions flow through Store.Update, which performs an atomic
// read-modify-write under an advisory lock and renames a fully-written temp
// file over the previous record, so a crash mid-write never leaves a torn
// file behind and concurrent writers never lose an update.
package store

import (
	"fmt"
	"time"

	"github.com/parwave/parwave/internal/resolver"
	"github.com/parwave/parwave/internal/state"
)

// Record is the execution context for one run: the authoritative, durable
// view of the run and every task workspace in it.
type Record struct {
	RunID         string                `json:"run_id"`
	CheckpointRef string                `json:"checkpoint_ref"`
	Status        state.RunStatus       `json:"status"`
	Waves         []resolver.Wave       `json:"waves"`
	Workspaces    map[string]*Workspace `json:"workspaces"`
	StartTime     time.Time             `json:"start_time"`
	EndTime       *time.Time            `json:"end_time,omitempty"`
	FailureDetail string                `json:"failure_detail,omitempty"`
}

// Workspace is the mutable per-task record: one isolated working copy bound
// to one task for the duration of a run.
type Workspace struct {
	TaskID         string           `json:"task_id"`
	Path           string           `json:"path,omitempty"`
	Branch         string           `json:"branch,omitempty"`
	Status         state.TaskStatus `json:"status"`
	Wave           int              `json:"wave"`
	PID            int              `json:"pid,omitempty"`
	StartTime      *time.Time       `json:"start_time,omitempty"`
	EndTime        *time.Time       `json:"end_time,omitempty"`
	Result         *Result          `json:"result,omitempty"`
	IntegrationRef string           `json:"integration_ref,omitempty"`
	ErrorDetail    string           `json:"error_detail,omitempty"`
}

// Result captures a task's verification outcome. Populated exactly once,
// when verification completes.
type Result struct {
	VerificationPassed bool   `json:"verification_passed"`
	Details            string `json:"details,omitempty"`
}

// Summary holds the derived per-status task counts for a record.
type Summary struct {
	Waiting    int `json:"waiting"`
	InProgress int `json:"in_progress"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

// NewRecord builds the initial record for a run, with every task waiting.
func NewRecord(runID string, checkpointRef string, waves []resolver.Wave) Record {
	workspaces := make(map[string]*Workspace)
	for _, wave := range waves {
		for _, id := range wave.TaskIDs {
			workspaces[id] = &Workspace{
				TaskID: id,
				Status: state.TaskWaiting,
				Wave:   wave.Index,
			}
		}
	}
	return Record{
		RunID:         runID,
		CheckpointRef: checkpointRef,
		Status:        state.RunInitializing,
		Waves:         waves,
		Workspaces:    workspaces,
		StartTime:     time.Now().UTC(),
	}
}

// Summarize derives the per-status counts from the record.
func (rec Record) Summarize() Summary {
	var summary Summary
	for _, ws := range rec.Workspaces {
		switch ws.Status {
		case state.TaskWaiting:
			summary.Waiting++
		case state.TaskComplete:
			summary.Complete++
		case state.TaskFailed:
			summary.Failed++
		case state.TaskBlocked:
			summary.Blocked++
		default:
			summary.InProgress++
		}
	}
	return summary
}

// FailedCount returns the number of failed tasks. Blocked dependents are not
// failures; they never ran.
func (rec Record) FailedCount() int {
	count := 0
	for _, ws := range rec.Workspaces {
		if ws.Status == state.TaskFailed {
			count++
		}
	}
	return count
}

// Workspace returns the workspace record for a task id.
func (rec Record) Workspace(taskID string) (*Workspace, error) {
	ws, ok := rec.Workspaces[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s not found in run record", taskID)
	}
	return ws, nil
}

// Transition moves a workspace to a new status, enforcing the lifecycle guard.
func (rec *Record) Transition(taskID string, to state.TaskStatus) error {
	ws, err := rec.Workspace(taskID)
	if err != nil {
		return err
	}
	if err := state.ValidateTaskTransition(ws.Status, to); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	ws.Status = to
	now := time.Now().UTC()
	switch to {
	case state.TaskImplementing:
		ws.StartTime = &now
	case state.TaskPRCreated, state.TaskComplete, state.TaskFailed, state.TaskBlocked:
		// EndTime marks the end of the task's own work. A verified task is
		// stamped at pr_created; the later wait for its serialized merge is
		// not task work and must not count toward its duration.
		if ws.EndTime == nil {
			ws.EndTime = &now
		}
	}
	return nil
}

// TransitionRun moves the run to a new status, enforcing the lifecycle guard.
func (rec *Record) TransitionRun(to state.RunStatus) error {
	if err := state.ValidateRunTransition(rec.Status, to); err != nil {
		return err
	}
	rec.Status = to
	if state.RunTerminal(to) || to == state.RunFailed {
		now := time.Now().UTC()
		rec.EndTime = &now
	}
	return nil
}

// Duration returns the elapsed wall-clock time for a workspace, when known.
func (ws Workspace) Duration() (time.Duration, bool) {
	if ws.StartTime == nil || ws.EndTime == nil {
		return 0, false
	}
	return ws.EndTime.Sub(*ws.StartTime), true
}

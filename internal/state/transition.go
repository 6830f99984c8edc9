// Package state defines the task and run lifecycle state machines.
package state

import "fmt"

// TaskStatus labels the lifecycle state of a task's workspace.
type TaskStatus string

const (
	// TaskWaiting indicates the task has not been scheduled yet.
	TaskWaiting TaskStatus = "waiting"
	// TaskImplementing indicates the task's change is being applied in its workspace.
	TaskImplementing TaskStatus = "implementing"
	// TaskVerifying indicates the task's verification step is running.
	TaskVerifying TaskStatus = "verifying"
	// TaskPRCreated indicates verification passed and an integration request is open or pending.
	TaskPRCreated TaskStatus = "pr_created"
	// TaskComplete indicates the task's change is merged into the trunk.
	TaskComplete TaskStatus = "complete"
	// TaskFailed indicates the task failed and will not be integrated.
	TaskFailed TaskStatus = "failed"
	// TaskBlocked indicates a dependency failed, so the task was never scheduled.
	TaskBlocked TaskStatus = "blocked"
)

// RunStatus labels the lifecycle state of an orchestrator run.
type RunStatus string

const (
	// RunInitializing covers checkpointing and wave planning.
	RunInitializing RunStatus = "initializing"
	// RunExecuting covers parallel task execution, wave by wave.
	RunExecuting RunStatus = "executing"
	// RunMerging covers serialized integration of successful tasks.
	RunMerging RunStatus = "merging"
	// RunValidating covers the final trunk-wide verification pass.
	RunValidating RunStatus = "validating"
	// RunComplete is the terminal success state.
	RunComplete RunStatus = "complete"
	// RunFailed is reached from any non-terminal state on threshold breach,
	// run timeout, validation failure, or operator request.
	RunFailed RunStatus = "failed"
	// RunRolledBack indicates the trunk was restored to the pre-run checkpoint.
	RunRolledBack RunStatus = "rolled_back"
)

// allowedTaskTransitions defines the permitted task lifecycle changes.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskWaiting: {
		TaskImplementing: {},
		TaskBlocked:      {},
		TaskFailed:       {},
	},
	TaskImplementing: {
		TaskVerifying: {},
		TaskFailed:    {},
	},
	TaskVerifying: {
		TaskPRCreated: {},
		TaskFailed:    {},
	},
	TaskPRCreated: {
		TaskComplete: {},
		TaskFailed:   {},
	},
	TaskComplete: {},
	TaskFailed:   {},
	TaskBlocked:  {},
}

// allowedRunTransitions defines the permitted run lifecycle changes.
var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunInitializing: {
		RunExecuting: {},
		RunFailed:    {},
	},
	RunExecuting: {
		RunMerging: {},
		RunFailed:  {},
	},
	RunMerging: {
		RunValidating: {},
		RunFailed:     {},
	},
	RunValidating: {
		RunComplete: {},
		RunFailed:   {},
	},
	RunComplete: {},
	RunFailed: {
		RunRolledBack: {},
	},
	RunRolledBack: {},
}

// TaskTerminal reports whether the task status admits no further transitions.
func TaskTerminal(status TaskStatus) bool {
	return status == TaskComplete || status == TaskFailed || status == TaskBlocked
}

// RunTerminal reports whether the run status admits no further transitions.
func RunTerminal(status RunStatus) bool {
	return status == RunComplete || status == RunRolledBack
}

// ValidTaskTransition reports whether the task lifecycle allows the change.
func ValidTaskTransition(from TaskStatus, to TaskStatus) bool {
	if from == "" || to == "" {
		return false
	}
	allowed, ok := allowedTaskTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateTaskTransition returns an error when a task lifecycle change is not allowed.
func ValidateTaskTransition(from TaskStatus, to TaskStatus) error {
	if !ValidTaskTransition(from, to) {
		return fmt.Errorf("invalid task status transition from %q to %q", from, to)
	}
	return nil
}

// ValidRunTransition reports whether the run lifecycle allows the change.
func ValidRunTransition(from RunStatus, to RunStatus) bool {
	if from == "" || to == "" {
		return false
	}
	allowed, ok := allowedRunTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// ValidateRunTransition returns an error when a run lifecycle change is not allowed.
func ValidateRunTransition(from RunStatus, to RunStatus) error {
	if !ValidRunTransition(from, to) {
		return fmt.Errorf("invalid run status transition from %q to %q", from, to)
	}
	return nil
}

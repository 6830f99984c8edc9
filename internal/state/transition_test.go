// Tests for lifecycle transition guards.
package state

import "testing"

// TestValidTaskTransitions exercises the allowed task lifecycle path.
func TestValidTaskTransitions(t *testing.T) {
	path := []TaskStatus{TaskWaiting, TaskImplementing, TaskVerifying, TaskPRCreated, TaskComplete}
	for i := 0; i < len(path)-1; i++ {
		if !ValidTaskTransition(path[i], path[i+1]) {
			t.Fatalf("expected %s -> %s to be allowed", path[i], path[i+1])
		}
	}
}

// TestInvalidTaskTransitions rejects skips and exits from terminal states.
func TestInvalidTaskTransitions(t *testing.T) {
	cases := []struct {
		from TaskStatus
		to   TaskStatus
	}{
		{TaskWaiting, TaskVerifying},
		{TaskWaiting, TaskComplete},
		{TaskImplementing, TaskPRCreated},
		{TaskComplete, TaskImplementing},
		{TaskFailed, TaskImplementing},
		{TaskBlocked, TaskImplementing},
		{TaskImplementing, TaskBlocked},
		{"", TaskImplementing},
	}
	for _, tc := range cases {
		if ValidTaskTransition(tc.from, tc.to) {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
		if err := ValidateTaskTransition(tc.from, tc.to); err == nil {
			t.Fatalf("expected error for %s -> %s", tc.from, tc.to)
		}
	}
}

// TestRunFailureReachability confirms failed is reachable from every non-terminal run state.
func TestRunFailureReachability(t *testing.T) {
	for _, from := range []RunStatus{RunInitializing, RunExecuting, RunMerging, RunValidating} {
		if !ValidRunTransition(from, RunFailed) {
			t.Fatalf("expected %s -> failed to be allowed", from)
		}
	}
	if ValidRunTransition(RunComplete, RunFailed) {
		t.Fatal("expected complete -> failed to be rejected")
	}
	if !ValidRunTransition(RunFailed, RunRolledBack) {
		t.Fatal("expected failed -> rolled_back to be allowed")
	}
	if ValidRunTransition(RunRolledBack, RunExecuting) {
		t.Fatal("expected rolled_back to be terminal")
	}
}

// TestTerminalPredicates checks the terminal state helpers.
func TestTerminalPredicates(t *testing.T) {
	for _, status := range []TaskStatus{TaskComplete, TaskFailed, TaskBlocked} {
		if !TaskTerminal(status) {
			t.Fatalf("expected %s to be terminal", status)
		}
	}
	for _, status := range []TaskStatus{TaskWaiting, TaskImplementing, TaskVerifying, TaskPRCreated} {
		if TaskTerminal(status) {
			t.Fatalf("expected %s to be non-terminal", status)
		}
	}
	if !RunTerminal(RunComplete) || !RunTerminal(RunRolledBack) {
		t.Fatal("expected complete and rolled_back to be terminal")
	}
	if RunTerminal(RunFailed) {
		t.Fatal("expected failed to allow rollback")
	}
}

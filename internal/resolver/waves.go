// Package resolver computes the wave plan from task dependencies.
//
// The resolver is a pure function over a task set: it validates that the
// declared dependencies form a DAG and partitions the tasks into ordered
// waves, where every task in a wave has all of its dependencies placed in an
// earlier wave. Ties inside a wave are broken by task id so the plan is
// reproducible.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/parwave/parwave/internal/task"
)

// Wave is one layer of the plan: tasks with no unmet dependencies at that
// point, eligible to run concurrently.
type Wave struct {
	Index   int      `json:"index"`
	TaskIDs []string `json:"task_ids"`
}

// CyclicDependencyError reports a dependency cycle, naming the offending path.
type CyclicDependencyError struct {
	Cycle []string
}

// Error renders the cycle in walk order.
func (err *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %s", strings.Join(err.Cycle, " -> "))
}

// Waves partitions the task set into dependency-ordered waves.
func Waves(set task.Set) ([]Wave, error) {
	tasks := set.All()
	if err := detectCycles(tasks); err != nil {
		return nil, err
	}

	placed := make(map[string]struct{}, len(tasks))
	remaining := make([]task.Task, len(tasks))
	copy(remaining, tasks)

	var waves []Wave
	for len(remaining) > 0 {
		var ready []string
		var next []task.Task
		for _, t := range remaining {
			if dependenciesPlaced(t, placed) {
				ready = append(ready, t.ID)
			} else {
				next = append(next, t)
			}
		}
		if len(ready) == 0 {
			// Unreachable once detectCycles has passed; guard against it anyway.
			return nil, fmt.Errorf("no eligible tasks among %d remaining; dependency graph is not a DAG", len(remaining))
		}
		sort.Strings(ready)
		waves = append(waves, Wave{Index: len(waves), TaskIDs: ready})
		for _, id := range ready {
			placed[id] = struct{}{}
		}
		remaining = next
	}
	return waves, nil
}

// WaveIndexByTask maps each task id to the index of its wave.
func WaveIndexByTask(waves []Wave) map[string]int {
	indexed := make(map[string]int)
	for _, wave := range waves {
		for _, id := range wave.TaskIDs {
			indexed[id] = wave.Index
		}
	}
	return indexed
}

// MergeOrder flattens the wave plan into the serialized integration order:
// wave by wave, task id order within a wave.
func MergeOrder(waves []Wave) []string {
	var order []string
	for _, wave := range waves {
		order = append(order, wave.TaskIDs...)
	}
	return order
}

// dependenciesPlaced reports whether every dependency is in an earlier wave.
func dependenciesPlaced(t task.Task, placed map[string]struct{}) bool {
	for _, dep := range t.DependsOn {
		if _, ok := placed[dep]; !ok {
			return false
		}
	}
	return true
}

// detectCycles performs a DFS walk and stops on the first detected cycle.
func detectCycles(tasks []task.Task) error {
	depsByID := make(map[string][]string, len(tasks))
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		depsByID[t.ID] = t.DependsOn
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	visit := make(map[string]int, len(ids))

	var walk func(id string, stack []string) error
	walk = func(id string, stack []string) error {
		switch visit[id] {
		case visiting:
			return &CyclicDependencyError{Cycle: cyclePath(stack, id)}
		case done:
			return nil
		}
		visit[id] = visiting
		stack = append(stack, id)
		for _, dep := range depsByID[id] {
			if _, ok := depsByID[dep]; !ok {
				continue
			}
			if err := walk(dep, stack); err != nil {
				return err
			}
		}
		visit[id] = done
		return nil
	}

	for _, id := range ids {
		if visit[id] != unvisited {
			continue
		}
		if err := walk(id, nil); err != nil {
			return err
		}
	}
	return nil
}

// cyclePath returns the cycle slice starting at the repeated id.
func cyclePath(stack []string, repeat string) []string {
	start := 0
	for i, id := range stack {
		if id == repeat {
			start = i
			break
		}
	}
	path := append([]string{}, stack[start:]...)
	return append(path, repeat)
}

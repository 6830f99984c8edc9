// Package task defines immutable task definitions and their validation.
package task

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Task is a single, independently-verifiable unit of change. Tasks are loaded
// from static configuration before a run starts and never mutated afterwards.
type Task struct {
	ID               string     `yaml:"id"`
	Description      string     `yaml:"description"`
	DependsOn        []string   `yaml:"depends_on"`
	EstimatedMinutes int        `yaml:"estimated_minutes"`
	// Target names what the task modifies. Operator visibility only; it is
	// never used for conflict detection.
	Target string     `yaml:"target"`
	Apply  []string   `yaml:"apply"`
	Verify VerifySpec `yaml:"verify"`
}

// VerifySpec describes how a task's pass/fail outcome is determined.
type VerifySpec struct {
	Command []string `yaml:"command"`
	// PassPattern, when set, must additionally match the verifier's stdout.
	PassPattern string `yaml:"pass_pattern"`
}

// Set is the validated, immutable collection of tasks for a run.
type Set struct {
	tasks []Task
	byID  map[string]Task
}

// NewSet validates task definitions and builds an ordered set.
func NewSet(tasks []Task) (Set, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		if err := ValidateID(t.ID); err != nil {
			return Set{}, err
		}
		if _, ok := byID[t.ID]; ok {
			return Set{}, fmt.Errorf("duplicate task id %q", t.ID)
		}
		if len(t.Apply) == 0 {
			return Set{}, fmt.Errorf("task %q has no apply command", t.ID)
		}
		if len(t.Verify.Command) == 0 {
			return Set{}, fmt.Errorf("task %q has no verify command", t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return Set{}, fmt.Errorf("task %q depends on itself", t.ID)
			}
			if _, ok := byID[dep]; !ok {
				return Set{}, fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
		}
	}

	ordered := make([]Task, len(tasks))
	copy(ordered, tasks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ID < ordered[j].ID
	})
	return Set{tasks: ordered, byID: byID}, nil
}

// All returns the tasks in id order.
func (set Set) All() []Task {
	out := make([]Task, len(set.tasks))
	copy(out, set.tasks)
	return out
}

// Len returns the number of tasks in the set.
func (set Set) Len() int {
	return len(set.tasks)
}

// Get returns the task with the given id when present.
func (set Set) Get(id string) (Task, bool) {
	t, ok := set.byID[id]
	return t, ok
}

// Restrict narrows the set to the named tasks. Every dependency of a selected
// task must itself be selected; a run cannot execute half a dependency chain.
func (set Set) Restrict(ids []string) (Set, error) {
	if len(ids) == 0 {
		return set, nil
	}
	selected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := set.byID[id]; !ok {
			return Set{}, fmt.Errorf("unknown task id %q in subset", id)
		}
		selected[id] = struct{}{}
	}
	subset := make([]Task, 0, len(selected))
	for _, t := range set.tasks {
		if _, ok := selected[t.ID]; !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			if _, ok := selected[dep]; !ok {
				return Set{}, fmt.Errorf("task %q depends on %q, which is outside the selected subset", t.ID, dep)
			}
		}
		subset = append(subset, t)
	}
	return NewSet(subset)
}

// ValidateID ensures a task id is non-empty and safe for branch and path use.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("task id is required")
	}
	if strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return fmt.Errorf("task id %q must not contain path separators", id)
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("task id %q must not contain '..'", id)
	}
	for _, r := range id {
		if r == ' ' || r == '\t' || r == '\n' {
			return fmt.Errorf("task id %q must not contain whitespace", id)
		}
	}
	return nil
}

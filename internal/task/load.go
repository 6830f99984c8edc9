package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TasksFilePath is the repo-relative location of the task definition file.
const TasksFilePath = "_parwave/tasks.yaml"

// ErrNoTasksFile is returned when the task definition file is missing.
var ErrNoTasksFile = errors.New("no task definition file found")

// tasksFile mirrors the on-disk YAML layout.
type tasksFile struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadSet reads and validates the task definitions for the repo.
func LoadSet(repoRoot string) (Set, error) {
	path := filepath.Join(repoRoot, filepath.FromSlash(TasksFilePath))
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Set{}, fmt.Errorf("%w at %s", ErrNoTasksFile, path)
		}
		return Set{}, fmt.Errorf("read task definitions %s: %w", path, err)
	}

	var file tasksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Set{}, fmt.Errorf("decode task definitions %s: %w", path, err)
	}
	if len(file.Tasks) == 0 {
		return Set{}, fmt.Errorf("task definitions %s contain no tasks", path)
	}

	set, err := NewSet(file.Tasks)
	if err != nil {
		return Set{}, fmt.Errorf("validate task definitions %s: %w", path, err)
	}
	return set, nil
}

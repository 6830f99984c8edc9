// Tests for config loading and validation.
package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadMissingFileUsesDefaults treats an absent config file as defaults.
func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Concurrency.MaxWorkspaces != Defaults().Concurrency.MaxWorkspaces {
		t.Fatalf("expected default max workspaces, got %d", cfg.Concurrency.MaxWorkspaces)
	}
	if cfg.Integration.Mode != IntegrationModeLocal {
		t.Fatalf("expected local integration mode by default, got %q", cfg.Integration.Mode)
	}
}

// TestLoadLayersFileOverDefaults applies file values while keeping defaults elsewhere.
func TestLoadLayersFileOverDefaults(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, `{
  "concurrency": {"max_workspaces": 2},
  "failure": {"threshold": 1}
}`)

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Concurrency.MaxWorkspaces != 2 {
		t.Fatalf("expected max workspaces 2, got %d", cfg.Concurrency.MaxWorkspaces)
	}
	if cfg.Failure.Threshold != 1 {
		t.Fatalf("expected threshold 1, got %d", cfg.Failure.Threshold)
	}
	if cfg.Branches.Base != "main" {
		t.Fatalf("expected default base branch, got %q", cfg.Branches.Base)
	}
}

// TestLoadRejectsInvalidValues surfaces validation failures with the path.
func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []string{
		`{"concurrency": {"max_workspaces": 0}}`,
		`{"timeouts": {"task_seconds": -1}}`,
		`{"integration": {"mode": "carrier-pigeon"}}`,
		`{"branches": {"base": ""}}`,
		`not json`,
	}
	for _, content := range cases {
		root := t.TempDir()
		writeConfig(t, root, content)
		if _, err := Load(root); err == nil {
			t.Fatalf("expected error for config %s", content)
		}
	}
}

// TestLoadRejectsUnknownKeys refuses misspelled or unsupported settings.
func TestLoadRejectsUnknownKeys(t *testing.T) {
	cases := []string{
		`{"concurency": {"max_workspaces": 2}}`,
		`{"concurrency": {"max_worktrees": 2}}`,
	}
	for _, content := range cases {
		root := t.TempDir()
		writeConfig(t, root, content)
		if _, err := Load(root); err == nil {
			t.Fatalf("expected error for config %s", content)
		}
	}
}

func writeConfig(t *testing.T, root string, content string) {
	t.Helper()
	dir := filepath.Join(root, "_parwave")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

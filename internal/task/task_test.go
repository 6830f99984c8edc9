// Tests for task definition validation and subset restriction.
package task

import (
	"os"
	"path/filepath"
	"testing"
)

func defs() []Task {
	return []Task{
		{ID: "alpha", Apply: []string{"true"}, Verify: VerifySpec{Command: []string{"true"}}},
		{ID: "beta", DependsOn: []string{"alpha"}, Apply: []string{"true"}, Verify: VerifySpec{Command: []string{"true"}}},
		{ID: "gamma", Apply: []string{"true"}, Verify: VerifySpec{Command: []string{"true"}}},
	}
}

// TestNewSetValidates covers duplicate ids, unknown deps, and self-deps.
func TestNewSetValidates(t *testing.T) {
	if _, err := NewSet(defs()); err != nil {
		t.Fatalf("valid set rejected: %v", err)
	}

	verify := VerifySpec{Command: []string{"true"}}

	dup := append(defs(), Task{ID: "alpha", Apply: []string{"true"}, Verify: verify})
	if _, err := NewSet(dup); err == nil {
		t.Fatal("expected duplicate id error")
	}

	unknown := []Task{{ID: "a", DependsOn: []string{"ghost"}, Apply: []string{"true"}, Verify: verify}}
	if _, err := NewSet(unknown); err == nil {
		t.Fatal("expected unknown dependency error")
	}

	self := []Task{{ID: "a", DependsOn: []string{"a"}, Apply: []string{"true"}, Verify: verify}}
	if _, err := NewSet(self); err == nil {
		t.Fatal("expected self-dependency error")
	}

	noApply := []Task{{ID: "a", Verify: verify}}
	if _, err := NewSet(noApply); err == nil {
		t.Fatal("expected missing apply command error")
	}

	noVerify := []Task{{ID: "a", Apply: []string{"true"}}}
	if _, err := NewSet(noVerify); err == nil {
		t.Fatal("expected missing verify command error")
	}
}

// TestValidateID rejects ids unsafe for branch and path use.
func TestValidateID(t *testing.T) {
	for _, bad := range []string{"", "  ", "a/b", `a\b`, "a..b", "a b"} {
		if err := ValidateID(bad); err == nil {
			t.Fatalf("expected id %q to be rejected", bad)
		}
	}
	if err := ValidateID("task-01"); err != nil {
		t.Fatalf("expected task-01 to be accepted: %v", err)
	}
}

// TestRestrictRequiresClosedSubset ensures a subset cannot cut a dependency chain.
func TestRestrictRequiresClosedSubset(t *testing.T) {
	set, err := NewSet(defs())
	if err != nil {
		t.Fatalf("build set: %v", err)
	}

	if _, err := set.Restrict([]string{"beta"}); err == nil {
		t.Fatal("expected error selecting beta without alpha")
	}

	subset, err := set.Restrict([]string{"beta", "alpha"})
	if err != nil {
		t.Fatalf("restrict: %v", err)
	}
	if subset.Len() != 2 {
		t.Fatalf("expected 2 tasks in subset, got %d", subset.Len())
	}
	if _, ok := subset.Get("gamma"); ok {
		t.Fatal("expected gamma to be excluded")
	}

	if _, err := set.Restrict([]string{"ghost"}); err == nil {
		t.Fatal("expected unknown subset id error")
	}
}

// TestLoadSetParsesYAML reads a task file from disk.
func TestLoadSetParsesYAML(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "_parwave"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := `tasks:
  - id: alpha
    description: first change
    target: internal/api
    estimated_minutes: 5
    apply: ["sh", "-c", "true"]
    verify:
      command: ["sh", "-c", "true"]
      pass_pattern: "ok"
  - id: beta
    depends_on: [alpha]
    apply: ["sh", "-c", "true"]
    verify:
      command: ["sh", "-c", "true"]
`
	if err := os.WriteFile(filepath.Join(root, "_parwave", "tasks.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write tasks: %v", err)
	}

	set, err := LoadSet(root)
	if err != nil {
		t.Fatalf("load set: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 tasks, got %d", set.Len())
	}
	alpha, ok := set.Get("alpha")
	if !ok {
		t.Fatal("expected alpha in set")
	}
	if alpha.Verify.PassPattern != "ok" {
		t.Fatalf("expected pass pattern ok, got %q", alpha.Verify.PassPattern)
	}
	beta, _ := set.Get("beta")
	if len(beta.DependsOn) != 1 || beta.DependsOn[0] != "alpha" {
		t.Fatalf("expected beta to depend on alpha, got %v", beta.DependsOn)
	}
}

// TestLoadSetMissingFile surfaces the sentinel error.
func TestLoadSetMissingFile(t *testing.T) {
	if _, err := LoadSet(t.TempDir()); err == nil {
		t.Fatal("expected missing tasks file error")
	}
}

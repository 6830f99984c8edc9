// Tests for the command tree wiring.
package cli

import (
	"bytes"
	"strings"
	"testing"
)

// TestRootCommandWiring exposes the expected subcommands.
func TestRootCommandWiring(t *testing.T) {
	root := NewRootCmd()

	want := map[string]bool{"run": false, "status": false, "rollback": false, "version": false}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected subcommand %s", name)
		}
	}
}

// TestVersionCommand prints the build info fields.
func TestVersionCommand(t *testing.T) {
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute version: %v", err)
	}
	for _, field := range []string{"version=", "commit=", "built_at="} {
		if !strings.Contains(out.String(), field) {
			t.Fatalf("expected %q in version output %q", field, out.String())
		}
	}
}

// TestRunCommandFlags registers the planning flags.
func TestRunCommandFlags(t *testing.T) {
	root := NewRootCmd()
	run, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatalf("find run command: %v", err)
	}
	if run.Flags().Lookup("dry-run") == nil {
		t.Fatal("expected --dry-run flag")
	}
	if run.Flags().Lookup("only") == nil {
		t.Fatal("expected --only flag")
	}
}

package run

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// maxValidationOutput bounds how much command output lands in an error.
const maxValidationOutput = 2048

// runTrunkCommand executes the trunk validation command at the repo root.
func runTrunkCommand(ctx context.Context, repoRoot string, command []string) error {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = repoRoot
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(command, " "), err, tail(output.String(), maxValidationOutput))
	}
	return nil
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

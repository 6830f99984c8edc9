// Package cli defines the parwave command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parwave/parwave/internal/repo"
)

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "parwave: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCmd builds the parwave command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "parwave",
		Short:         "Parallel task migration orchestrator",
		Long: "parwave executes independent migration tasks in parallel git worktrees,\n" +
			"verifies each one, and integrates the survivors back into the trunk.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newRollbackCmd(),
		newVersionCmd(),
	)
	return cmd
}

// discoverRoot resolves the target repository from the working directory.
func discoverRoot() (string, error) {
	root, err := repo.DiscoverRootFromCWD()
	if err != nil {
		return "", err
	}
	return root, nil
}

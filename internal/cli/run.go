package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parwave/parwave/internal/run"
	"github.com/parwave/parwave/internal/state"
)

// newRunCmd builds the run command.
func newRunCmd() *cobra.Command {
	var dryRun bool
	var only []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Plan and execute the configured migration tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := discoverRoot()
			if err != nil {
				return err
			}
			rpt, err := run.Execute(cmd.Context(), root, run.Options{
				DryRun: dryRun,
				Only:   only,
				Out:    cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			switch rpt.Status {
			case state.RunFailed:
				return fmt.Errorf("run %s failed: %s", rpt.RunID, rpt.FailureDetail)
			case state.RunRolledBack:
				return fmt.Errorf("run %s rolled back: %s", rpt.RunID, rpt.FailureDetail)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the wave plan without executing")
	cmd.Flags().StringSliceVar(&only, "only", nil, "run only the named tasks (dependencies must be included)")
	return cmd
}

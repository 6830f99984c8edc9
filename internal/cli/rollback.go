package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parwave/parwave/internal/audit"
	"github.com/parwave/parwave/internal/checkpoint"
	"github.com/parwave/parwave/internal/config"
	"github.com/parwave/parwave/internal/integrate"
	"github.com/parwave/parwave/internal/state"
	"github.com/parwave/parwave/internal/store"
	"github.com/parwave/parwave/internal/workspace"
)

// newRollbackCmd builds the rollback command.
func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Restore the trunk to the last run's checkpoint",
		Long: "rollback kills any task processes recorded by the run, withdraws open\n" +
			"integration requests, removes all workspaces, and resets the trunk to\n" +
			"the checkpoint. A run stranded mid-flight by a crash is failed first;\n" +
			"a completed or already rolled back run is left untouched.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := discoverRoot()
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}
			logger, err := audit.NewLogger(root, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			recordStore, err := store.NewStore(root)
			if err != nil {
				return err
			}
			workspaces, err := workspace.NewManager(root, cfg, recordStore, logger)
			if err != nil {
				return err
			}
			integrator, err := integrate.New(root, cfg, logger)
			if err != nil {
				return err
			}
			manager, err := checkpoint.NewManager(root, recordStore, workspaces, integrator, logger)
			if err != nil {
				return err
			}

			if err := manager.Rollback(cmd.Context()); err != nil {
				return err
			}
			rec, err := recordStore.Load()
			if err != nil {
				return err
			}
			if rec.Status == state.RunRolledBack {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s rolled back to %s\n", rec.RunID, rec.CheckpointRef)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s is %s; nothing to roll back\n", rec.RunID, rec.Status)
			}
			return nil
		},
	}
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parwave/parwave/internal/status"
	"github.com/parwave/parwave/internal/store"
	"github.com/parwave/parwave/internal/tui"
)

// newStatusCmd builds the status command.
func newStatusCmd() *cobra.Command {
	var asJSON bool
	var watch bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of the current or last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := discoverRoot()
			if err != nil {
				return err
			}
			if watch {
				return tui.Run(root)
			}

			snapshot, err := status.Collect(root)
			if err != nil {
				if errors.Is(err, store.ErrNoRecord) {
					fmt.Fprintln(cmd.OutOrStdout(), "no run recorded; start one with `parwave run`")
					return nil
				}
				return err
			}
			if asJSON {
				data, err := snapshot.JSON()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), snapshot.String())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")
	cmd.Flags().BoolVar(&watch, "watch", false, "open the interactive status view")
	return cmd
}

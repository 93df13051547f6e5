package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/config"
	"github.com/opengrove/opengrove/pkg/state"
)

func newRestoreCommand() *cobra.Command {
	var (
		fromFile string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the state database with a snapshot",
		Long: `Replace the state database with a snapshot taken by backup. The
snapshot's integrity is verified before anything is touched, and the
swap is atomic: the existing database is never left half-written.

Restoring over an existing database requires --force. Make sure no
other grove process is running against the database.`,
		Example: `  # Restore after checking nothing else is running
  grove restore --from grove-state.bak --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			// The store must not be opened here: restore swaps the file
			// under the path an open store would be holding.
			settings, err := config.LoadSettings(configPath)
			if err != nil {
				return err
			}

			if _, err := os.Stat(settings.StatePath); err == nil && !force {
				return fmt.Errorf("state database %s already exists, pass --force to replace it", settings.StatePath)
			}

			if err := state.Restore(ctx, fromFile, settings.StatePath); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ State restored from %s to %s\n", fromFile, settings.StatePath)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromFile, "from", "", "snapshot to restore")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing state database")
	cmd.MarkFlagRequired("from")

	return cmd
}

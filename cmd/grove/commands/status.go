package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var (
		showEvents bool
		runID      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "status DEPLOYMENT",
		Short: "Show recorded state and run history",
		Long: `Show what the state store records for a deployment: every resource
with its lifecycle status and last error or probe detail, plus recent
runs. Status never touches the backend; it reports what the last runs
observed.`,
		Example: `  # Resource table and recent runs
  grove status prod

  # Include the event timeline of the most recent runs
  grove status prod --events

  # Event timeline of one specific run
  grove status prod --events --run 01HV3...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deployment := args[0]
			out := cmd.OutOrStdout()

			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.openStore(ctx); err != nil {
				return err
			}

			states, err := app.store.ListResources(ctx, deployment)
			if err != nil {
				return err
			}
			runs, err := app.store.ListRuns(ctx, deployment, limit)
			if err != nil {
				return err
			}
			if len(states) == 0 && len(runs) == 0 {
				return fmt.Errorf("no recorded state for deployment %q", deployment)
			}

			if err := printStatus(out, deployment, states, runs, jsonOutput); err != nil {
				return err
			}

			if showEvents || runID != "" {
				events, err := app.store.ListEvents(ctx, deployment, runID, limit*20)
				if err != nil {
					return err
				}
				if !jsonOutput {
					fmt.Fprintln(out, "\nEvents:")
				}
				if err := printEvents(out, events, jsonOutput); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include the run event timeline")
	cmd.Flags().StringVar(&runID, "run", "", "limit events to one run ID (implies --events)")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum runs to list")

	return cmd
}

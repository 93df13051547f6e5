package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/engine"
)

func newVerifyCommand() *cobra.Command {
	var parallelism int

	cmd := &cobra.Command{
		Use:   "verify DEPLOYMENT",
		Short: "Probe the health of provisioned resources",
		Long: `Run the health probe of every provisioned resource and record the
result. Verification never mutates the backend: a failing probe marks
the resource verify_failed in the store, and a later verify can mark
it healthy again.

Exit codes follow apply: 0 all probes passed, 3 some failed, 2 all
failed.`,
		Example: `  # Probe everything the store says exists
  grove verify prod`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()
			deployment := args[0]
			out := cmd.OutOrStdout()

			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, finish := app.tel.StartCommand(ctx, "verify")
			defer func() { finish(err) }()

			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.openBackend(ctx); err != nil {
				return err
			}

			rp, err := engine.NewPlanner(app.store).PlanVerify(ctx, deployment)
			if err != nil {
				return err
			}
			if len(rp.Steps) == 0 {
				fmt.Fprintf(out, "Nothing to verify: no provisioned resources recorded for deployment %q.\n", deployment)
				return nil
			}

			executor := engine.NewExecutor(app.store, app.registry, app.eventSink())
			run, err := executor.Execute(ctx, rp, app.execOptions(parallelism, false, false))
			if err != nil {
				return err
			}

			if err := printRun(out, run, rp, jsonOutput); err != nil {
				return err
			}
			if run.Status == engine.RunStatusSucceeded && !jsonOutput {
				fmt.Fprintf(out, "\n✓ All %d probes passed for %q\n", run.Summary.Succeeded, deployment)
			}
			return runOutcome(run)
		},
	}

	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "maximum concurrent probes (0 uses settings)")

	return cmd
}

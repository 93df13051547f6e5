package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove      bool
		dryRun           bool
		parallelism      int
		retain           bool
		policyDir        string
		disabledPolicies []string
	)

	cmd := &cobra.Command{
		Use:   "destroy DEPLOYMENT",
		Short: "Tear down every resource of a deployment",
		Long: `Tear down a deployment in reverse dependency order.

The teardown is planned from recorded state alone, so it works even
when the manifest is gone or has drifted: whatever the store says
exists is what gets deleted, each resource only after everything that
depends on it is gone. Resources labelled protected=true are refused
by the policy gate.

A resource that is already absent counts as deleted. A failed run can
be re-run to retry the remainder; exit codes match apply.`,
		Example: `  # Tear down after reviewing and confirming the plan
  grove destroy staging

  # Unattended teardown, keeping audit records of deleted resources
  grove destroy staging --auto-approve --retain`,
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

			ctx, finish := app.tel.StartCommand(ctx, "destroy")
			defer func() { finish(err) }()

			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.openPolicies(ctx, policyDir, disabledPolicies); err != nil {
				return err
			}
			if err := app.openBackend(ctx); err != nil {
				return err
			}

			rp, err := engine.NewPlanner(app.store).PlanDestroy(ctx, deployment)
			if err != nil {
				return err
			}
			if len(rp.Steps) == 0 {
				fmt.Fprintf(out, "Nothing to destroy: no recorded resources for deployment %q.\n", deployment)
				return nil
			}
			if err := app.gate(ctx, rp); err != nil {
				return err
			}

			if !jsonOutput {
				if err := printPlan(out, rp, false); err != nil {
					return err
				}
			}
			if !autoApprove && !dryRun && rp.HasChanges() {
				ok, err := confirm(cmd, fmt.Sprintf("\nThis will DELETE the resources above from %q.", deployment))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Destroy cancelled.")
					return nil
				}
			}

			opts := app.execOptions(parallelism, dryRun, true)
			if retain {
				opts.RetainDeleted = true
			}
			executor := engine.NewExecutor(app.store, app.registry, app.eventSink())
			run, err := executor.Execute(ctx, rp, opts)
			if err != nil {
				return err
			}

			if err := printRun(out, run, rp, jsonOutput); err != nil {
				return err
			}
			if run.Status == engine.RunStatusSucceeded && !jsonOutput && !dryRun {
				fmt.Fprintf(out, "\n✓ Deployment %q destroyed\n", deployment)
			}
			return runOutcome(run)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "destroy without interactive confirmation")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the plan without backend calls or state writes")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "maximum concurrent operations (0 uses settings)")
	cmd.Flags().BoolVar(&retain, "retain", false, "keep deleted resource records for audit")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "policy directory (overrides the settings file)")
	cmd.Flags().StringSliceVar(&disabledPolicies, "disable-policy", nil, "policy name to skip (repeatable)")

	return cmd
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		manifestPath     string
		autoApprove      bool
		dryRun           bool
		skipVerify       bool
		parallelism      int
		policyDir        string
		disabledPolicies []string
	)

	cmd := &cobra.Command{
		Use:   "apply DEPLOYMENT",
		Short: "Provision the deployment to match its manifest",
		Long: `Provision every resource in the manifest, in dependency order.

Apply is idempotent: resources whose configuration is unchanged since
the last successful apply cost no backend calls, and a failed run can
be re-applied to retry just the remainder. A resource whose dependency
failed is skipped, never attempted against the backend.

The policy gate runs before any mutation; a blocking violation refuses
the whole run. Unless --auto-approve is set, a plan with changes is
shown and must be confirmed first.

Exit codes: 0 full success, 1 refused before execution, 2 nothing
succeeded, 3 partial failure (re-run to retry the remainder).`,
		Example: `  # Apply after reviewing and confirming the plan
  grove apply prod -f deploy/prod.cue

  # Unattended apply, e.g. from CI
  grove apply prod -f deploy/prod.cue --auto-approve

  # Rehearse without touching the backend or recorded state
  grove apply prod -f deploy/prod.cue --dry-run`,
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

			ctx, finish := app.tel.StartCommand(ctx, "apply")
			defer func() { finish(err) }()

			manifest, err := app.loadManifest(ctx, manifestPath, deployment)
			if err != nil {
				return err
			}
			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.openPolicies(ctx, policyDir, disabledPolicies); err != nil {
				return err
			}
			if err := app.openBackend(ctx); err != nil {
				return err
			}

			rp, err := app.buildApplyPlan(ctx, manifest)
			if err != nil {
				return err
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
				ok, err := confirm(cmd, fmt.Sprintf("\nApply these changes to %q?", deployment))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Apply cancelled.")
					return nil
				}
			}

			executor := engine.NewExecutor(app.store, app.registry, app.eventSink())
			run, err := executor.Execute(ctx, rp, app.execOptions(parallelism, dryRun, skipVerify))
			if err != nil {
				return err
			}

			if err := printRun(out, run, rp, jsonOutput); err != nil {
				return err
			}
			if run.Status == engine.RunStatusSucceeded && !jsonOutput {
				if dryRun {
					fmt.Fprintf(out, "\n✓ Dry run for %q complete, nothing was changed\n", deployment)
				} else {
					fmt.Fprintf(out, "\n✓ Deployment %q applied\n", deployment)
				}
			}
			return runOutcome(run)
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "", "deployment manifest path")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "apply without interactive confirmation")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the plan without backend calls or state writes")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip post-creation health probes")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "maximum concurrent operations (0 uses settings)")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "policy directory (overrides the settings file)")
	cmd.Flags().StringSliceVar(&disabledPolicies, "disable-policy", nil, "policy name to skip (repeatable)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

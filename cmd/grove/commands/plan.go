package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var (
		manifestPath     string
		outFile          string
		dotFile          string
		policyDir        string
		disabledPolicies []string
	)

	cmd := &cobra.Command{
		Use:   "plan DEPLOYMENT",
		Short: "Preview what apply would do",
		Long: `Preview the run plan for a deployment without touching the backend.

The plan loads the manifest, builds the dependency graph, diffs it
against recorded state, and evaluates the policy gate. Resources whose
configuration is unchanged since the last apply show as unchanged and
would cost no backend calls.

A blocking policy violation fails the command; the apply would be
refused the same way.`,
		Example: `  # Show the plan for the prod deployment
  grove plan prod -f deploy/prod.cue

  # Save the plan and its dependency graph for review
  grove plan prod -f deploy/prod.cue --out plan.json --dot plan.dot`,
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

			ctx, finish := app.tel.StartCommand(ctx, "plan")
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

			rp, err := app.buildApplyPlan(ctx, manifest)
			if err != nil {
				return err
			}
			if err := app.gate(ctx, rp); err != nil {
				return err
			}

			if err := printPlan(out, rp, jsonOutput); err != nil {
				return err
			}

			if outFile != "" {
				data, err := json.MarshalIndent(rp, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, append(data, '\n'), 0o644); err != nil {
					return fmt.Errorf("writing plan file: %w", err)
				}
				fmt.Fprintf(out, "✓ Plan written to %s\n", outFile)
			}
			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(rp.Plan.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("writing graph file: %w", err)
				}
				fmt.Fprintf(out, "✓ Dependency graph written to %s\n", dotFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "", "deployment manifest path")
	cmd.Flags().StringVar(&outFile, "out", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph as Graphviz DOT to this file")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "policy directory (overrides the settings file)")
	cmd.Flags().StringSliceVar(&disabledPolicies, "disable-policy", nil, "policy name to skip (repeatable)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

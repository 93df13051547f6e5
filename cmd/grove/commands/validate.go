package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/config"
	"github.com/opengrove/opengrove/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate MANIFEST...",
		Short: "Check manifest files without touching anything",
		Long: `Parse and validate manifest sources, reporting every finding instead
of stopping at the first. After the sources parse, the dependency
graph is built too, so cycles, unknown dependencies and unresolvable
references are caught here rather than at apply time.

Validation needs no settings file, no state and no backend.`,
		Example: `  # Validate a manifest before committing it
  grove validate deploy/prod.cue

  # Validate a manifest split across files
  grove validate deploy/base.cue deploy/prod.cue`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			result, err := config.NewLoader().Parse(ctx, args...)
			if err != nil {
				return err
			}

			var errs, warnings int
			for _, finding := range result.Errors {
				if finding.Severity == config.SeverityWarning {
					warnings++
					fmt.Fprintf(out, "warning: %s\n", finding.Error())
				} else {
					errs++
					fmt.Fprintf(out, "error: %s\n", finding.Error())
				}
			}
			if errs > 0 {
				return fmt.Errorf("manifest invalid: %d error(s), %d warning(s)", errs, warnings)
			}

			plan, err := engine.NewGraphBuilder().Build(result.Manifest.Deployment, result.Manifest.Resources)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, struct {
					Deployment string `json:"deployment"`
					Resources  int    `json:"resources"`
					Levels     int    `json:"levels"`
					Warnings   int    `json:"warnings"`
				}{plan.DeploymentID, len(plan.Resources), len(plan.Levels), warnings})
			}
			fmt.Fprintf(out, "✓ Manifest valid: deployment %q, %d resources across %d dependency levels\n",
				plan.DeploymentID, len(plan.Resources), len(plan.Levels))
			if warnings > 0 {
				fmt.Fprintf(out, "  %d warning(s) above\n", warnings)
			}
			return nil
		},
	}

	return cmd
}

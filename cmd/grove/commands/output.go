package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/opengrove/opengrove/pkg/engine"
)

// printJSON writes v as indented JSON. Used by every command under the
// --json flag so scripted callers get one stable shape per command.
func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// summaryLine renders run summary counts as one line.
func summaryLine(sum engine.RunSummary) string {
	parts := []string{
		fmt.Sprintf("%d succeeded", sum.Succeeded),
		fmt.Sprintf("%d unchanged", sum.Unchanged),
		fmt.Sprintf("%d failed", sum.Failed),
		fmt.Sprintf("%d skipped", sum.Skipped),
	}
	if sum.Cancelled > 0 {
		parts = append(parts, fmt.Sprintf("%d cancelled", sum.Cancelled))
	}
	if sum.NotAttempted > 0 {
		parts = append(parts, fmt.Sprintf("%d never attempted", sum.NotAttempted))
	}
	if sum.VerifyFailed > 0 {
		parts = append(parts, fmt.Sprintf("%d unhealthy", sum.VerifyFailed))
	}
	return strings.Join(parts, ", ")
}

func opSymbol(op engine.OperationType) string {
	switch op {
	case engine.OperationCreate:
		return "+"
	case engine.OperationDelete:
		return "-"
	case engine.OperationVerify:
		return "~"
	default:
		return "="
	}
}

// printPlan renders a run plan: one step per line in execution order,
// then the change counts.
func printPlan(w io.Writer, rp *engine.RunPlan, asJSON bool) error {
	if asJSON {
		return printJSON(w, rp)
	}

	fmt.Fprintf(w, "Plan for deployment %q (%s):\n\n", rp.DeploymentID, rp.Type)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, step := range rp.Steps {
		fmt.Fprintf(tw, "  %s %s\t%s\tlevel %d\t%s\n",
			opSymbol(step.Operation), step.ResourceID, step.Kind, step.Level, step.Reason)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%s\n", planCounts(rp))
	if !rp.HasChanges() && rp.Type != engine.RunTypeVerify {
		fmt.Fprintln(w, "No changes. Recorded state matches the plan.")
	}
	return nil
}

func planCounts(rp *engine.RunPlan) string {
	var create, del, verify, noop int
	for _, s := range rp.Steps {
		switch s.Operation {
		case engine.OperationCreate:
			create++
		case engine.OperationDelete:
			del++
		case engine.OperationVerify:
			verify++
		default:
			noop++
		}
	}
	var parts []string
	if create > 0 {
		parts = append(parts, fmt.Sprintf("%d to create", create))
	}
	if del > 0 {
		parts = append(parts, fmt.Sprintf("%d to delete", del))
	}
	if verify > 0 {
		parts = append(parts, fmt.Sprintf("%d to probe", verify))
	}
	if noop > 0 {
		parts = append(parts, fmt.Sprintf("%d unchanged", noop))
	}
	if parts == nil {
		return "0 steps"
	}
	return strings.Join(parts, ", ")
}

// printRun reports an executed run: the summary counts first, then every
// step that did not succeed, grouped so a partial failure names exactly
// what failed, what was skipped behind it, and what never started.
func printRun(w io.Writer, run *engine.Run, rp *engine.RunPlan, asJSON bool) error {
	if asJSON {
		return printJSON(w, struct {
			Run   *engine.Run        `json:"run"`
			Steps []*engine.PlanStep `json:"steps"`
		}{run, rp.Steps})
	}

	fmt.Fprintf(w, "\nRun %s (%s): %s\n", run.ID, run.Status, summaryLine(run.Summary))
	if run.Error != "" {
		fmt.Fprintf(w, "Run error: %s\n", run.Error)
	}

	printGroup(w, rp, "Failed", func(s *engine.PlanStep) bool {
		return s.Status == engine.StepStatusFailed
	})
	printGroup(w, rp, "Skipped behind a failed dependency", func(s *engine.PlanStep) bool {
		return s.Status == engine.StepStatusSkipped
	})
	printGroup(w, rp, "Cancelled", func(s *engine.PlanStep) bool {
		return s.Status == engine.StepStatusCancelled
	})
	printGroup(w, rp, "Never attempted", func(s *engine.PlanStep) bool {
		return !s.Status.IsTerminal() && s.Operation.IsMutating()
	})
	return nil
}

func printGroup(w io.Writer, rp *engine.RunPlan, title string, match func(*engine.PlanStep) bool) {
	var steps []*engine.PlanStep
	for _, s := range rp.Steps {
		if match(s) {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, s := range steps {
		if s.Error != "" {
			fmt.Fprintf(w, "  %s: %s\n", s.ResourceID, s.Error)
		} else {
			fmt.Fprintf(w, "  %s\n", s.ResourceID)
		}
	}
}

// printStatus renders the recorded state of a deployment: the resource
// table, then recent runs.
func printStatus(w io.Writer, deployment string, states []*engine.ResourceState, runs []*engine.Run, asJSON bool) error {
	if asJSON {
		return printJSON(w, struct {
			Deployment string                  `json:"deployment"`
			Resources  []*engine.ResourceState `json:"resources"`
			Runs       []*engine.Run           `json:"runs"`
		}{deployment, states, runs})
	}

	fmt.Fprintf(w, "Deployment %q: %d resources\n\n", deployment, len(states))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tKIND\tSTATUS\tUPDATED\tDETAIL")
	for _, st := range states {
		detail := st.Error
		if detail == "" {
			detail = st.VerifyDetail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			st.ResourceID, st.Kind, st.Status, st.UpdatedAt.Format(time.RFC3339), detail)
	}
	tw.Flush()

	if len(runs) > 0 {
		fmt.Fprintln(w, "\nRecent runs:")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tTYPE\tSTATUS\tSTARTED\tSUMMARY")
		for _, run := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.Type, run.Status, run.StartedAt.Format(time.RFC3339), summaryLine(run.Summary))
		}
		tw.Flush()
	}
	return nil
}

// printEvents renders a run timeline. The store already returns events
// in chronological order, limit trimming the oldest.
func printEvents(w io.Writer, events []*engine.Event, asJSON bool) error {
	if asJSON {
		return printJSON(w, events)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tRESOURCE\tMESSAGE")
	for _, evt := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			evt.Timestamp.Format(time.RFC3339), evt.Type, evt.ResourceID, evt.Message)
	}
	return tw.Flush()
}

package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opengrove/opengrove/pkg/engine"
)

// Severity grades a violation. Error and critical violations block the
// run; info and warning violations are reported and logged only.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that deserve review but do not
	// block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityCritical blocks the run and flags a safety rule.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity denies the run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named Rego rule set. Its deny rule is evaluated against
// the plan document before a mutating run starts.
type Policy struct {
	// Name identifies the policy in results and logs.
	Name string `json:"name"`

	// Description says what the policy enforces.
	Description string `json:"description"`

	// Rego is the policy source. The package's deny rule produces the
	// violations.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not carry
	// their own.
	Severity Severity `json:"severity"`

	// Enabled controls whether the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Tags group related policies.
	Tags []string `json:"tags,omitempty"`

	// Source is where the policy came from: "builtin" or a file path.
	Source string `json:"source,omitempty"`
}

// Violation is one deny result from one policy.
type Violation struct {
	// Policy names the policy that produced the violation.
	Policy string `json:"policy"`

	// Resource is the resource the violation points at, empty for
	// plan-level violations.
	Resource string `json:"resource,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// Severity grades the violation.
	Severity Severity `json:"severity"`

	// Remediation suggests a fix, when the rule provides one.
	Remediation string `json:"remediation,omitempty"`
}

func (v Violation) String() string {
	if v.Resource != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", v.Severity, v.Policy, v.Resource, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result is the outcome of gating one plan.
type Result struct {
	// Allowed is true when no blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations holds every deny result, blocking or not, in policy
	// name order.
	Violations []Violation `json:"violations,omitempty"`

	// EvalFailures names policies whose evaluation errored. A failing
	// policy never blocks the run; it is reported and skipped.
	EvalFailures []string `json:"eval_failures,omitempty"`

	// Evaluated lists the policies that ran.
	Evaluated []string `json:"evaluated"`

	// EvaluatedAt is when the gate ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that deny the run.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the violations that do not deny the run.
func (r *Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if !v.Severity.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// DeniedError folds the blocking violations into a configuration error,
// or returns nil when the run is allowed.
func (r *Result) DeniedError() error {
	if r.Allowed {
		return nil
	}
	blocking := r.Blocking()
	lines := make([]string, 0, len(blocking))
	for _, v := range blocking {
		lines = append(lines, "  "+v.String())
	}
	msg := fmt.Sprintf("plan denied by %d policy violation(s):\n%s",
		len(blocking), strings.Join(lines, "\n"))
	return engine.NewConfigurationError(msg, nil).WithCode(engine.ErrCodePolicyDenied)
}

// PlanDocument is the input document policies evaluate over: the run's
// steps flattened together with the descriptor facts rules gate on.
type PlanDocument struct {
	// Deployment scopes the run.
	Deployment string `json:"deployment"`

	// RunType is apply, destroy, or verify.
	RunType string `json:"run_type"`

	// Steps holds one entry per plan step.
	Steps []StepDocument `json:"steps"`

	// Summary aggregates the steps.
	Summary DocumentSummary `json:"summary"`
}

// StepDocument is one plan step as policies see it.
type StepDocument struct {
	// Resource is the descriptor ID.
	Resource string `json:"resource"`

	// Kind is the resource kind.
	Kind string `json:"kind"`

	// Operation is create, delete, noop, or verify.
	Operation string `json:"operation"`

	// Level is the dependency depth the step executes at.
	Level int `json:"level"`

	// Reason is why the planner chose the operation.
	Reason string `json:"reason,omitempty"`

	// Config is the descriptor configuration. Empty for destroy runs,
	// which are planned from state, where only the fingerprint survives.
	Config map[string]string `json:"config,omitempty"`

	// Labels are the descriptor labels, from the manifest for apply runs
	// and from recorded state for destroy runs.
	Labels map[string]string `json:"labels,omitempty"`

	// DependsOn lists the effective dependencies.
	DependsOn []string `json:"depends_on,omitempty"`

	// Protected mirrors the protected label.
	Protected bool `json:"protected"`
}

// DocumentSummary aggregates a plan for plan-level rules.
type DocumentSummary struct {
	// Resources is the number of steps.
	Resources int `json:"resources"`

	// Creates, Deletes, Verifies and Noops count steps by operation.
	Creates  int `json:"creates"`
	Deletes  int `json:"deletes"`
	Verifies int `json:"verifies"`
	Noops    int `json:"noops"`

	// Depth is the number of dependency levels.
	Depth int `json:"depth"`
}

// BuildDocument flattens a run plan into the policy input document.
// Descriptor facts come from the plan's manifest descriptors when present;
// destroy runs, planned from state alone, fall back to the recorded states.
func BuildDocument(rp *engine.RunPlan, states []*engine.ResourceState) *PlanDocument {
	recorded := make(map[string]*engine.ResourceState, len(states))
	for _, st := range states {
		recorded[st.ResourceID] = st
	}

	doc := &PlanDocument{
		Deployment: rp.DeploymentID,
		RunType:    string(rp.Type),
		Steps:      make([]StepDocument, 0, len(rp.Steps)),
	}

	maxLevel := -1
	for _, step := range rp.Steps {
		sd := StepDocument{
			Resource:  step.ResourceID,
			Kind:      string(step.Kind),
			Operation: string(step.Operation),
			Level:     step.Level,
			Reason:    step.Reason,
		}
		if rp.Plan != nil {
			if d, ok := rp.Plan.Descriptor(step.ResourceID); ok {
				sd.Config = d.Config
				sd.Labels = d.Labels
				sd.DependsOn = rp.Plan.Edges[step.ResourceID]
			}
		}
		if sd.Labels == nil {
			if st, ok := recorded[step.ResourceID]; ok {
				sd.Labels = st.Labels
				if sd.DependsOn == nil {
					sd.DependsOn = st.Dependencies
				}
			}
		}
		sd.Protected = sd.Labels["protected"] == "true"

		switch step.Operation {
		case engine.OperationCreate:
			doc.Summary.Creates++
		case engine.OperationDelete:
			doc.Summary.Deletes++
		case engine.OperationVerify:
			doc.Summary.Verifies++
		default:
			doc.Summary.Noops++
		}
		if step.Level > maxLevel {
			maxLevel = step.Level
		}

		doc.Steps = append(doc.Steps, sd)
	}

	doc.Summary.Resources = len(doc.Steps)
	doc.Summary.Depth = maxLevel + 1

	sort.Slice(doc.Steps, func(i, j int) bool {
		return doc.Steps[i].Resource < doc.Steps[j].Resource
	})
	return doc
}

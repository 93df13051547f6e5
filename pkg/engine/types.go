package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ResourceKind identifies the class of infrastructure a descriptor provisions.
// One backend adapter serves one kind.
type ResourceKind string

const (
	// KindRegistry is a container image registry.
	KindRegistry ResourceKind = "registry"

	// KindComputeCluster is a managed container-orchestration cluster.
	KindComputeCluster ResourceKind = "compute-cluster"

	// KindDatabase is a managed relational database server.
	KindDatabase ResourceKind = "database"

	// KindAIService is a model-serving workload deployed onto a cluster.
	KindAIService ResourceKind = "ai-service"

	// KindSecret is a named secret held by an external secret manager.
	KindSecret ResourceKind = "secret"

	// KindGateway is an ingress gateway fronting cluster workloads.
	KindGateway ResourceKind = "gateway"

	// KindNetwork is a virtual network with subnets for the deployment.
	KindNetwork ResourceKind = "network"
)

// Kinds returns all resource kinds in stable order.
func Kinds() []ResourceKind {
	return []ResourceKind{
		KindRegistry,
		KindComputeCluster,
		KindDatabase,
		KindAIService,
		KindSecret,
		KindGateway,
		KindNetwork,
	}
}

// Validate checks if the resource kind is one of the known kinds.
func (k ResourceKind) Validate() error {
	switch k {
	case KindRegistry, KindComputeCluster, KindDatabase, KindAIService,
		KindSecret, KindGateway, KindNetwork:
		return nil
	default:
		return fmt.Errorf("invalid resource kind: %s", k)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (k ResourceKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (k *ResourceKind) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*k = ResourceKind(str)
	return k.Validate()
}

// ResourceDescriptor declares one unit of infrastructure. Descriptors are
// value objects: the graph builder and planner never mutate them.
type ResourceDescriptor struct {
	// ID uniquely identifies the resource within a deployment.
	ID string `json:"id"`

	// Kind selects the backend adapter that realizes the resource.
	Kind ResourceKind `json:"kind"`

	// Config holds the flat configuration supplied to the adapter. Values may
	// contain ${id.output} references to outputs of other resources; such
	// references imply a dependency on the referenced resource.
	Config map[string]string `json:"config,omitempty"`

	// DependsOn lists resource IDs that must be created before this one.
	DependsOn []string `json:"depends_on,omitempty"`

	// Labels carry operator metadata. The label "protected" guards a resource
	// against deletion when the builtin policies are active.
	Labels map[string]string `json:"labels,omitempty"`
}

// Validate checks the descriptor's internal invariants: a non-empty ID, a
// known kind, no dependency on itself, no duplicated dependency entries.
// Cross-descriptor invariants (unknown references) are the graph builder's job.
func (d *ResourceDescriptor) Validate() error {
	if d.ID == "" {
		return NewConfigurationError("resource descriptor has empty ID", nil)
	}
	if err := d.Kind.Validate(); err != nil {
		return NewConfigurationError("resource descriptor has invalid kind", err).
			WithResource(d.ID)
	}
	seen := make(map[string]struct{}, len(d.DependsOn))
	for _, dep := range d.DependsOn {
		if dep == d.ID {
			return NewConfigurationError(
				fmt.Sprintf("resource %q depends on itself", d.ID), nil).
				WithResource(d.ID).
				WithCode(ErrCodeCycle)
		}
		if _, dup := seen[dep]; dup {
			return NewConfigurationError(
				fmt.Sprintf("resource %q lists dependency %q twice", d.ID, dep), nil).
				WithResource(d.ID)
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// Fingerprint returns the configuration fingerprint of the descriptor.
// Equal fingerprints mean the adapter would receive identical input.
func (d *ResourceDescriptor) Fingerprint() string {
	return Fingerprint(d.Kind, d.Config)
}

// Protected reports whether the descriptor carries the protected label.
func (d *ResourceDescriptor) Protected() bool {
	return d.Labels["protected"] == "true"
}

// DeploymentPlan is a dependency-respecting total order over a set of
// descriptors. It is built once per run and never modified afterwards.
type DeploymentPlan struct {
	// DeploymentID scopes the plan to one deployment's state.
	DeploymentID string `json:"deployment_id"`

	// Resources holds the descriptors in topological order: every descriptor
	// appears after all of its dependencies.
	Resources []ResourceDescriptor `json:"resources"`

	// Levels groups resource IDs by dependency depth. Resources within one
	// level have no dependency relationship and may execute concurrently.
	Levels [][]string `json:"levels"`

	// Edges maps each resource ID to its effective dependencies, declared
	// plus those implied by ${id.output} references.
	Edges map[string][]string `json:"edges"`

	// CreatedAt records when the plan was built.
	CreatedAt time.Time `json:"created_at"`
}

// Position returns the index of the resource in plan order, or -1 if the
// resource is not part of the plan.
func (p *DeploymentPlan) Position(id string) int {
	for i := range p.Resources {
		if p.Resources[i].ID == id {
			return i
		}
	}
	return -1
}

// Descriptor returns the descriptor with the given ID.
func (p *DeploymentPlan) Descriptor(id string) (*ResourceDescriptor, bool) {
	i := p.Position(id)
	if i < 0 {
		return nil, false
	}
	return &p.Resources[i], true
}

// Dependents returns the IDs of resources that directly depend on id,
// in ascending order.
func (p *DeploymentPlan) Dependents(id string) []string {
	var out []string
	for rid, deps := range p.Edges {
		for _, dep := range deps {
			if dep == id {
				out = append(out, rid)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ToDOT renders the plan's dependency graph in Graphviz DOT format.
func (p *DeploymentPlan) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph deployment {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box];\n\n")
	for _, r := range p.Resources {
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\\n(%s)\"];\n", r.ID, r.ID, r.Kind))
	}
	sb.WriteString("\n")
	for _, r := range p.Resources {
		for _, dep := range p.Edges[r.ID] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, r.ID))
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// RunType distinguishes what a run does to the deployment.
type RunType string

const (
	// RunTypeApply creates or updates resources to match the manifest.
	RunTypeApply RunType = "apply"

	// RunTypeDestroy deletes recorded resources in reverse dependency order.
	RunTypeDestroy RunType = "destroy"

	// RunTypeVerify re-runs health probes without mutating anything.
	RunTypeVerify RunType = "verify"
)

// Validate checks if the run type is valid.
func (t RunType) Validate() error {
	switch t {
	case RunTypeApply, RunTypeDestroy, RunTypeVerify:
		return nil
	default:
		return fmt.Errorf("invalid run type: %s", t)
	}
}

// PlanStep binds one operation to one descriptor within a RunPlan. Step
// status tracks what happened to the operation; it is distinct from the
// resource's lifecycle status, which only moves when a backend call is
// actually made. A step skipped for a failed dependency leaves the resource
// itself in Pending.
type PlanStep struct {
	// ResourceID names the resource the step operates on.
	ResourceID string `json:"resource_id"`

	// Kind is the resource kind, denormalized for reporting.
	Kind ResourceKind `json:"kind"`

	// Operation is what the step does: create, delete, or noop.
	Operation OperationType `json:"operation"`

	// Reason explains why the planner chose the operation.
	Reason string `json:"reason,omitempty"`

	// Level is the dependency depth the step executes at.
	Level int `json:"level"`

	// Status is the execution status of the step.
	Status StepStatus `json:"status"`

	// Attempts counts how many times the backend call ran.
	Attempts int `json:"attempts"`

	// Error holds the final error message when the step failed.
	Error string `json:"error,omitempty"`

	// StartedAt is when the step began executing, zero if it never ran.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the step reached a terminal status.
	FinishedAt time.Time `json:"finished_at"`
}

// RunPlan is the executable form of a deployment plan: the ordered steps of
// one apply or destroy run, grouped into levels for parallel dispatch.
type RunPlan struct {
	// DeploymentID scopes the run.
	DeploymentID string `json:"deployment_id"`

	// Type says whether the steps create or delete.
	Type RunType `json:"type"`

	// Steps holds one step per resource, in execution order.
	Steps []*PlanStep `json:"steps"`

	// Levels groups step indices by dependency depth.
	Levels [][]int `json:"levels"`

	// Gates maps a resource ID to the IDs whose steps must succeed before
	// its own step may run. For apply runs these are the resource's
	// dependencies; for destroy runs, its dependents.
	Gates map[string][]string `json:"gates,omitempty"`

	// Plan is the deployment plan the steps were derived from. Nil for
	// destroy runs, which are derived from recorded state alone.
	Plan *DeploymentPlan `json:"plan,omitempty"`
}

// Step returns the step for the given resource ID.
func (rp *RunPlan) Step(resourceID string) (*PlanStep, bool) {
	for _, s := range rp.Steps {
		if s.ResourceID == resourceID {
			return s, true
		}
	}
	return nil, false
}

// HasChanges reports whether any step carries a mutating operation.
func (rp *RunPlan) HasChanges() bool {
	for _, s := range rp.Steps {
		if s.Operation.IsMutating() {
			return true
		}
	}
	return false
}

// Summary tallies the step outcomes of the plan. Terminal step statuses win
// over the noop bucket, so a noop suppressed by a failed gate counts as
// skipped, not unchanged.
func (rp *RunPlan) Summary() RunSummary {
	var sum RunSummary
	sum.Total = len(rp.Steps)
	for _, s := range rp.Steps {
		switch {
		case s.Status == StepStatusFailed:
			sum.Failed++
		case s.Status == StepStatusSkipped:
			sum.Skipped++
		case s.Status == StepStatusCancelled:
			sum.Cancelled++
		case s.Operation == OperationNoop:
			sum.Unchanged++
		case s.Status == StepStatusSucceeded:
			sum.Succeeded++
		default:
			sum.NotAttempted++
		}
	}
	return sum
}

// RunSummary aggregates step outcomes for reporting.
type RunSummary struct {
	// Total is the number of steps in the run plan.
	Total int `json:"total"`

	// Succeeded counts steps whose backend call completed.
	Succeeded int `json:"succeeded"`

	// Failed counts steps whose backend call failed terminally.
	Failed int `json:"failed"`

	// Skipped counts steps suppressed because a dependency failed.
	Skipped int `json:"skipped"`

	// Cancelled counts steps stopped by run cancellation.
	Cancelled int `json:"cancelled"`

	// Unchanged counts steps the planner resolved to noop.
	Unchanged int `json:"unchanged"`

	// NotAttempted counts mutating steps that never started.
	NotAttempted int `json:"not_attempted"`

	// VerifyFailed counts resources whose post-creation probe failed.
	VerifyFailed int `json:"verify_failed"`
}

// Run records one execution of a run plan.
type Run struct {
	// ID is the unique run identifier.
	ID string `json:"id"`

	// DeploymentID scopes the run.
	DeploymentID string `json:"deployment_id"`

	// Type says whether the run applied, destroyed, or verified.
	Type RunType `json:"type"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Summary tallies step outcomes.
	Summary RunSummary `json:"summary"`

	// Error holds the run-level error when the run aborted outright.
	Error string `json:"error,omitempty"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the run reached a terminal status, nil while active.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ResourceState is the persisted lifecycle record of one resource, keyed by
// (deployment ID, resource ID). Every transition is written before the
// executor proceeds, so the store always reflects the last completed step.
type ResourceState struct {
	// DeploymentID scopes the record.
	DeploymentID string `json:"deployment_id"`

	// ResourceID is the descriptor ID the record belongs to.
	ResourceID string `json:"resource_id"`

	// Kind is the resource kind at last apply.
	Kind ResourceKind `json:"kind"`

	// Status is the current lifecycle status.
	Status ResourceStatus `json:"status"`

	// Fingerprint is the configuration fingerprint last applied. A matching
	// fingerprint on a Created resource makes re-apply a noop.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Outputs holds the adapter outputs from the last successful create.
	// Secret-bearing outputs contain opaque handles, never material.
	Outputs map[string]string `json:"outputs,omitempty"`

	// Labels are the descriptor labels at last apply. Recorded so that
	// label-driven rules, protected deletion above all, still hold for
	// teardowns planned from state alone.
	Labels map[string]string `json:"labels,omitempty"`

	// Dependencies records the effective dependency edges at last apply, so
	// teardown order can be derived from state alone.
	Dependencies []string `json:"dependencies,omitempty"`

	// PlanPosition is the index of the resource in the creation order.
	PlanPosition int `json:"plan_position"`

	// Error holds the message of the last failure, cleared on success.
	Error string `json:"error,omitempty"`

	// VerifyDetail holds the detail string of the last health probe.
	VerifyDetail string `json:"verify_detail,omitempty"`

	// LastRunID is the run that last transitioned the resource.
	LastRunID string `json:"last_run_id,omitempty"`

	// CreatedAt is when the record was first written.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the time of the last transition.
	UpdatedAt time.Time `json:"updated_at"`
}

// Protected reports whether the record carries the protected label.
func (s *ResourceState) Protected() bool {
	return s.Labels["protected"] == "true"
}

// Event is one entry in a run's timeline.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`

	// DeploymentID scopes the event.
	DeploymentID string `json:"deployment_id"`

	// ResourceID names the resource involved, empty for run-level events.
	ResourceID string `json:"resource_id,omitempty"`

	// Type classifies the event.
	Type EventType `json:"type"`

	// Message is the human-readable event text.
	Message string `json:"message"`

	// Details carries structured context.
	Details map[string]interface{} `json:"details,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

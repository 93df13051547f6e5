package engine

import (
	"context"
	"errors"
	"fmt"
)

// Planner turns descriptors and recorded state into executable run plans.
// Planning never touches a backend: it only reads the state store.
type Planner struct {
	store StateStore
}

// NewPlanner creates a planner backed by the given state store.
func NewPlanner(store StateStore) *Planner {
	return &Planner{store: store}
}

// PlanApply diffs a deployment plan against recorded state and produces the
// steps of an apply run. Resources already created with a matching
// fingerprint become noops, which is what makes re-applying an unchanged
// manifest free of backend calls.
func (p *Planner) PlanApply(ctx context.Context, plan *DeploymentPlan) (*RunPlan, error) {
	rp := &RunPlan{
		DeploymentID: plan.DeploymentID,
		Type:         RunTypeApply,
		Steps:        make([]*PlanStep, 0, len(plan.Resources)),
		Gates:        plan.Edges,
		Plan:         plan,
	}

	level := make(map[string]int, len(plan.Resources))
	for i, ids := range plan.Levels {
		for _, id := range ids {
			level[id] = i
		}
	}

	for i := range plan.Resources {
		d := &plan.Resources[i]
		op, reason, err := p.diffResource(ctx, plan.DeploymentID, d)
		if err != nil {
			return nil, err
		}
		rp.Steps = append(rp.Steps, &PlanStep{
			ResourceID: d.ID,
			Kind:       d.Kind,
			Operation:  op,
			Reason:     reason,
			Level:      level[d.ID],
			Status:     StepStatusPending,
		})
	}

	rp.Levels = stepLevels(rp.Steps, len(plan.Levels))
	return rp, nil
}

// diffResource decides what one apply step does, based on the recorded state.
func (p *Planner) diffResource(ctx context.Context, deploymentID string, d *ResourceDescriptor) (OperationType, string, error) {
	state, err := p.store.GetResource(ctx, deploymentID, d.ID)
	if errors.Is(err, ErrStateNotFound) {
		return OperationCreate, "new resource", nil
	}
	if err != nil {
		return "", "", NewPermanentError("reading resource state", err).
			WithResource(d.ID).
			WithCode(ErrCodeStateStore)
	}

	switch state.Status {
	case StatusCreated, StatusVerifyFailed:
		if state.Fingerprint == d.Fingerprint() {
			return OperationNoop, "up to date", nil
		}
		return OperationCreate, "configuration changed", nil
	case StatusFailed:
		return OperationCreate, "retrying after failure", nil
	case StatusCreating:
		return OperationCreate, "resuming interrupted create", nil
	case StatusDeleted:
		return OperationCreate, "previously deleted", nil
	case StatusDeleting:
		return OperationCreate, "recreating after interrupted delete", nil
	default:
		return OperationCreate, "not yet created", nil
	}
}

// PlanDestroy derives a teardown run from recorded state alone: resources
// are deleted in reverse dependency order, so nothing is removed while
// another recorded resource still depends on it. Resources already deleted,
// or never created at all, become noops.
func (p *Planner) PlanDestroy(ctx context.Context, deploymentID string) (*RunPlan, error) {
	states, err := p.store.ListResources(ctx, deploymentID)
	if err != nil {
		return nil, NewPermanentError("listing resource state", err).
			WithCode(ErrCodeStateStore)
	}

	byID := make(map[string]*ResourceState, len(states))
	ids := make([]string, 0, len(states))
	for _, s := range states {
		byID[s.ResourceID] = s
		ids = append(ids, s.ResourceID)
	}

	// Teardown inverts the edges: a resource waits for everything that
	// depends on it.
	dependents := make(map[string][]string, len(states))
	for _, s := range states {
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ResourceID)
		}
	}
	levels, err := levelsFor(ids, func(id string) []string { return dependents[id] })
	if err != nil {
		return nil, err
	}

	rp := &RunPlan{
		DeploymentID: deploymentID,
		Type:         RunTypeDestroy,
		Steps:        make([]*PlanStep, 0, len(states)),
		Gates:        dependents,
	}
	for li, level := range levels {
		for _, id := range level {
			s := byID[id]
			op, reason := destroyOperation(s)
			rp.Steps = append(rp.Steps, &PlanStep{
				ResourceID: id,
				Kind:       s.Kind,
				Operation:  op,
				Reason:     reason,
				Level:      li,
				Status:     StepStatusPending,
			})
		}
	}

	rp.Levels = stepLevels(rp.Steps, len(levels))
	return rp, nil
}

// destroyOperation decides what teardown does with one recorded resource.
// Anything that might exist externally gets a delete attempt; the adapter
// treats absence as success, so over-deleting is safe and under-deleting is
// not.
func destroyOperation(s *ResourceState) (OperationType, string) {
	switch s.Status {
	case StatusDeleted:
		return OperationNoop, "already deleted"
	case StatusPending:
		return OperationNoop, "never created"
	case StatusCreated, StatusVerifyFailed:
		return OperationDelete, "recorded as created"
	case StatusCreating:
		return OperationDelete, "create was interrupted"
	case StatusDeleting:
		return OperationDelete, "resuming interrupted delete"
	case StatusFailed:
		return OperationDelete, "cleaning up after failure"
	default:
		return OperationDelete, fmt.Sprintf("status %s", s.Status)
	}
}

// PlanVerify produces a probe-only run over every recorded resource whose
// creation has completed.
func (p *Planner) PlanVerify(ctx context.Context, deploymentID string) (*RunPlan, error) {
	states, err := p.store.ListResources(ctx, deploymentID)
	if err != nil {
		return nil, NewPermanentError("listing resource state", err).
			WithCode(ErrCodeStateStore)
	}

	rp := &RunPlan{
		DeploymentID: deploymentID,
		Type:         RunTypeVerify,
		Steps:        make([]*PlanStep, 0, len(states)),
	}
	for _, s := range states {
		if !s.Status.IsProvisioned() {
			continue
		}
		rp.Steps = append(rp.Steps, &PlanStep{
			ResourceID: s.ResourceID,
			Kind:       s.Kind,
			Operation:  OperationVerify,
			Reason:     fmt.Sprintf("status %s", s.Status),
			Level:      0,
			Status:     StepStatusPending,
		})
	}

	rp.Levels = stepLevels(rp.Steps, 1)
	return rp, nil
}

// stepLevels groups step indices by their level.
func stepLevels(steps []*PlanStep, depth int) [][]int {
	if len(steps) == 0 {
		return nil
	}
	levels := make([][]int, depth)
	for i, s := range steps {
		levels[s.Level] = append(levels[s.Level], i)
	}
	return levels
}

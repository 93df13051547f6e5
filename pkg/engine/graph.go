package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// GraphBuilder derives a DeploymentPlan from a set of resource descriptors.
// It validates every dependency edge, detects cycles, and assigns dependency
// levels so independent resources can execute in parallel.
//
// Edges come from two places: the descriptor's DependsOn list and any
// ${id.output} references found in its configuration values. Both are
// validated the same way.
type GraphBuilder struct {
	// descriptors maps resource IDs to their descriptors
	descriptors map[string]*ResourceDescriptor

	// dependents maps a resource ID to the IDs that depend on it
	dependents map[string][]string

	// dependencies maps a resource ID to its effective dependencies
	dependencies map[string][]string

	// inDegree tracks the number of unresolved dependencies per resource
	inDegree map[string]int

	// levels groups resource IDs by dependency depth
	levels [][]string
}

// NewGraphBuilder creates a new graph builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{
		descriptors:  make(map[string]*ResourceDescriptor),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
		levels:       make([][]string, 0),
	}
}

// Build constructs a deployment plan from descriptors. The resulting order is
// deterministic: resources with no remaining dependencies are drained in
// ascending ID order, so identical input always yields an identical plan.
func (b *GraphBuilder) Build(deploymentID string, descriptors []ResourceDescriptor) (*DeploymentPlan, error) {
	if err := b.initialize(descriptors); err != nil {
		return nil, err
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}
	return b.buildPlan(deploymentID), nil
}

// initialize indexes the descriptors and assembles the effective edge set.
func (b *GraphBuilder) initialize(descriptors []ResourceDescriptor) error {
	// First pass: validate and index every descriptor
	for i := range descriptors {
		d := &descriptors[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if _, exists := b.descriptors[d.ID]; exists {
			return NewConfigurationError(fmt.Sprintf("duplicate resource ID: %s", d.ID), nil).
				WithCode(ErrCodeDuplicateResource).
				WithResource(d.ID)
		}
		b.descriptors[d.ID] = d
		b.dependents[d.ID] = make([]string, 0)
		b.dependencies[d.ID] = make([]string, 0)
		b.inDegree[d.ID] = 0
	}

	// Second pass: collect edges from DependsOn and from config references
	for _, d := range b.descriptors {
		edges := make(map[string]struct{}, len(d.DependsOn))
		for _, dep := range d.DependsOn {
			edges[dep] = struct{}{}
		}
		for _, ref := range References(d.Config) {
			if ref.ResourceID == d.ID {
				return NewConfigurationError(
					fmt.Sprintf("resource %q references its own output %q", d.ID, ref.Output), nil).
					WithCode(ErrCodeCycle).
					WithResource(d.ID)
			}
			edges[ref.ResourceID] = struct{}{}
		}

		deps := make([]string, 0, len(edges))
		for dep := range edges {
			if _, exists := b.descriptors[dep]; !exists {
				return NewConfigurationError(
					fmt.Sprintf("resource %q depends on unknown resource %q", d.ID, dep), nil).
					WithCode(ErrCodeUnknownDependency).
					WithResource(d.ID)
			}
			deps = append(deps, dep)
		}
		sort.Strings(deps)

		b.dependencies[d.ID] = deps
		b.inDegree[d.ID] = len(deps)
		for _, dep := range deps {
			b.dependents[dep] = append(b.dependents[dep], d.ID)
		}
	}

	// Stable dependent order keeps cycle reports and level drains
	// deterministic across runs.
	for id := range b.dependents {
		sort.Strings(b.dependents[id])
	}

	return nil
}

// detectCycles walks the graph depth-first and reports the first cycle found,
// naming every resource on it.
func (b *GraphBuilder) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	ids := b.sortedIDs()
	for _, id := range ids {
		if visited[id] {
			continue
		}
		if cycle := b.findCycle(id, visited, recStack, nil); len(cycle) > 0 {
			return NewConfigurationError(
				fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")), nil).
				WithCode(ErrCodeCycle).
				WithResource(cycle[0])
		}
	}
	return nil
}

// findCycle performs the DFS step of cycle detection. It returns the cycle
// path when the recursion stack is re-entered, nil otherwise.
func (b *GraphBuilder) findCycle(id string, visited, recStack map[string]bool, path []string) []string {
	visited[id] = true
	recStack[id] = true
	path = append(path, id)

	for _, dependent := range b.dependents[id] {
		if !visited[dependent] {
			if cycle := b.findCycle(dependent, visited, recStack, path); len(cycle) > 0 {
				return cycle
			}
		} else if recStack[dependent] {
			start := 0
			for i, p := range path {
				if p == dependent {
					start = i
					break
				}
			}
			return append(path[start:], dependent)
		}
	}

	recStack[id] = false
	return nil
}

// computeLevels runs Kahn's algorithm with in-degree counting, draining each
// wave of dependency-free resources in ascending ID order.
func (b *GraphBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		remaining[id] = degree
	}

	current := make([]string, 0)
	for id, degree := range remaining {
		if degree == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.dependents[id] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	// Unreachable when cycle detection ran first; kept as a guard against
	// builder misuse.
	if processed != len(b.descriptors) {
		return NewConfigurationError("not all resources could be ordered", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

// buildPlan assembles the immutable DeploymentPlan from the computed levels.
func (b *GraphBuilder) buildPlan(deploymentID string) *DeploymentPlan {
	plan := &DeploymentPlan{
		DeploymentID: deploymentID,
		Resources:    make([]ResourceDescriptor, 0, len(b.descriptors)),
		Levels:       b.levels,
		Edges:        make(map[string][]string, len(b.descriptors)),
		CreatedAt:    time.Now().UTC(),
	}
	for _, level := range b.levels {
		for _, id := range level {
			plan.Resources = append(plan.Resources, *b.descriptors[id])
			plan.Edges[id] = b.dependencies[id]
		}
	}
	return plan
}

// sortedIDs returns all resource IDs in ascending order.
func (b *GraphBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.descriptors))
	for id := range b.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// levelsFor computes dependency levels over an arbitrary node set with a
// caller-supplied dependency function, draining ties in ascending ID order.
// It is shared by the forward builder and the teardown planner, which walks
// edges in the reverse direction.
func levelsFor(ids []string, depsOf func(string) []string) ([][]string, error) {
	present := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}

	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		for _, dep := range depsOf(id) {
			if _, ok := present[dep]; !ok {
				// Edges to nodes outside the set carry no ordering weight.
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	current := make([]string, 0)
	for _, id := range ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	levels := make([][]string, 0)
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed != len(ids) {
		return nil, NewConfigurationError("dependency cycle in recorded state", nil).
			WithCode(ErrCodeCycle)
	}
	return levels, nil
}

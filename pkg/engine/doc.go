// Package engine provides the core types and the execution model for the
// opengrove provisioning orchestrator.
//
// # Overview
//
// opengrove turns a declarative deployment manifest into real infrastructure
// through a four-stage pipeline:
//
//  1. Graph - Order resource descriptors by their dependencies (GraphBuilder)
//  2. Plan  - Diff the ordered descriptors against recorded state (Planner)
//  3. Apply - Execute the plan through backend adapters (Executor)
//  4. Verify - Probe created resources for health (Verifier)
//
// Teardown runs the same pipeline in reverse: the Planner derives a deletion
// plan from recorded state alone, ordered so that no resource is removed
// before the resources that depend on it.
//
// # Core Domain Types
//
//   - ResourceDescriptor: one declared unit of infrastructure and its dependencies
//   - DeploymentPlan: an immutable dependency-respecting order over descriptors
//   - PlanStep: one operation (create/delete/noop) bound to a descriptor
//   - RunPlan: the full set of steps for a single apply or destroy run
//   - ResourceState: the persisted record of a resource's lifecycle
//   - Run: one execution of a RunPlan with status and summary
//
// # Adapter Interface
//
// Backend adapters realize resources against external systems. One adapter
// serves one resource kind:
//
//	type Adapter interface {
//	    Kind() ResourceKind
//	    Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
//	    Delete(ctx context.Context, req DeleteRequest) error
//	    Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
//	}
//
// Delete is idempotent: absence of the resource is success. Create outputs may
// carry opaque secret handles; the engine stores and substitutes them without
// ever seeing the underlying material.
//
// # Error Classification
//
// Errors are classified so the Executor can decide between retry, halt, and
// report:
//
//   - configuration: rejected before any backend call (cycles, bad references)
//   - transient: temporary failures, retried with backoff
//   - throttled: rate limiting, retried with a longer backoff
//   - permanent: non-recoverable, halts the dependent chain
//   - verification: probe failures, reported without blocking the plan
//
// Use the predicates to branch on classification:
//
//	if IsRetryable(err) {
//	    // back off and try again
//	}
//
// # State Machine
//
// Each resource moves through a fixed set of statuses:
//
//	Pending -> Creating -> {Created, Failed}
//	Created -> {Deleting, VerifyFailed}
//	VerifyFailed -> Created        (successful re-verify)
//	Deleting -> {Deleted, Failed}
//
// Failed is retry-eligible back into the in-progress status it came from.
// Every transition is persisted before the Executor takes the next step, so a
// crash leaves a state store that resumes without repeating completed work.
//
// # Concurrency
//
// The Executor dispatches plan levels through a bounded worker pool.
// Descriptors with no transitive dependency relationship may run concurrently;
// a descriptor never starts before all of its dependencies have completed
// creation. Cancellation stops new dispatch but lets in-flight adapter calls
// run to completion under their own timeout.
package engine

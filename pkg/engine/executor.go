package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Execution defaults, used when the corresponding ExecOptions field is zero.
const (
	DefaultParallelism      = 4
	DefaultMaxAttempts      = 3
	DefaultOperationTimeout = 5 * time.Minute
	DefaultVerifyTimeout    = 30 * time.Second
)

// ExecOptions tunes a single run.
type ExecOptions struct {
	// Parallelism caps how many steps of one level run concurrently.
	Parallelism int

	// MaxAttempts is how many times a retryable backend call runs before
	// the step fails.
	MaxAttempts int

	// OperationTimeout bounds a single create or delete call.
	OperationTimeout time.Duration

	// VerifyTimeout bounds a single health probe.
	VerifyTimeout time.Duration

	// DryRun walks the plan without calling any backend or writing state.
	DryRun bool

	// SkipVerify disables the post-creation health probe.
	SkipVerify bool

	// RetainDeleted keeps Deleted state records for auditing instead of
	// purging them once teardown succeeds.
	RetainDeleted bool
}

// withDefaults fills zero fields with the package defaults.
func (o ExecOptions) withDefaults() ExecOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = DefaultParallelism
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = DefaultOperationTimeout
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = DefaultVerifyTimeout
	}
	return o
}

// Executor drives run plans to completion: it walks the levels in order,
// dispatches the steps of each level to a bounded worker pool, and records
// every resource transition in the state store before acting on it.
//
// Cancelling the context stops new steps from dispatching. Steps already
// running finish their in-flight backend call on a detached context, so the
// store never ends up claiming an operation was interrupted when it in fact
// completed.
type Executor struct {
	store    StateStore
	adapters AdapterRegistry
	events   EventSink

	// backoff computes the delay before a retry. Swapped out in tests.
	backoff func(attempt int, class ErrorClass) time.Duration
}

// NewExecutor creates an executor. A nil events sink discards events.
func NewExecutor(store StateStore, adapters AdapterRegistry, events EventSink) *Executor {
	if events == nil {
		events = discardSink{}
	}
	return &Executor{
		store:    store,
		adapters: adapters,
		events:   events,
		backoff:  backoffDelay,
	}
}

// Execute runs a plan and returns the finished run record. Step failures do
// not fail Execute: they are reflected in the run's status and summary. The
// error return is for runs that could not start or could not keep their
// state recorded.
//
// The deployment lock is held for the whole run, so concurrent Execute calls
// against the same deployment fail fast rather than interleave.
func (e *Executor) Execute(ctx context.Context, rp *RunPlan, opts ExecOptions) (*Run, error) {
	if rp == nil {
		return nil, NewConfigurationError("run plan is nil", nil).WithCode(ErrCodeValidation)
	}
	opts = opts.withDefaults()

	run := &Run{
		ID:           uuid.New().String(),
		DeploymentID: rp.DeploymentID,
		Type:         rp.Type,
		Status:       RunStatusRunning,
		StartedAt:    time.Now().UTC(),
	}

	// dctx survives cancellation: final bookkeeping must reach the store
	// even when the run is being torn down.
	dctx := context.WithoutCancel(ctx)

	if !opts.DryRun {
		if err := e.store.Lock(ctx, rp.DeploymentID, run.ID); err != nil {
			return nil, NewPermanentError("acquiring deployment lock", err).
				WithCode(ErrCodeDeploymentLocked)
		}
		defer func() {
			if err := e.store.Unlock(dctx, rp.DeploymentID, run.ID); err != nil {
				e.publish(dctx, run, "", EventTypeWarning,
					fmt.Sprintf("Failed to release deployment lock: %v", err), nil)
			}
		}()
		if err := e.store.SaveRun(ctx, run); err != nil {
			return nil, fmt.Errorf("saving run record: %w", err)
		}
	}

	e.publish(ctx, run, "", EventTypeRunStarted,
		fmt.Sprintf("Started %s run with %d steps", rp.Type, len(rp.Steps)),
		map[string]interface{}{
			"run_type": string(rp.Type),
			"steps":    len(rp.Steps),
		})

	rs := newRunState()
	if rp.Type == RunTypeApply {
		if err := e.prepareApplyState(ctx, rp, opts, rs); err != nil {
			return nil, e.abortRun(dctx, run, opts, err)
		}
	}

	cancelled := false
	for _, indices := range rp.Levels {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		e.executeLevel(ctx, run, rp, indices, opts, rs)
		if ctx.Err() != nil {
			cancelled = true
			break
		}
	}
	if cancelled {
		e.markRemainingCancelled(rp, rs)
	}

	run.Summary = rp.Summary()
	run.Summary.VerifyFailed = rs.verifyFailedCount()
	run.Status = runStatusFor(run.Summary)
	if run.Summary.Failed > 0 {
		run.Error = fmt.Sprintf("%d of %d steps failed", run.Summary.Failed, run.Summary.Total)
	}
	finished := time.Now().UTC()
	run.FinishedAt = &finished

	if !opts.DryRun {
		if err := e.store.SaveRun(dctx, run); err != nil {
			return run, fmt.Errorf("saving final run record: %w", err)
		}
	}
	e.publish(dctx, run, "", EventTypeRunCompleted,
		fmt.Sprintf("Run finished with status %s", run.Status), map[string]interface{}{
			"run_type":         string(rp.Type),
			"status":           string(run.Status),
			"duration_seconds": finished.Sub(run.StartedAt).Seconds(),
			"succeeded":        run.Summary.Succeeded,
			"failed":           run.Summary.Failed,
			"skipped":          run.Summary.Skipped,
			"unchanged":        run.Summary.Unchanged,
		})

	return run, nil
}

// abortRun finalizes a run that could not get past setup.
func (e *Executor) abortRun(ctx context.Context, run *Run, opts ExecOptions, cause error) error {
	run.Status = RunStatusFailed
	run.Error = cause.Error()
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if !opts.DryRun {
		if err := e.store.SaveRun(ctx, run); err != nil {
			e.publish(ctx, run, "", EventTypeWarning,
				fmt.Sprintf("Failed to record aborted run: %v", err), nil)
		}
	}
	e.publish(ctx, run, "", EventTypeRunCompleted,
		fmt.Sprintf("Run aborted: %v", cause), map[string]interface{}{
			"run_type": string(run.Type),
			"status":   string(run.Status),
		})
	return cause
}

// prepareApplyState makes sure every planned resource has a state record
// before any step runs, and seeds the output cache from previous creates so
// ${id.output} references resolve for resources that are noops this run.
func (e *Executor) prepareApplyState(ctx context.Context, rp *RunPlan, opts ExecOptions, rs *runState) error {
	existing, err := e.store.ListResources(ctx, rp.DeploymentID)
	if err != nil {
		return fmt.Errorf("listing resource state: %w", err)
	}
	byID := make(map[string]*ResourceState, len(existing))
	for _, st := range existing {
		byID[st.ResourceID] = st
		if len(st.Outputs) > 0 {
			rs.setOutputs(st.ResourceID, st.Outputs)
		}
	}
	if opts.DryRun {
		return nil
	}

	now := time.Now().UTC()
	for _, step := range rp.Steps {
		st, ok := byID[step.ResourceID]
		if !ok {
			st = &ResourceState{
				DeploymentID: rp.DeploymentID,
				ResourceID:   step.ResourceID,
				Kind:         step.Kind,
				Status:       StatusPending,
				CreatedAt:    now,
			}
		}
		// Refresh graph bookkeeping without touching the status: the
		// recorded dependencies are what a later destroy orders by, and
		// the recorded labels are what a later destroy gates on.
		st.Kind = step.Kind
		st.Dependencies = rp.Plan.Edges[step.ResourceID]
		st.PlanPosition = rp.Plan.Position(step.ResourceID)
		if d, ok := rp.Plan.Descriptor(step.ResourceID); ok {
			st.Labels = d.Labels
		}
		st.UpdatedAt = now
		if err := e.store.PutResource(ctx, st); err != nil {
			return fmt.Errorf("preparing state for %s: %w", step.ResourceID, err)
		}
	}
	return nil
}

// executeLevel runs the steps of one level through a worker pool. Steps
// whose gates did not succeed are skipped without dispatching.
func (e *Executor) executeLevel(ctx context.Context, run *Run, rp *RunPlan, indices []int, opts ExecOptions, rs *runState) {
	runnable := make([]*PlanStep, 0, len(indices))
	for _, i := range indices {
		step := rp.Steps[i]
		if unmet := rs.unmetGates(rp.Gates[step.ResourceID]); len(unmet) > 0 {
			e.markStepSkipped(ctx, run, step, rs, unmet)
			continue
		}
		runnable = append(runnable, step)
	}
	if len(runnable) == 0 {
		return
	}

	workers := opts.Parallelism
	if workers > len(runnable) {
		workers = len(runnable)
	}

	queue := make(chan *PlanStep, len(runnable))
	for _, step := range runnable {
		queue <- step
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range queue {
				e.executeStep(ctx, run, rp, step, opts, rs)
			}
		}()
	}
	wg.Wait()
}

// executeStep runs one step to its terminal status. Once the step starts,
// cancellation no longer interrupts it: the backend call and the state
// writes behind it run on a detached context.
func (e *Executor) executeStep(ctx context.Context, run *Run, rp *RunPlan, step *PlanStep, opts ExecOptions, rs *runState) {
	if ctx.Err() != nil {
		step.Status = StepStatusCancelled
		rs.setStatus(step.ResourceID, StepStatusCancelled)
		return
	}

	dctx := context.WithoutCancel(ctx)
	step.Status = StepStatusRunning
	step.StartedAt = time.Now().UTC()
	e.publish(dctx, run, step.ResourceID, EventTypeStepStarted,
		fmt.Sprintf("Started %s of %s", step.Operation, step.ResourceID),
		stepDetails(step, nil))

	var err error
	switch {
	case opts.DryRun:
		// Simulated success: the planner already decided what would run.
	case step.Operation == OperationNoop:
		if rp.Type == RunTypeDestroy && !opts.RetainDeleted {
			// A completed destroy leaves no residue: rows that needed no
			// delete call are purged along with the deleted ones.
			if rerr := e.store.RemoveResource(dctx, rp.DeploymentID, step.ResourceID); rerr != nil {
				err = NewPermanentError("purging state record", rerr).
					WithCode(ErrCodeStateStore).
					WithResource(step.ResourceID)
			}
		}
	case step.Operation == OperationCreate:
		err = e.createResource(dctx, run, rp, step, opts, rs)
	case step.Operation == OperationDelete:
		err = e.deleteResource(dctx, run, step, opts)
	case step.Operation == OperationVerify:
		err = e.verifyResource(dctx, run, step, opts, rs)
	default:
		err = NewConfigurationError(fmt.Sprintf("unknown operation %q", step.Operation), nil).
			WithCode(ErrCodeValidation).
			WithResource(step.ResourceID)
	}

	step.FinishedAt = time.Now().UTC()
	if err != nil {
		step.Status = StepStatusFailed
		step.Error = err.Error()
		rs.setStatus(step.ResourceID, StepStatusFailed)
		e.publish(dctx, run, step.ResourceID, EventTypeStepFailed,
			fmt.Sprintf("Failed %s of %s: %v", step.Operation, step.ResourceID, err),
			stepDetails(step, err))
		return
	}
	step.Status = StepStatusSucceeded
	rs.setStatus(step.ResourceID, StepStatusSucceeded)
	e.publish(dctx, run, step.ResourceID, EventTypeStepCompleted,
		fmt.Sprintf("Completed %s of %s", step.Operation, step.ResourceID),
		stepDetails(step, nil))
}

// stepDetails builds the structured payload for step events. Duration and
// attempts are included once the step has finished; error class and code
// when the failure is a classified engine error.
func stepDetails(step *PlanStep, err error) map[string]interface{} {
	details := map[string]interface{}{
		"operation": string(step.Operation),
		"kind":      string(step.Kind),
		"level":     step.Level,
	}
	if !step.FinishedAt.IsZero() {
		details["duration_seconds"] = step.FinishedAt.Sub(step.StartedAt).Seconds()
		details["attempts"] = step.Attempts
	}
	if err != nil {
		var eerr *EngineError
		if errors.As(err, &eerr) {
			details["error_class"] = string(eerr.Class)
			details["error_code"] = eerr.Code
		}
	}
	return details
}

// createResource provisions one resource, writing Creating before the call
// and Created or Failed after it. A successful create is probed inline; an
// unhealthy probe downgrades the resource to VerifyFailed but does not fail
// the step, because dependents gate on creation, not on health.
func (e *Executor) createResource(ctx context.Context, run *Run, rp *RunPlan, step *PlanStep, opts ExecOptions, rs *runState) error {
	st, err := e.store.GetResource(ctx, rp.DeploymentID, step.ResourceID)
	if err != nil {
		return NewPermanentError("loading resource state", err).
			WithCode(ErrCodeStateStore).
			WithResource(step.ResourceID)
	}
	desc, ok := rp.Plan.Descriptor(step.ResourceID)
	if !ok {
		return NewConfigurationError("resource missing from deployment plan", nil).
			WithCode(ErrCodeInternal).
			WithResource(step.ResourceID)
	}
	adapter, err := e.adapters.Get(desc.Kind)
	if err != nil {
		return classify(err, step.ResourceID, "create")
	}
	resolved, err := ResolveConfig(desc, rs.lookup)
	if err != nil {
		return err
	}

	if err := e.transition(ctx, run, st, StatusCreating); err != nil {
		return err
	}

	var result *CreateResult
	aerr := e.callWithRetry(ctx, run, step, "create", opts, func(callCtx context.Context) error {
		r, cerr := adapter.Create(callCtx, CreateRequest{
			DeploymentID: rp.DeploymentID,
			ResourceID:   step.ResourceID,
			Kind:         desc.Kind,
			Config:       resolved,
		})
		if cerr != nil {
			return cerr
		}
		result = r
		return nil
	})
	if aerr != nil {
		st.Error = aerr.Error()
		if terr := e.transition(ctx, run, st, StatusFailed); terr != nil {
			e.publish(ctx, run, step.ResourceID, EventTypeWarning,
				fmt.Sprintf("Failed to record failure: %v", terr), nil)
		}
		return aerr
	}

	st.Error = ""
	st.Fingerprint = desc.Fingerprint()
	if result != nil {
		st.Outputs = result.Outputs
	}
	if err := e.transition(ctx, run, st, StatusCreated); err != nil {
		return err
	}
	rs.setOutputs(step.ResourceID, st.Outputs)

	if opts.SkipVerify {
		return nil
	}
	probe := NewVerifier(e.adapters, opts.VerifyTimeout).Probe(ctx, st, resolved)
	st.VerifyDetail = probe.Detail
	if probe.Healthy {
		e.publish(ctx, run, step.ResourceID, EventTypeVerifyPassed,
			fmt.Sprintf("%s healthy: %s", step.ResourceID, probe.Detail), nil)
		if perr := e.store.PutResource(ctx, st); perr != nil {
			return NewPermanentError("recording probe result", perr).
				WithCode(ErrCodeStateStore).
				WithResource(step.ResourceID)
		}
		return nil
	}
	rs.markVerifyFailed()
	if err := e.transition(ctx, run, st, StatusVerifyFailed); err != nil {
		return err
	}
	e.publish(ctx, run, step.ResourceID, EventTypeVerifyFailed,
		fmt.Sprintf("%s unhealthy: %s", step.ResourceID, probe.Detail), nil)
	return nil
}

// deleteResource removes one resource, writing Deleting before the call and
// Deleted or Failed after it. The record is purged on success unless the
// run retains deleted records.
func (e *Executor) deleteResource(ctx context.Context, run *Run, step *PlanStep, opts ExecOptions) error {
	st, err := e.store.GetResource(ctx, run.DeploymentID, step.ResourceID)
	if err != nil {
		return NewPermanentError("loading resource state", err).
			WithCode(ErrCodeStateStore).
			WithResource(step.ResourceID)
	}
	adapter, err := e.adapters.Get(st.Kind)
	if err != nil {
		return classify(err, step.ResourceID, "delete")
	}

	if err := e.transition(ctx, run, st, StatusDeleting); err != nil {
		return err
	}

	aerr := e.callWithRetry(ctx, run, step, "delete", opts, func(callCtx context.Context) error {
		return adapter.Delete(callCtx, DeleteRequest{
			DeploymentID: st.DeploymentID,
			ResourceID:   st.ResourceID,
			Kind:         st.Kind,
			Outputs:      st.Outputs,
		})
	})
	if aerr != nil {
		st.Error = aerr.Error()
		if terr := e.transition(ctx, run, st, StatusFailed); terr != nil {
			e.publish(ctx, run, step.ResourceID, EventTypeWarning,
				fmt.Sprintf("Failed to record failure: %v", terr), nil)
		}
		return aerr
	}

	st.Error = ""
	if err := e.transition(ctx, run, st, StatusDeleted); err != nil {
		return err
	}
	if opts.RetainDeleted {
		return nil
	}
	if err := e.store.RemoveResource(ctx, st.DeploymentID, st.ResourceID); err != nil {
		return NewPermanentError("purging state record", err).
			WithCode(ErrCodeStateStore).
			WithResource(step.ResourceID)
	}
	return nil
}

// verifyResource probes one provisioned resource. A passing probe restores
// VerifyFailed resources to Created; a failing probe downgrades Created
// resources and fails the step.
func (e *Executor) verifyResource(ctx context.Context, run *Run, step *PlanStep, opts ExecOptions, rs *runState) error {
	st, err := e.store.GetResource(ctx, run.DeploymentID, step.ResourceID)
	if err != nil {
		return NewPermanentError("loading resource state", err).
			WithCode(ErrCodeStateStore).
			WithResource(step.ResourceID)
	}

	probe := NewVerifier(e.adapters, opts.VerifyTimeout).Probe(ctx, st, nil)
	st.VerifyDetail = probe.Detail

	if probe.Healthy {
		if st.Status == StatusVerifyFailed {
			if err := e.transition(ctx, run, st, StatusCreated); err != nil {
				return err
			}
		} else if perr := e.store.PutResource(ctx, st); perr != nil {
			return NewPermanentError("recording probe result", perr).
				WithCode(ErrCodeStateStore).
				WithResource(step.ResourceID)
		}
		e.publish(ctx, run, step.ResourceID, EventTypeVerifyPassed,
			fmt.Sprintf("%s healthy: %s", step.ResourceID, probe.Detail), nil)
		return nil
	}

	rs.markVerifyFailed()
	if st.Status == StatusCreated {
		if err := e.transition(ctx, run, st, StatusVerifyFailed); err != nil {
			return err
		}
	} else if perr := e.store.PutResource(ctx, st); perr != nil {
		return NewPermanentError("recording probe result", perr).
			WithCode(ErrCodeStateStore).
			WithResource(step.ResourceID)
	}
	e.publish(ctx, run, step.ResourceID, EventTypeVerifyFailed,
		fmt.Sprintf("%s unhealthy: %s", step.ResourceID, probe.Detail), nil)
	return NewVerificationError(fmt.Sprintf("health probe failed: %s", probe.Detail), nil).
		WithCode(ErrCodeProbeFailed).
		WithResource(step.ResourceID).
		WithOperation("verify")
}

// callWithRetry runs one backend call with retry and exponential backoff.
// Each attempt gets its own timeout on a context detached from run
// cancellation; only the wait between attempts is cancellable.
func (e *Executor) callWithRetry(ctx context.Context, run *Run, step *PlanStep, op string, opts ExecOptions, call func(context.Context) error) error {
	var last *EngineError
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		step.Attempts = attempt
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.OperationTimeout)
		err := call(callCtx)
		cancel()
		if err == nil {
			return nil
		}

		last = classify(err, step.ResourceID, op)
		if !IsRetryable(last) || attempt == opts.MaxAttempts {
			return last
		}

		delay := e.backoff(attempt, last.Class)
		e.publish(ctx, run, step.ResourceID, EventTypeAdapterRetry,
			fmt.Sprintf("Retrying %s of %s after failure (attempt %d/%d)", op, step.ResourceID, attempt, opts.MaxAttempts),
			map[string]interface{}{
				"operation": op,
				"attempt":   attempt,
				"delay":     delay.String(),
				"error":     last.Error(),
			})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return NewPermanentError("retry abandoned: run cancelled", ctx.Err()).
				WithCode(ErrCodeInternal).
				WithResource(step.ResourceID).
				WithOperation(op)
		}
	}
	return last
}

// backoffDelay computes an exponential backoff with jitter. Throttled
// errors start from a larger base so a rate-limited backend gets room to
// recover.
func backoffDelay(attempt int, class ErrorClass) time.Duration {
	base := time.Second
	if class == ErrorClassThrottled {
		base = 5 * time.Second
	}

	delay := base << uint(attempt-1)
	if delay > time.Minute {
		delay = time.Minute
	}

	// Jitter by ±25% so concurrent steps do not retry in lockstep.
	return time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))
}

// classify normalizes a backend failure into an EngineError. Errors that
// already carry a class pass through with resource context filled in;
// everything else is treated as permanent, so an unknown failure is never
// retried blindly.
func classify(err error, resourceID, op string) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Resource == "" {
			ee.Resource = resourceID
		}
		if ee.Operation == "" {
			ee.Operation = op
		}
		return ee
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("operation timed out", err).
			WithCode(ErrCodeTimeout).
			WithResource(resourceID).
			WithOperation(op)
	}
	return NewPermanentError("adapter call failed", err).
		WithCode(ErrCodeAdapterFailed).
		WithResource(resourceID).
		WithOperation(op)
}

// transition records a status change before anything acts on it. The write
// is the source of truth: an interrupted run resumes from whatever status
// reached the store.
func (e *Executor) transition(ctx context.Context, run *Run, st *ResourceState, next ResourceStatus) error {
	from := st.Status
	if !from.CanTransition(next) {
		return NewPermanentError(fmt.Sprintf("illegal transition %s -> %s", from, next), nil).
			WithCode(ErrCodeInvalidTransition).
			WithResource(st.ResourceID)
	}
	st.Status = next
	st.LastRunID = run.ID
	st.UpdatedAt = time.Now().UTC()
	if err := e.store.PutResource(ctx, st); err != nil {
		st.Status = from
		return NewPermanentError("persisting resource state", err).
			WithCode(ErrCodeStateStore).
			WithResource(st.ResourceID)
	}
	e.publish(ctx, run, st.ResourceID, EventTypeResourceTransition,
		fmt.Sprintf("%s: %s -> %s", st.ResourceID, from, next), map[string]interface{}{
			"kind": string(st.Kind),
			"from": string(from),
			"to":   string(next),
		})
	return nil
}

// markStepSkipped records a step suppressed by unmet gates. The resource's
// state record is left untouched: skipping is step bookkeeping, not a
// lifecycle transition.
func (e *Executor) markStepSkipped(ctx context.Context, run *Run, step *PlanStep, rs *runState, unmet []string) {
	step.Status = StepStatusSkipped
	step.Error = NewPermanentError("dependency not satisfied", nil).
		WithCode(ErrCodeDependencyFailed).
		WithResource(step.ResourceID).
		WithDetail("dependencies", strings.Join(unmet, ", ")).
		Error()
	rs.setStatus(step.ResourceID, StepStatusSkipped)
	e.publish(ctx, run, step.ResourceID, EventTypeStepSkipped,
		fmt.Sprintf("Skipped %s of %s: dependency not satisfied (%s)",
			step.Operation, step.ResourceID, strings.Join(unmet, ", ")),
		stepDetails(step, nil))
}

// markRemainingCancelled flips every step that never started to cancelled.
func (e *Executor) markRemainingCancelled(rp *RunPlan, rs *runState) {
	for _, step := range rp.Steps {
		if step.Status == StepStatusPending {
			step.Status = StepStatusCancelled
			rs.setStatus(step.ResourceID, StepStatusCancelled)
		}
	}
}

// runStatusFor derives the run status from the step tally. A run counts as
// a total failure only when nothing succeeded and nothing was already in
// the desired state. Cancellation that arrives after the last step finished
// does not demote a completed run.
func runStatusFor(sum RunSummary) RunStatus {
	switch {
	case sum.Cancelled > 0:
		return RunStatusCancelled
	case sum.Failed == 0 && sum.Skipped == 0:
		return RunStatusSucceeded
	case sum.Succeeded == 0 && sum.Unchanged == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// publish emits one event to the configured sink.
func (e *Executor) publish(ctx context.Context, run *Run, resourceID string, eventType EventType, message string, details map[string]interface{}) {
	e.events.Publish(ctx, &Event{
		ID:           uuid.New().String(),
		RunID:        run.ID,
		DeploymentID: run.DeploymentID,
		ResourceID:   resourceID,
		Type:         eventType,
		Message:      message,
		Details:      details,
		Timestamp:    time.Now().UTC(),
	})
}

// runState is the mutable bookkeeping shared by one run's workers: step
// outcomes for gate checks and resource outputs for reference resolution.
type runState struct {
	mu           sync.Mutex
	outputs      map[string]map[string]string
	stepStatus   map[string]StepStatus
	verifyFailed int
}

func newRunState() *runState {
	return &runState{
		outputs:    make(map[string]map[string]string),
		stepStatus: make(map[string]StepStatus),
	}
}

// lookup implements OutputLookup over the cached outputs. The returned map
// is never mutated after being cached, so handing it out without the lock
// is safe.
func (r *runState) lookup(resourceID string) (map[string]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[resourceID]
	return out, ok
}

func (r *runState) setOutputs(resourceID string, outputs map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[resourceID] = outputs
}

func (r *runState) setStatus(resourceID string, status StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepStatus[resourceID] = status
}

// unmetGates returns the gates that did not reach succeeded, in the order
// given. A gate with no recorded outcome counts as unmet.
func (r *runState) unmetGates(gates []string) []string {
	if len(gates) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var unmet []string
	for _, g := range gates {
		if status, ok := r.stepStatus[g]; !ok || status != StepStatusSucceeded {
			unmet = append(unmet, g)
		}
	}
	return unmet
}

func (r *runState) markVerifyFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifyFailed++
}

func (r *runState) verifyFailedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.verifyFailed
}

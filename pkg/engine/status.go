package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every attempted step completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no attempted step completed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some steps completed and some failed or
	// were skipped behind a failure.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled by the operator.
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusPartial || s == RunStatusCancelled
}

// IsActive returns true if the run is pending or running.
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// OperationType represents the operation a plan step performs on a resource.
type OperationType string

const (
	// OperationCreate provisions the resource, or re-applies it when the
	// configuration fingerprint changed. Adapter creates are upsert-shaped.
	OperationCreate OperationType = "create"

	// OperationDelete removes the resource. Absence counts as success.
	OperationDelete OperationType = "delete"

	// OperationNoop leaves the resource untouched: it is already created
	// with a matching fingerprint, or already deleted.
	OperationNoop OperationType = "noop"

	// OperationVerify runs the resource's health probe without mutating it.
	OperationVerify OperationType = "verify"
)

// IsMutating returns true if the operation changes external state.
func (o OperationType) IsMutating() bool {
	return o == OperationCreate || o == OperationDelete
}

// IsDestructive returns true if the operation removes resources.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationDelete, OperationNoop, OperationVerify:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// ResourceStatus represents the lifecycle status of a resource.
type ResourceStatus string

const (
	// StatusPending indicates the resource is recorded but no backend call
	// has been made for it yet.
	StatusPending ResourceStatus = "pending"

	// StatusCreating indicates a create call is in flight or was cut short
	// by a crash.
	StatusCreating ResourceStatus = "creating"

	// StatusCreated indicates the resource exists and its last health probe,
	// if any, passed.
	StatusCreated ResourceStatus = "created"

	// StatusVerifyFailed indicates the resource exists but its most recent
	// health probe failed. Re-verification can restore Created.
	StatusVerifyFailed ResourceStatus = "verify_failed"

	// StatusDeleting indicates a delete call is in flight or was cut short
	// by a crash.
	StatusDeleting ResourceStatus = "deleting"

	// StatusDeleted indicates the resource was removed.
	StatusDeleted ResourceStatus = "deleted"

	// StatusFailed indicates the last create or delete call failed
	// terminally. Failed resources are retried on the next run.
	StatusFailed ResourceStatus = "failed"
)

// IsActive returns true for in-flight statuses.
func (s ResourceStatus) IsActive() bool {
	return s == StatusCreating || s == StatusDeleting
}

// IsTerminal returns true for statuses with no outgoing forward transition:
// Created for the forward flow, Deleted for the reverse flow.
func (s ResourceStatus) IsTerminal() bool {
	return s == StatusCreated || s == StatusDeleted
}

// IsProvisioned returns true when creation has completed, healthy or not.
// Dependents gate on provisioning, not on probe health: a VerifyFailed
// resource exists and its outputs are available downstream.
func (s ResourceStatus) IsProvisioned() bool {
	return s == StatusCreated || s == StatusVerifyFailed
}

// Validate checks if the resource status is valid.
func (s ResourceStatus) Validate() error {
	switch s {
	case StatusPending, StatusCreating, StatusCreated, StatusVerifyFailed,
		StatusDeleting, StatusDeleted, StatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s ResourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *ResourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ResourceStatus(str)
	return s.Validate()
}

// validTransitions is the resource state machine. Failed re-enters the
// in-flight status it came from, which is how retry and resume work.
// Creating may move straight to Deleting, and Deleting back to Creating:
// a crash mid-operation leaves a resource that the opposite run must still
// handle. Deleted re-enters Creating when a retained audit record is
// re-applied.
var validTransitions = map[ResourceStatus][]ResourceStatus{
	StatusPending:      {StatusCreating},
	StatusCreating:     {StatusCreated, StatusFailed, StatusDeleting},
	StatusCreated:      {StatusDeleting, StatusVerifyFailed, StatusCreating},
	StatusVerifyFailed: {StatusCreated, StatusDeleting, StatusCreating},
	StatusDeleting:     {StatusDeleted, StatusFailed, StatusCreating},
	StatusFailed:       {StatusCreating, StatusDeleting},
	StatusDeleted:      {StatusCreating},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition. Created re-entering Creating covers fingerprint changes;
// an in-flight status re-entering itself covers resuming an interrupted call.
func (s ResourceStatus) CanTransition(next ResourceStatus) bool {
	if s == next && s.IsActive() {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepStatus represents the execution status of a plan step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not been dispatched.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed after exhausting retries.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was suppressed because a
	// dependency failed. The resource itself stays Pending.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusCancelled indicates the step never ran because the run was
	// cancelled first.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed ||
		s == StepStatusSkipped || s == StepStatusCancelled
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// EventType represents the type of event in a run's timeline.
type EventType string

const (
	// EventTypeRunStarted indicates a run has started.
	EventTypeRunStarted EventType = "run_started"

	// EventTypeRunCompleted indicates a run reached a terminal status.
	EventTypeRunCompleted EventType = "run_completed"

	// EventTypeStepStarted indicates a plan step began executing.
	EventTypeStepStarted EventType = "step_started"

	// EventTypeStepCompleted indicates a plan step completed.
	EventTypeStepCompleted EventType = "step_completed"

	// EventTypeStepFailed indicates a plan step failed terminally.
	EventTypeStepFailed EventType = "step_failed"

	// EventTypeStepSkipped indicates a plan step was suppressed by an
	// upstream failure.
	EventTypeStepSkipped EventType = "step_skipped"

	// EventTypeResourceTransition indicates a resource changed status.
	EventTypeResourceTransition EventType = "resource_transition"

	// EventTypeAdapterRetry indicates a backend call is being retried.
	EventTypeAdapterRetry EventType = "adapter_retry"

	// EventTypeVerifyPassed indicates a health probe succeeded.
	EventTypeVerifyPassed EventType = "verify_passed"

	// EventTypeVerifyFailed indicates a health probe failed.
	EventTypeVerifyFailed EventType = "verify_failed"

	// EventTypeWarning indicates a warning was raised.
	EventTypeWarning EventType = "warning"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeStepFailed, EventTypeVerifyFailed:
		return "error"
	case EventTypeStepSkipped, EventTypeAdapterRetry, EventTypeWarning:
		return "warning"
	default:
		return "info"
	}
}

package engine

import (
	"context"
	"errors"
)

// ErrStateNotFound is returned by StateStore.GetResource when no record
// exists for the requested resource.
var ErrStateNotFound = errors.New("resource state not found")

// ErrRunNotFound is returned by StateStore.GetRun when no run exists with
// the requested ID.
var ErrRunNotFound = errors.New("run not found")

// StateStore is the durable record of everything the orchestrator has done.
// Implementations must persist each write before returning: the executor
// relies on write-ahead discipline to make crash recovery exact.
type StateStore interface {
	// GetResource returns the state record for one resource, or
	// ErrStateNotFound.
	GetResource(ctx context.Context, deploymentID, resourceID string) (*ResourceState, error)

	// PutResource writes a state record, replacing any previous record for
	// the same (deployment, resource) key.
	PutResource(ctx context.Context, state *ResourceState) error

	// RemoveResource deletes a state record. Removing an absent record is
	// not an error.
	RemoveResource(ctx context.Context, deploymentID, resourceID string) error

	// ListResources returns all state records of a deployment, ordered by
	// plan position.
	ListResources(ctx context.Context, deploymentID string) ([]*ResourceState, error)

	// ListDeployments returns the IDs of all deployments with recorded
	// state, in ascending order.
	ListDeployments(ctx context.Context) ([]string, error)

	// SaveRun writes or updates a run record.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun returns a run by ID, or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns the most recent runs of a deployment, newest first,
	// capped at limit when limit is positive.
	ListRuns(ctx context.Context, deploymentID string, limit int) ([]*Run, error)

	// AppendEvent appends an event to the timeline.
	AppendEvent(ctx context.Context, event *Event) error

	// ListEvents returns events for a deployment, oldest first, optionally
	// filtered to one run, capped at limit when limit is positive.
	ListEvents(ctx context.Context, deploymentID, runID string, limit int) ([]*Event, error)

	// Lock takes the deployment-level lock so that only one run mutates a
	// deployment at a time. It fails immediately when the lock is held.
	Lock(ctx context.Context, deploymentID, owner string) error

	// Unlock releases the deployment-level lock.
	Unlock(ctx context.Context, deploymentID, owner string) error
}

// EventSink receives engine events as they happen. Sinks must be fast and
// must not fail the run; anything durable goes through the StateStore
// instead.
type EventSink interface {
	// Publish delivers one event.
	Publish(ctx context.Context, event *Event)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// Publish implements EventSink.
func (m MultiSink) Publish(ctx context.Context, event *Event) {
	for _, s := range m {
		s.Publish(ctx, event)
	}
}

// discardSink drops all events. Used when no sink is configured.
type discardSink struct{}

func (discardSink) Publish(context.Context, *Event) {}

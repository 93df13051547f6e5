package state

import (
	"context"

	"github.com/opengrove/opengrove/pkg/engine"
)

// Appender is the slice of the store the recorder needs.
type Appender interface {
	AppendEvent(ctx context.Context, event *engine.Event) error
}

// EventRecorder is an engine.EventSink that appends every published event to
// the store, building the durable timeline behind `grove status --events`.
// Sinks must never fail the run, so insert errors are reported through the
// optional callback and otherwise dropped.
type EventRecorder struct {
	store   Appender
	onError func(error)
}

// NewEventRecorder creates a recorder writing to the given store. onError may
// be nil.
func NewEventRecorder(store Appender, onError func(error)) *EventRecorder {
	return &EventRecorder{store: store, onError: onError}
}

// Publish implements engine.EventSink.
func (r *EventRecorder) Publish(ctx context.Context, event *engine.Event) {
	if err := r.store.AppendEvent(ctx, event); err != nil && r.onError != nil {
		r.onError(err)
	}
}

package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opengrove/opengrove/pkg/engine"
)

// DefaultEventBuffer is the queue length NewTelemetry gives its async sink.
const DefaultEventBuffer = 256

// LogSink writes engine events to the structured log at the severity the
// event type carries. Event details become log fields, so one line holds
// everything the event knew.
type LogSink struct {
	logger *Logger
}

// NewLogSink creates a sink writing to the given logger.
func NewLogSink(logger *Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements engine.EventSink.
func (s *LogSink) Publish(_ context.Context, event *engine.Event) {
	zlog := s.logger.Zerolog()
	var line *zerolog.Event
	switch event.Type.Severity() {
	case "error":
		line = zlog.Error()
	case "warning":
		line = zlog.Warn()
	default:
		line = zlog.Info()
	}

	line = line.
		Str("event", string(event.Type)).
		Str("run_id", event.RunID).
		Str("deployment_id", event.DeploymentID)
	if event.ResourceID != "" {
		line = line.Str("resource_id", event.ResourceID)
	}
	if len(event.Details) > 0 {
		line = line.Fields(event.Details)
	}
	line.Msg(event.Message)
}

// MetricsSink feeds the Prometheus collectors from the event stream. The
// executor publishes everything the collectors need in event details, so
// the engine itself never touches a metrics registry.
type MetricsSink struct {
	metrics *Metrics
}

// NewMetricsSink creates a sink recording into metrics.
func NewMetricsSink(metrics *Metrics) *MetricsSink {
	return &MetricsSink{metrics: metrics}
}

// Publish implements engine.EventSink.
func (s *MetricsSink) Publish(_ context.Context, event *engine.Event) {
	switch event.Type {
	case engine.EventTypeRunStarted:
		s.metrics.RecordRunStarted(detailString(event, "run_type"))

	case engine.EventTypeRunCompleted:
		s.metrics.RecordRunCompleted(
			detailString(event, "run_type"),
			detailString(event, "status"),
			detailDuration(event, "duration_seconds"),
		)

	case engine.EventTypeStepCompleted:
		s.metrics.RecordStep(
			detailString(event, "operation"),
			detailString(event, "kind"),
			string(engine.StepStatusSucceeded),
			detailDuration(event, "duration_seconds"),
		)

	case engine.EventTypeStepFailed:
		s.metrics.RecordStep(
			detailString(event, "operation"),
			detailString(event, "kind"),
			string(engine.StepStatusFailed),
			detailDuration(event, "duration_seconds"),
		)
		if class := detailString(event, "error_class"); class != "" {
			s.metrics.RecordError(class, detailString(event, "error_code"))
		}

	case engine.EventTypeStepSkipped:
		s.metrics.RecordStep(
			detailString(event, "operation"),
			detailString(event, "kind"),
			string(engine.StepStatusSkipped),
			0,
		)

	case engine.EventTypeResourceTransition:
		s.metrics.RecordTransition(
			detailString(event, "kind"),
			detailString(event, "to"),
		)

	case engine.EventTypeAdapterRetry:
		s.metrics.RecordRetry(detailString(event, "operation"))

	case engine.EventTypeVerifyPassed:
		s.metrics.RecordProbe(true)

	case engine.EventTypeVerifyFailed:
		s.metrics.RecordProbe(false)
	}
}

// TraceSink turns the event stream into spans: one root span per run, one
// child span per step, retries and probes as span events. Driving spans
// from events keeps the engine free of any tracing dependency.
type TraceSink struct {
	tracer *Tracer

	mu    sync.Mutex
	runs  map[string]*openRun
	steps map[string]trace.Span
}

type openRun struct {
	ctx  context.Context
	span trace.Span
}

// NewTraceSink creates a sink recording spans through tracer.
func NewTraceSink(tracer *Tracer) *TraceSink {
	return &TraceSink{
		tracer: tracer,
		runs:   make(map[string]*openRun),
		steps:  make(map[string]trace.Span),
	}
}

// Publish implements engine.EventSink.
func (s *TraceSink) Publish(ctx context.Context, event *engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case engine.EventTypeRunStarted:
		spanCtx, span := s.tracer.StartRunSpan(ctx,
			event.RunID, event.DeploymentID, detailString(event, "run_type"))
		s.runs[event.RunID] = &openRun{ctx: spanCtx, span: span}

	case engine.EventTypeRunCompleted:
		run, ok := s.runs[event.RunID]
		if !ok {
			return
		}
		// Close any step spans the run left open, such as steps still
		// running when the run was cancelled.
		prefix := event.RunID + "/"
		for key, span := range s.steps {
			if strings.HasPrefix(key, prefix) {
				span.End()
				delete(s.steps, key)
			}
		}
		status := detailString(event, "status")
		run.span.SetAttributes(AttrRunStatus.String(status))
		if status == string(engine.RunStatusSucceeded) {
			RecordSuccess(run.span)
		} else {
			RecordFailure(run.span, event.Message)
		}
		run.span.End()
		delete(s.runs, event.RunID)

	case engine.EventTypeStepStarted:
		parent := ctx
		if run, ok := s.runs[event.RunID]; ok {
			parent = run.ctx
		}
		_, span := s.tracer.StartStepSpan(parent,
			event.ResourceID,
			detailString(event, "operation"),
			detailString(event, "kind"),
			detailInt(event, "level"))
		s.steps[stepKey(event)] = span

	case engine.EventTypeStepCompleted:
		span, ok := s.steps[stepKey(event)]
		if !ok {
			return
		}
		span.SetAttributes(AttrAttempts.Int(detailInt(event, "attempts")))
		RecordSuccess(span)
		span.End()
		delete(s.steps, stepKey(event))

	case engine.EventTypeStepFailed:
		span, ok := s.steps[stepKey(event)]
		if !ok {
			return
		}
		span.SetAttributes(
			AttrAttempts.Int(detailInt(event, "attempts")),
			AttrErrorClass.String(detailString(event, "error_class")),
			AttrErrorCode.String(detailString(event, "error_code")),
		)
		RecordFailure(span, event.Message)
		span.End()
		delete(s.steps, stepKey(event))

	case engine.EventTypeAdapterRetry:
		if span, ok := s.steps[stepKey(event)]; ok {
			AddEvent(span, "retry",
				AttrOperation.String(detailString(event, "operation")),
				attribute.Int("attempt", detailInt(event, "attempt")),
			)
		}

	case engine.EventTypeVerifyPassed, engine.EventTypeVerifyFailed:
		span, ok := s.steps[stepKey(event)]
		if !ok {
			if run, found := s.runs[event.RunID]; found {
				span = run.span
				ok = true
			}
		}
		if ok {
			AddEvent(span, string(event.Type),
				AttrResourceID.String(event.ResourceID),
			)
		}
	}
}

func stepKey(event *engine.Event) string {
	return event.RunID + "/" + event.ResourceID
}

// AsyncSink decouples the executor from event delivery: Publish enqueues
// and returns, a single worker feeds the wrapped sink. When the queue is
// full the event is dropped and counted, never blocking a run on slow
// telemetry. Delivery happens on a detached context.
type AsyncSink struct {
	inner  engine.EventSink
	buffer chan *engine.Event
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	dropped uint64
}

// NewAsyncSink wraps inner with a buffered queue of the given size and
// starts the delivery worker. A non-positive size uses DefaultEventBuffer.
func NewAsyncSink(inner engine.EventSink, size int, logger zerolog.Logger) *AsyncSink {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &AsyncSink{
		inner:  inner,
		buffer: make(chan *engine.Event, size),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.wg.Add(1)
	go s.deliver()
	return s
}

// Publish implements engine.EventSink. It never blocks.
func (s *AsyncSink) Publish(_ context.Context, event *engine.Event) {
	select {
	case <-s.ctx.Done():
	case s.buffer <- event:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.logger.Warn().
			Uint64("dropped", n).
			Str("event", string(event.Type)).
			Msg("event queue full, dropping event")
	}
}

func (s *AsyncSink) deliver() {
	defer s.wg.Done()
	for {
		select {
		case event := <-s.buffer:
			s.inner.Publish(context.Background(), event)
		case <-s.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case event := <-s.buffer:
					s.inner.Publish(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Dropped reports how many events were discarded on a full queue.
func (s *AsyncSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains the queue and stops the worker. The context bounds how long
// the drain may take.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event sink drain timed out")
	}
}

// FilterFunc reports whether an event should be delivered.
type FilterFunc func(*engine.Event) bool

// FilteredSink forwards only the events its filter keeps.
type FilteredSink struct {
	inner engine.EventSink
	keep  FilterFunc
}

// NewFilteredSink wraps inner with a filter. A nil filter keeps everything.
func NewFilteredSink(inner engine.EventSink, keep FilterFunc) *FilteredSink {
	return &FilteredSink{inner: inner, keep: keep}
}

// Publish implements engine.EventSink.
func (s *FilteredSink) Publish(ctx context.Context, event *engine.Event) {
	if s.keep == nil || s.keep(event) {
		s.inner.Publish(ctx, event)
	}
}

// ByType keeps only events of the given types.
func ByType(types ...engine.EventType) FilterFunc {
	set := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(event *engine.Event) bool {
		return set[event.Type]
	}
}

// BySeverity keeps events at or above the given severity, one of "info",
// "warning" or "error".
func BySeverity(min string) FilterFunc {
	floor := severityRank(min)
	return func(event *engine.Event) bool {
		return severityRank(event.Type.Severity()) >= floor
	}
}

// ByRun keeps only events belonging to one run.
func ByRun(runID string) FilterFunc {
	return func(event *engine.Event) bool {
		return event.RunID == runID
	}
}

// ByResource keeps only events about one resource.
func ByResource(resourceID string) FilterFunc {
	return func(event *engine.Event) bool {
		return event.ResourceID == resourceID
	}
}

func severityRank(severity string) int {
	switch severity {
	case "error":
		return 2
	case "warning":
		return 1
	default:
		return 0
	}
}

// detailString reads a string detail, empty when absent.
func detailString(event *engine.Event, key string) string {
	if v, ok := event.Details[key].(string); ok {
		return v
	}
	return ""
}

// detailDuration reads a seconds detail written by the executor.
func detailDuration(event *engine.Event, key string) time.Duration {
	v, ok := event.Details[key].(float64)
	if !ok {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// detailInt reads an integer detail, tolerating float64 for events that
// round-tripped through JSON.
func detailInt(event *engine.Event, key string) int {
	switch v := event.Details[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

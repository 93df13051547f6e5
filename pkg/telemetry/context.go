package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/opengrove/opengrove/pkg/engine"
)

// Telemetry bundles the logger, tracer and metrics behind one constructor
// and assembles the event sink the executor publishes into.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	sink  engine.EventSink
	async *AsyncSink
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates all telemetry components from the configuration and
// wires the event sinks: always a log sink, plus metrics and trace sinks
// when enabled, all behind an async queue so publication never blocks the
// run.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics, logger.Zerolog())
	if err != nil {
		return nil, err
	}

	t := &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Config:  cfg,
	}

	sinks := engine.MultiSink{
		NewLogSink(logger.NewComponentLogger("engine")),
	}
	if cfg.Metrics.Enabled {
		sinks = append(sinks, NewMetricsSink(metrics))
	}
	if cfg.Tracing.Enabled {
		sinks = append(sinks, NewTraceSink(tracer))
	}
	t.async = NewAsyncSink(sinks, DefaultEventBuffer, logger.Zerolog())
	t.sink = t.async

	return t, nil
}

// EventSink returns the sink to hand to the executor.
func (t *Telemetry) EventSink() engine.EventSink {
	return t.sink
}

// WithContext embeds the telemetry instance and its logger in the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context,
// nil when none was embedded.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// StartCommand opens a root span for one CLI invocation and returns a
// context carrying the telemetry plus a finish function that records the
// outcome. The finish function closes over the start time, so the reported
// elapsed time is the real command duration.
func (t *Telemetry) StartCommand(ctx context.Context, name string) (context.Context, func(error)) {
	ctx = t.WithContext(ctx)
	ctx, span := t.Tracer.StartSpan(ctx, "cli."+name)

	logger := t.Logger.WithField("command", name)
	if span.SpanContext().IsValid() {
		logger = logger.WithField("trace_id", TraceID(ctx))
	}
	ctx = logger.WithContext(ctx)

	start := time.Now()
	return ctx, func(err error) {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
		zlog := logger.Zerolog()
		zlog.Debug().
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("command finished")
	}
}

// StartMetricsServer serves the metrics endpoint if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartServer()
}

// Flush exports pending spans without shutting anything down.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// Shutdown drains the event queue, flushes the tracer and stops the
// metrics server. Every component gets its shutdown attempt even when an
// earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if err := t.async.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.Metrics.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

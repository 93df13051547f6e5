// Package telemetry provides logging, tracing and metrics for the
// orchestrator, fed by the engine's event stream.
//
// # Overview
//
// Three pillars share one configuration:
//
//  1. Structured logging - zerolog with the orchestrator's field
//     vocabulary (deployment, resource, run, adapter)
//  2. Distributed tracing - OpenTelemetry spans per run and per plan step,
//     exported over OTLP/gRPC or to stdout
//  3. Metrics - Prometheus collectors on a private registry with an
//     optional HTTP listener
//
// The engine stays free of all three: the executor publishes
// engine.Event values into an engine.EventSink, and this package supplies
// sinks that translate the stream. LogSink writes each event at its
// severity, MetricsSink feeds the collectors from event details, and
// TraceSink opens a root span per run with a child span per step, ending
// each one when its completion event arrives. AsyncSink queues events in
// front of the others so a slow exporter can never stall a run; a full
// queue drops events rather than block.
//
// # Usage
//
// Initialize once at startup and hand the sink to the executor:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	exec := engine.NewExecutor(store, adapters, tel.EventSink())
//
// Commands wrap their execution in a root span:
//
//	ctx, finish := tel.StartCommand(ctx, "apply")
//	err := run(ctx)
//	finish(err)
//
// Component loggers carry the shared vocabulary:
//
//	logger := tel.Logger.NewComponentLogger("planner").
//	    WithDeployment("checkout").WithRun(runID)
//	logger.Info("plan built")
//
// # Metrics
//
// The collectors, all prefixed with the configured namespace:
//
//   - runs_started_total{type}
//   - runs_completed_total{type,status}
//   - run_duration_seconds{type,status}
//   - steps_total{operation,status}
//   - step_duration_seconds{operation,kind}
//   - resource_transitions_total{kind,status}
//   - adapter_retries_total{operation}
//   - probes_total{status}
//   - errors_by_class_total{class}
//   - errors_by_code_total{code}
//   - active_runs
//
// # Tracing
//
// Exporters: "otlp" sends spans to a collector over gRPC, "stdout" prints
// them for local debugging, "none" records without exporting. Sampling is
// parent-based on top of a configurable ratio, so a sampled run keeps all
// its step spans.
//
// # Shutdown
//
// Shutdown drains the event queue, flushes pending spans and stops the
// metrics listener. Call it with a deadline; a run's durable record lives
// in the state store either way.
package telemetry

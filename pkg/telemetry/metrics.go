package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the orchestrator's Prometheus collectors on a private
// registry. A disabled instance keeps every Record method as a no-op so
// callers never branch on configuration.
type Metrics struct {
	config MetricsConfig
	logger zerolog.Logger

	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	probes      *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates the collectors. When cfg.Enabled is false the returned
// instance records nothing and serves nothing.
func NewMetrics(cfg MetricsConfig, logger zerolog.Logger) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg, logger: logger}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		logger:   logger,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"type"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs reaching a terminal status",
			},
			[]string{"type", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of plan steps by outcome",
			},
			[]string{"operation", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of plan step execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "kind"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_transitions_total",
				Help:      "Total number of resource lifecycle transitions",
			},
			[]string{"kind", "status"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "adapter_retries_total",
				Help:      "Total number of backend call retries",
			},
			[]string{"operation"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of health probes by result",
			},
			[]string{"status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by classification",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs currently executing",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.transitions,
		m.retries,
		m.probes,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
	)

	return m, nil
}

// RecordRunStarted counts a run start and marks it active.
func (m *Metrics) RecordRunStarted(runType string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(runType).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted counts a terminal run and records its duration.
func (m *Metrics) RecordRunCompleted(runType, status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(runType, status).Inc()
	m.runDuration.WithLabelValues(runType, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStep counts one plan step outcome. A zero duration, as for skipped
// steps, is counted but not observed.
func (m *Metrics) RecordStep(operation, kind, status string, duration time.Duration) {
	if m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(operation, status).Inc()
	if duration > 0 {
		m.stepDuration.WithLabelValues(operation, kind).Observe(duration.Seconds())
	}
}

// RecordTransition counts a resource lifecycle transition into status.
func (m *Metrics) RecordTransition(kind, status string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(kind, status).Inc()
}

// RecordRetry counts one backend call retry.
func (m *Metrics) RecordRetry(operation string) {
	if m.retries == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

// RecordProbe counts a health probe result.
func (m *Metrics) RecordProbe(healthy bool) {
	if m.probes == nil {
		return
	}
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	m.probes.WithLabelValues(status).Inc()
}

// RecordError counts an error by class and, when present, by code.
func (m *Metrics) RecordError(class, code string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Handler returns the HTTP handler serving the registry. Disabled metrics
// serve a 404.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer serves the metrics endpoint in the background. Bind failures
// surface in the log, not as an error: losing metrics must not fail a run
// that is already mutating infrastructure.
func (m *Metrics) StartServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error().Err(err).
				Str("addr", m.config.ListenAddress).
				Msg("metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

package telemetry

import (
	"fmt"
	"time"
)

// Config carries the full telemetry configuration: logging, tracing and
// metrics. The zero value is not usable; start from DefaultConfig.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string

	// ServiceVersion is the reported build version.
	ServiceVersion string

	// Logging configures structured logging.
	Logging LoggingConfig

	// Tracing configures span export.
	Tracing TracingConfig

	// Metrics configures the Prometheus registry and listener.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format selects the output encoding: "console" or "json".
	Format string

	// Output is where log lines go: "stdout", "stderr" or a file path.
	// Empty means stderr so command output on stdout stays clean.
	Output string

	// EnableCaller adds file:line information to every line.
	EnableCaller bool

	// EnableSampling caps high-frequency logging with a burst sampler.
	EnableSampling bool

	// SamplingInitial is the number of lines allowed per second before
	// sampling kicks in.
	SamplingInitial int

	// SamplingThereafter keeps every Nth line once the burst is spent.
	SamplingThereafter int

	// TimeFormat selects the timestamp encoding: "rfc3339", "unix",
	// "unixms" or "unixmicro".
	TimeFormat string
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Enabled turns span recording and export on.
	Enabled bool

	// Exporter selects where spans go: "otlp", "stdout" or "none".
	Exporter string

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	// Empty uses the exporter's default.
	Endpoint string

	// SampleRate is the fraction of runs traced, 0 to 1.
	SampleRate float64

	// MaxExportBatchSize caps the number of spans per export call.
	MaxExportBatchSize int

	// ExportTimeout bounds a single export call.
	ExportTimeout time.Duration

	// Headers are extra headers sent to the OTLP collector.
	Headers map[string]string

	// Insecure disables TLS on the collector connection.
	Insecure bool
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool

	// ListenAddress is where the metrics endpoint is served, e.g. ":9090".
	ListenAddress string

	// Path is the HTTP path of the metrics endpoint.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// HistogramBuckets are the duration buckets in seconds. Backend calls
	// shell out to cloud CLIs, so the defaults run from fractions of a
	// second to minutes.
	HistogramBuckets []float64
}

// DefaultConfig returns the configuration used when nothing is overridden:
// console logging at info on stderr, tracing and metrics off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "grove",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       false,
			EnableSampling:     false,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "otlp",
			SampleRate:         1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "grove",
			HistogramBuckets: []float64{
				0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
			},
		},
	}
}

// Validate checks the configuration for values the constructors would
// otherwise trip over at runtime.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be \"console\" or \"json\")", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("trace sample rate must be between 0 and 1, got %g", c.Tracing.SampleRate)
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}

	return nil
}

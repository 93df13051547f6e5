package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/opengrove/opengrove/pkg/engine"
	"github.com/opengrove/opengrove/pkg/transports/ssh"
)

// Adapter backends the orchestrator can run against.
const (
	// BackendAzure drives the cloud CLIs, locally or through a bastion.
	BackendAzure = "azure"

	// BackendMemory keeps every resource in process. Used for rehearsal
	// runs and tests.
	BackendMemory = "memory"
)

// validate checks struct tags on settings and manifest documents.
var validate = validator.New()

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings is the orchestrator settings document. Zero fields take the
// defaults from DefaultSettings; LoadSettings decodes over those, so a
// settings file only states what it changes.
type Settings struct {
	// StatePath locates the state database file.
	StatePath string `yaml:"state_path" validate:"required"`

	// Backend selects the adapter set.
	Backend string `yaml:"backend" validate:"oneof=azure memory"`

	// Vault is the default key vault for secret resources that do not
	// name one.
	Vault string `yaml:"vault"`

	// Parallelism caps concurrent steps within one dependency level.
	Parallelism int `yaml:"parallelism" validate:"min=1,max=64"`

	// MaxAttempts bounds retries of a retryable backend call.
	MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=10"`

	// OperationTimeout bounds a single create or delete call.
	OperationTimeout Duration `yaml:"operation_timeout" validate:"min=0"`

	// VerifyTimeout bounds a single health probe.
	VerifyTimeout Duration `yaml:"verify_timeout" validate:"min=0"`

	// RetainDeleted keeps Deleted state rows after teardown for audit.
	RetainDeleted bool `yaml:"retain_deleted"`

	// Bastion, when set, routes all CLI execution through an SSH bastion
	// running the runner agent. Unset means local execution.
	Bastion *BastionSettings `yaml:"bastion"`

	// Plugins configures WASM adapter plugins.
	Plugins PluginSettings `yaml:"plugins"`

	// Policy configures the plan policy gate.
	Policy PolicySettings `yaml:"policy"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetrySettings `yaml:"telemetry"`
}

// BastionSettings describes the SSH bastion the runner agent executes on.
type BastionSettings struct {
	// Host is the bastion hostname or IP address.
	Host string `yaml:"host" validate:"required"`

	// Port is the SSH port. Zero means 22.
	Port int `yaml:"port" validate:"omitempty,min=1,max=65535"`

	// User is the SSH username.
	User string `yaml:"user" validate:"required"`

	// Auth selects "key" or "password" authentication. Empty means key.
	Auth string `yaml:"auth" validate:"omitempty,oneof=key password"`

	// PrivateKey is the private key file for key authentication.
	PrivateKey string `yaml:"private_key"`

	// Passphrase decrypts an encrypted private key.
	Passphrase string `yaml:"passphrase"`

	// Password is the password for password authentication.
	Password string `yaml:"password"`

	// KnownHosts locates the known_hosts file for host key checks.
	KnownHosts string `yaml:"known_hosts"`

	// StrictHostKeyChecking rejects unknown host keys. Nil means true.
	StrictHostKeyChecking *bool `yaml:"strict_host_key_checking"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout Duration `yaml:"connect_timeout" validate:"min=0"`

	// CommandTimeout is the default bound for one remote command.
	CommandTimeout Duration `yaml:"command_timeout" validate:"min=0"`

	// RunnerPath is where the runner agent binary lives on the bastion.
	RunnerPath string `yaml:"runner_path"`
}

// PluginSettings configures WASM adapter plugins.
type PluginSettings struct {
	// Dir is the plugin directory. Empty disables plugin loading.
	Dir string `yaml:"dir"`

	// Overrides lists resource kinds a plugin may take over from the
	// builtin adapter. A plugin serving a kind not listed here is
	// refused when a builtin already serves it.
	Overrides []string `yaml:"overrides" validate:"dive,oneof=registry compute-cluster database ai-service secret gateway network"`
}

// PolicySettings configures the plan policy gate. The builtin rules are
// always evaluated; Dir adds user rules.
type PolicySettings struct {
	// Dir holds user .rego policy files. Empty means builtin rules only.
	Dir string `yaml:"dir"`
}

// TelemetrySettings configures logging, metrics and tracing.
type TelemetrySettings struct {
	// LogLevel is the minimum level: trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn error"`

	// LogFormat is "console" or "json".
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`

	// MetricsAddr serves Prometheus metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`

	// Tracing configures the OpenTelemetry exporter.
	Tracing TracingSettings `yaml:"tracing"`
}

// TracingSettings configures the OpenTelemetry tracer.
type TracingSettings struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Exporter is "otlp" or "stdout". Empty means otlp.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// SampleRate is the fraction of runs traced, 0 to 1.
	SampleRate float64 `yaml:"sample_rate" validate:"min=0,max=1"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		StatePath:        filepath.Join(".grove", "state.db"),
		Backend:          BackendAzure,
		Parallelism:      engine.DefaultParallelism,
		MaxAttempts:      engine.DefaultMaxAttempts,
		OperationTimeout: Duration(engine.DefaultOperationTimeout),
		VerifyTimeout:    Duration(engine.DefaultVerifyTimeout),
		Telemetry: TelemetrySettings{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// LoadSettings reads and validates a settings file. An empty path returns
// the defaults. Unknown keys are rejected so a typo cannot silently fall
// back to a default.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("failed to read settings file %s", path), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(s); err != nil {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("failed to parse settings file %s", path), err).
			WithCode(engine.ErrCodeValidation)
	}

	s.expandPaths()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings against their struct tags.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return engine.NewConfigurationError("invalid settings", err).
			WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// expandPaths resolves ~ prefixes in the path-valued fields.
func (s *Settings) expandPaths() {
	s.StatePath = expandHome(s.StatePath)
	s.Plugins.Dir = expandHome(s.Plugins.Dir)
	s.Policy.Dir = expandHome(s.Policy.Dir)
	if s.Bastion != nil {
		s.Bastion.PrivateKey = expandHome(s.Bastion.PrivateKey)
		s.Bastion.KnownHosts = expandHome(s.Bastion.KnownHosts)
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// ExecOptions maps the settings onto engine execution options.
func (s *Settings) ExecOptions() engine.ExecOptions {
	return engine.ExecOptions{
		Parallelism:      s.Parallelism,
		MaxAttempts:      s.MaxAttempts,
		OperationTimeout: s.OperationTimeout.Std(),
		VerifyTimeout:    s.VerifyTimeout.Std(),
		RetainDeleted:    s.RetainDeleted,
	}
}

// ClientConfig maps the bastion settings onto an SSH client config.
func (b *BastionSettings) ClientConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(b.Host, b.User)
	if b.Port != 0 {
		cfg.Port = b.Port
	}
	if b.Auth == "password" {
		cfg.AuthMethod = ssh.AuthMethodPassword
	}
	cfg.PrivateKeyPath = b.PrivateKey
	cfg.PrivateKeyPassphrase = b.Passphrase
	cfg.Password = b.Password
	if b.KnownHosts != "" {
		cfg.KnownHostsPath = b.KnownHosts
	}
	if b.StrictHostKeyChecking != nil {
		cfg.StrictHostKeyChecking = *b.StrictHostKeyChecking
	}
	if b.ConnectTimeout != 0 {
		cfg.ConnectTimeout = b.ConnectTimeout.Std()
	}
	if b.CommandTimeout != 0 {
		cfg.CommandTimeout = b.CommandTimeout.Std()
	}
	return cfg
}

// OverrideKinds returns the kinds plugins may take over, keyed for the
// plugin installer.
func (p *PluginSettings) OverrideKinds() map[engine.ResourceKind]bool {
	if len(p.Overrides) == 0 {
		return nil
	}
	kinds := make(map[engine.ResourceKind]bool, len(p.Overrides))
	for _, k := range p.Overrides {
		kinds[engine.ResourceKind(k)] = true
	}
	return kinds
}

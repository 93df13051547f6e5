package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/adapters"
	"github.com/opengrove/opengrove/pkg/adapters/wasmhost"
	"github.com/opengrove/opengrove/pkg/config"
	"github.com/opengrove/opengrove/pkg/engine"
	"github.com/opengrove/opengrove/pkg/policy"
	"github.com/opengrove/opengrove/pkg/runner/client"
	"github.com/opengrove/opengrove/pkg/runner/protocol"
	"github.com/opengrove/opengrove/pkg/state"
	"github.com/opengrove/opengrove/pkg/telemetry"
	"github.com/opengrove/opengrove/pkg/transports/ssh"
)

// appVersion is stamped by Execute so telemetry can report it.
var appVersion = "dev"

// app bundles the shared wiring every command builds on: settings,
// telemetry, the state store, the adapter registry and the policy gate.
// Commands open only the parts they need.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger

	store    *state.SQLiteStore
	registry *adapters.Registry
	policies *policy.Engine

	sshClient    *ssh.Client
	runnerClient *client.Client
}

// loadApp reads the settings file and brings up telemetry. Everything
// heavier is opened on demand by the command that needs it.
func loadApp(ctx context.Context) (*app, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings))
	if err != nil {
		return nil, err
	}
	if err := tel.Metrics.StartServer(); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tel.Shutdown(shutdownCtx)
		return nil, err
	}

	return &app{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("cli"),
	}, nil
}

// telemetryConfig maps the settings file onto the telemetry config. The
// --verbose and --json flags override the file: verbose forces debug
// logging, and --json moves logs to JSON on stderr so stdout stays a
// clean machine-readable stream.
func telemetryConfig(s *config.Settings) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = appVersion
	cfg.Logging.Level = s.Telemetry.LogLevel
	cfg.Logging.Format = s.Telemetry.LogFormat
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if jsonOutput {
		cfg.Logging.Format = "json"
	}
	if s.Telemetry.MetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = s.Telemetry.MetricsAddr
	}
	if s.Telemetry.Tracing.Enabled {
		cfg.Tracing.Enabled = true
		if s.Telemetry.Tracing.Exporter != "" {
			cfg.Tracing.Exporter = s.Telemetry.Tracing.Exporter
		}
		cfg.Tracing.Endpoint = s.Telemetry.Tracing.Endpoint
		if s.Telemetry.Tracing.SampleRate > 0 {
			cfg.Tracing.SampleRate = s.Telemetry.Tracing.SampleRate
		}
	}
	return cfg
}

// Close tears the app down in reverse of bring-up: the runner agent
// first so it exits cleanly over SSH, then the tunnel, the store, and
// telemetry last so shutdown problems still get logged.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.runnerClient != nil {
		if err := a.runnerClient.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("Runner agent did not shut down cleanly")
		}
	}
	if a.sshClient != nil {
		if err := a.sshClient.Close(); err != nil {
			a.logger.WithError(err).Warn("SSH connection did not close cleanly")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("State store did not close cleanly")
		}
	}
	if a.tel != nil {
		a.tel.Shutdown(ctx)
	}
}

// openStore opens the state database, creating its directory and
// running migrations on the way.
func (a *app) openStore(ctx context.Context) error {
	if dir := filepath.Dir(a.settings.StatePath); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}

	store, err := state.NewSQLiteStore(state.Config{Path: a.settings.StatePath})
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return err
	}
	a.store = store
	return nil
}

// openBackend builds the adapter registry for the configured backend
// and layers WASM plugins on top.
func (a *app) openBackend(ctx context.Context) error {
	var runner adapters.CommandRunner

	switch a.settings.Backend {
	case config.BackendMemory:
		a.registry = adapters.NewMemoryRegistry()
	case config.BackendAzure:
		runner = adapters.NewLocalRunner()
		if a.settings.Bastion != nil {
			bridged, err := a.connectBastion(ctx)
			if err != nil {
				return err
			}
			runner = bridged
		}
		registry, err := adapters.NewCLIRegistry(runner, a.settings.Vault)
		if err != nil {
			return err
		}
		a.registry = registry
	default:
		return engine.NewConfigurationError(fmt.Sprintf("unknown backend %q", a.settings.Backend), nil)
	}

	return a.loadPlugins(ctx, runner)
}

// connectBastion dials the bastion, starts the runner agent on it, and
// returns a runner that executes every CLI call remotely.
func (a *app) connectBastion(ctx context.Context) (*adapters.BridgedRunner, error) {
	logger := a.logger.NewComponentLogger("bastion").WithFields(map[string]interface{}{
		"host": a.settings.Bastion.Host,
	})

	sshClient, err := ssh.NewClient(a.settings.Bastion.ClientConfig())
	if err != nil {
		return nil, err
	}
	if err := sshClient.Connect(ctx); err != nil {
		return nil, err
	}
	a.sshClient = sshClient

	runnerClient, err := client.New(ssh.NewRunnerTransport(sshClient), client.Config{
		RunnerPath: localRunnerBinary(),
		RemotePath: a.settings.Bastion.RunnerPath,
		OnEvent: func(evt *protocol.EventMessage) {
			logger.WithFields(map[string]interface{}{
				"command_id": evt.CommandID,
			}).Debug(evt.Message)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := runnerClient.Start(ctx); err != nil {
		return nil, err
	}
	a.runnerClient = runnerClient

	if ready := runnerClient.Ready(); ready != nil {
		logger.WithFields(map[string]interface{}{
			"runner_version": ready.Version,
			"platform":       ready.Platform,
			"arch":           ready.Arch,
		}).Info("Bastion connected")
	}
	return adapters.NewBridgedRunner(runnerClient), nil
}

// localRunnerBinary locates the runner agent binary next to the grove
// executable. Empty when absent, which skips the upload and expects the
// binary to already be installed on the bastion.
func localRunnerBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	path := filepath.Join(filepath.Dir(exe), "grove-runner")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// loadPlugins installs WASM adapter plugins over the registry. Plugins
// share the backend's command runner for their exec capability, so a
// bastion setup routes plugin CLI calls through the bastion too.
func (a *app) loadPlugins(ctx context.Context, runner adapters.CommandRunner) error {
	dir := a.settings.Plugins.Dir
	if dir == "" {
		return nil
	}
	pluginLogger := a.logger.NewComponentLogger("plugins")
	loader := wasmhost.NewLoader(dir, &wasmhost.Config{
		Runner: runner,
		OnLog: func(plugin, message string) {
			pluginLogger.WithFields(map[string]interface{}{"plugin": plugin}).Debug(message)
		},
	})
	return loader.Install(ctx, a.registry, a.settings.Plugins.OverrideKinds())
}

// openPolicies compiles the builtin rules plus any user policy
// directory. A --policy-dir flag overrides the settings file; disabled
// names are dropped after loading.
func (a *app) openPolicies(ctx context.Context, dirOverride string, disabled []string) error {
	eng, err := policy.NewEngine(a.logger.Zerolog())
	if err != nil {
		return err
	}
	dir := a.settings.Policy.Dir
	if dirOverride != "" {
		dir = dirOverride
	}
	if err := eng.LoadDir(ctx, dir); err != nil {
		return err
	}
	for _, name := range disabled {
		if err := eng.DisablePolicy(name); err != nil {
			return err
		}
	}
	a.policies = eng
	return nil
}

// loadManifest loads and resolves the manifest and cross-checks that it
// describes the deployment named on the command line.
func (a *app) loadManifest(ctx context.Context, path, deployment string) (*config.Manifest, error) {
	manifest, err := config.NewLoader().Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if manifest.Deployment != deployment {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("manifest %s describes deployment %q, not %q", path, manifest.Deployment, deployment), nil)
	}
	return manifest, nil
}

// buildApplyPlan turns a manifest into an apply run plan: graph first,
// then the diff against recorded state.
func (a *app) buildApplyPlan(ctx context.Context, manifest *config.Manifest) (*engine.RunPlan, error) {
	plan, err := engine.NewGraphBuilder().Build(manifest.Deployment, manifest.Resources)
	if err != nil {
		return nil, err
	}
	return engine.NewPlanner(a.store).PlanApply(ctx, plan)
}

// gate evaluates the policy engine over a run plan. Blocking violations
// become a policy denial; warnings are logged and the run proceeds.
func (a *app) gate(ctx context.Context, rp *engine.RunPlan) error {
	states, err := a.store.ListResources(ctx, rp.DeploymentID)
	if err != nil {
		return err
	}
	result, err := a.policies.EvaluatePlan(ctx, policy.BuildDocument(rp, states))
	if err != nil {
		return err
	}

	logger := a.logger.NewComponentLogger("policy").WithDeployment(rp.DeploymentID)
	for _, name := range result.EvalFailures {
		logger.WithFields(map[string]interface{}{"policy": name}).Warn("Policy evaluation failed, rule skipped")
	}
	for _, v := range result.Warnings() {
		logger.WithFields(map[string]interface{}{"policy": v.Policy}).Warn(v.Message)
	}
	return result.DeniedError()
}

// eventSink assembles the sink for one run: every event lands in the
// state store first, then fans out to logs, metrics and traces.
func (a *app) eventSink() engine.EventSink {
	recorder := state.NewEventRecorder(a.store, func(err error) {
		a.logger.WithError(err).Warn("Failed to record run event")
	})
	return engine.MultiSink{recorder, a.tel.EventSink()}
}

// execOptions starts from the settings file and applies per-command
// flag overrides.
func (a *app) execOptions(parallelism int, dryRun, skipVerify bool) engine.ExecOptions {
	opts := a.settings.ExecOptions()
	if parallelism > 0 {
		opts.Parallelism = parallelism
	}
	opts.DryRun = dryRun
	opts.SkipVerify = skipVerify
	return opts
}

// confirm asks the operator to approve a mutating run. Only an exact
// "yes" proceeds.
func confirm(cmd *cobra.Command, question string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s Only 'yes' will be accepted: ", question)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	return strings.TrimSpace(line) == "yes", nil
}

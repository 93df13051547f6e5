package wasmhost

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/opengrove/opengrove/pkg/adapters"
	"github.com/opengrove/opengrove/pkg/engine"
)

// Config tunes the WASM host.
type Config struct {
	// Timeout bounds each plugin call. Default 60s.
	Timeout time.Duration

	// MemoryLimitPages caps guest memory in 64KB pages. Default 256
	// (16MB).
	MemoryLimitPages uint32

	// ScratchDir is the root for per-plugin fs:temp sandboxes. Default
	// is the system temp directory.
	ScratchDir string

	// Runner backs the exec:cli capability. Plugins run CLIs through
	// the same local or bridged runner the builtin adapters use.
	Runner adapters.CommandRunner

	// OnLog receives plugin log lines. Optional.
	OnLog func(plugin, message string)
}

func (c *Config) withDefaults() *Config {
	out := Config{}
	if c != nil {
		out = *c
	}
	if out.Timeout == 0 {
		out.Timeout = 60 * time.Second
	}
	if out.MemoryLimitPages == 0 {
		out.MemoryLimitPages = 256
	}
	if out.ScratchDir == "" {
		out.ScratchDir = os.TempDir()
	}
	return &out
}

// Host runs one WASM adapter plugin and exposes it as an engine.Adapter.
// The module's exports carry requests as JSON; host functions hand the
// plugin its capability-gated view of the outside world.
type Host struct {
	manifest *Manifest
	runtime  wazero.Runtime
	module   api.Module
	bridge   *bridge
	enforcer *Enforcer
}

// NewHost instantiates the plugin module and wires its host functions.
func NewHost(ctx context.Context, manifest *Manifest, wasmModule []byte, cfg *Config) (*Host, error) {
	if err := manifest.VerifyChecksum(wasmModule); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	scratch := filepath.Join(cfg.ScratchDir, "grove-plugin-"+manifest.Name)
	enforcer := NewEnforcer(manifest.Capabilities, scratch, cfg.Runner)

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	registerHostFunctions(builder, manifest.Name, enforcer, cfg.OnLog)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host functions: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate plugin %s: %w", manifest.Key(), err)
	}

	bridge, err := newBridge(module, cfg.Timeout)
	if err != nil {
		module.Close(ctx)
		runtime.Close(ctx)
		return nil, fmt.Errorf("plugin %s: %w", manifest.Key(), err)
	}

	return &Host{
		manifest: manifest,
		runtime:  runtime,
		module:   module,
		bridge:   bridge,
		enforcer: enforcer,
	}, nil
}

// registerHostFunctions exports the capability surface into the plugin's
// "env" module. Requests and responses are JSON; responses land in guest
// memory through the plugin's own allocator.
func registerHostFunctions(builder wazero.HostModuleBuilder, plugin string, enforcer *Enforcer, onLog func(plugin, message string)) {
	// host_exec runs an allowlisted CLI. Request: {"argv": [...],
	// "stdin": "...", "env": {...}}. Response: {"stdout", "stderr",
	// "exit_code"} or {"error": "..."}.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
			raw, ok := mod.Memory().Read(reqPtr, reqLen)
			if !ok {
				return 0
			}
			var req struct {
				Argv  []string          `json:"argv"`
				Stdin string            `json:"stdin,omitempty"`
				Env   map[string]string `json:"env,omitempty"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return hostError(ctx, mod, fmt.Sprintf("bad exec request: %v", err))
			}

			result, err := enforcer.RunCommand(ctx, adapters.Command{
				Argv:  req.Argv,
				Stdin: req.Stdin,
				Env:   req.Env,
			})
			if err != nil {
				return hostError(ctx, mod, err.Error())
			}

			resp, err := json.Marshal(map[string]interface{}{
				"stdout":    result.Stdout,
				"stderr":    result.Stderr,
				"exit_code": result.ExitCode,
			})
			if err != nil {
				return 0
			}
			return writeGuestBytes(ctx, mod, resp)
		}).
		Export("host_exec")

	// host_http_request performs an outbound request. Request:
	// {"method", "url"}. Response: {"status"} or {"error": "..."}.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, reqPtr, reqLen uint32) uint64 {
			raw, ok := mod.Memory().Read(reqPtr, reqLen)
			if !ok {
				return 0
			}
			var req struct {
				Method string `json:"method"`
				URL    string `json:"url"`
			}
			if err := json.Unmarshal(raw, &req); err != nil {
				return hostError(ctx, mod, fmt.Sprintf("bad http request: %v", err))
			}

			resp, err := enforcer.HTTPRequest(ctx, req.Method, req.URL, nil)
			if err != nil {
				return hostError(ctx, mod, err.Error())
			}
			resp.Body.Close()

			out, err := json.Marshal(map[string]int{"status": resp.StatusCode})
			if err != nil {
				return 0
			}
			return writeGuestBytes(ctx, mod, out)
		}).
		Export("host_http_request")

	// host_scratch_write stores a file in the plugin sandbox. Returns 0
	// on success.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen, dataPtr, dataLen uint32) uint32 {
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return 1
			}
			data, ok := mod.Memory().Read(dataPtr, dataLen)
			if !ok {
				return 1
			}
			if err := enforcer.WriteTempFile(string(name), data); err != nil {
				return 1
			}
			return 0
		}).
		Export("host_scratch_write")

	// host_scratch_read loads a file from the plugin sandbox. Returns a
	// packed pointer/length, 0 on failure.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, namePtr, nameLen uint32) uint64 {
			name, ok := mod.Memory().Read(namePtr, nameLen)
			if !ok {
				return 0
			}
			data, err := enforcer.ReadTempFile(string(name))
			if err != nil {
				return 0
			}
			return writeGuestBytes(ctx, mod, data)
		}).
		Export("host_scratch_read")

	// host_log forwards a log line from the plugin.
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, msgPtr, msgLen uint32) {
			if onLog == nil {
				return
			}
			msg, ok := mod.Memory().Read(msgPtr, msgLen)
			if !ok {
				return
			}
			onLog(plugin, string(msg))
		}).
		Export("host_log")
}

// hostError packs {"error": msg} into guest memory.
func hostError(ctx context.Context, mod api.Module, msg string) uint64 {
	out, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return 0
	}
	return writeGuestBytes(ctx, mod, out)
}

// Manifest returns the plugin manifest.
func (h *Host) Manifest() *Manifest {
	return h.manifest
}

// Kind implements engine.Adapter.
func (h *Host) Kind() engine.ResourceKind {
	return h.manifest.ResourceKind()
}

// pluginFailure is the error envelope plugins return.
type pluginFailure struct {
	Class   string `json:"class"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// toEngineError maps the plugin's declared class onto the engine's
// classification. Unknown classes are treated as permanent.
func (f *pluginFailure) toEngineError(plugin string) error {
	msg := f.Message
	if msg == "" {
		msg = "plugin reported an unspecified failure"
	}
	msg = fmt.Sprintf("plugin %s: %s", plugin, msg)

	var err *engine.EngineError
	switch engine.ErrorClass(f.Class) {
	case engine.ErrorClassConfiguration:
		err = engine.NewConfigurationError(msg, nil)
	case engine.ErrorClassTransient:
		err = engine.NewTransientError(msg, nil)
	case engine.ErrorClassThrottled:
		err = engine.NewThrottledError(msg, nil)
	case engine.ErrorClassVerification:
		err = engine.NewVerificationError(msg, nil)
	default:
		err = engine.NewPermanentError(msg, nil)
	}
	if f.Code != "" {
		err = err.WithCode(f.Code)
	}
	return err
}

// Create implements engine.Adapter.
func (h *Host) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create request: %w", err)
	}

	raw, err := h.bridge.call(ctx, h.bridge.create, payload)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plugin %s create call failed", h.manifest.Key()), err,
		).WithCode(engine.ErrCodeAdapterFailed)
	}

	var resp struct {
		Outputs map[string]string `json:"outputs"`
		Error   *pluginFailure    `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plugin %s returned unparseable create response", h.manifest.Key()), err,
		).WithCode(engine.ErrCodeAdapterFailed)
	}
	if resp.Error != nil {
		return nil, resp.Error.toEngineError(h.manifest.Key())
	}

	outputs := resp.Outputs
	if outputs == nil {
		outputs = map[string]string{}
	}
	return &engine.CreateResult{Outputs: outputs}, nil
}

// Delete implements engine.Adapter.
func (h *Host) Delete(ctx context.Context, req engine.DeleteRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal delete request: %w", err)
	}

	raw, err := h.bridge.call(ctx, h.bridge.delete, payload)
	if err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("plugin %s delete call failed", h.manifest.Key()), err,
		).WithCode(engine.ErrCodeAdapterFailed)
	}

	var resp struct {
		Error *pluginFailure `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("plugin %s returned unparseable delete response", h.manifest.Key()), err,
		).WithCode(engine.ErrCodeAdapterFailed)
	}
	if resp.Error != nil {
		return resp.Error.toEngineError(h.manifest.Key())
	}
	return nil
}

// Verify implements engine.Adapter.
func (h *Host) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verify request: %w", err)
	}

	raw, err := h.bridge.call(ctx, h.bridge.verify, payload)
	if err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plugin %s verify call failed", h.manifest.Key()), err,
		).WithCode(engine.ErrCodeProbeFailed)
	}

	var resp struct {
		Healthy bool           `json:"healthy"`
		Detail  string         `json:"detail"`
		Error   *pluginFailure `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("plugin %s returned unparseable verify response", h.manifest.Key()), err,
		).WithCode(engine.ErrCodeProbeFailed)
	}
	if resp.Error != nil {
		return nil, resp.Error.toEngineError(h.manifest.Key())
	}
	return &engine.VerifyResult{Healthy: resp.Healthy, Detail: resp.Detail}, nil
}

// Close tears down the module, runtime and scratch space.
func (h *Host) Close(ctx context.Context) error {
	_ = h.enforcer.Cleanup()

	if h.module != nil {
		if err := h.module.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin module: %w", err)
		}
	}
	if h.runtime != nil {
		if err := h.runtime.Close(ctx); err != nil {
			return fmt.Errorf("failed to close plugin runtime: %w", err)
		}
	}
	return nil
}

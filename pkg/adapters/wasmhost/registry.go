package wasmhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opengrove/opengrove/pkg/adapters"
	"github.com/opengrove/opengrove/pkg/engine"
)

// Plugin is a scanned, checksum-verified plugin that has not been
// instantiated yet. Instantiation is deferred to install time so a
// directory of plugins costs nothing until one is actually used.
type Plugin struct {
	Manifest *Manifest
	Module   []byte
}

// Loader discovers plugins under a directory. Each plugin lives in its
// own subdirectory holding manifest.yaml plus the module file the
// manifest names.
type Loader struct {
	dir string
	cfg *Config
}

// NewLoader creates a loader for the given plugin directory.
func NewLoader(dir string, cfg *Config) *Loader {
	return &Loader{dir: dir, cfg: cfg}
}

// Scan walks the plugin directory. Broken plugins do not stop the scan;
// their failures come back joined so the caller can report them while
// the healthy plugins proceed.
func (l *Loader) Scan(ctx context.Context) ([]*Plugin, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var plugins []*Plugin
	var failures []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(l.dir, entry.Name(), "manifest.yaml")
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		plugin, err := l.load(manifestPath)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		plugins = append(plugins, plugin)
	}

	return plugins, errors.Join(failures...)
}

func (l *Loader) load(manifestPath string) (*Plugin, error) {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	module, err := os.ReadFile(manifest.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("plugin %s: failed to read module: %w", manifest.Key(), err)
	}
	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}

	return &Plugin{Manifest: manifest, Module: module}, nil
}

// Install instantiates plugins and registers them. A plugin whose kind a
// builtin already serves is refused unless overrides names that kind;
// refusals and instantiation failures are joined, and the remaining
// plugins still install.
func (l *Loader) Install(ctx context.Context, registry *adapters.Registry, overrides map[engine.ResourceKind]bool) error {
	plugins, err := l.Scan(ctx)
	failures := []error{}
	if err != nil {
		failures = append(failures, err)
	}

	for _, plugin := range plugins {
		kind := plugin.Manifest.ResourceKind()

		occupied := registry.Has(kind)
		if occupied && !overrides[kind] {
			failures = append(failures, fmt.Errorf(
				"plugin %s serves kind %s, which is already served; add it to plugin overrides to replace the builtin",
				plugin.Manifest.Key(), kind))
			continue
		}

		host, err := NewHost(ctx, plugin.Manifest, plugin.Module, l.cfg)
		if err != nil {
			failures = append(failures, err)
			continue
		}

		if occupied {
			err = registry.Replace(host)
		} else {
			err = registry.Register(host)
		}
		if err != nil {
			_ = host.Close(ctx)
			failures = append(failures, fmt.Errorf("plugin %s: %w", plugin.Manifest.Key(), err))
		}
	}

	return errors.Join(failures...)
}

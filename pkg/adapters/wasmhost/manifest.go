package wasmhost

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/opengrove/opengrove/pkg/engine"
)

// Manifest describes one WASM adapter plugin. It sits next to the module
// file as manifest.yaml; the checksum is mandatory so a swapped module is
// refused before it runs.
type Manifest struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Author      string   `yaml:"author"`
	License     string   `yaml:"license"`
	Description string   `yaml:"description"`

	// Kind is the resource kind this plugin serves. Plugins provide
	// alternative backends for the builtin kinds; they cannot invent
	// new ones.
	Kind string `yaml:"kind"`

	// Entrypoint is the module file, relative to the manifest unless
	// absolute.
	Entrypoint string `yaml:"entrypoint"`

	// Checksum is the hex SHA-256 of the module file.
	Checksum string `yaml:"checksum"`

	// Capabilities the plugin requests. Anything not listed here is
	// refused at the host-function boundary.
	Capabilities []string `yaml:"capabilities"`

	// Path is where the manifest was loaded from; empty for in-memory
	// manifests.
	Path string `yaml:"-"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.Path = path

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return &m, nil
}

// Validate checks the manifest structure.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if m.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if err := engine.ResourceKind(m.Kind).Validate(); err != nil {
		return fmt.Errorf("plugin %s: %w", m.Name, err)
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if m.Checksum == "" {
		return fmt.Errorf("checksum is required")
	}
	if len(m.Checksum) != sha256.Size*2 {
		return fmt.Errorf("checksum must be hex SHA-256, got %d characters", len(m.Checksum))
	}
	for _, capability := range m.Capabilities {
		if !KnownCapability(Capability(capability)) {
			return fmt.Errorf("unknown capability %q", capability)
		}
	}
	return nil
}

// ResourceKind returns the kind the plugin serves.
func (m *Manifest) ResourceKind() engine.ResourceKind {
	return engine.ResourceKind(m.Kind)
}

// ModulePath resolves the entrypoint against the manifest location.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Entrypoint) {
		return m.Entrypoint
	}
	if m.Path != "" {
		return filepath.Join(filepath.Dir(m.Path), m.Entrypoint)
	}
	return m.Entrypoint
}

// VerifyChecksum compares the module bytes against the declared checksum.
func (m *Manifest) VerifyChecksum(module []byte) error {
	sum := sha256.Sum256(module)
	computed := hex.EncodeToString(sum[:])
	if computed != m.Checksum {
		return fmt.Errorf("module checksum mismatch for %s: manifest declares %s, module is %s",
			m.Name, m.Checksum, computed)
	}
	return nil
}

// Key identifies the plugin in logs and errors.
func (m *Manifest) Key() string {
	return m.Name + "@" + m.Version
}

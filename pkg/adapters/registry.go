package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opengrove/opengrove/pkg/engine"
)

// Registry maps resource kinds to adapters. It is the engine's
// AdapterRegistry; the CLI builds one per invocation and plugin adapters
// are layered on top of the builtins.
type Registry struct {
	mu            sync.RWMutex
	adapters      map[engine.ResourceKind]engine.Adapter
	allowOverride bool
}

// NewRegistry creates an empty registry that rejects duplicate kinds.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[engine.ResourceKind]engine.Adapter)}
}

// NewOverridableRegistry creates a registry where a later Register replaces
// an earlier one. Plugin loading uses this when overrides are configured.
func NewOverridableRegistry() *Registry {
	return &Registry{
		adapters:      make(map[engine.ResourceKind]engine.Adapter),
		allowOverride: true,
	}
}

// Register adds an adapter for its kind.
func (r *Registry) Register(adapter engine.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	kind := adapter.Kind()
	if err := kind.Validate(); err != nil {
		return fmt.Errorf("cannot register adapter: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[kind]; exists && !r.allowOverride {
		return fmt.Errorf("adapter for kind %s already registered", kind)
	}
	r.adapters[kind] = adapter
	return nil
}

// Replace installs an adapter for its kind, displacing any current one.
// Plugin overrides go through here after the configuration allowed them.
func (r *Registry) Replace(adapter engine.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	if err := adapter.Kind().Validate(); err != nil {
		return fmt.Errorf("cannot register adapter: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Kind()] = adapter
	return nil
}

// Has reports whether a kind is already served.
func (r *Registry) Has(kind engine.ResourceKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[kind]
	return ok
}

// Get returns the adapter serving a kind.
func (r *Registry) Get(kind engine.ResourceKind) (engine.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[kind]
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("no adapter registered for kind %s", kind), nil,
		).WithCode(engine.ErrCodeNoAdapter)
	}
	return adapter, nil
}

// Kinds returns the registered kinds in stable order.
func (r *Registry) Kinds() []engine.ResourceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]engine.ResourceKind, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// NewCLIRegistry builds the registry of builtin CLI adapters, all sharing
// one runner. The vault names the key vault backing secret handles.
func NewCLIRegistry(runner CommandRunner, vault string) (*Registry, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	resolver := NewKeyVaultResolver(runner)
	registry := NewRegistry()

	all := []engine.Adapter{
		NewNetworkAdapter(runner),
		NewImageRegistryAdapter(runner),
		NewClusterAdapter(runner),
		NewDatabaseAdapter(runner, resolver),
		NewSecretAdapter(runner, vault),
		NewGatewayAdapter(runner),
		NewAIServiceAdapter(runner, resolver),
	}
	for _, adapter := range all {
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// NewMemoryRegistry builds a registry serving every kind from in-memory
// adapters: rehearsal mode, no external calls.
func NewMemoryRegistry() *Registry {
	registry := NewRegistry()
	for _, kind := range engine.Kinds() {
		// Registration of builtin kinds cannot fail.
		_ = registry.Register(NewMemoryAdapter(kind))
	}
	return registry
}

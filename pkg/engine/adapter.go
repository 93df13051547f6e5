package engine

import (
	"context"
)

// Adapter is the boundary between the engine and an external provisioning
// backend. One adapter serves one resource kind. Implementations live in the
// adapters package and, for out-of-tree kinds, behind the WASM plugin host.
//
// All three operations must be safe to call more than once with the same
// input: Create is upsert-shaped, Delete treats absence as success, and
// Verify is read-only.
type Adapter interface {
	// Kind returns the resource kind this adapter serves.
	Kind() ResourceKind

	// Create provisions the resource described by the request, or brings an
	// existing resource up to the requested configuration. The returned
	// outputs become available for ${id.output} substitution downstream.
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)

	// Delete removes the resource. Deleting a resource that does not exist
	// is not an error.
	Delete(ctx context.Context, req DeleteRequest) error

	// Verify probes the resource's health. A probe failure is reported
	// through the result, not the error: the error return is for probes
	// that could not run at all.
	Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
}

// CreateRequest carries everything an adapter needs to provision a resource.
type CreateRequest struct {
	// DeploymentID scopes the resource.
	DeploymentID string `json:"deployment_id"`

	// ResourceID is the descriptor ID being realized.
	ResourceID string `json:"resource_id"`

	// Kind is the resource kind.
	Kind ResourceKind `json:"kind"`

	// Config is the fully resolved configuration: every ${id.output}
	// placeholder has been substituted. Values may be opaque secret handles.
	Config map[string]string `json:"config"`
}

// CreateResult is what a successful create returns.
type CreateResult struct {
	// Outputs are the values this resource exposes to its dependents:
	// endpoints, generated names, identifiers, secret handles. Secret
	// material itself must never appear here.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// DeleteRequest identifies a resource to remove. Outputs from the last
// successful create are included so the adapter can address the external
// resource without re-deriving identifiers.
type DeleteRequest struct {
	// DeploymentID scopes the resource.
	DeploymentID string `json:"deployment_id"`

	// ResourceID is the descriptor ID being removed.
	ResourceID string `json:"resource_id"`

	// Kind is the resource kind.
	Kind ResourceKind `json:"kind"`

	// Outputs are the recorded outputs from creation, possibly empty when
	// the resource never finished creating.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// VerifyRequest identifies a resource to probe.
type VerifyRequest struct {
	// DeploymentID scopes the resource.
	DeploymentID string `json:"deployment_id"`

	// ResourceID is the descriptor ID being probed.
	ResourceID string `json:"resource_id"`

	// Kind is the resource kind.
	Kind ResourceKind `json:"kind"`

	// Config is the resolved configuration the resource was created with.
	Config map[string]string `json:"config,omitempty"`

	// Outputs are the recorded outputs from creation.
	Outputs map[string]string `json:"outputs,omitempty"`
}

// VerifyResult reports the outcome of a health probe.
type VerifyResult struct {
	// Healthy is true when the probe passed.
	Healthy bool `json:"healthy"`

	// Detail describes what the probe observed, for both outcomes.
	Detail string `json:"detail,omitempty"`
}

// AdapterRegistry resolves adapters by resource kind.
type AdapterRegistry interface {
	// Get returns the adapter serving the given kind.
	Get(kind ResourceKind) (Adapter, error)

	// Register adds an adapter. Registering a kind twice is an error unless
	// the registry was built to allow overrides.
	Register(adapter Adapter) error

	// Kinds returns the kinds with a registered adapter, in stable order.
	Kinds() []ResourceKind
}

package engine

import (
	"context"
	"fmt"
	"time"
)

// Verifier runs adapter health probes with a bounded timeout. Probes are
// read-only; what a failed probe means is up to the caller. The executor
// downgrades Created resources to VerifyFailed and restores them once a
// probe passes again.
type Verifier struct {
	adapters AdapterRegistry
	timeout  time.Duration
}

// NewVerifier creates a verifier. A non-positive timeout falls back to
// DefaultVerifyTimeout.
func NewVerifier(adapters AdapterRegistry, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = DefaultVerifyTimeout
	}
	return &Verifier{adapters: adapters, timeout: timeout}
}

// Probe runs the health check for one resource. It never returns an error:
// a probe that could not run at all reports unhealthy with the failure as
// detail, so callers handle exactly one shape of outcome.
func (v *Verifier) Probe(ctx context.Context, state *ResourceState, config map[string]string) VerifyResult {
	adapter, err := v.adapters.Get(state.Kind)
	if err != nil {
		return VerifyResult{Detail: fmt.Sprintf("no adapter for kind %s: %v", state.Kind, err)}
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := adapter.Verify(probeCtx, VerifyRequest{
		DeploymentID: state.DeploymentID,
		ResourceID:   state.ResourceID,
		Kind:         state.Kind,
		Config:       config,
		Outputs:      state.Outputs,
	})
	if err != nil {
		return VerifyResult{Detail: fmt.Sprintf("probe did not run: %v", err)}
	}
	if result == nil {
		return VerifyResult{Detail: "probe returned no result"}
	}
	if result.Detail == "" {
		if result.Healthy {
			result.Detail = "probe passed"
		} else {
			result.Detail = "probe failed"
		}
	}
	return *result
}

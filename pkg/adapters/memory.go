package adapters

import (
	"context"
	"fmt"
	"sync"

	"github.com/opengrove/opengrove/pkg/engine"
)

// MemoryAdapter satisfies engine.Adapter entirely in process. Rehearsal
// runs register one per kind so an apply can be walked end to end, with
// real ordering, retries and state transitions, without touching any
// cloud API. Tests use the same adapter with scripted failures.
//
// A descriptor whose config sets "fail" to create, delete or verify
// rehearses that failure. The delete and verify markers ride the recorded
// outputs, so they survive into teardown and probe runs of a later process.
type MemoryAdapter struct {
	kind engine.ResourceKind

	mu        sync.Mutex
	resources map[string]map[string]string
	outputs   map[string]map[string]string
	errs      map[string]error
	calls     []string
}

// failKey is the config key that scripts a failure.
const failKey = "fail"

// NewMemoryAdapter creates an adapter for the given kind.
func NewMemoryAdapter(kind engine.ResourceKind) *MemoryAdapter {
	return &MemoryAdapter{
		kind:      kind,
		resources: make(map[string]map[string]string),
		outputs:   make(map[string]map[string]string),
		errs:      make(map[string]error),
	}
}

// Kind implements engine.Adapter.
func (a *MemoryAdapter) Kind() engine.ResourceKind {
	return a.kind
}

// SetOutputs fixes the outputs Create returns for a resource.
func (a *MemoryAdapter) SetOutputs(resourceID string, outputs map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputs[resourceID] = outputs
}

// FailWith makes the next Create for the resource return err once.
func (a *MemoryAdapter) FailWith(resourceID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errs[resourceID] = err
}

// Calls returns the operations seen so far, in order.
func (a *MemoryAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.calls))
	copy(out, a.calls)
	return out
}

// Create records the resource and returns its outputs.
func (a *MemoryAdapter) Create(ctx context.Context, req engine.CreateRequest) (*engine.CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "create "+req.ResourceID)

	if err, ok := a.errs[req.ResourceID]; ok {
		delete(a.errs, req.ResourceID)
		return nil, err
	}
	if req.Config[failKey] == "create" {
		return nil, engine.NewPermanentError("scripted create failure", nil)
	}

	outputs, ok := a.outputs[req.ResourceID]
	if !ok {
		outputs = map[string]string{
			"id":   "mem-" + req.ResourceID,
			"kind": string(a.kind),
		}
	}
	if mode := req.Config[failKey]; mode == "delete" || mode == "verify" {
		marked := make(map[string]string, len(outputs)+1)
		for k, v := range outputs {
			marked[k] = v
		}
		marked[failKey] = mode
		outputs = marked
	}
	a.resources[req.ResourceID] = outputs
	return &engine.CreateResult{Outputs: outputs}, nil
}

// Delete forgets the resource. Deleting an unknown resource succeeds.
func (a *MemoryAdapter) Delete(ctx context.Context, req engine.DeleteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "delete "+req.ResourceID)

	if err, ok := a.errs[req.ResourceID]; ok {
		delete(a.errs, req.ResourceID)
		return err
	}
	if req.Outputs[failKey] == "delete" {
		return engine.NewPermanentError("scripted delete failure", nil)
	}
	delete(a.resources, req.ResourceID)
	return nil
}

// Verify reports whether Create has run for the resource. A resource the
// adapter never saw but whose recorded outputs are supplied still counts
// as present, so probe runs work across process restarts.
func (a *MemoryAdapter) Verify(ctx context.Context, req engine.VerifyRequest) (*engine.VerifyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "verify "+req.ResourceID)

	if req.Outputs[failKey] == "verify" {
		return &engine.VerifyResult{Healthy: false, Detail: "scripted probe failure"}, nil
	}
	if _, ok := a.resources[req.ResourceID]; ok {
		return &engine.VerifyResult{Healthy: true, Detail: fmt.Sprintf("%s present", a.kind)}, nil
	}
	if len(req.Outputs) > 0 {
		return &engine.VerifyResult{Healthy: true, Detail: "recorded outputs present"}, nil
	}
	return &engine.VerifyResult{Healthy: false, Detail: "absent"}, nil
}

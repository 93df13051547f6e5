package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeAdapter is a configurable adapter shared across kinds in tests. It
// records every call so tests can assert ordering and idempotency.
type fakeAdapter struct {
	mu       sync.Mutex
	creates  []string
	deletes  []string
	verifies []string

	configs   map[string]map[string]string // last config seen per resource
	outputs   map[string]map[string]string // outputs to return per resource
	failures  map[string]error             // permanent failure per resource
	transient map[string]int               // failures to burn before success
	unhealthy map[string]bool              // verify result per resource
	onCreate  func(resourceID string)      // called at the start of Create
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		configs:   make(map[string]map[string]string),
		outputs:   make(map[string]map[string]string),
		failures:  make(map[string]error),
		transient: make(map[string]int),
		unhealthy: make(map[string]bool),
	}
}

func (f *fakeAdapter) Kind() ResourceKind { return KindNetwork }

func (f *fakeAdapter) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req.ResourceID)
	f.configs[req.ResourceID] = req.Config
	hook := f.onCreate
	if remaining := f.transient[req.ResourceID]; remaining > 0 {
		f.transient[req.ResourceID] = remaining - 1
		f.mu.Unlock()
		return nil, NewTransientError("backend hiccup", nil).WithCode(ErrCodeTimeout)
	}
	failure := f.failures[req.ResourceID]
	outputs := f.outputs[req.ResourceID]
	f.mu.Unlock()

	if hook != nil {
		hook(req.ResourceID)
	}
	if failure != nil {
		return nil, failure
	}
	if outputs == nil {
		outputs = map[string]string{"id": "ext-" + req.ResourceID}
	}
	return &CreateResult{Outputs: outputs}, nil
}

func (f *fakeAdapter) Delete(ctx context.Context, req DeleteRequest) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, req.ResourceID)
	failure := f.failures[req.ResourceID]
	f.mu.Unlock()
	return failure
}

func (f *fakeAdapter) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	f.mu.Lock()
	f.verifies = append(f.verifies, req.ResourceID)
	sick := f.unhealthy[req.ResourceID]
	f.mu.Unlock()
	if sick {
		return &VerifyResult{Healthy: false, Detail: "endpoint not responding"}, nil
	}
	return &VerifyResult{Healthy: true, Detail: "probe passed"}, nil
}

func (f *fakeAdapter) createCount(resourceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.creates {
		if id == resourceID {
			n++
		}
	}
	return n
}

func (f *fakeAdapter) createOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.creates...)
}

func (f *fakeAdapter) deleteOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.deletes...)
}

// fakeRegistry serves the same adapter for every kind.
type fakeRegistry struct {
	adapter Adapter
}

func (f fakeRegistry) Get(kind ResourceKind) (Adapter, error) { return f.adapter, nil }
func (f fakeRegistry) Register(adapter Adapter) error         { return nil }
func (f fakeRegistry) Kinds() []ResourceKind                  { return Kinds() }

// newTestExecutor wires an executor with no retry delay.
func newTestExecutor(store StateStore, adapter Adapter) *Executor {
	e := NewExecutor(store, fakeRegistry{adapter: adapter}, nil)
	e.backoff = func(int, ErrorClass) time.Duration { return 0 }
	return e
}

func applyPlan(t *testing.T, store *mockStore, plan *DeploymentPlan) *RunPlan {
	t.Helper()
	rp, err := NewPlanner(store).PlanApply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Failed to plan apply: %v", err)
	}
	return rp
}

func resourceStatus(t *testing.T, store *mockStore, deploymentID, resourceID string) ResourceStatus {
	t.Helper()
	st, err := store.GetResource(context.Background(), deploymentID, resourceID)
	if err != nil {
		t.Fatalf("Failed to get state for %s: %v", resourceID, err)
	}
	return st.Status
}

func TestExecutor_Execute_ApplyLinearChain(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork, Labels: map[string]string{"protected": "true"}},
		{ID: "cluster", Kind: KindComputeCluster, DependsOn: []string{"net"}},
		{ID: "svc", Kind: KindAIService, DependsOn: []string{"cluster"}},
	})

	run, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected run succeeded, got %s (%s)", run.Status, run.Error)
	}
	if run.Summary.Succeeded != 3 {
		t.Errorf("Expected 3 succeeded, got %+v", run.Summary)
	}
	if order := adapter.createOrder(); !reflect.DeepEqual(order, []string{"net", "cluster", "svc"}) {
		t.Errorf("Expected creation order [net cluster svc], got %v", order)
	}
	for _, id := range []string{"net", "cluster", "svc"} {
		if got := resourceStatus(t, store, "dep1", id); got != StatusCreated {
			t.Errorf("Expected %s Created, got %s", id, got)
		}
	}
	netState, err := store.GetResource(context.Background(), "dep1", "net")
	if err != nil {
		t.Fatalf("Expected net state, got: %v", err)
	}
	if !netState.Protected() {
		t.Errorf("Expected labels recorded in state, got %v", netState.Labels)
	}
	if run.FinishedAt == nil {
		t.Error("Expected FinishedAt to be set")
	}

	saved, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Expected run record, got: %v", err)
	}
	if saved.Status != RunStatusSucceeded {
		t.Errorf("Expected saved run succeeded, got %s", saved.Status)
	}
}

func TestExecutor_Execute_SecondApplyMakesNoCalls(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork, Config: map[string]string{"cidr": "10.0.0.0/16"}},
		{ID: "db", Kind: KindDatabase, DependsOn: []string{"net"}},
	})

	if _, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{SkipVerify: true}); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}
	before := len(adapter.createOrder())

	run, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{SkipVerify: true})
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}

	if got := len(adapter.createOrder()); got != before {
		t.Errorf("Expected no new creates on second apply, got %d extra", got-before)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected run succeeded, got %s", run.Status)
	}
	if run.Summary.Unchanged != 2 {
		t.Errorf("Expected 2 unchanged, got %+v", run.Summary)
	}
}

func TestExecutor_Execute_DiamondFailurePropagation(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.failures["db"] = NewPermanentError("quota exhausted", nil).WithCode(ErrCodeQuotaExceeded)
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, DependsOn: []string{"net"}},
		{ID: "cluster", Kind: KindComputeCluster, DependsOn: []string{"net"}},
		{ID: "svc", Kind: KindAIService, DependsOn: []string{"db", "cluster"}},
	})

	run, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusPartial {
		t.Errorf("Expected run partial, got %s", run.Status)
	}
	if run.Summary.Failed != 1 || run.Summary.Skipped != 1 || run.Summary.Succeeded != 2 {
		t.Errorf("Expected 1 failed, 1 skipped, 2 succeeded, got %+v", run.Summary)
	}

	// The failing branch stops svc, but the healthy branch still finishes.
	if got := resourceStatus(t, store, "dep1", "db"); got != StatusFailed {
		t.Errorf("Expected db Failed, got %s", got)
	}
	if got := resourceStatus(t, store, "dep1", "cluster"); got != StatusCreated {
		t.Errorf("Expected cluster Created, got %s", got)
	}
	if got := resourceStatus(t, store, "dep1", "svc"); got != StatusPending {
		t.Errorf("Expected svc Pending, got %s", got)
	}
	if adapter.createCount("svc") != 0 {
		t.Error("Expected no create call for svc")
	}
}

func TestExecutor_Execute_SkippedStepNamesFailedDependency(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.failures["db"] = NewPermanentError("boom", nil)
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "db", Kind: KindDatabase},
		{ID: "svc", Kind: KindAIService, DependsOn: []string{"db"}},
	})
	rp := applyPlan(t, store, plan)

	if _, err := executor.Execute(context.Background(), rp, ExecOptions{}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	step, ok := rp.Step("svc")
	if !ok {
		t.Fatal("Expected svc step")
	}
	if step.Status != StepStatusSkipped {
		t.Errorf("Expected svc skipped, got %s", step.Status)
	}
	if !strings.Contains(step.Error, "db") {
		t.Errorf("Expected skip error to name db, got %q", step.Error)
	}
}

func TestExecutor_Execute_RetryTransientThenSucceed(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.transient["db"] = 2
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "db", Kind: KindDatabase},
	})
	rp := applyPlan(t, store, plan)

	run, err := executor.Execute(context.Background(), rp, ExecOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected run succeeded, got %s", run.Status)
	}
	if adapter.createCount("db") != 3 {
		t.Errorf("Expected 3 create attempts, got %d", adapter.createCount("db"))
	}
	step, _ := rp.Step("db")
	if step.Attempts != 3 {
		t.Errorf("Expected 3 recorded attempts, got %d", step.Attempts)
	}
	if got := resourceStatus(t, store, "dep1", "db"); got != StatusCreated {
		t.Errorf("Expected db Created, got %s", got)
	}
}

func TestExecutor_Execute_RetriesExhausted(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.transient["db"] = 10
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "db", Kind: KindDatabase},
	})
	rp := applyPlan(t, store, plan)

	run, err := executor.Execute(context.Background(), rp, ExecOptions{MaxAttempts: 2})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusFailed {
		t.Errorf("Expected run failed, got %s", run.Status)
	}
	if adapter.createCount("db") != 2 {
		t.Errorf("Expected 2 create attempts, got %d", adapter.createCount("db"))
	}
	if got := resourceStatus(t, store, "dep1", "db"); got != StatusFailed {
		t.Errorf("Expected db Failed, got %s", got)
	}
}

func TestExecutor_Execute_PermanentErrorNotRetried(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.failures["db"] = NewPermanentError("no such region", nil).WithCode(ErrCodeNotFound)
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "db", Kind: KindDatabase},
	})

	if _, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{MaxAttempts: 5}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if adapter.createCount("db") != 1 {
		t.Errorf("Expected 1 create attempt for permanent failure, got %d", adapter.createCount("db"))
	}
}

func TestExecutor_Execute_ResumeCreatesOnlyRemaining(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.failures["db"] = NewPermanentError("backend down", nil)
	executor := newTestExecutor(store, adapter)

	descriptors := []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, DependsOn: []string{"net"}},
		{ID: "svc", Kind: KindAIService, DependsOn: []string{"db"}},
	}
	plan := mustBuildPlan(t, "dep1", descriptors)

	run1, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{})
	if err != nil {
		t.Fatalf("First apply failed: %v", err)
	}
	if run1.Status != RunStatusPartial {
		t.Fatalf("Expected partial first run, got %s", run1.Status)
	}

	// Backend recovers; the second apply picks up exactly where it stopped.
	adapter.mu.Lock()
	delete(adapter.failures, "db")
	adapter.mu.Unlock()

	run2, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{})
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}

	if run2.Status != RunStatusSucceeded {
		t.Errorf("Expected second run succeeded, got %s", run2.Status)
	}
	if adapter.createCount("net") != 1 {
		t.Errorf("Expected net created once across runs, got %d", adapter.createCount("net"))
	}
	if adapter.createCount("svc") != 1 {
		t.Errorf("Expected svc created once across runs, got %d", adapter.createCount("svc"))
	}
	for _, id := range []string{"net", "db", "svc"} {
		if got := resourceStatus(t, store, "dep1", id); got != StatusCreated {
			t.Errorf("Expected %s Created after resume, got %s", id, got)
		}
	}
}

func TestExecutor_Execute_ReferenceResolution(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.outputs["net"] = map[string]string{"subnet_id": "subnet-123"}
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, Config: map[string]string{
			"subnet": "${net.subnet_id}",
			"tier":   "small",
		}},
	})

	run, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Fatalf("Expected run succeeded, got %s", run.Status)
	}

	adapter.mu.Lock()
	got := adapter.configs["db"]
	adapter.mu.Unlock()
	if got["subnet"] != "subnet-123" {
		t.Errorf("Expected resolved subnet-123, got %q", got["subnet"])
	}
	if got["tier"] != "small" {
		t.Errorf("Expected untouched value small, got %q", got["tier"])
	}

	// The stored fingerprint hashes the placeholder as written, so a new
	// subnet ID from net does not force a db re-create by itself.
	st, err := store.GetResource(context.Background(), "dep1", "db")
	if err != nil {
		t.Fatalf("Failed to get db state: %v", err)
	}
	if st.Fingerprint != Fingerprint(KindDatabase, map[string]string{
		"subnet": "${net.subnet_id}",
		"tier":   "small",
	}) {
		t.Error("Expected fingerprint over unresolved configuration")
	}
}

func TestExecutor_Execute_OutputsFromEarlierRunResolve(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.outputs["net"] = map[string]string{"subnet_id": "subnet-9"}
	executor := newTestExecutor(store, adapter)

	base := []ResourceDescriptor{{ID: "net", Kind: KindNetwork}}
	if _, err := executor.Execute(context.Background(), applyPlan(t, store, mustBuildPlan(t, "dep1", base)), ExecOptions{}); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}

	// net is a noop in the second run; db still resolves its outputs from
	// the recorded state.
	grown := []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, Config: map[string]string{"subnet": "${net.subnet_id}"}},
	}
	run, err := executor.Execute(context.Background(), applyPlan(t, store, mustBuildPlan(t, "dep1", grown)), ExecOptions{})
	if err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}
	if run.Status != RunStatusSucceeded {
		t.Fatalf("Expected run succeeded, got %s", run.Status)
	}

	adapter.mu.Lock()
	got := adapter.configs["db"]
	adapter.mu.Unlock()
	if got["subnet"] != "subnet-9" {
		t.Errorf("Expected subnet-9 from recorded outputs, got %q", got["subnet"])
	}
}

func TestExecutor_Execute_WriteAheadOrder(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "db", Kind: KindDatabase},
	})

	if _, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{SkipVerify: true}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []ResourceStatus{StatusPending, StatusCreating, StatusCreated}
	if got := store.statusHistory("dep1", "db"); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected status history %v, got %v", want, got)
	}
}

func TestExecutor_Execute_VerifyFailedDoesNotBlockDependents(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.unhealthy["db"] = true
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "db", Kind: KindDatabase},
		{ID: "svc", Kind: KindAIService, DependsOn: []string{"db"}},
	})

	run, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := resourceStatus(t, store, "dep1", "db"); got != StatusVerifyFailed {
		t.Errorf("Expected db VerifyFailed, got %s", got)
	}
	if got := resourceStatus(t, store, "dep1", "svc"); got != StatusCreated {
		t.Errorf("Expected svc Created despite unhealthy dependency, got %s", got)
	}
	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected run succeeded, got %s", run.Status)
	}
	if run.Summary.VerifyFailed != 1 {
		t.Errorf("Expected 1 verify failure in summary, got %+v", run.Summary)
	}
}

func TestExecutor_Execute_DestroyReverseOrder(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, DependsOn: []string{"net"}},
		{ID: "svc", Kind: KindAIService, DependsOn: []string{"db"}},
	})
	if _, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rp, err := NewPlanner(store).PlanDestroy(context.Background(), "dep1")
	if err != nil {
		t.Fatalf("Failed to plan destroy: %v", err)
	}
	run, err := executor.Execute(context.Background(), rp, ExecOptions{})
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected destroy succeeded, got %s", run.Status)
	}
	if order := adapter.deleteOrder(); !reflect.DeepEqual(order, []string{"svc", "db", "net"}) {
		t.Errorf("Expected deletion order [svc db net], got %v", order)
	}

	// Completed teardown leaves no state behind.
	remaining, err := store.ListResources(context.Background(), "dep1")
	if err != nil {
		t.Fatalf("Failed to list resources: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("Expected no remaining state, got %d records", len(remaining))
	}

	// A second destroy has nothing to do.
	again, err := NewPlanner(store).PlanDestroy(context.Background(), "dep1")
	if err != nil {
		t.Fatalf("Failed to plan second destroy: %v", err)
	}
	if len(again.Steps) != 0 {
		t.Errorf("Expected empty second destroy, got %d steps", len(again.Steps))
	}
}

func TestExecutor_Execute_DestroyRetainsRecordsWhenAsked(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
	})
	if _, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rp, err := NewPlanner(store).PlanDestroy(context.Background(), "dep1")
	if err != nil {
		t.Fatalf("Failed to plan destroy: %v", err)
	}
	if _, err := executor.Execute(context.Background(), rp, ExecOptions{RetainDeleted: true}); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if got := resourceStatus(t, store, "dep1", "net"); got != StatusDeleted {
		t.Errorf("Expected retained Deleted record, got %s", got)
	}
}

func TestExecutor_Execute_DestroyFailureProtectsDependencies(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, DependsOn: []string{"net"}},
	})
	if _, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	adapter.failures["db"] = NewPermanentError("delete refused", nil)
	rp, err := NewPlanner(store).PlanDestroy(context.Background(), "dep1")
	if err != nil {
		t.Fatalf("Failed to plan destroy: %v", err)
	}
	run, err := executor.Execute(context.Background(), rp, ExecOptions{})
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	// Nothing was torn down, so the run counts as a total failure.
	if run.Status != RunStatusFailed {
		t.Errorf("Expected failed destroy, got %s", run.Status)
	}
	// net still has a recorded dependent, so it must not be deleted.
	if got := resourceStatus(t, store, "dep1", "net"); got != StatusCreated {
		t.Errorf("Expected net untouched, got %s", got)
	}
	if got := resourceStatus(t, store, "dep1", "db"); got != StatusFailed {
		t.Errorf("Expected db Failed, got %s", got)
	}
	if len(adapter.deleteOrder()) != 1 {
		t.Errorf("Expected only db delete attempted, got %v", adapter.deleteOrder())
	}
}

func TestExecutor_Execute_VerifyRun(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	adapter.unhealthy["sick"] = true
	executor := newTestExecutor(store, adapter)

	seedState(t, store, &ResourceState{
		DeploymentID: "dep1", ResourceID: "ok", Kind: KindNetwork,
		Status: StatusCreated, PlanPosition: 0,
	})
	seedState(t, store, &ResourceState{
		DeploymentID: "dep1", ResourceID: "sick", Kind: KindDatabase,
		Status: StatusCreated, PlanPosition: 1,
	})
	seedState(t, store, &ResourceState{
		DeploymentID: "dep1", ResourceID: "mending", Kind: KindAIService,
		Status: StatusVerifyFailed, PlanPosition: 2,
	})

	rp, err := NewPlanner(store).PlanVerify(context.Background(), "dep1")
	if err != nil {
		t.Fatalf("Failed to plan verify: %v", err)
	}
	run, err := executor.Execute(context.Background(), rp, ExecOptions{})
	if err != nil {
		t.Fatalf("Verify run failed: %v", err)
	}

	if run.Status != RunStatusPartial {
		t.Errorf("Expected partial verify run, got %s", run.Status)
	}
	if got := resourceStatus(t, store, "dep1", "ok"); got != StatusCreated {
		t.Errorf("Expected ok to stay Created, got %s", got)
	}
	if got := resourceStatus(t, store, "dep1", "sick"); got != StatusVerifyFailed {
		t.Errorf("Expected sick downgraded to VerifyFailed, got %s", got)
	}
	// A passing probe restores a previously unhealthy resource.
	if got := resourceStatus(t, store, "dep1", "mending"); got != StatusCreated {
		t.Errorf("Expected mending restored to Created, got %s", got)
	}
}

func TestExecutor_Execute_Cancellation(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	ctx, cancel := context.WithCancel(context.Background())
	adapter.onCreate = func(resourceID string) {
		if resourceID == "net" {
			cancel()
		}
	}

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, DependsOn: []string{"net"}},
		{ID: "svc", Kind: KindAIService, DependsOn: []string{"db"}},
	})

	run, err := executor.Execute(ctx, applyPlan(t, store, plan), ExecOptions{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusCancelled {
		t.Errorf("Expected run cancelled, got %s", run.Status)
	}
	// The in-flight create finishes; nothing new dispatches.
	if got := resourceStatus(t, store, "dep1", "net"); got != StatusCreated {
		t.Errorf("Expected net Created, got %s", got)
	}
	if adapter.createCount("db") != 0 || adapter.createCount("svc") != 0 {
		t.Errorf("Expected no creates after cancellation, got %v", adapter.createOrder())
	}
	if run.Summary.Cancelled != 2 {
		t.Errorf("Expected 2 cancelled steps, got %+v", run.Summary)
	}
}

func TestExecutor_Execute_DryRun(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
		{ID: "db", Kind: KindDatabase, DependsOn: []string{"net"}},
	})

	run, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Errorf("Expected dry run succeeded, got %s", run.Status)
	}
	if len(adapter.createOrder()) != 0 {
		t.Errorf("Expected no backend calls, got %v", adapter.createOrder())
	}
	states, err := store.ListResources(context.Background(), "dep1")
	if err != nil {
		t.Fatalf("Failed to list resources: %v", err)
	}
	if len(states) != 0 {
		t.Errorf("Expected no state written, got %d records", len(states))
	}
	if store.lockCalls != 0 {
		t.Errorf("Expected no lock taken, got %d lock calls", store.lockCalls)
	}
}

func TestExecutor_Execute_DeploymentLocked(t *testing.T) {
	store := newMockStore()
	store.locks["dep1"] = "another-run"
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
	})

	_, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{})
	if err == nil {
		t.Fatal("Expected lock error, got nil")
	}
	var ee *EngineError
	if !errors.As(err, &ee) || ee.Code != ErrCodeDeploymentLocked {
		t.Errorf("Expected code %s, got: %v", ErrCodeDeploymentLocked, err)
	}
}

func TestExecutor_Execute_LockReleasedAfterRun(t *testing.T) {
	store := newMockStore()
	adapter := newFakeAdapter()
	executor := newTestExecutor(store, adapter)

	plan := mustBuildPlan(t, "dep1", []ResourceDescriptor{
		{ID: "net", Kind: KindNetwork},
	})
	if _, err := executor.Execute(context.Background(), applyPlan(t, store, plan), ExecOptions{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	store.mu.Lock()
	_, held := store.locks["dep1"]
	store.mu.Unlock()
	if held {
		t.Error("Expected deployment lock released after run")
	}
}

func TestExecutor_Execute_NilPlan(t *testing.T) {
	executor := newTestExecutor(newMockStore(), newFakeAdapter())
	if _, err := executor.Execute(context.Background(), nil, ExecOptions{}); err == nil {
		t.Fatal("Expected error for nil plan, got nil")
	}
}

func TestRunStatusFor(t *testing.T) {
	cases := []struct {
		name string
		sum  RunSummary
		want RunStatus
	}{
		{"all succeeded", RunSummary{Total: 3, Succeeded: 3}, RunStatusSucceeded},
		{"all unchanged", RunSummary{Total: 2, Unchanged: 2}, RunStatusSucceeded},
		{"empty", RunSummary{}, RunStatusSucceeded},
		{"partial", RunSummary{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1}, RunStatusPartial},
		{"total failure", RunSummary{Total: 2, Failed: 1, Skipped: 1}, RunStatusFailed},
		{"unchanged saves total", RunSummary{Total: 2, Unchanged: 1, Failed: 1}, RunStatusPartial},
		{"cancelled", RunSummary{Total: 3, Succeeded: 1, Cancelled: 2}, RunStatusCancelled},
	}
	for _, tc := range cases {
		if got := runStatusFor(tc.sum); got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestBackoffDelay_Bounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(attempt, ErrorClassTransient)
		if d < 0 {
			t.Fatalf("Negative delay at attempt %d", attempt)
		}
		// Cap plus jitter headroom.
		if d > 75*time.Second {
			t.Errorf("Attempt %d: delay %v exceeds cap", attempt, d)
		}
	}

	// Throttled errors back off from a larger base.
	fast := backoffDelay(1, ErrorClassTransient)
	slow := backoffDelay(1, ErrorClassThrottled)
	if slow <= fast {
		t.Errorf("Expected throttled delay above transient, got %v <= %v", slow, fast)
	}
}

func TestClassify(t *testing.T) {
	ee := classify(NewThrottledError("slow down", nil), "db", "create")
	if ee.Class != ErrorClassThrottled {
		t.Errorf("Expected throttled class preserved, got %s", ee.Class)
	}
	if ee.Resource != "db" || ee.Operation != "create" {
		t.Errorf("Expected resource context filled in, got %+v", ee)
	}

	ee = classify(context.DeadlineExceeded, "db", "create")
	if ee.Class != ErrorClassTransient || ee.Code != ErrCodeTimeout {
		t.Errorf("Expected transient timeout, got %+v", ee)
	}

	ee = classify(errors.New("mystery"), "db", "create")
	if ee.Class != ErrorClassPermanent {
		t.Errorf("Expected unclassified error to be permanent, got %s", ee.Class)
	}
	if IsRetryable(ee) {
		t.Error("Expected unclassified error to be non-retryable")
	}
}

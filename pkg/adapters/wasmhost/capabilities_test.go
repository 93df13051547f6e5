package wasmhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opengrove/opengrove/pkg/adapters"
)

// stubRunner records the last command and returns a canned result.
type stubRunner struct {
	last   adapters.Command
	result *adapters.CommandResult
}

func (r *stubRunner) Run(ctx context.Context, cmd adapters.Command) (*adapters.CommandResult, error) {
	r.last = cmd
	if r.result != nil {
		return r.result, nil
	}
	return &adapters.CommandResult{ExitCode: 0}, nil
}

func TestEnforcerHas(t *testing.T) {
	e := NewEnforcer([]string{"net:outbound"}, t.TempDir(), nil)
	if !e.Has(CapabilityNetOutbound) {
		t.Error("net:outbound should be granted")
	}
	if e.Has(CapabilityFSTemp) || e.Has(CapabilityExecCLI) {
		t.Error("ungranted capabilities reported as granted")
	}
}

func TestEnforcerScratchRoundtrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scratch")
	e := NewEnforcer([]string{"fs:temp"}, dir, nil)

	if err := e.WriteTempFile("state.json", []byte(`{"step":3}`)); err != nil {
		t.Fatalf("WriteTempFile: %v", err)
	}
	data, err := e.ReadTempFile("state.json")
	if err != nil {
		t.Fatalf("ReadTempFile: %v", err)
	}
	if string(data) != `{"step":3}` {
		t.Errorf("read back %q", data)
	}

	if err := e.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch directory survived cleanup: %v", err)
	}
}

func TestEnforcerScratchDenied(t *testing.T) {
	e := NewEnforcer(nil, t.TempDir(), nil)
	if err := e.WriteTempFile("x", []byte("y")); err == nil {
		t.Error("write allowed without fs:temp")
	}
	if _, err := e.ReadTempFile("x"); err == nil {
		t.Error("read allowed without fs:temp")
	}
}

func TestEnforcerScratchTraversal(t *testing.T) {
	e := NewEnforcer([]string{"fs:temp"}, t.TempDir(), nil)
	for _, name := range []string{"../outside", "../../etc/passwd", "a/../../b"} {
		if err := e.WriteTempFile(name, []byte("x")); err == nil {
			t.Errorf("traversal %q allowed", name)
		} else if !strings.Contains(err.Error(), "escapes") {
			t.Errorf("traversal %q: unexpected error %v", name, err)
		}
	}
}

func TestEnforcerHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	denied := NewEnforcer(nil, t.TempDir(), nil)
	if _, err := denied.HTTPRequest(context.Background(), http.MethodGet, srv.URL, nil); err == nil {
		t.Error("request allowed without net:outbound")
	}

	granted := NewEnforcer([]string{"net:outbound"}, t.TempDir(), nil)
	resp, err := granted.HTTPRequest(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("HTTPRequest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestEnforcerRunCommand(t *testing.T) {
	runner := &stubRunner{result: &adapters.CommandResult{Stdout: "ok", ExitCode: 0}}
	ctx := context.Background()

	denied := NewEnforcer(nil, t.TempDir(), runner)
	if _, err := denied.RunCommand(ctx, adapters.Command{Argv: []string{"az", "group", "list"}}); err == nil {
		t.Error("exec allowed without exec:cli")
	}

	e := NewEnforcer([]string{"exec:cli"}, t.TempDir(), runner)

	if _, err := e.RunCommand(ctx, adapters.Command{Argv: []string{"rm", "-rf", "/"}}); err == nil {
		t.Error("non-allowlisted program accepted")
	}
	if _, err := e.RunCommand(ctx, adapters.Command{}); err == nil {
		t.Error("empty argv accepted")
	}

	result, err := e.RunCommand(ctx, adapters.Command{Argv: []string{"az", "acr", "show"}})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if result.Stdout != "ok" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if len(runner.last.Argv) != 3 || runner.last.Argv[0] != "az" {
		t.Errorf("runner saw argv %v", runner.last.Argv)
	}

	// Paths resolve through their base name, same as the allowlist.
	if _, err := e.RunCommand(ctx, adapters.Command{Argv: []string{"/usr/local/bin/kubectl", "get", "pods"}}); err != nil {
		t.Errorf("path-qualified kubectl rejected: %v", err)
	}
}

func TestEnforcerRunCommandNoRunner(t *testing.T) {
	e := NewEnforcer([]string{"exec:cli"}, t.TempDir(), nil)
	if _, err := e.RunCommand(context.Background(), adapters.Command{Argv: []string{"az"}}); err == nil {
		t.Error("exec allowed without a runner")
	}
}

func TestEnforcerCleanupWithoutGrant(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "keep")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewEnforcer(nil, dir, nil)
	if err := e.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("cleanup touched a directory it never owned: %v", err)
	}
}

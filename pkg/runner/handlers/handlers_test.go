package handlers

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/opengrove/opengrove/pkg/runner/protocol"
)

func TestExecHandler_CaptureAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("argv test uses sh")
	}

	h := &ExecHandler{}

	result, err := h.Handle(context.Background(), &protocol.ExecParams{
		Argv: []string{"sh", "-c", "printf hello; printf oops >&2; exit 3"},
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if result.Stdout != "hello" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello")
	}
	if result.Stderr != "oops" {
		t.Errorf("Stderr = %q, want %q", result.Stderr, "oops")
	}
}

func TestExecHandler_Stdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("argv test uses sh")
	}

	h := &ExecHandler{}

	result, err := h.Handle(context.Background(), &protocol.ExecParams{
		Argv:  []string{"sh", "-c", "cat"},
		Stdin: "piped manifest",
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Stdout != "piped manifest" {
		t.Errorf("Stdout = %q, want stdin echoed back", result.Stdout)
	}
}

func TestExecHandler_EmptyArgv(t *testing.T) {
	h := &ExecHandler{}
	if _, err := h.Handle(context.Background(), &protocol.ExecParams{}, nil); err == nil {
		t.Error("Expected error for empty argv")
	}
}

func TestExecHandler_MissingProgram(t *testing.T) {
	h := &ExecHandler{}
	_, err := h.Handle(context.Background(), &protocol.ExecParams{
		Argv: []string{"grove-no-such-program-xyz"},
	}, nil)
	if err == nil {
		t.Error("Expected error when the program does not exist")
	}
}

func TestFileWriteHandler_CreatesAndReports(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "manifest.yaml")

	h := &FileWriteHandler{}
	result, err := h.Handle(context.Background(), &protocol.FileWriteParams{
		Path:    path,
		Content: "kind: Deployment\n",
		Mode:    "0600",
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if !result.Created {
		t.Error("Expected Created=true for a new file")
	}
	if result.BytesWritten != int64(len("kind: Deployment\n")) {
		t.Errorf("BytesWritten = %d", result.BytesWritten)
	}
	if len(result.Checksum) != 64 {
		t.Errorf("Checksum length = %d, want 64 hex chars", len(result.Checksum))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read back file: %v", err)
	}
	if string(data) != "kind: Deployment\n" {
		t.Errorf("File content = %q", string(data))
	}

	info, _ := os.Stat(path)
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Errorf("Mode = %v, want 0600", info.Mode().Perm())
	}

	// Second write to the same path is an update, not a create.
	result, err = h.Handle(context.Background(), &protocol.FileWriteParams{
		Path:    path,
		Content: "kind: Service\n",
	}, nil)
	if err != nil {
		t.Fatalf("Handle() second write error = %v", err)
	}
	if result.Created {
		t.Error("Expected Created=false when overwriting")
	}
}

func TestFileWriteHandler_InvalidMode(t *testing.T) {
	h := &FileWriteHandler{}
	_, err := h.Handle(context.Background(), &protocol.FileWriteParams{
		Path:    filepath.Join(t.TempDir(), "f"),
		Content: "x",
		Mode:    "rwxr--r--",
	}, nil)
	if err == nil {
		t.Error("Expected error for non-octal mode")
	}
}

func TestFileReadHandler_Truncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kubeconfig")
	content := strings.Repeat("x", 100)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to seed file: %v", err)
	}

	h := &FileReadHandler{}

	full, err := h.Handle(context.Background(), &protocol.FileReadParams{Path: path}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if full.Truncated || full.Content != content || full.Size != 100 {
		t.Errorf("Full read wrong: truncated=%v size=%d", full.Truncated, full.Size)
	}

	partial, err := h.Handle(context.Background(), &protocol.FileReadParams{Path: path, MaxBytes: 10}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !partial.Truncated {
		t.Error("Expected Truncated=true")
	}
	if len(partial.Content) != 10 {
		t.Errorf("Content length = %d, want 10", len(partial.Content))
	}
	if partial.Checksum != full.Checksum {
		t.Error("Checksum of a truncated read must cover the full file")
	}
}

func TestFileReadHandler_Missing(t *testing.T) {
	h := &FileReadHandler{}
	_, err := h.Handle(context.Background(), &protocol.FileReadParams{
		Path: filepath.Join(t.TempDir(), "absent"),
	}, nil)
	if err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestProbeHandler_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := &ProbeHandler{}

	ok, err := h.Handle(context.Background(), &protocol.ProbeParams{
		Scheme: "http",
		Target: srv.URL + "/healthz",
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !ok.Healthy {
		t.Errorf("Expected healthy probe, got detail %q", ok.Detail)
	}

	sick, err := h.Handle(context.Background(), &protocol.ProbeParams{
		Scheme: "http",
		Target: srv.URL + "/broken",
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if sick.Healthy {
		t.Error("Expected unhealthy probe for 503")
	}

	expected, err := h.Handle(context.Background(), &protocol.ProbeParams{
		Scheme:       "http",
		Target:       srv.URL + "/broken",
		ExpectStatus: http.StatusServiceUnavailable,
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !expected.Healthy {
		t.Error("Expected healthy probe when 503 is the expected status")
	}
}

func TestProbeHandler_TCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	h := &ProbeHandler{}

	up, err := h.Handle(context.Background(), &protocol.ProbeParams{
		Scheme: "tcp",
		Target: ln.Addr().String(),
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !up.Healthy {
		t.Errorf("Expected healthy TCP probe, got %q", up.Detail)
	}

	down, err := h.Handle(context.Background(), &protocol.ProbeParams{
		Scheme: "tcp",
		Target: "127.0.0.1:1", // nothing listens on port 1
	}, nil)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if down.Healthy {
		t.Error("Expected unhealthy probe for a closed port")
	}
}

func TestProbeHandler_UnknownScheme(t *testing.T) {
	h := &ProbeHandler{}
	_, err := h.Handle(context.Background(), &protocol.ProbeParams{
		Scheme: "udp",
		Target: "127.0.0.1:53",
	}, nil)
	if err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

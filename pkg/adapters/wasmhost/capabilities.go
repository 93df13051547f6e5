package wasmhost

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opengrove/opengrove/pkg/adapters"
)

// Capability names one privilege a plugin may request in its manifest.
type Capability string

const (
	// CapabilityNetOutbound allows outbound HTTP requests.
	CapabilityNetOutbound Capability = "net:outbound"

	// CapabilityFSTemp allows reads and writes inside a private
	// scratch directory.
	CapabilityFSTemp Capability = "fs:temp"

	// CapabilityExecCLI allows running the provisioning CLIs through
	// the host's command runner, local or bridged.
	CapabilityExecCLI Capability = "exec:cli"
)

// KnownCapability reports whether the capability name is recognized.
func KnownCapability(c Capability) bool {
	switch c {
	case CapabilityNetOutbound, CapabilityFSTemp, CapabilityExecCLI:
		return true
	}
	return false
}

// execAllowlist is the set of programs exec:cli may invoke. Plugins drive
// the same CLIs the builtin adapters do; everything else is refused.
var execAllowlist = map[string]bool{
	"az":      true,
	"kubectl": true,
	"helm":    true,
}

// Enforcer gates every host function on the capabilities the manifest
// requested. A plugin that never asked for a privilege cannot reach it,
// whatever its module code tries.
type Enforcer struct {
	granted    map[Capability]bool
	httpClient *http.Client
	tempDir    string
	runner     adapters.CommandRunner
}

// NewEnforcer creates an enforcer granting exactly the given capabilities.
func NewEnforcer(capabilities []string, tempDir string, runner adapters.CommandRunner) *Enforcer {
	granted := make(map[Capability]bool, len(capabilities))
	for _, c := range capabilities {
		granted[Capability(c)] = true
	}
	return &Enforcer{
		granted:    granted,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tempDir:    tempDir,
		runner:     runner,
	}
}

// Has reports whether a capability was granted.
func (e *Enforcer) Has(c Capability) bool {
	return e.granted[c]
}

// HTTPRequest performs an outbound request under net:outbound.
func (e *Enforcer) HTTPRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	if !e.Has(CapabilityNetOutbound) {
		return nil, fmt.Errorf("capability %s not granted", CapabilityNetOutbound)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return e.httpClient.Do(req)
}

// WriteTempFile writes into the scratch directory under fs:temp.
func (e *Enforcer) WriteTempFile(name string, data []byte) error {
	if !e.Has(CapabilityFSTemp) {
		return fmt.Errorf("capability %s not granted", CapabilityFSTemp)
	}

	path, err := e.tempPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.tempDir, 0o750); err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write scratch file: %w", err)
	}
	return nil
}

// ReadTempFile reads from the scratch directory under fs:temp.
func (e *Enforcer) ReadTempFile(name string) ([]byte, error) {
	if !e.Has(CapabilityFSTemp) {
		return nil, fmt.Errorf("capability %s not granted", CapabilityFSTemp)
	}

	path, err := e.tempPath(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scratch file: %w", err)
	}
	return data, nil
}

// tempPath joins the name into the scratch directory and refuses escapes.
func (e *Enforcer) tempPath(name string) (string, error) {
	path := filepath.Join(e.tempDir, name)
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(e.tempDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("scratch path escapes the sandbox: %s", name)
	}
	return path, nil
}

// RunCommand executes an allowlisted CLI through the host runner under
// exec:cli.
func (e *Enforcer) RunCommand(ctx context.Context, cmd adapters.Command) (*adapters.CommandResult, error) {
	if !e.Has(CapabilityExecCLI) {
		return nil, fmt.Errorf("capability %s not granted", CapabilityExecCLI)
	}
	if e.runner == nil {
		return nil, fmt.Errorf("no command runner configured for plugin exec")
	}
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}
	if !execAllowlist[filepath.Base(cmd.Argv[0])] {
		return nil, fmt.Errorf("program %q not allowed for plugins", cmd.Argv[0])
	}
	return e.runner.Run(ctx, cmd)
}

// Cleanup removes the scratch directory.
func (e *Enforcer) Cleanup() error {
	if !e.Has(CapabilityFSTemp) {
		return nil
	}
	if err := os.RemoveAll(e.tempDir); err != nil {
		return fmt.Errorf("failed to remove scratch directory: %w", err)
	}
	return nil
}

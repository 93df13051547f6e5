package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command is one CLI invocation. Argv[0] is the program; Stdin, when set,
// is piped to the process (kubectl manifests travel this way).
type Command struct {
	Argv  []string
	Env   map[string]string
	Stdin string
}

// String renders the command for logs. Values following flags that carry
// credentials are redacted.
func (c Command) String() string {
	parts := make([]string, len(c.Argv))
	redactNext := false
	for i, arg := range c.Argv {
		switch {
		case redactNext:
			parts[i] = "****"
			redactNext = false
		case arg == "--admin-password" || arg == "--password" || arg == "--value":
			parts[i] = arg
			redactNext = true
		default:
			parts[i] = arg
		}
	}
	return strings.Join(parts, " ")
}

// CommandResult is the captured outcome of one CLI invocation.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandRunner executes CLI commands somewhere the cloud APIs are
// reachable. A non-zero exit code is a result, not an error: errors mean
// the command could not be run at all.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}

// LocalRunner executes commands on the orchestrator host.
type LocalRunner struct{}

// NewLocalRunner creates a runner for hosts with direct API access.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

// Run executes the command with os/exec, extending the inherited
// environment with the command's variables.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (*CommandResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("argv is required")
	}

	proc := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	if len(cmd.Env) > 0 {
		env := os.Environ()
		for k, v := range cmd.Env {
			env = append(env, k+"="+v)
		}
		proc.Env = env
	}
	if cmd.Stdin != "" {
		proc.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	start := time.Now()
	err := proc.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		// A context kill also surfaces as an ExitError; the
		// interruption matters more than the synthetic exit code.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", cmd.Argv[0], err)
	}
	return result, nil
}

// Package handlers implements the command handlers grove-runner dispatches
// to: program execution, file transfer, and network probes.
package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/opengrove/opengrove/pkg/runner/protocol"
)

// ExecHandler runs a program by argv. No shell is involved: the orchestrator
// sends cloud CLI invocations as argument vectors, and anything the program
// should read from standard input arrives in the params.
type ExecHandler struct{}

// Handle executes the program and captures its output. A non-zero exit code
// is a successful handle with the code in the result; only failures to run
// the program at all are returned as errors.
func (h *ExecHandler) Handle(ctx context.Context, params *protocol.ExecParams, eventCh chan<- *protocol.EventMessage) (*protocol.ExecResult, error) {
	if len(params.Argv) == 0 {
		return nil, fmt.Errorf("argv is required")
	}

	cmd := exec.CommandContext(ctx, params.Argv[0], params.Argv[1:]...)
	if params.WorkDir != "" {
		cmd.Dir = params.WorkDir
	}
	if len(params.Env) > 0 {
		// Extend rather than replace: the CLIs need PATH and their own
		// config directories from the runner's environment.
		env := os.Environ()
		for k, v := range params.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if params.Stdin != "" {
		cmd.Stdin = strings.NewReader(params.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start).Seconds()

	result := &protocol.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to run %s: %w", params.Argv[0], err)
	}

	return result, nil
}

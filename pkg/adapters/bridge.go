package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opengrove/opengrove/pkg/runner/client"
	"github.com/opengrove/opengrove/pkg/runner/protocol"
)

// BridgedRunner executes commands through grove-runner on a bastion host.
// The runner enforces the per-command timeout; the bridge derives it from
// the context deadline when one is set.
type BridgedRunner struct {
	client *client.Client

	// DefaultTimeout applies when the context has no deadline.
	DefaultTimeout time.Duration
}

// NewBridgedRunner wraps a started runner client.
func NewBridgedRunner(c *client.Client) *BridgedRunner {
	return &BridgedRunner{client: c, DefaultTimeout: 10 * time.Minute}
}

// Run ships the command to the remote runner and maps its result back.
func (r *BridgedRunner) Run(ctx context.Context, cmd Command) (*CommandResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("argv is required")
	}

	timeout := r.DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	raw, err := r.client.Run(ctx, protocol.CommandTypeExec, &protocol.ExecParams{
		Argv:  cmd.Argv,
		Env:   cmd.Env,
		Stdin: cmd.Stdin,
	}, timeout)
	if err != nil {
		var cmdErr *client.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Retryable {
			// The runner judged the failure retryable (interrupted by its
			// own timeout); let the engine's retry logic see that.
			return nil, fmt.Errorf("remote command interrupted: %w", err)
		}
		return nil, err
	}

	var result protocol.ExecResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode runner result: %w", err)
	}

	return &CommandResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		ExitCode: result.ExitCode,
		Duration: time.Duration(result.Duration * float64(time.Second)),
	}, nil
}

// Package client drives a remote grove-runner process: it uploads the
// runner binary, starts it, and exchanges protocol messages over the
// process's stdio.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opengrove/opengrove/pkg/runner/protocol"
)

// Transport carries the runner binary to the remote host and starts it.
// The SSH transport implements this; tests substitute in-process pipes.
type Transport interface {
	// Upload places the runner binary at remotePath on the remote host.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Start launches the runner and returns its stdio pipes.
	Start(ctx context.Context, remotePath string) (stdin io.WriteCloser, stdout io.ReadCloser, err error)

	// Cleanup removes the runner binary. The runner self-deletes on a clean
	// exit, so cleanup failing on a missing file is expected.
	Cleanup(ctx context.Context, remotePath string) error
}

// Config holds client options.
type Config struct {
	// RunnerPath is the local path of the runner binary to upload. Empty
	// skips the upload (the binary is already in place).
	RunnerPath string

	// RemotePath is where the runner lives on the remote host.
	RemotePath string

	// StartupTimeout bounds the wait for the READY announcement.
	StartupTimeout time.Duration

	// OnEvent, when set, receives progress events for in-flight commands.
	OnEvent func(*protocol.EventMessage)
}

// CommandError is a failure reported by the runner for one command. The
// Retryable flag feeds the orchestrator's transient/permanent classification.
type CommandError struct {
	Code       string
	Message    string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("runner command failed: %s: %s", e.Code, e.Message)
}

// Client manages one runner process. Commands are serialized: the protocol
// has a single response stream, so one command is in flight at a time.
type Client struct {
	transport Transport
	config    Config

	mu      sync.Mutex
	encoder *protocol.Encoder
	decoder *protocol.Decoder
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	ready   *protocol.ReadyMessage
	started bool
	broken  bool
	closed  bool
}

// New creates a client. Start must be called before Run.
func New(transport Transport, config Config) (*Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if config.RemotePath == "" {
		config.RemotePath = "/tmp/grove-runner"
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = 10 * time.Second
	}
	return &Client{transport: transport, config: config}, nil
}

// Start uploads the runner (when configured), launches it, and waits for
// the READY announcement.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}
	if c.started {
		return fmt.Errorf("client already started")
	}

	if c.config.RunnerPath != "" {
		if err := c.transport.Upload(ctx, c.config.RunnerPath, c.config.RemotePath); err != nil {
			return fmt.Errorf("failed to upload runner: %w", err)
		}
	}

	stdin, stdout, err := c.transport.Start(ctx, c.config.RemotePath)
	if err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}

	c.stdin = stdin
	c.stdout = stdout
	c.encoder = protocol.NewEncoder(stdin)
	c.decoder = protocol.NewDecoder(stdout)

	ready, err := c.awaitReady(ctx)
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return err
	}

	c.ready = ready
	c.started = true
	return nil
}

func (c *Client) awaitReady(ctx context.Context) (*protocol.ReadyMessage, error) {
	type outcome struct {
		ready *protocol.ReadyMessage
		err   error
	}
	ch := make(chan outcome, 1)

	go func() {
		msg, err := c.decoder.Decode()
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		if msg.Type != protocol.MessageTypeReady {
			ch <- outcome{err: fmt.Errorf("expected READY, got %s", msg.Type)}
			return
		}
		var ready protocol.ReadyMessage
		if err := protocol.ParseParams(msg.Data, &ready); err != nil {
			ch <- outcome{err: err}
			return
		}
		ch <- outcome{ready: &ready}
	}()

	timer := time.NewTimer(c.config.StartupTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timed out waiting for READY after %s", c.config.StartupTimeout)
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("failed to receive READY: %w", out.err)
		}
		return out.ready, nil
	}
}

// Ready returns the runner's startup announcement, nil before Start.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Run sends one command and waits for its DONE or ERROR. The timeout is
// enforced by the runner; ctx cancellation mid-command abandons the stream
// and marks the client unusable, since the response position is lost.
func (c *Client) Run(ctx context.Context, cmdType protocol.CommandType, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if !c.started {
		return nil, fmt.Errorf("client not started")
	}
	if c.broken {
		return nil, fmt.Errorf("client stream is broken, restart the runner")
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}

	seconds := int(timeout / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	cmd := &protocol.CommandMessage{
		ID:      uuid.New().String(),
		Type:    cmdType,
		Timeout: seconds,
		Params:  rawParams,
	}
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}

	if err := c.encoder.Encode(protocol.MessageTypeCommand, cmd); err != nil {
		c.broken = true
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	return c.awaitResult(ctx, cmd.ID)
}

func (c *Client) awaitResult(ctx context.Context, commandID string) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		for {
			msg, err := c.decoder.Decode()
			if err != nil {
				ch <- outcome{err: fmt.Errorf("failed to read response: %w", err)}
				return
			}

			switch msg.Type {
			case protocol.MessageTypeEvent:
				var event protocol.EventMessage
				if err := protocol.ParseParams(msg.Data, &event); err != nil {
					ch <- outcome{err: fmt.Errorf("failed to parse event: %w", err)}
					return
				}
				if c.config.OnEvent != nil {
					c.config.OnEvent(&event)
				}

			case protocol.MessageTypeDone:
				var done protocol.DoneMessage
				if err := protocol.ParseParams(msg.Data, &done); err != nil {
					ch <- outcome{err: fmt.Errorf("failed to parse done: %w", err)}
					return
				}
				if done.CommandID != commandID {
					ch <- outcome{err: fmt.Errorf("command ID mismatch: sent %s, got %s", commandID, done.CommandID)}
					return
				}
				ch <- outcome{result: done.Result}
				return

			case protocol.MessageTypeError:
				var errMsg protocol.ErrorMessage
				if err := protocol.ParseParams(msg.Data, &errMsg); err != nil {
					ch <- outcome{err: fmt.Errorf("failed to parse error: %w", err)}
					return
				}
				if errMsg.CommandID != "" && errMsg.CommandID != commandID {
					ch <- outcome{err: fmt.Errorf("command ID mismatch: sent %s, got %s", commandID, errMsg.CommandID)}
					return
				}
				ch <- outcome{err: &CommandError{
					Code:       errMsg.Code,
					Message:    errMsg.Message,
					Retryable:  errMsg.Retryable,
					RetryAfter: time.Duration(errMsg.RetryAfter) * time.Second,
				}}
				return

			case protocol.MessageTypeExit:
				ch <- outcome{err: fmt.Errorf("runner exited while command was in flight")}
				return

			default:
				ch <- outcome{err: fmt.Errorf("unexpected message type: %s", msg.Type)}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		c.broken = true
		return nil, ctx.Err()
	case out := <-ch:
		if out.err != nil {
			// A CommandError still leaves the stream positioned at the next
			// message; anything else means the stream state is unknown.
			var cmdErr *CommandError
			if !errors.As(out.err, &cmdErr) {
				c.broken = true
			}
		}
		return out.result, out.err
	}
}

// Close shuts the stream down and removes the remote binary.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	if c.stdin != nil {
		// Closing stdin tells the runner to wind down and self-delete.
		if err := c.stdin.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdin: %w", err))
		}
	}
	if c.stdout != nil {
		if err := c.stdout.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stdout: %w", err))
		}
	}
	if c.started {
		_ = c.transport.Cleanup(ctx, c.config.RemotePath)
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

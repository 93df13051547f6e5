package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Run executes a program on the bastion by argv. A non-zero exit code is
// reported through the result, not the error: the command ran, the caller
// decides what its exit status means.
func (c *Client) Run(ctx context.Context, argv []string) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("argv is required")}
	}

	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	command := QuoteArgv(argv)
	log.Debug().Str("host", c.config.Host).Str("command", argv[0]).Msg("executing remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		// Best effort: ask the remote process to stop before abandoning it.
		_ = session.Signal(ssh.SIGTERM)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
		}
		return nil, &TransportError{Op: "exec", Err: runErr, IsTemporary: true}
	}

	return result, nil
}

// StartSession starts a long-lived remote process and returns its stdio
// pipes. The runner client drives grove-runner through this.
func (c *Client) StartSession(ctx context.Context, argv []string) (stdin io.WriteCloser, stdout io.ReadCloser, cleanup func() error, err error) {
	if len(argv) == 0 {
		return nil, nil, nil, &TransportError{Op: "session", Err: fmt.Errorf("argv is required")}
	}

	conn, err := c.connection()
	if err != nil {
		return nil, nil, nil, err
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, nil, nil, &TransportError{Op: "session", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{Op: "session", Err: fmt.Errorf("failed to open stdin pipe: %w", err)}
	}
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{Op: "session", Err: fmt.Errorf("failed to open stdout pipe: %w", err)}
	}

	if err := session.Start(QuoteArgv(argv)); err != nil {
		session.Close()
		return nil, nil, nil, &TransportError{Op: "session", Err: fmt.Errorf("failed to start %s: %w", argv[0], err), IsTemporary: true}
	}

	cleanup = func() error {
		return session.Close()
	}
	return stdinPipe, io.NopCloser(stdoutPipe), cleanup, nil
}

// QuoteArgv renders an argument vector as a shell command line with each
// argument single-quoted, so remote execution cannot reinterpret values.
func QuoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

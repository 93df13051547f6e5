package adapters

import (
	"context"
	"sync"
	"testing"
)

// fakeRunner records every command and replays scripted responses in
// order. An empty queue answers with a clean exit and no output.
type fakeRunner struct {
	mu    sync.Mutex
	calls []Command
	queue []fakeResponse
}

type fakeResponse struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (f *fakeRunner) enqueue(responses ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, responses...)
}

func (f *fakeRunner) Run(ctx context.Context, cmd Command) (*CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, cmd)

	if len(f.queue) == 0 {
		return &CommandResult{ExitCode: 0}, nil
	}
	resp := f.queue[0]
	f.queue = f.queue[1:]
	if resp.err != nil {
		return nil, resp.err
	}
	return &CommandResult{Stdout: resp.stdout, Stderr: resp.stderr, ExitCode: resp.exitCode}, nil
}

func (f *fakeRunner) call(t *testing.T, i int) Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.calls) {
		t.Fatalf("expected at least %d commands, got %d", i+1, len(f.calls))
	}
	return f.calls[i]
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// argvHas reports whether token appears anywhere in argv.
func argvHas(argv []string, token string) bool {
	for _, a := range argv {
		if a == token {
			return true
		}
	}
	return false
}

// argvValue returns the argument following flag, or "".
func argvValue(argv []string, flag string) string {
	for i, a := range argv {
		if a == flag && i+1 < len(argv) {
			return argv[i+1]
		}
	}
	return ""
}

func wantArgv(t *testing.T, cmd Command, tokens ...string) {
	t.Helper()
	for _, token := range tokens {
		if !argvHas(cmd.Argv, token) {
			t.Errorf("argv %v missing %q", cmd.Argv, token)
		}
	}
}

func wantFlag(t *testing.T, cmd Command, flag, value string) {
	t.Helper()
	if got := argvValue(cmd.Argv, flag); got != value {
		t.Errorf("argv %v: flag %s = %q, want %q", cmd.Argv, flag, got, value)
	}
}

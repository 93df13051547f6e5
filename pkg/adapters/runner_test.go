package adapters

import (
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestCommandStringRedactsSecrets(t *testing.T) {
	cmd := Command{Argv: []string{
		"az", "postgres", "flexible-server", "create",
		"--name", "db",
		"--admin-password", "hunter2",
	}}
	s := cmd.String()
	if strings.Contains(s, "hunter2") {
		t.Errorf("String leaked the password: %s", s)
	}
	if !strings.Contains(s, "--admin-password") {
		t.Errorf("String dropped the flag itself: %s", s)
	}

	cmd = Command{Argv: []string{"az", "keyvault", "secret", "set", "--value", "topsecret"}}
	if s := cmd.String(); strings.Contains(s, "topsecret") {
		t.Errorf("String leaked the secret value: %s", s)
	}
}

func TestLocalRunnerCapturesOutputAndExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), Command{
		Argv: []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "out" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "err" {
		t.Errorf("stderr = %q", result.Stderr)
	}
	if result.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestLocalRunnerStdin(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires cat")
	}

	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), Command{
		Argv:  []string{"cat"},
		Stdin: "manifest: body\n",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stdout != "manifest: body\n" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestLocalRunnerEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	runner := NewLocalRunner()
	result, err := runner.Run(context.Background(), Command{
		Argv: []string{"sh", "-c", "printf '%s' \"$GROVE_PROBE\""},
		Env:  map[string]string{"GROVE_PROBE": "on"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Stdout != "on" {
		t.Errorf("stdout = %q", result.Stdout)
	}
}

func TestLocalRunnerMissingProgram(t *testing.T) {
	runner := NewLocalRunner()
	if _, err := runner.Run(context.Background(), Command{Argv: []string{"definitely-not-a-real-binary-9f2"}}); err == nil {
		t.Fatal("missing program did not error")
	}
}

func TestLocalRunnerEmptyArgv(t *testing.T) {
	runner := NewLocalRunner()
	if _, err := runner.Run(context.Background(), Command{}); err == nil {
		t.Fatal("empty argv did not error")
	}
}

func TestLocalRunnerHonorsContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sleep")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	runner := NewLocalRunner()
	start := time.Now()
	_, err := runner.Run(ctx, Command{Argv: []string{"sleep", "5"}})
	if err == nil {
		t.Fatal("expected an error from the canceled command")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancellation did not interrupt the command")
	}
}

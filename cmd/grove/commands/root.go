package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/engine"
)

// Exit codes. Partial and total failure are distinct so that scripts can
// tell "retry the remainder" from "nothing worked".
const (
	// ExitSuccess means the command did everything it set out to do.
	ExitSuccess = 0

	// ExitFatal means the command failed before or during setup: a bad
	// manifest, a dependency cycle, a policy denial, a store failure.
	ExitFatal = 1

	// ExitTotalFailure means the run executed but nothing newly succeeded
	// and nothing was confirmed up to date.
	ExitTotalFailure = 2

	// ExitPartialFailure means some steps succeeded and some failed or
	// were skipped behind a failure. Re-running retries the remainder.
	ExitPartialFailure = 3
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command and maps the outcome to an exit code.
func Execute(ctx context.Context, version, commit, buildDate string) int {
	appVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	log.Error().Err(err).Msg("Command failed")
	return exitCodeFor(err)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "grove",
		Short: "OpenGrove - dependency-ordered infrastructure provisioning",
		Long: `OpenGrove provisions and tears down cloud infrastructure from declarative
deployment manifests, in dependency order, with durable state.

Features:
  - Typed manifests via CUE, with Starlark for computed values
  - Dependency graph planning with deterministic ordering
  - Idempotent apply: unchanged resources cost zero backend calls
  - Reverse-order destroy planned from recorded state
  - Policy gate (OPA/rego) evaluated before any mutation
  - WASM plugin adapters and an SSH bastion bridge`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newVerifyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())

	return rootCmd
}

// exitError pins an exit code to an error. Commands wrap run outcomes in it
// so that Execute can distinguish partial from total failure.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitCodeFor maps an error to the process exit code. Anything not
// explicitly coded is a fatal setup failure.
func exitCodeFor(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitFatal
}

// runOutcome converts a finished run into the command's return value: nil
// for success, a coded error otherwise. A cancelled run counts as partial
// when any step got through, total otherwise.
func runOutcome(run *engine.Run) error {
	message := run.Error
	if message == "" {
		message = fmt.Sprintf("%s run finished with status %s", run.Type, run.Status)
	}

	switch run.Status {
	case engine.RunStatusSucceeded:
		return nil
	case engine.RunStatusPartial:
		return &exitError{code: ExitPartialFailure, err: errors.New(message)}
	case engine.RunStatusFailed:
		return &exitError{code: ExitTotalFailure, err: errors.New(message)}
	case engine.RunStatusCancelled:
		code := ExitTotalFailure
		if run.Summary.Succeeded > 0 || run.Summary.Unchanged > 0 {
			code = ExitPartialFailure
		}
		return &exitError{code: code, err: fmt.Errorf("%s run cancelled: %s", run.Type, summaryLine(run.Summary))}
	default:
		return &exitError{code: ExitFatal, err: errors.New(message)}
	}
}

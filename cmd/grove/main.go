// Package main implements grove, the deployment orchestrator CLI.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opengrove/opengrove/cmd/grove/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First interrupt cancels the run: in-flight backend calls finish and
	// the remaining steps are marked cancelled. A second interrupt gives up
	// on the graceful path.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("Interrupted, letting in-flight operations finish (interrupt again to force quit)")
		cancel()
		<-sigChan
		log.Error().Msg("Forced quit, state may not reflect in-flight operations")
		os.Exit(commands.ExitFatal)
	}()

	os.Exit(commands.Execute(ctx, Version, Commit, BuildDate))
}

package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var (
		manifestPath     string
		applyChanges     bool
		debounce         time.Duration
		skipVerify       bool
		parallelism      int
		policyDir        string
		disabledPolicies []string
	)

	cmd := &cobra.Command{
		Use:   "watch DEPLOYMENT",
		Short: "Re-plan, and optionally re-apply, when the manifest changes",
		Long: `Watch the manifest file and re-plan whenever it changes. With --apply
each change is applied immediately, without confirmation, making the
deployment follow the file. A failing iteration is logged and watching
continues; interrupt to stop.

Editor save patterns (write to a temporary file, then rename) are
handled by watching the manifest's directory. Rapid successive writes
are coalesced.`,
		Example: `  # Preview the plan on every save
  grove watch dev -f deploy/dev.cue

  # Continuously converge a development deployment
  grove watch dev -f deploy/dev.cue --apply --skip-verify`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deployment := args[0]
			out := cmd.OutOrStdout()

			app, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.openStore(ctx); err != nil {
				return err
			}
			if err := app.openPolicies(ctx, policyDir, disabledPolicies); err != nil {
				return err
			}
			if applyChanges {
				if err := app.openBackend(ctx); err != nil {
					return err
				}
			}

			absPath, err := filepath.Abs(manifestPath)
			if err != nil {
				return err
			}
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(absPath)); err != nil {
				return err
			}

			logger := app.logger.NewComponentLogger("watch").WithDeployment(deployment)

			iterate := func() {
				if err := watchIteration(ctx, cmd, app, deployment, absPath, applyChanges, parallelism, skipVerify); err != nil {
					logger.WithError(err).Warn("Iteration failed, still watching")
				}
			}

			fmt.Fprintf(out, "Watching %s for deployment %q (interrupt to stop)\n", manifestPath, deployment)
			iterate()

			// The timer starts stopped; a matching file event arms it, so
			// a burst of writes runs one iteration after the quiet period.
			timer := time.NewTimer(debounce)
			if !timer.Stop() {
				<-timer.C
			}
			defer timer.Stop()

			for {
				select {
				case <-ctx.Done():
					fmt.Fprintln(out, "\nStopped watching.")
					return nil
				case evt, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Base(evt.Name) != filepath.Base(absPath) {
						continue
					}
					if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
						continue
					}
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					logger.WithError(err).Warn("Watcher error")
				case <-timer.C:
					fmt.Fprintf(out, "\nManifest changed at %s\n", time.Now().Format(time.TimeOnly))
					iterate()
				}
			}
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "f", "", "deployment manifest path")
	cmd.Flags().BoolVar(&applyChanges, "apply", false, "apply every change instead of only planning")
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "quiet period before reacting to a change")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "skip post-creation health probes when applying")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "maximum concurrent operations (0 uses settings)")
	cmd.Flags().StringVar(&policyDir, "policy-dir", "", "policy directory (overrides the settings file)")
	cmd.Flags().StringSliceVar(&disabledPolicies, "disable-policy", nil, "policy name to skip (repeatable)")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

// watchIteration is one pass of the watch loop: reload, re-plan, gate,
// and with --apply, execute.
func watchIteration(ctx context.Context, cmd *cobra.Command, app *app, deployment, manifestPath string, applyChanges bool, parallelism int, skipVerify bool) error {
	out := cmd.OutOrStdout()

	manifest, err := app.loadManifest(ctx, manifestPath, deployment)
	if err != nil {
		return err
	}
	rp, err := app.buildApplyPlan(ctx, manifest)
	if err != nil {
		return err
	}
	if err := app.gate(ctx, rp); err != nil {
		return err
	}
	if err := printPlan(out, rp, jsonOutput); err != nil {
		return err
	}

	if !applyChanges || !rp.HasChanges() {
		return nil
	}

	executor := engine.NewExecutor(app.store, app.registry, app.eventSink())
	run, err := executor.Execute(ctx, rp, app.execOptions(parallelism, false, skipVerify))
	if err != nil {
		return err
	}
	if err := printRun(out, run, rp, jsonOutput); err != nil {
		return err
	}
	return runOutcome(run)
}

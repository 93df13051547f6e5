package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opengrove/opengrove/pkg/config"
	"github.com/opengrove/opengrove/pkg/state"
)

// settingsTemplate is the grove.yaml written by init. Commented-out
// sections document the optional surface without turning it on.
const settingsTemplate = `# OpenGrove settings.

# State database location.
state_path: .grove/state.db

# Adapter backend: azure or memory. The memory backend keeps resources
# in process, for rehearsal and tests.
backend: azure

# Default key vault for secret resources that do not name one.
# vault: my-vault

# Execution defaults.
parallelism: 4
max_attempts: 3
operation_timeout: 5m
verify_timeout: 30s

# Route backend CLI calls through an SSH bastion running the runner agent.
# bastion:
#   host: bastion.example.com
#   user: grove
#   private_key: ~/.ssh/id_ed25519
#   runner_path: /usr/local/bin/grove-runner

# WASM adapter plugins.
# plugins:
#   dir: ~/.grove/plugins
#   overrides: [registry]

# Extra policy rules evaluated before every mutation.
# policy:
#   dir: policies

telemetry:
  log_level: info
  log_format: console
  # metrics_addr: ":9090"
  # tracing:
  #   enabled: true
  #   endpoint: localhost:4317
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init DEPLOYMENT",
		Short: "Scaffold a workspace",
		Long: `Scaffold a workspace for a new deployment: a settings file, a starter
manifest to edit, and an initialized state database.

Existing files are left alone unless --force is set.`,
		Example: `  # Scaffold a workspace for the prod deployment
  grove init prod

  # Scaffold with the settings file somewhere else
  grove init prod --config /etc/grove/grove.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deployment := args[0]
			out := cmd.OutOrStdout()

			if configPath == "" {
				configPath = "grove.yaml"
			}
			if _, err := os.Stat(configPath); err == nil && !force {
				fmt.Fprintf(out, "✓ Settings file already exists: %s\n", configPath)
			} else {
				if err := os.WriteFile(configPath, []byte(settingsTemplate), 0o644); err != nil {
					return fmt.Errorf("writing settings file: %w", err)
				}
				fmt.Fprintf(out, "✓ Created settings file: %s\n", configPath)
			}

			manifestPath := filepath.Join("deploy", deployment+".cue")
			if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
				return fmt.Errorf("creating manifest directory: %w", err)
			}
			if _, err := os.Stat(manifestPath); err == nil && !force {
				fmt.Fprintf(out, "✓ Manifest already exists: %s\n", manifestPath)
			} else {
				if err := os.WriteFile(manifestPath, config.Starter(deployment), 0o644); err != nil {
					return fmt.Errorf("writing starter manifest: %w", err)
				}
				fmt.Fprintf(out, "✓ Created starter manifest: %s\n", manifestPath)
			}

			settings, err := config.LoadSettings(configPath)
			if err != nil {
				return err
			}
			if dir := filepath.Dir(settings.StatePath); dir != "." {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("creating state directory: %w", err)
				}
			}
			store, err := state.NewSQLiteStore(state.Config{Path: settings.StatePath})
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized state database: %s\n", settings.StatePath)

			fmt.Fprintf(out, "\nWorkspace ready.\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Describe your resources:\n")
			fmt.Fprintf(out, "     edit %s\n\n", manifestPath)
			fmt.Fprintf(out, "  2. Preview the plan:\n")
			fmt.Fprintf(out, "     grove plan %s -f %s\n\n", deployment, manifestPath)
			fmt.Fprintf(out, "  3. Provision:\n")
			fmt.Fprintf(out, "     grove apply %s -f %s\n", deployment, manifestPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing scaffold files")

	return cmd
}

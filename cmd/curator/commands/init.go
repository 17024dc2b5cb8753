package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencurator/opencurator/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a curator workspace",
		Long: `Initialize a new curator workspace with configuration, database, and
spool directories.

Creates the SQLite store, runs migrations, and writes a default config
file pointing at the created directories.`,
		Example: `  # Initialize a workspace in ./data
  curator init

  # Initialize with a custom data directory and config path
  curator init --data-dir /var/lib/curator --config /etc/curator/curator.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("data_dir", dataDir).
				Str("config", configPath).
				Msg("Initializing workspace")

			ctx := context.Background()

			fmt.Printf("Initializing curator workspace in %s\n\n", dataDir)

			dirs := []string{
				dataDir,
				filepath.Join(dataDir, "artifacts"),
				filepath.Join(dataDir, "evidence"),
				filepath.Join(dataDir, "spool", "outbox"),
				filepath.Join(dataDir, "spool", "status"),
				filepath.Join(dataDir, "policies"),
			}

			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s\n", dir)
			}

			dbPath := filepath.Join(dataDir, "curator.db")
			store, err := stores.NewSQLiteStore(stores.Config{
				Path: dbPath,
			})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}

			if err := store.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			defer func() { _ = store.Close() }()

			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}

			fmt.Printf("✓ Initialized SQLite database: %s\n", dbPath)

			defaultConfig := `# Curator Configuration

store:
  path: %s

artifacts:
  backend: local
  root: %s

evidence:
  root: %s

executor:
  outbox_dir: %s
  status_dir: %s

sweep:
  interval: 5m
  max_parallel: 4
  stuck_factor: 6
  max_running_intensive: 1

telemetry:
  log_level: info
  log_format: console
  metrics_enabled: false
  metrics_address: ":9090"
`
			configContent := fmt.Sprintf(defaultConfig,
				dbPath,
				filepath.Join(dataDir, "artifacts"),
				filepath.Join(dataDir, "evidence"),
				filepath.Join(dataDir, "spool", "outbox"),
				filepath.Join(dataDir, "spool", "status"),
			)

			if _, err := os.Stat(configPath); err == nil {
				fmt.Printf("  Config file already exists, leaving it alone: %s\n", configPath)
			} else {
				if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", configPath)
			}

			fmt.Println("\nWorkspace initialized. Next steps:")
			fmt.Println("  1. Register targets:  curator target import targets.cue")
			fmt.Println("  2. Run a sweep:       curator sweep --once")

			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "workspace data directory")

	return cmd
}

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// Build version, recorded on telemetry resources.
	buildVersion = "dev"
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version
	rootCmd := &cobra.Command{
		Use:   "curator",
		Short: "Curator - Package Lifecycle Engine",
		Long: `Curator tracks research targets and drives versioned collection
packages through their lifecycle: synthesis, validation, handoff to an
external executor, output reconciliation, and closure.

The engine never collects anything itself. It plans, validates, hands
off, and audits; the executor does the heavy lifting on its own
schedule.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "curator.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newTargetCommand())
	rootCmd.AddCommand(newPackageCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newReportCommand())

	return rootCmd
}

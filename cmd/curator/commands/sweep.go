package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencurator/opencurator/pkg/engine"
)

func newSweepCommand() *cobra.Command {
	var (
		once     bool
		interval time.Duration
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the lifecycle sweep loop",
		Long: `Run the Targeting Officer sweep loop.

Each sweep synthesizes packages for targets that need one and advances
every package as far as its guards allow. Sweeps are re-entrant: a
crashed or interrupted sweep is simply rerun.

With --watch, executor status reports arriving in the spool directory
trigger an immediate sweep between intervals, so completed tasks are
picked up without waiting out the timer.`,
		Example: `  # One sweep, then exit
  curator sweep --once

  # Continuous sweeping at the configured interval
  curator sweep

  # React to executor status reports as they land
  curator sweep --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.metrics.StartMetricsServer(); err != nil {
				return fmt.Errorf("failed to start metrics server: %w", err)
			}

			ctx := cmd.Context()
			if once {
				report, err := rt.sweep(ctx)
				if err != nil {
					return err
				}
				return printSweepReport(report)
			}

			if interval <= 0 {
				interval = rt.cfg.Sweep.Interval
			}

			var wake <-chan time.Time
			if watch {
				watcher, err := fsnotify.NewWatcher()
				if err != nil {
					return fmt.Errorf("failed to create watcher: %w", err)
				}
				defer func() { _ = watcher.Close() }()
				if err := watcher.Add(rt.spool.StatusDir()); err != nil {
					return fmt.Errorf("failed to watch status directory: %w", err)
				}
				wake = statusReportEvents(ctx, watcher)
			}

			log.Info().
				Dur("interval", interval).
				Bool("watch", watch).
				Msg("Starting sweep loop")

			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				report, err := rt.sweep(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				log.Info().
					Str("sweep", report.SweepID).
					Int("transitions", report.Transitions).
					Int("errors", len(report.Errors)).
					Msg("Sweep completed")

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				case <-wake:
					// Drain the tick that may have accumulated so a burst of
					// status reports does not queue redundant sweeps.
					select {
					case <-ticker.C:
					default:
					}
				}
			}
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	cmd.Flags().DurationVar(&interval, "interval", 0, "sweep interval (default from config)")
	cmd.Flags().BoolVar(&watch, "watch", false, "sweep immediately when executor status reports arrive")

	return cmd
}

// statusReportEvents funnels status-file writes into a coalesced wake
// channel. Only *.status.json files count; the executor's temp files and
// editor noise are ignored.
func statusReportEvents(ctx context.Context, watcher *fsnotify.Watcher) <-chan time.Time {
	wake := make(chan time.Time, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !isStatusReport(event.Name) {
					continue
				}
				select {
				case wake <- time.Now():
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Watcher error")
			}
		}
	}()
	return wake
}

func isStatusReport(path string) bool {
	base := filepath.Base(path)
	return filepath.Ext(base) == ".json" && filepath.Ext(base[:len(base)-len(".json")]) == ".status"
}

func printSweepReport(report *engine.CycleReport) error {
	if jsonOutput {
		return printJSON(report)
	}

	fmt.Printf("Sweep %s finished in %s\n", report.SweepID, report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Printf("  Targets scanned: %d\n", report.TargetsScanned)
	fmt.Printf("  Transitions:     %d\n", report.Transitions)
	if len(report.CreatedPackages) > 0 {
		fmt.Printf("  Created:         %v\n", report.CreatedPackages)
	}
	if len(report.ClosedPackages) > 0 {
		fmt.Printf("  Closed:          %v\n", report.ClosedPackages)
	}
	if len(report.FailedPackages) > 0 {
		fmt.Printf("  Failed:          %v\n", report.FailedPackages)
	}
	if len(report.DeferredPackages) > 0 {
		fmt.Printf("  Deferred:        %v\n", report.DeferredPackages)
	}
	if len(report.StuckPackages) > 0 {
		fmt.Printf("  Stuck:           %v\n", report.StuckPackages)
	}
	if len(report.StateCounts) > 0 {
		fmt.Println("  Packages per state:")
		for _, state := range engine.AllPackageStates() {
			if n := report.StateCounts[state]; n > 0 {
				fmt.Printf("    %-17s %d\n", state, n)
			}
		}
	}
	for _, e := range report.Errors {
		fmt.Printf("  Error: %s\n", e)
	}
	return nil
}

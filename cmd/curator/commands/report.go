package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opencurator/opencurator/pkg/engine"
)

func newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Sweep cycle reports",
		Long: `Inspect the cycle reports persisted after each sweep.

Reports are stored in the audit log under the "sweep.completed" action,
newest first.`,
	}

	cmd.AddCommand(newReportListCommand())
	cmd.AddCommand(newReportShowCommand())

	return cmd
}

func newReportListCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent sweep reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			action := "sweep.completed"
			entries, err := rt.store.ListAuditEntries(cmd.Context(), &action, limit, 0)
			if err != nil {
				return err
			}

			reports := make([]*engine.CycleReport, 0, len(entries))
			for _, entry := range entries {
				report, err := decodeCycleReport(entry)
				if err != nil {
					return err
				}
				reports = append(reports, report)
			}

			if jsonOutput {
				return printJSON(reports)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SWEEP\tSTARTED\tSCANNED\tTRANSITIONS\tCREATED\tFAILED\tERRORS")
			for _, r := range reports {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
					r.SweepID, r.StartedAt.Format("2006-01-02 15:04:05"),
					r.TargetsScanned, r.Transitions,
					len(r.CreatedPackages), len(r.FailedPackages), len(r.Errors))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of reports to list")

	return cmd
}

func newReportShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <sweep-id>",
		Short: "Show one sweep report in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			action := "sweep.completed"
			entries, err := rt.store.ListAuditEntries(cmd.Context(), &action, 0, 0)
			if err != nil {
				return err
			}

			for _, entry := range entries {
				if entry.EntityID == nil || *entry.EntityID != args[0] {
					continue
				}
				report, err := decodeCycleReport(entry)
				if err != nil {
					return err
				}
				return printSweepReport(report)
			}

			return fmt.Errorf("no report for sweep %s: %w", args[0], engine.ErrNotFound)
		},
	}

	return cmd
}

func decodeCycleReport(entry *engine.AuditEntry) (*engine.CycleReport, error) {
	if entry.Details == nil {
		return nil, fmt.Errorf("audit entry %d has no report payload", entry.ID)
	}
	var report engine.CycleReport
	if err := json.Unmarshal([]byte(*entry.Details), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report from audit entry %d: %w", entry.ID, err)
	}
	return &report, nil
}

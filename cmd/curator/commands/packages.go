package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencurator/opencurator/pkg/engine"
)

func newPackageCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "package",
		Short: "Collection package inspection and control",
		Long: `Inspect and control collection packages.

Packages move through the lifecycle automatically during sweeps; the
subcommands here are for inspection and for operator intervention, such
as failing a package that is stuck at the executor.`,
	}

	cmd.AddCommand(newPackageListCommand())
	cmd.AddCommand(newPackageShowCommand())
	cmd.AddCommand(newPackageHistoryCommand())
	cmd.AddCommand(newPackageFailCommand())

	return cmd
}

func newPackageListCommand() *cobra.Command {
	var (
		state    string
		targetID string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List packages by state or target",
		Example: `  # List everything waiting on the executor
  curator package list --state running

  # List all packages for one target
  curator package list --target acme-corp`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if state == "" && targetID == "" {
				return fmt.Errorf("one of --state or --target is required")
			}

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			var packages []*engine.Package
			if targetID != "" {
				packages, err = rt.store.ListPackagesByTarget(ctx, targetID)
			} else {
				st := engine.PackageState(state)
				if err := st.Validate(); err != nil {
					return err
				}
				packages, err = rt.store.ListPackagesByState(ctx, st)
			}
			if err != nil {
				return err
			}

			if state != "" && targetID != "" {
				filtered := packages[:0]
				for _, p := range packages {
					if string(p.State) == state {
						filtered = append(filtered, p)
					}
				}
				packages = filtered
			}

			if jsonOutput {
				return printJSON(packages)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTARGET\tVERSION\tKIND\tSTATE\tVALIDATION\tRETRIES")
			for _, p := range packages {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%d\n",
					p.ID, p.TargetID, p.Version, p.Kind, p.State, p.ValidationLevel, p.RetryCount)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "filter by lifecycle state")
	cmd.Flags().StringVar(&targetID, "target", "", "filter by target id")

	return cmd
}

func newPackageShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a package, its handoffs, and its output manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			pkg, err := rt.store.GetPackage(ctx, args[0])
			if err != nil {
				return err
			}
			handoffs, err := rt.store.ListHandoffsByPackage(ctx, pkg.ID)
			if err != nil {
				return err
			}
			manifest, err := rt.store.ListManifestByPackage(ctx, pkg.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"package":  pkg,
					"handoffs": handoffs,
					"manifest": manifest,
				})
			}

			fmt.Printf("Package:     %s\n", pkg.ID)
			fmt.Printf("Target:      %s\n", pkg.TargetID)
			fmt.Printf("Version:     %d\n", pkg.Version)
			fmt.Printf("Kind:        %s\n", pkg.Kind)
			fmt.Printf("State:       %s\n", pkg.State)
			fmt.Printf("Validation:  %s\n", pkg.ValidationLevel)
			fmt.Printf("Retries:     %d\n", pkg.RetryCount)
			fmt.Printf("Plan:        %s\n", pkg.PlanSummary)
			fmt.Println("Endpoints:")
			for _, ep := range pkg.Endpoints {
				fmt.Printf("  %s\n", ep)
			}
			fmt.Println("Expected outputs:")
			for _, out := range pkg.ExpectedOutputs {
				fmt.Printf("  %s (%s)\n", out.Path, out.Kind)
			}
			for k, v := range pkg.Metadata {
				fmt.Printf("  %s: %s\n", k, v)
			}

			if len(handoffs) > 0 {
				fmt.Println("\nHandoffs:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  ID\tSTATUS\tSUBMITTED\tCOMPLETED")
				for _, h := range handoffs {
					completed := "-"
					if h.CompletedAt != nil {
						completed = h.CompletedAt.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n",
						h.ID, h.Status, h.SubmittedAt.Format("2006-01-02 15:04:05"), completed)
				}
				_ = w.Flush()
			}

			if len(manifest) > 0 {
				fmt.Println("\nManifest:")
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "  PATH\tSTATUS\tKIND\tERROR")
				for _, m := range manifest {
					kind := "-"
					if m.ObservedKind != nil {
						kind = string(*m.ObservedKind)
					}
					detail := "-"
					if m.Error != nil {
						detail = *m.Error
					}
					fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", m.ExpectedPath, m.Status, kind, detail)
				}
				_ = w.Flush()
			}

			return nil
		},
	}

	return cmd
}

func newPackageHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the transition history of a package",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			entries, err := rt.store.ListHistoryByPackage(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tFROM\tTO\tACTOR\tREASON")
			for _, e := range entries {
				from := string(e.FromState)
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Format("2006-01-02 15:04:05"), from, e.ToState, e.Actor, e.Reason)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newPackageFailCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail a package manually",
		Long: `Fail a package manually, typically one stuck at the executor.

The reason is recorded verbatim and is what the failure classifier sees
on the next sweep, so word it accordingly: a transient-sounding reason
("executor timeout") resubmits the package, a permanent-sounding one
("source removed") replans at the next version.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Fail a stuck package so the next sweep resubmits it
  curator package fail acme-corp-v3 --reason "executor timeout, manually failed"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			pkg, err := rt.store.GetPackage(ctx, args[0])
			if err != nil {
				return err
			}

			if _, err := rt.machine.Fail(ctx, pkg, reason, "operator", nil); err != nil {
				return err
			}

			log.Info().Str("package", pkg.ID).Str("reason", reason).Msg("Package failed by operator")
			fmt.Printf("✓ Failed package %s\n", pkg.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "failure reason (required)")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

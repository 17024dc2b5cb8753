package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencurator/opencurator/pkg/config"
	"github.com/opencurator/opencurator/pkg/engine"
)

func newTargetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Target registration and management",
		Long: `Register and manage research targets.

Targets are the subjects collection packages are generated for. Each
target holds at most one live package at a time; the sweep loop
synthesizes new packages for targets that need one.`,
	}

	cmd.AddCommand(newTargetAddCommand())
	cmd.AddCommand(newTargetImportCommand())
	cmd.AddCommand(newTargetListCommand())
	cmd.AddCommand(newTargetShowCommand())
	cmd.AddCommand(newTargetCloseCommand())

	return cmd
}

func newTargetAddCommand() *cobra.Command {
	var (
		name        string
		category    string
		priority    int
		description string
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a single target",
		Args:  cobra.ExactArgs(1),
		Example: `  # Register a high-priority organization
  curator target add acme-corp --name "Acme Corp" --category org --priority 1

  # Register a person with a description that steers plan generation
  curator target add jane-doe --name "Jane Doe" --category person --priority 3 \
    --description "weekly podcast interviews"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			now := time.Now().UTC()
			target := &engine.Target{
				ID:        args[0],
				Name:      name,
				Category:  engine.TargetCategory(category),
				Priority:  priority,
				Status:    engine.TargetStatusNew,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if description != "" {
				target.Metadata = map[string]string{"description": description}
			}
			if err := target.Category.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := rt.store.CreateTarget(ctx, target); err != nil {
				return fmt.Errorf("failed to create target: %w", err)
			}

			entityID := target.ID
			if err := rt.store.CreateAuditEntry(ctx, &engine.AuditEntry{
				Action:    "target.created",
				Actor:     "operator",
				EntityID:  &entityID,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("failed to record audit entry: %w", err)
			}

			log.Info().Str("target", target.ID).Msg("Target registered")
			fmt.Printf("✓ Registered target %s (%s, priority %d)\n", target.ID, target.Category, target.Priority)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "human-readable name (required)")
	cmd.Flags().StringVar(&category, "category", "", "target category: person, org, event, location, tech, operation (required)")
	cmd.Flags().IntVar(&priority, "priority", 3, "collection priority, 1 is highest")
	cmd.Flags().StringVar(&description, "description", "", "free-form description used for plan generation")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("category")

	return cmd
}

func newTargetImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.cue>",
		Short: "Import targets from a CUE seed file",
		Long: `Import targets from a CUE seed file.

The file is validated against the target schema before any target is
registered. Targets that already exist are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Import a seed file
  curator target import targets.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			parser := config.NewSeedParser()
			targets, err := parser.ParseFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to parse seed file: %w", err)
			}

			ctx := cmd.Context()
			created, skipped := 0, 0
			for _, target := range targets {
				if _, err := rt.store.GetTarget(ctx, target.ID); err == nil {
					fmt.Printf("  Target %s already exists, skipping\n", target.ID)
					skipped++
					continue
				} else if !engine.IsNotFound(err) {
					return err
				}

				if err := rt.store.CreateTarget(ctx, target); err != nil {
					return fmt.Errorf("failed to create target %s: %w", target.ID, err)
				}
				entityID := target.ID
				if err := rt.store.CreateAuditEntry(ctx, &engine.AuditEntry{
					Action:    "target.created",
					Actor:     "operator",
					EntityID:  &entityID,
					Timestamp: time.Now().UTC(),
				}); err != nil {
					return fmt.Errorf("failed to record audit entry: %w", err)
				}
				fmt.Printf("✓ Registered target %s\n", target.ID)
				created++
			}

			log.Info().Int("created", created).Int("skipped", skipped).Msg("Seed import finished")
			fmt.Printf("\nImported %d targets (%d skipped)\n", created, skipped)
			return nil
		},
	}

	return cmd
}

func newTargetListCommand() *cobra.Command {
	var (
		statusFilter string
		limit        int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered targets",
		Example: `  # List all targets
  curator target list

  # List targets still under research
  curator target list --status under_research`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var statuses []engine.TargetStatus
			if statusFilter != "" {
				status := engine.TargetStatus(statusFilter)
				if err := status.Validate(); err != nil {
					return err
				}
				statuses = []engine.TargetStatus{status}
			}

			targets, err := rt.store.ListTargets(cmd.Context(), statuses, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(targets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tPRIORITY\tSTATUS")
			for _, t := range targets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", t.ID, t.Name, t.Category, t.Priority, t.Status)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status: new, under_research, validated, closed")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of targets to list (0 = all)")

	return cmd
}

func newTargetShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a target and its packages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			target, err := rt.store.GetTarget(ctx, args[0])
			if err != nil {
				return err
			}
			packages, err := rt.store.ListPackagesByTarget(ctx, target.ID)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"target":   target,
					"packages": packages,
				})
			}

			fmt.Printf("Target:    %s\n", target.ID)
			fmt.Printf("Name:      %s\n", target.Name)
			fmt.Printf("Category:  %s\n", target.Category)
			fmt.Printf("Priority:  %d\n", target.Priority)
			fmt.Printf("Status:    %s\n", target.Status)
			for k, v := range target.Metadata {
				fmt.Printf("  %s: %s\n", k, v)
			}

			if len(packages) == 0 {
				fmt.Println("\nNo packages yet.")
				return nil
			}

			fmt.Println("\nPackages:")
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  ID\tVERSION\tKIND\tSTATE\tVALIDATION\tRETRIES")
			for _, p := range packages {
				fmt.Fprintf(w, "  %s\t%d\t%s\t%s\t%s\t%d\n",
					p.ID, p.Version, p.Kind, p.State, p.ValidationLevel, p.RetryCount)
			}
			return w.Flush()
		},
	}

	return cmd
}

func newTargetCloseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a target so no further packages are synthesized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			target, err := rt.store.GetTarget(ctx, args[0])
			if err != nil {
				return err
			}

			if live, err := rt.store.GetLivePackage(ctx, target.ID); err == nil {
				return fmt.Errorf("target %s still has live package %s in state %s; fail or finish it first",
					target.ID, live.ID, live.State)
			} else if !engine.IsNotFound(err) {
				return err
			}

			if err := rt.store.UpdateTargetStatus(ctx, target.ID, engine.TargetStatusClosed); err != nil {
				return err
			}

			entityID := target.ID
			if err := rt.store.CreateAuditEntry(ctx, &engine.AuditEntry{
				Action:    "target.closed",
				Actor:     "operator",
				EntityID:  &entityID,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("failed to record audit entry: %w", err)
			}

			fmt.Printf("✓ Closed target %s\n", target.ID)
			return nil
		},
	}

	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

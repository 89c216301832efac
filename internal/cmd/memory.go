package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/taskpilot/internal/memory"
	"github.com/harrison/taskpilot/internal/models"
)

// NewMemoryCommand creates the memory command with its subcommands
func NewMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain experience memory",
		Long: `Memory commands work on the persisted episodic and semantic memory tiers.
They require learning to be enabled so records survive between runs.`,
	}
	cmd.PersistentFlags().String("config", "", "Path to config file (default: .taskpilot/config.yaml)")

	cmd.AddCommand(newMemoryStatsCommand())
	cmd.AddCommand(newMemoryConsolidateCommand())
	cmd.AddCommand(newMemoryExportCommand())
	return cmd
}

func newMemoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show memory tier sizes and archive statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				st := a.memory.Stats()
				fmt.Fprintf(out, "%s\n", color.New(color.Bold).Sprint("Memory"))
				fmt.Fprintf(out, "  Episodic:        %d / %d\n", st.Episodic, a.cfg.Memory.ShortTermCapacity)
				fmt.Fprintf(out, "  Semantic:        %d / %d\n", st.Semantic, a.cfg.Memory.LongTermCapacity)
				fmt.Fprintf(out, "  Mean importance: %.2f\n", st.MeanImportance)
				fmt.Fprintf(out, "  Protected:       %d\n", st.Protected)
				if st.OverCapacity {
					fmt.Fprintf(out, "  %s\n", color.YellowString("over capacity: run 'taskpilot memory consolidate'"))
				}

				if a.store == nil {
					return nil
				}
				es, err := a.store.GetExperienceStats(ctx)
				if err != nil {
					return fmt.Errorf("read experience stats: %w", err)
				}
				fmt.Fprintf(out, "\n%s\n", color.New(color.Bold).Sprint("Archive"))
				fmt.Fprintf(out, "  Experiences:  %d\n", es.Total)
				fmt.Fprintf(out, "  Succeeded:    %d\n", es.Succeeded)
				fmt.Fprintf(out, "  Mean quality: %.2f\n", es.MeanQuality)

				latest, err := a.store.GetLatestVersion()
				if err != nil {
					return fmt.Errorf("read schema version: %w", err)
				}
				versions, err := a.store.GetAppliedVersions()
				if err != nil {
					return fmt.Errorf("read schema history: %w", err)
				}
				fmt.Fprintf(out, "  Schema:       v%d (%d migrations, %s)\n", latest, len(versions), a.store.Path())
				return nil
			})
		},
	}
}

func newMemoryConsolidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Promote or prune old episodic memories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				name, _ := cmd.Flags().GetString("strategy")
				if name == "" {
					name = a.cfg.Memory.Strategy
				}
				strategy, ok := models.ParseConsolidationStrategy(name)
				if !ok {
					return fmt.Errorf("unknown consolidation strategy %q", name)
				}
				olderThan := a.cfg.Memory.ConsolidationAge
				if d, err := durationFlag(cmd, "older-than"); err != nil {
					return err
				} else if d != nil {
					olderThan = *d
				}

				report, err := a.memory.Consolidate(ctx, olderThan, strategy)
				if err != nil && !memory.IsCapacityError(err) {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Consolidated with %s in %s\n", report.Strategy, report.Duration.Round(time.Millisecond))
				fmt.Fprintf(out, "  Candidates: %d\n", report.Candidates)
				fmt.Fprintf(out, "  Promoted:   %d (into %d semantic)\n", report.Promoted, report.SemanticCreated)
				fmt.Fprintf(out, "  Pruned:     %d\n", report.Pruned)
				fmt.Fprintf(out, "  Evicted:    %d episodic, %d semantic\n", report.EvictedEpisodic, report.EvictedSemantic)
				if err != nil {
					fmt.Fprintf(out, "  %s %v\n", color.YellowString("warning:"), err)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("strategy", "", "compress, abstract, hierarchical or prune (default: config)")
	cmd.Flags().String("older-than", "", "Only consolidate records older than this (default: config)")
	return cmd
}

func newMemoryExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export <path>",
		Short: "Write both memory tiers to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.memory.Export(ctx, args[0]); err != nil {
					return fmt.Errorf("export memory: %w", err)
				}
				st := a.memory.Stats()
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %d episodic and %d semantic records to %s\n",
					st.Episodic, st.Semantic, args[0])
				return nil
			})
		},
	}
}

// withApp loads the configuration, builds the application without a run log
// and passes it to fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, cmd.OutOrStdout(), appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	if !cfg.Learning.Enabled {
		a.log.LogWarn("learning is disabled; memory and skills will not outlive this command")
	}
	return fn(ctx, a)
}

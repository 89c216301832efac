package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/taskpilot/internal/executor"
	"github.com/harrison/taskpilot/internal/models"
)

// NewPlanCommand creates the plan command
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Generate a plan without executing it",
		Long: `Plan asks the planner for a plan and prints its steps together with the
execution levels the dependency analyzer derives from their references.
Nothing is executed and nothing is learned.`,
		Args: cobra.ExactArgs(1),
		RunE: planCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .taskpilot/config.yaml)")
	cmd.Flags().String("context", "", "Extra context passed to the planner")
	cmd.Flags().String("model", "", "Model used for planning")

	return cmd
}

func planCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("model") {
		cfg.LLM.Model, _ = cmd.Flags().GetString("model")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()
	a, err := newApp(ctx, cfg, out, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	planContext, _ := cmd.Flags().GetString("context")
	plan, err := a.planner.Plan(ctx, args[0], planContext)
	if err != nil {
		return err
	}
	graph, err := executor.BuildGraph(plan)
	if err != nil {
		return fmt.Errorf("plan %s is not executable: %w", plan.ID, err)
	}
	printPlan(out, plan, graph)
	return nil
}

// printPlan writes the steps of plan followed by its execution levels.
func printPlan(w io.Writer, plan models.Plan, graph *executor.DependencyGraph) {
	bold := color.New(color.Bold)
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Plan"), plan.ID)
	fmt.Fprintf(w, "Goal: %s\n\n", plan.Goal)

	for _, st := range plan.Steps {
		line := fmt.Sprintf("  %-8s %-12s confidence %.2f", st.ID, st.Action, st.Confidence)
		if !st.Required {
			line += " (optional)"
		}
		if st.SkillName != "" {
			line += color.CyanString(" [skill %s]", st.SkillName)
		}
		fmt.Fprintln(w, line)
		if deps := graph.Deps[st.ID]; len(deps) > 0 {
			fmt.Fprintf(w, "           after %s\n", strings.Join(deps, ", "))
		}
	}

	fmt.Fprintf(w, "\n%s\n", bold.Sprint("Levels"))
	for i, level := range graph.Levels {
		fmt.Fprintf(w, "  %d: %s\n", i+1, strings.Join(level, ", "))
	}
}

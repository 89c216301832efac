package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harrison/taskpilot/internal/orchestrator"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Plan, execute, verify and learn from a goal",
		Long: `Run decomposes a natural-language goal into a plan of tool steps,
executes independent steps in parallel, grades the result and stores the
experience. Unverified runs are re-planned with the verifier's feedback.

Configuration is loaded from .taskpilot/config.yaml if present.
CLI flags override configuration file settings.

Examples:
  taskpilot run "compute (7+5)*2"
  taskpilot run --max-parallelism 8 --timeout 2m "summarize the release notes"
  taskpilot run --context "prefer the search tool" "find the config docs"
  taskpilot run --metrics-file run.prom "compute 2+2"`,
		Args: cobra.ExactArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .taskpilot/config.yaml)")
	cmd.Flags().String("context", "", "Extra context passed to the planner")
	cmd.Flags().Int("max-parallelism", 0, "Maximum concurrent steps per level (0 = whole level)")
	cmd.Flags().String("timeout", "", "Maximum plan execution time (e.g., 30s, 5m)")
	cmd.Flags().String("log-dir", "", "Directory for log files")
	cmd.Flags().String("log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.Flags().String("model", "", "Model used for planning, grading and skill naming")
	cmd.Flags().Bool("fail-fast", false, "Stop after the first failed required step")
	cmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this file after the run")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var maxParallelismPtr *int
	if cmd.Flags().Changed("max-parallelism") {
		v, _ := cmd.Flags().GetInt("max-parallelism")
		maxParallelismPtr = &v
	}
	timeoutPtr, err := durationFlag(cmd, "timeout")
	if err != nil {
		return err
	}
	var logDirPtr, logLevelPtr, modelPtr *string
	if cmd.Flags().Changed("log-dir") {
		v, _ := cmd.Flags().GetString("log-dir")
		logDirPtr = &v
	}
	if cmd.Flags().Changed("log-level") {
		v, _ := cmd.Flags().GetString("log-level")
		logLevelPtr = &v
	}
	if cmd.Flags().Changed("model") {
		v, _ := cmd.Flags().GetString("model")
		modelPtr = &v
	}
	var failFastPtr *bool
	if cmd.Flags().Changed("fail-fast") {
		v, _ := cmd.Flags().GetBool("fail-fast")
		failFastPtr = &v
	}

	cfg.MergeWithFlags(maxParallelismPtr, timeoutPtr, logDirPtr, logLevelPtr, modelPtr, failFastPtr)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	out := cmd.OutOrStdout()
	a, err := newApp(ctx, cfg, out, appOptions{runLog: true})
	if err != nil {
		return err
	}
	defer a.Close()

	goal := args[0]
	planContext, _ := cmd.Flags().GetString("context")
	a.log.LogInfo(fmt.Sprintf("goal: %s", goal))

	run := a.orch.Run(ctx, goal, planContext)
	for i, attempt := range run.Attempts {
		printAttempt(out, i+1, attempt)
		a.log.LogSummary(attempt.Execution)
		a.log.LogVerification(attempt.Verification)
	}

	if metricsFile, _ := cmd.Flags().GetString("metrics-file"); metricsFile != "" {
		if err := prometheus.WriteToTextfile(metricsFile, a.registry); err != nil {
			a.log.LogWarn(fmt.Sprintf("write metrics to %s: %v", metricsFile, err))
		}
	}

	if run.Err != nil {
		return fmt.Errorf("run failed: %w", run.Err)
	}
	last, _ := run.Last()
	if !run.Verified() {
		return fmt.Errorf("goal not verified after %d attempt(s) (quality %.2f)",
			len(run.Attempts), last.Verification.QualityScore)
	}
	fmt.Fprintf(out, "\n%s %v\n", color.New(color.Bold).Sprint("Result:"), last.Execution.FinalOutput)
	return nil
}

// printAttempt writes the plan and learning outcome of one attempt.
func printAttempt(w io.Writer, n int, attempt orchestrator.Attempt) {
	fmt.Fprintf(w, "\n%s\n", color.New(color.Bold).Sprintf("Attempt %d: plan %s", n, attempt.Plan.ID))
	for _, st := range attempt.Plan.Steps {
		line := fmt.Sprintf("  %s %s", st.ID, st.Action)
		if st.ExpectedOutputKey != "" {
			line += " -> " + st.ExpectedOutputKey
		}
		if st.SkillName != "" {
			line += color.CyanString(" [skill %s]", st.SkillName)
		}
		fmt.Fprintln(w, line)
	}
	if attempt.ExecuteErr != nil {
		fmt.Fprintf(w, "  %s %v\n", color.YellowString("execution:"), attempt.ExecuteErr)
	}

	report := attempt.Learn.Report
	if report.Skill != "" {
		verb := "learned"
		if report.SkillMerged {
			verb = "reinforced"
		}
		fmt.Fprintf(w, "  %s skill %s\n", verb, report.Skill)
	}
	if c := report.Consolidation; c != nil {
		fmt.Fprintf(w, "  consolidated memory: %d promoted, %d pruned\n", c.Promoted, c.Pruned)
	}
	if attempt.Learn.Err != nil {
		fmt.Fprintf(w, "  %s %v\n", color.YellowString("learning:"), attempt.Learn.Err)
	}
}

package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for taskpilot
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taskpilot",
		Short: "Autonomous task orchestration with memory and skills",
		Long: `Taskpilot turns natural-language goals into plans of tool steps,
runs independent steps in parallel and grades every result.

Verified runs are remembered as experiences and distilled into reusable
skills, so later plans for similar goals start from what already worked.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	// Add subcommands
	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewMemoryCommand())
	cmd.AddCommand(NewSkillsCommand())

	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/taskpilot/internal/skills"
)

// NewSkillsCommand creates the skills command with its subcommands
func NewSkillsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List and compose learned skills",
	}
	cmd.PersistentFlags().String("config", "", "Path to config file (default: .taskpilot/config.yaml)")

	cmd.AddCommand(newSkillsListCommand())
	cmd.AddCommand(newSkillsComposeCommand())
	return cmd
}

func newSkillsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered skills by name",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				list := a.skills.List()
				if len(list) == 0 {
					fmt.Fprintln(out, "No skills learned yet")
					return nil
				}

				fmt.Fprintf(out, "%s\n", color.New(color.Bold).Sprintf("%-32s %8s %6s  %s", "NAME", "SUCCESS", "USES", "STEPS"))
				for _, s := range list {
					actions := make([]string, 0, len(s.ParameterizedSteps))
					for _, st := range s.ParameterizedSteps {
						actions = append(actions, st.Action)
					}
					rate := fmt.Sprintf("%7.0f%%", s.SuccessRate*100)
					switch {
					case s.SuccessRate >= 0.8:
						rate = color.GreenString(rate)
					case s.SuccessRate < 0.5:
						rate = color.RedString(rate)
					}
					fmt.Fprintf(out, "%-32s %s %6d  %s\n", s.Name, rate, s.UsageCount, strings.Join(actions, " > "))
					if s.IsComposite() {
						fmt.Fprintf(out, "%-32s composed of %s\n", "", strings.Join(s.Components, ", "))
					}
				}
				return nil
			})
		},
	}
}

func newSkillsComposeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compose <name> <component>...",
		Short: "Register a composite skill that runs components in order",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				description, _ := cmd.Flags().GetString("description")
				skill, err := skills.NewComposer(a.cfg.Skills, a.skills).Compose(ctx, args[0], description, args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Composed %s from %s (%d steps, success rate %.2f)\n",
					skill.Name, strings.Join(skill.Components, ", "), len(skill.ParameterizedSteps), skill.SuccessRate)
				return nil
			})
		},
	}
	cmd.Flags().String("description", "", "Description of the composite skill")
	return cmd
}

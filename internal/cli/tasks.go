package cli

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func newTasksCmd(a *app) *cobra.Command {
	var sessionID string
	var stats, running, summary bool

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks created from approved requirements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch {
			case running:
				list, err := a.client.RunningTasks(cmd.Context())
				if err != nil {
					return fmt.Errorf("running tasks: %w", err)
				}
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderRunning(list, a.styles))
				return err
			case summary:
				if sessionID == "" {
					return errors.New("--summary needs --session")
				}
				sum, err := a.client.TaskSummary(cmd.Context(), sessionID)
				if err != nil {
					return fmt.Errorf("task summary: %w", err)
				}
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), sum)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderSummary(sum, a.styles))
				return err
			}

			tasks, err := a.client.Tasks(cmd.Context(), sessionID)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if !stats {
				if a.asJSON {
					return writeJSON(cmd.OutOrStdout(), tasks)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), renderTasks(tasks, a.styles))
				return err
			}

			summary, err := a.client.TaskStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("task stats: %w", err)
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"tasks": tasks, "stats": summary})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), lipgloss.JoinVertical(lipgloss.Left,
				renderTasks(tasks, a.styles),
				a.styles.section.Render(renderStats(summary, a.styles))))
			return err
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Session ID (default: all sessions)")
	cmd.Flags().BoolVar(&stats, "stats", false, "Include counts by status, priority and type")
	cmd.Flags().BoolVar(&running, "running", false, "List only tasks in progress, across sessions")
	cmd.Flags().BoolVar(&summary, "summary", false, "Summarize the tasks of --session")
	cmd.MarkFlagsMutuallyExclusive("running", "summary", "stats")

	return cmd
}

func newArchitectureCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "architecture <session-id>",
		Short: "Show the architecture derived from an approved requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, err := a.client.Architecture(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), arch)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderArchitecture(arch, a.styles))
			return err
		},
	}
}

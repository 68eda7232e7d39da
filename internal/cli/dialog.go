package cli

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/session"
)

type viewOutput struct {
	SessionID    string           `json:"session_id"`
	State        dialog.State     `json:"state"`
	Progress     int              `json:"progress"`
	Answered     int              `json:"answered"`
	Total        int              `json:"total"`
	Pending      *dialog.Question `json:"pending,omitempty"`
	Requirement  map[string]any   `json:"requirement,omitempty"`
	CancelReason string           `json:"cancel_reason,omitempty"`
	Tasks        []backend.Task   `json:"tasks,omitempty"`
}

func (a *app) show(cmd *cobra.Command, s *session.Session) error {
	v := s.Dialog.Snapshot()
	tasks := s.Coordinator.Tasks()
	if a.asJSON {
		return writeJSON(cmd.OutOrStdout(), viewOutput{
			SessionID:    s.ID(),
			State:        v.State,
			Progress:     v.Progress,
			Answered:     v.Answered,
			Total:        v.Total,
			Pending:      v.Pending,
			Requirement:  v.Requirement,
			CancelReason: v.CancelReason,
			Tasks:        tasks,
		})
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), renderView(s.ID(), v, tasks, a.styles))
	return err
}

func newSubmitCmd(a *app) *cobra.Command {
	var interactive, approve bool

	cmd := &cobra.Command{
		Use:   "submit <requirement>",
		Short: "Submit a requirement and open its dialog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := a.sessions()
			defer m.Close()

			s, err := m.Start(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("submit requirement: %w", err)
			}
			if interactive {
				if err := a.converse(cmd, s); err != nil {
					return err
				}
			}
			if approve && !s.Dialog.State().Terminal() {
				if err := s.Coordinator.Approve(cmd.Context()); err != nil {
					return fmt.Errorf("approve: %w", err)
				}
			}
			return a.show(cmd, s)
		},
	}

	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Answer each question from standard input")
	cmd.Flags().BoolVar(&approve, "approve", false, "Approve once every question is answered")

	return cmd
}

// converse prompts for each pending question until none is left or input
// ends. Invalid answers are reported and asked again.
func (a *app) converse(cmd *cobra.Command, s *session.Session) error {
	in := bufio.NewScanner(cmd.InOrStdin())
	prompt := cmd.ErrOrStderr()
	for {
		q := s.Dialog.Pending()
		if q == nil {
			return nil
		}
		fmt.Fprintln(prompt, renderQuestion(q, a.styles))
		fmt.Fprint(prompt, "> ")
		if !in.Scan() {
			return in.Err()
		}

		value, err := q.ParseInput(in.Text())
		if err == nil {
			_, err = s.Coordinator.Answer(cmd.Context(), q.ID, value)
		}
		if errors.Is(err, dialog.ErrInvalidAnswer) {
			fmt.Fprintln(prompt, a.styles.warning.Render(err.Error()))
			continue
		}
		if err != nil {
			return fmt.Errorf("answer: %w", err)
		}
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the dialog state, progress and pending question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.attach(cmd, args[0], func(s *session.Session) error {
				return a.show(cmd, s)
			})
		},
	}
}

func newAnswerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "answer <session-id> <answer>",
		Short: "Answer the pending question",
		Long:  "Answer the pending question. Confirm questions take yes/no, choice questions an option or its number, multi-select questions a comma separated list.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.attach(cmd, args[0], func(s *session.Session) error {
				q := s.Dialog.Pending()
				if q == nil {
					return fmt.Errorf("session %s: %w", args[0], dialog.ErrNoPendingQuestion)
				}
				value, err := q.ParseInput(strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				if _, err := s.Coordinator.Answer(cmd.Context(), q.ID, value); err != nil {
					return fmt.Errorf("answer: %w", err)
				}
				return a.show(cmd, s)
			})
		},
	}
}

func newModifyCmd(a *app) *cobra.Command {
	var field, rawValue, reason string

	cmd := &cobra.Command{
		Use:   "modify <session-id>",
		Short: "Change one requirement field",
		Long:  "Change one requirement field. Dotted fields address nested values; the value is read as JSON when it parses, as a string otherwise.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.attach(cmd, args[0], func(s *session.Session) error {
				if _, err := s.Coordinator.Modify(cmd.Context(), field, parseValue(rawValue), reason); err != nil {
					return fmt.Errorf("modify: %w", err)
				}
				return a.show(cmd, s)
			})
		},
	}

	cmd.Flags().StringVar(&field, "field", "", "Requirement field, e.g. tech_stack.database")
	cmd.Flags().StringVar(&rawValue, "value", "", "New value")
	cmd.Flags().StringVar(&reason, "reason", "", "Why the field changes")
	_ = cmd.MarkFlagRequired("field")
	_ = cmd.MarkFlagRequired("value")

	return cmd
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func newApproveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <session-id>",
		Short: "Approve the requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.attach(cmd, args[0], func(s *session.Session) error {
				if err := s.Coordinator.Approve(cmd.Context()); err != nil {
					return fmt.Errorf("approve: %w", err)
				}
				return a.show(cmd, s)
			})
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel the dialog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.attach(cmd, args[0], func(s *session.Session) error {
				if err := s.Coordinator.Cancel(cmd.Context(), reason); err != nil {
					return fmt.Errorf("cancel: %w", err)
				}
				return a.show(cmd, s)
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "cancelled from dialogctl", "Cancellation reason")

	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "List the answers the server recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			turns, err := a.client.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return writeJSON(cmd.OutOrStdout(), turns)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderHistory(turns, a.styles))
			return err
		},
	}
}

package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/dialog-sync/internal/coordinator"
	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/events"
)

type watchLine struct {
	Kind        string       `json:"kind"`
	State       dialog.State `json:"state,omitempty"`
	Progress    *int         `json:"progress,omitempty"`
	Discrepancy bool         `json:"discrepancy,omitempty"`
	Exhausted   bool         `json:"exhausted,omitempty"`
	Attempts    int          `json:"attempts,omitempty"`
	Ref         string       `json:"ref,omitempty"`
	Status      string       `json:"status,omitempty"`
	Level       string       `json:"level,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// printer serializes output from coordinator and dispatcher goroutines.
type printer struct {
	mu     sync.Mutex
	out    io.Writer
	asJSON bool
}

func (p *printer) print(text string, line watchLine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.asJSON {
		_ = writeJSON(p.out, line)
		return
	}
	fmt.Fprintln(p.out, text)
}

func updateLine(u coordinator.Update) watchLine {
	if c := u.Connectivity; c != nil {
		return watchLine{Kind: "channel", Status: c.Status, Attempts: c.Attempts, Exhausted: c.Exhausted}
	}
	if h := u.Hint; h != nil {
		return watchLine{
			Kind:     string(h.Type),
			Progress: h.Progress,
			Ref:      h.Ref,
			Status:   h.Status,
			Level:    h.Level,
			Message:  h.Message,
		}
	}
	progress := u.View.Progress
	return watchLine{
		Kind:        "dialog",
		State:       u.View.State,
		Progress:    &progress,
		Discrepancy: u.Discrepancy,
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch <session-id>",
		Short: "Follow a session until it is approved or cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m := a.sessions()
			defer m.Close()

			p := &printer{out: cmd.OutOrStdout(), asJSON: a.asJSON}
			done := make(chan struct{})
			var once sync.Once
			finish := func() { once.Do(func() { close(done) }) }

			if disp, err := m.Global(); err == nil {
				disp.Subscribe(events.TypeSystem, func(n events.Notification) {
					sb, ok := n.Payload.(events.SystemBroadcast)
					if !ok {
						return
					}
					p.print(fmt.Sprintf("%s %s", a.styles.warning.Render("["+sb.Level+"]"), sb.Message),
						watchLine{Kind: string(events.TypeSystem), Level: sb.Level, Message: sb.Message})
				})
			}

			s, err := m.Attach(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			s.Coordinator.OnUpdate(func(u coordinator.Update) {
				// System broadcasts arrive on the global channel as well.
				if u.Hint != nil && u.Hint.Type == events.TypeSystem {
					return
				}
				p.print(renderUpdate(u, a.styles), updateLine(u))
				if u.Hint == nil && u.Connectivity == nil && u.View.State.Terminal() {
					finish()
				}
			})

			initial := coordinator.Update{View: s.Dialog.Snapshot()}
			p.print(renderUpdate(initial, a.styles), updateLine(initial))
			if initial.View.State.Terminal() {
				return nil
			}
			if conn := s.Connectivity(); conn.Exhausted {
				u := coordinator.Update{View: initial.View, Connectivity: &conn}
				p.print(renderUpdate(u, a.styles), updateLine(u))
			}

			var expired <-chan time.Time
			if timeout > 0 {
				timer := time.NewTimer(timeout)
				defer timer.Stop()
				expired = timer.C
			}
			select {
			case <-done:
			case <-expired:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "for", 0, "Stop watching after this long (0 waits until the dialog ends)")

	return cmd
}

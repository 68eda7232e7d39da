package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/config"
	"github.com/ashureev/dialog-sync/internal/session"
)

type app struct {
	cfg    config.ClientConfig
	client *backend.Client
	logger *slog.Logger
	styles styles
	asJSON bool
}

func (a *app) wire(cmd *cobra.Command, v *viper.Viper) error {
	a.cfg = config.ClientConfig{
		ServerURL:         v.GetString("server-url"),
		ReconnectMax:      v.GetInt("reconnect-max"),
		ReconnectDelay:    v.GetDuration("reconnect-delay"),
		KeepAliveInterval: v.GetDuration("keepalive-interval"),
		RefreshInterval:   v.GetDuration("refresh-interval"),
		RequestTimeout:    v.GetDuration("request-timeout"),
	}
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", v.GetString("log-level"), err)
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	client, err := backend.New(backend.Options{
		BaseURL:        a.cfg.ServerURL,
		RequestTimeout: a.cfg.RequestTimeout,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("wire backend client: %w", err)
	}
	a.client = client
	a.styles = newStyles()
	a.asJSON = v.GetBool("json")
	return nil
}

// sessions returns a fresh Manager; callers close it when the command ends.
func (a *app) sessions() *session.Manager {
	return session.NewManager(a.cfg, a.client, a.logger)
}

// attach binds to an existing server session and hands it to fn.
func (a *app) attach(cmd *cobra.Command, id string, fn func(*session.Session) error) error {
	m := a.sessions()
	defer m.Close()

	s, err := m.Attach(cmd.Context(), id)
	if err != nil {
		return err
	}
	return fn(s)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

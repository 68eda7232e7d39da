// Package session owns the per-session object graph: one realtime channel,
// one dispatcher, one dialog and the coordinator tying them together. The
// Manager is the application context that creates and tears them down.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/dialog-sync/internal/config"
	"github.com/ashureev/dialog-sync/internal/coordinator"
	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/ashureev/dialog-sync/internal/realtime"
)

// ErrClosed is returned once the Manager has been closed.
var ErrClosed = errors.New("session manager closed")

// Session binds one realtime channel to one dialog.
type Session struct {
	Channel     *realtime.Channel
	Dispatcher  *events.Dispatcher
	Dialog      *dialog.Dialog
	Coordinator *coordinator.Coordinator

	manager   *Manager
	closeOnce sync.Once
}

// ID returns the server session id, or "" before submission completes.
func (s *Session) ID() string {
	return s.Coordinator.SessionID()
}

// Connectivity returns the channel's current state.
func (s *Session) Connectivity() coordinator.Connectivity {
	return connectivityOf(s.Channel, s.Channel.Status())
}

func connectivityOf(ch *realtime.Channel, status realtime.Status) coordinator.Connectivity {
	return coordinator.Connectivity{
		Status:    status.String(),
		Attempts:  ch.Attempts(),
		Exhausted: status == realtime.StatusDisconnected && ch.Exhausted(),
	}
}

// Close stops the coordinator and closes the channel. Idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Coordinator.Close()
		s.Channel.Close()
		if s.manager != nil {
			s.manager.forget(s)
		}
	})
}

// Manager creates sessions and owns their lifetime.
type Manager struct {
	cfg     config.ClientConfig
	backend coordinator.Backend
	logger  *slog.Logger
	dial    realtime.DialFunc

	mu         sync.Mutex
	sessions   map[string]*Session
	pending    map[*Session]struct{}
	global     *realtime.Channel
	globalDisp *events.Dispatcher
	closed     bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer of every channel.
func WithDialer(dial realtime.DialFunc) Option {
	return func(m *Manager) { m.dial = dial }
}

// NewManager returns a Manager with no sessions.
func NewManager(cfg config.ClientConfig, b coordinator.Backend, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		backend:  b,
		logger:   logger,
		sessions: make(map[string]*Session),
		pending:  make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) channelOptions(logger *slog.Logger) realtime.Options {
	reconnectMax := m.cfg.ReconnectMax
	if reconnectMax == 0 {
		// Zero means "no automatic reconnect" in configuration.
		reconnectMax = -1
	}
	return realtime.Options{
		BaseURL:           m.cfg.ServerURL,
		ReconnectMax:      reconnectMax,
		ReconnectDelay:    m.cfg.ReconnectDelay,
		KeepAliveInterval: m.cfg.KeepAliveInterval,
		Dial:              m.dial,
		Logger:            logger,
	}
}

func (m *Manager) newSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	disp := events.NewDispatcher(m.logger)
	ch := realtime.New(m.channelOptions(m.logger))
	ch.OnMessage(func(raw []byte) {
		_ = disp.Dispatch(raw)
	})
	d := dialog.New()
	coord := coordinator.New(d, m.backend, ch, disp, coordinator.Options{
		RefreshInterval: m.cfg.RefreshInterval,
		Logger:          m.logger,
	})
	ch.OnStatus(func(status realtime.Status) {
		coord.ReportConnectivity(connectivityOf(ch, status))
	})

	s := &Session{Channel: ch, Dispatcher: disp, Dialog: d, Coordinator: coord, manager: m}
	m.pending[s] = struct{}{}
	return s, nil
}

func (m *Manager) register(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, s)
	if m.closed {
		return ErrClosed
	}
	if old, ok := m.sessions[s.ID()]; ok && old != s {
		return fmt.Errorf("session %s is already attached", s.ID())
	}
	m.sessions[s.ID()] = s
	return nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, s)
	if cur, ok := m.sessions[s.ID()]; ok && cur == s {
		delete(m.sessions, s.ID())
	}
}

// Start submits a requirement in a new session and starts its scheduled
// refresh. On failure the session is torn down and nothing is registered.
func (m *Manager) Start(ctx context.Context, text string) (*Session, error) {
	s, err := m.newSession()
	if err != nil {
		return nil, err
	}
	if _, err := s.Coordinator.Submit(ctx, text); err != nil {
		s.Close()
		return nil, err
	}
	if err := m.register(s); err != nil {
		s.Close()
		return nil, err
	}
	s.Coordinator.Start()
	m.logger.Info("Session started", "session_id", s.ID())
	return s, nil
}

// Attach binds a new local session to an existing server session, e.g. to
// resume after a restart. Attaching an id twice returns the live session.
func (m *Manager) Attach(ctx context.Context, id string) (*Session, error) {
	if existing, ok := m.Get(id); ok {
		return existing, nil
	}
	s, err := m.newSession()
	if err != nil {
		return nil, err
	}
	if err := s.Coordinator.Bind(ctx, id); err != nil {
		s.Close()
		return nil, fmt.Errorf("attach session %s: %w", id, err)
	}
	if err := m.register(s); err != nil {
		s.Close()
		return nil, err
	}
	s.Coordinator.Start()
	m.logger.Info("Session attached", "session_id", id, "state", s.Dialog.State())
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Global opens the unscoped channel on first use and returns its
// dispatcher, which carries system broadcasts.
func (m *Manager) Global() (*events.Dispatcher, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.global != nil {
		disp := m.globalDisp
		m.mu.Unlock()
		return disp, nil
	}
	disp := events.NewDispatcher(m.logger)
	ch := realtime.New(m.channelOptions(m.logger))
	ch.OnMessage(func(raw []byte) {
		_ = disp.Dispatch(raw)
	})
	m.global, m.globalDisp = ch, disp
	m.mu.Unlock()

	ch.Open("")
	return disp, nil
}

// Close tears every session down exactly once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*Session, 0, len(m.sessions)+len(m.pending))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	for s := range m.pending {
		all = append(all, s)
	}
	global := m.global
	m.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	if global != nil {
		global.Close()
	}
	m.logger.Info("Session manager closed", "sessions", len(all))
}

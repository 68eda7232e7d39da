package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dialog-sync/internal/backend"
	"github.com/ashureev/dialog-sync/internal/config"
	"github.com/ashureev/dialog-sync/internal/coordinator"
	"github.com/ashureev/dialog-sync/internal/dialog"
	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/ashureev/dialog-sync/internal/realtime"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

// stubBackend serves a confirming dialog for any session.
type stubBackend struct {
	coordinator.Backend
	submitErr error
}

func (b stubBackend) Submit(context.Context, string, string) (backend.SubmitResult, error) {
	if b.submitErr != nil {
		return backend.SubmitResult{}, b.submitErr
	}
	return backend.SubmitResult{SessionID: "s-1", State: dialog.StateConfirming}, nil
}

func (stubBackend) Status(context.Context, string) (dialog.Status, error) {
	return dialog.Status{State: dialog.StateConfirming, Total: 2}, nil
}

func (stubBackend) Question(context.Context, string) (*dialog.Question, error) {
	return &dialog.Question{ID: "q1", Kind: dialog.KindConfirm, Prompt: "ok?"}, nil
}

func (stubBackend) Tasks(context.Context, string) ([]backend.Task, error) {
	return nil, nil
}

type wsServer struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	ws := &wsServer{}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ws.mu.Lock()
		ws.paths = append(ws.paths, r.URL.Path)
		ws.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if r.URL.Path == "/ws/global" {
			// Repeat so late subscribers still see one.
			go func() {
				ticker := time.NewTicker(20 * time.Millisecond)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						msg := []byte(`{"type":"system","level":"info","message":"maintenance at noon"}`)
						if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
							return
						}
					}
				}
			}()
		} else if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connected"}`)); err != nil {
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *wsServer) Paths() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]string(nil), ws.paths...)
}

func newTestManager(t *testing.T, b coordinator.Backend, serverURL string, opts ...Option) *Manager {
	t.Helper()
	cfg := config.ClientConfig{
		ServerURL:         serverURL,
		ReconnectMax:      1,
		ReconnectDelay:    10 * time.Millisecond,
		KeepAliveInterval: time.Second,
		RefreshInterval:   time.Hour,
		RequestTimeout:    time.Second,
	}
	m := NewManager(cfg, b, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	t.Cleanup(m.Close)
	return m
}

func TestStartBindsChannelAndRegistersSession(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, stubBackend{}, ws.URL)

	s, err := m.Start(context.Background(), "build a todo api")
	require.NoError(t, err)

	assert.Equal(t, "s-1", s.ID())
	assert.Equal(t, dialog.StateConfirming, s.Dialog.State())
	got, ok := m.Get("s-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	require.Eventually(t, func() bool { return s.Channel.Status() == realtime.StatusOpen }, waitFor, tick)
	assert.Contains(t, ws.Paths(), "/ws/s-1")
}

func TestSessionCloseIsExactlyOnce(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, stubBackend{}, ws.URL)
	s, err := m.Start(context.Background(), "build a todo api")
	require.NoError(t, err)

	var closedCount int
	var mu sync.Mutex
	s.Channel.OnStatus(func(st realtime.Status) {
		if st == realtime.StatusClosed {
			mu.Lock()
			closedCount++
			mu.Unlock()
		}
	})

	s.Close()
	s.Close()
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, closedCount)
	assert.Equal(t, realtime.StatusClosed, s.Channel.Status())
	assert.Zero(t, m.Len())
	assert.Zero(t, s.Dispatcher.Len(events.TypeDialogUpdate))
}

func TestStartFailureRegistersNothing(t *testing.T) {
	m := newTestManager(t, stubBackend{submitErr: errors.New("requirement text is empty")}, "http://127.0.0.1:1")

	_, err := m.Start(context.Background(), "")

	require.Error(t, err)
	assert.Zero(t, m.Len())
}

func TestAttachReusesLiveSession(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, stubBackend{}, ws.URL)
	ctx := context.Background()

	a, err := m.Attach(ctx, "s-9")
	require.NoError(t, err)
	b, err := m.Attach(ctx, "s-9")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, 1, m.Len())
	require.NotNil(t, a.Dialog.Pending())
}

func TestClosedManagerRejectsNewSessions(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, stubBackend{}, ws.URL)
	s, err := m.Start(context.Background(), "build a todo api")
	require.NoError(t, err)

	m.Close()

	assert.Equal(t, realtime.StatusClosed, s.Channel.Status())
	_, err = m.Start(context.Background(), "again")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.Global()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGlobalChannelDeliversSystemBroadcasts(t *testing.T) {
	ws := newWSServer(t)
	m := newTestManager(t, stubBackend{}, ws.URL)

	disp, err := m.Global()
	require.NoError(t, err)

	got := make(chan events.SystemBroadcast, 1)
	disp.Subscribe(events.TypeSystem, func(n events.Notification) {
		if sb, ok := n.Payload.(events.SystemBroadcast); ok {
			select {
			case got <- sb:
			default:
			}
		}
	})

	again, err := m.Global()
	require.NoError(t, err)
	assert.Same(t, disp, again)

	select {
	case sb := <-got:
		assert.Equal(t, "maintenance at noon", sb.Message)
	case <-time.After(waitFor):
		t.Fatal("no system broadcast received")
	}
	assert.Contains(t, ws.Paths(), "/ws/global")
}

func TestExhaustedChannelIsReportedAsConnectivity(t *testing.T) {
	release := make(chan struct{})
	refuse := func(ctx context.Context, _ string) (*websocket.Conn, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, errors.New("connection refused")
	}
	m := newTestManager(t, stubBackend{}, "http://127.0.0.1:1", WithDialer(refuse))

	s, err := m.Attach(context.Background(), "s-2")
	require.NoError(t, err)

	exhausted := make(chan coordinator.Connectivity, 1)
	s.Coordinator.OnUpdate(func(u coordinator.Update) {
		if u.Connectivity != nil && u.Connectivity.Exhausted {
			select {
			case exhausted <- *u.Connectivity:
			default:
			}
		}
	})
	assert.False(t, s.Connectivity().Exhausted)
	close(release)

	select {
	case conn := <-exhausted:
		assert.Equal(t, realtime.StatusDisconnected.String(), conn.Status)
		assert.Equal(t, 1, conn.Attempts)
	case <-time.After(waitFor):
		t.Fatal("no connectivity update after reconnect gave up")
	}
	assert.True(t, s.Connectivity().Exhausted)
	assert.Equal(t, dialog.StateConfirming, s.Dialog.State())
}

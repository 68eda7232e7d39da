package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

type testServer struct {
	*httptest.Server
	accepted atomic.Int32
	received chan string

	mu    sync.Mutex
	conns []*websocket.Conn
	paths []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{received: make(chan string, 64)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.accepted.Add(1)
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.paths = append(ts.paths, r.URL.Path)
		ts.mu.Unlock()

		ctx := context.Background()
		if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"connected"}`)); err != nil {
			return
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case ts.received <- string(data):
			default:
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) dropAll() {
	ts.mu.Lock()
	conns := ts.conns
	ts.conns = nil
	ts.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (ts *testServer) lastPath() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.paths) == 0 {
		return ""
	}
	return ts.paths[len(ts.paths)-1]
}

func openChannel(t *testing.T, opts Options) *Channel {
	t.Helper()
	ch := New(opts)
	t.Cleanup(ch.Close)
	return ch
}

func failingDial(count *atomic.Int32) DialFunc {
	return func(context.Context, string) (*websocket.Conn, error) {
		count.Add(1)
		return nil, errors.New("connection refused")
	}
}

func TestOpenDeliversMessagesAndSendsKeepAlive(t *testing.T) {
	ts := newTestServer(t)
	ch := openChannel(t, Options{BaseURL: ts.URL, KeepAliveInterval: 20 * time.Millisecond})

	got := make(chan string, 8)
	ch.OnMessage(func(b []byte) { got <- string(b) })
	ch.Open("s-1")

	require.Eventually(t, func() bool { return ch.Status() == StatusOpen }, waitFor, tick)

	select {
	case m := <-got:
		assert.JSONEq(t, `{"type":"connected"}`, m)
	case <-time.After(waitFor):
		t.Fatal("no inbound message delivered")
	}

	select {
	case m := <-ts.received:
		assert.JSONEq(t, `{"type":"ping"}`, m)
	case <-time.After(waitFor):
		t.Fatal("no keep-alive ping received")
	}

	assert.Equal(t, "/ws/s-1", ts.lastPath())
	assert.Equal(t, "s-1", ch.SessionID())
}

func TestGlobalBindingUsesGlobalPath(t *testing.T) {
	ts := newTestServer(t)
	ch := openChannel(t, Options{BaseURL: ts.URL})

	ch.Open("")

	require.Eventually(t, func() bool { return ch.Status() == StatusOpen }, waitFor, tick)
	assert.Equal(t, "/ws/global", ts.lastPath())
}

func TestOpenIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ch := openChannel(t, Options{BaseURL: ts.URL})

	ch.Open("s-1")
	ch.Open("s-1")
	require.Eventually(t, func() bool { return ch.Status() == StatusOpen }, waitFor, tick)
	for i := 0; i < 3; i++ {
		ch.Open("s-1")
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), ts.accepted.Load())
	assert.Equal(t, StatusOpen, ch.Status())
}

func TestOpenWithNewBindingReplacesConnection(t *testing.T) {
	ts := newTestServer(t)
	ch := openChannel(t, Options{BaseURL: ts.URL})

	ch.Open("")
	require.Eventually(t, func() bool { return ch.Status() == StatusOpen }, waitFor, tick)

	ch.Open("s-2")
	require.Eventually(t, func() bool {
		return ch.Status() == StatusOpen && ts.lastPath() == "/ws/s-2"
	}, waitFor, tick)
	assert.Equal(t, int32(2), ts.accepted.Load())
}

func TestStatusObserversSeeTransitions(t *testing.T) {
	ts := newTestServer(t)
	ch := openChannel(t, Options{BaseURL: ts.URL})

	var mu sync.Mutex
	var seen []Status
	ch.OnStatus(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s)
	})

	ch.Open("s-1")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, tick)
	ch.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusConnecting, StatusOpen, StatusClosed}, seen)
}

func TestReconnectsAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	ch := openChannel(t, Options{BaseURL: ts.URL, ReconnectDelay: 10 * time.Millisecond})

	ch.Open("s-1")
	require.Eventually(t, func() bool { return ch.Status() == StatusOpen }, waitFor, tick)

	ts.dropAll()

	require.Eventually(t, func() bool {
		return ts.accepted.Load() == 2 && ch.Status() == StatusOpen
	}, waitFor, tick)
	assert.Equal(t, 0, ch.Attempts())
	assert.Equal(t, "/ws/s-1", ts.lastPath())
}

func drainPings(ts *testServer) int {
	n := 0
	for {
		select {
		case <-ts.received:
			n++
		default:
			return n
		}
	}
}

func TestKeepAliveDoesNotAccumulateAcrossReconnects(t *testing.T) {
	ts := newTestServer(t)
	ch := New(Options{
		BaseURL:           ts.URL,
		ReconnectMax:      10,
		ReconnectDelay:    5 * time.Millisecond,
		KeepAliveInterval: 50 * time.Millisecond,
	})

	ch.Open("s-1")
	require.Eventually(t, func() bool { return ch.Status() == StatusOpen }, waitFor, tick)

	for i := 2; i <= 5; i++ {
		ts.dropAll()
		require.Eventually(t, func() bool {
			return ts.accepted.Load() == int32(i) && ch.Status() == StatusOpen
		}, waitFor, tick)
	}

	drainPings(ts)
	time.Sleep(260 * time.Millisecond)
	pings := drainPings(ts)
	assert.GreaterOrEqual(t, pings, 3)
	assert.LessOrEqual(t, pings, 6, "one keep-alive per interval, not one per connection ever opened")

	ch.Close()
	time.Sleep(20 * time.Millisecond)
	drainPings(ts)
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, drainPings(ts))
}

func TestReconnectStopsAtCeiling(t *testing.T) {
	var dials atomic.Int32
	ch := openChannel(t, Options{
		BaseURL:        "http://127.0.0.1:1",
		ReconnectMax:   2,
		ReconnectDelay: 5 * time.Millisecond,
		Dial:           failingDial(&dials),
	})

	ch.Open("s-1")

	require.Eventually(t, func() bool { return dials.Load() == 3 }, waitFor, tick)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, int32(3), dials.Load())
	assert.Equal(t, StatusDisconnected, ch.Status())
	assert.Equal(t, 2, ch.Attempts())
	assert.True(t, ch.Exhausted())

	// A manual open starts a fresh retry budget.
	ch.Open("s-1")
	require.Eventually(t, func() bool { return dials.Load() == 6 }, waitFor, tick)
}

func TestCloseSuppressesPendingReconnect(t *testing.T) {
	var dials atomic.Int32
	ch := openChannel(t, Options{
		BaseURL:        "http://127.0.0.1:1",
		ReconnectDelay: 100 * time.Millisecond,
		Dial:           failingDial(&dials),
	})

	ch.Open("s-1")
	require.Eventually(t, func() bool {
		return dials.Load() == 1 && ch.Status() == StatusDisconnected
	}, waitFor, tick)
	assert.False(t, ch.Exhausted(), "reconnect still pending")

	ch.Close()
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, int32(1), dials.Load())
	assert.Equal(t, StatusClosed, ch.Status())
	assert.False(t, ch.Exhausted())
}

func TestMalformedTargetLeavesChannelDisconnected(t *testing.T) {
	for _, base := range []string{"://nope", "ftp://example.com", "/relative/only"} {
		var dials atomic.Int32
		ch := openChannel(t, Options{BaseURL: base, Dial: failingDial(&dials)})

		assert.NotPanics(t, func() { ch.Open("s-1") })

		assert.Equal(t, StatusDisconnected, ch.Status(), base)
		assert.Zero(t, dials.Load(), base)
		assert.True(t, ch.Exhausted(), base)
	}
}

func TestSendOnClosedChannelIsDropped(t *testing.T) {
	ch := openChannel(t, Options{BaseURL: "http://127.0.0.1:1"})
	assert.NotPanics(t, func() { ch.Send(map[string]string{"type": "ping"}) })
}

func TestTargetDerivation(t *testing.T) {
	ch := New(Options{BaseURL: "https://factory.example.com/app/"})

	got, err := ch.target("")
	require.NoError(t, err)
	assert.Equal(t, "wss://factory.example.com/app/ws/global", got)

	got, err = ch.target("a b")
	require.NoError(t, err)
	assert.Equal(t, "wss://factory.example.com/app/ws/a%20b", got)

	ch = New(Options{BaseURL: "http://localhost:8000?x=1"})
	got, err = ch.target("0f3c")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8000/ws/0f3c", got)
}

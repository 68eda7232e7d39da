// Package realtime maintains the client side of a session-bound websocket
// channel: connect, detect loss, reconnect with a bounded retry budget and
// keep the connection alive with periodic pings.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/dialog-sync/internal/events"
	"github.com/coder/websocket"
)

const (
	DefaultReconnectMax      = 5
	DefaultReconnectDelay    = 3 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	defaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	readLimit                = 1 << 20
)

// Status is the connectivity state of a Channel.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// DialFunc opens a websocket connection to target.
type DialFunc func(ctx context.Context, target string) (*websocket.Conn, error)

// Options configures a Channel. Zero values take the defaults.
type Options struct {
	// BaseURL is the backend origin, e.g. "https://factory.example.com".
	BaseURL           string
	ReconnectMax      int
	ReconnectDelay    time.Duration
	KeepAliveInterval time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	Dial              DialFunc
	Logger            *slog.Logger
}

// Channel owns at most one live connection for its session binding.
type Channel struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	status    Status
	sessionID string
	bound     bool
	attempts  int
	gen       uint64
	conn      *websocket.Conn
	cancel    context.CancelFunc
	reconnect *time.Timer

	onMessage func([]byte)
	observers []func(Status)
}

// New creates a disconnected Channel.
func New(opts Options) *Channel {
	if opts.ReconnectMax < 0 {
		opts.ReconnectMax = 0
	} else if opts.ReconnectMax == 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Dial == nil {
		opts.Dial = dial
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{opts: opts, logger: logger, status: StatusDisconnected}
}

func dial(ctx context.Context, target string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// OnMessage sets the handler for inbound text frames. It runs on the
// connection's read goroutine.
func (c *Channel) OnMessage(h func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = h
}

// OnStatus registers an observer for connectivity changes.
func (c *Channel) OnStatus(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Status returns the current connectivity state.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempts returns the reconnect attempts made since the last successful
// connection.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Exhausted reports whether the channel is bound but disconnected with no
// reconnect pending: the retry budget ran out, reconnect is disabled or the
// target is invalid. Only an explicit Open recovers from it.
func (c *Channel) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound && c.status == StatusDisconnected && c.reconnect == nil
}

// SessionID returns the current binding ("" for the global channel).
func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Open connects the channel to sessionID ("" binds the global path). It is a
// no-op while a connection for the same binding is open or being
// established. An explicit Open also resets the reconnect budget.
func (c *Channel) Open(sessionID string) {
	c.mu.Lock()
	if c.bound && c.sessionID == sessionID &&
		(c.status == StatusOpen || c.status == StatusConnecting) {
		c.mu.Unlock()
		return
	}
	c.stopReconnectLocked()
	old := c.detachLocked()
	c.attempts = 0
	c.sessionID = sessionID
	c.bound = true
	status, start := c.connectLocked()
	c.mu.Unlock()

	if old != nil {
		go closeConn(old, websocket.StatusNormalClosure, "rebinding", c.logger)
	}
	c.notify(status)
	if start != nil {
		go start()
	}
}

// Close tears the connection down and suppresses any pending reconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	c.stopReconnectLocked()
	old := c.detachLocked()
	changed := c.status != StatusClosed
	c.status = StatusClosed
	sessionID := c.sessionID
	c.mu.Unlock()

	if old != nil {
		go closeConn(old, websocket.StatusNormalClosure, "session ended", c.logger)
	}
	if changed {
		c.logger.Info("Realtime channel closed", "session_id", sessionID)
		c.notify(StatusClosed)
	}
}

// Send writes v as JSON if the channel is open. Otherwise the message is
// dropped; delivery is never guaranteed.
func (c *Channel) Send(v any) {
	c.mu.Lock()
	conn := c.conn
	open := c.status == StatusOpen
	c.mu.Unlock()

	if !open || conn == nil {
		c.logger.Debug("Dropping send on non-open channel")
		return
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Failed to encode outbound message", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		// The read loop observes the broken connection and takes the loss path.
		c.logger.Debug("Realtime write failed", "error", err)
	}
}

type detached struct {
	conn   *websocket.Conn
	cancel context.CancelFunc
}

// detachLocked invalidates the current connection generation and returns what
// must be closed outside the lock.
func (c *Channel) detachLocked() *detached {
	c.gen++
	if c.conn == nil && c.cancel == nil {
		return nil
	}
	d := &detached{conn: c.conn, cancel: c.cancel}
	c.conn = nil
	c.cancel = nil
	return d
}

func closeConn(d *detached, code websocket.StatusCode, reason string, logger *slog.Logger) {
	if d.conn != nil {
		if err := d.conn.Close(code, reason); err != nil {
			logger.Debug("Failed to close websocket", "error", err)
		}
	}
	if d.cancel != nil {
		d.cancel()
	}
}

func (c *Channel) stopReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
}

// connectLocked moves to connecting and returns the dial routine. The caller
// starts it after notifying observers so they always see connecting first.
func (c *Channel) connectLocked() (Status, func()) {
	target, err := c.target(c.sessionID)
	if err != nil {
		c.logger.Error("Invalid realtime channel target", "error", err, "base_url", c.opts.BaseURL)
		c.status = StatusDisconnected
		return c.status, nil
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.status = StatusConnecting

	return c.status, func() { c.run(ctx, gen, target) }
}

func (c *Channel) target(sessionID string) (string, error) {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	if u.Host == "" {
		return "", errors.New("base url has no host")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	basePath := strings.TrimRight(u.Path, "/")
	baseRaw := strings.TrimRight(u.EscapedPath(), "/")
	if sessionID == "" {
		u.Path = basePath + "/ws/global"
		u.RawPath = ""
	} else {
		u.Path = basePath + "/ws/" + sessionID
		u.RawPath = baseRaw + "/ws/" + url.PathEscape(sessionID)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

func (c *Channel) run(ctx context.Context, gen uint64, target string) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dial(dialCtx, target)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("Realtime channel dial failed", "error", err, "target", target)
		c.handleLoss(gen)
		return
	}
	conn.SetReadLimit(readLimit)

	if !c.established(gen, conn) {
		closeConn(&detached{conn: conn}, websocket.StatusNormalClosure, "superseded", c.logger)
		return
	}

	go c.keepAlive(ctx)
	c.readLoop(ctx, gen, conn)
}

func (c *Channel) established(gen uint64, conn *websocket.Conn) bool {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusConnecting {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.status = StatusOpen
	c.attempts = 0
	sessionID := c.sessionID
	c.mu.Unlock()

	c.logger.Info("Realtime channel open", "session_id", sessionID)
	c.notify(StatusOpen)
	return true
}

func (c *Channel) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				c.logger.Info("Realtime channel closed by server", "status", websocket.CloseStatus(err))
			} else {
				c.logger.Warn("Realtime channel read error", "error", err)
			}
			c.handleLoss(gen)
			return
		}
		if typ != websocket.MessageText {
			c.logger.Debug("Ignoring non-text frame", "type", typ)
			continue
		}

		c.mu.Lock()
		h := c.onMessage
		c.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (c *Channel) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.opts.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Send(events.NewPing())
		}
	}
}

// handleLoss moves the channel to disconnected and schedules a reconnect
// while the retry budget lasts.
func (c *Channel) handleLoss(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.conn = nil
	c.status = StatusDisconnected
	sessionID := c.sessionID

	if c.attempts < c.opts.ReconnectMax {
		c.attempts++
		attempt := c.attempts
		c.reconnect = time.AfterFunc(c.opts.ReconnectDelay, func() {
			c.reconnectNow(gen, sessionID)
		})
		c.logger.Info("Realtime channel lost, reconnect scheduled",
			"session_id", sessionID,
			"attempt", attempt,
			"max", c.opts.ReconnectMax,
			"delay", c.opts.ReconnectDelay)
	} else {
		c.logger.Error("Realtime channel reconnect limit reached",
			"session_id", sessionID,
			"attempts", c.attempts)
	}
	c.mu.Unlock()

	c.notify(StatusDisconnected)
}

func (c *Channel) reconnectNow(gen uint64, sessionID string) {
	c.mu.Lock()
	if gen != c.gen || c.status != StatusDisconnected || c.sessionID != sessionID {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	status, start := c.connectLocked()
	c.mu.Unlock()

	c.notify(status)
	if start != nil {
		start()
	}
}

func (c *Channel) notify(s Status) {
	c.mu.Lock()
	observers := append([]func(Status){}, c.observers...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

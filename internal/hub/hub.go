// Package hub provides the server side of the realtime channel: websocket
// endpoints per session plus a global endpoint, and broadcast to them.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/dialog-sync/internal/events"
)

const writeTimeout = 5 * time.Second

// Hub tracks active websocket connections. Every connection is reachable by
// BroadcastAll; connections opened on a session path are also reachable by
// Broadcast for that session.
type Hub struct {
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	active   map[*websocket.Conn]string
	sessions map[string]map[*websocket.Conn]struct{}
}

// New creates an empty Hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger,
		now:      time.Now,
		active:   make(map[*websocket.Conn]string),
		sessions: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Register adds a connection. An empty sessionID registers a global one.
func (h *Hub) Register(sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.active[conn] = sessionID
	if sessionID != "" {
		if _, exists := h.sessions[sessionID]; !exists {
			h.sessions[sessionID] = make(map[*websocket.Conn]struct{})
		}
		h.sessions[sessionID][conn] = struct{}{}
	}
	h.logger.Info("Realtime connection registered", "session_id", sessionID)
}

// Unregister removes a connection. Unknown connections are ignored.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unregisterLocked(conn)
}

func (h *Hub) unregisterLocked(conn *websocket.Conn) {
	sessionID, ok := h.active[conn]
	if !ok {
		return
	}
	delete(h.active, conn)
	if conns, ok := h.sessions[sessionID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.logger.Info("Realtime connection unregistered", "session_id", sessionID)
}

// Count returns the connections bound to sessionID, or every connection
// when sessionID is empty.
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if sessionID == "" {
		return len(h.active)
	}
	return len(h.sessions[sessionID])
}

// CloseSession forcefully closes every connection bound to sessionID.
func (h *Hub) CloseSession(sessionID string) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.sessions[sessionID]))
	for conn := range h.sessions[sessionID] {
		conns = append(conns, conn)
		h.unregisterLocked(conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if len(conns) > 0 {
		h.logger.Info("Realtime session closed", "session_id", sessionID, "connections", len(conns))
	}
}

// Broadcast sends a notification of type t to every connection bound to
// sessionID. payload's fields are merged into the message.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, t events.EventType, payload any) {
	msg, err := h.encode(t, sessionID, payload)
	if err != nil {
		h.logger.Error("Failed to encode broadcast", "type", t, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.sessions[sessionID]))
	for conn := range h.sessions[sessionID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	h.deliver(ctx, targets, msg)
}

// BroadcastAll sends a notification to every connection.
func (h *Hub) BroadcastAll(ctx context.Context, t events.EventType, payload any) {
	msg, err := h.encode(t, "", payload)
	if err != nil {
		h.logger.Error("Failed to encode broadcast", "type", t, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.active))
	for conn := range h.active {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	h.deliver(ctx, targets, msg)
}

// deliver writes msg to each target; connections that fail are dropped.
func (h *Hub) deliver(ctx context.Context, targets []*websocket.Conn, msg []byte) {
	var dead []*websocket.Conn
	for _, conn := range targets {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := conn.Write(writeCtx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			h.logger.Debug("Realtime write failed, dropping connection", "error", err)
			dead = append(dead, conn)
		}
	}
	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, conn := range dead {
		h.unregisterLocked(conn)
	}
	h.mu.Unlock()
}

// encode flattens payload into a JSON object carrying type, session_id and
// timestamp.
func (h *Hub) encode(t events.EventType, sessionID string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, fmt.Errorf("payload must encode to an object: %w", err)
		}
	}
	put := func(key string, v any) {
		data, _ := json.Marshal(v)
		fields[key] = data
	}
	put("type", t)
	put("timestamp", h.now().UTC().Format(time.RFC3339Nano))
	if sessionID != "" {
		put("session_id", sessionID)
	}
	return json.Marshal(fields)
}

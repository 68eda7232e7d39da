package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dialog-sync/internal/events"
)

// Handler serves the realtime endpoints.
type Handler struct {
	hub           *Hub
	allowedOrigin string
	isDev         bool
}

// NewHandler creates a websocket handler backed by h.
func NewHandler(h *Hub, allowedOrigin string, isDev bool) *Handler {
	return &Handler{hub: h, allowedOrigin: allowedOrigin, isDev: isDev}
}

// RegisterRoutes mounts /ws/global and /ws/{session_id}.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/global", h.ServeGlobal)
	r.Get("/ws/{session_id}", h.ServeSession)
}

// ServeGlobal accepts an unscoped connection that only receives
// process-wide broadcasts.
func (h *Handler) ServeGlobal(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// ServeSession accepts a connection bound to the session in the path.
func (h *Handler) ServeSession(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, chi.URLParam(r, "session_id"))
}

// inbound is a client message.
type inbound struct {
	Type   events.EventType `json:"type"`
	Events []string         `json:"events"`
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	logger := h.hub.logger.With("session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.hub.Register(sessionID, ws)
	defer h.hub.Unregister(ws)

	ctx := r.Context()
	if err := h.reply(ctx, ws, events.TypeConnected, sessionID, nil); err != nil {
		logger.Debug("Failed to send connected", "error", err)
		return
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				logger.Debug("WebSocket closed by client")
			} else {
				logger.Debug("WebSocket read ended", "error", err)
			}
			return
		}
		if err := h.handle(ctx, ws, sessionID, data); err != nil {
			logger.Debug("Failed to answer message", "error", err)
			return
		}
	}
}

func (h *Handler) handle(ctx context.Context, ws *websocket.Conn, sessionID string, data []byte) error {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return h.reply(ctx, ws, events.TypeError, sessionID, events.ServerError{Message: "Invalid JSON format"})
	}

	switch msg.Type {
	case events.TypePing:
		return h.reply(ctx, ws, events.TypePong, sessionID, nil)
	case events.TypeSubscribe:
		subscribed := msg.Events
		if subscribed == nil {
			subscribed = []string{}
		}
		return h.reply(ctx, ws, events.TypeSubscribed, sessionID, events.Subscribed{Events: subscribed})
	case events.TypeGetStatus:
		return h.reply(ctx, ws, events.TypeStatus, sessionID, events.ChannelStatus{ConnectionCount: h.hub.Count(sessionID)})
	}
	return h.reply(ctx, ws, events.TypeError, sessionID, events.ServerError{
		Message: fmt.Sprintf("Unknown message type: %s", msg.Type),
	})
}

func (h *Handler) reply(ctx context.Context, ws *websocket.Conn, t events.EventType, sessionID string, payload any) error {
	msg, err := h.hub.encode(t, sessionID, payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, msg)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.hub.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

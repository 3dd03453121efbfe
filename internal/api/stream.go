package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/quarrylabs/quarry/internal/fanout"
	"github.com/quarrylabs/quarry/internal/store"
)

// StreamHandler serves live per-sandbox event streams over WebSocket.
// The stream is the live tail only; missed events are recovered from the
// event log endpoint, not from the socket.
type StreamHandler struct {
	repo          store.Repository
	bus           *fanout.Fanout
	allowedOrigin string
	isDev         bool
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(repo store.Repository, bus *fanout.Fanout, allowedOrigin string, isDev bool) *StreamHandler {
	return &StreamHandler{
		repo:          repo,
		bus:           bus,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// RegisterRoutes registers the stream route.
func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sandboxes/{sandboxID}/stream", h.ServeStream)
}

// ServeStream upgrades to WebSocket and forwards the sandbox's events
// until the client disconnects. Subscribing to a terminated sandbox is
// allowed; the client just observes no further events.
func (h *StreamHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")
	slog.Info("Stream connection request", "sandbox_id", sandboxID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	session, err := h.repo.GetSession(r.Context(), sandboxID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "sandbox_id", sandboxID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "sandbox_id", sandboxID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := h.bus.Subscribe(fanout.SandboxTopic(sandboxID))
	defer h.bus.Unsubscribe(sub)

	// Read loop exists only to notice client disconnects; inbound frames
	// are ignored.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				if websocket.CloseStatus(err) != -1 {
					slog.Debug("Stream closed by client", "sandbox_id", sandboxID)
				}
				return
			}
		}
	}()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeJSON(ctx, ws, env); err != nil {
				slog.Debug("Stream write error", "error", err, "sandbox_id", sandboxID)
				return
			}
		case <-ctx.Done():
			slog.Info("Stream session ended", "sandbox_id", sandboxID)
			return
		}
	}
}

func (h *StreamHandler) checkOrigin(r *http.Request) bool {
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
	slog.Warn("Stream origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// writeJSON writes one frame under the connection's context so a wedged
// client write is abandoned on disconnect or shutdown.
func (h *StreamHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

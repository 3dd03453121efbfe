package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/quarrylabs/quarry/internal/coordinator"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/gateway"
	"github.com/quarrylabs/quarry/internal/router"
	"github.com/quarrylabs/quarry/internal/store"
)

// maxEventBodyBytes caps event submissions; payloads are telemetry, not
// bulk transfer.
const maxEventBodyBytes = 1 << 20

// SandboxHandler handles sandbox lifecycle, event, and message endpoints.
type SandboxHandler struct {
	*Handler
}

// NewSandboxHandler creates a new sandbox handler.
func NewSandboxHandler(base *Handler) *SandboxHandler {
	return &SandboxHandler{Handler: base}
}

// RegisterRoutes registers sandbox routes.
func (h *SandboxHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/sandboxes", func(r chi.Router) {
		r.Post("/", h.Spawn)
		r.Route("/{sandboxID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Delete("/", h.Terminate)
			r.Post("/events", h.SubmitEvent)
			r.Get("/events", h.ListEvents)
			r.Post("/messages", h.EnqueueMessage)
			r.Get("/messages", h.DrainMessages)
		})
	})
}

// Spawn provisions a sandbox for a task.
func (h *SandboxHandler) Spawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		Error(w, http.StatusBadRequest, "task_id is required")
		return
	}

	session, err := h.coord.SpawnForTask(r.Context(), req.TaskID)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrTaskNotFound):
			Error(w, http.StatusNotFound, "task not found")
		case errors.Is(err, coordinator.ErrTaskFinished):
			Error(w, http.StatusConflict, "task already finished")
		case errors.Is(err, store.ErrTaskHasActiveSession):
			Error(w, http.StatusConflict, "task already has an active sandbox")
		default:
			slog.Error("Failed to spawn sandbox", "task_id", req.TaskID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to spawn sandbox")
		}
		return
	}

	JSON(w, http.StatusCreated, session)
}

// Get returns a snapshot of the session plus queue depth and, best effort,
// the infrastructure state.
func (h *SandboxHandler) Get(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	session, err := h.repo.GetSession(r.Context(), sandboxID)
	if err != nil {
		slog.Error("Failed to load session", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "sandbox not found")
		return
	}

	resp := map[string]interface{}{"session": session}
	if size, err := h.msgs.Size(r.Context(), sandboxID); err == nil {
		resp["pending_messages"] = size
	}
	if info, err := h.controller.GetInfo(r.Context(), sandboxID); err == nil {
		resp["infrastructure"] = info
	}

	JSON(w, http.StatusOK, resp)
}

// Terminate handles explicit sandbox cancellation. Idempotent: repeated
// deletes return the same success.
func (h *SandboxHandler) Terminate(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	reason := "terminated by request"
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason != "" {
			reason = req.Reason
		}
	}

	if err := h.coord.Terminate(r.Context(), sandboxID, reason); err != nil {
		slog.Error("Failed to terminate sandbox", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to terminate sandbox")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

// SubmitEvent ingests one worker-reported event.
func (h *SandboxHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	var req struct {
		EventType string          `json:"event_type"`
		EventData json.RawMessage `json:"event_data"`
		Source    string          `json:"source"`
	}
	body := http.MaxBytesReader(w, r.Body, maxEventBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		Error(w, http.StatusBadRequest, "event_type is required")
		return
	}
	source := domain.SourceAgent
	if req.Source != "" {
		if !domain.ValidSource(req.Source) {
			Error(w, http.StatusBadRequest, "invalid source")
			return
		}
		source = domain.EventSource(req.Source)
	}

	event, err := h.gw.SubmitEvent(r.Context(), sandboxID, req.EventType, req.EventData, source)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnknownSandbox):
			// Normal race after termination: tell the worker to stop.
			Error(w, http.StatusNotFound, "unknown or terminated sandbox")
		case errors.Is(err, gateway.ErrPersistenceUnavailable):
			Error(w, http.StatusServiceUnavailable, "event persistence unavailable, retry")
		default:
			slog.Error("Failed to submit event", "sandbox_id", sandboxID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to submit event")
		}
		return
	}

	JSON(w, http.StatusCreated, map[string]interface{}{
		"event_id":   event.ID,
		"seq":        event.Seq,
		"created_at": event.CreatedAt,
	})
}

// ListEvents returns the persisted event log for a sandbox, oldest first.
func (h *SandboxHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	eventType := r.URL.Query().Get("event_type")

	events, err := h.gw.ListEvents(r.Context(), sandboxID, limit, eventType)
	if err != nil {
		slog.Error("Failed to list events", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// EnqueueMessage queues a steering message for the sandbox's worker.
func (h *SandboxHandler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	var req struct {
		Content     string `json:"content"`
		MessageType string `json:"message_type"`
		Source      string `json:"source"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}
	messageType := domain.MessageUser
	if req.MessageType != "" {
		if !domain.ValidMessageType(req.MessageType) {
			Error(w, http.StatusBadRequest, "invalid message_type")
			return
		}
		messageType = domain.MessageType(req.MessageType)
	}
	source := req.Source
	if source == "" {
		source = "user"
	}

	outcome, err := h.rtr.QueueForSandbox(r.Context(), sandboxID, req.Content, messageType, source)
	if err != nil {
		if errors.Is(err, router.ErrSandboxNotFound) {
			Error(w, http.StatusNotFound, "unknown or terminated sandbox")
			return
		}
		slog.Error("Failed to enqueue message", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}

	JSON(w, http.StatusAccepted, map[string]interface{}{
		"message_id": outcome.MessageID,
		"queue_size": outcome.QueueSize,
	})
}

// DrainMessages atomically removes and returns all pending messages for
// the sandbox, in enqueue order. An empty queue yields an empty list.
func (h *SandboxHandler) DrainMessages(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxID")

	msgs, err := h.msgs.Drain(r.Context(), sandboxID)
	if err != nil {
		slog.Error("Failed to drain messages", "sandbox_id", sandboxID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to drain messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.PendingMessage{}
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"messages": msgs,
		"count":    len(msgs),
	})
}

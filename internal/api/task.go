package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/router"
)

// TaskHandler handles task endpoints, including intervention routing.
type TaskHandler struct {
	*Handler
}

// NewTaskHandler creates a new task handler.
func NewTaskHandler(base *Handler) *TaskHandler {
	return &TaskHandler{Handler: base}
}

// RegisterRoutes registers task routes.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tasks", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/{taskID}", h.Get)
		r.Post("/{taskID}/messages", h.Intervene)
	})
}

// Create registers a new task.
func (h *TaskHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Description    string `json:"description"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:             "task-" + uuid.NewString(),
		Description:    req.Description,
		Status:         domain.TaskPending,
		ConversationID: req.ConversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.repo.CreateTask(r.Context(), task); err != nil {
		slog.Error("Failed to create task", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	slog.Info("Task created", "task_id", task.ID)
	JSON(w, http.StatusCreated, task)
}

// Get returns a task by ID.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	task, err := h.repo.GetTask(r.Context(), taskID)
	if err != nil {
		slog.Error("Failed to load task", "task_id", taskID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load task")
		return
	}
	if task == nil {
		Error(w, http.StatusNotFound, "task not found")
		return
	}

	JSON(w, http.StatusOK, task)
}

// Intervene routes a steering message to the task's delivery path: the
// sandbox queue when the task is sandboxed, the legacy conversation
// service otherwise.
func (h *TaskHandler) Intervene(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

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

	outcome, err := h.rtr.Route(r.Context(), taskID, req.Content, messageType, source)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrTaskNotFound):
			Error(w, http.StatusNotFound, "task not found")
		case errors.Is(err, router.ErrSandboxNotFound):
			Error(w, http.StatusConflict, "task's sandbox is no longer live")
		case errors.Is(err, router.ErrNoDeliveryPath):
			Error(w, http.StatusConflict, "task has no delivery path for interventions")
		default:
			slog.Error("Failed to route intervention", "task_id", taskID, "error", err)
			Error(w, http.StatusInternalServerError, "failed to route intervention")
		}
		return
	}

	JSON(w, http.StatusAccepted, outcome)
}

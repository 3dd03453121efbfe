// Package api provides HTTP handlers for the quarry coordinator API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quarrylabs/quarry/internal/coordinator"
	"github.com/quarrylabs/quarry/internal/gateway"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/router"
	"github.com/quarrylabs/quarry/internal/sandbox"
	"github.com/quarrylabs/quarry/internal/store"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo       store.Repository
	gw         *gateway.Gateway
	coord      *coordinator.Coordinator
	rtr        *router.Router
	msgs       queue.MessageQueue
	controller sandbox.Controller
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, gw *gateway.Gateway, coord *coordinator.Coordinator, rtr *router.Router, msgs queue.MessageQueue, controller sandbox.Controller) *Handler {
	return &Handler{
		repo:       repo,
		gw:         gw,
		coord:      coord,
		rtr:        rtr,
		msgs:       msgs,
		controller: controller,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo store.Repository
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository) *HealthHandler {
	return &HealthHandler{repo: repo}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

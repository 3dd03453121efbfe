// Package router routes user/guardian interventions to the right delivery
// path: the per-sandbox message queue for sandboxed tasks, or the legacy
// conversation service for tasks that run without one.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/conversation"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/store"
)

var (
	// ErrTaskNotFound is returned for interventions on unknown tasks.
	ErrTaskNotFound = errors.New("task not found")

	// ErrSandboxNotFound is returned when queueing a message for a sandbox
	// that does not exist or is already terminated.
	ErrSandboxNotFound = errors.New("unknown or terminated sandbox")

	// ErrNoDeliveryPath means the task has no sandbox and no legacy
	// conversation binding, so the intervention cannot be delivered.
	ErrNoDeliveryPath = errors.New("no delivery path for intervention")
)

// previewLimit caps the content excerpt included in queue-notification
// events. Full content lives only in the queue.
const previewLimit = 100

// EventSink receives the queued-message notification event.
type EventSink interface {
	EmitSynthetic(ctx context.Context, sandboxID, name string, data map[string]any) error
}

// Outcome describes where an intervention went.
type Outcome struct {
	// Delivery is "sandbox_queue" or "legacy_conversation".
	Delivery string `json:"delivery"`

	// MessageID and QueueSize are set for sandbox-queue delivery.
	MessageID string `json:"message_id,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
}

// Router is stateless: each intervention is routed independently by the
// task's current sandbox binding.
type Router struct {
	repo   store.Repository
	msgs   queue.MessageQueue
	events EventSink

	// legacy may be nil when no legacy conversation service is configured.
	legacy conversation.Service
}

// New creates an intervention router.
func New(repo store.Repository, msgs queue.MessageQueue, events EventSink, legacy conversation.Service) *Router {
	return &Router{repo: repo, msgs: msgs, events: events, legacy: legacy}
}

// Route delivers an intervention for a task. Sandboxed tasks get the
// message queued for the worker's next poll; legacy tasks get a direct
// push to the conversation service.
func (r *Router) Route(ctx context.Context, taskID, content string, messageType domain.MessageType, source string) (*Outcome, error) {
	task, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	if task.Sandboxed() {
		return r.QueueForSandbox(ctx, task.SandboxID, content, messageType, source)
	}

	if r.legacy == nil || task.ConversationID == "" {
		return nil, fmt.Errorf("%w: task %s", ErrNoDeliveryPath, taskID)
	}

	iv := conversation.Intervention{
		ConversationID: task.ConversationID,
		Content:        content,
		MessageType:    string(messageType),
		Source:         source,
	}
	if err := r.legacy.SendIntervention(ctx, iv); err != nil {
		return nil, fmt.Errorf("legacy delivery: %w", err)
	}

	slog.Info("Intervention delivered to legacy conversation",
		"task_id", taskID,
		"conversation_id", task.ConversationID,
		"message_type", messageType)
	return &Outcome{Delivery: "legacy_conversation"}, nil
}

// QueueForSandbox enqueues a steering message for a live sandbox. The
// message waits for the worker's next poll; user-initiated types also
// reset the sandbox's idle clock immediately.
func (r *Router) QueueForSandbox(ctx context.Context, sandboxID, content string, messageType domain.MessageType, source string) (*Outcome, error) {
	session, err := r.repo.GetSession(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.Terminated() {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}

	queued, err := r.msgs.Enqueue(ctx, sandboxID, content, messageType)
	if err != nil {
		return nil, fmt.Errorf("enqueue intervention: %w", err)
	}
	size, err := r.msgs.Size(ctx, sandboxID)
	if err != nil {
		size = 0
	}

	// User-initiated steering resets the idle clock even before the
	// worker picks the message up.
	if messageType.UserInitiated() {
		if err := r.repo.TouchUserInput(ctx, sandboxID, time.Now().UTC()); err != nil {
			slog.Warn("failed to touch user input", "sandbox_id", sandboxID, "error", err)
		}
	}

	data := map[string]any{
		"message_id":      queued.MessageID,
		"message_type":    string(messageType),
		"source":          source,
		"queue_size":      size,
		"content_preview": preview(content),
	}
	if messageType == domain.MessageInterrupt {
		data["priority"] = "high"
	}
	if err := r.events.EmitSynthetic(ctx, sandboxID, domain.EventSandboxMessageQueued, data); err != nil {
		slog.Warn("failed to emit message-queued event", "sandbox_id", sandboxID, "error", err)
	}

	slog.Info("Intervention queued for sandbox",
		"task_id", session.TaskID,
		"sandbox_id", sandboxID,
		"message_id", queued.MessageID,
		"message_type", messageType,
		"queue_size", size)
	return &Outcome{Delivery: "sandbox_queue", MessageID: queued.MessageID, QueueSize: size}, nil
}

func preview(content string) string {
	if len(content) <= previewLimit {
		return content
	}
	return content[:previewLimit] + "..."
}

// Package gateway ingests worker-reported sandbox events: it validates the
// reporting session, persists each event to the append-only log, publishes
// it on the fanout, and triggers lifecycle side effects on terminal events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/fanout"
	"github.com/quarrylabs/quarry/internal/store"
)

var (
	// ErrUnknownSandbox means the event targets a sandbox that does not
	// exist or is already terminated. This is a normal race, not a fault:
	// the caller should drop the event and stop reporting.
	ErrUnknownSandbox = errors.New("unknown or terminated sandbox")

	// ErrPersistenceUnavailable means the event log rejected the write.
	// The caller should retry with backoff; the event was not dropped
	// silently.
	ErrPersistenceUnavailable = errors.New("event persistence unavailable")
)

// Classifier decides whether an event type counts as work. Classification
// is owned by the coordinator; the gateway only applies it.
type Classifier func(eventType string) bool

// Terminator tears down sandbox infrastructure after a worker-reported
// terminal event. Must be idempotent.
type Terminator interface {
	Terminate(ctx context.Context, sandboxID string) error
}

// Gateway accepts, persists, and republishes sandbox events.
type Gateway struct {
	repo       store.Repository
	bus        *fanout.Fanout
	isWork     Classifier
	terminator Terminator

	// pubLocks serializes persist+publish per sandbox so subscribers
	// observe a sandbox's events in persisted (Seq) order.
	pubLocks sync.Map // sandboxID -> *sync.Mutex
}

func (g *Gateway) publishLock(sandboxID string) *sync.Mutex {
	mu, _ := g.pubLocks.LoadOrStore(sandboxID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// New creates a gateway. terminator may be nil (no teardown side effect).
func New(repo store.Repository, bus *fanout.Fanout, isWork Classifier, terminator Terminator) *Gateway {
	return &Gateway{repo: repo, bus: bus, isWork: isWork, terminator: terminator}
}

// SubmitEvent validates, persists, publishes, and applies side effects for
// one worker-reported event. The returned event carries its server-assigned
// timestamp and sequence.
func (g *Gateway) SubmitEvent(ctx context.Context, sandboxID, eventType string, eventData json.RawMessage, source domain.EventSource) (*domain.Event, error) {
	session, err := g.repo.GetSession(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	if session == nil || session.Terminated() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, sandboxID)
	}

	event := &domain.Event{
		ID:        "evt-" + uuid.NewString(),
		SandboxID: sandboxID,
		EventType: eventType,
		EventData: eventData,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}

	mu := g.publishLock(sandboxID)
	mu.Lock()
	defer mu.Unlock()

	if err := g.repo.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	g.applyTimestamps(ctx, session, event)

	if eventType == domain.EventAgentCompleted || eventType == domain.EventAgentFailed {
		g.finalize(ctx, session, event)
	}

	g.publish(event)
	return event, nil
}

// applyTimestamps updates the session's activity clocks. All updates are
// monotonic in the store, so out-of-order arrival never rewinds a clock.
func (g *Gateway) applyTimestamps(ctx context.Context, session *domain.Session, event *domain.Event) {
	if session.Status == domain.StatusStarting {
		if err := g.repo.MarkSessionRunning(ctx, session.SandboxID, event.CreatedAt); err != nil {
			slog.Warn("failed to mark session running", "sandbox_id", session.SandboxID, "error", err)
		}
	}

	if event.EventType == domain.EventAgentHeartbeat {
		if err := g.repo.TouchHeartbeat(ctx, session.SandboxID, event.CreatedAt); err != nil {
			slog.Warn("failed to touch heartbeat", "sandbox_id", session.SandboxID, "error", err)
		}
		return
	}

	// Any non-heartbeat event proves liveness too.
	if err := g.repo.TouchHeartbeat(ctx, session.SandboxID, event.CreatedAt); err != nil {
		slog.Warn("failed to touch heartbeat", "sandbox_id", session.SandboxID, "error", err)
	}
	if g.isWork != nil && g.isWork(event.EventType) {
		if err := g.repo.TouchWorkEvent(ctx, session.SandboxID, event.CreatedAt); err != nil {
			slog.Warn("failed to touch work event", "sandbox_id", session.SandboxID, "error", err)
		}
	}
}

// terminalPayload is the subset of a terminal event's payload the gateway
// acts on.
type terminalPayload struct {
	TaskID        string          `json:"task_id"`
	SessionID     string          `json:"session_id"`
	TranscriptB64 string          `json:"transcript_b64"`
	Error         string          `json:"error"`
	Success       *bool           `json:"success"`
	Turns         int             `json:"turns"`
	CostUSD       float64         `json:"cost_usd"`
	StopReason    string          `json:"stop_reason"`
	FinalOutput   json.RawMessage `json:"final_output"`
}

// finalize applies terminal-event side effects: task finalization and
// session-transcript capture. Both are idempotent; a replayed terminal
// event never re-finalizes a task already in a terminal state.
func (g *Gateway) finalize(ctx context.Context, session *domain.Session, event *domain.Event) {
	var payload terminalPayload
	if len(event.EventData) > 0 {
		if err := json.Unmarshal(event.EventData, &payload); err != nil {
			slog.Warn("unparseable terminal event payload", "sandbox_id", session.SandboxID, "error", err)
		}
	}

	taskID := payload.TaskID
	if taskID == "" {
		taskID = session.TaskID
	}

	var taskStatus domain.TaskStatus
	var sessionStatus domain.SessionStatus
	if event.EventType == domain.EventAgentCompleted {
		taskStatus = domain.TaskCompleted
		sessionStatus = domain.StatusTerminatedCompleted
	} else {
		taskStatus = domain.TaskFailed
		sessionStatus = domain.StatusTerminatedFailed
	}

	errorMessage := payload.Error
	if taskStatus == domain.TaskFailed && errorMessage == "" {
		errorMessage = "task execution failed"
	}

	resultJSON := ""
	if taskStatus == domain.TaskCompleted {
		result := map[string]any{
			"turns":       payload.Turns,
			"cost_usd":    payload.CostUSD,
			"session_id":  payload.SessionID,
			"stop_reason": payload.StopReason,
		}
		if payload.Success != nil {
			result["success"] = *payload.Success
		}
		if len(payload.FinalOutput) > 0 {
			result["output"] = payload.FinalOutput
		}
		if data, err := json.Marshal(result); err == nil {
			resultJSON = string(data)
		}
	}

	finalized, err := g.repo.FinalizeTask(ctx, taskID, taskStatus, resultJSON, errorMessage)
	if err != nil {
		slog.Error("failed to finalize task", "task_id", taskID, "sandbox_id", session.SandboxID, "error", err)
	} else if finalized {
		slog.Info("task finalized", "task_id", taskID, "status", taskStatus, "sandbox_id", session.SandboxID)
	}

	if payload.SessionID != "" && payload.TranscriptB64 != "" {
		g.captureTranscript(ctx, session, taskID, &payload)
	}

	if _, err := g.repo.TerminateSession(ctx, session.SandboxID, sessionStatus, event.CreatedAt); err != nil {
		slog.Error("failed to terminate session after terminal event", "sandbox_id", session.SandboxID, "error", err)
	}

	if g.terminator != nil {
		if err := g.terminator.Terminate(ctx, session.SandboxID); err != nil {
			slog.Warn("sandbox teardown after terminal event failed", "sandbox_id", session.SandboxID, "error", err)
		}
	}
}

// captureTranscript persists enough conversation state to resume the
// session in a future sandbox. Failure is logged, never fatal: transcript
// capture is best effort.
func (g *Gateway) captureTranscript(ctx context.Context, session *domain.Session, taskID string, payload *terminalPayload) {
	metadata := map[string]any{
		"turns":       payload.Turns,
		"cost_usd":    payload.CostUSD,
		"stop_reason": payload.StopReason,
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		metadataJSON = []byte("{}")
	}

	transcript := &domain.SessionTranscript{
		SessionID:     payload.SessionID,
		SandboxID:     session.SandboxID,
		TaskID:        taskID,
		TranscriptB64: payload.TranscriptB64,
		MetadataJSON:  string(metadataJSON),
	}
	if err := g.repo.UpsertTranscript(ctx, transcript); err != nil {
		slog.Warn("failed to save session transcript", "session_id", payload.SessionID, "sandbox_id", session.SandboxID, "error", err)
		return
	}
	slog.Info("session transcript captured", "session_id", payload.SessionID, "sandbox_id", session.SandboxID, "task_id", taskID)
}

// publish broadcasts the event under the sandbox topic with a normalized
// name so subscribers can filter without parsing payloads.
func (g *Gateway) publish(event *domain.Event) {
	g.bus.Publish(fanout.Envelope{
		Name:  NormalizedName(event.EventType),
		Topic: fanout.SandboxTopic(event.SandboxID),
		Event: event,
	})
}

// NormalizedName maps a worker event type to its broadcast name.
// Synthetic lifecycle events are already in normalized form.
func NormalizedName(eventType string) string {
	if len(eventType) > 8 && eventType[:8] == "SANDBOX_" {
		return eventType
	}
	return "SANDBOX_" + eventType
}

// EmitSynthetic persists and publishes a coordinator-generated lifecycle
// event (spawn, idle termination, message-queued notification). Synthetic
// events bypass session-liveness validation: the whole point of most of
// them is to record a termination.
func (g *Gateway) EmitSynthetic(ctx context.Context, sandboxID, name string, data map[string]any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal synthetic event: %w", err)
	}

	event := &domain.Event{
		ID:        "evt-" + uuid.NewString(),
		SandboxID: sandboxID,
		EventType: name,
		EventData: payload,
		Source:    domain.SourceSystem,
		CreatedAt: time.Now().UTC(),
	}

	mu := g.publishLock(sandboxID)
	mu.Lock()
	defer mu.Unlock()

	if err := g.repo.AppendEvent(ctx, event); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}

	g.publish(event)
	return nil
}

// ListEvents exposes the audit/replay query over the persisted log.
func (g *Gateway) ListEvents(ctx context.Context, sandboxID string, limit int, eventType string) ([]*domain.Event, error) {
	events, err := g.repo.ListEvents(ctx, sandboxID, limit, eventType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceUnavailable, err)
	}
	return events, nil
}

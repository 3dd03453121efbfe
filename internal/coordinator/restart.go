package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/sandbox"
	"github.com/quarrylabs/quarry/internal/shared"
	"github.com/quarrylabs/quarry/internal/store"
)

// Restarter replaces dead sandboxes. A dead sandbox's task is still
// salvageable, so within the restart budget a fresh sandbox is spawned for
// it; past the budget the task is failed.
type Restarter struct {
	repo       store.Repository
	msgs       queue.MessageQueue
	controller sandbox.Controller
	events     EventSink
	maxRetries int

	now func() time.Time
}

// NewRestarter creates a dead-sandbox handler with the given restart budget.
func NewRestarter(repo store.Repository, msgs queue.MessageQueue, controller sandbox.Controller, events EventSink, maxRetries int) *Restarter {
	return &Restarter{
		repo:       repo,
		msgs:       msgs,
		controller: controller,
		events:     events,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// HandleDead tears down a dead sandbox and, budget permitting, spawns a
// replacement bound to the same task under a fresh sandbox ID.
func (r *Restarter) HandleDead(ctx context.Context, session *domain.Session) error {
	if err := r.controller.Terminate(ctx, session.SandboxID); err != nil {
		return fmt.Errorf("terminate dead sandbox: %w", err)
	}

	var changed bool
	err := shared.WithConflictRetry(ctx, 3, 50*time.Millisecond, func() error {
		var termErr error
		changed, termErr = r.repo.TerminateSession(ctx, session.SandboxID, domain.StatusTerminatedDead, r.now().UTC())
		return termErr
	})
	if err != nil {
		return fmt.Errorf("mark session dead: %w", err)
	}
	if !changed {
		// Lost a race with another terminator; the winner owns remediation.
		return nil
	}

	dropped, err := r.msgs.Drop(ctx, session.SandboxID)
	if err != nil {
		slog.Warn("failed to drop pending messages for dead sandbox", "sandbox_id", session.SandboxID, "error", err)
	} else if dropped > 0 {
		slog.Warn("Dropped pending messages for dead sandbox",
			"sandbox_id", session.SandboxID, "count", dropped)
	}

	deadData := map[string]any{"reason": "heartbeat_timeout"}
	if dropped > 0 {
		deadData["dropped_messages"] = dropped
	}
	if err := r.events.EmitSynthetic(ctx, session.SandboxID, domain.EventSandboxTerminatedDead, deadData); err != nil {
		slog.Warn("failed to emit dead-termination event", "sandbox_id", session.SandboxID, "error", err)
	}

	restarts, err := r.repo.IncrementTaskRestarts(ctx, session.TaskID)
	if err != nil {
		return fmt.Errorf("increment restart count: %w", err)
	}

	if restarts > r.maxRetries {
		slog.Error("Restart budget exhausted, failing task",
			"task_id", session.TaskID,
			"dead_sandbox_id", session.SandboxID,
			"restarts", restarts,
			"budget", r.maxRetries)
		reason := fmt.Sprintf("sandbox died %d times, restart budget of %d exhausted", restarts, r.maxRetries)
		if _, err := r.repo.FinalizeTask(ctx, session.TaskID, domain.TaskFailed, "", reason); err != nil {
			return fmt.Errorf("fail task after budget exhaustion: %w", err)
		}
		return nil
	}

	newSandboxID, err := r.controller.Spawn(ctx, session.TaskID)
	if err != nil {
		return fmt.Errorf("spawn replacement sandbox: %w", err)
	}

	now := r.now().UTC()
	replacement := &domain.Session{
		SandboxID: newSandboxID,
		TaskID:    session.TaskID,
		Status:    domain.StatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.CreateSession(ctx, replacement); err != nil {
		if termErr := r.controller.Terminate(ctx, newSandboxID); termErr != nil {
			slog.Warn("failed to clean up replacement sandbox", "sandbox_id", newSandboxID, "error", termErr)
		}
		return fmt.Errorf("create replacement session: %w", err)
	}

	if err := r.repo.BindTaskSandbox(ctx, session.TaskID, newSandboxID); err != nil {
		slog.Error("failed to rebind task to replacement sandbox",
			"task_id", session.TaskID, "sandbox_id", newSandboxID, "error", err)
	}

	if err := r.events.EmitSynthetic(ctx, newSandboxID, domain.EventSandboxSpawned, map[string]any{
		"task_id":  session.TaskID,
		"replaces": session.SandboxID,
		"restart":  restarts,
	}); err != nil {
		slog.Warn("failed to emit replacement spawn event", "sandbox_id", newSandboxID, "error", err)
	}

	slog.Info("Dead sandbox replaced",
		"task_id", session.TaskID,
		"dead_sandbox_id", session.SandboxID,
		"new_sandbox_id", newSandboxID,
		"restart", restarts)
	return nil
}

var _ DeadHandler = (*Restarter)(nil)

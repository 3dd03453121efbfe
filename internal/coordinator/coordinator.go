package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/sandbox"
	"github.com/quarrylabs/quarry/internal/shared"
	"github.com/quarrylabs/quarry/internal/store"
)

// ErrTaskNotFound is returned when spawning for a task that doesn't exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskFinished is returned when spawning for a task already in a
// terminal state.
var ErrTaskFinished = errors.New("task already in a terminal state")

// EventSink receives synthetic lifecycle events for persistence and
// broadcast. Implemented by the ingestion gateway.
type EventSink interface {
	EmitSynthetic(ctx context.Context, sandboxID, name string, data map[string]any) error
}

// DeadHandler remediates a session whose heartbeats have gone stale.
// Implemented by the Restarter; dead detection implies replacement, a
// different path from idle termination.
type DeadHandler interface {
	HandleDead(ctx context.Context, session *domain.Session) error
}

// Coordinator owns session lifecycle: spawn, terminate, and the periodic
// health/idle evaluation.
type Coordinator struct {
	repo       store.Repository
	msgs       queue.MessageQueue
	controller sandbox.Controller
	events     EventSink
	dead       DeadHandler
	cfg        config.IdleConfig

	// now is swappable for tests.
	now func() time.Time

	// idlePending tracks sessions flagged idle whose termination has not
	// completed yet. Telemetry only: a flagged session still counts as
	// running for every queue and event operation, and the flag is
	// revoked if a later pass sees the session active again.
	mu          sync.Mutex
	idlePending map[string]time.Time
}

// New creates a coordinator. dead may be nil, in which case stale sessions
// are only logged (no replacement).
func New(repo store.Repository, msgs queue.MessageQueue, controller sandbox.Controller, events EventSink, dead DeadHandler, cfg config.IdleConfig) *Coordinator {
	return &Coordinator{
		repo:        repo,
		msgs:        msgs,
		controller:  controller,
		events:      events,
		dead:        dead,
		cfg:         cfg,
		now:         time.Now,
		idlePending: make(map[string]time.Time),
	}
}

// SpawnForTask provisions a sandbox for a task and creates its session.
// At most one live session may exist per task.
func (c *Coordinator) SpawnForTask(ctx context.Context, taskID string) (*domain.Session, error) {
	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTaskFinished, taskID)
	}
	if existing, err := c.repo.GetActiveSessionByTask(ctx, taskID); err != nil {
		return nil, fmt.Errorf("check active session: %w", err)
	} else if existing != nil {
		return nil, fmt.Errorf("%w: %s bound to %s", store.ErrTaskHasActiveSession, taskID, existing.SandboxID)
	}

	sandboxID, err := c.controller.Spawn(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("spawn sandbox: %w", err)
	}

	now := c.now().UTC()
	session := &domain.Session{
		SandboxID: sandboxID,
		TaskID:    taskID,
		Status:    domain.StatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.repo.CreateSession(ctx, session); err != nil {
		// Lost a spawn race; tear down the extra sandbox.
		if termErr := c.controller.Terminate(ctx, sandboxID); termErr != nil {
			slog.Warn("failed to clean up sandbox after session create failure", "sandbox_id", sandboxID, "error", termErr)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	if err := c.repo.BindTaskSandbox(ctx, taskID, sandboxID); err != nil {
		slog.Error("failed to bind task to sandbox", "task_id", taskID, "sandbox_id", sandboxID, "error", err)
	}

	if err := c.events.EmitSynthetic(ctx, sandboxID, domain.EventSandboxSpawned, map[string]any{
		"task_id": taskID,
	}); err != nil {
		slog.Warn("failed to emit spawn event", "sandbox_id", sandboxID, "error", err)
	}

	slog.Info("Session created", "sandbox_id", sandboxID, "task_id", taskID)
	return session, nil
}

// Terminate handles explicit cancellation of a sandbox. Idempotent: a
// request against an already-terminated sandbox is a successful no-op.
func (c *Coordinator) Terminate(ctx context.Context, sandboxID, reason string) error {
	session, err := c.repo.GetSession(ctx, sandboxID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil || session.Terminated() {
		return nil
	}
	return c.terminate(ctx, session, domain.StatusTerminatedFailed, domain.EventSandboxTerminatedCancelled, reason, map[string]any{
		"reason": reason,
	})
}

// Run executes the health/idle evaluation on a fixed interval until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("Health monitor started",
			"interval", c.cfg.CheckInterval,
			"idle_threshold", c.cfg.IdleThreshold,
			"dead_threshold", c.cfg.DeadThreshold,
			"idle_detection", c.cfg.DetectionEnabled)

		for {
			select {
			case <-ticker.C:
				c.EvaluateOnce(ctx)
			case <-ctx.Done():
				slog.Info("Health monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// EvaluateOnce runs a single health/idle pass over all active sessions.
// Each session's check is isolated: a failure is logged and retried on the
// next pass, never propagated to other sessions.
func (c *Coordinator) EvaluateOnce(ctx context.Context) {
	sessions, err := c.repo.ListActiveSessions(ctx)
	if err != nil {
		slog.Error("Health monitor failed to list active sessions", "error", err)
		return
	}

	now := c.now().UTC()
	for _, session := range sessions {
		if err := c.evaluateSession(ctx, session, now); err != nil {
			slog.Error("Session health evaluation failed",
				"sandbox_id", session.SandboxID,
				"task_id", session.TaskID,
				"error", err)
		}
	}
}

// evaluateSession classifies one session as dead, idle, or healthy.
// Dead takes precedence: a sandbox that stopped heartbeating gets the
// replacement path, never the idle-termination path.
func (c *Coordinator) evaluateSession(ctx context.Context, session *domain.Session, now time.Time) error {
	heartbeatAt := session.LastHeartbeatAt
	if heartbeatAt.IsZero() {
		// No events yet: measure staleness from spawn so a starting
		// sandbox gets a full dead-threshold grace period.
		heartbeatAt = session.CreatedAt
	}

	if now.Sub(heartbeatAt) > c.cfg.DeadThreshold {
		slog.Warn("Sandbox classified dead",
			"sandbox_id", session.SandboxID,
			"task_id", session.TaskID,
			"heartbeat_age", now.Sub(heartbeatAt))
		c.clearIdlePending(session.SandboxID)
		if c.dead == nil {
			return nil
		}
		return c.dead.HandleDead(ctx, session)
	}

	if !c.cfg.DetectionEnabled {
		return nil
	}

	workAge := session.WorkAge(now)
	inputAge := session.InputAge(now)
	idleFor := workAge
	if inputAge < idleFor {
		idleFor = inputAge
	}

	if idleFor <= c.cfg.IdleThreshold {
		c.clearIdlePending(session.SandboxID)
		return nil
	}

	c.markIdlePending(session, idleFor)
	return c.terminateIdle(ctx, session, idleFor)
}

func (c *Coordinator) markIdlePending(session *domain.Session, idleFor time.Duration) {
	c.mu.Lock()
	_, already := c.idlePending[session.SandboxID]
	if !already {
		c.idlePending[session.SandboxID] = c.now()
	}
	c.mu.Unlock()
	if !already {
		slog.Warn("Sandbox idle, termination pending",
			"sandbox_id", session.SandboxID,
			"task_id", session.TaskID,
			"idle_for", idleFor)
	}
}

func (c *Coordinator) clearIdlePending(sandboxID string) {
	c.mu.Lock()
	if _, ok := c.idlePending[sandboxID]; ok {
		delete(c.idlePending, sandboxID)
		slog.Info("Sandbox active again, idle flag revoked", "sandbox_id", sandboxID)
	}
	c.mu.Unlock()
}

// terminateIdle kills an alive-but-unproductive sandbox. No replacement is
// spawned: an idle sandbox is responsive but stuck, and a replacement
// would reproduce the same non-productive state.
func (c *Coordinator) terminateIdle(ctx context.Context, session *domain.Session, idleFor time.Duration) error {
	reason := fmt.Sprintf("sandbox idle for %d minutes with no work progress or user input", int(idleFor.Minutes()))
	err := c.terminate(ctx, session, domain.StatusTerminatedIdle, domain.EventSandboxTerminatedIdle, reason, map[string]any{
		"reason":       "idle_timeout",
		"idle_minutes": int(idleFor.Minutes()),
	})
	if err != nil {
		return err
	}
	c.clearIdlePending(session.SandboxID)
	return nil
}

// terminate runs the common termination sequence: infrastructure teardown,
// session transition, task failure, pending-message cleanup, audit event.
func (c *Coordinator) terminate(ctx context.Context, session *domain.Session, status domain.SessionStatus, eventName, reason string, eventData map[string]any) error {
	if err := c.controller.Terminate(ctx, session.SandboxID); err != nil {
		return fmt.Errorf("terminate sandbox: %w", err)
	}

	// Termination races with the gateway's terminal-event path on the same
	// row, so retry SQLite conflicts before giving up.
	var changed bool
	err := shared.WithConflictRetry(ctx, 3, 50*time.Millisecond, func() error {
		var termErr error
		changed, termErr = c.repo.TerminateSession(ctx, session.SandboxID, status, c.now().UTC())
		return termErr
	})
	if err != nil {
		return fmt.Errorf("mark session terminated: %w", err)
	}
	if !changed {
		// Another actor already terminated this session; nothing left to do.
		return nil
	}

	if _, err := c.repo.FinalizeTask(ctx, session.TaskID, domain.TaskFailed, "", reason); err != nil {
		slog.Error("failed to fail task after termination", "task_id", session.TaskID, "error", err)
	}

	// Pending messages are dropped, not forwarded: a replacement sandbox
	// starts a fresh conversation and stale steering content may no
	// longer apply. The drop is audited below.
	dropped, err := c.msgs.Drop(ctx, session.SandboxID)
	if err != nil {
		slog.Warn("failed to drop pending messages", "sandbox_id", session.SandboxID, "error", err)
	} else if dropped > 0 {
		slog.Warn("Dropped pending messages for terminated sandbox",
			"sandbox_id", session.SandboxID, "count", dropped)
		eventData["dropped_messages"] = dropped
	}

	if err := c.events.EmitSynthetic(ctx, session.SandboxID, eventName, eventData); err != nil {
		slog.Warn("failed to emit termination event", "sandbox_id", session.SandboxID, "error", err)
	}

	slog.Info("Session terminated",
		"sandbox_id", session.SandboxID,
		"task_id", session.TaskID,
		"status", status,
		"reason", reason)
	return nil
}

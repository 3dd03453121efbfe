// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
)

// ErrTaskHasActiveSession is returned when creating a session for a task
// that already has a non-terminated session. At most one live session may
// exist per task; replacement requires terminating the old one first.
var ErrTaskHasActiveSession = errors.New("task already has an active session")

// Repository defines the interface for persisting coordinator state.
// Session timestamp updates are monotonic (max wins): an event persisted
// out of order never moves a timestamp backward.
type Repository interface {
	// CreateSession inserts a new session record. Returns
	// ErrTaskHasActiveSession if the owning task already has a live one.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by sandbox ID. Returns (nil, nil)
	// when not found.
	GetSession(ctx context.Context, sandboxID string) (*domain.Session, error)

	// GetActiveSessionByTask retrieves the non-terminated session bound
	// to a task, or (nil, nil).
	GetActiveSessionByTask(ctx context.Context, taskID string) (*domain.Session, error)

	// ListActiveSessions returns all non-terminated sessions.
	ListActiveSessions(ctx context.Context) ([]*domain.Session, error)

	// MarkSessionRunning transitions a starting session to running.
	// A session already running or terminated is left unchanged.
	MarkSessionRunning(ctx context.Context, sandboxID string, at time.Time) error

	// TouchHeartbeat advances last_heartbeat_at (max wins).
	TouchHeartbeat(ctx context.Context, sandboxID string, at time.Time) error

	// TouchWorkEvent advances last_work_event_at (max wins).
	TouchWorkEvent(ctx context.Context, sandboxID string, at time.Time) error

	// TouchUserInput advances last_user_input_at (max wins).
	TouchUserInput(ctx context.Context, sandboxID string, at time.Time) error

	// TerminateSession moves a session to a terminal status. Returns true
	// if this call performed the transition, false if the session was
	// already terminated (idempotent, not an error).
	TerminateSession(ctx context.Context, sandboxID string, status domain.SessionStatus, at time.Time) (bool, error)

	// AppendEvent persists an event to the append-only log, assigning its
	// per-store sequence number.
	AppendEvent(ctx context.Context, event *domain.Event) error

	// ListEvents returns events for a sandbox ordered by
	// (created_at, seq) ascending, optionally filtered by event type.
	// limit <= 0 means no limit.
	ListEvents(ctx context.Context, sandboxID string, limit int, eventType string) ([]*domain.Event, error)

	// CreateTask inserts a task record.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by ID. Returns (nil, nil) when not found.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// BindTaskSandbox sets (or clears, with empty sandboxID) the sandbox
	// binding on a task.
	BindTaskSandbox(ctx context.Context, taskID, sandboxID string) error

	// FinalizeTask moves a task to a terminal status. Returns true if
	// this call performed the transition; replays of terminal events on
	// an already-final task are no-ops.
	FinalizeTask(ctx context.Context, taskID string, status domain.TaskStatus, resultJSON, errorMessage string) (bool, error)

	// IncrementTaskRestarts bumps and returns the task's restart count.
	IncrementTaskRestarts(ctx context.Context, taskID string) (int, error)

	// UpsertTranscript stores captured conversation state for resumption.
	UpsertTranscript(ctx context.Context, transcript *domain.SessionTranscript) error

	// GetTranscript retrieves a transcript by session ID, or (nil, nil).
	GetTranscript(ctx context.Context, sessionID string) (*domain.SessionTranscript, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying store.
	Close() error
}

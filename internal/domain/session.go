// Package domain contains core domain types for the quarry coordinator.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a sandbox session.
type SessionStatus string

const (
	// StatusStarting is set when a sandbox has been spawned but has not
	// reported its first event yet.
	StatusStarting SessionStatus = "starting"
	// StatusRunning is set on the first event from the worker.
	StatusRunning SessionStatus = "running"
	// StatusTerminatedIdle means the session was killed by idle detection.
	StatusTerminatedIdle SessionStatus = "terminated_idle"
	// StatusTerminatedDead means the session stopped heartbeating and was
	// replaced (or given up on) by the restarter.
	StatusTerminatedDead SessionStatus = "terminated_dead"
	// StatusTerminatedCompleted means the worker reported completion.
	StatusTerminatedCompleted SessionStatus = "terminated_completed"
	// StatusTerminatedFailed means the worker reported failure or the task
	// was cancelled.
	StatusTerminatedFailed SessionStatus = "terminated_failed"
)

// Terminal reports whether the status is one of the terminated states.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusTerminatedIdle, StatusTerminatedDead, StatusTerminatedCompleted, StatusTerminatedFailed:
		return true
	default:
		return false
	}
}

// Session represents one running (or terminated) sandboxed agent instance.
// A terminated session is immutable; replacement always creates a new
// session with a new sandbox ID.
type Session struct {
	SandboxID string        `json:"sandbox_id"`
	TaskID    string        `json:"task_id"`
	Status    SessionStatus `json:"status"`

	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	LastWorkEventAt time.Time `json:"last_work_event_at"`
	LastUserInputAt time.Time `json:"last_user_input_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminated reports whether the session is in a terminal state.
func (s *Session) Terminated() bool {
	return s.Status.Terminal()
}

// HeartbeatAge returns the time since the last heartbeat.
func (s *Session) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(s.LastHeartbeatAt)
}

// WorkAge returns the time since the last work-classified event. Sessions
// that never produced a work event fall back to creation time so a freshly
// spawned sandbox is not immediately considered stale.
func (s *Session) WorkAge(now time.Time) time.Duration {
	if s.LastWorkEventAt.IsZero() {
		return now.Sub(s.CreatedAt)
	}
	return now.Sub(s.LastWorkEventAt)
}

// InputAge returns the time since the last user input, with the same
// creation-time fallback as WorkAge.
func (s *Session) InputAge(now time.Time) time.Duration {
	if s.LastUserInputAt.IsZero() {
		return now.Sub(s.CreatedAt)
	}
	return now.Sub(s.LastUserInputAt)
}

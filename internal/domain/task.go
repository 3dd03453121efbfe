package domain

import (
	"time"
)

// TaskStatus is the lifecycle state of a unit of work.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the owning unit of work for at most one live sandbox session.
// SandboxID is the single authoritative discriminant for intervention
// routing: non-empty means the task runs in a sandbox, empty means it runs
// in a legacy in-process conversation.
type Task struct {
	ID             string     `json:"id"`
	Description    string     `json:"description,omitempty"`
	Status         TaskStatus `json:"status"`
	SandboxID      string     `json:"sandbox_id,omitempty"`
	ConversationID string     `json:"conversation_id,omitempty"`
	ResultJSON     string     `json:"result,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	RestartCount   int        `json:"restart_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Sandboxed reports whether the task is bound to an active sandbox.
func (t *Task) Sandboxed() bool {
	return t.SandboxID != ""
}

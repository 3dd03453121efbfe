package domain

import (
	"encoding/json"
	"time"
)

// EventSource identifies who reported an event.
type EventSource string

const (
	SourceAgent    EventSource = "agent"
	SourceUser     EventSource = "user"
	SourceGuardian EventSource = "guardian"
	SourceSystem   EventSource = "system"
)

// ValidSource reports whether s is a recognized event source.
func ValidSource(s string) bool {
	switch EventSource(s) {
	case SourceAgent, SourceUser, SourceGuardian, SourceSystem:
		return true
	default:
		return false
	}
}

// Worker-reported event types, in "category.action" form.
const (
	EventAgentStarted     = "agent.started"
	EventAgentHeartbeat   = "agent.heartbeat"
	EventAgentThinking    = "agent.thinking"
	EventAgentMessage     = "agent.assistant_message"
	EventAgentToolUse     = "agent.tool_use"
	EventAgentToolResult  = "agent.tool_result"
	EventAgentFileEdited  = "agent.file_edited"
	EventAgentWaiting     = "agent.waiting"
	EventAgentError       = "agent.error"
	EventAgentStreamError = "agent.stream_error"
	EventAgentShutdown    = "agent.shutdown"
	EventAgentCompleted   = "agent.completed"
	EventAgentFailed      = "agent.failed"
)

// Synthetic lifecycle event types emitted by the coordinator itself.
const (
	EventSandboxSpawned             = "SANDBOX_SPAWNED"
	EventSandboxTerminatedIdle      = "SANDBOX_TERMINATED_IDLE"
	EventSandboxTerminatedDead      = "SANDBOX_TERMINATED_DEAD"
	EventSandboxTerminatedCancelled = "SANDBOX_TERMINATED_CANCELLED"
	EventSandboxMessageQueued       = "SANDBOX_MESSAGE_QUEUED"
)

// Event is an immutable fact about a sandbox. Events are append-only and
// ordered per sandbox by (CreatedAt, Seq); Seq is assigned by the store.
type Event struct {
	ID        string          `json:"id"`
	SandboxID string          `json:"sandbox_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	Source    EventSource     `json:"source"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

package domain

import (
	"time"
)

// MessageType categorizes a steering message.
type MessageType string

const (
	// MessageUser is guidance from a human observer.
	MessageUser MessageType = "user_message"
	// MessageInterrupt carries must-run-next semantics: the worker is
	// expected to stop non-model work and submit it as the next turn.
	// The queue itself never reorders; priority is consumer-interpreted.
	MessageInterrupt MessageType = "interrupt"
	// MessageGuardianNudge is a suggestion from the guardian monitor.
	MessageGuardianNudge MessageType = "guardian_nudge"
	// MessageSystem is a system-level notification.
	MessageSystem MessageType = "system"
)

// ValidMessageType reports whether t is a recognized message type.
func ValidMessageType(t string) bool {
	switch MessageType(t) {
	case MessageUser, MessageInterrupt, MessageGuardianNudge, MessageSystem:
		return true
	default:
		return false
	}
}

// UserInitiated reports whether the message type counts as user input for
// idle detection purposes.
func (t MessageType) UserInitiated() bool {
	return t == MessageUser || t == MessageInterrupt
}

// PendingMessage is a steering message awaiting delivery to a worker.
// The worker receives it on its next poll and must submit the content as a
// new, independent conversation turn, never as metadata attached to an
// in-flight turn.
type PendingMessage struct {
	MessageID   string      `json:"id"`
	SandboxID   string      `json:"sandbox_id"`
	Content     string      `json:"content"`
	MessageType MessageType `json:"message_type"`
	EnqueuedAt  time.Time   `json:"enqueued_at"`
}

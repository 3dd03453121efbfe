// Package conversation talks to the legacy conversation service, the
// delivery path for interventions on tasks that run without a sandbox.
package conversation

import "context"

// Intervention is a steering message delivered directly into a legacy
// conversation.
type Intervention struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	Source         string `json:"source"`
}

// Service delivers interventions to the legacy conversation service.
type Service interface {
	// SendIntervention injects a message into a live conversation.
	SendIntervention(ctx context.Context, iv Intervention) error

	// Healthy reports whether the backing service is reachable.
	Healthy(ctx context.Context) bool

	Close()
}

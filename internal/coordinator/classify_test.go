package coordinator

import (
	"testing"

	"github.com/quarrylabs/quarry/internal/domain"
)

func TestIsWorkEvent(t *testing.T) {
	tests := []struct {
		eventType string
		want      bool
	}{
		{domain.EventAgentHeartbeat, false},
		{domain.EventAgentStarted, false},
		{domain.EventAgentThinking, false},
		{domain.EventAgentWaiting, false},
		{domain.EventAgentError, false},
		{domain.EventAgentStreamError, false},
		{domain.EventAgentShutdown, false},
		{domain.EventAgentToolUse, true},
		{domain.EventAgentToolResult, true},
		{domain.EventAgentFileEdited, true},
		{domain.EventAgentMessage, true},
		{domain.EventAgentCompleted, true},
	}
	for _, tt := range tests {
		if got := IsWorkEvent(tt.eventType); got != tt.want {
			t.Errorf("IsWorkEvent(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestUnknownEventTypeCountsAsWork(t *testing.T) {
	// The blocklist is inverted on purpose: a type introduced after this
	// code shipped must default to work, not idle.
	if !IsWorkEvent("agent.some_future_event") {
		t.Error("Unknown event types must be classified as work")
	}
}

// Package coordinator owns per-sandbox session state: the lifecycle state
// machine, spawn/terminate operations, and the health/idle evaluation loop.
package coordinator

import (
	"github.com/quarrylabs/quarry/internal/domain"
)

// nonWorkEvents is the blocklist of event types that do NOT count as work.
// Classification is inverted on purpose: any event type not listed here is
// treated as work, so newly added event types never cause a live sandbox
// to be misread as idle.
var nonWorkEvents = map[string]struct{}{
	domain.EventAgentHeartbeat:   {},
	domain.EventAgentStarted:     {},
	domain.EventAgentThinking:    {},
	domain.EventAgentWaiting:     {},
	domain.EventAgentError:       {},
	domain.EventAgentStreamError: {},
	domain.EventAgentShutdown:    {},
}

// IsWorkEvent reports whether an event type signals genuine task progress,
// as opposed to a liveness or bookkeeping signal. Pure function of the
// event type; the ingestion gateway consults it for timestamp updates.
func IsWorkEvent(eventType string) bool {
	_, nonWork := nonWorkEvents[eventType]
	return !nonWork
}

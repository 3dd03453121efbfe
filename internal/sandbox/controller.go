// Package sandbox provides the lifecycle controller for agent sandboxes.
package sandbox

import (
	"context"
	"time"
)

// Info is a point-in-time snapshot of a sandbox's infrastructure state.
type Info struct {
	SandboxID string    `json:"sandbox_id"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// Controller spawns, terminates, and inspects sandboxes. Terminate is
// idempotent: explicit cancellation and idle/dead detection may race to
// terminate the same sandbox, and the loser must see success.
type Controller interface {
	// Spawn provisions and starts a sandbox for a task, returning the new
	// opaque sandbox ID. Sandbox IDs are never reused.
	Spawn(ctx context.Context, taskID string) (string, error)

	// Terminate stops and removes a sandbox. Terminating a sandbox that
	// is already gone is a no-op, not an error.
	Terminate(ctx context.Context, sandboxID string) error

	// GetInfo returns the sandbox's current infrastructure state.
	GetInfo(ctx context.Context, sandboxID string) (*Info, error)
}

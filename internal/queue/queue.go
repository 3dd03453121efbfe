// Package queue holds pending steering messages for sandboxes until the
// worker polls for them. Delivery is strict FIFO per sandbox and at most
// once: a drain atomically removes everything currently queued, so two
// concurrent drains can never duplicate or split a message.
//
// Durability is deliberately not load-bearing here: a replayed steering
// message is indistinguishable from a new one, so the default backend is
// in-memory. The interface exists so a durable backend can be swapped in.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quarrylabs/quarry/internal/domain"
)

// MessageQueue is the per-sandbox FIFO of pending steering messages.
type MessageQueue interface {
	// Enqueue appends a message to the sandbox's queue and returns it.
	// It never blocks on worker availability.
	Enqueue(ctx context.Context, sandboxID, content string, messageType domain.MessageType) (*domain.PendingMessage, error)

	// Drain atomically removes and returns all queued messages for the
	// sandbox in enqueue order. Exactly one concurrent caller receives
	// each message.
	Drain(ctx context.Context, sandboxID string) ([]*domain.PendingMessage, error)

	// Drop discards all queued messages for the sandbox and returns how
	// many were discarded. Used when a sandbox is terminated with
	// messages still pending.
	Drop(ctx context.Context, sandboxID string) (int, error)

	// Size returns the number of pending messages for the sandbox.
	Size(ctx context.Context, sandboxID string) (int, error)
}

// Memory implements MessageQueue with a single lock guarding all queues.
// Pop-all under the lock gives the one-drain-winner guarantee; enqueues
// that land after the snapshot simply wait for the next drain.
type Memory struct {
	mu     sync.Mutex
	queues map[string][]*domain.PendingMessage
}

// NewMemory creates an empty in-memory message queue.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string][]*domain.PendingMessage)}
}

// Enqueue appends a message to the sandbox's FIFO.
func (m *Memory) Enqueue(_ context.Context, sandboxID, content string, messageType domain.MessageType) (*domain.PendingMessage, error) {
	msg := &domain.PendingMessage{
		MessageID:   "msg-" + uuid.NewString(),
		SandboxID:   sandboxID,
		Content:     content,
		MessageType: messageType,
		EnqueuedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.queues[sandboxID] = append(m.queues[sandboxID], msg)
	m.mu.Unlock()
	return msg, nil
}

// Drain atomically removes and returns all queued messages for the sandbox.
func (m *Memory) Drain(_ context.Context, sandboxID string) ([]*domain.PendingMessage, error) {
	m.mu.Lock()
	msgs := m.queues[sandboxID]
	delete(m.queues, sandboxID)
	m.mu.Unlock()
	return msgs, nil
}

// Drop discards all queued messages for the sandbox.
func (m *Memory) Drop(_ context.Context, sandboxID string) (int, error) {
	m.mu.Lock()
	n := len(m.queues[sandboxID])
	delete(m.queues, sandboxID)
	m.mu.Unlock()
	return n, nil
}

// Size returns the number of pending messages for the sandbox.
func (m *Memory) Size(_ context.Context, sandboxID string) (int, error) {
	m.mu.Lock()
	n := len(m.queues[sandboxID])
	m.mu.Unlock()
	return n, nil
}

var _ MessageQueue = (*Memory)(nil)

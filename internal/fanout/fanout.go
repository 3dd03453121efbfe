// Package fanout provides an in-process topic broadcaster for sandbox
// events. Publishers never block: a subscriber that cannot keep up has its
// oldest buffered event dropped, since live observers only care about the
// current tail and the durable event log is the source of truth for replay.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/quarrylabs/quarry/internal/domain"
)

// Topic returns the broadcast topic for an entity.
func Topic(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// SandboxTopic returns the broadcast topic for a sandbox.
func SandboxTopic(sandboxID string) string {
	return Topic("sandbox", sandboxID)
}

// Envelope is what subscribers receive: the persisted event plus a
// normalized name so subscribers can filter without parsing payloads.
type Envelope struct {
	// Name is the normalized event name ("SANDBOX_" + event type for
	// worker events; synthetic lifecycle events are already normalized).
	Name  string        `json:"name"`
	Topic string        `json:"topic"`
	Event *domain.Event `json:"event"`
}

const subscriberBuffer = 64

// Subscription is a live attachment to one topic.
type Subscription struct {
	C     <-chan Envelope
	topic string
	ch    chan Envelope
}

// Fanout broadcasts published envelopes to all live subscribers of the
// envelope's topic. No cross-topic ordering is guaranteed; per-topic,
// subscribers observe events in publish order (minus drops).
type Fanout struct {
	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}
}

// New creates an empty fanout.
func New() *Fanout {
	return &Fanout{topics: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches to a topic. The caller must Unsubscribe when done.
func (f *Fanout) Subscribe(topic string) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan Envelope, subscriberBuffer)}
	sub.C = sub.ch

	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.topics[topic]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		f.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a subscription and closes its channel.
func (f *Fanout) Unsubscribe(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.topics[sub.topic]
	if subs == nil {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(f.topics, sub.topic)
	}
	close(sub.ch)
}

// Publish delivers env to every subscriber of env.Topic without blocking.
func (f *Fanout) Publish(env Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.topics[env.Topic] {
		if offer(sub.ch, env) {
			continue
		}
		// Buffer full: drop the oldest to make room for the newest.
		select {
		case <-sub.ch:
		default:
		}
		if !offer(sub.ch, env) {
			slog.Warn("fanout dropped event for slow subscriber", "topic", env.Topic, "name", env.Name)
		}
	}
}

// offer performs a non-blocking send.
func offer(ch chan Envelope, env Envelope) bool {
	select {
	case ch <- env:
		return true
	default:
		return false
	}
}

package fanout

import (
	"fmt"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
)

func envelope(sandboxID, name string) Envelope {
	return Envelope{
		Name:  name,
		Topic: SandboxTopic(sandboxID),
		Event: &domain.Event{SandboxID: sandboxID, EventType: name},
	}
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	f := New()
	sub := f.Subscribe(SandboxTopic("sb-1"))
	defer f.Unsubscribe(sub)

	for i := 0; i < 10; i++ {
		f.Publish(envelope("sb-1", fmt.Sprintf("event-%d", i)))
	}

	for i := 0; i < 10; i++ {
		select {
		case env := <-sub.C:
			want := fmt.Sprintf("event-%d", i)
			if env.Name != want {
				t.Errorf("Position %d: expected %s, got %s", i, want, env.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for event %d", i)
		}
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	f := New()
	sub1 := f.Subscribe(SandboxTopic("sb-1"))
	defer f.Unsubscribe(sub1)
	sub2 := f.Subscribe(SandboxTopic("sb-2"))
	defer f.Unsubscribe(sub2)

	f.Publish(envelope("sb-1", "only-for-one"))

	select {
	case env := <-sub1.C:
		if env.Name != "only-for-one" {
			t.Errorf("Unexpected event: %s", env.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("sub1 should have received the event")
	}

	select {
	case env := <-sub2.C:
		t.Errorf("sub2 should not receive sb-1 events, got %s", env.Name)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	f := New()
	sub := f.Subscribe(SandboxTopic("sb-1"))

	f.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Error("Channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	f.Publish(envelope("sb-1", "after-unsubscribe"))
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	f := New()
	sub := f.Subscribe(SandboxTopic("sb-1"))
	defer f.Unsubscribe(sub)

	// Overfill the buffer without draining.
	total := subscriberBuffer + 10
	for i := 0; i < total; i++ {
		f.Publish(envelope("sb-1", fmt.Sprintf("event-%d", i)))
	}

	// The newest event must still be present; the oldest were dropped.
	var last Envelope
	count := 0
	for {
		select {
		case env := <-sub.C:
			last = env
			count++
			continue
		default:
		}
		break
	}
	if count != subscriberBuffer {
		t.Errorf("Expected a full buffer of %d, got %d", subscriberBuffer, count)
	}
	want := fmt.Sprintf("event-%d", total-1)
	if last.Name != want {
		t.Errorf("Newest event should survive, got %s want %s", last.Name, want)
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	f := New()
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = f.Subscribe(SandboxTopic("sb-1"))
		defer f.Unsubscribe(subs[i])
	}

	f.Publish(envelope("sb-1", "broadcast"))

	for i, sub := range subs {
		select {
		case env := <-sub.C:
			if env.Name != "broadcast" {
				t.Errorf("Subscriber %d got %s", i, env.Name)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d timed out", i)
		}
	}
}

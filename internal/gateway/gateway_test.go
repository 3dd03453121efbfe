package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/coordinator"
	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/fanout"
	"github.com/quarrylabs/quarry/internal/store"
)

type fakeTerminator struct {
	calls []string
}

func (f *fakeTerminator) Terminate(_ context.Context, sandboxID string) error {
	f.calls = append(f.calls, sandboxID)
	return nil
}

func newTestGateway(t *testing.T) (*Gateway, *store.MemoryStore, *fakeTerminator) {
	t.Helper()
	repo := store.NewMemory()
	term := &fakeTerminator{}
	gw := New(repo, fanout.New(), coordinator.IsWorkEvent, term)
	return gw, repo, term
}

func seedSession(t *testing.T, repo *store.MemoryStore, sandboxID, taskID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Add(-time.Minute)
	if err := repo.CreateTask(ctx, &domain.Task{
		ID:        taskID,
		Status:    domain.TaskRunning,
		SandboxID: sandboxID,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if err := repo.CreateSession(ctx, &domain.Session{
		SandboxID: sandboxID,
		TaskID:    taskID,
		Status:    domain.StatusStarting,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
}

func TestSubmitEventUnknownSandbox(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	_, err := gw.SubmitEvent(context.Background(), "sb-ghost", domain.EventAgentHeartbeat, nil, domain.SourceAgent)
	if !errors.Is(err, ErrUnknownSandbox) {
		t.Errorf("Expected ErrUnknownSandbox, got %v", err)
	}
}

func TestSubmitEventRejectedAfterTermination(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")

	if _, err := repo.TerminateSession(context.Background(), "sb-1", domain.StatusTerminatedIdle, time.Now()); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	_, err := gw.SubmitEvent(context.Background(), "sb-1", domain.EventAgentHeartbeat, nil, domain.SourceAgent)
	if !errors.Is(err, ErrUnknownSandbox) {
		t.Errorf("Expected ErrUnknownSandbox after termination, got %v", err)
	}
}

func TestSubmitEventPersistsInOrder(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	types := []string{domain.EventAgentStarted, domain.EventAgentToolUse, domain.EventAgentToolResult}
	for _, et := range types {
		if _, err := gw.SubmitEvent(ctx, "sb-1", et, nil, domain.SourceAgent); err != nil {
			t.Fatalf("SubmitEvent(%s) failed: %v", et, err)
		}
	}

	events, err := gw.ListEvents(ctx, "sb-1", 0, "")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != len(types) {
		t.Fatalf("Expected %d events, got %d", len(types), len(events))
	}
	for i, ev := range events {
		if ev.EventType != types[i] {
			t.Errorf("Event %d: expected %s, got %s", i, types[i], ev.EventType)
		}
		if i > 0 && events[i].Seq <= events[i-1].Seq {
			t.Errorf("Sequence not increasing at %d: %d <= %d", i, events[i].Seq, events[i-1].Seq)
		}
	}
}

func TestFirstEventMarksSessionRunning(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	if _, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentStarted, nil, domain.SourceAgent); err != nil {
		t.Fatalf("SubmitEvent failed: %v", err)
	}

	session, err := repo.GetSession(ctx, "sb-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if session.Status != domain.StatusRunning {
		t.Errorf("Expected running, got %s", session.Status)
	}
}

func TestWorkEventAdvancesBothClocks(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	if _, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentToolUse, nil, domain.SourceAgent); err != nil {
		t.Fatalf("SubmitEvent failed: %v", err)
	}

	session, _ := repo.GetSession(ctx, "sb-1")
	if session.LastHeartbeatAt.IsZero() {
		t.Error("Work event should advance heartbeat clock")
	}
	if session.LastWorkEventAt.IsZero() {
		t.Error("Work event should advance work clock")
	}
}

func TestAlternatingEventsTrackWorkClockPrecisely(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-2", "task-2")
	ctx := context.Background()

	var lastWork *domain.Event
	for i := 0; i < 10; i++ {
		eventType := domain.EventAgentHeartbeat
		if i%2 == 1 {
			eventType = domain.EventAgentToolUse
		}
		ev, err := gw.SubmitEvent(ctx, "sb-2", eventType, nil, domain.SourceAgent)
		if err != nil {
			t.Fatalf("SubmitEvent %d failed: %v", i, err)
		}
		if eventType == domain.EventAgentToolUse {
			lastWork = ev
		}
	}

	session, _ := repo.GetSession(ctx, "sb-2")
	if !session.LastWorkEventAt.Equal(lastWork.CreatedAt) {
		t.Errorf("Work clock should match last tool_use at %v, got %v",
			lastWork.CreatedAt, session.LastWorkEventAt)
	}
	if session.LastHeartbeatAt.Before(session.LastWorkEventAt) {
		t.Error("Heartbeat clock should be at least as fresh as the work clock")
	}
}

func TestHeartbeatDoesNotAdvanceWorkClock(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	if _, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentHeartbeat, nil, domain.SourceAgent); err != nil {
		t.Fatalf("SubmitEvent failed: %v", err)
	}

	session, _ := repo.GetSession(ctx, "sb-1")
	if session.LastHeartbeatAt.IsZero() {
		t.Error("Heartbeat should advance heartbeat clock")
	}
	if !session.LastWorkEventAt.IsZero() {
		t.Error("Heartbeat must not advance work clock")
	}
}

func TestCompletedEventFinalizesTaskAndSession(t *testing.T) {
	gw, repo, term := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{
		"task_id":  "task-1",
		"turns":    7,
		"cost_usd": 0.42,
	})
	if _, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentCompleted, payload, domain.SourceAgent); err != nil {
		t.Fatalf("SubmitEvent failed: %v", err)
	}

	task, _ := repo.GetTask(ctx, "task-1")
	if task.Status != domain.TaskCompleted {
		t.Errorf("Expected task completed, got %s", task.Status)
	}
	if task.ResultJSON == "" {
		t.Error("Expected result payload on completed task")
	}

	session, _ := repo.GetSession(ctx, "sb-1")
	if session.Status != domain.StatusTerminatedCompleted {
		t.Errorf("Expected terminated_completed, got %s", session.Status)
	}

	if len(term.calls) != 1 || term.calls[0] != "sb-1" {
		t.Errorf("Expected one teardown call for sb-1, got %v", term.calls)
	}
}

func TestFailedEventReplayIsIdempotent(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"task_id": "task-1", "error": "boom"})
	if _, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentFailed, payload, domain.SourceAgent); err != nil {
		t.Fatalf("First terminal event failed: %v", err)
	}

	// The replay targets a now-terminated session and must be rejected,
	// leaving the task untouched.
	_, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentFailed, payload, domain.SourceAgent)
	if !errors.Is(err, ErrUnknownSandbox) {
		t.Errorf("Expected ErrUnknownSandbox on replay, got %v", err)
	}

	task, _ := repo.GetTask(ctx, "task-1")
	if task.Status != domain.TaskFailed || task.ErrorMessage != "boom" {
		t.Errorf("Task state changed by replay: %+v", task)
	}
}

func TestCompletedEventCapturesTranscript(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{
		"task_id":        "task-1",
		"session_id":     "conv-9",
		"transcript_b64": "ZXhhbXBsZQ==",
		"turns":          3,
	})
	if _, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentCompleted, payload, domain.SourceAgent); err != nil {
		t.Fatalf("SubmitEvent failed: %v", err)
	}

	tr, err := repo.GetTranscript(ctx, "conv-9")
	if err != nil {
		t.Fatalf("GetTranscript failed: %v", err)
	}
	if tr == nil {
		t.Fatal("Expected transcript to be captured")
	}
	if tr.TranscriptB64 != "ZXhhbXBsZQ==" || tr.TaskID != "task-1" || tr.SandboxID != "sb-1" {
		t.Errorf("Unexpected transcript: %+v", tr)
	}
}

func TestSubscriberReceivesNormalizedEvents(t *testing.T) {
	repo := store.NewMemory()
	bus := fanout.New()
	gw := New(repo, bus, coordinator.IsWorkEvent, nil)
	seedSession(t, repo, "sb-1", "task-1")

	sub := bus.Subscribe(fanout.SandboxTopic("sb-1"))
	defer bus.Unsubscribe(sub)

	if _, err := gw.SubmitEvent(context.Background(), "sb-1", domain.EventAgentToolUse, nil, domain.SourceAgent); err != nil {
		t.Fatalf("SubmitEvent failed: %v", err)
	}

	select {
	case env := <-sub.C:
		if env.Name != "SANDBOX_agent.tool_use" {
			t.Errorf("Expected normalized name SANDBOX_agent.tool_use, got %s", env.Name)
		}
		if env.Event.SandboxID != "sb-1" {
			t.Errorf("Unexpected event sandbox: %s", env.Event.SandboxID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for broadcast")
	}
}

func TestConcurrentSubmissionsPublishInPersistedOrder(t *testing.T) {
	repo := store.NewMemory()
	bus := fanout.New()
	gw := New(repo, bus, coordinator.IsWorkEvent, nil)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	sub := bus.Subscribe(fanout.SandboxTopic("sb-1"))
	defer bus.Unsubscribe(sub)

	// Collect sequences as the broadcast delivers them. The reader drains
	// continuously so the buffer never drops under load.
	var seqs []int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for env := range sub.C {
			if env.Name == "SANDBOX_stream.flush" {
				return
			}
			seqs = append(seqs, env.Event.Seq)
		}
	}()

	// Worker events race synthetic notifications on the same sandbox.
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := gw.SubmitEvent(ctx, "sb-1", domain.EventAgentToolUse, nil, domain.SourceAgent); err != nil {
					t.Errorf("SubmitEvent failed: %v", err)
					return
				}
			}
		}()
	}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := gw.EmitSynthetic(ctx, "sb-1", domain.EventSandboxMessageQueued, map[string]any{"queue_size": i}); err != nil {
					t.Errorf("EmitSynthetic failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if err := gw.EmitSynthetic(ctx, "sb-1", "stream.flush", nil); err != nil {
		t.Fatalf("EmitSynthetic failed: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out draining subscriber")
	}

	// The fanout may shed load for a slow subscriber, but never reorder:
	// observed sequences must be strictly increasing.
	if len(seqs) == 0 {
		t.Fatal("Subscriber observed no events")
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("Broadcast order diverged from persisted order at %d: seq %d after seq %d",
				i, seqs[i], seqs[i-1])
		}
	}
}

func TestEmitSyntheticBypassesLiveness(t *testing.T) {
	gw, repo, _ := newTestGateway(t)
	seedSession(t, repo, "sb-1", "task-1")
	ctx := context.Background()

	if _, err := repo.TerminateSession(ctx, "sb-1", domain.StatusTerminatedIdle, time.Now()); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	if err := gw.EmitSynthetic(ctx, "sb-1", domain.EventSandboxTerminatedIdle, map[string]any{"reason": "idle_timeout"}); err != nil {
		t.Fatalf("EmitSynthetic failed: %v", err)
	}

	events, _ := gw.ListEvents(ctx, "sb-1", 0, domain.EventSandboxTerminatedIdle)
	if len(events) != 1 {
		t.Fatalf("Expected 1 synthetic event, got %d", len(events))
	}
	if events[0].Source != domain.SourceSystem {
		t.Errorf("Expected system source, got %s", events[0].Source)
	}
}

func TestNormalizedName(t *testing.T) {
	if got := NormalizedName("agent.tool_use"); got != "SANDBOX_agent.tool_use" {
		t.Errorf("Unexpected normalized name: %s", got)
	}
	if got := NormalizedName(domain.EventSandboxSpawned); got != domain.EventSandboxSpawned {
		t.Errorf("Synthetic name should pass through, got %s", got)
	}
}

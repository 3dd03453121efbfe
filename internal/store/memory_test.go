package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
)

func TestTouchIsMonotonic(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	if err := repo.CreateSession(ctx, &domain.Session{
		SandboxID: "sb-1",
		TaskID:    "task-1",
		Status:    domain.StatusRunning,
		CreatedAt: base.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := repo.TouchHeartbeat(ctx, "sb-1", base); err != nil {
		t.Fatalf("TouchHeartbeat failed: %v", err)
	}
	// A delayed event carrying an older timestamp must not rewind the clock.
	if err := repo.TouchHeartbeat(ctx, "sb-1", base.Add(-time.Minute)); err != nil {
		t.Fatalf("TouchHeartbeat failed: %v", err)
	}

	session, _ := repo.GetSession(ctx, "sb-1")
	if !session.LastHeartbeatAt.Equal(base) {
		t.Errorf("Heartbeat rewound: got %v, want %v", session.LastHeartbeatAt, base)
	}

	// A newer timestamp advances it.
	later := base.Add(time.Minute)
	if err := repo.TouchHeartbeat(ctx, "sb-1", later); err != nil {
		t.Fatalf("TouchHeartbeat failed: %v", err)
	}
	session, _ = repo.GetSession(ctx, "sb-1")
	if !session.LastHeartbeatAt.Equal(later) {
		t.Errorf("Heartbeat not advanced: got %v, want %v", session.LastHeartbeatAt, later)
	}
}

func TestOneLiveSessionPerTask(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	if err := repo.CreateSession(ctx, &domain.Session{
		SandboxID: "sb-1", TaskID: "task-1", Status: domain.StatusRunning,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	err := repo.CreateSession(ctx, &domain.Session{
		SandboxID: "sb-2", TaskID: "task-1", Status: domain.StatusStarting,
	})
	if !errors.Is(err, ErrTaskHasActiveSession) {
		t.Errorf("Expected ErrTaskHasActiveSession, got %v", err)
	}

	// After terminating the live session, a replacement is allowed.
	if _, err := repo.TerminateSession(ctx, "sb-1", domain.StatusTerminatedDead, time.Now()); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}
	if err := repo.CreateSession(ctx, &domain.Session{
		SandboxID: "sb-2", TaskID: "task-1", Status: domain.StatusStarting,
	}); err != nil {
		t.Errorf("Replacement session should be allowed, got %v", err)
	}
}

func TestTerminateSessionIdempotent(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	if err := repo.CreateSession(ctx, &domain.Session{
		SandboxID: "sb-1", TaskID: "task-1", Status: domain.StatusRunning,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	changed, err := repo.TerminateSession(ctx, "sb-1", domain.StatusTerminatedIdle, time.Now())
	if err != nil || !changed {
		t.Fatalf("First terminate: changed=%v err=%v", changed, err)
	}

	changed, err = repo.TerminateSession(ctx, "sb-1", domain.StatusTerminatedDead, time.Now())
	if err != nil {
		t.Fatalf("Second terminate errored: %v", err)
	}
	if changed {
		t.Error("Second terminate must report no change")
	}

	// The first terminal status sticks.
	session, _ := repo.GetSession(ctx, "sb-1")
	if session.Status != domain.StatusTerminatedIdle {
		t.Errorf("Terminal status overwritten: %s", session.Status)
	}
}

func TestTouchIgnoresTerminatedSession(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	if err := repo.CreateSession(ctx, &domain.Session{
		SandboxID: "sb-1", TaskID: "task-1", Status: domain.StatusRunning,
	}); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := repo.TerminateSession(ctx, "sb-1", domain.StatusTerminatedIdle, time.Now()); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	if err := repo.TouchWorkEvent(ctx, "sb-1", time.Now()); err != nil {
		t.Fatalf("TouchWorkEvent failed: %v", err)
	}
	session, _ := repo.GetSession(ctx, "sb-1")
	if !session.LastWorkEventAt.IsZero() {
		t.Error("Terminated session clocks must not move")
	}
}

func TestFinalizeTaskOnce(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	if err := repo.CreateTask(ctx, &domain.Task{ID: "task-1", Status: domain.TaskRunning}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	finalized, err := repo.FinalizeTask(ctx, "task-1", domain.TaskCompleted, `{"ok":true}`, "")
	if err != nil || !finalized {
		t.Fatalf("First finalize: finalized=%v err=%v", finalized, err)
	}

	finalized, err = repo.FinalizeTask(ctx, "task-1", domain.TaskFailed, "", "late failure")
	if err != nil {
		t.Fatalf("Second finalize errored: %v", err)
	}
	if finalized {
		t.Error("Second finalize must be a no-op")
	}

	task, _ := repo.GetTask(ctx, "task-1")
	if task.Status != domain.TaskCompleted || task.ResultJSON != `{"ok":true}` {
		t.Errorf("Terminal task mutated: %+v", task)
	}
}

func TestListEventsOrderAndFilter(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	// Append with identical timestamps; seq breaks the tie.
	for i, et := range []string{"agent.started", "agent.tool_use", "agent.tool_use"} {
		ev := &domain.Event{
			ID:        string(rune('a' + i)),
			SandboxID: "sb-1",
			EventType: et,
			CreatedAt: base,
		}
		if err := repo.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := repo.ListEvents(ctx, "sb-1", 0, "")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("Expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("Events out of order at %d", i)
		}
	}

	filtered, err := repo.ListEvents(ctx, "sb-1", 0, "agent.tool_use")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("Expected 2 filtered events, got %d", len(filtered))
	}
}

package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/queue"
	"github.com/quarrylabs/quarry/internal/store"
)

func newRestarterFixture(t *testing.T, maxRetries int) (*Restarter, *store.MemoryStore, *fakeController, *fakeSink) {
	t.Helper()
	repo := store.NewMemory()
	msgs := queue.NewMemory()
	controller := newFakeController()
	sink := &fakeSink{}
	r := NewRestarter(repo, msgs, controller, sink, maxRetries)
	return r, repo, controller, sink
}

func seedDeadSession(t *testing.T, repo *store.MemoryStore, sandboxID, taskID string, restarts int) *domain.Session {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := repo.CreateTask(ctx, &domain.Task{
		ID:           taskID,
		Status:       domain.TaskRunning,
		SandboxID:    sandboxID,
		RestartCount: restarts,
		CreatedAt:    now.Add(-time.Hour),
		UpdatedAt:    now.Add(-time.Hour),
	}); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	session := &domain.Session{
		SandboxID:       sandboxID,
		TaskID:          taskID,
		Status:          domain.StatusRunning,
		LastHeartbeatAt: now.Add(-5 * time.Minute),
		CreatedAt:       now.Add(-time.Hour),
		UpdatedAt:       now.Add(-5 * time.Minute),
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return session
}

func TestHandleDeadReplacesSandbox(t *testing.T) {
	r, repo, controller, sink := newRestarterFixture(t, 3)
	session := seedDeadSession(t, repo, "sb-dead", "task-1", 0)
	ctx := context.Background()

	if err := r.HandleDead(ctx, session); err != nil {
		t.Fatalf("HandleDead failed: %v", err)
	}

	old, _ := repo.GetSession(ctx, "sb-dead")
	if old.Status != domain.StatusTerminatedDead {
		t.Errorf("Expected terminated_dead, got %s", old.Status)
	}

	task, _ := repo.GetTask(ctx, "task-1")
	if task.SandboxID == "" || task.SandboxID == "sb-dead" {
		t.Errorf("Task should be rebound to a fresh sandbox, got %q", task.SandboxID)
	}
	if task.RestartCount != 1 {
		t.Errorf("Expected restart count 1, got %d", task.RestartCount)
	}

	replacement, _ := repo.GetActiveSessionByTask(ctx, "task-1")
	if replacement == nil {
		t.Fatal("Expected a replacement session")
	}
	if replacement.SandboxID == "sb-dead" {
		t.Error("Replacement must get a new sandbox ID")
	}
	if replacement.Status != domain.StatusStarting {
		t.Errorf("Expected starting, got %s", replacement.Status)
	}

	deadEvents := sink.byName(domain.EventSandboxTerminatedDead)
	if len(deadEvents) != 1 || deadEvents[0].sandboxID != "sb-dead" {
		t.Errorf("Expected dead event for sb-dead, got %v", deadEvents)
	}
	spawnEvents := sink.byName(domain.EventSandboxSpawned)
	if len(spawnEvents) != 1 {
		t.Fatalf("Expected one spawn event, got %d", len(spawnEvents))
	}
	if spawnEvents[0].data["replaces"] != "sb-dead" {
		t.Errorf("Spawn event should name the replaced sandbox, got %v", spawnEvents[0].data)
	}

	if got := controller.terminations(); len(got) != 1 || got[0] != "sb-dead" {
		t.Errorf("Expected teardown of sb-dead, got %v", got)
	}
}

func TestHandleDeadDropsPendingMessages(t *testing.T) {
	repo := store.NewMemory()
	msgs := queue.NewMemory()
	controller := newFakeController()
	sink := &fakeSink{}
	r := NewRestarter(repo, msgs, controller, sink, 3)
	session := seedDeadSession(t, repo, "sb-dead", "task-1", 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := msgs.Enqueue(ctx, "sb-dead", "stale", domain.MessageUser); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	if err := r.HandleDead(ctx, session); err != nil {
		t.Fatalf("HandleDead failed: %v", err)
	}

	size, _ := msgs.Size(ctx, "sb-dead")
	if size != 0 {
		t.Errorf("Stale messages should be dropped, %d left", size)
	}
	deadEvents := sink.byName(domain.EventSandboxTerminatedDead)
	if len(deadEvents) != 1 || deadEvents[0].data["dropped_messages"] != 2 {
		t.Errorf("Dead event should audit dropped messages, got %v", deadEvents)
	}
}

func TestHandleDeadBudgetExhausted(t *testing.T) {
	r, repo, controller, sink := newRestarterFixture(t, 2)
	session := seedDeadSession(t, repo, "sb-dead", "task-1", 2)
	ctx := context.Background()

	if err := r.HandleDead(ctx, session); err != nil {
		t.Fatalf("HandleDead failed: %v", err)
	}

	task, _ := repo.GetTask(ctx, "task-1")
	if task.Status != domain.TaskFailed {
		t.Errorf("Expected failed task after budget exhaustion, got %s", task.Status)
	}
	if task.RestartCount != 3 {
		t.Errorf("Expected restart count 3, got %d", task.RestartCount)
	}

	if controller.spawnCount != 0 {
		t.Errorf("No replacement expected past the budget, got %d spawns", controller.spawnCount)
	}
	if spawns := sink.byName(domain.EventSandboxSpawned); len(spawns) != 0 {
		t.Errorf("No spawn event expected past the budget, got %d", len(spawns))
	}
}

func TestHandleDeadLostRaceIsNoOp(t *testing.T) {
	r, repo, controller, sink := newRestarterFixture(t, 3)
	session := seedDeadSession(t, repo, "sb-dead", "task-1", 0)
	ctx := context.Background()

	// Someone else terminated the session between listing and handling.
	if _, err := repo.TerminateSession(ctx, "sb-dead", domain.StatusTerminatedFailed, time.Now()); err != nil {
		t.Fatalf("TerminateSession failed: %v", err)
	}

	if err := r.HandleDead(ctx, session); err != nil {
		t.Fatalf("HandleDead failed: %v", err)
	}

	if controller.spawnCount != 0 {
		t.Errorf("Lost race must not spawn a replacement, got %d", controller.spawnCount)
	}
	if events := sink.byName(domain.EventSandboxTerminatedDead); len(events) != 0 {
		t.Errorf("Lost race must not emit a dead event, got %d", len(events))
	}
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
)

// MemoryStore implements Repository in memory. It backs tests and local
// development; production uses the SQLite store so process restarts do not
// lose in-flight sessions.
type MemoryStore struct {
	mu          sync.Mutex
	sessions    map[string]*domain.Session
	events      []*domain.Event
	tasks       map[string]*domain.Task
	transcripts map[string]*domain.SessionTranscript
	nextSeq     int64
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*domain.Session),
		tasks:       make(map[string]*domain.Task),
		transcripts: make(map[string]*domain.SessionTranscript),
	}
}

// CreateSession inserts a new session record.
func (m *MemoryStore) CreateSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TaskID == session.TaskID && !s.Terminated() {
			return ErrTaskHasActiveSession
		}
	}
	cp := *session
	m.sessions[session.SandboxID] = &cp
	return nil
}

// GetSession retrieves a session by sandbox ID.
func (m *MemoryStore) GetSession(_ context.Context, sandboxID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sandboxID]
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

// GetActiveSessionByTask retrieves the live session bound to a task.
func (m *MemoryStore) GetActiveSessionByTask(_ context.Context, taskID string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.TaskID == taskID && !s.Terminated() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

// ListActiveSessions returns all non-terminated sessions.
func (m *MemoryStore) ListActiveSessions(_ context.Context) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if !s.Terminated() {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MarkSessionRunning transitions a starting session to running.
func (m *MemoryStore) MarkSessionRunning(_ context.Context, sandboxID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sandboxID]
	if s != nil && s.Status == domain.StatusStarting {
		s.Status = domain.StatusRunning
		s.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) touch(sandboxID string, at time.Time, pick func(*domain.Session) *time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sandboxID]
	if s == nil || s.Terminated() {
		return
	}
	field := pick(s)
	if at.After(*field) {
		*field = at
	}
	s.UpdatedAt = time.Now()
}

// TouchHeartbeat advances last_heartbeat_at (max wins).
func (m *MemoryStore) TouchHeartbeat(_ context.Context, sandboxID string, at time.Time) error {
	m.touch(sandboxID, at, func(s *domain.Session) *time.Time { return &s.LastHeartbeatAt })
	return nil
}

// TouchWorkEvent advances last_work_event_at (max wins).
func (m *MemoryStore) TouchWorkEvent(_ context.Context, sandboxID string, at time.Time) error {
	m.touch(sandboxID, at, func(s *domain.Session) *time.Time { return &s.LastWorkEventAt })
	return nil
}

// TouchUserInput advances last_user_input_at (max wins).
func (m *MemoryStore) TouchUserInput(_ context.Context, sandboxID string, at time.Time) error {
	m.touch(sandboxID, at, func(s *domain.Session) *time.Time { return &s.LastUserInputAt })
	return nil
}

// TerminateSession moves a session to a terminal status.
func (m *MemoryStore) TerminateSession(_ context.Context, sandboxID string, status domain.SessionStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sandboxID]
	if s == nil || s.Terminated() {
		return false, nil
	}
	s.Status = status
	s.UpdatedAt = at
	return true, nil
}

// AppendEvent persists an event to the append-only log.
func (m *MemoryStore) AppendEvent(_ context.Context, event *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSeq++
	event.Seq = m.nextSeq
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// ListEvents returns events for a sandbox in persisted order.
func (m *MemoryStore) ListEvents(_ context.Context, sandboxID string, limit int, eventType string) ([]*domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Event
	for _, ev := range m.events {
		if ev.SandboxID != sandboxID {
			continue
		}
		if eventType != "" && ev.EventType != eventType {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateTask inserts a task record.
func (m *MemoryStore) CreateTask(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (m *MemoryStore) GetTask(_ context.Context, taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

// BindTaskSandbox sets or clears the sandbox binding on a task.
func (m *MemoryStore) BindTaskSandbox(_ context.Context, taskID, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		return nil
	}
	t.SandboxID = sandboxID
	t.UpdatedAt = time.Now()
	return nil
}

// FinalizeTask moves a task to a terminal status.
func (m *MemoryStore) FinalizeTask(_ context.Context, taskID string, status domain.TaskStatus, resultJSON, errorMessage string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil || t.Status.Terminal() {
		return false, nil
	}
	t.Status = status
	t.ResultJSON = resultJSON
	t.ErrorMessage = errorMessage
	t.UpdatedAt = time.Now()
	return true, nil
}

// IncrementTaskRestarts bumps and returns the task's restart count.
func (m *MemoryStore) IncrementTaskRestarts(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tasks[taskID]
	if t == nil {
		return 0, nil
	}
	t.RestartCount++
	return t.RestartCount, nil
}

// UpsertTranscript stores captured conversation state for resumption.
func (m *MemoryStore) UpsertTranscript(_ context.Context, transcript *domain.SessionTranscript) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *transcript
	existing := m.transcripts[transcript.SessionID]
	if existing != nil && cp.TaskID == "" {
		cp.TaskID = existing.TaskID
	}
	m.transcripts[transcript.SessionID] = &cp
	return nil
}

// GetTranscript retrieves a transcript by session ID.
func (m *MemoryStore) GetTranscript(_ context.Context, sessionID string) (*domain.SessionTranscript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr := m.transcripts[sessionID]
	if tr == nil {
		return nil, nil
	}
	cp := *tr
	return &cp, nil
}

// Ping verifies connectivity.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close closes the underlying store.
func (m *MemoryStore) Close() error { return nil }

var _ Repository = (*MemoryStore)(nil)

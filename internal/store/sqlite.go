package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS sessions (
		sandbox_id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		last_heartbeat_at INTEGER NOT NULL DEFAULT 0,
		last_work_event_at INTEGER NOT NULL DEFAULT 0,
		last_user_input_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_task ON sessions(task_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_task ON sessions(task_id)
		WHERE status IN ('starting', 'running');

	CREATE TABLE IF NOT EXISTS sandbox_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		sandbox_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_data TEXT NOT NULL DEFAULT '{}',
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_sandbox ON sandbox_events(sandbox_id, created_at, seq);

	CREATE TABLE IF NOT EXISTS tasks (
		task_id TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		sandbox_id TEXT,
		conversation_id TEXT,
		result_json TEXT,
		error_message TEXT,
		restart_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_sandbox ON tasks(sandbox_id) WHERE sandbox_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS session_transcripts (
		session_id TEXT PRIMARY KEY,
		sandbox_id TEXT NOT NULL,
		task_id TEXT,
		transcript_b64 TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO sessions (sandbox_id, task_id, status, last_heartbeat_at,
		last_work_event_at, last_user_input_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.SandboxID, session.TaskID, string(session.Status),
		unixOrZero(session.LastHeartbeatAt), unixOrZero(session.LastWorkEventAt),
		unixOrZero(session.LastUserInputAt),
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "idx_sessions_live_task") {
			return ErrTaskHasActiveSession
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `sandbox_id, task_id, status, last_heartbeat_at,
	last_work_event_at, last_user_input_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var sess domain.Session
	var status string
	var heartbeat, work, input, createdAt, updatedAt int64

	err := row.Scan(
		&sess.SandboxID, &sess.TaskID, &status,
		&heartbeat, &work, &input, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	sess.LastHeartbeatAt = timeOrZero(heartbeat)
	sess.LastWorkEventAt = timeOrZero(work)
	sess.LastUserInputAt = timeOrZero(input)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

// GetSession retrieves a session by sandbox ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sandboxID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE sandbox_id = ?`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, sandboxID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// GetActiveSessionByTask retrieves the live session bound to a task.
func (s *SQLiteStore) GetActiveSessionByTask(ctx context.Context, taskID string) (*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE task_id = ? AND status IN ('starting', 'running')`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan active session row: %w", err)
	}
	return sess, nil
}

// ListActiveSessions returns all non-terminated sessions.
func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]*domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status IN ('starting', 'running') ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close active sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan active session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active sessions: %w", err)
	}
	return sessions, nil
}

// MarkSessionRunning transitions a starting session to running.
func (s *SQLiteStore) MarkSessionRunning(ctx context.Context, sandboxID string, at time.Time) error {
	query := `UPDATE sessions SET status = ?, updated_at = ?
		WHERE sandbox_id = ? AND status = ?`
	_, err := s.db.ExecContext(ctx, query,
		string(domain.StatusRunning), at.Unix(), sandboxID, string(domain.StatusStarting))
	if err != nil {
		return fmt.Errorf("mark session running: %w", err)
	}
	return nil
}

// touchTimestamp advances one timestamp column monotonically. Events that
// arrive out of order never move a timestamp backward.
func (s *SQLiteStore) touchTimestamp(ctx context.Context, column, sandboxID string, at time.Time) error {
	//nolint:gosec // column is one of three compile-time constants below.
	query := `UPDATE sessions SET ` + column + ` = MAX(` + column + `, ?), updated_at = ?
		WHERE sandbox_id = ? AND status IN ('starting', 'running')`
	_, err := s.db.ExecContext(ctx, query, at.Unix(), time.Now().Unix(), sandboxID)
	if err != nil {
		return fmt.Errorf("touch %s: %w", column, err)
	}
	return nil
}

// TouchHeartbeat advances last_heartbeat_at.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, sandboxID string, at time.Time) error {
	return s.touchTimestamp(ctx, "last_heartbeat_at", sandboxID, at)
}

// TouchWorkEvent advances last_work_event_at.
func (s *SQLiteStore) TouchWorkEvent(ctx context.Context, sandboxID string, at time.Time) error {
	return s.touchTimestamp(ctx, "last_work_event_at", sandboxID, at)
}

// TouchUserInput advances last_user_input_at.
func (s *SQLiteStore) TouchUserInput(ctx context.Context, sandboxID string, at time.Time) error {
	return s.touchTimestamp(ctx, "last_user_input_at", sandboxID, at)
}

// TerminateSession moves a session to a terminal status.
func (s *SQLiteStore) TerminateSession(ctx context.Context, sandboxID string, status domain.SessionStatus, at time.Time) (bool, error) {
	query := `UPDATE sessions SET status = ?, updated_at = ?
		WHERE sandbox_id = ? AND status IN ('starting', 'running')`
	result, err := s.db.ExecContext(ctx, query, string(status), at.Unix(), sandboxID)
	if err != nil {
		return false, fmt.Errorf("terminate session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// AppendEvent persists an event to the append-only log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *domain.Event) error {
	data := string(event.EventData)
	if data == "" {
		data = "{}"
	}

	query := `
	INSERT INTO sandbox_events (event_id, sandbox_id, event_type, event_data, source, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		event.ID, event.SandboxID, event.EventType, data,
		string(event.Source), event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("event sequence: %w", err)
	}
	event.Seq = seq
	return nil
}

// ListEvents returns events for a sandbox in persisted order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sandboxID string, limit int, eventType string) ([]*domain.Event, error) {
	query := `SELECT event_id, sandbox_id, event_type, event_data, source, seq, created_at
		FROM sandbox_events WHERE sandbox_id = ?`
	args := []any{sandboxID}

	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at, seq`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var data, source string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SandboxID, &ev.EventType, &data, &source, &ev.Seq, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.EventData = []byte(data)
		ev.Source = domain.EventSource(source)
		ev.CreatedAt = time.Unix(createdAt, 0)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// CreateTask inserts a task record.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	query := `
	INSERT INTO tasks (task_id, description, status, sandbox_id, conversation_id,
		result_json, error_message, restart_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.Description, string(task.Status),
		nullable(task.SandboxID), nullable(task.ConversationID),
		nullable(task.ResultJSON), nullable(task.ErrorMessage),
		task.RestartCount, task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	query := `SELECT task_id, description, status, sandbox_id, conversation_id,
		result_json, error_message, restart_count, created_at, updated_at
		FROM tasks WHERE task_id = ?`

	row := s.db.QueryRowContext(ctx, query, taskID)

	var task domain.Task
	var status string
	var sandboxID, conversationID, resultJSON, errorMessage sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&task.ID, &task.Description, &status, &sandboxID, &conversationID,
		&resultJSON, &errorMessage, &task.RestartCount, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan task row: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.SandboxID = sandboxID.String
	task.ConversationID = conversationID.String
	task.ResultJSON = resultJSON.String
	task.ErrorMessage = errorMessage.String
	task.CreatedAt = time.Unix(createdAt, 0)
	task.UpdatedAt = time.Unix(updatedAt, 0)
	return &task, nil
}

// BindTaskSandbox sets or clears the sandbox binding on a task.
func (s *SQLiteStore) BindTaskSandbox(ctx context.Context, taskID, sandboxID string) error {
	query := `UPDATE tasks SET sandbox_id = ?, updated_at = ? WHERE task_id = ?`
	result, err := s.db.ExecContext(ctx, query, nullable(sandboxID), time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("bind task sandbox: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// FinalizeTask moves a task to a terminal status. Already-final tasks are
// left untouched so terminal-event replays never re-finalize.
func (s *SQLiteStore) FinalizeTask(ctx context.Context, taskID string, status domain.TaskStatus, resultJSON, errorMessage string) (bool, error) {
	query := `UPDATE tasks SET status = ?, result_json = ?, error_message = ?, updated_at = ?
		WHERE task_id = ? AND status NOT IN ('completed', 'failed')`
	result, err := s.db.ExecContext(ctx, query,
		string(status), nullable(resultJSON), nullable(errorMessage),
		time.Now().Unix(), taskID)
	if err != nil {
		return false, fmt.Errorf("finalize task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// IncrementTaskRestarts bumps and returns the task's restart count.
func (s *SQLiteStore) IncrementTaskRestarts(ctx context.Context, taskID string) (int, error) {
	query := `UPDATE tasks SET restart_count = restart_count + 1, updated_at = ? WHERE task_id = ?`
	if _, err := s.db.ExecContext(ctx, query, time.Now().Unix(), taskID); err != nil {
		return 0, fmt.Errorf("increment restarts: %w", err)
	}

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT restart_count FROM tasks WHERE task_id = ?`, taskID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("read restart count: %w", err)
	}
	return count, nil
}

// UpsertTranscript stores captured conversation state for resumption.
func (s *SQLiteStore) UpsertTranscript(ctx context.Context, transcript *domain.SessionTranscript) error {
	query := `
	INSERT INTO session_transcripts (session_id, sandbox_id, task_id, transcript_b64,
		metadata_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		sandbox_id = excluded.sandbox_id,
		task_id = COALESCE(excluded.task_id, session_transcripts.task_id),
		transcript_b64 = excluded.transcript_b64,
		metadata_json = excluded.metadata_json,
		updated_at = excluded.updated_at`

	now := time.Now().Unix()
	_, err := s.db.ExecContext(ctx, query,
		transcript.SessionID, transcript.SandboxID, nullable(transcript.TaskID),
		transcript.TranscriptB64, nullable(transcript.MetadataJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// GetTranscript retrieves a transcript by session ID.
func (s *SQLiteStore) GetTranscript(ctx context.Context, sessionID string) (*domain.SessionTranscript, error) {
	query := `SELECT session_id, sandbox_id, task_id, transcript_b64, metadata_json, created_at, updated_at
		FROM session_transcripts WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var tr domain.SessionTranscript
	var taskID, metadata sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(&tr.SessionID, &tr.SandboxID, &taskID, &tr.TranscriptB64, &metadata, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan transcript row: %w", err)
	}

	tr.TaskID = taskID.String
	tr.MetadataJSON = metadata.String
	tr.CreatedAt = time.Unix(createdAt, 0)
	tr.UpdatedAt = time.Unix(updatedAt, 0)
	return &tr, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

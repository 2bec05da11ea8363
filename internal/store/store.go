// Package store provides SQLite-backed persistence for Agor.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agor-sh/agor/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to the Agor SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'idle',
		ready_for_prompt INTEGER NOT NULL DEFAULT 1,
		agent_tool TEXT NOT NULL,
		worktree_path TEXT NOT NULL,
		permission_mode TEXT NOT NULL DEFAULT 'default',
		sdk_session_id TEXT,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		description TEXT,
		message_start INTEGER NOT NULL DEFAULT 0,
		message_end INTEGER NOT NULL DEFAULT 0,
		git_ref TEXT,
		git_sha TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		error_message TEXT,
		created_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		ended_at DATETIME,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS queued_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		queue_position INTEGER NOT NULL,
		queued_by TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id TEXT PRIMARY KEY,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		action TEXT NOT NULL,
		outcome TEXT NOT NULL,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_session_id ON tasks(session_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_queued_messages_session_id ON queued_messages(session_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_entity_id ON transitions(entity_id);
	CREATE INDEX IF NOT EXISTS idx_transitions_session_id ON transitions(session_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Session Operations ---

// CreateSession inserts a new session in idle state, ready for a prompt.
func (s *Store) CreateSession(agentTool, worktreePath, permissionMode, createdBy string) (*models.Session, error) {
	now := time.Now().UTC()
	if permissionMode == "" {
		permissionMode = "default"
	}
	sess := &models.Session{
		ID:             uuid.New().String(),
		Status:         models.SessionStatusIdle,
		ReadyForPrompt: true,
		AgentTool:      agentTool,
		WorktreePath:   worktreePath,
		PermissionMode: permissionMode,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, status, ready_for_prompt, agent_tool, worktree_path, permission_mode, message_count, created_by, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?, 0, ?, ?, ?)`,
		sess.ID, sess.Status, sess.AgentTool, sess.WorktreePath, sess.PermissionMode, sess.CreatedBy, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

const sessionColumns = `id, status, ready_for_prompt, agent_tool, worktree_path, permission_mode, sdk_session_id, message_count, created_by, created_at, updated_at`

func scanSession(row interface{ Scan(...interface{}) error }) (*models.Session, error) {
	sess := &models.Session{}
	var ready int
	var sdkSessionID sql.NullString

	err := row.Scan(&sess.ID, &sess.Status, &ready, &sess.AgentTool, &sess.WorktreePath,
		&sess.PermissionMode, &sdkSessionID, &sess.MessageCount, &sess.CreatedBy, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.ReadyForPrompt = ready != 0
	if sdkSessionID.Valid {
		sess.SDKSessionID = sdkSessionID.String
	}
	return sess, nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when not found.
func (s *Store) GetSession(id string) (*models.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, optionally filtered by status.
func (s *Store) ListSessions(status models.SessionStatus) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// SessionsInStatuses returns sessions whose status is one of the given set.
func (s *Store) SessionsInStatuses(statuses []models.SessionStatus) ([]models.Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = st
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE status IN (` + strings.Join(placeholders, ",") + `) ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// SetSessionState updates a session's status and ready_for_prompt flag in a
// single write. The two fields must never be updated separately: a reader
// must not observe idle with ready_for_prompt=false across writes.
// Returns false when the session no longer exists.
func (s *Store) SetSessionState(id string, status models.SessionStatus, readyForPrompt bool) (bool, error) {
	ready := 0
	if readyForPrompt {
		ready = 1
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ready_for_prompt = ?, updated_at = ? WHERE id = ?`,
		status, ready, time.Now().UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("update session state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// SetSessionSDKSessionID records the agent SDK's resume handle for a session.
// An empty id clears the handle so the next prompt starts a fresh conversation.
func (s *Store) SetSessionSDKSessionID(id, sdkSessionID string) error {
	var value interface{}
	if sdkSessionID != "" {
		value = sdkSessionID
	}
	_, err := s.db.Exec(
		`UPDATE sessions SET sdk_session_id = ?, updated_at = ? WHERE id = ?`,
		value, time.Now().UTC(), id,
	)
	return err
}

// IncrementMessageCount bumps a session's message counter and returns the new
// value. Returns 0, nil when the session no longer exists.
func (s *Store) IncrementMessageCount(id string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("bump message count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	var count int
	if err := tx.QueryRow(`SELECT message_count FROM sessions WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read message count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return count, nil
}

// --- Task Operations ---

// CreateTask inserts a new task in running status.
func (s *Store) CreateTask(sessionID, description string, messageStart int, gitRef, gitSHA, createdBy string) (*models.Task, error) {
	now := time.Now().UTC()
	task := &models.Task{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Status:       models.TaskStatusRunning,
		Description:  description,
		MessageStart: messageStart,
		GitRef:       gitRef,
		GitSHA:       gitSHA,
		CreatedBy:    createdBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, session_id, status, description, message_start, git_ref, git_sha, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.SessionID, task.Status, task.Description, task.MessageStart, task.GitRef, task.GitSHA, task.CreatedBy, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, session_id, status, description, message_start, message_end, git_ref, git_sha, input_tokens, output_tokens, cost_usd, error_message, created_by, created_at, updated_at, ended_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	task := &models.Task{}
	var gitRef, gitSHA, errMsg sql.NullString
	var endedAt sql.NullTime

	err := row.Scan(&task.ID, &task.SessionID, &task.Status, &task.Description,
		&task.MessageStart, &task.MessageEnd, &gitRef, &gitSHA,
		&task.Usage.InputTokens, &task.Usage.OutputTokens, &task.Usage.CostUSD,
		&errMsg, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	if gitRef.Valid {
		task.GitRef = gitRef.String
	}
	if gitSHA.Valid {
		task.GitSHA = gitSHA.String
	}
	if errMsg.Valid {
		task.ErrorMessage = errMsg.String
	}
	if endedAt.Valid {
		task.EndedAt = &endedAt.Time
	}
	return task, nil
}

// GetTask retrieves a task by ID. Returns (nil, nil) when not found.
func (s *Store) GetTask(id string) (*models.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks for a session, newest first.
func (s *Store) ListTasks(sessionID string) ([]models.Task, error) {
	rows, err := s.db.Query(`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// ActiveTaskForSession returns the session's single non-terminal task, or
// (nil, nil) when the session has no task in flight.
func (s *Store) ActiveTaskForSession(sessionID string) (*models.Task, error) {
	row := s.db.QueryRow(
		`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND status IN (?, ?, ?) ORDER BY created_at DESC LIMIT 1`,
		sessionID, models.TaskStatusRunning, models.TaskStatusAwaitingPermission, models.TaskStatusStopping,
	)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active task: %w", err)
	}
	return task, nil
}

// FindNonTerminalTasks returns every task in a non-terminal status. Used by
// the orphan recovery sweep at daemon start: no executor handle survives a
// restart, so none of these can legitimately still be executing.
func (s *Store) FindNonTerminalTasks() ([]models.Task, error) {
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?, ?) ORDER BY created_at`,
		models.TaskStatusRunning, models.TaskStatusAwaitingPermission, models.TaskStatusStopping,
	)
	if err != nil {
		return nil, fmt.Errorf("query non-terminal tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// TaskFinalFields carries the fields attached when a task reaches a terminal
// status.
type TaskFinalFields struct {
	MessageEnd   int
	Usage        models.Usage
	ErrorMessage string
	EndedAt      time.Time
}

// FinalizeTask transitions a task to a terminal status, guarded so that a
// task already in a terminal state is left untouched. Returns true when the
// transition was applied; false means the task was already terminal or gone
// (both benign: duplicate completion signals race with explicit stops).
func (s *Store) FinalizeTask(id string, status models.TaskStatus, fields TaskFinalFields) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finalize task: %s is not a terminal status", status)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, message_end = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?, error_message = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, fields.MessageEnd, fields.Usage.InputTokens, fields.Usage.OutputTokens, fields.Usage.CostUSD,
		fields.ErrorMessage, fields.EndedAt, time.Now().UTC(),
		id, models.TaskStatusStopped, models.TaskStatusCompleted, models.TaskStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("finalize task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// SetTaskStatus moves a task between non-terminal statuses (running,
// awaiting_permission, stopping), guarded against racing with a terminal
// transition. Returns false when no row changed.
func (s *Store) SetTaskStatus(id string, status models.TaskStatus) (bool, error) {
	if status.IsTerminal() {
		return false, fmt.Errorf("set task status: use FinalizeTask for terminal status %s", status)
	}
	res, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)`,
		status, time.Now().UTC(), id,
		models.TaskStatusStopped, models.TaskStatusCompleted, models.TaskStatusFailed,
	)
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// --- Queued Message Operations ---

// EnqueueMessage appends a prompt to a session's queue. The queue position is
// allocated monotonically per session inside a transaction.
func (s *Store) EnqueueMessage(sessionID, prompt, queuedBy string) (*models.QueuedMessage, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var position int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(queue_position), 0) + 1 FROM queued_messages WHERE session_id = ?`,
		sessionID,
	).Scan(&position)
	if err != nil {
		return nil, fmt.Errorf("allocate queue position: %w", err)
	}

	msg := &models.QueuedMessage{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		Prompt:        prompt,
		QueuePosition: position,
		QueuedBy:      queuedBy,
		CreatedAt:     time.Now().UTC(),
	}

	_, err = tx.Exec(
		`INSERT INTO queued_messages (id, session_id, prompt, queue_position, queued_by, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Prompt, msg.QueuePosition, msg.QueuedBy, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert queued message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return msg, nil
}

const queuedMessageColumns = `id, session_id, prompt, queue_position, queued_by, created_at`

func scanQueuedMessage(row interface{ Scan(...interface{}) error }) (*models.QueuedMessage, error) {
	msg := &models.QueuedMessage{}
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Prompt, &msg.QueuePosition, &msg.QueuedBy, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// OldestQueuedMessage returns the head of a session's queue, or (nil, nil)
// when the queue is empty.
func (s *Store) OldestQueuedMessage(sessionID string) (*models.QueuedMessage, error) {
	row := s.db.QueryRow(
		`SELECT `+queuedMessageColumns+` FROM queued_messages WHERE session_id = ? ORDER BY queue_position LIMIT 1`,
		sessionID,
	)
	msg, err := scanQueuedMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query queued message: %w", err)
	}
	return msg, nil
}

// GetQueuedMessage retrieves a queued message by ID. Returns (nil, nil) when
// not found.
func (s *Store) GetQueuedMessage(id string) (*models.QueuedMessage, error) {
	row := s.db.QueryRow(`SELECT `+queuedMessageColumns+` FROM queued_messages WHERE id = ?`, id)
	msg, err := scanQueuedMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query queued message: %w", err)
	}
	return msg, nil
}

// ListQueuedMessages returns a session's queue in FIFO order.
func (s *Store) ListQueuedMessages(sessionID string) ([]models.QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+queuedMessageColumns+` FROM queued_messages WHERE session_id = ? ORDER BY queue_position`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query queued messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.QueuedMessage
	for rows.Next() {
		msg, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued message: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}

// DeleteQueuedMessage removes a queued message. Returns false when the
// message was already gone, which is how a drain detects that it lost the
// race against a direct user deletion.
func (s *Store) DeleteQueuedMessage(id string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM queued_messages WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete queued message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// --- Transition Audit ---

// RecordTransition appends a transition audit row. sessionID scopes the row
// to its owning session so the whole trail for a session can be read back in
// one query, whichever entity kind the row describes.
func (s *Store) RecordTransition(entityKind, entityID, sessionID, action, outcome, details string) error {
	_, err := s.db.Exec(
		`INSERT INTO transitions (id, entity_kind, entity_id, session_id, action, outcome, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), entityKind, entityID, sessionID, action, outcome, details, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// TransitionRecord is one audited state transition.
type TransitionRecord struct {
	ID         string    `json:"id"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	SessionID  string    `json:"session_id"`
	Action     string    `json:"action"`
	Outcome    string    `json:"outcome"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransitionsForSession returns the audit trail for one session, oldest
// first: session rows plus the task and queue rows recorded under it.
func (s *Store) TransitionsForSession(sessionID string) ([]TransitionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, entity_kind, entity_id, session_id, action, outcome, details, timestamp FROM transitions WHERE session_id = ? ORDER BY timestamp`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var records []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var details sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EntityKind, &rec.EntityID, &rec.SessionID, &rec.Action, &rec.Outcome, &details, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if details.Valid {
			rec.Details = details.String
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

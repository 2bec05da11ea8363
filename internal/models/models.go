// Package models defines the core domain types for Agor.
package models

import "time"

// SessionStatus represents the current state of a session.
type SessionStatus string

const (
	SessionStatusIdle     SessionStatus = "idle"
	SessionStatusRunning  SessionStatus = "running"
	SessionStatusStopping SessionStatus = "stopping"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusRunning            TaskStatus = "running"
	TaskStatusAwaitingPermission TaskStatus = "awaiting_permission"
	TaskStatusStopping           TaskStatus = "stopping"
	TaskStatusStopped            TaskStatus = "stopped"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusFailed             TaskStatus = "failed"
)

// IsTerminal reports whether a task status is final. Terminal tasks are never
// mutated again except to backfill message-range bookkeeping.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusStopped || s == TaskStatusCompleted || s == TaskStatusFailed
}

// NonTerminalTaskStatuses are the statuses an in-flight task can hold. A task
// in any of these after a daemon restart is an orphan.
var NonTerminalTaskStatuses = []TaskStatus{
	TaskStatusRunning,
	TaskStatusAwaitingPermission,
	TaskStatusStopping,
}

// Session is a long-lived unit of agent work bound to one worktree and one
// agent tool. A session has at most one task in a non-terminal state.
type Session struct {
	ID             string        `json:"id"`
	Status         SessionStatus `json:"status"`
	ReadyForPrompt bool          `json:"ready_for_prompt"`
	AgentTool      string        `json:"agent_tool"`
	WorktreePath   string        `json:"worktree_path"`
	PermissionMode string        `json:"permission_mode"`
	SDKSessionID   string        `json:"sdk_session_id,omitempty"`
	MessageCount   int           `json:"message_count"`
	CreatedBy      string        `json:"created_by"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Usage holds token-usage and cost metrics reported by the executor at
// task completion.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Task is one prompt/response unit of work within a session.
type Task struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	Status       TaskStatus `json:"status"`
	Description  string     `json:"description"`
	MessageStart int        `json:"message_start"`
	MessageEnd   int        `json:"message_end"`
	GitRef       string     `json:"git_ref,omitempty"`
	GitSHA       string     `json:"git_sha,omitempty"`
	Usage        Usage      `json:"usage"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedBy    string     `json:"created_by"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
}

// QueuedMessage is a prompt that arrived while its session was busy. It is
// promoted to a task (and deleted) when the session next goes idle, or
// deleted directly by the user before it runs.
type QueuedMessage struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Prompt        string    `json:"prompt"`
	QueuePosition int64     `json:"queue_position"`
	QueuedBy      string    `json:"queued_by"`
	CreatedAt     time.Time `json:"created_at"`
}

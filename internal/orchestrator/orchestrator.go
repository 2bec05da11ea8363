// Package orchestrator drives the session and task lifecycle: prompt
// submission, executor spawning, queue draining, stop handshakes, and crash
// recovery.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agor-sh/agor/internal/agents"
	"github.com/agor-sh/agor/internal/audit"
	"github.com/agor-sh/agor/internal/bus"
	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/models"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/token"
	"github.com/agor-sh/agor/internal/userenv"
	"github.com/agor-sh/agor/internal/worktree"
)

// Sentinel errors for orchestrator operations.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTaskNotFound    = errors.New("task not found")
)

// descriptionLimit caps the prompt prefix stored as a task description.
const descriptionLimit = 80

// Config tunes the orchestrator.
type Config struct {
	// BaseURL is the API address handed to spawned executors.
	BaseURL string
	// StopAckTimeout bounds the wait for a stop acknowledgement.
	StopAckTimeout time.Duration
	// StopConfirmTimeout bounds the wait for a stop confirmation.
	StopConfirmTimeout time.Duration
	// TokenTTL is the session token lifetime.
	TokenTTL time.Duration
	// TokenMaxUses bounds session token validations; token.UnlimitedUses
	// disables the counter.
	TokenMaxUses int
}

// DefaultConfig returns the default orchestrator tuning.
func DefaultConfig() Config {
	return Config{
		BaseURL:            "http://127.0.0.1:7420",
		StopAckTimeout:     5 * time.Second,
		StopConfirmTimeout: 30 * time.Second,
		TokenTTL:           4 * time.Hour,
		TokenMaxUses:       token.UnlimitedUses,
	}
}

// Orchestrator coordinates sessions, tasks, queued messages, and executor
// processes. It never caches session or task state across operations: every
// decision re-reads current status from the store immediately before acting.
type Orchestrator struct {
	store    *store.Store
	bus      *bus.Bus
	tokens   *token.Issuer
	launcher executor.Launcher
	users    userenv.Resolver
	tools    *agents.Detector
	audit    *audit.Writer
	cfg      Config

	// Background continuations (queue drains, exit observers) run on this
	// group so Close can wait them out.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(s *store.Store, b *bus.Bus, tokens *token.Issuer, launcher executor.Launcher, users userenv.Resolver, tools *agents.Detector, cfg Config) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    s,
		bus:      b,
		tokens:   tokens,
		launcher: launcher,
		users:    users,
		tools:    tools,
		audit:    audit.NewWriter(s),
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Close cancels background work and waits for it to finish.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// CreateSession creates an idle session bound to a worktree and agent tool.
func (o *Orchestrator) CreateSession(agentTool, worktreeDir, permissionMode, userID string) (*models.Session, error) {
	if !o.tools.Known(agentTool) {
		return nil, fmt.Errorf("unknown agent tool %q", agentTool)
	}
	dir, err := worktree.Resolve(worktreeDir)
	if err != nil {
		return nil, err
	}

	sess, err := o.store.CreateSession(agentTool, dir, permissionMode, userID)
	if err != nil {
		return nil, err
	}
	o.audit.Record(audit.EntitySession, sess.ID, sess.ID, "session.create", "success", agentTool+" @ "+dir)
	o.emitSession(sess.ID, sess.Status, sess.ReadyForPrompt)
	return sess, nil
}

// PromptResult is the outcome of a prompt submission: either a task was
// started or the prompt was queued behind the session's active task.
type PromptResult struct {
	Task   *models.Task          `json:"task,omitempty"`
	Queued *models.QueuedMessage `json:"queued,omitempty"`
}

// SubmitPrompt accepts a prompt for a session. An idle session gets a task
// immediately; a busy one gets the prompt queued. The call returns as soon as
// the task record exists: execution failures after that are observable only
// as the task transitioning to failed.
func (o *Orchestrator) SubmitPrompt(sessionID, prompt, userID string) (*PromptResult, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}

	if sess.Status != models.SessionStatusIdle || !sess.ReadyForPrompt {
		msg, err := o.store.EnqueueMessage(sessionID, prompt, userID)
		if err != nil {
			return nil, err
		}
		o.audit.Record(audit.EntityQueue, msg.ID, sessionID, "queue.enqueue", "success", fmt.Sprintf("position %d", msg.QueuePosition))
		return &PromptResult{Queued: msg}, nil
	}

	task, err := o.startTask(sess, prompt, userID)
	if err != nil {
		return nil, err
	}
	return &PromptResult{Task: task}, nil
}

// startTask creates a running task for an idle session, flips the session to
// running, and spawns the executor. Spawn failures surface as the task
// transitioning to failed; the task is returned in its current state either
// way.
func (o *Orchestrator) startTask(sess *models.Session, prompt, userID string) (*models.Task, error) {
	gitRef, gitSHA := "", ""
	snapCtx, cancel := context.WithTimeout(o.ctx, 10*time.Second)
	if ref, sha, err := worktree.Snapshot(snapCtx, sess.WorktreePath); err != nil {
		log.Printf("[%s] git snapshot failed: %v", shortID(sess.ID), err)
	} else {
		gitRef, gitSHA = ref, sha
	}
	cancel()

	task, err := o.store.CreateTask(sess.ID, truncate(prompt, descriptionLimit), sess.MessageCount, gitRef, gitSHA, userID)
	if err != nil {
		return nil, err
	}

	// Creating a running task flips the owning session to running in the
	// same operation, before the executor exists: callers see work in
	// progress immediately.
	if ok, err := o.store.SetSessionState(sess.ID, models.SessionStatusRunning, false); err != nil {
		return nil, err
	} else if !ok {
		log.Printf("[%s] session vanished while starting task %s, skipping", shortID(sess.ID), task.ID)
	}
	o.audit.Record(audit.EntityTask, task.ID, sess.ID, "task.create", "success", task.Description)
	o.emitTask(sess.ID, task.ID, models.TaskStatusRunning, "")
	o.emitSession(sess.ID, models.SessionStatusRunning, false)

	// The binary is resolved per spawn, not once at startup, so config
	// overrides and PATH changes take effect without a daemon restart.
	toolBin, err := o.tools.Resolve(sess.AgentTool)
	if err != nil {
		return o.spawnFailed(task.ID, fmt.Sprintf("resolve agent tool binary: %v", err))
	}

	tok, err := o.tokens.Issue(sess.ID, userID, o.cfg.TokenTTL, o.cfg.TokenMaxUses)
	if err != nil {
		return o.spawnFailed(task.ID, fmt.Sprintf("issue session token: %v", err))
	}

	env, err := o.users.Resolve(userID)
	if errors.Is(err, userenv.ErrUnknownUser) {
		// No configured environment for this user is the normal single-user
		// setup: the executor inherits the daemon's environment.
		env = nil
	} else if err != nil {
		o.tokens.Revoke(tok)
		return o.spawnFailed(task.ID, fmt.Sprintf("resolve user environment: %v", err))
	}

	handle, err := o.launcher.Launch(executor.LaunchSpec{
		SessionID:       sess.ID,
		TaskID:          task.ID,
		Prompt:          prompt,
		Tool:            sess.AgentTool,
		ToolBinary:      toolBin,
		PermissionMode:  sess.PermissionMode,
		WorkDir:         sess.WorktreePath,
		Token:           tok,
		BaseURL:         o.cfg.BaseURL,
		ResumeSessionID: sess.SDKSessionID,
		Env:             env,
	})
	if err != nil {
		o.tokens.Revoke(tok)
		return o.spawnFailed(task.ID, err.Error())
	}

	log.Printf("[%s] spawned executor pid %d for task %s", shortID(sess.ID), handle.PID(), task.ID)

	o.wg.Add(1)
	go o.observeExit(sess.ID, task.ID, userID, tok, handle)

	return task, nil
}

// spawnFailed fails the task synchronously and returns its refreshed record.
// No retry: a failed spawn is the operator's to re-prompt.
func (o *Orchestrator) spawnFailed(taskID, reason string) (*models.Task, error) {
	log.Printf("spawn failed for task %s: %s", taskID, reason)
	if err := o.FailTask(taskID, reason); err != nil {
		log.Printf("fail task %s after spawn failure: %v", taskID, err)
	}
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// observeExit waits for the executor process and applies the exit contract:
// the token is always revoked, and a clean exit force-idles the session if no
// status-driven transition already did (defensive duplication against races).
func (o *Orchestrator) observeExit(sessionID, taskID, userID, tok string, handle executor.Handle) {
	defer o.wg.Done()
	code := handle.Wait()
	o.tokens.Revoke(tok)
	log.Printf("[%s] executor for task %s exited with code %d", shortID(sessionID), taskID, code)

	if code != 0 {
		// Non-terminal task state after a dirty exit is an accepted gap:
		// either the stop protocol times out and reverts, or the orphan
		// sweep catches it on the next restart.
		return
	}

	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		log.Printf("[%s] fallback idle check: %v", shortID(sessionID), err)
		return
	}
	if sess == nil || sess.Status == models.SessionStatusIdle {
		return
	}
	if sess.Status == models.SessionStatusStopping {
		// The stop protocol owns the resolution of a stopping session.
		return
	}
	o.sessionToIdle(sessionID, userID, "session.fallback_idle")
}

// CompleteTask finalizes a task as completed with its usage metrics, records
// the SDK resume handle, and moves the session back to idle. A task already
// terminal is left untouched: duplicate completion signals racing with an
// explicit stop are benign.
func (o *Orchestrator) CompleteTask(taskID string, usage models.Usage, sdkSessionID string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		log.Printf("complete task %s: record gone, skipping", taskID)
		return nil
	}

	sess, err := o.store.GetSession(task.SessionID)
	if err != nil {
		return err
	}

	applied, err := o.store.FinalizeTask(taskID, models.TaskStatusCompleted, store.TaskFinalFields{
		MessageEnd: messageEnd(sess),
		Usage:      usage,
		EndedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	o.audit.Record(audit.EntityTask, taskID, task.SessionID, "task.complete", "success", "")
	o.emitTask(task.SessionID, taskID, models.TaskStatusCompleted, "")

	if sess == nil {
		log.Printf("complete task %s: session %s gone, skipping", taskID, task.SessionID)
		return nil
	}
	if sdkSessionID != "" {
		if err := o.store.SetSessionSDKSessionID(sess.ID, sdkSessionID); err != nil {
			log.Printf("[%s] record sdk session id: %v", shortID(sess.ID), err)
		}
	}
	if sess.Status != models.SessionStatusStopping {
		o.sessionToIdle(sess.ID, task.CreatedBy, "session.idle")
	}
	return nil
}

// FailTask finalizes a task as failed with a user-visible error message. A
// failure that looks like a stale SDK resume handle clears the session's
// handle so the next prompt starts a fresh conversation.
func (o *Orchestrator) FailTask(taskID, errMsg string) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		log.Printf("fail task %s: record gone, skipping", taskID)
		return nil
	}

	sess, err := o.store.GetSession(task.SessionID)
	if err != nil {
		return err
	}

	applied, err := o.store.FinalizeTask(taskID, models.TaskStatusFailed, store.TaskFinalFields{
		MessageEnd:   messageEnd(sess),
		ErrorMessage: errMsg,
		EndedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	o.audit.Record(audit.EntityTask, taskID, task.SessionID, "task.fail", "failed", errMsg)
	o.emitTask(task.SessionID, taskID, models.TaskStatusFailed, errMsg)

	if sess == nil {
		log.Printf("fail task %s: session %s gone, skipping", taskID, task.SessionID)
		return nil
	}
	if sess.SDKSessionID != "" && isStaleSDKSessionError(errMsg) {
		log.Printf("[%s] clearing stale SDK session handle after failure: %s", shortID(sess.ID), truncate(errMsg, 120))
		if err := o.store.SetSessionSDKSessionID(sess.ID, ""); err != nil {
			log.Printf("[%s] clear sdk session id: %v", shortID(sess.ID), err)
		}
	}
	if sess.Status != models.SessionStatusStopping {
		o.sessionToIdle(sess.ID, task.CreatedBy, "session.idle")
	}
	return nil
}

// MarkTaskAwaitingPermission records that the executor is blocked on a
// permission decision. The session stays running; only the task shows the
// awaiting state.
func (o *Orchestrator) MarkTaskAwaitingPermission(taskID string) error {
	return o.setTaskStatus(taskID, models.TaskStatusAwaitingPermission)
}

// ResumeTask moves a task back to running after a permission grant.
func (o *Orchestrator) ResumeTask(taskID string) error {
	return o.setTaskStatus(taskID, models.TaskStatusRunning)
}

func (o *Orchestrator) setTaskStatus(taskID string, status models.TaskStatus) error {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		log.Printf("set task %s %s: record gone, skipping", taskID, status)
		return nil
	}
	ok, err := o.store.SetTaskStatus(taskID, status)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	o.audit.Record(audit.EntityTask, taskID, task.SessionID, "task."+string(status), "success", "")
	o.emitTask(task.SessionID, taskID, status, "")
	return nil
}

// RecordMessage bumps a session's message counter for one streamed agent
// message and publishes the event.
func (o *Orchestrator) RecordMessage(sessionID, taskID string) error {
	count, err := o.store.IncrementMessageCount(sessionID)
	if err != nil {
		return err
	}
	if count == 0 {
		log.Printf("[%s] record message: session gone, skipping", shortID(sessionID))
		return nil
	}
	o.bus.Emit(bus.Event{Kind: bus.KindAgentMessage, SessionID: sessionID, TaskID: taskID})
	return nil
}

// sessionToIdle writes idle + ready_for_prompt in one store write, then
// schedules a queue drain. This is the sole trigger point for queue
// draining: there is no polling.
func (o *Orchestrator) sessionToIdle(sessionID, fallbackUser, action string) {
	ok, err := o.store.SetSessionState(sessionID, models.SessionStatusIdle, true)
	if err != nil {
		log.Printf("[%s] set session idle: %v", shortID(sessionID), err)
		return
	}
	if !ok {
		log.Printf("[%s] set session idle: record gone, skipping", shortID(sessionID))
		return
	}
	o.audit.Record(audit.EntitySession, sessionID, sessionID, action, "success", "")
	o.emitSession(sessionID, models.SessionStatusIdle, true)
	o.scheduleDrain(sessionID, fallbackUser)
}

func (o *Orchestrator) emitTask(sessionID, taskID string, status models.TaskStatus, errMsg string) {
	o.bus.Emit(bus.Event{
		Kind:       bus.KindTaskStatusChanged,
		SessionID:  sessionID,
		TaskID:     taskID,
		TaskStatus: status,
		Error:      errMsg,
	})
}

func (o *Orchestrator) emitSession(sessionID string, status models.SessionStatus, ready bool) {
	o.bus.Emit(bus.Event{
		Kind:           bus.KindSessionUpdated,
		SessionID:      sessionID,
		SessionStatus:  status,
		ReadyForPrompt: ready,
	})
}

func messageEnd(sess *models.Session) int {
	if sess == nil {
		return 0
	}
	return sess.MessageCount
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

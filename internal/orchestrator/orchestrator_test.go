package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agor-sh/agor/internal/agents"
	"github.com/agor-sh/agor/internal/bus"
	"github.com/agor-sh/agor/internal/executor"
	"github.com/agor-sh/agor/internal/models"
	"github.com/agor-sh/agor/internal/store"
	"github.com/agor-sh/agor/internal/token"
	"github.com/agor-sh/agor/internal/userenv"
)

// fakeHandle is a controllable executor process.
type fakeHandle struct {
	exitCh chan int
	pid    int
}

func (h *fakeHandle) Wait() int { return <-h.exitCh }
func (h *fakeHandle) PID() int  { return h.pid }

// fakeLauncher records launch specs and hands out fake handles.
type fakeLauncher struct {
	mu       sync.Mutex
	specs    []executor.LaunchSpec
	handles  []*fakeHandle
	err      error
	released bool
}

func (l *fakeLauncher) Launch(spec executor.LaunchSpec) (executor.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{exitCh: make(chan int, 1), pid: 1000 + len(l.handles)}
	if l.released {
		// Teardown is underway: a released handle's exit observer can drain
		// the queue and launch again, so post-release handles exit at once
		// or Close would wait on them forever.
		h.exitCh <- 0
	}
	l.specs = append(l.specs, spec)
	l.handles = append(l.handles, h)
	return h, nil
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *fakeLauncher) spec(i int) executor.LaunchSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.specs[i]
}

func (l *fakeLauncher) handle(i int) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[i]
}

// releaseAll unblocks every outstanding Wait so Close can drain its
// exit observers at teardown.
func (l *fakeLauncher) releaseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	for _, h := range l.handles {
		select {
		case h.exitCh <- 0:
		default:
		}
	}
}

type testEnv struct {
	orch     *Orchestrator
	store    *store.Store
	bus      *bus.Bus
	launcher *fakeLauncher
	worktree string
	toolBin  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	wt := t.TempDir()
	if err := os.Mkdir(filepath.Join(wt, ".git"), 0755); err != nil {
		t.Fatal(err)
	}

	b := bus.New()
	launcher := &fakeLauncher{}
	users := userenv.Static{
		"alice": {"ANTHROPIC_API_KEY": "key-alice"},
		"bob":   {"ANTHROPIC_API_KEY": "key-bob"},
	}

	// A configured binary override keeps spawn-time resolution independent
	// of what happens to be installed on the test machine.
	toolBin := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(toolBin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	tools := agents.NewDetector(map[string]string{"claude": toolBin})

	cfg := DefaultConfig()
	cfg.StopAckTimeout = 100 * time.Millisecond
	cfg.StopConfirmTimeout = 500 * time.Millisecond

	orch := New(s, b, token.NewIssuer(), launcher, users, tools, cfg)
	t.Cleanup(orch.Close)
	t.Cleanup(launcher.releaseAll)

	return &testEnv{orch: orch, store: s, bus: b, launcher: launcher, worktree: wt, toolBin: toolBin}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)

	sess, err := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if sess.Status != models.SessionStatusIdle || !sess.ReadyForPrompt {
		t.Errorf("New session should be idle+ready, got %s ready=%v", sess.Status, sess.ReadyForPrompt)
	}

	if _, err := env.orch.CreateSession("notepad", env.worktree, "default", "alice"); err == nil {
		t.Error("Unknown tool should fail")
	}
	if _, err := env.orch.CreateSession("claude", t.TempDir(), "default", "alice"); err == nil {
		t.Error("Non-worktree directory should fail")
	}
}

func TestSubmitPromptStartsTask(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	result, err := env.orch.SubmitPrompt(sess.ID, "write the parser", "alice")
	if err != nil {
		t.Fatalf("SubmitPrompt failed: %v", err)
	}
	if result.Task == nil {
		t.Fatal("Idle session should start a task immediately")
	}
	if result.Task.Status != models.TaskStatusRunning {
		t.Errorf("Expected running task, got %s", result.Task.Status)
	}

	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusRunning || got.ReadyForPrompt {
		t.Errorf("Session should be running and not ready, got %s ready=%v", got.Status, got.ReadyForPrompt)
	}

	if env.launcher.launches() != 1 {
		t.Fatalf("Expected 1 launch, got %d", env.launcher.launches())
	}
	spec := env.launcher.spec(0)
	if spec.Token == "" {
		t.Error("Launch spec should carry a session token")
	}
	if spec.Env["ANTHROPIC_API_KEY"] != "key-alice" {
		t.Error("Launch spec should carry the submitter's environment")
	}
	if spec.WorkDir != env.worktree {
		t.Errorf("Expected workdir %s, got %s", env.worktree, spec.WorkDir)
	}
	if spec.ToolBinary != env.toolBin {
		t.Errorf("Expected configured tool binary %s, got %s", env.toolBin, spec.ToolBinary)
	}
}

func TestSubmitPromptToolBinaryMissing(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	// The configured binary disappears between session creation and the
	// prompt; resolution happens per spawn, so the task fails cleanly.
	env.orch.tools = agents.NewDetector(map[string]string{"claude": "/no/such/claude"})

	result, err := env.orch.SubmitPrompt(sess.ID, "work", "alice")
	if err != nil {
		t.Fatalf("SubmitPrompt should not error on resolution failure: %v", err)
	}
	if result.Task.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed task, got %s", result.Task.Status)
	}
	if !strings.Contains(result.Task.ErrorMessage, "not found") {
		t.Errorf("Failed task should name the missing binary: %q", result.Task.ErrorMessage)
	}
	if env.launcher.launches() != 0 {
		t.Errorf("No executor should spawn without a tool binary, got %d launches", env.launcher.launches())
	}

	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusIdle || !got.ReadyForPrompt {
		t.Errorf("Session should return to idle+ready, got %s ready=%v", got.Status, got.ReadyForPrompt)
	}
}

func TestSubmitPromptQueuesWhenBusy(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	env.orch.SubmitPrompt(sess.ID, "first", "alice")

	result, err := env.orch.SubmitPrompt(sess.ID, "second", "bob")
	if err != nil {
		t.Fatalf("SubmitPrompt failed: %v", err)
	}
	if result.Queued == nil {
		t.Fatal("Busy session should queue the prompt")
	}
	if result.Queued.QueuePosition != 1 {
		t.Errorf("Expected position 1, got %d", result.Queued.QueuePosition)
	}
	if result.Queued.QueuedBy != "bob" {
		t.Errorf("Expected queued_by bob, got %s", result.Queued.QueuedBy)
	}
	if env.launcher.launches() != 1 {
		t.Errorf("No new executor for a queued prompt, got %d launches", env.launcher.launches())
	}
}

func TestSubmitPromptUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.orch.SubmitPrompt("does-not-exist", "hello", "alice")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestCompleteTask(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	result, _ := env.orch.SubmitPrompt(sess.ID, "work", "alice")
	taskID := result.Task.ID

	env.orch.RecordMessage(sess.ID, taskID)
	env.orch.RecordMessage(sess.ID, taskID)

	usage := models.Usage{InputTokens: 200, OutputTokens: 80, CostUSD: 0.02}
	if err := env.orch.CompleteTask(taskID, usage, "sdk-handle-1"); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}

	task, _ := env.store.GetTask(taskID)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("Expected completed, got %s", task.Status)
	}
	if task.MessageEnd != 2 {
		t.Errorf("Expected message_end 2, got %d", task.MessageEnd)
	}
	if task.Usage.InputTokens != 200 {
		t.Errorf("Usage not recorded: %+v", task.Usage)
	}

	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusIdle || !got.ReadyForPrompt {
		t.Errorf("Session should be idle+ready, got %s ready=%v", got.Status, got.ReadyForPrompt)
	}
	if got.SDKSessionID != "sdk-handle-1" {
		t.Errorf("SDK handle not recorded: %q", got.SDKSessionID)
	}

	// A duplicate completion signal is benign.
	if err := env.orch.CompleteTask(taskID, models.Usage{}, ""); err != nil {
		t.Errorf("Duplicate CompleteTask should not fail: %v", err)
	}
	task, _ = env.store.GetTask(taskID)
	if task.Usage.InputTokens != 200 {
		t.Error("Duplicate completion must not overwrite usage")
	}
}

func TestFailTask(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	result, _ := env.orch.SubmitPrompt(sess.ID, "work", "alice")

	if err := env.orch.FailTask(result.Task.ID, "rate limit exceeded"); err != nil {
		t.Fatalf("FailTask failed: %v", err)
	}

	task, _ := env.store.GetTask(result.Task.ID)
	if task.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed, got %s", task.Status)
	}
	if task.ErrorMessage != "rate limit exceeded" {
		t.Errorf("Error message not recorded: %q", task.ErrorMessage)
	}

	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusIdle || !got.ReadyForPrompt {
		t.Errorf("Failure should still idle the session, got %s ready=%v", got.Status, got.ReadyForPrompt)
	}
}

func TestFailTaskClearsStaleSDKHandle(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	env.store.SetSessionSDKSessionID(sess.ID, "sdk-old")

	result, _ := env.orch.SubmitPrompt(sess.ID, "work", "alice")
	if spec := env.launcher.spec(0); spec.ResumeSessionID != "sdk-old" {
		t.Errorf("Expected resume handle in launch spec, got %q", spec.ResumeSessionID)
	}

	env.orch.FailTask(result.Task.ID, "No conversation found with session ID sdk-old")

	got, _ := env.store.GetSession(sess.ID)
	if got.SDKSessionID != "" {
		t.Errorf("Stale handle should be cleared, got %q", got.SDKSessionID)
	}
}

func TestFailTaskKeepsFreshSDKHandle(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	env.store.SetSessionSDKSessionID(sess.ID, "sdk-live")

	result, _ := env.orch.SubmitPrompt(sess.ID, "work", "alice")
	env.orch.FailTask(result.Task.ID, "rate limit exceeded")

	got, _ := env.store.GetSession(sess.ID)
	if got.SDKSessionID != "sdk-live" {
		t.Errorf("Unrelated failure must not clear the handle, got %q", got.SDKSessionID)
	}
}

func TestSpawnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.err = errors.New("executor binary \"agor-executor\" not found")
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	result, err := env.orch.SubmitPrompt(sess.ID, "work", "alice")
	if err != nil {
		t.Fatalf("SubmitPrompt should not error on spawn failure: %v", err)
	}
	if result.Task == nil {
		t.Fatal("Spawn failure should still return the task")
	}
	if result.Task.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed task, got %s", result.Task.Status)
	}
	if result.Task.ErrorMessage == "" {
		t.Error("Failed task should carry the spawn error")
	}

	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusIdle || !got.ReadyForPrompt {
		t.Errorf("Session should return to idle+ready, got %s ready=%v", got.Status, got.ReadyForPrompt)
	}
}

func TestObserveExitFallbackIdle(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	env.orch.SubmitPrompt(sess.ID, "work", "alice")

	// The executor exits cleanly without ever reporting completion.
	env.launcher.handle(0).exitCh <- 0

	waitFor(t, "session fallback idle", func() bool {
		got, _ := env.store.GetSession(sess.ID)
		return got != nil && got.Status == models.SessionStatusIdle && got.ReadyForPrompt
	})
}

func TestObserveExitDirtyLeavesSession(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	env.orch.SubmitPrompt(sess.ID, "work", "alice")

	env.launcher.handle(0).exitCh <- 1

	// A dirty exit is not trusted to mean anything; the session stays as-is.
	time.Sleep(100 * time.Millisecond)
	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusRunning {
		t.Errorf("Dirty exit should not touch the session, got %s", got.Status)
	}
}

func TestAwaitingPermission(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	result, _ := env.orch.SubmitPrompt(sess.ID, "work", "alice")
	taskID := result.Task.ID

	if err := env.orch.MarkTaskAwaitingPermission(taskID); err != nil {
		t.Fatalf("MarkTaskAwaitingPermission failed: %v", err)
	}
	task, _ := env.store.GetTask(taskID)
	if task.Status != models.TaskStatusAwaitingPermission {
		t.Errorf("Expected awaiting_permission, got %s", task.Status)
	}

	// The session stays running while the task waits.
	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusRunning {
		t.Errorf("Session should stay running, got %s", got.Status)
	}

	if err := env.orch.ResumeTask(taskID); err != nil {
		t.Fatalf("ResumeTask failed: %v", err)
	}
	task, _ = env.store.GetTask(taskID)
	if task.Status != models.TaskStatusRunning {
		t.Errorf("Expected running after resume, got %s", task.Status)
	}
}

func TestRecordMessage(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	events, cancel := env.bus.Subscribe(sess.ID)
	defer cancel()

	if err := env.orch.RecordMessage(sess.ID, "task-1"); err != nil {
		t.Fatalf("RecordMessage failed: %v", err)
	}
	got, _ := env.store.GetSession(sess.ID)
	if got.MessageCount != 1 {
		t.Errorf("Expected message count 1, got %d", got.MessageCount)
	}

	waitFor(t, "agent message event", func() bool {
		select {
		case evt := <-events:
			return evt.Kind == bus.KindAgentMessage
		default:
			return false
		}
	})

	// Missing session is benign.
	if err := env.orch.RecordMessage("does-not-exist", "task-1"); err != nil {
		t.Errorf("RecordMessage on missing session should not fail: %v", err)
	}
}

func TestTransitionTrailForSession(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")
	result, _ := env.orch.SubmitPrompt(sess.ID, "work", "alice")
	env.orch.SubmitPrompt(sess.ID, "later", "bob")
	env.orch.CompleteTask(result.Task.ID, models.Usage{}, "")

	waitFor(t, "queued prompt promoted", func() bool { return env.launcher.launches() == 2 })

	// The session trail carries session, task, and queue rows together.
	records, err := env.store.TransitionsForSession(sess.ID)
	if err != nil {
		t.Fatalf("TransitionsForSession failed: %v", err)
	}
	actions := map[string]bool{}
	for _, rec := range records {
		if rec.SessionID != sess.ID {
			t.Errorf("Record %s scoped to %q, expected %q", rec.Action, rec.SessionID, sess.ID)
		}
		actions[rec.Action] = true
	}
	for _, want := range []string{"session.create", "task.create", "queue.enqueue", "task.complete", "queue.promote"} {
		if !actions[want] {
			t.Errorf("Trail missing %s, got %v", want, actions)
		}
	}
}

func TestTruncateDescription(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	long := ""
	for i := 0; i < 20; i++ {
		long += "0123456789"
	}
	result, _ := env.orch.SubmitPrompt(sess.ID, long, "alice")
	if len(result.Task.Description) != descriptionLimit {
		t.Errorf("Expected description truncated to %d, got %d", descriptionLimit, len(result.Task.Description))
	}
	// The full prompt still reaches the executor.
	if env.launcher.spec(0).Prompt != long {
		t.Error("Launch spec must carry the untruncated prompt")
	}
}

package orchestrator

import (
	"testing"

	"github.com/agor-sh/agor/internal/models"
)

func TestQueueDrainAfterComplete(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	first, _ := env.orch.SubmitPrompt(sess.ID, "first", "alice")
	env.orch.SubmitPrompt(sess.ID, "second", "bob")
	env.orch.SubmitPrompt(sess.ID, "third", "alice")

	env.orch.CompleteTask(first.Task.ID, models.Usage{}, "")

	// Going idle drains exactly one queued prompt into a new task.
	waitFor(t, "second launch", func() bool { return env.launcher.launches() == 2 })

	spec := env.launcher.spec(1)
	if spec.Prompt != "second" {
		t.Errorf("Expected oldest queued prompt, got %q", spec.Prompt)
	}
	// The promotion runs under the original submitter's identity.
	if spec.Env["ANTHROPIC_API_KEY"] != "key-bob" {
		t.Error("Promoted prompt should use the queuing user's environment")
	}

	msgs, _ := env.store.ListQueuedMessages(sess.ID)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message left, got %d", len(msgs))
	}
	if msgs[0].Prompt != "third" {
		t.Errorf("Wrong message consumed, %q remains", msgs[0].Prompt)
	}

	got, _ := env.store.GetSession(sess.ID)
	if got.Status != models.SessionStatusRunning {
		t.Errorf("Session should be running the promoted task, got %s", got.Status)
	}

	tasks, _ := env.store.ListTasks(sess.ID)
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].CreatedBy != "bob" {
		t.Errorf("Promoted task should be attributed to bob, got %s", tasks[0].CreatedBy)
	}
}

func TestQueueDrainFallbackIdentity(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	first, _ := env.orch.SubmitPrompt(sess.ID, "first", "alice")
	// Queued by an identity that no longer resolves.
	env.orch.SubmitPrompt(sess.ID, "second", "ghost")

	env.orch.CompleteTask(first.Task.ID, models.Usage{}, "")

	waitFor(t, "second launch", func() bool { return env.launcher.launches() == 2 })

	tasks, _ := env.store.ListTasks(sess.ID)
	if tasks[0].CreatedBy != "alice" {
		t.Errorf("Expected fallback to the completing user, got %s", tasks[0].CreatedBy)
	}
}

func TestQueueDrainEmptyQueue(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	first, _ := env.orch.SubmitPrompt(sess.ID, "only", "alice")
	env.orch.CompleteTask(first.Task.ID, models.Usage{}, "")

	waitFor(t, "session idle", func() bool {
		got, _ := env.store.GetSession(sess.ID)
		return got != nil && got.Status == models.SessionStatusIdle
	})
	if env.launcher.launches() != 1 {
		t.Errorf("Empty queue must not launch anything, got %d", env.launcher.launches())
	}
}

func TestQueueDrainSequentialOrder(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	first, _ := env.orch.SubmitPrompt(sess.ID, "first", "alice")
	env.orch.SubmitPrompt(sess.ID, "second", "alice")
	env.orch.SubmitPrompt(sess.ID, "third", "bob")
	env.orch.SubmitPrompt(sess.ID, "fourth", "alice")

	// Completing each task in turn promotes exactly the next queued prompt.
	if err := env.orch.CompleteTask(first.Task.ID, models.Usage{}, ""); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	waitFor(t, "launch 2", func() bool { return env.launcher.launches() == 2 })

	for i := 2; i <= 3; i++ {
		active, err := env.store.ActiveTaskForSession(sess.ID)
		if err != nil || active == nil {
			t.Fatalf("No active task before completion %d: %v", i, err)
		}
		if err := env.orch.CompleteTask(active.ID, models.Usage{}, ""); err != nil {
			t.Fatalf("CompleteTask failed: %v", err)
		}
		want := i + 1
		waitFor(t, "next launch", func() bool { return env.launcher.launches() == want })
	}

	for i, want := range []string{"first", "second", "third", "fourth"} {
		if got := env.launcher.spec(i).Prompt; got != want {
			t.Errorf("Launch %d: expected %q, got %q", i, want, got)
		}
	}

	msgs, _ := env.store.ListQueuedMessages(sess.ID)
	if len(msgs) != 0 {
		t.Errorf("Expected empty queue, got %d messages", len(msgs))
	}

	last, _ := env.store.ActiveTaskForSession(sess.ID)
	env.orch.CompleteTask(last.ID, models.Usage{}, "")
	waitFor(t, "session idle", func() bool {
		got, _ := env.store.GetSession(sess.ID)
		return got != nil && got.Status == models.SessionStatusIdle && got.ReadyForPrompt
	})
}

func TestCancelQueuedMessage(t *testing.T) {
	env := newTestEnv(t)
	sess, _ := env.orch.CreateSession("claude", env.worktree, "default", "alice")

	env.orch.SubmitPrompt(sess.ID, "first", "alice")
	queued, _ := env.orch.SubmitPrompt(sess.ID, "second", "alice")

	deleted, err := env.orch.CancelQueuedMessage(queued.Queued.ID)
	if err != nil {
		t.Fatalf("CancelQueuedMessage failed: %v", err)
	}
	if !deleted {
		t.Fatal("Cancel of existing message should succeed")
	}

	// Cancelling again reports the message as gone.
	deleted, err = env.orch.CancelQueuedMessage(queued.Queued.ID)
	if err != nil {
		t.Fatalf("CancelQueuedMessage failed: %v", err)
	}
	if deleted {
		t.Error("Second cancel should report false")
	}

	msgs, _ := env.store.ListQueuedMessages(sess.ID)
	if len(msgs) != 0 {
		t.Errorf("Expected empty queue, got %d messages", len(msgs))
	}
}

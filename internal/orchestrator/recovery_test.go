package orchestrator

import (
	"testing"
	"time"

	"github.com/agor-sh/agor/internal/models"
	"github.com/agor-sh/agor/internal/store"
)

func TestRecoverOrphans(t *testing.T) {
	env := newTestEnv(t)

	// A session that crashed mid-task.
	crashed, _ := env.store.CreateSession("claude", "/tmp/a", "default", "alice")
	env.store.SetSessionState(crashed.ID, models.SessionStatusRunning, false)
	orphanRunning, _ := env.store.CreateTask(crashed.ID, "interrupted", 3, "", "", "alice")

	// A session that crashed mid-stop.
	stopping, _ := env.store.CreateSession("claude", "/tmp/b", "default", "alice")
	env.store.SetSessionState(stopping.ID, models.SessionStatusStopping, false)
	orphanStopping, _ := env.store.CreateTask(stopping.ID, "half stopped", 0, "", "", "alice")
	env.store.SetTaskStatus(orphanStopping.ID, models.TaskStatusStopping)

	// A healthy idle session with finished history.
	healthy, _ := env.store.CreateSession("claude", "/tmp/c", "default", "alice")
	finished, _ := env.store.CreateTask(healthy.ID, "done", 0, "", "", "alice")
	env.store.FinalizeTask(finished.ID, models.TaskStatusCompleted, store.TaskFinalFields{EndedAt: time.Now().UTC()})

	report, err := env.orch.RecoverOrphans()
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if report.TasksStopped != 2 {
		t.Errorf("Expected 2 tasks stopped, got %d", report.TasksStopped)
	}
	if report.SessionsIdled != 2 {
		t.Errorf("Expected 2 sessions idled, got %d", report.SessionsIdled)
	}

	for _, taskID := range []string{orphanRunning.ID, orphanStopping.ID} {
		task, _ := env.store.GetTask(taskID)
		if task.Status != models.TaskStatusStopped {
			t.Errorf("Orphan task %s should be stopped, got %s", taskID, task.Status)
		}
		if task.EndedAt == nil {
			t.Errorf("Orphan task %s should have ended_at", taskID)
		}
	}

	// The interrupted task never streamed messages we can trust; its range
	// collapses to empty.
	task, _ := env.store.GetTask(orphanRunning.ID)
	if task.MessageEnd != task.MessageStart {
		t.Errorf("Expected empty message range, got %d..%d", task.MessageStart, task.MessageEnd)
	}

	for _, sessID := range []string{crashed.ID, stopping.ID, healthy.ID} {
		sess, _ := env.store.GetSession(sessID)
		if sess.Status != models.SessionStatusIdle || !sess.ReadyForPrompt {
			t.Errorf("Session %s should be idle+ready, got %s ready=%v", sessID, sess.Status, sess.ReadyForPrompt)
		}
	}

	// The finished task is untouched.
	task, _ = env.store.GetTask(finished.ID)
	if task.Status != models.TaskStatusCompleted {
		t.Errorf("Finished task should stay completed, got %s", task.Status)
	}

	// A second sweep finds nothing.
	report, err = env.orch.RecoverOrphans()
	if err != nil {
		t.Fatalf("Second sweep failed: %v", err)
	}
	if report.TasksStopped != 0 || report.SessionsIdled != 0 || report.SessionsFixed != 0 {
		t.Errorf("Second sweep should be empty, got %+v", report)
	}
}

func TestRecoverOrphansEmptyStore(t *testing.T) {
	env := newTestEnv(t)

	report, err := env.orch.RecoverOrphans()
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if report.TasksStopped != 0 || report.SessionsIdled != 0 {
		t.Errorf("Expected empty report, got %+v", report)
	}
}

package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/agor-sh/agor/internal/audit"
	"github.com/agor-sh/agor/internal/bus"
	"github.com/agor-sh/agor/internal/models"
	"github.com/agor-sh/agor/internal/store"
)

// StopResult reports the outcome of a stop request. A stop that finds
// nothing to stop, or that the executor never confirms, is a result, not an
// error: double-clicked stop buttons and slow executors are expected.
type StopResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// StopSession cancels a session's in-flight task through a bounded
// three-phase handshake: mark task and session stopping, signal the executor
// and wait for acknowledge then confirm, and either finalize (task stopped,
// session idle) or revert both to their pre-stop state. The session is never
// left hanging in stopping.
func (o *Orchestrator) StopSession(ctx context.Context, sessionID, userID string) (*StopResult, error) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	// awaiting_permission passes through at session level: the session
	// stays running, so the status check below covers it.
	if sess.Status != models.SessionStatusRunning {
		return &StopResult{Success: false, Reason: "session is not running"}, nil
	}

	task, err := o.store.ActiveTaskForSession(sessionID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return &StopResult{Success: false, Reason: "session has no active task"}, nil
	}

	// Phase 1: request.
	ok, err := o.store.SetTaskStatus(task.ID, models.TaskStatusStopping)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The task reached a terminal state between our read and the
		// update; there is nothing left to stop.
		return &StopResult{Success: false, Reason: "task already finished"}, nil
	}
	if _, err := o.store.SetSessionState(sessionID, models.SessionStatusStopping, false); err != nil {
		return nil, err
	}
	o.audit.Record(audit.EntityTask, task.ID, sessionID, "task.stop_requested", "success", "")
	o.emitTask(sessionID, task.ID, models.TaskStatusStopping, "")
	o.emitSession(sessionID, models.SessionStatusStopping, false)

	// Phase 2: acknowledge, then confirm. Subscribe before signalling so
	// neither reply can slip past us. The ack/confirm split exists because
	// receiving the stop signal and actually halting the SDK call are not
	// the same instant.
	events, unsubscribe := o.bus.Subscribe(sessionID)
	defer unsubscribe()
	o.bus.Emit(bus.Event{Kind: bus.KindTaskStop, SessionID: sessionID, TaskID: task.ID})

	if !o.awaitStopEvent(ctx, events, task.ID, bus.KindTaskStopAck, o.cfg.StopAckTimeout) {
		return o.revertStop(sessionID, task.ID, userID, "stop not acknowledged in time")
	}
	if !o.awaitStopEvent(ctx, events, task.ID, bus.KindTaskStoppedComplete, o.cfg.StopConfirmTimeout) {
		return o.revertStop(sessionID, task.ID, userID, "stop not confirmed in time")
	}

	// Phase 3: resolve.
	sess, err = o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	applied, err := o.store.FinalizeTask(task.ID, models.TaskStatusStopped, store.TaskFinalFields{
		MessageEnd: messageEnd(sess),
		EndedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if applied {
		o.audit.Record(audit.EntityTask, task.ID, sessionID, "task.stopped", "success", "")
		o.emitTask(sessionID, task.ID, models.TaskStatusStopped, "")
	}
	// A stop must not strand queued work: going idle triggers the drain.
	o.settleStoppedSession(sessionID, userID, "session.stopped")

	return &StopResult{Success: true}, nil
}

// settleStoppedSession resolves a session at the end of a stop attempt. If a
// completion raced the stop and its drain already promoted queued work, the
// session belongs to that task: idling it here would trigger a second drain
// and put two executors on one worktree.
func (o *Orchestrator) settleStoppedSession(sessionID, userID, action string) {
	active, err := o.store.ActiveTaskForSession(sessionID)
	if err != nil {
		log.Printf("[%s] settle after stop: %v", shortID(sessionID), err)
		return
	}
	if active != nil {
		if _, err := o.store.SetSessionState(sessionID, models.SessionStatusRunning, false); err != nil {
			log.Printf("[%s] settle after stop: %v", shortID(sessionID), err)
			return
		}
		o.emitSession(sessionID, models.SessionStatusRunning, false)
		return
	}
	o.sessionToIdle(sessionID, userID, action)
}

// awaitStopEvent waits for one stop-protocol event for a task, bounded by
// timeout and the caller's context.
func (o *Orchestrator) awaitStopEvent(ctx context.Context, events <-chan bus.Event, taskID string, kind bus.Kind, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return false
			}
			if evt.Kind == kind && evt.TaskID == taskID {
				return true
			}
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// revertStop returns the task and session to their pre-stop-request state so
// the system never hangs in stopping. The caller may retry.
func (o *Orchestrator) revertStop(sessionID, taskID, userID, reason string) (*StopResult, error) {
	log.Printf("[%s] reverting stop of task %s: %s", shortID(sessionID), taskID, reason)

	ok, err := o.store.SetTaskStatus(taskID, models.TaskStatusRunning)
	if err != nil {
		return nil, err
	}
	if !ok {
		// The executor finished the task while we waited; the completion
		// path skipped the idle transition because the session was
		// stopping, so resolve it here instead of reviving a dead task.
		o.settleStoppedSession(sessionID, userID, "session.idle")
		return &StopResult{Success: false, Reason: "task finished during stop"}, nil
	}

	if _, err := o.store.SetSessionState(sessionID, models.SessionStatusRunning, false); err != nil {
		return nil, err
	}
	o.audit.Record(audit.EntityTask, taskID, sessionID, "task.stop_reverted", "failed", reason)
	o.emitTask(sessionID, taskID, models.TaskStatusRunning, "")
	o.emitSession(sessionID, models.SessionStatusRunning, false)

	return &StopResult{Success: false, Reason: reason}, nil
}

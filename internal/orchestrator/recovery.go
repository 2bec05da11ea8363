package orchestrator

import (
	"log"
	"time"

	"github.com/agor-sh/agor/internal/audit"
	"github.com/agor-sh/agor/internal/models"
	"github.com/agor-sh/agor/internal/store"
)

// RecoveryReport summarizes one orphan sweep.
type RecoveryReport struct {
	TasksStopped  int
	SessionsIdled int
	SessionsFixed int
}

// RecoverOrphans repairs state left behind by a crashed prior process. It
// must run to completion before the daemon accepts new work. No executor
// handle survives a restart, so every non-terminal task is force-stopped,
// and session state is re-derived from task state: there is no write-ahead
// log, this sweep is the sole consistency-repair mechanism.
func (o *Orchestrator) RecoverOrphans() (*RecoveryReport, error) {
	report := &RecoveryReport{}

	// Pass 1: force every non-terminal task to stopped.
	orphans, err := o.store.FindNonTerminalTasks()
	if err != nil {
		return nil, err
	}
	orphanSessions := make(map[string]bool)
	for _, task := range orphans {
		orphanSessions[task.SessionID] = true
		applied, err := o.store.FinalizeTask(task.ID, models.TaskStatusStopped, store.TaskFinalFields{
			MessageEnd: task.MessageStart,
			EndedAt:    time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}
		report.TasksStopped++
		o.audit.Record(audit.EntityTask, task.ID, task.SessionID, "task.orphan_stopped", "success", "")
		o.emitTask(task.SessionID, task.ID, models.TaskStatusStopped, "")
		log.Printf("[%s] orphan sweep: stopped task %s (was %s)", shortID(task.SessionID), task.ID, task.Status)
	}

	// Pass 2: force every session stuck in running or stopping back to
	// idle and ready.
	stuck, err := o.store.SessionsInStatuses([]models.SessionStatus{
		models.SessionStatusRunning,
		models.SessionStatusStopping,
	})
	if err != nil {
		return nil, err
	}
	for _, sess := range stuck {
		if ok, err := o.store.SetSessionState(sess.ID, models.SessionStatusIdle, true); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		delete(orphanSessions, sess.ID)
		report.SessionsIdled++
		o.audit.Record(audit.EntitySession, sess.ID, sess.ID, "session.orphan_idled", "success", "")
		o.emitSession(sess.ID, models.SessionStatusIdle, true)
		log.Printf("[%s] orphan sweep: session forced idle (was %s)", shortID(sess.ID), sess.Status)
	}

	// Re-check sessions that owned an orphaned task even if their own
	// status field drifted out of the scan above (partial-write history).
	for sessionID := range orphanSessions {
		sess, err := o.store.GetSession(sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.Status == models.SessionStatusIdle {
			continue
		}
		if ok, err := o.store.SetSessionState(sessionID, models.SessionStatusIdle, true); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		report.SessionsFixed++
		o.audit.Record(audit.EntitySession, sessionID, sessionID, "session.orphan_idled", "success", "double-check")
		o.emitSession(sessionID, models.SessionStatusIdle, true)
	}

	return report, nil
}

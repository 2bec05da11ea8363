package orchestrator

import (
	"log"

	"github.com/agor-sh/agor/internal/audit"
	"github.com/agor-sh/agor/internal/bus"
	"github.com/agor-sh/agor/internal/models"
)

// scheduleDrain runs a queue drain as a fire-and-forget background
// continuation. The triggering operation never waits on queue depth, and
// drain errors are logged here rather than propagated: the drain is not part
// of any request/response contract.
func (o *Orchestrator) scheduleDrain(sessionID, fallbackUser string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.drainQueue(sessionID, fallbackUser); err != nil {
			log.Printf("[%s] queue drain: %v", shortID(sessionID), err)
		}
	}()
}

// drainQueue promotes the oldest queued message for a session into a running
// task, using the original submitter's identity. Every early return below is
// a benign race, not an error: another actor claimed the idle slot, the
// queue emptied, or the user deleted the message first.
func (o *Orchestrator) drainQueue(sessionID, fallbackUser string) error {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return err
	}
	if sess == nil || sess.Status != models.SessionStatusIdle || !sess.ReadyForPrompt {
		return nil
	}

	msg, err := o.store.OldestQueuedMessage(sessionID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	// Prefer the identity that queued the message over whatever triggered
	// this drain (which may be a timer or another user's stop request).
	identity := msg.QueuedBy
	if !o.users.Known(identity) {
		log.Printf("[%s] queued-by user %q no longer resolves, using %q", shortID(sessionID), identity, fallbackUser)
		identity = fallbackUser
	}

	// Re-verify the message still exists before consuming it; a concurrent
	// direct deletion by the user may have raced us here.
	current, err := o.store.GetQueuedMessage(msg.ID)
	if err != nil {
		return err
	}
	if current == nil {
		return nil
	}

	// Promotion is destructive: a queued message and a running task are
	// mutually exclusive representations of the same intent.
	deleted, err := o.store.DeleteQueuedMessage(msg.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}
	o.audit.Record(audit.EntityQueue, msg.ID, sessionID, "queue.promote", "success", "")
	o.bus.Emit(bus.Event{Kind: bus.KindQueuePromoted, SessionID: sessionID, QueuedMessageID: msg.ID})

	_, err = o.SubmitPrompt(sessionID, msg.Prompt, identity)
	return err
}

// CancelQueuedMessage deletes a queued message before it runs. Returns false
// when the message was already promoted or deleted.
func (o *Orchestrator) CancelQueuedMessage(id string) (bool, error) {
	msg, err := o.store.GetQueuedMessage(id)
	if err != nil {
		return false, err
	}
	deleted, err := o.store.DeleteQueuedMessage(id)
	if err != nil {
		return false, err
	}
	if deleted && msg != nil {
		o.audit.Record(audit.EntityQueue, id, msg.SessionID, "queue.cancel", "success", "")
	}
	return deleted, nil
}

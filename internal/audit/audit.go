// Package audit records state transitions for after-the-fact inspection.
package audit

import (
	"log"

	"github.com/agor-sh/agor/internal/store"
)

// Entity kinds recorded in the transition log.
const (
	EntityTask    = "task"
	EntitySession = "session"
	EntityQueue   = "queue"
)

// Writer appends transition records to the store. Audit failures are logged
// and swallowed: the audit trail must never fail the transition it describes.
type Writer struct {
	store *store.Store
}

// NewWriter creates a new audit writer.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Record writes one transition record, scoped to the session it belongs to.
func (w *Writer) Record(entityKind, entityID, sessionID, action, outcome, details string) {
	if err := w.store.RecordTransition(entityKind, entityID, sessionID, action, outcome, details); err != nil {
		log.Printf("audit: record %s %s for %s %s: %v", action, outcome, entityKind, entityID, err)
	}
}

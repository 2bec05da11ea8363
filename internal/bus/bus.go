// Package bus provides the in-process message bus the orchestrator, the
// executor ingest endpoint, and UI clients communicate over.
package bus

import (
	"log"
	"sync"
	"time"

	"github.com/agor-sh/agor/internal/models"
)

// Kind identifies an event type. The set of kinds is closed: every event on
// the bus carries exactly one of these tags with the payload fields listed
// on Event.
type Kind string

const (
	// KindTaskStatusChanged is published after every task state transition.
	// Payload: SessionID, TaskID, TaskStatus, Error (on failure).
	KindTaskStatusChanged Kind = "task_status_changed"
	// KindSessionUpdated is published after every session state write.
	// Payload: SessionID, SessionStatus, ReadyForPrompt.
	KindSessionUpdated Kind = "session_updated"
	// KindTaskStop asks a running executor to cancel its task.
	// Payload: SessionID, TaskID.
	KindTaskStop Kind = "task_stop"
	// KindTaskStopAck is the executor acknowledging receipt of a stop request.
	// Payload: SessionID, TaskID.
	KindTaskStopAck Kind = "task_stop_ack"
	// KindTaskStoppedComplete is the executor confirming it has halted.
	// Payload: SessionID, TaskID.
	KindTaskStoppedComplete Kind = "task_stopped_complete"
	// KindQueuePromoted is published when a queued message is promoted to a
	// task. Payload: SessionID, QueuedMessageID.
	KindQueuePromoted Kind = "queue_promoted"
	// KindAgentMessage is published for each message the executor streams.
	// Payload: SessionID, TaskID.
	KindAgentMessage Kind = "agent_message"
)

// Event is one bus message. Which payload fields are set depends on Kind;
// see the kind constants.
type Event struct {
	Kind            Kind                 `json:"kind"`
	SessionID       string               `json:"session_id"`
	TaskID          string               `json:"task_id,omitempty"`
	TaskStatus      models.TaskStatus    `json:"task_status,omitempty"`
	SessionStatus   models.SessionStatus `json:"session_status,omitempty"`
	ReadyForPrompt  bool                 `json:"ready_for_prompt,omitempty"`
	QueuedMessageID string               `json:"queued_message_id,omitempty"`
	Error           string               `json:"error,omitempty"`
	Time            time.Time            `json:"time"`
}

// subscriberBuffer is the per-subscriber channel depth. Emit never blocks;
// events beyond this depth are dropped and logged.
const subscriberBuffer = 64

type subscriber struct {
	sessionID string
	ch        chan Event
}

// Bus fans events out to per-session subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers interest in events for one session. An empty session id
// subscribes to every session. The returned cancel function must be called to
// release the subscription; the channel is closed by it.
func (b *Bus) Subscribe(sessionID string) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{sessionID: sessionID, ch: make(chan Event, subscriberBuffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Emit delivers an event to every matching subscriber. It never blocks: a
// subscriber whose buffer is full misses the event.
func (b *Bus) Emit(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.sessionID != "" && sub.sessionID != evt.SessionID {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			log.Printf("bus: dropping %s event for session %s (subscriber buffer full)", evt.Kind, evt.SessionID)
		}
	}
}

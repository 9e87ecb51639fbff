package chat

import "time"

// EventKind discriminates fanout events.
type EventKind string

const (
	// EventMessageCreated is emitted after a message commits.
	EventMessageCreated EventKind = "message.created"
	// EventMessageRead is emitted after a read-state transition commits.
	EventMessageRead EventKind = "message.read"
)

// Target addresses every active session of a user, optionally excluding the
// session that originated the request (multi-device echo).
type Target struct {
	UserID         string
	ExcludeSession string
}

// Event is a fire-and-forget fanout payload. Delivery is best-effort: the
// durability contract is satisfied once the store has committed.
type Event struct {
	Kind    EventKind
	Targets []Target

	// Set for EventMessageCreated.
	Message *Message

	// Set for EventMessageRead.
	ConversationID string
	MessageIDs     []string
	ReaderID       string
	ReadAt         time.Time
}

// Fanout hands events to the realtime delivery layer. Emit must never block
// and must never surface delivery failures to the caller.
type Fanout interface {
	Emit(ev Event)
}

// NopFanout discards every event. Used when no realtime layer is wired.
type NopFanout struct{}

func (NopFanout) Emit(Event) {}

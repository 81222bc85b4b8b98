package types

import "time"

// ChatMessage is one entry in the local message log. The id is
// synthesized locally on receipt, never assigned by the transport. The
// timestamp is the authoritative creation time embedded in the wire
// payload, not the receipt time. Messages are immutable once built.
type ChatMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// TimestampLayout is the wire format of message timestamps.
const TimestampLayout = time.RFC3339

// Typing signal sentinels. Signals carry exactly one of these two
// values and nothing else.
const (
	SignalTypingStart = "1"
	SignalTypingStop  = "0"
)

// Message payload keys shared by publish and history.
const (
	FieldText      = "text"
	FieldUserID    = "userId"
	FieldUsername  = "username"
	FieldTimestamp = "timestamp"
)

// EventKind classifies inbound transport events.
type EventKind string

const (
	KindMessage  EventKind = "message"
	KindPresence EventKind = "presence"
	KindSignal   EventKind = "signal"
)

// Event is one inbound transport event. Payload is deliberately loose:
// chat messages arrive as a string mapping or a generic mapping whose
// values need per-value coercion, signals as a bare sentinel.
type Event struct {
	Kind      EventKind `json:"kind"`
	Channel   string    `json:"channel"`
	Publisher string    `json:"publisher"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

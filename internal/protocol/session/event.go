package session

import "time"

type EventKind string

const (
	EventTransition EventKind = "transition"
	EventCommand    EventKind = "command"
	EventReconnect  EventKind = "reconnect"
)

// Event is one notable link occurrence, as kept by an event sink.
type Event struct {
	At     time.Time       `json:"at"`
	Kind   EventKind       `json:"kind"`
	From   ConnectionState `json:"from"`
	To     ConnectionState `json:"to"`
	Target string          `json:"target,omitempty"`
	Detail string          `json:"detail,omitempty"`
}

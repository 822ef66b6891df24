package domain

import "time"

type EventKind string

const (
	StateChanged    EventKind = "STATE_CHANGED"
	MessageSent     EventKind = "MESSAGE_SENT"
	MessageReceived EventKind = "MESSAGE_RECEIVED"
	DeliveryFailed  EventKind = "DELIVERY_FAILED"
	// TargetRevoked follows the Closed event of a target that is no longer
	// approved. Its listeners are detached after receiving it.
	TargetRevoked EventKind = "TARGET_REVOKED"
)

// SessionEvent is what the UI collaborator observes.
// Diagnostic is a best-effort description of the failure, if any.
type SessionEvent struct {
	Kind       EventKind
	TargetID   string
	State      State
	Message    *Message
	Diagnostic string
	At         time.Time
}

type TransportEventKind string

const (
	TransportSignal    TransportEventKind = "SIGNAL"
	TransportConnected TransportEventKind = "CONNECTED"
	TransportData      TransportEventKind = "DATA"
	TransportError     TransportEventKind = "ERROR"
	TransportClosed    TransportEventKind = "CLOSED"
)

// TransportEvent is emitted by a transport on its event stream.
// Payload holds local setup data for Signal and the frame for Data.
type TransportEvent struct {
	Kind    TransportEventKind
	Payload []byte
	Err     error
}

package domain

type State string

const (
	Idle         State = "IDLE"
	SignalingOut State = "SIGNALING_OUT"
	SignalingIn  State = "SIGNALING_IN"
	Connected    State = "CONNECTED"
	Closed       State = "CLOSED"
)

// IsSignaling reports whether setup data is still being exchanged.
func (s State) IsSignaling() bool {
	return s == SignalingOut || s == SignalingIn
}

type Role string

const (
	Initiator Role = "INITIATOR"
	Responder Role = "RESPONDER"
)

// RoleFor derives the local role from the two participant identifiers.
// The lexicographically smaller identifier leads, so both sides agree
// without any negotiation.
func RoleFor(self, remote string) Role {
	if self < remote {
		return Initiator
	}
	return Responder
}

// SignalingState is the state a fresh session enters for a given role.
func SignalingState(role Role) State {
	if role == Initiator {
		return SignalingOut
	}
	return SignalingIn
}

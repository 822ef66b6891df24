package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"peer-chat/errors"
	"time"
)

// Relay keys are plain strings and must match exactly on both ends.
const (
	signalingPrefix     = "signaling/"
	groupSignalSuffix   = "_group"
	groupMessagesPrefix = "groupMessages/"
	statusPrefix        = "status/"
)

// SignalKey is the key "from" publishes to and "to" subscribes to.
// SignalKey(a, b, k) is the subscribe key of b for the exchange with a,
// so the pairing is asymmetric and nobody reads its own writes.
func SignalKey(from, to string, kind TargetKind) string {
	key := signalingPrefix + from + "_" + to
	if kind == Group {
		key += groupSignalSuffix
	}
	return key
}

func GroupMessagesKey(groupID string) string {
	return groupMessagesPrefix + groupID
}

func StatusKey(userID string) string {
	return statusPrefix + userID
}

// TranscriptPrefix starts the key of every persisted transcript row.
const TranscriptPrefix = "messages_"

// TranscriptKey is the composite key of persisted transcript rows.
func TranscriptKey(localUser, targetID string) string {
	return fmt.Sprintf("%s%s_%s", TranscriptPrefix, localUser, targetID)
}

// SignalEnvelope carries opaque connection-setup data between two endpoints.
// Attempt identifies the publishing connection attempt, Reply the attempt
// being answered (empty for offers).
type SignalEnvelope struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Kind      TargetKind `json:"kind"`
	Attempt   string     `json:"attempt"`
	Reply     string     `json:"reply,omitempty"`
	Payload   []byte     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

func (e SignalEnvelope) Key() string {
	return SignalKey(e.From, e.To, e.Kind)
}

// Fingerprint is stable for a given payload and attempt.
// Re-delivered envelopes yield the same fingerprint.
func (e SignalEnvelope) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(e.Attempt))
	h.Write([]byte{0})
	h.Write([]byte(e.Reply))
	h.Write([]byte{0})
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func EncodeEnvelope(e SignalEnvelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (SignalEnvelope, error) {
	var e SignalEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return SignalEnvelope{}, fmt.Errorf("%w: %v", errors.ErrInvalidEnvelope, err)
	}
	if e.Attempt == "" {
		return SignalEnvelope{}, fmt.Errorf("%w: envelope from %q has no attempt", errors.ErrInvalidEnvelope, e.From)
	}
	return e, nil
}

// Change is one observation delivered by a relay subscription.
// Exists is false for the initial snapshot of a key never written.
// Seq is only set for append-only logs.
type Change struct {
	Key    string
	Value  []byte
	Exists bool
	Seq    uint64
}

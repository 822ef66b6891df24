// Package domain contains core concepts of the peer session core.
// This file defines Message events and related rules.
// Messages are immutable once stored in a transcript.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message represents an immutable chat message.
// Ordering key is Timestamp, then insertion order for equal timestamps.
type Message struct {
	Text      string
	SenderID  string
	Timestamp time.Time
}

func NewMessage(senderID, text string, at time.Time) Message {
	return Message{Text: text, SenderID: senderID, Timestamp: at.UTC()}
}

// EchoKey identifies a message by sender and timestamp.
// Used to recognize the fan-out echo of a local write.
func (m Message) EchoKey() string {
	return fmt.Sprintf("%s|%d", m.SenderID, m.Timestamp.UnixNano())
}

// wireMessage is the serialized form exchanged over transports and group logs.
type wireMessage struct {
	Type      string `json:"type"`
	Text      string `json:"content"`
	SenderID  string `json:"sender"`
	Timestamp string `json:"timestamp"`
}

const wireTypeMessage = "message"

// EncodeMessage serializes a message with an ISO-8601 timestamp.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(wireMessage{
		Type:      wireTypeMessage,
		Text:      m.Text,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// DecodeMessage parses the wire form. Unknown frame types are rejected.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, err
	}
	if w.Type != wireTypeMessage {
		return Message{}, fmt.Errorf("unexpected frame type %q", w.Type)
	}
	at, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Message{}, err
	}
	return Message{Text: w.Text, SenderID: w.SenderID, Timestamp: at.UTC()}, nil
}

// GroupEntry is one message of a group fan-out stream with its log position.
type GroupEntry struct {
	Seq     uint64
	Message Message
}

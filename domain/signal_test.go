package domain

import (
	"peer-chat/errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalKey_Asymmetric_Pairing(t *testing.T) {
	req := require.New(t)

	// A publishes where B listens and vice versa
	req.Equal("signaling/A_B", SignalKey("A", "B", Individual))
	req.Equal("signaling/B_A", SignalKey("B", "A", Individual))
	req.NotEqual(SignalKey("A", "B", Individual), SignalKey("B", "A", Individual))

	req.Equal("signaling/A_G1_group", SignalKey("A", "G1", Group))
	req.Equal("groupMessages/G1", GroupMessagesKey("G1"))
	req.Equal("status/A", StatusKey("A"))
	req.Equal("messages_A_B", TranscriptKey("A", "B"))
}

func TestSignalEnvelope_Fingerprint_Stable_Across_Redelivery(t *testing.T) {
	req := require.New(t)
	envelope := SignalEnvelope{
		From: "A", To: "B", Kind: Individual,
		Attempt: "attempt-1", Payload: []byte(`{"sdp":"offer"}`),
		CreatedAt: time.Now().UTC(),
	}

	// When the same envelope travels through the relay twice
	data, err := EncodeEnvelope(envelope)
	req.NoError(err)
	first, err := DecodeEnvelope(data)
	req.NoError(err)
	second, err := DecodeEnvelope(data)
	req.NoError(err)

	// Then both copies are recognized as the same payload
	req.Equal(first.Fingerprint(), second.Fingerprint())
	req.Equal("signaling/A_B", first.Key())

	// And a new attempt with the same payload is a different one
	envelope.Attempt = "attempt-2"
	req.NotEqual(first.Fingerprint(), envelope.Fingerprint())
}

func TestDecodeEnvelope_Rejects_Missing_Attempt(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"from":"A","to":"B","payload":"e30="}`))
	require.ErrorIs(t, err, errors.ErrInvalidEnvelope)
}

func TestDecodeEnvelope_Rejects_Malformed_Json(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"from":`))
	require.ErrorIs(t, err, errors.ErrInvalidEnvelope)
}

func TestMessage_Wire_Uses_ISO8601(t *testing.T) {
	req := require.New(t)
	at := time.Date(2024, 3, 1, 10, 30, 0, 123456789, time.UTC)
	msg := NewMessage("A", "hi", at)

	data, err := EncodeMessage(msg)
	req.NoError(err)
	req.Contains(string(data), `"timestamp":"2024-03-01T10:30:00.123456789Z"`)

	decoded, err := DecodeMessage(data)
	req.NoError(err)
	req.Equal(msg, decoded)
	req.Equal(msg.EchoKey(), decoded.EchoKey())

	_, err = DecodeMessage([]byte(`{"type":"typing"}`))
	req.Error(err)
}

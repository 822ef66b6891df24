// Package transport provides the direct peer channels opened once signaling
// completes: an in-process Network for tests and embedding, and WebSocket
// channels between processes.
package transport

import (
	"encoding/json"
	"fmt"
	"peer-chat/errors"
)

const (
	offerType  = "offer"
	answerType = "answer"
)

// setup is the payload a transport hands to the signaling layer.
type setup struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	URL   string `json:"url,omitempty"`
}

func encodeSetup(s setup) []byte {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return data
}

func decodeSetup(data []byte, want string) (setup, error) {
	var s setup
	if err := json.Unmarshal(data, &s); err != nil {
		return setup{}, fmt.Errorf("%w: %v", errors.ErrSignalingFailure, err)
	}
	if s.Type != want {
		return setup{}, fmt.Errorf("%w: expected %s, got %q", errors.ErrSignalingFailure, want, s.Type)
	}
	if s.Token == "" {
		return setup{}, fmt.Errorf("%w: %s without token", errors.ErrSignalingFailure, want)
	}
	return s, nil
}

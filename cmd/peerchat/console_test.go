package main

import (
	"bytes"
	"context"
	"peer-chat/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConsole_renders_session_events(t *testing.T) {
	req := require.New(t)
	var out bytes.Buffer
	c := newConsole(&out, "alice", false)
	message := domain.NewMessage("bob", "hello", time.Now())

	// When events of each kind are consumed
	req.NoError(c.Consume(context.Background(), domain.SessionEvent{Kind: domain.StateChanged, TargetID: "bob", State: domain.Connected}))
	req.NoError(c.Consume(context.Background(), domain.SessionEvent{Kind: domain.MessageReceived, TargetID: "bob", Message: &message}))
	req.NoError(c.Consume(context.Background(), domain.SessionEvent{Kind: domain.StateChanged, TargetID: "bob", State: domain.Closed, Diagnostic: "connect timeout"}))
	req.NoError(c.Consume(context.Background(), domain.SessionEvent{Kind: domain.MessageSent, TargetID: "bob", Message: &message}))
	req.NoError(c.Consume(context.Background(), domain.SessionEvent{Kind: domain.TargetRevoked, TargetID: "bob", State: domain.Closed}))

	// Then states, messages and diagnostics are printed and sent messages are not echoed
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	req.Len(lines, 4)
	req.Equal("[bob] CONNECTED", string(lines[0]))
	req.Contains(string(lines[1]), "bob: hello")
	req.Equal("[bob] CLOSED: connect timeout", string(lines[2]))
	req.Equal("[bob] no longer approved", string(lines[3]))
}

func TestConsole_history_and_presence(t *testing.T) {
	req := require.New(t)
	var out bytes.Buffer
	c := newConsole(&out, "alice", false)

	c.history(nil)
	c.presence("bob", true)
	c.history([]domain.Message{domain.NewMessage("alice", "first", time.Now())})

	req.Contains(out.String(), "no messages yet\nbob is online\n")
	req.Contains(out.String(), "alice: first")
}

func TestParseGroup(t *testing.T) {
	req := require.New(t)

	id, members, err := parseGroup("club=alice,bob, carol")
	req.NoError(err)
	req.Equal("club", id)
	req.Equal([]string{"alice", "bob", "carol"}, members)

	_, _, err = parseGroup("club")
	req.Error(err)
	_, _, err = parseGroup("=alice")
	req.Error(err)
}

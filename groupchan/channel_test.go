package groupchan

import (
	"context"
	"fmt"
	"log/slog"
	"peer-chat/domain"
	"peer-chat/errors"
	"peer-chat/mocks"
	"peer-chat/relay"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func nextEntry(t *testing.T, entries <-chan domain.GroupEntry) domain.GroupEntry {
	t.Helper()
	select {
	case entry, ok := <-entries:
		require.True(t, ok)
		return entry
	case <-time.After(2 * time.Second):
		t.Fatal("no group entry")
		return domain.GroupEntry{}
	}
}

func TestChannel_Observe_replays_history_then_follows(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Given a group with one message already appended by alice
	hub := relay.NewHub(slog.Default())
	aliceConn, bobConn := hub.Connect("alice"), hub.Connect("bob")
	defer func() { _ = aliceConn.Close() }()
	defer func() { _ = bobConn.Close() }()
	alice := NewChannel(aliceConn, slog.Default())
	bob := NewChannel(bobConn, slog.Default())
	seq, err := alice.Append(ctx, "g1", domain.NewMessage("alice", "hello", at))
	req.NoError(err)
	req.Equal(uint64(1), seq)

	// When bob observes and alice appends again
	stream, err := bob.Observe(ctx, "g1")
	req.NoError(err)
	defer stream.Close()
	_, err = alice.Append(ctx, "g1", domain.NewMessage("alice", "again", at.Add(time.Second)))
	req.NoError(err)

	// Then bob gets both, in order, with their sequences
	first := nextEntry(t, stream.Entries())
	req.Equal(uint64(1), first.Seq)
	req.Equal("hello", first.Message.Text)
	req.Equal("alice", first.Message.SenderID)
	req.True(at.Equal(first.Message.Timestamp))
	second := nextEntry(t, stream.Entries())
	req.Equal(uint64(2), second.Seq)
	req.Equal("again", second.Message.Text)
}

func TestChannel_Observe_skips_undecodable_entries(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()

	hub := relay.NewHub(slog.Default())
	conn := hub.Connect("alice")
	defer func() { _ = conn.Close() }()
	_, err := conn.Append(ctx, domain.GroupMessagesKey("g1"), []byte("garbage"))
	req.NoError(err)
	channel := NewChannel(conn, slog.Default())
	_, err = channel.Append(ctx, "g1", domain.NewMessage("alice", "ok", time.Now()))
	req.NoError(err)

	stream, err := channel.Observe(ctx, "g1")
	req.NoError(err)
	defer stream.Close()

	entry := nextEntry(t, stream.Entries())
	req.Equal(uint64(2), entry.Seq)
	req.Equal("ok", entry.Message.Text)
}

func TestChannel_Close_closes_entries(t *testing.T) {
	req := require.New(t)
	hub := relay.NewHub(slog.Default())
	conn := hub.Connect("alice")
	defer func() { _ = conn.Close() }()

	stream, err := NewChannel(conn, slog.Default()).Observe(context.Background(), "g1")
	req.NoError(err)
	stream.Close()
	stream.Close()

	_, open := <-stream.Entries()
	req.False(open)
}

func TestChannel_Append_wraps_relay_failure(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	relayMock := mocks.NewMockIRelay(ctrl)
	relayMock.EXPECT().Append(gomock.Any(), "groupMessages/g1", gomock.Any()).Return(uint64(0), fmt.Errorf("down"))

	_, err := NewChannel(relayMock, slog.Default()).Append(context.Background(), "g1", domain.NewMessage("alice", "x", time.Now()))

	req.ErrorIs(err, errors.ErrTransportError)
}

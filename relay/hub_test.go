package relay

import (
	"context"
	"log/slog"
	"peer-chat/domain"
	"peer-chat/errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func next(t *testing.T, changes <-chan domain.Change) domain.Change {
	t.Helper()
	select {
	case change, ok := <-changes:
		require.True(t, ok, "subscription closed")
		return change
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
		return domain.Change{}
	}
}

func TestHub_Subscribe_delivers_snapshot_then_overwrites_in_order(t *testing.T) {
	defer goleak.VerifyNone(t)
	req := require.New(t)
	ctx := context.Background()

	// Given a hub with an initial value
	hub := NewHub(slog.Default())
	alice := hub.Connect("alice")
	bob := hub.Connect("bob")
	defer func() { _ = alice.Close() }()
	defer func() { _ = bob.Close() }()
	req.NoError(alice.Publish(ctx, "k", []byte("v0")))

	// When bob subscribes and alice overwrites several times
	sub, err := bob.Subscribe(ctx, "k")
	req.NoError(err)
	defer sub.Unsubscribe()
	for _, v := range []string{"v1", "v2", "v3"} {
		req.NoError(alice.Publish(ctx, "k", []byte(v)))
	}

	// Then the snapshot comes first and overwrites follow in publish order
	for _, want := range []string{"v0", "v1", "v2", "v3"} {
		change := next(t, sub.Changes())
		req.True(change.Exists)
		req.Equal(want, string(change.Value))
	}
}

func TestHub_Subscribe_on_missing_key_reports_absence(t *testing.T) {
	defer goleak.VerifyNone(t)
	req := require.New(t)

	hub := NewHub(slog.Default())
	conn := hub.Connect("alice")
	defer func() { _ = conn.Close() }()

	sub, err := conn.Subscribe(context.Background(), "nothing")
	req.NoError(err)
	defer sub.Unsubscribe()

	change := next(t, sub.Changes())
	req.False(change.Exists)
	req.Nil(change.Value)
}

func TestHub_Close_publishes_disconnect_actions(t *testing.T) {
	defer goleak.VerifyNone(t)
	req := require.New(t)
	ctx := context.Background()

	// Given alice armed a disconnect action and bob watches the key
	hub := NewHub(slog.Default())
	alice := hub.Connect("alice")
	bob := hub.Connect("bob")
	defer func() { _ = bob.Close() }()
	req.NoError(alice.PublishWithDisconnect(ctx, "status/alice", []byte("on"), []byte("off")))
	sub, err := bob.Subscribe(ctx, "status/alice")
	req.NoError(err)
	defer sub.Unsubscribe()
	req.Equal("on", string(next(t, sub.Changes()).Value))

	// When alice's connection drops
	req.NoError(alice.Close())

	// Then the armed value replaces hers and further calls are refused
	req.Equal("off", string(next(t, sub.Changes()).Value))
	value, ok := hub.Get("status/alice")
	req.True(ok)
	req.Equal("off", string(value))
	req.ErrorIs(alice.Publish(ctx, "status/alice", []byte("on")), errors.ErrRelayClosed)
	req.Equal(1, hub.Connections())
}

func TestHub_Close_ends_own_subscriptions(t *testing.T) {
	defer goleak.VerifyNone(t)
	req := require.New(t)

	hub := NewHub(slog.Default())
	conn := hub.Connect("alice")
	sub, err := conn.Subscribe(context.Background(), "k")
	req.NoError(err)
	next(t, sub.Changes())

	req.NoError(conn.Close())
	req.NoError(conn.Close())

	_, open := <-sub.Changes()
	req.False(open)
}

func TestHub_SubscribeLog_replays_then_tails(t *testing.T) {
	defer goleak.VerifyNone(t)
	req := require.New(t)
	ctx := context.Background()

	// Given a log with two entries
	hub := NewHub(slog.Default())
	conn := hub.Connect("alice")
	defer func() { _ = conn.Close() }()
	for i, v := range []string{"a", "b"} {
		seq, err := conn.Append(ctx, "log", []byte(v))
		req.NoError(err)
		req.Equal(uint64(i+1), seq)
	}

	// When a reader subscribes late and a third entry is appended
	sub, err := conn.SubscribeLog(ctx, "log")
	req.NoError(err)
	defer sub.Unsubscribe()
	_, err = conn.Append(ctx, "log", []byte("c"))
	req.NoError(err)

	// Then it sees the whole log with sequences in order
	for i, want := range []string{"a", "b", "c"} {
		change := next(t, sub.Changes())
		req.Equal(uint64(i+1), change.Seq)
		req.Equal(want, string(change.Value))
	}
}

func TestHub_calls_respect_cancelled_context(t *testing.T) {
	defer goleak.VerifyNone(t)
	req := require.New(t)

	hub := NewHub(slog.Default())
	conn := hub.Connect("alice")
	defer func() { _ = conn.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req.ErrorIs(conn.Publish(ctx, "k", nil), context.Canceled)
	_, err := conn.Subscribe(ctx, "k")
	req.ErrorIs(err, context.Canceled)
	_, ok := hub.Get("k")
	req.False(ok)
}

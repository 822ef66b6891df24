package session

import (
	"context"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/directory"
	"peer-chat/domain"
	"peer-chat/relay"
	"peer-chat/repositories"
	"peer-chat/transport"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *recorder) Consume(_ context.Context, e domain.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) count(match func(domain.SessionEvent) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.CountBy(r.events, match)
}

func stateEvent(targetID string, state domain.State) func(domain.SessionEvent) bool {
	return func(e domain.SessionEvent) bool {
		return e.Kind == domain.StateChanged && e.TargetID == targetID && e.State == state
	}
}

type peer struct {
	manager     *Manager
	conn        *relay.Conn
	transcripts *repositories.TranscriptRepository
	events      *recorder
}

type world struct {
	hub       *relay.Hub
	network   *transport.Network
	directory *directory.Memory
}

func newWorld() *world {
	return &world{
		hub:       relay.NewHub(slog.Default()),
		network:   transport.NewNetwork(),
		directory: directory.NewMemory(domain.AutoApproval, slog.Default()),
	}
}

func openTranscripts(t *testing.T) *repositories.TranscriptRepository {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return repositories.NewTranscriptRepository(db, slog.Default(), repositories.DefaultCapacity)
}

type peerOption func(*Dependencies, *Config)

func withTransports(factory contract.ITransportFactory) peerOption {
	return func(deps *Dependencies, _ *Config) { deps.Transports = factory }
}

func withTranscripts(store contract.ITranscriptStore) peerOption {
	return func(deps *Dependencies, _ *Config) { deps.Transcripts = store }
}

func withConnectTimeout(d time.Duration) peerOption {
	return func(_ *Dependencies, cfg *Config) { cfg.ConnectTimeout = d }
}

func withRelay(wrap func(contract.IRelay) contract.IRelay) peerOption {
	return func(deps *Dependencies, _ *Config) { deps.Relay = wrap(deps.Relay) }
}

// slowRelay holds back every change of its subscriptions for delay.
type slowRelay struct {
	contract.IRelay
	delay time.Duration
}

func (r slowRelay) Subscribe(ctx context.Context, key string) (contract.Subscription, error) {
	inner, err := r.IRelay.Subscribe(ctx, key)
	if err != nil {
		return nil, err
	}
	sub := &slowSubscription{inner: inner, out: make(chan domain.Change), done: make(chan struct{})}
	sub.wg.Add(1)
	go sub.forward(r.delay)
	return sub, nil
}

type slowSubscription struct {
	inner contract.Subscription
	out   chan domain.Change
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

func (s *slowSubscription) forward(delay time.Duration) {
	defer s.wg.Done()
	defer close(s.out)
	for {
		var change domain.Change
		select {
		case <-s.done:
			return
		case c, ok := <-s.inner.Changes():
			if !ok {
				return
			}
			change = c
		}
		select {
		case <-s.done:
			return
		case <-time.After(delay):
		}
		select {
		case <-s.done:
			return
		case s.out <- change:
		}
	}
}

func (s *slowSubscription) Changes() <-chan domain.Change {
	return s.out
}

func (s *slowSubscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.inner.Unsubscribe()
		s.wg.Wait()
	})
}

// join starts a manager for self on the shared hub.
func (w *world) join(t *testing.T, self string, options ...peerOption) *peer {
	t.Helper()
	conn := w.hub.Connect(self)
	deps := Dependencies{
		Relay:      conn,
		Transports: w.network,
		Directory:  w.directory,
	}
	cfg := DefaultConfig()
	for _, option := range options {
		option(&deps, &cfg)
	}
	if deps.Transcripts == nil {
		deps.Transcripts = openTranscripts(t)
	}
	manager, err := NewManager(self, deps, cfg, slog.Default())
	require.NoError(t, err)
	events := &recorder{}
	manager.AddSink(events)
	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() {
		_ = manager.Logout(context.Background())
		_ = conn.Close()
	})
	transcripts, _ := deps.Transcripts.(*repositories.TranscriptRepository)
	return &peer{manager: manager, conn: conn, transcripts: transcripts, events: events}
}

func (p *peer) eventuallyState(t *testing.T, targetID string, state domain.State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.manager.State(targetID) == state }, waitFor, tick,
		"%s never reached %s for %s", p.manager.Self(), state, targetID)
}

func (p *peer) eventuallyMessages(t *testing.T, targetID string, n int) []domain.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(p.manager.Messages(targetID)) == n }, waitFor, tick,
		"%s transcript for %s never reached %d rows", p.manager.Self(), targetID, n)
	return p.manager.Messages(targetID)
}

// Package presence publishes the local user's online flag on the relay and
// observes the flags of others.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/domain"
	"sync"
)

type flag struct {
	Online bool `json:"online"`
}

var (
	onlineFlag  = mustEncode(true)
	offlineFlag = mustEncode(false)
)

func mustEncode(online bool) []byte {
	data, err := json.Marshal(flag{Online: online})
	if err != nil {
		panic(err)
	}
	return data
}

// Decode reads a presence value. Missing or malformed values read as offline.
func Decode(value []byte) bool {
	var f flag
	if len(value) == 0 || json.Unmarshal(value, &f) != nil {
		return false
	}
	return f.Online
}

// Tracker is the presence tracker of one process.
type Tracker struct {
	mu        sync.Mutex
	relay     contract.IRelay
	log       *slog.Logger
	observers map[*observer]struct{}
	closed    bool
}

var _ contract.IPresence = (*Tracker)(nil)

func NewTracker(relay contract.IRelay, log *slog.Logger) *Tracker {
	return &Tracker{
		relay:     relay,
		log:       log,
		observers: make(map[*observer]struct{}),
	}
}

// SetOnline publishes the online flag and arms the offline flag on the
// relay in the same call, so the flag reverts if this connection drops.
func (t *Tracker) SetOnline(ctx context.Context, userID string) error {
	if err := t.relay.PublishWithDisconnect(ctx, domain.StatusKey(userID), onlineFlag, offlineFlag); err != nil {
		return fmt.Errorf("set %s online: %w", userID, err)
	}
	t.log.Debug("Presence online", "user", userID)
	return nil
}

func (t *Tracker) SetOffline(ctx context.Context, userID string) error {
	if err := t.relay.Publish(ctx, domain.StatusKey(userID), offlineFlag); err != nil {
		return fmt.Errorf("set %s offline: %w", userID, err)
	}
	t.log.Debug("Presence offline", "user", userID)
	return nil
}

// Observe calls onChange with the current flag of userID and then on every
// change, from a single goroutine. The returned func stops observing; it
// must not be called from onChange.
func (t *Tracker) Observe(ctx context.Context, userID string, onChange func(online bool)) (func(), error) {
	sub, err := t.relay.Subscribe(ctx, domain.StatusKey(userID))
	if err != nil {
		return nil, fmt.Errorf("observe %s presence: %w", userID, err)
	}
	o := &observer{sub: sub, done: make(chan struct{})}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		sub.Unsubscribe()
		return func() {}, nil
	}
	t.observers[o] = struct{}{}
	t.mu.Unlock()

	go func() {
		defer close(o.done)
		for change := range sub.Changes() {
			if change.Exists && !json.Valid(change.Value) {
				t.log.Warn("Malformed presence value", "user", userID)
			}
			onChange(change.Exists && Decode(change.Value))
		}
	}()

	return func() {
		t.mu.Lock()
		delete(t.observers, o)
		t.mu.Unlock()
		o.stop()
	}, nil
}

// Close stops every observer.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	observers := t.observers
	t.observers = make(map[*observer]struct{})
	t.mu.Unlock()
	for o := range observers {
		o.stop()
	}
}

type observer struct {
	sub  contract.Subscription
	done chan struct{}
	once sync.Once
}

func (o *observer) stop() {
	o.once.Do(func() {
		o.sub.Unsubscribe()
		<-o.done
	})
}

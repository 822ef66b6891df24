// Package relay implements the key-value publish/subscribe service used to
// exchange connection-setup payloads, presence flags and group logs.
// Hub is the in-process implementation; Server exposes a Hub over WebSocket
// and Client speaks to it from another process.
package relay

import (
	"context"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"peer-chat/runtime"
	"slices"
	"sync"
)

// Hub owns the relay namespace. Every mutation and every subscriber
// notification happens under one lock, which gives per-key delivery in
// publish order.
type Hub struct {
	mu          sync.Mutex
	log         *slog.Logger
	values      map[string][]byte
	logs        map[string][][]byte
	watchers    map[string]map[*subscription]struct{}
	logWatchers map[string]map[*subscription]struct{}
	conns       map[*Conn]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log:         log,
		values:      make(map[string][]byte),
		logs:        make(map[string][][]byte),
		watchers:    make(map[string]map[*subscription]struct{}),
		logWatchers: make(map[string]map[*subscription]struct{}),
		conns:       make(map[*Conn]struct{}),
	}
}

// Connect opens a relay connection. Disconnect actions armed through it run
// when it is closed.
func (h *Hub) Connect(clientID string) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn := &Conn{
		hub:          h,
		id:           clientID,
		subs:         make(map[*subscription]struct{}),
		onDisconnect: make(map[string][]byte),
	}
	h.conns[conn] = struct{}{}
	return conn
}

// Get returns the current value at key.
func (h *Hub) Get(key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	value, ok := h.values[key]
	return slices.Clone(value), ok
}

// Connections returns the number of open connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) publishLocked(key string, value []byte) {
	h.values[key] = value
	for sub := range h.watchers[key] {
		sub.box.Push(domain.Change{Key: key, Value: value, Exists: true})
	}
}

func (h *Hub) register(index map[string]map[*subscription]struct{}, sub *subscription) {
	if _, ok := index[sub.key]; !ok {
		index[sub.key] = make(map[*subscription]struct{})
	}
	index[sub.key][sub] = struct{}{}
}

func (h *Hub) unregister(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	index := h.watchers
	if sub.log {
		index = h.logWatchers
	}
	if subs, ok := index[sub.key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(index, sub.key)
		}
	}
	delete(sub.conn.subs, sub)
}

// Conn is one client connection to a Hub. It implements contract.IRelay.
type Conn struct {
	hub          *Hub
	id           string
	closed       bool
	subs         map[*subscription]struct{}
	onDisconnect map[string][]byte
}

var _ contract.IRelay = (*Conn)(nil)

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Publish(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return errors.ErrRelayClosed
	}
	c.hub.publishLocked(key, slices.Clone(value))
	return nil
}

func (c *Conn) PublishWithDisconnect(ctx context.Context, key string, value, onDisconnect []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return errors.ErrRelayClosed
	}
	c.onDisconnect[key] = slices.Clone(onDisconnect)
	c.hub.publishLocked(key, slices.Clone(value))
	return nil
}

// Subscribe delivers a snapshot of key first, then every overwrite.
func (c *Conn) Subscribe(ctx context.Context, key string) (contract.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return nil, errors.ErrRelayClosed
	}
	sub := newSubscription(c, key, false)
	value, ok := c.hub.values[key]
	sub.box.Push(domain.Change{Key: key, Value: value, Exists: ok})
	c.hub.register(c.hub.watchers, sub)
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Append adds value at the end of the log at key and returns its sequence,
// starting at 1.
func (c *Conn) Append(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return 0, errors.ErrRelayClosed
	}
	entry := slices.Clone(value)
	c.hub.logs[key] = append(c.hub.logs[key], entry)
	seq := uint64(len(c.hub.logs[key]))
	for sub := range c.hub.logWatchers[key] {
		sub.box.Push(domain.Change{Key: key, Value: entry, Exists: true, Seq: seq})
	}
	return seq, nil
}

func (c *Conn) SubscribeLog(ctx context.Context, key string) (contract.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	if c.closed {
		return nil, errors.ErrRelayClosed
	}
	sub := newSubscription(c, key, true)
	for i, entry := range c.hub.logs[key] {
		sub.box.Push(domain.Change{Key: key, Value: entry, Exists: true, Seq: uint64(i + 1)})
	}
	c.hub.register(c.hub.logWatchers, sub)
	c.subs[sub] = struct{}{}
	return sub, nil
}

// Close drops the connection: armed disconnect actions are published and
// every subscription of the connection is stopped.
func (c *Conn) Close() error {
	c.hub.mu.Lock()
	if c.closed {
		c.hub.mu.Unlock()
		return nil
	}
	c.closed = true
	for key, value := range c.onDisconnect {
		c.hub.publishLocked(key, value)
	}
	c.onDisconnect = nil
	subs := make([]*subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	delete(c.hub.conns, c)
	c.hub.mu.Unlock()

	c.hub.log.Debug("Relay connection closed", "client", c.id, "subscriptions", len(subs))
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

type subscription struct {
	key  string
	log  bool
	conn *Conn
	box  *runtime.Mailbox[domain.Change]
	once sync.Once
}

func newSubscription(conn *Conn, key string, log bool) *subscription {
	return &subscription{key: key, log: log, conn: conn, box: runtime.NewMailbox[domain.Change]()}
}

func (s *subscription) Changes() <-chan domain.Change {
	return s.box.Out()
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.conn.hub.unregister(s)
	})
	s.box.Stop()
}

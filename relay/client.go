package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"peer-chat/runtime"
	"sync"
	"sync/atomic"

	"github.com/fasthttp/websocket"
)

// Client is a contract.IRelay backed by a remote relay Server.
// Closing the client drops the socket, so the server runs the disconnect
// actions armed through it.
type Client struct {
	writeMu sync.Mutex
	mu      sync.Mutex
	ws      *websocket.Conn
	log     *slog.Logger
	nextID  atomic.Uint64
	pending map[uint64]chan Frame
	subs    map[uint64]*clientSubscription
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ contract.IRelay = (*Client)(nil)

// Dial connects to a relay endpoint such as "ws://localhost:8090/relay".
func Dial(ctx context.Context, endpoint, clientID string, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid relay endpoint %q: %w", endpoint, err)
	}
	query := u.Query()
	query.Set("client", clientID)
	u.RawQuery = query.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial %s: %w", endpoint, err)
	}
	c := &Client{
		ws:      ws,
		log:     log.With("relay", endpoint),
		pending: make(map[uint64]chan Frame),
		subs:    make(map[uint64]*clientSubscription),
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *Client) Publish(ctx context.Context, key string, value []byte) error {
	_, err := c.call(ctx, Frame{Op: OpPublish, Key: key, Value: value})
	return err
}

func (c *Client) PublishWithDisconnect(ctx context.Context, key string, value, onDisconnect []byte) error {
	_, err := c.call(ctx, Frame{Op: OpPublishArmed, Key: key, Value: value, OnDisconnect: onDisconnect})
	return err
}

func (c *Client) Append(ctx context.Context, key string, value []byte) (uint64, error) {
	ack, err := c.call(ctx, Frame{Op: OpAppend, Key: key, Value: value})
	return ack.Seq, err
}

func (c *Client) Subscribe(ctx context.Context, key string) (contract.Subscription, error) {
	return c.subscribe(ctx, OpSubscribe, key)
}

func (c *Client) SubscribeLog(ctx context.Context, key string) (contract.Subscription, error) {
	return c.subscribe(ctx, OpSubscribeLog, key)
}

// Close drops the socket and waits for the read loop to stop.
func (c *Client) Close() error {
	err := c.ws.Close()
	c.wg.Wait()
	return err
}

// subscribe registers the local mailbox before the request is sent, so
// change frames racing the ack are never lost.
func (c *Client) subscribe(ctx context.Context, op Op, key string) (contract.Subscription, error) {
	id := c.nextID.Add(1)
	sub := &clientSubscription{id: id, client: c, box: runtime.NewMailbox[domain.Change]()}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.box.Stop()
		return nil, errors.ErrRelayClosed
	}
	c.subs[id] = sub
	c.mu.Unlock()

	if _, err := c.callWithID(ctx, id, Frame{Op: op, Sub: id, Key: key}); err != nil {
		c.forget(id)
		sub.box.Stop()
		return nil, err
	}
	return sub, nil
}

func (c *Client) call(ctx context.Context, frame Frame) (Frame, error) {
	return c.callWithID(ctx, c.nextID.Add(1), frame)
}

func (c *Client) callWithID(ctx context.Context, id uint64, frame Frame) (Frame, error) {
	frame.ID = id
	reply := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Frame{}, errors.ErrRelayClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", errors.ErrRelayClosed, err)
	}
	select {
	case ack := <-reply:
		if ack.Error != "" {
			return ack, fmt.Errorf("relay %s %s: %s", frame.Op, frame.Key, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-c.done:
		return Frame{}, errors.ErrRelayClosed
	}
}

func (c *Client) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			c.log.Debug("Relay client read ended", "error", err)
			c.shutdown()
			return
		}
		switch frame.Op {
		case OpChange:
			c.mu.Lock()
			sub, ok := c.subs[frame.Sub]
			c.mu.Unlock()
			if ok {
				sub.box.Push(frame.change())
			}
		case OpAck:
			c.mu.Lock()
			reply, ok := c.pending[frame.ID]
			c.mu.Unlock()
			if ok {
				reply <- frame
			}
		default:
			c.log.Warn("Unexpected relay frame", "op", frame.Op)
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[uint64]*clientSubscription)
	c.mu.Unlock()
	close(c.done)
	for _, sub := range subs {
		sub.box.Stop()
	}
}

type clientSubscription struct {
	id     uint64
	client *Client
	box    *runtime.Mailbox[domain.Change]
	once   sync.Once
}

func (s *clientSubscription) Changes() <-chan domain.Change {
	return s.box.Out()
}

// Unsubscribe tells the server to stop forwarding without waiting for the ack.
func (s *clientSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.forget(s.id)
		s.client.mu.Lock()
		closed := s.client.closed
		s.client.mu.Unlock()
		if !closed {
			if err := s.client.write(Frame{Op: OpUnsubscribe, ID: s.client.nextID.Add(1), Sub: s.id}); err != nil {
				s.client.log.Debug("Unsubscribe frame not sent", "sub", s.id, "error", err)
			}
		}
	})
	s.box.Stop()
}

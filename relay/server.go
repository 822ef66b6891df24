package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"peer-chat/contract"
	"peer-chat/errors"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const Path = "/relay"

// Server exposes a Hub over WebSocket. Each socket owns one Hub connection,
// so a dropped socket runs the disconnect actions armed through it.
type Server struct {
	app   *fiber.App
	hub   *Hub
	log   *slog.Logger
	limit rate.Limit
	burst int
}

func NewServer(hub *Hub, log *slog.Logger, opsPerSecond float64, burst int) *Server {
	s := &Server{
		app:   fiber.New(fiber.Config{DisableStartupMessage: true}),
		hub:   hub,
		log:   log,
		limit: rate.Limit(opsPerSecond),
		burst: burst,
	}
	if opsPerSecond <= 0 {
		s.limit = rate.Inf
	}
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	s.app.Use(Path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get(Path, websocket.New(s.handle))
	return s
}

func (s *Server) Listen(address string) error {
	return s.app.Listen(address)
}

func (s *Server) Serve(listener net.Listener) error {
	return s.app.Listener(listener)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handle(c *websocket.Conn) {
	clientID := c.Query("client", uuid.NewString())
	sock := &socket{
		ws:      c,
		conn:    s.hub.Connect(clientID),
		log:     s.log.With("client", clientID),
		limiter: rate.NewLimiter(s.limit, s.burst),
		subs:    make(map[uint64]contract.Subscription),
	}
	sock.log.Debug("Relay socket opened")
	defer sock.close()

	for {
		var frame Frame
		if err := c.ReadJSON(&frame); err != nil {
			sock.log.Debug("Relay socket read ended", "error", err)
			return
		}
		if err := sock.write(sock.apply(frame)); err != nil {
			sock.log.Debug("Relay socket write failed", "error", err)
			return
		}
	}
}

type socket struct {
	writeMu sync.Mutex
	mu      sync.Mutex
	ws      *websocket.Conn
	conn    *Conn
	log     *slog.Logger
	limiter *rate.Limiter
	subs    map[uint64]contract.Subscription
	wg      sync.WaitGroup
}

func (s *socket) write(frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(frame)
}

// apply executes one request and builds its ack.
func (s *socket) apply(frame Frame) Frame {
	ack := Frame{Op: OpAck, ID: frame.ID, Sub: frame.Sub, Key: frame.Key}
	if !s.limiter.Allow() {
		ack.Error = errors.ErrRateLimited.Error()
		return ack
	}
	ctx := context.Background()
	var err error
	switch frame.Op {
	case OpPublish:
		err = s.conn.Publish(ctx, frame.Key, frame.Value)
	case OpPublishArmed:
		err = s.conn.PublishWithDisconnect(ctx, frame.Key, frame.Value, frame.OnDisconnect)
	case OpAppend:
		ack.Seq, err = s.conn.Append(ctx, frame.Key, frame.Value)
	case OpSubscribe:
		err = s.subscribe(frame, s.conn.Subscribe)
	case OpSubscribeLog:
		err = s.subscribe(frame, s.conn.SubscribeLog)
	case OpUnsubscribe:
		s.unsubscribe(frame.Sub)
	default:
		err = fmt.Errorf("unknown op %q", frame.Op)
	}
	if err != nil {
		ack.Error = err.Error()
	}
	return ack
}

func (s *socket) subscribe(frame Frame, open func(context.Context, string) (contract.Subscription, error)) error {
	s.mu.Lock()
	if _, ok := s.subs[frame.Sub]; ok {
		s.mu.Unlock()
		return fmt.Errorf("subscription %d already exists", frame.Sub)
	}
	s.mu.Unlock()

	sub, err := open(context.Background(), frame.Key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.subs[frame.Sub] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for change := range sub.Changes() {
			if err := s.write(changeFrame(frame.Sub, change)); err != nil {
				s.log.Debug("Dropping change, socket gone", "key", change.Key, "error", err)
				return
			}
		}
	}()
	return nil
}

func (s *socket) unsubscribe(id uint64) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if ok {
		sub.Unsubscribe()
	}
}

// close stops forwarding and drops the Hub connection, which publishes
// every armed disconnect action.
func (s *socket) close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]contract.Subscription)
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	_ = s.conn.Close()
	s.wg.Wait()
	s.log.Debug("Relay socket closed")
}

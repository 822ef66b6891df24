package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"peer-chat/runtime"
	"strconv"
	"sync"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
)

const peerPath = "/peer"

// WebSocketFactory opens direct WebSocket channels. The initiator listens on
// ListenAddress and advertises AdvertiseHost in its offer; the responder
// dials it.
type WebSocketFactory struct {
	ListenAddress string
	AdvertiseHost string
	Log           *slog.Logger
}

var _ contract.ITransportFactory = (*WebSocketFactory)(nil)

func NewWebSocketFactory(listenAddress, advertiseHost string, log *slog.Logger) *WebSocketFactory {
	return &WebSocketFactory{ListenAddress: listenAddress, AdvertiseHost: advertiseHost, Log: log}
}

func (f *WebSocketFactory) NewTransport(_ context.Context, initiator bool) (contract.ITransport, error) {
	t := &WebSocket{
		initiator: initiator,
		log:       f.Log,
		events:    runtime.NewMailbox[domain.TransportEvent](),
		done:      make(chan struct{}),
	}
	if !initiator {
		return t, nil
	}
	if err := t.listen(f.ListenAddress, f.AdvertiseHost); err != nil {
		t.events.Stop()
		return nil, err
	}
	return t, nil
}

// wsConn is the part of a websocket connection the transport uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

// WebSocket is one end of a direct channel between two processes.
type WebSocket struct {
	mu        sync.Mutex
	writeMu   sync.Mutex
	initiator bool
	log       *slog.Logger
	token     string
	server    *fasthttp.Server
	listener  net.Listener
	conn      wsConn
	answered  bool
	connected bool
	closed    bool
	events    *runtime.Mailbox[domain.TransportEvent]
	done      chan struct{}
	wg        sync.WaitGroup
}

func (t *WebSocket) Events() <-chan domain.TransportEvent {
	return t.events.Out()
}

func (t *WebSocket) listen(address, host string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", errors.ErrTransportError, address, err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	if host == "" {
		host = "127.0.0.1"
	}
	t.token = uuid.NewString()
	t.listener = listener
	upgrader := websocket.FastHTTPUpgrader{
		CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
	}
	t.server = &fasthttp.Server{
		Handler: func(ctx *fasthttp.RequestCtx) {
			if string(ctx.Path()) != peerPath || string(ctx.QueryArgs().Peek("token")) != t.token {
				ctx.SetStatusCode(fasthttp.StatusForbidden)
				return
			}
			if err := upgrader.Upgrade(ctx, t.accept); err != nil {
				t.log.Warn("Peer upgrade failed", "error", err)
			}
		},
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(listener); err != nil {
			t.log.Debug("Peer listener stopped", "error", err)
		}
	}()

	offer := setup{
		Type:  offerType,
		Token: t.token,
		URL:   (&url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: peerPath}).String(),
	}
	t.events.Push(domain.TransportEvent{Kind: domain.TransportSignal, Payload: encodeSetup(offer)})
	return nil
}

// accept runs for the lifetime of the inbound socket.
func (t *WebSocket) accept(ws *websocket.Conn) {
	t.mu.Lock()
	if t.closed || t.conn != nil {
		t.mu.Unlock()
		return
	}
	t.conn = ws
	t.mu.Unlock()
	t.markConnected()
	t.read(ws)
}

func (t *WebSocket) Signal(ctx context.Context, remote []byte) error {
	if t.initiator {
		answer, err := decodeSetup(remote, answerType)
		if err != nil {
			return err
		}
		if answer.Token != t.token {
			return fmt.Errorf("%w: answer for another offer", errors.ErrSignalingFailure)
		}
		t.mu.Lock()
		t.answered = true
		t.mu.Unlock()
		t.markConnected()
		return nil
	}

	offer, err := decodeSetup(remote, offerType)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.conn != nil {
		same := t.token == offer.Token
		t.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: already linked", errors.ErrSignalingFailure)
	}
	t.mu.Unlock()

	target, err := url.Parse(offer.URL)
	if err != nil {
		return fmt.Errorf("%w: offer url: %v", errors.ErrSignalingFailure, err)
	}
	query := target.Query()
	query.Set("token", offer.Token)
	target.RawQuery = query.Encode()
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: dial peer: %v", errors.ErrSignalingFailure, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ws.Close()
		return errors.ErrSessionClosed
	}
	t.token = offer.Token
	t.conn = ws
	t.answered = true
	t.mu.Unlock()

	t.events.Push(domain.TransportEvent{Kind: domain.TransportSignal, Payload: encodeSetup(setup{Type: answerType, Token: offer.Token})})
	t.markConnected()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.read(ws)
	}()
	return nil
}

// markConnected emits Connected once both the answer and the socket exist.
func (t *WebSocket) markConnected() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected || t.closed || !t.answered || t.conn == nil {
		return
	}
	t.connected = true
	t.events.Push(domain.TransportEvent{Kind: domain.TransportConnected})
}

func (t *WebSocket) read(ws wsConn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.log.Debug("Peer socket closed", "error", err)
				t.events.Push(domain.TransportEvent{Kind: domain.TransportClosed, Err: err})
			}
			return
		}
		t.events.Push(domain.TransportEvent{Kind: domain.TransportData, Payload: data})
	}
}

func (t *WebSocket) Send(_ context.Context, data []byte) error {
	t.mu.Lock()
	conn, connected := t.conn, t.connected && !t.closed
	t.mu.Unlock()
	if !connected {
		return fmt.Errorf("%w: not connected", errors.ErrTransportError)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrTransportError, err)
	}
	return nil
}

// Close drops the socket and the listener. Events is closed.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	conn, server, listener := t.conn, t.server, t.listener
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	var err error
	if server != nil {
		err = server.Shutdown()
		_ = listener.Close()
	}
	t.wg.Wait()
	t.events.Stop()
	return err
}

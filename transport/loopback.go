package transport

import (
	"context"
	"fmt"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"peer-chat/runtime"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// Network pairs in-process transports. An initiator registers a token in its
// offer; the responder that applies the offer is linked to it.
type Network struct {
	mu      sync.Mutex
	offered map[string]*Loopback
}

var _ contract.ITransportFactory = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{offered: make(map[string]*Loopback)}
}

func (n *Network) NewTransport(_ context.Context, initiator bool) (contract.ITransport, error) {
	t := &Loopback{
		network:   n,
		initiator: initiator,
		events:    runtime.NewMailbox[domain.TransportEvent](),
	}
	if initiator {
		t.token = uuid.NewString()
		n.mu.Lock()
		n.offered[t.token] = t
		n.mu.Unlock()
		t.events.Push(domain.TransportEvent{Kind: domain.TransportSignal, Payload: encodeSetup(setup{Type: offerType, Token: t.token})})
	}
	return t, nil
}

// Pending returns the number of offers not yet closed.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offered)
}

func (n *Network) lookup(token string) (*Loopback, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.offered[token]
	return t, ok
}

func (n *Network) forget(token string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.offered, token)
}

// Loopback is one end of an in-process channel.
type Loopback struct {
	mu        sync.Mutex
	network   *Network
	initiator bool
	token     string
	peer      *Loopback
	answered  bool
	connected bool
	closed    bool
	events    *runtime.Mailbox[domain.TransportEvent]
}

func (t *Loopback) Events() <-chan domain.TransportEvent {
	return t.events.Out()
}

func (t *Loopback) Signal(_ context.Context, remote []byte) error {
	if t.initiator {
		return t.applyAnswer(remote)
	}
	return t.applyOffer(remote)
}

func (t *Loopback) applyOffer(remote []byte) error {
	offer, err := decodeSetup(remote, offerType)
	if err != nil {
		return err
	}
	peer, ok := t.network.lookup(offer.Token)
	if !ok {
		return fmt.Errorf("%w: unknown offer %s", errors.ErrSignalingFailure, offer.Token)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errors.ErrSessionClosed
	}
	if t.peer != nil {
		t.mu.Unlock()
		if t.token == offer.Token {
			return nil
		}
		return fmt.Errorf("%w: already linked", errors.ErrSignalingFailure)
	}
	t.token = offer.Token
	t.peer = peer
	t.connected = true
	t.mu.Unlock()

	peer.mu.Lock()
	peer.peer = t
	ready := peer.answered && !peer.closed
	peer.connected = ready
	peer.mu.Unlock()
	if ready {
		peer.events.Push(domain.TransportEvent{Kind: domain.TransportConnected})
	}

	t.events.Push(domain.TransportEvent{Kind: domain.TransportSignal, Payload: encodeSetup(setup{Type: answerType, Token: offer.Token})})
	t.events.Push(domain.TransportEvent{Kind: domain.TransportConnected})
	return nil
}

func (t *Loopback) applyAnswer(remote []byte) error {
	answer, err := decodeSetup(remote, answerType)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if answer.Token != t.token {
		return fmt.Errorf("%w: answer for another offer", errors.ErrSignalingFailure)
	}
	if t.closed {
		return errors.ErrSessionClosed
	}
	if t.answered {
		return nil
	}
	t.answered = true
	if t.peer != nil && !t.connected {
		t.connected = true
		t.events.Push(domain.TransportEvent{Kind: domain.TransportConnected})
	}
	return nil
}

func (t *Loopback) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	peer, connected, closed := t.peer, t.connected, t.closed
	t.mu.Unlock()
	if closed || !connected || peer == nil {
		return fmt.Errorf("%w: not connected", errors.ErrTransportError)
	}
	peer.deliver(domain.TransportEvent{Kind: domain.TransportData, Payload: slices.Clone(data)})
	return nil
}

func (t *Loopback) deliver(evt domain.TransportEvent) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		t.events.Push(evt)
	}
}

// Close releases the channel and tells the peer it is gone. Events is closed.
func (t *Loopback) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peer := t.peer
	t.mu.Unlock()

	if t.initiator {
		t.network.forget(t.token)
	}
	if peer != nil {
		peer.deliver(domain.TransportEvent{Kind: domain.TransportClosed})
	}
	t.events.Stop()
	return nil
}

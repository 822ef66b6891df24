package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the connection state machine of one chat target.
// A single goroutine, run by the supervisor, owns the transport and consumes
// the merged stream of signaling changes, transport events, the outbox and
// the connect deadline.
type Session struct {
	mu            sync.RWMutex
	m             *Manager
	log           *slog.Logger
	targetID      string
	kind          domain.TargetKind
	target        domain.ChatTarget
	role          domain.Role
	attempt       string
	createdAt     time.Time
	state         domain.State
	transport     contract.ITransport
	remoteAttempt string
	early         [][]byte
	published     bool
	pending       map[string]struct{}
	outbox        chan domain.Message
	cancel        context.CancelCauseFunc
	started       atomic.Bool
	closeOnce     sync.Once
	stopped       chan struct{}
}

func newSession(m *Manager, target domain.ChatTarget) *Session {
	s := &Session{
		m:         m,
		targetID:  target.ID,
		kind:      target.Kind,
		target:    target,
		role:      domain.RoleFor(m.self, target.ID),
		attempt:   uuid.NewString(),
		createdAt: m.now(),
		pending:   make(map[string]struct{}),
		outbox:    make(chan domain.Message, m.cfg.OutboxSize),
		stopped:   make(chan struct{}),
	}
	if target.IsGroup() {
		s.state = domain.Connected
	} else {
		s.state = domain.SignalingState(s.role)
	}
	s.log = m.log.With("target", target.ID, "kind", target.Kind, "role", s.role, "attempt", s.attempt)
	return s
}

func (s *Session) Target() domain.ChatTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *Session) Role() domain.Role {
	return s.role
}

func (s *Session) Attempt() string {
	return s.attempt
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) State() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state domain.State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.log.Info("Session state changed", "state", state)
		s.m.emit(domain.SessionEvent{Kind: domain.StateChanged, TargetID: s.targetID, State: state})
	}
}

// setMembers replaces the member list. The target id and kind never change.
func (s *Session) setMembers(members []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target.Members = slices.Clone(members)
}

func (s *Session) currentTransport() contract.ITransport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport
}

func (s *Session) addPending(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[key] = struct{}{}
}

// takePending removes key from the local writes awaiting their echo.
func (s *Session) takePending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	delete(s.pending, key)
	return ok
}

// enqueue hands a message to the session goroutine without blocking.
func (s *Session) enqueue(message domain.Message) {
	select {
	case <-s.stopped:
		s.log.Debug("Session closed, message kept locally")
	case s.outbox <- message:
	default:
		s.log.Warn("Outbox full, dropping delivery", "size", cap(s.outbox))
		s.takePending(message.EchoKey())
		s.m.emit(domain.SessionEvent{
			Kind:       domain.DeliveryFailed,
			TargetID:   s.targetID,
			State:      s.State(),
			Message:    &message,
			Diagnostic: "outbox full",
		})
	}
}

// stop asks the session to close with reason. A session whose goroutine
// never started is torn down in place.
func (s *Session) stop(reason error) {
	s.cancel(reason)
	if s.started.CompareAndSwap(false, true) {
		s.teardown(reason)
	}
}

func (s *Session) wait(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	reason := errors.ErrWorkerPanic
	defer func() { s.teardown(reason) }()

	if s.kind == domain.Group {
		reason = s.runGroup(ctx)
	} else {
		reason = s.runIndividual(ctx)
	}
	return nil
}

func (s *Session) closeReason(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil || cause == context.Canceled {
		return errors.ErrSessionClosed
	}
	return cause
}

func (s *Session) runIndividual(ctx context.Context) error {
	remote := s.targetID
	sub, err := s.m.relay.Subscribe(ctx, domain.SignalKey(remote, s.m.self, domain.Individual))
	if err != nil {
		return fmt.Errorf("%w: subscribe: %v", errors.ErrSignalingFailure, err)
	}
	defer sub.Unsubscribe()

	if s.role == domain.Initiator {
		if err := s.openTransport(ctx); err != nil {
			return err
		}
	}

	timer := newDeadline(s.m.cfg.ConnectTimeout)
	defer timer.stop()
	timer.track(s.State())

	changes := sub.Changes()
	for {
		var events <-chan domain.TransportEvent
		if t := s.currentTransport(); t != nil {
			events = t.Events()
		}

		select {
		case <-ctx.Done():
			return s.closeReason(ctx)
		case change, ok := <-changes:
			if !ok {
				return fmt.Errorf("%w: signaling subscription ended", errors.ErrSignalingFailure)
			}
			if err := s.onSignal(ctx, change); err != nil {
				return err
			}
		case evt, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: transport event stream ended", errors.ErrTransportError)
			}
			if err := s.onTransport(ctx, evt); err != nil {
				return err
			}
		case message := <-s.outbox:
			if err := s.deliver(ctx, message); err != nil {
				return err
			}
		case <-timer.C():
			return fmt.Errorf("%w after %s", errors.ErrConnectTimeout, s.m.cfg.ConnectTimeout)
		}
		timer.track(s.State())
	}
}

func (s *Session) openTransport(ctx context.Context) error {
	t, err := s.m.transports.NewTransport(ctx, s.role == domain.Initiator)
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrTransportError, err)
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	return nil
}

func (s *Session) releaseTransport() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		if err := t.Close(); err != nil {
			s.log.Debug("Transport close failed", "error", err)
		}
	}
}

func signalingFailure(err error) error {
	if errors.Is(err, errors.ErrSignalingFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", errors.ErrSignalingFailure, err)
}

// onSignal applies one value observed at the remote's signaling key.
// Every consumed payload is fingerprinted so re-deliveries are no-ops.
func (s *Session) onSignal(ctx context.Context, change domain.Change) error {
	if !change.Exists || len(change.Value) == 0 {
		s.log.Debug("No setup data published by remote")
		return nil
	}
	env, err := domain.DecodeEnvelope(change.Value)
	if err != nil {
		s.log.Warn("Ignoring invalid setup envelope", "error", err)
		return nil
	}
	if env.From != s.targetID || env.To != s.m.self || env.Kind != domain.Individual {
		s.log.Warn("Ignoring misrouted setup envelope", "from", env.From, "to", env.To)
		return nil
	}
	if !s.m.consume(env.Key(), env.Fingerprint()) {
		s.log.Debug("Duplicate setup payload", "remote_attempt", env.Attempt)
		return nil
	}

	if s.role == domain.Initiator {
		if env.Reply != s.attempt {
			s.log.Debug("Stale answer", "reply", env.Reply)
			return nil
		}
		if err := s.currentTransport().Signal(ctx, env.Payload); err != nil {
			return signalingFailure(err)
		}
		return nil
	}

	if env.Reply != "" {
		s.log.Debug("Ignoring answer on offer key", "reply", env.Reply)
		return nil
	}
	if s.currentTransport() != nil && env.Attempt != s.remoteAttempt {
		s.log.Info("Remote restarted signaling", "previous", s.remoteAttempt, "remote_attempt", env.Attempt)
		s.releaseTransport()
		s.early = nil
		s.setState(domain.SignalingIn)
	}
	if s.currentTransport() == nil {
		if err := s.openTransport(ctx); err != nil {
			return err
		}
	}
	s.remoteAttempt = env.Attempt
	if err := s.currentTransport().Signal(ctx, env.Payload); err != nil {
		return signalingFailure(err)
	}
	return nil
}

func (s *Session) onTransport(ctx context.Context, evt domain.TransportEvent) error {
	switch evt.Kind {
	case domain.TransportSignal:
		return s.publishSetup(ctx, evt.Payload)
	case domain.TransportConnected:
		s.setState(domain.Connected)
		early := s.early
		s.early = nil
		for _, payload := range early {
			s.receive(payload)
		}
	case domain.TransportData:
		if s.State() != domain.Connected {
			s.holdEarly(evt.Payload)
			return nil
		}
		s.receive(evt.Payload)
	case domain.TransportError:
		return fmt.Errorf("%w: %v", errors.ErrTransportError, evt.Err)
	case domain.TransportClosed:
		return fmt.Errorf("%w: peer closed the channel", errors.ErrSessionClosed)
	default:
		s.log.Warn("Unknown transport event", "kind", evt.Kind)
	}
	return nil
}

// holdEarly keeps a frame that reached the channel before this end saw
// Connected. The remote may already be connected and sending.
func (s *Session) holdEarly(payload []byte) {
	if len(s.early) >= cap(s.outbox) {
		s.log.Warn("Too many frames before connect, dropping one", "held", len(s.early))
		return
	}
	s.log.Debug("Holding data received before connect", "held", len(s.early)+1)
	s.early = append(s.early, payload)
}

func (s *Session) receive(payload []byte) {
	message, err := domain.DecodeMessage(payload)
	if err != nil {
		s.log.Warn("Dropping undecodable frame", "error", err)
		return
	}
	message.SenderID = s.targetID
	s.m.record(s.targetID, message, domain.MessageReceived)
}

func (s *Session) publishSetup(ctx context.Context, payload []byte) error {
	env := domain.SignalEnvelope{
		From:      s.m.self,
		To:        s.targetID,
		Kind:      domain.Individual,
		Attempt:   s.attempt,
		Reply:     s.remoteAttempt,
		Payload:   payload,
		CreatedAt: s.m.now(),
	}
	data, err := domain.EncodeEnvelope(env)
	if err != nil {
		return signalingFailure(err)
	}
	// The relay withdraws the payload if this connection drops.
	if err := s.m.relay.PublishWithDisconnect(ctx, env.Key(), data, nil); err != nil {
		return fmt.Errorf("%w: publish setup data: %v", errors.ErrSignalingFailure, err)
	}
	s.published = true
	s.log.Debug("Setup data published", "key", env.Key(), "reply", env.Reply)
	return nil
}

func (s *Session) deliver(ctx context.Context, message domain.Message) error {
	t := s.currentTransport()
	if s.State() != domain.Connected || t == nil {
		s.log.Debug("Not connected, message kept locally")
		return nil
	}
	data, err := domain.EncodeMessage(message)
	if err != nil {
		return err
	}
	if err := t.Send(ctx, data); err != nil {
		s.deliveryFailed(message, err)
		if errors.Is(err, errors.ErrTransportError) {
			return err
		}
		return fmt.Errorf("%w: %v", errors.ErrTransportError, err)
	}
	return nil
}

func (s *Session) deliveryFailed(message domain.Message, err error) {
	s.log.Warn("Delivery failed, message stays in transcript", "error", err)
	s.m.emit(domain.SessionEvent{
		Kind:       domain.DeliveryFailed,
		TargetID:   s.targetID,
		State:      s.State(),
		Message:    &message,
		Diagnostic: err.Error(),
	})
}

type announcement struct {
	Members []string `json:"members"`
}

func (s *Session) runGroup(ctx context.Context) error {
	group := s.targetID
	if err := s.announce(ctx); err != nil {
		return err
	}
	stream, err := s.m.groups.Observe(ctx, group)
	if err != nil {
		return err
	}
	defer stream.Close()

	cursor := s.m.transcripts.Cursor(s.m.self, group)
	s.log.Debug("Group bound", "cursor", cursor)
	for {
		select {
		case <-ctx.Done():
			return s.closeReason(ctx)
		case entry, ok := <-stream.Entries():
			if !ok {
				return fmt.Errorf("%w: group stream ended", errors.ErrTransportError)
			}
			cursor = s.ingest(entry, cursor)
		case message := <-s.outbox:
			if _, err := s.m.groups.Append(ctx, group, message); err != nil {
				s.takePending(message.EchoKey())
				s.deliveryFailed(message, err)
				return err
			}
		}
	}
}

func (s *Session) announce(ctx context.Context) error {
	payload, err := json.Marshal(announcement{Members: s.Target().Members})
	if err != nil {
		return err
	}
	env := domain.SignalEnvelope{
		From:      s.m.self,
		To:        s.targetID,
		Kind:      domain.Group,
		Attempt:   s.attempt,
		Payload:   payload,
		CreatedAt: s.m.now(),
	}
	data, err := domain.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := s.m.relay.PublishWithDisconnect(ctx, env.Key(), data, nil); err != nil {
		return fmt.Errorf("%w: group announcement: %v", errors.ErrSignalingFailure, err)
	}
	s.published = true
	return nil
}

// ingest stores one group entry unless it was already ingested or is the
// echo of a local write, and returns the new cursor.
func (s *Session) ingest(entry domain.GroupEntry, cursor uint64) uint64 {
	if entry.Seq <= cursor {
		s.log.Debug("Group entry already ingested", "seq", entry.Seq)
		return cursor
	}
	message := entry.Message
	if message.SenderID == s.m.self && s.takePending(message.EchoKey()) {
		s.log.Debug("Suppressed echo of local write", "seq", entry.Seq)
	} else {
		s.m.record(s.targetID, message, domain.MessageReceived)
	}
	if err := s.m.transcripts.SetCursor(s.m.self, s.targetID, entry.Seq); err != nil {
		s.log.Error("Failed to persist group cursor", "seq", entry.Seq, "error", err)
	}
	return entry.Seq
}

// teardown releases everything the session holds, exactly once.
func (s *Session) teardown(reason error) {
	s.closeOnce.Do(func() {
		s.releaseTransport()
		s.mu.Lock()
		s.state = domain.Closed
		s.mu.Unlock()

		if s.published {
			s.withdraw()
		}
		s.m.remove(s)
		diagnostic := ""
		if reason != nil {
			diagnostic = reason.Error()
		}
		s.log.Info("Session closed", "reason", diagnostic)
		s.m.emit(domain.SessionEvent{Kind: domain.StateChanged, TargetID: s.targetID, State: domain.Closed, Diagnostic: diagnostic})
		close(s.stopped)
	})
}

// withdraw clears the setup data published by this session so a later
// session of the remote does not read it.
func (s *Session) withdraw() {
	ctx, cancel := context.WithTimeout(context.Background(), s.m.cfg.TeardownTimeout)
	defer cancel()
	key := domain.SignalKey(s.m.self, s.targetID, s.kind)
	if err := s.m.relay.Publish(ctx, key, nil); err != nil {
		s.log.Debug("Could not withdraw setup data, relay fallback applies", "key", key, "error", err)
	}
}

type deadline struct {
	after time.Duration
	timer *time.Timer
}

func newDeadline(after time.Duration) *deadline {
	return &deadline{after: after}
}

func (d *deadline) C() <-chan time.Time {
	if d.timer == nil {
		return nil
	}
	return d.timer.C
}

// track arms the deadline while signaling and disarms it otherwise.
func (d *deadline) track(state domain.State) {
	if !state.IsSignaling() {
		d.stop()
		return
	}
	if d.timer == nil && d.after > 0 {
		d.timer = time.NewTimer(d.after)
	}
}

func (d *deadline) stop() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

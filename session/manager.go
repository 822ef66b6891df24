// Package session drives one connection state machine per chat target and
// exposes the send/receive API consumed by the UI.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/domain"
	"peer-chat/errors"
	"peer-chat/groupchan"
	"peer-chat/presence"
	"peer-chat/runtime"
	"peer-chat/runtime/workers"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	ConnectTimeout   time.Duration `validate:"gte=0"`
	SinkTimeout      time.Duration `validate:"gt=0"`
	TeardownTimeout  time.Duration `validate:"gt=0"`
	OutboxSize       int           `validate:"gte=1"`
	EventBuffer      int           `validate:"gte=1"`
	MaxMessageLength int           `validate:"gte=1"`
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   30 * time.Second,
		SinkTimeout:      time.Second,
		TeardownTimeout:  2 * time.Second,
		OutboxSize:       64,
		EventBuffer:      256,
		MaxMessageLength: 4096,
	}
}

// Dependencies are the collaborators of a Manager. Relay, Transports and
// Transcripts are required; the others default to implementations built on
// the relay.
type Dependencies struct {
	Relay       contract.IRelay            `validate:"required"`
	Transports  contract.ITransportFactory `validate:"required"`
	Transcripts contract.ITranscriptStore  `validate:"required"`
	Groups      contract.IGroupChannel
	Presence    contract.IPresence
	Directory   contract.IDirectory
	Registry    contract.IRegistry
	Supervisor  contract.ISupervisor
}

// Manager owns the session table of one local user.
type Manager struct {
	mu          sync.Mutex
	fpMu        sync.Mutex
	self        string
	log         *slog.Logger
	cfg         Config
	validate    *validator.Validate
	relay       contract.IRelay
	transports  contract.ITransportFactory
	transcripts contract.ITranscriptStore
	groups      contract.IGroupChannel
	presence    contract.IPresence
	directory   contract.IDirectory
	registry    contract.IRegistry
	supervisor  contract.ISupervisor
	fanout      *workers.EventFanout
	events      chan domain.SessionEvent
	approved    map[string]domain.ChatTarget
	sessions    map[string]*Session
	consumed    map[string]string
	ctx         context.Context
	cancel      context.CancelFunc
	fanoutStop  context.CancelFunc
	stopWatch   func()
	loggedOut   bool
	now         func() time.Time
}

func NewManager(self string, deps Dependencies, cfg Config, log *slog.Logger) (*Manager, error) {
	validate := validator.New()
	if err := validate.Var(self, "required"); err != nil {
		return nil, fmt.Errorf("local user id: %w", err)
	}
	if err := validate.Struct(deps); err != nil {
		return nil, fmt.Errorf("session dependencies: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	log = log.With("self", self)
	if deps.Groups == nil {
		deps.Groups = groupchan.NewChannel(deps.Relay, log)
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewTracker(deps.Relay, log)
	}
	if deps.Registry == nil {
		deps.Registry = runtime.NewRegistry()
	}
	if deps.Supervisor == nil {
		deps.Supervisor = workers.NewSupervisor(log, 0)
	}
	events := make(chan domain.SessionEvent, cfg.EventBuffer)
	return &Manager{
		self:        self,
		log:         log,
		cfg:         cfg,
		validate:    validate,
		relay:       deps.Relay,
		transports:  deps.Transports,
		transcripts: deps.Transcripts,
		groups:      deps.Groups,
		presence:    deps.Presence,
		directory:   deps.Directory,
		registry:    deps.Registry,
		supervisor:  deps.Supervisor,
		fanout:      workers.NewEventFanout(log, deps.Registry, events, cfg.SinkTimeout),
		events:      events,
		approved:    make(map[string]domain.ChatTarget),
		sessions:    make(map[string]*Session),
		consumed:    make(map[string]string),
		stopWatch:   func() {},
		now:         time.Now,
	}, nil
}

func (m *Manager) Self() string {
	return m.self
}

// Start arms presence, loads the approved targets and starts the event
// fan-out and directory workers. ctx bounds the lifetime of every session.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	var fanoutCtx context.Context
	fanoutCtx, m.fanoutStop = context.WithCancel(ctx)
	var changes <-chan domain.DirectoryEvent
	if m.directory != nil {
		for _, target := range m.directory.Targets(m.self) {
			m.approved[target.ID] = target
		}
		changes, m.stopWatch = m.directory.Watch(m.self)
	}
	m.mu.Unlock()

	if err := m.presence.SetOnline(ctx, m.self); err != nil {
		m.mu.Lock()
		m.cancel()
		m.fanoutStop()
		m.stopWatch()
		m.ctx = nil
		m.mu.Unlock()
		return fmt.Errorf("presence: %w", err)
	}
	m.supervisor.Start(fanoutCtx, m.fanout)
	if changes != nil {
		m.WatchDirectory(changes)
	}
	m.log.Info("Session manager started", "approved", len(m.approved))
	return nil
}

// AddSink registers a sink receiving the events of every target.
func (m *Manager) AddSink(sinks ...contract.EventSink) {
	m.fanout.Add(sinks...)
}

// Listen registers sink for the events of one target.
func (m *Manager) Listen(targetID string, sink contract.EventSink) func() {
	listenerID := uuid.NewString()
	m.registry.Subscribe(listenerID, targetID, sink)
	return func() { m.registry.Unsubscribe(listenerID, targetID) }
}

// Select ensures a session exists for targetID and returns its state.
// Concurrent selections of the same target share one session.
func (m *Manager) Select(_ context.Context, targetID string) (domain.State, error) {
	target, ok := m.approvedTarget(targetID)
	if !ok {
		return domain.Idle, fmt.Errorf("%w: %s", errors.ErrAuthorizationDenied, targetID)
	}
	s, err := m.ensure(target)
	if err != nil {
		return domain.Idle, err
	}
	return s.State(), nil
}

// Send records text in the transcript of targetID and hands delivery to
// the session. It never waits on the network.
func (m *Manager) Send(_ context.Context, targetID, text string) (domain.Message, error) {
	if err := m.validate.Var(text, fmt.Sprintf("required,max=%d", m.cfg.MaxMessageLength)); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", errors.ErrInvalidMessage, err)
	}
	target, ok := m.approvedTarget(targetID)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %s", errors.ErrAuthorizationDenied, targetID)
	}

	var s *Session
	if target.IsGroup() {
		var err error
		if s, err = m.ensure(target); err != nil {
			return domain.Message{}, err
		}
	} else {
		s = m.session(targetID)
	}

	message := domain.NewMessage(m.self, text, m.now())
	if s != nil && target.IsGroup() {
		s.addPending(message.EchoKey())
	}
	if err := m.transcripts.Append(m.self, targetID, message); err != nil {
		if s != nil {
			s.takePending(message.EchoKey())
		}
		return domain.Message{}, fmt.Errorf("transcript append: %w", err)
	}
	m.emit(domain.SessionEvent{Kind: domain.MessageSent, TargetID: targetID, State: m.State(targetID), Message: &message})
	if s != nil {
		s.enqueue(message)
	}
	return message, nil
}

// Messages returns the bounded transcript of targetID.
func (m *Manager) Messages(targetID string) []domain.Message {
	return m.transcripts.Read(m.self, targetID)
}

func (m *Manager) ClearHistory(targetID string) error {
	return m.transcripts.Clear(m.self, targetID)
}

// State is Idle when no live session exists.
func (m *Manager) State(targetID string) domain.State {
	if s := m.session(targetID); s != nil {
		return s.State()
	}
	return domain.Idle
}

func (m *Manager) Sessions() map[string]domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.MapValues(m.sessions, func(s *Session, _ string) domain.State {
		return s.State()
	})
}

// Targets returns the approved targets.
func (m *Manager) Targets() []domain.ChatTarget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Values(m.approved)
}

// Close tears down the session of targetID, if any, and waits for it.
func (m *Manager) Close(ctx context.Context, targetID string) error {
	s := m.session(targetID)
	if s == nil {
		return nil
	}
	s.stop(fmt.Errorf("%w: closed locally", errors.ErrSessionClosed))
	return s.wait(ctx)
}

// WatchPresence reports the online flag of userID until the returned func
// is called.
func (m *Manager) WatchPresence(ctx context.Context, userID string, onChange func(online bool)) (func(), error) {
	return m.presence.Observe(ctx, userID, onChange)
}

// Apply folds one directory change into the approved list. Removal closes
// the session of the target and detaches its listeners.
func (m *Manager) Apply(ctx context.Context, evt domain.DirectoryEvent) error {
	target := evt.Target
	switch evt.Kind {
	case domain.TargetApproved:
		m.mu.Lock()
		m.approved[target.ID] = target
		m.mu.Unlock()
		m.log.Info("Target approved", "target", target.ID, "kind", target.Kind)
	case domain.TargetRemoved, domain.GroupLeft:
		m.mu.Lock()
		delete(m.approved, target.ID)
		m.mu.Unlock()
		m.log.Info("Target no longer approved", "target", target.ID, "event", evt.Kind)
		err := m.Close(ctx, target.ID)
		m.emit(domain.SessionEvent{Kind: domain.TargetRevoked, TargetID: target.ID, State: domain.Closed})
		return err
	case domain.MembersChanged:
		if target.IsGroup() && !target.HasMember(m.self) {
			return m.Apply(ctx, domain.DirectoryEvent{Kind: domain.GroupLeft, Target: target})
		}
		m.mu.Lock()
		m.approved[target.ID] = target
		s := m.sessions[target.ID]
		m.mu.Unlock()
		if s != nil {
			s.setMembers(target.Members)
		}
	default:
		return fmt.Errorf("%w: directory event %q", errors.ErrUnknownTarget, evt.Kind)
	}
	return nil
}

// WatchDirectory applies every event of changes in a supervised worker
// until changes is closed or the manager logs out.
func (m *Manager) WatchDirectory(changes <-chan domain.DirectoryEvent) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		m.log.Warn("Directory watch ignored, manager not started")
		return
	}
	m.supervisor.Start(ctx, NewDirectoryWatcher(m, changes, m.log))
}

// Logout releases every transport, stops every subscription and publishes
// the offline flag. If it is interrupted the relay publishes the flag when
// the connection drops.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if m.ctx == nil || m.loggedOut {
		m.mu.Unlock()
		return nil
	}
	m.loggedOut = true
	sessions := lo.Values(m.sessions)
	stopWatch := m.stopWatch
	m.mu.Unlock()

	reason := fmt.Errorf("%w: logout", errors.ErrSessionClosed)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			s.stop(reason)
			return s.wait(gctx)
		})
	}
	err := g.Wait()

	if offErr := m.presence.SetOffline(ctx, m.self); offErr != nil {
		err = errors.Join(err, offErr)
	}
	m.presence.Close()
	stopWatch()
	m.cancel()
	m.fanoutStop()
	m.supervisor.Wait()
	m.fanout.Drain(context.Background())
	m.log.Info("Logged out", "sessions", len(sessions))
	return err
}

func (m *Manager) approvedTarget(targetID string) (domain.ChatTarget, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target, ok := m.approved[targetID]
	return target, ok
}

func (m *Manager) session(targetID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[targetID]
}

// ensure is create-if-absent on the session table.
func (m *Manager) ensure(target domain.ChatTarget) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil, errors.ErrNotStarted
	}
	if m.loggedOut {
		return nil, errors.ErrLoggedOut
	}
	if s, ok := m.sessions[target.ID]; ok {
		return s, nil
	}
	s := newSession(m, target)
	ctx, cancel := context.WithCancelCause(m.ctx)
	s.cancel = cancel
	m.sessions[target.ID] = s
	m.emit(domain.SessionEvent{Kind: domain.StateChanged, TargetID: target.ID, State: s.state})
	m.supervisor.Start(ctx, s)
	s.log.Info("Session created", "state", s.state)
	return s, nil
}

// remove drops s from the table unless it was already replaced.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.targetID] == s {
		delete(m.sessions, s.targetID)
	}
}

// consume records the payload last applied from a signaling key and reports
// whether fingerprint differs from it. The relay only redelivers the current
// value of a key, so one entry per key is enough.
func (m *Manager) consume(key, fingerprint string) bool {
	m.fpMu.Lock()
	defer m.fpMu.Unlock()
	if m.consumed[key] == fingerprint {
		return false
	}
	m.consumed[key] = fingerprint
	return true
}

func (m *Manager) record(targetID string, message domain.Message, kind domain.EventKind) {
	if err := m.transcripts.Append(m.self, targetID, message); err != nil {
		m.log.Error("Failed to store message", "target", targetID, "error", err)
		return
	}
	m.emit(domain.SessionEvent{Kind: kind, TargetID: targetID, State: m.State(targetID), Message: &message})
}

func (m *Manager) emit(evt domain.SessionEvent) {
	evt.At = m.now()
	select {
	case m.events <- evt:
	default:
		m.log.Warn("Session event channel full, dropping event", "target", evt.TargetID, "kind", evt.Kind)
	}
}

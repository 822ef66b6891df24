package workers

import (
	"context"
	"log/slog"
	"peer-chat/contract"
	"peer-chat/domain"
	"sync"
	"time"
)

// EventFanout broadcasts session events to the UI collaborators.
//
// Permanent sinks receive every event, target listeners resolved through the
// registry receive the events of their target. A TargetRevoked event is the
// last one the listeners of its target receive. Sinks are called one after the
// other so a listener observes the events of a target in emission order; each
// call is bounded by sinkTimeout. Errors are logged, never retried.
type EventFanout struct {
	mu          sync.RWMutex
	log         *slog.Logger
	sinks       []contract.EventSink
	registry    contract.IRegistry
	events      <-chan domain.SessionEvent
	sinkTimeout time.Duration
}

func NewEventFanout(log *slog.Logger, registry contract.IRegistry,
	events <-chan domain.SessionEvent, sinkTimeout time.Duration) *EventFanout {
	return &EventFanout{log: log, registry: registry, events: events, sinkTimeout: sinkTimeout}
}

func (w *EventFanout) Add(sinks ...contract.EventSink) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sinks = append(w.sinks, sinks...)
}

func (w *EventFanout) Run(ctx context.Context) error {
	for {
		select {
		case evt, ok := <-w.events:
			if !ok {
				return nil
			}
			w.Fanout(ctx, evt)
		case <-ctx.Done():
			w.log.Debug("Context done, stopping session event fanout")
			return nil
		}
	}
}

// Fanout delivers one event to every interested sink.
func (w *EventFanout) Fanout(ctx context.Context, evt domain.SessionEvent) {
	w.mu.RLock()
	sinks := append([]contract.EventSink(nil), w.sinks...)
	w.mu.RUnlock()
	sinks = append(sinks, w.registry.Sinks(evt.TargetID)...)

	for _, sink := range sinks {
		w.consume(ctx, sink, evt)
	}
	if evt.Kind == domain.TargetRevoked {
		n := w.registry.Revoke(evt.TargetID)
		w.log.Debug("Target listeners detached", "target", evt.TargetID, "listeners", n)
	}
}

func (w *EventFanout) consume(ctx context.Context, sink contract.EventSink, evt domain.SessionEvent) {
	sinkCtx, cancel := context.WithTimeout(ctx, w.sinkTimeout)
	defer cancel()
	if err := sink.Consume(sinkCtx, evt); err != nil {
		w.log.Warn("Sink failed to consume session event",
			"target", evt.TargetID, "kind", evt.Kind, "error", err)
	}
}

// Drain fans out the events already queued without waiting for more and
// returns how many were delivered. Call it once Run has returned.
func (w *EventFanout) Drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case evt, ok := <-w.events:
			if !ok {
				return n
			}
			w.Fanout(ctx, evt)
			n++
		default:
			return n
		}
	}
}

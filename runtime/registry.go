package runtime

import (
	"peer-chat/contract"
	"slices"
	"sync"

	"github.com/samber/lo"
)

// Registry maps chat targets to the UI listeners interested in them.
// A listener id may watch several targets; each (listener, target) pair is
// independent. A revoked target loses all its listeners at once.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]map[string]contract.EventSink // target -> listener -> sink
}

func NewRegistry() *Registry {
	return &Registry{targets: make(map[string]map[string]contract.EventSink)}
}

// Sinks returns the listeners of targetID ordered by listener id, or nil.
func (r *Registry) Sinks(targetID string) []contract.EventSink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	listeners, ok := r.targets[targetID]
	if !ok {
		return nil
	}
	ids := lo.Keys(listeners)
	slices.Sort(ids)
	return lo.Map(ids, func(id string, _ int) contract.EventSink { return listeners[id] })
}

func (r *Registry) Subscribe(listenerID, targetID string, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	listeners, ok := r.targets[targetID]
	if !ok {
		listeners = make(map[string]contract.EventSink)
		r.targets[targetID] = listeners
	}
	listeners[listenerID] = sink
}

// Unsubscribe detaches one listener from one target. Its other targets are kept.
func (r *Registry) Unsubscribe(listenerID, targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	listeners, ok := r.targets[targetID]
	if !ok {
		return
	}
	delete(listeners, listenerID)
	if len(listeners) == 0 {
		delete(r.targets, targetID)
	}
}

// Revoke detaches every listener of targetID and returns how many there were.
func (r *Registry) Revoke(targetID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.targets[targetID])
	delete(r.targets, targetID)
	return n
}

package runtime

import (
	"sync"
)

// Mailbox is an unbounded FIFO feeding a channel from a single goroutine.
// Producers never block, the consumer sees items in push order.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	notify chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.pump()
	return m
}

// Push enqueues an item. Items pushed after Stop are dropped.
func (m *Mailbox[T]) Push(item T) {
	select {
	case <-m.done:
		return
	default:
	}
	m.mu.Lock()
	m.queue = append(m.queue, item)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

// Stop ends delivery, closes Out and waits for the pump to exit.
// Safe to call several times and from the consumer goroutine.
func (m *Mailbox[T]) Stop() {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
}

func (m *Mailbox[T]) pump() {
	defer m.wg.Done()
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}
		item := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- item:
		case <-m.done:
			return
		}
	}
}

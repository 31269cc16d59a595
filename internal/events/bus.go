// Package events is the in-process fan-out of task state transitions: a
// broadcast bus with a bounded ring buffer per subscriber. Slow subscribers
// lose oldest events, never newest, and a publish never blocks the caller.
package events

import (
	"sync"

	"github.com/iwhitebird/valka/internal/logger"
)

const defaultSubscriberBuffer = 256

// Subscription is one subscriber's view of the bus. Events arrive on C in
// publish order; when the buffer is full the oldest unread event is evicted.
type Subscription struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// C returns the channel events are delivered on. It is closed when the
// subscription is cancelled.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		// Buffer full: evict the oldest and retry. The publisher holds the
		// subscription lock, so the pop cannot race another push.
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Bus is the in-process broadcast channel. It is owned by the process
// lifecycle: constructed once at startup, closed once at shutdown.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]bool
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]bool)}
}

// Subscribe registers a subscriber with the given buffer size (<= 0 uses
// the default). The caller must Unsubscribe when done.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &Subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.close()
}

// Publish fans an event out to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs {
		sub.push(e)
	}

	logger.Debug().
		Str("event_id", e.ID).
		Str("type", string(e.Type)).
		Str("task_id", e.TaskID).
		Msg("event published")
}

// Close cancels every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]bool)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

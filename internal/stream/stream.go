// Package stream fans out workflow transition events to SSE subscribers.
package stream

import (
	"context"
	"sync"
	"time"
)

// TransitionEvent describes one committed state transition for live
// dashboards. It mirrors the audit record but carries no immutability
// guarantees; the audit trail remains the system of record.
type TransitionEvent struct {
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

const subscriberBuffer = 16

// Stream fan-outs transition events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan TransitionEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan TransitionEvent)}
}

// Subscribe returns a channel of events which closes when ctx is done.
func (s *Stream) Subscribe(ctx context.Context) <-chan TransitionEvent {
	ch := make(chan TransitionEvent, subscriberBuffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish delivers the event to every subscriber. Slow consumers lose the
// oldest buffered event rather than blocking the publisher.
func (s *Stream) Publish(event TransitionEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

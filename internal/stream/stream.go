// Package stream fans pool events out to dashboard subscribers.
package stream

import (
	"context"
	"sync"

	"zakat.org/internal/zakat"
)

const bufferSize = 16

// Filter decides whether a subscriber receives an event. Nil accepts all.
type Filter func(zakat.PoolEvent) bool

type subscriber struct {
	ch     chan zakat.PoolEvent
	filter Filter
}

// Stream fan-outs pool events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]subscriber
	next int
}

var _ zakat.Publisher = (*Stream)(nil)

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]subscriber)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events accepted by filter. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context, filter Filter) <-chan zakat.PoolEvent {
	ch := make(chan zakat.PoolEvent, bufferSize)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber{ch: ch, filter: filter}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all matching subscribers.
func (s *Stream) Publish(evt zakat.PoolEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// slow subscriber, drop
		}
	}
}

// Subscribers reports the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// ForMasjid accepts events that concern masjidID or the shared pool.
func ForMasjid(masjidID string) Filter {
	return func(evt zakat.PoolEvent) bool {
		return evt.MasjidID == "" || evt.MasjidID == masjidID
	}
}

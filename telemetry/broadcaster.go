// Package telemetry fans workflow events out to live subscribers (admin
// dashboards, metrics shippers). The broadcaster is an injected service
// with an explicit lifetime; there is no package-level registry.
package telemetry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Event is one broadcast item.
type Event struct {
	Kind       string
	ReferralID string
	Detail     string
	At         time.Time
}

var ErrClosed = errors.New("telemetry: broadcaster closed")

// Broadcaster delivers events to all current subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped uint64
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
	}
}

// Subscription is one live listener. Cancel is idempotent.
type Subscription struct {
	b      *Broadcaster
	ch     chan Event
	cancel sync.Once
}

// Events is the subscriber's receive channel. It is closed when the
// subscription is cancelled or the broadcaster shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.b.remove(s)
		close(s.ch)
	})
}

// Subscribe registers a listener with the given channel buffer.
func (b *Broadcaster) Subscribe(buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &Subscription{b: b, ch: make(chan Event, buffer)}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Publish delivers the event to every subscriber that has buffer room.
// Publishing after Close is a no-op.
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.dropped++
			b.logger.Debug("telemetry event dropped", "kind", event.Kind, "dropped_total", b.dropped)
		}
	}
}

// Dropped reports how many events were missed by slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close terminates every subscription exactly once and rejects later
// subscribes; later publishes are dropped silently.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel.Do(func() { close(sub.ch) })
	}
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

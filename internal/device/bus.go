// internal/device/bus.go
package device

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrSubscriberClosed is returned by Next after Unsubscribe.
var ErrSubscriberClosed = errors.New("subscriber closed")

// Envelope is one delivered event together with its bus-wide sequence number.
// Sequence numbers are contiguous at the publisher, so a gap in the numbers a
// subscriber receives is proof of how many events its buffer dropped.
type Envelope struct {
	Seq   uint64 `json:"seq"`
	Event Event  `json:"event"`
}

// Bus fans events out to subscribers. Publishing never blocks: each
// subscriber has a bounded buffer and loses its oldest events when it falls
// behind, without affecting the session loop or other subscribers.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*Subscriber]struct{}
	logger *zap.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given buffer capacity. Delivery
// starts with the next published event.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscriber{
		buf:    make([]Envelope, buffer),
		notify: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes the subscriber and wakes any blocked Next call.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.close()
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.seq++
	env := Envelope{Seq: b.seq, Event: ev}
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(env)
	}

	b.logger.Debug("Event published",
		zap.Uint64("seq", env.Seq),
		zap.String("device_id", ev.DeviceID),
		zap.String("type", string(ev.Type)),
	)
}

// Subscriber is one bounded consumer of the bus.
type Subscriber struct {
	mu     sync.Mutex
	buf    []Envelope
	start  int
	count  int
	missed uint64
	closed bool
	notify chan struct{}
}

func (s *Subscriber) push(env Envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.count == len(s.buf) {
		// Full: drop the oldest delivered-but-unread event.
		s.start = (s.start + 1) % len(s.buf)
		s.count--
		s.missed++
	}
	s.buf[(s.start+s.count)%len(s.buf)] = env
	s.count++
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available, the context ends, or the
// subscriber is closed. Events come out in publication order.
func (s *Subscriber) Next(ctx context.Context) (Envelope, error) {
	for {
		s.mu.Lock()
		if s.count > 0 {
			env := s.buf[s.start]
			s.start = (s.start + 1) % len(s.buf)
			s.count--
			s.mu.Unlock()
			return env, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return Envelope{}, ErrSubscriberClosed
		}

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Missed returns how many events this subscriber has dropped so far.
func (s *Subscriber) Missed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missed
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

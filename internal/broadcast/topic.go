// Package broadcast provides a bounded fan-out topic. Every subscriber
// receives its own copy of each published value; a subscriber that falls
// behind the ring buffer loses its backlog and is told how much it missed,
// so publishers never block on a slow consumer.
package broadcast

import (
	"context"
	"fmt"
	"sync"
)

// ErrLagged is returned by Recv when a subscriber's backlog was overwritten.
// The subscriber's cursor is moved to the oldest retained value; subsequent
// receives continue in publish order.
type ErrLagged struct {
	Missed uint64
}

func (e ErrLagged) Error() string {
	return fmt.Sprintf("subscriber lagged: %d values dropped", e.Missed)
}

// Topic is a single-producer-to-many-consumer broadcast with a fixed-size
// ring buffer. The zero value is not usable; call NewTopic.
type Topic[T any] struct {
	mu     sync.Mutex
	ring   []T
	cap    uint64
	next   uint64        // sequence number of the next value to publish
	wakeCh chan struct{} // closed and replaced on every publish
	closed bool
}

// NewTopic creates a topic retaining up to capacity values.
func NewTopic[T any](capacity int) *Topic[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Topic[T]{
		ring:   make([]T, capacity),
		cap:    uint64(capacity),
		wakeCh: make(chan struct{}),
	}
}

// Publish adds a value to the topic. It never blocks.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.ring[t.next%t.cap] = v
	t.next++
	close(t.wakeCh)
	t.wakeCh = make(chan struct{})
}

// Close wakes all blocked subscribers; their Recv calls return ErrClosed
// once they have drained the retained backlog.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.wakeCh)
}

// ErrClosed is returned by Recv after Close once the backlog is drained.
var ErrClosed = fmt.Errorf("topic closed")

// Subscription is one consumer's cursor into a topic. Not safe for
// concurrent use by multiple goroutines.
type Subscription[T any] struct {
	topic  *Topic[T]
	cursor uint64
}

// Subscribe creates a subscription starting at the next published value.
func (t *Topic[T]) Subscribe() *Subscription[T] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Subscription[T]{topic: t, cursor: t.next}
}

// Recv returns the next value for this subscriber. If the subscriber fell
// more than the topic capacity behind, it returns ErrLagged and skips to
// the oldest retained value. Blocks until a value is available, the topic
// is closed, or ctx is done.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.topic.mu.Lock()

		oldest := uint64(0)
		if s.topic.next > s.topic.cap {
			oldest = s.topic.next - s.topic.cap
		}
		if s.cursor < oldest {
			missed := oldest - s.cursor
			s.cursor = oldest
			s.topic.mu.Unlock()
			return zero, ErrLagged{Missed: missed}
		}
		if s.cursor < s.topic.next {
			v := s.topic.ring[s.cursor%s.topic.cap]
			s.cursor++
			s.topic.mu.Unlock()
			return v, nil
		}
		if s.topic.closed {
			s.topic.mu.Unlock()
			return zero, ErrClosed
		}

		wake := s.topic.wakeCh
		s.topic.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

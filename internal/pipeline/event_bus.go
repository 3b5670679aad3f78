package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
)

// EventBus provides pub/sub over channels.
// Subscribers are never called back, so a subscriber may call into the
// publisher (e.g. Grabber.Stop) from its receiving goroutine.
type EventBus[E any] struct {
	subscribers map[*eventSubscription[E]]bool
	mu          sync.RWMutex
	closed      bool
	dropped     atomic.Uint64
}

type eventSubscription[E any] struct {
	channel chan E
	done    chan struct{}
	once    sync.Once
}

func (s *eventSubscription[E]) cancel() {
	s.once.Do(func() { close(s.done) })
}

// NewEventBus creates a new event bus
func NewEventBus[E any]() *EventBus[E] {
	return &EventBus[E]{
		subscribers: make(map[*eventSubscription[E]]bool),
	}
}

// SubscribeChannel returns a channel that receives events
// The channel has the specified buffer size
// Returns the channel and an unsubscribe function
func (b *EventBus[E]) SubscribeChannel(bufferSize int) (<-chan E, func()) {
	if bufferSize < 0 {
		bufferSize = 0
	}

	ch := make(chan E, bufferSize)
	sub := &eventSubscription[E]{
		channel: ch,
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		// Release a blocked PublishWait before taking the write lock
		sub.cancel()

		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish offers an event to every subscriber without blocking.
// Subscribers whose buffer is full miss the event. Returns the number of deliveries.
func (b *EventBus[E]) Publish(event E) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subscribers {
		select {
		case sub.channel <- event:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// PublishWait delivers an event to every subscriber, waiting for buffer space.
// A subscriber that unsubscribes while being waited on is skipped.
// Returns ctx.Err() if ctx ends before every subscriber was served.
func (b *EventBus[E]) PublishWait(ctx context.Context, event E) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub.channel <- event:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus[E]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns how many deliveries Publish skipped because a buffer was full
func (b *EventBus[E]) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus[E]) Close() {
	b.mu.RLock()
	for sub := range b.subscribers {
		sub.cancel()
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		close(sub.channel)
		delete(b.subscribers, sub)
	}
	b.closed = true
}

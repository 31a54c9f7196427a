package events

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Broker fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full loses the oldest queued event in favor of
// the new one, so slow consumers see a coalesced stream rather than
// stalling the scheduler.
type Broker struct {
	subs       map[chan Event]struct{}
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
}

// NewBroker creates a broker with the default per-subscriber buffer (64).
func NewBroker() *Broker {
	return NewBrokerWithBuffer(defaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom buffer size.
func NewBrokerWithBuffer(size int) *Broker {
	if size < 1 {
		size = 1
	}
	return &Broker{
		subs:       make(map[chan Event]struct{}),
		done:       make(chan struct{}),
		bufferSize: size,
	}
}

// Subscribe returns a channel of events. The channel closes when ctx is
// cancelled or the broker shuts down.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		ch := make(chan Event)
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event, b.bufferSize)
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // already closed
		default:
		}

		delete(b.subs, sub)
		close(sub)
	}()

	return sub
}

// Publish delivers a payload to every subscriber without blocking.
func (b *Broker) Publish(payload Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		return
	default:
	}

	event := Event{
		Type:      payload.EventType(),
		Payload:   payload,
		Timestamp: time.Now(),
	}

	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			// Buffer full: drop the oldest queued event, then retry once.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- event:
			default:
			}
		}
	}
}

// Close shuts down the broker and closes all subscriber channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}

	close(b.done)
	for sub := range b.subs {
		close(sub)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

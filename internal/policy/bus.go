package policy

import (
	"context"
	"sync"
)

// ChangeEvent announces that a policy was created or updated. An empty
// PolicyID means "everything changed" (bulk load).
type ChangeEvent struct {
	PolicyID       string
	OrganizationID string
	Version        int
}

// Bus fan-outs policy change events to all subscribers. Delivery is
// fire-and-forget: a slow subscriber is skipped, consumers treat a missed
// invalidation as eventual, bounded by the cache TTL.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan ChangeEvent
	next int
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan ChangeEvent)}
}

// Subscribe registers a subscriber. The channel is closed when the provided
// context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(evt ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking writers.
		}
	}
}

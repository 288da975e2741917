// Package bus provides the process-wide change notification channel that
// presentation layers subscribe to for re-rendering after state mutations.
package bus

import (
	"context"
	"sync"

	"github.com/micromarkets/engine/internal/domain"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber
// that falls further behind misses changes; delivery never blocks the
// publisher.
const subscriberBuffer = 64

// Local is an in-process implementation of domain.ChangeBus backed by a
// subscriber set.
type Local struct {
	mu   sync.RWMutex
	subs map[chan domain.Change]struct{}
}

// NewLocal creates an empty in-process change bus.
func NewLocal() *Local {
	return &Local{subs: make(map[chan domain.Change]struct{})}
}

// Publish fans the change out to every subscriber without blocking. A full
// subscriber buffer drops the change for that subscriber only.
func (b *Local) Publish(_ context.Context, change domain.Change) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- change:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The returned channel is closed
// when ctx is cancelled.
func (b *Local) Subscribe(ctx context.Context) (<-chan domain.Change, error) {
	ch := make(chan domain.Change, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Package bus replaces the source's untyped emit/on event pattern (spec.md
// §9) with a small set of named, typed channels: one Topic per event kind,
// each carrying a concrete Go struct instead of an any payload.
package bus

import (
	"sync"

	"github.com/runnerhub/runnerhub/lib/log"
)

// Topic is a typed fan-out channel: Publish never blocks on a slow or dead
// subscriber. Grounded on the teacher's generic subscribe/unsubscribe/
// notify helpers (lib/database/subscription_helper.go), generalized from
// per-type hand-written slices to a single generic type.
type Topic[T any] struct {
	mu   sync.RWMutex
	subs []chan T
}

// NewTopic constructs an empty Topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{}
}

// Subscribe registers a new buffered channel and returns it. Callers must
// Unsubscribe when done to stop receiving events and let the channel be
// closed.
func (t *Topic[T]) Subscribe(buffer int) chan T {
	ch := make(chan T, buffer)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()
	return ch
}

// Unsubscribe removes ch from the subscriber list and closes it.
func (t *Topic[T]) Unsubscribe(ch chan T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.subs {
		if existing == ch {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish fans event out to every current subscriber. A subscriber whose
// channel is full is skipped rather than blocking the publisher; the read
// lock held across the sends keeps Unsubscribe from closing a channel
// mid-publish.
func (t *Topic[T]) Publish(event T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, ch := range t.subs {
		select {
		case ch <- event:
		default:
			log.WithFunc("bus", "Publish").Debug("dropped event, subscriber channel full")
		}
	}
}

// Package keyed has the two concurrency helpers the bunker stores share: a striped lock
// that serializes writers per key and a hub that pushes the latest value of a key to
// whoever is watching it.
package keyed

import (
	"context"
	"hash/maphash"
	"sync"
)

const stripes = 64

// Mutex serializes callers that use the same key. Different keys may share a stripe,
// which only costs some parallelism.
type Mutex struct {
	seed  maphash.Seed
	locks [stripes]sync.Mutex
}

func NewMutex() *Mutex {
	return &Mutex{seed: maphash.MakeSeed()}
}

func (m *Mutex) Lock(key string) (unlock func()) {
	l := &m.locks[maphash.String(m.seed, key)%stripes]
	l.Lock()
	return l.Unlock
}

// Hub delivers values published under a key to every watcher of that key.
// Watchers only ever see the most recent value: if they are slow, older ones are dropped.
type Hub[T any] struct {
	mu       sync.Mutex
	watchers map[string]map[chan T]struct{}
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{watchers: make(map[string]map[chan T]struct{})}
}

// Watch returns a channel that first yields initial and then every value published
// under key, until ctx is done, when it is closed.
func (h *Hub[T]) Watch(ctx context.Context, key string, initial T) <-chan T {
	ch := make(chan T, 1)
	ch <- initial

	h.mu.Lock()
	set, ok := h.watchers[key]
	if !ok {
		set = make(map[chan T]struct{})
		h.watchers[key] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(set, ch)
		if len(h.watchers[key]) == 0 {
			delete(h.watchers, key)
		}
		close(ch)
	}()

	return ch
}

// Watching reports whether anyone is watching key, so publishers can skip building values.
func (h *Hub[T]) Watching(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers[key]) > 0
}

func (h *Hub[T]) Publish(key string, value T) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.watchers[key] {
		select {
		case ch <- value:
		default:
			// replace the stale value nobody has read yet
			select {
			case <-ch:
			default:
			}
			ch <- value
		}
	}
}

package memory

import (
	"context"
	"sync"
)

// keyedMutex hands out one exclusive slot per key. Acquisition honours
// context cancellation, unlike sync.Mutex.
type keyedMutex struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{slots: make(map[string]chan struct{})}
}

func (k *keyedMutex) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	ch, ok := k.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.slots[key] = ch
	}
	return ch
}

// Lock blocks until key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := k.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Forget drops the slot for key if nobody holds it.
func (k *keyedMutex) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ch, ok := k.slots[key]; ok && len(ch) == 0 {
		delete(k.slots, key)
	}
}

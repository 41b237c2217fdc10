package payment

import (
	"context"
	"sync"
)

// keyedMutex serializes work per decision id. Lock acquisition respects the
// caller's context so a payment blocked behind a slow one gives up instead of
// waiting forever.
type keyedMutex struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
	refs  map[string]int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		chans: make(map[string]chan struct{}),
		refs:  make(map[string]int),
	}
}

// lock acquires the mutex for key, returning the release func. It fails with
// the context's error if the context ends first.
func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	ch, ok := k.chans[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.chans[key] = ch
	}
	k.refs[key]++
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() {
			<-ch
			k.release(key)
		}, nil
	case <-ctx.Done():
		k.release(key)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.refs[key]--
	if k.refs[key] == 0 {
		delete(k.refs, key)
		delete(k.chans, key)
	}
}

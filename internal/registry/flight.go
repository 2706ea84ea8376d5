package registry

import (
	"context"
	"fmt"
	"sync"
)

// call is a pending result shared by every caller waiting on the same key.
type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

func (c *call[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// flight holds at most one pending call per key. Lookup, insertion and
// removal happen under one mutex, so a caller sees either no call or a call
// it can wait on.
type flight[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

func newFlight[K comparable, V any]() *flight[K, V] {
	return &flight[K, V]{calls: make(map[K]*call[V])}
}

// lookup returns the pending call for key, if any.
func (f *flight[K, V]) lookup(key K) (*call[V], bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.calls[key]
	return c, ok
}

// start registers a new call for key. When one is already pending it is
// returned with leader=false and nothing is registered.
func (f *flight[K, V]) start(key K) (c *call[V], leader bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.calls[key]; ok {
		return c, false
	}
	c = &call[V]{done: make(chan struct{})}
	f.calls[key] = c
	return c, true
}

// finish publishes the result and removes the call. A reset that happened
// while the call ran leaves the newer table untouched.
func (f *flight[K, V]) finish(key K, c *call[V], val V, err error) {
	c.val, c.err = val, err
	f.mu.Lock()
	if f.calls[key] == c {
		delete(f.calls, key)
	}
	f.mu.Unlock()
	close(c.done)
}

// do runs fn as the single call for key, or waits on the pending one.
func (f *flight[K, V]) do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	c, leader := f.start(key)
	if !leader {
		return c.wait(ctx)
	}
	var (
		val V
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			f.finish(key, c, val, fmt.Errorf("pending call panicked: %v", r))
			panic(r)
		}
		f.finish(key, c, val, err)
	}()
	val, err = fn()
	return val, err
}

func (f *flight[K, V]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *flight[K, V]) reset() {
	f.mu.Lock()
	f.calls = make(map[K]*call[V])
	f.mu.Unlock()
}

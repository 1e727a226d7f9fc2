// Package settlement holds the primitives settlement adapters share: one-shot
// futures for single-use subscriptions and an exactly-once event emitter.
package settlement

import (
	"context"
	"sync"
)

// Future is resolved exactly once. Later resolutions are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture creates an unresolved future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve sets the result. It reports whether this call resolved the future.
func (f *Future[T]) Resolve(val T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Resolved reports whether the future has a result.
func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Waiters tracks one pending future per key. A key's future is created by
// the first Wait or Resolve and dropped when Forget is called.
type Waiters[K comparable, T any] struct {
	mu      sync.Mutex
	pending map[K]*Future[T]
}

// NewWaiters creates an empty set.
func NewWaiters[K comparable, T any]() *Waiters[K, T] {
	return &Waiters[K, T]{pending: make(map[K]*Future[T])}
}

// Get returns the future for key, creating it if needed.
func (w *Waiters[K, T]) Get(key K) *Future[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	f, ok := w.pending[key]
	if !ok {
		f = NewFuture[T]()
		w.pending[key] = f
	}
	return f
}

// Resolve resolves the future for key. Resolving before anyone waits is
// remembered, so a later Wait returns immediately.
func (w *Waiters[K, T]) Resolve(key K, val T, err error) bool {
	return w.Get(key).Resolve(val, err)
}

// Wait blocks until key is resolved or ctx is done.
func (w *Waiters[K, T]) Wait(ctx context.Context, key K) (T, error) {
	return w.Get(key).Wait(ctx)
}

// Forget drops the future for key.
func (w *Waiters[K, T]) Forget(key K) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, key)
}

// Len returns the number of tracked keys.
func (w *Waiters[K, T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

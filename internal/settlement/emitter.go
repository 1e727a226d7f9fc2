package settlement

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSeenLimit is how many event keys an emitter remembers.
const DefaultSeenLimit = 4096

// Emitter fans events out to subscribers and drops repeats. Two events with
// the same key are the same network event and are delivered once. Only the
// most recent keys are remembered, so a repeat of a long-forgotten event is
// delivered again.
type Emitter[E any] struct {
	mu       sync.Mutex
	key      func(E) string
	seen     *lru.Cache[string, struct{}]
	handlers map[int]func(E)
	nextID   int
}

// NewEmitter creates an emitter that dedupes events by key.
func NewEmitter[E any](key func(E) string) *Emitter[E] {
	return NewBoundedEmitter(key, DefaultSeenLimit)
}

// NewBoundedEmitter creates an emitter that remembers at most limit keys.
func NewBoundedEmitter[E any](key func(E) string, limit int) *Emitter[E] {
	if limit <= 0 {
		limit = DefaultSeenLimit
	}
	seen, _ := lru.New[string, struct{}](limit)
	return &Emitter[E]{
		key:      key,
		seen:     seen,
		handlers: make(map[int]func(E)),
	}
}

// Subscribe registers handler and returns a function that removes it.
func (e *Emitter[E]) Subscribe(handler func(E)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}
}

// Emit delivers ev to every subscriber unless an event with the same key was
// already emitted. It reports whether the event was delivered.
func (e *Emitter[E]) Emit(ev E) bool {
	k := e.key(ev)
	e.mu.Lock()
	if dup, _ := e.seen.ContainsOrAdd(k, struct{}{}); dup {
		e.mu.Unlock()
		return false
	}
	handlers := make([]func(E), 0, len(e.handlers))
	for _, h := range e.handlers {
		handlers = append(handlers, h)
	}
	e.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
	return true
}

// Seen returns the number of remembered event keys.
func (e *Emitter[E]) Seen() int {
	return e.seen.Len()
}

// Close removes every subscriber.
func (e *Emitter[E]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[int]func(E))
}

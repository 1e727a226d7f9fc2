package swap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/martindale/mono-sub000/internal/settlement"
	"github.com/martindale/mono-sub000/pkg/logging"
)

// NewCoordinator creates a coordinator and subscribes it to every adapter's
// invoice events.
func NewCoordinator(cfg *CoordinatorConfig) (*Coordinator, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("%w: coordinator needs a party identity", ErrValidation)
	}
	if cfg.Store == nil || cfg.Adapters == nil || cfg.Transport == nil {
		return nil, fmt.Errorf("%w: coordinator needs a store, adapters and a transport", ErrValidation)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		self:                cfg.Self,
		swaps:               NewSwapStore(cfg.Store),
		secrets:             NewSecretStore(cfg.Store),
		adapters:            cfg.Adapters,
		transport:           cfg.Transport,
		timeouts:            cfg.Timeouts,
		rebroadcastInterval: cfg.RebroadcastInterval,
		expiryInterval:      cfg.ExpiryInterval,
		active:              make(map[string]*activeSwap),
		paid:                settlement.NewWaiters[string, struct{}](),
		eventHandlers:       make([]EventHandler, 0),
		metrics:             cfg.Metrics,
		log:                 logging.GetDefault().Component("swap"),
		now:                 time.Now,
		ctx:                 ctx,
		cancel:              cancel,
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	if c.rebroadcastInterval <= 0 {
		c.rebroadcastInterval = DefaultRebroadcastInterval
	}
	if c.expiryInterval <= 0 {
		c.expiryInterval = DefaultExpiryInterval
	}

	for _, a := range c.adapters.all() {
		c.unsubscribe = append(c.unsubscribe, a.Subscribe(c.handleInvoiceEvent))
	}

	return c, nil
}

// Self returns this peer's party identity.
func (c *Coordinator) Self() string { return c.self }

// OnEvent registers an event handler.
func (c *Coordinator) OnEvent(handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventHandlers = append(c.eventHandlers, handler)
}

// emitEvent delivers an event to every handler on its own goroutine.
func (c *Coordinator) emitEvent(s *Swap, eventType string, err error) {
	event := SwapEvent{
		SwapID:    s.ID(),
		EventType: eventType,
		Swap:      s.Clone(),
		Err:       err,
		Timestamp: c.now(),
	}

	c.mu.RLock()
	handlers := make([]EventHandler, len(c.eventHandlers))
	copy(handlers, c.eventHandlers)
	c.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Get returns a snapshot of a tracked swap.
func (c *Coordinator) Get(id string) (*Swap, error) {
	a, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.swap.Clone(), nil
}

// List returns snapshots of every tracked swap ordered by id.
func (c *Coordinator) List() []*Swap {
	c.mu.RLock()
	tracked := make([]*activeSwap, 0, len(c.active))
	for _, a := range c.active {
		tracked = append(tracked, a)
	}
	c.mu.RUnlock()

	out := make([]*Swap, 0, len(tracked))
	for _, a := range tracked {
		a.mu.Lock()
		out = append(out, a.swap.Clone())
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Quarantined returns the reason a swap was quarantined, or nil.
func (c *Coordinator) Quarantined(id string) error {
	a, err := c.lookup(id)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quarantine
}

func (c *Coordinator) lookup(id string) (*activeSwap, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: swap %s", ErrNotFound, id)
	}
	return a, nil
}

// track registers s unless a swap with the same id is already tracked,
// restoring any persisted quarantine of the swap. It returns the tracked
// entry and whether s was added.
func (c *Coordinator) track(s *Swap) (*activeSwap, bool) {
	if a, err := c.lookup(s.ID()); err == nil {
		return a, false
	}
	a := &activeSwap{swap: s, updatedAt: c.now()}
	c.restoreQuarantine(a)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.active[s.ID()]; ok {
		return existing, false
	}
	c.active[s.ID()] = a
	c.metrics.Active.Inc()
	return a, true
}

// restoreQuarantine loads the persisted quarantine of an untracked entry. A
// record that cannot be read quarantines the swap.
func (c *Coordinator) restoreQuarantine(a *activeSwap) {
	rec, err := c.swaps.LoadQuarantine(a.swap.ID())
	switch {
	case errors.Is(err, ErrNotFound):
		return
	case err != nil:
		c.log.Error("Failed to read swap quarantine", "swap_id", a.swap.ID(), "error", err)
		a.quarantine = fmt.Errorf("%w: %v", ErrQuarantined, err)
		return
	}
	a.quarantine = rec.Err()
	a.refunded = rec.Refunded
}

// recall tracks the persisted copy of an untracked swap, so a snapshot or a
// reopened order is applied on top of it rather than replacing it.
func (c *Coordinator) recall(id string) {
	if _, err := c.lookup(id); err == nil {
		return
	}
	stored, err := c.swaps.Load(id)
	switch {
	case errors.Is(err, ErrNotFound):
		return
	case err != nil:
		c.log.Warn("Failed to load persisted swap", "swap_id", id, "error", err)
		return
	}
	if stored.Involves(c.self) {
		c.track(stored)
	}
}

func (c *Coordinator) env() *Env {
	return &Env{
		Self:      c.self,
		Adapters:  c.adapters,
		Secrets:   c.secrets,
		Transport: c.transport,
	}
}

// Start launches the rebroadcast and expiry loops.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go c.rebroadcastLoop()
	go c.expiryLoop()
}

// goDrive drives a swap in the background on the coordinator's context.
func (c *Coordinator) goDrive(a *activeSwap) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.drive(c.ctx, a); err != nil && c.ctx.Err() == nil {
			c.log.Warn("Background drive stopped", "swap_id", a.id(), "error", err)
		}
	}()
}

// Close stops background work and unsubscribes from adapters.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, unsub := range c.unsubscribe {
		unsub()
	}
	c.unsubscribe = nil
	return nil
}

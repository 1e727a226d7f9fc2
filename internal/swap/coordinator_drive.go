package swap

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Open creates a swap from a matched order pair that this peer is party to,
// persists it and drives it as far as this peer can take it. A swap already
// persisted for the same orders is resumed instead.
func (c *Coordinator) Open(ctx context.Context, maker, taker Order) (*Swap, error) {
	s, err := New(maker, taker)
	if err != nil {
		return nil, err
	}
	if !s.Involves(c.self) {
		return nil, fmt.Errorf("%w: %s in swap %s", ErrNotParty, c.self, s.ID())
	}

	c.recall(s.ID())
	a, added := c.track(s)
	if added {
		a.mu.Lock()
		err := c.persist(a)
		a.mu.Unlock()
		if err != nil {
			return nil, err
		}
		c.log.Info("Swap opened", "swap_id", s.ID(), "role", c.role(s), "holder", s.SecretHolder().ID, "seeker", s.SecretSeeker().ID)
		c.emitEvent(s, EventSwapUpdated, nil)
	}

	return c.driveAndSnapshot(ctx, a)
}

// Receive applies a snapshot of the counterparty's copy of a swap and drives
// the swap on ctx. Unknown swaps naming this peer are adopted. Stale
// snapshots are dropped with ErrInvalidTransition; identity and secret hash
// mismatches quarantine the swap.
func (c *Coordinator) Receive(ctx context.Context, remote *Swap) (*Swap, error) {
	a, _, err := c.merge(remote)
	if err != nil {
		return nil, err
	}
	return c.driveAndSnapshot(ctx, a)
}

// Accept applies a snapshot like Receive but returns the merged swap without
// waiting for this peer's steps. Those run in the background until the
// coordinator is closed.
func (c *Coordinator) Accept(remote *Swap) (*Swap, error) {
	a, snapshot, err := c.merge(remote)
	if err != nil {
		return nil, err
	}
	c.goDrive(a)
	return snapshot, nil
}

// merge validates remote and applies it to the tracked swap, adopting it if
// the swap is unknown. It returns the tracked entry and the merged snapshot.
func (c *Coordinator) merge(remote *Swap) (*activeSwap, *Swap, error) {
	if err := remote.Validate(); err != nil {
		c.metrics.Snapshots.WithLabelValues("invalid").Inc()
		return nil, nil, err
	}
	if !remote.Involves(c.self) {
		return nil, nil, fmt.Errorf("%w: %s in swap %s", ErrNotParty, c.self, remote.ID())
	}

	c.recall(remote.ID())
	a, added := c.track(remote.Clone())
	a.mu.Lock()
	defer a.mu.Unlock()

	if added {
		if err := c.persist(a); err != nil {
			return nil, nil, err
		}
		if err := c.verifyOwnSecret(a.swap); err != nil {
			c.reject(a, err)
			return nil, nil, err
		}
		c.metrics.Snapshots.WithLabelValues("adopted").Inc()
		c.log.Info("Swap adopted", "swap_id", remote.ID(), "status", remote.Status(), "role", c.role(remote))
		c.notePaymentLocked(a)
		c.emitEvent(a.swap, EventSwapUpdated, nil)
		return a, a.swap.Clone(), nil
	}

	if a.quarantine != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrQuarantined, a.quarantine)
	}

	work := a.swap.Clone()
	err := work.Update(remote)
	if err == nil {
		err = c.verifyOwnSecret(work)
	}
	if err != nil {
		c.reject(a, err)
		return nil, nil, err
	}

	a.swap = work
	a.updatedAt = c.now()
	if err := c.persist(a); err != nil {
		return nil, nil, err
	}
	c.metrics.Snapshots.WithLabelValues("applied").Inc()
	c.metrics.Transitions.WithLabelValues(work.Status().String()).Inc()
	c.log.Info("Swap updated from counterparty", "swap_id", work.ID(), "status", work.Status())
	c.notePaymentLocked(a)
	c.emitEvent(work, EventSwapUpdated, nil)
	return a, work.Clone(), nil
}

// reject records a snapshot that could not be applied. Fatal errors
// quarantine the swap. Caller must hold a.mu.
func (c *Coordinator) reject(a *activeSwap, err error) {
	switch {
	case IsFatal(err):
		c.quarantineLocked(a, err)
	case errors.Is(err, ErrInvalidTransition):
		c.metrics.Snapshots.WithLabelValues("stale").Inc()
		c.log.Debug("Dropping stale snapshot", "swap_id", a.swap.ID(), "local", a.swap.Status(), "error", err)
		return
	}
	c.metrics.Snapshots.WithLabelValues("rejected").Inc()
	c.metrics.Errors.WithLabelValues(errorKind(err)).Inc()
}

// verifyOwnSecret checks that a swap this peer holds the secret of uses a
// secret hash this peer generated.
func (c *Coordinator) verifyOwnSecret(s *Swap) error {
	self, err := s.Party(c.self)
	if err != nil {
		return err
	}
	return s.VerifyOwnSecret(self, c.secrets)
}

// Continue re-drives a tracked swap, typically after a retriable failure.
func (c *Coordinator) Continue(ctx context.Context, id string) (*Swap, error) {
	a, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	return c.driveAndSnapshot(ctx, a)
}

// Resume loads persisted swaps and drives every unfinished one in parallel.
// Quarantined swaps are tracked but never driven. Failures are logged per
// swap.
func (c *Coordinator) Resume(ctx context.Context) error {
	swaps, err := c.swaps.LoadAll()
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(8)
	quarantined := 0
	for _, s := range swaps {
		if !s.Involves(c.self) {
			continue
		}
		a, added := c.track(s)
		if !added {
			continue
		}
		a.mu.Lock()
		reason := a.quarantine
		c.notePaymentLocked(a)
		a.mu.Unlock()
		if reason != nil {
			quarantined++
			c.log.Warn("Swap stays quarantined", "swap_id", s.ID(), "status", s.Status(), "reason", reason)
			continue
		}
		if s.IsTerminal() {
			continue
		}
		g.Go(func() error {
			if err := c.drive(ctx, a); err != nil {
				c.log.Warn("Failed to resume swap", "swap_id", s.ID(), "error", err)
			}
			return nil
		})
	}
	c.log.Info("Resumed swaps", "count", len(swaps), "quarantined", quarantined)
	return g.Wait()
}

func (c *Coordinator) driveAndSnapshot(ctx context.Context, a *activeSwap) (*Swap, error) {
	err := c.drive(ctx, a)
	a.mu.Lock()
	snapshot := a.swap.Clone()
	a.mu.Unlock()
	return snapshot, err
}

// drive performs every step this peer owes on a swap, one at a time, until
// the counterparty is the one to act.
func (c *Coordinator) drive(ctx context.Context, a *activeSwap) error {
	waited := false
	for {
		a.mu.Lock()
		if a.quarantine != nil {
			a.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrQuarantined, a.quarantine)
		}
		step := a.swap.Obligation(c.self)
		if step == StepNone {
			a.mu.Unlock()
			return nil
		}
		if step == StepSettleInvoice && !waited && !c.readyToSettle(a.swap) {
			id := a.swap.ID()
			a.mu.Unlock()
			c.log.Debug("Waiting for counterparty payment", "swap_id", id)
			if _, err := c.paid.Wait(ctx, id); err != nil {
				return err
			}
			waited = true
			continue
		}

		work := a.swap.Clone()
		_, err := work.Advance(ctx, c.env())
		if err != nil {
			c.metrics.Errors.WithLabelValues(errorKind(err)).Inc()
			if IsFatal(err) {
				c.quarantineLocked(a, err)
			}
			snapshot := a.swap.Clone()
			a.mu.Unlock()
			c.log.Error("Swap step failed", "swap_id", snapshot.ID(), "step", step, "status", snapshot.Status(), "error", err)
			c.emitEvent(snapshot, EventSwapError, err)
			return err
		}

		a.swap = work
		a.updatedAt = c.now()
		perr := c.persist(a)
		c.notePaymentLocked(a)
		snapshot := a.swap.Clone()
		a.mu.Unlock()

		c.metrics.Transitions.WithLabelValues(snapshot.Status().String()).Inc()
		c.log.Info("Swap advanced", "swap_id", snapshot.ID(), "step", step, "status", snapshot.Status())
		c.emitEvent(snapshot, EventSwapUpdated, nil)
		if perr != nil {
			return perr
		}

		if step == StepPayInvoice || step == StepSettleInvoice {
			if err := c.transport.Send(ctx, snapshot); err != nil {
				c.log.Warn("Failed to publish snapshot, will retry on rebroadcast", "swap_id", snapshot.ID(), "error", err)
			}
		}
	}
}

// readyToSettle reports whether the settle step may run now: the holder
// settles immediately, the seeker once the holder's payment is recorded.
func (c *Coordinator) readyToSettle(s *Swap) bool {
	self, err := s.Party(c.self)
	if err != nil {
		return false
	}
	if self.IsSecretHolder() {
		return true
	}
	cp, _ := s.Counterparty(c.self)
	return cp.Payment() != nil
}

// notePaymentLocked resolves the paid waiter once the counterparty's payment
// shows up in the swap, and drops it once the swap is finished or
// quarantined. Caller must hold a.mu.
func (c *Coordinator) notePaymentLocked(a *activeSwap) {
	s := a.swap
	if s.IsTerminal() || a.quarantine != nil {
		c.paid.Forget(s.ID())
		return
	}
	cp, err := s.Counterparty(c.self)
	if err != nil || cp.Payment() == nil {
		return
	}
	c.paid.Resolve(s.ID(), struct{}{}, nil)
}

// persist writes the tracked swap. Caller must hold a.mu.
func (c *Coordinator) persist(a *activeSwap) error {
	if err := c.swaps.Save(a.swap); err != nil {
		c.log.Error("Failed to persist swap", "swap_id", a.swap.ID(), "error", err)
		return err
	}
	return nil
}

// quarantineLocked stops all processing of a swap, for this run and after a
// restart. Anything waiting on the swap is released with reason. Caller must
// hold a.mu.
func (c *Coordinator) quarantineLocked(a *activeSwap, reason error) {
	if a.quarantine != nil {
		return
	}
	a.quarantine = reason
	c.saveQuarantineLocked(a)

	id := a.swap.ID()
	c.paid.Resolve(id, struct{}{}, reason)
	c.paid.Forget(id)

	c.metrics.Quarantined.Inc()
	c.log.Error("Swap quarantined", "swap_id", id, "status", a.swap.Status(), "reason", reason)
	c.emitEvent(a.swap, EventSwapError, reason)
}

// saveQuarantineLocked persists the quarantine of a. Caller must hold a.mu.
func (c *Coordinator) saveQuarantineLocked(a *activeSwap) {
	rec := NewQuarantineRecord(a.quarantine, c.now())
	rec.Refunded = a.refunded
	if err := c.swaps.SaveQuarantine(a.swap.ID(), rec); err != nil {
		c.log.Error("Failed to persist swap quarantine", "swap_id", a.swap.ID(), "error", err)
	}
}

func (c *Coordinator) role(s *Swap) string {
	p, err := s.Party(c.self)
	if err != nil {
		return ""
	}
	return p.Role()
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrSecretHashMismatch):
		return "secret_hash_mismatch"
	case errors.Is(err, ErrAdapter):
		return "adapter"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrQuarantined):
		return "quarantined"
	default:
		return "other"
	}
}

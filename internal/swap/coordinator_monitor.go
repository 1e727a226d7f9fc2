package swap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExpired is the quarantine reason of a swap that stopped making
// progress.
var ErrExpired = errors.New("swap expired")

// handleInvoiceEvent reacts to adapter events. Paid events only concern
// invoices this peer issued, so they mean the counterparty has paid.
func (c *Coordinator) handleInvoiceEvent(ev InvoiceEvent) {
	c.metrics.AdapterEvents.WithLabelValues(ev.Network, string(ev.Type)).Inc()
	c.log.Debug("Invoice event", "type", ev.Type, "network", ev.Network, "swap_id", ev.SwapID, "invoice", ev.InvoiceID)

	switch ev.Type {
	case EventInvoiceSettled:
		if ev.Secret == "" || ev.SecretHash == "" {
			return
		}
		err := c.secrets.Put(ev.SecretHash, SecretRecord{Secret: ev.Secret, SwapID: ev.SwapID})
		if err != nil {
			c.log.Warn("Failed to record revealed secret", "swap_id", ev.SwapID, "error", err)
		}
	case EventInvoiceCancelled:
		c.log.Warn("Invoice cancelled", "network", ev.Network, "swap_id", ev.SwapID, "invoice", ev.InvoiceID)
	}

	if ev.SwapID == "" {
		return
	}
	// Adapters may emit from inside a step that holds the swap lock.
	go func() {
		a, err := c.lookup(ev.SwapID)
		if err != nil {
			return
		}
		a.mu.Lock()
		if ev.Type == EventInvoicePaid && !a.swap.IsTerminal() && a.quarantine == nil {
			c.paid.Resolve(ev.SwapID, struct{}{}, nil)
		}
		snapshot := a.swap.Clone()
		a.mu.Unlock()
		c.emitEvent(snapshot, string(ev.Type), nil)
	}()
}

// rebroadcastLoop periodically re-publishes unfinished swaps so a lost
// snapshot is eventually delivered. Receivers drop repeats by status.
func (c *Coordinator) rebroadcastLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.rebroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Rebroadcast(c.ctx)
		}
	}
}

// Rebroadcast publishes every shareable swap once. Swaps that finished
// recently are included so the counterparty sees the final status.
func (c *Coordinator) Rebroadcast(ctx context.Context) int {
	linger := 10 * c.rebroadcastInterval
	sent := 0
	for _, a := range c.snapshotActive() {
		a.mu.Lock()
		skip := a.quarantine != nil ||
			a.swap.Status() == StatusReceived ||
			(a.swap.IsTerminal() && c.now().Sub(a.updatedAt) > linger)
		snapshot := a.swap.Clone()
		a.mu.Unlock()
		if skip {
			continue
		}
		if err := c.transport.Send(ctx, snapshot); err != nil {
			c.log.Debug("Rebroadcast failed", "swap_id", snapshot.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

func (c *Coordinator) expiryLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.expiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.CheckExpiry(c.ctx)
		}
	}
}

// timeout returns the expiry bound of a swap: the larger of the configured
// timeouts of its two networks. Zero means no bound is configured.
func (c *Coordinator) timeout(s *Swap) time.Duration {
	t := c.timeouts[s.SecretHolder().Network]
	if u := c.timeouts[s.SecretSeeker().Network]; u > t {
		t = u
	}
	return t
}

// CheckExpiry expires unfinished swaps that made no progress within their
// timeout and reclaims funds this peer locked. Refunds that fail are retried
// on the next check. It returns the ids of swaps expired by this call.
func (c *Coordinator) CheckExpiry(ctx context.Context) []string {
	var expired []string
	for _, a := range c.snapshotActive() {
		a.mu.Lock()
		s := a.swap
		limit := c.timeout(s)
		if s.IsTerminal() || limit <= 0 || a.refunded {
			a.mu.Unlock()
			continue
		}
		if a.quarantine == nil {
			idle := c.now().Sub(a.updatedAt)
			if idle <= limit {
				a.mu.Unlock()
				continue
			}
			reason := fmt.Errorf("%w: no progress at %s for %s", ErrExpired, s.Status(), idle.Round(time.Second))
			c.quarantineLocked(a, reason)
			c.metrics.Expired.Inc()
			c.emitEvent(s, EventSwapExpired, reason)
			expired = append(expired, s.ID())
		} else if !errors.Is(a.quarantine, ErrExpired) {
			a.mu.Unlock()
			continue
		}

		if err := c.reclaim(ctx, s); err != nil {
			c.log.Warn("Failed to reclaim funds, will retry", "swap_id", s.ID(), "error", err)
		} else {
			a.refunded = true
			c.saveQuarantineLocked(a)
		}
		a.mu.Unlock()
	}
	return expired
}

// reclaim refunds this peer's unsettled payment and cancels the invoice it
// issued to the counterparty, where the adapters support it.
func (c *Coordinator) reclaim(ctx context.Context, s *Swap) error {
	self, err := s.Party(c.self)
	if err != nil {
		return err
	}
	cp, _ := s.Counterparty(c.self)

	var errs []error
	if self.Payment() != nil && self.Receipt() == nil {
		if a, err := c.adapters.Get(self.Network); err != nil {
			errs = append(errs, err)
		} else if r, ok := a.(PaymentRefunder); ok {
			if err := r.RefundPayment(ctx, self); err != nil {
				errs = append(errs, adapterErr(self.Network, "refundPayment", err))
			} else {
				c.log.Info("Payment refunded", "swap_id", s.ID(), "network", self.Network)
			}
		}
	}
	if cp.Invoice() != nil && cp.Receipt() == nil {
		if a, err := c.adapters.Get(cp.Network); err != nil {
			errs = append(errs, err)
		} else if cc, ok := a.(InvoiceCanceler); ok {
			if err := cc.CancelInvoice(ctx, cp); err != nil {
				errs = append(errs, adapterErr(cp.Network, "cancelInvoice", err))
			} else {
				c.log.Info("Invoice cancelled", "swap_id", s.ID(), "network", cp.Network)
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) snapshotActive() []*activeSwap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*activeSwap, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a)
	}
	return out
}

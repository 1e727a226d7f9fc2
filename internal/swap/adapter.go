package swap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// EventType identifies an invoice lifecycle event.
type EventType string

const (
	EventInvoiceCreated   EventType = "invoice.created"
	EventInvoicePaid      EventType = "invoice.paid"
	EventInvoiceSettled   EventType = "invoice.settled"
	EventInvoiceCancelled EventType = "invoice.cancelled"
)

// InvoiceEvent is emitted by an adapter once per underlying network event.
// Secret is set on settled events when the settlement revealed it.
type InvoiceEvent struct {
	Type       EventType
	Network    string
	SwapID     string
	InvoiceID  string
	SecretHash string
	Secret     string
	Time       time.Time
}

// Adapter settles hash-locked invoices on one network.
//
// CreateInvoice issues an invoice payable by party for party's quantity.
// PayInvoice locks party's funds toward party's recorded invoice without
// revealing anything, and must fail if the invoice does not commit to the
// expected amount and hash. SettleInvoice reveals secret to claim the funds
// locked toward the invoice recorded on party.
type Adapter interface {
	Network() string
	Connect(ctx context.Context) error
	CreateInvoice(ctx context.Context, party *Party) (*Invoice, error)
	PayInvoice(ctx context.Context, party *Party) (*Payment, error)
	SettleInvoice(ctx context.Context, party *Party, secret string) (*Receipt, error)
	Disconnect() error
	Subscribe(handler func(InvoiceEvent)) (cancel func())
}

// PaymentRefunder is implemented by adapters that can return funds a party
// locked once the lock has expired.
type PaymentRefunder interface {
	RefundPayment(ctx context.Context, party *Party) error
}

// InvoiceCanceler is implemented by adapters that can cancel an invoice they
// issued, releasing whatever the payer locked toward it.
type InvoiceCanceler interface {
	CancelInvoice(ctx context.Context, party *Party) error
}

// Registry maps network names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Network().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Network()] = a
}

// Get returns the adapter for network.
func (r *Registry) Get(network string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[network]
	if !ok {
		return nil, fmt.Errorf("%w: no adapter for network %q", ErrValidation, network)
	}
	return a, nil
}

// Networks returns the registered network names, sorted.
func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) all() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// ConnectAll connects every adapter concurrently.
func (r *Registry) ConnectAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range r.all() {
		a := a
		g.Go(func() error {
			if err := a.Connect(ctx); err != nil {
				return adapterErr(a.Network(), "connect", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// DisconnectAll disconnects every adapter and joins their errors.
func (r *Registry) DisconnectAll() error {
	var errs []error
	for _, a := range r.all() {
		if err := a.Disconnect(); err != nil {
			errs = append(errs, adapterErr(a.Network(), "disconnect", err))
		}
	}
	return errors.Join(errs...)
}

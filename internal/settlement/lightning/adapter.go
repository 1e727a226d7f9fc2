// Package lightning settles swap invoices as LND hold invoices. The issuer
// adds a hold invoice on the swap's secret hash, the payer's HTLC stays
// accepted until the issuer settles with the secret, and the payer's router
// learns the secret from the settled payment.
package lightning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/martindale/mono-sub000/internal/settlement"
	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/pkg/logging"
)

var (
	ErrConnection      = errors.New("lightning adapter not connected")
	ErrInvoiceMismatch = errors.New("invoice does not match swap")
	ErrPaymentFailed   = errors.New("payment failed")
	ErrInvoiceCanceled = errors.New("invoice canceled")
)

// Defaults.
const (
	DefaultCLTVExpiry   = 144
	DefaultPollInterval = 2 * time.Second
)

// Config configures one Lightning network.
type Config struct {
	Network string
	Client  ClientConfig

	// Timeout is the swap timeout of this network. It bounds invoice expiry
	// and payment attempts.
	Timeout time.Duration

	// CLTVExpiry is the final hop delta of invoices the seeker pays. The
	// holder pays first, so its invoice gets twice the delta.
	CLTVExpiry   uint64
	FeeLimit     btcutil.Amount
	PollInterval time.Duration
}

// Adapter implements swap.Adapter on an LND node.
type Adapter struct {
	cfg      Config
	lnd      *Client
	events   *settlement.Emitter[swap.InvoiceEvent]
	accepted *settlement.Waiters[lntypes.Hash, struct{}]
	log      *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	pubkey   string
	watching map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ swap.Adapter         = (*Adapter)(nil)
	_ swap.InvoiceCanceler = (*Adapter)(nil)
)

// New creates an adapter for cfg. The node is contacted on Connect.
func New(cfg Config) *Adapter {
	if cfg.CLTVExpiry == 0 {
		cfg.CLTVExpiry = DefaultCLTVExpiry
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Adapter{
		cfg: cfg,
		events: settlement.NewEmitter(func(ev swap.InvoiceEvent) string {
			return string(ev.Type) + "/" + ev.InvoiceID
		}),
		accepted: settlement.NewWaiters[lntypes.Hash, struct{}](),
		log:      logging.GetDefault().Component("lightning").With("network", cfg.Network),
		now:      time.Now,
		watching: make(map[string]bool),
	}
}

func (a *Adapter) Network() string { return a.cfg.Network }

// Connect reads the node identity, which becomes the payee of issued
// invoices.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil {
		return nil
	}

	lnd, err := NewClient(a.cfg.Client)
	if err != nil {
		return err
	}
	info, err := lnd.GetInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to reach lnd: %w", err)
	}
	if !info.SyncedToChain {
		a.log.Warn("Node is not synced to chain", "alias", info.Alias)
	}

	a.lnd = lnd
	a.pubkey = info.IdentityPubkey
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.log.Info("Connected", "alias", info.Alias, "pubkey", info.IdentityPubkey)
	return nil
}

// Disconnect stops every invoice and payment watcher.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	cancel := a.cancel
	a.ctx, a.cancel = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	a.wg.Wait()
	a.events.Close()
	return nil
}

// Subscribe registers handler for invoice events.
func (a *Adapter) Subscribe(handler func(swap.InvoiceEvent)) func() {
	return a.events.Subscribe(handler)
}

// CreateInvoice adds a hold invoice for party's quantity on the swap's
// secret hash.
func (a *Adapter) CreateInvoice(ctx context.Context, party *swap.Party) (*swap.Invoice, error) {
	lnd, err := a.client()
	if err != nil {
		return nil, err
	}
	s, hash, err := swapOf(party)
	if err != nil {
		return nil, err
	}

	cltv := a.cfg.CLTVExpiry
	if party.IsSecretHolder() {
		cltv *= 2
	}
	payReq, err := lnd.AddHoldInvoice(ctx, HoldInvoiceRequest{
		Hash:       hash,
		Value:      btcutil.Amount(party.Quantity),
		Memo:       "swap " + s.ID(),
		CLTVExpiry: cltv,
		Expiry:     a.cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}

	inv := &swap.Invoice{
		ID:         hash.String(),
		Request:    payReq,
		Payee:      a.pubkey,
		Quantity:   party.Quantity,
		SecretHash: s.SecretHash(),
	}
	a.emit(swap.EventInvoiceCreated, s, inv.ID, "")
	a.watchInvoice(s, hash)

	a.log.Debug("Hold invoice added", "swap_id", s.ID(), "hash", inv.ID, "amount", btcutil.Amount(party.Quantity), "cltv", cltv)
	return inv, nil
}

// PayInvoice pays party's invoice after checking that the decoded request
// is for party's quantity on the swap's hash. It returns once the HTLC is
// in flight; the hold invoice keeps it locked until the payee settles.
func (a *Adapter) PayInvoice(ctx context.Context, party *swap.Party) (*swap.Payment, error) {
	lnd, err := a.client()
	if err != nil {
		return nil, err
	}
	s, hash, err := swapOf(party)
	if err != nil {
		return nil, err
	}
	inv := party.Invoice()
	if err := a.verifyInvoice(ctx, lnd, s, party, inv); err != nil {
		return nil, err
	}

	inflight := settlement.NewFuture[struct{}]()
	a.watchPayment(s, hash, inv.Request, inflight)
	if _, err := inflight.Wait(ctx); err != nil {
		return nil, err
	}

	a.log.Info("Invoice paid", "swap_id", s.ID(), "hash", inv.ID, "amount", btcutil.Amount(party.Quantity))
	return &swap.Payment{ID: hash.String(), Invoice: inv.ID}, nil
}

// SettleInvoice settles the hold invoice recorded on party with secret once
// the payer's HTLC is accepted for the full amount.
func (a *Adapter) SettleInvoice(ctx context.Context, party *swap.Party, secret string) (*swap.Receipt, error) {
	lnd, err := a.client()
	if err != nil {
		return nil, err
	}
	s, hash, err := swapOf(party)
	if err != nil {
		return nil, err
	}
	if err := swap.VerifySecret(secret, s.SecretHash()); err != nil {
		return nil, err
	}
	preimage, err := lntypes.MakePreimageFromStr(secret)
	if err != nil {
		return nil, err
	}
	inv := party.Invoice()
	if inv == nil || inv.ID != hash.String() {
		return nil, fmt.Errorf("%w: no invoice on hash %s", ErrInvoiceMismatch, hash)
	}
	rcpt := &swap.Receipt{ID: hash.String(), Invoice: inv.ID, Secret: secret}

	current, err := lnd.LookupInvoice(ctx, hash)
	if err != nil {
		return nil, err
	}
	switch current.State {
	case InvoiceSettled:
		a.log.Debug("Invoice already settled", "swap_id", s.ID(), "hash", inv.ID)
		a.accepted.Forget(hash)
		a.emit(swap.EventInvoiceSettled, s, inv.ID, secret)
		return rcpt, nil
	case InvoiceCanceled:
		return nil, fmt.Errorf("%w: %s", ErrInvoiceCanceled, inv.ID)
	case InvoiceOpen:
		a.watchInvoice(s, hash)
		if _, err := a.accepted.Wait(ctx, hash); err != nil {
			return nil, err
		}
		if current, err = lnd.LookupInvoice(ctx, hash); err != nil {
			return nil, err
		}
	}

	if current.State != InvoiceAccepted {
		return nil, fmt.Errorf("%w: invoice %s is %s", ErrInvoiceMismatch, inv.ID, current.State)
	}
	if current.Value != int64(party.Quantity) || current.AmtPaidSat < current.Value {
		return nil, fmt.Errorf("%w: accepted %s of %s, expected %s", ErrInvoiceMismatch,
			btcutil.Amount(current.AmtPaidSat), btcutil.Amount(current.Value), btcutil.Amount(party.Quantity))
	}

	if err := lnd.SettleInvoice(ctx, preimage); err != nil {
		return nil, err
	}
	a.accepted.Forget(hash)
	a.emit(swap.EventInvoiceSettled, s, inv.ID, secret)
	a.log.Info("Invoice settled", "swap_id", s.ID(), "hash", inv.ID)
	return rcpt, nil
}

// CancelInvoice cancels the hold invoice recorded on party, failing the
// payer's HTLC back. Settled invoices are left alone.
func (a *Adapter) CancelInvoice(ctx context.Context, party *swap.Party) error {
	lnd, err := a.client()
	if err != nil {
		return err
	}
	inv := party.Invoice()
	if inv == nil {
		return nil
	}
	hash, err := lntypes.MakeHashFromStr(inv.ID)
	if err != nil {
		return fmt.Errorf("%w: invoice id %s: %v", ErrInvoiceMismatch, inv.ID, err)
	}
	current, err := lnd.LookupInvoice(ctx, hash)
	if err != nil {
		return err
	}
	switch current.State {
	case InvoiceSettled:
		a.log.Warn("Cancel skipped, invoice settled", "hash", inv.ID)
		return nil
	case InvoiceCanceled:
		a.accepted.Forget(hash)
		return nil
	}
	if err := lnd.CancelInvoice(ctx, hash); err != nil {
		return err
	}
	a.accepted.Forget(hash)
	return nil
}

func (a *Adapter) client() (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil || a.lnd == nil {
		return nil, ErrConnection
	}
	return a.lnd, nil
}

func (a *Adapter) verifyInvoice(ctx context.Context, lnd *Client, s *swap.Swap, party *swap.Party, inv *swap.Invoice) error {
	switch {
	case inv == nil:
		return fmt.Errorf("%w: no invoice to pay", ErrInvoiceMismatch)
	case inv.Quantity != party.Quantity:
		return fmt.Errorf("%w: invoice asks %d, party owes %d", ErrInvoiceMismatch, inv.Quantity, party.Quantity)
	case inv.SecretHash != s.SecretHash() || inv.ID != s.SecretHash():
		return fmt.Errorf("%w: invoice hash %s", ErrInvoiceMismatch, inv.SecretHash)
	}

	pr, err := lnd.DecodePayReq(ctx, inv.Request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvoiceMismatch, err)
	}
	switch {
	case pr.PaymentHash != s.SecretHash():
		return fmt.Errorf("%w: payment request hash %s", ErrInvoiceMismatch, pr.PaymentHash)
	case pr.NumSatoshis != int64(party.Quantity):
		return fmt.Errorf("%w: payment request asks %s, expected %s", ErrInvoiceMismatch,
			btcutil.Amount(pr.NumSatoshis), btcutil.Amount(party.Quantity))
	case inv.Payee != "" && pr.Destination != inv.Payee:
		return fmt.Errorf("%w: payment request pays %s", ErrInvoiceMismatch, pr.Destination)
	}
	return nil
}

func (a *Adapter) emit(typ swap.EventType, s *swap.Swap, invoiceID, secret string) {
	a.events.Emit(swap.InvoiceEvent{
		Type:       typ,
		Network:    a.cfg.Network,
		SwapID:     s.ID(),
		InvoiceID:  invoiceID,
		SecretHash: s.SecretHash(),
		Secret:     secret,
		Time:       a.now(),
	})
}

// watchInvoice follows a hold invoice this node issued. Acceptance resolves
// the hash's waiter and is emitted as invoice.paid.
func (a *Adapter) watchInvoice(s *swap.Swap, hash lntypes.Hash) {
	key := "invoice/" + hash.String()
	ctx, cancel, ok := a.startWatch(key)
	if !ok {
		return
	}
	s = s.Clone()
	go func() {
		defer a.stopWatch(key, cancel)
		for {
			done := false
			err := a.lnd.SubscribeInvoice(ctx, hash, func(inv *Invoice) bool {
				switch inv.State {
				case InvoiceAccepted:
					a.accepted.Resolve(hash, struct{}{}, nil)
					a.emit(swap.EventInvoicePaid, s, hash.String(), "")
				case InvoiceSettled:
					a.accepted.Resolve(hash, struct{}{}, nil)
					a.accepted.Forget(hash)
					a.emit(swap.EventInvoicePaid, s, hash.String(), "")
					a.emit(swap.EventInvoiceSettled, s, hash.String(), preimageHex(inv.RPreimage))
					done = true
				case InvoiceCanceled:
					a.accepted.Forget(hash)
					a.emit(swap.EventInvoiceCancelled, s, hash.String(), "")
					done = true
				}
				return !done
			})
			if done || ctx.Err() != nil {
				return
			}
			a.log.Debug("Invoice subscription ended, resubscribing", "hash", hash, "error", err)
			select {
			case <-time.After(a.cfg.PollInterval):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// watchPayment sends, or resumes tracking, the payment of payReq. inflight
// resolves once the HTLC is locked or the payment fails. Success carries the
// preimage and is emitted as invoice.settled.
func (a *Adapter) watchPayment(s *swap.Swap, hash lntypes.Hash, payReq string, inflight *settlement.Future[struct{}]) {
	key := "payment/" + hash.String()
	ctx, cancel, ok := a.startWatch(key)
	if !ok {
		// Already paying; the HTLC is in flight or settled.
		inflight.Resolve(struct{}{}, nil)
		return
	}
	s = s.Clone()
	go func() {
		defer a.stopWatch(key, cancel)

		done := false
		update := func(p *Payment) bool {
			switch p.Status {
			case PaymentInFlight:
				inflight.Resolve(struct{}{}, nil)
			case PaymentSucceeded:
				inflight.Resolve(struct{}{}, nil)
				a.emit(swap.EventInvoiceSettled, s, hash.String(), p.PaymentPreimage)
				done = true
			case PaymentFailed:
				err := fmt.Errorf("%w: %s", ErrPaymentFailed, p.FailureReason)
				if !inflight.Resolve(struct{}{}, err) {
					a.emit(swap.EventInvoiceCancelled, s, hash.String(), "")
				}
				done = true
			}
			return !done
		}

		err := a.lnd.SendPayment(ctx, SendRequest{
			PaymentRequest: payReq,
			Timeout:        a.paymentTimeout(),
			FeeLimit:       a.cfg.FeeLimit,
		}, update)
		if IsDuplicatePayment(err) {
			err = a.lnd.TrackPayment(ctx, hash, update)
		}
		if !done {
			if err == nil {
				err = ctx.Err()
			}
			if err == nil {
				err = fmt.Errorf("%w: payment stream ended", ErrPaymentFailed)
			}
			inflight.Resolve(struct{}{}, err)
		}
	}()
}

func (a *Adapter) paymentTimeout() time.Duration {
	if a.cfg.Timeout > 0 && a.cfg.Timeout < 5*time.Minute {
		return a.cfg.Timeout
	}
	return time.Minute
}

func (a *Adapter) startWatch(key string) (context.Context, context.CancelFunc, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil || a.watching[key] {
		return nil, nil, false
	}
	a.watching[key] = true
	a.wg.Add(1)
	if a.cfg.Timeout > 0 {
		ctx, cancel := context.WithTimeout(a.ctx, 3*a.cfg.Timeout)
		return ctx, cancel, true
	}
	ctx, cancel := context.WithCancel(a.ctx)
	return ctx, cancel, true
}

func (a *Adapter) stopWatch(key string, cancel context.CancelFunc) {
	cancel()
	a.mu.Lock()
	delete(a.watching, key)
	a.mu.Unlock()
	a.wg.Done()
}

func swapOf(party *swap.Party) (*swap.Swap, lntypes.Hash, error) {
	s := party.Swap()
	if s == nil {
		return nil, lntypes.Hash{}, fmt.Errorf("%w: party %s is not bound to a swap", ErrInvoiceMismatch, party.ID)
	}
	hash, err := lntypes.MakeHashFromStr(s.SecretHash())
	if err != nil {
		return nil, hash, fmt.Errorf("%w: secret hash: %v", ErrInvoiceMismatch, err)
	}
	return s, hash, nil
}

func preimageHex(b []byte) string {
	p, err := lntypes.MakePreimage(b)
	if err != nil {
		return ""
	}
	return p.String()
}

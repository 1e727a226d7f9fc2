// Package evm settles swap invoices through the HTLC contract on an
// EVM-compatible chain. An invoice is a contract slot derived from the swap
// id, the secret hash and the payee account; paying it locks native tokens
// in the slot and settling it claims them with the secret.
//
// Swap quantities are uint64 counts of wei, so a single EVM leg is capped at
// MaxQuantity, about 18.45 ETH.
package evm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/martindale/mono-sub000/internal/contracts/htlc"
	"github.com/martindale/mono-sub000/internal/settlement"
	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/internal/wallet"
	"github.com/martindale/mono-sub000/pkg/helpers"
	"github.com/martindale/mono-sub000/pkg/logging"
)

var (
	ErrConnection      = errors.New("evm adapter not connected")
	ErrInvoiceMismatch = errors.New("invoice does not match swap")
	ErrNotLocked       = errors.New("slot is not locked")
)

// DefaultPollInterval is used when the RPC endpoint cannot push logs.
const DefaultPollInterval = 5 * time.Second

// MaxQuantity is the largest amount, in wei, one swap leg can lock.
const MaxQuantity uint64 = math.MaxUint64

// Contract is the slice of the HTLC client the adapter drives.
type Contract interface {
	Account() common.Address
	ChainID() *big.Int
	ContractAddress() common.Address
	GetSwap(ctx context.Context, slot [32]byte) (*htlc.Swap, error)
	CreateSwapNative(ctx context.Context, slot [32]byte, receiver common.Address, secretHash [32]byte, timelock, amount *big.Int) (*types.Receipt, error)
	Claim(ctx context.Context, slot [32]byte, secret [32]byte) (*types.Receipt, error)
	Refund(ctx context.Context, slot [32]byte) (*types.Receipt, error)
	WatchSwapCreated(ctx context.Context, slot [32]byte) (<-chan *htlc.SwapCreatedEvent, error)
	WatchSwapClaimed(ctx context.Context, slot [32]byte) (<-chan *htlc.SwapClaimedEvent, error)
	FindClaim(ctx context.Context, slot [32]byte, fromBlock uint64) (*htlc.SwapClaimedEvent, error)
	Close()
}

// Config configures one EVM network. Orders on it are quoted in wei and
// cannot exceed MaxQuantity.
type Config struct {
	// Network is the name swaps use for this chain.
	Network  string
	RPCURL   string
	ChainID  uint64
	Contract common.Address
	Key      wallet.KeyFile

	// Timeout is the swap timeout of this network. The secret holder's lock
	// expires after twice the timeout, the seeker's after one.
	Timeout      time.Duration
	PollInterval time.Duration
}

// Adapter implements swap.Adapter on the HTLC contract.
type Adapter struct {
	cfg      Config
	contract Contract
	events   *settlement.Emitter[swap.InvoiceEvent]
	locks    *settlement.Waiters[[32]byte, *htlc.Swap]
	log      *logging.Logger
	now      func() time.Time

	mu       sync.Mutex
	dialed   bool
	watching map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ swap.Adapter         = (*Adapter)(nil)
	_ swap.PaymentRefunder = (*Adapter)(nil)
)

// New creates an adapter that dials cfg.RPCURL on Connect.
func New(cfg Config) *Adapter {
	return NewWithContract(cfg, nil)
}

// NewWithContract creates an adapter bound to an existing contract client.
func NewWithContract(cfg Config, c Contract) *Adapter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Adapter{
		cfg:      cfg,
		contract: c,
		events: settlement.NewEmitter(func(ev swap.InvoiceEvent) string {
			return string(ev.Type) + "/" + ev.InvoiceID
		}),
		locks:    settlement.NewWaiters[[32]byte, *htlc.Swap](),
		log:      logging.GetDefault().Component("evm").With("network", cfg.Network),
		now:      time.Now,
		watching: make(map[string]bool),
	}
}

func (a *Adapter) Network() string { return a.cfg.Network }

// Connect dials the RPC endpoint unless a contract client was supplied.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil {
		return nil
	}

	if a.contract == nil {
		key, err := wallet.LoadEVMKey(a.cfg.Key)
		if err != nil {
			return err
		}
		client, err := htlc.Dial(ctx, a.cfg.RPCURL, a.cfg.ChainID, a.cfg.Contract, key)
		if err != nil {
			return err
		}
		a.contract = client
		a.dialed = true
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.log.Info("Connected", "chain_id", a.contract.ChainID(), "contract", a.contract.ContractAddress().Hex(), "account", a.contract.Account().Hex())
	return nil
}

// Disconnect stops every watcher and closes the RPC connection.
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

	a.mu.Lock()
	defer a.mu.Unlock()
	a.contract.Close()
	if a.dialed {
		a.contract, a.dialed = nil, false
	}
	return nil
}

// Subscribe registers handler for invoice events.
func (a *Adapter) Subscribe(handler func(swap.InvoiceEvent)) func() {
	return a.events.Subscribe(handler)
}

// CreateInvoice reserves the slot the counterparty will lock its funds in.
// Nothing is sent on chain; the slot is watched until it is funded.
func (a *Adapter) CreateInvoice(ctx context.Context, party *swap.Party) (*swap.Invoice, error) {
	if err := a.connected(); err != nil {
		return nil, err
	}
	s, hash, err := swapOf(party)
	if err != nil {
		return nil, err
	}
	payee := a.contract.Account()
	slot := htlc.SlotID(s.ID(), hash, payee)

	inv := &swap.Invoice{
		ID:         common.Hash(slot).Hex(),
		Request:    a.request(),
		Payee:      payee.Hex(),
		Quantity:   party.Quantity,
		SecretHash: s.SecretHash(),
	}
	a.emit(swap.EventInvoiceCreated, s, inv.ID, "")
	a.watchLock(s, inv.ID, slot)

	a.log.Debug("Invoice created", "swap_id", s.ID(), "slot", inv.ID, "quantity", party.Quantity)
	return inv, nil
}

// PayInvoice locks party's quantity in the slot named by party's invoice.
// The invoice must commit to the swap's secret hash and party's quantity.
// A slot this account already funded is reported as paid again.
func (a *Adapter) PayInvoice(ctx context.Context, party *swap.Party) (*swap.Payment, error) {
	if err := a.connected(); err != nil {
		return nil, err
	}
	s, hash, err := swapOf(party)
	if err != nil {
		return nil, err
	}
	inv := party.Invoice()
	slot, payee, err := a.verifyInvoice(s, party, inv)
	if err != nil {
		return nil, err
	}

	existing, err := a.contract.GetSwap(ctx, slot)
	if err != nil {
		return nil, err
	}
	pay := &swap.Payment{ID: common.Hash(slot).Hex(), Invoice: inv.ID}

	switch existing.State {
	case htlc.SwapStateEmpty:
		timelock := a.timelock(party.IsSecretHolder())
		receipt, err := a.contract.CreateSwapNative(ctx, slot, payee, hash, timelock, helpers.Uint64ToBig(party.Quantity))
		if err != nil {
			return nil, err
		}
		pay.ID = receipt.TxHash.Hex()
		a.log.Info("Invoice paid", "swap_id", s.ID(), "slot", inv.ID, "tx", pay.ID, "amount", helpers.WeiToETH(party.Quantity), "timelock", timelock)
	case htlc.SwapStateRefunded:
		return nil, fmt.Errorf("slot %s was refunded", inv.ID)
	default:
		if existing.Sender != a.contract.Account() {
			return nil, fmt.Errorf("%w: slot %s was funded by %s", ErrInvoiceMismatch, inv.ID, existing.Sender.Hex())
		}
	}

	a.watchClaim(s, inv.ID, slot)
	return pay, nil
}

// SettleInvoice claims the funds locked toward the invoice recorded on
// party, revealing secret. It waits for the lock if it is not yet visible
// and refuses to claim a lock of the wrong value or hash.
func (a *Adapter) SettleInvoice(ctx context.Context, party *swap.Party, secret string) (*swap.Receipt, error) {
	if err := a.connected(); err != nil {
		return nil, err
	}
	s, hash, err := swapOf(party)
	if err != nil {
		return nil, err
	}
	if err := swap.VerifySecret(secret, s.SecretHash()); err != nil {
		return nil, err
	}
	preimage, err := helpers.HexToBytes32(secret)
	if err != nil {
		return nil, err
	}
	inv := party.Invoice()
	if inv == nil {
		return nil, fmt.Errorf("%w: no invoice to settle", ErrInvoiceMismatch)
	}
	slot, err := helpers.HexToBytes32(inv.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: invoice id %s: %v", ErrInvoiceMismatch, inv.ID, err)
	}

	a.watchLock(s, inv.ID, slot)
	locked, err := a.locks.Wait(ctx, slot)
	if err != nil {
		return nil, err
	}
	if err := a.checkLock(locked, hash, party.Quantity); err != nil {
		return nil, err
	}

	rcpt := &swap.Receipt{ID: inv.ID, Invoice: inv.ID, Secret: secret}
	current, err := a.contract.GetSwap(ctx, slot)
	if err != nil {
		return nil, err
	}
	switch current.State {
	case htlc.SwapStateActive:
		receipt, err := a.contract.Claim(ctx, slot, preimage)
		if err != nil {
			return nil, err
		}
		rcpt.ID = receipt.TxHash.Hex()
		a.log.Info("Invoice settled", "swap_id", s.ID(), "slot", inv.ID, "tx", rcpt.ID)
	case htlc.SwapStateClaimed:
		a.log.Debug("Slot already claimed", "swap_id", s.ID(), "slot", inv.ID)
	default:
		return nil, fmt.Errorf("%w: slot %s is %s", ErrNotLocked, inv.ID, current.State)
	}

	a.locks.Forget(slot)
	a.emit(swap.EventInvoiceSettled, s, inv.ID, secret)
	return rcpt, nil
}

// RefundPayment returns party's locked funds once the timelock has passed.
// The contract rejects early refunds, so the call can simply be retried.
func (a *Adapter) RefundPayment(ctx context.Context, party *swap.Party) error {
	if err := a.connected(); err != nil {
		return err
	}
	inv := party.Invoice()
	if inv == nil {
		return nil
	}
	slot, err := helpers.HexToBytes32(inv.ID)
	if err != nil {
		return fmt.Errorf("%w: invoice id %s: %v", ErrInvoiceMismatch, inv.ID, err)
	}
	current, err := a.contract.GetSwap(ctx, slot)
	if err != nil {
		return err
	}
	switch current.State {
	case htlc.SwapStateActive:
		if current.Sender != a.contract.Account() {
			return fmt.Errorf("%w: slot %s was funded by %s", ErrInvoiceMismatch, inv.ID, current.Sender.Hex())
		}
		if _, err := a.contract.Refund(ctx, slot); err != nil {
			return err
		}
	case htlc.SwapStateClaimed:
		a.log.Warn("Refund skipped, slot already claimed", "slot", inv.ID)
	}
	return nil
}

func (a *Adapter) connected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil || a.contract == nil {
		return ErrConnection
	}
	return nil
}

// request identifies the chain and contract an invoice must be paid on.
func (a *Adapter) request() string {
	return "evm:" + a.contract.ChainID().String() + ":" + strings.ToLower(a.contract.ContractAddress().Hex())
}

func (a *Adapter) timelock(holder bool) *big.Int {
	d := a.cfg.Timeout
	if holder {
		d *= 2
	}
	return big.NewInt(a.now().Add(d).Unix())
}

func (a *Adapter) verifyInvoice(s *swap.Swap, party *swap.Party, inv *swap.Invoice) ([32]byte, common.Address, error) {
	var slot [32]byte
	switch {
	case inv == nil:
		return slot, common.Address{}, fmt.Errorf("%w: no invoice to pay", ErrInvoiceMismatch)
	case inv.Quantity != party.Quantity:
		return slot, common.Address{}, fmt.Errorf("%w: invoice asks %d, party owes %d", ErrInvoiceMismatch, inv.Quantity, party.Quantity)
	case inv.SecretHash != s.SecretHash():
		return slot, common.Address{}, fmt.Errorf("%w: invoice hash %s", ErrInvoiceMismatch, inv.SecretHash)
	case !common.IsHexAddress(inv.Payee):
		return slot, common.Address{}, fmt.Errorf("%w: payee %q", ErrInvoiceMismatch, inv.Payee)
	}
	chainID, contract, err := ParseRequest(inv.Request)
	if err != nil {
		return slot, common.Address{}, fmt.Errorf("%w: %v", ErrInvoiceMismatch, err)
	}
	if chainID != a.contract.ChainID().Uint64() || contract != a.contract.ContractAddress() {
		return slot, common.Address{}, fmt.Errorf("%w: invoice is for %s, not %s", ErrInvoiceMismatch, inv.Request, a.request())
	}
	payee := common.HexToAddress(inv.Payee)
	hash, _ := helpers.HexToBytes32(s.SecretHash())
	slot = htlc.SlotID(s.ID(), hash, payee)
	if common.Hash(slot).Hex() != inv.ID {
		return slot, payee, fmt.Errorf("%w: invoice id %s does not commit to the swap", ErrInvoiceMismatch, inv.ID)
	}
	return slot, payee, nil
}

func (a *Adapter) checkLock(sw *htlc.Swap, hash [32]byte, quantity uint64) error {
	switch {
	case sw.Receiver != a.contract.Account():
		return fmt.Errorf("%w: lock pays %s", ErrInvoiceMismatch, sw.Receiver.Hex())
	case sw.SecretHash != hash:
		return fmt.Errorf("%w: lock hash %x", ErrInvoiceMismatch, sw.SecretHash)
	case !sw.IsNativeToken():
		return fmt.Errorf("%w: lock holds token %s", ErrInvoiceMismatch, sw.Token.Hex())
	case sw.Gross().Cmp(helpers.Uint64ToBig(quantity)) != 0:
		return fmt.Errorf("%w: lock holds %s, expected %d", ErrInvoiceMismatch, sw.Gross(), quantity)
	}
	return nil
}

func (a *Adapter) emit(typ swap.EventType, s *swap.Swap, invoiceID, secret string) {
	ev := swap.InvoiceEvent{
		Type:       typ,
		Network:    a.cfg.Network,
		SwapID:     s.ID(),
		InvoiceID:  invoiceID,
		SecretHash: s.SecretHash(),
		Secret:     secret,
		Time:       a.now(),
	}
	a.events.Emit(ev)
}

// watchLock starts, once per slot, a watcher that resolves the slot's lock
// waiter and emits invoice.paid when the counterparty funds it.
func (a *Adapter) watchLock(s *swap.Swap, invoiceID string, slot [32]byte) {
	key := "lock/" + invoiceID
	ctx, cancel, ok := a.startWatch(key)
	if !ok {
		return
	}
	s = s.Clone()
	go func() {
		defer a.stopWatch(key, cancel)

		sw, err := a.awaitState(ctx, slot, func(sw *htlc.Swap) bool { return sw.State != htlc.SwapStateEmpty })
		if err != nil {
			return
		}
		a.locks.Resolve(slot, sw, nil)
		if sw.State == htlc.SwapStateActive || sw.State == htlc.SwapStateClaimed {
			a.emit(swap.EventInvoicePaid, s, invoiceID, "")
		}
	}()
}

// watchClaim starts, once per slot, a watcher on a lock this account funded.
// A claim reveals the secret and is emitted as invoice.settled; a refund as
// invoice.cancelled.
func (a *Adapter) watchClaim(s *swap.Swap, invoiceID string, slot [32]byte) {
	key := "claim/" + invoiceID
	ctx, cancel, ok := a.startWatch(key)
	if !ok {
		return
	}
	s = s.Clone()
	go func() {
		defer a.stopWatch(key, cancel)

		claims, err := a.contract.WatchSwapClaimed(ctx, slot)
		if err != nil {
			a.log.Debug("Claim subscription unavailable, polling", "slot", invoiceID, "error", err)
		}

		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-claims:
				if !ok {
					claims = nil
					continue
				}
				a.emit(swap.EventInvoiceSettled, s, invoiceID, hex.EncodeToString(ev.Secret[:]))
				return
			case <-ticker.C:
				sw, err := a.contract.GetSwap(ctx, slot)
				if err != nil {
					continue
				}
				switch sw.State {
				case htlc.SwapStateClaimed:
					ev, err := a.contract.FindClaim(ctx, slot, 0)
					if err != nil || ev == nil {
						continue
					}
					a.emit(swap.EventInvoiceSettled, s, invoiceID, hex.EncodeToString(ev.Secret[:]))
					return
				case htlc.SwapStateRefunded:
					a.emit(swap.EventInvoiceCancelled, s, invoiceID, "")
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// awaitState subscribes to SwapCreated before reading the slot so a lock
// landing between the two is not missed, then polls as a fallback.
func (a *Adapter) awaitState(ctx context.Context, slot [32]byte, done func(*htlc.Swap) bool) (*htlc.Swap, error) {
	created, err := a.contract.WatchSwapCreated(ctx, slot)
	if err != nil {
		a.log.Debug("Lock subscription unavailable, polling", "slot", common.Hash(slot).Hex(), "error", err)
	}
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		sw, err := a.contract.GetSwap(ctx, slot)
		if err == nil && done(sw) {
			return sw, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, ok := <-created:
			if !ok {
				created = nil
			}
		case <-ticker.C:
		}
	}
}

// startWatch registers a watcher under key. The returned context outlives
// every lock the adapter can create, which never exceeds twice the timeout.
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

func swapOf(party *swap.Party) (*swap.Swap, [32]byte, error) {
	s := party.Swap()
	if s == nil {
		return nil, [32]byte{}, fmt.Errorf("%w: party %s is not bound to a swap", ErrInvoiceMismatch, party.ID)
	}
	hash, err := helpers.HexToBytes32(s.SecretHash())
	if err != nil {
		return nil, hash, fmt.Errorf("%w: secret hash: %v", ErrInvoiceMismatch, err)
	}
	return s, hash, nil
}

// ParseRequest splits an invoice request into chain id and contract.
func ParseRequest(req string) (uint64, common.Address, error) {
	parts := strings.Split(req, ":")
	if len(parts) != 3 || parts[0] != "evm" || !common.IsHexAddress(parts[2]) {
		return 0, common.Address{}, fmt.Errorf("malformed evm invoice request %q", req)
	}
	chainID, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, common.Address{}, fmt.Errorf("malformed chain id in %q: %w", req, err)
	}
	return chainID, common.HexToAddress(parts[2]), nil
}

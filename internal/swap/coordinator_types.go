package swap

import (
	"context"
	"sync"
	"time"

	"github.com/martindale/mono-sub000/internal/settlement"
	"github.com/martindale/mono-sub000/pkg/logging"
)

// Coordinator event types.
const (
	EventSwapUpdated = "swap.updated"
	EventSwapError   = "swap.error"
	EventSwapExpired = "swap.expired"
)

// SwapEvent is delivered to event handlers. Swap is a snapshot taken when the
// event was emitted.
type SwapEvent struct {
	SwapID    string
	EventType string
	Swap      *Swap
	Err       error
	Timestamp time.Time
}

// EventHandler is called when swap events occur.
type EventHandler func(event SwapEvent)

// activeSwap is a tracked swap. mu serializes protocol steps and merges for
// this swap only.
type activeSwap struct {
	mu         sync.Mutex
	swap       *Swap
	updatedAt  time.Time
	quarantine error
	refunded   bool
}

// id returns the id of the tracked swap.
func (a *activeSwap) id() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.swap.ID()
}

// Coordinator tracks the swaps this peer is party to and drives whatever
// step this peer owes on each of them.
type Coordinator struct {
	mu sync.RWMutex

	self      string
	swaps     *SwapStore
	secrets   *SecretStore
	adapters  *Registry
	transport Transport
	timeouts  map[string]time.Duration

	rebroadcastInterval time.Duration
	expiryInterval      time.Duration

	// Tracked swaps (swap id -> activeSwap)
	active map[string]*activeSwap

	// Resolved when the counterparty's payment is observed (swap id)
	paid *settlement.Waiters[string, struct{}]

	eventHandlers []EventHandler
	unsubscribe   []func()

	metrics *Metrics
	log     *logging.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// CoordinatorConfig holds configuration for the Coordinator.
type CoordinatorConfig struct {
	// Self is this peer's party identity.
	Self      string
	Store     Store
	Adapters  *Registry
	Transport Transport

	// Timeouts bounds, per network, how long a swap may sit at one status
	// before it is expired and locked funds are reclaimed.
	Timeouts map[string]time.Duration

	RebroadcastInterval time.Duration
	ExpiryInterval      time.Duration

	Metrics *Metrics
}

// Default background intervals.
const (
	DefaultRebroadcastInterval = 30 * time.Second
	DefaultExpiryInterval      = time.Minute
)

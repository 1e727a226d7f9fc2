package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/martindale/mono-sub000/internal/settlement"
)

// memStore is an in-memory Store.
type memStore struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]map[string][]byte)}
}

func (m *memStore) Get(ns, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[ns][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
	}
	return append([]byte(nil), v...), nil
}

func (m *memStore) Put(ns, key string, value []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[ns] == nil {
		m.data[ns] = make(map[string][]byte)
	}
	prev := m.data[ns][key]
	m.data[ns][key] = append([]byte(nil), value...)
	return prev, nil
}

func (m *memStore) Del(ns, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.data[ns][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, ns, key)
	}
	delete(m.data[ns], key)
	return prev, nil
}

func (m *memStore) Keys(ns string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data[ns]))
	for k := range m.data[ns] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// mockAdapter succeeds on every call unless a failure is queued.
type mockAdapter struct {
	network string
	emitter *settlement.Emitter[InvoiceEvent]

	mu      sync.Mutex
	calls   map[string]int
	fail    map[string]error
	refunds []string
	cancels []string
	settled map[string]string
	gates   map[string]chan struct{}
}

func newMockAdapter(network string) *mockAdapter {
	return &mockAdapter{
		network: network,
		emitter: settlement.NewEmitter(func(e InvoiceEvent) string {
			return string(e.Type) + "/" + e.InvoiceID
		}),
		calls:   make(map[string]int),
		fail:    make(map[string]error),
		settled: make(map[string]string),
		gates:   make(map[string]chan struct{}),
	}
}

// hold makes op block until the returned channel is closed or the caller's
// context ends.
func (m *mockAdapter) hold(op string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.gates[op] = ch
	return ch
}

func (m *mockAdapter) pass(ctx context.Context, op string) error {
	m.mu.Lock()
	ch := m.gates[op]
	m.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *mockAdapter) failNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

func (m *mockAdapter) record(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err, ok := m.fail[op]; ok {
		delete(m.fail, op)
		return err
	}
	return nil
}

func (m *mockAdapter) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *mockAdapter) Network() string { return m.network }
func (m *mockAdapter) Connect(ctx context.Context) error { return m.record("connect") }
func (m *mockAdapter) Disconnect() error { return m.record("disconnect") }
func (m *mockAdapter) Subscribe(h func(InvoiceEvent)) func() { return m.emitter.Subscribe(h) }

func invoiceID(network string, p *Party) string {
	return fmt.Sprintf("%s:%s:%s", network, p.Swap().ID()[:8], p.ID)
}

func (m *mockAdapter) CreateInvoice(ctx context.Context, p *Party) (*Invoice, error) {
	if err := m.record("create"); err != nil {
		return nil, err
	}
	inv := &Invoice{
		ID:         invoiceID(m.network, p),
		Request:    "req-" + p.ID,
		Quantity:   p.Quantity,
		SecretHash: p.Swap().SecretHash(),
	}
	m.emitter.Emit(InvoiceEvent{Type: EventInvoiceCreated, Network: m.network, SwapID: p.Swap().ID(), InvoiceID: inv.ID})
	return inv, nil
}

func (m *mockAdapter) PayInvoice(ctx context.Context, p *Party) (*Payment, error) {
	if err := m.record("pay"); err != nil {
		return nil, err
	}
	if err := m.pass(ctx, "pay"); err != nil {
		return nil, err
	}
	inv := p.Invoice()
	if inv.Quantity != p.Quantity || inv.SecretHash != p.Swap().SecretHash() {
		return nil, errors.New("invoice does not match")
	}
	return &Payment{ID: "pay-" + inv.ID, Invoice: inv.ID}, nil
}

func (m *mockAdapter) SettleInvoice(ctx context.Context, p *Party, secret string) (*Receipt, error) {
	if err := m.record("settle"); err != nil {
		return nil, err
	}
	if err := VerifySecret(secret, p.Swap().SecretHash()); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.settled[p.Invoice().ID] = secret
	m.mu.Unlock()
	return &Receipt{ID: "settle-" + p.Invoice().ID, Invoice: p.Invoice().ID}, nil
}

func (m *mockAdapter) RefundPayment(ctx context.Context, p *Party) error {
	if err := m.record("refund"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, p.Payment().ID)
	return nil
}

func (m *mockAdapter) CancelInvoice(ctx context.Context, p *Party) error {
	if err := m.record("cancel"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, p.Invoice().ID)
	return nil
}

// recordingTransport keeps every snapshot it is asked to send.
type recordingTransport struct {
	mu   sync.Mutex
	sent []*Swap
	fail error
}

func (t *recordingTransport) Send(ctx context.Context, s *Swap) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		return t.fail
	}
	t.sent = append(t.sent, s.Clone())
	return nil
}

func (t *recordingTransport) setFail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = err
}

func (t *recordingTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// pipeTransport delivers JSON snapshots to a peer coordinator asynchronously,
// in order.
type pipeTransport struct {
	ch   chan []byte
	peer *Coordinator
}

func newPipe() *pipeTransport {
	return &pipeTransport{ch: make(chan []byte, 64)}
}

func (p *pipeTransport) Send(ctx context.Context, s *Swap) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	select {
	case p.ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) run(ctx context.Context, t *testing.T) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data := <-p.ch:
				s, err := ParseSnapshot(data)
				if err != nil {
					t.Errorf("ParseSnapshot() error = %v", err)
					continue
				}
				_, _ = p.peer.Receive(ctx, s)
			}
		}
	}()
}

func testOrders() (Order, Order) {
	maker := Order{
		UID:           "alice",
		ID:            "order-maker",
		Side:          SideAsk,
		BaseAsset:     "BTC",
		BaseNetwork:   "lightning",
		BaseQuantity:  10000,
		QuoteAsset:    "ETH",
		QuoteNetwork:  "ethereum",
		QuoteQuantity: 100000,
	}
	taker := maker
	taker.UID = "bob"
	taker.ID = "order-taker"
	taker.Side = SideBid
	return maker, taker
}

func newTestSwap(t *testing.T) *Swap {
	t.Helper()
	maker, taker := testOrders()
	s, err := New(maker, taker)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

type testEnv struct {
	holder, seeker *Env
	lightning      *mockAdapter
	ethereum       *mockAdapter
	transport      *recordingTransport
}

func newTestEnv() *testEnv {
	ln := newMockAdapter("lightning")
	eth := newMockAdapter("ethereum")
	reg := NewRegistry(ln, eth)
	tr := &recordingTransport{}
	return &testEnv{
		holder:    &Env{Self: "alice", Adapters: reg, Secrets: NewSecretStore(newMemStore()), Transport: tr},
		seeker:    &Env{Self: "bob", Adapters: reg, Secrets: NewSecretStore(newMemStore()), Transport: tr},
		lightning: ln,
		ethereum:  eth,
		transport: tr,
	}
}

// driveTo advances s, alternating sides, until it reaches target.
func driveTo(t *testing.T, s *Swap, env *testEnv, target Status) {
	t.Helper()
	ctx := context.Background()
	for s.Status() < target {
		before := s.Status()
		for _, e := range []*Env{env.holder, env.seeker} {
			if _, err := s.Advance(ctx, e); err != nil {
				t.Fatalf("Advance(%s) at %s error = %v", e.Self, s.Status(), err)
			}
			if s.Status() >= target {
				return
			}
		}
		if s.Status() == before {
			t.Fatalf("no progress at %s", before)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

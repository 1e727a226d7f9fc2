package node

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/martindale/mono-sub000/internal/swap"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, data []byte, _ ...pubsub.PubOpt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, data)
	return nil
}

func (p *fakePublisher) last(t *testing.T) []byte {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		t.Fatal("nothing published")
	}
	return p.messages[len(p.messages)-1]
}

func newTestSwap(t *testing.T, maker, taker string) *swap.Swap {
	t.Helper()
	makerOrder := swap.Order{
		UID:           maker,
		ID:            "order-maker",
		Side:          swap.SideAsk,
		BaseAsset:     "BTC",
		BaseNetwork:   "lightning",
		BaseQuantity:  10000,
		QuoteAsset:    "ETH",
		QuoteNetwork:  "ethereum",
		QuoteQuantity: 100000,
	}
	takerOrder := makerOrder
	takerOrder.UID = taker
	takerOrder.ID = "order-taker"
	takerOrder.Side = swap.SideBid

	s, err := swap.New(makerOrder, takerOrder)
	if err != nil {
		t.Fatalf("swap.New() error = %v", err)
	}
	return s
}

func decodeMessage(t *testing.T, data []byte) SnapshotMessage {
	t.Helper()
	var msg SnapshotMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return msg
}

func TestTransportSealed(t *testing.T) {
	alice, bob, carol := newTestSealer(t), newTestSealer(t), newTestSealer(t)
	s := newTestSwap(t, alice.Self().String(), bob.Self().String())

	pub := &fakePublisher{}
	sender := NewTransport(alice.Self().String(), alice, pub)
	defer sender.Close()
	if err := sender.Send(context.Background(), s); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	data := pub.last(t)

	msg := decodeMessage(t, data)
	if msg.Envelope == nil {
		t.Fatal("snapshot for a peer ID counterparty was not sealed")
	}
	if len(msg.Snapshot) != 0 {
		t.Error("sealed message also carries a plaintext snapshot")
	}
	if msg.SwapID != s.ID() {
		t.Errorf("SwapID = %s, want %s", msg.SwapID, s.ID())
	}

	receiver := NewTransport(bob.Self().String(), bob, pub)
	defer receiver.Close()
	got, err := receiver.Decode(alice.Self(), data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got == nil || !got.Equal(s) {
		t.Errorf("Decode() = %v, want %v", got, s)
	}

	// Another peer on the topic cannot read it.
	other := NewTransport(carol.Self().String(), carol, pub)
	defer other.Close()
	got, err = other.Decode(alice.Self(), data)
	if err != nil || got != nil {
		t.Errorf("Decode() by third party = %v, %v, want nil, nil", got, err)
	}

	// The envelope must come from the peer that published it.
	if _, err := receiver.Decode(carol.Self(), data); err == nil {
		t.Error("Decode() with forged sender error = nil, want error")
	}
}

func TestTransportPlaintext(t *testing.T) {
	alice := newTestSealer(t)
	s := newTestSwap(t, "alice", "bob")

	pub := &fakePublisher{}
	sender := NewTransport("alice", alice, pub)
	defer sender.Close()
	if err := sender.Send(context.Background(), s); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	data := pub.last(t)

	msg := decodeMessage(t, data)
	if msg.Envelope != nil {
		t.Error("snapshot for a non peer ID counterparty was sealed")
	}
	if msg.FromPeer != "alice" {
		t.Errorf("FromPeer = %s, want alice", msg.FromPeer)
	}

	tests := []struct {
		name  string
		party string
		want  bool
	}{
		{"counterparty", "bob", true},
		{"sender", "alice", true},
		{"bystander", "carol", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTransport(tt.party, nil, pub)
			defer tr.Close()
			got, err := tr.Decode("", data)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if (got != nil) != tt.want {
				t.Errorf("Decode() = %v, want swap %v", got, tt.want)
			}
		})
	}
}

func TestTransportSendNotInvolved(t *testing.T) {
	s := newTestSwap(t, "alice", "bob")
	pub := &fakePublisher{}
	tr := NewTransport("carol", nil, pub)
	defer tr.Close()

	if err := tr.Send(context.Background(), s); err == nil {
		t.Error("Send() error = nil, want error")
	}
	if len(pub.messages) != 0 {
		t.Errorf("published %d messages, want 0", len(pub.messages))
	}
}

func TestTransportDecodeRejects(t *testing.T) {
	s := newTestSwap(t, "alice", "bob")
	snapshot, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("failed to encode snapshot: %v", err)
	}

	encode := func(msg SnapshotMessage) []byte {
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("failed to encode message: %v", err)
		}
		return data
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"malformed", []byte("{not json")},
		{"empty", encode(SnapshotMessage{SwapID: s.ID()})},
		{"wrong swap id", encode(SnapshotMessage{SwapID: "other", Snapshot: snapshot})},
		{"bad snapshot", encode(SnapshotMessage{SwapID: s.ID(), Snapshot: json.RawMessage(`{"@type":"nope"}`)})},
	}

	tr := NewTransport("bob", nil, &fakePublisher{})
	defer tr.Close()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tr.Decode("", tt.data); err == nil {
				t.Error("Decode() error = nil, want error")
			}
		})
	}
}

func TestTransportHandle(t *testing.T) {
	s := newTestSwap(t, "alice", "bob")
	pub := &fakePublisher{}
	sender := NewTransport("alice", nil, pub)
	defer sender.Close()
	if err := sender.Send(context.Background(), s); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	receiver := NewTransport("bob", nil, pub)

	// No handler yet.
	receiver.handle("", pub.last(t))

	got := make(chan *swap.Swap, 4)
	receiver.OnSnapshot(func(_ context.Context, s *swap.Swap) error {
		got <- s
		return nil
	})
	receiver.handle("", pub.last(t))
	receiver.handle("", []byte("garbage"))
	receiver.Close()

	if len(got) != 1 {
		t.Fatalf("handler called %d times, want 1", len(got))
	}
	if s2 := <-got; s2.ID() != s.ID() {
		t.Errorf("handled swap = %s, want %s", s2.ID(), s.ID())
	}
}

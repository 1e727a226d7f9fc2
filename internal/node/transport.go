package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/pkg/logging"
)

// Publisher publishes raw messages on a topic. *pubsub.Topic implements it.
type Publisher interface {
	Publish(ctx context.Context, data []byte, opts ...pubsub.PubOpt) error
}

// SnapshotMessage is the gossip message carrying one swap snapshot. When
// the counterparty is addressable by peer ID the snapshot travels sealed in
// Envelope; otherwise it is carried in Snapshot.
type SnapshotMessage struct {
	MessageID string             `json:"message_id"`
	SwapID    string             `json:"swap_id"`
	FromPeer  string             `json:"from_peer"`
	Snapshot  json.RawMessage    `json:"snapshot,omitempty"`
	Envelope  *EncryptedEnvelope `json:"envelope,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// SnapshotHandler receives snapshots addressed to this party.
type SnapshotHandler func(ctx context.Context, s *swap.Swap) error

var _ swap.Transport = (*Transport)(nil)

// Transport publishes swap snapshots on the swap topic and hands received
// snapshots that involve this party to a handler.
type Transport struct {
	self   string
	sealer *Sealer
	topic  Publisher
	log    *logging.Logger

	mu      sync.RWMutex
	handler SnapshotHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport creates a transport for party self. A nil sealer sends every
// snapshot in the clear.
func NewTransport(self string, sealer *Sealer, topic Publisher) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		self:   self,
		sealer: sealer,
		topic:  topic,
		log:    logging.GetDefault().Component("transport"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnSnapshot sets the handler of received snapshots.
func (t *Transport) OnSnapshot(h SnapshotHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send publishes a snapshot of s for the counterparty.
func (t *Transport) Send(ctx context.Context, s *swap.Swap) error {
	data, err := t.Encode(s)
	if err != nil {
		return err
	}
	if err := t.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	t.log.Debug("Sent snapshot", "swap_id", s.ID(), "status", s.Status())
	return nil
}

// Encode builds the gossip message for s.
func (t *Transport) Encode(s *swap.Swap) ([]byte, error) {
	cp, err := s.Counterparty(t.self)
	if err != nil {
		return nil, err
	}
	snapshot, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	msg := &SnapshotMessage{
		MessageID: uuid.New().String(),
		SwapID:    s.ID(),
		FromPeer:  t.self,
		Timestamp: time.Now().Unix(),
	}
	recipient, perr := peer.Decode(cp.ID)
	if t.sealer != nil && perr == nil {
		env, err := t.sealer.Seal(recipient, snapshot)
		if err != nil {
			return nil, err
		}
		msg.Envelope = env
	} else {
		msg.Snapshot = snapshot
	}
	return json.Marshal(msg)
}

// Decode extracts the snapshot from a gossip message. It returns nil
// without error for messages that are not for this party. from is the
// authenticated publisher, checked against the envelope sender when set.
func (t *Transport) Decode(from peer.ID, data []byte) (*swap.Swap, error) {
	var msg SnapshotMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed snapshot message: %w", err)
	}

	snapshot := []byte(msg.Snapshot)
	if msg.Envelope != nil {
		if t.sealer == nil || !t.sealer.IsForUs(msg.Envelope) {
			return nil, nil
		}
		if from != "" && msg.Envelope.SenderPeerID != from.String() {
			return nil, fmt.Errorf("envelope sender %s was published by %s", msg.Envelope.SenderPeerID, from)
		}
		plaintext, err := t.sealer.Open(msg.Envelope)
		if err != nil {
			return nil, err
		}
		snapshot = plaintext
	}
	if len(snapshot) == 0 {
		return nil, errors.New("snapshot message carries no snapshot")
	}

	s, err := swap.ParseSnapshot(snapshot)
	if err != nil {
		return nil, err
	}
	if s.ID() != msg.SwapID {
		return nil, fmt.Errorf("message for swap %s carries swap %s", msg.SwapID, s.ID())
	}
	if !s.Involves(t.self) {
		return nil, nil
	}
	return s, nil
}

// Listen processes messages from sub until Close.
func (t *Transport) Listen(sub *pubsub.Subscription, local peer.ID) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			msg, err := sub.Next(t.ctx)
			if err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.log.Warn("Error receiving snapshot", "error", err)
				continue
			}
			if msg.ReceivedFrom == local {
				continue
			}
			t.handle(msg.GetFrom(), msg.Data)
		}
	}()
}

func (t *Transport) handle(from peer.ID, data []byte) {
	s, err := t.Decode(from, data)
	if err != nil {
		t.log.Debug("Dropped snapshot message", "from", shortID(from), "error", err)
		return
	}
	if s == nil {
		return
	}

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return
	}

	t.log.Debug("Received snapshot", "swap_id", s.ID(), "status", s.Status(), "from", shortID(from))

	// Handling may drive the swap and wait on settlement.
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := h(t.ctx, s); err != nil {
			t.log.Warn("Error handling snapshot", "swap_id", s.ID(), "error", err)
		}
	}()
}

// Close stops listening.
func (t *Transport) Close() {
	t.cancel()
	t.wg.Wait()
}

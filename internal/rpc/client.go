package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/pkg/logging"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("peer transport closed")

// Default peer transport settings.
const (
	DefaultPeerTimeout = 2 * time.Minute
	peerQueueSize      = 64
)

var _ swap.Transport = (*PeerTransport)(nil)

// PeerTransport sends swap snapshots to the counterparty's API with
// PATCH /api/v1/swap. Deliveries are queued and made in order by one worker,
// so Send never waits on the counterparty; lost snapshots are recovered by
// the coordinator's rebroadcast.
type PeerTransport struct {
	http  *resty.Client
	queue chan delivery
	log   *logging.Logger

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type delivery struct {
	swapID string
	body   []byte
}

// NewPeerTransport creates a transport delivering to the API at baseURL.
func NewPeerTransport(baseURL string, timeout time.Duration) *PeerTransport {
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &PeerTransport{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				return err != nil || r.StatusCode() >= http.StatusInternalServerError && r.StatusCode() != http.StatusBadGateway
			}),
		queue:  make(chan delivery, peerQueueSize),
		log:    logging.GetDefault().Component("rpc").With("peer_api", baseURL),
		ctx:    ctx,
		cancel: cancel,
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Send queues a snapshot of s for delivery.
func (t *PeerTransport) Send(ctx context.Context, s *swap.Swap) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrTransportClosed
	}
	select {
	case t.queue <- delivery{swapID: s.ID(), body: body}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("peer transport queue full, dropping snapshot for swap %s", s.ID())
	}
}

func (t *PeerTransport) run() {
	defer t.wg.Done()
	for d := range t.queue {
		if err := t.Deliver(t.ctx, d.swapID, d.body); err != nil {
			t.log.Warn("Failed to deliver snapshot", "swap_id", d.swapID, "error", err)
		}
	}
}

// Deliver PATCHes one encoded snapshot and waits for the answer. A conflict
// means the peer already holds this state or has stopped processing the
// swap; neither is retried.
func (t *PeerTransport) Deliver(ctx context.Context, swapID string, body []byte) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(body).
		SetError(&ErrorResponse{}).
		Patch("/api/v1/swap")
	if err != nil {
		return fmt.Errorf("failed to send snapshot: %w", err)
	}

	switch {
	case resp.IsSuccess():
		t.log.Debug("Delivered snapshot", "swap_id", swapID)
		return nil
	case resp.StatusCode() == http.StatusConflict:
		t.log.Debug("Peer did not apply snapshot", "swap_id", swapID, "reason", errorMessage(resp))
		return nil
	default:
		return fmt.Errorf("peer rejected snapshot for swap %s: %s (%d)", swapID, errorMessage(resp), resp.StatusCode())
	}
}

// Close stops accepting snapshots and waits for queued ones to be
// delivered or abandoned.
func (t *PeerTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.queue)
	t.mu.Unlock()

	t.cancel()
	t.wg.Wait()
}

func errorMessage(resp *resty.Response) string {
	if e, ok := resp.Error().(*ErrorResponse); ok && e.Message != "" {
		return e.Message
	}
	return resp.Status()
}

package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/martindale/mono-sub000/internal/swap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPeerTransportSend(t *testing.T) {
	swaps := newFakeSwaps("bob")
	srv := newTestServer(t, swaps, ServerConfig{})

	tr := NewPeerTransport(srv.URL, time.Second)
	defer tr.Close()

	s := newTestSwap(t, "alice", "bob")
	if err := tr.Send(context.Background(), s); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitFor(t, func() bool { return swaps.receivedCount() == 1 })

	got, err := swaps.Get(s.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Equal(s) {
		t.Errorf("delivered swap = %v, want %v", got, s)
	}
}

func TestPeerTransportDeliver(t *testing.T) {
	swaps := newFakeSwaps("bob")
	srv := newTestServer(t, swaps, ServerConfig{})

	tr := NewPeerTransport(srv.URL, time.Second)
	defer tr.Close()

	s := newTestSwap(t, "alice", "bob")
	body, err := s.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %v", err)
	}

	tests := []struct {
		name    string
		err     error
		wantErr string
	}{
		{"accepted", nil, ""},
		{"stale", fmt.Errorf("%w: stale", swap.ErrInvalidTransition), ""},
		{"quarantined", swap.ErrQuarantined, ""},
		{"not a party", fmt.Errorf("%w: carol", swap.ErrNotParty), "carol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			swaps.setErr(tt.err)
			err := tr.Deliver(context.Background(), s.ID(), body)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Deliver() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Deliver() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestPeerTransportClosed(t *testing.T) {
	tr := NewPeerTransport("http://127.0.0.1:1", time.Second)
	tr.Close()
	tr.Close()

	err := tr.Send(context.Background(), newTestSwap(t, "alice", "bob"))
	if !errors.Is(err, ErrTransportClosed) {
		t.Errorf("Send() error = %v, want %v", err, ErrTransportClosed)
	}
}

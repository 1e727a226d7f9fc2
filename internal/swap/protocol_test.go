package swap

import (
	"context"
	"errors"
	"testing"
)

func TestObligations(t *testing.T) {
	tests := []struct {
		status Status
		holder Step
		seeker Step
	}{
		{StatusReceived, StepOpen, StepNone},
		{StatusCreated, StepCreateInvoice, StepNone},
		{StatusHolderInvoiceCreated, StepSendInvoice, StepNone},
		{StatusHolderInvoiceSent, StepNone, StepCreateInvoice},
		{StatusSeekerInvoiceCreated, StepNone, StepSendInvoice},
		{StatusSeekerInvoiceSent, StepPayInvoice, StepNone},
		{StatusHolderInvoicePaid, StepNone, StepPayInvoice},
		{StatusSeekerInvoicePaid, StepSettleInvoice, StepNone},
		{StatusHolderInvoiceSettled, StepNone, StepSettleInvoice},
		{StatusSeekerInvoiceSettled, StepNone, StepNone},
	}

	s := newTestSwap(t)
	for _, tt := range tests {
		s.status = tt.status
		if got := s.Obligation("alice"); got != tt.holder {
			t.Errorf("%s: holder obligation = %s, want %s", tt.status, got, tt.holder)
		}
		if got := s.Obligation("bob"); got != tt.seeker {
			t.Errorf("%s: seeker obligation = %s, want %s", tt.status, got, tt.seeker)
		}
		if got := s.Obligation("carol"); got != StepNone {
			t.Errorf("%s: stranger obligation = %s", tt.status, got)
		}
	}
}

func TestFullProtocol(t *testing.T) {
	env := newTestEnv()
	s := newTestSwap(t)

	driveTo(t, s, env, StatusSeekerInvoiceSettled)

	if !s.IsTerminal() {
		t.Fatalf("status = %s, want terminal", s.Status())
	}
	for _, p := range []*Party{s.SecretHolder(), s.SecretSeeker()} {
		if !p.Complete() {
			t.Errorf("%s: invoice=%v payment=%v receipt=%v", p.Role(), p.Invoice(), p.Payment(), p.Receipt())
		}
	}

	// The holder invoiced the seeker on the seeker's network, and the other
	// way around.
	if env.ethereum.count("create") != 1 || env.lightning.count("create") != 1 {
		t.Errorf("create calls: ethereum=%d lightning=%d", env.ethereum.count("create"), env.lightning.count("create"))
	}
	if s.SecretSeeker().Invoice().ID != invoiceID("ethereum", s.SecretSeeker()) {
		t.Errorf("seeker invoice = %s", s.SecretSeeker().Invoice().ID)
	}
	if env.transport.count() != 2 {
		t.Errorf("snapshots sent = %d, want 2", env.transport.count())
	}

	// The settle step reveals the secret that hashes to secretHash.
	rec, err := env.holder.Secrets.Get(s.SecretHash())
	if err != nil {
		t.Fatalf("holder secret missing: %v", err)
	}
	if rec.SwapID != s.ID() {
		t.Errorf("secret swapId = %s", rec.SwapID)
	}
	if got := s.SecretSeeker().Receipt().Secret; got != rec.Secret {
		t.Errorf("seeker receipt secret = %s, want %s", got, rec.Secret)
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	env := newTestEnv()
	s := newTestSwap(t)
	driveTo(t, s, env, StatusHolderInvoiceCreated)

	env.transport.setFail(errors.New("peer unreachable"))
	err := s.SendInvoice(context.Background(), env.holder)
	if !errors.Is(err, ErrAdapter) {
		t.Fatalf("SendInvoice() error = %v, want ErrAdapter", err)
	}
	if s.Status() != StatusHolderInvoiceCreated {
		t.Fatalf("status = %s, want holder.invoice.created", s.Status())
	}

	env.transport.setFail(nil)
	if err := s.SendInvoice(context.Background(), env.holder); err != nil {
		t.Fatalf("retried SendInvoice() error = %v", err)
	}
	if s.Status() != StatusHolderInvoiceSent {
		t.Errorf("status = %s, want holder.invoice.sent", s.Status())
	}
	if sent := env.transport.sent; len(sent) != 1 || sent[0].Status() != StatusHolderInvoiceSent {
		t.Errorf("sent snapshots = %v", sent)
	}
}

func TestAdapterFailureKeepsStatus(t *testing.T) {
	env := newTestEnv()
	s := newTestSwap(t)
	driveTo(t, s, env, StatusSeekerInvoiceSent)

	env.lightning.failNext("pay", errors.New("no route"))
	_, err := s.Advance(context.Background(), env.holder)
	var aerr *AdapterError
	if !errors.As(err, &aerr) || aerr.Network != "lightning" || aerr.Op != "payInvoice" {
		t.Fatalf("Advance() error = %v, want lightning payInvoice AdapterError", err)
	}
	if s.Status() != StatusSeekerInvoiceSent || s.SecretHolder().Payment() != nil {
		t.Error("failed payment changed the swap")
	}

	if _, err := s.Advance(context.Background(), env.holder); err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if s.Status() != StatusHolderInvoicePaid {
		t.Errorf("status = %s, want holder.invoice.paid", s.Status())
	}
}

func TestStepOutOfTurn(t *testing.T) {
	env := newTestEnv()
	s := newTestSwap(t)

	if err := s.Open(env.seeker); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("seeker Open() error = %v, want ErrInvalidTransition", err)
	}
	if err := s.PayInvoice(context.Background(), env.holder); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("early PayInvoice() error = %v, want ErrInvalidTransition", err)
	}
	step, err := s.Advance(context.Background(), env.seeker)
	if err != nil || step != StepNone {
		t.Errorf("seeker Advance() = %s, %v", step, err)
	}
	if s.Status() != StatusReceived {
		t.Errorf("status = %s, want received", s.Status())
	}
}

func TestSeekerNeedsRevealedSecret(t *testing.T) {
	env := newTestEnv()
	s := newTestSwap(t)
	driveTo(t, s, env, StatusHolderInvoiceSettled)

	// Strip the revealed secret: the seeker has nothing to settle with.
	r := *s.SecretSeeker().receipt
	r.Secret = ""
	s.SecretSeeker().receipt = &r

	_, err := s.Advance(context.Background(), env.seeker)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Advance() error = %v, want ErrNotFound", err)
	}

	// A secret recorded from an adapter event is enough.
	holderRec, _ := env.holder.Secrets.Get(s.SecretHash())
	if err := env.seeker.Secrets.Put(s.SecretHash(), *holderRec); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Advance(context.Background(), env.seeker); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if !s.IsTerminal() {
		t.Errorf("status = %s, want terminal", s.Status())
	}
}

func TestHolderRefusesForeignSecretHash(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		op     string
	}{
		{"create invoice", StatusCreated, "create"},
		{"pay invoice", StatusSeekerInvoiceSent, "pay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			s := newTestSwap(t)
			driveTo(t, s, env, tt.status)

			// The same swap, with the hash picked by the seeker.
			forged := newTestSwap(t)
			_, hash, _ := NewSecret()
			if err := forged.SetSecretHash(hash); err != nil {
				t.Fatal(err)
			}
			if tt.status > StatusCreated {
				remote := s.Clone()
				remote.secretHash = hash
				forged = remote
			}

			calls := env.lightning.count(tt.op) + env.ethereum.count(tt.op)
			_, err := forged.Advance(context.Background(), env.holder)
			if !errors.Is(err, ErrSecretHashMismatch) {
				t.Fatalf("Advance() error = %v, want ErrSecretHashMismatch", err)
			}
			if !IsFatal(err) {
				t.Error("foreign secret hash is not fatal")
			}
			if got := env.lightning.count(tt.op) + env.ethereum.count(tt.op); got != calls {
				t.Errorf("got = %d, want %d", got, calls)
			}
			if forged.Status() != tt.status {
				t.Errorf("got = %v, want %v", forged.Status(), tt.status)
			}
		})
	}
}

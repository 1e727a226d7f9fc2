package swap

import (
	"context"
	"errors"
	"fmt"
)

// Step is a protocol action owed by one side of a swap.
type Step int

const (
	StepNone Step = iota
	StepOpen
	StepCreateInvoice
	StepSendInvoice
	StepPayInvoice
	StepSettleInvoice
)

func (s Step) String() string {
	switch s {
	case StepOpen:
		return "open"
	case StepCreateInvoice:
		return "createInvoice"
	case StepSendInvoice:
		return "sendInvoice"
	case StepPayInvoice:
		return "payInvoice"
	case StepSettleInvoice:
		return "settleInvoice"
	default:
		return "none"
	}
}

type obligation struct {
	holder bool
	step   Step
}

// obligations lists, for each status, the side that advances it.
var obligations = map[Status]obligation{
	StatusReceived:             {holder: true, step: StepOpen},
	StatusCreated:              {holder: true, step: StepCreateInvoice},
	StatusHolderInvoiceCreated: {holder: true, step: StepSendInvoice},
	StatusHolderInvoiceSent:    {holder: false, step: StepCreateInvoice},
	StatusSeekerInvoiceCreated: {holder: false, step: StepSendInvoice},
	StatusSeekerInvoiceSent:    {holder: true, step: StepPayInvoice},
	StatusHolderInvoicePaid:    {holder: false, step: StepPayInvoice},
	StatusSeekerInvoicePaid:    {holder: true, step: StepSettleInvoice},
	StatusHolderInvoiceSettled: {holder: false, step: StepSettleInvoice},
}

// Obligation returns the step self owes at the current status, or StepNone
// if the counterparty is the one to act.
func (s *Swap) Obligation(self string) Step {
	ob, ok := obligations[s.status]
	if !ok {
		return StepNone
	}
	p, err := s.Party(self)
	if err != nil || p.IsSecretHolder() != ob.holder {
		return StepNone
	}
	return ob.step
}

// Transport delivers a swap snapshot to the counterparty.
type Transport interface {
	Send(ctx context.Context, s *Swap) error
}

// Env is what protocol steps need from the running peer.
type Env struct {
	Self      string
	Adapters  *Registry
	Secrets   *SecretStore
	Transport Transport
}

// Advance performs the step env.Self owes at the current status. It returns
// StepNone without doing anything if nothing is owed.
func (s *Swap) Advance(ctx context.Context, env *Env) (Step, error) {
	step := s.Obligation(env.Self)
	var err error
	switch step {
	case StepNone:
		return StepNone, nil
	case StepOpen:
		err = s.Open(env)
	case StepCreateInvoice:
		err = s.CreateInvoice(ctx, env)
	case StepSendInvoice:
		err = s.SendInvoice(ctx, env)
	case StepPayInvoice:
		err = s.PayInvoice(ctx, env)
	case StepSettleInvoice:
		err = s.SettleInvoice(ctx, env)
	}
	return step, err
}

func (s *Swap) expect(env *Env, step Step) (self, counterparty *Party, err error) {
	if got := s.Obligation(env.Self); got != step {
		return nil, nil, fmt.Errorf("%w: %s cannot %s swap %s at %s", ErrInvalidTransition, env.Self, step, s.id, s.status)
	}
	self, _ = s.Party(env.Self)
	counterparty, _ = s.Counterparty(env.Self)
	return self, counterparty, nil
}

// Open generates the swap secret, stores it and sets the secret hash.
func (s *Swap) Open(env *Env) error {
	if _, _, err := s.expect(env, StepOpen); err != nil {
		return err
	}
	secret, hash, err := NewSecret()
	if err != nil {
		return err
	}
	if err := env.Secrets.Put(hash, SecretRecord{Secret: secret, SwapID: s.id}); err != nil {
		return err
	}
	return s.SetSecretHash(hash)
}

// CreateInvoice issues an invoice on the counterparty's network for the
// counterparty's quantity, locked to the secret hash.
func (s *Swap) CreateInvoice(ctx context.Context, env *Env) error {
	self, cp, err := s.expect(env, StepCreateInvoice)
	if err != nil {
		return err
	}
	if err := s.VerifyOwnSecret(self, env.Secrets); err != nil {
		return err
	}
	if cp.invoice != nil {
		return fmt.Errorf("%w: %s invoice already set", ErrConflict, cp.Role())
	}
	next, _ := s.status.Next()

	a, err := env.Adapters.Get(cp.Network)
	if err != nil {
		return err
	}
	inv, err := a.CreateInvoice(ctx, cp)
	if err != nil {
		return adapterErr(cp.Network, "createInvoice", err)
	}
	if err := cp.SetInvoice(inv); err != nil {
		return err
	}
	return s.advance(next)
}

// SendInvoice transmits the snapshot to the counterparty. The status is
// advanced before sending so the snapshot carries it, and restored if the
// send fails.
func (s *Swap) SendInvoice(ctx context.Context, env *Env) error {
	if _, _, err := s.expect(env, StepSendInvoice); err != nil {
		return err
	}
	prev := s.status
	next, _ := s.status.Next()
	if err := s.advance(next); err != nil {
		return err
	}
	if err := env.Transport.Send(ctx, s); err != nil {
		s.rollback(prev)
		return adapterErr("transport", "send", err)
	}
	return nil
}

// PayInvoice pays the invoice the counterparty issued to self.
func (s *Swap) PayInvoice(ctx context.Context, env *Env) error {
	self, _, err := s.expect(env, StepPayInvoice)
	if err != nil {
		return err
	}
	if err := s.VerifyOwnSecret(self, env.Secrets); err != nil {
		return err
	}
	if self.invoice == nil {
		return fmt.Errorf("%w: no %s invoice to pay", ErrValidation, self.Role())
	}
	if self.payment != nil {
		return fmt.Errorf("%w: %s payment already set", ErrConflict, self.Role())
	}
	next, _ := s.status.Next()

	a, err := env.Adapters.Get(self.Network)
	if err != nil {
		return err
	}
	pay, err := a.PayInvoice(ctx, self)
	if err != nil {
		return adapterErr(self.Network, "payInvoice", err)
	}
	if err := self.SetPayment(pay); err != nil {
		return err
	}
	return s.advance(next)
}

// SettleInvoice reveals the secret on the invoice self issued to the
// counterparty, claiming the funds the counterparty locked.
func (s *Swap) SettleInvoice(ctx context.Context, env *Env) error {
	self, cp, err := s.expect(env, StepSettleInvoice)
	if err != nil {
		return err
	}
	if cp.receipt != nil {
		return fmt.Errorf("%w: %s receipt already set", ErrConflict, cp.Role())
	}
	secret, err := s.resolveSecret(self, env.Secrets)
	if err != nil {
		return err
	}
	next, _ := s.status.Next()

	a, err := env.Adapters.Get(cp.Network)
	if err != nil {
		return err
	}
	rcpt, err := a.SettleInvoice(ctx, cp, secret)
	if err != nil {
		return adapterErr(cp.Network, "settleInvoice", err)
	}
	if rcpt != nil && rcpt.Secret == "" {
		r := *rcpt
		r.Secret = secret
		rcpt = &r
	}
	if err := cp.SetReceipt(rcpt); err != nil {
		return err
	}
	return s.advance(next)
}

// VerifyOwnSecret fails with ErrSecretHashMismatch if self is the secret
// holder and does not hold the secret behind the swap's secret hash. A swap
// without a secret hash passes.
func (s *Swap) VerifyOwnSecret(self *Party, secrets *SecretStore) error {
	if !self.IsSecretHolder() || s.secretHash == "" {
		return nil
	}
	if secrets == nil {
		return fmt.Errorf("%w: no secret store to check swap %s", ErrSecretHashMismatch, s.id)
	}
	rec, err := secrets.Get(s.secretHash)
	switch {
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: swap %s uses a secret hash this holder did not generate", ErrSecretHashMismatch, s.id)
	case err != nil:
		return err
	}
	return VerifySecret(rec.Secret, s.secretHash)
}

// resolveSecret finds the swap secret: from the secret store, or, for the
// seeker, from the holder's settlement of the seeker's payment.
func (s *Swap) resolveSecret(self *Party, secrets *SecretStore) (string, error) {
	if secrets != nil {
		rec, err := secrets.Get(s.secretHash)
		switch {
		case err == nil:
			return rec.Secret, VerifySecret(rec.Secret, s.secretHash)
		case !errors.Is(err, ErrNotFound):
			return "", err
		}
	}
	if self.receipt != nil && self.receipt.Secret != "" {
		if err := VerifySecret(self.receipt.Secret, s.secretHash); err != nil {
			return "", err
		}
		return self.receipt.Secret, nil
	}
	return "", fmt.Errorf("%w: secret for swap %s", ErrNotFound, s.id)
}

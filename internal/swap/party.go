package swap

import (
	"encoding/json"
	"fmt"
)

// Invoice is an opaque handle to a hash-locked invoice. Request and Payee
// carry whatever presentment data the payer's network needs.
type Invoice struct {
	ID         string `json:"id"`
	Request    string `json:"request,omitempty"`
	Payee      string `json:"payee,omitempty"`
	Quantity   uint64 `json:"quantity"`
	SecretHash string `json:"secretHash,omitempty"`
}

// Payment records funds locked toward an invoice.
type Payment struct {
	ID      string `json:"id"`
	Invoice string `json:"invoice"`
}

// Receipt records the settlement of a paid invoice. Secret is the preimage
// revealed by settling, which is public on the network at that point.
type Receipt struct {
	ID      string `json:"id"`
	Invoice string `json:"invoice"`
	Secret  string `json:"secret,omitempty"`
}

// Party is one side's stake in a swap. Identity fields are fixed at
// construction; invoice, payment and receipt can each be set once.
//
// For a party X: Invoice is the invoice on X's network that X must pay
// (issued by the counterparty), Payment is X's payment of it, and Receipt is
// the counterparty's settlement of that payment.
type Party struct {
	ID       string
	OrderID  string
	Asset    string
	Network  string
	Quantity uint64

	invoice *Invoice
	payment *Payment
	receipt *Receipt

	swap *Swap
}

// Swap returns the swap that owns this record.
func (p *Party) Swap() *Swap { return p.swap }

// IsSecretHolder reports whether p occupies the holder slot of its swap.
func (p *Party) IsSecretHolder() bool {
	return p.swap != nil && p.swap.holder == p
}

// IsSecretSeeker reports whether p occupies the seeker slot of its swap.
func (p *Party) IsSecretSeeker() bool {
	return p.swap != nil && p.swap.seeker == p
}

// Role returns "secretHolder" or "secretSeeker".
func (p *Party) Role() string {
	switch {
	case p.IsSecretHolder():
		return "secretHolder"
	case p.IsSecretSeeker():
		return "secretSeeker"
	default:
		return ""
	}
}

func (p *Party) Invoice() *Invoice { return p.invoice }
func (p *Party) Payment() *Payment { return p.payment }
func (p *Party) Receipt() *Receipt { return p.receipt }

// Complete reports whether every outcome field has been recorded.
func (p *Party) Complete() bool {
	return p.invoice != nil && p.payment != nil && p.receipt != nil
}

// SetInvoice records the invoice. It fails with ErrConflict if one is
// already recorded.
func (p *Party) SetInvoice(inv *Invoice) error {
	if inv == nil || inv.ID == "" {
		return fmt.Errorf("%w: %s invoice is empty", ErrValidation, p.Role())
	}
	if p.invoice != nil {
		return fmt.Errorf("%w: %s invoice already set", ErrConflict, p.Role())
	}
	v := *inv
	p.invoice = &v
	return nil
}

// SetPayment records the payment. It fails with ErrConflict if one is
// already recorded.
func (p *Party) SetPayment(pay *Payment) error {
	if pay == nil || pay.ID == "" {
		return fmt.Errorf("%w: %s payment is empty", ErrValidation, p.Role())
	}
	if p.payment != nil {
		return fmt.Errorf("%w: %s payment already set", ErrConflict, p.Role())
	}
	v := *pay
	p.payment = &v
	return nil
}

// SetReceipt records the receipt. It fails with ErrConflict if one is
// already recorded.
func (p *Party) SetReceipt(rcpt *Receipt) error {
	if rcpt == nil || rcpt.ID == "" {
		return fmt.Errorf("%w: %s receipt is empty", ErrValidation, p.Role())
	}
	if p.receipt != nil {
		return fmt.Errorf("%w: %s receipt already set", ErrConflict, p.Role())
	}
	v := *rcpt
	p.receipt = &v
	return nil
}

func (p *Party) sameIdentity(o *Party) bool {
	return p.ID == o.ID &&
		p.OrderID == o.OrderID &&
		p.Asset == o.Asset &&
		p.Network == o.Network &&
		p.Quantity == o.Quantity
}

// Merge fills unset outcome fields from remote. A remote value that differs
// from an already recorded one is a conflict. Nothing is changed on error.
func (p *Party) Merge(remote *Party) error {
	if remote == nil {
		return fmt.Errorf("%w: missing %s", ErrValidation, p.Role())
	}
	if !p.sameIdentity(remote) {
		return fmt.Errorf("%w: %s identity differs", ErrIdentityMismatch, p.Role())
	}

	inv, err := fillOnce(p.invoice, remote.invoice, p.Role()+" invoice")
	if err != nil {
		return err
	}
	pay, err := fillOnce(p.payment, remote.payment, p.Role()+" payment")
	if err != nil {
		return err
	}
	rcpt, err := fillOnce(p.receipt, remote.receipt, p.Role()+" receipt")
	if err != nil {
		return err
	}

	p.invoice, p.payment, p.receipt = inv, pay, rcpt
	return nil
}

func fillOnce[T comparable](local, remote *T, what string) (*T, error) {
	switch {
	case remote == nil:
		return local, nil
	case local == nil:
		v := *remote
		return &v, nil
	case *local == *remote:
		return local, nil
	default:
		return nil, fmt.Errorf("%w: %s already set", ErrConflict, what)
	}
}

func (p *Party) clone(owner *Swap) *Party {
	c := &Party{
		ID:       p.ID,
		OrderID:  p.OrderID,
		Asset:    p.Asset,
		Network:  p.Network,
		Quantity: p.Quantity,
		swap:     owner,
	}
	if p.invoice != nil {
		v := *p.invoice
		c.invoice = &v
	}
	if p.payment != nil {
		v := *p.payment
		c.payment = &v
	}
	if p.receipt != nil {
		v := *p.receipt
		c.receipt = &v
	}
	return c
}

func (p *Party) equal(o *Party) bool {
	return p.sameIdentity(o) &&
		ptrEqual(p.invoice, o.invoice) &&
		ptrEqual(p.payment, o.payment) &&
		ptrEqual(p.receipt, o.receipt)
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type partyJSON struct {
	ID       string   `json:"id"`
	OrderID  string   `json:"oid"`
	Asset    string   `json:"asset"`
	Network  string   `json:"blockchain"`
	Quantity uint64   `json:"quantity"`
	Invoice  *Invoice `json:"invoice"`
	Payment  *Payment `json:"payment"`
	Receipt  *Receipt `json:"receipt"`
}

func (p *Party) MarshalJSON() ([]byte, error) {
	return json.Marshal(partyJSON{
		ID:       p.ID,
		OrderID:  p.OrderID,
		Asset:    p.Asset,
		Network:  p.Network,
		Quantity: p.Quantity,
		Invoice:  p.invoice,
		Payment:  p.payment,
		Receipt:  p.receipt,
	})
}

func (p *Party) UnmarshalJSON(data []byte) error {
	var w partyJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.ID = w.ID
	p.OrderID = w.OrderID
	p.Asset = w.Asset
	p.Network = w.Network
	p.Quantity = w.Quantity
	p.invoice = w.Invoice
	p.payment = w.Payment
	p.receipt = w.Receipt
	return nil
}

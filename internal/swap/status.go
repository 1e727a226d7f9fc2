package swap

import (
	"encoding/json"
	"fmt"
)

// Status is a position in the swap protocol. Statuses are totally ordered and
// a swap may only move forward.
type Status int

const (
	StatusReceived Status = iota
	StatusCreated
	StatusHolderInvoiceCreated
	StatusHolderInvoiceSent
	StatusSeekerInvoiceCreated
	StatusSeekerInvoiceSent
	StatusHolderInvoicePaid
	StatusSeekerInvoicePaid
	StatusHolderInvoiceSettled
	StatusSeekerInvoiceSettled
)

var statusNames = [...]string{
	StatusReceived:             "received",
	StatusCreated:              "created",
	StatusHolderInvoiceCreated: "holder.invoice.created",
	StatusHolderInvoiceSent:    "holder.invoice.sent",
	StatusSeekerInvoiceCreated: "seeker.invoice.created",
	StatusSeekerInvoiceSent:    "seeker.invoice.sent",
	StatusHolderInvoicePaid:    "holder.invoice.paid",
	StatusSeekerInvoicePaid:    "seeker.invoice.paid",
	StatusHolderInvoiceSettled: "holder.invoice.settled",
	StatusSeekerInvoiceSettled: "seeker.invoice.settled",
}

// Statuses returns every status in protocol order.
func Statuses() []Status {
	out := make([]Status, len(statusNames))
	for i := range statusNames {
		out[i] = Status(i)
	}
	return out
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s >= StatusReceived && s <= StatusSeekerInvoiceSettled
}

// Terminal reports whether the protocol is complete.
func (s Status) Terminal() bool {
	return s == StatusSeekerInvoiceSettled
}

// Next returns the status that follows s.
func (s Status) Next() (Status, bool) {
	if !s.Valid() || s.Terminal() {
		return s, false
	}
	return s + 1, true
}

// ParseStatus parses the wire name of a status.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return StatusReceived, fmt.Errorf("%w: unknown status %q", ErrValidation, name)
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: invalid status %d", ErrValidation, int(s))
	}
	return json.Marshal(statusNames[s])
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

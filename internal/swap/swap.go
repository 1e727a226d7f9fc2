// Package swap implements the hash-locked atomic swap protocol: the swap
// entity and its state machine, party records with write-once outcomes,
// reconciliation of snapshots from the counterparty, and the coordinator
// that drives whichever side this peer represents.
package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SnapshotType is the "@type" tag of a serialized swap.
const SnapshotType = "Swap"

// Swap pairs two party records around a shared secret hash. The maker of the
// matched orders is the secret holder, the taker the secret seeker.
type Swap struct {
	id         string
	status     Status
	secretHash string
	holder     *Party
	seeker     *Party
}

// DeriveID returns the swap id for a matched order pair. Both peers compute
// it independently from the same match.
func DeriveID(makerOrderID, takerOrderID string) string {
	h := sha256.New()
	h.Write([]byte(makerOrderID))
	h.Write([]byte(takerOrderID))
	return hex.EncodeToString(h.Sum(nil))
}

// New creates a swap in the received status from a matched order pair.
func New(maker, taker Order) (*Swap, error) {
	if err := validateMatch(maker, taker); err != nil {
		return nil, err
	}

	s := &Swap{
		id:     DeriveID(maker.ID, taker.ID),
		status: StatusReceived,
	}
	s.holder = maker.party()
	s.holder.swap = s
	s.seeker = taker.party()
	s.seeker.swap = s
	return s, nil
}

func (s *Swap) ID() string { return s.id }
func (s *Swap) Status() Status { return s.status }
func (s *Swap) SecretHash() string { return s.secretHash }
func (s *Swap) SecretHolder() *Party { return s.holder }
func (s *Swap) SecretSeeker() *Party { return s.seeker }
func (s *Swap) IsTerminal() bool { return s.status.Terminal() }
func (s *Swap) Involves(id string) bool {
	return s.holder.ID == id || s.seeker.ID == id
}

// Party returns the record owned by self.
func (s *Swap) Party(self string) (*Party, error) {
	switch self {
	case s.holder.ID:
		return s.holder, nil
	case s.seeker.ID:
		return s.seeker, nil
	}
	return nil, fmt.Errorf("%w: %s in swap %s", ErrNotParty, self, s.id)
}

// Counterparty returns the record not owned by self.
func (s *Swap) Counterparty(self string) (*Party, error) {
	switch self {
	case s.holder.ID:
		return s.seeker, nil
	case s.seeker.ID:
		return s.holder, nil
	}
	return nil, fmt.Errorf("%w: %s in swap %s", ErrNotParty, self, s.id)
}

// SetSecretHash records the hash of the swap secret and moves the swap out
// of received. It can only be done once.
func (s *Swap) SetSecretHash(hash string) error {
	if s.secretHash != "" {
		return fmt.Errorf("%w: secret hash already set for swap %s", ErrConflict, s.id)
	}
	if err := validateSecretHash(hash); err != nil {
		return err
	}
	if err := s.advance(StatusCreated); err != nil {
		return err
	}
	s.secretHash = hash
	return nil
}

// advance moves the swap to next, which must be strictly ahead.
func (s *Swap) advance(next Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %d", ErrInvalidTransition, int(next))
	}
	if next <= s.status {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
	}
	s.status = next
	return nil
}

// rollback undoes a send step whose transmission failed.
func (s *Swap) rollback(prev Status) {
	s.status = prev
}

// Clone returns a deep copy.
func (s *Swap) Clone() *Swap {
	c := &Swap{id: s.id, status: s.status, secretHash: s.secretHash}
	c.holder = s.holder.clone(c)
	c.seeker = s.seeker.clone(c)
	return c
}

// Equal reports whether two swaps hold the same state.
func (s *Swap) Equal(o *Swap) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.id == o.id &&
		s.status == o.status &&
		s.secretHash == o.secretHash &&
		s.holder.equal(o.holder) &&
		s.seeker.equal(o.seeker)
}

// Validate checks a swap decoded from a snapshot.
func (s *Swap) Validate() error {
	switch {
	case s.holder == nil || s.seeker == nil:
		return fmt.Errorf("%w: swap %s is missing a party", ErrValidation, s.id)
	case s.holder.ID == "" || s.seeker.ID == "":
		return fmt.Errorf("%w: swap %s has an anonymous party", ErrValidation, s.id)
	case s.holder.ID == s.seeker.ID:
		return fmt.Errorf("%w: swap %s has the same party on both sides", ErrValidation, s.id)
	case s.id != DeriveID(s.holder.OrderID, s.seeker.OrderID):
		return fmt.Errorf("%w: swap id %s does not match its orders", ErrValidation, s.id)
	case !s.status.Valid():
		return fmt.Errorf("%w: swap %s has invalid status", ErrValidation, s.id)
	}
	if s.status == StatusReceived {
		if s.secretHash != "" {
			return fmt.Errorf("%w: received swap %s already has a secret hash", ErrValidation, s.id)
		}
		return nil
	}
	return validateSecretHash(s.secretHash)
}

func validateSecretHash(hash string) error {
	b, err := hex.DecodeString(hash)
	if err != nil || len(b) != sha256.Size {
		return fmt.Errorf("%w: secret hash must be %d hex-encoded bytes", ErrValidation, sha256.Size)
	}
	return nil
}

type swapJSON struct {
	Type         string `json:"@type"`
	ID           string `json:"id"`
	Status       Status `json:"status"`
	SecretHash   string `json:"secretHash"`
	SecretHolder *Party `json:"secretHolder"`
	SecretSeeker *Party `json:"secretSeeker"`
}

// MarshalJSON encodes the swap snapshot exchanged between peers.
func (s *Swap) MarshalJSON() ([]byte, error) {
	return json.Marshal(swapJSON{
		Type:         SnapshotType,
		ID:           s.id,
		Status:       s.status,
		SecretHash:   s.secretHash,
		SecretHolder: s.holder,
		SecretSeeker: s.seeker,
	})
}

// UnmarshalJSON decodes a swap snapshot and rebinds both parties to it.
func (s *Swap) UnmarshalJSON(data []byte) error {
	var w swapJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type != SnapshotType {
		return fmt.Errorf("%w: unexpected snapshot type %q", ErrValidation, w.Type)
	}
	if w.SecretHolder == nil || w.SecretSeeker == nil {
		return fmt.Errorf("%w: snapshot %s is missing a party", ErrValidation, w.ID)
	}
	s.id = w.ID
	s.status = w.Status
	s.secretHash = w.SecretHash
	s.holder = w.SecretHolder
	s.holder.swap = s
	s.seeker = w.SecretSeeker
	s.seeker.swap = s
	return nil
}

// ParseSnapshot decodes and validates a swap snapshot.
func ParseSnapshot(data []byte) (*Swap, error) {
	s := new(Swap)
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

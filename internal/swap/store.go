package swap

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Store namespaces.
const (
	NamespaceSwaps      = "swaps"
	NamespaceSecrets    = "secrets"
	NamespaceQuarantine = "quarantine"
)

// Store is a namespaced key/value store. Get and Del return an error
// wrapping ErrNotFound for missing keys; Put returns the previous value, or
// nil if there was none.
type Store interface {
	Get(namespace, key string) ([]byte, error)
	Put(namespace, key string, value []byte) ([]byte, error)
	Del(namespace, key string) ([]byte, error)
}

// Lister is implemented by stores that can enumerate a namespace.
type Lister interface {
	Keys(namespace string) ([]string, error)
}

// SwapStore persists swap snapshots in the "swaps" namespace.
type SwapStore struct {
	store Store
}

// NewSwapStore wraps a namespaced store.
func NewSwapStore(store Store) *SwapStore {
	return &SwapStore{store: store}
}

// Save writes the current snapshot of s.
func (s *SwapStore) Save(sw *Swap) error {
	data, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("failed to encode swap %s: %w", sw.ID(), err)
	}
	if _, err := s.store.Put(NamespaceSwaps, sw.ID(), data); err != nil {
		return fmt.Errorf("failed to save swap %s: %w", sw.ID(), err)
	}
	return nil
}

// Load reads a swap by id.
func (s *SwapStore) Load(id string) (*Swap, error) {
	data, err := s.store.Get(NamespaceSwaps, id)
	if err != nil {
		return nil, err
	}
	return ParseSnapshot(data)
}

// LoadAll reads every persisted swap. It returns nothing if the underlying
// store cannot enumerate keys.
func (s *SwapStore) LoadAll() ([]*Swap, error) {
	lister, ok := s.store.(Lister)
	if !ok {
		return nil, nil
	}
	ids, err := lister.Keys(NamespaceSwaps)
	if err != nil {
		return nil, fmt.Errorf("failed to list swaps: %w", err)
	}
	swaps := make([]*Swap, 0, len(ids))
	for _, id := range ids {
		sw, err := s.Load(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load swap %s: %w", id, err)
		}
		swaps = append(swaps, sw)
	}
	return swaps, nil
}

// QuarantineRecord is kept, keyed by swap id, for every quarantined swap so
// the quarantine survives a restart.
type QuarantineRecord struct {
	Kind     string    `json:"kind"`
	Reason   string    `json:"reason"`
	Refunded bool      `json:"refunded,omitempty"`
	At       time.Time `json:"at"`
}

// quarantineKinds maps record kinds back to the errors they were built from.
var quarantineKinds = map[string]error{
	"expired":              ErrExpired,
	"validation":           ErrValidation,
	"conflict":             ErrConflict,
	"invalid_transition":   ErrInvalidTransition,
	"identity_mismatch":    ErrIdentityMismatch,
	"secret_hash_mismatch": ErrSecretHashMismatch,
	"adapter":              ErrAdapter,
	"not_found":            ErrNotFound,
}

// NewQuarantineRecord describes reason as a record.
func NewQuarantineRecord(reason error, at time.Time) *QuarantineRecord {
	kind := errorKind(reason)
	if errors.Is(reason, ErrExpired) {
		kind = "expired"
	}
	return &QuarantineRecord{Kind: kind, Reason: reason.Error(), At: at}
}

// Err rebuilds the quarantine reason. It matches the original error's kind
// under errors.Is and always matches ErrQuarantined.
func (r *QuarantineRecord) Err() error {
	return &quarantineError{kind: quarantineKinds[r.Kind], reason: r.Reason}
}

type quarantineError struct {
	kind   error
	reason string
}

func (e *quarantineError) Error() string { return e.reason }

func (e *quarantineError) Unwrap() []error {
	if e.kind == nil {
		return []error{ErrQuarantined}
	}
	return []error{e.kind, ErrQuarantined}
}

// SaveQuarantine writes the quarantine record of a swap.
func (s *SwapStore) SaveQuarantine(id string, rec *QuarantineRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode quarantine of swap %s: %w", id, err)
	}
	if _, err := s.store.Put(NamespaceQuarantine, id, data); err != nil {
		return fmt.Errorf("failed to save quarantine of swap %s: %w", id, err)
	}
	return nil
}

// LoadQuarantine reads the quarantine record of a swap, or ErrNotFound.
func (s *SwapStore) LoadQuarantine(id string) (*QuarantineRecord, error) {
	data, err := s.store.Get(NamespaceQuarantine, id)
	if err != nil {
		return nil, err
	}
	var rec QuarantineRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode quarantine of swap %s: %w", id, err)
	}
	return &rec, nil
}

package swap

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lntypes"
)

// SecretRecord is what the secret holder persists, keyed by secret hash.
type SecretRecord struct {
	Secret string `json:"secret"`
	SwapID string `json:"swapId"`
}

// NewSecret generates a random 32-byte secret and returns it with its
// sha256 hash, both hex encoded.
func NewSecret() (secret, hash string, err error) {
	var preimage lntypes.Preimage
	if _, err := rand.Read(preimage[:]); err != nil {
		return "", "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return preimage.String(), preimage.Hash().String(), nil
}

// HashSecret returns the hex sha256 hash of a hex encoded secret.
func HashSecret(secret string) (string, error) {
	preimage, err := lntypes.MakePreimageFromStr(secret)
	if err != nil {
		return "", fmt.Errorf("%w: malformed secret: %v", ErrValidation, err)
	}
	return preimage.Hash().String(), nil
}

// VerifySecret checks that secret hashes to hash.
func VerifySecret(secret, hash string) error {
	got, err := HashSecret(secret)
	if err != nil {
		return err
	}
	if got != hash {
		return fmt.Errorf("%w: secret does not match hash %s", ErrSecretHashMismatch, hash)
	}
	return nil
}

// SecretStore keeps secret records in the "secrets" namespace.
type SecretStore struct {
	store Store
}

// NewSecretStore wraps a namespaced store.
func NewSecretStore(store Store) *SecretStore {
	return &SecretStore{store: store}
}

// Put stores a secret record. An existing record for the same hash is never
// replaced; storing an identical record again is a no-op.
func (s *SecretStore) Put(hash string, rec SecretRecord) error {
	if err := VerifySecret(rec.Secret, hash); err != nil {
		return err
	}
	existing, err := s.Get(hash)
	switch {
	case err == nil:
		if *existing == rec {
			return nil
		}
		return fmt.Errorf("%w: secret for hash %s already stored", ErrConflict, hash)
	case !errors.Is(err, ErrNotFound):
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode secret: %w", err)
	}
	if _, err := s.store.Put(NamespaceSecrets, hash, data); err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	return nil
}

// Get returns the record for hash, or ErrNotFound.
func (s *SecretStore) Get(hash string) (*SecretRecord, error) {
	data, err := s.store.Get(NamespaceSecrets, hash)
	if err != nil {
		return nil, err
	}
	var rec SecretRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode secret %s: %w", hash, err)
	}
	return &rec, nil
}

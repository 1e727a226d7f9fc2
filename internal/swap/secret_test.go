package swap

import (
	"errors"
	"testing"
)

func TestNewSecret(t *testing.T) {
	secret, hash, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret() error = %v", err)
	}
	if len(secret) != 64 || len(hash) != 64 {
		t.Fatalf("secret/hash lengths = %d/%d, want 64/64", len(secret), len(hash))
	}
	if err := VerifySecret(secret, hash); err != nil {
		t.Errorf("VerifySecret() error = %v", err)
	}

	other, _, _ := NewSecret()
	if other == secret {
		t.Error("NewSecret() repeated a secret")
	}
	if err := VerifySecret(other, hash); !errors.Is(err, ErrSecretHashMismatch) {
		t.Errorf("VerifySecret(other) error = %v, want ErrSecretHashMismatch", err)
	}
	if _, err := HashSecret("not hex"); !errors.Is(err, ErrValidation) {
		t.Errorf("HashSecret(not hex) error = %v", err)
	}
}

func TestSecretStoreWriteOnce(t *testing.T) {
	store := NewSecretStore(newMemStore())
	secret, hash, _ := NewSecret()
	rec := SecretRecord{Secret: secret, SwapID: "swap-1"}

	if _, err := store.Get(hash); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() before Put error = %v, want ErrNotFound", err)
	}
	if err := store.Put(hash, rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := store.Put(hash, rec); err != nil {
		t.Errorf("identical Put() error = %v", err)
	}
	if err := store.Put(hash, SecretRecord{Secret: secret, SwapID: "swap-2"}); !errors.Is(err, ErrConflict) {
		t.Errorf("conflicting Put() error = %v, want ErrConflict", err)
	}

	got, err := store.Get(hash)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if *got != rec {
		t.Errorf("Get() = %+v, want %+v", got, rec)
	}

	_, otherHash, _ := NewSecret()
	if err := store.Put(otherHash, rec); !errors.Is(err, ErrSecretHashMismatch) {
		t.Errorf("Put() under wrong hash error = %v", err)
	}
}

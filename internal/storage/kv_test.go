package storage

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/martindale/mono-sub000/internal/swap"
)

var _ swap.Store = (*Storage)(nil)
var _ swap.Lister = (*Storage)(nil)

func TestKVPutGetDel(t *testing.T) {
	store := newTestStorage(t, nil)

	if _, err := store.Get("swaps", "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	prev, err := store.Put("swaps", "a", []byte("one"))
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if prev != nil {
		t.Errorf("Put() prev = %q, want nil", prev)
	}

	prev, err = store.Put("swaps", "a", []byte("two"))
	if err != nil {
		t.Fatalf("Put() overwrite error = %v", err)
	}
	if string(prev) != "one" {
		t.Errorf("Put() prev = %q, want one", prev)
	}

	got, err := store.Get("swaps", "a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "two" {
		t.Errorf("Get() = %q, want two", got)
	}

	// Namespaces are disjoint.
	if _, err := store.Get("secrets", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(secrets/a) error = %v, want ErrNotFound", err)
	}

	prev, err = store.Del("swaps", "a")
	if err != nil {
		t.Fatalf("Del() error = %v", err)
	}
	if string(prev) != "two" {
		t.Errorf("Del() prev = %q, want two", prev)
	}
	if _, err := store.Del("swaps", "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Del(missing) error = %v, want ErrNotFound", err)
	}
	if !errors.Is(ErrNotFound, swap.ErrNotFound) {
		t.Error("storage.ErrNotFound should be swap.ErrNotFound")
	}
}

func TestKVKeys(t *testing.T) {
	store := newTestStorage(t, nil)

	for _, k := range []string{"c", "a", "b"} {
		if _, err := store.Put("swaps", k, []byte(k)); err != nil {
			t.Fatalf("Put(%s) error = %v", k, err)
		}
	}
	if _, err := store.Put("secrets", "z", []byte("z")); err != nil {
		t.Fatalf("Put(secrets/z) error = %v", err)
	}

	keys, err := store.Keys("swaps")
	if err != nil {
		t.Fatalf("Keys() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}

func TestKVSealed(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "hashswap-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := &Config{DataDir: tmpDir, Passphrase: "correct horse", SealedNamespaces: []string{"secrets"}}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	secret := []byte(`{"secret":"00ff"}`)
	if _, err := store.Put("secrets", "h", secret); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := store.Put("swaps", "s", []byte("plain")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get("secrets", "h")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, secret) {
		t.Errorf("Get() = %q, want %q", got, secret)
	}

	var raw []byte
	var sealed bool
	if err := store.DB().QueryRow(`SELECT value, sealed FROM kv WHERE namespace = 'secrets' AND key = 'h'`).Scan(&raw, &sealed); err != nil {
		t.Fatalf("raw query error = %v", err)
	}
	if !sealed || bytes.Contains(raw, []byte("00ff")) {
		t.Error("secret value stored in plaintext")
	}
	if err := store.DB().QueryRow(`SELECT value, sealed FROM kv WHERE namespace = 'swaps' AND key = 's'`).Scan(&raw, &sealed); err != nil {
		t.Fatalf("raw query error = %v", err)
	}
	if sealed || string(raw) != "plain" {
		t.Errorf("unsealed namespace raw = %q sealed = %v", raw, sealed)
	}
	store.Close()

	// Same passphrase reopens and decrypts.
	store, err = New(&Config{DataDir: tmpDir, Passphrase: "correct horse", SealedNamespaces: []string{"secrets"}})
	if err != nil {
		t.Fatalf("New() reopen error = %v", err)
	}
	if got, err := store.Get("secrets", "h"); err != nil || !bytes.Equal(got, secret) {
		t.Errorf("Get() after reopen = %q, %v", got, err)
	}
	store.Close()

	// No passphrase cannot read sealed values.
	store, err = New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() without passphrase error = %v", err)
	}
	if _, err := store.Get("secrets", "h"); !errors.Is(err, ErrSealed) {
		t.Errorf("Get() without passphrase error = %v, want ErrSealed", err)
	}
	store.Close()

	if _, err := New(&Config{DataDir: tmpDir, Passphrase: "wrong"}); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("New() wrong passphrase error = %v, want ErrWrongPassphrase", err)
	}
}

func TestSealerTamper(t *testing.T) {
	sealer, err := NewSealer("pw", bytes.Repeat([]byte{1}, 16))
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	sealed, err := sealer.Seal([]byte("hello"), []byte("secrets/a"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := sealer.Open(sealed, []byte("secrets/b")); err == nil {
		t.Error("Open() with different aad should fail")
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := sealer.Open(sealed, []byte("secrets/a")); err == nil {
		t.Error("Open() of tampered value should fail")
	}
	if _, err := NewSealer("", bytes.Repeat([]byte{1}, 16)); err == nil {
		t.Error("NewSealer() with empty passphrase should fail")
	}
}

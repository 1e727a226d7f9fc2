package node

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateEd25519Key() error = %v", err)
	}
	s, err := NewSealer(priv)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}
	return s
}

func TestSealOpen(t *testing.T) {
	alice := newTestSealer(t)
	bob := newTestSealer(t)
	plaintext := []byte(`{"id":"swap"}`)

	env, err := alice.Seal(bob.Self(), plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if env.SenderPeerID != alice.Self().String() {
		t.Errorf("SenderPeerID = %s, want %s", env.SenderPeerID, alice.Self())
	}
	if bytes.Contains(env.Ciphertext, plaintext) {
		t.Error("ciphertext contains plaintext")
	}
	if !bob.IsForUs(env) {
		t.Error("IsForUs() = false for recipient")
	}
	if alice.IsForUs(env) {
		t.Error("IsForUs() = true for sender")
	}

	got, err := bob.Open(env)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open() = %s, want %s", got, plaintext)
	}

	if _, err := alice.Open(env); !errors.Is(err, ErrNotForUs) {
		t.Errorf("Open() by sender error = %v, want %v", err, ErrNotForUs)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	alice := newTestSealer(t)
	bob := newTestSealer(t)

	tests := []struct {
		name   string
		tamper func(env *EncryptedEnvelope)
	}{
		{"ciphertext", func(env *EncryptedEnvelope) { env.Ciphertext[0] ^= 0xff }},
		{"nonce", func(env *EncryptedEnvelope) { env.Nonce[0] ^= 0xff }},
		{"short nonce", func(env *EncryptedEnvelope) { env.Nonce = env.Nonce[:12] }},
		{"short key", func(env *EncryptedEnvelope) { env.EphemeralPubKey = env.EphemeralPubKey[:16] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := alice.Seal(bob.Self(), []byte("snapshot"))
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			tt.tamper(env)
			if _, err := bob.Open(env); err == nil {
				t.Error("Open() error = nil, want error")
			}
		})
	}
}

func TestNewSealerRejectsNonEd25519(t *testing.T) {
	priv, _, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateSecp256k1Key() error = %v", err)
	}
	if _, err := NewSealer(priv); err == nil {
		t.Error("NewSealer() error = nil, want error")
	}
}

func TestSealRejectsNonEd25519Recipient(t *testing.T) {
	alice := newTestSealer(t)
	_, pub, err := crypto.GenerateSecp256k1Key(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateSecp256k1Key() error = %v", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		t.Fatalf("IDFromPublicKey() error = %v", err)
	}
	if _, err := alice.Seal(id, []byte("snapshot")); err == nil {
		t.Error("Seal() error = nil, want error")
	}
}

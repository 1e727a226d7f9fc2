package node

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// ErrNotForUs is returned when opening an envelope sealed to another peer.
var ErrNotForUs = errors.New("envelope not addressed to this peer")

// EncryptedEnvelope carries a snapshot sealed to one peer. Every subscriber
// of the topic receives it; only the recipient can open it.
type EncryptedEnvelope struct {
	RecipientPeerID string `json:"recipient"`
	SenderPeerID    string `json:"sender"`

	// EphemeralPubKey is the sender's one-time X25519 key.
	EphemeralPubKey []byte `json:"ephemeral_key"`
	Nonce           []byte `json:"nonce"`
	Ciphertext      []byte `json:"ciphertext"`
}

// Sealer seals and opens envelopes with the node's Ed25519 identity,
// converted to X25519.
type Sealer struct {
	self       peer.ID
	x25519Priv [32]byte
}

// NewSealer derives the X25519 key of an Ed25519 identity. It fails for
// other key types.
func NewSealer(privKey crypto.PrivKey) (*Sealer, error) {
	self, err := peer.IDFromPrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive peer ID: %w", err)
	}
	x25519Priv, err := ed25519PrivToX25519(privKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive X25519 key: %w", err)
	}

	// The derived private key must match the public key peers will use.
	derived, err := curve25519.X25519(x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	expected, err := peerIDToX25519Pub(self)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(derived, expected[:]) {
		return nil, errors.New("X25519 key does not match peer identity")
	}

	return &Sealer{self: self, x25519Priv: x25519Priv}, nil
}

// Self returns the peer the sealer opens envelopes for.
func (s *Sealer) Self() peer.ID { return s.self }

// Seal encrypts plaintext to recipient with a fresh ephemeral key.
func (s *Sealer) Seal(recipient peer.ID, plaintext []byte) (*EncryptedEnvelope, error) {
	recipientPub, err := peerIDToX25519Pub(recipient)
	if err != nil {
		return nil, fmt.Errorf("failed to get recipient public key: %w", err)
	}

	ephemeralPub, ephemeralPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedEnvelope{
		RecipientPeerID: recipient.String(),
		SenderPeerID:    s.self.String(),
		EphemeralPubKey: ephemeralPub[:],
		Nonce:           nonce[:],
		Ciphertext:      box.Seal(nil, plaintext, &nonce, &recipientPub, ephemeralPriv),
	}, nil
}

// IsForUs reports whether env is addressed to this peer.
func (s *Sealer) IsForUs(env *EncryptedEnvelope) bool {
	return env.RecipientPeerID == s.self.String()
}

// Open decrypts an envelope addressed to this peer.
func (s *Sealer) Open(env *EncryptedEnvelope) ([]byte, error) {
	if !s.IsForUs(env) {
		return nil, ErrNotForUs
	}
	if len(env.EphemeralPubKey) != 32 {
		return nil, fmt.Errorf("invalid ephemeral public key length")
	}
	if len(env.Nonce) != 24 {
		return nil, fmt.Errorf("invalid nonce length")
	}

	var ephemeralPub [32]byte
	copy(ephemeralPub[:], env.EphemeralPubKey)
	var nonce [24]byte
	copy(nonce[:], env.Nonce)

	plaintext, ok := box.Open(nil, env.Ciphertext, &nonce, &ephemeralPub, &s.x25519Priv)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}
	return plaintext, nil
}

// ed25519PrivToX25519 hashes the Ed25519 seed with SHA-512 and clamps the
// result.
func ed25519PrivToX25519(privKey crypto.PrivKey) ([32]byte, error) {
	var x25519Priv [32]byte
	if privKey.Type() != crypto.Ed25519 {
		return x25519Priv, fmt.Errorf("unsupported key type %s", privKey.Type())
	}

	raw, err := privKey.Raw()
	if err != nil {
		return x25519Priv, fmt.Errorf("failed to get raw private key: %w", err)
	}
	if len(raw) < 32 {
		return x25519Priv, fmt.Errorf("invalid private key length: %d", len(raw))
	}

	h := sha512.Sum512(raw[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64

	copy(x25519Priv[:], h[:32])
	return x25519Priv, nil
}

// peerIDToX25519Pub maps the Ed25519 key embedded in a peer ID to its
// Montgomery form.
func peerIDToX25519Pub(id peer.ID) ([32]byte, error) {
	var x25519Pub [32]byte

	pubKey, err := id.ExtractPublicKey()
	if err != nil {
		return x25519Pub, fmt.Errorf("failed to extract public key: %w", err)
	}
	if pubKey.Type() != crypto.Ed25519 {
		return x25519Pub, fmt.Errorf("unsupported key type %s", pubKey.Type())
	}
	raw, err := pubKey.Raw()
	if err != nil {
		return x25519Pub, fmt.Errorf("failed to get raw public key: %w", err)
	}

	edPoint, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return x25519Pub, fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	copy(x25519Pub[:], edPoint.BytesMontgomery())
	return x25519Pub, nil
}

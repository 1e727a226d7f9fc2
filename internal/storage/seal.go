package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2 parameters (OWASP recommended for password hashing)
const (
	argon2Time        = 3         // Number of iterations
	argon2Memory      = 64 * 1024 // 64 MB memory
	argon2Parallelism = 4         // Parallel threads
	argon2SaltLen     = 32
)

const (
	settingSealSalt  = "seal.salt"
	settingSealCheck = "seal.check"
	sealCheckValue   = "hashswap"
)

var (
	ErrWrongPassphrase = errors.New("wrong storage passphrase")
	ErrSealed          = errors.New("value is sealed and no passphrase is configured")
)

// Sealer encrypts values with XChaCha20-Poly1305 under a key derived from a
// passphrase with Argon2id.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}
	if len(salt) < 16 {
		return nil, errors.New("salt too short")
	}
	key := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Parallelism, chacha20poly1305.KeySize)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal encrypts plaintext bound to aad. The nonce is prepended.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a value produced by Seal with the same aad.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, errors.New("sealed value too short")
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plaintext, nil
}

// openSealer loads or creates the salt and checks the passphrase against the
// stored check value.
func (s *Storage) openSealer(passphrase string) (*Sealer, error) {
	saltHex, err := s.GetSetting(settingSealSalt)
	if errors.Is(err, ErrNotFound) {
		salt := make([]byte, argon2SaltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		saltHex = hex.EncodeToString(salt)
		if err := s.SetSetting(settingSealSalt, saltHex); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt seal salt: %w", err)
	}
	sealer, err := NewSealer(passphrase, salt)
	if err != nil {
		return nil, err
	}

	check, err := s.GetSetting(settingSealCheck)
	if errors.Is(err, ErrNotFound) {
		sealed, err := sealer.Seal([]byte(sealCheckValue), []byte(settingSealCheck))
		if err != nil {
			return nil, err
		}
		return sealer, s.SetSetting(settingSealCheck, hex.EncodeToString(sealed))
	} else if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(check)
	if err != nil {
		return nil, fmt.Errorf("corrupt seal check: %w", err)
	}
	if plain, err := sealer.Open(raw, []byte(settingSealCheck)); err != nil || string(plain) != sealCheckValue {
		return nil, ErrWrongPassphrase
	}
	return sealer, nil
}

// Package wallet derives settlement account keys from a BIP39 seed.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// BIP44 constants for account-chain keys.
const (
	PurposeBIP44 uint32 = 44
	CoinTypeEVM  uint32 = 60
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey

	mu    sync.Mutex
	cache map[keyPath]*hdkeychain.ExtendedKey
}

type keyPath struct {
	purpose, coinType, account, change, index uint32
}

func (p keyPath) String() string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.purpose, p.coinType, p.account, p.change, p.index)
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase))
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte) (*Wallet, error) {
	// Only the private key material is used, so the params never leak into
	// an address encoding.
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		cache:     make(map[keyPath]*hdkeychain.ExtendedKey),
	}, nil
}

// DeriveKey derives a key at the full BIP44 path: m/purpose'/coin'/account'/change/index
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	path := keyPath{purpose, coinType, account, change, index}

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	key := w.masterKey
	steps := []struct {
		name  string
		child uint32
	}{
		{"purpose", hdkeychain.HardenedKeyStart + purpose},
		{"coin", hdkeychain.HardenedKeyStart + coinType},
		{"account", hdkeychain.HardenedKeyStart + account},
		{"change", change},
		{"index", index},
	}
	for _, step := range steps {
		next, err := key.Derive(step.child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s of %s: %w", step.name, path, err)
		}
		key = next
	}

	w.cache[path] = key
	return key, nil
}

// DeriveEVMKey derives the signing key of an EVM account at
// m/44'/60'/account'/0/index.
func (w *Wallet) DeriveEVMKey(account, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := w.DeriveKey(PurposeBIP44, CoinTypeEVM, account, 0, index)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return privKey.ToECDSA(), nil
}

// DeriveEVMAddress derives the address of the EVM account at
// m/44'/60'/account'/0/index.
func (w *Wallet) DeriveEVMAddress(account, index uint32) (common.Address, error) {
	key, err := w.DeriveEVMKey(account, index)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// ClearCache clears the key cache.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[keyPath]*hdkeychain.ExtendedKey)
}

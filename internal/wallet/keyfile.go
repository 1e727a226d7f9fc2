package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeyFile locates the signing key of an EVM account.
type KeyFile struct {
	// Path holds either a hex-encoded secp256k1 private key or a BIP39
	// mnemonic.
	Path string

	// Passphrase is the optional BIP39 passphrase of a mnemonic.
	Passphrase string

	// Account and Index select m/44'/60'/account'/0/index when Path holds a
	// mnemonic.
	Account uint32
	Index   uint32
}

// LoadEVMKey reads the private key described by kf.
func LoadEVMKey(kf KeyFile) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(kf.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %s: %w", kf.Path, err)
	}
	content := strings.Join(strings.Fields(string(data)), " ")

	if ValidateMnemonic(content) {
		w, err := NewFromMnemonic(content, kf.Passphrase)
		if err != nil {
			return nil, err
		}
		return w.DeriveEVMKey(kf.Account, kf.Index)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(content, "0x"))
	if err != nil {
		// Never echo the file contents.
		return nil, fmt.Errorf("key file %s holds neither a hex private key nor a valid mnemonic", kf.Path)
	}
	return key, nil
}

// Package helpers provides small conversions shared by the settlement
// adapters.
package helpers

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// HexToBytes32 decodes a hex string of exactly 32 bytes.
func HexToBytes32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Uint64ToBig converts an amount in smallest units to a big.Int.
func Uint64ToBig(n uint64) *big.Int {
	return new(big.Int).SetUint64(n)
}

package helpers

import (
	"fmt"
	"math/big"
)

// FormatAmount formats an amount in smallest units as a decimal string.
// For example, FormatAmount(100000000, 8) returns "1".
func FormatAmount(amount uint64, decimals uint8) string {
	if decimals == 0 {
		return fmt.Sprintf("%d", amount)
	}

	amountBig := new(big.Int).SetUint64(amount)
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	whole := new(big.Int).Div(amountBig, divisor)
	frac := new(big.Int).Mod(amountBig, divisor)

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := fmt.Sprintf("%0*d", int(decimals), frac)
	// Trim trailing zeros
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}

	return fmt.Sprintf("%s.%s", whole.String(), fracStr)
}

// WeiToETH converts wei to ETH string (18 decimals).
func WeiToETH(wei uint64) string {
	return FormatAmount(wei, 18)
}

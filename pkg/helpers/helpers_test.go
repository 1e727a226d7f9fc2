package helpers

import (
	"strings"
	"testing"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{50000000, 8, "0.5"},
		{12345678, 8, "0.12345678"},
		{100000, 8, "0.001"},
		{1, 8, "0.00000001"},
		{0, 8, "0"},
		{1000000000000000000, 18, "1"},
		{500000000000000000, 18, "0.5"},
		{123, 0, "123"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestWeiToETH(t *testing.T) {
	if got := WeiToETH(1500000000000000000); got != "1.5" {
		t.Errorf("WeiToETH() = %s, want 1.5", got)
	}
	if got := WeiToETH(1); got != "0.000000000000000001" {
		t.Errorf("WeiToETH(1) = %s, want 0.000000000000000001", got)
	}
}

func TestHexToBytes32(t *testing.T) {
	full := strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", full, false},
		{"prefixed", "0x" + full, false},
		{"short", "0x" + strings.Repeat("ab", 31), true},
		{"long", full + "ab", true},
		{"not hex", strings.Repeat("zz", 32), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := HexToBytes32(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToBytes32() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (got[0] != 0xab || got[31] != 0xab) {
				t.Errorf("HexToBytes32() = %x, want all 0xab", got)
			}
		})
	}
}

func TestUint64ToBig(t *testing.T) {
	const n = ^uint64(0)
	if got := Uint64ToBig(n); got.Uint64() != n || got.Sign() != 1 {
		t.Errorf("Uint64ToBig(%d) = %s", n, got)
	}
}

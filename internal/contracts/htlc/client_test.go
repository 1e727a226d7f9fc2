package htlc

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestSwapState(t *testing.T) {
	tests := []struct {
		state    SwapState
		expected string
	}{
		{SwapStateEmpty, "empty"},
		{SwapStateActive, "active"},
		{SwapStateClaimed, "claimed"},
		{SwapStateRefunded, "refunded"},
		{SwapState(99), "unknown"},
	}

	for _, tc := range tests {
		if tc.state.String() != tc.expected {
			t.Errorf("SwapState(%d).String() = %s, want %s", tc.state, tc.state.String(), tc.expected)
		}
	}
}

func TestSwapHelpers(t *testing.T) {
	swap := &Swap{State: SwapStateActive, Amount: big.NewInt(990), DaoFee: big.NewInt(10)}
	if !swap.IsNativeToken() {
		t.Error("IsNativeToken should return true for zero address")
	}
	if !swap.IsActive() {
		t.Error("IsActive should return true for active state")
	}
	if got := swap.Gross(); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("Gross() = %s, want 1000", got)
	}

	swap.Token = common.HexToAddress("0x1234567890123456789012345678901234567890")
	swap.State = SwapStateClaimed
	if swap.IsNativeToken() {
		t.Error("IsNativeToken should return false for non-zero address")
	}
	if swap.IsActive() {
		t.Error("IsActive should return false for claimed state")
	}
	if got := (&Swap{}).Gross(); got.Sign() != 0 {
		t.Errorf("Gross() of empty swap = %s, want 0", got)
	}
}

func TestSlotID(t *testing.T) {
	hash := [32]byte{1, 2, 3}
	receiver := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	a := SlotID("swap-1", hash, receiver)
	if b := SlotID("swap-1", hash, receiver); a != b {
		t.Error("SlotID should be deterministic")
	}
	if b := SlotID("swap-2", hash, receiver); a == b {
		t.Error("SlotID should depend on the swap id")
	}
	if b := SlotID("swap-1", [32]byte{9}, receiver); a == b {
		t.Error("SlotID should depend on the secret hash")
	}
	if b := SlotID("swap-1", hash, common.HexToAddress("0xbb")); a == b {
		t.Error("SlotID should depend on the receiver")
	}
}

func TestParsedABI(t *testing.T) {
	parsed, err := ParsedABI()
	if err != nil {
		t.Fatalf("ParsedABI failed: %v", err)
	}
	for _, name := range []string{"getSwap", "createSwapNative", "claim", "refund"} {
		if _, ok := parsed.Methods[name]; !ok {
			t.Errorf("method %s missing from ABI", name)
		}
	}
	for _, name := range []string{"SwapCreated", "SwapClaimed", "SwapRefunded"} {
		if _, ok := parsed.Events[name]; !ok {
			t.Errorf("event %s missing from ABI", name)
		}
	}
	if !parsed.Methods["createSwapNative"].IsPayable() {
		t.Error("createSwapNative should be payable")
	}
}

func TestParseSwapClaimed(t *testing.T) {
	parsed, err := ParsedABI()
	if err != nil {
		t.Fatalf("ParsedABI failed: %v", err)
	}
	contractAddr := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	bound, err := bindHTLC(contractAddr, nil)
	if err != nil {
		t.Fatalf("bindHTLC failed: %v", err)
	}

	swapID := [32]byte{0xab}
	receiver := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	secret := [32]byte{0x42, 0x43}

	log := types.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			parsed.Events["SwapClaimed"].ID,
			common.Hash(swapID),
			common.BytesToHash(receiver.Bytes()),
		},
		Data:        secret[:],
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 7,
	}

	ev, err := bound.parseSwapClaimed(log)
	if err != nil {
		t.Fatalf("parseSwapClaimed failed: %v", err)
	}
	got := claimedEvent(ev)
	if got.SwapID != swapID {
		t.Errorf("SwapID = %x, want %x", got.SwapID, swapID)
	}
	if got.Receiver != receiver {
		t.Errorf("Receiver = %s, want %s", got.Receiver.Hex(), receiver.Hex())
	}
	if got.Secret != secret {
		t.Errorf("Secret = %x, want %x", got.Secret, secret)
	}
	if got.BlockNum != 7 {
		t.Errorf("BlockNum = %d, want 7", got.BlockNum)
	}
}

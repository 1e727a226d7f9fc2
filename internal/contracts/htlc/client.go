// Package htlc provides a Go client for the hash time-locked contract used
// to settle swaps on account-based chains.
package htlc

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// SwapState represents the state of an HTLC slot.
type SwapState uint8

const (
	SwapStateEmpty    SwapState = 0
	SwapStateActive   SwapState = 1
	SwapStateClaimed  SwapState = 2
	SwapStateRefunded SwapState = 3
)

func (s SwapState) String() string {
	switch s {
	case SwapStateEmpty:
		return "empty"
	case SwapStateActive:
		return "active"
	case SwapStateClaimed:
		return "claimed"
	case SwapStateRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// ErrTxFailed is returned when a mined transaction reverted.
var ErrTxFailed = errors.New("transaction reverted")

// Swap is an HTLC slot as stored on chain.
type Swap struct {
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address // zero for the native token
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	State      SwapState
}

// Gross returns the value the sender locked, fee included.
func (s *Swap) Gross() *big.Int {
	total := new(big.Int)
	if s.Amount != nil {
		total.Add(total, s.Amount)
	}
	if s.DaoFee != nil {
		total.Add(total, s.DaoFee)
	}
	return total
}

// IsNativeToken returns true if this swap uses the chain's native token.
func (s *Swap) IsNativeToken() bool {
	return s.Token == common.Address{}
}

// IsActive returns true if the swap is funded and unsettled.
func (s *Swap) IsActive() bool {
	return s.State == SwapStateActive
}

// SwapCreatedEvent is a decoded SwapCreated log.
type SwapCreatedEvent struct {
	SwapID     [32]byte
	Sender     common.Address
	Receiver   common.Address
	Amount     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	TxHash     common.Hash
	BlockNum   uint64
}

// SwapClaimedEvent is a decoded SwapClaimed log. It carries the revealed
// secret.
type SwapClaimedEvent struct {
	SwapID   [32]byte
	Receiver common.Address
	Secret   [32]byte
	TxHash   common.Hash
	BlockNum uint64
}

// SlotID derives the contract slot for a swap: keccak256 of the swap id,
// the secret hash and the receiving account. Both peers compute the same
// value, so the slot doubles as the invoice id.
func SlotID(swapID string, secretHash [32]byte, receiver common.Address) [32]byte {
	return crypto.Keccak256Hash([]byte(swapID), secretHash[:], receiver.Bytes())
}

// Client signs and submits HTLC transactions for one account.
type Client struct {
	client          *ethclient.Client
	contract        *boundHTLC
	contractAddress common.Address
	chainID         *big.Int
	key             *ecdsa.PrivateKey
	account         common.Address
}

// Dial connects to rpcURL and binds the contract. The chain id reported by
// the node must match chainID when chainID is non-zero.
func Dial(ctx context.Context, rpcURL string, chainID uint64, contractAddress common.Address, key *ecdsa.PrivateKey) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	contract, err := bindHTLC(contractAddress, client)
	if err != nil {
		client.Close()
		return nil, err
	}

	remoteID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID != 0 && remoteID.Uint64() != chainID {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: node reports %s, configured %d", remoteID, chainID)
	}

	return &Client{
		client:          client,
		contract:        contract,
		contractAddress: contractAddress,
		chainID:         remoteID,
		key:             key,
		account:         crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Close closes the underlying RPC connection.
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain ID.
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// ContractAddress returns the contract address.
func (c *Client) ContractAddress() common.Address {
	return c.contractAddress
}

// Account returns the address transactions are signed with.
func (c *Client) Account() common.Address {
	return c.account
}

// GetSwap returns the slot stored under swapID.
func (c *Client) GetSwap(ctx context.Context, swapID [32]byte) (*Swap, error) {
	result, err := c.contract.GetSwap(&bind.CallOpts{Context: ctx}, swapID)
	if err != nil {
		return nil, fmt.Errorf("failed to get swap: %w", err)
	}
	return &Swap{
		Sender:     result.Sender,
		Receiver:   result.Receiver,
		Token:      result.Token,
		Amount:     result.Amount,
		DaoFee:     result.DaoFee,
		SecretHash: result.SecretHash,
		Timelock:   result.Timelock,
		State:      SwapState(result.State),
	}, nil
}

// CreateSwapNative locks amount of the native token toward receiver and
// waits for the transaction to be mined.
func (c *Client) CreateSwapNative(ctx context.Context, swapID [32]byte, receiver common.Address, secretHash [32]byte, timelock, amount *big.Int) (*types.Receipt, error) {
	auth, err := c.newTransactor(ctx)
	if err != nil {
		return nil, err
	}
	auth.Value = amount

	tx, err := c.contract.CreateSwapNative(auth, swapID, receiver, secretHash, timelock)
	if err != nil {
		return nil, fmt.Errorf("failed to create swap: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// Claim reveals secret to claim swapID and waits for the transaction.
func (c *Client) Claim(ctx context.Context, swapID [32]byte, secret [32]byte) (*types.Receipt, error) {
	auth, err := c.newTransactor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.contract.Claim(auth, swapID, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to claim swap: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// Refund returns the funds of an expired swap to its sender.
func (c *Client) Refund(ctx context.Context, swapID [32]byte) (*types.Receipt, error) {
	auth, err := c.newTransactor(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := c.contract.Refund(auth, swapID)
	if err != nil {
		return nil, fmt.Errorf("failed to refund swap: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// WatchSwapCreated delivers SwapCreated events for swapID until ctx ends.
// It fails when the RPC endpoint cannot push logs.
func (c *Client) WatchSwapCreated(ctx context.Context, swapID [32]byte) (<-chan *SwapCreatedEvent, error) {
	ch := make(chan *contractSwapCreated, 4)
	sub, err := c.contract.WatchSwapCreated(&bind.WatchOpts{Context: ctx}, ch, [][32]byte{swapID})
	if err != nil {
		return nil, fmt.Errorf("failed to watch SwapCreated: %w", err)
	}

	out := make(chan *SwapCreatedEvent, 4)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-ch:
				select {
				case out <- &SwapCreatedEvent{
					SwapID:     ev.SwapId,
					Sender:     ev.Sender,
					Receiver:   ev.Receiver,
					Amount:     ev.Amount,
					SecretHash: ev.SecretHash,
					Timelock:   ev.Timelock,
					TxHash:     ev.Raw.TxHash,
					BlockNum:   ev.Raw.BlockNumber,
				}:
				case <-ctx.Done():
					return
				}
			case <-sub.Err():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// WatchSwapClaimed delivers SwapClaimed events for swapID until ctx ends.
func (c *Client) WatchSwapClaimed(ctx context.Context, swapID [32]byte) (<-chan *SwapClaimedEvent, error) {
	ch := make(chan *contractSwapClaimed, 4)
	sub, err := c.contract.WatchSwapClaimed(&bind.WatchOpts{Context: ctx}, ch, [][32]byte{swapID})
	if err != nil {
		return nil, fmt.Errorf("failed to watch SwapClaimed: %w", err)
	}

	out := make(chan *SwapClaimedEvent, 4)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case ev := <-ch:
				select {
				case out <- claimedEvent(ev):
				case <-ctx.Done():
					return
				}
			case <-sub.Err():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// FindClaim looks for a SwapClaimed log of swapID from fromBlock on. It
// returns nil when the swap has not been claimed.
func (c *Client) FindClaim(ctx context.Context, swapID [32]byte, fromBlock uint64) (*SwapClaimedEvent, error) {
	events, err := c.contract.FilterSwapClaimed(&bind.FilterOpts{Start: fromBlock, Context: ctx}, [][32]byte{swapID})
	if err != nil {
		return nil, fmt.Errorf("failed to filter SwapClaimed: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return claimedEvent(events[0]), nil
}

func claimedEvent(ev *contractSwapClaimed) *SwapClaimedEvent {
	return &SwapClaimedEvent{
		SwapID:   ev.SwapId,
		Receiver: ev.Receiver,
		Secret:   ev.Secret,
		TxHash:   ev.Raw.TxHash,
		BlockNum: ev.Raw.BlockNumber,
	}
}

func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s", ErrTxFailed, tx.Hash().Hex())
	}
	return receipt, nil
}

func (c *Client) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

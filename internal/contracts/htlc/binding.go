package htlc

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
)

// ABI is the subset of the HTLC contract interface used by the daemon.
const ABI = `[
{"type":"function","name":"getSwap","stateMutability":"view","inputs":[{"name":"swapId","type":"bytes32"}],"outputs":[{"name":"","type":"tuple","components":[{"name":"sender","type":"address"},{"name":"receiver","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"daoFee","type":"uint256"},{"name":"secretHash","type":"bytes32"},{"name":"timelock","type":"uint256"},{"name":"state","type":"uint8"}]}]},
{"type":"function","name":"createSwapNative","stateMutability":"payable","inputs":[{"name":"swapId","type":"bytes32"},{"name":"receiver","type":"address"},{"name":"secretHash","type":"bytes32"},{"name":"timelock","type":"uint256"}],"outputs":[]},
{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"swapId","type":"bytes32"},{"name":"secret","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"swapId","type":"bytes32"}],"outputs":[]},
{"type":"event","name":"SwapCreated","anonymous":false,"inputs":[{"name":"swapId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"token","type":"address","indexed":false},{"name":"amount","type":"uint256","indexed":false},{"name":"daoFee","type":"uint256","indexed":false},{"name":"secretHash","type":"bytes32","indexed":false},{"name":"timelock","type":"uint256","indexed":false}]},
{"type":"event","name":"SwapClaimed","anonymous":false,"inputs":[{"name":"swapId","type":"bytes32","indexed":true},{"name":"receiver","type":"address","indexed":true},{"name":"secret","type":"bytes32","indexed":false}]},
{"type":"event","name":"SwapRefunded","anonymous":false,"inputs":[{"name":"swapId","type":"bytes32","indexed":true},{"name":"sender","type":"address","indexed":true}]}
]`

// ParsedABI returns the parsed contract ABI.
func ParsedABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(ABI))
}

// contractSwap mirrors the on-chain Swap struct.
type contractSwap struct {
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	State      uint8
}

type contractSwapCreated struct {
	SwapId     [32]byte
	Sender     common.Address
	Receiver   common.Address
	Token      common.Address
	Amount     *big.Int
	DaoFee     *big.Int
	SecretHash [32]byte
	Timelock   *big.Int
	Raw        types.Log
}

type contractSwapClaimed struct {
	SwapId   [32]byte
	Receiver common.Address
	Secret   [32]byte
	Raw      types.Log
}

// boundHTLC is a low-level binding around a deployed HTLC contract.
type boundHTLC struct {
	address  common.Address
	contract *bind.BoundContract
}

func bindHTLC(address common.Address, backend bind.ContractBackend) (*boundHTLC, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}
	return &boundHTLC{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// GetSwap reads the swap stored under swapID.
func (c *boundHTLC) GetSwap(opts *bind.CallOpts, swapID [32]byte) (contractSwap, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getSwap", swapID); err != nil {
		return contractSwap{}, err
	}
	return *abi.ConvertType(out[0], new(contractSwap)).(*contractSwap), nil
}

// CreateSwapNative locks opts.Value toward receiver.
func (c *boundHTLC) CreateSwapNative(opts *bind.TransactOpts, swapID [32]byte, receiver common.Address, secretHash [32]byte, timelock *big.Int) (*types.Transaction, error) {
	return c.contract.Transact(opts, "createSwapNative", swapID, receiver, secretHash, timelock)
}

// Claim reveals secret and pays the locked funds to the receiver.
func (c *boundHTLC) Claim(opts *bind.TransactOpts, swapID [32]byte, secret [32]byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, "claim", swapID, secret)
}

// Refund returns expired locked funds to the sender.
func (c *boundHTLC) Refund(opts *bind.TransactOpts, swapID [32]byte) (*types.Transaction, error) {
	return c.contract.Transact(opts, "refund", swapID)
}

// WatchSwapCreated subscribes to SwapCreated logs for the given swap ids.
func (c *boundHTLC) WatchSwapCreated(opts *bind.WatchOpts, sink chan<- *contractSwapCreated, swapIDs [][32]byte) (event.Subscription, error) {
	logs, sub, err := c.contract.WatchLogs(opts, "SwapCreated", topicRule(swapIDs))
	if err != nil {
		return nil, err
	}
	return forwardLogs(sub, logs, sink, func(log types.Log) (*contractSwapCreated, error) {
		ev := new(contractSwapCreated)
		if err := c.contract.UnpackLog(ev, "SwapCreated", log); err != nil {
			return nil, err
		}
		ev.Raw = log
		return ev, nil
	}), nil
}

// WatchSwapClaimed subscribes to SwapClaimed logs for the given swap ids.
func (c *boundHTLC) WatchSwapClaimed(opts *bind.WatchOpts, sink chan<- *contractSwapClaimed, swapIDs [][32]byte) (event.Subscription, error) {
	logs, sub, err := c.contract.WatchLogs(opts, "SwapClaimed", topicRule(swapIDs))
	if err != nil {
		return nil, err
	}
	return forwardLogs(sub, logs, sink, c.parseSwapClaimed), nil
}

// FilterSwapClaimed returns past SwapClaimed logs for the given swap ids.
func (c *boundHTLC) FilterSwapClaimed(opts *bind.FilterOpts, swapIDs [][32]byte) ([]*contractSwapClaimed, error) {
	logs, sub, err := c.contract.FilterLogs(opts, "SwapClaimed", topicRule(swapIDs))
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	var out []*contractSwapClaimed
	for {
		select {
		case log := <-logs:
			ev, err := c.parseSwapClaimed(log)
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
		case err := <-sub.Err():
			if err != nil {
				return nil, err
			}
			// The producer has finished; collect what is still buffered.
			for {
				select {
				case log := <-logs:
					ev, err := c.parseSwapClaimed(log)
					if err != nil {
						return nil, err
					}
					out = append(out, ev)
				default:
					return out, nil
				}
			}
		}
	}
}

func (c *boundHTLC) parseSwapClaimed(log types.Log) (*contractSwapClaimed, error) {
	ev := new(contractSwapClaimed)
	if err := c.contract.UnpackLog(ev, "SwapClaimed", log); err != nil {
		return nil, err
	}
	ev.Raw = log
	return ev, nil
}

func topicRule(swapIDs [][32]byte) []interface{} {
	var rule []interface{}
	for _, id := range swapIDs {
		rule = append(rule, id)
	}
	return rule
}

// forwardLogs decodes logs into sink until the subscription ends.
func forwardLogs[T any](sub event.Subscription, logs <-chan types.Log, sink chan<- T, parse func(types.Log) (T, error)) event.Subscription {
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case log := <-logs:
				ev, err := parse(log)
				if err != nil {
					return err
				}
				select {
				case sink <- ev:
				case err := <-sub.Err():
					return err
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	})
}

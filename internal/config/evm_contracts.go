package config

import "github.com/ethereum/go-ethereum/common"

// EVMChain describes a chain the HTLC contract is deployed on.
type EVMChain struct {
	Name         string
	ChainID      uint64
	HTLCContract common.Address
}

var evmRegistry = map[uint64]*EVMChain{
	// Ethereum Sepolia
	11155111: {
		Name:         "sepolia",
		ChainID:      11155111,
		HTLCContract: common.HexToAddress("0x628c677e7b8889e64564d3f381565a9e6656aade"),
	},
	// BSC Testnet
	97: {
		Name:         "bsc-testnet",
		ChainID:      97,
		HTLCContract: common.HexToAddress("0xC8515f07b08b586a2Fd6A389585D9a182D03adFB"),
	},
}

// GetEVMChain returns the registered chain for chainID, or nil.
func GetEVMChain(chainID uint64) *EVMChain {
	return evmRegistry[chainID]
}

// GetHTLCContract returns the HTLC contract address for a chain ID, or the
// zero address when none is deployed.
func GetHTLCContract(chainID uint64) common.Address {
	if chain := GetEVMChain(chainID); chain != nil {
		return chain.HTLCContract
	}
	return common.Address{}
}

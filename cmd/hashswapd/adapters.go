package main

import (
	"fmt"
	"path/filepath"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/martindale/mono-sub000/internal/config"
	"github.com/martindale/mono-sub000/internal/settlement/evm"
	"github.com/martindale/mono-sub000/internal/settlement/lightning"
	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/internal/wallet"
)

// buildAdapters creates one settlement adapter per configured network.
// Adapters are not connected.
func buildAdapters(cfg *config.Config) ([]swap.Adapter, error) {
	dataDir := config.ExpandPath(cfg.Storage.DataDir)

	adapters := make([]swap.Adapter, 0, len(cfg.Swap.Networks))
	for _, name := range cfg.NetworkNames() {
		n := cfg.Swap.Networks[name]
		switch n.Type {
		case config.SettlementEVM:
			adapters = append(adapters, evm.New(evm.Config{
				Network:      name,
				RPCURL:       n.EVM.RPCURL,
				ChainID:      n.EVM.ChainID,
				Contract:     n.EVM.ContractAddress(),
				Key: wallet.KeyFile{
					Path:       dataPath(dataDir, n.EVM.KeyFile),
					Passphrase: n.EVM.MnemonicPassphrase(),
					Index:      n.EVM.KeyIndex,
				},
				Timeout:      n.Timeout,
				PollInterval: n.EVM.PollInterval,
			}))
		case config.SettlementLightning:
			adapters = append(adapters, lightning.New(lightning.Config{
				Network: name,
				Client: lightning.ClientConfig{
					RESTURL:      n.Lightning.RESTURL,
					MacaroonPath: dataPath(dataDir, n.Lightning.MacaroonPath),
					TLSCertPath:  dataPath(dataDir, n.Lightning.TLSCertPath),
					MaxRetries:   n.Lightning.MaxRetries,
					Timeout:      n.Lightning.Timeout,
				},
				Timeout:    n.Timeout,
				CLTVExpiry: n.Lightning.CLTVExpiry,
				FeeLimit:   btcutil.Amount(n.Lightning.FeeLimitSat),
			}))
		default:
			return nil, fmt.Errorf("network %s: unsupported settlement type %q", name, n.Type)
		}
	}
	return adapters, nil
}

// dataPath resolves a configured path against the data directory.
func dataPath(dataDir, path string) string {
	if path == "" {
		return ""
	}
	path = config.ExpandPath(path)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dataDir, path)
}

// Package config holds the daemon configuration: identity, peer network,
// API, storage, logging and the settlement networks swaps run on.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Network-specific constants for peer separation.
const (
	MainnetDHTPrefix   = "/hashswap"
	MainnetDiscoveryNS = "hashswap-mainnet"
	TestnetDHTPrefix   = "/hashswap-testnet"
	TestnetDiscoveryNS = "hashswap-testnet"

	// DefaultTopic carries swap snapshots between peers.
	DefaultTopic = "/hashswap/swaps/1.0.0"
)

// SettlementType selects the adapter implementation of a network.
type SettlementType string

const (
	SettlementEVM       SettlementType = "evm"
	SettlementLightning SettlementType = "lightning"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the daemon.
type Config struct {
	NetworkType NetworkType    `yaml:"network_type"`
	Identity    IdentityConfig `yaml:"identity"`
	Network     NetworkConfig  `yaml:"network"`
	API         APIConfig      `yaml:"api"`
	Storage     StorageConfig  `yaml:"storage"`
	Logging     LoggingConfig  `yaml:"logging"`
	Swap        SwapConfig     `yaml:"swap"`
}

// IdentityConfig holds identity-related settings.
type IdentityConfig struct {
	// PartyID is the identity this daemon acts as in swaps. Empty means the
	// libp2p peer ID.
	PartyID string `yaml:"party_id"`

	// KeyFile is the path to the node's private key file, relative to the
	// data directory unless absolute.
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds P2P network settings.
type NetworkConfig struct {
	ListenAddrs        []string      `yaml:"listen_addrs"`
	BootstrapPeers     []string      `yaml:"bootstrap_peers"`
	EnableMDNS         bool          `yaml:"enable_mdns"`
	EnableDHT          bool          `yaml:"enable_dht"`
	EnableRelay        bool          `yaml:"enable_relay"`
	EnableNAT          bool          `yaml:"enable_nat"`
	EnableHolePunching bool          `yaml:"enable_hole_punching"`
	ConnMgr            ConnMgrConfig `yaml:"conn_mgr"`

	// Topic is the gossip topic swap snapshots are published on.
	Topic string `yaml:"topic"`

	// PeerAPI, when set, sends snapshots to the counterparty's HTTP API
	// instead of gossiping them.
	PeerAPI string `yaml:"peer_api,omitempty"`
}

// ConnMgrConfig holds connection manager settings.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// APIConfig holds HTTP API settings.
type APIConfig struct {
	Address        string   `yaml:"address"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`

	// PassphraseEnv names the environment variable holding the passphrase
	// that seals stored secrets. Unset variable means no sealing.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Passphrase returns the sealing passphrase from the environment.
func (s StorageConfig) Passphrase() string {
	if s.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(s.PassphraseEnv)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// SwapConfig holds coordinator settings and the settlement networks.
type SwapConfig struct {
	RebroadcastInterval time.Duration                `yaml:"rebroadcast_interval"`
	ExpiryInterval      time.Duration                `yaml:"expiry_interval"`
	Networks            map[string]*SettlementConfig `yaml:"networks"`
}

// SettlementConfig configures one settlement network.
type SettlementConfig struct {
	Type SettlementType `yaml:"type"`

	// Timeout bounds how long a swap on this network may go without
	// progress before it is expired and funds are reclaimed. Required.
	Timeout time.Duration `yaml:"timeout"`

	EVM       *EVMConfig       `yaml:"evm,omitempty"`
	Lightning *LightningConfig `yaml:"lightning,omitempty"`
}

// EVMConfig configures an account-chain network settled through the HTLC
// contract.
type EVMConfig struct {
	RPCURL   string `yaml:"rpc_url"`
	ChainID  uint64 `yaml:"chain_id"`
	Contract string `yaml:"contract,omitempty"`
	KeyFile  string `yaml:"key_file"`

	// KeyIndex selects the account m/44'/60'/0'/0/key_index when KeyFile
	// holds a mnemonic.
	KeyIndex uint32 `yaml:"key_index,omitempty"`

	// MnemonicPassphraseEnv names the environment variable holding the BIP39
	// passphrase of a mnemonic key file.
	MnemonicPassphraseEnv string `yaml:"mnemonic_passphrase_env,omitempty"`

	// PollInterval is used when the RPC endpoint cannot push logs.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
}

// MnemonicPassphrase returns the BIP39 passphrase from the environment.
func (e *EVMConfig) MnemonicPassphrase() string {
	if e.MnemonicPassphraseEnv == "" {
		return ""
	}
	return os.Getenv(e.MnemonicPassphraseEnv)
}

// ContractAddress returns the configured HTLC address, falling back to the
// registry entry of the chain.
func (e *EVMConfig) ContractAddress() common.Address {
	if e.Contract != "" {
		return common.HexToAddress(e.Contract)
	}
	return GetHTLCContract(e.ChainID)
}

// LightningConfig configures a payment-channel network backed by LND.
type LightningConfig struct {
	RESTURL      string        `yaml:"rest_url"`
	MacaroonPath string        `yaml:"macaroon_path"`
	TLSCertPath  string        `yaml:"tls_cert_path,omitempty"`
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	FeeLimitSat  int64         `yaml:"fee_limit_sat,omitempty"`
	CLTVExpiry   uint64        `yaml:"cltv_expiry,omitempty"`
	Timeout      time.Duration `yaml:"request_timeout,omitempty"`
}

// DHTPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) DHTPrefix() string {
	if c.NetworkType == Testnet {
		return TestnetDHTPrefix
	}
	return MainnetDHTPrefix
}

// DiscoveryNamespace returns the discovery namespace for the configured
// network.
func (c *Config) DiscoveryNamespace() string {
	if c.NetworkType == Testnet {
		return TestnetDiscoveryNS
	}
	return MainnetDiscoveryNS
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == Testnet
}

// Timeouts returns the expiry timeout of every configured network.
func (c *Config) Timeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Swap.Networks))
	for name, n := range c.Swap.Networks {
		if n != nil {
			out[name] = n.Timeout
		}
	}
	return out
}

// NetworkNames returns the configured settlement networks, sorted.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Swap.Networks))
	for name := range c.Swap.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.NetworkType {
	case Mainnet, Testnet:
	default:
		fail("unknown network_type %q", c.NetworkType)
	}
	if c.Storage.DataDir == "" {
		fail("storage.data_dir is required")
	}
	if c.Swap.RebroadcastInterval < 0 || c.Swap.ExpiryInterval < 0 {
		fail("swap intervals must not be negative")
	}

	for _, name := range c.NetworkNames() {
		n := c.Swap.Networks[name]
		if n == nil {
			fail("swap.networks.%s is empty", name)
			continue
		}
		if n.Timeout <= 0 {
			fail("swap.networks.%s.timeout is required", name)
		}
		switch n.Type {
		case SettlementEVM:
			if n.EVM == nil {
				fail("swap.networks.%s.evm is required", name)
				continue
			}
			if n.EVM.RPCURL == "" {
				fail("swap.networks.%s.evm.rpc_url is required", name)
			}
			if n.EVM.KeyFile == "" {
				fail("swap.networks.%s.evm.key_file is required", name)
			}
			if n.EVM.ContractAddress() == (common.Address{}) {
				fail("swap.networks.%s.evm.contract is not set and chain %d has no deployed HTLC", name, n.EVM.ChainID)
			}
		case SettlementLightning:
			if n.Lightning == nil {
				fail("swap.networks.%s.lightning is required", name)
				continue
			}
			if n.Lightning.RESTURL == "" {
				fail("swap.networks.%s.lightning.rest_url is required", name)
			}
			if n.Lightning.MacaroonPath == "" {
				fail("swap.networks.%s.lightning.macaroon_path is required", name)
			}
		default:
			fail("swap.networks.%s.type %q is not one of evm, lightning", name, n.Type)
		}
	}

	return errors.Join(errs...)
}

// DefaultConfig returns a Config with sensible defaults. No settlement
// network is configured.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: Mainnet,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
			},
			BootstrapPeers:     []string{},
			EnableMDNS:         true,
			EnableDHT:          true,
			EnableRelay:        true,
			EnableNAT:          true,
			EnableHolePunching: true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
			Topic: DefaultTopic,
		},
		API: APIConfig{
			Address: "127.0.0.1:8480",
		},
		Storage: StorageConfig{
			DataDir:       "~/.hashswap",
			PassphraseEnv: "HASHSWAP_PASSPHRASE",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Swap: SwapConfig{
			RebroadcastInterval: 30 * time.Second,
			ExpiryInterval:      time.Minute,
			Networks:            map[string]*SettlementConfig{},
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads the configuration from the data directory. If the file
// doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# hashswapd configuration\n# Every entry under swap.networks needs a timeout.\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data
// directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

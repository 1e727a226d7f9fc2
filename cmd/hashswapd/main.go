// Package main provides hashswapd, a daemon that settles atomic swaps
// between two parties across two settlement networks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/martindale/mono-sub000/internal/config"
	"github.com/martindale/mono-sub000/internal/node"
	"github.com/martindale/mono-sub000/internal/rpc"
	"github.com/martindale/mono-sub000/internal/storage"
	"github.com/martindale/mono-sub000/internal/swap"
	"github.com/martindale/mono-sub000/internal/wallet"
	"github.com/martindale/mono-sub000/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.hashswap", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		apiAddr        = flag.String("api", "", "HTTP API address, overrides config")
		party          = flag.String("party", "", "Party identity, overrides config (default: peer ID)")
		peerAPI        = flag.String("peer-api", "", "Counterparty API URL; snapshots are sent over HTTP instead of gossip")
		testnet        = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion    = flag.Bool("version", false, "Show version and exit")
		newMnemonic    = flag.Bool("new-mnemonic", false, "Print a new BIP39 mnemonic for an EVM key_file and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("hashswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if *newMnemonic {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			log.Fatal("Failed to generate mnemonic", "error", err)
		}
		// Plain stdout so it can be redirected into a key file.
		fmt.Println(mnemonic)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	configDir := effectiveDataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	if *apiAddr != "" {
		cfg.API.Address = *apiAddr
	}
	if *party != "" {
		cfg.Identity.PartyID = *party
	}
	if *peerAPI != "" {
		cfg.Network.PeerAPI = *peerAPI
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	cfg.Storage.DataDir = effectiveDataDir
	if *testnet {
		cfg.NetworkType = config.Testnet
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logCfg := &logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly}
	if cfg.Logging.File != "" {
		f, err := logging.OpenFile(config.ExpandPath(cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		defer f.Close()
		logCfg.Output = f
	}
	log = logging.New(logCfg)
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(configDir), "networks", cfg.NetworkNames())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	passphrase := cfg.Storage.Passphrase()
	store, err := storage.New(&storage.Config{
		DataDir:          dataPath,
		Passphrase:       passphrase,
		SealedNamespaces: []string{swap.NamespaceSecrets},
	})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	if passphrase == "" {
		log.Warn("Secrets are stored unsealed", "hint", "set "+cfg.Storage.PassphraseEnv)
	}
	log.Info("Storage initialized", "path", store.Path())

	adapters, err := buildAdapters(cfg)
	if err != nil {
		log.Fatal("Failed to configure settlement networks", "error", err)
	}
	registry := swap.NewRegistry(adapters...)
	if err := registry.ConnectAll(ctx); err != nil {
		log.Fatal("Failed to connect settlement networks", "error", err)
	}
	defer func() {
		if err := registry.DisconnectAll(); err != nil {
			log.Error("Error disconnecting settlement networks", "error", err)
		}
	}()
	log.Info("Settlement networks connected", "networks", registry.Networks())

	log.Info("Starting P2P node...")
	n, err := node.New(ctx, cfg, store)
	if err != nil {
		log.Fatal("Failed to create node", "error", err)
	}

	self := cfg.Identity.PartyID
	if self == "" {
		self = n.ID().String()
	}

	gossip, err := n.Start(self)
	if err != nil {
		log.Fatal("Failed to start node", "error", err)
	}

	var transport swap.Transport = gossip
	var peerTransport *rpc.PeerTransport
	if cfg.Network.PeerAPI != "" {
		peerTransport = rpc.NewPeerTransport(cfg.Network.PeerAPI, rpc.DefaultPeerTimeout)
		transport = peerTransport
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	coordinator, err := swap.NewCoordinator(&swap.CoordinatorConfig{
		Self:                self,
		Store:               store,
		Adapters:            registry,
		Transport:           transport,
		Timeouts:            cfg.Timeouts(),
		RebroadcastInterval: cfg.Swap.RebroadcastInterval,
		ExpiryInterval:      cfg.Swap.ExpiryInterval,
		Metrics:             swap.NewMetrics(reg),
	})
	if err != nil {
		log.Fatal("Failed to create swap coordinator", "error", err)
	}

	gossip.OnSnapshot(func(_ context.Context, s *swap.Swap) error {
		_, err := coordinator.Accept(s)
		return err
	})

	api := rpc.NewServer(coordinator, rpc.ServerConfig{
		AllowedOrigins: cfg.API.AllowedOrigins,
		Gatherer:       reg,
		Peers:          n.PeerCount,
	})
	if err := api.Start(cfg.API.Address); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	printBanner(log, n, cfg, self, api.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		coordinator.Start()
		return coordinator.Resume(gctx)
	})
	g.Go(func() error {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				log.Info("Status", "peers", n.PeerCount(), "swaps", len(coordinator.List()), "uptime", n.Uptime().Round(time.Second))
			}
		}
	})

	<-ctx.Done()
	log.Info("Shutting down...")

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("Error while running", "error", err)
	}
	if err := api.Stop(); err != nil {
		log.Error("Error stopping API server", "error", err)
	}
	if err := coordinator.Close(); err != nil {
		log.Error("Error stopping swap coordinator", "error", err)
	}
	if peerTransport != nil {
		peerTransport.Close()
	}
	if err := n.Stop(); err != nil {
		log.Error("Error stopping node", "error", err)
	}

	log.Info("Goodbye!")
}

func printBanner(log *logging.Logger, n *node.Node, cfg *config.Config, self, apiAddr string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  hashswapd (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Party:   %s", self)
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  API: http://%s/api/v1", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	if cfg.Network.PeerAPI != "" {
		log.Infof("  Peer API: %s", cfg.Network.PeerAPI)
	}
	log.Info("")
	log.Infof("  Networks: %s", strings.Join(cfg.NetworkNames(), ", "))
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

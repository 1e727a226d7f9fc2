// Package node runs the libp2p host that carries swap snapshots between
// parties over GossipSub.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/martindale/mono-sub000/internal/config"
	"github.com/martindale/mono-sub000/internal/storage"
	"github.com/martindale/mono-sub000/pkg/logging"
)

// Node is a swap daemon's P2P presence.
type Node struct {
	host    host.Host
	privKey crypto.PrivKey
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	config  *config.Config
	log     *logging.Logger

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	book      *PeerBook
	bootstrap []peer.AddrInfo

	topic     *pubsub.Topic
	sub       *pubsub.Subscription
	transport *Transport

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New creates a node. store may be nil, in which case peers are not
// persisted.
func New(ctx context.Context, cfg *config.Config, store *storage.Storage) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)

	node := &Node{
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		log:       logging.GetDefault().Component("node"),
	}
	if store != nil {
		node.book = NewPeerBook(store)
	}
	for _, addrStr := range cfg.Network.BootstrapPeers {
		pi, err := peer.AddrInfoFromString(addrStr)
		if err != nil {
			node.log.Warn("Invalid bootstrap address", "addr", addrStr, "error", err)
			continue
		}
		node.bootstrap = append(node.bootstrap, *pi)
	}

	privKey, err := node.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load/create key: %w", err)
	}
	node.privKey = privKey

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.Network.ListenAddrs))
	for _, addr := range cfg.Network.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(
		cfg.Network.ConnMgr.LowWater,
		cfg.Network.ConnMgr.HighWater,
		connmgr.WithGracePeriod(cfg.Network.ConnMgr.GracePeriod),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	opts := []libp2p.Option{
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
	}
	if cfg.Network.EnableNAT {
		opts = append(opts, libp2p.NATPortMap())
	}
	if cfg.Network.EnableRelay {
		opts = append(opts, libp2p.EnableRelay())
	}
	if cfg.Network.EnableHolePunching {
		opts = append(opts, libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}
	node.host = h

	if node.book != nil {
		h.Network().Notify(&network.NotifyBundle{
			ConnectedF: func(_ network.Network, conn network.Conn) {
				go node.savePeerOnConnect(conn.RemotePeer())
			},
			DisconnectedF: func(_ network.Network, conn network.Conn) {
				go node.book.Seen(conn.RemotePeer())
			},
		})
	}

	if cfg.Network.EnableDHT {
		if err := node.initDHT(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("failed to initialize DHT: %w", err)
		}
	}

	if err := node.initPubSub(ctx); err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("failed to initialize pubsub: %w", err)
	}

	if cfg.Network.EnableMDNS {
		if err := node.initMDNS(); err != nil {
			// Not fatal.
			node.log.Warn("mDNS initialization failed", "error", err)
		}
	}

	return node, nil
}

// loadOrCreateKey loads the identity key or generates an Ed25519 one.
func (n *Node) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := config.ExpandPath(n.config.Identity.KeyFile)
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(config.ExpandPath(n.config.Storage.DataDir), keyPath)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}

	n.log.Info("Generated new node identity")
	return privKey, nil
}

func (n *Node) initDHT(ctx context.Context) error {
	var err error
	n.dht, err = dht.New(ctx, n.host,
		dht.Mode(dht.ModeAutoServer),
		dht.ProtocolPrefix(protocol.ID(n.config.DHTPrefix())),
	)
	if err != nil {
		return err
	}
	if err := n.dht.Bootstrap(ctx); err != nil {
		return err
	}
	n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	return nil
}

func (n *Node) initPubSub(ctx context.Context) error {
	var err error
	n.pubsub, err = pubsub.NewGossipSub(ctx, n.host,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true),
	)
	return err
}

func (n *Node) initMDNS() error {
	n.mdnsService = mdns.NewMdnsService(n.host, n.config.DiscoveryNamespace(), n)
	return n.mdnsService.Start()
}

// HandlePeerFound is called when mDNS discovers a peer.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)

	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("Failed to connect to mDNS peer", "peer", shortID(pi.ID), "error", err)
		}
	}()
}

// Start joins the swap topic as party and connects to known peers. The
// returned transport publishes and receives snapshots for party.
func (n *Node) Start(party string) (*Transport, error) {
	n.startTime = time.Now()

	sealer, err := NewSealer(n.privKey)
	if err != nil {
		// Non-Ed25519 identities gossip in the clear.
		n.log.Warn("Snapshots will not be sealed", "error", err)
		sealer = nil
	}

	topicName := n.config.Network.Topic
	if topicName == "" {
		topicName = config.DefaultTopic
	}
	n.topic, err = n.pubsub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic %s: %w", topicName, err)
	}
	n.sub, err = n.topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topicName, err)
	}

	n.transport = NewTransport(party, sealer, n.topic)
	n.transport.Listen(n.sub, n.host.ID())

	n.loadPersistedPeers()
	n.connectBootstrap()

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
		go n.discoverPeers()
	}

	n.log.Info("Joined swap topic", "topic", topicName, "party", party, "sealed", sealer != nil)
	return n.transport, nil
}

func (n *Node) connectBootstrap() {
	for _, pi := range n.bootstrap {
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("Failed to connect to bootstrap peer", "peer", shortID(pi.ID), "error", err)
				return
			}
			n.log.Info("Connected to bootstrap peer", "peer", shortID(pi.ID))
		}(pi)
	}
}

func (n *Node) isBootstrap(id peer.ID) bool {
	for _, pi := range n.bootstrap {
		if pi.ID == id {
			return true
		}
	}
	return false
}

func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.config.DiscoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() {
					continue
				}
				if n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
					defer cancel()
					n.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// Stop stops the node gracefully.
func (n *Node) Stop() error {
	if n.transport != nil {
		n.transport.Close()
	}
	n.cancel()
	n.savePeerCache()

	if n.sub != nil {
		n.sub.Cancel()
	}
	if n.topic != nil {
		n.topic.Close()
	}
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	return n.host.Close()
}

// ID returns the node's peer ID.
func (n *Node) ID() peer.ID {
	return n.host.ID()
}

// Addrs returns the node's listen addresses.
func (n *Node) Addrs() []multiaddr.Multiaddr {
	return n.host.Addrs()
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// Uptime returns how long the node has been running.
func (n *Node) Uptime() time.Duration {
	return time.Since(n.startTime)
}

// shortID returns a truncated peer ID for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

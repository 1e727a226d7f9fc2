package node

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/multiformats/go-multiaddr"

	"github.com/martindale/mono-sub000/internal/storage"
)

// persistedPeerLimit bounds how many stored peers are dialed on start.
const persistedPeerLimit = 100

// PeerBook persists the addresses of peers the node has met.
type PeerBook struct {
	store *storage.Storage
}

// NewPeerBook creates a peer book backed by store.
func NewPeerBook(store *storage.Storage) *PeerBook {
	return &PeerBook{store: store}
}

// Save records a peer and its addresses.
func (b *PeerBook) Save(peerID peer.ID, addrs []multiaddr.Multiaddr, isBootstrap bool) error {
	addrStrs := make([]string, len(addrs))
	for i, addr := range addrs {
		addrStrs[i] = addr.String()
	}

	now := time.Now()
	return b.store.SavePeer(&storage.PeerRecord{
		PeerID:      peerID.String(),
		Addresses:   addrStrs,
		FirstSeen:   now,
		LastSeen:    now,
		IsBootstrap: isBootstrap,
	})
}

// Seen bumps the peer's last seen timestamp.
func (b *PeerBook) Seen(peerID peer.ID) error {
	return b.store.UpdatePeerSeen(peerID.String())
}

// Load returns the most recently seen peers with their parsed addresses.
// Records that do not parse are skipped.
func (b *PeerBook) Load(limit int) ([]peer.AddrInfo, error) {
	records, err := b.store.ListPeers(limit)
	if err != nil {
		return nil, err
	}

	infos := make([]peer.AddrInfo, 0, len(records))
	for _, record := range records {
		peerID, err := peer.Decode(record.PeerID)
		if err != nil {
			continue
		}
		addrs := make([]multiaddr.Multiaddr, 0, len(record.Addresses))
		for _, addrStr := range record.Addresses {
			addr, err := multiaddr.NewMultiaddr(addrStr)
			if err != nil {
				continue
			}
			addrs = append(addrs, addr)
		}
		if len(addrs) == 0 {
			continue
		}
		infos = append(infos, peer.AddrInfo{ID: peerID, Addrs: addrs})
	}
	return infos, nil
}

// Count returns the number of known peers.
func (b *PeerBook) Count() (int, error) {
	return b.store.PeerCount()
}

// loadPersistedPeers adds stored peer addresses to the peerstore.
func (n *Node) loadPersistedPeers() {
	if n.book == nil {
		return
	}

	infos, err := n.book.Load(persistedPeerLimit)
	if err != nil {
		n.log.Warn("Failed to load persisted peers", "error", err)
		return
	}

	loaded := 0
	for _, pi := range infos {
		if pi.ID == n.host.ID() {
			continue
		}
		n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.TempAddrTTL)
		loaded++
	}
	if loaded > 0 {
		known, _ := n.book.Count()
		n.log.Info("Loaded persisted peers", "count", loaded, "known", known)
	}
}

// savePeerCache writes the current peerstore to the peer book.
func (n *Node) savePeerCache() {
	if n.book == nil {
		return
	}

	saved := 0
	for _, peerID := range n.host.Peerstore().Peers() {
		if peerID == n.host.ID() {
			continue
		}
		addrs := n.host.Peerstore().Addrs(peerID)
		if len(addrs) == 0 {
			continue
		}
		if err := n.book.Save(peerID, addrs, false); err != nil {
			n.log.Debug("Failed to save peer", "peer", shortID(peerID), "error", err)
			continue
		}
		saved++
	}
	if saved > 0 {
		n.log.Info("Saved peer cache", "count", saved)
	}
}

func (n *Node) savePeerOnConnect(peerID peer.ID) {
	addrs := n.host.Peerstore().Addrs(peerID)
	if len(addrs) == 0 {
		return
	}
	if err := n.book.Save(peerID, addrs, n.isBootstrap(peerID)); err != nil {
		n.log.Debug("Failed to save connected peer", "error", err)
	}
}

package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// PeerRecord represents a known peer in the database.
type PeerRecord struct {
	PeerID          string    `json:"peer_id"`
	Addresses       []string  `json:"addresses"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	ConnectionCount int       `json:"connection_count"`
	IsBootstrap     bool      `json:"is_bootstrap"`
}

// SavePeer saves or updates a peer record.
func (s *Storage) SavePeer(peer *PeerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrsJSON, err := json.Marshal(peer.Addresses)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO peers (peer_id, addresses, first_seen, last_seen, connection_count, is_bootstrap)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			addresses = excluded.addresses,
			last_seen = excluded.last_seen,
			connection_count = peers.connection_count + 1,
			is_bootstrap = CASE WHEN excluded.is_bootstrap THEN 1 ELSE peers.is_bootstrap END
	`,
		peer.PeerID,
		string(addrsJSON),
		peer.FirstSeen.Unix(),
		peer.LastSeen.Unix(),
		peer.ConnectionCount,
		boolToInt(peer.IsBootstrap),
	)
	return err
}

// ListPeers returns peers ordered by last seen (most recent first).
func (s *Storage) ListPeers(limit int) ([]*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT peer_id, addresses, first_seen, last_seen, connection_count, is_bootstrap
		FROM peers
		ORDER BY last_seen DESC, peer_id
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []*PeerRecord
	for rows.Next() {
		peer, err := scanPeerRecord(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peer)
	}

	return peers, rows.Err()
}

// UpdatePeerSeen updates the last_seen time.
func (s *Storage) UpdatePeerSeen(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"UPDATE peers SET last_seen = ? WHERE peer_id = ?",
		time.Now().Unix(), peerID,
	)
	return err
}

// PeerCount returns the total number of known peers.
func (s *Storage) PeerCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM peers").Scan(&count)
	return count, err
}

func scanPeerRecord(rows *sql.Rows) (*PeerRecord, error) {
	var peer PeerRecord
	var addrsJSON sql.NullString
	var firstSeen, lastSeen int64
	var isBootstrap int

	err := rows.Scan(
		&peer.PeerID,
		&addrsJSON,
		&firstSeen,
		&lastSeen,
		&peer.ConnectionCount,
		&isBootstrap,
	)
	if err != nil {
		return nil, err
	}

	if addrsJSON.Valid && addrsJSON.String != "" {
		json.Unmarshal([]byte(addrsJSON.String), &peer.Addresses)
	}

	peer.FirstSeen = time.Unix(firstSeen, 0)
	peer.LastSeen = time.Unix(lastSeen, 0)
	peer.IsBootstrap = isBootstrap == 1

	return &peer, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

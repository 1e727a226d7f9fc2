// Package storage provides persistent storage using SQLite: a namespaced
// key/value table for swaps and secrets, plus the peer book.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/martindale/mono-sub000/internal/swap"
)

// ErrNotFound is returned for missing keys.
var ErrNotFound = swap.ErrNotFound

// Storage provides persistent storage for the swap daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex

	sealer *Sealer
	sealed map[string]bool
}

// Config holds storage configuration.
type Config struct {
	DataDir string

	// Passphrase, when set, seals the values of SealedNamespaces at rest.
	Passphrase       string
	SealedNamespaces []string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "hashswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
		sealed: make(map[string]bool),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.Passphrase != "" {
		sealer, err := s.openSealer(cfg.Passphrase)
		if err != nil {
			db.Close()
			return nil, err
		}
		s.sealer = sealer
		for _, ns := range cfg.SealedNamespaces {
			s.sealed[ns] = true
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

func (s *Storage) initSchema() error {
	schema := `
	-- Namespaced key/value records (swaps, secrets)
	CREATE TABLE IF NOT EXISTS kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value BLOB NOT NULL,
		sealed INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (namespace, key)
	);

	-- Known peers table
	CREATE TABLE IF NOT EXISTS peers (
		peer_id TEXT PRIMARY KEY,
		addresses TEXT,
		first_seen INTEGER,
		last_seen INTEGER,
		connection_count INTEGER DEFAULT 0,
		is_bootstrap INTEGER DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);

	-- Settings table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetSetting returns a setting value, or ErrNotFound.
func (s *Storage) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: setting %s", ErrNotFound, key)
	}
	return value, err
}

// SetSetting stores a setting value.
func (s *Storage) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

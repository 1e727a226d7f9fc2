package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Get returns the value stored under namespace/key, or ErrNotFound.
func (s *Storage) Get(namespace, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	var sealed bool
	err := s.db.QueryRow(`SELECT value, sealed FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value, &sealed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", namespace, key, err)
	}
	return s.unseal(namespace, key, value, sealed)
}

// Put stores value under namespace/key and returns the previous value, or
// nil if there was none.
func (s *Storage) Put(namespace, key string, value []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, sealed, err := s.seal(namespace, key, value)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := s.previous(tx, namespace, key)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO kv (namespace, key, value, sealed, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			value = excluded.value,
			sealed = excluded.sealed,
			updated_at = excluded.updated_at
	`, namespace, key, stored, sealed, time.Now().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to put %s/%s: %w", namespace, key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s/%s: %w", namespace, key, err)
	}
	return prev, nil
}

// Del removes namespace/key and returns the value it held, or ErrNotFound.
func (s *Storage) Del(namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := s.previous(tx, namespace, key)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, key)
	}

	if _, err := tx.Exec(`DELETE FROM kv WHERE namespace = ? AND key = ?`, namespace, key); err != nil {
		return nil, fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit %s/%s: %w", namespace, key, err)
	}
	return prev, nil
}

// Keys lists the keys of a namespace in order.
func (s *Storage) Keys(namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key FROM kv WHERE namespace = ? ORDER BY key`, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", namespace, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *Storage) previous(tx *sql.Tx, namespace, key string) ([]byte, error) {
	var value []byte
	var sealed bool
	err := tx.QueryRow(`SELECT value, sealed FROM kv WHERE namespace = ? AND key = ?`, namespace, key).Scan(&value, &sealed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return s.unseal(namespace, key, value, sealed)
}

func (s *Storage) seal(namespace, key string, value []byte) ([]byte, bool, error) {
	if s.sealer == nil || !s.sealed[namespace] {
		return value, false, nil
	}
	sealed, err := s.sealer.Seal(value, aad(namespace, key))
	if err != nil {
		return nil, false, err
	}
	return sealed, true, nil
}

func (s *Storage) unseal(namespace, key string, value []byte, sealed bool) ([]byte, error) {
	if !sealed {
		return value, nil
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrSealed, namespace, key)
	}
	return s.sealer.Open(value, aad(namespace, key))
}

func aad(namespace, key string) []byte {
	return []byte(namespace + "/" + key)
}

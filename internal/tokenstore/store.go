// Package tokenstore implements the read-through JSON file cache for
// upstream access/refresh tokens (C13).
package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

// TokenSkew is the clock skew applied when deciding whether a token needs
// refreshing: a token is treated as expired 300s before its nominal expiry.
const TokenSkew = 300 * time.Second

// Store is a read-through cache over a JSON file holding the current
// access/refresh token pair.
type Store struct {
	mu   sync.Mutex
	path string

	cached  *model.TokenRecord
	loadedAt time.Time
}

// New builds a Store backed by path. The file is read lazily.
func New(path string) *Store {
	return &Store{path: path}
}

// Load returns the current token record, reading the file if not yet cached.
func (s *Store) Load() (*model.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*model.TokenRecord, error) {
	if s.cached != nil {
		return s.cached, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var rec model.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	s.cached = &rec
	return s.cached, nil
}

// Save persists rec to disk atomically, replacing the whole file, and
// updates the in-memory cache.
func (s *Store) Save(rec model.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename temp token file: %w", err)
	}

	s.cached = &rec
	return nil
}

// IsExpired reports whether the given expiry (unix seconds) is within the
// 300-second skew window of now, per the upstream token refresh policy.
func IsExpired(expiresAt int64, now time.Time) bool {
	return now.Unix() >= expiresAt-int64(TokenSkew.Seconds())
}

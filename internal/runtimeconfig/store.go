// Package runtimeconfig implements the persistent keyed settings store
// (C11) for the notifier, forwarder, and monitoring sections: whole-file
// JSON, atomic write, in-memory read cache.
package runtimeconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nuvio-labs/shopee-webhooks/internal/model"
)

// Section names recognized by the store.
const (
	SectionNotifier   = "notifier"
	SectionForwarder  = "forwarder"
	SectionMonitoring = "monitoring"
)

// Store is a read-through, write-through cache over a single JSON file
// mapping section name to model.RuntimeConfigSection.
type Store struct {
	mu    sync.RWMutex
	path  string
	cache map[string]model.RuntimeConfigSection
}

// New loads (or initializes) the config file at path.
func New(path string) (*Store, error) {
	s := &Store{path: path, cache: map[string]model.RuntimeConfigSection{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read runtime config: %w", err)
	}
	if err := json.Unmarshal(raw, &s.cache); err != nil {
		return nil, fmt.Errorf("parse runtime config: %w", err)
	}
	return s, nil
}

// Get returns the section's current value and whether it was present.
func (s *Store) Get(section string) (model.RuntimeConfigSection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cache[section]
	return v, ok
}

// Update merges partial into the existing section: fields in partial take
// precedence, but a nil/empty Secrets map in partial preserves the prior
// value so callers that omit secrets do not wipe them.
func (s *Store) Update(section string, partial model.RuntimeConfigSection) (model.RuntimeConfigSection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, existed := s.cache[section]
	merged := current
	merged.Enabled = partial.Enabled
	if !existed {
		merged.Enabled = partial.Enabled
	}
	if len(partial.Secrets) > 0 {
		if merged.Secrets == nil {
			merged.Secrets = map[string]string{}
		}
		for k, v := range partial.Secrets {
			merged.Secrets[k] = v
		}
	}
	if partial.Extra != nil {
		if merged.Extra == nil {
			merged.Extra = map[string]any{}
		}
		for k, v := range partial.Extra {
			merged.Extra[k] = v
		}
	}
	merged.UpdatedAt = time.Now().UTC().Format(time.RFC3339)

	s.cache[section] = merged

	if err := s.persistLocked(); err != nil {
		return model.RuntimeConfigSection{}, err
	}
	return merged, nil
}

func (s *Store) persistLocked() error {
	raw, err := json.MarshalIndent(s.cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime config: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".runtimeconfig-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp runtime config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp runtime config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

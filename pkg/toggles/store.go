// Package toggles persists which capabilities are switched on. Unknown names
// are enabled.
package toggles

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

const logPrefix = "toggles:store"

// Store reads and writes capability enablement.
type Store interface {
	IsEnabled(ctx context.Context, name string) (bool, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
	// List returns every explicit toggle keyed by capability name.
	List(ctx context.Context) (map[string]bool, error)
}

// Backend names selectable through TOGGLES_BACKEND.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// MemoryStore keeps toggles in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	toggles map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{toggles: make(map[string]bool)}
}

// IsEnabled reports the toggle for name, true if unset.
func (s *MemoryStore) IsEnabled(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enabled, ok := s.toggles[name]
	if !ok {
		return true, nil
	}
	return enabled, nil
}

// SetEnabled records the toggle for name.
func (s *MemoryStore) SetEnabled(_ context.Context, name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("%s - capability name is required", logPrefix)
	}
	s.mu.Lock()
	s.toggles[name] = enabled
	s.mu.Unlock()
	return nil
}

// List returns a copy of all toggles.
func (s *MemoryStore) List(_ context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.toggles))
	for k, v := range s.toggles {
		out[k] = v
	}
	return out, nil
}

// SortedNames returns the keys of toggles in lexical order.
func SortedNames(toggles map[string]bool) []string {
	names := make([]string, 0, len(toggles))
	for n := range toggles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

package distpkg

import (
	"fmt"
	"slices"
	"sync"

	"github.com/snehjoshi/epochdist/internal/types"
)

// Record is the persisted form of a package.
type Record struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Info    types.PackageInfo `json:"info"`
	Shared  bool              `json:"shared"`
	Holders []string          `json:"holders,omitempty"`
}

// Store persists package records. Implementations:
//   - MemoryStore: in-process map, used by tests and the memory backend
//   - bolt.PackageStore: bbolt-backed, survives restarts
//
// All methods must be safe for concurrent use.
type Store interface {
	// Put inserts or replaces the record for rec.ID.
	Put(rec Record) error

	// Get returns the record for id, or ErrNotFound.
	Get(id string) (Record, error)

	// Delete removes the record for id. Deleting an unknown id returns ErrNotFound.
	Delete(id string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Put(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(s.recs, id)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func cloneRecord(rec Record) Record {
	c := rec
	c.Info = rec.Info.Clone()
	c.Holders = slices.Clone(rec.Holders)
	return c
}

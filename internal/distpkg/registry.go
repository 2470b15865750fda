package distpkg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/snehjoshi/epochdist/internal/ids"
	"github.com/snehjoshi/epochdist/internal/types"
)

// Registry hands out one live *SimplePackage per package id so that every
// dispatcher and processor in the process shares a single reference count.
// Packages are loaded lazily from the Store and forgotten once deleted.
//
// All methods are safe for concurrent use.
type Registry struct {
	store Store

	mu   sync.Mutex
	live map[string]*SimplePackage
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store: store,
		live:  make(map[string]*SimplePackage),
	}
}

// Create persists a new package and returns its live instance.
func (r *Registry) Create(typ string, info types.PackageInfo, shared bool) (*SimplePackage, error) {
	id, err := ids.New()
	if err != nil {
		return nil, fmt.Errorf("distpkg: create: %w", err)
	}
	rec := Record{ID: id, Type: typ, Info: info.Clone(), Shared: shared}
	if err := r.store.Put(rec); err != nil {
		return nil, fmt.Errorf("distpkg: create %s: %w", id, err)
	}

	p := newSimplePackage(rec, r.store, r.forget)
	r.mu.Lock()
	r.live[id] = p
	r.mu.Unlock()
	return p, nil
}

// Get returns the live package for id, loading it from the store on first
// use. Returns ErrNotFound if the package does not exist (or was deleted).
func (r *Registry) Get(id string) (*SimplePackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.live[id]; ok {
		return p, nil
	}

	rec, err := r.store.Get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("distpkg: load %s: %w", id, err)
	}
	p := newSimplePackage(rec, r.store, r.forget)
	r.live[id] = p
	return p, nil
}

// Live returns the number of packages currently held in memory.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

func (r *Registry) forget(id string) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// Package distpkg models distribution packages: the unit of content change an
// agent hands to its dispatching strategy.
//
// A package lives as long as some queue still needs it. Every queue that may
// deliver the package acquires it under its own name and releases it once
// the destination is resolved; the backing record is deleted from its Store
// when the last holder lets go. Only shared packages track holders. An
// exclusive package has exactly one destination, so releasing it deletes it.
package distpkg

import (
	"errors"
	"fmt"
	"sync"

	"github.com/snehjoshi/epochdist/internal/types"
)

var (
	// ErrNotFound is returned when a package id is unknown to a Store.
	ErrNotFound = errors.New("distpkg: package not found")

	// ErrDeleted is returned when acquiring a package whose backing record has
	// already been deleted.
	ErrDeleted = errors.New("distpkg: package deleted")
)

// Package is the capability set the dispatching layer needs from a package.
type Package interface {
	ID() string
	Type() string
	Info() types.PackageInfo

	// Shared reports whether the package may be held by more than one queue.
	Shared() bool

	// Acquire registers holders that still need the package.
	// It is a no-op on exclusive packages.
	Acquire(holders ...string) error

	// ReleaseOrDelete drops holder's reference and deletes the package once
	// nobody references it. Exclusive packages are deleted right away.
	// deleted reports whether this call removed the backing record.
	ReleaseOrDelete(holder string) (deleted bool, err error)

	// Referenced reports whether any holder still needs the package.
	Referenced() bool
}

// SimplePackage is the Store-backed Package implementation. Holder changes are
// written through to the store so that references survive a restart.
//
// Obtain instances from a Registry; two SimplePackage values for the same id
// would keep independent reference counts.
type SimplePackage struct {
	id     string
	typ    string
	info   types.PackageInfo
	shared bool
	refs   *RefCount

	store    Store
	onDelete func(id string)

	mu      sync.Mutex // serialises holder changes with their persistence
	deleted bool
}

var _ Package = (*SimplePackage)(nil)

func newSimplePackage(rec Record, store Store, onDelete func(string)) *SimplePackage {
	return &SimplePackage{
		id:       rec.ID,
		typ:      rec.Type,
		info:     rec.Info.Clone(),
		shared:   rec.Shared,
		refs:     NewRefCount(rec.Holders...),
		store:    store,
		onDelete: onDelete,
	}
}

func (p *SimplePackage) ID() string   { return p.id }
func (p *SimplePackage) Type() string { return p.typ }
func (p *SimplePackage) Shared() bool { return p.shared }

// Info returns a copy of the package metadata.
func (p *SimplePackage) Info() types.PackageInfo { return p.info.Clone() }

// Holders returns the names currently holding a reference, sorted.
func (p *SimplePackage) Holders() []string { return p.refs.Holders() }

// Referenced reports whether any holder still needs the package.
func (p *SimplePackage) Referenced() bool { return p.refs.Referenced() }

// Deleted reports whether the backing record has been removed.
func (p *SimplePackage) Deleted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deleted
}

// Acquire registers holders. On exclusive packages it does nothing.
func (p *SimplePackage) Acquire(holders ...string) error {
	if !p.shared || len(holders) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return fmt.Errorf("%w: %s", ErrDeleted, p.id)
	}
	var added []string
	for _, h := range holders {
		if !p.refs.Has(h) {
			added = append(added, h)
		}
	}
	after := p.refs.Acquire(holders...)
	if err := p.persist(after); err != nil {
		// Roll back so memory and store agree.
		for _, h := range added {
			p.refs.Release(h)
		}
		return fmt.Errorf("distpkg: acquire %s: %w", p.id, err)
	}
	return nil
}

// ReleaseOrDelete drops holder and deletes the package once unreferenced.
// Calling it on an already deleted package is a no-op.
func (p *SimplePackage) ReleaseOrDelete(holder string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return false, nil
	}
	if p.shared {
		remaining := p.refs.Release(holder)
		if len(remaining) > 0 {
			if err := p.persist(remaining); err != nil {
				return false, fmt.Errorf("distpkg: release %s from %s: %w", holder, p.id, err)
			}
			return false, nil
		}
	}
	if err := p.deleteLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes the backing record regardless of holders.
func (p *SimplePackage) Delete() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deleted {
		return nil
	}
	return p.deleteLocked()
}

func (p *SimplePackage) deleteLocked() error {
	if p.store != nil {
		if err := p.store.Delete(p.id); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("distpkg: delete %s: %w", p.id, err)
		}
	}
	p.deleted = true
	if p.onDelete != nil {
		p.onDelete(p.id)
	}
	return nil
}

func (p *SimplePackage) persist(holders []string) error {
	if p.store == nil {
		return nil
	}
	return p.store.Put(p.record(holders))
}

func (p *SimplePackage) record(holders []string) Record {
	return Record{
		ID:      p.id,
		Type:    p.typ,
		Info:    p.info.Clone(),
		Shared:  p.shared,
		Holders: holders,
	}
}

// String implements fmt.Stringer for log output.
func (p *SimplePackage) String() string {
	return fmt.Sprintf("package{id=%s type=%s shared=%t paths=%v}", p.id, p.typ, p.shared, p.info.Paths)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// Acquire registers holders on p.
func Acquire(p Package, holders ...string) error {
	return p.Acquire(holders...)
}

// ReleaseOrDelete resolves holder's destination: the hold is dropped and the
// package deleted once nothing references it.
func ReleaseOrDelete(p Package, holder string) (bool, error) {
	return p.ReleaseOrDelete(holder)
}

// ReleaseHold drops a tentative hold taken with Acquire. It differs from
// ReleaseOrDelete only for exclusive packages, which never took the hold and
// must outlive it.
func ReleaseHold(p Package, holder string) (bool, error) {
	if !p.Shared() {
		return false, nil
	}
	return p.ReleaseOrDelete(holder)
}

// QueueItem builds the queue record for p. The info is deep-copied so the
// item stays immutable once enqueued.
func QueueItem(p Package) types.QueueItem {
	return types.QueueItem{
		ID:   p.ID(),
		Type: p.Type(),
		Info: p.Info().Clone(),
	}
}

// WithOrigin returns a view of p whose Info reports origin as the queue the
// package was taken from. Reference counting still goes to p.
func WithOrigin(p Package, origin string) Package {
	return &originPackage{Package: p, origin: origin}
}

type originPackage struct {
	Package
	origin string
}

func (o *originPackage) Info() types.PackageInfo {
	info := o.Package.Info()
	info.Queue = o.origin
	return info
}

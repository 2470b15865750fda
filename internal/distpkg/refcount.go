package distpkg

import (
	"slices"
	"sync"
)

// RefCount tracks which holders (queue names, or the transient name used
// during a fan-out) still need a package. A holder is either present or not:
// acquiring the same holder twice and releasing it once leaves it released.
//
// The zero value is an empty count ready for use. All methods are safe for
// concurrent use.
type RefCount struct {
	mu      sync.Mutex
	holders map[string]struct{}
}

// NewRefCount returns a count pre-populated with holders, as restored from a
// persisted record.
func NewRefCount(holders ...string) *RefCount {
	rc := &RefCount{}
	rc.Acquire(holders...)
	return rc
}

// Acquire adds holders and returns the resulting holder set, sorted.
func (rc *RefCount) Acquire(holders ...string) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.holders == nil {
		rc.holders = make(map[string]struct{}, len(holders))
	}
	for _, h := range holders {
		rc.holders[h] = struct{}{}
	}
	return rc.snapshot()
}

// Release removes holder and returns the remaining holder set, sorted.
// Releasing a holder that never acquired is not an error.
func (rc *RefCount) Release(holder string) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.holders, holder)
	return rc.snapshot()
}

// Referenced reports whether at least one holder remains.
func (rc *RefCount) Referenced() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.holders) > 0
}

// Holders returns the current holder set, sorted.
func (rc *RefCount) Holders() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.snapshot()
}

// Has reports whether holder currently holds a reference.
func (rc *RefCount) Has(holder string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	_, ok := rc.holders[holder]
	return ok
}

func (rc *RefCount) snapshot() []string {
	out := make([]string, 0, len(rc.holders))
	for h := range rc.holders {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

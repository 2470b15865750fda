package dispatch

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// fanoutHoldPrefix names the temporary hold that keeps a package alive while
// MultipleQueue walks its targets.
const fanoutHoldPrefix = "fanout-"

// MultipleQueue fans a package out to a static list of queues, sequentially
// and in list order.
type MultipleQueue struct {
	names []string
	o     options
}

// NewMultipleQueue fans out to names. names must not be empty.
func NewMultipleQueue(names []string, opts ...Option) (*MultipleQueue, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: multiple queue strategy needs at least one queue", ErrConfiguration)
	}
	return &MultipleQueue{names: slices.Clone(names), o: buildOptions(opts)}, nil
}

// Add enqueues pkg into every target. Fan-out to more than one queue needs a
// shared package and fails with ErrNotShared before touching any queue.
//
// The package is held under a temporary name for the whole walk so that an
// early target being consumed, or a later one failing, cannot delete it
// while targets remain.
func (m *MultipleQueue) Add(pkg distpkg.Package, provider queue.Provider) ([]types.QueueItemStatus, error) {
	if len(m.names) > 1 && !pkg.Shared() {
		return nil, fmt.Errorf("dispatch: multiple %v: %w", m.names, ErrNotShared)
	}

	tmp := fanoutHoldPrefix + uuid.NewString()
	if err := distpkg.Acquire(pkg, tmp); err != nil {
		return nil, fmt.Errorf("dispatch: multiple: hold %s: %w", pkg.ID(), err)
	}

	item := distpkg.QueueItem(pkg)
	out := make([]types.QueueItemStatus, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.addOne(pkg, item, provider, name))
	}

	if _, err := distpkg.ReleaseHold(pkg, tmp); err != nil {
		m.o.logger.Error("release fan-out hold", "package", pkg.ID(), "hold", tmp, "err", err)
	}
	return out, nil
}

func (m *MultipleQueue) addOne(pkg distpkg.Package, item types.QueueItem, provider queue.Provider, name string) types.QueueItemStatus {
	if err := distpkg.Acquire(pkg, name); err != nil {
		m.o.logger.Warn("acquire for queue failed", "queue", name, "package", pkg.ID(), "err", err)
		return m.o.observe(errorStatus(name))
	}

	var st types.QueueItemStatus
	q, err := provider.Queue(name)
	if err != nil {
		m.o.logger.Warn("resolve queue failed", "queue", name, "err", err)
		st = m.o.observe(errorStatus(name))
	} else {
		st = m.o.enqueue(q, item)
	}

	if st.State == types.ItemError {
		if _, err := distpkg.ReleaseHold(pkg, name); err != nil {
			m.o.logger.Error("release failed destination", "queue", name, "package", pkg.ID(), "err", err)
		}
	}
	return st
}

func (m *MultipleQueue) QueueNames() []string { return slices.Clone(m.names) }

// Package dispatch decides which queues receive a distribution package.
//
// A Strategy takes a package plus a queue.Provider, enqueues the package's
// queue item into every destination it selects and reports one status per
// destination. Variants compose by delegation: Priority and Selective build a
// MultipleQueue per call, PriorityPath and ErrorAware delegate to SingleQueue.
//
// Reference counting follows the distpkg protocol: each destination acquires
// the package under its queue name before the first enqueue attempt and a
// failed destination releases its hold immediately.
package dispatch

import (
	"errors"
	"fmt"
	"slices"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// DefaultQueueName is the queue used when a strategy is not told otherwise.
const DefaultQueueName = "default"

// Strategy routes packages to queues.
type Strategy interface {
	// Add enqueues pkg into the queues this strategy selects and returns one
	// status per destination. A destination that rejected the item shows up
	// as an ERROR status; only configuration problems and failures that
	// prevent any routing decision are returned as errors.
	Add(pkg distpkg.Package, provider queue.Provider) ([]types.QueueItemStatus, error)

	// QueueNames lists every queue name Add may ask the provider for.
	QueueNames() []string
}

var (
	// ErrConfiguration marks errors caused by how a strategy was set up or
	// used, as opposed to queue failures.
	ErrConfiguration = errors.New("dispatch: invalid configuration")

	// ErrNotShared is returned when a fan-out to several queues is attempted
	// with an exclusive package.
	ErrNotShared = fmt.Errorf("%w: package must be shared to fan out", ErrConfiguration)

	// ErrUnknownStrategy is returned by New for an unrecognised strategy kind.
	ErrUnknownStrategy = fmt.Errorf("%w: unknown strategy", ErrConfiguration)
)

// Compile-time interface checks.
var (
	_ Strategy = (*SingleQueue)(nil)
	_ Strategy = (*MultipleQueue)(nil)
	_ Strategy = (*ErrorQueue)(nil)
	_ Strategy = (*PriorityPath)(nil)
	_ Strategy = (*Priority)(nil)
	_ Strategy = (*Selective)(nil)
	_ Strategy = (*ErrorAware)(nil)
)

// ─── shared helpers ───────────────────────────────────────────────────────────

func errorStatus(queueName string) types.QueueItemStatus {
	return types.QueueItemStatus{State: types.ItemError, QueueName: queueName}
}

// enqueue adds item to q and reports the resulting status. A rejected add
// yields an ERROR status; it is never returned as an error.
func (o *options) enqueue(q queue.Queue, item types.QueueItem) types.QueueItemStatus {
	if err := q.Add(item); err != nil {
		o.logger.Warn("enqueue failed", "queue", q.Name(), "item", item.ID, "err", err)
		return o.observe(errorStatus(q.Name()))
	}
	st, err := q.ItemStatus(item)
	if err != nil {
		// The item is in; only the read-back failed.
		o.logger.Warn("item status unavailable after enqueue", "queue", q.Name(), "item", item.ID, "err", err)
		st = types.QueueItemStatus{State: types.ItemQueued, QueueName: q.Name(), Entered: o.clock.Now()}
	}
	return o.observe(st)
}

func (o *options) observe(st types.QueueItemStatus) types.QueueItemStatus {
	if o.metrics != nil {
		o.metrics.Dispatched.WithLabelValues(st.QueueName, st.State.String()).Inc()
	}
	return st
}

// appendUnique appends the names not already present in dst, keeping order.
func appendUnique(dst []string, names ...string) []string {
	for _, n := range names {
		if !slices.Contains(dst, n) {
			dst = append(dst, n)
		}
	}
	return dst
}

package dispatch

import (
	"slices"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// ErrorQueue moves failed packages into the error queue paired with the
// queue they came from ("error-" + origin). The origin is read from
// pkg.Info().Queue; packages from any other origin are ignored.
type ErrorQueue struct {
	origins []string
	o       options
}

// NewErrorQueue handles packages whose origin is one of origins.
func NewErrorQueue(origins []string, opts ...Option) *ErrorQueue {
	return &ErrorQueue{origins: slices.Clone(origins), o: buildOptions(opts)}
}

// Add never returns an error: an unknown origin yields no statuses, and a
// failed move is logged, its hold released, and reported as no statuses.
func (e *ErrorQueue) Add(pkg distpkg.Package, provider queue.Provider) ([]types.QueueItemStatus, error) {
	origin := pkg.Info().Queue
	if !slices.Contains(e.origins, origin) {
		return nil, nil
	}
	name := queue.ErrorQueueName(origin)

	if err := distpkg.Acquire(pkg, name); err != nil {
		e.o.logger.Error("acquire for error queue failed", "queue", name, "package", pkg.ID(), "err", err)
		return nil, nil
	}

	q, err := provider.Queue(name)
	if err != nil {
		e.o.logger.Error("resolve error queue failed", "queue", name, "err", err)
		e.release(pkg, name)
		return nil, nil
	}

	st := e.o.enqueue(q, distpkg.QueueItem(pkg))
	if st.State == types.ItemError {
		e.o.logger.Error("move to error queue failed", "queue", name, "package", pkg.ID())
		e.release(pkg, name)
		return nil, nil
	}
	return []types.QueueItemStatus{st}, nil
}

func (e *ErrorQueue) release(pkg distpkg.Package, name string) {
	if _, err := distpkg.ReleaseHold(pkg, name); err != nil {
		e.o.logger.Error("release error queue hold", "queue", name, "package", pkg.ID(), "err", err)
	}
}

func (e *ErrorQueue) QueueNames() []string {
	out := make([]string, 0, len(e.origins))
	for _, o := range e.origins {
		out = append(out, queue.ErrorQueueName(o))
	}
	return out
}

package dispatch

import (
	"fmt"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

// SingleQueue routes every package to one fixed queue. It takes no package
// holds; the lone destination owns the package.
type SingleQueue struct {
	name string
	o    options
}

// NewSingleQueue routes to name, or DefaultQueueName when name is empty.
func NewSingleQueue(name string, opts ...Option) *SingleQueue {
	if name == "" {
		name = DefaultQueueName
	}
	return &SingleQueue{name: name, o: buildOptions(opts)}
}

func (s *SingleQueue) Add(pkg distpkg.Package, provider queue.Provider) ([]types.QueueItemStatus, error) {
	q, err := provider.Queue(s.name)
	if err != nil {
		return nil, fmt.Errorf("dispatch: single: queue %s: %w", s.name, err)
	}
	return []types.QueueItemStatus{s.o.enqueue(q, distpkg.QueueItem(pkg))}, nil
}

func (s *SingleQueue) QueueNames() []string { return []string{s.name} }

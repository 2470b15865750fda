package queue

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryProvider creates MemoryQueues on demand and keeps them for the
// lifetime of the process.
//
// All methods are safe for concurrent use.
type MemoryProvider struct {
	mu     sync.RWMutex
	queues map[string]*MemoryQueue
	opts   []Option
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty provider. opts are applied to every
// queue it creates.
func NewMemoryProvider(opts ...Option) *MemoryProvider {
	return &MemoryProvider{
		queues: make(map[string]*MemoryQueue),
		opts:   opts,
	}
}

// Queue returns the queue called name, creating it first if needed.
func (p *MemoryProvider) Queue(name string) (Queue, error) {
	return p.MemoryQueue(name)
}

// MemoryQueue is Queue with the concrete return type, for tests that need
// RecordAttempt or direct inspection.
func (p *MemoryProvider) MemoryQueue(name string) (*MemoryQueue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue: empty queue name")
	}

	p.mu.RLock()
	q, ok := p.queues[name]
	p.mu.RUnlock()
	if ok {
		return q, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Double-check under write lock (avoid TOCTOU between RLock check and Lock).
	if q, ok := p.queues[name]; ok {
		return q, nil
	}
	q = NewMemoryQueue(name, p.opts...)
	p.queues[name] = q
	return q, nil
}

// Names returns the names of every queue created so far, sorted.
func (p *MemoryProvider) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.queues))
	for n := range p.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

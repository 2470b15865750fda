package queue

import "github.com/snehjoshi/epochdist/internal/types"

// PausedQueue reports PAUSED from Status while paused returns true, keeping
// the delegate's item count. All other operations pass through.
//
// Wrap a CachingQueue with it, not the other way round; otherwise the PAUSED
// state would be cached and outlive a resume by up to the cache TTL.
type PausedQueue struct {
	Queue
	paused func() bool
}

var _ Wrapper = (*PausedQueue)(nil)

// NewPausedQueue wraps q; paused is consulted on every Status call.
func NewPausedQueue(q Queue, paused func() bool) *PausedQueue {
	return &PausedQueue{Queue: q, paused: paused}
}

func (p *PausedQueue) Status() (types.QueueStatus, error) {
	st, err := p.Queue.Status()
	if err != nil {
		return st, err
	}
	if p.paused() {
		st.State = types.QueuePaused
	}
	return st, nil
}

// Unwrap returns the wrapped queue.
func (p *PausedQueue) Unwrap() Queue { return p.Queue }

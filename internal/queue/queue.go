// Package queue defines the queue contract the dispatching layer writes to,
// plus the in-process implementation and the status decorators (status cache,
// paused view) an agent stacks on top of a provider's queues.
//
// Stacking order is fixed: PausedQueue wraps CachingQueue wraps the raw
// queue, so the pause override is recomputed on every call and never cached.
package queue

import (
	"errors"
	"fmt"
	"strings"

	"github.com/snehjoshi/epochdist/internal/types"
)

// ─── Contracts ────────────────────────────────────────────────────────────────

// Queue is a named, persistent FIFO of items with per-item status tracking.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Name returns the queue name.
	Name() string

	// Add appends item. Adding an id that is already queued is a no-op.
	// Any error means the queue rejected the item.
	Add(item types.QueueItem) error

	// Remove deletes the item with itemID and returns it.
	// Returns nil, nil if no such item is queued.
	Remove(itemID string) (*types.QueueItem, error)

	// Entry returns the item with itemID and its status, or nil, nil.
	Entry(itemID string) (*types.QueueEntry, error)

	// Head returns the oldest entry, or nil, nil when the queue is empty.
	Head() (*types.QueueEntry, error)

	// Status returns the item count and aggregate state. It may be expensive.
	Status() (types.QueueStatus, error)

	// ItemStatus returns the status of item in this queue. Items that are no
	// longer queued are reported as SUCCEEDED.
	ItemStatus(item types.QueueItem) (types.QueueItemStatus, error)

	// Items returns up to limit items starting at offset, in FIFO order.
	// limit <= 0 means no limit.
	Items(offset, limit int) ([]types.QueueItem, error)

	// IsEmpty reports whether the queue holds no items.
	IsEmpty() (bool, error)
}

// Provider resolves queues by name, creating them on first access.
// Calling Queue twice with the same name returns the same queue.
type Provider interface {
	Queue(name string) (Queue, error)
}

// AttemptRecorder is implemented by queues that track delivery attempts.
// The agent's processor calls it after a failed delivery.
type AttemptRecorder interface {
	RecordAttempt(itemID string) (types.QueueItemStatus, error)
}

// Wrapper is implemented by decorators so callers can reach the queue below.
type Wrapper interface {
	Unwrap() Queue
}

// ─── Errors ───────────────────────────────────────────────────────────────────

var (
	// ErrItemNotFound is returned by operations that require the item to be queued.
	ErrItemNotFound = errors.New("queue: item not found")

	// ErrQueueClosed is returned by persistent queues after their backing
	// store has been closed.
	ErrQueueClosed = errors.New("queue: closed")

	// ErrAttemptsUnsupported is returned by RecordAttempt when no queue in a
	// wrapper chain tracks attempts.
	ErrAttemptsUnsupported = errors.New("queue: attempts not tracked")
)

// RecordAttempt records a failed delivery attempt on the first queue in the
// wrapper chain starting at q that implements AttemptRecorder.
func RecordAttempt(q Queue, itemID string) (types.QueueItemStatus, error) {
	for {
		if r, ok := q.(AttemptRecorder); ok {
			return r.RecordAttempt(itemID)
		}
		w, ok := q.(Wrapper)
		if !ok {
			return types.QueueItemStatus{}, fmt.Errorf("%w: %s", ErrAttemptsUnsupported, q.Name())
		}
		q = w.Unwrap()
	}
}

// ─── Error queue naming ───────────────────────────────────────────────────────

const errorQueuePrefix = "error-"

// ErrorQueueName returns the name of the dead-letter queue paired with origin.
func ErrorQueueName(origin string) string { return errorQueuePrefix + origin }

// IsErrorQueue reports whether name is a dead-letter queue name.
func IsErrorQueue(name string) bool { return strings.HasPrefix(name, errorQueuePrefix) }

// OriginOf returns the origin queue name of an error queue, or "" if name is
// not an error queue.
func OriginOf(name string) string {
	if !IsErrorQueue(name) {
		return ""
	}
	return strings.TrimPrefix(name, errorQueuePrefix)
}

// ─── State helpers ────────────────────────────────────────────────────────────

// blockedAfterAttempts is the head attempt count above which a queue reports
// itself BLOCKED instead of RUNNING.
const blockedAfterAttempts = 1

// StateOf derives the aggregate queue state from its size and head entry.
// Shared by every Queue implementation so they agree on BLOCKED.
func StateOf(count int, head *types.QueueEntry) types.QueueState {
	switch {
	case count == 0 || head == nil:
		return types.QueueIdle
	case head.Status.Attempts > blockedAfterAttempts:
		return types.QueueBlocked
	default:
		return types.QueueRunning
	}
}

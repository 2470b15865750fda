// Package types contains the core domain types shared across all epochdist
// internal packages. It deliberately has zero imports of other epochdist
// packages so that the storage layer, the queue layer and the dispatching
// layer can all import from it without creating import cycles.
package types

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// ItemState is the lifecycle state of one item inside one queue.
type ItemState uint8

const (
	// ItemQueued means the item is waiting in the queue.
	ItemQueued ItemState = iota
	// ItemActive means a processor is currently delivering the item.
	ItemActive
	// ItemSucceeded means the item was delivered and left the queue.
	ItemSucceeded
	// ItemError means the item could not be enqueued or delivered.
	ItemError
	// ItemStopped means processing of the item was stopped by an operator.
	ItemStopped
	// ItemGivenUp means the processor gave up retrying the item.
	ItemGivenUp
	// ItemDropped means the item was discarded without delivery.
	ItemDropped
)

// String returns a human-readable representation of the state.
func (s ItemState) String() string {
	switch s {
	case ItemQueued:
		return "QUEUED"
	case ItemActive:
		return "ACTIVE"
	case ItemSucceeded:
		return "SUCCEEDED"
	case ItemError:
		return "ERROR"
	case ItemStopped:
		return "STOPPED"
	case ItemGivenUp:
		return "GIVEN_UP"
	case ItemDropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s ItemState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name produced by MarshalText.
func (s *ItemState) UnmarshalText(b []byte) error {
	for c := ItemQueued; c <= ItemDropped; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("types: unknown item state %q", b)
}

// QueueState is the aggregate state of a whole queue.
type QueueState uint8

const (
	// QueueIdle means the queue holds no items.
	QueueIdle QueueState = iota
	// QueueRunning means the queue holds items and its head is draining.
	QueueRunning
	// QueueBlocked means the head item failed more than once.
	QueueBlocked
	// QueuePaused means the owning agent is administratively paused.
	QueuePaused
)

// String returns a human-readable representation of the state.
func (s QueueState) String() string {
	switch s {
	case QueueIdle:
		return "IDLE"
	case QueueRunning:
		return "RUNNING"
	case QueueBlocked:
		return "BLOCKED"
	case QueuePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s QueueState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a state name produced by MarshalText.
func (s *QueueState) UnmarshalText(b []byte) error {
	for c := QueueIdle; c <= QueuePaused; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("types: unknown queue state %q", b)
}

// RequestType is the kind of content change a package carries.
type RequestType string

const (
	RequestAdd    RequestType = "add"
	RequestDelete RequestType = "delete"
	RequestPull   RequestType = "pull"
	RequestTest   RequestType = "test"
)

// PackageInfo is the structured metadata attached to a package and copied
// into every queue item created from it.
type PackageInfo struct {
	// Paths are the content paths affected by the change, in request order.
	Paths []string `json:"paths"`

	RequestType RequestType `json:"request_type"`

	// Queue is the name of the queue the package was last taken from. It is
	// set when a queue item is processed or moved to an error queue, and read
	// back by the error-queue strategy to find the origin.
	Queue string `json:"queue,omitempty"`

	// Properties holds arbitrary key-value pairs set by the producer.
	Properties map[string]string `json:"properties,omitempty"`
}

// Clone returns a deep copy of the info.
func (i PackageInfo) Clone() PackageInfo {
	c := i
	c.Paths = slices.Clone(i.Paths)
	c.Properties = maps.Clone(i.Properties)
	return c
}

// QueueItem is the lightweight record actually stored in a queue.
// It is created once per enqueue call and never mutated afterwards.
type QueueItem struct {
	// ID is the id of the package the item was created from.
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Info PackageInfo `json:"info"`
}

// QueueItemStatus is the state of one item within one queue. It is owned by
// the queue implementation; the dispatching layer only reads it.
type QueueItemStatus struct {
	State     ItemState `json:"state"`
	QueueName string    `json:"queue_name"`

	// Attempts is the number of delivery attempts made so far.
	Attempts int `json:"attempts"`

	// Entered is when the item was enqueued. Zero for items that never made
	// it into the queue.
	Entered time.Time `json:"entered"`
}

// QueueEntry pairs an item with its status; it is what "peek" returns.
type QueueEntry struct {
	Item   QueueItem
	Status QueueItemStatus
}

// QueueStatus is the aggregate view of a queue: how many items it holds and
// what state it is in. Computing it may be expensive for durable queues.
type QueueStatus struct {
	ItemsCount int        `json:"items_count"`
	State      QueueState `json:"state"`
}

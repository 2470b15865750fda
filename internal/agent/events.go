package agent

import (
	"slices"
	"sync"
	"time"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/types"
)

// EventTopic names a point in a package's life inside an agent.
type EventTopic string

const (
	// TopicPackageCreated fires for every package the exporter returns.
	TopicPackageCreated EventTopic = "PACKAGE_CREATED"
	// TopicPackageQueued fires once the strategy has dispatched a package.
	TopicPackageQueued EventTopic = "PACKAGE_QUEUED"
	// TopicPackageDistributed fires after a successful import.
	TopicPackageDistributed EventTopic = "PACKAGE_DISTRIBUTED"
)

// Event describes a package lifecycle step.
type Event struct {
	Topic       EventTopic        `json:"topic"`
	Agent       string            `json:"agent"`
	PackageID   string            `json:"package_id"`
	PackageType string            `json:"package_type"`
	RequestType types.RequestType `json:"request_type"`
	Paths       []string          `json:"paths"`
	// Queues holds the accepting queues for QUEUED and the origin queue for
	// DISTRIBUTED.
	Queues []string  `json:"queues,omitempty"`
	At     time.Time `json:"at"`
}

// EventSink receives agent events. Publish is called synchronously from
// request and processing paths and must not block.
type EventSink interface {
	Publish(Event)
}

// WithEvents sets where package lifecycle events are published.
func WithEvents(sink EventSink) Option { return func(a *Agent) { a.events = sink } }

func (a *Agent) emit(topic EventTopic, pkg distpkg.Package, queues ...string) {
	if a.events == nil {
		return
	}
	info := pkg.Info()
	a.events.Publish(Event{
		Topic:       topic,
		Agent:       a.name,
		PackageID:   pkg.ID(),
		PackageType: pkg.Type(),
		RequestType: info.RequestType,
		Paths:       info.Paths,
		Queues:      queues,
		At:          a.clock.Now(),
	})
}

// Broadcaster is an EventSink that fans events out to subscribers. A
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan Event
}

// NewBroadcaster returns a Broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Event)}
}

// Publish implements EventSink.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		e := ev
		e.Paths = slices.Clone(ev.Paths)
		e.Queues = slices.Clone(ev.Queues)
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters it and closes the channel; it is safe to call more
// than once.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Subscribers returns the number of registered subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

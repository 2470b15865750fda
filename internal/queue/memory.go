package queue

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/snehjoshi/epochdist/internal/types"
)

// memEntry is one element of the in-memory FIFO.
type memEntry struct {
	item     types.QueueItem
	attempts int
	entered  time.Time
}

// MemoryQueue is an in-process Queue.
//
// Architecture:
//   - "items" is a linked list of *memEntry values (FIFO order, cheap pop-front).
//   - "index" maps item id → list element for O(1) Remove/Entry.
//
// Contents do not survive a restart; use bolt.Queue for durability.
// All public methods are safe for concurrent use.
type MemoryQueue struct {
	name  string
	clock clockwork.Clock

	mu    sync.Mutex
	items *list.List
	index map[string]*list.Element
}

var (
	_ Queue           = (*MemoryQueue)(nil)
	_ AttemptRecorder = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates an empty queue called name.
func NewMemoryQueue(name string, opts ...Option) *MemoryQueue {
	o := buildOptions(opts)
	return &MemoryQueue{
		name:  name,
		clock: o.clock,
		items: list.New(),
		index: make(map[string]*list.Element),
	}
}

func (q *MemoryQueue) Name() string { return q.name }

// Add appends item unless an item with the same id is already queued.
func (q *MemoryQueue) Add(item types.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[item.ID]; ok {
		return nil
	}
	item.Info = item.Info.Clone()
	q.index[item.ID] = q.items.PushBack(&memEntry{item: item, entered: q.clock.Now()})
	return nil
}

func (q *MemoryQueue) Remove(itemID string) (*types.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[itemID]
	if !ok {
		return nil, nil
	}
	q.items.Remove(el)
	delete(q.index, itemID)
	item := cloneItem(el.Value.(*memEntry).item)
	return &item, nil
}

func (q *MemoryQueue) Entry(itemID string) (*types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[itemID]
	if !ok {
		return nil, nil
	}
	return q.entryOf(el.Value.(*memEntry)), nil
}

func (q *MemoryQueue) Head() (*types.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.headLocked(), nil
}

func (q *MemoryQueue) Status() (types.QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.items.Len()
	return types.QueueStatus{ItemsCount: n, State: StateOf(n, q.headLocked())}, nil
}

func (q *MemoryQueue) ItemStatus(item types.QueueItem) (types.QueueItemStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[item.ID]
	if !ok {
		return types.QueueItemStatus{State: types.ItemSucceeded, QueueName: q.name}, nil
	}
	return q.entryOf(el.Value.(*memEntry)).Status, nil
}

func (q *MemoryQueue) Items(offset, limit int) ([]types.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []types.QueueItem
	i := 0
	for el := q.items.Front(); el != nil; el = el.Next() {
		if i >= offset {
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, cloneItem(el.Value.(*memEntry).item))
		}
		i++
	}
	return out, nil
}

func (q *MemoryQueue) IsEmpty() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len() == 0, nil
}

// RecordAttempt increments the attempt counter of the queued item.
func (q *MemoryQueue) RecordAttempt(itemID string) (types.QueueItemStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	el, ok := q.index[itemID]
	if !ok {
		return types.QueueItemStatus{}, ErrItemNotFound
	}
	e := el.Value.(*memEntry)
	e.attempts++
	return q.entryOf(e).Status, nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

func (q *MemoryQueue) headLocked() *types.QueueEntry {
	front := q.items.Front()
	if front == nil {
		return nil
	}
	return q.entryOf(front.Value.(*memEntry))
}

func (q *MemoryQueue) entryOf(e *memEntry) *types.QueueEntry {
	return &types.QueueEntry{
		Item: cloneItem(e.item),
		Status: types.QueueItemStatus{
			State:     types.ItemQueued,
			QueueName: q.name,
			Attempts:  e.attempts,
			Entered:   e.entered,
		},
	}
}

func cloneItem(item types.QueueItem) types.QueueItem {
	item.Info = item.Info.Clone()
	return item
}

package dispatch_test

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/types"
)

var (
	errRejected     = errors.New("queue rejected item")
	errRemoveFailed = errors.New("queue remove failed")
)

// recordingProvider wraps a MemoryProvider. Queues named in reject refuse
// every Add and queues in failRemove fail every Remove. In queues named in
// vanish, Remove behaves as if another caller removed the item first. Every
// Add and Remove is appended to ops as "op queue id".
type recordingProvider struct {
	*queue.MemoryProvider
	reject     map[string]bool
	failRemove map[string]bool
	vanish     map[string]bool

	mu  sync.Mutex
	ops []string
}

func newProvider(reject ...string) *recordingProvider {
	p := &recordingProvider{
		MemoryProvider: queue.NewMemoryProvider(),
		reject:         map[string]bool{},
		failRemove:     map[string]bool{},
		vanish:         map[string]bool{},
	}
	for _, r := range reject {
		p.reject[r] = true
	}
	return p
}

func (p *recordingProvider) Queue(name string) (queue.Queue, error) {
	q, err := p.MemoryProvider.Queue(name)
	if err != nil {
		return nil, err
	}
	return &recordingQueue{
		Queue:      q,
		p:          p,
		reject:     p.reject[name],
		failRemove: p.failRemove[name],
		vanish:     p.vanish[name],
	}, nil
}

func (p *recordingProvider) record(op string) {
	p.mu.Lock()
	p.ops = append(p.ops, op)
	p.mu.Unlock()
}

func (p *recordingProvider) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.ops)
}

// ids returns the ids queued in name, FIFO order.
func (p *recordingProvider) ids(t *testing.T, name string) []string {
	t.Helper()
	q, err := p.MemoryProvider.Queue(name)
	if err != nil {
		t.Fatalf("Queue(%s): %v", name, err)
	}
	items, _ := q.Items(0, 0)
	out := []string{}
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

type recordingQueue struct {
	queue.Queue
	p          *recordingProvider
	reject     bool
	failRemove bool
	vanish     bool
}

func (q *recordingQueue) Add(item types.QueueItem) error {
	if q.reject {
		q.p.record(fmt.Sprintf("reject %s %s", q.Name(), item.ID))
		return errRejected
	}
	q.p.record(fmt.Sprintf("add %s %s", q.Name(), item.ID))
	return q.Queue.Add(item)
}

func (q *recordingQueue) Remove(id string) (*types.QueueItem, error) {
	if q.failRemove {
		q.p.record(fmt.Sprintf("fail-remove %s %s", q.Name(), id))
		return nil, errRemoveFailed
	}
	q.p.record(fmt.Sprintf("remove %s %s", q.Name(), id))
	if q.vanish {
		if _, err := q.Queue.Remove(id); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return q.Queue.Remove(id)
}

func (q *recordingQueue) Unwrap() queue.Queue { return q.Queue }

// fakePackage records every hold change.
type fakePackage struct {
	id     string
	info   types.PackageInfo
	shared bool

	mu       sync.Mutex
	acquired []string
	released []string
}

var _ distpkg.Package = (*fakePackage)(nil)

func (f *fakePackage) ID() string              { return f.id }
func (f *fakePackage) Type() string            { return "vlt" }
func (f *fakePackage) Info() types.PackageInfo { return f.info.Clone() }
func (f *fakePackage) Shared() bool            { return f.shared }

func (f *fakePackage) Acquire(holders ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquired = append(f.acquired, holders...)
	return nil
}

func (f *fakePackage) ReleaseOrDelete(holder string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, holder)
	return false, nil
}

func (f *fakePackage) Referenced() bool { return len(f.outstanding()) > 0 }

// outstanding returns holders acquired more often than released.
func (f *fakePackage) outstanding() []string {
	count := map[string]int{}
	for _, h := range f.acquired {
		count[h]++
	}
	for _, h := range f.released {
		count[h]--
	}
	var out []string
	for h, n := range count {
		if n != 0 {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return out
}

func newRegistry(t *testing.T) (*distpkg.Registry, *distpkg.MemoryStore) {
	t.Helper()
	store := distpkg.NewMemoryStore()
	return distpkg.NewRegistry(store), store
}

func createPackage(t *testing.T, reg *distpkg.Registry, shared bool, paths ...string) *distpkg.SimplePackage {
	t.Helper()
	p, err := reg.Create("vlt", types.PackageInfo{Paths: paths, RequestType: types.RequestAdd}, shared)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return p
}

func queueNames(sts []types.QueueItemStatus) []string {
	out := make([]string, len(sts))
	for i, s := range sts {
		out[i] = s.QueueName
	}
	return out
}

func states(sts []types.QueueItemStatus) []types.ItemState {
	out := make([]types.ItemState, len(sts))
	for i, s := range sts {
		out[i] = s.State
	}
	return out
}

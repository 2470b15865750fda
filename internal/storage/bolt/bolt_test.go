package bolt_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/queue"
	"github.com/snehjoshi/epochdist/internal/storage/bolt"
	"github.com/snehjoshi/epochdist/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func openProvider(t *testing.T, path string, opts ...bolt.Option) *bolt.Provider {
	t.Helper()
	p, err := bolt.Open(path, opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newProvider(t *testing.T, opts ...bolt.Option) *bolt.Provider {
	t.Helper()
	return openProvider(t, filepath.Join(t.TempDir(), "epochdist.db"), opts...)
}

func mustQueue(t *testing.T, p *bolt.Provider, name string) *bolt.Queue {
	t.Helper()
	q, err := p.BoltQueue(name)
	if err != nil {
		t.Fatalf("BoltQueue(%s): %v", name, err)
	}
	return q
}

func item(id string, paths ...string) types.QueueItem {
	return types.QueueItem{
		ID:   id,
		Type: "vlt",
		Info: types.PackageInfo{Paths: paths, RequestType: types.RequestAdd, Queue: "default"},
	}
}

func ids(items []types.QueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// ─── Queue ───────────────────────────────────────────────────────────────────

func TestQueue_FIFOAndPaging(t *testing.T) {
	q := mustQueue(t, newProvider(t), "default")
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := q.Add(item(id, "/content/"+id)); err != nil {
			t.Fatalf("Add(%s): %v", id, err)
		}
	}

	all, err := q.Items(0, 0)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, ids(all)); diff != "" {
		t.Errorf("Items (-want +got):\n%s", diff)
	}
	page, _ := q.Items(1, 2)
	if diff := cmp.Diff([]string{"b", "c"}, ids(page)); diff != "" {
		t.Errorf("Items(1,2) (-want +got):\n%s", diff)
	}

	head, _ := q.Head()
	if head == nil || head.Item.ID != "a" {
		t.Fatalf("Head: want a, got %v", head)
	}
	if head.Status.State != types.ItemQueued || head.Status.QueueName != "default" {
		t.Errorf("Head status: got %+v", head.Status)
	}
	if diff := cmp.Diff([]string{"/content/a"}, head.Item.Info.Paths); diff != "" {
		t.Errorf("Head paths (-want +got):\n%s", diff)
	}
}

func TestQueue_AddIdempotentAndRemove(t *testing.T) {
	q := mustQueue(t, newProvider(t), "default")
	_ = q.Add(item("a"))
	_ = q.Add(item("a"))
	_ = q.Add(item("b"))

	st, err := q.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.ItemsCount != 2 || st.State != types.QueueRunning {
		t.Errorf("want 2/RUNNING, got %d/%s", st.ItemsCount, st.State)
	}

	removed, err := q.Remove("a")
	if err != nil || removed == nil || removed.ID != "a" {
		t.Fatalf("Remove(a): item=%v err=%v", removed, err)
	}
	if got, err := q.Remove("a"); got != nil || err != nil {
		t.Errorf("second Remove(a): want nil,nil got %v,%v", got, err)
	}

	is, _ := q.ItemStatus(item("a"))
	if is.State != types.ItemSucceeded {
		t.Errorf("ItemStatus after remove: want SUCCEEDED, got %s", is.State)
	}

	_, _ = q.Remove("b")
	empty, _ := q.IsEmpty()
	if !empty {
		t.Error("queue should be empty")
	}
	st, _ = q.Status()
	if st.ItemsCount != 0 || st.State != types.QueueIdle {
		t.Errorf("want 0/IDLE, got %d/%s", st.ItemsCount, st.State)
	}
}

func TestQueue_RecordAttemptBlocksHead(t *testing.T) {
	clk := clockwork.NewFakeClock()
	q := mustQueue(t, newProvider(t, bolt.WithClock(clk)), "default")
	_ = q.Add(item("a"))
	entered := clk.Now()

	clk.Advance(time.Minute)
	st, err := q.RecordAttempt("a")
	if err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if st.Attempts != 1 || !st.Entered.Equal(entered) {
		t.Errorf("status: want attempts=1 entered=%v, got %+v", entered, st)
	}
	_, _ = q.RecordAttempt("a")

	qs, _ := q.Status()
	if qs.State != types.QueueBlocked {
		t.Errorf("want BLOCKED after two failed attempts, got %s", qs.State)
	}

	if _, err := q.RecordAttempt("zzz"); !errors.Is(err, queue.ErrItemNotFound) {
		t.Errorf("RecordAttempt(unknown): want ErrItemNotFound, got %v", err)
	}
}

func TestQueue_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochdist.db")

	p1, err := bolt.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	q1 := mustQueue(t, p1, "default")
	_ = q1.Add(item("a"))
	_ = q1.Add(item("b"))
	_, _ = q1.RecordAttempt("a")
	_ = mustQueue(t, p1, "error-default")
	if err := p1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2 := openProvider(t, path)
	names, err := p2.Names()
	if err != nil {
		t.Fatalf("Names: %v", err)
	}
	if diff := cmp.Diff([]string{"default", "error-default"}, names); diff != "" {
		t.Errorf("Names (-want +got):\n%s", diff)
	}

	q2 := mustQueue(t, p2, "default")
	all, _ := q2.Items(0, 0)
	if diff := cmp.Diff([]string{"a", "b"}, ids(all)); diff != "" {
		t.Errorf("Items after reopen (-want +got):\n%s", diff)
	}
	e, _ := q2.Entry("a")
	if e == nil || e.Status.Attempts != 1 {
		t.Errorf("attempts after reopen: want 1, got %+v", e)
	}

	// New items still sort after the recovered ones.
	_ = q2.Add(item("c"))
	all, _ = q2.Items(0, 0)
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids(all)); diff != "" {
		t.Errorf("Items after add (-want +got):\n%s", diff)
	}
}

func TestQueue_ClosedProvider(t *testing.T) {
	p := newProvider(t)
	q := mustQueue(t, p, "default")
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := q.Add(item("a")); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Add after close: want ErrQueueClosed, got %v", err)
	}
	if _, err := p.Queue("other"); !errors.Is(err, queue.ErrQueueClosed) {
		t.Errorf("Queue after close: want ErrQueueClosed, got %v", err)
	}
}

func TestProvider_QueueIsIdempotent(t *testing.T) {
	p := newProvider(t)
	a, _ := p.Queue("x")
	b, _ := p.Queue("x")
	if a != b {
		t.Error("Queue must return the same instance for the same name")
	}
	if _, err := p.Queue(""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestQueue_UnderStatusCache(t *testing.T) {
	clk := clockwork.NewFakeClock()
	raw := mustQueue(t, newProvider(t), "default")
	q := queue.NewCachingQueue(raw, queue.NewStatusCache(time.Minute, queue.WithClock(clk)), "agent/default")

	_ = q.Add(item("a"))
	st, _ := q.Status()
	if st.ItemsCount != 1 {
		t.Fatalf("count: want 1, got %d", st.ItemsCount)
	}

	// A write that bypasses the wrapper is not seen until the TTL elapses.
	_ = raw.Add(item("b"))
	st, _ = q.Status()
	if st.ItemsCount != 1 {
		t.Errorf("cached count: want 1, got %d", st.ItemsCount)
	}
	clk.Advance(time.Minute)
	st, _ = q.Status()
	if st.ItemsCount != 2 {
		t.Errorf("count after TTL: want 2, got %d", st.ItemsCount)
	}
}

// ─── PackageStore ────────────────────────────────────────────────────────────

func TestPackageStore_CRUD(t *testing.T) {
	s := newProvider(t).Packages()
	rec := distpkg.Record{
		ID:      "p1",
		Type:    "vlt",
		Info:    types.PackageInfo{Paths: []string{"/content/a"}, RequestType: types.RequestAdd},
		Shared:  true,
		Holders: []string{"q1", "q2"},
	}
	if err := s.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get("p1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("Get (-want +got):\n%s", diff)
	}

	var seen []string
	_ = s.ForEach(func(r distpkg.Record) error {
		seen = append(seen, r.ID)
		return nil
	})
	if diff := cmp.Diff([]string{"p1"}, seen); diff != "" {
		t.Errorf("ForEach (-want +got):\n%s", diff)
	}

	if err := s.Delete("p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("p1"); !errors.Is(err, distpkg.ErrNotFound) {
		t.Errorf("Get after delete: want ErrNotFound, got %v", err)
	}
	if err := s.Delete("p1"); !errors.Is(err, distpkg.ErrNotFound) {
		t.Errorf("Delete unknown: want ErrNotFound, got %v", err)
	}
}

func TestPackageStore_RegistryRestoresHolders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epochdist.db")

	p1, err := bolt.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	reg := distpkg.NewRegistry(p1.Packages())
	pkg, err := reg.Create("vlt", types.PackageInfo{Paths: []string{"/a"}, RequestType: types.RequestAdd}, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := pkg.Acquire("q1", "q2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := pkg.ReleaseOrDelete("q1"); err != nil {
		t.Fatalf("ReleaseOrDelete: %v", err)
	}
	_ = p1.Close()

	p2 := openProvider(t, path)
	restored, err := distpkg.NewRegistry(p2.Packages()).Get(pkg.ID())
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if diff := cmp.Diff([]string{"q2"}, restored.Holders()); diff != "" {
		t.Errorf("holders after reopen (-want +got):\n%s", diff)
	}

	deleted, err := restored.ReleaseOrDelete("q2")
	if err != nil || !deleted {
		t.Fatalf("last release: deleted=%v err=%v", deleted, err)
	}
	if _, err := p2.Packages().Get(pkg.ID()); !errors.Is(err, distpkg.ErrNotFound) {
		t.Errorf("record after last release: want ErrNotFound, got %v", err)
	}
}

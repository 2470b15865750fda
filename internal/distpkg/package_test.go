package distpkg_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/snehjoshi/epochdist/internal/distpkg"
	"github.com/snehjoshi/epochdist/internal/types"
)

func newRegistry(t *testing.T) (*distpkg.Registry, *distpkg.MemoryStore) {
	t.Helper()
	store := distpkg.NewMemoryStore()
	return distpkg.NewRegistry(store), store
}

func addInfo(paths ...string) types.PackageInfo {
	return types.PackageInfo{Paths: paths, RequestType: types.RequestAdd}
}

func TestRefCount_AcquireRelease(t *testing.T) {
	rc := distpkg.NewRefCount()
	if rc.Referenced() {
		t.Fatal("new RefCount must not be referenced")
	}

	got := rc.Acquire("q2", "q1", "q1")
	if diff := cmp.Diff([]string{"q1", "q2"}, got); diff != "" {
		t.Errorf("Acquire holders (-want +got):\n%s", diff)
	}

	rc.Release("q1")
	if !rc.Referenced() {
		t.Error("expected q2 to still hold a reference")
	}
	rc.Release("unknown")
	if left := rc.Release("q2"); len(left) != 0 {
		t.Errorf("want no holders, got %v", left)
	}
	if rc.Referenced() {
		t.Error("expected no references after releasing every holder")
	}
}

func TestRefCount_ConcurrentAcquireRelease(t *testing.T) {
	rc := distpkg.NewRefCount()
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

	var wg sync.WaitGroup
	for _, n := range names {
		wg.Add(1)
		go func(n string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Acquire(n)
				rc.Release(n)
			}
		}(n)
	}
	wg.Wait()

	if rc.Referenced() {
		t.Errorf("balanced acquire/release left holders: %v", rc.Holders())
	}
}

func TestSharedPackage_DeletedWhenLastHolderReleases(t *testing.T) {
	reg, store := newRegistry(t)
	p, err := reg.Create("vlt", addInfo("/content/a"), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.Acquire("q1", "q2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	deleted, err := p.ReleaseOrDelete("q1")
	if err != nil || deleted {
		t.Fatalf("release q1: deleted=%v err=%v", deleted, err)
	}
	rec, err := store.Get(p.ID())
	if err != nil {
		t.Fatalf("store.Get after partial release: %v", err)
	}
	if diff := cmp.Diff([]string{"q2"}, rec.Holders); diff != "" {
		t.Errorf("persisted holders (-want +got):\n%s", diff)
	}

	deleted, err = p.ReleaseOrDelete("q2")
	if err != nil || !deleted {
		t.Fatalf("release q2: deleted=%v err=%v", deleted, err)
	}
	if _, err := store.Get(p.ID()); !errors.Is(err, distpkg.ErrNotFound) {
		t.Errorf("store.Get after final release: want ErrNotFound, got %v", err)
	}
	if reg.Live() != 0 {
		t.Errorf("registry should forget deleted package, live=%d", reg.Live())
	}

	if err := p.Acquire("q3"); !errors.Is(err, distpkg.ErrDeleted) {
		t.Errorf("Acquire on deleted package: want ErrDeleted, got %v", err)
	}
	if deleted, err := p.ReleaseOrDelete("q3"); deleted || err != nil {
		t.Errorf("ReleaseOrDelete on deleted package: deleted=%v err=%v", deleted, err)
	}
}

func TestExclusivePackage_ReleaseDeletes(t *testing.T) {
	reg, store := newRegistry(t)
	p, err := reg.Create("vlt", addInfo("/content/a"), false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := p.Acquire("q1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if p.Referenced() {
		t.Error("exclusive packages do not track holders")
	}

	deleted, err := p.ReleaseOrDelete("q1")
	if err != nil || !deleted {
		t.Fatalf("ReleaseOrDelete: deleted=%v err=%v", deleted, err)
	}
	if store.Len() != 0 {
		t.Errorf("store should be empty, has %d records", store.Len())
	}
}

func TestRegistry_GetRestoresHolders(t *testing.T) {
	store := distpkg.NewMemoryStore()
	first := distpkg.NewRegistry(store)
	p, err := first.Create("vlt", addInfo("/content/a"), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := p.Acquire("q1", "q2"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// A second registry simulates a restart over the same store.
	second := distpkg.NewRegistry(store)
	loaded, err := second.Get(p.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff([]string{"q1", "q2"}, loaded.Holders()); diff != "" {
		t.Errorf("restored holders (-want +got):\n%s", diff)
	}

	again, err := second.Get(p.ID())
	if err != nil {
		t.Fatalf("Get again: %v", err)
	}
	if again != loaded {
		t.Error("registry must return the same live instance for an id")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg, _ := newRegistry(t)
	if _, err := reg.Get("missing"); !errors.Is(err, distpkg.ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func TestQueueItem_DeepCopiesInfo(t *testing.T) {
	reg, _ := newRegistry(t)
	info := addInfo("/content/a")
	info.Properties = map[string]string{"k": "v"}
	p, err := reg.Create("vlt", info, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	item := distpkg.QueueItem(p)
	item.Info.Paths[0] = "/mutated"
	item.Info.Properties["k"] = "mutated"

	if got := p.Info().Paths[0]; got != "/content/a" {
		t.Errorf("package path mutated through item: %s", got)
	}
	if got := p.Info().Properties["k"]; got != "v" {
		t.Errorf("package property mutated through item: %s", got)
	}
}

func TestWithOrigin(t *testing.T) {
	reg, _ := newRegistry(t)
	p, err := reg.Create("vlt", addInfo("/content/a"), true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	view := distpkg.WithOrigin(p, "default")
	if got := view.Info().Queue; got != "default" {
		t.Errorf("origin: want default, got %q", got)
	}
	if got := p.Info().Queue; got != "" {
		t.Errorf("underlying package must be untouched, got %q", got)
	}

	if err := view.Acquire("error-default"); err != nil {
		t.Fatalf("Acquire through view: %v", err)
	}
	if !p.Referenced() {
		t.Error("acquire through the view must reach the package's count")
	}
}

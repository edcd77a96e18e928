package metacache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/objectfs/drivefs/pkg/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c, err := New(Config{
		MaxEntries:   1000,
		TTL:          30 * time.Second,
		TombstoneTTL: time.Minute,
		Now:          clock.Now,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c, clock
}

func file(id, parent, name, version string) *types.Entry {
	return &types.Entry{ID: id, ParentID: parent, Name: name, Kind: types.KindFile, Size: 10, Version: version}
}

func TestCache_PutGetExpiry(t *testing.T) {
	c, clock := newTestCache(t)

	c.Put(file("f1", "root", "notes.txt", "v1"), 0)

	got, ok := c.Get("f1")
	if !ok {
		t.Fatal("Get() miss after Put")
	}
	if got.Version != "v1" || got.ValidUntil.IsZero() {
		t.Errorf("Get() = %+v", got)
	}

	clock.Advance(29 * time.Second)
	if _, ok := c.Get("f1"); !ok {
		t.Error("entry expired before TTL")
	}

	clock.Advance(time.Second)
	if _, ok := c.Get("f1"); ok {
		t.Error("entry still valid at TTL")
	}
	if e, ok := c.Peek("f1"); !ok || e.Version != "v1" {
		t.Error("Peek() should return the expired record")
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 1 {
		t.Errorf("Stats() = %+v, want 2 hits and 1 miss", stats)
	}
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, _ := newTestCache(t)

	orig := file("f1", "root", "notes.txt", "v1")
	c.Put(orig, 0)
	orig.Version = "mutated"

	got, _ := c.Get("f1")
	got.Size = 999

	again, _ := c.Get("f1")
	if again.Version != "v1" || again.Size != 10 {
		t.Errorf("cache record was mutated through a caller pointer: %+v", again)
	}
}

func TestCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t)

	c.Put(file("f1", "root", "a", "v1"), 0)
	c.Invalidate("f1")
	if _, ok := c.Get("f1"); ok {
		t.Error("Get() hit after Invalidate")
	}
}

func TestCache_Listing(t *testing.T) {
	c, clock := newTestCache(t)

	children := []*types.Entry{
		{ID: "d1", ParentID: "root", Name: "docs", Kind: types.KindDirectory},
		file("f1", "root", "notes.txt", "v1"),
	}
	c.PutListing("root", children, 0)

	got, ok := c.GetListing("root")
	if !ok || len(got) != 2 {
		t.Fatalf("GetListing() = %v, %v", got, ok)
	}
	if _, ok := c.Get("f1"); !ok {
		t.Error("PutListing should cache child entries")
	}

	c.InvalidateListing("root")
	if _, ok := c.GetListing("root"); ok {
		t.Error("listing survived InvalidateListing")
	}

	c.PutListing("root", children, 0)
	clock.Advance(31 * time.Second)
	if _, ok := c.GetListing("root"); ok {
		t.Error("listing valid after TTL")
	}
}

func TestCache_ListingEdits(t *testing.T) {
	c, clock := newTestCache(t)
	c.PutListing("root", []*types.Entry{file("f1", "root", "notes.txt", "v1")}, 0)

	clock.Advance(20 * time.Second)
	c.UpsertChild("root", file("f1", "root", "notes.txt", "v2"))
	c.UpsertChild("root", file("f2", "root", "todo.txt", "v1"))

	got, ok := c.GetListing("root")
	if !ok || len(got) != 2 {
		t.Fatalf("GetListing() = %v, %v", got, ok)
	}
	if got[0].Version != "v2" || got[1].ID != "f2" {
		t.Errorf("unexpected listing after upsert: %+v %+v", got[0], got[1])
	}

	c.RemoveChild("root", "f1")
	got, _ = c.GetListing("root")
	if len(got) != 1 || got[0].ID != "f2" {
		t.Errorf("RemoveChild left %v", got)
	}

	// Edits keep the original deadline.
	clock.Advance(11 * time.Second)
	if _, ok := c.GetListing("root"); ok {
		t.Error("edited listing outlived its deadline")
	}

	// Without a cached listing only the entry is stored.
	c.UpsertChild("other", file("f3", "other", "a.txt", "v1"))
	if _, ok := c.GetListing("other"); ok {
		t.Error("UpsertChild created a listing")
	}
	if _, ok := c.Get("f3"); !ok {
		t.Error("UpsertChild did not store the entry")
	}
}

func TestCache_InvalidateSubtree(t *testing.T) {
	c, _ := newTestCache(t)

	c.Put(&types.Entry{ID: "d1", ParentID: "root", Name: "docs", Kind: types.KindDirectory}, 0)
	c.PutListing("d1", []*types.Entry{
		{ID: "d2", ParentID: "d1", Name: "sub", Kind: types.KindDirectory},
		file("f1", "d1", "a.txt", "v1"),
	}, 0)
	c.PutListing("d2", []*types.Entry{file("f2", "d2", "b.txt", "v1")}, 0)
	c.Put(file("other", "root", "keep.txt", "v1"), 0)

	c.InvalidateSubtree("d1")

	for _, id := range []string{"d1", "d2", "f1", "f2"} {
		if _, ok := c.Get(id); ok {
			t.Errorf("entry %s survived InvalidateSubtree", id)
		}
	}
	for _, id := range []string{"d1", "d2"} {
		if _, ok := c.GetListing(id); ok {
			t.Errorf("listing %s survived InvalidateSubtree", id)
		}
	}
	if _, ok := c.Get("other"); !ok {
		t.Error("unrelated entry was invalidated")
	}
}

func TestCache_LoadCollapsesConcurrentRefreshes(t *testing.T) {
	c, _ := newTestCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (*types.Entry, error) {
		calls.Add(1)
		<-release
		return file("f1", "root", "notes.txt", "v1"), nil
	}

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*types.Entry, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Load(context.Background(), "f1", fn)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("fn called %d times, want 1", n)
	}
	for i := range results {
		if errs[i] != nil || results[i] == nil || results[i].Version != "v1" {
			t.Errorf("caller %d got %+v, %v", i, results[i], errs[i])
		}
	}

	if _, err := c.Load(context.Background(), "f1", fn); err != nil || calls.Load() != 1 {
		t.Errorf("cached Load called fn again")
	}
}

func TestCache_LoadError(t *testing.T) {
	c, _ := newTestCache(t)

	boom := errors.New("remote down")
	_, err := c.Load(context.Background(), "f1", func(context.Context) (*types.Entry, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Load() error = %v, want %v", err, boom)
	}
	if _, ok := c.Get("f1"); ok {
		t.Error("failed load populated the cache")
	}
}

func TestCache_LoadHonoursCallerContext(t *testing.T) {
	c, _ := newTestCache(t)

	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	defer close(block)

	done := make(chan error, 1)
	go func() {
		_, err := c.LoadListing(ctx, "root", func(context.Context) ([]*types.Entry, error) {
			<-block
			return nil, nil
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("LoadListing() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("LoadListing did not return after cancel")
	}
}

func TestCache_Tombstones(t *testing.T) {
	c, clock := newTestCache(t)

	c.Tombstone("root", "old.txt")
	if !c.Tombstoned("root", "old.txt") {
		t.Fatal("Tombstoned() = false after Tombstone")
	}
	if c.Tombstoned("root", "other.txt") {
		t.Error("unrelated name tombstoned")
	}

	c.ClearTombstone("root", "old.txt")
	if c.Tombstoned("root", "old.txt") {
		t.Error("tombstone survived ClearTombstone")
	}

	c.Tombstone("root", "old.txt")
	clock.Advance(61 * time.Second)
	if c.Tombstoned("root", "old.txt") {
		t.Error("tombstone outlived its TTL")
	}
}

func TestCache_HoldsUpToMaxEntries(t *testing.T) {
	c, _ := newTestCache(t)

	const n = 500
	for i := 0; i < n; i++ {
		c.Put(file(fmt.Sprintf("f%d", i), "root", fmt.Sprintf("file-%d.txt", i), "v1"), 0)
	}
	c.Tombstone("root", "gone.txt")

	missing := 0
	for i := 0; i < n; i++ {
		if _, ok := c.Get(fmt.Sprintf("f%d", i)); !ok {
			missing++
		}
	}
	if missing != 0 {
		t.Errorf("%d of %d entries evicted below MaxEntries", missing, n)
	}
	if !c.Tombstoned("root", "gone.txt") {
		t.Error("tombstone evicted below MaxEntries")
	}
}

// Package metacache holds remote entry metadata and directory listings with
// TTL-bounded validity.
package metacache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/objectfs/drivefs/pkg/types"
)

const (
	entryPrefix     = "e:"
	listingPrefix   = "l:"
	tombstonePrefix = "t:"

	// Entries stay resident past their validity so an expired record can still
	// feed version comparison until ristretto reclaims it.
	reclaimSlack = time.Minute
)

// Config configures a Cache.
type Config struct {
	MaxEntries   int64
	TTL          time.Duration
	TombstoneTTL time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger  *zap.Logger
	Metrics types.MetricsCollector
}

// Cache maps identifiers to entries and parent identifiers to child listings.
type Cache struct {
	store   *ristretto.Cache
	group   singleflight.Group
	listMu  sync.Mutex // serializes in-place listing edits
	ttl     time.Duration
	tombTTL time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics types.MetricsCollector

	hits   atomic.Uint64
	misses atomic.Uint64
}

type listing struct {
	children   []*types.Entry
	validUntil time.Time
}

type tombstone struct {
	until time.Time
}

// New creates a metadata cache.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.TombstoneTTL <= 0 {
		cfg.TombstoneTTL = 2 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}

	// Every record costs 1, so MaxCost is a record count. ristretto's
	// per-item overhead must not be charged on top of it.
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxEntries * 10,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create metadata store: %w", err)
	}

	return &Cache{
		store:   store,
		ttl:     cfg.TTL,
		tombTTL: cfg.TombstoneTTL,
		now:     cfg.Now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}, nil
}

// TTL returns the default validity period.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns a valid entry for id. Expired entries are a miss.
func (c *Cache) Get(id string) (*types.Entry, bool) {
	e, ok := c.lookup(id)
	if !ok || e.Expired(c.now()) {
		c.miss()
		return nil, false
	}
	c.hit()
	return e.Clone(), true
}

// Peek returns the entry for id even when its validity has passed.
func (c *Cache) Peek(id string) (*types.Entry, bool) {
	e, ok := c.lookup(id)
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (c *Cache) lookup(id string) (*types.Entry, bool) {
	v, ok := c.store.Get(entryPrefix + id)
	if !ok {
		return nil, false
	}
	e, ok := v.(*types.Entry)
	return e, ok
}

// Put stores entry valid for ttl. A zero ttl uses the cache default.
func (c *Cache) Put(entry *types.Entry, ttl time.Duration) {
	if entry == nil || entry.ID == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	e := entry.Clone()
	e.ValidUntil = c.now().Add(ttl)
	c.set(entryPrefix+e.ID, e, ttl)
}

// Invalidate removes the entry for id.
func (c *Cache) Invalidate(id string) {
	c.store.Del(entryPrefix + id)
}

// InvalidateSubtree removes id, its listing, and every cached descendant
// reachable through cached listings.
func (c *Cache) InvalidateSubtree(id string) {
	pending := []string{id}
	seen := make(map[string]struct{})
	for len(pending) > 0 {
		cur := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}

		if v, ok := c.store.Get(listingPrefix + cur); ok {
			if l, ok := v.(*listing); ok {
				for _, child := range l.children {
					pending = append(pending, child.ID)
				}
			}
		}
		c.store.Del(entryPrefix + cur)
		c.store.Del(listingPrefix + cur)
	}
	c.logger.Debug("invalidated subtree", zap.String("id", id), zap.Int("entries", len(seen)))
}

// GetListing returns the valid cached children of parentID.
func (c *Cache) GetListing(parentID string) ([]*types.Entry, bool) {
	v, ok := c.store.Get(listingPrefix + parentID)
	if !ok {
		c.miss()
		return nil, false
	}
	l, ok := v.(*listing)
	if !ok || !c.now().Before(l.validUntil) {
		c.miss()
		return nil, false
	}
	c.hit()
	return cloneAll(l.children), true
}

// PutListing stores the children of parentID and each child entry.
func (c *Cache) PutListing(parentID string, children []*types.Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	for _, child := range children {
		c.Put(child, ttl)
	}
	c.set(listingPrefix+parentID, &listing{
		children:   cloneAll(children),
		validUntil: c.now().Add(ttl),
	}, ttl)
}

// InvalidateListing removes the cached children of parentID.
func (c *Cache) InvalidateListing(parentID string) {
	c.store.Del(listingPrefix + parentID)
}

// UpsertChild replaces or adds entry in the cached listing of its parent and
// stores the entry itself. The listing keeps its validity deadline. Nothing
// happens to the listing when none is cached.
func (c *Cache) UpsertChild(parentID string, entry *types.Entry) {
	c.Put(entry, 0)
	c.editListing(parentID, func(children []*types.Entry) []*types.Entry {
		for i, child := range children {
			if child.ID == entry.ID || child.Name == entry.Name {
				children[i] = entry.Clone()
				return children
			}
		}
		return append(children, entry.Clone())
	})
}

// RemoveChild drops id from the cached listing of parentID.
func (c *Cache) RemoveChild(parentID, id string) {
	c.editListing(parentID, func(children []*types.Entry) []*types.Entry {
		out := children[:0]
		for _, child := range children {
			if child.ID != id {
				out = append(out, child)
			}
		}
		return out
	})
}

func (c *Cache) editListing(parentID string, edit func([]*types.Entry) []*types.Entry) {
	c.listMu.Lock()
	defer c.listMu.Unlock()
	v, ok := c.store.Get(listingPrefix + parentID)
	if !ok {
		return
	}
	l, ok := v.(*listing)
	if !ok {
		return
	}
	remaining := l.validUntil.Sub(c.now())
	if remaining <= 0 {
		c.store.Del(listingPrefix + parentID)
		return
	}
	c.set(listingPrefix+parentID, &listing{
		children:   edit(cloneAll(l.children)),
		validUntil: l.validUntil,
	}, remaining)
}

// Load returns the entry for id, calling fn on a miss. Concurrent loads of
// the same id share one call to fn.
func (c *Cache) Load(ctx context.Context, id string, fn func(context.Context) (*types.Entry, error)) (*types.Entry, error) {
	if e, ok := c.Get(id); ok {
		return e, nil
	}
	v, err := c.do(ctx, entryPrefix+id, func(ctx context.Context) (interface{}, error) {
		e, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(e, 0)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Entry).Clone(), nil
}

// LoadListing returns the children of parentID, calling fn on a miss.
// Concurrent loads of the same parent share one call to fn.
func (c *Cache) LoadListing(ctx context.Context, parentID string, fn func(context.Context) ([]*types.Entry, error)) ([]*types.Entry, error) {
	if children, ok := c.GetListing(parentID); ok {
		return children, nil
	}
	v, err := c.do(ctx, listingPrefix+parentID, func(ctx context.Context) (interface{}, error) {
		children, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.PutListing(parentID, children, 0)
		return children, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(v.([]*types.Entry)), nil
}

// do runs fn once per key among concurrent callers. The shared call does not
// inherit a single caller's cancellation; each caller stops waiting when its
// own context ends.
func (c *Cache) do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return fn(shared)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tombstone records that name was removed from parentID so a lagging remote
// listing does not resurrect it.
func (c *Cache) Tombstone(parentID, name string) {
	c.set(tombstoneKey(parentID, name), &tombstone{until: c.now().Add(c.tombTTL)}, c.tombTTL)
}

// ClearTombstone forgets a removal, used when the name is reused.
func (c *Cache) ClearTombstone(parentID, name string) {
	c.store.Del(tombstoneKey(parentID, name))
}

// Tombstoned reports whether name under parentID was recently removed.
func (c *Cache) Tombstoned(parentID, name string) bool {
	v, ok := c.store.Get(tombstoneKey(parentID, name))
	if !ok {
		return false
	}
	t, ok := v.(*tombstone)
	return ok && c.now().Before(t.until)
}

// Stats returns hit and miss counters.
func (c *Cache) Stats() types.CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	stats := types.CacheStats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

// Clear drops every record.
func (c *Cache) Clear() {
	c.store.Clear()
}

// Close releases the store's background goroutines.
func (c *Cache) Close() {
	c.store.Close()
}

func (c *Cache) set(key string, value interface{}, ttl time.Duration) {
	if !c.store.SetWithTTL(key, value, 1, ttl+reclaimSlack) {
		// The set buffer was full. Drain it and try once more; a second drop
		// only costs a later refresh.
		c.store.Wait()
		if !c.store.SetWithTTL(key, value, 1, ttl+reclaimSlack) {
			c.logger.Debug("metadata set dropped", zap.String("key", key))
		}
	}
	c.store.Wait()
}

func (c *Cache) hit() {
	c.hits.Add(1)
	c.metrics.RecordCacheHit("metadata", 0)
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metrics.RecordCacheMiss("metadata", 0)
}

func tombstoneKey(parentID, name string) string {
	return tombstonePrefix + parentID + "/" + name
}

func cloneAll(entries []*types.Entry) []*types.Entry {
	out := make([]*types.Entry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}

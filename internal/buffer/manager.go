package buffer

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/drivefs/pkg/types"
)

// Config configures a Manager.
type Config struct {
	// BlockSize is the fixed block granularity of cached content.
	BlockSize int64 `yaml:"block_size"`

	// Ceiling bounds the aggregate cached bytes. Clean content is evicted to
	// stay under it; dirty content is never evicted.
	Ceiling int64 `yaml:"ceiling"`

	Now     func() time.Time       `yaml:"-"`
	Logger  *zap.Logger            `yaml:"-"`
	Metrics types.MetricsCollector `yaml:"-"`
}

// Stats summarizes buffer usage.
type Stats struct {
	Buffers     int   `json:"buffers"`
	Referenced  int   `json:"referenced"`
	CachedBytes int64 `json:"cached_bytes"`
	DirtyBytes  int64 `json:"dirty_bytes"`
	Evictions   int64 `json:"evictions"`
	Trimmed     int64 `json:"trimmed_bytes"`
}

type slot struct {
	buf  *Buffer
	refs int
	elem *list.Element // position in lru while unreferenced and clean
}

// Manager owns the content buffers of all entries.
//
// Lock order is Manager.mu before Buffer.mu. Buffers never call into the
// manager while holding their own lock.
type Manager struct {
	blockSize int64
	ceiling   int64
	now       func() time.Time
	logger    *zap.Logger
	metrics   types.MetricsCollector

	mu    sync.Mutex
	slots map[string]*slot
	lru   *list.List // of *slot, front is most recently released

	cached    atomic.Int64
	dirty     atomic.Int64
	evictions atomic.Int64
	trimmed   atomic.Int64
}

// NewManager creates a buffer manager.
func NewManager(cfg Config) *Manager {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 1 << 20
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 512 << 20
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
	return &Manager{
		blockSize: cfg.BlockSize,
		ceiling:   cfg.Ceiling,
		now:       cfg.Now,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		slots:     make(map[string]*slot),
		lru:       list.New(),
	}
}

// BlockSize returns the block granularity.
func (m *Manager) BlockSize() int64 {
	return m.blockSize
}

// Acquire returns the buffer for id with one more reference. A clean cached
// buffer based on a different version is reset to the given remote entry.
func (m *Manager) Acquire(entry *types.Entry) *Buffer {
	m.mu.Lock()
	s, ok := m.slots[entry.ID]
	if !ok {
		s = &slot{buf: newBuffer(m, entry.ID, entry.Version, entry.Size, entry.ModTime)}
		m.slots[entry.ID] = s
	}
	s.refs++
	if s.elem != nil {
		m.lru.Remove(s.elem)
		s.elem = nil
	}
	m.mu.Unlock()

	if ok {
		b := s.buf
		b.mu.Lock()
		stale := b.state == types.StateClean && (b.version != entry.Version || b.size != entry.Size)
		b.mu.Unlock()
		if stale {
			b.Reset(entry)
		}
	}
	return s.buf
}

// Release drops one reference taken by Acquire.
func (m *Manager) Release(b *Buffer) {
	id := b.ID()
	m.mu.Lock()
	s, ok := m.slots[id]
	if !ok || s.buf != b {
		m.mu.Unlock()
		return
	}
	if s.refs > 0 {
		s.refs--
	}
	m.settleLocked(s)
	m.mu.Unlock()
	m.Trim(nil)
}

// Lookup returns the cached buffer for id without taking a reference.
func (m *Manager) Lookup(id string) (*Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return nil, false
	}
	return s.buf, true
}

// Refs returns the reference count of id.
func (m *Manager) Refs(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[id]; ok {
		return s.refs
	}
	return 0
}

// Evict removes the buffer for id if it is clean and unreferenced.
func (m *Manager) Evict(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.refs > 0 || s.buf.Dirty() {
		return false
	}
	m.removeLocked(id, s)
	m.evictions.Add(1)
	return true
}

// Drop removes the buffer for id unconditionally, discarding local changes.
// It is used when the entry itself was deleted.
func (m *Manager) Drop(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.slots[id]; ok {
		m.removeLocked(id, s)
	}
}

func (m *Manager) removeLocked(id string, s *slot) {
	if s.elem != nil {
		m.lru.Remove(s.elem)
		s.elem = nil
	}
	delete(m.slots, id)

	b := s.buf
	b.mu.Lock()
	b.detached = true
	cached, dirty := b.cached, b.dirtyBytes
	b.blocks = make(map[int64][]byte)
	b.dirty = make(map[int64]uint64)
	b.cached, b.dirtyBytes = 0, 0
	b.mu.Unlock()
	m.addCached(-cached)
	m.addDirty(-dirty)
}

// Rekey moves the buffer cached under oldID to newID.
func (m *Manager) Rekey(oldID, newID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[oldID]
	if !ok || oldID == newID {
		return
	}
	delete(m.slots, oldID)
	m.slots[newID] = s
	s.buf.mu.Lock()
	s.buf.id = newID
	s.buf.mu.Unlock()
}

// DirtyBuffers returns every buffer holding local changes.
func (m *Manager) DirtyBuffers() []*Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Buffer
	for _, s := range m.slots {
		if s.buf.Dirty() {
			out = append(out, s.buf)
		}
	}
	return out
}

// settle re-evaluates LRU membership after b changed state.
func (m *Manager) settle(b *Buffer) {
	id := b.ID()
	m.mu.Lock()
	if s, ok := m.slots[id]; ok && s.buf == b {
		m.settleLocked(s)
	}
	m.mu.Unlock()
}

func (m *Manager) settleLocked(s *slot) {
	eligible := s.refs == 0 && !s.buf.Dirty()
	switch {
	case eligible && s.elem == nil:
		s.elem = m.lru.PushFront(s)
	case !eligible && s.elem != nil:
		m.lru.Remove(s.elem)
		s.elem = nil
	}
}

// afterGrow runs after b cached more bytes.
func (m *Manager) afterGrow(b *Buffer) {
	if m.cached.Load() > m.ceiling {
		m.Trim(b)
	}
}

// Trim evicts clean content until the cached bytes fit under the ceiling.
// Least recently released unreferenced buffers go first. If that is not
// enough, clean blocks of referenced buffers other than keep are dropped.
func (m *Manager) Trim(keep *Buffer) {
	if m.cached.Load() <= m.ceiling {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for e := m.lru.Back(); e != nil && m.cached.Load() > m.ceiling; {
		prev := e.Prev()
		s := e.Value.(*slot)
		if s.refs == 0 && !s.buf.Dirty() {
			id := s.buf.ID()
			m.removeLocked(id, s)
			m.evictions.Add(1)
			m.logger.Debug("evicted buffer", zap.String("id", id))
		}
		e = prev
	}

	for _, s := range m.slots {
		if m.cached.Load() <= m.ceiling {
			break
		}
		if s.buf == keep {
			continue
		}
		if freed := s.buf.dropClean(); freed > 0 {
			m.addCached(-freed)
			m.trimmed.Add(freed)
		}
	}
}

// Stats returns current usage.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{
		Buffers:     len(m.slots),
		CachedBytes: m.cached.Load(),
		DirtyBytes:  m.dirty.Load(),
		Evictions:   m.evictions.Load(),
		Trimmed:     m.trimmed.Load(),
	}
	for _, s := range m.slots {
		if s.refs > 0 {
			st.Referenced++
		}
	}
	return st
}

// CachedBytes returns the aggregate resident bytes.
func (m *Manager) CachedBytes() int64 {
	return m.cached.Load()
}

// DirtyBytes returns the aggregate bytes not yet flushed.
func (m *Manager) DirtyBytes() int64 {
	return m.dirty.Load()
}

func (m *Manager) addCached(n int64) {
	if n == 0 {
		return
	}
	m.metrics.SetCachedBytes(m.cached.Add(n))
}

func (m *Manager) addDirty(n int64) {
	if n == 0 {
		return
	}
	m.metrics.SetDirtyBytes(m.dirty.Add(n))
}

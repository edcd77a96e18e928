package buffer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// FetchFunc downloads up to length bytes of remote content at offset. A short
// result means the end of the remote content.
type FetchFunc func(ctx context.Context, offset, length int64) ([]byte, error)

// errNotResident reports that a range needs blocks that are not cached.
var errNotResident = errors.NewError(errors.ErrCodeInternalError, "range not resident").WithComponent("buffer")

// Buffer caches the content of one entry as fixed-size blocks.
//
// Stored blocks are never modified in place. A write replaces every block it
// touches with a new slice, so a Snapshot taken before the write keeps seeing
// the bytes it captured.
type Buffer struct {
	m         *Manager
	blockSize int64

	mu         sync.Mutex
	id         string
	blocks     map[int64][]byte
	dirty      map[int64]uint64 // block index -> generation of last write
	size       int64
	remoteSize int64 // bytes below this offset exist remotely at version
	version    string
	state      types.SyncState
	modTime    time.Time
	dirtySince time.Time
	gen        uint64 // bumped by every local mutation
	epoch      uint64 // bumped when the content is reset to a new remote version
	cached     int64
	dirtyBytes int64
	detached   bool

	fetches singleflight.Group
}

func newBuffer(m *Manager, id, version string, size int64, modTime time.Time) *Buffer {
	return &Buffer{
		m:          m,
		blockSize:  m.blockSize,
		id:         id,
		blocks:     make(map[int64][]byte),
		dirty:      make(map[int64]uint64),
		size:       size,
		remoteSize: size,
		version:    version,
		modTime:    modTime,
	}
}

// ID returns the identifier the buffer is cached under.
func (b *Buffer) ID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id
}

// Size returns the local content size.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Version returns the remote version the content is based on.
func (b *Buffer) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// State returns the sync state.
func (b *Buffer) State() types.SyncState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ModTime returns the time of the last local change, or the remote mtime.
func (b *Buffer) ModTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modTime
}

// Dirty reports whether the buffer holds changes not yet on the remote.
func (b *Buffer) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != types.StateClean
}

// DirtySince returns when the buffer first became dirty. Zero when clean.
func (b *Buffer) DirtySince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirtySince
}

// Detached reports whether the buffer was dropped from its manager. Open
// handles may still hold it, but it is no longer the entry's buffer.
func (b *Buffer) Detached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detached
}

// DirtyBytes returns the number of bytes in dirty blocks.
func (b *Buffer) DirtyBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirtyBytes
}

func (b *Buffer) span(off, length int64) (first, last int64) {
	return off / b.blockSize, (off + length - 1) / b.blockSize
}

// needsDownload reports whether block i has remote bytes that are not cached.
// Caller holds b.mu.
func (b *Buffer) needsDownload(i int64) bool {
	if _, ok := b.blocks[i]; ok {
		return false
	}
	return i*b.blockSize < b.remoteSize
}

// ReadAt returns the bytes in [off, off+length) clipped to the content size.
// It fails with a not-resident error when a block must be downloaded first.
func (b *Buffer) ReadAt(off, length int64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readLocked(off, length)
}

func (b *Buffer) readLocked(off, length int64) ([]byte, error) {
	if off >= b.size || length <= 0 {
		return []byte{}, nil
	}
	if off+length > b.size {
		length = b.size - off
	}
	out := make([]byte, length)
	first, last := b.span(off, length)
	for i := first; i <= last; i++ {
		if b.needsDownload(i) {
			return nil, errNotResident
		}
		blk := b.blocks[i]
		blockStart := i * b.blockSize
		from := max64(off, blockStart)
		to := min64(off+length, blockStart+b.blockSize)
		// Bytes past the end of a stored block read as zero.
		if s := from - blockStart; s < int64(len(blk)) {
			e := min64(to-blockStart, int64(len(blk)))
			copy(out[from-off:], blk[s:e])
		}
	}
	return out, nil
}

// Read returns the bytes in [off, off+length), downloading missing blocks
// through fetch.
func (b *Buffer) Read(ctx context.Context, off, length int64, fetch FetchFunc) ([]byte, error) {
	for attempt := 0; attempt < 3; attempt++ {
		data, err := b.ReadAt(off, length)
		if err == nil {
			return data, nil
		}
		if err != errNotResident {
			return nil, err
		}
		if err := b.Fetch(ctx, off, length, fetch); err != nil {
			return nil, err
		}
	}
	return nil, errors.NewError(errors.ErrCodeBufferFull, "blocks evicted while reading").
		WithComponent("buffer").WithContext("id", b.ID())
}

// Resident reports whether [off, off+length) can be served without download.
func (b *Buffer) Resident(off, length int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if off >= b.size || length <= 0 {
		return true
	}
	if off+length > b.size {
		length = b.size - off
	}
	first, last := b.span(off, length)
	for i := first; i <= last; i++ {
		if b.needsDownload(i) {
			return false
		}
	}
	return true
}

// Fetch downloads the missing blocks overlapping [off, off+length) with one
// ranged call covering the block-aligned span between the first and last
// missing block. No lock is held while fetch runs.
func (b *Buffer) Fetch(ctx context.Context, off, length int64, fetch FetchFunc) error {
	b.mu.Lock()
	if off+length > b.remoteSize {
		length = b.remoteSize - off
	}
	if length <= 0 {
		b.mu.Unlock()
		return nil
	}
	first, last := b.span(off, length)
	for first <= last && !b.needsDownload(first) {
		first++
	}
	for last >= first && !b.needsDownload(last) {
		last--
	}
	if first > last {
		b.mu.Unlock()
		return nil
	}
	epoch := b.epoch
	id := b.id
	b.mu.Unlock()

	start := first * b.blockSize
	spanLen := (last - first + 1) * b.blockSize
	key := fmt.Sprintf("%d:%d:%d", epoch, first, last)

	ch := b.fetches.DoChan(key, func() (interface{}, error) {
		data, err := fetch(context.WithoutCancel(ctx), start, spanLen)
		if err != nil {
			return nil, err
		}
		b.store(epoch, first, last, data)
		return nil, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("fetch %s [%d,%d): %w", id, start, start+spanLen, res.Err)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	b.m.afterGrow(b)
	return nil
}

// store installs downloaded data for blocks first..last that are still
// missing and still belong to the same remote version.
func (b *Buffer) store(epoch uint64, first, last int64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch || b.detached {
		return
	}
	var added int64
	base := first * b.blockSize
	for i := first; i <= last; i++ {
		if !b.needsDownload(i) {
			continue
		}
		s := i*b.blockSize - base
		if s >= int64(len(data)) {
			// A short download means remote content ended early. The block
			// holds no remote bytes.
			b.blocks[i] = []byte{}
			continue
		}
		e := min64(s+b.blockSize, int64(len(data)))
		// Remote bytes past the local size were truncated away.
		limit := b.remoteSize - i*b.blockSize
		if e-s > limit {
			e = s + limit
		}
		blk := make([]byte, e-s)
		copy(blk, data[s:e])
		b.blocks[i] = blk
		added += int64(len(blk))
	}
	b.cached += added
	b.account(added, 0)
}

// WriteAt stages data at off. Partially overwritten blocks that hold remote
// bytes are downloaded through fetch first.
func (b *Buffer) WriteAt(ctx context.Context, off int64, data []byte, fetch FetchFunc) error {
	if len(data) == 0 {
		return nil
	}
	if off < 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "negative offset").WithComponent("buffer")
	}
	end := off + int64(len(data))

	// Only the edge blocks can be partially overwritten.
	for attempt := 0; ; attempt++ {
		b.mu.Lock()
		first, last := b.span(off, int64(len(data)))
		needFirst := off%b.blockSize != 0 && b.needsDownload(first)
		needLast := end%b.blockSize != 0 && end < b.remoteSize && b.needsDownload(last)
		if !needFirst && !needLast {
			b.applyWrite(off, data)
			b.mu.Unlock()
			break
		}
		b.mu.Unlock()
		if attempt >= 3 {
			return errors.NewError(errors.ErrCodeBufferFull, "blocks evicted while writing").WithComponent("buffer")
		}
		if needFirst {
			if err := b.Fetch(ctx, first*b.blockSize, b.blockSize, fetch); err != nil {
				return err
			}
		}
		if needLast {
			if err := b.Fetch(ctx, last*b.blockSize, b.blockSize, fetch); err != nil {
				return err
			}
		}
	}
	b.m.afterGrow(b)
	return nil
}

// applyWrite copies data into fresh block slices. Caller holds b.mu and has
// made the edge blocks resident.
func (b *Buffer) applyWrite(off int64, data []byte) {
	b.markDirtyLocked()
	end := off + int64(len(data))
	first, last := b.span(off, int64(len(data)))
	var cachedDelta, dirtyDelta int64

	for i := first; i <= last; i++ {
		blockStart := i * b.blockSize
		old := b.blocks[i]
		newLen := int64(len(old))
		if w := min64(end, blockStart+b.blockSize) - blockStart; w > newLen {
			newLen = w
		}
		// A block below the current size keeps bytes up to the size.
		if keep := min64(b.size, blockStart+b.blockSize) - blockStart; keep > newLen {
			newLen = keep
		}
		blk := make([]byte, newLen)
		copy(blk, old)
		from := max64(off, blockStart)
		copy(blk[from-blockStart:], data[from-off:min64(end, blockStart+b.blockSize)-off])

		cachedDelta += newLen - int64(len(old))
		if _, wasDirty := b.dirty[i]; wasDirty {
			dirtyDelta += newLen - int64(len(old))
		} else {
			dirtyDelta += newLen
		}
		b.blocks[i] = blk
		b.dirty[i] = b.gen
	}
	if end > b.size {
		b.size = end
	}
	b.cached += cachedDelta
	b.dirtyBytes += dirtyDelta
	b.account(cachedDelta, dirtyDelta)
}

// Truncate sets the content size. Shrinking discards bytes past size without
// downloading them. Growing exposes zero bytes.
func (b *Buffer) Truncate(size int64) error {
	if size < 0 {
		return errors.NewError(errors.ErrCodeInvalidArgument, "negative size").WithComponent("buffer")
	}
	b.mu.Lock()
	b.markDirtyLocked()
	var cachedDelta, dirtyDelta int64
	if size < b.size {
		for i, blk := range b.blocks {
			blockStart := i * b.blockSize
			if blockStart >= size {
				cachedDelta -= int64(len(blk))
				if _, ok := b.dirty[i]; ok {
					dirtyDelta -= int64(len(blk))
					delete(b.dirty, i)
				}
				delete(b.blocks, i)
				continue
			}
			if keep := size - blockStart; keep < int64(len(blk)) {
				nb := make([]byte, keep)
				copy(nb, blk)
				cachedDelta -= int64(len(blk)) - keep
				if _, ok := b.dirty[i]; ok {
					dirtyDelta -= int64(len(blk)) - keep
				} else {
					dirtyDelta += keep
				}
				b.blocks[i] = nb
				b.dirty[i] = b.gen
			}
		}
		if b.remoteSize > size {
			b.remoteSize = size
		}
	}
	b.size = size
	b.cached += cachedDelta
	b.dirtyBytes += dirtyDelta
	b.account(cachedDelta, dirtyDelta)
	b.mu.Unlock()
	return nil
}

// MarkDirty forces the buffer to be flushed even without content changes. A
// new local file uses it so that an empty file is still created remotely.
func (b *Buffer) MarkDirty() {
	b.mu.Lock()
	b.markDirtyLocked()
	b.mu.Unlock()
}

func (b *Buffer) markDirtyLocked() {
	b.gen++
	now := b.m.now()
	b.modTime = now
	if b.state == types.StateClean {
		b.state = types.StateLocallyModified
		b.dirtySince = now
	} else if b.state == types.StateConflictDetected {
		b.state = types.StateLocallyModified
	}
}

// Snapshot is an immutable view of the content at one generation.
type Snapshot struct {
	blocks    map[int64][]byte
	blockSize int64
	size      int64
	gen       uint64
	version   string
}

// Size returns the snapshot content size.
func (s *Snapshot) Size() int64 { return s.size }

// Version returns the remote version the snapshot was based on.
func (s *Snapshot) Version() string { return s.version }

// ReadAt fills p from offset off. It returns the number of bytes copied.
func (s *Snapshot) ReadAt(p []byte, off int64) int {
	if off >= s.size {
		return 0
	}
	n := min64(int64(len(p)), s.size-off)
	for i := range p[:n] {
		p[i] = 0
	}
	for pos := off; pos < off+n; {
		idx := pos / s.blockSize
		blockStart := idx * s.blockSize
		blockEnd := min64(blockStart+s.blockSize, off+n)
		blk := s.blocks[idx]
		if in := pos - blockStart; in < int64(len(blk)) {
			e := min64(blockEnd-blockStart, int64(len(blk)))
			copy(p[pos-off:], blk[in:e])
		}
		pos = blockEnd
	}
	return int(n)
}

// Bytes returns the whole snapshot content.
func (s *Snapshot) Bytes() []byte {
	out := make([]byte, s.size)
	s.ReadAt(out, 0)
	return out
}

// BeginFlush moves a dirty buffer to Flushing and returns its snapshot.
// Missing remote blocks are downloaded first. It returns nil when the buffer
// is clean.
func (b *Buffer) BeginFlush(ctx context.Context, fetch FetchFunc) (*Snapshot, error) {
	for attempt := 0; attempt < 3; attempt++ {
		b.mu.Lock()
		if b.state == types.StateClean {
			b.mu.Unlock()
			return nil, nil
		}
		missing := false
		for i := int64(0); i*b.blockSize < b.size; i++ {
			if b.needsDownload(i) {
				missing = true
				break
			}
		}
		if !missing {
			snap := &Snapshot{
				blocks:    make(map[int64][]byte, len(b.blocks)),
				blockSize: b.blockSize,
				size:      b.size,
				gen:       b.gen,
				version:   b.version,
			}
			for i, blk := range b.blocks {
				snap.blocks[i] = blk
			}
			b.state = types.StateFlushing
			b.mu.Unlock()
			return snap, nil
		}
		remote := b.remoteSize
		b.mu.Unlock()
		if err := b.Fetch(ctx, 0, remote, fetch); err != nil {
			return nil, err
		}
	}
	return nil, errors.NewError(errors.ErrCodeBufferFull, "blocks evicted while flushing").WithComponent("buffer")
}

// CompleteFlush records that snap was committed as entry. Writes made after
// the snapshot stay dirty.
func (b *Buffer) CompleteFlush(snap *Snapshot, entry *types.Entry) {
	b.mu.Lock()
	b.version = entry.Version
	b.remoteSize = snap.size
	if b.size < b.remoteSize {
		b.remoteSize = b.size
	}
	var dirtyDelta int64
	for i, g := range b.dirty {
		if g <= snap.gen {
			dirtyDelta -= int64(len(b.blocks[i]))
			delete(b.dirty, i)
		}
	}
	b.dirtyBytes += dirtyDelta
	b.account(0, dirtyDelta)
	if b.gen == snap.gen {
		b.state = types.StateClean
		b.dirtySince = time.Time{}
		if !entry.ModTime.IsZero() {
			b.modTime = entry.ModTime
		}
	} else {
		b.state = types.StateLocallyModified
	}
	b.mu.Unlock()
	b.m.settle(b)
}

// FailFlush returns a Flushing buffer to a dirty state. conflict selects
// ConflictDetected.
func (b *Buffer) FailFlush(conflict bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.StateFlushing && b.state != types.StateConflictDetected {
		return
	}
	if conflict {
		b.state = types.StateConflictDetected
	} else {
		b.state = types.StateLocallyModified
	}
}

// Rebase moves the buffer from version from to version to without touching
// its content. It is for version changes that leave the remote bytes alone.
func (b *Buffer) Rebase(from, to string) {
	b.mu.Lock()
	if b.version == from {
		b.version = to
	}
	b.mu.Unlock()
}

// Forget discards local content and the version base while keeping the
// buffer attached. Reads fetch the remote bytes again and the next Acquire
// adopts fresh metadata.
func (b *Buffer) Forget() {
	b.mu.Lock()
	entry := &types.Entry{ID: b.id, Size: b.size, ModTime: b.modTime}
	b.mu.Unlock()
	b.Reset(entry)
}

// Reset discards local content and rebases the buffer on a remote entry.
func (b *Buffer) Reset(entry *types.Entry) {
	b.mu.Lock()
	cachedDelta, dirtyDelta := -b.cached, -b.dirtyBytes
	b.blocks = make(map[int64][]byte)
	b.dirty = make(map[int64]uint64)
	b.cached, b.dirtyBytes = 0, 0
	b.size, b.remoteSize = entry.Size, entry.Size
	b.version = entry.Version
	b.modTime = entry.ModTime
	b.state = types.StateClean
	b.dirtySince = time.Time{}
	b.epoch++
	b.gen++
	b.account(cachedDelta, dirtyDelta)
	b.mu.Unlock()
	b.m.settle(b)
}

// dropClean releases clean blocks and returns the bytes freed. Buffers with
// local changes keep every block. Caller holds no buffer lock.
func (b *Buffer) dropClean() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != types.StateClean {
		return 0
	}
	var freed int64
	for i, blk := range b.blocks {
		if _, ok := b.dirty[i]; ok {
			continue
		}
		freed += int64(len(blk))
		delete(b.blocks, i)
	}
	b.cached -= freed
	return freed
}

// account forwards size changes to the manager totals. Caller holds b.mu.
func (b *Buffer) account(cachedDelta, dirtyDelta int64) {
	if b.detached {
		return
	}
	b.m.addCached(cachedDelta)
	b.m.addDirty(dirtyDelta)
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

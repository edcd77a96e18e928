// Package vfs implements the filesystem call handler. It translates path-based
// POSIX calls into resolver lookups, metadata cache reads, buffered content
// access and remote mutations, and reports every outcome as an errno.
package vfs

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/buffer"
	"github.com/objectfs/drivefs/internal/config"
	"github.com/objectfs/drivefs/internal/metacache"
	"github.com/objectfs/drivefs/internal/resolver"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
	"github.com/objectfs/drivefs/pkg/utils"
)

// Config configures a Handler.
type Config struct {
	ReadOnly bool
	UID      uint32
	GID      uint32
	FileMode uint32
	DirMode  uint32

	ConflictPolicy string
	ConflictSuffix string

	// DirtyThreshold is the aggregate dirty byte count above which writes
	// wake the background flusher early.
	DirtyThreshold int64
	FlushInterval  time.Duration
	MaxDirtyAge    time.Duration
	FlushTimeout   time.Duration
	FlushWorkers   int

	Now     func() time.Time
	Logger  *zap.Logger
	Metrics types.MetricsCollector
}

// Deps are the components a Handler coordinates. They are owned by the
// caller; Close stops only the background work the handler started.
type Deps struct {
	Drive types.Drive
	// Fatal is closed when the remote drive becomes unusable. Background
	// flushing stops when it fires.
	Fatal     <-chan struct{}
	Metadata  *metacache.Cache
	Buffers   *buffer.Manager
	Uploader  *buffer.Uploader
	ReadAhead *buffer.ReadAhead
	Resolver  *resolver.Resolver
}

type handle struct {
	id       uint64
	buf      *buffer.Buffer // nil for directories
	writable bool
	append   bool
}

// Handler serves filesystem calls. It is safe for concurrent use.
type Handler struct {
	cfg       Config
	drive     types.Drive
	meta      *metacache.Cache
	bufs      *buffer.Manager
	uploader  *buffer.Uploader
	readahead *buffer.ReadAhead
	res       *resolver.Resolver
	logger    *zap.Logger
	metrics   types.MetricsCollector
	locks     *lockMap

	handlesMu  sync.RWMutex
	handles    map[uint64]*handle
	nextHandle atomic.Uint64

	// Local files not yet materialized remotely, keyed by temporary id.
	pendingMu sync.RWMutex
	pending   map[string]*types.Entry

	infoMu sync.Mutex
	info   *types.DriveInfo
	infoAt time.Time

	flusher   *flusher
	closeOnce sync.Once
	closeErr  error
	stats     stats
}

// New creates a handler and starts its background flusher.
func New(deps Deps, cfg Config) (*Handler, error) {
	if deps.Drive == nil || deps.Metadata == nil || deps.Buffers == nil || deps.Resolver == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "handler requires drive, metadata cache, buffers and resolver").
			WithComponent("vfs")
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = config.ConflictKeepBoth
	}
	if cfg.ConflictSuffix == "" {
		cfg.ConflictSuffix = " (conflict)"
	}
	if cfg.DirtyThreshold <= 0 {
		cfg.DirtyThreshold = 64 << 20
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.MaxDirtyAge <= 0 {
		cfg.MaxDirtyAge = 30 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Minute
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = 2
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

	uploader := deps.Uploader
	if uploader == nil {
		uploader = buffer.NewUploader(deps.Drive, nil, buffer.UploaderConfig{}, cfg.Logger)
	}

	h := &Handler{
		cfg:       cfg,
		drive:     deps.Drive,
		meta:      deps.Metadata,
		bufs:      deps.Buffers,
		uploader:  uploader,
		readahead: deps.ReadAhead,
		res:       deps.Resolver,
		logger:    cfg.Logger.With(zap.String("component", "vfs")),
		metrics:   cfg.Metrics,
		locks:     newLockMap(),
		handles:   make(map[uint64]*handle),
		pending:   make(map[string]*types.Entry),
	}
	h.flusher = newFlusher(h, deps.Fatal)
	h.flusher.start()
	return h, nil
}

// Stats returns operation counters.
func (h *Handler) Stats() Stats {
	return h.stats.snapshot()
}

// fail records err against op and translates it to an errno.
func (h *Handler) fail(op string, err error) syscall.Errno {
	errno := errors.ToErrno(err)
	if errno == syscall.ENOENT || errno == syscall.EEXIST {
		// Expected outcomes of lookups and exclusive creates.
		return errno
	}
	h.stats.errors.Add(1)
	h.metrics.RecordError(op, err)
	h.logger.Debug("operation failed", zap.String("op", op), zap.Error(err), zap.String("errno", errno.Error()))
	return errno
}

// staleOr maps NotFound to ESTALE for calls made through an open handle.
func (h *Handler) staleOr(op string, err error) syscall.Errno {
	if errors.IsCode(err, errors.ErrCodeNotFound) {
		return syscall.ESTALE
	}
	return h.fail(op, err)
}

func (h *Handler) observe(op string, start time.Time, size int64, errno syscall.Errno) {
	h.metrics.RecordOperation(op, h.cfg.Now().Sub(start), size, errno == 0)
}

func notDirectory(p string) error {
	return errors.NewError(errors.ErrCodeNotDirectory, "not a directory").WithComponent("vfs").WithContext("path", p)
}

func notFound(p string) error {
	return errors.NewError(errors.ErrCodeNotFound, "no such entry").WithComponent("vfs").WithContext("path", p)
}

// lookupPath resolves p to a binding, listing directories along the way
// when the resolver does not know a segment yet.
func (h *Handler) lookupPath(ctx context.Context, p string) (resolver.Binding, error) {
	p = utils.CleanPath(p)
	if b, err := h.res.Lookup(p); err == nil {
		return b, nil
	}

	cur, _ := h.res.Get(h.res.RootID())
	walked := "/"
	for _, seg := range utils.SplitPath(p) {
		if cur.Kind != types.KindDirectory {
			return resolver.Binding{}, notDirectory(walked)
		}
		next, ok := h.res.Child(cur.ID, seg)
		if !ok {
			if _, err := h.children(ctx, cur.ID); err != nil {
				return resolver.Binding{}, err
			}
			if next, ok = h.res.Child(cur.ID, seg); !ok {
				return resolver.Binding{}, notFound(p)
			}
		}
		cur = next
		walked = utils.JoinPath(walked, seg)
	}
	return cur, nil
}

// children returns the remote children of dirID minus recently removed
// names, and reconciles the resolver with them.
func (h *Handler) children(ctx context.Context, dirID string) ([]*types.Entry, error) {
	listed, err := h.meta.LoadListing(ctx, dirID, func(ctx context.Context) ([]*types.Entry, error) {
		return h.drive.ListChildren(ctx, dirID)
	})
	if err != nil {
		return nil, err
	}
	out := listed[:0]
	for _, e := range listed {
		if h.meta.Tombstoned(dirID, e.Name) {
			continue
		}
		out = append(out, e)
	}
	h.res.SyncChildren(dirID, out, h.keepBinding)
	return out, nil
}

// keepBinding keeps names with local state bound when a listing omits them.
func (h *Handler) keepBinding(b resolver.Binding) bool {
	if b.Pinned || h.bufs.Refs(b.ID) > 0 {
		return true
	}
	buf, ok := h.bufs.Lookup(b.ID)
	return ok && buf.Dirty()
}

// entryFor returns the entry of a bound identifier, refreshing expired
// metadata. A remote deletion unbinds the identifier.
func (h *Handler) entryFor(ctx context.Context, b resolver.Binding) (*types.Entry, error) {
	if e, ok := h.pendingEntry(b.ID); ok {
		return e, nil
	}
	e, err := h.meta.Load(ctx, b.ID, func(ctx context.Context) (*types.Entry, error) {
		return h.drive.GetMetadata(ctx, b.ID)
	})
	if errors.IsCode(err, errors.ErrCodeNotFound) && b.ID != h.res.RootID() {
		h.forget(b.ID)
	}
	return e, err
}

// forget drops every local record of an identifier the remote no longer has.
func (h *Handler) forget(id string) {
	parentID, _, ok := h.locate(id)
	h.res.Unbind(id)
	h.meta.InvalidateSubtree(id)
	if ok {
		h.meta.RemoveChild(parentID, id)
	}
}

// locate returns the parent identifier and name id is bound under.
func (h *Handler) locate(id string) (parentID, name string, ok bool) {
	if e, ok := h.pendingEntry(id); ok {
		return e.ParentID, e.Name, true
	}
	p, ok := h.res.Path(id)
	if !ok || p == "/" {
		return "", "", false
	}
	parentPath, name := utils.ParentAndName(p)
	parent, err := h.res.Resolve(parentPath)
	if err != nil {
		return "", "", false
	}
	return parent, name, true
}

// attrOf builds attributes for e. Local buffer state overrides cached
// metadata while the buffer is dirty or open.
func (h *Handler) attrOf(b resolver.Binding, e *types.Entry) Attr {
	ino := b.Inode
	if ino == 0 {
		ino = h.res.Inode(e.ID)
	}
	a := Attr{
		Ino:   ino,
		Size:  e.Size,
		Nlink: 1,
		UID:   h.cfg.UID,
		GID:   h.cfg.GID,
		Mtime: e.ModTime,
	}
	if e.IsDir() {
		a.Mode = syscall.S_IFDIR | h.cfg.DirMode
		a.Nlink = 2
	} else {
		a.Mode = syscall.S_IFREG | h.cfg.FileMode
		if buf, ok := h.bufs.Lookup(e.ID); ok && (buf.Dirty() || h.bufs.Refs(e.ID) > 0) {
			a.Size = buf.Size()
			a.Mtime = buf.ModTime()
		}
	}
	if h.cfg.ReadOnly {
		a.Mode &^= 0222
	}
	return a
}

// fetcher downloads ranges of whatever remote item buf currently tracks.
func (h *Handler) fetcher(buf *buffer.Buffer) buffer.FetchFunc {
	return func(ctx context.Context, off, length int64) ([]byte, error) {
		return h.drive.DownloadRange(ctx, buf.ID(), off, length)
	}
}

// lockBuffer takes the identifier lock of buf. A pending buffer may be
// rekeyed while the caller waits, so the id is checked again once held.
func (h *Handler) lockBuffer(buf *buffer.Buffer) func() {
	for {
		id := buf.ID()
		unlock := h.locks.Lock(id)
		if buf.ID() == id {
			return unlock
		}
		unlock()
	}
}

func (h *Handler) newHandle(buf *buffer.Buffer, writable, appendMode bool) uint64 {
	hd := &handle{
		id:       h.nextHandle.Add(1),
		buf:      buf,
		writable: writable,
		append:   appendMode,
	}
	h.handlesMu.Lock()
	h.handles[hd.id] = hd
	h.handlesMu.Unlock()
	return hd.id
}

func (h *Handler) handle(fh uint64) (*handle, bool) {
	h.handlesMu.RLock()
	defer h.handlesMu.RUnlock()
	hd, ok := h.handles[fh]
	return hd, ok
}

func (h *Handler) dropHandle(fh uint64) (*handle, bool) {
	h.handlesMu.Lock()
	defer h.handlesMu.Unlock()
	hd, ok := h.handles[fh]
	delete(h.handles, fh)
	return hd, ok
}

func (h *Handler) pendingEntry(id string) (*types.Entry, bool) {
	h.pendingMu.RLock()
	defer h.pendingMu.RUnlock()
	e, ok := h.pending[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

func (h *Handler) isPending(id string) bool {
	h.pendingMu.RLock()
	defer h.pendingMu.RUnlock()
	_, ok := h.pending[id]
	return ok
}

func (h *Handler) addPending(e *types.Entry) {
	h.pendingMu.Lock()
	h.pending[e.ID] = e.Clone()
	h.pendingMu.Unlock()
}

func (h *Handler) updatePending(id string, fn func(e *types.Entry)) {
	h.pendingMu.Lock()
	if e, ok := h.pending[id]; ok {
		fn(e)
	}
	h.pendingMu.Unlock()
}

func (h *Handler) dropPending(id string) {
	h.pendingMu.Lock()
	delete(h.pending, id)
	h.pendingMu.Unlock()
}

// removed records that id left parentID after a remote deletion or a move
// over it. Open handles on its buffer turn stale.
func (h *Handler) removed(parentID, name, id string) {
	h.meta.Tombstone(parentID, name)
	h.res.Unbind(id)
	h.meta.InvalidateSubtree(id)
	h.meta.RemoveChild(parentID, id)
	h.bufs.Drop(id)
}

package vfs

import (
	"context"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
	"github.com/objectfs/drivefs/pkg/utils"
)

const (
	statfsBlockSize = 4096
	maxNameLen      = 255
	pendingPrefix   = "local-"
)

// Getattr returns the attributes of path.
func (h *Handler) Getattr(ctx context.Context, path string) (Attr, syscall.Errno) {
	b, err := h.lookupPath(ctx, path)
	if err != nil {
		return Attr{}, h.fail("getattr", err)
	}
	e, err := h.entryFor(ctx, b)
	if err != nil {
		return Attr{}, h.fail("getattr", err)
	}
	return h.attrOf(b, e), 0
}

// Lookup returns the attributes of name inside the directory parent.
func (h *Handler) Lookup(ctx context.Context, parent, name string) (Attr, syscall.Errno) {
	h.stats.lookups.Add(1)
	return h.Getattr(ctx, utils.JoinPath(parent, name))
}

// Readdir lists path. Local files not yet uploaded are included and names
// removed locally stay hidden while the remote listing catches up.
func (h *Handler) Readdir(ctx context.Context, path string) ([]DirEntry, syscall.Errno) {
	b, err := h.lookupPath(ctx, path)
	if err != nil {
		return nil, h.fail("readdir", err)
	}
	if b.Kind != types.KindDirectory {
		return nil, syscall.ENOTDIR
	}
	if _, err := h.children(ctx, b.ID); err != nil {
		return nil, h.fail("readdir", err)
	}

	bound := h.res.Children(b.ID)
	out := make([]DirEntry, 0, len(bound))
	for _, c := range bound {
		mode := uint32(syscall.S_IFREG)
		if c.Kind == types.KindDirectory {
			mode = syscall.S_IFDIR
		}
		out = append(out, DirEntry{Name: c.Name, Ino: c.Inode, Mode: mode})
	}
	return out, 0
}

func writableFlags(flags int) bool {
	acc := flags & syscall.O_ACCMODE
	return acc == syscall.O_WRONLY || acc == syscall.O_RDWR
}

// Open opens path and returns a handle.
func (h *Handler) Open(ctx context.Context, path string, flags int) (uint64, syscall.Errno) {
	writable := writableFlags(flags)
	if writable && h.cfg.ReadOnly {
		return 0, syscall.EROFS
	}
	b, err := h.lookupPath(ctx, path)
	if err != nil {
		return 0, h.fail("open", err)
	}
	e, err := h.entryFor(ctx, b)
	if err != nil {
		return 0, h.fail("open", err)
	}
	h.stats.opens.Add(1)
	if e.IsDir() {
		if writable {
			return 0, syscall.EISDIR
		}
		return h.newHandle(nil, false, false), 0
	}

	buf := h.bufs.Acquire(e)
	if writable && flags&syscall.O_TRUNC != 0 {
		unlock := h.lockBuffer(buf)
		err := buf.Truncate(0)
		unlock()
		if err != nil {
			h.bufs.Release(buf)
			return 0, h.fail("open", err)
		}
	}
	return h.newHandle(buf, writable, flags&syscall.O_APPEND != 0), 0
}

// Create makes a new empty file at path and opens it. The file exists only
// locally until its first flush uploads it.
func (h *Handler) Create(ctx context.Context, path string, flags int) (uint64, Attr, syscall.Errno) {
	if h.cfg.ReadOnly {
		return 0, Attr{}, syscall.EROFS
	}
	parentPath, name := utils.ParentAndName(path)
	if err := utils.ValidateName(name); err != nil {
		return 0, Attr{}, syscall.EINVAL
	}
	parent, err := h.lookupPath(ctx, parentPath)
	if err != nil {
		return 0, Attr{}, h.fail("create", err)
	}
	if parent.Kind != types.KindDirectory {
		return 0, Attr{}, syscall.ENOTDIR
	}

	switch _, err := h.lookupPath(ctx, path); {
	case err == nil:
		if flags&syscall.O_EXCL != 0 {
			return 0, Attr{}, syscall.EEXIST
		}
		fh, errno := h.Open(ctx, path, flags)
		if errno != 0 {
			return 0, Attr{}, errno
		}
		attr, errno := h.Getattr(ctx, path)
		if errno != 0 {
			h.Release(ctx, fh)
		}
		return fh, attr, errno
	case !errors.IsCode(err, errors.ErrCodeNotFound):
		return 0, Attr{}, h.fail("create", err)
	}

	unlock := h.locks.Lock(parent.ID)
	defer unlock()
	if _, ok := h.res.Child(parent.ID, name); ok {
		return 0, Attr{}, syscall.EEXIST
	}

	e := &types.Entry{
		ID:       pendingPrefix + uuid.NewString(),
		ParentID: parent.ID,
		Name:     name,
		Kind:     types.KindFile,
		ModTime:  h.cfg.Now(),
	}
	bound, err := h.res.BindChild(parent.ID, name, e.ID, types.KindFile)
	if err != nil {
		return 0, Attr{}, h.fail("create", err)
	}
	h.res.SetPinned(e.ID, true)
	bound.Pinned = true
	h.addPending(e)
	h.meta.ClearTombstone(parent.ID, name)

	buf := h.bufs.Acquire(e)
	// An empty new file must still be created remotely.
	buf.MarkDirty()
	h.stats.creates.Add(1)
	h.logger.Debug("created local file", zap.String("path", utils.CleanPath(path)), zap.String("id", e.ID))

	fh := h.newHandle(buf, writableFlags(flags), flags&syscall.O_APPEND != 0)
	return fh, h.attrOf(bound, e), 0
}

// Read returns up to size bytes at off through handle fh.
func (h *Handler) Read(ctx context.Context, fh uint64, off int64, size int) ([]byte, syscall.Errno) {
	start := h.cfg.Now()
	hd, ok := h.handle(fh)
	if !ok {
		return nil, syscall.EBADF
	}
	if hd.buf == nil {
		return nil, syscall.EISDIR
	}
	if off < 0 {
		return nil, syscall.EINVAL
	}

	fetch := h.fetcher(hd.buf)
	data, err := hd.buf.Read(ctx, off, int64(size), fetch)
	if err != nil {
		errno := h.staleOr("read", err)
		h.observe("read", start, 0, errno)
		return nil, errno
	}
	if h.readahead != nil && len(data) > 0 {
		h.readahead.OnRead(fh, hd.buf, off, int64(len(data)), fetch)
	}
	h.stats.reads.Add(1)
	h.stats.bytesRead.Add(int64(len(data)))
	h.observe("read", start, int64(len(data)), 0)
	return data, 0
}

// Write stages data at off through handle fh. The remote is not contacted.
func (h *Handler) Write(ctx context.Context, fh uint64, off int64, data []byte) (int, syscall.Errno) {
	start := h.cfg.Now()
	hd, ok := h.handle(fh)
	if !ok || !hd.writable {
		return 0, syscall.EBADF
	}
	buf := hd.buf
	if buf.Detached() {
		return 0, syscall.ESTALE
	}

	unlock := h.lockBuffer(buf)
	if hd.append {
		off = buf.Size()
	}
	err := buf.WriteAt(ctx, off, data, h.fetcher(buf))
	unlock()
	if err != nil {
		errno := h.staleOr("write", err)
		h.observe("write", start, 0, errno)
		return 0, errno
	}

	h.stats.writes.Add(1)
	h.stats.bytesWritten.Add(int64(len(data)))
	h.observe("write", start, int64(len(data)), 0)
	if h.bufs.DirtyBytes() > h.cfg.DirtyThreshold {
		h.flusher.kick()
	}
	return len(data), 0
}

// Truncate sets the size of the file at path. When no handle has the file
// open the change is uploaded before returning.
func (h *Handler) Truncate(ctx context.Context, path string, size int64) syscall.Errno {
	if h.cfg.ReadOnly {
		return syscall.EROFS
	}
	if size < 0 {
		return syscall.EINVAL
	}
	b, err := h.lookupPath(ctx, path)
	if err != nil {
		return h.fail("truncate", err)
	}
	e, err := h.entryFor(ctx, b)
	if err != nil {
		return h.fail("truncate", err)
	}
	if e.IsDir() {
		return syscall.EISDIR
	}

	buf := h.bufs.Acquire(e)
	defer h.bufs.Release(buf)

	unlock := h.lockBuffer(buf)
	defer unlock()
	if err := buf.Truncate(size); err != nil {
		return h.fail("truncate", err)
	}
	if h.bufs.Refs(buf.ID()) > 1 {
		return 0
	}
	if err := h.flushLocked(ctx, buf); err != nil {
		return h.fail("truncate", err)
	}
	return 0
}

// Flush uploads the dirty content of the file open as fh.
func (h *Handler) Flush(ctx context.Context, fh uint64) syscall.Errno {
	hd, ok := h.handle(fh)
	if !ok {
		return syscall.EBADF
	}
	if hd.buf == nil || !hd.buf.Dirty() {
		return 0
	}
	if err := h.flushBuffer(ctx, hd.buf); err != nil {
		return h.staleOr("flush", err)
	}
	return 0
}

// Fsync is Flush. Content is never durable locally, so there is nothing
// else to sync.
func (h *Handler) Fsync(ctx context.Context, fh uint64) syscall.Errno {
	return h.Flush(ctx, fh)
}

// Release closes fh. Its buffer stays cached, including unflushed changes.
func (h *Handler) Release(_ context.Context, fh uint64) syscall.Errno {
	hd, ok := h.dropHandle(fh)
	if !ok {
		return syscall.EBADF
	}
	if h.readahead != nil {
		h.readahead.Forget(fh)
	}
	if hd.buf != nil {
		h.bufs.Release(hd.buf)
	}
	return 0
}

// Statfs reports drive capacity.
func (h *Handler) Statfs(ctx context.Context) (StatfsInfo, syscall.Errno) {
	info, err := h.driveInfo(ctx)
	if err != nil {
		return StatfsInfo{}, h.fail("statfs", err)
	}
	free := info.QuotaRemaining
	if free == 0 && info.QuotaTotal > info.QuotaUsed {
		free = info.QuotaTotal - info.QuotaUsed
	}
	st := StatfsInfo{
		Bsize:   statfsBlockSize,
		Blocks:  safeBlocks(info.QuotaTotal),
		Bfree:   safeBlocks(free),
		Bavail:  safeBlocks(free),
		Files:   1 << 20,
		Ffree:   1 << 20,
		NameLen: maxNameLen,
	}
	return st, 0
}

func safeBlocks(n int64) uint64 {
	if n <= 0 {
		return 0
	}
	return uint64(n) / statfsBlockSize
}

func (h *Handler) driveInfo(ctx context.Context) (*types.DriveInfo, error) {
	h.infoMu.Lock()
	defer h.infoMu.Unlock()
	now := h.cfg.Now()
	if h.info != nil && now.Sub(h.infoAt) < h.meta.TTL() {
		return h.info, nil
	}
	info, err := h.drive.Info(ctx)
	if err != nil {
		return nil, err
	}
	h.info, h.infoAt = info, now
	return info, nil
}

// Getxattr returns the value of a DriveFS attribute of path.
func (h *Handler) Getxattr(ctx context.Context, path, name string) ([]byte, syscall.Errno) {
	b, err := h.lookupPath(ctx, path)
	if err != nil {
		return nil, h.fail("getxattr", err)
	}
	e, err := h.entryFor(ctx, b)
	if err != nil {
		return nil, h.fail("getxattr", err)
	}

	version, state := e.Version, types.StateClean
	if buf, ok := h.bufs.Lookup(e.ID); ok {
		version, state = buf.Version(), buf.State()
	}
	switch name {
	case XattrID:
		return []byte(e.ID), 0
	case XattrVersion:
		return []byte(version), 0
	case XattrState:
		return []byte(state.String()), 0
	}
	return nil, syscall.ENODATA
}

// Listxattr returns the attribute names available on path.
func (h *Handler) Listxattr(ctx context.Context, path string) ([]string, syscall.Errno) {
	if _, err := h.lookupPath(ctx, path); err != nil {
		return nil, h.fail("listxattr", err)
	}
	return []string{XattrID, XattrVersion, XattrState}, 0
}

// Close stops background flushing and uploads every remaining dirty buffer.
// It is called once at unmount; later calls return the first result.
func (h *Handler) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.flusher.stop()
		h.closeErr = h.flushAll(ctx)
		if h.closeErr != nil {
			h.logger.Error("dirty content left unflushed at close", zap.Error(h.closeErr))
		}
	})
	return h.closeErr
}

func (h *Handler) flushAll(ctx context.Context) error {
	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.FlushWorkers)
	for _, buf := range h.bufs.DirtyBuffers() {
		buf := buf
		g.Go(func() error {
			if err := h.flushBuffer(gctx, buf); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

package vfs

import (
	"context"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/resolver"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
	"github.com/objectfs/drivefs/pkg/utils"
)

// lockAttempts bounds how often a mutation re-resolves an entry that was
// rekeyed while it waited for the lock.
const lockAttempts = 3

func errChangedConcurrently(p string) error {
	return errors.NewError(errors.ErrCodeBusy, "entry changed concurrently").WithComponent("vfs").WithContext("path", p)
}

// lockEntry resolves path and locks it together with its parent. The path is
// resolved again once the locks are held; a pending file may have been
// uploaded and given its remote identifier in the meantime.
func (h *Handler) lockEntry(ctx context.Context, path string) (resolver.Binding, string, string, func(), error) {
	for attempt := 0; attempt < lockAttempts; attempt++ {
		b, err := h.lookupPath(ctx, path)
		if err != nil {
			return resolver.Binding{}, "", "", nil, err
		}
		parentID, name, ok := h.locate(b.ID)
		if !ok {
			return resolver.Binding{}, "", "", nil, notFound(path)
		}
		unlock := h.locks.LockAll(b.ID, parentID)
		if cur, err := h.res.Lookup(path); err == nil && cur.ID == b.ID {
			ok, err := h.current(ctx, b, parentID, name)
			if err != nil {
				unlock()
				return resolver.Binding{}, "", "", nil, err
			}
			if ok {
				return b, parentID, name, unlock, nil
			}
		}
		unlock()
	}
	return resolver.Binding{}, "", "", nil, errChangedConcurrently(path)
}

// current reports whether the remote still holds b as name under parentID.
// Expired metadata is refreshed first. An item found elsewhere was moved by
// another client; its binding is forgotten so the path resolves afresh.
func (h *Handler) current(ctx context.Context, b resolver.Binding, parentID, name string) (bool, error) {
	if b.ID == h.res.RootID() || h.isPending(b.ID) {
		return true, nil
	}
	if _, ok := h.meta.Get(b.ID); ok {
		return true, nil
	}
	e, err := h.entryFor(ctx, b)
	if err != nil {
		return false, err
	}
	if e.ParentID == parentID && e.Name == name {
		return true, nil
	}
	h.logger.Debug("entry moved remotely",
		zap.String("id", b.ID), zap.String("parent", e.ParentID), zap.String("name", e.Name))
	h.forget(b.ID)
	return false, nil
}

// asideName is a hidden name a replaced target is parked under until the
// move that displaces it is acknowledged.
func asideName() string {
	return ".drivefs-replaced-" + uuid.NewString()
}

// discardPending forgets a local file that was never uploaded.
func (h *Handler) discardPending(id string) {
	h.dropPending(id)
	h.res.Unbind(id)
	h.bufs.Drop(id)
}

// Mkdir creates the directory path on the remote.
func (h *Handler) Mkdir(ctx context.Context, path string) (Attr, syscall.Errno) {
	if h.cfg.ReadOnly {
		return Attr{}, syscall.EROFS
	}
	parentPath, name := utils.ParentAndName(path)
	if name == "" {
		return Attr{}, syscall.EEXIST
	}
	if err := utils.ValidateName(name); err != nil {
		return Attr{}, syscall.EINVAL
	}
	parent, err := h.lookupPath(ctx, parentPath)
	if err != nil {
		return Attr{}, h.fail("mkdir", err)
	}
	if parent.Kind != types.KindDirectory {
		return Attr{}, syscall.ENOTDIR
	}
	switch _, err := h.lookupPath(ctx, path); {
	case err == nil:
		return Attr{}, syscall.EEXIST
	case !errors.IsCode(err, errors.ErrCodeNotFound):
		return Attr{}, h.fail("mkdir", err)
	}

	unlock := h.locks.Lock(parent.ID)
	defer unlock()

	e, err := h.drive.Create(ctx, parent.ID, name, types.KindDirectory)
	if err != nil {
		return Attr{}, h.fail("mkdir", err)
	}
	bound, err := h.res.BindChild(parent.ID, name, e.ID, types.KindDirectory)
	if err != nil {
		return Attr{}, h.fail("mkdir", err)
	}
	h.meta.ClearTombstone(parent.ID, name)
	h.meta.UpsertChild(parent.ID, e)
	h.meta.PutListing(e.ID, nil, 0)
	h.stats.creates.Add(1)
	return h.attrOf(bound, e), 0
}

// Unlink removes the file at path.
func (h *Handler) Unlink(ctx context.Context, path string) syscall.Errno {
	if h.cfg.ReadOnly {
		return syscall.EROFS
	}
	if utils.CleanPath(path) == "/" {
		return syscall.EISDIR
	}
	b, parentID, name, unlock, err := h.lockEntry(ctx, path)
	if err != nil {
		return h.fail("unlink", err)
	}
	defer unlock()
	if b.Kind == types.KindDirectory {
		return syscall.EISDIR
	}

	if h.isPending(b.ID) {
		h.discardPending(b.ID)
		h.stats.deletes.Add(1)
		return 0
	}
	if err := h.drive.Delete(ctx, b.ID); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
		return h.fail("unlink", err)
	}
	h.removed(parentID, name, b.ID)
	h.stats.deletes.Add(1)
	return 0
}

// Rmdir removes the empty directory at path.
func (h *Handler) Rmdir(ctx context.Context, path string) syscall.Errno {
	if h.cfg.ReadOnly {
		return syscall.EROFS
	}
	if utils.CleanPath(path) == "/" {
		return syscall.EBUSY
	}
	b, parentID, name, unlock, err := h.lockEntry(ctx, path)
	if err != nil {
		return h.fail("rmdir", err)
	}
	defer unlock()
	if b.Kind != types.KindDirectory {
		return syscall.ENOTDIR
	}
	if errno := h.checkEmpty(ctx, b.ID); errno != 0 {
		return errno
	}

	if err := h.drive.Delete(ctx, b.ID); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
		return h.fail("rmdir", err)
	}
	h.removed(parentID, name, b.ID)
	h.stats.deletes.Add(1)
	return 0
}

// checkEmpty returns ENOTEMPTY when dirID has remote children or local files
// not yet uploaded.
func (h *Handler) checkEmpty(ctx context.Context, dirID string) syscall.Errno {
	kids, err := h.children(ctx, dirID)
	if err != nil {
		return h.fail("rmdir", err)
	}
	if len(kids) > 0 || len(h.res.Children(dirID)) > 0 {
		return syscall.ENOTEMPTY
	}
	return 0
}

// Rename moves oldPath to newPath. An existing target file is replaced
// unless flags carries RenameNoReplace; an existing target directory is
// replaced only when empty.
func (h *Handler) Rename(ctx context.Context, oldPath, newPath string, flags uint32) syscall.Errno {
	if h.cfg.ReadOnly {
		return syscall.EROFS
	}
	if flags&RenameExchange != 0 || flags&^uint32(RenameNoReplace|RenameExchange) != 0 {
		return syscall.EINVAL
	}
	oldPath, newPath = utils.CleanPath(oldPath), utils.CleanPath(newPath)
	if oldPath == "/" || newPath == "/" {
		return syscall.EBUSY
	}
	if oldPath == newPath {
		return 0
	}
	if utils.IsWithin(newPath, oldPath) {
		return syscall.EINVAL
	}
	if _, name := utils.ParentAndName(newPath); utils.ValidateName(name) != nil {
		return syscall.EINVAL
	}

	for attempt := 0; attempt < lockAttempts; attempt++ {
		errno, again := h.rename(ctx, oldPath, newPath, flags)
		if !again {
			return errno
		}
	}
	return h.fail("rename", errChangedConcurrently(oldPath))
}

// rename performs one attempt. again is true when the source or target was
// rekeyed while waiting for the locks, or turned out to have moved remotely.
func (h *Handler) rename(ctx context.Context, oldPath, newPath string, flags uint32) (syscall.Errno, bool) {
	src, err := h.lookupPath(ctx, oldPath)
	if err != nil {
		return h.fail("rename", err), false
	}
	srcParentID, srcName, ok := h.locate(src.ID)
	if !ok {
		return syscall.ENOENT, false
	}
	dstParentPath, dstName := utils.ParentAndName(newPath)
	dstParent, err := h.lookupPath(ctx, dstParentPath)
	if err != nil {
		return h.fail("rename", err), false
	}
	if dstParent.Kind != types.KindDirectory {
		return syscall.ENOTDIR, false
	}

	var dst *resolver.Binding
	switch b, err := h.lookupPath(ctx, newPath); {
	case err == nil:
		dst = &b
	case !errors.IsCode(err, errors.ErrCodeNotFound):
		return h.fail("rename", err), false
	}
	if dst != nil {
		if flags&RenameNoReplace != 0 {
			return syscall.EEXIST, false
		}
		if dst.ID == src.ID {
			return 0, false
		}
		switch {
		case dst.Kind == types.KindDirectory && src.Kind != types.KindDirectory:
			return syscall.EISDIR, false
		case dst.Kind != types.KindDirectory && src.Kind == types.KindDirectory:
			return syscall.ENOTDIR, false
		case dst.Kind == types.KindDirectory:
			if errno := h.checkEmpty(ctx, dst.ID); errno != 0 {
				return errno, false
			}
		}
	}

	ids := []string{src.ID, srcParentID, dstParent.ID}
	if dst != nil {
		ids = append(ids, dst.ID)
	}
	unlock := h.locks.LockAll(ids...)
	defer unlock()
	if cur, err := h.res.Lookup(oldPath); err != nil || cur.ID != src.ID {
		return 0, true
	}
	if dst != nil {
		if cur, err := h.res.Lookup(newPath); err != nil || cur.ID != dst.ID {
			return 0, true
		}
	}

	if ok, err := h.current(ctx, src, srcParentID, srcName); err != nil {
		return h.fail("rename", err), false
	} else if !ok {
		return 0, true
	}
	if dst != nil {
		if ok, err := h.current(ctx, *dst, dstParent.ID, dstName); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
			return h.fail("rename", err), false
		} else if !ok {
			return 0, true
		}
	}

	// A remote target is parked under a hidden name and deleted only once the
	// source has taken its place. A failed move puts it back.
	var aside string
	if dst != nil && !h.isPending(dst.ID) {
		aside = asideName()
		if _, err := h.drive.Rename(ctx, dst.ID, dstParent.ID, aside); err != nil {
			return h.fail("rename", err), false
		}
	}
	restore := func() {
		if aside == "" {
			return
		}
		if _, err := h.drive.Rename(context.WithoutCancel(ctx), dst.ID, dstParent.ID, dstName); err != nil {
			h.logger.Error("could not restore rename target",
				zap.String("path", newPath), zap.String("parked_as", aside), zap.Error(err))
			h.forget(dst.ID)
		}
	}
	dropTarget := func() {
		switch {
		case dst == nil:
		case aside == "":
			h.discardPending(dst.ID)
		default:
			h.removed(dstParent.ID, dstName, dst.ID)
			h.meta.Tombstone(dstParent.ID, aside)
			if err := h.drive.Delete(context.WithoutCancel(ctx), dst.ID); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
				h.logger.Warn("replaced rename target left behind",
					zap.String("path", newPath), zap.String("parked_as", aside), zap.Error(err))
			}
		}
	}

	if h.isPending(src.ID) {
		if err := h.res.Rename(src.ID, dstParent.ID, dstName); err != nil {
			restore()
			return h.fail("rename", err), false
		}
		dropTarget()
		h.updatePending(src.ID, func(e *types.Entry) {
			e.ParentID = dstParent.ID
			e.Name = dstName
		})
		h.meta.ClearTombstone(dstParent.ID, dstName)
		return 0, false
	}

	prev, _ := h.meta.Peek(src.ID)
	e, err := h.drive.Rename(ctx, src.ID, dstParent.ID, dstName)
	if err != nil {
		restore()
		return h.fail("rename", err), false
	}
	dropTarget()
	if err := h.res.RebindSubtree(oldPath, newPath); err != nil {
		if err := h.res.Rename(src.ID, dstParent.ID, dstName); err != nil {
			h.logger.Warn("rename acknowledged but binding failed",
				zap.String("from", oldPath), zap.String("to", newPath), zap.Error(err))
			h.forget(src.ID)
		}
	}
	// Some drives issue a new version token for a move. The bytes are the
	// same, so a dirty buffer keeps its base.
	if buf, ok := h.bufs.Lookup(src.ID); ok && prev != nil && prev.Version != e.Version {
		buf.Rebase(prev.Version, e.Version)
	}
	h.meta.Tombstone(srcParentID, srcName)
	h.meta.ClearTombstone(dstParent.ID, dstName)
	h.meta.RemoveChild(srcParentID, src.ID)
	h.meta.UpsertChild(dstParent.ID, e)
	return 0, false
}

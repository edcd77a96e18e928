package vfs

import (
	"context"

	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/buffer"
	"github.com/objectfs/drivefs/internal/config"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
	"github.com/objectfs/drivefs/pkg/utils"
)

const (
	maxConflictCopies = 20
	overwriteAttempts = 3
)

// flushBuffer uploads the dirty content of buf under its identifier lock.
func (h *Handler) flushBuffer(ctx context.Context, buf *buffer.Buffer) error {
	unlock := h.lockBuffer(buf)
	defer unlock()
	return h.flushLocked(ctx, buf)
}

// flushLocked uploads buf. The caller holds the identifier lock, so no write
// lands between the snapshot and the outcome.
//
// The upload runs detached from the caller's cancellation, bounded by the
// flush timeout, so an interrupted close cannot leave half a commit behind.
func (h *Handler) flushLocked(ctx context.Context, buf *buffer.Buffer) error {
	if !buf.Dirty() {
		return nil
	}
	if buf.Detached() {
		return errors.NewError(errors.ErrCodeStaleHandle, "entry removed with unflushed changes").
			WithComponent("vfs").WithContext("id", buf.ID())
	}

	start := h.cfg.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.FlushTimeout)
	defer cancel()

	snap, err := buf.BeginFlush(ctx, h.fetcher(buf))
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	id := buf.ID()
	pending, isPending := h.pendingEntry(id)
	req := types.UploadRequest{ID: id, ExpectedVersion: snap.Version()}
	if isPending {
		req = types.UploadRequest{ParentID: pending.ParentID, Name: pending.Name}
	}

	entry, err := h.uploader.Upload(ctx, req, snap)
	switch {
	case err == nil:
		h.commit(buf, snap, entry)
	case errors.IsCode(err, errors.ErrCodeConflict):
		err = h.resolveConflict(ctx, buf, snap, pending)
	default:
		buf.FailFlush(false)
	}

	h.metrics.RecordOperation("flush", h.cfg.Now().Sub(start), snap.Size(), err == nil)
	if err != nil {
		h.logger.Warn("flush failed", zap.String("id", id), zap.Error(err))
		return err
	}
	h.stats.flushes.Add(1)
	return nil
}

// commit records that snap is now the remote content of entry. A pending
// file takes on its remote identifier here.
func (h *Handler) commit(buf *buffer.Buffer, snap *buffer.Snapshot, entry *types.Entry) {
	if id := buf.ID(); h.isPending(id) {
		h.res.Rekey(id, entry.ID)
		h.res.SetPinned(entry.ID, false)
		h.bufs.Rekey(id, entry.ID)
		h.dropPending(id)
		h.meta.ClearTombstone(entry.ParentID, entry.Name)
		h.logger.Debug("materialized local file", zap.String("temp_id", id), zap.String("id", entry.ID))
	}
	buf.CompleteFlush(snap, entry)
	h.meta.UpsertChild(entry.ParentID, entry)
}

// resolveConflict applies the conflict policy after the remote rejected an
// upload of snap. pending is nil unless buf belongs to a local file that was
// never uploaded.
func (h *Handler) resolveConflict(ctx context.Context, buf *buffer.Buffer, snap *buffer.Snapshot, pending *types.Entry) error {
	h.stats.conflicts.Add(1)
	if h.cfg.ConflictPolicy == config.ConflictOverwrite {
		return h.overwrite(ctx, buf, snap, pending)
	}
	return h.keepBoth(ctx, buf, snap, pending)
}

// placement returns where buf's entry lives.
func (h *Handler) placement(id string, pending *types.Entry) (string, string, bool) {
	if pending != nil {
		return pending.ParentID, pending.Name, true
	}
	if parentID, name, ok := h.locate(id); ok {
		return parentID, name, true
	}
	if e, ok := h.meta.Peek(id); ok {
		return e.ParentID, e.Name, true
	}
	return "", "", false
}

// keepBoth uploads the local content as a conflict-named sibling and rebases
// the original on the remote version.
func (h *Handler) keepBoth(ctx context.Context, buf *buffer.Buffer, snap *buffer.Snapshot, pending *types.Entry) error {
	id := buf.ID()
	parentID, name, ok := h.placement(id, pending)
	if !ok {
		buf.FailFlush(true)
		return errors.NewError(errors.ErrCodeConflict, "conflicting entry has no known location").
			WithComponent("vfs").WithContext("id", id)
	}

	copyEntry, err := h.uploadConflictCopy(ctx, parentID, name, snap)
	if err != nil {
		// The local bytes stay in the buffer for the next attempt.
		buf.FailFlush(true)
		return err
	}
	h.metrics.RecordConflict(config.ConflictKeepBoth)
	h.logger.Warn("version conflict, local content kept as copy",
		zap.String("name", name), zap.String("copy", copyEntry.Name))

	if pending != nil {
		// The local file becomes the copy; the remote name belongs to the
		// other writer and shows up with the next listing.
		if err := h.res.Rename(id, parentID, copyEntry.Name); err != nil {
			h.logger.Debug("rebinding conflict copy", zap.Error(err))
		}
		h.commit(buf, snap, copyEntry)
		h.meta.InvalidateListing(parentID)
		return nil
	}

	if _, err := h.res.BindChild(parentID, copyEntry.Name, copyEntry.ID, types.KindFile); err != nil {
		h.logger.Debug("binding conflict copy", zap.Error(err))
	}
	h.meta.ClearTombstone(parentID, copyEntry.Name)
	h.meta.UpsertChild(parentID, copyEntry)

	current, err := h.drive.GetMetadata(ctx, id)
	switch {
	case err == nil:
		buf.Reset(current)
		h.meta.UpsertChild(parentID, current)
	case errors.IsCode(err, errors.ErrCodeNotFound):
		h.forget(id)
		h.bufs.Drop(id)
	default:
		// The copy holds the local bytes. Open handles keep reading the
		// original, which is fetched again.
		h.meta.Invalidate(id)
		buf.Forget()
	}
	return nil
}

// uploadConflictCopy creates the first free conflict name for name.
func (h *Handler) uploadConflictCopy(ctx context.Context, parentID, name string, snap *buffer.Snapshot) (*types.Entry, error) {
	for n := 1; n <= maxConflictCopies; n++ {
		candidate := utils.ConflictName(name, h.cfg.ConflictSuffix, n)
		if _, taken := h.res.Child(parentID, candidate); taken {
			continue
		}
		e, err := h.uploader.Upload(ctx, types.UploadRequest{ParentID: parentID, Name: candidate}, snap)
		if err == nil {
			return e, nil
		}
		if !errors.IsCode(err, errors.ErrCodeConflict) {
			return nil, err
		}
	}
	return nil, errors.NewError(errors.ErrCodeConflict, "no free conflict name").
		WithComponent("vfs").WithContext("name", name)
}

// overwrite re-issues the upload against the remote's current version.
func (h *Handler) overwrite(ctx context.Context, buf *buffer.Buffer, snap *buffer.Snapshot, pending *types.Entry) error {
	id := buf.ID()
	for attempt := 0; attempt < overwriteAttempts; attempt++ {
		var (
			req      types.UploadRequest
			replaced string
		)
		if pending != nil {
			existing, err := h.remoteChild(ctx, pending.ParentID, pending.Name)
			if err != nil {
				buf.FailFlush(false)
				return err
			}
			if existing == nil {
				req = types.UploadRequest{ParentID: pending.ParentID, Name: pending.Name}
			} else {
				req = types.UploadRequest{ID: existing.ID, ExpectedVersion: existing.Version}
				replaced = existing.ID
			}
		} else {
			current, err := h.drive.GetMetadata(ctx, id)
			if err != nil {
				buf.FailFlush(false)
				return err
			}
			req = types.UploadRequest{ID: id, ExpectedVersion: current.Version}
		}

		entry, err := h.uploader.Upload(ctx, req, snap)
		if err == nil {
			if replaced != "" {
				// The local file takes over the remote item it replaced.
				h.res.Unbind(replaced)
				h.bufs.Drop(replaced)
			}
			h.metrics.RecordConflict(config.ConflictOverwrite)
			h.commit(buf, snap, entry)
			return nil
		}
		if !errors.IsCode(err, errors.ErrCodeConflict) {
			buf.FailFlush(false)
			return err
		}
	}
	buf.FailFlush(true)
	return errors.NewError(errors.ErrCodeConflict, "remote kept changing during overwrite").
		WithComponent("vfs").WithContext("id", id)
}

func (h *Handler) remoteChild(ctx context.Context, parentID, name string) (*types.Entry, error) {
	kids, err := h.drive.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, k := range kids {
		if k.Name == name {
			return k, nil
		}
	}
	return nil, nil
}

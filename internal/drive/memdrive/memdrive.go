// Package memdrive is an in-memory types.Drive.
//
// It versions content the way a real drive does (every upload produces a new
// version token), enforces conditional uploads, and supports chunked upload
// sessions. Tests use its call counters, fault injection and external-write
// helpers to observe and provoke the behavior of the layers above it.
package memdrive

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
)

// Operation names used by call counters, faults and hooks.
const (
	OpRoot          = "root"
	OpInfo          = "info"
	OpListChildren  = "list_children"
	OpGetMetadata   = "get_metadata"
	OpDownloadRange = "download_range"
	OpUpload        = "upload"
	OpCreate        = "create"
	OpDelete        = "delete"
	OpRename        = "rename"
	OpNewSession    = "new_upload_session"
	OpUploadChunk   = "upload_chunk"
	OpCancelSession = "cancel_session"
)

// RootID is the identifier of the drive root.
const RootID = "root"

type item struct {
	entry    types.Entry
	gen      int
	data     []byte
	children map[string]string // name -> id
}

// Drive is a concurrency-safe in-memory drive.
type Drive struct {
	mu       sync.Mutex
	items    map[string]*item
	calls    map[string]int
	faults   map[string][]error
	hooks    map[string]func(ctx context.Context) error
	quota    int64
	now      func() time.Time
	sessions int
}

// Option configures a Drive.
type Option func(*Drive)

// WithClock replaces the clock used for modification times.
func WithClock(now func() time.Time) Option {
	return func(d *Drive) { d.now = now }
}

// WithQuota sets the total quota reported by Info.
func WithQuota(total int64) Option {
	return func(d *Drive) { d.quota = total }
}

// New returns an empty drive holding only the root directory.
func New(opts ...Option) *Drive {
	d := &Drive{
		items:  make(map[string]*item),
		calls:  make(map[string]int),
		faults: make(map[string][]error),
		hooks:  make(map[string]func(context.Context) error),
		quota:  1 << 40,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.items[RootID] = &item{
		entry: types.Entry{
			ID:      RootID,
			Name:    "",
			Kind:    types.KindDirectory,
			ModTime: d.now(),
			Version: "v1",
		},
		gen:      1,
		children: make(map[string]string),
	}
	return d
}

// begin counts op, runs its hook and pops an injected fault. It is called
// without d.mu held.
func (d *Drive) begin(ctx context.Context, op string) error {
	d.mu.Lock()
	d.calls[op]++
	hook := d.hooks[op]
	var fault error
	if q := d.faults[op]; len(q) > 0 {
		fault = q[0]
		d.faults[op] = q[1:]
	}
	d.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if fault != nil {
		return fault
	}
	return ctx.Err()
}

func notFound(id string) error {
	return errors.NewError(errors.ErrCodeNotFound, "item not found").
		WithComponent("memdrive").
		WithContext("id", id)
}

func conflict(msg string) *errors.DriveFSError {
	return errors.NewError(errors.ErrCodeConflict, msg).WithComponent("memdrive")
}

func (d *Drive) lookup(id string) (*item, error) {
	it, ok := d.items[id]
	if !ok {
		return nil, notFound(id)
	}
	return it, nil
}

func (d *Drive) dir(id string) (*item, error) {
	it, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	if it.entry.Kind != types.KindDirectory {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "parent is not a directory").
			WithComponent("memdrive").
			WithContext("id", id)
	}
	return it, nil
}

func (d *Drive) bump(it *item) {
	it.gen++
	it.entry.Version = "v" + strconv.Itoa(it.gen)
	it.entry.ModTime = d.now()
}

func (d *Drive) newItem(parentID, name string, kind types.EntryKind) *item {
	it := &item{
		entry: types.Entry{
			ID:       uuid.NewString(),
			ParentID: parentID,
			Name:     name,
			Kind:     kind,
			ModTime:  d.now(),
			Version:  "v1",
		},
		gen: 1,
	}
	if kind == types.KindDirectory {
		it.children = make(map[string]string)
	}
	d.items[it.entry.ID] = it
	d.items[parentID].children[name] = it.entry.ID
	return it
}

// Root implements types.Drive.
func (d *Drive) Root(ctx context.Context) (string, error) {
	if err := d.begin(ctx, OpRoot); err != nil {
		return "", err
	}
	return RootID, nil
}

// Info implements types.Drive.
func (d *Drive) Info(ctx context.Context) (*types.DriveInfo, error) {
	if err := d.begin(ctx, OpInfo); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var used int64
	for _, it := range d.items {
		used += it.entry.Size
	}
	return &types.DriveInfo{
		ID:             "memdrive",
		Name:           "In-memory drive",
		DriveType:      "memory",
		RootID:         RootID,
		QuotaTotal:     d.quota,
		QuotaUsed:      used,
		QuotaRemaining: d.quota - used,
	}, nil
}

// ListChildren implements types.Drive. Children are ordered by name.
func (d *Drive) ListChildren(ctx context.Context, id string) ([]*types.Entry, error) {
	if err := d.begin(ctx, OpListChildren); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, err := d.dir(id)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entry, 0, len(parent.children))
	for _, childID := range parent.children {
		out = append(out, d.items[childID].entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetMetadata implements types.Drive.
func (d *Drive) GetMetadata(ctx context.Context, id string) (*types.Entry, error) {
	if err := d.begin(ctx, OpGetMetadata); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	it, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	return it.entry.Clone(), nil
}

// DownloadRange implements types.Drive.
func (d *Drive) DownloadRange(ctx context.Context, id string, offset, length int64) ([]byte, error) {
	if err := d.begin(ctx, OpDownloadRange); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	it, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	if it.entry.Kind == types.KindDirectory {
		return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot download a directory").WithComponent("memdrive")
	}
	size := int64(len(it.data))
	if offset >= size {
		return []byte{}, nil
	}
	end := offset + length
	if end > size {
		end = size
	}
	return append([]byte(nil), it.data[offset:end]...), nil
}

// Upload implements types.Drive.
func (d *Drive) Upload(ctx context.Context, req types.UploadRequest) (*types.Entry, error) {
	if err := d.begin(ctx, OpUpload); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.commit(req, req.Data)
}

// commit applies a whole-content upload. d.mu must be held.
func (d *Drive) commit(req types.UploadRequest, data []byte) (*types.Entry, error) {
	var it *item
	if req.IsCreate() {
		parent, err := d.dir(req.ParentID)
		if err != nil {
			return nil, err
		}
		if _, exists := parent.children[req.Name]; exists {
			return nil, conflict("name already exists")
		}
		it = d.newItem(req.ParentID, req.Name, types.KindFile)
	} else {
		var err error
		if it, err = d.lookup(req.ID); err != nil {
			return nil, err
		}
		if it.entry.Kind == types.KindDirectory {
			return nil, errors.NewError(errors.ErrCodeIsDirectory, "cannot upload to a directory").WithComponent("memdrive")
		}
		if req.ExpectedVersion != "" && req.ExpectedVersion != it.entry.Version {
			return nil, conflict("version mismatch").
				WithContext("expected", req.ExpectedVersion).
				WithContext("actual", it.entry.Version)
		}
		d.bump(it)
	}
	it.data = append([]byte(nil), data...)
	it.entry.Size = int64(len(data))
	return it.entry.Clone(), nil
}

// Create implements types.Drive.
func (d *Drive) Create(ctx context.Context, parentID, name string, kind types.EntryKind) (*types.Entry, error) {
	if err := d.begin(ctx, OpCreate); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, err := d.dir(parentID)
	if err != nil {
		return nil, err
	}
	if _, exists := parent.children[name]; exists {
		return nil, conflict("name already exists")
	}
	d.bump(parent)
	return d.newItem(parentID, name, kind).entry.Clone(), nil
}

// Delete implements types.Drive. Directories are removed with their subtree.
func (d *Drive) Delete(ctx context.Context, id string) error {
	if err := d.begin(ctx, OpDelete); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remove(id)
}

func (d *Drive) remove(id string) error {
	it, err := d.lookup(id)
	if err != nil {
		return err
	}
	if id == RootID {
		return errors.NewError(errors.ErrCodePermissionDenied, "cannot delete the root").WithComponent("memdrive")
	}
	for _, childID := range it.children {
		_ = d.remove(childID)
	}
	if parent, ok := d.items[it.entry.ParentID]; ok {
		delete(parent.children, it.entry.Name)
		d.bump(parent)
	}
	delete(d.items, id)
	return nil
}

// Rename implements types.Drive. An existing target name is a conflict.
func (d *Drive) Rename(ctx context.Context, id, newParentID, newName string) (*types.Entry, error) {
	if err := d.begin(ctx, OpRename); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	it, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	parent, err := d.dir(newParentID)
	if err != nil {
		return nil, err
	}
	if existing, ok := parent.children[newName]; ok && existing != id {
		return nil, conflict("target name already exists")
	}
	for p := newParentID; p != ""; p = d.items[p].entry.ParentID {
		if p == id {
			return nil, errors.NewError(errors.ErrCodeInvalidArgument, "cannot move a directory into itself").WithComponent("memdrive")
		}
	}

	old := d.items[it.entry.ParentID]
	delete(old.children, it.entry.Name)
	d.bump(old)
	parent.children[newName] = id
	if old != parent {
		d.bump(parent)
	}
	// Content version is unchanged by a move.
	it.entry.ParentID = newParentID
	it.entry.Name = newName
	it.entry.ModTime = d.now()
	return it.entry.Clone(), nil
}

package memdrive

import (
	"context"

	"github.com/objectfs/drivefs/pkg/types"
	"github.com/objectfs/drivefs/pkg/utils"
)

// Calls returns how many times op has been invoked.
func (d *Drive) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// TotalCalls returns the number of invocations across all operations.
func (d *Drive) TotalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

// ResetCalls zeroes every call counter.
func (d *Drive) ResetCalls() {
	d.mu.Lock()
	d.calls = make(map[string]int)
	d.mu.Unlock()
}

// FailNext queues errs to be returned by the next invocations of op, one per call.
func (d *Drive) FailNext(op string, errs ...error) {
	d.mu.Lock()
	d.faults[op] = append(d.faults[op], errs...)
	d.mu.Unlock()
}

// SetHook runs fn at the start of every invocation of op. A non-nil result
// fails the call. Passing nil removes the hook.
func (d *Drive) SetHook(op string, fn func(ctx context.Context) error) {
	d.mu.Lock()
	if fn == nil {
		delete(d.hooks, op)
	} else {
		d.hooks[op] = fn
	}
	d.mu.Unlock()
}

// AddDir creates a directory without counting a call.
func (d *Drive) AddDir(parentID, name string) *types.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newItem(parentID, name, types.KindDirectory).entry.Clone()
}

// AddFile creates a file with data at version v1 without counting a call.
func (d *Drive) AddFile(parentID, name string, data []byte) *types.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	it := d.newItem(parentID, name, types.KindFile)
	it.data = append([]byte(nil), data...)
	it.entry.Size = int64(len(data))
	return it.entry.Clone()
}

// ExternalWrite replaces the content of id as another client would, producing
// a new version.
func (d *Drive) ExternalWrite(id string, data []byte) *types.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return nil
	}
	d.bump(it)
	it.data = append([]byte(nil), data...)
	it.entry.Size = int64(len(data))
	return it.entry.Clone()
}

// ExternalDelete removes id as another client would.
func (d *Drive) ExternalDelete(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.remove(id)
}

// ExternalMove moves id under newParentID as newName as another client would.
// The identifier and content version are unchanged.
func (d *Drive) ExternalMove(id, newParentID, newName string) *types.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return nil
	}
	parent, ok := d.items[newParentID]
	if !ok || parent.children == nil {
		return nil
	}
	if _, taken := parent.children[newName]; taken {
		return nil
	}
	old := d.items[it.entry.ParentID]
	delete(old.children, it.entry.Name)
	d.bump(old)
	parent.children[newName] = id
	if old != parent {
		d.bump(parent)
	}
	it.entry.ParentID = newParentID
	it.entry.Name = newName
	return it.entry.Clone()
}

// Content returns a copy of the stored bytes of id.
func (d *Drive) Content(id string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), it.data...), true
}

// Find resolves an absolute path to its entry.
func (d *Drive) Find(path string) (*types.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	it := d.items[RootID]
	for _, name := range utils.SplitPath(path) {
		if it.children == nil {
			return nil, false
		}
		id, ok := it.children[name]
		if !ok {
			return nil, false
		}
		it = d.items[id]
	}
	return it.entry.Clone(), true
}

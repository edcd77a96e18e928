// Package resolver maintains the bidirectional mapping between mount paths
// and remote identifiers.
//
// The mapping is a tree of nodes. Each directory node guards its own child
// map, so lookups in unrelated directories never contend. A rename moves a
// single node pointer between two parents while holding both parents' locks,
// which makes the whole subtree appear under the new path at once.
package resolver

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/types"
	"github.com/objectfs/drivefs/pkg/utils"
)

// RootInode is the inode number of the mount root.
const RootInode = 1

// Binding describes one bound node.
type Binding struct {
	ID     string
	Name   string
	Kind   types.EntryKind
	Inode  uint64
	Pinned bool
}

type link struct {
	parent *node
	name   string
}

type node struct {
	inode uint64
	kind  types.EntryKind

	id     atomic.Pointer[string]
	link   atomic.Pointer[link]
	pinned atomic.Bool

	mu       sync.RWMutex
	children map[string]*node
}

func (n *node) ID() string {
	return *n.id.Load()
}

func (n *node) binding() Binding {
	return Binding{
		ID:     n.ID(),
		Name:   n.link.Load().name,
		Kind:   n.kind,
		Inode:  n.inode,
		Pinned: n.pinned.Load(),
	}
}

func (n *node) child(name string) (*node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.children[name]
	return c, ok
}

// Resolver maps paths to identifiers. It is safe for concurrent use.
type Resolver struct {
	root      *node
	index     sync.Map // id -> *node
	nextInode atomic.Uint64
}

// New creates a resolver rooted at the drive's root identifier.
func New(rootID string) *Resolver {
	r := &Resolver{}
	r.nextInode.Store(RootInode)
	r.root = r.newNode(rootID, types.KindDirectory)
	r.root.inode = RootInode
	r.root.link.Store(&link{})
	r.index.Store(rootID, r.root)
	return r
}

func (r *Resolver) newNode(id string, kind types.EntryKind) *node {
	n := &node{inode: r.nextInode.Add(1), kind: kind}
	n.id.Store(&id)
	if kind == types.KindDirectory {
		n.children = make(map[string]*node)
	}
	return n
}

// RootID returns the root identifier.
func (r *Resolver) RootID() string {
	return r.root.ID()
}

func notFound(p string) error {
	return errors.NewError(errors.ErrCodeNotFound, "path not bound").
		WithComponent("resolver").
		WithContext("path", p)
}

func (r *Resolver) walk(p string) (*node, error) {
	cur := r.root
	for _, seg := range utils.SplitPath(p) {
		next, ok := cur.child(seg)
		if !ok {
			return nil, notFound(p)
		}
		cur = next
	}
	return cur, nil
}

// Resolve returns the identifier bound to path.
func (r *Resolver) Resolve(p string) (string, error) {
	n, err := r.walk(p)
	if err != nil {
		return "", err
	}
	return n.ID(), nil
}

// Lookup returns the binding of path.
func (r *Resolver) Lookup(p string) (Binding, error) {
	n, err := r.walk(p)
	if err != nil {
		return Binding{}, err
	}
	return n.binding(), nil
}

// Get returns the binding of id.
func (r *Resolver) Get(id string) (Binding, bool) {
	n, ok := r.node(id)
	if !ok {
		return Binding{}, false
	}
	return n.binding(), true
}

func (r *Resolver) node(id string) (*node, bool) {
	v, ok := r.index.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*node), true
}

// Bind binds path to id. The parent path must already be bound.
func (r *Resolver) Bind(p string, id string, kind types.EntryKind) error {
	parentPath, name := utils.ParentAndName(p)
	if name == "" {
		return errors.NewError(errors.ErrCodePathInvalid, "cannot rebind root").WithComponent("resolver")
	}
	parent, err := r.walk(parentPath)
	if err != nil {
		return err
	}
	_, err = r.bindUnder(parent, name, id, kind)
	return err
}

// BindChild binds name under the directory parentID to id.
func (r *Resolver) BindChild(parentID, name, id string, kind types.EntryKind) (Binding, error) {
	parent, ok := r.node(parentID)
	if !ok {
		return Binding{}, errors.NewError(errors.ErrCodeNotFound, "parent not bound").
			WithComponent("resolver").WithContext("id", parentID)
	}
	n, err := r.bindUnder(parent, name, id, kind)
	if err != nil {
		return Binding{}, err
	}
	return n.binding(), nil
}

func (r *Resolver) bindUnder(parent *node, name, id string, kind types.EntryKind) (*node, error) {
	if parent.kind != types.KindDirectory {
		return nil, errors.NewError(errors.ErrCodeNotDirectory, "parent is not a directory").
			WithComponent("resolver").WithContext("id", parent.ID())
	}

	// The id is bound at another location: it moved remotely.
	if prev, ok := r.node(id); ok && prev != r.root {
		if l := prev.link.Load(); l == nil || l.parent != parent || l.name != name {
			if prev.kind == kind && l != nil && l.parent != nil {
				if err := r.move(prev, parent, name); err == nil {
					return prev, nil
				}
			}
			r.Unbind(id)
		}
	}

	parent.mu.Lock()
	existing, ok := parent.children[name]
	if ok && existing.ID() == id && existing.kind == kind {
		parent.mu.Unlock()
		return existing, nil
	}
	n := r.newNode(id, kind)
	n.link.Store(&link{parent: parent, name: name})
	parent.children[name] = n
	r.index.Store(id, n)
	parent.mu.Unlock()

	if ok {
		r.unindex(existing)
	}
	return n, nil
}

// Child returns the identifier bound to name under parentID.
func (r *Resolver) Child(parentID, name string) (Binding, bool) {
	parent, ok := r.node(parentID)
	if !ok || parent.kind != types.KindDirectory {
		return Binding{}, false
	}
	c, ok := parent.child(name)
	if !ok {
		return Binding{}, false
	}
	return c.binding(), true
}

// Children returns the bound children of parentID sorted by name.
func (r *Resolver) Children(parentID string) []Binding {
	parent, ok := r.node(parentID)
	if !ok || parent.kind != types.KindDirectory {
		return nil
	}
	parent.mu.RLock()
	out := make([]Binding, 0, len(parent.children))
	for _, c := range parent.children {
		out = append(out, c.binding())
	}
	parent.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Path returns the current path of id.
func (r *Resolver) Path(id string) (string, bool) {
	n, ok := r.node(id)
	if !ok {
		return "", false
	}
	var segs []string
	for cur := n; cur != r.root; {
		l := cur.link.Load()
		if l == nil || l.parent == nil {
			// Detached from the tree.
			return "", false
		}
		segs = append(segs, l.name)
		cur = l.parent
	}
	p := "/"
	for i := len(segs) - 1; i >= 0; i-- {
		p = utils.JoinPath(p, segs[i])
	}
	return p, true
}

// RebindSubtree moves the binding at oldPath, with everything below it, to
// newPath. An existing binding at newPath is replaced. Concurrent Resolve
// calls observe either the old or the new layout.
func (r *Resolver) RebindSubtree(oldPath, newPath string) error {
	n, err := r.walk(oldPath)
	if err != nil {
		return err
	}
	newParentPath, newName := utils.ParentAndName(newPath)
	newParent, err := r.walk(newParentPath)
	if err != nil {
		return err
	}
	return r.move(n, newParent, newName)
}

// Rename moves id under newParentID as newName.
func (r *Resolver) Rename(id, newParentID, newName string) error {
	n, ok := r.node(id)
	if !ok {
		return errors.NewError(errors.ErrCodeNotFound, "id not bound").WithComponent("resolver").WithContext("id", id)
	}
	newParent, ok := r.node(newParentID)
	if !ok {
		return errors.NewError(errors.ErrCodeNotFound, "parent not bound").WithComponent("resolver").WithContext("id", newParentID)
	}
	return r.move(n, newParent, newName)
}

func (r *Resolver) move(n, newParent *node, newName string) error {
	if n == r.root {
		return errors.NewError(errors.ErrCodePathInvalid, "cannot move root").WithComponent("resolver")
	}
	if newParent.kind != types.KindDirectory {
		return errors.NewError(errors.ErrCodeNotDirectory, "target parent is not a directory").WithComponent("resolver")
	}
	for cur := newParent; cur != nil; {
		if cur == n {
			return errors.NewError(errors.ErrCodeInvalidArgument, "cannot move a directory into itself").
				WithComponent("resolver")
		}
		l := cur.link.Load()
		if l == nil {
			break
		}
		cur = l.parent
	}

	old := n.link.Load()
	if old == nil || old.parent == nil {
		return errors.NewError(errors.ErrCodeNotFound, "node detached").WithComponent("resolver")
	}

	unlock := lockPair(old.parent, newParent)

	// Re-check under lock: a concurrent move may have won.
	if cur := n.link.Load(); cur != old || old.parent.children[old.name] != n {
		unlock()
		return errors.NewError(errors.ErrCodeConflict, "binding changed concurrently").WithComponent("resolver")
	}

	replaced, ok := newParent.children[newName]
	delete(old.parent.children, old.name)
	newParent.children[newName] = n
	n.link.Store(&link{parent: newParent, name: newName})
	unlock()

	if ok && replaced != n {
		r.unindex(replaced)
	}
	return nil
}

// lockPair write-locks a and b in identifier order and returns the unlock.
func lockPair(a, b *node) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.ID() < a.ID() {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// Unbind removes id and its subtree.
func (r *Resolver) Unbind(id string) {
	n, ok := r.node(id)
	if !ok || n == r.root {
		return
	}
	if l := n.link.Load(); l != nil && l.parent != nil {
		l.parent.mu.Lock()
		if l.parent.children[l.name] == n {
			delete(l.parent.children, l.name)
		}
		l.parent.mu.Unlock()
	}
	r.unindex(n)
}

// unindex drops n and its descendants from the id index. n must already be
// detached from its parent and the caller must hold no node locks.
func (r *Resolver) unindex(n *node) {
	r.index.CompareAndDelete(n.ID(), n)
	n.link.Store(&link{})
	if n.kind != types.KindDirectory {
		return
	}
	n.mu.Lock()
	children := make([]*node, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	n.children = make(map[string]*node)
	n.mu.Unlock()
	for _, c := range children {
		r.unindex(c)
	}
}

// Rekey replaces the identifier of a bound node, keeping its path and inode.
// It is used when a locally created entry receives its remote identifier.
func (r *Resolver) Rekey(oldID, newID string) bool {
	n, ok := r.node(oldID)
	if !ok {
		return false
	}
	if oldID == newID {
		return true
	}
	n.id.Store(&newID)
	r.index.Store(newID, n)
	r.index.CompareAndDelete(oldID, n)
	return true
}

// SetPinned marks id as a local-only entry that remote listings must not drop.
func (r *Resolver) SetPinned(id string, pinned bool) {
	if n, ok := r.node(id); ok {
		n.pinned.Store(pinned)
	}
}

// Inode returns the inode number of id, or 0 when unbound.
func (r *Resolver) Inode(id string) uint64 {
	n, ok := r.node(id)
	if !ok {
		return 0
	}
	return n.inode
}

// SyncChildren reconciles the bound children of parentID with a fresh remote
// listing. Names missing remotely are unbound unless the binding is pinned or
// listed in keep.
func (r *Resolver) SyncChildren(parentID string, entries []*types.Entry, keep func(Binding) bool) {
	parent, ok := r.node(parentID)
	if !ok || parent.kind != types.KindDirectory {
		return
	}

	remote := make(map[string]*types.Entry, len(entries))
	for _, e := range entries {
		remote[e.Name] = e
	}

	var stale []*node
	parent.mu.Lock()
	for name, c := range parent.children {
		if _, ok := remote[name]; ok {
			continue
		}
		if c.pinned.Load() || (keep != nil && keep(c.binding())) {
			continue
		}
		delete(parent.children, name)
		stale = append(stale, c)
	}
	parent.mu.Unlock()

	for _, c := range stale {
		r.unindex(c)
	}
	for _, e := range entries {
		// A pinned local entry keeps its name until it is committed.
		if c, ok := parent.child(e.Name); ok && c.pinned.Load() && c.ID() != e.ID {
			continue
		}
		_, _ = r.bindUnder(parent, e.Name, e.ID, e.Kind)
	}
}

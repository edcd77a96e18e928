package vfs

import (
	"sort"
	"sync"
)

// lockMap hands out one mutex per identifier. Entries are reference counted
// and removed when the last holder unlocks, so the table only holds keys that
// are in use.
type lockMap struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newLockMap() *lockMap {
	return &lockMap{locks: make(map[string]*keyLock)}
}

// Lock acquires the lock for id and returns its release function.
func (l *lockMap) Lock(id string) func() {
	l.mu.Lock()
	k, ok := l.locks[id]
	if !ok {
		k = &keyLock{}
		l.locks[id] = k
	}
	k.refs++
	l.mu.Unlock()

	k.mu.Lock()
	return func() {
		k.mu.Unlock()
		l.mu.Lock()
		k.refs--
		if k.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// LockAll acquires the locks of every distinct non-empty id in sorted order.
func (l *lockMap) LockAll(ids ...string) func() {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, id := range sorted {
		unlocks = append(unlocks, l.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

// size returns the number of keys currently held or awaited.
func (l *lockMap) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package vfs

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockMap_Serializes(t *testing.T) {
	l := newLockMap()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("a")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Zero(t, l.size())
}

func TestLockMap_IndependentKeys(t *testing.T) {
	l := newLockMap()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		l.Lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	assert.Equal(t, 1, l.size())
}

func TestLockMap_LockAll(t *testing.T) {
	l := newLockMap()

	unlock := l.LockAll("b", "a", "b", "")
	assert.Equal(t, 2, l.size())
	unlock()
	assert.Zero(t, l.size())

	// Opposite argument orders must not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.LockAll("x", "y")()
		}()
		go func() {
			defer wg.Done()
			l.LockAll("y", "x")()
		}()
	}
	wg.Wait()
	assert.Zero(t, l.size())
}

package buffer

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestReadAhead_SequentialPrefetch(t *testing.T) {
	remote := &remoteContent{data: bytes.Repeat([]byte("s"), 16*testBlock)}
	m := newTestManager(1 << 20)
	b := m.Acquire(entryOf("f1", remote.data, "v1"))
	ra := NewReadAhead(ReadAheadConfig{Enabled: true, Window: 4 * testBlock, MinSequential: 2, Workers: 1}, nil)
	defer ra.Stop()

	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		off := i * testBlock
		if _, err := b.Read(ctx, off, testBlock, remote.fetch); err != nil {
			t.Fatal(err)
		}
		ra.OnRead(7, b, off, testBlock, remote.fetch)
	}

	if !ra.Sequential(7) {
		t.Fatal("handle not detected as sequential")
	}
	waitFor(t, func() bool { return b.Resident(3*testBlock, 4*testBlock) })

	before := remote.callCount()
	if _, err := b.Read(ctx, 3*testBlock, 4*testBlock, remote.fetch); err != nil {
		t.Fatal(err)
	}
	if remote.callCount() != before {
		t.Error("prefetched range was downloaded again")
	}
}

func TestReadAhead_RandomAccessDisablesPrefetch(t *testing.T) {
	remote := &remoteContent{data: bytes.Repeat([]byte("r"), 32*testBlock)}
	m := newTestManager(1 << 20)
	b := m.Acquire(entryOf("f1", remote.data, "v1"))
	ra := NewReadAhead(ReadAheadConfig{Enabled: true, Window: 4 * testBlock, MinSequential: 2, Workers: 1}, nil)
	defer ra.Stop()

	for _, off := range []int64{20, 3, 11, 27, 1} {
		ra.OnRead(9, b, off*testBlock, testBlock, remote.fetch)
	}
	if ra.Sequential(9) {
		t.Error("random reads detected as sequential")
	}
	time.Sleep(50 * time.Millisecond)
	if remote.callCount() != 0 {
		t.Errorf("random access triggered %d prefetches", remote.callCount())
	}

	ra.Forget(9)
	if ra.Sequential(9) {
		t.Error("pattern survived Forget")
	}
}

func TestReadAhead_Disabled(t *testing.T) {
	remote := &remoteContent{data: bytes.Repeat([]byte("d"), 8*testBlock)}
	m := newTestManager(1 << 20)
	b := m.Acquire(entryOf("f1", remote.data, "v1"))
	ra := NewReadAhead(ReadAheadConfig{Enabled: false}, nil)
	defer ra.Stop()

	for i := int64(0); i < 4; i++ {
		ra.OnRead(1, b, i*testBlock, testBlock, remote.fetch)
	}
	if ra.Sequential(1) || remote.callCount() != 0 {
		t.Error("disabled read-ahead tracked or fetched")
	}
}

func TestBytePool(t *testing.T) {
	p := NewBytePool(16, 64)

	buf := p.Get(10)
	if len(buf) != 10 || cap(buf) != 16 {
		t.Errorf("Get(10) len=%d cap=%d", len(buf), cap(buf))
	}
	copy(buf, "secret")
	p.Put(buf)

	again := p.Get(16)
	for _, c := range again {
		if c != 0 {
			t.Fatal("pooled buffer not cleared")
		}
	}

	big := p.Get(100)
	if len(big) != 100 {
		t.Errorf("oversized Get len=%d", len(big))
	}
	p.Put(big)
	p.Put(nil)
}

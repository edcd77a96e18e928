package vfs

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/drivefs/internal/buffer"
	"github.com/objectfs/drivefs/pkg/types"
)

// flusher uploads dirty buffers in the background. A buffer is flushed once
// it has been dirty for MaxDirtyAge, or earlier while the aggregate dirty
// bytes exceed DirtyThreshold, oldest first.
type flusher struct {
	h     *Handler
	fatal <-chan struct{}

	kickCh   chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newFlusher(h *Handler, fatal <-chan struct{}) *flusher {
	return &flusher{
		h:      h,
		fatal:  fatal,
		kickCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (f *flusher) start() {
	go f.run()
}

func (f *flusher) run() {
	defer close(f.done)
	ticker := time.NewTicker(f.h.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-f.fatal:
			f.h.logger.Error("remote drive disabled, background flushing stopped")
			return
		case <-ticker.C:
			f.pass()
		case <-f.kickCh:
			f.pass()
		}
	}
}

// kick requests a pass without waiting for the ticker.
func (f *flusher) kick() {
	select {
	case f.kickCh <- struct{}{}:
	default:
	}
}

// stop ends the loop and waits for a running pass to finish.
func (f *flusher) stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
	<-f.done
}

// due selects the buffers a pass flushes.
func (f *flusher) due(now time.Time) []*buffer.Buffer {
	dirty := f.h.bufs.DirtyBuffers()
	sort.Slice(dirty, func(i, j int) bool {
		return dirty[i].DirtySince().Before(dirty[j].DirtySince())
	})

	over := f.h.bufs.DirtyBytes()
	var out []*buffer.Buffer
	for _, b := range dirty {
		if b.State() == types.StateFlushing {
			continue
		}
		aged := now.Sub(b.DirtySince()) >= f.h.cfg.MaxDirtyAge
		if !aged && over <= f.h.cfg.DirtyThreshold {
			continue
		}
		out = append(out, b)
		over -= b.DirtyBytes()
	}
	return out
}

func (f *flusher) pass() {
	due := f.due(f.h.cfg.Now())
	if len(due) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(f.h.cfg.FlushWorkers)
	for _, b := range due {
		b := b
		g.Go(func() error {
			if err := f.h.flushBuffer(context.Background(), b); err != nil {
				f.h.logger.Warn("background flush failed", zap.String("id", b.ID()), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

package buffer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReadAheadConfig configures read-ahead behavior.
type ReadAheadConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        int64         `yaml:"window"`         // bytes prefetched past the cursor
	MinSequential int           `yaml:"min_sequential"` // sequential reads before prefetching
	Workers       int           `yaml:"workers"`        // concurrent prefetch downloads
	Timeout       time.Duration `yaml:"timeout"`
}

// readPattern tracks the access pattern of one open handle.
type readPattern struct {
	nextOffset     int64
	sequentialHits int
	prefetchedTo   int64
}

type prefetchRequest struct {
	buf    *Buffer
	offset int64
	size   int64
	fetch  FetchFunc
}

// ReadAhead detects sequential reads per handle and prefetches ahead of them.
type ReadAhead struct {
	config ReadAheadConfig
	logger *zap.Logger

	mu       sync.Mutex
	patterns map[uint64]*readPattern

	queue  chan *prefetchRequest
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReadAhead creates a read-ahead manager and starts its workers.
func NewReadAhead(config ReadAheadConfig, logger *zap.Logger) *ReadAhead {
	if config.Window <= 0 {
		config.Window = 4 << 20
	}
	if config.MinSequential <= 0 {
		config.MinSequential = 2
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ra := &ReadAhead{
		config:   config,
		logger:   logger,
		patterns: make(map[uint64]*readPattern),
		queue:    make(chan *prefetchRequest, 64),
		stopCh:   make(chan struct{}),
	}
	if config.Enabled {
		for i := 0; i < config.Workers; i++ {
			ra.wg.Add(1)
			go ra.worker()
		}
	}
	return ra
}

// OnRead records a read through handle and schedules a prefetch once the
// handle has read sequentially MinSequential times. A non-sequential read
// resets the handle's pattern, which stops prefetching until the reads are
// sequential again.
func (ra *ReadAhead) OnRead(handle uint64, buf *Buffer, offset, size int64, fetch FetchFunc) {
	if !ra.config.Enabled {
		return
	}

	ra.mu.Lock()
	p, ok := ra.patterns[handle]
	if !ok {
		p = &readPattern{nextOffset: -1}
		ra.patterns[handle] = p
	}
	if offset == p.nextOffset {
		p.sequentialHits++
	} else {
		p.sequentialHits = 0
		p.prefetchedTo = 0
	}
	p.nextOffset = offset + size

	var req *prefetchRequest
	if p.sequentialHits >= ra.config.MinSequential {
		from := p.nextOffset
		if p.prefetchedTo > from {
			from = p.prefetchedTo
		}
		to := p.nextOffset + ra.config.Window
		if from < to {
			p.prefetchedTo = to
			req = &prefetchRequest{buf: buf, offset: from, size: to - from, fetch: fetch}
		}
	}
	ra.mu.Unlock()

	if req != nil {
		ra.schedule(req)
	}
}

// Sequential reports whether handle is currently in a sequential run.
func (ra *ReadAhead) Sequential(handle uint64) bool {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	p, ok := ra.patterns[handle]
	return ok && p.sequentialHits >= ra.config.MinSequential
}

// Forget drops the pattern of a released handle.
func (ra *ReadAhead) Forget(handle uint64) {
	ra.mu.Lock()
	delete(ra.patterns, handle)
	ra.mu.Unlock()
}

func (ra *ReadAhead) schedule(req *prefetchRequest) {
	select {
	case ra.queue <- req:
	case <-ra.stopCh:
	default:
		// Queue full, skip prefetch
	}
}

func (ra *ReadAhead) worker() {
	defer ra.wg.Done()
	for {
		select {
		case req := <-ra.queue:
			ra.prefetch(req)
		case <-ra.stopCh:
			return
		}
	}
}

func (ra *ReadAhead) prefetch(req *prefetchRequest) {
	if req.buf.Resident(req.offset, req.size) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ra.config.Timeout)
	defer cancel()

	if err := req.buf.Fetch(ctx, req.offset, req.size, req.fetch); err != nil {
		ra.logger.Debug("prefetch failed",
			zap.String("id", req.buf.ID()),
			zap.Int64("offset", req.offset),
			zap.Error(err))
	}
}

// Stop stops the workers and waits for in-flight prefetches.
func (ra *ReadAhead) Stop() {
	ra.once.Do(func() {
		close(ra.stopCh)
	})
	ra.wg.Wait()
}

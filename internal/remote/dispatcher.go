// Package remote schedules every call to the remote drive.
//
// A Dispatcher wraps a types.Drive and applies, in order: the fatal latch, the
// bounded work queue, any throttling pause requested by the server, the rate
// limiter and the circuit breaker. Retries happen in one place, around that
// whole sequence, so a retried call queues again and never holds a slot while
// it backs off.
package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/objectfs/drivefs/internal/circuit"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/retry"
	"github.com/objectfs/drivefs/pkg/types"
)

// Config configures a Dispatcher.
type Config struct {
	// Concurrency is the number of calls in flight at once.
	Concurrency int
	// QueueDepth is the number of calls allowed to wait for a slot. Calls
	// beyond it fail with ErrCodeBusy.
	QueueDepth int
	// RateLimit is the sustained calls per second. Zero disables limiting.
	RateLimit float64
	Burst     int

	Retry retry.Config

	BreakerEnabled   bool
	FailureThreshold uint32
	BreakerTimeout   time.Duration

	Now     func() time.Time
	Logger  *zap.Logger
	Metrics types.MetricsCollector
	// Health receives the final outcome of calls that say something about
	// the drive's availability.
	Health HealthRecorder
}

// HealthRecorder tracks drive availability from call outcomes.
type HealthRecorder interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
}

// HealthComponent is the component name reported to the HealthRecorder.
const HealthComponent = "drive"

// Dispatcher is a types.Drive that schedules calls onto an inner drive.
type Dispatcher struct {
	inner   types.Drive
	chunked types.ChunkedUploader

	slots      *semaphore.Weighted
	waiting    atomic.Int64
	queueDepth int64
	limiter    *rate.Limiter
	retryer    *retry.Retryer
	breaker    *circuit.Breaker

	pauseMu     sync.Mutex
	pausedUntil time.Time

	fatalOnce sync.Once
	fatalCh   chan struct{}
	fatalErr  atomic.Pointer[errors.DriveFSError]

	now     func() time.Time
	logger  *zap.Logger
	metrics types.MetricsCollector
	health  HealthRecorder
}

// New wraps inner with the scheduling described by cfg.
func New(inner types.Drive, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.QueueDepth < 0 {
		cfg.QueueDepth = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = types.NopMetrics{}
	}

	d := &Dispatcher{
		inner:      inner,
		slots:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		queueDepth: int64(cfg.QueueDepth),
		retryer:    retry.New(cfg.Retry),
		fatalCh:    make(chan struct{}),
		now:        cfg.Now,
		logger:     cfg.Logger.With(zap.String("component", "remote")),
		metrics:    cfg.Metrics,
		health:     cfg.Health,
	}
	if cu, ok := inner.(types.ChunkedUploader); ok {
		d.chunked = cu
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	if cfg.BreakerEnabled {
		d.breaker = circuit.New("remote", circuit.Config{
			Threshold: cfg.FailureThreshold,
			Cooldown:  cfg.BreakerTimeout,
			IsFailure: tripsBreaker,
			Now:       cfg.Now,
			OnStateChange: func(name string, from, to circuit.State) {
				d.logger.Warn("circuit breaker state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
	}
	return d
}

// tripsBreaker reports transport and throttling failures. Anything else says
// nothing about whether the drive is reachable.
func tripsBreaker(err error) bool {
	return errors.IsCode(err, errors.ErrCodeTransient) || errors.IsCode(err, errors.ErrCodeRateLimited)
}

// Fatal is closed once the drive reports an unrecoverable failure.
func (d *Dispatcher) Fatal() <-chan struct{} {
	return d.fatalCh
}

// Err returns the latched fatal error, or nil.
func (d *Dispatcher) Err() error {
	if e := d.fatalErr.Load(); e != nil {
		return e
	}
	return nil
}

// Waiting returns the number of calls queued for a slot.
func (d *Dispatcher) Waiting() int {
	return int(d.waiting.Load())
}

// Breaker returns the circuit breaker, or nil when disabled.
func (d *Dispatcher) Breaker() *circuit.Breaker {
	return d.breaker
}

// Chunked returns an upload-session starter scheduled through d, or nil when
// the inner drive has no session support.
func (d *Dispatcher) Chunked() types.ChunkedUploader {
	if d.chunked == nil {
		return nil
	}
	return sessionStarter{d: d}
}

func call[T any](ctx context.Context, d *Dispatcher, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := d.Err(); err != nil {
		return zero, d.latched(op)
	}

	start := d.now()
	r := d.retryer.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		d.metrics.RecordRetry(op)
		d.logger.Debug("retrying remote call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	})
	result, err := retry.DoWithResult(ctx, r, func(ctx context.Context) (T, error) {
		return attempt(ctx, d, op, fn)
	})
	d.metrics.RecordRemoteCall(op, d.now().Sub(start), status(err))
	if err != nil {
		d.metrics.RecordError(op, err)
	}
	d.recordHealth(err)
	return result, err
}

func (d *Dispatcher) recordHealth(err error) {
	if d.health == nil {
		return
	}
	switch {
	case err == nil:
		d.health.RecordSuccess(HealthComponent)
	case affectsHealth(err):
		d.health.RecordError(HealthComponent, err)
	}
}

// affectsHealth reports failures of the drive itself, as opposed to answers
// about a single item such as not-found or a version conflict.
func affectsHealth(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrCodeTransient, errors.ErrCodeRateLimited, errors.ErrCodeUnauthorized,
		errors.ErrCodeFatal, errors.ErrCodePermissionDenied, errors.ErrCodeQuotaExceeded,
		errors.ErrCodeRetryExhausted, errors.ErrCodeServiceUnavailable:
		return true
	}
	return false
}

func attempt[T any](ctx context.Context, d *Dispatcher, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := d.Err(); err != nil {
		return zero, d.latched(op)
	}
	if err := d.admit(ctx, op); err != nil {
		return zero, err
	}
	defer d.slots.Release(1)

	if err := d.waitPause(ctx); err != nil {
		return zero, err
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return zero, errors.Wrap(err, errors.ErrCodeOperationCanceled, "rate limiter wait interrupted").
				WithComponent("remote").
				WithOperation(op)
		}
	}
	if d.breaker != nil {
		if err := d.breaker.Allow(); err != nil {
			return zero, err
		}
	}

	result, err := fn(ctx)

	if d.breaker != nil {
		d.breaker.Record(err)
	}
	d.observe(op, err)
	return result, err
}

// admit takes a slot, waiting in the bounded queue when all are busy.
func (d *Dispatcher) admit(ctx context.Context, op string) error {
	if d.slots.TryAcquire(1) {
		return nil
	}
	n := d.waiting.Add(1)
	if n > d.queueDepth {
		d.waiting.Add(-1)
		return errors.NewError(errors.ErrCodeBusy, "remote queue full").
			WithComponent("remote").
			WithOperation(op)
	}
	d.metrics.SetQueueWaiters(int(n))
	err := d.slots.Acquire(ctx, 1)
	d.metrics.SetQueueWaiters(int(d.waiting.Add(-1)))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, "canceled while queued").
			WithComponent("remote").
			WithOperation(op)
	}
	return nil
}

// observe applies the side effects of a call outcome: throttling pauses every
// caller, and fatal errors latch.
func (d *Dispatcher) observe(op string, err error) {
	switch {
	case err == nil:
	case errors.IsCode(err, errors.ErrCodeRateLimited):
		if wait := errors.RetryAfter(err); wait > 0 {
			d.pause(wait)
			d.logger.Warn("remote throttled, pausing dispatch",
				zap.String("op", op),
				zap.Duration("retry_after", wait))
		}
	case errors.IsFatal(err):
		d.latch(op, err)
	}
}

func (d *Dispatcher) pause(wait time.Duration) {
	until := d.now().Add(wait)
	d.pauseMu.Lock()
	if until.After(d.pausedUntil) {
		d.pausedUntil = until
	}
	d.pauseMu.Unlock()
}

func (d *Dispatcher) waitPause(ctx context.Context) error {
	d.pauseMu.Lock()
	wait := d.pausedUntil.Sub(d.now())
	d.pauseMu.Unlock()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "canceled during throttle pause").
			WithComponent("remote")
	}
}

func (d *Dispatcher) latch(op string, err error) {
	d.fatalOnce.Do(func() {
		de, ok := errors.AsDriveFSError(err)
		if !ok {
			de = errors.Wrap(err, errors.ErrCodeFatal, "fatal remote failure")
		}
		d.fatalErr.Store(de)
		close(d.fatalCh)
		d.logger.Error("remote drive failed fatally, rejecting further calls",
			zap.String("op", op),
			zap.String("code", string(de.Code)),
			zap.Error(err))
	})
}

func (d *Dispatcher) latched(op string) error {
	cause := d.fatalErr.Load()
	return errors.NewError(cause.Code, "remote drive disabled after fatal failure").
		WithComponent("remote").
		WithOperation(op).
		WithCause(cause)
}

func status(err error) string {
	if err == nil {
		return "ok"
	}
	return string(errors.CodeOf(err))
}

// Root implements types.Drive.
func (d *Dispatcher) Root(ctx context.Context) (string, error) {
	return call(ctx, d, "root", d.inner.Root)
}

// Info implements types.Drive.
func (d *Dispatcher) Info(ctx context.Context) (*types.DriveInfo, error) {
	return call(ctx, d, "info", d.inner.Info)
}

// ListChildren implements types.Drive.
func (d *Dispatcher) ListChildren(ctx context.Context, id string) ([]*types.Entry, error) {
	return call(ctx, d, "list_children", func(ctx context.Context) ([]*types.Entry, error) {
		return d.inner.ListChildren(ctx, id)
	})
}

// GetMetadata implements types.Drive.
func (d *Dispatcher) GetMetadata(ctx context.Context, id string) (*types.Entry, error) {
	return call(ctx, d, "get_metadata", func(ctx context.Context) (*types.Entry, error) {
		return d.inner.GetMetadata(ctx, id)
	})
}

// DownloadRange implements types.Drive.
func (d *Dispatcher) DownloadRange(ctx context.Context, id string, offset, length int64) ([]byte, error) {
	return call(ctx, d, "download_range", func(ctx context.Context) ([]byte, error) {
		return d.inner.DownloadRange(ctx, id, offset, length)
	})
}

// Upload implements types.Drive.
func (d *Dispatcher) Upload(ctx context.Context, req types.UploadRequest) (*types.Entry, error) {
	return call(ctx, d, "upload", func(ctx context.Context) (*types.Entry, error) {
		return d.inner.Upload(ctx, req)
	})
}

// Create implements types.Drive.
func (d *Dispatcher) Create(ctx context.Context, parentID, name string, kind types.EntryKind) (*types.Entry, error) {
	return call(ctx, d, "create", func(ctx context.Context) (*types.Entry, error) {
		return d.inner.Create(ctx, parentID, name, kind)
	})
}

// Delete implements types.Drive.
func (d *Dispatcher) Delete(ctx context.Context, id string) error {
	_, err := call(ctx, d, "delete", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.inner.Delete(ctx, id)
	})
	return err
}

// Rename implements types.Drive.
func (d *Dispatcher) Rename(ctx context.Context, id, newParentID, newName string) (*types.Entry, error) {
	return call(ctx, d, "rename", func(ctx context.Context) (*types.Entry, error) {
		return d.inner.Rename(ctx, id, newParentID, newName)
	})
}

type sessionStarter struct {
	d *Dispatcher
}

func (s sessionStarter) NewUploadSession(ctx context.Context, req types.UploadRequest, size int64) (types.UploadSession, error) {
	inner, err := call(ctx, s.d, "new_upload_session", func(ctx context.Context) (types.UploadSession, error) {
		return s.d.chunked.NewUploadSession(ctx, req, size)
	})
	if err != nil {
		return nil, err
	}
	return &session{d: s.d, inner: inner}, nil
}

type session struct {
	d     *Dispatcher
	inner types.UploadSession
}

func (s *session) UploadChunk(ctx context.Context, offset int64, chunk []byte, total int64) (*types.Entry, error) {
	return call(ctx, s.d, "upload_chunk", func(ctx context.Context) (*types.Entry, error) {
		return s.inner.UploadChunk(ctx, offset, chunk, total)
	})
}

func (s *session) Cancel(ctx context.Context) error {
	_, err := call(ctx, s.d, "cancel_session", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.inner.Cancel(ctx)
	})
	return err
}

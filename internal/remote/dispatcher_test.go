package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/drivefs/internal/circuit"
	"github.com/objectfs/drivefs/internal/drive/memdrive"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/health"
	"github.com/objectfs/drivefs/pkg/retry"
	"github.com/objectfs/drivefs/pkg/types"
)

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	return Config{
		Concurrency: 4,
		QueueDepth:  8,
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			Sleep:        noSleep,
		},
	}
}

func transient() error {
	return errors.NewError(errors.ErrCodeTransient, "connection reset")
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	drive := memdrive.New()
	drive.FailNext(memdrive.OpGetMetadata, transient(), transient())
	d := New(drive, testConfig())

	e, err := d.GetMetadata(context.Background(), memdrive.RootID)
	require.NoError(t, err)
	assert.Equal(t, memdrive.RootID, e.ID)
	assert.Equal(t, 3, drive.Calls(memdrive.OpGetMetadata))
}

func TestDispatcher_GivesUpAfterMaxAttempts(t *testing.T) {
	drive := memdrive.New()
	drive.FailNext(memdrive.OpListChildren, transient(), transient(), transient())
	d := New(drive, testConfig())

	_, err := d.ListChildren(context.Background(), memdrive.RootID)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRetryExhausted))
	assert.True(t, errors.IsCode(err, errors.ErrCodeTransient))
	assert.Equal(t, 3, drive.Calls(memdrive.OpListChildren))
}

func TestDispatcher_DoesNotRetryPermanentFailures(t *testing.T) {
	drive := memdrive.New()
	d := New(drive, testConfig())

	_, err := d.GetMetadata(context.Background(), "missing")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	assert.Equal(t, 1, drive.Calls(memdrive.OpGetMetadata))
}

func TestDispatcher_QueueOverflowIsBusy(t *testing.T) {
	drive := memdrive.New()
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	drive.SetHook(memdrive.OpRoot, func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	})

	cfg := testConfig()
	cfg.Concurrency = 1
	cfg.QueueDepth = 1
	d := New(drive, cfg)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = d.Root(ctx) }()
	<-started
	go func() { defer wg.Done(); _, _ = d.Root(ctx) }()
	require.Eventually(t, func() bool { return d.Waiting() == 1 }, time.Second, time.Millisecond)

	_, err := d.Root(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBusy))

	close(release)
	wg.Wait()
	assert.Equal(t, 2, drive.Calls(memdrive.OpRoot))
	assert.Zero(t, d.Waiting())
}

func TestDispatcher_QueuedCallHonoursContext(t *testing.T) {
	drive := memdrive.New()
	release := make(chan struct{})
	started := make(chan struct{})
	drive.SetHook(memdrive.OpRoot, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	cfg := testConfig()
	cfg.Concurrency = 1
	d := New(drive, cfg)

	go func() { _, _ = d.Root(context.Background()) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Info(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeOperationCanceled))
	assert.Zero(t, drive.Calls(memdrive.OpInfo))
	close(release)
}

func TestDispatcher_FatalLatch(t *testing.T) {
	drive := memdrive.New()
	drive.FailNext(memdrive.OpListChildren, errors.NewError(errors.ErrCodeUnauthorized, "token expired"))
	d := New(drive, testConfig())
	ctx := context.Background()

	_, err := d.ListChildren(ctx, memdrive.RootID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))

	select {
	case <-d.Fatal():
	default:
		t.Fatal("fatal latch not closed")
	}

	_, err = d.GetMetadata(ctx, memdrive.RootID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
	assert.Zero(t, drive.Calls(memdrive.OpGetMetadata), "latched dispatcher still called the drive")
	assert.Error(t, d.Err())
}

func TestDispatcher_RateLimitPausesAllCalls(t *testing.T) {
	drive := memdrive.New()
	drive.FailNext(memdrive.OpGetMetadata, errors.NewRateLimited("slow down", 80*time.Millisecond))
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	d := New(drive, cfg)
	ctx := context.Background()

	_, err := d.GetMetadata(ctx, memdrive.RootID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRateLimited))

	// An unrelated call waits out the throttle window.
	start := time.Now()
	_, err = d.Info(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, 1, drive.Calls(memdrive.OpInfo))
}

func TestDispatcher_RetryWaitsForRetryAfter(t *testing.T) {
	drive := memdrive.New()
	drive.FailNext(memdrive.OpRoot, errors.NewRateLimited("slow down", 40*time.Millisecond))
	d := New(drive, testConfig())

	start := time.Now()
	_, err := d.Root(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 2, drive.Calls(memdrive.OpRoot))
}

func TestDispatcher_CircuitBreakerFailsFast(t *testing.T) {
	drive := memdrive.New()
	drive.FailNext(memdrive.OpRoot, transient(), transient())

	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.BreakerEnabled = true
	cfg.FailureThreshold = 2
	cfg.BreakerTimeout = time.Hour
	d := New(drive, cfg)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := d.Root(ctx)
		require.Error(t, err)
	}
	assert.Equal(t, circuit.StateOpen, d.Breaker().State())

	_, err := d.Root(ctx)
	assert.True(t, errors.IsCode(err, errors.ErrCodeServiceUnavailable))
	assert.Equal(t, 2, drive.Calls(memdrive.OpRoot))
}

func TestDispatcher_BreakerIgnoresClientErrors(t *testing.T) {
	drive := memdrive.New()
	cfg := testConfig()
	cfg.BreakerEnabled = true
	cfg.FailureThreshold = 1
	d := New(drive, cfg)

	for i := 0; i < 3; i++ {
		_, err := d.GetMetadata(context.Background(), "missing")
		assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
	}
	assert.Equal(t, circuit.StateClosed, d.Breaker().State())
}

type plainDrive struct {
	types.Drive
}

func TestDispatcher_ChunkedSessions(t *testing.T) {
	assert.Nil(t, New(plainDrive{memdrive.New()}, testConfig()).Chunked())

	drive := memdrive.New()
	f := drive.AddFile(memdrive.RootID, "big", nil)
	drive.FailNext(memdrive.OpUploadChunk, transient())
	d := New(drive, testConfig())
	ctx := context.Background()

	chunked := d.Chunked()
	require.NotNil(t, chunked)
	s, err := chunked.NewUploadSession(ctx, types.UploadRequest{ID: f.ID}, 4)
	require.NoError(t, err)

	e, err := s.UploadChunk(ctx, 0, []byte("data"), 4)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "v2", e.Version)
	assert.Equal(t, 2, drive.Calls(memdrive.OpUploadChunk))
}

type recordingMetrics struct {
	types.NopMetrics
	mu      sync.Mutex
	retries map[string]int
	calls   map[string]string
}

func (m *recordingMetrics) RecordRetry(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries[op]++
}

func (m *recordingMetrics) RecordRemoteCall(op string, _ time.Duration, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op] = status
}

func TestDispatcher_RecordsMetrics(t *testing.T) {
	drive := memdrive.New()
	drive.FailNext(memdrive.OpGetMetadata, transient())
	m := &recordingMetrics{retries: map[string]int{}, calls: map[string]string{}}
	cfg := testConfig()
	cfg.Metrics = m
	d := New(drive, cfg)

	_, err := d.GetMetadata(context.Background(), memdrive.RootID)
	require.NoError(t, err)
	_ = d.Delete(context.Background(), "missing")

	assert.Equal(t, 1, m.retries["get_metadata"])
	assert.Equal(t, "ok", m.calls["get_metadata"])
	assert.Equal(t, string(errors.ErrCodeNotFound), m.calls["delete"])
}

func TestDispatcher_ReportsDriveHealth(t *testing.T) {
	drive := memdrive.New()
	tracker := health.NewTracker(health.TrackerConfig{ErrorThreshold: 2, UnavailableThreshold: 5})
	tracker.RegisterComponent(HealthComponent)
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Health = tracker
	d := New(drive, cfg)
	ctx := context.Background()

	// Item-level answers leave health alone.
	_, err := d.GetMetadata(ctx, "missing")
	require.Error(t, err)
	h, err := tracker.GetComponentHealth(HealthComponent)
	require.NoError(t, err)
	assert.Zero(t, h.ConsecutiveErrors)

	drive.FailNext(memdrive.OpListChildren, transient(), transient())
	_, _ = d.ListChildren(ctx, memdrive.RootID)
	_, _ = d.ListChildren(ctx, memdrive.RootID)
	assert.Equal(t, health.StateDegraded, tracker.GetState(HealthComponent))

	for i := 0; i < 2; i++ {
		_, err = d.ListChildren(ctx, memdrive.RootID)
		require.NoError(t, err)
	}
	assert.Equal(t, health.StateHealthy, tracker.GetState(HealthComponent))
}

package adapter

import (
	"context"
	stderrors "errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/config"
	"github.com/objectfs/drivefs/internal/drive/memdrive"
	"github.com/objectfs/drivefs/internal/fuse"
	"github.com/objectfs/drivefs/internal/vfs"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/health"
)

// fakeMount records mount calls instead of talking to the kernel.
type fakeMount struct {
	mu        sync.Mutex
	handler   *vfs.Handler
	config    *fuse.MountConfig
	mounted   bool
	mounts    int
	unmounts  int
	mountErr  error
	unmounted chan struct{}
}

func (m *fakeMount) Mount(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounts++
	if m.mountErr != nil {
		return m.mountErr
	}
	m.mounted = true
	return nil
}

func (m *fakeMount) Unmount() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmounts++
	if m.mounted {
		m.mounted = false
		close(m.unmounted)
	}
	return nil
}

func (m *fakeMount) IsMounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

func (m *fakeMount) Wait() { <-m.unmounted }

func (m *fakeMount) GetStats() vfs.Stats { return m.handler.Stats() }

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Drive.Backend = config.BackendMemory
	cfg.Mount.MountPoint = "/mnt/drive"
	cfg.Mount.ReadOnly = false
	cfg.Mount.AttrTimeout = 2 * time.Second
	cfg.Network.RateLimit = 0
	cfg.Network.Retry.BaseDelay = time.Millisecond
	return cfg
}

func newTestAdapter(t *testing.T, cfg *config.Configuration, drive *memdrive.Drive) (*Adapter, *fakeMount) {
	t.Helper()
	mount := &fakeMount{unmounted: make(chan struct{})}
	a, err := New(context.Background(), cfg,
		WithDrive(drive),
		WithLogger(zap.NewNop()),
		WithMounter(func(h *vfs.Handler, mc *fuse.MountConfig, _ *zap.Logger) fuse.PlatformFileSystem {
			mount.handler = h
			mount.config = mc
			return mount
		}))
	require.NoError(t, err)
	return a, mount
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidConfig))

	cfg := testConfig()
	cfg.Conflict.Policy = "newest_wins"
	_, err = New(context.Background(), cfg, WithDrive(memdrive.New()))
	assert.True(t, errors.IsCode(err, errors.ErrCodeConfigValidation))
}

func TestNewFailsWhenRootUnavailable(t *testing.T) {
	t.Parallel()

	drive := memdrive.New()
	drive.FailNext(memdrive.OpRoot, errors.NewError(errors.ErrCodeUnauthorized, "token revoked"))
	cfg := testConfig()
	cfg.Network.Retry.MaxAttempts = 1
	_, err := New(context.Background(), cfg, WithDrive(drive), WithLogger(zap.NewNop()))
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnauthorized))
}

func TestMountConfigFromSettings(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Mount.AllowOther = true
	cfg.Mount.FSName = "teamdrive"
	a, mount := newTestAdapter(t, cfg, memdrive.New())
	defer a.Stop(context.Background())

	require.NotNil(t, mount.config)
	assert.Equal(t, "/mnt/drive", mount.config.MountPoint)
	assert.True(t, mount.config.Options.AllowOther)
	assert.Equal(t, "teamdrive", mount.config.Options.FSName)
	assert.Equal(t, 2*time.Second, mount.config.Options.AttrTimeout)
	assert.Same(t, a.Handler(), mount.handler)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	drive := memdrive.New()
	drive.AddFile(memdrive.RootID, "hello.txt", []byte("hello"))
	a, mount := newTestAdapter(t, testConfig(), drive)
	ctx := context.Background()

	require.NoError(t, a.Start(ctx))
	assert.True(t, mount.IsMounted())
	assert.True(t, errors.IsCode(a.Start(ctx), errors.ErrCodeAlreadyStarted))

	attr, errno := a.Handler().Getattr(ctx, "/hello.txt")
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, int64(5), attr.Size)
	assert.Equal(t, health.StateHealthy, a.Health())

	// Dirty content written before Stop reaches the drive.
	fh, _, errno := a.Handler().Create(ctx, "/new.txt", syscall.O_RDWR|syscall.O_CREAT)
	require.Equal(t, syscall.Errno(0), errno)
	_, errno = a.Handler().Write(ctx, fh, 0, []byte("written at shutdown"))
	require.Equal(t, syscall.Errno(0), errno)

	done := make(chan struct{})
	go func() {
		a.Wait()
		close(done)
	}()

	require.NoError(t, a.Stop(ctx))
	<-done
	assert.False(t, mount.IsMounted())
	assert.Equal(t, 1, mount.unmounts)

	children, err := drive.ListChildren(ctx, memdrive.RootID)
	require.NoError(t, err)
	var found bool
	for _, c := range children {
		if c.Name == "new.txt" {
			found = true
			data, ok := drive.Content(c.ID)
			require.True(t, ok)
			assert.Equal(t, "written at shutdown", string(data))
		}
	}
	assert.True(t, found, "new.txt was not uploaded")
	assert.Zero(t, a.Buffers().DirtyBytes)

	// Stop is idempotent and a stopped adapter cannot restart.
	assert.NoError(t, a.Stop(ctx))
	assert.True(t, errors.IsCode(a.Start(ctx), errors.ErrCodeComponentStopped))
}

func TestStartMountFailure(t *testing.T) {
	t.Parallel()

	a, mount := newTestAdapter(t, testConfig(), memdrive.New())
	mount.mountErr = stderrors.New("fusermount: permission denied")

	err := a.Start(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCodeMountFailed))

	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, 0, mount.unmounts)
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()

	a, mount := newTestAdapter(t, testConfig(), memdrive.New())
	require.NoError(t, a.Stop(context.Background()))
	assert.Equal(t, 0, mount.mounts)
	assert.NoError(t, a.Err())
}

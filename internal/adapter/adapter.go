package adapter

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/buffer"
	"github.com/objectfs/drivefs/internal/config"
	"github.com/objectfs/drivefs/internal/drive"
	"github.com/objectfs/drivefs/internal/fuse"
	"github.com/objectfs/drivefs/internal/metacache"
	"github.com/objectfs/drivefs/internal/metrics"
	"github.com/objectfs/drivefs/internal/remote"
	"github.com/objectfs/drivefs/internal/resolver"
	"github.com/objectfs/drivefs/internal/vfs"
	"github.com/objectfs/drivefs/pkg/errors"
	"github.com/objectfs/drivefs/pkg/health"
	"github.com/objectfs/drivefs/pkg/retry"
	"github.com/objectfs/drivefs/pkg/types"
	"github.com/objectfs/drivefs/pkg/utils"
)

// MounterFunc builds the platform mount for a handler.
type MounterFunc func(handler *vfs.Handler, config *fuse.MountConfig, logger *zap.Logger) fuse.PlatformFileSystem

type options struct {
	drive   types.Drive
	logger  *zap.Logger
	mounter MounterFunc
}

// Option customizes New.
type Option func(*options)

// WithDrive uses d instead of opening the configured backend.
func WithDrive(d types.Drive) Option {
	return func(o *options) { o.drive = d }
}

// WithLogger uses logger instead of building one from the global settings.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMounter replaces the platform mounter.
func WithMounter(m MounterFunc) Option {
	return func(o *options) { o.mounter = m }
}

// Adapter owns one mounted drive and every component serving it.
type Adapter struct {
	config *config.Configuration
	logger *zap.Logger

	metrics    *metrics.Collector
	health     *health.Tracker
	dispatcher *remote.Dispatcher
	meta       *metacache.Cache
	buffers    *buffer.Manager
	readahead  *buffer.ReadAhead
	handler    *vfs.Handler
	mount      fuse.PlatformFileSystem

	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and assembles the filesystem without mounting it.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "configuration is required").WithComponent("adapter")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid configuration").WithComponent("adapter")
	}

	o := options{mounter: fuse.NewPlatformMounter}
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = utils.NewLogger(cfg.Global.LogLevel, cfg.Global.LogFile, cfg.Global.LogFormat, utils.RotationConfig{
			MaxSizeMB:  cfg.Global.LogMaxSizeMB,
			MaxBackups: cfg.Global.LogMaxBackups,
			Compress:   cfg.Global.LogCompress,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to build logger").WithComponent("adapter")
		}
		zap.ReplaceGlobals(logger)
	}

	tracker := health.NewTracker(health.TrackerConfig{
		ErrorThreshold:       cfg.Monitoring.Health.ErrorThreshold,
		UnavailableThreshold: cfg.Monitoring.Health.UnavailableThreshold,
	})
	tracker.RegisterComponent(remote.HealthComponent)
	tracker.OnStateChange(func(component string, from, to health.HealthState, err error) {
		fields := []zap.Field{
			zap.String("component", component),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		if to > from {
			logger.Warn("health state changed", fields...)
		} else {
			logger.Info("health state changed", fields...)
		}
	})

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Monitoring.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      cfg.Monitoring.Metrics.Path,
		Labels:    cfg.Monitoring.Metrics.CustomLabels,
		Namespace: "drivefs",
		Logger:    logger,
		Health:    tracker,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternalError, "failed to create metrics collector").WithComponent("adapter")
	}

	inner := o.drive
	if inner == nil {
		inner, err = drive.Open(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	net := cfg.Network
	dispatcher := remote.New(inner, remote.Config{
		Concurrency: net.Concurrency,
		QueueDepth:  net.QueueDepth,
		RateLimit:   net.RateLimit,
		Burst:       net.Burst,
		Retry: retry.Config{
			MaxAttempts:  net.Retry.MaxAttempts,
			InitialDelay: net.Retry.BaseDelay,
			MaxDelay:     net.Retry.MaxDelay,
			Multiplier:   2,
			Jitter:       true,
		},
		BreakerEnabled:   net.CircuitBreaker.Enabled,
		FailureThreshold: uint32(net.CircuitBreaker.FailureThreshold),
		BreakerTimeout:   net.CircuitBreaker.Timeout,
		Logger:           logger,
		Metrics:          collector,
		Health:           tracker,
	})

	rootID, err := dispatcher.Root(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeOf(err), "failed to resolve drive root").WithComponent("adapter")
	}

	meta, err := metacache.New(metacache.Config{
		MaxEntries:   int64(cfg.Cache.MaxEntries),
		TTL:          cfg.Cache.MetadataTTL,
		TombstoneTTL: cfg.Cache.TombstoneTTL,
		Logger:       logger,
		Metrics:      collector,
	})
	if err != nil {
		return nil, err
	}

	buffers := buffer.NewManager(buffer.Config{
		BlockSize: cfg.BlockSize(),
		Ceiling:   cfg.ContentCeiling(),
		Logger:    logger,
		Metrics:   collector,
	})
	uploader := buffer.NewUploader(dispatcher, dispatcher.Chunked(), buffer.UploaderConfig{
		SingleLimit: cfg.SingleUploadLimit(),
		ChunkSize:   drive.UploadChunkSize(inner, cfg.ChunkSize()),
	}, logger)

	var readahead *buffer.ReadAhead
	if cfg.ReadAhead.Enabled {
		readahead = buffer.NewReadAhead(buffer.ReadAheadConfig{
			Enabled:       true,
			Window:        cfg.ReadAheadWindow(),
			MinSequential: cfg.ReadAhead.MinSequential,
			Workers:       cfg.ReadAhead.Workers,
		}, logger)
	}

	handler, err := vfs.New(vfs.Deps{
		Drive:     dispatcher,
		Fatal:     dispatcher.Fatal(),
		Metadata:  meta,
		Buffers:   buffers,
		Uploader:  uploader,
		ReadAhead: readahead,
		Resolver:  resolver.New(rootID),
	}, vfs.Config{
		ReadOnly:       cfg.Mount.ReadOnly,
		UID:            cfg.Mount.UID,
		GID:            cfg.Mount.GID,
		FileMode:       cfg.Mount.FileMode,
		DirMode:        cfg.Mount.DirMode,
		ConflictPolicy: cfg.Conflict.Policy,
		ConflictSuffix: cfg.Conflict.Suffix,
		DirtyThreshold: cfg.DirtyThreshold(),
		FlushInterval:  cfg.WriteBuffer.FlushInterval,
		MaxDirtyAge:    cfg.WriteBuffer.MaxDirtyAge,
		FlushTimeout:   cfg.WriteBuffer.FlushTimeout,
		FlushWorkers:   cfg.WriteBuffer.FlushWorkers,
		Logger:         logger,
		Metrics:        collector,
	})
	if err != nil {
		if readahead != nil {
			readahead.Stop()
		}
		meta.Close()
		return nil, err
	}

	mountOpts := fuse.DefaultMountOptions()
	mountOpts.ReadOnly = cfg.Mount.ReadOnly
	mountOpts.AllowOther = cfg.Mount.AllowOther
	mountOpts.Debug = cfg.Mount.Debug
	if cfg.Mount.FSName != "" {
		mountOpts.FSName = cfg.Mount.FSName
	}
	if cfg.Mount.AttrTimeout > 0 {
		mountOpts.AttrTimeout = cfg.Mount.AttrTimeout
	}
	if cfg.Mount.EntryTimeout > 0 {
		mountOpts.EntryTimeout = cfg.Mount.EntryTimeout
	}
	mount := o.mounter(handler, &fuse.MountConfig{
		MountPoint: cfg.Mount.MountPoint,
		Options:    mountOpts,
	}, logger)

	logger.Info("drivefs assembled",
		zap.String("backend", cfg.Drive.Backend),
		zap.String("root", rootID),
		zap.String("mount_point", cfg.Mount.MountPoint))

	return &Adapter{
		config:     cfg,
		logger:     logger.With(zap.String("component", "adapter")),
		metrics:    collector,
		health:     tracker,
		dispatcher: dispatcher,
		meta:       meta,
		buffers:    buffers,
		readahead:  readahead,
		handler:    handler,
		mount:      mount,
	}, nil
}

// Start serves metrics and mounts the filesystem.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.NewError(errors.ErrCodeComponentStopped, "adapter is stopped").WithComponent("adapter")
	}
	if a.started {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "adapter already started").WithComponent("adapter")
	}

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if err := a.mount.Mount(ctx); err != nil {
		_ = a.metrics.Stop(context.WithoutCancel(ctx))
		return errors.Wrap(err, errors.ErrCodeMountFailed, "failed to mount").
			WithComponent("adapter").WithContext("mount_point", a.config.Mount.MountPoint)
	}
	a.started = true
	a.logger.Info("drivefs mounted", zap.String("mount_point", a.config.Mount.MountPoint))
	return nil
}

// Wait blocks until the filesystem is unmounted.
func (a *Adapter) Wait() {
	a.mount.Wait()
}

// Stop unmounts, uploads remaining dirty content and releases every
// component. It is safe to call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true

	var errs error
	if a.started && a.mount.IsMounted() {
		if err := a.mount.Unmount(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unmount: %w", err))
		}
	}
	if err := a.handler.Close(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("final flush: %w", err))
	}
	if a.readahead != nil {
		a.readahead.Stop()
	}
	a.meta.Close()
	if err := a.metrics.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("metrics: %w", err))
	}

	if errs != nil {
		a.logger.Error("drivefs stopped with errors", zap.Error(errs))
	} else {
		a.logger.Info("drivefs stopped")
	}
	_ = a.logger.Sync()
	return errs
}

// Handler returns the filesystem call handler.
func (a *Adapter) Handler() *vfs.Handler {
	return a.handler
}

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector {
	return a.metrics
}

// Health returns the worst health state across tracked components.
func (a *Adapter) Health() health.HealthState {
	return a.health.GetOverallHealth()
}

// Buffers reports content buffer usage.
func (a *Adapter) Buffers() buffer.Stats {
	return a.buffers.Stats()
}

// Err returns the fatal drive error, if the drive has become unusable.
func (a *Adapter) Err() error {
	return a.dispatcher.Err()
}

//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/vfs"
)

// PlatformFileSystem is a mountable filesystem for the current build.
type PlatformFileSystem interface {
	Mount(ctx context.Context) error
	Unmount() error
	IsMounted() bool
	Wait()
	GetStats() vfs.Stats
}

// NewPlatformMounter returns the cgofuse mount manager.
func NewPlatformMounter(handler *vfs.Handler, config *MountConfig, logger *zap.Logger) PlatformFileSystem {
	return NewCgoFuseMountManager(handler, config, logger)
}

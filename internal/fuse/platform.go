//go:build !cgofuse
// +build !cgofuse

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

// NewPlatformMounter returns the go-fuse mount manager.
func NewPlatformMounter(handler *vfs.Handler, config *MountConfig, logger *zap.Logger) PlatformFileSystem {
	if config != nil && config.Options == nil {
		config.Options = DefaultMountOptions()
	}
	var fsConfig *Config
	if config != nil {
		fsConfig = &Config{
			AttrTimeout:  config.Options.AttrTimeout,
			EntryTimeout: config.Options.EntryTimeout,
		}
	}
	return NewMountManager(NewFileSystem(handler, fsConfig, logger), config, logger)
}

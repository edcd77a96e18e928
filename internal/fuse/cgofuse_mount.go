//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"

	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/vfs"
)

// CgoFuseMountManager manages cgofuse-based mounts
type CgoFuseMountManager struct {
	filesystem *CgoFuseFS
}

// NewCgoFuseMountManager creates a new cgofuse mount manager
func NewCgoFuseMountManager(handler *vfs.Handler, config *MountConfig, logger *zap.Logger) *CgoFuseMountManager {
	return &CgoFuseMountManager{filesystem: NewCgoFuseFS(handler, config, logger)}
}

// Mount mounts the filesystem
func (m *CgoFuseMountManager) Mount(ctx context.Context) error {
	return m.filesystem.Mount(ctx)
}

// Unmount unmounts the filesystem
func (m *CgoFuseMountManager) Unmount() error {
	return m.filesystem.Unmount()
}

// IsMounted returns whether the filesystem is mounted
func (m *CgoFuseMountManager) IsMounted() bool {
	return m.filesystem.IsMounted()
}

// Wait blocks until the filesystem is unmounted
func (m *CgoFuseMountManager) Wait() {
	m.filesystem.Wait()
}

// GetStats returns filesystem statistics
func (m *CgoFuseMountManager) GetStats() vfs.Stats {
	return m.filesystem.GetStats()
}

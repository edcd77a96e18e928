//go:build cgofuse
// +build cgofuse

package fuse

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/winfsp/cgofuse/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/vfs"
)

// CgoFuseFS serves a vfs.Handler through the path-based cgofuse API, which
// also runs on macOS and Windows.
type CgoFuseFS struct {
	fuse.FileSystemBase

	handler *vfs.Handler
	config  *MountConfig
	logger  *zap.Logger

	mu      sync.Mutex
	host    *fuse.FileSystemHost
	mounted bool
	done    chan struct{}
}

// NewCgoFuseFS creates a new cgofuse-based filesystem
func NewCgoFuseFS(handler *vfs.Handler, config *MountConfig, logger *zap.Logger) *CgoFuseFS {
	if config == nil {
		config = &MountConfig{}
	}
	if config.Options == nil {
		config.Options = DefaultMountOptions()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CgoFuseFS{
		handler: handler,
		config:  config,
		logger:  logger.With(zap.String("component", "cgofuse")),
	}
}

func (cfs *CgoFuseFS) mountOptions() []string {
	o := cfs.config.Options
	opts := []string{"-o", "fsname=" + o.FSName}
	if o.Subtype != "" && runtime.GOOS == "linux" {
		opts = append(opts, "-o", "subtype="+o.Subtype)
	}
	if o.AllowOther {
		opts = append(opts, "-o", "allow_other")
	}
	if o.ReadOnly {
		opts = append(opts, "-o", "ro")
	}
	if o.Debug {
		opts = append(opts, "-d")
	}
	switch runtime.GOOS {
	case "darwin":
		opts = append(opts, "-o", "volname=DriveFS")
	case "windows":
		opts = append(opts, "-o", "FileSystemName=DriveFS")
	}
	return opts
}

// Mount mounts the filesystem. The host serves on its own goroutine until
// Unmount.
func (cfs *CgoFuseFS) Mount(_ context.Context) error {
	cfs.mu.Lock()
	defer cfs.mu.Unlock()
	if cfs.mounted {
		return fmt.Errorf("filesystem already mounted")
	}

	cfs.host = fuse.NewFileSystemHost(cfs)
	cfs.done = make(chan struct{})
	started := make(chan bool, 1)
	host, done, opts := cfs.host, cfs.done, cfs.mountOptions()
	go func() {
		defer close(done)
		ok := host.Mount(cfs.config.MountPoint, opts)
		select {
		case started <- ok:
		default:
		}
		if !ok {
			cfs.logger.Error("mount failed", zap.String("mount_point", cfs.config.MountPoint))
		}
	}()

	// Mount blocks while serving, so a quick return means it failed.
	select {
	case ok := <-started:
		if !ok {
			return fmt.Errorf("failed to mount filesystem at %s", cfs.config.MountPoint)
		}
	case <-time.After(200 * time.Millisecond):
	}
	cfs.mounted = true
	cfs.logger.Info("mounted", zap.String("mount_point", cfs.config.MountPoint))
	return nil
}

// Unmount unmounts the filesystem
func (cfs *CgoFuseFS) Unmount() error {
	cfs.mu.Lock()
	defer cfs.mu.Unlock()
	if !cfs.mounted {
		return fmt.Errorf("filesystem not mounted")
	}
	if cfs.host != nil && !cfs.host.Unmount() {
		return fmt.Errorf("unmount of %s failed", cfs.config.MountPoint)
	}
	cfs.mounted = false
	cfs.logger.Info("unmounted", zap.String("mount_point", cfs.config.MountPoint))
	return nil
}

// IsMounted returns whether the filesystem is mounted
func (cfs *CgoFuseFS) IsMounted() bool {
	cfs.mu.Lock()
	defer cfs.mu.Unlock()
	return cfs.mounted
}

// Wait blocks until the host stops serving.
func (cfs *CgoFuseFS) Wait() {
	cfs.mu.Lock()
	done := cfs.done
	cfs.mu.Unlock()
	if done != nil {
		<-done
	}
}

// GetStats returns filesystem statistics
func (cfs *CgoFuseFS) GetStats() vfs.Stats {
	return cfs.handler.Stats()
}

func errc(errno syscall.Errno) int {
	return -int(errno)
}

func (cfs *CgoFuseFS) Getattr(path string, stat *fuse.Stat_t, _ uint64) int {
	a, errno := cfs.handler.Getattr(context.Background(), path)
	if errno != 0 {
		return errc(errno)
	}
	fillStat(stat, a)
	return 0
}

func (cfs *CgoFuseFS) Open(path string, flags int) (int, uint64) {
	fh, errno := cfs.handler.Open(context.Background(), path, flags)
	if errno != 0 {
		return errc(errno), ^uint64(0)
	}
	return 0, fh
}

func (cfs *CgoFuseFS) Create(path string, flags int, _ uint32) (int, uint64) {
	fh, _, errno := cfs.handler.Create(context.Background(), path, flags|syscall.O_CREAT)
	if errno != 0 {
		return errc(errno), ^uint64(0)
	}
	return 0, fh
}

func (cfs *CgoFuseFS) Opendir(path string) (int, uint64) {
	return cfs.Open(path, syscall.O_RDONLY)
}

func (cfs *CgoFuseFS) Releasedir(path string, fh uint64) int {
	return cfs.Release(path, fh)
}

func (cfs *CgoFuseFS) Read(_ string, buff []byte, ofst int64, fh uint64) int {
	data, errno := cfs.handler.Read(context.Background(), fh, ofst, len(buff))
	if errno != 0 {
		return errc(errno)
	}
	return copy(buff, data)
}

func (cfs *CgoFuseFS) Write(_ string, buff []byte, ofst int64, fh uint64) int {
	n, errno := cfs.handler.Write(context.Background(), fh, ofst, buff)
	if errno != 0 {
		return errc(errno)
	}
	return n
}

func (cfs *CgoFuseFS) Truncate(path string, size int64, _ uint64) int {
	return errc(cfs.handler.Truncate(context.Background(), path, size))
}

func (cfs *CgoFuseFS) Flush(_ string, fh uint64) int {
	return errc(cfs.handler.Flush(context.Background(), fh))
}

func (cfs *CgoFuseFS) Fsync(_ string, _ bool, fh uint64) int {
	return errc(cfs.handler.Fsync(context.Background(), fh))
}

func (cfs *CgoFuseFS) Release(_ string, fh uint64) int {
	return errc(cfs.handler.Release(context.Background(), fh))
}

func (cfs *CgoFuseFS) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, _ int64, _ uint64) int {
	entries, errno := cfs.handler.Readdir(context.Background(), path)
	if errno != 0 {
		return errc(errno)
	}
	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, e := range entries {
		st := &fuse.Stat_t{Ino: e.Ino, Mode: e.Mode}
		if !fill(e.Name, st, 0) {
			break
		}
	}
	return 0
}

func (cfs *CgoFuseFS) Mkdir(path string, _ uint32) int {
	_, errno := cfs.handler.Mkdir(context.Background(), path)
	return errc(errno)
}

func (cfs *CgoFuseFS) Unlink(path string) int {
	return errc(cfs.handler.Unlink(context.Background(), path))
}

func (cfs *CgoFuseFS) Rmdir(path string) int {
	return errc(cfs.handler.Rmdir(context.Background(), path))
}

func (cfs *CgoFuseFS) Rename(oldpath, newpath string) int {
	return errc(cfs.handler.Rename(context.Background(), oldpath, newpath, 0))
}

// Utimens is accepted without effect; the remote sets modification times.
func (cfs *CgoFuseFS) Utimens(path string, _ []fuse.Timespec) int {
	_, errno := cfs.handler.Getattr(context.Background(), path)
	return errc(errno)
}

func (cfs *CgoFuseFS) Statfs(_ string, stat *fuse.Statfs_t) int {
	st, errno := cfs.handler.Statfs(context.Background())
	if errno != 0 {
		return errc(errno)
	}
	stat.Bsize = uint64(st.Bsize)
	stat.Frsize = uint64(st.Bsize)
	stat.Blocks = st.Blocks
	stat.Bfree = st.Bfree
	stat.Bavail = st.Bavail
	stat.Files = st.Files
	stat.Ffree = st.Ffree
	stat.Favail = st.Ffree
	stat.Namemax = uint64(st.NameLen)
	return 0
}

func (cfs *CgoFuseFS) Getxattr(path, name string) (int, []byte) {
	val, errno := cfs.handler.Getxattr(context.Background(), path, name)
	if errno != 0 {
		return errc(errno), nil
	}
	return 0, val
}

func (cfs *CgoFuseFS) Listxattr(path string, fill func(name string) bool) int {
	names, errno := cfs.handler.Listxattr(context.Background(), path)
	if errno != 0 {
		return errc(errno)
	}
	for _, n := range names {
		if !fill(n) {
			return -fuse.ERANGE
		}
	}
	return 0
}

func fillStat(stat *fuse.Stat_t, a vfs.Attr) {
	stat.Ino = a.Ino
	stat.Mode = a.Mode
	stat.Nlink = a.Nlink
	stat.Uid = a.UID
	stat.Gid = a.GID
	stat.Size = a.Size
	stat.Blksize = 4096
	stat.Blocks = (a.Size + 511) / 512
	ts := fuse.NewTimespec(a.Mtime)
	stat.Mtim, stat.Atim, stat.Ctim, stat.Birthtim = ts, ts, ts, ts
}

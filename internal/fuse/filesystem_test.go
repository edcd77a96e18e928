package fuse

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/drivefs/internal/buffer"
	"github.com/objectfs/drivefs/internal/drive/memdrive"
	"github.com/objectfs/drivefs/internal/metacache"
	"github.com/objectfs/drivefs/internal/resolver"
	"github.com/objectfs/drivefs/internal/vfs"
)

func newTestFS(t *testing.T) (*FileSystem, *DirectoryNode, *memdrive.Drive) {
	t.Helper()
	drive := memdrive.New()
	drive.AddDir(memdrive.RootID, "docs")
	drive.AddFile(memdrive.RootID, "notes.txt", []byte("0123456789"))

	meta, err := metacache.New(metacache.Config{MaxEntries: 100, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(meta.Close)

	h, err := vfs.New(vfs.Deps{
		Drive:    drive,
		Metadata: meta,
		Buffers:  buffer.NewManager(buffer.Config{BlockSize: 4096, Ceiling: 1 << 20}),
		Resolver: resolver.New(memdrive.RootID),
	}, vfs.Config{FlushInterval: time.Hour, MaxDirtyAge: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	fsys := NewFileSystem(h, nil, nil)
	root := fsys.Root().(*DirectoryNode)
	fs.NewNodeFS(root, &fs.Options{})
	return fsys, root, drive
}

func TestSafeConversions(t *testing.T) {
	assert.Equal(t, uint64(0), safeInt64ToUint64(-5))
	assert.Equal(t, uint64(42), safeInt64ToUint64(42))
	assert.Equal(t, uint32(0), safeIntToUint32(-1))
	assert.Equal(t, uint32(7), safeIntToUint32(7))
}

func TestRootReaddirAndLookup(t *testing.T) {
	_, root, _ := newTestFS(t)
	ctx := context.Background()

	stream, errno := root.Readdir(ctx)
	require.Zero(t, errno)
	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Zero(t, errno)
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"docs", "notes.txt"}, names)

	var out fuse.EntryOut
	child, errno := root.Lookup(ctx, "notes.txt", &out)
	require.Zero(t, errno)
	require.NotNil(t, child)
	assert.Equal(t, uint64(10), out.Size)
	assert.False(t, child.IsDir())
	assert.Equal(t, uint32(syscall.S_IFREG), out.Mode&syscall.S_IFMT)

	dir, errno := root.Lookup(ctx, "docs", &out)
	require.Zero(t, errno)
	assert.True(t, dir.IsDir())

	_, errno = root.Lookup(ctx, "missing", &out)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestRootStatfsAndXattr(t *testing.T) {
	_, root, _ := newTestFS(t)
	ctx := context.Background()

	var st fuse.StatfsOut
	require.Zero(t, root.Statfs(ctx, &st))
	assert.Equal(t, uint32(4096), st.Bsize)
	assert.Equal(t, uint64(1<<40)/4096, st.Blocks)

	dest := make([]byte, 64)
	n, errno := root.Getxattr(ctx, vfs.XattrID, dest)
	require.Zero(t, errno)
	assert.Equal(t, memdrive.RootID, string(dest[:n]))

	_, errno = root.Getxattr(ctx, vfs.XattrID, make([]byte, 1))
	assert.Equal(t, syscall.ERANGE, errno)

	size, errno := root.Listxattr(ctx, nil)
	assert.Equal(t, syscall.ERANGE, errno)
	list := make([]byte, size)
	n, errno = root.Listxattr(ctx, list)
	require.Zero(t, errno)
	assert.Equal(t, size, n)
	assert.Contains(t, string(list), vfs.XattrVersion+"\x00")
}

func TestCreateWriteFlushThroughHandle(t *testing.T) {
	_, root, drive := newTestFS(t)
	ctx := context.Background()

	var out fuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "new.txt", uint32(os.O_RDWR|os.O_CREATE), 0644, &out)
	require.Zero(t, errno)
	handle := fh.(*FileHandle)

	n, errno := handle.Write(ctx, []byte("hello"), 0)
	require.Zero(t, errno)
	assert.Equal(t, uint32(5), n)

	res, errno := handle.Read(ctx, make([]byte, 16), 0)
	require.Zero(t, errno)
	data, status := res.Bytes(make([]byte, 16))
	require.True(t, status.Ok())
	assert.Equal(t, "hello", string(data))

	require.Zero(t, handle.Flush(ctx))
	require.Zero(t, handle.Release(ctx))

	e, ok := drive.Find("/new.txt")
	require.True(t, ok)
	content, _ := drive.Content(e.ID)
	assert.Equal(t, "hello", string(content))
}

func TestRootMkdirUnlinkRmdir(t *testing.T) {
	_, root, drive := newTestFS(t)
	ctx := context.Background()

	var out fuse.EntryOut
	dir, errno := root.Mkdir(ctx, "reports", 0755, &out)
	require.Zero(t, errno)
	assert.True(t, dir.IsDir())
	_, ok := drive.Find("/reports")
	assert.True(t, ok)

	require.Zero(t, root.Rmdir(ctx, "reports"))
	assert.Equal(t, syscall.ENOTDIR, root.Rmdir(ctx, "notes.txt"))
	require.Zero(t, root.Unlink(ctx, "notes.txt"))
	_, ok = drive.Find("/notes.txt")
	assert.False(t, ok)
}

func TestFillAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 0)
	var out fuse.Attr
	fillAttr(vfs.Attr{Ino: 9, Size: 1000, Mode: syscall.S_IFREG | 0644, Nlink: 1, UID: 5, GID: 6, Mtime: mtime}, &out)

	assert.Equal(t, uint64(9), out.Ino)
	assert.Equal(t, uint64(1000), out.Size)
	assert.Equal(t, uint64(2), out.Blocks)
	assert.Equal(t, uint32(5), out.Uid)
	assert.Equal(t, uint32(6), out.Gid)
	assert.Equal(t, uint64(mtime.Unix()), out.Mtime)
}

func TestMountConfiguration(t *testing.T) {
	fsys, _, _ := newTestFS(t)

	m := NewMountManager(fsys, &MountConfig{MountPoint: ""}, nil)
	assert.Error(t, m.validateMountPoint())

	m.config.MountPoint = filepath.Join(t.TempDir(), "missing")
	assert.Error(t, m.validateMountPoint())

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	m.config.MountPoint = file
	assert.Error(t, m.validateMountPoint())

	m.config.MountPoint = t.TempDir()
	assert.NoError(t, m.validateMountPoint())

	m.config.Options.ReadOnly = true
	opts := m.buildFUSEOptions()
	assert.Contains(t, opts.Options, "ro")
	assert.Equal(t, "drivefs", opts.FsName)
	assert.Equal(t, time.Second, *opts.AttrTimeout)

	assert.False(t, m.IsMounted())
	assert.Error(t, m.Unmount())
}

func TestMountsContain(t *testing.T) {
	mounts := "drivefs /mnt/drive fuse.drivefs rw 0 0\n/dev/sda1 / ext4 rw 0 0\n"
	assert.True(t, mountsContain(mounts, "/mnt/drive/"))
	assert.False(t, mountsContain(mounts, "/mnt/dr"))
	assert.False(t, mountsContain(mounts, "/mnt"))
}

package fuse

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"go.uber.org/zap"

	"github.com/objectfs/drivefs/internal/vfs"
	"github.com/objectfs/drivefs/pkg/utils"
)

// safeInt64ToUint64 safely converts int64 to uint64, preventing negative values
func safeInt64ToUint64(i int64) uint64 {
	if i < 0 {
		return 0
	}
	return uint64(i)
}

// safeIntToUint32 safely converts int to uint32, preventing overflow
func safeIntToUint32(i int) uint32 {
	if i < 0 {
		return 0
	}
	if i > 0xFFFFFFFF {
		return 0xFFFFFFFF
	}
	return uint32(i)
}

// FileSystem exposes a vfs.Handler through the go-fuse node API. Paths are
// taken from the kernel-facing inode tree, which go-fuse keeps in step with
// lookups and renames.
type FileSystem struct {
	handler *vfs.Handler
	config  *Config
	logger  *zap.Logger
}

// Config represents FUSE node configuration
type Config struct {
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
}

// NewFileSystem creates a new FUSE filesystem instance
func NewFileSystem(handler *vfs.Handler, config *Config, logger *zap.Logger) *FileSystem {
	if config == nil {
		config = &Config{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSystem{
		handler: handler,
		config:  config,
		logger:  logger.With(zap.String("component", "fuse")),
	}
}

// Root returns the root inode
func (fsys *FileSystem) Root() fs.InodeEmbedder {
	return &DirectoryNode{node: node{fsys: fsys}}
}

// GetStats returns current filesystem statistics
func (fsys *FileSystem) GetStats() vfs.Stats {
	return fsys.handler.Stats()
}

var (
	_ = (fs.NodeGetattrer)((*DirectoryNode)(nil))
	_ = (fs.NodeLookuper)((*DirectoryNode)(nil))
	_ = (fs.NodeReaddirer)((*DirectoryNode)(nil))
	_ = (fs.NodeMkdirer)((*DirectoryNode)(nil))
	_ = (fs.NodeCreater)((*DirectoryNode)(nil))
	_ = (fs.NodeUnlinker)((*DirectoryNode)(nil))
	_ = (fs.NodeRmdirer)((*DirectoryNode)(nil))
	_ = (fs.NodeRenamer)((*DirectoryNode)(nil))
	_ = (fs.NodeStatfser)((*DirectoryNode)(nil))
	_ = (fs.NodeGetxattrer)((*DirectoryNode)(nil))
	_ = (fs.NodeListxattrer)((*DirectoryNode)(nil))

	_ = (fs.NodeGetattrer)((*FileNode)(nil))
	_ = (fs.NodeSetattrer)((*FileNode)(nil))
	_ = (fs.NodeOpener)((*FileNode)(nil))
	_ = (fs.NodeGetxattrer)((*FileNode)(nil))
	_ = (fs.NodeListxattrer)((*FileNode)(nil))

	_ = (fs.FileReader)((*FileHandle)(nil))
	_ = (fs.FileWriter)((*FileHandle)(nil))
	_ = (fs.FileFlusher)((*FileHandle)(nil))
	_ = (fs.FileFsyncer)((*FileHandle)(nil))
	_ = (fs.FileReleaser)((*FileHandle)(nil))
)

// node carries what directories and files share.
type node struct {
	fs.Inode
	fsys *FileSystem
}

func (n *node) path() string {
	return utils.CleanPath("/" + n.Path(nil))
}

func (n *node) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	a, errno := n.fsys.handler.Getattr(ctx, n.path())
	if errno != 0 {
		return errno
	}
	fillAttr(a, &out.Attr)
	out.SetTimeout(n.fsys.config.AttrTimeout)
	return 0
}

func (n *node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	val, errno := n.fsys.handler.Getxattr(ctx, n.path(), attr)
	if errno != 0 {
		return 0, errno
	}
	if len(dest) < len(val) {
		return safeIntToUint32(len(val)), syscall.ERANGE
	}
	return safeIntToUint32(copy(dest, val)), 0
}

func (n *node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, errno := n.fsys.handler.Listxattr(ctx, n.path())
	if errno != 0 {
		return 0, errno
	}
	var buf []byte
	for _, name := range names {
		buf = append(buf, name...)
		buf = append(buf, 0)
	}
	if len(dest) < len(buf) {
		return safeIntToUint32(len(buf)), syscall.ERANGE
	}
	return safeIntToUint32(copy(dest, buf)), 0
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, errno := n.fsys.handler.Statfs(ctx)
	if errno != 0 {
		return errno
	}
	out.Bsize = st.Bsize
	out.Frsize = st.Bsize
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = st.NameLen
	return 0
}

// DirectoryNode represents a directory in the filesystem
type DirectoryNode struct {
	node
}

func (n *DirectoryNode) childPath(name string) string {
	return utils.JoinPath(n.path(), name)
}

// Lookup looks up a child node by name
func (n *DirectoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, errno := n.fsys.handler.Lookup(ctx, n.path(), name)
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, a, out), 0
}

// Readdir reads directory contents
func (n *DirectoryNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	list, errno := n.fsys.handler.Readdir(ctx, n.path())
	if errno != 0 {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, 0, len(list))
	for _, e := range list {
		entries = append(entries, fuse.DirEntry{Name: e.Name, Ino: e.Ino, Mode: e.Mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Mkdir creates a new directory
func (n *DirectoryNode) Mkdir(ctx context.Context, name string, _ uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, errno := n.fsys.handler.Mkdir(ctx, n.childPath(name))
	if errno != 0 {
		return nil, errno
	}
	return n.newChild(ctx, a, out), 0
}

// Create creates a new file and opens it
func (n *DirectoryNode) Create(ctx context.Context, name string, flags uint32, _ uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	fh, a, errno := n.fsys.handler.Create(ctx, n.childPath(name), int(flags))
	if errno != 0 {
		return nil, nil, 0, errno
	}
	return n.newChild(ctx, a, out), &FileHandle{fsys: n.fsys, fh: fh}, 0, 0
}

func (n *DirectoryNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.fsys.handler.Unlink(ctx, n.childPath(name))
}

func (n *DirectoryNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.fsys.handler.Rmdir(ctx, n.childPath(name))
}

func (n *DirectoryNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst := utils.JoinPath(utils.CleanPath("/"+newParent.EmbeddedInode().Path(nil)), newName)
	return n.fsys.handler.Rename(ctx, n.childPath(name), dst, flags)
}

// newChild builds the inode for a looked-up or created child. The resolver's
// inode number keeps the kernel's view stable across renames.
func (n *DirectoryNode) newChild(ctx context.Context, a vfs.Attr, out *fuse.EntryOut) *fs.Inode {
	fillAttr(a, &out.Attr)
	out.SetEntryTimeout(n.fsys.config.EntryTimeout)
	out.SetAttrTimeout(n.fsys.config.AttrTimeout)

	stable := fs.StableAttr{Mode: a.Mode & syscall.S_IFMT, Ino: a.Ino}
	if a.IsDir() {
		return n.NewInode(ctx, &DirectoryNode{node: node{fsys: n.fsys}}, stable)
	}
	return n.NewInode(ctx, &FileNode{node: node{fsys: n.fsys}}, stable)
}

// FileNode represents a file in the filesystem
type FileNode struct {
	node
}

// Open opens a file
func (f *FileNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	fh, errno := f.fsys.handler.Open(ctx, f.path(), int(flags))
	if errno != 0 {
		return nil, 0, errno
	}
	return &FileHandle{fsys: f.fsys, fh: fh}, 0, 0
}

// Setattr applies size changes. Mode, owner and time changes are not stored
// by the remote and succeed without effect.
func (f *FileNode) Setattr(ctx context.Context, _ fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if size > uint64(1<<63-1) {
			return syscall.EFBIG
		}
		if errno := f.fsys.handler.Truncate(ctx, f.path(), int64(size)); errno != 0 {
			return errno
		}
	}
	return f.Getattr(ctx, nil, out)
}

// FileHandle represents an open file handle
type FileHandle struct {
	fsys *FileSystem
	fh   uint64
}

// Read reads data from the file
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := fh.fsys.handler.Read(ctx, fh.fh, off, len(dest))
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

// Write writes data to the file
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, errno := fh.fsys.handler.Write(ctx, fh.fh, off, data)
	return safeIntToUint32(n), errno
}

// Flush uploads pending writes. It runs on every close of a descriptor.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return fh.fsys.handler.Flush(ctx, fh.fh)
}

func (fh *FileHandle) Fsync(ctx context.Context, _ uint32) syscall.Errno {
	return fh.fsys.handler.Fsync(ctx, fh.fh)
}

// Release releases the file handle
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	return fh.fsys.handler.Release(ctx, fh.fh)
}

func fillAttr(a vfs.Attr, out *fuse.Attr) {
	out.Ino = a.Ino
	out.Size = safeInt64ToUint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Uid = a.UID
	out.Gid = a.GID
	mtime := a.Mtime
	out.SetTimes(&mtime, &mtime, &mtime)
}

package vfs

import (
	"sync/atomic"
	"syscall"
	"time"
)

// Extended attributes exposed on every entry. They are read-only.
const (
	XattrID      = "user.drivefs.id"
	XattrVersion = "user.drivefs.version"
	XattrState   = "user.drivefs.state"
)

// Rename flags understood by Rename.
const (
	RenameNoReplace = 0x1
	RenameExchange  = 0x2
)

// Attr is the attribute set returned by Getattr and Lookup.
type Attr struct {
	Ino   uint64
	Size  int64
	Mode  uint32 // file type and permission bits
	Nlink uint32
	UID   uint32
	GID   uint32
	Mtime time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode&syscall.S_IFMT == syscall.S_IFDIR
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Ino  uint64
	Mode uint32
}

// StatfsInfo reports drive capacity in blocks of Bsize bytes.
type StatfsInfo struct {
	Bsize   uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameLen uint32
}

// Stats tracks filesystem operation counts.
type Stats struct {
	Lookups      int64 `json:"lookups"`
	Opens        int64 `json:"opens"`
	Reads        int64 `json:"reads"`
	Writes       int64 `json:"writes"`
	Creates      int64 `json:"creates"`
	Deletes      int64 `json:"deletes"`
	Flushes      int64 `json:"flushes"`
	Conflicts    int64 `json:"conflicts"`
	BytesRead    int64 `json:"bytes_read"`
	BytesWritten int64 `json:"bytes_written"`
	Errors       int64 `json:"errors"`
}

type stats struct {
	lookups, opens, reads, writes, creates, deletes atomic.Int64
	flushes, conflicts, bytesRead, bytesWritten     atomic.Int64
	errors                                          atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Lookups:      s.lookups.Load(),
		Opens:        s.opens.Load(),
		Reads:        s.reads.Load(),
		Writes:       s.writes.Load(),
		Creates:      s.creates.Load(),
		Deletes:      s.deletes.Load(),
		Flushes:      s.flushes.Load(),
		Conflicts:    s.conflicts.Load(),
		BytesRead:    s.bytesRead.Load(),
		BytesWritten: s.bytesWritten.Load(),
		Errors:       s.errors.Load(),
	}
}

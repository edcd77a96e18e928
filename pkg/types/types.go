package types

import (
	"fmt"
	"time"
)

// EntryKind distinguishes files from directories.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindDirectory
)

func (k EntryKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	}
	return fmt.Sprintf("EntryKind(%d)", int(k))
}

// Entry represents one node of the remote drive.
type Entry struct {
	// ID is the stable remote identifier. It survives renames.
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id"`
	Name     string    `json:"name"`
	Kind     EntryKind `json:"kind"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`

	// Version is the remote content token (eTag or equivalent).
	Version string `json:"version"`

	// ValidUntil is the local cache validity deadline. Zero means not cached.
	ValidUntil time.Time `json:"-"`
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// Expired reports whether the entry's cache validity has passed at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ValidUntil.IsZero() || !now.Before(e.ValidUntil)
}

// Clone returns a copy that can be modified without affecting e.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

// SyncState is the lifecycle state of a content buffer relative to the remote.
type SyncState int

const (
	StateClean SyncState = iota
	StateLocallyModified
	StateFlushing
	StateConflictDetected
)

func (s SyncState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateLocallyModified:
		return "locally_modified"
	case StateFlushing:
		return "flushing"
	case StateConflictDetected:
		return "conflict_detected"
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

// DriveInfo describes the mounted drive and its quota.
type DriveInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DriveType string `json:"drive_type"`
	RootID    string `json:"root_id"`

	QuotaTotal     int64 `json:"quota_total"`
	QuotaUsed      int64 `json:"quota_used"`
	QuotaRemaining int64 `json:"quota_remaining"`
}

// UploadRequest describes a whole-content upload.
//
// Existing items are addressed by ID. New items leave ID empty and are
// addressed by ParentID and Name. ExpectedVersion, when set, makes the upload
// conditional: the drive fails with a conflict if the current version differs.
type UploadRequest struct {
	ID              string
	ParentID        string
	Name            string
	Data            []byte
	ExpectedVersion string
}

// IsCreate reports whether the request materializes a new item.
func (r UploadRequest) IsCreate() bool {
	return r.ID == ""
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

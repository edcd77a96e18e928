/*
Package types provides the core interfaces and data structures shared by DriveFS components.

# Architecture Overview

DriveFS presents a remote cloud drive as a POSIX filesystem. The layers are:

	┌─────────────────────────────────────────────┐
	│              FUSE Interface                 │
	│     (internal/fuse: go-fuse, cgofuse)       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Filesystem Call Handler             │
	│              (internal/vfs)                 │
	└─────────────────────────────────────────────┘
	        │             │              │
	┌───────┴────┐ ┌──────┴──────┐ ┌─────┴──────┐
	│  Resolver  │ │ Metadata    │ │  Buffer    │
	│            │ │ Cache       │ │  Manager   │
	└────────────┘ └─────────────┘ └────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│     Remote Dispatcher (internal/remote)     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   Drive clients (internal/drive/graph, s3)  │
	└─────────────────────────────────────────────┘

# Core Types

Entry is one node of the remote drive. Its ID is stable across renames; the
pair (ParentID, Name) is unique among siblings. Version is an opaque content
token compared on flush to detect concurrent external modification.

SyncState tracks a content buffer through Clean, LocallyModified, Flushing and
ConflictDetected.

Drive is the remote API boundary. Every implementation classifies its failures
into the pkg/errors taxonomy before returning them, so callers never see
HTTP or SDK error types. Drives that support resumable uploads additionally
implement ChunkedUploader.

# Thread Safety

Drive implementations must be safe for concurrent use. Entry values returned by
caches are shared and must be cloned before modification.
*/
package types

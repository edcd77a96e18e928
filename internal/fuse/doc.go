/*
Package fuse mounts a vfs.Handler through the kernel FUSE interface.

Two mechanisms are supported, selected by build constraint:

Default build (go-fuse):
  - Implementation: github.com/hanwen/go-fuse/v2, node API
  - DirectoryNode and FileNode embed fs.Inode; go-fuse keeps the inode tree
    in step with lookups and renames, so every call derives its path from it
  - Inode numbers come from the resolver and stay stable across renames

CGO build (cgofuse):
  - Implementation: github.com/winfsp/cgofuse, path-based FileSystemBase
  - Target: macOS (macFUSE), Windows (WinFsp), Linux fallback

	// Linux
	go build ./...

	// Cross-platform
	go build -tags cgofuse ./...

Both adapters are thin: they translate arguments, call the handler and pass
its errno back to the kernel. No caching or state lives here.

# Usage

	mounter := fuse.NewPlatformMounter(handler, &fuse.MountConfig{
		MountPoint: "/mnt/drive",
		Options: &fuse.MountOptions{
			FSName:       "drivefs",
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
		},
	}, logger)
	if err := mounter.Mount(ctx); err != nil {
		return err
	}
	defer mounter.Unmount()
	mounter.Wait()

# Mount options

MountOptions maps onto go-fuse MountOptions or cgofuse "-o" flags:
  - ReadOnly adds "ro"
  - AllowOther adds "allow_other"
  - FSName and Subtype name the mount in /proc/mounts
  - AttrTimeout and EntryTimeout bound kernel attribute caching

Attribute timeouts should not exceed the metadata TTL, or the kernel serves
entries the handler would already have refreshed.

# Unsupported operations

Hard links, symlinks, chmod and chown are not represented by the remote
drive. Size changes through setattr are honoured; other setattr fields
succeed without effect.
*/
package fuse

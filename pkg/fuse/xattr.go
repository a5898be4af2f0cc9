package fuse

import (
	"fmt"
	"strconv"
	"syscall"

	"github.com/funkey/resync/pkg/cache"
)

// Extended attributes describing the entry behind an inode. All are
// read-only.
const (
	XattrUID    = "user.resync.uid"
	XattrKind   = "user.resync.kind"
	XattrPages  = "user.resync.pages"
	XattrLoaded = "user.resync.loaded"
	XattrPath   = "user.resync.path"
	// XattrCache is only set on the root.
	XattrCache = "user.resync.cache"
)

var xattrNames = []string{XattrUID, XattrKind, XattrPath, XattrPages, XattrLoaded}

// Getxattr returns the value of one of the user.resync attributes.
func (f *FS) Getxattr(ino uint64, name string) (string, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, errno := f.entry(ino)
	if errno != 0 {
		return "", errno
	}

	switch name {
	case XattrUID:
		return e.UID, 0
	case XattrKind:
		return e.Kind.String(), 0
	case XattrPath:
		return f.store.Path(e), 0
	case XattrPages:
		if e.IsFolder() {
			return "", syscall.ENODATA
		}
		return strconv.Itoa(len(e.Pages())), 0
	case XattrLoaded:
		if e.IsFolder() {
			return "", syscall.ENODATA
		}
		state := cache.Unloaded
		if file, ok := f.cache.Peek(e.UID); ok {
			state = file.State()
		}
		return state.String(), 0
	case XattrCache:
		if ino != RootIno {
			return "", syscall.ENODATA
		}
		size, maxSize, count := f.cache.Stats()
		return fmt.Sprintf("files=%d bytes=%d max=%d", count, size, maxSize), 0
	default:
		return "", syscall.ENODATA
	}
}

// Listxattr returns the attribute names available on ino.
func (f *FS) Listxattr(ino uint64) ([]string, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, errno := f.entry(ino)
	if errno != 0 {
		return nil, errno
	}
	switch {
	case ino == RootIno:
		return append(xattrNames[:3:3], XattrCache), 0
	case e.IsFolder():
		return xattrNames[:3], 0
	}
	return xattrNames, 0
}

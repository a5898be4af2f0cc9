package fuse

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
)

// Node is a go-fuse inode backed by FS.
type Node struct {
	fs.Inode

	core *FS
	ino  uint64
}

// Ensure Node implements the required interfaces
var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeSetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeCreater = (*Node)(nil)
var _ fs.NodeMkdirer = (*Node)(nil)
var _ fs.NodeUnlinker = (*Node)(nil)
var _ fs.NodeRmdirer = (*Node)(nil)
var _ fs.NodeRenamer = (*Node)(nil)
var _ fs.NodeStatfser = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)
var _ fs.NodeListxattrer = (*Node)(nil)
var _ fs.NodeSetxattrer = (*Node)(nil)

// MountOptions configures Mount.
type MountOptions struct {
	AllowOther bool
	Debug      bool
	// MultiThreaded lets go-fuse serve requests concurrently. FS still
	// serializes them.
	MultiThreaded bool
}

// Mount serves core at mountPoint.
func Mount(mountPoint string, core *FS, opts MountOptions) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	root := &Node{core: core, ino: RootIno}
	attrTimeout := time.Duration(0)
	entryTimeout := time.Second

	fsOpts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther:     opts.AllowOther,
			Debug:          opts.Debug,
			FsName:         "resync",
			Name:           "resync",
			SingleThreaded: !opts.MultiThreaded,
		},
		AttrTimeout:  &attrTimeout,
		EntryTimeout: &entryTimeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, root, fsOpts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	core.log.Info("mounted")
	return server, nil
}

func fillAttr(a Attr, out *gofuse.Attr) {
	out.Ino = a.Ino
	out.Mode = a.Mode
	out.Size = a.Size
	out.Blocks = (a.Size + blockSize - 1) / blockSize
	out.Blksize = blockSize
	out.Nlink = a.Nlink
	t := uint64(a.Mtime.Unix())
	ns := uint32(a.Mtime.Nanosecond())
	out.Mtime, out.Mtimensec = t, ns
	out.Atime, out.Atimensec = t, ns
	out.Ctime, out.Ctimensec = t, ns
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func (n *Node) child(ctx context.Context, a Attr) *fs.Inode {
	node := &Node{core: n.core, ino: a.Ino}
	return n.NewInode(ctx, node, fs.StableAttr{Mode: a.Mode & syscall.S_IFMT, Ino: a.Ino})
}

// Getattr returns file attributes without rendering.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	a, errno := n.core.Getattr(n.ino)
	if errno != 0 {
		return errno
	}
	fillAttr(a, &out.Attr)
	return 0
}

// Setattr handles truncation. Other attribute changes are accepted and
// ignored.
func (n *Node) Setattr(ctx context.Context, fh fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		a, errno := n.core.Truncate(ctx, n.ino, size)
		if errno != 0 {
			return errno
		}
		fillAttr(a, &out.Attr)
		return 0
	}
	return n.Getattr(ctx, fh, out)
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, errno := n.core.Lookup(n.ino, name)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(a, &out.Attr)
	return n.child(ctx, a), 0
}

// Readdir lists directory contents.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, errno := n.core.Readdir(n.ino, 0)
	if errno != 0 {
		return nil, errno
	}
	list := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, gofuse.DirEntry{
			Name: e.Name,
			Ino:  e.Attr.Ino,
			Mode: e.Attr.Mode,
		})
	}
	return fs.NewListDirStream(list), 0
}

// Open renders the document on first use. Reads bypass the page cache
// because the size reported before rendering is a placeholder.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if errno := n.core.Open(ctx, n.ino); errno != 0 {
		return nil, 0, errno
	}
	return &FileHandle{core: n.core, ino: n.ino}, gofuse.FOPEN_DIRECT_IO, 0
}

// Create creates a new, empty PDF.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	a, errno := n.core.Create(ctx, n.ino, name)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	fillAttr(a, &out.Attr)
	return n.child(ctx, a), &FileHandle{core: n.core, ino: a.Ino}, gofuse.FOPEN_DIRECT_IO, 0
}

// Mkdir creates a new folder.
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	a, errno := n.core.Mkdir(n.ino, name)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(a, &out.Attr)
	return n.child(ctx, a), 0
}

// Unlink moves a document to the trash.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	return n.core.Unlink(n.ino, name)
}

// Rmdir moves an empty folder to the trash.
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.core.Rmdir(n.ino, name)
}

// Rename moves or renames an entry.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		// RENAME_EXCHANGE and RENAME_NOREPLACE are not supported.
		return syscall.EINVAL
	}
	parent, ok := newParent.(*Node)
	if !ok {
		return syscall.EXDEV
	}
	return n.core.Rename(n.ino, name, parent.ino, newName)
}

// Statfs reports filesystem statistics.
func (n *Node) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	st := n.core.Statfs()
	out.Bsize = st.Bsize
	out.Frsize = st.Frsize
	out.Blocks = st.Blocks
	out.Bfree = st.Bfree
	out.Bavail = st.Bavail
	out.Files = st.Files
	out.Ffree = st.Ffree
	out.NameLen = st.NameLen
	return 0
}

// Getxattr returns extended attribute value.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	value, errno := n.core.Getxattr(n.ino, attr)
	if errno != 0 {
		return 0, errno
	}
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// Listxattr lists extended attributes.
func (n *Node) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, errno := n.core.Listxattr(n.ino)
	if errno != 0 {
		return 0, errno
	}
	list := strings.Join(names, "\x00") + "\x00"
	if len(dest) == 0 {
		return uint32(len(list)), 0
	}
	if len(dest) < len(list) {
		return 0, syscall.ERANGE
	}
	copy(dest, list)
	return uint32(len(list)), 0
}

// Setxattr is accepted and ignored so copy tools preserving attributes do
// not fail.
func (n *Node) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return 0
}

// FileHandle is an open document.
type FileHandle struct {
	core *FS
	ino  uint64
}

var _ fs.FileHandle = (*FileHandle)(nil)
var _ fs.FileReader = (*FileHandle)(nil)
var _ fs.FileWriter = (*FileHandle)(nil)
var _ fs.FileFlusher = (*FileHandle)(nil)
var _ fs.FileFsyncer = (*FileHandle)(nil)
var _ fs.FileReleaser = (*FileHandle)(nil)

// Read returns document data.
func (fh *FileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	data, errno := fh.core.Read(ctx, fh.ino, off, len(dest))
	if errno != 0 {
		return nil, errno
	}
	return gofuse.ReadResultData(data), 0
}

// Write writes data to the document buffer.
func (fh *FileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, errno := fh.core.Write(ctx, fh.ino, off, data)
	return uint32(n), errno
}

// Flush writes modified data back to the device.
func (fh *FileHandle) Flush(ctx context.Context) syscall.Errno {
	return fh.core.Flush(ctx, fh.ino)
}

// Fsync writes modified data back to the device.
func (fh *FileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.core.Fsync(ctx, fh.ino)
}

// Release writes modified data back and closes the handle.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	return fh.core.Release(ctx, fh.ino)
}

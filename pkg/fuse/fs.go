// Package fuse exposes the document tree as a filesystem.
//
// FS implements every operation on inode numbers and returns syscall.Errno
// values; Node bridges it to go-fuse. All FS methods take one mutex, so
// operations never interleave.
package fuse

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/funkey/resync/internal/metrics"
	"github.com/funkey/resync/pkg/cache"
	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/models"
	"github.com/funkey/resync/pkg/tree"
)

// RootIno is the inode number of the mount root.
const RootIno uint64 = 1

// UnloadedSize is reported for documents that have not been rendered yet.
// Readers that trust a zero size would never ask for the data.
const UnloadedSize = 1 << 30

// MaxFileSize bounds writes and truncation. Gaps are filled in memory, so a
// write far past the end would otherwise allocate the whole gap.
const MaxFileSize = 4 << 30

const blockSize = 512

// SessionState tracks the lifetime of a mount.
type SessionState int

const (
	Mounted SessionState = iota
	Unmounting
	Unmounted
)

func (s SessionState) String() string {
	switch s {
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	default:
		return "unmounted"
	}
}

// Restarter makes the device pick up changes to its document store.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Attr describes an inode.
type Attr struct {
	Ino   uint64
	Mode  uint32
	Size  uint64
	Nlink uint32
	Mtime time.Time
}

// DirEntry is one readdir result. Next is the offset that continues after
// this entry.
type DirEntry struct {
	Name string
	Attr Attr
	Next uint64
}

// Statfs holds filesystem statistics.
type Statfs struct {
	Bsize   uint32
	Frsize  uint32
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	NameLen uint32
}

// Options configures an FS.
type Options struct {
	// NoRestart skips the restart after unmount even if files changed.
	NoRestart bool
	Log       *zap.Logger
}

// FS is the filesystem core.
type FS struct {
	store     *tree.Store
	cache     *cache.Cache
	restarter Restarter
	opts      Options
	log       *zap.Logger

	mu      sync.Mutex
	inodes  map[uint64]string
	uids    map[string]uint64
	nextIno uint64
	state   SessionState
	started time.Time
}

// New builds the inode table depth-first from the root of store and
// registers c as the store's flusher. restarter may be nil.
func New(store *tree.Store, c *cache.Cache, restarter Restarter, opts Options) *FS {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	f := &FS{
		store:     store,
		cache:     c,
		restarter: restarter,
		opts:      opts,
		log:       log,
		inodes:    make(map[uint64]string),
		uids:      make(map[string]uint64),
		nextIno:   RootIno,
		started:   time.Now(),
	}
	store.SetFlusher(c)
	store.Walk(store.Root(), func(e *models.Entry) { f.ino(e) })
	metrics.SetTreeSize(store.Count())
	log.Info("inode table built", zap.Int("inodes", len(f.inodes)))
	return f
}

// ino returns the inode of e, assigning the next free number on first use.
func (f *FS) ino(e *models.Entry) uint64 {
	if ino, ok := f.uids[e.UID]; ok {
		return ino
	}
	ino := f.nextIno
	f.nextIno++
	f.inodes[ino] = e.UID
	f.uids[e.UID] = ino
	return ino
}

func (f *FS) entry(ino uint64) (*models.Entry, syscall.Errno) {
	uid, ok := f.inodes[ino]
	if !ok {
		return nil, syscall.ENOENT
	}
	e, ok := f.store.Lookup(uid)
	if !ok {
		return nil, syscall.ENOENT
	}
	return e, 0
}

func (f *FS) folder(ino uint64) (*models.Entry, syscall.Errno) {
	e, errno := f.entry(ino)
	if errno != 0 {
		return nil, errno
	}
	if !e.IsFolder() {
		return nil, syscall.ENOTDIR
	}
	return e, 0
}

func (f *FS) document(ino uint64) (*models.Entry, syscall.Errno) {
	e, errno := f.entry(ino)
	if errno != 0 {
		return nil, errno
	}
	if e.IsFolder() {
		return nil, syscall.EISDIR
	}
	return e, 0
}

func (f *FS) attr(e *models.Entry) Attr {
	a := Attr{Ino: f.ino(e), Nlink: 1, Mtime: f.mtime(e)}
	if e.IsFolder() {
		a.Mode = syscall.S_IFDIR | 0o755
		a.Nlink = 2
		return a
	}
	a.Mode = syscall.S_IFREG | 0o644
	a.Size = UnloadedSize
	if file, ok := f.cache.Peek(e.UID); ok && file.State() != cache.Unloaded {
		a.Size = uint64(file.Size())
	}
	return a
}

func (f *FS) mtime(e *models.Entry) time.Time {
	if ms := e.Metadata.ParseLastModified(); ms > 0 {
		return time.UnixMilli(ms)
	}
	return f.started
}

func (f *FS) done(op string, errno syscall.Errno) syscall.Errno {
	metrics.RecordOp(op, errno)
	if errno != 0 && errno != syscall.ENOENT {
		f.log.Debug("operation failed", zap.String("op", op), zap.Error(errno))
	}
	return errno
}

// toErrno maps store, cache and transport errors to errno values.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, tree.ErrNotFound), client.IsNotFound(err):
		return syscall.ENOENT
	case errors.Is(err, tree.ErrUnsupportedKind), errors.Is(err, tree.ErrUnsupportedOperation):
		return syscall.EACCES
	case errors.Is(err, tree.ErrNotFolder):
		return syscall.ENOTDIR
	case errors.Is(err, tree.ErrInvalidMove):
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}

// isLitter matches files desktop systems drop into every directory.
func isLitter(name string) bool {
	return strings.HasPrefix(name, "._") || name == ".DS_Store"
}

// Lookup resolves name in the folder parent.
func (f *FS) Lookup(parent uint64, name string) (Attr, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, errno := f.folder(parent)
	if errno != 0 {
		return Attr{}, f.done("lookup", errno)
	}
	e, ok := f.store.Child(dir, name)
	if !ok {
		return Attr{}, f.done("lookup", syscall.ENOENT)
	}
	return f.attr(e), f.done("lookup", 0)
}

// Getattr returns the attributes of ino. It never renders.
func (f *FS) Getattr(ino uint64) (Attr, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, errno := f.entry(ino)
	if errno != 0 {
		return Attr{}, f.done("getattr", errno)
	}
	return f.attr(e), f.done("getattr", 0)
}

// Readdir lists the children of a folder in name order, starting at offset.
// Entry i carries Next i+1, so listing can resume from any returned offset.
func (f *FS) Readdir(ino uint64, offset uint64) ([]DirEntry, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, errno := f.folder(ino)
	if errno != 0 {
		return nil, f.done("readdir", errno)
	}
	kids := f.store.Children(dir)
	if offset >= uint64(len(kids)) {
		return nil, f.done("readdir", 0)
	}
	out := make([]DirEntry, 0, uint64(len(kids))-offset)
	for i := offset; i < uint64(len(kids)); i++ {
		out = append(out, DirEntry{
			Name: tree.DisplayName(kids[i]),
			Attr: f.attr(kids[i]),
			Next: i + 1,
		})
	}
	return out, f.done("readdir", 0)
}

// Open renders the document behind ino unless it is already resident.
func (f *FS) Open(ctx context.Context, ino uint64) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, errno := f.document(ino)
	if errno != 0 {
		return f.done("open", errno)
	}
	if err := f.cache.Get(e).Open(ctx); err != nil {
		f.log.Error("open failed", zap.Stringer("entry", e), zap.Error(err))
		return f.done("open", syscall.EIO)
	}
	f.log.Debug("opened", zap.Stringer("entry", e))
	return f.done("open", 0)
}

// loaded returns the resident file of a document, loading it if needed.
func (f *FS) loaded(ctx context.Context, ino uint64) (*cache.File, *models.Entry, syscall.Errno) {
	e, errno := f.document(ino)
	if errno != 0 {
		return nil, nil, errno
	}
	file := f.cache.Get(e)
	if err := file.Load(ctx); err != nil {
		f.log.Error("load failed", zap.Stringer("entry", e), zap.Error(err))
		return nil, nil, syscall.EIO
	}
	return file, e, 0
}

// Read returns at most size bytes at off. Reads past the end are empty.
func (f *FS) Read(ctx context.Context, ino uint64, off int64, size int) ([]byte, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, _, errno := f.loaded(ctx, ino)
	if errno != 0 {
		return nil, f.done("read", errno)
	}
	return file.ReadAt(off, size), f.done("read", 0)
}

// Write stores data at off, padding any gap with spaces.
func (f *FS) Write(ctx context.Context, ino uint64, off int64, data []byte) (int, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, errno := f.document(ino); errno != 0 {
		return 0, f.done("write", errno)
	} else if e.Kind != models.KindPdf {
		return 0, f.done("write", syscall.EACCES)
	}
	if off < 0 || off+int64(len(data)) > MaxFileSize {
		return 0, f.done("write", syscall.EFBIG)
	}
	file, _, errno := f.loaded(ctx, ino)
	if errno != 0 {
		return 0, f.done("write", errno)
	}
	n, err := file.WriteAt(data, off)
	if err != nil {
		return 0, f.done("write", syscall.EIO)
	}
	f.store.MarkChanged()
	return n, f.done("write", 0)
}

// Create adds an empty PDF called name to parent and opens it. Only names
// ending in .pdf are accepted.
func (f *FS) Create(ctx context.Context, parent uint64, name string) (Attr, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, errno := f.folder(parent)
	if errno != 0 {
		return Attr{}, f.done("create", errno)
	}
	if isLitter(name) || !strings.HasSuffix(name, tree.DocumentExt) {
		f.log.Info("refusing to create file", zap.String("name", name))
		return Attr{}, f.done("create", syscall.EACCES)
	}
	if _, ok := f.store.Child(dir, name); ok {
		return Attr{}, f.done("create", syscall.EEXIST)
	}

	e, err := f.store.Create(dir, strings.TrimSuffix(name, tree.DocumentExt), models.KindPdf)
	if err != nil {
		f.log.Error("create failed", zap.String("name", name), zap.Error(err))
		return Attr{}, f.done("create", toErrno(err))
	}
	file := f.cache.NewEmpty(e)
	if err := file.Open(ctx); err != nil {
		return Attr{}, f.done("create", syscall.EIO)
	}
	metrics.SetTreeSize(f.store.Count())
	return f.attr(e), f.done("create", 0)
}

// Mkdir adds a folder called name to parent.
func (f *FS) Mkdir(parent uint64, name string) (Attr, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, errno := f.folder(parent)
	if errno != 0 {
		return Attr{}, f.done("mkdir", errno)
	}
	if isLitter(name) {
		return Attr{}, f.done("mkdir", syscall.EACCES)
	}
	if _, ok := f.store.Child(dir, name); ok {
		return Attr{}, f.done("mkdir", syscall.EEXIST)
	}

	e, err := f.store.Create(dir, name, models.KindFolder)
	if err != nil {
		f.log.Error("mkdir failed", zap.String("name", name), zap.Error(err))
		return Attr{}, f.done("mkdir", toErrno(err))
	}
	metrics.SetTreeSize(f.store.Count())
	return f.attr(e), f.done("mkdir", 0)
}

// Rename moves oldName in oldParent to newName in newParent. An existing
// document at the destination is deleted first; an existing folder there
// makes the rename fail with EACCES.
func (f *FS) Rename(oldParent uint64, oldName string, newParent uint64, newName string) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	src, errno := f.folder(oldParent)
	if errno != 0 {
		return f.done("rename", errno)
	}
	dst, errno := f.folder(newParent)
	if errno != 0 {
		return f.done("rename", errno)
	}
	e, ok := f.store.Child(src, oldName)
	if !ok {
		return f.done("rename", syscall.ENOENT)
	}

	name := newName
	if e.IsDocument() {
		if !strings.HasSuffix(newName, tree.DocumentExt) {
			return f.done("rename", syscall.EACCES)
		}
		name = strings.TrimSuffix(newName, tree.DocumentExt)
		if src != dst && e.Kind != models.KindPdf {
			return f.done("rename", syscall.EACCES)
		}
	}

	target, exists := f.store.Child(dst, newName)
	if exists && target == e {
		return f.done("rename", 0)
	}
	if exists && target.IsFolder() {
		return f.done("rename", syscall.EACCES)
	}

	// Everything that can fail is checked before the target goes away.
	if src != dst {
		if err := f.store.CheckMove(e, dst); err != nil {
			return f.done("rename", toErrno(err))
		}
	} else if err := f.store.CheckRename(e); err != nil {
		return f.done("rename", toErrno(err))
	}
	if exists {
		if err := f.store.CheckMove(target, f.store.Trash()); err != nil {
			return f.done("rename", toErrno(err))
		}
		if err := f.store.Delete(target); err != nil {
			f.log.Error("rename: removing target failed", zap.Stringer("entry", target), zap.Error(err))
			return f.done("rename", toErrno(err))
		}
	}

	if src != dst {
		if err := f.store.Move(e, dst); err != nil {
			return f.done("rename", toErrno(err))
		}
	}
	if err := f.store.Rename(e, name); err != nil {
		return f.done("rename", toErrno(err))
	}
	f.log.Info("renamed", zap.Stringer("entry", e), zap.String("path", f.store.Path(e)))
	return f.done("rename", 0)
}

// Unlink moves the document name in parent to the trash.
func (f *FS) Unlink(parent uint64, name string) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, errno := f.folder(parent)
	if errno != 0 {
		return f.done("unlink", errno)
	}
	e, ok := f.store.Child(dir, name)
	if !ok {
		return f.done("unlink", syscall.ENOENT)
	}
	if e.IsFolder() {
		return f.done("unlink", syscall.EISDIR)
	}
	return f.done("unlink", f.remove(e))
}

// Rmdir moves the empty folder name in parent to the trash.
func (f *FS) Rmdir(parent uint64, name string) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir, errno := f.folder(parent)
	if errno != 0 {
		return f.done("rmdir", errno)
	}
	e, ok := f.store.Child(dir, name)
	if !ok {
		return f.done("rmdir", syscall.ENOENT)
	}
	if !e.IsFolder() {
		return f.done("rmdir", syscall.ENOTDIR)
	}
	if len(f.store.Children(e)) > 0 {
		return f.done("rmdir", syscall.ENOTEMPTY)
	}
	return f.done("rmdir", f.remove(e))
}

func (f *FS) remove(e *models.Entry) syscall.Errno {
	if e.Deleted() {
		// Entries in the trash cannot be removed for good.
		return syscall.EACCES
	}
	if err := f.store.Delete(e); err != nil {
		f.log.Error("delete failed", zap.Stringer("entry", e), zap.Error(err))
		return toErrno(err)
	}
	return 0
}

// Release flushes the document and drops the reference taken by Open or
// Create. A failed write-back keeps the data for a later retry.
func (f *FS) Release(ctx context.Context, ino uint64) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, errno := f.document(ino)
	if errno != 0 {
		return f.done("release", errno)
	}
	file, ok := f.cache.Peek(e.UID)
	if !ok {
		return f.done("release", 0)
	}
	if err := file.Release(ctx); err != nil {
		return f.done("release", syscall.EIO)
	}
	return f.done("release", 0)
}

// Flush writes back modified data of ino.
func (f *FS) Flush(ctx context.Context, ino uint64) syscall.Errno {
	return f.flush(ctx, "flush", ino)
}

// Fsync writes back modified data of ino.
func (f *FS) Fsync(ctx context.Context, ino uint64) syscall.Errno {
	return f.flush(ctx, "fsync", ino)
}

func (f *FS) flush(ctx context.Context, op string, ino uint64) syscall.Errno {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, errno := f.entry(ino)
	if errno != 0 {
		return f.done(op, errno)
	}
	file, ok := f.cache.Peek(e.UID)
	if !ok {
		return f.done(op, 0)
	}
	if err := file.Flush(ctx); err != nil {
		return f.done(op, syscall.EIO)
	}
	return f.done(op, 0)
}

// Truncate sets the size of a document.
func (f *FS) Truncate(ctx context.Context, ino uint64, size uint64) (Attr, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if e, errno := f.document(ino); errno != 0 {
		return Attr{}, f.done("setattr", errno)
	} else if e.Kind != models.KindPdf {
		return Attr{}, f.done("setattr", syscall.EACCES)
	}
	if size > MaxFileSize {
		return Attr{}, f.done("setattr", syscall.EFBIG)
	}
	file, e, errno := f.loaded(ctx, ino)
	if errno != 0 {
		return Attr{}, f.done("setattr", errno)
	}
	if err := file.Truncate(int64(size)); err != nil {
		return Attr{}, f.done("setattr", syscall.EIO)
	}
	f.store.MarkChanged()
	return f.attr(e), f.done("setattr", 0)
}

// Statfs reports resident bytes and the inode count. The device has no
// quota, so the free figures are only large enough to keep writers happy.
func (f *FS) Statfs() Statfs {
	f.mu.Lock()
	defer f.mu.Unlock()

	blocks := uint64(f.cache.TotalSize()) / blockSize
	files := uint64(len(f.inodes))
	st := Statfs{
		Bsize:   blockSize,
		Frsize:  blockSize,
		Blocks:  blocks,
		Bfree:   max(blocks, 1024),
		Files:   files,
		Ffree:   max(files, 10000),
		NameLen: 255,
	}
	st.Bavail = st.Bfree
	metrics.RecordOp("statfs", 0)
	return st
}

// State returns the session state.
func (f *FS) State() SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Destroy ends the session: it writes every pending change to the device
// and, when something changed and every write succeeded, restarts the
// device UI. Later calls do nothing.
func (f *FS) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != Mounted {
		return nil
	}
	f.state = Unmounting
	defer func() { f.state = Unmounted }()

	f.log.Info("syncing document tree")
	if err := f.store.Sync(ctx); err != nil {
		f.log.Error("sync failed, not restarting device", zap.Error(err))
		return err
	}

	switch {
	case !f.store.Changed():
		f.log.Info("no changes, not restarting device")
	case f.opts.NoRestart || f.restarter == nil:
		f.log.Info("changes written, restart disabled")
	default:
		if err := f.restarter.Restart(ctx); err != nil {
			f.log.Error("restart failed", zap.Error(err))
			return err
		}
	}
	return nil
}

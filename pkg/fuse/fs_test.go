package fuse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funkey/resync/pkg/cache"
	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/models"
	"github.com/funkey/resync/pkg/tree"
)

// flakyTransport fails every write while broken is set.
type flakyTransport struct {
	client.Transport
	broken bool
}

func (t *flakyTransport) Write(p string, data []byte, overwrite bool) (bool, error) {
	if t.broken {
		return false, errors.New("connection reset")
	}
	return t.Transport.Write(p, data, overwrite)
}

type restartCounter struct{ calls int }

func (r *restartCounter) Restart(context.Context) error {
	r.calls++
	return nil
}

type fixture struct {
	t        *testing.T
	tr       *flakyTransport
	store    *tree.Store
	cache    *cache.Cache
	fs       *FS
	restarts *restartCounter
	renders  int
}

func putMeta(t *testing.T, tr client.Transport, uid, name, parent, typ, fileType string) {
	t.Helper()
	meta := fmt.Sprintf(`{"visibleName":%q,"parent":%q,"type":%q,"lastModified":"1700000000000"}`, name, parent, typ)
	_, err := tr.Write(uid+".metadata", []byte(meta), true)
	require.NoError(t, err)
	if typ == models.DocumentType {
		content := fmt.Sprintf(`{"fileType":%q,"pages":["p1","p2"]}`, fileType)
		_, err = tr.Write(uid+".content", []byte(content), true)
		require.NoError(t, err)
	}
}

// renderFunc adapts a function to the Renderer interface.
type renderFunc func(ctx context.Context, doc *models.Entry) ([]byte, error)

func (f renderFunc) Render(ctx context.Context, doc *models.Entry) ([]byte, error) {
	return f(ctx, doc)
}

// newFixture mounts a tree of
//
//	/Books/            (folder f1)
//	/Books/Paper.pdf   (pdf d1)
//	/Empty/            (folder f2)
//	/Notes.pdf         (notebook n1)
//	/Report.pdf        (pdf d2)
func newFixture(t *testing.T) *fixture {
	t.Helper()
	local, err := client.NewLocal(t.TempDir())
	require.NoError(t, err)
	tr := &flakyTransport{Transport: local}

	putMeta(t, tr, "f1", "Books", models.RootID, models.FolderType, "")
	putMeta(t, tr, "f2", "Empty", models.RootID, models.FolderType, "")
	putMeta(t, tr, "d1", "Paper", "f1", models.DocumentType, "pdf")
	putMeta(t, tr, "d2", "Report", models.RootID, models.DocumentType, "pdf")
	putMeta(t, tr, "n1", "Notes", models.RootID, models.DocumentType, "notebook")
	putMeta(t, tr, "x1", "Orphan", "gone", models.DocumentType, "pdf")

	store, err := tree.New(tr, nil)
	require.NoError(t, err)

	fx := &fixture{t: t, tr: tr, store: store, restarts: &restartCounter{}}
	renderer := renderFunc(func(ctx context.Context, e *models.Entry) ([]byte, error) {
		fx.renders++
		return []byte("PDF of " + e.UID), nil
	})
	fx.cache = cache.New(renderer, store, 0, nil)
	fx.fs = New(store, fx.cache, fx.restarts, Options{})
	return fx
}

func (fx *fixture) lookup(parent uint64, name string) uint64 {
	fx.t.Helper()
	a, errno := fx.fs.Lookup(parent, name)
	require.Equal(fx.t, syscall.Errno(0), errno, "lookup %q", name)
	return a.Ino
}

func (fx *fixture) names(ino uint64) []string {
	fx.t.Helper()
	entries, errno := fx.fs.Readdir(ino, 0)
	require.Equal(fx.t, syscall.Errno(0), errno)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestInodesAssignedDepthFirst(t *testing.T) {
	fx := newFixture(t)

	a, errno := fx.fs.Getattr(RootIno)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(syscall.S_IFDIR), a.Mode&syscall.S_IFMT)

	assert.Equal(t, uint64(2), fx.lookup(RootIno, ".trash"))
	books := fx.lookup(RootIno, "Books")
	assert.Equal(t, uint64(3), books)
	assert.Equal(t, uint64(4), fx.lookup(books, "Paper.pdf"))
	assert.Equal(t, uint64(5), fx.lookup(RootIno, "Empty"))
}

func TestLookupAndReaddir(t *testing.T) {
	fx := newFixture(t)

	assert.Equal(t, []string{".trash", "Books", "Empty", "Notes.pdf", "Report.pdf"}, fx.names(RootIno))

	_, errno := fx.fs.Lookup(RootIno, "Orphan.pdf")
	assert.Equal(t, syscall.ENOENT, errno)
	_, errno = fx.fs.Lookup(RootIno, "Report")
	assert.Equal(t, syscall.ENOENT, errno)
	_, errno = fx.fs.Getattr(999)
	assert.Equal(t, syscall.ENOENT, errno)

	report := fx.lookup(RootIno, "Report.pdf")
	_, errno = fx.fs.Readdir(report, 0)
	assert.Equal(t, syscall.ENOTDIR, errno)
}

func TestReaddirResumesAtOffset(t *testing.T) {
	fx := newFixture(t)

	all, errno := fx.fs.Readdir(RootIno, 0)
	require.Equal(t, syscall.Errno(0), errno)
	for i, e := range all {
		assert.Equal(t, uint64(i+1), e.Next)
	}

	rest, errno := fx.fs.Readdir(RootIno, all[2].Next)
	require.Equal(t, syscall.Errno(0), errno)
	require.Len(t, rest, 2)
	assert.Equal(t, "Notes.pdf", rest[0].Name)

	none, errno := fx.fs.Readdir(RootIno, 50)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Empty(t, none)
}

func TestGetattrReportsPlaceholderSizeUntilLoaded(t *testing.T) {
	fx := newFixture(t)
	ino := fx.lookup(RootIno, "Report.pdf")

	a, _ := fx.fs.Getattr(ino)
	assert.Equal(t, uint64(UnloadedSize), a.Size)
	assert.Equal(t, 0, fx.renders, "getattr must not render")

	require.Equal(t, syscall.Errno(0), fx.fs.Open(context.Background(), ino))
	a, _ = fx.fs.Getattr(ino)
	assert.Equal(t, uint64(len("PDF of d2")), a.Size)
	assert.Equal(t, int64(1700000000), a.Mtime.Unix())
}

func TestOpenRendersOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ino := fx.lookup(RootIno, "Report.pdf")

	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))
	require.Equal(t, syscall.Errno(0), fx.fs.Release(ctx, ino))
	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))
	assert.Equal(t, 1, fx.renders)

	assert.Equal(t, syscall.EISDIR, fx.fs.Open(ctx, fx.lookup(RootIno, "Books")))
}

func TestRead(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ino := fx.lookup(RootIno, "Report.pdf")
	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))

	data, errno := fx.fs.Read(ctx, ino, 0, 3)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "PDF", string(data))

	data, errno = fx.fs.Read(ctx, ino, 4, 100)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "of d2", string(data))

	data, errno = fx.fs.Read(ctx, ino, 1000, 10)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Empty(t, data)
}

func TestWritePadsWithSpaces(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ino := fx.lookup(RootIno, "Report.pdf")
	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))

	size := len("PDF of d2")
	n, errno := fx.fs.Write(ctx, ino, int64(size+3), []byte("!!"))
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, 2, n)

	a, _ := fx.fs.Getattr(ino)
	assert.Equal(t, uint64(size+5), a.Size)
	data, _ := fx.fs.Read(ctx, ino, 0, 100)
	assert.Equal(t, "PDF of d2   !!", string(data))
	assert.True(t, fx.store.Changed())

	require.Equal(t, syscall.Errno(0), fx.fs.Release(ctx, ino))
	stored, err := fx.tr.Read("d2.pdf")
	require.NoError(t, err)
	assert.Equal(t, "PDF of d2   !!", string(stored))
}

func TestWriteToNotebookIsRefused(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ino := fx.lookup(RootIno, "Notes.pdf")
	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))

	_, errno := fx.fs.Write(ctx, ino, 0, []byte("x"))
	assert.Equal(t, syscall.EACCES, errno)
	_, errno = fx.fs.Truncate(ctx, ino, 0)
	assert.Equal(t, syscall.EACCES, errno)
}

func TestWriteBeyondMaxFileSize(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ino := fx.lookup(RootIno, "Report.pdf")
	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))

	_, errno := fx.fs.Write(ctx, ino, MaxFileSize, []byte("x"))
	assert.Equal(t, syscall.EFBIG, errno)
	_, errno = fx.fs.Write(ctx, ino, -1, []byte("x"))
	assert.Equal(t, syscall.EFBIG, errno)
	_, errno = fx.fs.Truncate(ctx, ino, MaxFileSize+1)
	assert.Equal(t, syscall.EFBIG, errno)

	a, _ := fx.fs.Getattr(ino)
	assert.Equal(t, uint64(len("PDF of d2")), a.Size)
	assert.False(t, fx.store.Changed())

	// Sizes below the limit are still accepted.
	_, errno = fx.fs.Truncate(ctx, ino, 4)
	assert.Equal(t, syscall.Errno(0), errno)
}

func TestFailedReleaseKeepsData(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	ino := fx.lookup(RootIno, "Report.pdf")
	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))
	_, errno := fx.fs.Write(ctx, ino, 0, []byte("XYZ"))
	require.Equal(t, syscall.Errno(0), errno)

	fx.tr.broken = true
	assert.Equal(t, syscall.EIO, fx.fs.Release(ctx, ino))
	file, ok := fx.cache.Peek("d2")
	require.True(t, ok)
	assert.Equal(t, cache.Modified, file.State())

	fx.tr.broken = false
	assert.Equal(t, syscall.Errno(0), fx.fs.Fsync(ctx, ino))
	assert.Equal(t, cache.Loaded, file.State())
}

func TestCreate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	for _, name := range []string{"note.txt", "._new.pdf", ".DS_Store", "plain"} {
		_, errno := fx.fs.Create(ctx, RootIno, name)
		assert.Equal(t, syscall.EACCES, errno, name)
	}
	_, errno := fx.fs.Create(ctx, RootIno, "Report.pdf")
	assert.Equal(t, syscall.EEXIST, errno)

	books := fx.lookup(RootIno, "Books")
	a, errno := fx.fs.Create(ctx, books, "new.pdf")
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint64(0), a.Size, "created files are loaded and empty")
	assert.Equal(t, a.Ino, fx.lookup(books, "new.pdf"))

	_, errno = fx.fs.Write(ctx, a.Ino, 0, []byte("%PDF-1.7"))
	require.Equal(t, syscall.Errno(0), errno)
	require.Equal(t, syscall.Errno(0), fx.fs.Release(ctx, a.Ino))
	assert.Equal(t, 0, fx.renders)

	uid, errno := fx.fs.Getxattr(a.Ino, XattrUID)
	require.Equal(t, syscall.Errno(0), errno)
	data, err := fx.tr.Read(uid + ".pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(data))
	assert.True(t, fx.tr.Exists(uid+".metadata"))
	assert.True(t, fx.tr.Exists(uid+".pagedata"))
}

func TestMkdir(t *testing.T) {
	fx := newFixture(t)

	a, errno := fx.fs.Mkdir(RootIno, "Projects")
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(syscall.S_IFDIR), a.Mode&syscall.S_IFMT)

	uid, _ := fx.fs.Getxattr(a.Ino, XattrUID)
	assert.True(t, fx.tr.Exists(uid+".metadata"), "folders are written immediately")

	_, errno = fx.fs.Mkdir(RootIno, "Projects")
	assert.Equal(t, syscall.EEXIST, errno)
	_, errno = fx.fs.Mkdir(fx.lookup(RootIno, "Report.pdf"), "x")
	assert.Equal(t, syscall.ENOTDIR, errno)
}

func TestRmdir(t *testing.T) {
	fx := newFixture(t)

	assert.Equal(t, syscall.EACCES, fx.fs.Rmdir(RootIno, ".trash"))
	assert.Equal(t, syscall.ENOTEMPTY, fx.fs.Rmdir(RootIno, "Books"))
	assert.Equal(t, syscall.ENOTDIR, fx.fs.Rmdir(RootIno, "Report.pdf"))
	assert.Equal(t, syscall.ENOENT, fx.fs.Rmdir(RootIno, "Nope"))

	books := fx.lookup(RootIno, "Books")
	require.Equal(t, syscall.Errno(0), fx.fs.Unlink(books, "Paper.pdf"))
	require.Equal(t, syscall.Errno(0), fx.fs.Rmdir(RootIno, "Books"))

	assert.Equal(t, []string{".trash", "Empty", "Notes.pdf", "Report.pdf"}, fx.names(RootIno))
	assert.Equal(t, []string{"Books", "Paper.pdf"}, fx.names(fx.lookup(RootIno, ".trash")))
}

func TestUnlink(t *testing.T) {
	fx := newFixture(t)

	assert.Equal(t, syscall.EISDIR, fx.fs.Unlink(RootIno, "Empty"))
	assert.Equal(t, syscall.ENOENT, fx.fs.Unlink(RootIno, "Nope.pdf"))
	// Only PDFs can be moved, and deleting is a move to the trash.
	assert.Equal(t, syscall.EACCES, fx.fs.Unlink(RootIno, "Notes.pdf"))

	require.Equal(t, syscall.Errno(0), fx.fs.Unlink(RootIno, "Report.pdf"))
	trash := fx.lookup(RootIno, ".trash")
	assert.Equal(t, []string{"Report.pdf"}, fx.names(trash))
	assert.Equal(t, syscall.EACCES, fx.fs.Unlink(trash, "Report.pdf"))
}

func TestRenameOntoExistingDocument(t *testing.T) {
	fx := newFixture(t)
	books := fx.lookup(RootIno, "Books")
	paperIno := fx.lookup(books, "Paper.pdf")

	require.Equal(t, syscall.Errno(0), fx.fs.Rename(books, "Paper.pdf", RootIno, "Report.pdf"))

	assert.Equal(t, paperIno, fx.lookup(RootIno, "Report.pdf"))
	uid, _ := fx.fs.Getxattr(paperIno, XattrUID)
	assert.Equal(t, "d1", uid)

	// The replaced document went to the trash.
	report, ok := fx.store.Lookup("d2")
	require.True(t, ok)
	assert.True(t, report.Deleted())
	_, errno := fx.fs.Lookup(books, "Paper.pdf")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestRenameFailureKeepsTarget(t *testing.T) {
	fx := newFixture(t)
	books := fx.lookup(RootIno, "Books")
	paperIno := fx.lookup(books, "Paper.pdf")

	// A folder cannot move below itself; the document it would replace stays.
	assert.Equal(t, syscall.EINVAL, fx.fs.Rename(RootIno, "Books", books, "Paper.pdf"))
	assert.Equal(t, paperIno, fx.lookup(books, "Paper.pdf"))
	paper, ok := fx.store.Lookup("d1")
	require.True(t, ok)
	assert.False(t, paper.Deleted())
	assert.Empty(t, fx.names(fx.lookup(RootIno, ".trash")))

	// Notebooks cannot move either.
	assert.Equal(t, syscall.EACCES, fx.fs.Rename(RootIno, "Notes.pdf", books, "Paper.pdf"))
	assert.Equal(t, paperIno, fx.lookup(books, "Paper.pdf"))
	assert.Empty(t, fx.names(fx.lookup(RootIno, ".trash")))

	// A notebook in the way cannot go to the trash, so the source stays put.
	assert.Equal(t, syscall.EACCES, fx.fs.Rename(RootIno, "Report.pdf", RootIno, "Notes.pdf"))
	fx.lookup(RootIno, "Report.pdf")
	fx.lookup(RootIno, "Notes.pdf")
	assert.Empty(t, fx.names(fx.lookup(RootIno, ".trash")))
}

func TestRename(t *testing.T) {
	fx := newFixture(t)
	books := fx.lookup(RootIno, "Books")

	require.Equal(t, syscall.Errno(0), fx.fs.Rename(RootIno, "Report.pdf", RootIno, "Summary.pdf"))
	assert.Equal(t, []string{".trash", "Books", "Empty", "Notes.pdf", "Summary.pdf"}, fx.names(RootIno))

	assert.Equal(t, syscall.EACCES, fx.fs.Rename(RootIno, "Empty", RootIno, "Books"),
		"renaming onto a folder")
	assert.Equal(t, syscall.EACCES, fx.fs.Rename(RootIno, "Summary.pdf", RootIno, "Summary.txt"))
	assert.Equal(t, syscall.EACCES, fx.fs.Rename(RootIno, "Notes.pdf", books, "Notes.pdf"),
		"notebooks cannot move")
	require.Equal(t, syscall.Errno(0), fx.fs.Rename(RootIno, "Notes.pdf", RootIno, "Diary.pdf"))

	require.Equal(t, syscall.Errno(0), fx.fs.Rename(RootIno, "Empty", books, "Inner"))
	assert.Equal(t, []string{"Inner", "Paper.pdf"}, fx.names(books))

	inner := fx.lookup(books, "Inner")
	assert.Equal(t, syscall.EINVAL, fx.fs.Rename(RootIno, "Books", inner, "Loop"))
	assert.Equal(t, syscall.ENOENT, fx.fs.Rename(RootIno, "Missing.pdf", RootIno, "x.pdf"))
}

func TestStatfs(t *testing.T) {
	fx := newFixture(t)
	st := fx.fs.Statfs()

	assert.Equal(t, uint32(512), st.Bsize)
	assert.Equal(t, uint64(0), st.Blocks)
	assert.Equal(t, uint64(1024), st.Bfree)
	assert.Equal(t, uint64(7), st.Files)
	assert.Equal(t, uint64(10000), st.Ffree)
}

func TestXattrs(t *testing.T) {
	fx := newFixture(t)
	ino := fx.lookup(RootIno, "Notes.pdf")

	get := func(name string) string {
		v, errno := fx.fs.Getxattr(ino, name)
		require.Equal(t, syscall.Errno(0), errno, name)
		return v
	}
	assert.Equal(t, "n1", get(XattrUID))
	assert.Equal(t, "notebook", get(XattrKind))
	assert.Equal(t, "2", get(XattrPages))
	assert.Equal(t, "unloaded", get(XattrLoaded))
	assert.Equal(t, "/Notes.pdf", get(XattrPath))

	_, errno := fx.fs.Getxattr(ino, "user.other")
	assert.Equal(t, syscall.ENODATA, errno)

	names, errno := fx.fs.Listxattr(fx.lookup(RootIno, "Books"))
	require.Equal(t, syscall.Errno(0), errno)
	assert.NotContains(t, strings.Join(names, ","), XattrPages)
	assert.NotContains(t, strings.Join(names, ","), XattrCache)
}

func TestCacheXattrOnRoot(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	v, errno := fx.fs.Getxattr(RootIno, XattrCache)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, "files=0 bytes=0 max=0", v)

	ino := fx.lookup(RootIno, "Report.pdf")
	require.Equal(t, syscall.Errno(0), fx.fs.Open(ctx, ino))
	v, _ = fx.fs.Getxattr(RootIno, XattrCache)
	assert.Equal(t, "files=1 bytes=9 max=0", v)

	_, errno = fx.fs.Getxattr(ino, XattrCache)
	assert.Equal(t, syscall.ENODATA, errno)

	names, errno := fx.fs.Listxattr(RootIno)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Contains(t, names, XattrCache)
	assert.NotContains(t, names, XattrPages)
}

func TestDestroy(t *testing.T) {
	t.Run("no changes", func(t *testing.T) {
		fx := newFixture(t)
		require.NoError(t, fx.fs.Destroy(context.Background()))
		assert.Equal(t, 0, fx.restarts.calls)
		assert.Equal(t, Unmounted, fx.fs.State())
	})

	t.Run("changes restart once", func(t *testing.T) {
		fx := newFixture(t)
		require.Equal(t, syscall.Errno(0), fx.fs.Rename(RootIno, "Report.pdf", RootIno, "Other.pdf"))

		require.NoError(t, fx.fs.Destroy(context.Background()))
		require.NoError(t, fx.fs.Destroy(context.Background()))
		assert.Equal(t, 1, fx.restarts.calls)

		raw, err := fx.tr.Read("d2.metadata")
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"Other"`)
	})

	t.Run("failed write skips restart", func(t *testing.T) {
		fx := newFixture(t)
		require.Equal(t, syscall.Errno(0), fx.fs.Unlink(RootIno, "Report.pdf"))
		fx.tr.broken = true

		assert.Error(t, fx.fs.Destroy(context.Background()))
		assert.Equal(t, 0, fx.restarts.calls)
		assert.Equal(t, Unmounted, fx.fs.State())
	})

	t.Run("restart disabled", func(t *testing.T) {
		fx := newFixture(t)
		fx.fs.opts.NoRestart = true
		require.Equal(t, syscall.Errno(0), fx.fs.Unlink(RootIno, "Report.pdf"))
		require.NoError(t, fx.fs.Destroy(context.Background()))
		assert.Equal(t, 0, fx.restarts.calls)
	})
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{fmt.Errorf("x: %w", tree.ErrNotFound), syscall.ENOENT},
		{fmt.Errorf("read: %w", client.ErrNotFound), syscall.ENOENT},
		{tree.ErrUnsupportedKind, syscall.EACCES},
		{tree.ErrUnsupportedOperation, syscall.EACCES},
		{tree.ErrNotFolder, syscall.ENOTDIR},
		{tree.ErrInvalidMove, syscall.EINVAL},
		{errors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		if got := toErrno(tt.err); got != tt.want {
			t.Errorf("toErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

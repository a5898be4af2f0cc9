// Package cache keeps rendered documents in memory while they are in use.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/funkey/resync/internal/metrics"
	"github.com/funkey/resync/pkg/models"
	"github.com/funkey/resync/pkg/render"
)

// State is the load state of a File.
type State int

const (
	// Unloaded files have not been rendered yet.
	Unloaded State = iota
	// Loaded files hold data matching the device.
	Loaded
	// Modified files hold writes not yet stored on the device.
	Modified
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loaded:
		return "loaded"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Persister stores the data of a document on the device.
type Persister interface {
	WriteDocumentData(e *models.Entry, data []byte) error
}

// Cache manages one File per document.
type Cache struct {
	r   render.Renderer
	p   Persister
	log *zap.Logger

	// maxSize bounds the bytes of Loaded files nobody holds open.
	maxSize int64

	mu    sync.Mutex
	files map[string]*File
	size  int64

	group singleflight.Group
}

// File is the in-memory buffer of one document.
type File struct {
	c     *Cache
	entry *models.Entry

	state      State
	data       []byte
	refs       int
	lastAccess time.Time
}

// New creates a cache rendering through r and persisting through p.
// A maxSize of zero keeps every loaded buffer.
func New(r render.Renderer, p Persister, maxSize int64, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		r:       r,
		p:       p,
		log:     log,
		maxSize: maxSize,
		files:   make(map[string]*File),
	}
}

// Get returns the File of e, creating it on first use.
func (c *Cache) Get(e *models.Entry) *File {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(e)
}

func (c *Cache) get(e *models.Entry) *File {
	f, ok := c.files[e.UID]
	if !ok {
		f = &File{c: c, entry: e, lastAccess: time.Now()}
		c.files[e.UID] = f
	}
	return f
}

// Peek returns the File of uid if one exists.
func (c *Cache) Peek(uid string) (*File, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.files[uid]
	return f, ok
}

// NewEmpty registers a File for a document created locally. It has no
// remote data, so it starts Loaded with an empty buffer.
func (c *Cache) NewEmpty(e *models.Entry) *File {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.get(e)
	if f.state == Unloaded {
		f.state = Loaded
		f.data = []byte{}
	}
	return f
}

// Open loads f and pins it in memory until the matching Release.
func (f *File) Open(ctx context.Context) error {
	f.c.mu.Lock()
	f.refs++
	f.c.mu.Unlock()
	if err := f.Load(ctx); err != nil {
		f.c.mu.Lock()
		f.refs--
		f.c.mu.Unlock()
		return err
	}
	return nil
}

// Release flushes f and drops the reference taken by Open.
func (f *File) Release(ctx context.Context) error {
	err := f.Flush(ctx)
	f.c.mu.Lock()
	if f.refs > 0 {
		f.refs--
	}
	f.c.evict()
	f.c.mu.Unlock()
	return err
}

// Load renders the document unless its data is already resident. Concurrent
// loads of the same document share one render.
func (f *File) Load(ctx context.Context) error {
	c := f.c
	c.mu.Lock()
	if f.state != Unloaded {
		f.lastAccess = time.Now()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	v, err, shared := c.group.Do(f.entry.UID, func() (any, error) {
		c.mu.Lock()
		done := f.state != Unloaded
		c.mu.Unlock()
		if done {
			return []byte(nil), nil
		}

		start := time.Now()
		data, err := c.r.Render(ctx, f.entry)
		metrics.RecordRender(len(data), time.Since(start), err == nil)
		if err != nil {
			return nil, err
		}
		c.log.Info("rendered document",
			zap.Stringer("entry", f.entry),
			zap.Int("bytes", len(data)),
			zap.Duration("took", time.Since(start)))
		return data, nil
	})
	if err != nil {
		c.log.Error("render failed", zap.Stringer("entry", f.entry), zap.Error(err))
		return fmt.Errorf("load %s: %w", f.entry.UID, err)
	}
	if shared {
		c.log.Debug("shared render", zap.String("uid", f.entry.UID))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.state == Unloaded {
		data := v.([]byte)
		if data == nil {
			data = []byte{}
		}
		f.data = data
		f.state = Loaded
		c.size += int64(len(data))
	}
	f.lastAccess = time.Now()
	c.evict()
	return nil
}

// State returns the load state of f.
func (f *File) State() State {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	return f.state
}

// Size returns the length of the resident data. Unloaded files have size 0.
func (f *File) Size() int64 {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	return int64(len(f.data))
}

// ReadAt copies up to size bytes starting at off. Reads past the end return
// an empty slice.
func (f *File) ReadAt(off int64, size int) []byte {
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	f.lastAccess = time.Now()

	n := int64(len(f.data))
	if off < 0 || off >= n || size <= 0 {
		return []byte{}
	}
	end := off + int64(size)
	if end > n {
		end = n
	}
	out := make([]byte, end-off)
	copy(out, f.data[off:end])
	return out
}

// WriteAt stores p at off. A gap between the end of the data and off is
// filled with spaces.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if f.state == Unloaded {
		return 0, fmt.Errorf("write %s: not loaded", f.entry.UID)
	}

	end := off + int64(len(p))
	if grow := end - int64(len(f.data)); grow > 0 {
		old := int64(len(f.data))
		f.data = append(f.data, make([]byte, grow)...)
		for i := old; i < off; i++ {
			f.data[i] = ' '
		}
		f.c.size += grow
	}
	copy(f.data[off:], p)
	f.state = Modified
	f.lastAccess = time.Now()
	return len(p), nil
}

// Truncate cuts or extends the data to size bytes. Extension fills with
// spaces like WriteAt.
func (f *File) Truncate(size int64) error {
	if size < 0 {
		return errors.New("negative size")
	}
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	if f.state == Unloaded {
		return fmt.Errorf("truncate %s: not loaded", f.entry.UID)
	}

	n := int64(len(f.data))
	if size == n {
		return nil
	}
	if size < n {
		f.data = f.data[:size:size]
	} else {
		pad := make([]byte, size-n)
		for i := range pad {
			pad[i] = ' '
		}
		f.data = append(f.data, pad...)
	}
	f.c.size += size - n
	f.state = Modified
	return nil
}

// Flush writes Modified data to the device. On failure the data stays
// Modified so a later flush can retry.
func (f *File) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c := f.c
	c.mu.Lock()
	if f.state != Modified {
		c.mu.Unlock()
		return nil
	}
	data := make([]byte, len(f.data))
	copy(data, f.data)
	c.mu.Unlock()

	err := c.p.WriteDocumentData(f.entry, data)
	metrics.RecordWriteback(len(data), err == nil)
	if err != nil {
		c.log.Error("write back failed", zap.Stringer("entry", f.entry), zap.Error(err))
		return fmt.Errorf("flush %s: %w", f.entry.UID, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A write racing with the upload keeps the file Modified.
	if string(f.data) == string(data) {
		f.state = Loaded
	}
	c.log.Info("wrote document", zap.Stringer("entry", f.entry), zap.Int("bytes", len(data)))
	return nil
}

// FlushAll flushes every Modified file and returns all failures.
func (c *Cache) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	var modified []*File
	for _, f := range c.files {
		if f.state == Modified {
			modified = append(modified, f)
		}
	}
	c.mu.Unlock()
	sort.Slice(modified, func(i, j int) bool { return modified[i].entry.UID < modified[j].entry.UID })

	var errs []error
	for _, f := range modified {
		if err := f.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TotalSize returns the bytes held by all resident files.
func (c *Cache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Stats returns cache statistics.
func (c *Cache) Stats() (size, maxSize int64, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.maxSize, len(c.files)
}

// evict drops the data of the least recently used Loaded files that are not
// open until the cache fits maxSize. Dropped files go back to Unloaded and
// are rendered again on next use. Must be called with c.mu held.
func (c *Cache) evict() {
	defer metrics.SetCacheBytes(c.size)
	if c.maxSize <= 0 || c.size <= c.maxSize {
		return
	}

	var candidates []*File
	for _, f := range c.files {
		if f.state == Loaded && f.refs == 0 && len(f.data) > 0 {
			candidates = append(candidates, f)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	for _, f := range candidates {
		if c.size <= c.maxSize {
			break
		}
		if !f.entry.Stored {
			// Created locally and never written: nothing to render it from.
			continue
		}
		c.size -= int64(len(f.data))
		f.data = nil
		f.state = Unloaded
		metrics.RecordEviction()
		c.log.Debug("evicted document", zap.String("uid", f.entry.UID))
	}
}

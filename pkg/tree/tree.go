// Package tree holds the in-memory document tree of the device and writes
// changes back through a client.Transport.
package tree

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/models"
)

var (
	ErrNotFound             = errors.New("entry not found")
	ErrNotFolder            = errors.New("not a folder")
	ErrUnsupportedKind      = errors.New("unsupported entry kind")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrInvalidMove          = errors.New("folder cannot be moved into itself")
)

// duplicateSuffix is appended to a name until it is unique in its folder.
const duplicateSuffix = "_"

// DocumentExt is appended to the name of every document in paths.
const DocumentExt = ".pdf"

// Flusher persists modified document buffers. The file cache implements it.
type Flusher interface {
	FlushAll(ctx context.Context) error
}

// Store owns every Entry. It is not safe for concurrent use; the filesystem
// layer serializes access.
type Store struct {
	t   client.Transport
	log *zap.Logger

	root  *models.Entry
	trash *models.Entry

	entries map[string]*models.Entry
	// children maps a folder uid to its entries by display name.
	children map[string]map[string]*models.Entry
	// orphans were found at scan time but are not connected to the root.
	orphans map[string]*models.Entry

	flusher Flusher
	changed bool

	now    func() time.Time
	newUID func() string
}

// New scans the device and returns the populated store.
func New(t client.Transport, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		t:      t,
		log:    log,
		now:    time.Now,
		newUID: uuid.NewString,
	}
	if err := s.Scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetFlusher registers the cache whose modified buffers Sync persists.
func (s *Store) SetFlusher(f Flusher) {
	s.flusher = f
}

// Root returns the root folder.
func (s *Store) Root() *models.Entry { return s.root }

// Trash returns the trash folder.
func (s *Store) Trash() *models.Entry { return s.trash }

// Changed reports whether any mutation happened since the scan.
func (s *Store) Changed() bool { return s.changed }

// Count returns the number of entries connected to the tree, including the
// root and trash folders.
func (s *Store) Count() int { return len(s.entries) }

// Lookup returns the entry with the given uid.
func (s *Store) Lookup(uid string) (*models.Entry, bool) {
	e, ok := s.entries[uid]
	return e, ok
}

// Parent returns the folder containing e. The root has no parent.
func (s *Store) Parent(e *models.Entry) (*models.Entry, bool) {
	if e.UID == models.RootID {
		return nil, false
	}
	return s.Lookup(s.parentUID(e))
}

// parentUID is where e is linked. Entries flagged deleted outside the trash
// are shown inside it.
func (s *Store) parentUID(e *models.Entry) string {
	if e.UID == models.TrashID {
		return models.RootID
	}
	if e.Metadata.Deleted {
		return models.TrashID
	}
	return e.Metadata.Parent
}

// Children returns the entries of a folder sorted by display name.
func (s *Store) Children(folder *models.Entry) []*models.Entry {
	kids := s.children[folder.UID]
	keys := make([]string, 0, len(kids))
	for k := range kids {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*models.Entry, len(keys))
	for i, k := range keys {
		out[i] = kids[k]
	}
	return out
}

// Child returns the entry shown as name in folder.
func (s *Store) Child(folder *models.Entry, name string) (*models.Entry, bool) {
	e, ok := s.children[folder.UID][name]
	return e, ok
}

// DisplayName is the name of e in paths: documents carry DocumentExt.
func DisplayName(e *models.Entry) string {
	return displayName(e.Kind, e.Name())
}

func displayName(kind models.Kind, name string) string {
	if kind == models.KindFolder {
		return name
	}
	return name + DocumentExt
}

// Path returns the slash separated path of e below the root.
func (s *Store) Path(e *models.Entry) string {
	var parts []string
	for cur := e; cur != nil && cur.UID != models.RootID; {
		parts = append(parts, DisplayName(cur))
		parent, ok := s.Parent(cur)
		if !ok {
			break
		}
		cur = parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// FindByPath resolves a slash separated path of display names.
func (s *Store) FindByPath(p string) (*models.Entry, error) {
	cur := s.root
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			continue
		}
		if !cur.IsFolder() {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFolder)
		}
		next, ok := s.Child(cur, seg)
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

// Walk visits e and everything below it depth-first, children in name
// order.
func (s *Store) Walk(e *models.Entry, fn func(*models.Entry)) {
	fn(e)
	if e.IsFolder() {
		for _, c := range s.Children(e) {
			s.Walk(c, fn)
		}
	}
}

func (s *Store) attach(parent, e *models.Entry) {
	kids, ok := s.children[parent.UID]
	if !ok {
		kids = make(map[string]*models.Entry)
		s.children[parent.UID] = kids
	}
	kids[DisplayName(e)] = e
}

func (s *Store) detach(e *models.Entry) {
	parent := s.parentUID(e)
	if kids := s.children[parent]; kids[DisplayName(e)] == e {
		delete(kids, DisplayName(e))
	}
}

// uniqueName appends duplicateSuffix to name until no other entry in
// folder has the same name or display name.
func (s *Store) uniqueName(folder *models.Entry, kind models.Kind, name string, self *models.Entry) string {
	kids := s.children[folder.UID]
	for {
		shown := displayName(kind, name)
		taken := false
		for key, other := range kids {
			if other != self && (other.Name() == name || key == shown) {
				taken = true
				break
			}
		}
		if !taken {
			return name
		}
		name += duplicateSuffix
	}
}

func (s *Store) allocUID() string {
	for {
		uid := s.newUID()
		if uid == models.RootID || uid == models.TrashID {
			continue
		}
		if _, ok := s.entries[uid]; ok {
			continue
		}
		if _, ok := s.orphans[uid]; ok {
			continue
		}
		return uid
	}
}

// Create adds a new, empty folder or PDF below parent. Folders are written
// to the device immediately; PDFs are written on Sync or when their content
// is first stored.
func (s *Store) Create(parent *models.Entry, name string, kind models.Kind) (*models.Entry, error) {
	if kind != models.KindFolder && kind != models.KindPdf {
		return nil, fmt.Errorf("create %s: %w", kind, ErrUnsupportedKind)
	}
	if !parent.IsFolder() {
		return nil, fmt.Errorf("create in %s: %w", parent, ErrNotFolder)
	}
	if parent.UID == models.TrashID {
		return nil, fmt.Errorf("create in trash: %w", ErrUnsupportedOperation)
	}

	uid := s.allocUID()
	name = s.uniqueName(parent, kind, name, nil)

	var e *models.Entry
	if kind == models.KindFolder {
		e = models.NewFolder(uid, name, parent.UID)
	} else {
		e = models.NewPdf(uid, name, parent.UID)
	}
	e.Touch(s.now())

	s.entries[uid] = e
	s.attach(parent, e)

	if kind == models.KindFolder {
		if err := s.write(e); err != nil {
			s.detach(e)
			delete(s.entries, uid)
			return nil, err
		}
	}

	s.changed = true
	s.log.Info("created entry", zap.Stringer("entry", e), zap.String("path", s.Path(e)))
	return e, nil
}

// Move re-parents e below folder, renaming it if its name is taken there.
// Only folders and PDFs can be moved.
func (s *Store) Move(e, folder *models.Entry) error {
	if err := s.CheckMove(e, folder); err != nil {
		return err
	}
	if s.parentUID(e) == folder.UID {
		return nil
	}

	s.log.Info("moving entry", zap.Stringer("entry", e), zap.String("to", s.Path(folder)))
	s.detach(e)
	e.Metadata.VisibleName = s.uniqueName(folder, e.Kind, e.Name(), e)
	e.Metadata.Parent = folder.UID
	if folder.UID != models.TrashID {
		e.Metadata.Deleted = false
	}
	e.Touch(s.now())
	s.attach(folder, e)
	s.changed = true
	return nil
}

// CheckMove reports the error Move(e, folder) would fail with, without
// changing anything.
func (s *Store) CheckMove(e, folder *models.Entry) error {
	if err := s.checkMutable(e); err != nil {
		return err
	}
	if e.IsDocument() && e.Kind != models.KindPdf {
		return fmt.Errorf("move %s: %w", e, ErrUnsupportedOperation)
	}
	if !folder.IsFolder() {
		return fmt.Errorf("move into %s: %w", folder, ErrNotFolder)
	}
	for cur := folder; cur != nil; {
		if cur == e {
			return fmt.Errorf("move %s into %s: %w", e, folder, ErrInvalidMove)
		}
		parent, ok := s.Parent(cur)
		if !ok {
			break
		}
		cur = parent
	}
	return nil
}

// Rename changes the display name of e, appending duplicateSuffix while the
// name is taken by a sibling.
func (s *Store) Rename(e *models.Entry, name string) error {
	if err := s.CheckRename(e); err != nil {
		return err
	}
	if name == e.Name() {
		return nil
	}
	parent, _ := s.Parent(e)

	s.detach(e)
	e.Metadata.VisibleName = s.uniqueName(parent, e.Kind, name, e)
	e.Touch(s.now())
	s.attach(parent, e)
	s.changed = true
	s.log.Info("renamed entry", zap.Stringer("entry", e))
	return nil
}

// CheckRename reports the error Rename(e, ...) would fail with.
func (s *Store) CheckRename(e *models.Entry) error {
	if err := s.checkMutable(e); err != nil {
		return err
	}
	if _, ok := s.Parent(e); !ok {
		return fmt.Errorf("rename %s: %w", e, ErrNotFound)
	}
	return nil
}

// Delete moves e to the trash.
func (s *Store) Delete(e *models.Entry) error {
	return s.Move(e, s.trash)
}

func (s *Store) checkMutable(e *models.Entry) error {
	if e.UID == models.RootID || e.UID == models.TrashID {
		return fmt.Errorf("modify %s: %w", e, ErrUnsupportedOperation)
	}
	if _, ok := s.entries[e.UID]; !ok {
		return fmt.Errorf("%s: %w", e.UID, ErrNotFound)
	}
	return nil
}

// MarkChanged records a change that did not go through the store, such as
// a write to a document buffer.
func (s *Store) MarkChanged() {
	s.changed = true
}

// Sync flushes modified document buffers and writes the metadata of every
// dirty entry. Entries whose write fails stay dirty for the next call.
func (s *Store) Sync(ctx context.Context) error {
	var errs []error
	if s.flusher != nil {
		if err := s.flusher.FlushAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	var dirty []*models.Entry
	for _, e := range s.entries {
		if e.Dirty {
			dirty = append(dirty, e)
		}
	}
	sort.Slice(dirty, func(i, j int) bool { return dirty[i].UID < dirty[j].UID })

	for _, e := range dirty {
		if err := s.write(e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(dirty) > 0 {
		s.log.Info("synced entries", zap.Int("count", len(dirty)), zap.Int("errors", len(errs)))
	}
	return errors.Join(errs...)
}

// write stores the metadata and content documents of e and clears its
// dirty flag on success.
func (s *Store) write(e *models.Entry) error {
	meta, content, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.UID, err)
	}
	if _, err := s.t.Write(e.UID+".metadata", meta, true); err != nil {
		return err
	}
	if _, err := s.t.Write(e.UID+".content", content, true); err != nil {
		return err
	}
	if e.Kind == models.KindPdf && !e.Stored {
		if err := s.ensureDocumentFiles(e); err != nil {
			return err
		}
	}
	if e.IsFolder() {
		e.Stored = true
	}
	e.Dirty = false
	return nil
}

func (s *Store) ensureDocumentFiles(e *models.Entry) error {
	if _, err := s.t.Write(e.UID+".pagedata", nil, false); err != nil {
		return err
	}
	if _, err := s.t.Mkdir(e.UID); err != nil {
		return err
	}
	return nil
}

// WriteDocumentData stores data as the base document of e together with
// the files the device expects next to it.
func (s *Store) WriteDocumentData(e *models.Entry, data []byte) error {
	if e.Kind != models.KindPdf {
		return fmt.Errorf("write data of %s: %w", e, ErrUnsupportedOperation)
	}
	if _, err := s.t.Write(e.UID+".pdf", data, true); err != nil {
		return err
	}
	if err := s.ensureDocumentFiles(e); err != nil {
		return err
	}
	e.Stored = true
	e.Metadata.Modified = true
	e.Touch(s.now())
	s.changed = true
	return s.write(e)
}

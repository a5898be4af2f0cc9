package tree

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/funkey/resync/pkg/client"
	"github.com/funkey/resync/pkg/models"
)

const metadataExt = ".metadata"

// Scan rebuilds the tree from the metadata records on the device. Records
// that cannot be read or classified are logged and skipped, as are entries
// not connected to the root through existing folders.
func (s *Store) Scan() error {
	names, err := s.t.List("/")
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	s.root = models.NewRoot()
	s.trash = models.NewTrash()
	s.entries = map[string]*models.Entry{
		s.root.UID:  s.root,
		s.trash.UID: s.trash,
	}
	s.children = make(map[string]map[string]*models.Entry)
	s.orphans = make(map[string]*models.Entry)
	s.changed = false

	found := make(map[string]*models.Entry)
	for _, name := range names {
		uid, ok := strings.CutSuffix(name, metadataExt)
		if !ok || uid == models.RootID || uid == models.TrashID {
			continue
		}
		e, err := s.load(uid)
		if err != nil {
			s.log.Warn("skipping entry", zap.String("uid", uid), zap.Error(err))
			continue
		}
		found[uid] = e
	}

	// Link breadth-first from the root so only reachable entries enter the
	// tree. Siblings are linked in (name, uid) order so duplicate names are
	// suffixed the same way on every scan.
	pending := make(map[string][]*models.Entry)
	for _, e := range found {
		p := s.parentUID(e)
		pending[p] = append(pending[p], e)
	}
	s.attach(s.root, s.trash)

	queue := []*models.Entry{s.root, s.trash}
	for len(queue) > 0 {
		folder := queue[0]
		queue = queue[1:]

		kids := pending[folder.UID]
		delete(pending, folder.UID)
		sort.Slice(kids, func(i, j int) bool {
			if kids[i].Name() != kids[j].Name() {
				return kids[i].Name() < kids[j].Name()
			}
			return kids[i].UID < kids[j].UID
		})
		for _, e := range kids {
			if name := s.uniqueName(folder, e.Kind, e.Name(), nil); name != e.Name() {
				s.log.Info("renaming duplicate", zap.Stringer("entry", e), zap.String("as", name))
				e.Metadata.VisibleName = name
			}
			s.entries[e.UID] = e
			s.attach(folder, e)
			if e.IsFolder() {
				queue = append(queue, e)
			}
		}
	}

	for parent, kids := range pending {
		for _, e := range kids {
			s.log.Warn("entry has no reachable parent folder",
				zap.Stringer("entry", e), zap.String("parent", parent))
			s.orphans[e.UID] = e
		}
	}

	s.log.Info("scanned document tree",
		zap.Int("entries", len(s.entries)-2), zap.Int("orphans", len(s.orphans)))
	return nil
}

func (s *Store) load(uid string) (*models.Entry, error) {
	raw, err := s.t.Read(uid + metadataExt)
	if err != nil {
		return nil, err
	}
	meta, err := models.DecodeMetadata(raw)
	if err != nil {
		return nil, err
	}

	var content models.Content
	raw, err = s.t.Read(uid + ".content")
	switch {
	case err == nil:
		if content, err = models.DecodeContent(raw); err != nil {
			return nil, err
		}
	case client.IsNotFound(err):
		// Folders have no content record on older firmware.
	default:
		return nil, err
	}

	return models.NewEntry(uid, meta, content)
}

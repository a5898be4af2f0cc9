// Package models contains the document tree types shared by all packages.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Reserved uids.
const (
	RootID  = ""
	TrashID = "trash"
)

// Metadata types as stored in <uid>.metadata.
const (
	FolderType   = "CollectionType"
	DocumentType = "DocumentType"
)

// Kind is the closed set of entry variants.
type Kind int

const (
	KindFolder Kind = iota
	KindNotebook
	KindPdf
	KindEBook
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindNotebook:
		return "notebook"
	case KindPdf:
		return "pdf"
	case KindEBook:
		return "ebook"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Metadata is the <uid>.metadata JSON document. Unknown keys are kept in
// Extra so a write-back never drops fields the device relies on.
type Metadata struct {
	VisibleName      string `json:"visibleName"`
	Parent           string `json:"parent"`
	Deleted          bool   `json:"deleted"`
	Type             string `json:"type"`
	LastModified     string `json:"lastModified,omitempty"`
	MetadataModified bool   `json:"metadatamodified"`
	Modified         bool   `json:"modified"`
	Pinned           bool   `json:"pinned"`
	Synced           bool   `json:"synced"`
	Version          int    `json:"version"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Content is the <uid>.content JSON document.
type Content struct {
	FileType       string   `json:"fileType"`
	Pages          []string `json:"pages,omitempty"`
	PageCount      int      `json:"pageCount"`
	LastOpenedPage int      `json:"lastOpenedPage"`
	Orientation    string   `json:"orientation,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// Entry is a node of the document tree. Pages is only meaningful for
// document kinds.
type Entry struct {
	UID      string
	Kind     Kind
	Metadata Metadata
	Content  Content

	// Dirty marks metadata or content not yet written to the device.
	Dirty bool
	// Stored is false for documents created locally whose payload has
	// never been written.
	Stored bool
}

// Name returns the display name.
func (e *Entry) Name() string { return e.Metadata.VisibleName }

// ParentUID returns the uid of the containing folder.
func (e *Entry) ParentUID() string { return e.Metadata.Parent }

// IsFolder reports whether the entry is a folder.
func (e *Entry) IsFolder() bool { return e.Kind == KindFolder }

// IsDocument reports whether the entry is a notebook, PDF or e-book.
func (e *Entry) IsDocument() bool { return e.Kind != KindFolder }

// Pages returns the per-page uids used to locate annotation files.
func (e *Entry) Pages() []string {
	if e.IsFolder() {
		return nil
	}
	return e.Content.Pages
}

// Deleted reports an explicit deletion flag or residence in the trash.
func (e *Entry) Deleted() bool {
	return e.Metadata.Deleted || e.Metadata.Parent == TrashID
}

// Touch records a local modification.
func (e *Entry) Touch(now time.Time) {
	e.Metadata.MetadataModified = true
	e.Metadata.LastModified = strconv.FormatInt(now.UnixMilli(), 10)
	e.Dirty = true
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s %q (%s)", e.Kind, e.Name(), e.UID)
}

// NewEntry classifies a decoded metadata/content pair.
func NewEntry(uid string, meta Metadata, content Content) (*Entry, error) {
	e := &Entry{UID: uid, Metadata: meta, Content: content, Stored: true}

	switch meta.Type {
	case FolderType:
		e.Kind = KindFolder
	case DocumentType:
		switch content.FileType {
		case "", "notebook":
			e.Kind = KindNotebook
		case "pdf":
			e.Kind = KindPdf
		case "epub":
			e.Kind = KindEBook
		default:
			return nil, fmt.Errorf("entry %s: unknown file type %q", uid, content.FileType)
		}
	default:
		return nil, fmt.Errorf("entry %s: unknown entry type %q", uid, meta.Type)
	}
	return e, nil
}

// NewRoot returns the implicit root folder.
func NewRoot() *Entry {
	return &Entry{
		UID:      RootID,
		Kind:     KindFolder,
		Metadata: Metadata{VisibleName: "/", Type: FolderType},
		Stored:   true,
	}
}

// NewTrash returns the trash folder, shown as ".trash" in the root.
func NewTrash() *Entry {
	return &Entry{
		UID:      TrashID,
		Kind:     KindFolder,
		Metadata: Metadata{VisibleName: ".trash", Parent: RootID, Type: FolderType},
		Stored:   true,
	}
}

// NewFolder builds default metadata for a folder created locally.
func NewFolder(uid, name, parent string) *Entry {
	return &Entry{
		UID:  uid,
		Kind: KindFolder,
		Metadata: Metadata{
			VisibleName: name,
			Parent:      parent,
			Type:        FolderType,
		},
		Dirty: true,
	}
}

// NewPdf builds default metadata and content for a PDF created locally.
func NewPdf(uid, name, parent string) *Entry {
	return &Entry{
		UID:  uid,
		Kind: KindPdf,
		Metadata: Metadata{
			VisibleName:      name,
			Parent:           parent,
			Type:             DocumentType,
			MetadataModified: true,
			Modified:         true,
		},
		Content: Content{
			FileType:    "pdf",
			Orientation: "portrait",
			Extra:       pdfContentDefaults(),
		},
		Dirty: true,
	}
}

func pdfContentDefaults() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"dummyDocument": json.RawMessage(`false`),
		"extraMetadata": json.RawMessage(`{}`),
		"fontName":      json.RawMessage(`""`),
		"legacyEpub":    json.RawMessage(`false`),
		"lineHeight":    json.RawMessage(`-1`),
		"margins":       json.RawMessage(`100`),
		"textAlignment": json.RawMessage(`"left"`),
		"textScale":     json.RawMessage(`1`),
		"transform": json.RawMessage(
			`{"m11":1,"m12":0,"m13":0,"m21":0,"m22":1,"m23":0,"m31":0,"m32":0,"m33":1}`),
	}
}

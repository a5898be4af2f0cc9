package client

import (
	"errors"
	"io/fs"
	"path"
	"strings"
)

// ErrNotFound is returned (wrapped) for a path that does not exist.
var ErrNotFound = fs.ErrNotExist

// Transport gives access to the device's document directory. All paths are
// relative to the document root; a leading slash is ignored.
type Transport interface {
	// List returns the names of all entries in a directory.
	List(p string) ([]string, error)
	// Read returns the content of a file.
	Read(p string) ([]byte, error)
	// Write stores data at p. An existing file is only replaced when
	// overwrite is set; the result reports whether anything was written.
	Write(p string, data []byte, overwrite bool) (bool, error)
	// Mkdir creates a directory and reports whether it was created.
	Mkdir(p string) (bool, error)
	// Exists reports whether p is a regular file.
	Exists(p string) bool
	// Remove deletes a file or an empty directory.
	Remove(p string) error
}

// IsNotFound reports whether err means a missing remote path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// cleanRel turns a transport path into a clean path relative to the root.
func cleanRel(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

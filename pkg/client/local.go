package client

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// Local is a Transport over a directory on the local disk, for example a
// backup copy of the device's document root.
type Local struct {
	root string
}

// NewLocal returns a transport rooted at dir.
func NewLocal(dir string) (*Local, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("local root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("local root %s is not a directory", dir)
	}
	return &Local{root: dir}, nil
}

var _ Transport = (*Local)(nil)

func (l *Local) path(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(cleanRel(p)))
}

// List returns the sorted entry names of a directory.
func (l *Local) List(p string) ([]string, error) {
	entries, err := os.ReadDir(l.path(p))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the content of a file.
func (l *Local) Read(p string) ([]byte, error) {
	data, err := os.ReadFile(l.path(p))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// Write stores data atomically (temp file then rename).
func (l *Local) Write(p string, data []byte, overwrite bool) (bool, error) {
	target := l.path(p)
	if !overwrite && l.Exists(p) {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".resync-*")
	if err != nil {
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	return true, nil
}

// Mkdir creates a directory.
func (l *Local) Mkdir(p string) (bool, error) {
	err := os.Mkdir(l.path(p), 0o755)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mkdir %s: %w", p, err)
	}
	return true, nil
}

// Exists reports whether p is a regular file.
func (l *Local) Exists(p string) bool {
	info, err := os.Stat(l.path(p))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a file or an empty directory.
func (l *Local) Remove(p string) error {
	if err := os.Remove(l.path(p)); err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

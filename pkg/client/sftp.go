package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"

	"github.com/pkg/sftp"
)

// SFTP is a Transport over an SFTP session on the device.
type SFTP struct {
	sftp *sftp.Client
	root string
}

var _ Transport = (*SFTP)(nil)

// NewSFTP wraps an SFTP client; paths are resolved below root.
func NewSFTP(c *sftp.Client, root string) *SFTP {
	if root == "" {
		root = "/"
	}
	return &SFTP{sftp: c, root: root}
}

func (s *SFTP) path(p string) string {
	return path.Join(s.root, cleanRel(p))
}

// List returns the sorted entry names of a directory.
func (s *SFTP) List(p string) ([]string, error) {
	infos, err := s.sftp.ReadDir(s.path(p))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Read returns the content of a file.
func (s *SFTP) Read(p string) ([]byte, error) {
	f, err := s.sftp.Open(s.path(p))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return buf.Bytes(), nil
}

// Write stores data at p.
func (s *SFTP) Write(p string, data []byte, overwrite bool) (bool, error) {
	target := s.path(p)
	if !overwrite && s.Exists(p) {
		return false, nil
	}

	f, err := s.sftp.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		f.Close()
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("write %s: %w", p, err)
	}
	return true, nil
}

// Mkdir creates a directory. An existing directory is not an error.
func (s *SFTP) Mkdir(p string) (bool, error) {
	target := s.path(p)
	if info, err := s.sftp.Stat(target); err == nil && info.IsDir() {
		return false, nil
	}
	if err := s.sftp.Mkdir(target); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", p, err)
	}
	return true, nil
}

// Exists reports whether p is a regular file.
func (s *SFTP) Exists(p string) bool {
	info, err := s.sftp.Stat(s.path(p))
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes a file or an empty directory.
func (s *SFTP) Remove(p string) error {
	err := s.sftp.Remove(s.path(p))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	if err != nil {
		return fmt.Errorf("remove %s: %w", p, ErrNotFound)
	}
	return nil
}

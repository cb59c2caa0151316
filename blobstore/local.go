package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hupe1980/shardedup/internal/fs"
)

// LocalStore implements BlobStore on a local directory. Writes go
// through the atomic replace helper so a crashed Put never leaves a
// torn blob behind.
type LocalStore struct {
	root string
	fsys fs.FileSystem
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root, fsys: fs.Default}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Get reads the whole blob.
func (s *LocalStore) Get(_ context.Context, name string) ([]byte, error) {
	return os.ReadFile(s.path(name))
}

// Put writes the whole blob atomically.
func (s *LocalStore) Put(_ context.Context, name string, data []byte) error {
	path := s.path(name)
	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fs.WriteFileAtomic(s.fsys, path, data, 0o644)
}

// List returns all blob names under prefix, sorted, using slash
// separators regardless of platform.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return filepath.SkipAll
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes a blob. Missing blobs are ignored.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fsys.Remove(s.path(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Package flagstore owns the per-shard duplicate flag array: one byte per
// document, ' ' for Active and 'D' for Duplicate.
//
// The store is the only long-lived mutable artifact of the merge
// protocol. Flags move one way, Active to Duplicate, and every replace of
// the on-disk file is atomic with the previous version retained in a
// ".bak" rollback slot, so a crash can never leave a shard with a
// partially updated flag file.
package flagstore

import (
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/internal/fs"
	"github.com/hupe1980/shardedup/internal/mmap"
	"github.com/hupe1980/shardedup/manifest"
	"github.com/hupe1980/shardedup/model"
)

const (
	stagingSuffix  = ".tmp"
	rollbackSuffix = ".bak"
)

// Store is a mutable in-memory copy of a shard's flag file.
type Store struct {
	fsys  fs.FileSystem
	path  string
	flags []byte
}

// Load reads the flag file at path into memory. Detector-local duplicate
// marks ('d') are normalized to 'D'; any other byte besides ' ' and 'D'
// is a FormatError.
func Load(fsys fs.FileSystem, path string) (*Store, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer m.Close()

	flags := make([]byte, len(m.Data))
	copy(flags, m.Data)

	for i, b := range flags {
		switch model.Flag(b) {
		case model.FlagActive, model.FlagDuplicate:
		case model.FlagDuplicateLocal:
			flags[i] = byte(model.FlagDuplicate)
		default:
			return nil, shardedup.NewFormatError(path, "invalid flag byte 0x%02x at offset %d", b, i)
		}
	}

	return &Store{fsys: fsys, path: path, flags: flags}, nil
}

// LoadValidated loads the flag file and verifies its length against the
// shard manifest. A mismatch means the manifest and the flag store are no
// longer describing the same shard; nothing may proceed from that state.
func LoadValidated(fsys fs.FileSystem, path string, m *manifest.Manifest) (*Store, error) {
	s, err := Load(fsys, path)
	if err != nil {
		return nil, err
	}
	if s.Len() != m.TotalLines() {
		return nil, shardedup.NewFormatError(path,
			"flag store has %d items but manifest %s declares %d",
			s.Len(), m.Path(), m.TotalLines())
	}
	return s, nil
}

// New creates an all-Active store of length n, to be flushed to path.
// Used by fixtures and tests; production flag files come from the
// detector.
func New(fsys fs.FileSystem, path string, n uint64) *Store {
	flags := make([]byte, n)
	for i := range flags {
		flags[i] = byte(model.FlagActive)
	}
	return &Store{fsys: fsys, path: path, flags: flags}
}

// Len returns the number of documents in the shard.
func (s *Store) Len() uint64 {
	return uint64(len(s.flags))
}

// Path returns the on-disk location of the flag file.
func (s *Store) Path() string {
	return s.path
}

// Get returns the flag for document i.
func (s *Store) Get(i uint64) model.Flag {
	return model.Flag(s.flags[i])
}

// Mark transitions document i to Duplicate. It reports whether the flag
// actually changed: marking an already-Duplicate document is a no-op, the
// transition is one-way.
func (s *Store) Mark(i uint64) bool {
	if model.Flag(s.flags[i]) == model.FlagDuplicate {
		return false
	}
	s.flags[i] = byte(model.FlagDuplicate)
	return true
}

// CountActive returns the number of documents still flagged Active.
func (s *Store) CountActive() uint64 {
	var n uint64
	for _, b := range s.flags {
		if model.Flag(b) == model.FlagActive {
			n++
		}
	}
	return n
}

// Duplicates returns the set of Duplicate document indices as a bitmap.
func (s *Store) Duplicates() *roaring64.Bitmap {
	bm := roaring64.New()
	for i, b := range s.flags {
		if model.Flag(b) == model.FlagDuplicate {
			bm.Add(uint64(i))
		}
	}
	return bm
}

// Stage writes the current flags to the staging location next to the
// store's path. Nothing observable changes until Commit renames it into
// place; the merge engine stages every shard of a round before committing
// any of them.
func (s *Store) Stage() error {
	return fs.WriteFile(s.fsys, s.path+stagingSuffix, s.flags, 0644)
}

// Commit retains the previous flag file in the rollback slot and renames
// the staged file into place. The rename is atomic; the rollback copy
// means the last committed state stays recoverable even if the new one
// turns out to be bad.
func (s *Store) Commit() error {
	if _, err := s.fsys.Stat(s.path); err == nil {
		if err := fs.CopyFile(s.fsys, s.path, s.path+rollbackSuffix, 0644); err != nil {
			return err
		}
	}
	if err := s.fsys.Rename(s.path+stagingSuffix, s.path); err != nil {
		return err
	}
	return fs.SyncDir(s.fsys, filepath.Dir(s.path))
}

// Flush stages and commits in one step, for single-shard callers.
func (s *Store) Flush() error {
	if err := s.Stage(); err != nil {
		return err
	}
	return s.Commit()
}

// View is a read-only, mmap-backed view of a finalized flag file, used by
// the flag application pipeline after the finalization barrier.
type View struct {
	m    *mmap.File
	path string
}

// OpenView maps the flag file at path read-only.
func OpenView(path string) (*View, error) {
	m, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	return &View{m: m, path: path}, nil
}

// Len returns the number of documents covered by the view.
func (v *View) Len() uint64 {
	return uint64(len(v.m.Data))
}

// Path returns the on-disk location of the flag file.
func (v *View) Path() string {
	return v.path
}

// IsDuplicate reports whether document i is flagged Duplicate.
func (v *View) IsDuplicate(i uint64) bool {
	f := model.Flag(v.m.Data[i])
	return f == model.FlagDuplicate || f == model.FlagDuplicateLocal
}

// Duplicates returns the set of Duplicate document indices as a bitmap.
func (v *View) Duplicates() *roaring64.Bitmap {
	bm := roaring64.New()
	for i := range v.m.Data {
		if v.IsDuplicate(uint64(i)) {
			bm.Add(uint64(i))
		}
	}
	return bm
}

// Close unmaps the view.
func (v *View) Close() error {
	return v.m.Close()
}

// RollbackPath returns the rollback slot for a flag file path.
func RollbackPath(path string) string {
	return path + rollbackSuffix
}

// Exists reports whether a flag file is present at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Package ledger persists the set of committed merge rounds so that a
// restarted merge can skip work instead of inferring progress from
// leftover files in the data directory.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/hupe1980/shardedup/internal/fs"
)

const (
	ledgerFilePrefix = "LEDGER"
	currentFileName  = "CURRENT"
	currentVersion   = 1
)

// Ledger records which bucket rounds have committed. Commit is called
// exactly once per round, after every participating shard's flag store
// has been replaced; Committed gates round execution.
type Ledger interface {
	// Committed reports whether the round for bucket has been committed.
	Committed(ctx context.Context, bucket int) (bool, error)
	// Commit records the round for bucket as committed. Committing an
	// already committed bucket is a no-op.
	Commit(ctx context.Context, bucket int) error
	// Buckets returns all committed bucket numbers in ascending order.
	Buckets(ctx context.Context) ([]int, error)
}

type state struct {
	Version int    `json:"version"`
	ID      uint64 `json:"id"`
	Buckets []int  `json:"buckets"`
}

// FileLedger stores the committed set as a JSON snapshot plus a CURRENT
// pointer file, both replaced atomically, in a directory next to the
// merge output.
type FileLedger struct {
	fsys fs.FileSystem
	dir  string
	mu   sync.Mutex
}

// NewFileLedger creates a ledger in dir, creating the directory if
// needed.
func NewFileLedger(fsys fs.FileSystem, dir string) (*FileLedger, error) {
	if err := fsys.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &FileLedger{fsys: fsys, dir: dir}, nil
}

func (l *FileLedger) load() (*state, error) {
	readFile := func(path string) ([]byte, error) {
		f, err := l.fsys.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	content, err := readFile(filepath.Join(l.dir, currentFileName))
	if os.IsNotExist(err) {
		return &state{Version: currentVersion}, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := readFile(filepath.Join(l.dir, string(content)))
	if err != nil {
		return nil, err
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Version != currentVersion {
		return nil, fmt.Errorf("unsupported ledger version: %d (expected %d)", s.Version, currentVersion)
	}
	return &s, nil
}

func (l *FileLedger) save(s *state) error {
	s.Version = currentVersion
	s.ID++
	sort.Ints(s.Buckets)

	filename := fmt.Sprintf("%s-%06d.json", ledgerFilePrefix, s.ID)

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(l.fsys, filepath.Join(l.dir, filename), data, 0644); err != nil {
		return err
	}

	// Flip the CURRENT pointer only after the snapshot is durable.
	if err := fs.WriteFileAtomic(l.fsys, filepath.Join(l.dir, currentFileName), []byte(filename), 0644); err != nil {
		return err
	}

	// Previous snapshots are superseded; best-effort cleanup.
	if s.ID > 1 {
		prev := fmt.Sprintf("%s-%06d.json", ledgerFilePrefix, s.ID-1)
		_ = l.fsys.Remove(filepath.Join(l.dir, prev))
	}
	return nil
}

// Committed implements Ledger.
func (l *FileLedger) Committed(_ context.Context, bucket int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.load()
	if err != nil {
		return false, err
	}
	for _, b := range s.Buckets {
		if b == bucket {
			return true, nil
		}
	}
	return false, nil
}

// Commit implements Ledger.
func (l *FileLedger) Commit(_ context.Context, bucket int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.load()
	if err != nil {
		return err
	}
	for _, b := range s.Buckets {
		if b == bucket {
			return nil
		}
	}
	s.Buckets = append(s.Buckets, bucket)
	return l.save(s)
}

// Buckets implements Ledger.
func (l *FileLedger) Buckets(_ context.Context) ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, err := l.load()
	if err != nil {
		return nil, err
	}
	return s.Buckets, nil
}

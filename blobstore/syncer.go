package blobstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/bucketindex"
	"github.com/hupe1980/shardedup/internal/fs"
)

const (
	flagSuffix     = ".dup"
	manifestSuffix = ".src"
)

// Syncer moves the per-round working set between a BlobStore and a
// local working directory: manifests and flag files down before a
// round, bucket indexes per round, updated flag files back up after.
type Syncer struct {
	Store BlobStore
	// Dir is the local working directory.
	Dir string
	// Limiter caps the request rate against the store. Nil means
	// unlimited.
	Limiter *rate.Limiter
	// Parallel bounds concurrent transfers. Zero means 4.
	Parallel int
	// Logger defaults to a no-op logger.
	Logger *shardedup.Logger
}

func (s *Syncer) logger() *shardedup.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return shardedup.NoopLogger()
}

func (s *Syncer) parallel() int {
	if s.Parallel > 0 {
		return s.Parallel
	}
	return 4
}

func (s *Syncer) wait(ctx context.Context) error {
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Wait(ctx)
}

func (s *Syncer) fetch(ctx context.Context, name string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	data, err := s.Store.Get(ctx, name)
	if err != nil {
		return err
	}
	local := filepath.Join(s.Dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	s.logger().Debug("fetched blob", "name", name, "bytes", len(data))
	return fs.WriteFileAtomic(fs.Default, local, data, 0o644)
}

func (s *Syncer) push(ctx context.Context, name string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, filepath.FromSlash(name)))
	if err != nil {
		return err
	}
	s.logger().Debug("pushed blob", "name", name, "bytes", len(data))
	return s.Store.Put(ctx, name, data)
}

// FetchShards downloads the manifests and flag files of the given shard
// basenames.
func (s *Syncer) FetchShards(ctx context.Context, shards []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel())
	for _, shard := range shards {
		for _, suffix := range []string{manifestSuffix, flagSuffix} {
			name := shard + suffix
			g.Go(func() error { return s.fetch(ctx, name) })
		}
	}
	return g.Wait()
}

// FetchRound downloads the bucket index of every shard for one round.
// Missing indexes are tolerated when the round was already committed
// remotely; callers consult the ledger to tell the two cases apart, so
// absence is surfaced as a MissingResourceError listing every gap.
func (s *Syncer) FetchRound(ctx context.Context, shards []string, bucket int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel())

	missing := make([]string, len(shards))
	for i, shard := range shards {
		i := i
		name := bucketindex.Path(shard, bucket)
		g.Go(func() error {
			err := s.fetch(ctx, name)
			if errors.Is(err, ErrNotFound) {
				// The index may be stored lz4-compressed.
				err = s.fetch(ctx, name+bucketindex.CompressedExt)
			}
			if errors.Is(err, ErrNotFound) {
				missing[i] = name
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var gaps []string
	for _, name := range missing {
		if name != "" {
			gaps = append(gaps, name)
		}
	}
	if len(gaps) > 0 {
		return &shardedup.MissingResourceError{Missing: gaps}
	}
	return nil
}

// PushFlags uploads the flag files of the given shard basenames.
func (s *Syncer) PushFlags(ctx context.Context, shards []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel())
	for _, shard := range shards {
		name := shard + flagSuffix
		g.Go(func() error { return s.push(ctx, name) })
	}
	return g.Wait()
}

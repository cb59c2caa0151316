package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/bucketindex"
)

func TestSyncerFetchAndPush(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	dir := t.TempDir()

	shards := []string{"shard00", "shard01"}
	for _, shard := range shards {
		require.NoError(t, store.Put(ctx, shard+".src", []byte("2\tdoc\n")))
		require.NoError(t, store.Put(ctx, shard+".dup", []byte("  ")))
		require.NoError(t, store.Put(ctx, bucketindex.Path(shard, 0), []byte("idx")))
	}

	s := &Syncer{
		Store:   store,
		Dir:     dir,
		Limiter: rate.NewLimiter(rate.Inf, 1),
	}

	require.NoError(t, s.FetchShards(ctx, shards))
	require.NoError(t, s.FetchRound(ctx, shards, 0))

	for _, shard := range shards {
		for _, name := range []string{shard + ".src", shard + ".dup", bucketindex.Path(shard, 0)} {
			_, err := os.Stat(filepath.Join(dir, name))
			require.NoError(t, err, name)
		}
	}

	// Simulate a merge marking a duplicate, then push the flags back.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shard01.dup"), []byte(" D"), 0644))
	require.NoError(t, s.PushFlags(ctx, shards))

	data, err := store.Get(ctx, "shard01.dup")
	require.NoError(t, err)
	assert.Equal(t, []byte(" D"), data)
}

func TestSyncerFetchRoundCompressedIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	name := bucketindex.Path("shard00", 1)
	require.NoError(t, store.Put(ctx, name+bucketindex.CompressedExt, []byte("lz4")))

	dir := t.TempDir()
	s := &Syncer{Store: store, Dir: dir}
	require.NoError(t, s.FetchRound(ctx, []string{"shard00"}, 1))

	data, err := os.ReadFile(filepath.Join(dir, name+bucketindex.CompressedExt))
	require.NoError(t, err)
	assert.Equal(t, []byte("lz4"), data)
}

func TestSyncerFetchRoundReportsMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, bucketindex.Path("shard00", 3), []byte("idx")))

	s := &Syncer{Store: store, Dir: t.TempDir()}
	err := s.FetchRound(ctx, []string{"shard00", "shard01"}, 3)

	var me *shardedup.MissingResourceError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, []string{bucketindex.Path("shard01", 3)}, me.Missing)
}

func TestSyncerFetchShardsMissingFlagFails(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "shard00.src", []byte("1\tdoc\n")))

	s := &Syncer{Store: store, Dir: t.TempDir()}
	err := s.FetchShards(ctx, []string{"shard00"})
	require.ErrorIs(t, err, ErrNotFound)
}

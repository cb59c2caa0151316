package merge

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/bucketindex"
	"github.com/hupe1980/shardedup/internal/fs"
	"github.com/hupe1980/shardedup/ledger"
	"github.com/hupe1980/shardedup/model"
)

// testShard writes the .src and .dup fixtures for one shard and returns
// its basename.
func testShard(t *testing.T, dir string, group model.GroupID, docs int) string {
	t.Helper()
	base := filepath.Join(dir, fmt.Sprintf("shard-%d", group))

	src := fmt.Sprintf("#G %d\n%d\tdata/shard-%d.jsonl.gz\n", group, docs, group)
	require.NoError(t, os.WriteFile(base+".src", []byte(src), 0644))

	flags := make([]byte, docs)
	for i := range flags {
		flags[i] = ' '
	}
	require.NoError(t, os.WriteFile(base+".dup", flags, 0644))
	return base
}

type idxItem struct {
	digest []byte
	group  model.GroupID
	index  uint64
}

func writeIdx(t *testing.T, base string, bucket int, total uint64, items []idxItem) {
	t.Helper()
	w, err := bucketindex.NewWriter(fs.Default, bucketindex.Path(base, bucket), bucket, 4, false)
	require.NoError(t, err)
	for _, it := range items {
		id, err := model.PackGlobalID(it.group, it.index)
		require.NoError(t, err)
		require.NoError(t, w.Append(it.digest, id))
	}
	w.SetCounts(total, uint64(len(items)))
	require.NoError(t, w.Close())
}

func newTestEngine(t *testing.T, bases []string, cfg Config) *Engine {
	t.Helper()
	shards, err := OpenShards(fs.Default, bases)
	require.NoError(t, err)
	if cfg.Ledger == nil {
		l, err := ledger.NewFileLedger(fs.Default, t.TempDir())
		require.NoError(t, err)
		cfg.Ledger = l
	}
	e, err := NewEngine(shards, cfg)
	require.NoError(t, err)
	return e
}

func readFlags(t *testing.T, base string) string {
	t.Helper()
	data, err := os.ReadFile(base + ".dup")
	require.NoError(t, err)
	return string(data)
}

func TestCrossShardPairTieBreak(t *testing.T) {
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 3)
	b1 := testShard(t, dir, 1, 3)

	// One cross-shard candidate pair: doc 1 of shard 0 and doc 2 of
	// shard 1 share a digest.
	d := []byte{0xAA, 0, 0, 1}
	writeIdx(t, b0, 0, 3, []idxItem{{d, 0, 1}})
	writeIdx(t, b1, 0, 3, []idxItem{{d, 1, 2}})

	e := newTestEngine(t, []string{b0, b1}, Config{})
	st, err := e.RunRound(context.Background(), 0)
	require.NoError(t, err)

	// The endpoint in the later shard loses; the earlier one survives.
	assert.Equal(t, "   ", readFlags(t, b0))
	assert.Equal(t, "  D", readFlags(t, b1))
	assert.Equal(t, uint64(1), st.Detected)

	id, _ := model.PackGlobalID(1, 2)
	assert.True(t, st.NewlyMarked.Contains(uint64(id)))

	// Consumed index files are deleted once the round commits.
	_, err = os.Stat(bucketindex.Path(b0, 0))
	assert.True(t, os.IsNotExist(err))
}

func TestThreeWayConflict(t *testing.T) {
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 2)
	b1 := testShard(t, dir, 1, 2)
	b2 := testShard(t, dir, 2, 2)

	// One document per shard, all three sharing a digest: exactly one
	// survivor, resolved as a single group rather than pairwise.
	d := []byte{1, 2, 3, 4}
	writeIdx(t, b0, 0, 2, []idxItem{{d, 0, 1}})
	writeIdx(t, b1, 0, 2, []idxItem{{d, 1, 0}})
	writeIdx(t, b2, 0, 2, []idxItem{{d, 2, 1}})

	e := newTestEngine(t, []string{b0, b1, b2}, Config{})
	st, err := e.RunRound(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, "  ", readFlags(t, b0))
	assert.Equal(t, "D ", readFlags(t, b1))
	assert.Equal(t, " D", readFlags(t, b2))
	assert.Equal(t, uint64(2), st.Detected)
}

func TestAlreadyDuplicateIsSkipped(t *testing.T) {
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 2)
	b1 := testShard(t, dir, 1, 2)

	// Shard 0's endpoint was finalized Duplicate by an earlier round.
	require.NoError(t, os.WriteFile(b0+".dup", []byte(" D"), 0644))

	d := []byte{7, 7, 7, 7}
	writeIdx(t, b0, 0, 2, []idxItem{{d, 0, 1}})
	writeIdx(t, b1, 0, 2, []idxItem{{d, 1, 0}})

	e := newTestEngine(t, []string{b0, b1}, Config{})
	st, err := e.RunRound(context.Background(), 0)
	require.NoError(t, err)

	// The pair is skipped: the Duplicate endpoint is never re-evaluated
	// and the Active one is not marked against it.
	assert.Equal(t, " D", readFlags(t, b0))
	assert.Equal(t, "  ", readFlags(t, b1))
	assert.Equal(t, uint64(0), st.Detected)
}

func TestReversedOrdering(t *testing.T) {
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 1)
	b1 := testShard(t, dir, 1, 1)

	d := []byte{9, 9, 9, 9}
	writeIdx(t, b0, 0, 1, []idxItem{{d, 0, 0}})
	writeIdx(t, b1, 0, 1, []idxItem{{d, 1, 0}})

	// The comparator is policy: prefer the later shard instead.
	e := newTestEngine(t, []string{b0, b1}, Config{
		Ordering: func(a, b model.GlobalID) bool { return a > b },
	})
	_, err := e.RunRound(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, "D", readFlags(t, b0))
	assert.Equal(t, " ", readFlags(t, b1))
}

func TestMissingIndexAbortsBeforeMutation(t *testing.T) {
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 2)
	b1 := testShard(t, dir, 1, 2)

	// Only shard 0 has an index for the round.
	writeIdx(t, b0, 0, 2, []idxItem{{[]byte{1, 1, 1, 1}, 0, 0}})

	e := newTestEngine(t, []string{b0, b1}, Config{})
	_, err := e.RunRound(context.Background(), 0)
	require.Error(t, err)

	// No flag store was touched.
	assert.Equal(t, "  ", readFlags(t, b0))
	assert.Equal(t, "  ", readFlags(t, b1))
}

func hashFile(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return sha256.Sum256(data)
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 4)
	b1 := testShard(t, dir, 1, 4)

	d1 := []byte{1, 0, 0, 0}
	d2 := []byte{2, 0, 0, 0}
	writeIdx(t, b0, 0, 4, []idxItem{{d1, 0, 0}, {d2, 0, 3}})
	writeIdx(t, b1, 0, 4, []idxItem{{d1, 1, 1}})
	writeIdx(t, b0, 1, 4, []idxItem{{d2, 0, 3}})
	writeIdx(t, b1, 1, 4, []idxItem{{d2, 1, 2}})

	ldir := t.TempDir()
	l, err := ledger.NewFileLedger(fs.Default, ldir)
	require.NoError(t, err)

	e := newTestEngine(t, []string{b0, b1}, Config{Ledger: l})
	_, err = e.Run(ctx, 0, 2)
	require.NoError(t, err)

	h0 := hashFile(t, b0+".dup")
	h1 := hashFile(t, b1+".dup")

	// Re-running the full bucket sequence over the finalized shards
	// changes nothing: every round is skipped via the ledger.
	l2, err := ledger.NewFileLedger(fs.Default, ldir)
	require.NoError(t, err)
	e2 := newTestEngine(t, []string{b0, b1}, Config{Ledger: l2})
	stats, err := e2.Run(ctx, 0, 2)
	require.NoError(t, err)
	for _, st := range stats {
		assert.True(t, st.Skipped)
	}

	assert.Equal(t, h0, hashFile(t, b0+".dup"))
	assert.Equal(t, h1, hashFile(t, b1+".dup"))
}

func TestMonotonicAcrossRounds(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 2)
	b1 := testShard(t, dir, 1, 2)

	// Round 0 marks shard 1 doc 0; round 1 pairs that same doc again
	// with a different digest. The flag must stay Duplicate and the
	// new pair must be skipped.
	d1 := []byte{1, 1, 1, 1}
	d2 := []byte{2, 2, 2, 2}
	writeIdx(t, b0, 0, 2, []idxItem{{d1, 0, 0}})
	writeIdx(t, b1, 0, 2, []idxItem{{d1, 1, 0}})
	writeIdx(t, b0, 1, 2, []idxItem{{d2, 0, 1}})
	writeIdx(t, b1, 1, 2, []idxItem{{d2, 1, 0}})

	e := newTestEngine(t, []string{b0, b1}, Config{})
	_, err := e.Run(ctx, 0, 2)
	require.NoError(t, err)

	assert.Equal(t, "  ", readFlags(t, b0))
	assert.Equal(t, "D ", readFlags(t, b1))
}

func TestMergedIndexOutput(t *testing.T) {
	dir := t.TempDir()
	b0 := testShard(t, dir, 0, 2)
	b1 := testShard(t, dir, 1, 2)

	d1 := []byte{1, 0, 0, 0}
	d2 := []byte{2, 0, 0, 0}
	writeIdx(t, b0, 0, 2, []idxItem{{d1, 0, 0}})
	writeIdx(t, b1, 0, 2, []idxItem{{d1, 1, 0}, {d2, 1, 1}})

	out := filepath.Join(dir, "merged")
	e := newTestEngine(t, []string{b0, b1}, Config{OutputBase: out})
	_, err := e.RunRound(context.Background(), 0)
	require.NoError(t, err)

	r, err := bucketindex.Open(bucketindex.Path(out, 0))
	require.NoError(t, err)
	defer r.Close()

	// One survivor per digest: shard 0 doc 0 for d1, shard 1 doc 1 for
	// the unpaired d2.
	items, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, items, 2)
	want0, _ := model.PackGlobalID(0, 0)
	want1, _ := model.PackGlobalID(1, 1)
	assert.Equal(t, want0, items[0].ID)
	assert.Equal(t, want1, items[1].ID)
	assert.Equal(t, uint64(4), r.Header().TotalItems)
	assert.Equal(t, uint64(2), r.Header().ActiveItems)
}

func TestDuplicateGroupOrderRejected(t *testing.T) {
	dir := t.TempDir()
	b0 := testShard(t, dir, 3, 1)

	// A distinct shard whose manifest header claims the same group.
	b1 := filepath.Join(dir, "shard-3-copy")
	require.NoError(t, os.WriteFile(b1+".src", []byte("#G 3\n1\tdata/shard-3-copy.jsonl.gz\n"), 0644))
	require.NoError(t, os.WriteFile(b1+".dup", []byte(" "), 0644))

	shards, err := OpenShards(fs.Default, []string{b0, b1})
	require.NoError(t, err)

	l, err := ledger.NewFileLedger(fs.Default, t.TempDir())
	require.NoError(t, err)
	_, err = NewEngine(shards, Config{Ledger: l})
	var fe *shardedup.FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestOpenShardLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	base := testShard(t, dir, 0, 4)
	// Flag store length 5, manifest total line count 4.
	require.NoError(t, os.WriteFile(base+".dup", []byte("     "), 0644))

	_, err := OpenShard(fs.Default, base, 0)
	require.Error(t, err)
}

package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardedup/internal/fs"
)

func TestFileLedger(t *testing.T) {
	ctx := context.Background()
	l, err := NewFileLedger(fs.Default, t.TempDir())
	require.NoError(t, err)

	ok, err := l.Committed(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Commit(ctx, 2))
	require.NoError(t, l.Commit(ctx, 0))

	ok, err = l.Committed(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Committed(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	buckets, err := l.Buckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, buckets)
}

func TestFileLedgerCommitIdempotent(t *testing.T) {
	ctx := context.Background()
	l, err := NewFileLedger(fs.Default, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Commit(ctx, 5))
	require.NoError(t, l.Commit(ctx, 5))

	buckets, err := l.Buckets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, buckets)
}

func TestFileLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l, err := NewFileLedger(fs.Default, dir)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, 3))

	// A fresh ledger over the same directory sees the committed round.
	l2, err := NewFileLedger(fs.Default, dir)
	require.NoError(t, err)
	ok, err := l2.Committed(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
}

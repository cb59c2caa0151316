package eval

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/shardedup"
)

func bitmap(vals ...uint64) *roaring64.Bitmap {
	return roaring64.BitmapOf(vals...)
}

func TestCompare(t *testing.T) {
	pred := bitmap(1, 2, 5)
	truth := bitmap(2, 5, 7)

	r := Compare(pred, truth, 10)
	assert.Equal(t, uint64(2), r.TruePositives)
	assert.Equal(t, uint64(1), r.FalsePositives)
	assert.Equal(t, uint64(1), r.FalseNegatives)
	assert.InDelta(t, 2.0/3.0, r.Precision(), 1e-12)
	assert.InDelta(t, 2.0/3.0, r.Recall(), 1e-12)
	assert.InDelta(t, 2.0/3.0, r.F1(), 1e-12)
}

func TestCompareEmpty(t *testing.T) {
	r := Compare(bitmap(), bitmap(), 10)
	assert.Equal(t, 1.0, r.Precision())
	assert.Equal(t, 1.0, r.Recall())
	assert.Equal(t, 1.0, r.F1())
}

func writeFlags(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestCompareFiles(t *testing.T) {
	dir := t.TempDir()
	pred := writeFlags(t, dir, "pred.dup", " DD  ")
	truth := writeFlags(t, dir, "truth.dup", "  D D")

	r, err := CompareFiles(pred, truth)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), r.Total)
	assert.Equal(t, uint64(1), r.TruePositives)
	assert.Equal(t, uint64(1), r.FalsePositives)
	assert.Equal(t, uint64(1), r.FalseNegatives)
}

func TestCompareFilesLengthMismatch(t *testing.T) {
	dir := t.TempDir()
	pred := writeFlags(t, dir, "pred.dup", " D")
	truth := writeFlags(t, dir, "truth.dup", " D ")

	var ce *shardedup.ConsistencyError
	_, err := CompareFiles(pred, truth)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(3), ce.Expected)
	assert.Equal(t, uint64(2), ce.Actual)
}

func TestCompareShards(t *testing.T) {
	dir := t.TempDir()
	pairs := map[string][2]string{
		"s0": {
			writeFlags(t, dir, "s0.pred", "D  "),
			writeFlags(t, dir, "s0.truth", "D  "),
		},
		"s1": {
			writeFlags(t, dir, "s1.pred", " D"),
			writeFlags(t, dir, "s1.truth", "  "),
		},
	}

	reports, agg, err := CompareShards(pairs)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, uint64(5), agg.Total)
	assert.Equal(t, uint64(1), agg.TruePositives)
	assert.Equal(t, uint64(1), agg.FalsePositives)
	assert.Equal(t, uint64(0), agg.FalseNegatives)
	assert.Equal(t, 1.0, agg.Recall())
}

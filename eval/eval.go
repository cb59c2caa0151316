// Package eval scores a set of predicted duplicate flags against a
// ground-truth flagging of the same shard. Both sides are reduced to
// bitmaps of duplicate indices, so flag files produced by different
// detector runs compare directly as long as they cover the same
// documents.
package eval

import (
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/flagstore"
)

// Report holds the confusion counts and derived scores of one
// comparison.
type Report struct {
	Total          uint64
	TruePositives  uint64
	FalsePositives uint64
	FalseNegatives uint64
}

// Precision returns TP/(TP+FP), or 1 when nothing was predicted.
func (r *Report) Precision() float64 {
	denom := r.TruePositives + r.FalsePositives
	if denom == 0 {
		return 1
	}
	return float64(r.TruePositives) / float64(denom)
}

// Recall returns TP/(TP+FN), or 1 when the truth holds no duplicates.
func (r *Report) Recall() float64 {
	denom := r.TruePositives + r.FalseNegatives
	if denom == 0 {
		return 1
	}
	return float64(r.TruePositives) / float64(denom)
}

// F1 returns the harmonic mean of precision and recall.
func (r *Report) F1() float64 {
	p, rc := r.Precision(), r.Recall()
	if p+rc == 0 {
		return 0
	}
	return 2 * p * rc / (p + rc)
}

func (r *Report) String() string {
	return fmt.Sprintf("total=%d tp=%d fp=%d fn=%d precision=%.4f recall=%.4f f1=%.4f",
		r.Total, r.TruePositives, r.FalsePositives, r.FalseNegatives,
		r.Precision(), r.Recall(), r.F1())
}

// Compare scores predicted duplicate indices against the truth. Both
// bitmaps index the same document range of size total.
func Compare(predicted, truth *roaring64.Bitmap, total uint64) *Report {
	tp := roaring64.And(predicted, truth)
	fp := roaring64.AndNot(predicted, truth)
	fn := roaring64.AndNot(truth, predicted)
	return &Report{
		Total:          total,
		TruePositives:  tp.GetCardinality(),
		FalsePositives: fp.GetCardinality(),
		FalseNegatives: fn.GetCardinality(),
	}
}

// CompareFiles scores one predicted flag file against a ground-truth
// flag file covering the same shard. Length disagreement is a
// ConsistencyError.
func CompareFiles(predictedPath, truthPath string) (*Report, error) {
	pred, err := flagstore.OpenView(predictedPath)
	if err != nil {
		return nil, err
	}
	defer pred.Close()

	truth, err := flagstore.OpenView(truthPath)
	if err != nil {
		return nil, err
	}
	defer truth.Close()

	if pred.Len() != truth.Len() {
		return nil, &shardedup.ConsistencyError{
			Source:   predictedPath,
			What:     "flags",
			Expected: truth.Len(),
			Actual:   pred.Len(),
		}
	}
	return Compare(pred.Duplicates(), truth.Duplicates(), pred.Len()), nil
}

// ShardReport pairs a shard identifier with its scores.
type ShardReport struct {
	Shard  string
	Report *Report
}

// CompareShards scores each shard independently and returns the
// per-shard reports, sorted by shard, plus a pooled aggregate over all
// documents.
func CompareShards(pairs map[string][2]string) ([]ShardReport, *Report, error) {
	shards := make([]string, 0, len(pairs))
	for shard := range pairs {
		shards = append(shards, shard)
	}
	sort.Strings(shards)

	reports := make([]ShardReport, 0, len(pairs))
	agg := &Report{}
	for _, shard := range shards {
		paths := pairs[shard]
		r, err := CompareFiles(paths[0], paths[1])
		if err != nil {
			return nil, nil, fmt.Errorf("shard %s: %w", shard, err)
		}
		reports = append(reports, ShardReport{Shard: shard, Report: r})
		agg.Total += r.Total
		agg.TruePositives += r.TruePositives
		agg.FalsePositives += r.FalsePositives
		agg.FalseNegatives += r.FalseNegatives
	}
	return reports, agg, nil
}

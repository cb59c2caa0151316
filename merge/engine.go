// Package merge implements the cross-shard merge protocol: one round per
// bucket, every round marking later copies of equal-digest candidates as
// Duplicate across all participating shards.
//
// A round is atomic across shards. All bucket indexes are loaded and all
// decisions computed before any flag store is touched; new flag files are
// staged for every shard first and only then renamed into place, the
// round is recorded in the ledger, and the consumed index files are
// deleted. Re-running a committed round is a no-op, and re-running an
// interrupted one reproduces byte-identical flag stores because the
// Active to Duplicate transition is one-way and the traversal order is
// fixed.
package merge

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/shardedup"
	"github.com/hupe1980/shardedup/bucketindex"
	"github.com/hupe1980/shardedup/flagstore"
	"github.com/hupe1980/shardedup/internal/fs"
	"github.com/hupe1980/shardedup/ledger"
	"github.com/hupe1980/shardedup/manifest"
	"github.com/hupe1980/shardedup/model"
)

// Shard is one participant of the merge: a basename resolving to
// "<base>.src" (manifest), "<base>.dup" (flag store) and
// "<base>.idx.NNNNN" (bucket indexes).
type Shard struct {
	Base     string
	Group    model.GroupID
	Manifest *manifest.Manifest
	Flags    *flagstore.Store
}

// OpenShard loads a shard's manifest and flag store, validating that the
// two agree on the document count. The group order comes from the
// manifest's "#G" header; fallback is used when the header is absent,
// normally the shard's position in the caller's list.
func OpenShard(fsys fs.FileSystem, base string, fallback model.GroupID) (*Shard, error) {
	m, err := manifest.Load(base + ".src")
	if err != nil {
		return nil, err
	}
	group := fallback
	if m.HasGroup {
		group = m.Group
	}
	flags, err := flagstore.LoadValidated(fsys, base+".dup", m)
	if err != nil {
		return nil, err
	}
	return &Shard{Base: base, Group: group, Manifest: m, Flags: flags}, nil
}

// OpenShards opens the given shard basenames in order. List position is
// the fallback group order, so the caller's list defines shard priority
// for manifests without a "#G" header.
func OpenShards(fsys fs.FileSystem, bases []string) ([]*Shard, error) {
	shards := make([]*Shard, 0, len(bases))
	for i, base := range bases {
		s, err := OpenShard(fsys, base, model.GroupID(i))
		if err != nil {
			return nil, err
		}
		shards = append(shards, s)
	}
	return shards, nil
}

// Config carries the engine's policy knobs.
type Config struct {
	// Ordering decides which member of a candidate group survives.
	// Defaults to model.DefaultOrdering (earlier shard, earlier document).
	Ordering model.Ordering
	// Ledger gates and records round completion. Required.
	Ledger ledger.Ledger
	// OutputBase, when set, receives a merged index per round at
	// "<OutputBase>.idx.NNNNN" holding the surviving items, usable as
	// input to a later merge against additional shards.
	OutputBase string
	// Compress writes merged indexes lz4-framed.
	Compress bool
	// KeepIndexes disables deletion of consumed per-shard index files.
	KeepIndexes bool
	// Parallel bounds concurrent index loads. Defaults to GOMAXPROCS.
	Parallel int
	// FS defaults to the local file system.
	FS fs.FileSystem
	// Logger defaults to a no-op logger.
	Logger *shardedup.Logger
}

// Engine runs merge rounds over a fixed set of shards.
type Engine struct {
	shards  []*Shard
	byGroup map[model.GroupID]*Shard
	cfg     Config
}

// NewEngine validates the shard set and builds an engine.
func NewEngine(shards []*Shard, cfg Config) (*Engine, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("merge: no shards")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("merge: ledger is required")
	}
	if cfg.Ordering == nil {
		cfg.Ordering = model.DefaultOrdering
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = runtime.GOMAXPROCS(0)
	}
	if cfg.FS == nil {
		cfg.FS = fs.Default
	}
	if cfg.Logger == nil {
		cfg.Logger = shardedup.NoopLogger()
	}

	byGroup := make(map[model.GroupID]*Shard, len(shards))
	for _, s := range shards {
		if prev, ok := byGroup[s.Group]; ok {
			return nil, shardedup.NewFormatError(s.Base,
				"group order %d already used by %s", s.Group, prev.Base)
		}
		byGroup[s.Group] = s
	}

	return &Engine{shards: shards, byGroup: byGroup, cfg: cfg}, nil
}

// RoundStats reports the outcome of one bucket round.
type RoundStats struct {
	Bucket       int
	Skipped      bool
	Items        int
	Detected     uint64
	ActiveBefore uint64
	ActiveAfter  uint64
	// NewlyMarked holds the global ids flagged Duplicate by this round.
	NewlyMarked *roaring64.Bitmap
}

// Run executes rounds for buckets [start, end) in ascending order. The
// fixed traversal order makes repeated merges of the same inputs
// idempotent.
func (e *Engine) Run(ctx context.Context, start, end int) ([]*RoundStats, error) {
	var stats []*RoundStats
	for bucket := start; bucket < end; bucket++ {
		st, err := e.RunRound(ctx, bucket)
		if err != nil {
			return stats, fmt.Errorf("bucket %d: %w", bucket, err)
		}
		stats = append(stats, st)
	}
	return stats, nil
}

// RunRound executes the round for one bucket, or skips it when the
// ledger already records it as committed.
func (e *Engine) RunRound(ctx context.Context, bucket int) (*RoundStats, error) {
	log := e.cfg.Logger.WithBucket(bucket)

	committed, err := e.cfg.Ledger.Committed(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if committed {
		log.Info("round already committed, skipping")
		if !e.cfg.KeepIndexes {
			// Leftovers from a crash between ledger commit and cleanup.
			for _, s := range e.shards {
				if err := bucketindex.Remove(e.cfg.FS, s.Base, bucket); err != nil {
					return nil, err
				}
			}
		}
		return &RoundStats{Bucket: bucket, Skipped: true}, nil
	}

	// Phase 1: materialize every shard's candidates. Any missing or
	// malformed index aborts the round here, before any flag changes.
	items, err := e.loadRound(ctx, bucket)
	if err != nil {
		return nil, err
	}
	log.Info("candidates loaded", "items", len(items))

	activeBefore := e.countActive()

	// Phase 2: single-threaded decision sweep over equal-digest groups,
	// in ascending digest order. Determinism does not depend on how the
	// indexes were loaded.
	st := &RoundStats{
		Bucket:       bucket,
		Items:        len(items),
		ActiveBefore: activeBefore,
		NewlyMarked:  roaring64.New(),
	}
	survivors := e.sweep(items, st)

	// Phase 3: commit. Stage all shards, then rename all, then record
	// the round, then drop the consumed indexes.
	for _, s := range e.shards {
		if err := s.Flags.Stage(); err != nil {
			return nil, fmt.Errorf("stage %s: %w", s.Base, err)
		}
	}
	for _, s := range e.shards {
		if err := s.Flags.Commit(); err != nil {
			return nil, fmt.Errorf("commit %s: %w", s.Base, err)
		}
	}

	if e.cfg.OutputBase != "" {
		if err := e.writeMergedIndex(bucket, items, survivors); err != nil {
			return nil, err
		}
	}

	if err := e.cfg.Ledger.Commit(ctx, bucket); err != nil {
		return nil, err
	}
	if !e.cfg.KeepIndexes {
		for _, s := range e.shards {
			if err := bucketindex.Remove(e.cfg.FS, s.Base, bucket); err != nil {
				return nil, err
			}
		}
	}

	st.ActiveAfter = activeBefore - st.Detected
	total := e.totalItems()
	log.Info("round committed",
		"num_active_before", st.ActiveBefore,
		"num_detected", st.Detected,
		"num_active_after", st.ActiveAfter,
		"active_ratio", ratio(st.ActiveAfter, total),
		"detection_ratio", ratio(st.Detected, total),
	)
	return st, nil
}

type roundItem struct {
	digest []byte
	id     model.GlobalID
}

// loadRound reads every shard's index for the bucket in parallel and
// returns the union of items sorted by (digest, id).
func (e *Engine) loadRound(ctx context.Context, bucket int) ([]roundItem, error) {
	lists := make([][]bucketindex.Item, len(e.shards))
	headers := make([]bucketindex.Header, len(e.shards))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallel)
	for i, s := range e.shards {
		i, s := i, s
		g.Go(func() error {
			r, err := bucketindex.Open(bucketindex.Path(s.Base, bucket))
			if err != nil {
				return fmt.Errorf("shard %s: %w", s.Base, err)
			}
			defer r.Close()

			items, err := r.ReadAll()
			if err != nil {
				return fmt.Errorf("shard %s: %w", s.Base, err)
			}
			// Digests alias the mapping being closed; copy them out.
			for j := range items {
				items[j].Digest = bytes.Clone(items[j].Digest)
			}
			lists[i] = items
			headers[i] = r.Header()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	digestSize := headers[0].DigestSize
	total := 0
	for i, hdr := range headers {
		if hdr.DigestSize != digestSize {
			return nil, shardedup.NewFormatError(
				bucketindex.Path(e.shards[i].Base, bucket),
				"digest size %d, other shards use %d", hdr.DigestSize, digestSize)
		}
		total += len(lists[i])
	}

	items := make([]roundItem, 0, total)
	for i, list := range lists {
		for _, it := range list {
			shard, ok := e.byGroup[it.ID.Group()]
			if !ok {
				return nil, shardedup.NewFormatError(
					bucketindex.Path(e.shards[i].Base, bucket),
					"item %s references unknown group %d", it.ID, it.ID.Group())
			}
			if it.ID.Index() >= shard.Flags.Len() {
				return nil, shardedup.NewFormatError(
					bucketindex.Path(e.shards[i].Base, bucket),
					"item %s beyond shard length %d", it.ID, shard.Flags.Len())
			}
			items = append(items, roundItem{digest: it.Digest, id: it.ID})
		}
	}

	sort.Slice(items, func(a, b int) bool {
		if c := bytes.Compare(items[a].digest, items[b].digest); c != 0 {
			return c < 0
		}
		return items[a].id < items[b].id
	})
	return items, nil
}

// sweep walks equal-digest groups and applies the tie-break: among the
// members still Active, the one that sorts first under the configured
// ordering stays Active, every other one is marked Duplicate. Members
// already Duplicate from earlier rounds take no part, in either role.
// Returns the surviving items, one per digest that still has an Active
// member.
func (e *Engine) sweep(items []roundItem, st *RoundStats) []roundItem {
	var survivors []roundItem

	for i := 0; i < len(items); {
		j := i + 1
		for j < len(items) && bytes.Equal(items[i].digest, items[j].digest) {
			j++
		}

		var active []roundItem
		for _, it := range items[i:j] {
			s := e.byGroup[it.id.Group()]
			if s.Flags.Get(it.id.Index()) == model.FlagActive {
				active = append(active, it)
			}
		}

		if len(active) > 0 {
			survivor := active[0]
			for _, it := range active[1:] {
				if e.cfg.Ordering(it.id, survivor.id) {
					survivor = it
				}
			}
			for _, it := range active {
				if it.id == survivor.id {
					continue
				}
				if e.byGroup[it.id.Group()].Flags.Mark(it.id.Index()) {
					st.Detected++
					st.NewlyMarked.Add(uint64(it.id))
				}
			}
			survivors = append(survivors, survivor)
		}

		i = j
	}
	return survivors
}

// writeMergedIndex emits the round's surviving items under the output
// basename, for future incremental merges against new shards.
func (e *Engine) writeMergedIndex(bucket int, items []roundItem, survivors []roundItem) error {
	if len(items) == 0 {
		return nil
	}
	path := bucketindex.Path(e.cfg.OutputBase, bucket)
	w, err := bucketindex.NewWriter(e.cfg.FS, path, bucket, uint32(len(items[0].digest)), e.cfg.Compress)
	if err != nil {
		return err
	}
	for _, it := range survivors {
		if err := w.Append(it.digest, it.id); err != nil {
			w.Abort()
			return err
		}
	}
	w.SetCounts(e.totalItems(), uint64(len(survivors)))
	return w.Close()
}

func (e *Engine) countActive() uint64 {
	var n uint64
	for _, s := range e.shards {
		n += s.Flags.CountActive()
	}
	return n
}

func (e *Engine) totalItems() uint64 {
	var n uint64
	for _, s := range e.shards {
		n += s.Flags.Len()
	}
	return n
}

func ratio(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

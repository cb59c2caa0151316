package model

import "fmt"

// GroupID identifies one shard (group) of the corpus. The external
// detector assigns it when a shard is processed, and the bucket index
// format reserves 16 bits for it.
type GroupID uint16

// MaxDocIndex is the largest local document index that fits into the
// 48 bits the bucket index format reserves for it.
const MaxDocIndex = uint64(1)<<48 - 1

// GlobalID addresses one document across the whole corpus as
// group<<48 | index. Because the group occupies the high bits, the
// natural uint64 order of GlobalID is (group, index) order.
type GlobalID uint64

// PackGlobalID builds a GlobalID, rejecting indices beyond 48 bits.
func PackGlobalID(g GroupID, index uint64) (GlobalID, error) {
	if index > MaxDocIndex {
		return 0, fmt.Errorf("document index out of range: %d", index)
	}
	return GlobalID(uint64(g)<<48 | index), nil
}

// Group returns the shard the document belongs to.
func (id GlobalID) Group() GroupID {
	return GroupID(id >> 48)
}

// Index returns the document's local index within its shard.
func (id GlobalID) Index() uint64 {
	return uint64(id) & MaxDocIndex
}

func (id GlobalID) String() string {
	return fmt.Sprintf("%d/%d", id.Group(), id.Index())
}

// Flag is the per-document duplicate state, one byte per document in a
// shard's flag file. The byte values are the on-disk representation and
// must not change.
type Flag byte

const (
	// FlagActive marks a document that survives deduplication.
	FlagActive Flag = ' '
	// FlagDuplicate marks a document removed as a near-duplicate.
	FlagDuplicate Flag = 'D'
	// FlagDuplicateLocal is emitted transiently by the detector for
	// duplicates found within a single bucket pass of one shard. Stores
	// normalize it to FlagDuplicate on load; it never appears in merged
	// flag files.
	FlagDuplicateLocal Flag = 'd'
)

// Ordering reports whether document a outranks document b when the two
// are near-duplicate candidates: the document that sorts first survives
// and the other one is marked Duplicate.
//
// This is a policy choice, not a hard constraint of the merge protocol.
// The usual deployment lists shards from highest-priority (earliest,
// cleanest crawl) to lowest, so DefaultOrdering preserves earlier copies.
// A backward sweep is simply the same merge with a reversed shard list.
type Ordering func(a, b GlobalID) bool

// DefaultOrdering prefers the lower (group, index) pair, i.e. the copy
// from the earlier shard, and within a shard the earlier document.
func DefaultOrdering(a, b GlobalID) bool {
	return a < b
}

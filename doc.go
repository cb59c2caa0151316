// Package shardedup implements the duplicate-flag data model and the
// cross-shard merge protocol used to deduplicate a web-scale text corpus
// that was split into independently processed shards.
//
// An external MinHash/LSH detector produces, per shard, a manifest of
// (line count, source) records, a flag file with one byte per document,
// and one bucket index file per LSH band. This module merges those bucket
// indexes across shards round by round, marking later copies of a
// near-duplicate as Duplicate while preserving the earliest one, and then
// filters the original content streams down to the surviving documents.
//
// Layout:
//
//   - manifest:    shard manifest reader (line counts and source ids)
//   - flagstore:   per-shard flag arrays with atomic replace and rollback
//   - bucketindex: binary bucket index reader/writer
//   - merge:       the per-bucket merge engine and round protocol
//   - ledger:      committed-round ledgers (local file, DynamoDB)
//   - filter:      flag application pipeline over compressed JSONL sources
//   - lsh:         the candidate probability curve for detector tuning
//   - eval:        precision/recall of merge decisions against ground truth
//   - blobstore:   object storage access (local, S3, MinIO) and shard sync
package shardedup

// Package blobstore abstracts where shard artifacts live between merge
// rounds. Flag files, manifests and bucket indexes are small relative
// to the corpus and always move as whole objects, so the interface is
// whole-object Get/Put rather than ranged reads.
package blobstore

import (
	"context"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for moving shard artifacts (flag files,
// manifests, bucket indexes) in and out of shared storage.
type BlobStore interface {
	// Get reads the whole blob.
	Get(ctx context.Context, name string) ([]byte, error)
	// Put writes the whole blob, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// List returns all blob names under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
}

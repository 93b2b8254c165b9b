// Package meta defines the metadata records of the gateway and the store
// that persists them.
//
// The store is the single source of truth for blob reference counts, key
// bindings and buckets. Reference counts only ever change through the
// conditional updates IncrementRef and DecrementRef; callers re-read the row
// with Blob afterwards instead of trusting a cached copy.
package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
)

// ErrBucketNotEmpty is returned when deleting a bucket that still has keys.
var ErrBucketNotEmpty = fmt.Errorf("bucket not empty: %w", errdefs.ErrConflict)

// Blob is a content-addressed payload record.
type Blob struct {
	ID          int64
	Hash        string
	Size        int64
	ContentType string
	StoragePath string
	RefCount    int64
	// Deleting is set once the count reached zero and a releaser claimed
	// the row for removal. A deleting blob never gains references again.
	Deleting  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entry binds a (bucket, key) pair to a blob.
type Entry struct {
	Bucket    string
	Key       string
	BlobID    int64
	Metadata  map[string]string
	CreatedAt time.Time
}

// Listed is an entry joined with the blob fields a listing needs.
type Listed struct {
	Key          string
	Size         int64
	Hash         string
	ContentType  string
	LastModified time.Time
}

// Bucket is a logical bucket record.
type Bucket struct {
	Name      string
	CreatedAt time.Time
}

// Stats summarises the store.
type Stats struct {
	Buckets       int64 `json:"buckets"`
	Entries       int64 `json:"entries"`
	Blobs         int64 `json:"blobs"`
	References    int64 `json:"references"`
	PhysicalBytes int64 `json:"physical_bytes"` // sum of distinct blob sizes
	LogicalBytes  int64 `json:"logical_bytes"`  // sum of sizes as seen through keys
}

// SavedBytes is the space deduplication avoided storing.
func (s Stats) SavedBytes() int64 {
	return s.LogicalBytes - s.PhysicalBytes
}

// Discrepancy is a blob whose stored count differs from the number of keys
// bound to it.
type Discrepancy struct {
	BlobID   int64  `json:"blob_id"`
	Hash     string `json:"hash"`
	RefCount int64  `json:"ref_count"`
	Bindings int64  `json:"bindings"`
}

// Store persists blobs, entries and buckets.
//
// Lookups of missing rows return an error satisfying errdefs.IsNotFound.
// Inserting a duplicate blob hash or bucket name returns an error satisfying
// errdefs.IsAlreadyExists.
type Store interface {
	InsertBlob(ctx context.Context, b *Blob) error
	Blob(ctx context.Context, id int64) (Blob, error)
	BlobByHash(ctx context.Context, hash string) (Blob, error)
	// IncrementRef adds one reference unless the blob is gone or deleting.
	IncrementRef(ctx context.Context, id int64) (bool, error)
	// DecrementRef removes one reference unless the count is already zero.
	DecrementRef(ctx context.Context, id int64) (bool, error)
	// MarkDeleting claims a zero-count blob for deletion. Only one caller wins.
	MarkDeleting(ctx context.Context, id int64) (bool, error)
	DeleteBlob(ctx context.Context, id int64) error
	// PendingDeletes returns blobs claimed for deletion but not yet removed,
	// and unclaimed blobs whose count already reached zero.
	PendingDeletes(ctx context.Context) ([]Blob, error)

	Entry(ctx context.Context, bucket, key string) (Entry, error)
	// BindEntry inserts or replaces the entry atomically and reports the
	// blob it displaced, if any.
	BindEntry(ctx context.Context, e *Entry) (prevBlobID int64, replaced bool, err error)
	// DeleteEntry removes the entry and reports the blob it was bound to.
	DeleteEntry(ctx context.Context, bucket, key string) (blobID int64, existed bool, err error)
	// ListEntries returns the entries of bucket whose key starts with prefix,
	// ordered by key.
	ListEntries(ctx context.Context, bucket, prefix string) ([]Listed, error)
	CountEntries(ctx context.Context, bucket string) (int64, error)

	InsertBucket(ctx context.Context, name string) error
	BucketExists(ctx context.Context, name string) (bool, error)
	ListBuckets(ctx context.Context) ([]Bucket, error)
	DeleteBucket(ctx context.Context, name string) error

	Stats(ctx context.Context) (Stats, error)
	Audit(ctx context.Context) ([]Discrepancy, error)
	Close() error
}

package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/meta"
)

// BucketRegistry tracks which logical buckets exist.
type BucketRegistry struct {
	meta meta.Store
}

// NewBucketRegistry returns a BucketRegistry over store.
func NewBucketRegistry(store meta.Store) *BucketRegistry {
	return &BucketRegistry{meta: store}
}

// Exists reports whether the bucket exists.
func (r *BucketRegistry) Exists(ctx context.Context, name string) (bool, error) {
	return r.meta.BucketExists(ctx, name)
}

// EnsureExists creates the bucket unless it already exists. Concurrent
// callers all succeed and exactly one record is created.
func (r *BucketRegistry) EnsureExists(ctx context.Context, name string) error {
	_, err := r.Create(ctx, name)
	return err
}

// Create creates the bucket and reports whether this call created it.
func (r *BucketRegistry) Create(ctx context.Context, name string) (bool, error) {
	if err := ValidateBucketName(name); err != nil {
		return false, err
	}
	err := r.meta.InsertBucket(ctx, name)
	if errdefs.IsAlreadyExists(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Info().Str("bucket", name).Msg("bucket created")
	return true, nil
}

// List returns all buckets ordered by name.
func (r *BucketRegistry) List(ctx context.Context) ([]meta.Bucket, error) {
	return r.meta.ListBuckets(ctx)
}

// Delete removes an empty bucket. It fails with meta.ErrBucketNotEmpty while
// keys remain and with NotFound when the bucket does not exist.
func (r *BucketRegistry) Delete(ctx context.Context, name string) error {
	err := r.meta.DeleteBucket(ctx, name)
	if errdefs.IsNotFound(err) {
		return fmt.Errorf("%s: %w", name, ErrNoSuchBucket)
	}
	if err != nil {
		return err
	}
	log.Info().Str("bucket", name).Msg("bucket deleted")
	return nil
}

// ValidateBucketName rejects names that cannot appear as a single path segment.
func ValidateBucketName(name string) error {
	switch {
	case name == "":
		return invalidf("bucket name cannot be empty")
	case len(name) > 63:
		return invalidf("bucket name longer than 63 characters")
	case name == "." || name == "..":
		return invalidf("invalid bucket name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return invalidf("bucket name %q contains a path separator or null byte", name)
	}
	return nil
}

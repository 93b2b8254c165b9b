package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/blob"
	"github.com/dedupgw/dedupgw/internal/listing"
	"github.com/dedupgw/dedupgw/internal/meta"
)

// Options configures a Service.
type Options struct {
	// AutoCreateBuckets creates a bucket on the first write or listing that
	// names it.
	AutoCreateBuckets bool
	Metrics           *Metrics
}

// Service wires the content store, namespace and bucket registry together.
type Service struct {
	Content   *ContentStore
	Namespace *NamespaceIndex
	Buckets   *BucketRegistry

	meta       meta.Store
	autoCreate bool
	metrics    *Metrics
}

// NewService builds a Service and finishes any blob deletions a previous
// process left behind.
func NewService(ctx context.Context, store meta.Store, backend blob.Backend, opts Options) (*Service, error) {
	content := NewContentStore(store, backend, opts.Metrics)
	s := &Service{
		Content:    content,
		Namespace:  NewNamespaceIndex(store, content),
		Buckets:    NewBucketRegistry(store),
		meta:       store,
		autoCreate: opts.AutoCreateBuckets,
		metrics:    opts.Metrics,
	}
	if _, err := content.RecoverPendingDeletes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// PutObject ensures the bucket when auto-creation is on, then stores the object.
func (s *Service) PutObject(ctx context.Context, bucket, key string, payload []byte, contentType string, metadata map[string]string) (Object, error) {
	if err := s.PrepareBucket(ctx, bucket); err != nil {
		return Object{}, err
	}
	return s.Namespace.Put(ctx, bucket, key, payload, contentType, metadata)
}

// CopyObject ensures the destination bucket, then copies.
func (s *Service) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, metadata map[string]string, replaceMetadata bool) (Object, error) {
	if err := s.PrepareBucket(ctx, dstBucket); err != nil {
		return Object{}, err
	}
	return s.Namespace.Copy(ctx, srcBucket, srcKey, dstBucket, dstKey, metadata, replaceMetadata)
}

// ListObjects ensures the bucket, fetches the prefix range and pages it.
func (s *Service) ListObjects(ctx context.Context, bucket string, params listing.Params) (listing.Page, error) {
	if err := s.PrepareBucket(ctx, bucket); err != nil {
		return listing.Page{}, err
	}
	entries, err := s.Namespace.List(ctx, bucket, params.Prefix)
	if err != nil {
		return listing.Page{}, err
	}
	return listing.List(entries, params), nil
}

// PrepareBucket auto-creates the bucket, or fails with NotFound when
// auto-creation is off and the bucket is missing.
func (s *Service) PrepareBucket(ctx context.Context, bucket string) error {
	if s.autoCreate {
		return s.Buckets.EnsureExists(ctx, bucket)
	}
	ok, err := s.Buckets.Exists(ctx, bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", bucket, ErrNoSuchBucket)
	}
	return nil
}

// Stats returns the current metadata statistics.
func (s *Service) Stats(ctx context.Context) (meta.Stats, error) {
	return s.meta.Stats(ctx)
}

// Audit lists blobs whose reference count disagrees with their bindings.
func (s *Service) Audit(ctx context.Context) ([]meta.Discrepancy, error) {
	return s.meta.Audit(ctx)
}

// RunStatsLoop refreshes the storage gauges every interval until ctx is done.
func (s *Service) RunStatsLoop(ctx context.Context, interval time.Duration) {
	if s.metrics == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, err := s.meta.Stats(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("failed to collect storage stats")
		} else {
			s.metrics.UpdateStats(st)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

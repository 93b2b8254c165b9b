// Package dedup implements the content-addressed blob pool and the namespace
// that binds bucket keys to it.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/blob"
	"github.com/dedupgw/dedupgw/internal/meta"
)

const (
	// deleteWaitTimeout bounds how long Intern waits for a blob that is being
	// deleted to disappear before giving up.
	deleteWaitTimeout = 10 * time.Second
	retryInitial      = 2 * time.Millisecond
	retryMax          = 250 * time.Millisecond

	deleteStripes = 64
)

// deleteEpoch tracks in-flight backend deletes per hash stripe. A creator
// compares snapshots taken around its backend write to learn whether a
// concurrent delete of the same path may have removed what it wrote.
type deleteEpoch struct {
	started  atomic.Uint64
	finished atomic.Uint64
}

// ContentStore interns payloads as reference-counted blobs.
type ContentStore struct {
	meta    meta.Store
	backend blob.Backend
	metrics *Metrics

	deleteWait time.Duration
	epochs     [deleteStripes]deleteEpoch
	// reclaiming holds the ids of blobs whose reclaim is running in this
	// process. A deleting row missing from it was left by a failed reclaim.
	reclaiming sync.Map
}

// NewContentStore returns a ContentStore over the given stores. metrics may be nil.
func NewContentStore(store meta.Store, backend blob.Backend, metrics *Metrics) *ContentStore {
	return &ContentStore{meta: store, backend: backend, metrics: metrics, deleteWait: deleteWaitTimeout}
}

// Intern stores payload once and returns its blob with one more reference.
// The boolean reports whether this call wrote the payload to the backend.
//
// The content type is recorded only when the blob is created; later writers
// of identical bytes share the first writer's content type.
func (c *ContentStore) Intern(ctx context.Context, payload []byte, contentType string) (meta.Blob, bool, error) {
	hash := blob.ContentHash(payload)
	deadline := time.Now().Add(c.deleteWait)
	wait := retryInitial

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.recordRetry()
		}

		existing, err := c.meta.BlobByHash(ctx, hash)
		switch {
		case errdefs.IsNotFound(err):
			b, created, err := c.create(ctx, hash, payload, contentType)
			if err != nil {
				return meta.Blob{}, false, err
			}
			if created {
				c.metrics.recordIntern(true, b.Size)
				return b, true, nil
			}
			// Lost the insert race; take a reference on the winner's row.
			continue

		case err != nil:
			return meta.Blob{}, false, err

		case !existing.Deleting:
			ok, err := c.meta.IncrementRef(ctx, existing.ID)
			if err != nil {
				return meta.Blob{}, false, err
			}
			if ok {
				b, err := c.meta.Blob(ctx, existing.ID)
				if err != nil {
					return meta.Blob{}, false, err
				}
				c.metrics.recordIntern(false, b.Size)
				return b, false, nil
			}
			// Claimed for deletion between the lookup and the increment.

		default:
			// Finish a delete that nobody in this process is running.
			if c.reclaim(context.WithoutCancel(ctx), existing) {
				continue
			}
		}

		if time.Now().After(deadline) {
			return meta.Blob{}, false, fmt.Errorf("blob %s still being deleted: %w", hash, errdefs.ErrUnavailable)
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return meta.Blob{}, false, err
		}
		wait = min(wait*2, retryMax)
	}
}

// create writes the payload and records a new blob row with one reference.
// created is false when another writer inserted the same hash first.
func (c *ContentStore) create(ctx context.Context, hash string, payload []byte, contentType string) (meta.Blob, bool, error) {
	path := blob.StoragePath(hash)
	epoch := c.epoch(hash)
	startedBefore := epoch.started.Load()
	inFlight := startedBefore != epoch.finished.Load()

	if err := c.backend.Put(ctx, path, payload, contentType); err != nil {
		return meta.Blob{}, false, fmt.Errorf("store blob %s: %w", hash, err)
	}

	b := meta.Blob{
		Hash:        hash,
		Size:        int64(len(payload)),
		ContentType: contentType,
		StoragePath: path,
		RefCount:    1,
	}
	if err := c.meta.InsertBlob(ctx, &b); err != nil {
		if errdefs.IsAlreadyExists(err) {
			return meta.Blob{}, false, nil
		}
		return meta.Blob{}, false, err
	}

	// A delete of the previous generation of this path overlapped our write.
	if inFlight || epoch.started.Load() != startedBefore {
		log.Debug().Str("hash", hash).Msg("rewriting blob after overlapping delete")
		if err := c.backend.Put(ctx, path, payload, contentType); err != nil {
			if _, relErr := c.Release(ctx, b.ID); relErr != nil {
				log.Error().Err(relErr).Int64("blob_id", b.ID).Msg("failed to roll back blob reference")
			}
			return meta.Blob{}, false, fmt.Errorf("store blob %s: %w", hash, err)
		}
	}
	return b, true, nil
}

// Acquire adds a reference to an existing blob without re-reading its payload.
// It fails with NotFound when the blob is gone or being deleted.
func (c *ContentStore) Acquire(ctx context.Context, id int64) (meta.Blob, error) {
	ok, err := c.meta.IncrementRef(ctx, id)
	if err != nil {
		return meta.Blob{}, err
	}
	if !ok {
		return meta.Blob{}, notFoundf("blob %d", id)
	}
	b, err := c.meta.Blob(ctx, id)
	if err != nil {
		return meta.Blob{}, err
	}
	c.metrics.recordIntern(false, b.Size)
	return b, nil
}

// Release drops one reference and returns the remaining count. When the count
// reaches zero the blob is removed from the backend and the metadata store.
// Releasing a blob whose count is already zero leaves the count alone but
// still removes the blob.
func (c *ContentStore) Release(ctx context.Context, id int64) (int64, error) {
	decremented, err := c.meta.DecrementRef(ctx, id)
	if err != nil {
		return 0, err
	}

	b, err := c.meta.Blob(ctx, id)
	if errdefs.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if decremented {
		c.metrics.recordRelease()
	} else {
		log.Debug().Int64("blob_id", id).Msg("release of blob with no references ignored")
	}

	// A zero count left by an earlier failed reclaim is finished here too.
	if b.RefCount == 0 {
		// A cancelled request must not strand the blob in the deleting state.
		c.reclaim(context.WithoutCancel(ctx), b)
	}
	return b.RefCount, nil
}

// reclaim deletes a zero-count blob if this caller wins the claim on it. It
// reports whether the blob row is gone.
func (c *ContentStore) reclaim(ctx context.Context, b meta.Blob) bool {
	if _, busy := c.reclaiming.LoadOrStore(b.ID, struct{}{}); busy {
		return false
	}
	defer c.reclaiming.Delete(b.ID)

	if b.Deleting {
		// b may predate a reclaim that has since finished.
		current, err := c.meta.Blob(ctx, b.ID)
		if errdefs.IsNotFound(err) {
			return true
		}
		if err != nil {
			log.Error().Err(err).Int64("blob_id", b.ID).Msg("failed to re-read blob before deletion")
			return false
		}
		b = current
	} else {
		claimed, err := c.meta.MarkDeleting(ctx, b.ID)
		if err != nil {
			log.Error().Err(err).Int64("blob_id", b.ID).Msg("failed to claim blob for deletion")
			return false
		}
		if !claimed {
			// Re-referenced or claimed by someone else.
			return false
		}
	}

	epoch := c.epoch(b.Hash)
	epoch.started.Add(1)
	err := c.backend.Delete(ctx, b.StoragePath)
	epoch.finished.Add(1)

	backendFailed := err != nil && !errdefs.IsNotFound(err)
	if backendFailed {
		log.Warn().Err(err).Str("hash", b.Hash).Str("path", b.StoragePath).Msg("failed to delete blob payload, leaving orphan")
	}

	if err := c.meta.DeleteBlob(ctx, b.ID); err != nil {
		log.Error().Err(err).Int64("blob_id", b.ID).Msg("failed to delete blob row")
		return false
	}
	c.metrics.recordDeleted(backendFailed)
	log.Debug().Str("hash", b.Hash).Int64("size", b.Size).Msg("blob deleted")
	return true
}

// Resolve returns the blob with the given id.
func (c *ContentStore) Resolve(ctx context.Context, id int64) (meta.Blob, error) {
	return c.meta.Blob(ctx, id)
}

// Read returns the payload of b.
func (c *ContentStore) Read(ctx context.Context, b meta.Blob) ([]byte, error) {
	data, err := c.backend.Get(ctx, b.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", b.Hash, err)
	}
	return data, nil
}

// RecoverPendingDeletes finishes deletions interrupted by a crash. It must run
// before the store serves requests.
func (c *ContentStore) RecoverPendingDeletes(ctx context.Context) (int, error) {
	pending, err := c.meta.PendingDeletes(ctx)
	if err != nil {
		return 0, err
	}
	for _, b := range pending {
		c.reclaim(ctx, b)
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("recovered pending blob deletions")
	}
	return len(pending), nil
}

func (c *ContentStore) epoch(hash string) *deleteEpoch {
	var idx byte
	if len(hash) > 0 {
		idx = hash[len(hash)-1]
	}
	return &c.epochs[int(idx)%deleteStripes]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

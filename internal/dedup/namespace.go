package dedup

import (
	"context"
	"maps"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/blob"
	"github.com/dedupgw/dedupgw/internal/listing"
	"github.com/dedupgw/dedupgw/internal/meta"
)

// MaxKeyLength is the longest key accepted, in bytes.
const MaxKeyLength = 1024

// Object is the current state of a key.
type Object struct {
	Bucket       string
	Key          string
	Blob         meta.Blob
	Metadata     map[string]string
	LastModified time.Time

	// Deduplicated is set by Put when the payload matched a stored blob.
	Deduplicated bool
}

// ETag returns the quoted entity tag of the object's content.
func (o Object) ETag() string {
	return blob.ETag(o.Blob.Hash)
}

// NamespaceIndex binds (bucket, key) pairs to blobs.
type NamespaceIndex struct {
	meta    meta.Store
	content *ContentStore
}

// NewNamespaceIndex returns a NamespaceIndex over store and content.
func NewNamespaceIndex(store meta.Store, content *ContentStore) *NamespaceIndex {
	return &NamespaceIndex{meta: store, content: content}
}

// Put stores payload under (bucket, key), replacing any previous content.
//
// The new binding is written before the displaced blob is released, so a
// failure in between leaves an extra reference rather than an unbound key.
func (n *NamespaceIndex) Put(ctx context.Context, bucket, key string, payload []byte, contentType string, metadata map[string]string) (Object, error) {
	if err := validateKey(key); err != nil {
		return Object{}, err
	}
	b, isNew, err := n.content.Intern(ctx, payload, contentType)
	if err != nil {
		return Object{}, err
	}
	obj, err := n.bind(ctx, bucket, key, b, metadata)
	obj.Deduplicated = err == nil && !isNew
	return obj, err
}

// bind points (bucket, key) at b, which the caller holds a reference on.
// On failure the caller's reference is returned.
func (n *NamespaceIndex) bind(ctx context.Context, bucket, key string, b meta.Blob, metadata map[string]string) (Object, error) {
	entry := meta.Entry{
		Bucket:    bucket,
		Key:       key,
		BlobID:    b.ID,
		Metadata:  cloneMetadata(metadata),
		CreatedAt: time.Now().UTC(),
	}
	prev, replaced, err := n.meta.BindEntry(ctx, &entry)
	if err != nil {
		n.release(ctx, b.ID, "rollback")
		return Object{}, err
	}
	if replaced {
		n.release(ctx, prev, "overwrite")
	}

	return Object{
		Bucket:       bucket,
		Key:          key,
		Blob:         b,
		Metadata:     entry.Metadata,
		LastModified: entry.CreatedAt,
	}, nil
}

// Head returns the object bound to (bucket, key) without reading its payload.
func (n *NamespaceIndex) Head(ctx context.Context, bucket, key string) (Object, error) {
	e, err := n.meta.Entry(ctx, bucket, key)
	if err != nil {
		return Object{}, err
	}
	b, err := n.content.Resolve(ctx, e.BlobID)
	if errdefs.IsNotFound(err) {
		// Deleted between the two reads.
		return Object{}, notFoundf("key %s/%s", bucket, key)
	}
	if err != nil {
		return Object{}, err
	}
	return Object{
		Bucket:       bucket,
		Key:          key,
		Blob:         b,
		Metadata:     e.Metadata,
		LastModified: e.CreatedAt,
	}, nil
}

// Get returns the object bound to (bucket, key) together with its payload.
// A payload that vanishes under an overwrite is looked up once more.
func (n *NamespaceIndex) Get(ctx context.Context, bucket, key string) (Object, []byte, error) {
	for attempt := 0; ; attempt++ {
		obj, err := n.Head(ctx, bucket, key)
		if err != nil {
			return Object{}, nil, err
		}
		data, err := n.content.Read(ctx, obj.Blob)
		if errdefs.IsNotFound(err) {
			if attempt == 0 {
				continue
			}
			return Object{}, nil, notFoundf("key %s/%s", bucket, key)
		}
		if err != nil {
			return Object{}, nil, err
		}
		return obj, data, nil
	}
}

// Delete unbinds (bucket, key) and releases its blob. It reports whether the
// key existed.
func (n *NamespaceIndex) Delete(ctx context.Context, bucket, key string) (bool, error) {
	blobID, existed, err := n.meta.DeleteEntry(ctx, bucket, key)
	if err != nil || !existed {
		return false, err
	}
	n.release(ctx, blobID, "delete")
	return true, nil
}

// Copy binds (dstBucket, dstKey) to the content of (srcBucket, srcKey).
// The destination inherits the source metadata unless replaceMetadata is set,
// in which case newMetadata is used as is.
func (n *NamespaceIndex) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string, newMetadata map[string]string, replaceMetadata bool) (Object, error) {
	if err := validateKey(dstKey); err != nil {
		return Object{}, err
	}
	src, err := n.meta.Entry(ctx, srcBucket, srcKey)
	if err != nil {
		return Object{}, err
	}
	b, err := n.content.Acquire(ctx, src.BlobID)
	if errdefs.IsNotFound(err) {
		return Object{}, notFoundf("key %s/%s", srcBucket, srcKey)
	}
	if err != nil {
		return Object{}, err
	}

	metadata := src.Metadata
	if replaceMetadata {
		metadata = newMetadata
	}
	return n.bind(ctx, dstBucket, dstKey, b, metadata)
}

// List returns the entries of bucket whose key starts with prefix, in key order.
func (n *NamespaceIndex) List(ctx context.Context, bucket, prefix string) ([]listing.Entry, error) {
	rows, err := n.meta.ListEntries(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]listing.Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, listing.Entry{
			Key:          r.Key,
			Size:         r.Size,
			LastModified: r.LastModified,
			ETag:         blob.ETag(r.Hash),
			ContentType:  r.ContentType,
		})
	}
	return entries, nil
}

// release drops a reference the index no longer needs. Failures leave an
// over-counted blob, which is logged and otherwise tolerated.
func (n *NamespaceIndex) release(ctx context.Context, blobID int64, reason string) {
	if _, err := n.content.Release(context.WithoutCancel(ctx), blobID); err != nil {
		log.Error().Err(err).Int64("blob_id", blobID).Str("reason", reason).Msg("failed to release blob reference")
	}
}

func validateKey(key string) error {
	if key == "" {
		return invalidf("key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return invalidf("key longer than %d bytes", MaxKeyLength)
	}
	if strings.ContainsRune(key, 0) {
		return invalidf("null bytes not allowed in key")
	}
	return nil
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return maps.Clone(m)
}

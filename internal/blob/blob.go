// Package blob defines the byte store that holds deduplicated payloads.
//
// A Backend knows nothing about hashes or reference counts. It stores opaque
// payloads under opaque paths; the dedup layer decides which path a payload
// lives at and when it may be removed.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
)

// PathPrefix is prepended to every content hash to form its storage path.
const PathPrefix = "dedupe-data/"

// ErrInvalidPath is returned for paths a backend cannot address.
var ErrInvalidPath = fmt.Errorf("invalid blob path: %w", errdefs.ErrInvalidArgument)

// Backend stores and retrieves payloads by path.
//
// Get and Delete return an error satisfying errdefs.IsNotFound when the path
// does not exist. Transient I/O failures should wrap errdefs.ErrUnavailable.
type Backend interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// ContentHash returns the lowercase hex SHA-256 digest of data.
func ContentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// StoragePath returns the deterministic backend path for a content hash.
func StoragePath(hash string) string {
	return PathPrefix + hash
}

// HashFromPath extracts the content hash from a storage path.
func HashFromPath(path string) (string, error) {
	hash, ok := strings.CutPrefix(path, PathPrefix)
	if !ok || !ValidHash(hash) {
		return "", fmt.Errorf("storage path %q: %w", path, errdefs.ErrInvalidArgument)
	}
	return hash, nil
}

// ValidHash reports whether s looks like a hex SHA-256 digest.
func ValidHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// ETag returns the quoted entity tag clients see for a content hash.
// Only the first 16 hex characters are used.
func ETag(hash string) string {
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return `"` + hash + `"`
}

// NotFound wraps errdefs.ErrNotFound with the missing path.
func NotFound(path string) error {
	return fmt.Errorf("blob %s: %w", path, errdefs.ErrNotFound)
}

// Unavailable wraps a backend I/O failure so callers can classify it as transient.
func Unavailable(op, path string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, path, errdefs.ErrUnavailable, err)
}

// Usage describes the space a backend occupies.
type Usage struct {
	StoredBytes int64 `json:"stored_bytes"`

	// Volume figures are zero when the backend is not on a local volume.
	VolumeTotalBytes     int64 `json:"volume_total_bytes,omitempty"`
	VolumeUsedBytes      int64 `json:"volume_used_bytes,omitempty"`
	VolumeAvailableBytes int64 `json:"volume_available_bytes,omitempty"`
}

// UsageReporter is implemented by backends that can measure their footprint.
type UsageReporter interface {
	Usage(ctx context.Context) (Usage, error)
}

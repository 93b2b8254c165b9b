// Package pebblestore keeps blobs as values in an embedded Pebble database.
package pebblestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/dedupgw/dedupgw/internal/blob"
)

// Store maps storage paths to payloads in a single Pebble keyspace.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the database in dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores data under p with a synced write.
func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p == "" {
		return blob.ErrInvalidPath
	}
	if err := s.db.Set([]byte(p), data, pebble.Sync); err != nil {
		return blob.Unavailable("put", p, err)
	}
	return nil
}

// Get returns a copy of the value stored under p.
func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, closer, err := s.db.Get([]byte(p))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, blob.NotFound(p)
	}
	if err != nil {
		return nil, blob.Unavailable("get", p, err)
	}
	defer func() { _ = closer.Close() }()

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Delete removes p. Pebble deletes are blind, so existence is checked first
// to report NotFound like the other backends.
func (s *Store) Delete(ctx context.Context, p string) error {
	_, closer, err := s.db.Get([]byte(p))
	if errors.Is(err, pebble.ErrNotFound) {
		return blob.NotFound(p)
	}
	if err != nil {
		return blob.Unavailable("delete", p, err)
	}
	_ = closer.Close()

	if err := s.db.Delete([]byte(p), pebble.Sync); err != nil {
		return blob.Unavailable("delete", p, err)
	}
	return nil
}

// Usage reports the on-disk size of the database.
func (s *Store) Usage(ctx context.Context) (blob.Usage, error) {
	return blob.Usage{StoredBytes: int64(s.db.Metrics().DiskSpaceUsage())}, nil
}

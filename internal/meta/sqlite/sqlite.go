// Package sqlite implements meta.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/dedupgw/dedupgw/internal/meta"
)

//go:embed migrations
var migrationsFS embed.FS

// Store is a meta.Store backed by a single SQLite database.
//
// The pool is limited to one connection: SQLite serialises writers anyway and
// a single connection keeps in-memory databases and transactions coherent.
type Store struct {
	db *sql.DB
}

var _ meta.Store = (*Store)(nil)

// Open opens the database at dsn and applies the schema. Use ":memory:" for
// a throwaway database.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("sqlite: dsn must not be empty")
	}
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}
		dsn = "file:" + dsn + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// initSchema applies the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := migrationsFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", path, err)
		}
		log.Debug().Str("path", path).Msg("running migration")
		if _, err := db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("migration %s: %w", path, err)
		}
		return nil
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

func (s *Store) InsertBlob(ctx context.Context, b *meta.Blob) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs(content_hash, size, content_type, storage_path, reference_count, deleting, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, 0, ?, ?)`,
		b.Hash, b.Size, b.ContentType, b.StoragePath, b.RefCount, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("blob %s: %w", b.Hash, errdefs.ErrAlreadyExists)
		}
		return unavailable("insert blob", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return unavailable("insert blob", err)
	}
	b.ID = id
	b.Deleting = false
	b.CreatedAt, b.UpdatedAt = now, now
	return nil
}

const blobColumns = `id, content_hash, size, content_type, storage_path, reference_count, deleting, created_at, updated_at`

func scanBlob(row interface{ Scan(...any) error }) (meta.Blob, error) {
	var (
		b                meta.Blob
		deleting         int
		created, updated int64
	)
	err := row.Scan(&b.ID, &b.Hash, &b.Size, &b.ContentType, &b.StoragePath, &b.RefCount, &deleting, &created, &updated)
	if err != nil {
		return meta.Blob{}, err
	}
	b.Deleting = deleting != 0
	b.CreatedAt = time.Unix(0, created).UTC()
	b.UpdatedAt = time.Unix(0, updated).UTC()
	return b, nil
}

func (s *Store) Blob(ctx context.Context, id int64) (meta.Blob, error) {
	b, err := scanBlob(s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Blob{}, fmt.Errorf("blob %d: %w", id, errdefs.ErrNotFound)
	}
	if err != nil {
		return meta.Blob{}, unavailable("get blob", err)
	}
	return b, nil
}

func (s *Store) BlobByHash(ctx context.Context, hash string) (meta.Blob, error) {
	b, err := scanBlob(s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE content_hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Blob{}, fmt.Errorf("blob %s: %w", hash, errdefs.ErrNotFound)
	}
	if err != nil {
		return meta.Blob{}, unavailable("get blob", err)
	}
	return b, nil
}

func (s *Store) IncrementRef(ctx context.Context, id int64) (bool, error) {
	return s.execAffected(ctx, "increment reference",
		`UPDATE blobs SET reference_count = reference_count + 1, updated_at = ?
		 WHERE id = ? AND deleting = 0`,
		time.Now().UTC().UnixNano(), id)
}

func (s *Store) DecrementRef(ctx context.Context, id int64) (bool, error) {
	return s.execAffected(ctx, "decrement reference",
		`UPDATE blobs SET reference_count = reference_count - 1, updated_at = ?
		 WHERE id = ? AND reference_count > 0`,
		time.Now().UTC().UnixNano(), id)
}

func (s *Store) MarkDeleting(ctx context.Context, id int64) (bool, error) {
	return s.execAffected(ctx, "mark blob deleting",
		`UPDATE blobs SET deleting = 1, updated_at = ?
		 WHERE id = ? AND reference_count = 0 AND deleting = 0`,
		time.Now().UTC().UnixNano(), id)
}

func (s *Store) DeleteBlob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id); err != nil {
		return unavailable("delete blob", err)
	}
	return nil
}

func (s *Store) PendingDeletes(ctx context.Context) ([]meta.Blob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE deleting = 1 OR reference_count = 0 ORDER BY id`)
	if err != nil {
		return nil, unavailable("list pending deletes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []meta.Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, unavailable("scan blob", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, unavailable(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(op, err)
	}
	return n > 0, nil
}

func (s *Store) Entry(ctx context.Context, bucket, key string) (meta.Entry, error) {
	var (
		e       = meta.Entry{Bucket: bucket, Key: key}
		rawMeta string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT blob_id, metadata, created_at FROM entries WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&e.BlobID, &rawMeta, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return meta.Entry{}, fmt.Errorf("key %s/%s: %w", bucket, key, errdefs.ErrNotFound)
	}
	if err != nil {
		return meta.Entry{}, unavailable("get entry", err)
	}
	if e.Metadata, err = decodeMetadata(rawMeta); err != nil {
		return meta.Entry{}, err
	}
	e.CreatedAt = time.Unix(0, created).UTC()
	return e, nil
}

func (s *Store) BindEntry(ctx context.Context, e *meta.Entry) (int64, bool, error) {
	rawMeta, err := encodeMetadata(e.Metadata)
	if err != nil {
		return 0, false, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	var (
		prev     int64
		replaced bool
	)
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT blob_id FROM entries WHERE bucket = ? AND key = ?`, e.Bucket, e.Key,
		).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return unavailable("read entry", err)
		default:
			replaced = true
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries(bucket, key, blob_id, metadata, created_at) VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(bucket, key) DO UPDATE SET
			   blob_id = excluded.blob_id, metadata = excluded.metadata, created_at = excluded.created_at`,
			e.Bucket, e.Key, e.BlobID, rawMeta, e.CreatedAt.UnixNano(),
		)
		if err != nil {
			return unavailable("bind entry", err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return prev, replaced, nil
}

func (s *Store) DeleteEntry(ctx context.Context, bucket, key string) (int64, bool, error) {
	var blobID int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM entries WHERE bucket = ? AND key = ? RETURNING blob_id`, bucket, key,
	).Scan(&blobID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("delete entry", err)
	}
	return blobID, true, nil
}

func (s *Store) ListEntries(ctx context.Context, bucket, prefix string) ([]meta.Listed, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.key, e.created_at, b.size, b.content_hash, b.content_type
		 FROM entries e JOIN blobs b ON b.id = e.blob_id
		 WHERE e.bucket = ? AND e.key >= ?
		 ORDER BY e.key`,
		bucket, prefix,
	)
	if err != nil {
		return nil, unavailable("list entries", err)
	}
	defer func() { _ = rows.Close() }()

	var out []meta.Listed
	for rows.Next() {
		var (
			l       meta.Listed
			created int64
		)
		if err := rows.Scan(&l.Key, &created, &l.Size, &l.Hash, &l.ContentType); err != nil {
			return nil, unavailable("scan entry", err)
		}
		// Keys are ordered bytewise, so the first key past the prefix ends the range.
		if !strings.HasPrefix(l.Key, prefix) {
			break
		}
		l.LastModified = time.Unix(0, created).UTC()
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list entries", err)
	}
	return out, nil
}

func (s *Store) CountEntries(ctx context.Context, bucket string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE bucket = ?`, bucket).Scan(&n); err != nil {
		return 0, unavailable("count entries", err)
	}
	return n, nil
}

func (s *Store) InsertBucket(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets(name, created_at) VALUES(?, ?)`, name, time.Now().UTC().UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bucket %s: %w", name, errdefs.ErrAlreadyExists)
		}
		return unavailable("insert bucket", err)
	}
	return nil
}

func (s *Store) BucketExists(ctx context.Context, name string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, name).Scan(&count); err != nil {
		return false, unavailable("bucket exists", err)
	}
	return count > 0, nil
}

func (s *Store) ListBuckets(ctx context.Context) ([]meta.Bucket, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, created_at FROM buckets ORDER BY name`)
	if err != nil {
		return nil, unavailable("list buckets", err)
	}
	defer func() { _ = rows.Close() }()

	var out []meta.Bucket
	for rows.Next() {
		var (
			b       meta.Bucket
			created int64
		)
		if err := rows.Scan(&b.Name, &created); err != nil {
			return nil, unavailable("scan bucket", err)
		}
		b.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) DeleteBucket(ctx context.Context, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int64
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE bucket = ?`, name).Scan(&n); err != nil {
			return unavailable("count entries", err)
		}
		if n > 0 {
			return fmt.Errorf("bucket %s: %w", name, meta.ErrBucketNotEmpty)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
		if err != nil {
			return unavailable("delete bucket", err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("bucket %s: %w", name, errdefs.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) Stats(ctx context.Context) (meta.Stats, error) {
	var st meta.Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size), 0), COALESCE(SUM(reference_count), 0)
		 FROM blobs WHERE deleting = 0`,
	).Scan(&st.Blobs, &st.PhysicalBytes, &st.References)
	if err != nil {
		return st, unavailable("blob stats", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(b.size), 0) FROM entries e JOIN blobs b ON b.id = e.blob_id`,
	).Scan(&st.Entries, &st.LogicalBytes)
	if err != nil {
		return st, unavailable("entry stats", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets`).Scan(&st.Buckets); err != nil {
		return st, unavailable("bucket stats", err)
	}
	return st, nil
}

func (s *Store) Audit(ctx context.Context) ([]meta.Discrepancy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.content_hash, b.reference_count, COUNT(e.key)
		 FROM blobs b LEFT JOIN entries e ON e.blob_id = b.id
		 GROUP BY b.id
		 HAVING b.reference_count != COUNT(e.key)
		 ORDER BY b.id`)
	if err != nil {
		return nil, unavailable("audit", err)
	}
	defer func() { _ = rows.Close() }()

	var out []meta.Discrepancy
	for rows.Next() {
		var d meta.Discrepancy
		if err := rows.Scan(&d.BlobID, &d.Hash, &d.RefCount, &d.Bindings); err != nil {
			return nil, unavailable("scan audit", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	m := map[string]string{}
	if raw == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func unavailable(op string, err error) error {
	return fmt.Errorf("metadata %s: %w: %w", op, errdefs.ErrUnavailable, err)
}

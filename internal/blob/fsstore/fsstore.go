// Package fsstore keeps blobs as compressed, optionally encrypted files on a
// billy filesystem.
package fsstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/dedupgw/dedupgw/internal/blob"
)

// Store writes each payload to a single file.
// Storage format: plaintext -> zstd compress -> [XChaCha20-Poly1305 encrypt] -> file
//
// Encryption is convergent: the key and nonce are derived from the master key
// and the storage path, and the storage path is derived from the content hash.
// Identical content therefore produces identical files, which keeps concurrent
// writers of the same path harmless.
type Store struct {
	fs      billy.Filesystem
	root    string // host directory, empty for in-memory stores
	key     [32]byte
	encrypt bool

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// Options configures a Store.
type Options struct {
	// EncryptionKey enables encryption at rest when non-empty.
	// Any length is accepted; it is stretched to 32 bytes with SHA-256.
	EncryptionKey []byte
}

// Open returns a Store rooted at dir on the host filesystem.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	s := New(osfs.New(dir), opts)
	s.root = dir
	return s, nil
}

// NewMemory returns a Store backed by an in-memory filesystem.
func NewMemory(opts Options) *Store {
	return New(memfs.New(), opts)
}

// New wraps an arbitrary billy filesystem.
func New(fs billy.Filesystem, opts Options) *Store {
	s := &Store{fs: fs}
	if len(opts.EncryptionKey) > 0 {
		s.key = sha256.Sum256(opts.EncryptionKey)
		s.encrypt = true
	}

	s.encoderPool = sync.Pool{
		New: func() interface{} {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
			return enc
		},
	}
	s.decoderPool = sync.Pool{
		New: func() interface{} {
			dec, _ := zstd.NewReader(nil)
			return dec
		},
	}
	return s
}

// Put stores data at p. The content type is not persisted; the metadata
// store is the source of truth for it.
func (s *Store) Put(ctx context.Context, p string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	filePath, err := s.filePath(p)
	if err != nil {
		return err
	}

	payload, err := s.seal(p, s.compress(data))
	if err != nil {
		return err
	}

	dir := path.Dir(filePath)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return blob.Unavailable("mkdir", dir, err)
	}

	// Unique temp file + rename, so readers see either the old file, the
	// complete new file, or nothing.
	tmp, err := s.fs.TempFile(dir, ".blob-")
	if err != nil {
		return blob.Unavailable("create temp", p, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return blob.Unavailable("write", p, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return blob.Unavailable("close", p, err)
	}
	if err := s.fs.Rename(tmpPath, filePath); err != nil {
		_ = s.fs.Remove(tmpPath)
		return blob.Unavailable("rename", p, err)
	}
	return nil
}

// Get returns the plaintext stored at p. Content paths are verified against
// their hash before being returned.
func (s *Store) Get(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filePath, err := s.filePath(p)
	if err != nil {
		return nil, err
	}

	raw, err := util.ReadFile(s.fs, filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, blob.NotFound(p)
	}
	if err != nil {
		return nil, blob.Unavailable("read", p, err)
	}

	compressed, err := s.open(p, raw)
	if err != nil {
		return nil, err
	}
	data, err := s.decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", p, err)
	}

	if hash, err := blob.HashFromPath(p); err == nil {
		if actual := blob.ContentHash(data); actual != hash {
			return nil, fmt.Errorf("blob hash mismatch: expected %s, got %s (data corruption)", hash, actual)
		}
	}
	return data, nil
}

// Delete removes the file at p.
func (s *Store) Delete(ctx context.Context, p string) error {
	filePath, err := s.filePath(p)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return blob.NotFound(p)
		}
		return blob.Unavailable("delete", p, err)
	}
	return nil
}

// TotalSize returns the number of bytes the stored files occupy.
func (s *Store) TotalSize(ctx context.Context) (int64, error) {
	var total int64
	err := util.Walk(s.fs, "/", func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return ctx.Err()
	})
	return total, err
}

// Root returns the host directory of the store, or "" for in-memory stores.
func (s *Store) Root() string {
	return s.root
}

// filePath maps a storage path to a file, fanning out on the first two
// characters of the final element: dedupe-data/ab/abcdef...
func (s *Store) filePath(p string) (string, error) {
	clean := path.Clean("/" + p)
	if clean == "/" || p == "" {
		return "", fmt.Errorf("empty blob path: %w", blob.ErrInvalidPath)
	}
	dir, name := path.Split(clean)
	if len(name) < 2 {
		return clean, nil
	}
	return path.Join(dir, name[:2], name), nil
}

// deriveKey derives a per-blob key and nonce from the master key and path.
func (s *Store) deriveKey(p string) (key [32]byte, nonce [24]byte, err error) {
	r := hkdf.New(sha256.New, s.key[:], []byte(p), []byte("dedupgw-blob"))
	if _, err = io.ReadFull(r, key[:]); err != nil {
		return key, nonce, fmt.Errorf("derive blob key: %w", err)
	}
	if _, err = io.ReadFull(r, nonce[:]); err != nil {
		return key, nonce, fmt.Errorf("derive blob nonce: %w", err)
	}
	return key, nonce, nil
}

func (s *Store) seal(p string, plaintext []byte) ([]byte, error) {
	if !s.encrypt {
		return plaintext, nil
	}
	key, nonce, err := s.deriveKey(p)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead.Seal(nil, nonce[:], plaintext, []byte(p)), nil
}

func (s *Store) open(p string, ciphertext []byte) ([]byte, error) {
	if !s.encrypt {
		return ciphertext, nil
	}
	key, nonce, err := s.deriveKey(p)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, []byte(p))
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", p, err)
	}
	return plaintext, nil
}

func (s *Store) compress(data []byte) []byte {
	enc := s.encoderPool.Get().(*zstd.Encoder)
	defer s.encoderPool.Put(enc)
	return enc.EncodeAll(data, nil)
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	dec := s.decoderPool.Get().(*zstd.Decoder)
	defer s.decoderPool.Put(dec)
	return dec.DecodeAll(data, nil)
}

// Usage reports the stored bytes and, for host-backed stores, the volume
// statistics of the root directory.
func (s *Store) Usage(ctx context.Context) (blob.Usage, error) {
	stored, err := s.TotalSize(ctx)
	if err != nil {
		return blob.Usage{}, err
	}
	u := blob.Usage{StoredBytes: stored}
	if s.root != "" {
		total, used, avail, err := VolumeStats(s.root)
		if err != nil {
			return u, err
		}
		u.VolumeTotalBytes, u.VolumeUsedBytes, u.VolumeAvailableBytes = total, used, avail
	}
	return u, nil
}

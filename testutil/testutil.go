// Package testutil provides shared test helpers and fakes for dedupgw tests.
package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/dedupgw/dedupgw/internal/blob"
	"github.com/dedupgw/dedupgw/internal/meta/sqlite"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "dedupgw-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// NewMetaStore opens an in-memory SQLite metadata store closed at test end.
func NewMetaStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open metadata store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ErrInjected is returned by MemBackend operations set to fail.
var ErrInjected = errors.New("injected backend failure")

// MemBackend is an in-memory blob.Backend that counts calls.
type MemBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int
	deletes map[string]int

	FailPut    bool
	FailGet    bool
	FailDelete bool
}

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		objects: make(map[string][]byte),
		puts:    make(map[string]int),
		deletes: make(map[string]int),
	}
}

func (m *MemBackend) Put(ctx context.Context, path string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut {
		return blob.Unavailable("put", path, ErrInjected)
	}
	m.objects[path] = append([]byte(nil), data...)
	m.puts[path]++
	return nil
}

func (m *MemBackend) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGet {
		return nil, blob.Unavailable("get", path, ErrInjected)
	}
	data, ok := m.objects[path]
	if !ok {
		return nil, blob.NotFound(path)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemBackend) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDelete {
		return blob.Unavailable("delete", path, ErrInjected)
	}
	if _, ok := m.objects[path]; !ok {
		return blob.NotFound(path)
	}
	delete(m.objects, path)
	m.deletes[path]++
	return nil
}

// Puts returns how many times path was written.
func (m *MemBackend) Puts(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[path]
}

// TotalPuts returns the number of writes across all paths.
func (m *MemBackend) TotalPuts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.puts {
		total += n
	}
	return total
}

// Deletes returns how many times path was deleted.
func (m *MemBackend) Deletes(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes[path]
}

// Has reports whether path currently holds an object.
func (m *MemBackend) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok
}

// Paths returns the stored paths in sorted order.
func (m *MemBackend) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SetFailPut toggles put failures under the lock.
func (m *MemBackend) SetFailPut(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailPut = fail
}

// SetFailDelete toggles delete failures under the lock.
func (m *MemBackend) SetFailDelete(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FailDelete = fail
}

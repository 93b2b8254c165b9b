// Package multipart buffers the parts of in-flight multipart uploads in
// memory and assembles them into a single payload on completion.
//
// Sessions are not persisted; they live until completed or aborted.
package multipart

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoSuchUpload is returned for an unknown or already consumed upload id.
	ErrNoSuchUpload = fmt.Errorf("no such upload: %w", errdefs.ErrNotFound)
	// ErrInvalidPart is returned for a non-positive part number or a part
	// listed on completion that was never stored.
	ErrInvalidPart = fmt.Errorf("invalid part: %w", errdefs.ErrInvalidArgument)
)

// Upload is a point-in-time view of a session.
type Upload struct {
	ID          string
	Bucket      string
	Key         string
	ContentType string
	Metadata    map[string]string
	Initiated   time.Time
	Parts       []Part
}

// Part describes one stored part.
type Part struct {
	Number int
	Size   int64
	ETag   string
}

// Assembled is the result of a successful Complete.
type Assembled struct {
	Bucket      string
	Key         string
	ContentType string
	Metadata    map[string]string
	Data        []byte
	Parts       int
}

type session struct {
	bucket      string
	key         string
	contentType string
	metadata    map[string]string
	initiated   time.Time

	mu    sync.Mutex
	parts map[int][]byte
	etags map[int]string
	done  bool
}

// Manager tracks multipart upload sessions by id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	active   prometheus.Gauge
}

// NewManager returns an empty manager. active, when non-nil, tracks the
// number of open sessions.
func NewManager(active prometheus.Gauge) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		active:   active,
	}
}

// Initiate opens a session and returns its id.
func (m *Manager) Initiate(bucket, key, contentType string, metadata map[string]string) string {
	id := uuid.NewString()
	s := &session{
		bucket:      bucket,
		key:         key,
		contentType: contentType,
		metadata:    copyMetadata(metadata),
		initiated:   time.Now().UTC(),
		parts:       make(map[int][]byte),
		etags:       make(map[int]string),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.gaugeAdd(1)

	log.Debug().Str("upload_id", id).Str("bucket", bucket).Str("key", key).Msg("multipart upload initiated")
	return id
}

// StorePart stores or replaces a part and returns the hex MD5 of its bytes.
func (m *Manager) StorePart(uploadID string, partNumber int, payload []byte) (string, error) {
	if partNumber <= 0 {
		return "", fmt.Errorf("part number %d: %w", partNumber, ErrInvalidPart)
	}
	s := m.lookup(uploadID)
	if s == nil {
		return "", fmt.Errorf("%s: %w", uploadID, ErrNoSuchUpload)
	}

	sum := md5.Sum(payload)
	etag := hex.EncodeToString(sum[:])
	data := append([]byte(nil), payload...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return "", fmt.Errorf("%s: %w", uploadID, ErrNoSuchUpload)
	}
	s.parts[partNumber] = data
	s.etags[partNumber] = etag

	log.Debug().Str("upload_id", uploadID).Int("part", partNumber).Int("size", len(payload)).Msg("multipart part stored")
	return etag, nil
}

// Complete removes the session and concatenates its parts in order. An empty
// order means every stored part in ascending number. When a listed part is
// missing, or ctx ends during assembly, the session is put back so the
// caller may retry.
func (m *Manager) Complete(ctx context.Context, uploadID string, order []int) (Assembled, error) {
	m.mu.Lock()
	s, ok := m.sessions[uploadID]
	if ok {
		delete(m.sessions, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return Assembled{}, fmt.Errorf("%s: %w", uploadID, ErrNoSuchUpload)
	}

	s.mu.Lock()
	s.done = true
	data, err := s.assemble(ctx, order)
	if err != nil {
		s.done = false
		s.mu.Unlock()
		m.restore(uploadID, s)
		return Assembled{}, err
	}
	n := len(s.parts)
	s.mu.Unlock()
	m.gaugeAdd(-1)

	log.Debug().Str("upload_id", uploadID).Int("parts", n).Int("size", len(data)).Msg("multipart upload completed")
	return Assembled{
		Bucket:      s.bucket,
		Key:         s.key,
		ContentType: s.contentType,
		Metadata:    copyMetadata(s.metadata),
		Data:        data,
		Parts:       n,
	}, nil
}

// assemble must be called with s.mu held.
func (s *session) assemble(ctx context.Context, order []int) ([]byte, error) {
	if len(order) == 0 {
		order = make([]int, 0, len(s.parts))
		for n := range s.parts {
			order = append(order, n)
		}
		sort.Ints(order)
	}

	var size int
	for _, n := range order {
		part, ok := s.parts[n]
		if !ok {
			return nil, fmt.Errorf("missing part %d: %w", n, ErrInvalidPart)
		}
		size += len(part)
	}

	data := make([]byte, 0, size)
	for _, n := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data = append(data, s.parts[n]...)
	}
	return data, nil
}

// Abort discards a session and reports whether it existed.
func (m *Manager) Abort(uploadID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[uploadID]
	if ok {
		delete(m.sessions, uploadID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	s.done = true
	s.parts = nil
	s.mu.Unlock()
	m.gaugeAdd(-1)

	log.Debug().Str("upload_id", uploadID).Str("bucket", s.bucket).Str("key", s.key).Msg("multipart upload aborted")
	return true
}

// Get returns a snapshot of a session.
func (m *Manager) Get(uploadID string) (Upload, error) {
	s := m.lookup(uploadID)
	if s == nil {
		return Upload{}, fmt.Errorf("%s: %w", uploadID, ErrNoSuchUpload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return Upload{}, fmt.Errorf("%s: %w", uploadID, ErrNoSuchUpload)
	}
	up := Upload{
		ID:          uploadID,
		Bucket:      s.bucket,
		Key:         s.key,
		ContentType: s.contentType,
		Metadata:    copyMetadata(s.metadata),
		Initiated:   s.initiated,
		Parts:       make([]Part, 0, len(s.parts)),
	}
	for n, data := range s.parts {
		up.Parts = append(up.Parts, Part{Number: n, Size: int64(len(data)), ETag: s.etags[n]})
	}
	sort.Slice(up.Parts, func(i, j int) bool { return up.Parts[i].Number < up.Parts[j].Number })
	return up, nil
}

// Active returns the number of open sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) lookup(uploadID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[uploadID]
}

func (m *Manager) restore(uploadID string, s *session) {
	m.mu.Lock()
	m.sessions[uploadID] = s
	m.mu.Unlock()
}

func (m *Manager) gaugeAdd(delta float64) {
	if m.active != nil {
		m.active.Add(delta)
	}
}

func copyMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

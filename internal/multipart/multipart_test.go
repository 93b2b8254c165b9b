package multipart

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		order []int
		want  string
	}{
		{"ascending", []int{1, 2}, "abcd"},
		{"reversed", []int{2, 1}, "cdab"},
		{"default order", nil, "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(nil)
			id := m.Initiate("b", "k", "text/plain", map[string]string{"a": "1"})

			etag, err := m.StorePart(id, 1, []byte("ab"))
			require.NoError(t, err)
			assert.Equal(t, "187ef4436122d1cc2f40dc2b92f0eba0", etag)
			_, err = m.StorePart(id, 2, []byte("cd"))
			require.NoError(t, err)

			got, err := m.Complete(ctx, id, tt.order)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got.Data))
			assert.Equal(t, "b", got.Bucket)
			assert.Equal(t, "k", got.Key)
			assert.Equal(t, "text/plain", got.ContentType)
			assert.Equal(t, map[string]string{"a": "1"}, got.Metadata)
			assert.Equal(t, 2, got.Parts)
		})
	}
}

func TestCompleteTwice(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)
	_, err := m.StorePart(id, 1, []byte("x"))
	require.NoError(t, err)

	_, err = m.Complete(context.Background(), id, nil)
	require.NoError(t, err)

	_, err = m.Complete(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrNoSuchUpload)
	assert.True(t, errdefs.IsNotFound(err))

	_, err = m.StorePart(id, 2, []byte("y"))
	assert.ErrorIs(t, err, ErrNoSuchUpload)
}

func TestCompleteMissingPartRestoresSession(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)
	_, err := m.StorePart(id, 1, []byte("ab"))
	require.NoError(t, err)

	_, err = m.Complete(context.Background(), id, []int{1, 3})
	require.ErrorIs(t, err, ErrInvalidPart)
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "missing part 3")

	// The session is back and can be fixed up.
	_, err = m.StorePart(id, 3, []byte("ef"))
	require.NoError(t, err)
	got, err := m.Complete(context.Background(), id, []int{1, 3})
	require.NoError(t, err)
	assert.Equal(t, "abef", string(got.Data))
}

func TestCompleteCancelled(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)
	_, err := m.StorePart(id, 1, []byte("ab"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Complete(ctx, id, nil)
	require.ErrorIs(t, err, context.Canceled)

	_, err = m.Get(id)
	assert.NoError(t, err)
}

func TestStorePartValidation(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)

	for _, n := range []int{0, -1} {
		_, err := m.StorePart(id, n, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidPart, "part %d", n)
	}

	_, err := m.StorePart("unknown", 1, []byte("x"))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestStorePartOverwrites(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)
	_, err := m.StorePart(id, 1, []byte("old"))
	require.NoError(t, err)
	_, err = m.StorePart(id, 1, []byte("new"))
	require.NoError(t, err)

	got, err := m.Complete(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", string(got.Data))
}

func TestStorePartCopiesPayload(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)
	buf := []byte("ab")
	_, err := m.StorePart(id, 1, buf)
	require.NoError(t, err)
	buf[0] = 'z'

	got, err := m.Complete(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", string(got.Data))
}

func TestConcurrentParts(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)

	const parts = 50
	var wg sync.WaitGroup
	wg.Add(parts)
	for i := 1; i <= parts; i++ {
		go func(n int) {
			defer wg.Done()
			_, err := m.StorePart(id, n, []byte(fmt.Sprintf("%03d", n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	up, err := m.Get(id)
	require.NoError(t, err)
	require.Len(t, up.Parts, parts)
	assert.Equal(t, 1, up.Parts[0].Number)
	assert.Equal(t, parts, up.Parts[parts-1].Number)

	got, err := m.Complete(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Len(t, got.Data, parts*3)
	assert.Equal(t, "001002", string(got.Data[:6]))
}

func TestAbort(t *testing.T) {
	m := NewManager(nil)
	id := m.Initiate("b", "k", "", nil)

	assert.True(t, m.Abort(id))
	assert.False(t, m.Abort(id))
	_, err := m.Complete(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrNoSuchUpload)
}

func TestActiveGauge(t *testing.T) {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_uploads_active"})
	m := NewManager(gauge)

	a := m.Initiate("b", "a", "", nil)
	b := m.Initiate("b", "b", "", nil)
	assert.Equal(t, 2.0, promtest.ToFloat64(gauge))
	assert.Equal(t, 2, m.Active())

	m.Abort(a)
	_, err := m.Complete(context.Background(), b, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, promtest.ToFloat64(gauge))

	// A failed completion does not change the count.
	c := m.Initiate("b", "c", "", nil)
	_, err = m.Complete(context.Background(), c, []int{9})
	require.Error(t, err)
	assert.Equal(t, 1.0, promtest.ToFloat64(gauge))
}

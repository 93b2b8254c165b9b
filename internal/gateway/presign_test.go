package gateway

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPresigner(t *testing.T, now *time.Time) *Presigner {
	t.Helper()
	p, err := NewPresigner("test-secret", time.Hour, 24*time.Hour)
	require.NoError(t, err)
	p.now = func() time.Time { return *now }
	return p
}

func TestPresignRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPresigner(t, &now)

	token, expires, err := p.Sign("get", "b", "dir/k", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), expires)

	assert.NoError(t, p.Verify(token, http.MethodGet, "b", "dir/k"))
	assert.NoError(t, p.Verify(token, http.MethodHead, "b", "dir/k"))

	for _, tc := range []struct{ method, bucket, key string }{
		{http.MethodPut, "b", "dir/k"},
		{http.MethodGet, "other", "dir/k"},
		{http.MethodGet, "b", "dir/k2"},
	} {
		assert.ErrorIs(t, p.Verify(token, tc.method, tc.bucket, tc.key), ErrInvalidPresign, "%+v", tc)
	}

	now = now.Add(11 * time.Minute)
	assert.ErrorIs(t, p.Verify(token, http.MethodGet, "b", "dir/k"), ErrInvalidPresign)
}

func TestPresignExpiryClamp(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := newTestPresigner(t, &now)

	_, expires, err := p.Sign(http.MethodGet, "b", "k", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expires)

	_, expires, err = p.Sign(http.MethodGet, "b", "k", 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(24*time.Hour), expires)
}

func TestPresignRejects(t *testing.T) {
	now := time.Now()
	p := newTestPresigner(t, &now)

	_, _, err := p.Sign("PATCH", "b", "k", time.Minute)
	assert.Error(t, err)

	other, err := NewPresigner("another-secret", time.Hour, time.Hour)
	require.NoError(t, err)
	token, _, err := other.Sign(http.MethodGet, "b", "k", time.Minute)
	require.NoError(t, err)
	assert.ErrorIs(t, p.Verify(token, http.MethodGet, "b", "k"), ErrInvalidPresign)

	assert.ErrorIs(t, p.Verify("not.a.token", http.MethodGet, "b", "k"), ErrInvalidPresign)
}

func TestNewPresignerValidation(t *testing.T) {
	_, err := NewPresigner("", time.Hour, time.Hour)
	assert.Error(t, err)
	_, err = NewPresigner("s", 0, time.Hour)
	assert.Error(t, err)
	_, err = NewPresigner("s", 2*time.Hour, time.Hour)
	assert.Error(t, err)
}

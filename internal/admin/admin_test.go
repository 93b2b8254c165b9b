package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dedupgw/dedupgw/internal/meta"
	"github.com/dedupgw/dedupgw/internal/tracing"
)

type fakeStats struct {
	stats meta.Stats
	disc  []meta.Discrepancy
	err   error
}

func (f *fakeStats) Stats(context.Context) (meta.Stats, error) { return f.stats, f.err }

func (f *fakeStats) Audit(context.Context) ([]meta.Discrepancy, error) { return f.disc, f.err }

type fakeUploads int

func (f fakeUploads) Active() int { return int(f) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	w := get(t, NewServer(Options{}).Handler(), "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	s := NewServer(Options{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})
	w := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "admin_test_total 1")

	w = get(t, NewServer(Options{}).Handler(), "/metrics")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatsEndpoint(t *testing.T) {
	src := &fakeStats{stats: meta.Stats{Blobs: 2, Entries: 5, PhysicalBytes: 100, LogicalBytes: 250}}
	s := NewServer(Options{Stats: src, Uploads: fakeUploads(3)})

	w := get(t, s.Handler(), "/debug/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 2, resp["blobs"])
	assert.EqualValues(t, 150, resp["saved_bytes"])
	assert.EqualValues(t, 3, resp["active_uploads"])

	src.err = errors.New("db down")
	w = get(t, s.Handler(), "/debug/stats")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuditEndpoint(t *testing.T) {
	src := &fakeStats{}
	s := NewServer(Options{Stats: src})

	w := get(t, s.Handler(), "/debug/audit")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true,"discrepancies":[]}`, w.Body.String())

	src.disc = []meta.Discrepancy{{BlobID: 7, Hash: "ab", RefCount: 2, Bindings: 1}}
	w = get(t, s.Handler(), "/debug/audit")
	assert.JSONEq(t, `{"ok":false,"discrepancies":[{"blob_id":7,"hash":"ab","ref_count":2,"bindings":1}]}`, w.Body.String())
}

func TestTraceEndpoint(t *testing.T) {
	w := get(t, NewServer(Options{}).Handler(), "/debug/trace")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	rec, err := tracing.Start(0)
	require.NoError(t, err)
	defer rec.Stop()

	w = get(t, NewServer(Options{Tracer: rec}).Handler(), "/debug/trace")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))
	assert.NotZero(t, w.Body.Len())
}

func TestStartStop(t *testing.T) {
	s := NewServer(Options{})
	require.NoError(t, s.Start("127.0.0.1:0"))
	assert.NoError(t, s.Stop())
	assert.NoError(t, NewServer(Options{}).Stop())
}

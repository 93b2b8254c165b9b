package dedup

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dedupgw/dedupgw/internal/meta"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the Prometheus metrics of the dedup engine.
type Metrics struct {
	InternsTotal   *prometheus.CounterVec // dedupgw_blob_interns_total{result}
	ReleasesTotal  prometheus.Counter     // dedupgw_blob_releases_total
	BlobsDeleted   prometheus.Counter     // dedupgw_blobs_deleted_total
	BytesSaved     prometheus.Counter     // dedupgw_dedup_bytes_saved_total
	DeleteFailures prometheus.Counter     // dedupgw_blob_delete_failures_total
	InternRetries  prometheus.Counter     // dedupgw_blob_intern_retries_total
	BucketsTotal   prometheus.Gauge       // dedupgw_buckets
	EntriesTotal   prometheus.Gauge       // dedupgw_entries
	BlobsTotal     prometheus.Gauge       // dedupgw_blobs
	PhysicalBytes  prometheus.Gauge       // dedupgw_physical_bytes
	LogicalBytes   prometheus.Gauge       // dedupgw_logical_bytes
}

// InitMetrics registers the dedup metrics once and returns the shared instance.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		metricsInstance = newMetrics(registry)
	})
	return metricsInstance
}

func newMetrics(registry prometheus.Registerer) *Metrics {
	f := promauto.With(registry)
	return &Metrics{
		InternsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dedupgw_blob_interns_total",
			Help: "Payloads interned, by whether a new blob was stored or an existing one reused",
		}, []string{"result"}),
		ReleasesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "dedupgw_blob_releases_total",
			Help: "Blob references released",
		}),
		BlobsDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "dedupgw_blobs_deleted_total",
			Help: "Blobs removed after their last reference was released",
		}),
		BytesSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "dedupgw_dedup_bytes_saved_total",
			Help: "Bytes not written to the blob backend because the content already existed",
		}),
		DeleteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dedupgw_blob_delete_failures_total",
			Help: "Blob backend deletes that failed and left an orphaned payload",
		}),
		InternRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "dedupgw_blob_intern_retries_total",
			Help: "Intern attempts retried because the blob was being deleted or raced",
		}),
		BucketsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "dedupgw_buckets",
			Help: "Number of buckets",
		}),
		EntriesTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "dedupgw_entries",
			Help: "Number of keys across all buckets",
		}),
		BlobsTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "dedupgw_blobs",
			Help: "Number of distinct stored blobs",
		}),
		PhysicalBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "dedupgw_physical_bytes",
			Help: "Bytes of distinct blob content",
		}),
		LogicalBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "dedupgw_logical_bytes",
			Help: "Bytes of content as seen through keys",
		}),
	}
}

func (m *Metrics) recordIntern(isNew bool, size int64) {
	if m == nil {
		return
	}
	if isNew {
		m.InternsTotal.WithLabelValues("new").Inc()
		return
	}
	m.InternsTotal.WithLabelValues("dedup").Inc()
	m.BytesSaved.Add(float64(size))
}

func (m *Metrics) recordRelease() {
	if m != nil {
		m.ReleasesTotal.Inc()
	}
}

func (m *Metrics) recordDeleted(backendFailed bool) {
	if m == nil {
		return
	}
	m.BlobsDeleted.Inc()
	if backendFailed {
		m.DeleteFailures.Inc()
	}
}

func (m *Metrics) recordRetry() {
	if m != nil {
		m.InternRetries.Inc()
	}
}

// UpdateStats sets the storage gauges from a metadata snapshot.
func (m *Metrics) UpdateStats(st meta.Stats) {
	if m == nil {
		return
	}
	m.BucketsTotal.Set(float64(st.Buckets))
	m.EntriesTotal.Set(float64(st.Entries))
	m.BlobsTotal.Set(float64(st.Blobs))
	m.PhysicalBytes.Set(float64(st.PhysicalBytes))
	m.LogicalBytes.Set(float64(st.LogicalBytes))
}

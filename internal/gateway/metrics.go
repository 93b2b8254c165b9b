package gateway

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the Prometheus metrics of the S3 front end.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec   // dedupgw_s3_requests_total{operation,status}
	RequestDuration *prometheus.HistogramVec // dedupgw_s3_request_duration_seconds{operation}
	BytesUploaded   prometheus.Counter       // dedupgw_s3_bytes_uploaded_total
	BytesDownloaded prometheus.Counter       // dedupgw_s3_bytes_downloaded_total
	UploadsActive   prometheus.Gauge         // dedupgw_multipart_uploads_active
}

// InitMetrics registers the gateway metrics once and returns the shared instance.
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
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dedupgw_s3_requests_total",
			Help: "Total S3 requests by operation and status",
		}, []string{"operation", "status"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dedupgw_s3_request_duration_seconds",
			Help:    "S3 request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "dedupgw_s3_bytes_uploaded_total",
			Help: "Total payload bytes received",
		}),
		BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "dedupgw_s3_bytes_downloaded_total",
			Help: "Total payload bytes served",
		}),
		UploadsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "dedupgw_multipart_uploads_active",
			Help: "Multipart uploads initiated but not yet completed or aborted",
		}),
	}
}

// RecordRequest records a finished request.
func (m *Metrics) RecordRequest(operation, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(operation, status).Inc()
	m.RequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordUpload records bytes received.
func (m *Metrics) RecordUpload(bytes int64) {
	if m != nil && bytes > 0 {
		m.BytesUploaded.Add(float64(bytes))
	}
}

// RecordDownload records bytes served.
func (m *Metrics) RecordDownload(bytes int64) {
	if m != nil && bytes > 0 {
		m.BytesDownloaded.Add(float64(bytes))
	}
}

// ActiveUploadsGauge returns the gauge the multipart manager should drive,
// or nil when metrics are off.
func (m *Metrics) ActiveUploadsGauge() prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.UploadsActive
}

// classifyStatus converts an HTTP status code to a metric status label.
func classifyStatus(httpStatus int) string {
	switch {
	case httpStatus >= 200 && httpStatus < 400:
		return "success"
	case httpStatus == http.StatusNotFound:
		return "not_found"
	case httpStatus == http.StatusForbidden:
		return "access_denied"
	case httpStatus == http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

// Package metrics owns the Prometheus registry shared by the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all dedupgw metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// RegisterBuildInfo exposes dedupgw_build_info{version,commit} = 1.
func RegisterBuildInfo(reg prometheus.Registerer, version, commit string) {
	promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "dedupgw_build_info",
		Help: "Build information of the running gateway",
	}, []string{"version", "commit"}).WithLabelValues(version, commit).Set(1)
}

// Handler serves the metrics in Registry.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor serves the metrics gathered from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

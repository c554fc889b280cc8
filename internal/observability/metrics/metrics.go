// Package metrics provides Prometheus instrumentation for contratweak.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled bool

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec

	// Chain endpoint metrics
	rpcCallsTotal *prometheus.CounterVec
	rpcDuration   *prometheus.HistogramVec

	// Tweak pipeline metrics
	tweakRunsTotal     *prometheus.CounterVec
	tweakStageDuration *prometheus.HistogramVec
	layoutFindings     *prometheus.CounterVec
)

// Init initializes the metrics system.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	if !enabled {
		return
	}
	service := prometheus.Labels{"service": svcName}

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "http_requests_total",
			ConstLabels: service,
			Help:        "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			ConstLabels: service,
			Help:        "HTTP request latency in seconds",
			Buckets:     prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	rpcCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "chain_rpc_calls_total",
			ConstLabels: service,
			Help:        "Total number of chain JSON-RPC calls, retries included",
		},
		[]string{"method", "outcome"},
	)

	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "chain_rpc_duration_seconds",
			ConstLabels: service,
			Help:        "Chain JSON-RPC latency in seconds, retries included",
			Buckets:     prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	tweakRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "tweak_runs_total",
			ConstLabels: service,
			Help:        "Total number of tweak runs by mode and final status",
		},
		[]string{"mode", "status"},
	)

	// compile dominates; buckets reach into minutes
	tweakStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:        "tweak_stage_duration_seconds",
			ConstLabels: service,
			Help:        "Duration of each tweak pipeline stage in seconds",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage", "status"},
	)

	layoutFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name:        "layout_findings_total",
			ConstLabels: service,
			Help:        "Total number of storage layout incompatibilities reported",
		},
		[]string{"kind"},
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

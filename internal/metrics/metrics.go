package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: detections served from the artifact cache.
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detect_cache_hits_total",
			Help: "Total number of artifact cache hits.",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detect_cache_misses_total",
			Help: "Total number of artifact cache misses.",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detect_cache_evictions_total",
			Help: "Total number of cache entries removed from the index.",
		},
	)

	// Gauge: keys currently held in the cache index.
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "detect_cache_entries",
			Help: "Number of keys in the artifact cache index.",
		},
	)

	// Counter: requests rejected because the requester was busy.
	GateRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "detect_gate_rejections_total",
			Help: "Total number of requests rejected by the per-requester gate.",
		},
	)

	// Histogram: one engine invocation, labelled by outcome.
	EngineRunSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detect_engine_run_seconds",
			Help:    "Duration of single detection engine runs in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"}, // produced | empty | timeout | error
	)

	// Counter: logical detection requests by mode and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detect_requests_total",
			Help: "Total number of detection requests.",
		},
		[]string{"mode", "outcome"}, // hit | computed | empty | busy | error
	)

	// Histogram: HTTP latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "detect_http_latency_seconds",
			Help:    "HTTP request latency for the bridge in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"route", "method", "status_code"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheEntries,
		GateRejectionsTotal,
		EngineRunSeconds,
		RequestsTotal,
		HTTPLatencySeconds,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request. The route label is the
// chi route pattern so artifact URLs do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		HTTPLatencySeconds.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Package prometheus instruments mizu requests with client_golang
// counters/histograms and exposes them via a standard /metrics handler.
package prometheus

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Tembocs/entidb-sync-sub000"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures metric naming and collection.
type Options struct {
	Namespace string
	Subsystem string
	Buckets   []float64
	SkipPaths []string
}

// Metrics holds the registered collectors for one mizu app.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	skip     map[string]bool
	total    atomic.Int64
}

// NewMetrics constructs and registers the collectors.
func NewMetrics(opts Options) *Metrics {
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	reg := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: opts.Namespace,
		Subsystem: opts.Subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   buckets,
	}, []string{"method", "path"})

	reg.MustRegister(requests, duration)

	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return &Metrics{registry: reg, requests: requests, duration: duration, skip: skip}
}

// New constructs default Metrics and returns only its middleware; use
// NewMetrics directly when the /metrics Handler is also needed.
func New() mizu.Middleware {
	return NewMetrics(Options{}).Middleware()
}

// Middleware records request count and latency for every request not in
// Options.SkipPaths.
func (m *Metrics) Middleware() mizu.Middleware {
	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			path := c.Request().URL.Path
			if m.skip[path] {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			elapsed := time.Since(start).Seconds()

			status := strconv.Itoa(c.StatusCode())
			m.requests.WithLabelValues(c.Request().Method, path, status).Inc()
			m.duration.WithLabelValues(c.Request().Method, path).Observe(elapsed)
			m.total.Add(1)
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() mizu.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *mizu.Ctx) error {
		h.ServeHTTP(c.Writer(), c.Request())
		return nil
	}
}

// TotalRequests returns the number of requests Middleware has recorded.
func (m *Metrics) TotalRequests() int64 { return m.total.Load() }

var _ http.Handler = promhttp.Handler()

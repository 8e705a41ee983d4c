// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlRequestsTotal         *prometheus.CounterVec
	crawlBytesTotal            *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	taskRunsTotal              *prometheus.CounterVec
	activeTasks                prometheus.Gauge
	remoteRequestsTotal        *prometheus.CounterVec
	robotsFallbackTotal        *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luneth_crawl_requests_total",
				Help: "Total number of crawler requests, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luneth_crawl_bytes_total",
				Help: "Total number of bytes downloaded by the crawler, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		taskRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luneth_task_runs_total",
				Help: "Total number of tasks executed, labeled by kind and terminal status.",
			},
			[]string{"kind", "status"},
		)

		activeTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "luneth_active_tasks",
				Help: "Number of tasks currently running on an execution bridge.",
			},
		)

		remoteRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luneth_remote_requests_total",
				Help: "Total number of calls to the remote sync partner, labeled by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		)

		robotsFallbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "luneth_robots_fallback_total",
				Help: "Total number of robots.txt probes that fell back to allow-all after TLS timeouts.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "luneth_rate_limit_delays_seconds",
				Help:    "Histogram of request_delay waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawl increments the crawler request metrics.
func ObserveCrawl(site string, status string, bytesFetched int) {
	if crawlRequestsTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlRequestsTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		crawlBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTask increments the task counter for the given kind and status.
func ObserveTask(kind, status string) {
	if taskRunsTotal == nil {
		return
	}
	taskRunsTotal.WithLabelValues(kind, status).Inc()
}

// IncActiveTasks increments the active tasks gauge.
func IncActiveTasks() {
	if activeTasks != nil {
		activeTasks.Inc()
	}
}

// DecActiveTasks decrements the active tasks gauge.
func DecActiveTasks() {
	if activeTasks != nil {
		activeTasks.Dec()
	}
}

// ObserveRemote counts one call to the remote partner.
func ObserveRemote(endpoint string, err error) {
	if remoteRequestsTotal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	remoteRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback counts one robots.txt allow-all fallback.
func ObserveRobotsFallback(site string) {
	if robotsFallbackTotal == nil {
		return
	}
	robotsFallbackTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

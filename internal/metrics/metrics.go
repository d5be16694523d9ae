// Package metrics defines the Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upimage",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upimage",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "upimage",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	tasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upimage",
			Subsystem: "tasks",
			Name:      "started_total",
			Help:      "Total number of tasks submitted upstream.",
		},
		[]string{"engine", "anonymous"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upimage",
			Subsystem: "tasks",
			Name:      "finished_total",
			Help:      "Total number of tasks reaching a terminal state.",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "upimage",
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Time from task creation to terminal transition.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
	)

	webhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upimage",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Total number of webhook deliveries by outcome.",
		},
		[]string{"outcome"},
	)

	keyPoolExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "upimage",
			Subsystem: "keypool",
			Name:      "exhausted_total",
			Help:      "Total number of acquisitions that found no available key.",
		},
	)

	keysInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "upimage",
			Subsystem: "keypool",
			Name:      "inflight_leases",
			Help:      "Current number of leased pool keys.",
		},
	)

	creditsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "upimage",
			Subsystem: "credits",
			Name:      "moved_total",
			Help:      "Total credits moved through the ledger.",
		},
		[]string{"direction"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		tasksStarted,
		tasksFinished,
		taskDuration,
		webhookDeliveries,
		keyPoolExhausted,
		keysInFlight,
		creditsMoved,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTaskStarted counts one upstream submission.
func RecordTaskStarted(engine string, anonymous bool) {
	tasksStarted.WithLabelValues(engine, strconv.FormatBool(anonymous)).Inc()
}

// RecordTaskFinished counts one terminal transition and observes its
// lifetime when the creation time is known.
func RecordTaskFinished(status string, lifetime time.Duration) {
	tasksFinished.WithLabelValues(status).Inc()
	if lifetime > 0 {
		taskDuration.Observe(lifetime.Seconds())
	}
}

// RecordWebhookDelivery counts one webhook delivery by outcome
// (completed, failed, duplicate, rejected, error).
func RecordWebhookDelivery(outcome string) {
	webhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordKeyPoolExhausted counts one failed acquisition.
func RecordKeyPoolExhausted() {
	keyPoolExhausted.Inc()
}

// KeyLeased adjusts the in-flight lease gauge.
func KeyLeased()   { keysInFlight.Inc() }
func KeyReleased() { keysInFlight.Dec() }

// RecordCreditsMoved counts ledger movement; direction is debit, refund or
// grant.
func RecordCreditsMoved(direction string, amount int) {
	if amount < 0 {
		amount = -amount
	}
	creditsMoved.WithLabelValues(direction).Add(float64(amount))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses request paths to a bounded label set.
func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "api" {
		return "/" + parts[0]
	}
	if len(parts) >= 4 {
		return "/" + strings.Join(parts[:4], "/")
	}
	return "/" + trimmed
}

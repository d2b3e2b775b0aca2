package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/meshgen/pkg/models"
)

// Metrics holds the orchestrator's Prometheus collectors. Every method is
// safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry *prometheus.Registry

	polls          *prometheus.CounterVec
	retries        *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	jobsByStatus   *prometheus.GaugeVec
	importDuration *prometheus.HistogramVec
	balance        prometheus.Gauge
	httpRequests   *prometheus.CounterVec
	responseSize   *prometheus.HistogramVec
}

// New creates the collectors and registers them on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshgen_status_polls_total",
				Help: "Status queries sent to the generation service",
			},
			[]string{"status"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshgen_retries_total",
				Help: "Remote calls retried after a failure",
			},
			[]string{"operation"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshgen_jobs_submitted_total",
				Help: "Generation jobs submitted",
			},
			[]string{"kind"},
		),
		jobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshgen_jobs",
				Help: "Jobs in the registry by status",
			},
			[]string{"status"},
		),
		importDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshgen_import_duration_seconds",
				Help:    "Time from download start to scene import completion",
				Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
			},
			[]string{"result"},
		),
		balance: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshgen_account_balance",
				Help: "Last known account balance",
			},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshgen_http_requests_total",
				Help: "Requests served by the observation API",
			},
			[]string{"method", "status"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshgen_http_response_size_bytes",
				Help:    "Observation API response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method"},
		),
	}

	m.registry.MustRegister(
		m.polls,
		m.retries,
		m.submissions,
		m.jobsByStatus,
		m.importDuration,
		m.balance,
		m.httpRequests,
		m.responseSize,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for gathering in tests
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObservePoll(status models.JobStatus) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObserveRetry(operation string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveSubmit(kind models.JobKind) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(kind)).Inc()
}

// SetJobCounts replaces the per-status gauges with counts
func (m *Metrics) SetJobCounts(counts map[models.JobStatus]int) {
	if m == nil {
		return
	}
	m.jobsByStatus.Reset()
	for status, n := range counts {
		m.jobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (m *Metrics) ObserveImport(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.importDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) SetBalance(v float64) {
	if m == nil {
		return
	}
	m.balance.Set(v)
}

// Middleware counts requests and response bytes of the observation API
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(rw.statusCode)).Inc()
		m.responseSize.WithLabelValues(r.Method).Observe(float64(rw.bytesWritten))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

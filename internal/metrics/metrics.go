// Package metrics holds the agent's Prometheus self-instrumentation.
// Every Metrics value owns its own registry so several agents (or tests) can
// coexist in one process. All methods are safe on a nil *Metrics.
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
)

// Cycle results.
const (
	CycleOK       = "ok"
	CycleBusy     = "busy"
	CycleDegraded = "degraded"
)

// Heartbeat results.
const (
	HeartbeatOK     = "ok"
	HeartbeatFailed = "failed"
	HeartbeatAuth   = "auth"
)

// Batch results.
const (
	BatchSent     = "sent"
	BatchBuffered = "buffered"
	BatchDropped  = "dropped"
)

// Metrics is the set of agent self-metrics.
type Metrics struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	queryDuration   prometheus.Histogram
	heartbeats      *prometheus.CounterVec
	failures        prometheus.Gauge
	presence        *prometheus.GaugeVec
	batches         *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates and registers the agent metrics on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_collection_cycles_total",
				Help: "Collection cycles by result",
			},
			[]string{"result"},
		),
		queryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_query_duration_seconds",
				Help:    "Duration of the external metric query",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
		),
		heartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_heartbeats_total",
				Help: "Heartbeat requests by result",
			},
			[]string{"result"},
		),
		failures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_heartbeat_consecutive_failures",
				Help: "Current consecutive heartbeat failures",
			},
		),
		presence: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agent_presence_status",
				Help: "1 for the current presence status, 0 otherwise",
			},
			[]string{"status"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_metric_batches_total",
				Help: "Metric batches by outcome",
			},
			[]string{"result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_control_request_duration_seconds",
				Help:    "Control API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "code"},
		),
	}
	m.registry.MustRegister(
		m.cycles,
		m.queryDuration,
		m.heartbeats,
		m.failures,
		m.presence,
		m.batches,
		m.requestDuration,
	)
	return m
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the Prometheus exposition for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveCycle(result string) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveQuery(d time.Duration) {
	if m == nil {
		return
	}
	m.queryDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveHeartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

func (m *Metrics) SetFailures(n int) {
	if m == nil {
		return
	}
	m.failures.Set(float64(n))
}

// SetPresence marks status as the current presence value.
func (m *Metrics) SetPresence(status string) {
	if m == nil {
		return
	}
	m.presence.Reset()
	m.presence.WithLabelValues(status).Set(1)
}

func (m *Metrics) ObserveBatch(result string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
}

// Middleware records control API request durations.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		m.requestDuration.WithLabelValues(r.Method, strconv.Itoa(rw.status)).
			Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

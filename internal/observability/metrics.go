// Package observability provides the latency histogram and counters,
// health endpoints, structured logging, and OpenTelemetry tracing for
// edgeroute.
package observability

import (
	"bytes"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/expfmt"
)

// ContentType is the media type of Render output.
const ContentType = "text/plain; version=0.0.4"

// DurationBuckets are the upper bounds, in seconds, of the request latency
// histogram.
var DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}

// Upstream failure kinds used as the "kind" label.
const (
	FailureKindConnect = "connect"
	FailureKindProxy   = "proxy"
)

// Metrics owns a dedicated registry holding the request latency histogram
// and the admission and upstream counters. Counters are mirrored in atomics
// so tests and the admin API can read them without a gather.
type Metrics struct {
	admitted        atomic.Int64
	limited         atomic.Int64
	connectFailures atomic.Int64
	proxyFailures   atomic.Int64
	retries         atomic.Int64
	exhausted       atomic.Int64
	fallback        atomic.Int64

	registry *prometheus.Registry

	duration      *prometheus.HistogramVec
	promAdmitted  prometheus.Counter
	promLimited   prometheus.Counter
	promFailures  *prometheus.CounterVec
	promRetries   prometheus.Counter
	promExhausted prometheus.Counter
	promFallback  prometheus.Counter
}

// NewMetrics registers every collector on reg. A nil reg gets a fresh
// registry so that several instances can coexist in one process.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_requests_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: DurationBuckets,
		}, []string{"method", "status"}),
		promAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Name:      "requests_admitted_total",
			Help:      "Requests accepted by the rate limiter.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Name:      "requests_limited_total",
			Help:      "Requests rejected with 429 by the rate limiter.",
		}),
		promFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Name:      "upstream_failures_total",
			Help:      "Failed upstream attempts by kind.",
		}, []string{"kind"}),
		promRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Name:      "upstream_retries_total",
			Help:      "Attempts re-routed to another backend after a failure.",
		}),
		promExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Name:      "upstream_exhausted_total",
			Help:      "Requests that failed on every backend they were allowed to try.",
		}),
		promFallback: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "edgeroute",
			Name:      "ratelimit_fallback_total",
			Help:      "Admission decisions served by the local window because the shared store was unavailable.",
		}),
	}
}

// Observe folds one completed request into the latency histogram.
func (m *Metrics) Observe(method, status string, latencySeconds float64) {
	m.duration.WithLabelValues(method, status).Observe(latencySeconds)
}

// Render gathers the registry and encodes it in the text exposition format.
func (m *Metrics) Render() ([]byte, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gathering metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	return buf.Bytes(), nil
}

// Handler serves the registry with content negotiation, for the admin
// listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncAdmitted() {
	m.admitted.Add(1)
	m.promAdmitted.Inc()
}

func (m *Metrics) IncLimited() {
	m.limited.Add(1)
	m.promLimited.Inc()
}

// IncUpstreamFailure counts one failed attempt. Unknown kinds are counted
// as proxy failures.
func (m *Metrics) IncUpstreamFailure(kind string) {
	if kind == FailureKindConnect {
		m.connectFailures.Add(1)
	} else {
		kind = FailureKindProxy
		m.proxyFailures.Add(1)
	}
	m.promFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncRetry() {
	m.retries.Add(1)
	m.promRetries.Inc()
}

func (m *Metrics) IncExhausted() {
	m.exhausted.Add(1)
	m.promExhausted.Inc()
}

// IncFallback counts a decision made by the local fallback window.
func (m *Metrics) IncFallback() {
	m.fallback.Add(1)
	m.promFallback.Inc()
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Admitted        int64
	Limited         int64
	ConnectFailures int64
	ProxyFailures   int64
	Retries         int64
	Exhausted       int64
	Fallback        int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted:        m.admitted.Load(),
		Limited:         m.limited.Load(),
		ConnectFailures: m.connectFailures.Load(),
		ProxyFailures:   m.proxyFailures.Load(),
		Retries:         m.retries.Load(),
		Exhausted:       m.exhausted.Load(),
		Fallback:        m.fallback.Load(),
	}
}

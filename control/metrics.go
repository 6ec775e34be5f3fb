// File: control/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Prometheus collectors for requests, verdicts, handlers, connections and
// the worker pool.

package control

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentics/policyd/api"
)

const namespace = "policyd"

// Metrics owns a private Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	faults       *prometheus.CounterVec
	violations   *prometheus.CounterVec
	handlerTime  *prometheus.HistogramVec
	connsActive  prometheus.Gauge
	connsTotal   prometheus.Counter
	connsRefused prometheus.Counter
	reloads      *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry. withRuntime adds
// the Go and process collectors.
func NewMetrics(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Policy requests answered, by verdict.",
		}, []string{"verdict"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_faults_total",
			Help:      "Handler panics and invalid verdicts, by handler.",
		}, []string{"handler"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Connections closed for malformed input, by reason.",
		}, []string{"reason"}),
		handlerTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in each handler.",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"handler"}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Peer connections currently open.",
		}),
		connsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Peer connections accepted.",
		}),
		connsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_refused_total",
			Help:      "Peer connections closed on arrival because of max_connections.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.requests, m.faults, m.violations, m.handlerTime,
		m.connsActive, m.connsTotal, m.connsRefused, m.reloads)
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RequestServed counts one answered request.
func (m *Metrics) RequestServed(v api.Verdict) {
	m.requests.WithLabelValues(v.String()).Inc()
}

// HandlerFault counts a handler panic or invalid verdict.
func (m *Metrics) HandlerFault(id string) {
	m.faults.WithLabelValues(id).Inc()
}

// ProtocolViolation counts a connection dropped for malformed input.
func (m *Metrics) ProtocolViolation(reason string) {
	m.violations.WithLabelValues(reason).Inc()
}

// ObserveHandler matches the pipeline timing middleware signature.
func (m *Metrics) ObserveHandler(id string, _ api.Verdict, elapsed time.Duration) {
	m.handlerTime.WithLabelValues(id).Observe(elapsed.Seconds())
}

// ConnectionOpened tracks an accepted peer.
func (m *Metrics) ConnectionOpened() {
	m.connsTotal.Inc()
	m.connsActive.Inc()
}

// ConnectionClosed tracks a released peer.
func (m *Metrics) ConnectionClosed() {
	m.connsActive.Dec()
}

// ConnectionRefused tracks a peer dropped by the connection limit.
func (m *Metrics) ConnectionRefused() {
	m.connsRefused.Inc()
}

// ConfigReloaded counts a reload attempt.
func (m *Metrics) ConfigReloaded(err error) {
	if err != nil {
		m.reloads.WithLabelValues("failure").Inc()
		return
	}
	m.reloads.WithLabelValues("success").Inc()
}

// GaugeFunc registers a gauge sampled on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

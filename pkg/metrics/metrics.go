// Package metrics exposes the node's Prometheus instrumentation: per-strategy
// connection attempt counts and latencies, gossip queue depth and peer
// count, and relay registered-peer count and rate-limit rejections. It
// mirrors the donor's HealthLogger (system_health_logging.go): a private
// registry, a handful of named gauges/counters registered once at
// construction, and an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe for concurrent use; all update methods delegate to
// prometheus's own internally-synchronized collectors.
type Metrics struct {
	registry *prometheus.Registry

	orchestratorAttempts *prometheus.CounterVec
	orchestratorLatency  *prometheus.HistogramVec

	gossipQueueDepth prometheus.Gauge
	gossipPeerCount  prometheus.Gauge

	relayPeerCount    prometheus.Gauge
	relayRateLimited  prometheus.Counter
}

// New builds a Metrics with a fresh registry and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		orchestratorAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dpcnode_orchestrator_attempts_total",
			Help: "Connection attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		orchestratorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dpcnode_orchestrator_attempt_latency_ms",
			Help:    "Connection attempt latency in milliseconds, by strategy.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"strategy"}),
		gossipQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpcnode_gossip_queue_depth",
			Help: "Number of gossip messages currently held for anti-entropy.",
		}),
		gossipPeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpcnode_gossip_peer_count",
			Help: "Number of gossip-capable sessions currently registered.",
		}),
		relayPeerCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dpcnode_relay_active_peer_count",
			Help: "Number of peers currently paired through this relay.",
		}),
		relayRateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dpcnode_relay_rate_limited_total",
			Help: "Messages rejected by the relay's per-peer rate limiter.",
		}),
	}

	reg.MustRegister(
		m.orchestratorAttempts,
		m.orchestratorLatency,
		m.gossipQueueDepth,
		m.gossipPeerCount,
		m.relayPeerCount,
		m.relayRateLimited,
	)
	return m
}

// RecordOrchestratorAttempt records one connection attempt's outcome and
// latency, keyed by strategy.
func (m *Metrics) RecordOrchestratorAttempt(strategy, outcome string, latencyMs int64) {
	if m == nil {
		return
	}
	m.orchestratorAttempts.WithLabelValues(strategy, outcome).Inc()
	m.orchestratorLatency.WithLabelValues(strategy).Observe(float64(latencyMs))
}

// SetGossipQueueDepth reports the current number of stored gossip messages.
func (m *Metrics) SetGossipQueueDepth(n int) {
	if m == nil {
		return
	}
	m.gossipQueueDepth.Set(float64(n))
}

// SetGossipPeerCount reports the current number of gossip-capable peers.
func (m *Metrics) SetGossipPeerCount(n int) {
	if m == nil {
		return
	}
	m.gossipPeerCount.Set(float64(n))
}

// SetRelayPeerCount reports the current number of relay-paired peers.
func (m *Metrics) SetRelayPeerCount(n int) {
	if m == nil {
		return
	}
	m.relayPeerCount.Set(float64(n))
}

// IncRelayRateLimited records one relay message rejected by rate limiting.
func (m *Metrics) IncRelayRateLimited() {
	if m == nil {
		return
	}
	m.relayRateLimited.Inc()
}

// Handler returns an http.Handler serving this Metrics' collectors in the
// Prometheus exposition format, for mounting at e.g. "/metrics".
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

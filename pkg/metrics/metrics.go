// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the registry
// proxy. Counters are incremented from many connection goroutines at once;
// the client library's lock-free counters keep this off the hot path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection close reasons.
const (
	ReasonClientClose       = "client_close"
	ReasonTimeout           = "timeout"
	ReasonProtocolViolation = "protocol_violation"
	ReasonTLSFailure        = "tls_failure"
	ReasonShutdown          = "shutdown"
	ReasonRateLimited       = "rate_limited"
	ReasonError             = "error"
)

// Relay outcomes.
const (
	OutcomeSuccess            = "success"
	OutcomeTimeout            = "timeout"
	OutcomeAuthError          = "auth_error"
	OutcomeBackendUnavailable = "backend_unavailable"
	OutcomeBackendRejected    = "backend_rejected"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Frontend connection metrics
	ActiveConnections    *prometheus.GaugeVec
	ConnectionsAccepted  *prometheus.CounterVec
	ConnectionsClosed    *prometheus.CounterVec
	ConnectionDuration   *prometheus.HistogramVec
	TLSHandshakeFailures *prometheus.CounterVec

	// Frame metrics
	FrameSize *prometheus.HistogramVec

	// Relay metrics
	RelayCalls    *prometheus.CounterVec
	RelayDuration *prometheus.HistogramVec
	RelayRetries  *prometheus.CounterVec

	// Credential metrics
	TokenRefreshes *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedAccepts *prometheus.CounterVec
}

// New creates a Metrics instance registered with reg. A nil reg selects
// the default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "registry_proxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active frontend connections",
			},
			[]string{"protocol"},
		),
		ConnectionsAccepted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_accepted_total",
				Help:      "Total number of accepted frontend connections",
			},
			[]string{"protocol"},
		),
		ConnectionsClosed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_closed_total",
				Help:      "Total number of closed frontend connections by reason",
			},
			[]string{"protocol", "reason"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Frontend connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"protocol"},
		),
		TLSHandshakeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshake_failures_total",
				Help:      "Total number of failed TLS handshakes",
			},
			[]string{"protocol"},
		),
		FrameSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_size_bytes",
				Help:      "Decoded frame payload size in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			},
			[]string{"protocol", "direction"},
		),
		RelayCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_calls_total",
				Help:      "Total number of backend relay calls by outcome",
			},
			[]string{"protocol", "outcome"},
		),
		RelayDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "relay_duration_seconds",
				Help:      "Backend relay call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		RelayRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_retries_total",
				Help:      "Total number of retried backend relay attempts",
			},
			[]string{"protocol"},
		),
		TokenRefreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_refreshes_total",
				Help:      "Total number of access token refresh attempts",
			},
			[]string{"status"},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		BreakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedAccepts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_accepts_total",
				Help:      "Total number of connections rejected by rate limiting",
			},
			[]string{"protocol"},
		),
	}
}

// ObserveConnection tracks one connection's lifecycle. The callback returns
// the close reason.
func (m *Metrics) ObserveConnection(protocol string, f func() string) {
	m.ConnectionsAccepted.WithLabelValues(protocol).Inc()
	m.ActiveConnections.WithLabelValues(protocol).Inc()
	defer m.ActiveConnections.WithLabelValues(protocol).Dec()

	start := time.Now()
	reason := f()
	m.ConnectionDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	m.ConnectionsClosed.WithLabelValues(protocol, reason).Inc()
}

// ObserveRelay tracks one relay call. The callback returns the outcome label.
func (m *Metrics) ObserveRelay(protocol string, f func() string) {
	start := time.Now()
	outcome := f()
	m.RelayDuration.WithLabelValues(protocol).Observe(time.Since(start).Seconds())
	m.RelayCalls.WithLabelValues(protocol, outcome).Inc()
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the ku reactor.
//
// All recording methods are safe to call on a nil *Metrics, so the reactor
// can be run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reasons a client connection is accepted and immediately closed.
const (
	RejectLimit     = "limit"
	RejectRateLimit = "rate_limit"
	RejectBreaker   = "breaker"
	RejectFactory   = "factory"
)

// Metrics holds all Prometheus metrics for the reactor.
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	PendingUpstream  prometheus.Gauge
	AcceptedTotal    *prometheus.CounterVec
	RejectedTotal    *prometheus.CounterVec
	ClosedTotal      *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	UpstreamFailures prometheus.Counter

	// Relay metrics
	BytesRead    *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec
	Verdicts     *prometheus.CounterVec
	HookFailures *prometheus.CounterVec

	// Upstream circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Loop metrics
	PollDuration prometheus.Histogram
}

// New creates a new Metrics instance registered with reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "ku"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live sessions (connecting or connected)",
			},
		),
		PendingUpstream: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_upstream_connects",
				Help:      "Number of upstream connects in flight",
			},
		),
		AcceptedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accepted_total",
				Help:      "Total number of client connections that created a session",
			},
			[]string{"listener"},
		),
		RejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rejected_total",
				Help:      "Total number of client connections closed without a session",
			},
			[]string{"reason"},
		),
		ClosedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_closed_total",
				Help:      "Total number of sessions torn down, by initiating side",
			},
			[]string{"side"},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Time between upstream connect and teardown",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		UpstreamFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_connect_failures_total",
				Help:      "Total number of failed upstream connects",
			},
		),
		BytesRead: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_read_total",
				Help:      "Bytes read, by direction of travel",
			},
			[]string{"direction"},
		),
		BytesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Bytes handed to the destination socket, by direction of travel",
			},
			[]string{"direction"},
		),
		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verdicts_total",
				Help:      "Hook verdicts, by direction and action",
			},
			[]string{"direction", "action"},
		),
		HookFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hook_failures_total",
				Help:      "Hook calls that returned an error or panicked",
			},
			[]string{"hook"},
		),
		CircuitBreakerState: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Upstream circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of upstream circuit breaker trips",
			},
		),
		PollDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_duration_seconds",
				Help:      "Time spent in the readiness wait",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
			},
		),
	}
}

// Accepted records a new session on listener.
func (m *Metrics) Accepted(listener string) {
	if m == nil {
		return
	}
	m.AcceptedTotal.WithLabelValues(listener).Inc()
	m.ActiveSessions.Inc()
	m.PendingUpstream.Inc()
}

// Rejected records a connection closed without a session.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.RejectedTotal.WithLabelValues(reason).Inc()
}

// Established records a pending upstream that completed.
func (m *Metrics) Established() {
	if m == nil {
		return
	}
	m.PendingUpstream.Dec()
}

// UpstreamFailed records a failed upstream connect.
func (m *Metrics) UpstreamFailed() {
	if m == nil {
		return
	}
	m.UpstreamFailures.Inc()
}

// Closed records a session teardown. wasPending is true when the upstream
// connect had not completed; established is the zero time in that case.
func (m *Metrics) Closed(side string, wasPending bool, established time.Time) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.ClosedTotal.WithLabelValues(side).Inc()
	if wasPending {
		m.PendingUpstream.Dec()
		return
	}
	if !established.IsZero() {
		m.SessionDuration.Observe(time.Since(established).Seconds())
	}
}

// Relayed records one chunk read in direction and the bytes written for it.
func (m *Metrics) Relayed(direction, action string, read, written int) {
	if m == nil {
		return
	}
	m.BytesRead.WithLabelValues(direction).Add(float64(read))
	m.BytesWritten.WithLabelValues(direction).Add(float64(written))
	m.Verdicts.WithLabelValues(direction, action).Inc()
}

// HookFailed records a hook that returned an error or panicked.
func (m *Metrics) HookFailed(hook string) {
	if m == nil {
		return
	}
	m.HookFailures.WithLabelValues(hook).Inc()
}

// BreakerState records an upstream breaker transition.
func (m *Metrics) BreakerState(state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.Inc()
	}
}

// ObservePoll records the duration of one readiness wait.
func (m *Metrics) ObservePoll(d time.Duration) {
	if m == nil {
		return
	}
	m.PollDuration.Observe(d.Seconds())
}

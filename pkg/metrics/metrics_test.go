// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_SessionLifecycle(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.Accepted("127.0.0.1:9000")
	m.Accepted("127.0.0.1:9000")
	m.Established()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 2 {
		t.Errorf("active sessions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PendingUpstream); got != 1 {
		t.Errorf("pending upstream = %v, want 1", got)
	}

	m.UpstreamFailed()
	m.Closed("upstream", true, time.Time{})
	m.Closed("client", false, time.Now().Add(-time.Second))

	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("active sessions = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.PendingUpstream); got != 0 {
		t.Errorf("pending upstream = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.UpstreamFailures); got != 1 {
		t.Errorf("upstream failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ClosedTotal.WithLabelValues("client")); got != 1 {
		t.Errorf("closed{client} = %v, want 1", got)
	}
}

func TestMetrics_Relay(t *testing.T) {
	m := New("test", prometheus.NewRegistry())

	m.Relayed("serverbound", "pass", 10, 10)
	m.Relayed("serverbound", "drop", 5, 0)
	m.Rejected(RejectLimit)
	m.HookFailed("serverbound")

	if got := testutil.ToFloat64(m.BytesRead.WithLabelValues("serverbound")); got != 15 {
		t.Errorf("bytes read = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.BytesWritten.WithLabelValues("serverbound")); got != 10 {
		t.Errorf("bytes written = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.Verdicts.WithLabelValues("serverbound", "drop")); got != 1 {
		t.Errorf("drop verdicts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RejectedTotal.WithLabelValues(RejectLimit)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.HookFailures.WithLabelValues("serverbound")); got != 1 {
		t.Errorf("hook failures = %v, want 1", got)
	}
}

func TestMetrics_Breaker(t *testing.T) {
	m := New("", prometheus.NewRegistry())
	m.BreakerState(2, true)
	m.BreakerState(1, false)

	if got := testutil.ToFloat64(m.CircuitBreakerState); got != 1 {
		t.Errorf("breaker state = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CircuitBreakerTrips); got != 1 {
		t.Errorf("breaker trips = %v, want 1", got)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Accepted("x")
	m.Rejected(RejectBreaker)
	m.Established()
	m.UpstreamFailed()
	m.Closed("client", false, time.Now())
	m.Relayed("clientbound", "pass", 1, 1)
	m.HookFailed("clientbound")
	m.BreakerState(0, false)
	m.ObservePoll(time.Millisecond)
}

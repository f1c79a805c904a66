// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker fed by upstream connect outcomes.
//
// The reactor connects asynchronously, so an attempt spans two calls: Allow
// before the connect is issued and Record once it resolves. An attempt that
// is abandoned before it resolves is handed back with Abort. Allow returns a
// Ticket tied to the breaker state it was issued in; outcomes of tickets from
// an earlier state are ignored. While half-open only a bounded number of
// attempts are in flight at once.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while upstream attempts are refused.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive connect failures that opens
	// the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before trial connects
	// are let through.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successful trial connects that
	// closes a half-open circuit. It also bounds the trials in flight.
	SuccessThreshold int
}

// Ticket identifies one admitted attempt. The zero Ticket matches no state.
type Ticket struct {
	gen uint64
}

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State     State
	Failures  int
	Successes int
	Trials    int
	Since     time.Time
}

// CircuitBreaker gates new upstream connects on recent connect outcomes.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    Config
	state     State
	failures  int
	successes int
	trials    int
	gen       uint64
	since     time.Time
	notify    func(from, to State)
	now       func() time.Time
}

// New creates a closed circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
		gen:    1,
		now:    time.Now,
	}
	cb.since = cb.now()
	return cb
}

// Allow admits a new upstream attempt or returns ErrCircuitOpen. Every
// admitted attempt must be finished with Record or Abort.
func (cb *CircuitBreaker) Allow() (Ticket, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return Ticket{gen: cb.gen}, nil
	case StateOpen:
		if cb.now().Sub(cb.since) < cb.config.ResetTimeout {
			return Ticket{}, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
	}

	if cb.trials >= cb.config.SuccessThreshold {
		return Ticket{}, ErrCircuitOpen
	}
	cb.trials++
	return Ticket{gen: cb.gen}, nil
}

// Record finishes an admitted attempt with the outcome of its connect.
// Outcomes of tickets issued before the last state change are ignored.
func (cb *CircuitBreaker) Record(t Ticket, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if t.gen != cb.gen {
		return
	}
	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}

	if err != nil {
		cb.failures++
		cb.successes = 0
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// Abort finishes an admitted attempt whose connect never resolved, such as
// a session closed while still connecting. It counts as neither outcome.
func (cb *CircuitBreaker) Abort(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if t.gen == cb.gen && cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.gen++
	cb.since = cb.now()
	cb.successes = 0
	cb.trials = 0
	if to == StateClosed {
		cb.failures = 0
	}

	if cb.notify != nil {
		go cb.notify(from, to)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers fn to be called on its own goroutine after
// every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.notify = fn
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:     cb.state,
		Failures:  cb.failures,
		Successes: cb.successes,
		Trials:    cb.trials,
		Since:     cb.since,
	}
}

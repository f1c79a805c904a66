// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package reactor

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/absmach/ku/pkg/breaker"
	"github.com/absmach/ku/pkg/errors"
	"github.com/absmach/ku/pkg/metrics"
	"github.com/absmach/ku/pkg/ratelimit"
	"github.com/absmach/ku/pkg/resolve"
	"github.com/absmach/ku/pkg/session"
)

const (
	defaultPollTimeout    = 50 * time.Millisecond
	defaultReadBufferSize = 32 * 1024
	defaultBacklog        = 128
)

// Address is a host and port pair. Host may be an IPv4 literal, a bare or
// bracketed IPv6 literal, or a name.
type Address struct {
	Host string
	Port int
}

// String returns the address in host:port form.
func (a Address) String() string {
	return net.JoinHostPort(resolve.StripBrackets(a.Host), strconv.Itoa(a.Port))
}

// ParseAddress parses a host:port string.
func ParseAddress(s string) (Address, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", errors.ErrInvalidAddress, s, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return Address{}, fmt.Errorf("%w %q: bad port", errors.ErrInvalidAddress, s)
	}
	return Address{Host: host, Port: p}, nil
}

// Config holds the reactor configuration.
type Config struct {
	// Listen is the ordered list of addresses to bind and listen on.
	Listen []Address

	// Upstream is the address every accepted client is connected to.
	Upstream Address

	// Factory creates one Session per accepted client.
	Factory session.Factory

	// MaxConnections caps live sessions (connecting + connected). Negative
	// means unlimited; zero refuses every client.
	MaxConnections int

	// UpstreamForceIPv6 connects to the upstream over IPv6 even when its host
	// is an IPv4 literal (as an IPv4-mapped address).
	UpstreamForceIPv6 bool

	// IdleSleep is an extra sleep after a readiness wait that reported
	// nothing. Zero disables it.
	IdleSleep time.Duration

	// PollTimeout bounds each readiness wait and therefore how quickly the
	// worker notices Shutdown. Defaults to 50ms; must be at least 1ms.
	PollTimeout time.Duration

	// ReadBufferSize is the size of a single read. Defaults to 32KiB.
	ReadBufferSize int

	// Backlog is the listen(2) backlog. Defaults to 128.
	Backlog int

	// DisableNoDelay leaves Nagle's algorithm enabled on relayed sockets.
	DisableNoDelay bool

	// Limiter, if set, rate limits new sessions per client IP.
	Limiter *ratelimit.Limiter

	// Breaker, if set, refuses new clients while upstream connects keep failing.
	Breaker *breaker.CircuitBreaker

	// Metrics, if set, receives reactor instrumentation.
	Metrics *metrics.Metrics

	// Logger for reactor events.
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if len(c.Listen) == 0 {
		return errors.ErrNoListeners
	}
	if c.Factory == nil {
		return errors.ErrNoSessionFactory
	}
	if c.IdleSleep < 0 {
		return fmt.Errorf("%w: idle sleep %v", errors.ErrInvalidTiming, c.IdleSleep)
	}
	// poll(2) takes whole milliseconds; anything shorter would busy-poll.
	if c.PollTimeout < 0 || (c.PollTimeout > 0 && c.PollTimeout < time.Millisecond) {
		return fmt.Errorf("%w: poll timeout %v", errors.ErrInvalidTiming, c.PollTimeout)
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBufferSize
	}
	if c.Backlog <= 0 {
		c.Backlog = defaultBacklog
	}
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ku holds the service configuration of the ku intercepting proxy.
package ku

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/ku/pkg/breaker"
	"github.com/absmach/ku/pkg/ratelimit"
	"github.com/absmach/ku/pkg/reactor"
	"github.com/caarlos0/env/v11"
)

// Supported session protocols.
const (
	ProtocolRaw  = "raw"
	ProtocolMQTT = "mqtt"
)

const rateLimitMaxClients = 10000

// ErrUnknownProtocol is returned for a PROTOCOL other than raw or mqtt.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Config holds the service configuration.
type Config struct {
	// Proxy
	Listen            []string      `env:"LISTEN"              envDefault:"0.0.0.0:1884"`
	Upstream          string        `env:"UPSTREAM"            envDefault:"localhost:1883"`
	MaxConnections    int           `env:"MAX_CONNECTIONS"     envDefault:"-1"`
	UpstreamForceIPv6 bool          `env:"UPSTREAM_FORCE_IPV6" envDefault:"false"`
	IdleSleep         time.Duration `env:"IDLE_SLEEP"          envDefault:"0s"`
	PollTimeout       time.Duration `env:"POLL_TIMEOUT"        envDefault:"50ms"`
	ReadBufferSize    int           `env:"READ_BUFFER_SIZE"    envDefault:"32768"`
	Protocol          string        `env:"PROTOCOL"            envDefault:"raw"`
	MQTTMaxPacketSize int           `env:"MQTT_MAX_PACKET_SIZE" envDefault:"1048576"`

	// Observability
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"json"`
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`

	// Rate Limiting, disabled when capacity is 0
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`

	// Circuit Breaker, disabled when max failures is 0
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"0"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`

	// Session recording, disabled when the URL is empty
	RedisURL    string `env:"REDIS_URL"`
	RedisStream string `env:"REDIS_STREAM"  envDefault:"ku:sessions"`
	RedisMaxLen int64  `env:"REDIS_MAX_LEN" envDefault:"100000"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	switch c.Protocol {
	case ProtocolRaw, ProtocolMQTT:
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownProtocol, c.Protocol)
	}
	return c, nil
}

// ReactorConfig maps c to a reactor configuration. The session factory,
// metrics and logger are left for the caller to set.
func (c Config) ReactorConfig() (reactor.Config, error) {
	upstream, err := reactor.ParseAddress(c.Upstream)
	if err != nil {
		return reactor.Config{}, fmt.Errorf("upstream: %w", err)
	}

	listen := make([]reactor.Address, 0, len(c.Listen))
	for _, l := range c.Listen {
		addr, err := reactor.ParseAddress(l)
		if err != nil {
			return reactor.Config{}, fmt.Errorf("listen: %w", err)
		}
		listen = append(listen, addr)
	}

	return reactor.Config{
		Listen:            listen,
		Upstream:          upstream,
		MaxConnections:    c.MaxConnections,
		UpstreamForceIPv6: c.UpstreamForceIPv6,
		IdleSleep:         c.IdleSleep,
		PollTimeout:       c.PollTimeout,
		ReadBufferSize:    c.ReadBufferSize,
		Limiter:           c.Limiter(),
		Breaker:           c.Breaker(),
	}, nil
}

// Limiter returns the per-host accept limiter, or nil when disabled.
func (c Config) Limiter() *ratelimit.Limiter {
	if c.RateLimitCapacity <= 0 {
		return nil
	}
	return ratelimit.NewLimiter(c.RateLimitCapacity, c.RateLimitRefill, rateLimitMaxClients)
}

// Breaker returns the upstream circuit breaker, or nil when disabled.
func (c Config) Breaker() *breaker.CircuitBreaker {
	if c.BreakerMaxFailures <= 0 {
		return nil
	}
	return breaker.New(breaker.Config{
		MaxFailures:  c.BreakerMaxFailures,
		ResetTimeout: c.BreakerResetTimeout,
	})
}

// Level maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

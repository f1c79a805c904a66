// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ku

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	kuerrors "github.com/absmach/ku/pkg/errors"
	"github.com/absmach/ku/pkg/reactor"
	"github.com/caarlos0/env/v11"
)

const prefix = "KU_"

func parse(t *testing.T, environ map[string]string) (Config, error) {
	t.Helper()
	return NewConfig(env.Options{Prefix: prefix, Environment: environ})
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg, err := parse(t, map[string]string{})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if len(cfg.Listen) != 1 || cfg.Listen[0] != "0.0.0.0:1884" {
		t.Errorf("Listen = %v", cfg.Listen)
	}
	if cfg.Upstream != "localhost:1883" {
		t.Errorf("Upstream = %s", cfg.Upstream)
	}
	if cfg.MaxConnections != -1 {
		t.Errorf("MaxConnections = %d, want -1", cfg.MaxConnections)
	}
	if cfg.PollTimeout != 50*time.Millisecond {
		t.Errorf("PollTimeout = %v", cfg.PollTimeout)
	}
	if cfg.Protocol != ProtocolRaw {
		t.Errorf("Protocol = %s", cfg.Protocol)
	}
	if cfg.Limiter() != nil {
		t.Error("rate limiter enabled by default")
	}
	if cfg.Breaker() != nil {
		t.Error("circuit breaker enabled by default")
	}
}

func TestNewConfig_FromEnvironment(t *testing.T) {
	cfg, err := parse(t, map[string]string{
		"KU_LISTEN":               "127.0.0.1:1884,[::1]:1885",
		"KU_UPSTREAM":             "10.0.0.5:1883",
		"KU_MAX_CONNECTIONS":      "100",
		"KU_UPSTREAM_FORCE_IPV6":  "true",
		"KU_IDLE_SLEEP":           "5ms",
		"KU_PROTOCOL":             "mqtt",
		"KU_RATE_LIMIT_CAPACITY":  "20",
		"KU_BREAKER_MAX_FAILURES": "3",
		"KU_LOG_LEVEL":            "debug",
		"KU_REDIS_URL":            "redis://localhost:6379/0",
	})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	rc, err := cfg.ReactorConfig()
	if err != nil {
		t.Fatalf("ReactorConfig() error = %v", err)
	}

	wantListen := []reactor.Address{{Host: "127.0.0.1", Port: 1884}, {Host: "::1", Port: 1885}}
	if len(rc.Listen) != len(wantListen) {
		t.Fatalf("Listen = %v, want %v", rc.Listen, wantListen)
	}
	for i, want := range wantListen {
		if rc.Listen[i] != want {
			t.Errorf("Listen[%d] = %v, want %v", i, rc.Listen[i], want)
		}
	}
	if rc.Upstream != (reactor.Address{Host: "10.0.0.5", Port: 1883}) {
		t.Errorf("Upstream = %v", rc.Upstream)
	}
	if rc.MaxConnections != 100 || !rc.UpstreamForceIPv6 || rc.IdleSleep != 5*time.Millisecond {
		t.Errorf("reactor config = %+v", rc)
	}
	if rc.Limiter == nil || rc.Breaker == nil {
		t.Error("rate limiter and breaker should be enabled")
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level() = %v, want debug", cfg.Level())
	}
	if cfg.RedisURL != "redis://localhost:6379/0" || cfg.RedisStream != "ku:sessions" {
		t.Errorf("redis = %s %s", cfg.RedisURL, cfg.RedisStream)
	}
}

func TestNewConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		wantErr error
	}{
		{
			name:    "unknown protocol",
			environ: map[string]string{"KU_PROTOCOL": "coap"},
			wantErr: ErrUnknownProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.environ)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewConfig() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := parse(t, map[string]string{"KU_MAX_CONNECTIONS": "many"}); err == nil {
		t.Error("NewConfig() accepted a non-numeric MAX_CONNECTIONS")
	}
}

func TestConfig_ReactorConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing upstream port", Config{Upstream: "localhost", Listen: []string{":1884"}}},
		{"bad listen port", Config{Upstream: "localhost:1883", Listen: []string{":http"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.ReactorConfig()
			if !errors.Is(err, kuerrors.ErrInvalidAddress) {
				t.Errorf("ReactorConfig() error = %v, want %v", err, kuerrors.ErrInvalidAddress)
			}
		})
	}
}

func TestConfig_Level(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (Config{LogLevel: in}).Level(); got != want {
			t.Errorf("Level(%q) = %v, want %v", in, got, want)
		}
	}
}

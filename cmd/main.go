// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/ku"
	"github.com/absmach/ku/examples/simple"
	"github.com/absmach/ku/pkg/breaker"
	"github.com/absmach/ku/pkg/health"
	"github.com/absmach/ku/pkg/metrics"
	"github.com/absmach/ku/pkg/reactor"
	"github.com/absmach/ku/pkg/session"
	"github.com/absmach/ku/pkg/session/mqtt"
	"github.com/absmach/ku/pkg/session/record"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const (
	envPrefix       = "KU_"
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := ku.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	rc, err := cfg.ReactorConfig()
	if err != nil {
		logger.Error("invalid proxy configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	m := metrics.New("ku", nil)
	rc.Metrics = m
	rc.Logger = logger

	if rc.Breaker != nil {
		rc.Breaker.OnStateChange(func(from, to breaker.State) {
			logger.Warn("upstream circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			m.BreakerState(int(to), to == breaker.StateOpen)
		})
	}

	checker := health.NewChecker(5 * time.Second)
	if rc.Breaker != nil {
		checker.Register("upstream_breaker", health.BreakerCheck(rc.Breaker))
	}

	var (
		redisClient *redis.Client
		rec         *record.Recorder
	)
	factory := newFactory(ctx, cfg, logger)
	if cfg.RedisURL != "" {
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Error("failed to configure session recorder", slog.String("error", err.Error()))
			os.Exit(1)
		}
		redisClient = client
		defer redisClient.Close()

		rec = record.New(record.NewRedisPublisher(client, cfg.RedisStream, cfg.RedisMaxLen), record.Config{Logger: logger})
		factory = rec.Wrap(factory)
		checker.Register("redis", health.RedisCheck(client))
		g.Go(func() error {
			return rec.Run(ctx)
		})
		logger.Info("session recorder started", slog.String("stream", cfg.RedisStream))
	}
	rc.Factory = factory

	r, err := reactor.New(rc)
	if err != nil {
		logger.Error("failed to create proxy", slog.String("error", err.Error()))
		if redisClient != nil {
			redisClient.Close()
		}
		os.Exit(1)
	}

	checker.RegisterCritical("reactor", func(context.Context) error {
		s := r.Stats()
		if !s.Alive {
			return errors.New("reactor stopped")
		}
		if s.Paused {
			return errors.New("reactor paused")
		}
		return nil
	})

	g.Go(func() error {
		return r.Serve(ctx)
	})

	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", cfg.MetricsPort, mux, logger)
		})
	}

	if cfg.HealthPort > 0 {
		mux := http.NewServeMux()
		checker.Routes(mux)
		g.Go(func() error {
			return serveHTTP(ctx, "health", cfg.HealthPort, mux, logger)
		})
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	logger.Info("ku proxy started",
		slog.Any("listen", cfg.Listen),
		slog.String("upstream", cfg.Upstream),
		slog.String("protocol", cfg.Protocol))

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("ku service terminated with error: %s", err))
	} else {
		logger.Info("ku service stopped")
	}

	if rec != nil {
		dropped, published, failed := rec.Stats()
		logger.Info("session recorder stopped",
			slog.Uint64("published", published),
			slog.Uint64("dropped", dropped),
			slog.Uint64("failed", failed))
	}
}

func newFactory(ctx context.Context, cfg ku.Config, logger *slog.Logger) session.Factory {
	switch cfg.Protocol {
	case ku.ProtocolMQTT:
		return mqtt.NewFactory(ctx, mqtt.Config{
			Handler:       simple.New(logger),
			MaxPacketSize: cfg.MQTTMaxPacketSize,
			Logger:        logger,
		})
	default:
		return simple.NewFactory(logger)
	}
}

func newRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// setupLogger creates a structured logger with the configured level and format.
func setupLogger(cfg ku.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.Level(),
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting "+name+" server", slog.String("address", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}

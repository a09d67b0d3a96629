// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// crosstalk-daemon is the local message relay for AI agent processes.
// It listens on a Unix socket, authenticates connecting processes by
// their kernel peer credentials, and relays addressed or broadcast
// messages between named agents with per-agent rate limiting and
// heartbeat liveness tracking.
//
// On startup:
//  1. Loads configuration (--config flag or CROSSTALK_CONFIG).
//  2. Builds the rate limiter and the team validator.
//  3. Listens on the configured Unix socket, plus an optional
//     mutual-TLS TCP listener for remote peers.
//  4. Serves until SIGINT/SIGTERM, then closes every connection and
//     drains.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
	"github.com/crosstalk-foundation/crosstalk/lib/config"
	"github.com/crosstalk-foundation/crosstalk/lib/version"
	"github.com/crosstalk-foundation/crosstalk/peerauth"
	"github.com/crosstalk-foundation/crosstalk/ratelimit"
	"github.com/crosstalk-foundation/crosstalk/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to crosstalk.yaml (default: $CROSSTALK_CONFIG)")
	flag.StringVar(&socketPath, "socket", "", "Unix socket path (overrides the config file)")
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("crosstalk-daemon %s\n", version.Info())
		return nil
	}

	level, err := parseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	var cfg *config.Config
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else if os.Getenv(config.EnvVar) != "" {
		cfg, err = config.Load()
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return err
	}
	if socketPath != "" {
		cfg.Socket.Path = socketPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimit.Enabled {
		bucketLimiter := ratelimit.New(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst, clk)
		go evictIdleBuckets(ctx, bucketLimiter, clk, logger)
		limiter = bucketLimiter
	}

	validator := peerauth.NewValidator(cfg.Auth.Config, logger)

	options := relay.ServerOptions{
		SocketPath: cfg.Socket.Path,
		Validator:  validator,
		Limiter:    limiter,
		Clock:      clk,
		Logger:     logger,
		Connection: relay.ConnectionConfig{
			HeartbeatInterval:          cfg.Connection.HeartbeatInterval(),
			HeartbeatTimeoutMultiplier: cfg.Connection.HeartbeatTimeoutMultiplier,
			MaxFrameBytes:              cfg.Connection.MaxFrameBytes,
			Compression:                cfg.CompressionTag(),
			LogThrottling:              cfg.RateLimit.LogThrottling,
		},
	}

	if cfg.Listen.Enabled {
		tlsConfig, err := peerauth.LoadTLS(cfg.Auth.TLS)
		if err != nil {
			// The local relay is more important than the network
			// listener; run degraded rather than not at all.
			logger.Error("TLS listener disabled", "error", err)
		} else {
			options.ListenAddr = cfg.Listen.Addr
			options.TLSConfig = tlsConfig
		}
	}

	server, err := relay.NewServer(options)
	if err != nil {
		return err
	}

	logger.Info("starting crosstalk-daemon", "version", version.Info(), "socket", cfg.Socket.Path)
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// evictIdleBuckets bounds the limiter's memory against agent-name
// churn.
func evictIdleBuckets(ctx context.Context, limiter *ratelimit.BucketLimiter, clk clock.Clock, logger *slog.Logger) {
	const interval = 10 * time.Minute
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := limiter.Cleanup(interval); evicted > 0 {
				logger.Debug("evicted idle rate-limit buckets", "count", evicted)
			}
		}
	}
}

func parseLogLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}

// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Crosstalk
// daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - CROSSTALK_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crosstalk-foundation/crosstalk/peerauth"
	"github.com/crosstalk-foundation/crosstalk/wire"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "CROSSTALK_CONFIG"

// Config is the master configuration for the Crosstalk daemon.
type Config struct {
	// Socket configures the local Unix socket listener.
	Socket SocketConfig `yaml:"socket"`

	// Listen configures the optional TLS TCP listener.
	Listen ListenConfig `yaml:"listen"`

	// Connection configures per-connection protocol parameters.
	Connection ConnectionConfig `yaml:"connection"`

	// RateLimit configures per-agent message throttling.
	RateLimit RateLimitConfig `yaml:"ratelimit"`

	// Auth configures peer authentication and team isolation. Teams
	// may be declared inline or in a separate policy file.
	Auth AuthConfig `yaml:"auth"`
}

// SocketConfig configures the Unix socket listener.
type SocketConfig struct {
	// Path is the Unix socket path the daemon listens on.
	Path string `yaml:"path"`
}

// ListenConfig configures the TCP listener. Disabled by default; when
// enabled, TLS material must be configured under auth.tls.
type ListenConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ConnectionConfig configures the per-connection protocol.
type ConnectionConfig struct {
	// HeartbeatMillis is the daemon's ping interval.
	HeartbeatMillis int64 `yaml:"heartbeat_ms"`

	// HeartbeatTimeoutMultiplier scales the interval into the
	// liveness deadline.
	HeartbeatTimeoutMultiplier int `yaml:"heartbeat_timeout_multiplier"`

	// MaxFrameBytes caps frame sizes in both directions.
	MaxFrameBytes int `yaml:"max_frame_bytes"`

	// Compression selects outbound frame compression: "none", "lz4"
	// or "zstd".
	Compression string `yaml:"compression"`
}

// HeartbeatInterval returns the ping interval as a duration.
func (c ConnectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMillis) * time.Millisecond
}

// RateLimitConfig configures the per-agent token bucket.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             float64 `yaml:"burst"`

	// LogThrottling emits a log line for every denied send.
	LogThrottling bool `yaml:"log_throttling"`
}

// AuthConfig configures peer authentication. PolicyFile, when set,
// replaces the inline policy entirely.
type AuthConfig struct {
	peerauth.Config `yaml:",inline"`

	// PolicyFile is the path to a standalone policy file (YAML or
	// JSONC). Mutually exclusive with inline teams.
	PolicyFile string `yaml:"policy_file"`
}

// Default returns the documented defaults: a socket under /run, lz4
// compression, rate limiting on, auth off.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{
			Path: "/run/crosstalk/relay.sock",
		},
		Listen: ListenConfig{
			Enabled: false,
			Addr:    "127.0.0.1:7420",
		},
		Connection: ConnectionConfig{
			HeartbeatMillis:            15000,
			HeartbeatTimeoutMultiplier: 3,
			MaxFrameBytes:              wire.DefaultMaxFrameBytes,
			Compression:                "lz4",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			MessagesPerSecond: 200,
			Burst:             1000,
			LogThrottling:     true,
		},
	}
}

// Load reads the config file named by CROSSTALK_CONFIG. There are no
// fallbacks: an unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your crosstalk.yaml config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads a config file, applying it over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Auth.PolicyFile != "" {
		if len(cfg.Auth.Teams) > 0 {
			return nil, fmt.Errorf("config %s: auth.policy_file and inline auth.teams are mutually exclusive", path)
		}
		policy, err := peerauth.LoadConfig(cfg.Auth.PolicyFile)
		if err != nil {
			return nil, err
		}
		cfg.Auth.Config = policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for internally consistent,
// runnable values.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return fmt.Errorf("socket.path must be set")
	}
	if c.Listen.Enabled {
		if c.Listen.Addr == "" {
			return fmt.Errorf("listen.addr must be set when the TCP listener is enabled")
		}
		if !c.Auth.TLS.Enabled {
			return fmt.Errorf("listen requires auth.tls to be enabled")
		}
	}
	if c.Connection.HeartbeatMillis <= 0 {
		return fmt.Errorf("connection.heartbeat_ms must be positive")
	}
	if c.Connection.HeartbeatTimeoutMultiplier < 1 {
		return fmt.Errorf("connection.heartbeat_timeout_multiplier must be at least 1")
	}
	if c.Connection.MaxFrameBytes <= 0 || c.Connection.MaxFrameBytes > 64<<20 {
		return fmt.Errorf("connection.max_frame_bytes must be between 1 and %d", 64<<20)
	}
	if _, err := wire.ParseCompressionTag(c.Connection.Compression); err != nil {
		return fmt.Errorf("connection.compression: %w", err)
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.MessagesPerSecond <= 0 {
			return fmt.Errorf("ratelimit.messages_per_second must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("ratelimit.burst must be at least 1")
		}
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

// CompressionTag returns the parsed outbound compression selection.
// Call after Validate.
func (c *Config) CompressionTag() wire.CompressionTag {
	tag, _ := wire.ParseCompressionTag(c.Connection.Compression)
	return tag
}

// Package config loads nanomq's runtime configuration from a YAML file and
// environment variable overrides, following the layered default/file/env
// pattern used across the broker's ambient stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds broker listener settings.
type ServerConfig struct {
	Addr          string `yaml:"addr"`            // TCP listen address, e.g. ":45784"
	MaxFrameBytes int    `yaml:"max_frame_bytes"` // Oversize frames abort the session
	MaxQueueDepth int    `yaml:"max_queue_depth"` // 0 = unbounded
}

// AckConfig holds ack-tracker timing settings (§4.4).
type AckConfig struct {
	TimeoutMS    int64 `yaml:"timeout_ms"`    // Default 15000
	ReapInterval int64 `yaml:"reap_interval_ms"`
}

// ClientConfig holds client-side reconnect and query defaults (§4.6, §4.7).
type ClientConfig struct {
	ReconnectIntervalMS int64 `yaml:"reconnect_interval_ms"` // Default 1000
	QueryTimeoutMS      int64 `yaml:"query_timeout_ms"`      // Default 60000
}

// MetricsConfig holds Prometheus metrics exposure settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // admin HTTP addr serving /metrics and /queues
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Ack     AckConfig     `yaml:"ack"`
	Client  ClientConfig  `yaml:"client"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultConfig returns a Config with sensible defaults matching spec.md §6.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":45784",
			MaxFrameBytes: 16 << 20, // 16 MiB
			MaxQueueDepth: 0,
		},
		Ack: AckConfig{
			TimeoutMS:    15000,
			ReapInterval: 7500,
		},
		Client: ClientConfig{
			ReconnectIntervalMS: 1000,
			QueryTimeoutMS:      60000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9464",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file, starting from defaults
// so an incomplete file still yields a valid Config.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("NANOMQ_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("NANOMQ_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxFrameBytes = n
		}
	}
	if v := os.Getenv("NANOMQ_MAX_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxQueueDepth = n
		}
	}
	if v := os.Getenv("NANOMQ_ACK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Ack.TimeoutMS = n
		}
	}
	if v := os.Getenv("NANOMQ_RECONNECT_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Client.ReconnectIntervalMS = n
		}
	}
	if v := os.Getenv("NANOMQ_QUERY_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Client.QueryTimeoutMS = n
		}
	}
	if v := os.Getenv("NANOMQ_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("NANOMQ_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("NANOMQ_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NANOMQ_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

// AckTimeout returns the configured ack timeout as a time.Duration.
func (c *AckConfig) AckTimeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// ReapEvery returns the configured reaper tick interval as a time.Duration.
func (c *AckConfig) ReapEvery() time.Duration {
	return time.Duration(c.ReapInterval) * time.Millisecond
}

// ReconnectInterval returns the configured reconnect tick interval.
func (c *ClientConfig) ReconnectInterval() time.Duration {
	return time.Duration(c.ReconnectIntervalMS) * time.Millisecond
}

// QueryTimeout returns the configured default query timeout.
func (c *ClientConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

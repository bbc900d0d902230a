// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the ferry configuration from YAML
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ferry/internal/mcp"
)

// PoolConfig configures the session pool.
type PoolConfig struct {
	MinSize             int           `yaml:"min_size,omitempty"`
	MaxSize             int           `yaml:"max_size,omitempty"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout,omitempty"`
	IdleTimeout         time.Duration `yaml:"idle_timeout,omitempty"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval,omitempty"`
}

// RetryConfig configures per-call retry.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts,omitempty"`
	BaseDelay     time.Duration `yaml:"base_delay,omitempty"`
	MaxDelay      time.Duration `yaml:"max_delay,omitempty"`
	BackoffFactor float64       `yaml:"backoff_factor,omitempty"`

	// RetryableCodes restricts retries to errors carrying one of these
	// codes. Empty allows any retryable error.
	RetryableCodes []string `yaml:"retryable_codes,omitempty"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold,omitempty"`
	CoolDown         time.Duration `yaml:"cool_down,omitempty"`
}

// WorkerConfig configures one named queue's worker pool.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency,omitempty"`
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`

	// RateLimit caps dispatch in jobs per second. Zero means unlimited.
	RateLimit float64 `yaml:"rate_limit,omitempty"`
}

// QueueConfig configures the durable work queue.
type QueueConfig struct {
	ToolExecution     WorkerConfig `yaml:"tool_execution,omitempty"`
	MessageProcessing WorkerConfig `yaml:"message_processing,omitempty"`
}

// StoreConfig configures the SQLite tracking store.
type StoreConfig struct {
	Path string `yaml:"path,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Listen  string `yaml:"listen,omitempty"`
}

// Config is the root ferry configuration.
type Config struct {
	// Endpoint describes the external tool-execution process.
	Endpoint mcp.Endpoint `yaml:"endpoint"`

	Pool    PoolConfig    `yaml:"pool,omitempty"`
	Retry   RetryConfig   `yaml:"retry,omitempty"`
	Breaker BreakerConfig `yaml:"breaker,omitempty"`
	Queue   QueueConfig   `yaml:"queue,omitempty"`
	Store   StoreConfig   `yaml:"store,omitempty"`
	Log     LogConfig     `yaml:"log,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// Default returns the configuration defaults applied before loading.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			MinSize:             1,
			MaxSize:             5,
			AcquireTimeout:      30 * time.Second,
			IdleTimeout:         5 * time.Minute,
			HealthCheckInterval: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			BaseDelay:     time.Second,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2.0,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CoolDown:         30 * time.Second,
		},
		Queue: QueueConfig{
			ToolExecution: WorkerConfig{
				Concurrency:  5,
				MaxAttempts:  3,
				RetryBackoff: time.Second,
				RateLimit:    10,
			},
			MessageProcessing: WorkerConfig{
				Concurrency:  3,
				MaxAttempts:  3,
				RetryBackoff: time.Second,
			},
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ferry.db"
	}
	return filepath.Join(home, ".ferry", "ferry.db")
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment-variable overrides.
// Supported variables:
//   - FERRY_ENDPOINT_COMMAND: overrides endpoint.command
//   - FERRY_STORE_PATH: overrides store.path
//   - FERRY_METRICS_LISTEN: overrides metrics.listen
//   - FERRY_CALL_TIMEOUT: overrides endpoint.call_timeout (Go duration)
func (c *Config) applyEnv() {
	if v := os.Getenv("FERRY_ENDPOINT_COMMAND"); v != "" {
		c.Endpoint.Command = v
	}
	if v := os.Getenv("FERRY_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FERRY_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("FERRY_CALL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Endpoint.CallTimeout = d
		}
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.Endpoint.Command == "" {
		return fmt.Errorf("endpoint.command is required")
	}
	if c.Pool.MinSize < 0 {
		return fmt.Errorf("pool.min_size must not be negative")
	}
	if c.Pool.MaxSize > 0 && c.Pool.MaxSize < c.Pool.MinSize {
		return fmt.Errorf("pool.max_size (%d) must be at least pool.min_size (%d)",
			c.Pool.MaxSize, c.Pool.MinSize)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffFactor < 1.0 {
		return fmt.Errorf("retry.backoff_factor must be at least 1.0")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.CoolDown <= 0 {
		return fmt.Errorf("breaker.cool_down must be positive")
	}
	if c.Queue.ToolExecution.Concurrency < 1 || c.Queue.MessageProcessing.Concurrency < 1 {
		return fmt.Errorf("queue worker concurrency must be at least 1")
	}
	if c.Queue.ToolExecution.RateLimit < 0 || c.Queue.MessageProcessing.RateLimit < 0 {
		return fmt.Errorf("queue rate_limit must not be negative")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ferry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  command: /usr/local/bin/tool-server
  args: ["--stdio"]
  call_timeout: 45s
pool:
  max_size: 8
retry:
  max_attempts: 4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/usr/local/bin/tool-server", cfg.Endpoint.Command)
	require.Equal(t, []string{"--stdio"}, cfg.Endpoint.Args)
	require.Equal(t, 45*time.Second, cfg.Endpoint.CallTimeout)

	// Explicit values override, untouched fields keep defaults.
	require.Equal(t, 8, cfg.Pool.MaxSize)
	require.Equal(t, 1, cfg.Pool.MinSize)
	require.Equal(t, 30*time.Second, cfg.Pool.AcquireTimeout)
	require.Equal(t, 4, cfg.Retry.MaxAttempts)
	require.Equal(t, 2.0, cfg.Retry.BackoffFactor)
	require.Equal(t, 5, cfg.Breaker.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.Breaker.CoolDown)
	require.Equal(t, 5, cfg.Queue.ToolExecution.Concurrency)
	require.Equal(t, float64(10), cfg.Queue.ToolExecution.RateLimit)
	require.Equal(t, 3, cfg.Queue.MessageProcessing.Concurrency)
	require.True(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoad_RequiresEndpointCommand(t *testing.T) {
	path := writeConfig(t, `
pool:
  max_size: 3
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "endpoint.command")
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  command: /usr/bin/original
`)

	t.Setenv("FERRY_ENDPOINT_COMMAND", "/usr/bin/overridden")
	t.Setenv("FERRY_STORE_PATH", "/tmp/other.db")
	t.Setenv("FERRY_CALL_TIMEOUT", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/usr/bin/overridden", cfg.Endpoint.Command)
	require.Equal(t, "/tmp/other.db", cfg.Store.Path)
	require.Equal(t, 90*time.Second, cfg.Endpoint.CallTimeout)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "max below min",
			mutate:  func(c *Config) { c.Pool.MinSize = 5; c.Pool.MaxSize = 2 },
			wantErr: "pool.max_size",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: "retry.max_attempts",
		},
		{
			name:    "backoff factor below one",
			mutate:  func(c *Config) { c.Retry.BackoffFactor = 0.5 },
			wantErr: "retry.backoff_factor",
		},
		{
			name:    "zero breaker threshold",
			mutate:  func(c *Config) { c.Breaker.FailureThreshold = 0 },
			wantErr: "breaker.failure_threshold",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "log.format",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.Queue.ToolExecution.RateLimit = -1 },
			wantErr: "rate_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Endpoint.Command = "/usr/bin/tool"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  command: /usr/bin/first
`)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:          path,
		OnReload:      func(cfg *Config) { reloaded <- cfg },
		DebounceDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  command: /usr/bin/second
`), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "/usr/bin/second", cfg.Endpoint.Command)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
}

func TestWatcher_KeepsPreviousConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, `
endpoint:
  command: /usr/bin/first
`)

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(WatcherConfig{
		Path:          path,
		OnReload:      func(cfg *Config) { reloaded <- cfg },
		DebounceDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	// Invalid config: the callback must not fire.
	require.NoError(t, os.WriteFile(path, []byte("endpoint: {}\n"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("callback fired for invalid config: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}

	// A valid write afterwards still reloads.
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint:
  command: /usr/bin/second
`), 0o644))

	select {
	case cfg := <-reloaded:
		require.Equal(t, "/usr/bin/second", cfg.Endpoint.Command)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not recover after an invalid reload")
	}
}

func TestWatcher_RequiresPathAndCallback(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{OnReload: func(*Config) {}})
	require.Error(t, err)

	_, err = NewWatcher(WatcherConfig{Path: "/tmp/x.yaml"})
	require.Error(t, err)
}

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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/ferry/internal/config"
	"github.com/tombee/ferry/internal/executor"
	"github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/mcp"
	"github.com/tombee/ferry/internal/pool"
	"github.com/tombee/ferry/internal/queue"
	"github.com/tombee/ferry/internal/retry"
	"github.com/tombee/ferry/internal/store"
	ferrors "github.com/tombee/ferry/pkg/errors"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath    = flag.String("config", defaultConfigPath(), "Path to the ferry config file")
		storePath     = flag.String("store", "", "Path to the SQLite tracking store (overrides config)")
		metricsListen = flag.String("metrics-listen", "", "Prometheus listen address (overrides config)")
		watchConfig   = flag.Bool("watch-config", true, "Reload the config file on change")
		showVersion   = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ferryd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Initialize structured logging from environment
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	// Apply CLI flag overrides
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}

	// Rebuild the logger from config unless the environment pinned it
	if os.Getenv("FERRY_DEBUG") == "" && os.Getenv("FERRY_LOG_LEVEL") == "" && os.Getenv("LOG_LEVEL") == "" {
		logger = log.New(&log.Config{Level: cfg.Log.Level, Format: log.Format(cfg.Log.Format)})
		slog.SetDefault(logger)
	}

	if err := run(cfg, *configPath, *watchConfig, logger); err != nil {
		logger.Error("Daemon error", slog.Any("error", err))
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ferry.yaml"
	}
	return filepath.Join(home, ".ferry", "ferry.yaml")
}

func retryableCodes(codes []string) []ferrors.Code {
	out := make([]ferrors.Code, len(codes))
	for i, c := range codes {
		out[i] = ferrors.Code(c)
	}
	return out
}

func run(cfg *config.Config, configPath string, watchConfig bool, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracking store, with crash recovery before any new work is accepted.
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.Open(store.Config{Path: cfg.Store.Path, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to open tracking store: %w", err)
	}
	defer st.Close()

	recovered, err := st.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	if recovered > 0 {
		logger.Info("marked orphaned jobs failed", slog.Int("count", recovered))
	}

	// Session pool against the configured endpoint.
	endpoint := cfg.Endpoint
	p := pool.New(pool.Config{
		MinSize:             cfg.Pool.MinSize,
		MaxSize:             cfg.Pool.MaxSize,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		IdleTimeout:         cfg.Pool.IdleTimeout,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		Logger:              logger,
		Factory: func(ctx context.Context) (pool.Session, error) {
			return mcp.Dial(ctx, endpoint)
		},
	})
	if err := p.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize session pool: %w", err)
	}

	// Work queue over the in-process broker, tracked in the store.
	qm, err := queue.NewManager(queue.Config{
		Broker:  queue.NewMemoryBroker(),
		Tracker: st,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create queue manager: %w", err)
	}

	recovery := retry.NewRecoveryManager(retry.RecoveryManagerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		CoolDown:         cfg.Breaker.CoolDown,
		Logger:           logger,
	})
	policy := &retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		BaseDelay:      cfg.Retry.BaseDelay,
		MaxDelay:       cfg.Retry.MaxDelay,
		BackoffFactor:  cfg.Retry.BackoffFactor,
		RetryableCodes: retryableCodes(cfg.Retry.RetryableCodes),
	}

	svc, err := executor.New(executor.Config{
		Pool:        p,
		Queue:       qm,
		Recovery:    recovery,
		RetryPolicy: policy,
		Auditor:     st,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	if err := svc.StartQueues(executor.QueueSetup{
		ToolConcurrency:     cfg.Queue.ToolExecution.Concurrency,
		ToolRateLimit:       cfg.Queue.ToolExecution.RateLimit,
		ToolMaxAttempts:     cfg.Queue.ToolExecution.MaxAttempts,
		ToolRetryBackoff:    cfg.Queue.ToolExecution.RetryBackoff,
		MessageConcurrency:  cfg.Queue.MessageProcessing.Concurrency,
		MessageMaxAttempts:  cfg.Queue.MessageProcessing.MaxAttempts,
		MessageRetryBackoff: cfg.Queue.MessageProcessing.RetryBackoff,
	}); err != nil {
		return fmt.Errorf("failed to start queue workers: %w", err)
	}

	if err := svc.RegisterMessageHandler(func(ctx context.Context, msg *queue.MessageProcessingPayload) error {
		// Message semantics live upstream; the daemon records the hand-off.
		logger.Info("message processed",
			slog.String("message_id", msg.MessageID),
			slog.String("conversation_id", msg.ConversationID),
		)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to start message workers: %w", err)
	}

	// Prometheus endpoint.
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !svc.Ready() {
				http.Error(w, "pool not ready", http.StatusServiceUnavailable)
				return
			}
			fmt.Fprintln(w, "ok")
		})
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics listening", slog.String("addr", cfg.Metrics.Listen))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
	}

	// Config hot-reload. Pool sizing and endpoint changes need a restart;
	// the watcher surfaces them so operators notice drift.
	var watcher *config.Watcher
	if watchConfig {
		watcher, err = config.NewWatcher(config.WatcherConfig{
			Path:   configPath,
			Logger: logger,
			OnReload: func(next *config.Config) {
				if next.Endpoint.Command != endpoint.Command {
					logger.Warn("endpoint command changed on disk, restart required to take effect",
						slog.String("current", endpoint.Command),
						slog.String("new", next.Endpoint.Command),
					)
				}
			},
		})
		if err != nil {
			logger.Warn("config watcher unavailable", slog.Any("error", err))
		} else {
			defer watcher.Close()
		}
	}

	logger.Info("ferryd started",
		slog.String("version", version),
		slog.String("endpoint", endpoint.Command),
		slog.Int("pool_min", cfg.Pool.MinSize),
		slog.Int("pool_max", cfg.Pool.MaxSize),
	)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", slog.String("signal", sig.String()))
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", slog.Any("error", err))
		}
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Warn("executor shutdown incomplete", slog.Any("error", err))
	}

	logger.Info("ferryd stopped")
	return nil
}

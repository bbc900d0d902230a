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
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tombee/ferry/internal/config"
	"github.com/tombee/ferry/internal/executor"
	"github.com/tombee/ferry/internal/mcp"
	"github.com/tombee/ferry/internal/pool"
	"github.com/tombee/ferry/internal/queue"
	"github.com/tombee/ferry/internal/retry"
	"github.com/tombee/ferry/internal/store"
	ferrors "github.com/tombee/ferry/pkg/errors"
)

// runtime is the one-shot execution stack behind each CLI invocation: a
// single-session pool against the configured endpoint, the shared tracking
// store, and optionally the queue manager.
type runtime struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	pool   *pool.Pool
	queue  *queue.Manager
	svc    *executor.Service
}

// newRuntime builds the execution stack. The pool is pinned to a single
// session; one-shot commands have no use for more than one spawned
// process.
func newRuntime(ctx context.Context, configPath string, withQueue bool) (*runtime, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := cliLogger()

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	st, err := store.Open(store.Config{Path: cfg.Store.Path, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking store: %w", err)
	}

	endpoint := cfg.Endpoint
	p := pool.New(pool.Config{
		MinSize:        1,
		MaxSize:        1,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Logger:         logger,
		Factory: func(ctx context.Context) (pool.Session, error) {
			return mcp.Dial(ctx, endpoint)
		},
	})
	if err := p.Initialize(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint.Command, err)
	}

	var qm *queue.Manager
	if withQueue {
		qm, err = queue.NewManager(queue.Config{
			Broker:  queue.NewMemoryBroker(),
			Tracker: st,
			Logger:  logger,
		})
		if err != nil {
			p.Shutdown(ctx)
			st.Close()
			return nil, fmt.Errorf("failed to create queue manager: %w", err)
		}
	}

	svc, err := executor.New(executor.Config{
		Pool:  p,
		Queue: qm,
		Recovery: retry.NewRecoveryManager(retry.RecoveryManagerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			CoolDown:         cfg.Breaker.CoolDown,
			Logger:           logger,
		}),
		RetryPolicy: &retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			RetryableCodes: retryableCodes(cfg.Retry.RetryableCodes),
		},
		Auditor: st,
		Logger:  logger,
	})
	if err != nil {
		p.Shutdown(ctx)
		st.Close()
		return nil, err
	}

	return &runtime{cfg: cfg, logger: logger, store: st, pool: p, queue: qm, svc: svc}, nil
}

func retryableCodes(codes []string) []ferrors.Code {
	out := make([]ferrors.Code, len(codes))
	for i, c := range codes {
		out[i] = ferrors.Code(c)
	}
	return out
}

// openStore opens only the tracking store, for inspection commands that
// never touch the external process.
func openStore(configPath string) (*store.Store, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{Path: cfg.Store.Path, Logger: cliLogger()})
	if err != nil {
		return nil, fmt.Errorf("failed to open tracking store %s: %w", cfg.Store.Path, err)
	}
	return st, nil
}

func (r *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.svc.Shutdown(ctx); err != nil {
		r.logger.Warn("shutdown incomplete", slog.Any("error", err))
	}
	r.store.Close()
}

// parseArgs decodes the --args JSON object.
func parseArgs(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("invalid --args, expected a JSON object: %w", err)
	}
	return args, nil
}

// printResponse renders the response content blocks to stdout.
func printResponse(resp *mcp.ToolCallResponse) {
	for _, item := range resp.Content {
		switch {
		case item.Text != "":
			fmt.Println(item.Text)
		case item.Data != "":
			fmt.Printf("[%s content, %d bytes base64]\n", item.MimeType, len(item.Data))
		}
	}
}

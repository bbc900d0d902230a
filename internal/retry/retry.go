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

// Package retry provides exponential-backoff retry for fallible
// operations and a per-operation-key circuit breaker.
//
// The two layers are deliberately separate: retry absorbs transient blips
// within one logical call, while the breaker stops new calls entirely
// once a dependency is clearly unhealthy.
package retry

import (
	"context"
	"math/rand"
	"time"

	ferrors "github.com/tombee/ferry/pkg/errors"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts including the first
	// (default: 3).
	MaxAttempts int

	// BaseDelay is the delay before the first retry (default: 1s).
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay (default: 10s).
	MaxDelay time.Duration

	// BackoffFactor is the exponential backoff multiplier (default: 2.0).
	BackoffFactor float64

	// RetryableCodes restricts retries to errors carrying one of these
	// codes. Empty means any error reporting Retryable()==true may be
	// retried.
	RetryableCodes []ferrors.Code
}

// DefaultPolicy returns the default retry policy.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

func (p *Policy) withDefaults() Policy {
	cfg := *p
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.BackoffFactor < 1.0 {
		cfg.BackoffFactor = 2.0
	}
	return cfg
}

// allows reports whether the policy may retry err.
func (p *Policy) allows(err error) bool {
	if !ferrors.IsRetryable(err) {
		return false
	}
	if len(p.RetryableCodes) == 0 {
		return true
	}
	code := ferrors.CodeOf(err)
	for _, allowed := range p.RetryableCodes {
		if code == allowed {
			return true
		}
	}
	return false
}

// Do runs op with retry. Errors tagged non-retryable are returned
// immediately; otherwise Do sleeps min(BaseDelay * BackoffFactor^attempt,
// MaxDelay) plus jitter between attempts, up to MaxAttempts, and returns
// the last error. The sleep is interruptible by context cancellation.
func Do[T any](ctx context.Context, policy *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if policy == nil {
		policy = DefaultPolicy()
	}
	cfg := policy.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt >= cfg.MaxAttempts || !cfg.allows(err) {
			return zero, lastErr
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		select {
		case <-time.After(backoff(&cfg, attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}

// backoff calculates the delay before the next attempt.
// Formula: min(BaseDelay * BackoffFactor^(attempt-1), MaxDelay) + jitter,
// jitter random in [0ms, 100ms).
func backoff(cfg *Policy, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.BackoffFactor
	}
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	jitter := time.Duration(rand.Int63n(100)) * time.Millisecond
	return time.Duration(delay) + jitter
}

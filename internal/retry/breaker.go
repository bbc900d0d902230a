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

package retry

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the breaker state for one operation key.
type CircuitState string

const (
	// CircuitClosed allows operations.
	CircuitClosed CircuitState = "closed"
	// CircuitOpen rejects operations until the cool-down elapses.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows a probe operation after the cool-down.
	CircuitHalfOpen CircuitState = "half-open"
)

// circuit tracks failures for one operation key. Guarded by
// RecoveryManager.mu.
type circuit struct {
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// RecoveryManagerConfig configures the circuit breaker.
type RecoveryManagerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a
	// circuit (default: 5).
	FailureThreshold int

	// CoolDown is how long an open circuit stays open before probing is
	// allowed again (default: 30s).
	CoolDown time.Duration

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Now overrides the clock, for tests (optional).
	Now func() time.Time
}

// RecoveryManager is the process-wide circuit breaker, one instance per
// executor. It never blocks and never returns errors: it only advises via
// ShouldAttempt, leaving the decision (and the user-visible message) to
// the caller. Callers must consult ShouldAttempt before an operation and
// report the outcome with RecordSuccess or RecordFailure, whether or not
// they also retried.
type RecoveryManager struct {
	threshold int
	coolDown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewRecoveryManager creates a circuit breaker.
func NewRecoveryManager(cfg RecoveryManagerConfig) *RecoveryManager {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	coolDown := cfg.CoolDown
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &RecoveryManager{
		threshold: threshold,
		coolDown:  coolDown,
		logger:    logger,
		now:       now,
		circuits:  make(map[string]*circuit),
	}
}

// RecordFailure increments the consecutive-failure count for key and
// opens the circuit at the threshold.
func (m *RecoveryManager) RecordFailure(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[key]
	if !ok {
		c = &circuit{state: CircuitClosed}
		m.circuits[key] = c
	}

	c.failures++
	c.lastFailure = m.now()

	if c.failures >= m.threshold && c.state != CircuitOpen {
		c.state = CircuitOpen
		m.logger.Warn("circuit opened",
			"key", key,
			"failures", c.failures,
		)
	}
}

// RecordSuccess resets the failure count for key and closes its circuit.
func (m *RecoveryManager) RecordSuccess(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[key]
	if !ok {
		return
	}
	if c.state != CircuitClosed {
		m.logger.Info("circuit closed", "key", key)
	}
	c.failures = 0
	c.state = CircuitClosed
}

// ShouldAttempt reports whether an operation keyed by key may proceed.
// Open circuits transition to half-open once the cool-down has elapsed,
// admitting a probe call whose outcome decides the next state.
func (m *RecoveryManager) ShouldAttempt(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case CircuitOpen:
		if m.now().Sub(c.lastFailure) >= m.coolDown {
			c.state = CircuitHalfOpen
			m.logger.Info("circuit half-open", "key", key)
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the current circuit state for key.
func (m *RecoveryManager) State(key string) CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.circuits[key]
	if !ok {
		return CircuitClosed
	}
	return c.state
}

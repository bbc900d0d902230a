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

// Package pool manages a bounded set of protocol sessions with
// acquire/release semantics.
//
// The external process allows one outstanding request per session, so the
// pool guarantees a session is never lent to two callers simultaneously:
// the in-use flag is set under the pool mutex before any caller observes
// the session. Waiters are served FIFO by direct hand-off on release, so
// a released session never becomes visibly idle while callers wait.
package pool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tombee/ferry/internal/mcp"
	ferrors "github.com/tombee/ferry/pkg/errors"
)

// Session is the pool's view of one protocol session. *mcp.Session is the
// production implementation; tests substitute fakes through the factory.
type Session interface {
	ID() string
	CallTool(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error)
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a new protocol session.
type Factory func(ctx context.Context) (Session, error)

// State is the pool lifecycle state.
type State string

const (
	// StateUninitialized is the state before Initialize is called.
	StateUninitialized State = "uninitialized"
	// StateInitializing is the state while minimum sessions are created.
	StateInitializing State = "initializing"
	// StateReady is the normal operating state.
	StateReady State = "ready"
	// StateDraining is the state during shutdown; acquires are rejected.
	StateDraining State = "draining"
	// StateClosed is the terminal state.
	StateClosed State = "closed"
)

// Stats is a read-only snapshot of pool occupancy, recomputed on demand.
type Stats struct {
	State     State
	Total     int
	Available int
	InUse     int
	Waiting   int
}

// Config configures a session pool.
type Config struct {
	// MinSize is the number of sessions created at startup and preserved
	// by idle reclamation (default: 1).
	MinSize int

	// MaxSize is the hard cap on concurrent sessions (default: 5). Bounds
	// the external process's concurrent-connection load.
	MaxSize int

	// AcquireTimeout is how long Acquire waits for a session before
	// failing with AcquireTimeoutError (default: 30s).
	AcquireTimeout time.Duration

	// IdleTimeout is how long a session above MinSize may sit idle before
	// it is closed and removed (default: 5m).
	IdleTimeout time.Duration

	// HealthCheckInterval is how often idle sessions are probed
	// (default: 30s).
	HealthCheckInterval time.Duration

	// Factory creates new sessions (required).
	Factory Factory

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// entry tracks one pooled session. All fields are guarded by Pool.mu.
type entry struct {
	session  Session
	inUse    bool
	lastUsed time.Time
}

// waiter is one caller queued for a session. The channel is buffered so
// the releasing side never blocks while holding the pool mutex.
type waiter struct {
	ch chan Session
}

// Pool is a bounded, reusable set of protocol sessions.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	entries  map[string]*entry
	waiters  []*waiter
	creating int // sessions being created; counted against MaxSize

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an uninitialized pool. Call Initialize before Acquire.
func New(cfg Config) *Pool {
	c := cfg.withDefaults()
	return &Pool{
		cfg:     c,
		logger:  c.Logger,
		state:   StateUninitialized,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Initialize creates MinSize sessions concurrently and starts the health
// loop. Partial failure degrades the pool rather than aborting startup;
// callers must tolerate a pool smaller than MinSize.
func (p *Pool) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateUninitialized {
		p.mu.Unlock()
		return &ferrors.ConnectionError{Message: "pool already initialized"}
	}
	p.state = StateInitializing
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.MinSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			session, err := p.cfg.Factory(ctx)
			if err != nil {
				p.logger.Warn("pool session creation failed during initialize",
					"error", err,
				)
				return
			}
			p.mu.Lock()
			p.entries[session.ID()] = &entry{session: session, lastUsed: time.Now()}
			p.updateGauges()
			p.mu.Unlock()
		}()
	}
	wg.Wait()

	p.mu.Lock()
	p.state = StateReady
	created := len(p.entries)
	p.mu.Unlock()

	if created < p.cfg.MinSize {
		p.logger.Warn("pool started degraded",
			"created", created,
			"min_size", p.cfg.MinSize,
		)
	} else {
		p.logger.Info("pool ready",
			"sessions", created,
			"max_size", p.cfg.MaxSize,
		)
	}

	p.wg.Add(1)
	go p.healthLoop()

	return nil
}

// Acquire returns an exclusive session: an idle one if available, a fresh
// one if the pool may still grow, otherwise it joins the FIFO waiter list
// until a session is released or the acquire timeout expires.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	p.mu.Lock()

	if p.state != StateReady {
		state := p.state
		p.mu.Unlock()
		return nil, &ferrors.ConnectionError{
			Message: "pool is not ready (state: " + string(state) + ")",
		}
	}

	// Idle session available.
	for _, e := range p.entries {
		if !e.inUse {
			e.inUse = true
			e.lastUsed = time.Now()
			s := e.session
			p.updateGauges()
			p.mu.Unlock()
			return s, nil
		}
	}

	// Room to grow.
	if len(p.entries)+p.creating < p.cfg.MaxSize {
		p.creating++
		p.mu.Unlock()
		return p.createInUse(ctx)
	}

	// Pool exhausted: wait FIFO.
	w := &waiter{ch: make(chan Session, 1)}
	p.waiters = append(p.waiters, w)
	p.updateGauges()
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case s, ok := <-w.ch:
		if !ok {
			return nil, &ferrors.ConnectionError{Message: "pool is draining"}
		}
		return s, nil

	case <-timer.C:
		waiting := p.abandonWait(w)
		return nil, &ferrors.AcquireTimeoutError{Timeout: p.cfg.AcquireTimeout, Waiting: waiting}

	case <-ctx.Done():
		p.abandonWait(w)
		return nil, ctx.Err()
	}
}

// abandonWait removes w from the waiter list and returns how many callers
// are still queued. If the removal loses a race with a hand-off, the
// session already sent to w is released back so it is not leaked.
func (p *Pool) abandonWait(w *waiter) int {
	p.mu.Lock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			waiting := len(p.waiters)
			p.updateGauges()
			p.mu.Unlock()
			return waiting
		}
	}
	waiting := len(p.waiters)
	p.mu.Unlock()

	// The hand-off sent a session under the pool lock before we got here;
	// the buffered channel holds it. Put it back.
	select {
	case s, ok := <-w.ch:
		if ok && s != nil {
			p.Release(s.ID())
		}
	default:
	}
	return waiting
}

// createInUse builds a session already marked in use. Called with
// p.creating incremented; always decrements it.
func (p *Pool) createInUse(ctx context.Context) (Session, error) {
	session, err := p.cfg.Factory(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.updateGauges()
		p.mu.Unlock()
		return nil, err
	}
	if p.state != StateReady {
		p.mu.Unlock()
		_ = session.Close()
		return nil, &ferrors.ConnectionError{Message: "pool is draining"}
	}

	p.entries[session.ID()] = &entry{session: session, inUse: true, lastUsed: time.Now()}
	p.updateGauges()
	p.mu.Unlock()
	return session, nil
}

// Release returns a session to the pool. Releasing an unknown or
// already-idle session is a no-op. If callers are waiting, the session is
// handed directly to the longest-waiting one without becoming idle.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()

	e, ok := p.entries[sessionID]
	if !ok || !e.inUse {
		p.mu.Unlock()
		return
	}

	e.lastUsed = time.Now()

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		// in-use stays set; the waiter observes an exclusively-held
		// session. Buffered channel: send cannot block under the lock.
		w.ch <- e.session
		p.updateGauges()
		p.mu.Unlock()
		return
	}

	e.inUse = false
	p.updateGauges()
	p.mu.Unlock()
}

// Discard removes a session whose in-flight state is unknown (e.g. a tool
// call timed out mid-request) instead of returning it to the pool. The
// session is closed asynchronously and replaced when the pool dropped
// below MinSize or callers are queued; discards happen under load, exactly
// when waiters need the freed capacity back.
func (p *Pool) Discard(sessionID string) {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.entries, sessionID)
	spawn := p.needReplacementLocked()
	if spawn {
		p.creating++
	}
	p.updateGauges()
	p.mu.Unlock()

	p.logger.Info("session discarded", "session_id", sessionID)
	go func() { _ = e.session.Close() }()

	if spawn {
		p.wg.Add(1)
		go p.replace()
	}
}

// replace creates one session after a removal: handed to the head waiter
// when one is queued, idle otherwise. Called with p.creating incremented;
// always decrements it.
func (p *Pool) replace() {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := p.cfg.Factory(ctx)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.updateGauges()
		p.mu.Unlock()
		p.logger.Warn("session replacement failed", "error", err)
		return
	}
	if p.state != StateReady {
		p.mu.Unlock()
		_ = session.Close()
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.entries[session.ID()] = &entry{session: session, inUse: true, lastUsed: time.Now()}
		w.ch <- session
	} else {
		p.entries[session.ID()] = &entry{session: session, lastUsed: time.Now()}
	}
	p.updateGauges()
	p.mu.Unlock()
}

// healthLoop periodically reclaims idle sessions above MinSize and probes
// the remaining idle sessions. In-use sessions are never probed.
func (p *Pool) healthLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reclaimIdle()
			p.probeIdle()
		case <-p.stopCh:
			return
		}
	}
}

// reclaimIdle closes sessions idle longer than IdleTimeout, least recently
// used first, never shrinking below MinSize.
func (p *Pool) reclaimIdle() {
	now := time.Now()
	var victims []Session

	p.mu.Lock()
	type candidate struct {
		id       string
		lastUsed time.Time
		session  Session
	}
	var expired []candidate
	for id, e := range p.entries {
		if !e.inUse && now.Sub(e.lastUsed) > p.cfg.IdleTimeout {
			expired = append(expired, candidate{id: id, lastUsed: e.lastUsed, session: e.session})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].lastUsed.Before(expired[j].lastUsed)
	})
	for _, c := range expired {
		if len(p.entries)+p.creating <= p.cfg.MinSize {
			break
		}
		delete(p.entries, c.id)
		victims = append(victims, c.session)
	}
	if len(victims) > 0 {
		p.updateGauges()
	}
	p.mu.Unlock()

	for _, s := range victims {
		p.logger.Debug("idle session reclaimed", "session_id", s.ID())
		_ = s.Close()
	}
}

// probeIdle pings idle sessions. Each session is reserved (marked in use)
// under the lock before its ping, so Acquire can never lend it out while
// the probe request is in flight. Probe failures close the session; the
// replacement runs asynchronously so the cycle stays bounded in time.
func (p *Pool) probeIdle() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.entries))
	for id, e := range p.entries {
		if !e.inUse {
			ids = append(ids, id)
		}
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		e, ok := p.entries[id]
		if !ok || e.inUse {
			// Lent out (or removed) since the snapshot.
			p.mu.Unlock()
			continue
		}
		e.inUse = true
		s := e.session
		p.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.Ping(ctx)
		cancel()
		if err == nil {
			p.handBack(id)
			continue
		}

		p.logger.Warn("health probe failed, closing session",
			"session_id", id,
			"error", err,
		)

		p.mu.Lock()
		if _, ok := p.entries[id]; !ok {
			// Shut down since the reservation.
			p.mu.Unlock()
			continue
		}
		delete(p.entries, id)
		spawn := p.needReplacementLocked()
		if spawn {
			p.creating++
		}
		p.updateGauges()
		p.mu.Unlock()

		_ = s.Close()
		if spawn {
			p.wg.Add(1)
			go p.replace()
		}
	}
}

// handBack returns a session reserved for probing: handed to the head
// waiter when one is queued, otherwise back to idle. The idle clock is not
// reset, so a probe never postpones reclamation.
func (p *Pool) handBack(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[sessionID]
	if !ok || !e.inUse {
		return
	}

	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		e.lastUsed = time.Now()
		w.ch <- e.session
		p.updateGauges()
		return
	}

	e.inUse = false
	p.updateGauges()
}

// needReplacementLocked reports whether removing a session leaves demand
// unmet: the pool fell below MinSize, or callers are queued and the pool
// still has room to grow. Caller holds p.mu.
func (p *Pool) needReplacementLocked() bool {
	if p.state != StateReady {
		return false
	}
	capacity := len(p.entries) + p.creating
	if capacity < p.cfg.MinSize {
		return true
	}
	return len(p.waiters) > 0 && capacity < p.cfg.MaxSize
}

// Stats returns a point-in-time occupancy snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		State:   p.state,
		Total:   len(p.entries),
		Waiting: len(p.waiters),
	}
	for _, e := range p.entries {
		if e.inUse {
			stats.InUse++
		} else {
			stats.Available++
		}
	}
	return stats
}

// Ready reports whether the pool can serve acquires.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateReady
}

// Shutdown drains the pool: new acquires are rejected, all waiters fail,
// and every session is closed, in-use or not. Idempotent.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateDraining || p.state == StateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = StateDraining

	waiters := p.waiters
	p.waiters = nil

	sessions := make([]Session, 0, len(p.entries))
	for id, e := range p.entries {
		sessions = append(sessions, e.session)
		delete(p.entries, id)
	}
	p.updateGauges()
	p.mu.Unlock()

	close(p.stopCh)

	// Fail all waiters.
	for _, w := range waiters {
		close(w.ch)
	}

	for _, s := range sessions {
		if err := s.Close(); err != nil {
			p.logger.Warn("session close failed during shutdown",
				"session_id", s.ID(),
				"error", err,
			)
		}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("pool shutdown grace expired before background loops finished")
	}

	p.mu.Lock()
	p.state = StateClosed
	p.mu.Unlock()

	p.logger.Info("pool closed", "sessions_closed", len(sessions))
	return nil
}

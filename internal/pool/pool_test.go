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

package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/ferry/internal/mcp"
	"github.com/tombee/ferry/internal/mcp/mcptest"
	ferrors "github.com/tombee/ferry/pkg/errors"
)

// fakeFactory builds FakeSessions and remembers them.
type fakeFactory struct {
	mu       sync.Mutex
	sessions []*mcptest.FakeSession
	failNext atomic.Int32
}

func (f *fakeFactory) create(ctx context.Context) (Session, error) {
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return nil, &ferrors.ConnectionError{Message: "injected create failure"}
	}
	s := mcptest.NewFakeSession()
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func newTestPool(t *testing.T, cfg Config, f *fakeFactory) *Pool {
	t.Helper()
	cfg.Factory = f.create
	p := New(cfg)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestPool_Initialize_CreatesMinSize(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 3, MaxSize: 5}, f)

	stats := p.Stats()
	require.Equal(t, StateReady, stats.State)
	require.Equal(t, 3, stats.Total)
	require.Equal(t, 3, stats.Available)
	require.Equal(t, 0, stats.InUse)
}

func TestPool_Initialize_PartialFailureDegrades(t *testing.T) {
	f := &fakeFactory{}
	f.failNext.Store(2)
	p := newTestPool(t, Config{MinSize: 3, MaxSize: 5}, f)

	stats := p.Stats()
	require.Equal(t, StateReady, stats.State, "startup must not abort on partial failure")
	require.Equal(t, 1, stats.Total)
}

func TestPool_Acquire_MutualExclusion(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 2, MaxSize: 4, AcquireTimeout: 5 * time.Second}, f)

	var mu sync.Mutex
	held := make(map[string]bool)
	var violations atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}

			mu.Lock()
			if held[s.ID()] {
				violations.Add(1)
			}
			held[s.ID()] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			held[s.ID()] = false
			mu.Unlock()

			p.Release(s.ID())
		}()
	}
	wg.Wait()

	require.Zero(t, violations.Load(), "no two callers may hold the same session")
	stats := p.Stats()
	require.Zero(t, stats.InUse)
	require.LessOrEqual(t, stats.Total, 4)
}

func TestPool_Acquire_FIFOFairness(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 5 * time.Second}, f)

	first, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string

	started := make(chan struct{}, 2)
	var wg sync.WaitGroup

	waiterA := func() {
		defer wg.Done()
		started <- struct{}{}
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "A")
		mu.Unlock()
		p.Release(s.ID())
	}
	waiterB := func() {
		defer wg.Done()
		started <- struct{}{}
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		mu.Lock()
		order = append(order, "B")
		mu.Unlock()
		p.Release(s.ID())
	}

	wg.Add(1)
	go waiterA()
	<-started
	// A must be enqueued before B starts waiting.
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	wg.Add(1)
	go waiterB()
	<-started
	require.Eventually(t, func() bool { return p.Stats().Waiting == 2 }, time.Second, time.Millisecond)

	p.Release(first.ID())
	wg.Wait()

	require.Equal(t, []string{"A", "B"}, order, "earlier waiter must be served first")
}

func TestPool_Release_Idempotent(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2}, f)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(s.ID())
	p.Release(s.ID())          // second release of same id
	p.Release("no-such-id")    // unknown id
	p.Release("")              // degenerate id

	stats := p.Stats()
	require.Equal(t, 1, stats.Total, "accounting must survive redundant releases")
	require.Equal(t, 1, stats.Available)
	require.Zero(t, stats.InUse)
}

func TestPool_IdleReclamation(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MinSize:             2,
		MaxSize:             5,
		AcquireTimeout:      time.Second,
		IdleTimeout:         50 * time.Millisecond,
		HealthCheckInterval: 20 * time.Millisecond,
	}, f)

	// Grow to max.
	var held []Session
	for i := 0; i < 5; i++ {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, s)
	}
	require.Equal(t, 5, p.Stats().Total)

	for _, s := range held {
		p.Release(s.ID())
	}

	require.Eventually(t, func() bool {
		return p.Stats().Total == 2
	}, 2*time.Second, 10*time.Millisecond, "pool must shrink back to exactly MinSize")
}

func TestPool_Acquire_Timeout(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 50 * time.Millisecond}, f)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s.ID())

	_, err = p.Acquire(context.Background())
	var timeoutErr *ferrors.AcquireTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
}

func TestPool_Acquire_ContextCancel(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 5 * time.Second}, f)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s.ID())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool { return p.Stats().Waiting == 0 }, time.Second, time.Millisecond)
}

func TestPool_Discard_Replaces(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2}, f)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Discard(s.ID())

	require.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Total == 1 && stats.InUse == 0
	}, 2*time.Second, 10*time.Millisecond, "discarded session must be replaced up to MinSize")

	// The discarded session must actually be closed.
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.sessions[0].Closed()
	}, time.Second, 10*time.Millisecond)
}

func TestPool_HealthCheck_ClosesUnresponsive(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             2,
		HealthCheckInterval: 20 * time.Millisecond,
		IdleTimeout:         time.Hour,
	}, f)

	f.mu.Lock()
	sick := f.sessions[0]
	f.mu.Unlock()
	sick.SetPingFunc(func(ctx context.Context) error {
		return errors.New("process gone")
	})

	require.Eventually(t, func() bool {
		return sick.Closed()
	}, 2*time.Second, 10*time.Millisecond, "failed probe must close the session")

	require.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Total == 1
	}, 2*time.Second, 10*time.Millisecond, "pool must be replenished to MinSize")
}

func TestPool_Shutdown(t *testing.T) {
	f := &fakeFactory{}
	cfg := Config{MinSize: 1, MaxSize: 1, AcquireTimeout: 5 * time.Second}
	cfg.Factory = f.create
	p := New(cfg)
	require.NoError(t, p.Initialize(context.Background()))

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_ = held

	waiterErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waiterErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	select {
	case err := <-waiterErr:
		require.Error(t, err, "waiters must fail on shutdown")
	case <-time.After(time.Second):
		t.Fatal("waiter did not fail during shutdown")
	}

	_, err = p.Acquire(context.Background())
	require.Error(t, err, "acquire must be rejected after shutdown")

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		require.True(t, s.Closed(), "all sessions must be closed, in-use or not")
	}

	// Shutdown is idempotent.
	require.NoError(t, p.Shutdown(ctx))
}

func TestPool_HealthProbe_ReservesSession(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             1,
		AcquireTimeout:      5 * time.Second,
		HealthCheckInterval: 10 * time.Millisecond,
		IdleTimeout:         time.Hour,
	}, f)

	f.mu.Lock()
	probed := f.sessions[0]
	f.mu.Unlock()

	pingStarted := make(chan struct{}, 1)
	pingRelease := make(chan struct{})
	var pingInFlight atomic.Bool
	probed.SetPingFunc(func(ctx context.Context) error {
		pingInFlight.Store(true)
		select {
		case pingStarted <- struct{}{}:
		default:
		}
		<-pingRelease
		pingInFlight.Store(false)
		return nil
	})

	select {
	case <-pingStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("health loop never probed the idle session")
	}

	acquired := make(chan Session, 1)
	go func() {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		acquired <- s
	}()

	// While the probe is in flight the session must not be lendable.
	select {
	case <-acquired:
		t.Fatal("session lent out while its health probe was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(pingRelease)

	select {
	case s := <-acquired:
		require.False(t, pingInFlight.Load(), "hand-off must happen only after the probe returned")
		_, err := s.CallTool(context.Background(), mcp.ToolCallRequest{Name: "echo"})
		require.NoError(t, err)
		require.Zero(t, probed.Overlaps(), "exactly one request may be outstanding per session")
		p.Release(s.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not served after the probe finished")
	}
}

func TestPool_Discard_ReplacesForWaiters(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 2, AcquireTimeout: 5 * time.Second}, f)

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, p.Stats().Total)

	got := make(chan Session, 1)
	go func() {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		got <- s
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	// Total drops to 1 with room to grow; the waiter must not starve until
	// s2 comes back.
	p.Discard(s1.ID())

	select {
	case s := <-got:
		p.Release(s.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("waiter starved after a discard although the pool had room to grow")
	}

	require.Equal(t, 3, f.created(), "discard with queued waiters must create a replacement")
	require.LessOrEqual(t, p.Stats().Total, 2)
	p.Release(s2.ID())
}

func TestPool_IdleReclamation_OldestFirst(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{
		MinSize:             1,
		MaxSize:             3,
		AcquireTimeout:      time.Second,
		IdleTimeout:         50 * time.Millisecond,
		HealthCheckInterval: time.Hour,
	}, f)

	a, err := p.Acquire(context.Background())
	require.NoError(t, err)
	b, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(a.ID())
	time.Sleep(20 * time.Millisecond)
	p.Release(b.ID())
	time.Sleep(20 * time.Millisecond)
	p.Release(c.ID())

	time.Sleep(100 * time.Millisecond)
	p.reclaimIdle()

	require.Equal(t, 1, p.Stats().Total)
	require.True(t, fakeByID(t, f, a.ID()).Closed(), "longest-idle session must be reclaimed first")
	require.True(t, fakeByID(t, f, b.ID()).Closed(), "second-longest-idle session must be reclaimed next")
	require.False(t, fakeByID(t, f, c.ID()).Closed(), "most recently used session must survive")
}

func fakeByID(t *testing.T, f *fakeFactory, id string) *mcptest.FakeSession {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.ID() == id {
			return s
		}
	}
	t.Fatalf("no fake session with id %s", id)
	return nil
}

func TestPool_GrowsOnDemand(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, Config{MinSize: 1, MaxSize: 3, AcquireTimeout: time.Second}, f)

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s3, err := p.Acquire(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, p.Stats().Total)
	require.Equal(t, 3, f.created())

	p.Release(s1.ID())
	p.Release(s2.ID())
	p.Release(s3.ID())
}

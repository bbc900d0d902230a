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

package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/ferry/internal/mcp"
	"github.com/tombee/ferry/internal/mcp/mcptest"
	"github.com/tombee/ferry/internal/pool"
	"github.com/tombee/ferry/internal/queue"
	"github.com/tombee/ferry/internal/retry"
	"github.com/tombee/ferry/internal/store"
	ferrors "github.com/tombee/ferry/pkg/errors"
)

// recordingAuditor captures audit rows in memory.
type recordingAuditor struct {
	mu   sync.Mutex
	rows []*store.ToolExecution
}

func (a *recordingAuditor) RecordToolExecution(ctx context.Context, exec *store.ToolExecution) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, exec)
	return nil
}

func (a *recordingAuditor) Rows() []*store.ToolExecution {
	a.mu.Lock()
	defer a.mu.Unlock()
	rows := make([]*store.ToolExecution, len(a.rows))
	copy(rows, a.rows)
	return rows
}

type testEnv struct {
	service *Service
	pool    *pool.Pool
	auditor *recordingAuditor

	mu       sync.Mutex
	sessions []*mcptest.FakeSession
}

// Sessions returns the fakes created so far, in creation order.
func (e *testEnv) Sessions() []*mcptest.FakeSession {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessions := make([]*mcptest.FakeSession, len(e.sessions))
	copy(sessions, e.sessions)
	return sessions
}

// newTestEnv builds a service over a pool of fake sessions. configure is
// applied to every fake the factory hands out.
func newTestEnv(t *testing.T, poolCfg pool.Config, configure func(*mcptest.FakeSession)) *testEnv {
	t.Helper()

	env := &testEnv{auditor: &recordingAuditor{}}

	poolCfg.Factory = func(ctx context.Context) (pool.Session, error) {
		fake := mcptest.NewFakeSession(mcp.ToolDefinition{Name: "echo", Description: "echoes input"})
		if configure != nil {
			configure(fake)
		}
		env.mu.Lock()
		env.sessions = append(env.sessions, fake)
		env.mu.Unlock()
		return fake, nil
	}

	env.pool = pool.New(poolCfg)
	require.NoError(t, env.pool.Initialize(context.Background()))

	svc, err := New(Config{
		Pool:        env.pool,
		Recovery:    retry.NewRecoveryManager(retry.RecoveryManagerConfig{}),
		RetryPolicy: &retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1.0},
		Auditor:     env.auditor,
	})
	require.NoError(t, err)
	env.service = svc

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return env
}

func TestExecuteTool_Success(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 2}, nil)

	resp, err := env.service.ExecuteTool(context.Background(), "echo", map[string]interface{}{"v": 1})
	require.NoError(t, err)
	require.False(t, resp.IsError)
	require.Equal(t, "echo echo", resp.Content[0].Text)

	rows := env.auditor.Rows()
	require.Len(t, rows, 1)
	require.Equal(t, "echo", rows[0].Tool)
	require.False(t, rows[0].IsError)
	require.NotEmpty(t, rows[0].SessionID, "audit rows must carry the session id")
	require.Contains(t, rows[0].ArgumentsJSON, `"v":1`)
}

func TestExecuteTool_AppErrorNotRetriedNotBreakerFailure(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 1}, func(s *mcptest.FakeSession) {
		s.SetCallFunc(func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return mcp.TextResponse("file not found", true), nil
		})
	})

	resp, err := env.service.ExecuteTool(context.Background(), "read", nil)
	require.NoError(t, err, "application errors come back as results, not errors")
	require.True(t, resp.IsError)

	mu.Lock()
	require.Equal(t, 1, calls, "application errors must not be retried")
	mu.Unlock()

	rows := env.auditor.Rows()
	require.Len(t, rows, 1)
	require.True(t, rows[0].IsError)
}

func TestExecuteTool_TransportErrorRetriedAndSessionDiscarded(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 2}, func(s *mcptest.FakeSession) {
		s.SetCallFunc(func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return nil, &ferrors.ToolExecutionError{ToolName: req.Name, Message: "process died", IsRetryable: true}
			}
			return mcp.TextResponse("recovered", false), nil
		})
	})

	resp, err := env.service.ExecuteTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	require.False(t, resp.IsError)
	require.Equal(t, "recovered", resp.Content[0].Text)

	mu.Lock()
	require.Equal(t, 2, calls)
	mu.Unlock()

	// The failing session must have been discarded, not reused.
	sessions := env.Sessions()
	require.True(t, len(sessions) >= 2, "a replacement session must have been created")
	require.Eventually(t, func() bool { return sessions[0].Closed() },
		time.Second, time.Millisecond, "the failed session must be closed")
}

func TestExecuteTool_CircuitOpenReturnsErrorShapedResult(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 1}, func(s *mcptest.FakeSession) {
		s.SetCallFunc(func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
			return nil, &ferrors.ToolExecutionError{ToolName: req.Name, Message: "boom", IsRetryable: false}
		})
	})

	// Five failing calls open the circuit for this tool key.
	for i := 0; i < 5; i++ {
		_, err := env.service.ExecuteTool(context.Background(), "broken", nil)
		require.Error(t, err)
	}

	resp, err := env.service.ExecuteTool(context.Background(), "broken", nil)
	require.NoError(t, err, "a circuit-open rejection is a result, not an error")
	require.True(t, resp.IsError)
	require.Contains(t, resp.Content[0].Text, string(ferrors.CodeCircuitOpen))

	// Other tools are unaffected.
	resp, err = env.service.ExecuteTool(context.Background(), "echo", nil)
	require.Error(t, err, "the shared fake still fails transport-level")
	_ = resp
}

func TestExecuteToolBatch_PartialFailure(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 2}, func(s *mcptest.FakeSession) {
		s.SetCallFunc(func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
			if req.Name == "willThrow" {
				return nil, &ferrors.ToolExecutionError{ToolName: req.Name, Message: "exploded", IsRetryable: false}
			}
			return mcp.TextResponse("ok", false), nil
		})
	})

	results := env.service.ExecuteToolBatch(context.Background(), []mcp.ToolCallRequest{
		{Name: "ok"},
		{Name: "willThrow"},
	})

	require.Len(t, results, 2)
	require.False(t, results[0].IsError)
	require.True(t, results[1].IsError)
	require.Contains(t, results[1].Content[0].Text, "exploded")
}

func TestExecuteTool_SerialOverSingleSession(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 1}, func(s *mcptest.FakeSession) {
		s.SetCallDelay(50 * time.Millisecond)
	})

	start := time.Now()
	var wg sync.WaitGroup
	var first, second *mcp.ToolCallResponse
	var firstErr, secondErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		first, firstErr = env.service.ExecuteTool(context.Background(), "echo", map[string]interface{}{"v": 1})
	}()
	time.Sleep(5 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		second, secondErr = env.service.ExecuteTool(context.Background(), "echo", map[string]interface{}{"v": 2})
	}()
	wg.Wait()
	elapsed := time.Since(start)

	require.NoError(t, firstErr)
	require.NoError(t, secondErr)
	require.False(t, first.IsError)
	require.False(t, second.IsError)

	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond,
		"two 50ms calls through one session must run serially")

	sessions := env.Sessions()
	require.Len(t, sessions, 1)
	require.Zero(t, sessions[0].Overlaps(), "the single session must never see overlapping calls")

	calls := sessions[0].Calls()
	require.Len(t, calls, 2)
	require.Equal(t, 1, calls[0].Arguments["v"], "submission order must be preserved")
	require.Equal(t, 2, calls[1].Arguments["v"])
}

func TestListTools(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 1}, nil)

	tools, err := env.service.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	// The session used for listing must be back in the pool.
	stats := env.service.PoolStats()
	require.Equal(t, 1, stats.Available)
	require.Zero(t, stats.InUse)
}

func TestQueueToolExecution_EndToEnd(t *testing.T) {
	var mu sync.Mutex
	var executed []string

	factorySessions := func(s *mcptest.FakeSession) {
		s.SetCallFunc(func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
			mu.Lock()
			executed = append(executed, req.Name)
			mu.Unlock()
			return mcp.TextResponse("done", false), nil
		})
	}

	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 2}, factorySessions)

	st, err := store.Open(store.Config{Path: t.TempDir() + "/ferry.db"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	qm, err := queue.NewManager(queue.Config{Broker: queue.NewMemoryBroker(), Tracker: st})
	require.NoError(t, err)

	svc, err := New(Config{
		Pool:    env.pool,
		Queue:   qm,
		Auditor: env.auditor,
	})
	require.NoError(t, err)
	require.NoError(t, svc.StartQueues(QueueSetup{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	jobID, err := svc.QueueToolExecution(context.Background(),
		&queue.ToolExecutionPayload{Tool: "echo", Arguments: map[string]interface{}{"v": 1}},
		queue.AddJobOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		rows, err := st.ListJobs(context.Background(), store.StatusCompleted, 10)
		return err == nil && len(rows) == 1
	}, 5*time.Second, 10*time.Millisecond, "tracking row must reach COMPLETED")

	mu.Lock()
	require.Equal(t, []string{"echo"}, executed)
	mu.Unlock()

	stats, err := svc.QueueStats(queue.ToolExecutionQueue)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Completed)
}

func TestRegisterMessageHandler(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 1}, nil)

	qm, err := queue.NewManager(queue.Config{Broker: queue.NewMemoryBroker()})
	require.NoError(t, err)

	svc, err := New(Config{Pool: env.pool, Queue: qm})
	require.NoError(t, err)
	require.NoError(t, svc.StartQueues(QueueSetup{}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	got := make(chan string, 1)
	require.NoError(t, svc.RegisterMessageHandler(
		func(ctx context.Context, msg *queue.MessageProcessingPayload) error {
			got <- msg.Content
			return nil
		}))

	_, err = qm.AddJob(context.Background(), queue.MessageProcessingQueue,
		&queue.Job{MessageProcessing: &queue.MessageProcessingPayload{MessageID: "m1", Content: "hello"}},
		queue.AddJobOptions{})
	require.NoError(t, err)

	select {
	case content := <-got:
		require.Equal(t, "hello", content)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not processed")
	}
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 1}, nil)
	require.True(t, env.service.Ready())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, env.service.Shutdown(ctx))
	require.False(t, env.service.Ready())
}

func TestExecuteTool_BatchMessagesEmbedToolName(t *testing.T) {
	env := newTestEnv(t, pool.Config{MinSize: 1, MaxSize: 1}, func(s *mcptest.FakeSession) {
		s.SetCallFunc(func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
			return nil, &ferrors.ConnectionError{Message: "gone"}
		})
	})

	// Exhaust retries; the batch entry must still name the failing tool.
	results := env.service.ExecuteToolBatch(context.Background(), []mcp.ToolCallRequest{{Name: "lookup"}})
	require.Len(t, results, 1)
	require.True(t, results[0].IsError)
	require.True(t, strings.Contains(results[0].Content[0].Text, "lookup"))
}

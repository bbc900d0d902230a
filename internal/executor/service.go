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

// Package executor is the facade over the execution core: circuit gate,
// request serializer, session pool, retry, and the durable work queue.
//
// Synchronous callers use ExecuteTool/ExecuteToolBatch; asynchronous
// workloads go through QueueToolExecution and are driven by workers that
// re-enter the same execution path.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/mcp"
	"github.com/tombee/ferry/internal/pool"
	"github.com/tombee/ferry/internal/queue"
	"github.com/tombee/ferry/internal/retry"
	"github.com/tombee/ferry/internal/serial"
	"github.com/tombee/ferry/internal/store"
	ferrors "github.com/tombee/ferry/pkg/errors"
)

// Auditor records completed tool executions. Implemented by store.Store;
// optional, audit writes are best-effort.
type Auditor interface {
	RecordToolExecution(ctx context.Context, exec *store.ToolExecution) error
}

// MessageHandler processes one message-processing job.
type MessageHandler func(ctx context.Context, msg *queue.MessageProcessingPayload) error

// Config configures the executor service.
type Config struct {
	// Pool is the session pool (required, already initialized).
	Pool *pool.Pool

	// Queue drives asynchronous jobs (optional; QueueToolExecution fails
	// without it).
	Queue *queue.Manager

	// Recovery is the circuit breaker (a default instance is created when
	// nil).
	Recovery *retry.RecoveryManager

	// RetryPolicy governs per-call retry (defaults when nil).
	RetryPolicy *retry.Policy

	// Auditor records completed tool executions (optional).
	Auditor Auditor

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Service is the execution core facade. Construct one per pool at startup
// and inject it; there are no package-level instances.
type Service struct {
	pool       *pool.Pool
	queue      *queue.Manager
	recovery   *retry.RecoveryManager
	policy     *retry.Policy
	auditor    Auditor
	serializer *serial.Serializer
	logger     *slog.Logger

	messageConcurrency int
}

// New creates the executor service.
func New(cfg Config) (*Service, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recovery := cfg.Recovery
	if recovery == nil {
		recovery = retry.NewRecoveryManager(retry.RecoveryManagerConfig{Logger: logger})
	}
	policy := cfg.RetryPolicy
	if policy == nil {
		policy = retry.DefaultPolicy()
	}

	s := &Service{
		pool:     cfg.Pool,
		queue:    cfg.Queue,
		recovery: recovery,
		policy:   policy,
		auditor:  cfg.Auditor,
		logger:   ferrylog.WithComponent(logger, "executor"),
	}
	s.serializer = serial.New(s.executeWithRetry, s.logger)
	return s, nil
}

// callMeta carries per-call observations out of the retry closure.
type callMeta struct {
	mu        sync.Mutex
	sessionID string
	attempts  int
}

type metaKey struct{}

func metaFrom(ctx context.Context) *callMeta {
	meta, _ := ctx.Value(metaKey{}).(*callMeta)
	return meta
}

// ExecuteTool runs one tool call through the full execution path. A
// circuit-open rejection and an application-level tool error both come
// back as an IsError response, not a Go error, so presentation code has
// one shape to render; only transport-level exhaustion surfaces as error.
func (s *Service) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.ToolCallResponse, error) {
	key := "tool:" + name

	if !s.recovery.ShouldAttempt(key) {
		circuitRejections.WithLabelValues(name).Inc()
		s.logger.Warn("tool call rejected by open circuit", slog.String(ferrylog.ToolKey, name))
		return mcp.TextResponse(
			fmt.Sprintf("tool %s is temporarily unavailable after repeated failures (%s)", name, ferrors.CodeCircuitOpen),
			true,
		), nil
	}

	meta := &callMeta{}
	ctx = context.WithValue(ctx, metaKey{}, meta)

	start := time.Now()
	resp, err := s.serializer.Execute(ctx, mcp.ToolCallRequest{Name: name, Arguments: args})
	elapsed := time.Since(start)

	// Breaker accounting is transport-level only: an IsError result means
	// the external process is healthy enough to report a tool failure.
	if err != nil {
		s.recovery.RecordFailure(key)
		toolCalls.WithLabelValues(name, outcomeFailure).Inc()
	} else {
		s.recovery.RecordSuccess(key)
		if resp != nil && resp.IsError {
			toolCalls.WithLabelValues(name, outcomeAppError).Inc()
		} else {
			toolCalls.WithLabelValues(name, outcomeSuccess).Inc()
		}
	}
	toolCallDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	s.audit(name, args, resp, err, meta, elapsed)
	return resp, err
}

// executeWithRetry is the serializer's execute function: each serialized
// call is retried as a whole (acquire, call, release).
func (s *Service) executeWithRetry(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
	meta := metaFrom(ctx)

	return retry.Do(ctx, s.policy, func(ctx context.Context) (*mcp.ToolCallResponse, error) {
		if meta != nil {
			meta.mu.Lock()
			meta.attempts++
			meta.mu.Unlock()
		}

		sess, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			meta.mu.Lock()
			meta.sessionID = sess.ID()
			meta.mu.Unlock()
		}

		resp, err := sess.CallTool(ctx, req)
		if err != nil {
			// In-flight state is unknown after a transport failure or
			// timeout; the session must not be reused.
			s.pool.Discard(sess.ID())
			return nil, err
		}
		s.pool.Release(sess.ID())
		return resp, nil
	})
}

// audit records the completed call, best-effort.
func (s *Service) audit(name string, args map[string]interface{}, resp *mcp.ToolCallResponse, callErr error, meta *callMeta, elapsed time.Duration) {
	if s.auditor == nil {
		return
	}

	argsJSON := "{}"
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			argsJSON = string(data)
		}
	}
	isError := callErr != nil || (resp != nil && resp.IsError)

	meta.mu.Lock()
	sessionID := meta.sessionID
	meta.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.auditor.RecordToolExecution(ctx, &store.ToolExecution{
		SessionID:     sessionID,
		Tool:          name,
		ArgumentsJSON: argsJSON,
		IsError:       isError,
		Duration:      elapsed,
	})
	if err != nil {
		s.logger.Warn("tool execution audit failed",
			slog.String(ferrylog.ToolKey, name),
			ferrylog.Error(err),
		)
	}
}

// ExecuteToolBatch runs the calls in parallel. Each failure independently
// becomes an error-shaped response; no error escapes the batch and the
// result order matches the request order.
func (s *Service) ExecuteToolBatch(ctx context.Context, calls []mcp.ToolCallRequest) []*mcp.ToolCallResponse {
	results := make([]*mcp.ToolCallResponse, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call mcp.ToolCallRequest) {
			defer wg.Done()
			resp, err := s.ExecuteTool(ctx, call.Name, call.Arguments)
			if err != nil {
				resp = mcp.TextResponse(
					fmt.Sprintf("tool %s failed: %s", call.Name, err.Error()),
					true,
				)
			}
			results[i] = resp
		}(i, call)
	}
	wg.Wait()

	return results
}

// QueueSetup configures the standard queues. Zero values take the
// defaults: tool execution runs 5 workers at 10 jobs per second, message
// processing runs 3 workers, both with 3 attempts.
type QueueSetup struct {
	ToolConcurrency  int
	ToolRateLimit    float64
	ToolMaxAttempts  int
	ToolRetryBackoff time.Duration

	MessageConcurrency  int
	MessageMaxAttempts  int
	MessageRetryBackoff time.Duration
}

func (q QueueSetup) withDefaults() QueueSetup {
	if q.ToolConcurrency <= 0 {
		q.ToolConcurrency = 5
	}
	if q.ToolRateLimit <= 0 {
		q.ToolRateLimit = 10
	}
	if q.ToolMaxAttempts <= 0 {
		q.ToolMaxAttempts = 3
	}
	if q.ToolRetryBackoff <= 0 {
		q.ToolRetryBackoff = time.Second
	}
	if q.MessageConcurrency <= 0 {
		q.MessageConcurrency = 3
	}
	if q.MessageMaxAttempts <= 0 {
		q.MessageMaxAttempts = 3
	}
	if q.MessageRetryBackoff <= 0 {
		q.MessageRetryBackoff = time.Second
	}
	return q
}

// StartQueues declares the standard queues and starts the tool-execution
// worker. No-op without a queue manager.
func (s *Service) StartQueues(setup QueueSetup) error {
	if s.queue == nil {
		return nil
	}
	cfg := setup.withDefaults()

	if err := s.queue.CreateQueue(queue.ToolExecutionQueue, queue.Options{
		MaxAttempts:  cfg.ToolMaxAttempts,
		RetryBackoff: cfg.ToolRetryBackoff,
		RateLimit:    rate.Limit(cfg.ToolRateLimit),
		Burst:        1,
	}); err != nil {
		return err
	}
	if err := s.queue.CreateQueue(queue.MessageProcessingQueue, queue.Options{
		MaxAttempts:  cfg.MessageMaxAttempts,
		RetryBackoff: cfg.MessageRetryBackoff,
	}); err != nil {
		return err
	}

	s.messageConcurrency = cfg.MessageConcurrency
	return s.queue.CreateWorker(queue.ToolExecutionQueue, s.toolJobHandler, cfg.ToolConcurrency)
}

// RegisterMessageHandler starts the message-processing workers.
// StartQueues must have been called first.
func (s *Service) RegisterMessageHandler(handler MessageHandler) error {
	if s.queue == nil {
		return &ferrors.QueueError{Queue: queue.MessageProcessingQueue, Message: "no queue manager configured"}
	}
	concurrency := s.messageConcurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return s.queue.CreateWorker(queue.MessageProcessingQueue,
		func(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) (any, error) {
			if err := handler(ctx, job.MessageProcessing); err != nil {
				return nil, err
			}
			progress(1.0)
			return nil, nil
		}, concurrency)
}

// toolJobHandler re-enters the synchronous execution path for one queued
// tool-execution job. An IsError result completes the job (application
// errors are not retried); transport errors fail the attempt so the
// broker's retry policy applies.
func (s *Service) toolJobHandler(ctx context.Context, job *queue.Job, progress queue.ProgressFunc) (any, error) {
	progress(0.1)
	resp, err := s.ExecuteTool(ctx, job.ToolExecution.Tool, job.ToolExecution.Arguments)
	if err != nil {
		return nil, err
	}
	progress(1.0)
	return resp, nil
}

// QueueToolExecution enqueues an asynchronous, durably tracked tool
// execution and returns the job id.
func (s *Service) QueueToolExecution(ctx context.Context, payload *queue.ToolExecutionPayload, opts queue.AddJobOptions) (string, error) {
	if s.queue == nil {
		return "", &ferrors.QueueError{Queue: queue.ToolExecutionQueue, Message: "no queue manager configured"}
	}
	opts.TrackInDB = true
	return s.queue.AddJob(ctx, queue.ToolExecutionQueue, &queue.Job{ToolExecution: payload}, opts)
}

// ListTools returns the tool catalog via a pooled session.
func (s *Service) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	sess, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(sess.ID())
	return sess.ListTools(ctx)
}

// PoolStats returns a point-in-time pool occupancy snapshot.
func (s *Service) PoolStats() pool.Stats {
	return s.pool.Stats()
}

// QueueStats returns a snapshot of the named queue.
func (s *Service) QueueStats(name string) (*queue.Stats, error) {
	if s.queue == nil {
		return nil, &ferrors.QueueError{Queue: name, Message: "no queue manager configured"}
	}
	return s.queue.GetQueueStats(name)
}

// Ready reports whether the execution core can serve calls.
func (s *Service) Ready() bool {
	return s.pool.Ready()
}

// Shutdown stops the queue manager first so no worker re-enters the pool,
// then drains the pool. Idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	var err error
	if s.queue != nil {
		err = s.queue.Shutdown(ctx)
	}
	if perr := s.pool.Shutdown(ctx); perr != nil && err == nil {
		err = perr
	}
	return err
}

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

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	ferrylog "github.com/tombee/ferry/internal/log"
	ferrors "github.com/tombee/ferry/pkg/errors"
)

// Tracker mirrors job status into the durable store. Implemented by
// store.Store; injected so the queue package stays decoupled from SQLite.
type Tracker interface {
	CreateJob(ctx context.Context, id, queue, payloadJSON string) error
	MarkJobActive(ctx context.Context, id string, attempt int) error
	CompleteJob(ctx context.Context, id, resultJSON string) error
	FailJob(ctx context.Context, id, errMsg string) error
}

// ProgressFunc reports fractional job progress in [0, 1].
type ProgressFunc func(fraction float64)

// Handler processes one job. The returned value is serialized into the
// tracking row on success. Handlers must be idempotent-safe: the broker
// guarantees at-least-once delivery, not exactly-once.
type Handler func(ctx context.Context, job *Job, progress ProgressFunc) (any, error)

// EventType classifies queue events.
type EventType string

const (
	// EventProgress reports fractional progress from a handler.
	EventProgress EventType = "progress"
	// EventCompleted reports successful job completion.
	EventCompleted EventType = "completed"
	// EventRetried reports a requeue after a handler failure.
	EventRetried EventType = "retried"
	// EventFailed reports terminal job failure.
	EventFailed EventType = "failed"
)

// Event is a queue lifecycle notification.
type Event struct {
	Type     EventType
	Queue    string
	JobID    string
	Progress float64
	Error    string
}

// Options configures one named queue.
type Options struct {
	// MaxAttempts is how many processing attempts a job gets before it is
	// marked failed (default: 3).
	MaxAttempts int

	// RetryBackoff is the requeue delay after the first failed attempt,
	// doubled per subsequent attempt (default: 1s).
	RetryBackoff time.Duration

	// RateLimit caps job dispatch for this queue. Zero means unlimited.
	RateLimit rate.Limit

	// Burst is the rate limiter burst size (default: 1 when rate limited).
	Burst int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = time.Second
	}
	if o.RateLimit > 0 && o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Stats is a point-in-time snapshot of one queue.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
	Total     int `json:"total"`
}

// AddJobOptions controls enqueue behavior.
type AddJobOptions struct {
	// Priority orders dispatch; higher runs first.
	Priority int

	// Delay holds the job back before it becomes dispatchable.
	Delay time.Duration

	// TrackInDB inserts a PENDING tracking row before enqueueing and
	// stamps its id onto the job, making status recoverable across
	// restarts.
	TrackInDB bool
}

// queueState holds per-queue dispatch state. Guarded by Manager.mu except
// the limiter, which is internally synchronized.
type queueState struct {
	opts    Options
	limiter *rate.Limiter

	// resumed is closed while dispatch is allowed; paused queues carry an
	// open channel that Resume closes.
	resumed chan struct{}
	paused  bool

	hasWorker bool

	active    int
	completed int
	failed    int
}

// Config configures a Manager.
type Config struct {
	// Broker is the queue transport (required).
	Broker Broker

	// Tracker mirrors job status into the durable store (optional; jobs
	// with TrackInDB fail without one).
	Tracker Tracker

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Manager owns the named queues, their workers, and the event stream.
// One instance per process component that needs queueing; construct at
// startup and inject.
type Manager struct {
	broker  Broker
	tracker Tracker
	logger  *slog.Logger

	mu       sync.Mutex
	queues   map[string]*queueState
	shutdown bool

	events chan Event

	// dispatchCtx gates dequeue and rate-limiter waits; cancelled first
	// during shutdown so workers stop picking up new jobs.
	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc

	// jobCtx is handed to handlers; cancelled only after the shutdown
	// grace expires.
	jobCtx    context.Context
	jobCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewManager creates a queue manager over the given broker.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	jobCtx, jobCancel := context.WithCancel(context.Background())

	return &Manager{
		broker:         cfg.Broker,
		tracker:        cfg.Tracker,
		logger:         ferrylog.WithComponent(logger, "queue"),
		queues:         make(map[string]*queueState),
		events:         make(chan Event, 64),
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
		jobCtx:         jobCtx,
		jobCancel:      jobCancel,
	}, nil
}

// Events returns the queue lifecycle event stream. Events are dropped,
// never blocked on, when no listener keeps up. The channel is closed
// during shutdown after all workers have stopped.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// CreateQueue declares a named queue. Idempotent per name; options from
// the first call win.
func (m *Manager) CreateQueue(name string, opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return &ferrors.QueueError{Queue: name, Message: "manager is shut down"}
	}
	if _, ok := m.queues[name]; ok {
		return nil
	}
	if err := m.broker.Declare(name); err != nil {
		return &ferrors.QueueError{Queue: name, Message: "failed to declare queue", Cause: err}
	}

	o := opts.withDefaults()
	var limiter *rate.Limiter
	if o.RateLimit > 0 {
		limiter = rate.NewLimiter(o.RateLimit, o.Burst)
	}
	resumed := make(chan struct{})
	close(resumed)

	m.queues[name] = &queueState{
		opts:    o,
		limiter: limiter,
		resumed: resumed,
	}
	m.logger.Info("queue created", slog.String(ferrylog.QueueKey, name))
	return nil
}

// CreateWorker starts concurrency worker goroutines processing the named
// queue with handler. Idempotent per queue name; a worker requires its
// queue to exist.
func (m *Manager) CreateWorker(name string, handler Handler, concurrency int) error {
	if handler == nil {
		return &ferrors.QueueError{Queue: name, Message: "handler is required"}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return &ferrors.QueueError{Queue: name, Message: "manager is shut down"}
	}
	st, ok := m.queues[name]
	if !ok {
		return &ferrors.QueueError{Queue: name, Message: "worker requires an existing queue"}
	}
	if st.hasWorker {
		return nil
	}
	st.hasWorker = true

	for i := 0; i < concurrency; i++ {
		m.wg.Add(1)
		go m.runWorker(name, st, handler)
	}
	m.logger.Info("worker started",
		slog.String(ferrylog.QueueKey, name),
		slog.Int("concurrency", concurrency),
	)
	return nil
}

// AddJob enqueues a job onto the named queue and returns its id. The job
// payload must match the queue's payload type.
func (m *Manager) AddJob(ctx context.Context, name string, job *Job, opts AddJobOptions) (string, error) {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return "", &ferrors.QueueError{Queue: name, Message: "manager is shut down"}
	}
	_, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return "", &ferrors.QueueError{Queue: name, Message: "unknown queue", Cause: ErrUnknownQueue}
	}

	if err := validatePayload(name, job); err != nil {
		return "", err
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Queue = name
	job.Priority = opts.Priority
	job.CreatedAt = time.Now()
	if opts.Delay > 0 {
		job.ReadyAt = time.Now().Add(opts.Delay)
	}

	if opts.TrackInDB {
		if m.tracker == nil {
			return "", &ferrors.QueueError{Queue: name, Message: "job tracking requested but no tracking store configured"}
		}
		payload, err := marshalPayload(job)
		if err != nil {
			return "", &ferrors.QueueError{Queue: name, Message: "failed to serialize payload", Cause: err}
		}
		trackingID := uuid.New().String()
		if err := m.tracker.CreateJob(ctx, trackingID, name, payload); err != nil {
			return "", &ferrors.QueueError{Queue: name, Message: "failed to create tracking row", Cause: err}
		}
		job.TrackingID = trackingID
	}

	if err := m.broker.Enqueue(ctx, name, job); err != nil {
		if job.TrackingID != "" {
			if ferr := m.tracker.FailJob(ctx, job.TrackingID, "enqueue failed: "+err.Error()); ferr != nil {
				m.logger.Warn("failed to fail-mark tracking row",
					slog.String(ferrylog.JobIDKey, job.ID), ferrylog.Error(ferr))
			}
		}
		return "", &ferrors.QueueError{Queue: name, Message: "failed to enqueue job", Cause: err}
	}

	jobsEnqueued.WithLabelValues(name).Inc()
	m.logger.Debug("job enqueued",
		slog.String(ferrylog.QueueKey, name),
		slog.String(ferrylog.JobIDKey, job.ID),
		slog.Int("priority", job.Priority),
	)
	return job.ID, nil
}

// validatePayload enforces the payload union: exactly the payload type
// belonging to the named queue must be set.
func validatePayload(name string, job *Job) error {
	switch name {
	case ToolExecutionQueue:
		if job.ToolExecution == nil || job.MessageProcessing != nil {
			return &ferrors.QueueError{Queue: name, Message: "job requires a tool-execution payload"}
		}
		if job.ToolExecution.Tool == "" {
			return &ferrors.QueueError{Queue: name, Message: "tool name is required"}
		}
	case MessageProcessingQueue:
		if job.MessageProcessing == nil || job.ToolExecution != nil {
			return &ferrors.QueueError{Queue: name, Message: "job requires a message-processing payload"}
		}
		if job.MessageProcessing.MessageID == "" {
			return &ferrors.QueueError{Queue: name, Message: "message id is required"}
		}
	default:
		return &ferrors.QueueError{Queue: name, Message: "no payload type registered for queue"}
	}
	return nil
}

// marshalPayload serializes whichever payload arm is set.
func marshalPayload(job *Job) (string, error) {
	var v any
	switch {
	case job.ToolExecution != nil:
		v = job.ToolExecution
	case job.MessageProcessing != nil:
		v = job.MessageProcessing
	default:
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetQueueStats returns a snapshot of the named queue. Ready jobs in a
// paused queue are reported as paused, not waiting.
func (m *Manager) GetQueueStats(name string) (*Stats, error) {
	m.mu.Lock()
	st, ok := m.queues[name]
	if !ok {
		m.mu.Unlock()
		return nil, &ferrors.QueueError{Queue: name, Message: "unknown queue", Cause: ErrUnknownQueue}
	}
	stats := &Stats{
		Active:    st.active,
		Completed: st.completed,
		Failed:    st.failed,
	}
	paused := st.paused
	m.mu.Unlock()

	ready, delayed, err := m.broker.Counts(name)
	if err != nil {
		return nil, &ferrors.QueueError{Queue: name, Message: "failed to count jobs", Cause: err}
	}
	if paused {
		stats.Paused = ready
	} else {
		stats.Waiting = ready
	}
	stats.Delayed = delayed
	stats.Total = stats.Waiting + stats.Active + stats.Completed + stats.Failed + stats.Delayed + stats.Paused
	return stats, nil
}

// PauseQueue stops job dispatch for the named queue without losing queued
// work. In-flight jobs finish.
func (m *Manager) PauseQueue(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.queues[name]
	if !ok {
		return &ferrors.QueueError{Queue: name, Message: "unknown queue", Cause: ErrUnknownQueue}
	}
	if st.paused {
		return nil
	}
	st.paused = true
	st.resumed = make(chan struct{})
	m.logger.Info("queue paused", slog.String(ferrylog.QueueKey, name))
	return nil
}

// ResumeQueue restarts job dispatch for a paused queue.
func (m *Manager) ResumeQueue(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.queues[name]
	if !ok {
		return &ferrors.QueueError{Queue: name, Message: "unknown queue", Cause: ErrUnknownQueue}
	}
	if !st.paused {
		return nil
	}
	st.paused = false
	close(st.resumed)
	m.logger.Info("queue resumed", slog.String(ferrylog.QueueKey, name))
	return nil
}

// Shutdown stops the manager: workers first (in-flight jobs get until ctx
// expires), then the event stream, then the broker. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	m.mu.Unlock()

	m.logger.Info("queue manager shutting down")
	m.dispatchCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		m.jobCancel()
		<-done
		err = ctx.Err()
	}
	m.jobCancel()

	close(m.events)
	if cerr := m.broker.Close(); cerr != nil && err == nil {
		err = cerr
	}
	m.logger.Info("queue manager shut down")
	return err
}

// runWorker is one worker goroutine's dispatch loop.
func (m *Manager) runWorker(name string, st *queueState, handler Handler) {
	defer m.wg.Done()

	for {
		if err := m.awaitDispatch(st); err != nil {
			return
		}
		if st.limiter != nil {
			if err := st.limiter.Wait(m.dispatchCtx); err != nil {
				return
			}
		}

		job, err := m.broker.Dequeue(m.dispatchCtx, name)
		if err != nil {
			return
		}
		m.processJob(name, st, handler, job)
	}
}

// awaitDispatch blocks while the queue is paused.
func (m *Manager) awaitDispatch(st *queueState) error {
	m.mu.Lock()
	resumed := st.resumed
	m.mu.Unlock()

	select {
	case <-resumed:
		return nil
	case <-m.dispatchCtx.Done():
		return m.dispatchCtx.Err()
	}
}

// processJob runs handler for one job, mirroring status into the tracking
// store and requeueing failed attempts with exponential backoff.
func (m *Manager) processJob(name string, st *queueState, handler Handler, job *Job) {
	logger := ferrylog.WithJob(m.logger, name, job.ID)

	m.mu.Lock()
	st.active++
	m.mu.Unlock()
	jobsActive.WithLabelValues(name).Inc()
	defer func() {
		m.mu.Lock()
		st.active--
		m.mu.Unlock()
		jobsActive.WithLabelValues(name).Dec()
	}()

	job.Attempts++
	if job.TrackingID != "" {
		if err := m.tracker.MarkJobActive(m.jobCtx, job.TrackingID, job.Attempts); err != nil {
			logger.Warn("failed to mark tracking row active", ferrylog.Error(err))
		}
	}

	progress := func(fraction float64) {
		m.publish(Event{Type: EventProgress, Queue: name, JobID: job.ID, Progress: fraction})
	}

	start := time.Now()
	result, err := handler(m.jobCtx, job, progress)
	elapsed := time.Since(start)

	if err == nil {
		m.mu.Lock()
		st.completed++
		m.mu.Unlock()
		jobsCompleted.WithLabelValues(name).Inc()

		if job.TrackingID != "" {
			resultJSON := "null"
			if data, merr := json.Marshal(result); merr == nil {
				resultJSON = string(data)
			}
			if terr := m.tracker.CompleteJob(m.jobCtx, job.TrackingID, resultJSON); terr != nil {
				logger.Warn("failed to complete tracking row", ferrylog.Error(terr))
			}
		}
		m.publish(Event{Type: EventCompleted, Queue: name, JobID: job.ID})
		logger.Debug("job completed",
			slog.Int(ferrylog.AttemptKey, job.Attempts),
			ferrylog.Duration("duration", elapsed.Milliseconds()),
		)
		return
	}

	if job.Attempts < st.opts.MaxAttempts {
		backoff := st.opts.RetryBackoff
		for i := 1; i < job.Attempts; i++ {
			backoff *= 2
		}
		job.ReadyAt = time.Now().Add(backoff)

		if qerr := m.broker.Enqueue(m.jobCtx, name, job); qerr == nil {
			jobsRetried.WithLabelValues(name).Inc()
			m.publish(Event{Type: EventRetried, Queue: name, JobID: job.ID, Error: err.Error()})
			logger.Warn("job failed, requeued",
				slog.Int(ferrylog.AttemptKey, job.Attempts),
				slog.Duration("backoff", backoff),
				ferrylog.Error(err),
			)
			return
		}
		// Broker refused the requeue (closing); fall through to failure.
	}

	m.mu.Lock()
	st.failed++
	m.mu.Unlock()
	jobsFailed.WithLabelValues(name).Inc()

	if job.TrackingID != "" {
		if terr := m.tracker.FailJob(m.jobCtx, job.TrackingID, err.Error()); terr != nil {
			logger.Warn("failed to fail-mark tracking row", ferrylog.Error(terr))
		}
	}
	m.publish(Event{Type: EventFailed, Queue: name, JobID: job.ID, Error: err.Error()})
	logger.Error("job failed permanently",
		slog.Int(ferrylog.AttemptKey, job.Attempts),
		ferrylog.Error(err),
	)
}

// publish sends an event without ever blocking a worker.
func (m *Manager) publish(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

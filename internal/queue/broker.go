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

// Package queue provides the durable work queue: named queues over a
// broker, concurrent rate-limited workers, and job status tracking in the
// relational store.
package queue

import (
	"context"
	"sync"
	"time"
)

// Standard queue names. Worker dispatch switches exhaustively on these.
const (
	// ToolExecutionQueue carries asynchronous tool-execution jobs.
	ToolExecutionQueue = "tool-execution"
	// MessageProcessingQueue carries message-processing jobs.
	MessageProcessingQueue = "message-processing"
)

// ToolExecutionPayload is the payload for ToolExecutionQueue jobs.
type ToolExecutionPayload struct {
	// Tool is the tool name to execute.
	Tool string `json:"tool"`

	// Arguments contains the input parameters for the tool.
	Arguments map[string]interface{} `json:"arguments,omitempty"`

	// ConversationID correlates the job with the originating conversation.
	ConversationID string `json:"conversation_id,omitempty"`
}

// MessageProcessingPayload is the payload for MessageProcessingQueue jobs.
type MessageProcessingPayload struct {
	// MessageID identifies the message to process.
	MessageID string `json:"message_id"`

	// ConversationID correlates the job with the originating conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// Content is the raw message content.
	Content string `json:"content,omitempty"`
}

// Job is one unit of queued work. The payload is a tagged union
// discriminated by Queue: exactly one of ToolExecution or
// MessageProcessing is set.
type Job struct {
	// ID is the broker-assigned job identifier.
	ID string

	// Queue is the queue this job belongs to.
	Queue string

	// ToolExecution is set for ToolExecutionQueue jobs.
	ToolExecution *ToolExecutionPayload

	// MessageProcessing is set for MessageProcessingQueue jobs.
	MessageProcessing *MessageProcessingPayload

	// TrackingID is the durable-store row id, empty when the job is not
	// tracked.
	TrackingID string

	// Priority orders dispatch; higher runs first.
	Priority int

	// Attempts counts completed processing attempts.
	Attempts int

	// ReadyAt delays dispatch until the given time. Zero means immediately.
	ReadyAt time.Time

	// CreatedAt is when the job was enqueued.
	CreatedAt time.Time
}

// Broker is the queue transport: enqueue and blocking dequeue over named
// queues. The in-process implementation is not durable; durability comes
// from the tracking store.
type Broker interface {
	// Declare creates the named queue if it does not exist.
	Declare(name string) error

	// Enqueue adds a job to the named queue.
	Enqueue(ctx context.Context, name string, job *Job) error

	// Dequeue removes and returns the next ready job from the named queue.
	// Blocks until a job is ready or the context is cancelled.
	Dequeue(ctx context.Context, name string) (*Job, error)

	// Counts returns the number of ready and delayed jobs in the queue.
	Counts(name string) (ready, delayed int, err error)

	// Close closes the broker. Blocked Dequeue calls fail with
	// ErrBrokerClosed.
	Close() error
}

// ErrBrokerClosed is returned when operations are performed on a closed
// broker.
var ErrBrokerClosed = &brokerError{message: "broker is closed"}

// ErrUnknownQueue is returned for operations on an undeclared queue.
var ErrUnknownQueue = &brokerError{message: "unknown queue"}

type brokerError struct {
	message string
}

func (e *brokerError) Error() string {
	return e.message
}

// memQueue is one named in-memory queue: priority-ordered with FIFO
// ties, delayed jobs held until ReadyAt.
type memQueue struct {
	mu     sync.Mutex
	jobs   []*Job
	signal chan struct{}
}

// MemoryBroker is the in-process Broker implementation.
type MemoryBroker struct {
	mu     sync.RWMutex
	queues map[string]*memQueue
	closed bool
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string]*memQueue),
	}
}

// Declare creates the named queue if it does not exist.
func (b *MemoryBroker) Declare(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &memQueue{
			jobs:   make([]*Job, 0),
			signal: make(chan struct{}, 1),
		}
	}
	return nil
}

func (b *MemoryBroker) queue(name string) (*memQueue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return nil, ErrUnknownQueue
	}
	return q, nil
}

// Enqueue adds a job to the named queue, ordered by priority (higher
// first) with FIFO ties.
func (b *MemoryBroker) Enqueue(ctx context.Context, name string, job *Job) error {
	q, err := b.queue(name)
	if err != nil {
		return err
	}

	q.mu.Lock()
	inserted := false
	for i, j := range q.jobs {
		if job.Priority > j.Priority {
			q.jobs = append(q.jobs[:i], append([]*Job{job}, q.jobs[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		q.jobs = append(q.jobs, job)
	}
	q.mu.Unlock()

	// Signal that a job is available
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return nil
}

// Dequeue removes and returns the next ready job from the named queue.
// Delayed jobs become ready once ReadyAt passes; the wait wakes on new
// enqueues and on the earliest ReadyAt.
func (b *MemoryBroker) Dequeue(ctx context.Context, name string) (*Job, error) {
	for {
		q, err := b.queue(name)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		var earliest time.Time

		q.mu.Lock()
		idx := -1
		for i, j := range q.jobs {
			if !j.ReadyAt.After(now) {
				idx = i
				break
			}
			if earliest.IsZero() || j.ReadyAt.Before(earliest) {
				earliest = j.ReadyAt
			}
		}
		if idx >= 0 {
			job := q.jobs[idx]
			q.jobs = append(q.jobs[:idx], q.jobs[idx+1:]...)
			q.mu.Unlock()
			return job, nil
		}
		q.mu.Unlock()

		var timer *time.Timer
		var timerC <-chan time.Time
		if !earliest.IsZero() {
			timer = time.NewTimer(time.Until(earliest))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-timerC:
			// A delayed job may be ready, loop again
		case _, ok := <-q.signal:
			if timer != nil {
				timer.Stop()
			}
			if !ok {
				return nil, ErrBrokerClosed
			}
			// Job may be available, loop again
		}
	}
}

// Counts returns the number of ready and delayed jobs in the queue.
func (b *MemoryBroker) Counts(name string) (int, int, error) {
	q, err := b.queue(name)
	if err != nil {
		return 0, 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	ready, delayed := 0, 0
	for _, j := range q.jobs {
		if j.ReadyAt.After(now) {
			delayed++
		} else {
			ready++
		}
	}
	return ready, delayed, nil
}

// Close closes the broker and wakes every blocked Dequeue.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, q := range b.queues {
		close(q.signal)
	}
	return nil
}

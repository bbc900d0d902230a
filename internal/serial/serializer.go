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

// Package serial issues tool calls one at a time per logical client.
//
// Upstream callers fire tool calls back-to-back without coordinating
// among themselves, but a protocol session must never see overlapping
// requests. The serializer keeps a FIFO of pending calls and a single
// drain loop: entries are executed strictly in arrival order, and a
// failure in one entry never aborts the loop.
package serial

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tombee/ferry/internal/mcp"
)

// ExecuteFunc performs one tool call end-to-end (acquire, call, release).
type ExecuteFunc func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error)

// pending is one queued call with its completion channel.
type pending struct {
	ctx  context.Context
	req  mcp.ToolCallRequest
	done chan outcome
}

type outcome struct {
	resp *mcp.ToolCallResponse
	err  error
}

// Serializer orders tool calls for one logical client.
type Serializer struct {
	exec   ExecuteFunc
	logger *slog.Logger

	mu       sync.Mutex
	queue    []*pending
	draining bool
}

// New creates a serializer that executes calls through exec.
func New(exec ExecuteFunc, logger *slog.Logger) *Serializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Serializer{exec: exec, logger: logger}
}

// Execute appends the call to the client's FIFO and blocks until it has
// been executed in turn. Arrival order is preserved end-to-end even under
// concurrent callers.
func (s *Serializer) Execute(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
	p := &pending{ctx: ctx, req: req, done: make(chan outcome, 1)}

	s.mu.Lock()
	s.queue = append(s.queue, p)
	start := !s.draining
	if start {
		s.draining = true
	}
	s.mu.Unlock()

	if start {
		go s.drain()
	}

	select {
	case out := <-p.done:
		return out.resp, out.err
	case <-ctx.Done():
		// The drain loop still executes the entry in order; the caller
		// just stops waiting for it. The buffered channel keeps the
		// loop from blocking on the abandoned result.
		return nil, ctx.Err()
	}
}

// Pending returns the number of calls queued but not yet completed.
func (s *Serializer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// drain pops entries strictly in arrival order and executes each to
// completion before the next. The drain flag is cleared only once the
// queue is observed empty under the lock, so no entry is stranded.
func (s *Serializer) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		p := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		resp, err := s.exec(p.ctx, p.req)
		if err != nil {
			s.logger.Warn("serialized tool call failed",
				"tool", p.req.Name,
				"error", err,
			)
		}
		p.done <- outcome{resp: resp, err: err}
	}
}

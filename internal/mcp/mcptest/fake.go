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

// Package mcptest provides a scriptable in-memory session for testing the
// pool, serializer and executor without spawning an external process.
package mcptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/ferry/internal/mcp"
)

// FakeSession implements the pool's Session contract in memory.
// The zero behavior echoes the request; CallFunc overrides it.
type FakeSession struct {
	id    string
	tools []mcp.ToolDefinition

	mu        sync.Mutex
	callFunc  func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error)
	pingFunc  func(ctx context.Context) error
	callDelay time.Duration
	calls     []mcp.ToolCallRequest
	inFlight  int
	overlaps  int
	closed    bool
}

// NewFakeSession creates a fake session advertising the given tools.
func NewFakeSession(tools ...mcp.ToolDefinition) *FakeSession {
	return &FakeSession{
		id:    uuid.NewString(),
		tools: tools,
	}
}

// SetCallFunc overrides the tool-call handler.
func (s *FakeSession) SetCallFunc(fn func(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callFunc = fn
}

// SetCallDelay makes every call take at least d before responding.
func (s *FakeSession) SetCallDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callDelay = d
}

// SetPingFunc overrides the health-probe handler.
func (s *FakeSession) SetPingFunc(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingFunc = fn
}

// ID returns the fake session identifier.
func (s *FakeSession) ID() string { return s.id }

// CallTool records the request and responds per the configured handler.
// It also counts overlapping invocations so tests can assert the
// one-request-in-flight invariant.
func (s *FakeSession) CallTool(ctx context.Context, req mcp.ToolCallRequest) (*mcp.ToolCallResponse, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	s.calls = append(s.calls, req)
	s.inFlight++
	if s.inFlight > 1 {
		s.overlaps++
	}
	delay := s.callDelay
	callFunc := s.callFunc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if callFunc != nil {
		return callFunc(ctx, req)
	}

	return mcp.TextResponse(fmt.Sprintf("echo %s", req.Name), false), nil
}

// ListTools returns the configured catalog.
func (s *FakeSession) ListTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toolsCopy := make([]mcp.ToolDefinition, len(s.tools))
	copy(toolsCopy, s.tools)
	return toolsCopy, nil
}

// Ping returns success unless a custom ping function is configured.
func (s *FakeSession) Ping(ctx context.Context) error {
	s.mu.Lock()
	pingFunc := s.pingFunc
	s.mu.Unlock()

	if pingFunc != nil {
		return pingFunc(ctx)
	}
	return nil
}

// Close marks the session closed. Idempotent.
func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *FakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Calls returns the requests received so far, in arrival order.
func (s *FakeSession) Calls() []mcp.ToolCallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	callsCopy := make([]mcp.ToolCallRequest, len(s.calls))
	copy(callsCopy, s.calls)
	return callsCopy
}

// Overlaps returns how many times a call started while another was in
// flight. A correctly pooled session never overlaps.
func (s *FakeSession) Overlaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overlaps
}

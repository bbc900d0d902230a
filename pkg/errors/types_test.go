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

package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "connection error",
			err:  &ConnectionError{Endpoint: "npx server", Message: "spawn failed"},
			want: CodeConnection,
		},
		{
			name: "tool execution error",
			err:  &ToolExecutionError{ToolName: "search", Message: "process died"},
			want: CodeToolExecution,
		},
		{
			name: "acquire timeout",
			err:  &AcquireTimeoutError{Timeout: 5 * time.Second},
			want: CodeAcquireTimeout,
		},
		{
			name: "approval timeout",
			err:  &ApprovalTimeoutError{Operation: "delete_record", Timeout: time.Minute},
			want: CodeApprovalTimeout,
		},
		{
			name: "circuit open",
			err:  &CircuitOpenError{Key: "tool:search"},
			want: CodeCircuitOpen,
		},
		{
			name: "queue error",
			err:  &QueueError{Queue: "tool-execution", Message: "closed"},
			want: CodeQueue,
		},
		{
			name: "plain error falls back to unknown",
			err:  errors.New("boom"),
			want: CodeUnknown,
		},
		{
			name: "wrapped error keeps its code",
			err:  fmt.Errorf("call failed: %w", &ConnectionError{Message: "eof"}),
			want: CodeConnection,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection errors retry", &ConnectionError{Message: "eof"}, true},
		{"retryable tool error", &ToolExecutionError{ToolName: "x", IsRetryable: true}, true},
		{"non-retryable tool error", &ToolExecutionError{ToolName: "x"}, false},
		{"acquire timeout never retries", &AcquireTimeoutError{}, false},
		{"circuit open never retries", &CircuitOpenError{Key: "tool:x"}, false},
		{"unknown error never retries", errors.New("boom"), false},
		{"wrapped retryable error", fmt.Errorf("outer: %w", &ConnectionError{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &ToolExecutionError{ToolName: "search", Message: "failed", Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the underlying cause")
	}

	var toolErr *ToolExecutionError
	wrapped := fmt.Errorf("context: %w", err)
	if !errors.As(wrapped, &toolErr) {
		t.Fatal("errors.As should extract ToolExecutionError")
	}
	if toolErr.ToolName != "search" {
		t.Errorf("ToolName = %q, want %q", toolErr.ToolName, "search")
	}
}

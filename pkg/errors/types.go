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

// Package errors defines the error taxonomy for the ferry execution core.
//
// Every error carries a stable string code so retryable-code allow-lists
// can be enforced centrally rather than per call site. Errors that
// implement RetryableError declare whether the retry manager may
// re-attempt the operation that produced them.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, machine-readable error category.
type Code string

const (
	// CodeConnection indicates a transport-level failure reaching or
	// handshaking with the external tool process.
	CodeConnection Code = "CONNECTION_ERROR"
	// CodeToolExecution indicates a failure while executing a tool call.
	CodeToolExecution Code = "TOOL_EXECUTION_ERROR"
	// CodeAcquireTimeout indicates the session pool was exhausted and the
	// caller's wait expired.
	CodeAcquireTimeout Code = "ACQUIRE_TIMEOUT"
	// CodeApprovalTimeout indicates an external approval actor did not
	// respond in time.
	CodeApprovalTimeout Code = "APPROVAL_TIMEOUT"
	// CodeCircuitOpen indicates the circuit breaker rejected the call
	// before it was attempted.
	CodeCircuitOpen Code = "CIRCUIT_OPEN"
	// CodeQueue indicates a work-queue failure (unknown queue, closed
	// broker, exhausted attempts).
	CodeQueue Code = "QUEUE_ERROR"
	// CodeUnknown is the fallback for errors outside the taxonomy.
	CodeUnknown Code = "UNKNOWN_ERROR"
)

// RetryableError is implemented by errors that know whether the operation
// that produced them may be re-attempted.
type RetryableError interface {
	error
	Retryable() bool
}

// Coded is implemented by errors that carry a stable code.
type Coded interface {
	error
	ErrorCode() Code
}

// ConnectionError represents a transport-level failure: the external tool
// process could not be spawned or reached, or the handshake timed out.
// Connection errors are always retryable.
type ConnectionError struct {
	// Endpoint describes the connection target (command or address).
	Endpoint string

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("connection to %s failed: %s", e.Endpoint, e.Message)
	}
	return fmt.Sprintf("connection failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error { return e.Cause }

// Retryable implements RetryableError. Connection drops are transient.
func (e *ConnectionError) Retryable() bool { return true }

// ErrorCode implements Coded.
func (e *ConnectionError) ErrorCode() Code { return CodeConnection }

// ToolExecutionError represents a failure while executing a tool call.
// Transport-level failures (process died, malformed response) are
// retryable; structural failures (unknown tool, arguments rejected by the
// protocol layer) are not.
type ToolExecutionError struct {
	// ToolName is the tool that was being executed.
	ToolName string

	// Message is the human-readable error description.
	Message string

	// IsRetryable records whether the retry manager may re-attempt.
	IsRetryable bool

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s execution failed: %s", e.ToolName, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ToolExecutionError) Unwrap() error { return e.Cause }

// Retryable implements RetryableError.
func (e *ToolExecutionError) Retryable() bool { return e.IsRetryable }

// ErrorCode implements Coded.
func (e *ToolExecutionError) ErrorCode() Code { return CodeToolExecution }

// AcquireTimeoutError indicates a caller waited for a pooled session
// longer than its timeout. Not retryable by the retry manager; the pool
// is already at capacity and immediate re-attempts only add waiters.
type AcquireTimeoutError struct {
	// Timeout is how long the caller waited.
	Timeout time.Duration

	// Waiting is the number of callers still queued when the wait expired.
	Waiting int
}

// Error implements the error interface.
func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("timed out after %v waiting for a session (%d callers waiting)", e.Timeout, e.Waiting)
}

// Retryable implements RetryableError.
func (e *AcquireTimeoutError) Retryable() bool { return false }

// ErrorCode implements Coded.
func (e *AcquireTimeoutError) ErrorCode() Code { return CodeAcquireTimeout }

// ApprovalTimeoutError indicates an external approval actor did not
// respond before the deadline. The approval flow itself lives outside
// this core; callers consume this like any other non-retryable error.
type ApprovalTimeoutError struct {
	// Operation describes what required approval.
	Operation string

	// Timeout is how long the approval was awaited.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval for %s timed out after %v", e.Operation, e.Timeout)
}

// Retryable implements RetryableError.
func (e *ApprovalTimeoutError) Retryable() bool { return false }

// ErrorCode implements Coded.
func (e *ApprovalTimeoutError) ErrorCode() Code { return CodeApprovalTimeout }

// CircuitOpenError indicates the circuit breaker rejected the operation
// before it was attempted.
type CircuitOpenError struct {
	// Key is the operation key whose circuit is open (e.g. "tool:search").
	Key string
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, refusing new attempts", e.Key)
}

// Retryable implements RetryableError. The breaker gates new attempts
// itself; retrying through it would defeat the cool-down.
func (e *CircuitOpenError) Retryable() bool { return false }

// ErrorCode implements Coded.
func (e *CircuitOpenError) ErrorCode() Code { return CodeCircuitOpen }

// QueueError represents a durable work-queue failure.
type QueueError struct {
	// Queue is the queue name, when known.
	Queue string

	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("queue %s: %s", e.Queue, e.Message)
	}
	return fmt.Sprintf("queue: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *QueueError) Unwrap() error { return e.Cause }

// Retryable implements RetryableError.
func (e *QueueError) Retryable() bool { return false }

// ErrorCode implements Coded.
func (e *QueueError) ErrorCode() Code { return CodeQueue }

// CodeOf returns the stable code for err, walking the error chain.
// Errors outside the taxonomy report CodeUnknown.
func CodeOf(err error) Code {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return CodeUnknown
}

// IsRetryable reports whether the retry manager may re-attempt the
// operation that produced err. Errors outside the taxonomy are treated
// as non-retryable so unknown failure modes are surfaced, not looped on.
func IsRetryable(err error) bool {
	var r RetryableError
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

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

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	ferrors "github.com/tombee/ferry/pkg/errors"
)

// Session wraps one live connection to the external tool-execution
// process. Exactly one request may be in flight at a time; overlapping
// calls corrupt the response stream, so exclusive access is guaranteed by
// the pool's in-use flag rather than any locking here.
type Session struct {
	// id is the opaque session identifier
	id string

	// client is the underlying MCP protocol client
	client *client.Client

	// endpoint is the connection target, kept for error reporting
	endpoint Endpoint

	// capabilities tracks what features the server negotiated
	capabilities *ServerCapabilities

	// callTimeout is the default timeout for tool calls
	callTimeout time.Duration

	// createdAt is when the session was established
	createdAt time.Time

	// mu protects tools and closed
	mu sync.Mutex

	// tools is the cached tool catalog, populated on Dial
	tools []ToolDefinition

	// closed makes Close idempotent
	closed bool
}

// Dial spawns the external process, performs the initialize handshake,
// and fetches the tool catalog. Failures are reported as *ConnectionError
// so the retry manager knows they are transient.
func Dial(ctx context.Context, endpoint Endpoint) (*Session, error) {
	if endpoint.Command == "" {
		return nil, &ferrors.ConnectionError{Message: "endpoint command is required"}
	}

	callTimeout := endpoint.CallTimeout
	if callTimeout == 0 {
		callTimeout = 30 * time.Second
	}

	mcpClient, err := client.NewStdioMCPClient(endpoint.Command, endpoint.Env, endpoint.Args...)
	if err != nil {
		return nil, &ferrors.ConnectionError{
			Endpoint: endpoint.Command,
			Message:  "failed to spawn tool process",
			Cause:    err,
		}
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, &ferrors.ConnectionError{
			Endpoint: endpoint.Command,
			Message:  "failed to start transport",
			Cause:    err,
		}
	}

	s := &Session{
		id:          uuid.NewString(),
		client:      mcpClient,
		endpoint:    endpoint,
		callTimeout: callTimeout,
		createdAt:   time.Now(),
	}

	if err := s.initialize(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if _, err := s.RefreshTools(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// initialize sends the initialize request and records negotiated
// capabilities.
func (s *Session) initialize(ctx context.Context) error {
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    "ferry",
				Version: "0.1.0",
			},
		},
	}

	if _, err := s.client.Initialize(ctx, initReq); err != nil {
		return &ferrors.ConnectionError{
			Endpoint: s.endpoint.Command,
			Message:  "initialize handshake failed",
			Cause:    err,
		}
	}

	serverCaps := s.client.GetServerCapabilities()
	s.capabilities = &ServerCapabilities{}
	if serverCaps.Tools != nil {
		s.capabilities.Tools = &ToolsCapability{
			ListChanged: serverCaps.Tools.ListChanged,
		}
	}

	return nil
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Capabilities returns the negotiated server capabilities.
func (s *Session) Capabilities() *ServerCapabilities { return s.capabilities }

// CallTool sends exactly one request and awaits exactly one matching
// response. Transport-level failures (process died, malformed response,
// timeout) return a retryable *ToolExecutionError; an application-level
// tool error comes back as a ToolCallResponse with IsError set and a nil
// error, and is never automatically retried.
func (s *Session) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	mcpReq := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      req.Name,
			Arguments: req.Arguments,
		},
	}

	result, err := s.client.CallTool(ctx, mcpReq)
	if err != nil {
		return nil, &ferrors.ToolExecutionError{
			ToolName:    req.Name,
			Message:     "transport failure during tool call",
			IsRetryable: true,
			Cause:       err,
		}
	}

	response := &ToolCallResponse{
		IsError: result.IsError,
		Content: make([]ContentItem, len(result.Content)),
	}

	for i, content := range result.Content {
		response.Content[i] = convertContent(req.Name, content)
	}

	return response, nil
}

// convertContent maps one MCP content block onto a ContentItem.
func convertContent(toolName string, content mcp.Content) ContentItem {
	if textContent, ok := mcp.AsTextContent(content); ok {
		return ContentItem{Type: textContent.Type, Text: textContent.Text}
	}
	if imageContent, ok := mcp.AsImageContent(content); ok {
		return ContentItem{
			Type:     imageContent.Type,
			Data:     imageContent.Data,
			MimeType: imageContent.MIMEType,
		}
	}

	// Fallback: round-trip through JSON to extract the common fields.
	item := ContentItem{}
	contentBytes, err := json.Marshal(content)
	if err != nil {
		return ContentItem{Type: "text", Text: fmt.Sprintf("unrenderable content from %s", toolName)}
	}
	var contentMap map[string]interface{}
	if err := json.Unmarshal(contentBytes, &contentMap); err != nil {
		return ContentItem{Type: "text", Text: fmt.Sprintf("unrenderable content from %s", toolName)}
	}
	if contentType, ok := contentMap["type"].(string); ok {
		item.Type = contentType
	}
	if text, ok := contentMap["text"].(string); ok {
		item.Text = text
	}
	if data, ok := contentMap["data"].(string); ok {
		item.Data = data
	}
	if mimeType, ok := contentMap["mimeType"].(string); ok {
		item.MimeType = mimeType
	}
	return item
}

// ListTools returns the tool catalog discovered during Dial. The result
// is cached; use RefreshTools to re-query the external process.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toolsCopy := make([]ToolDefinition, len(s.tools))
	copy(toolsCopy, s.tools)
	return toolsCopy, nil
}

// RefreshTools re-fetches the tool catalog from the external process and
// replaces the cache.
func (s *Session) RefreshTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := s.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, &ferrors.ConnectionError{
			Endpoint: s.endpoint.Command,
			Message:  "tool catalog discovery failed",
			Cause:    err,
		}
	}

	tools := make([]ToolDefinition, len(result.Tools))
	for i, tool := range result.Tools {
		schemaBytes, err := toolInputSchema(tool)
		if err != nil {
			return nil, &ferrors.ConnectionError{
				Endpoint: s.endpoint.Command,
				Message:  fmt.Sprintf("malformed schema for tool %s", tool.Name),
				Cause:    err,
			}
		}
		tools[i] = ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaBytes,
		}
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()

	toolsCopy := make([]ToolDefinition, len(tools))
	copy(toolsCopy, tools)
	return toolsCopy, nil
}

// toolInputSchema extracts the raw input schema from a catalog entry.
func toolInputSchema(tool mcp.Tool) (json.RawMessage, error) {
	if len(tool.RawInputSchema) > 0 {
		return json.RawMessage(tool.RawInputSchema), nil
	}

	toolBytes, err := tool.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var toolMap map[string]interface{}
	if err := json.Unmarshal(toolBytes, &toolMap); err != nil {
		return nil, err
	}
	inputSchema, ok := toolMap["inputSchema"]
	if !ok {
		return nil, nil
	}
	return json.Marshal(inputSchema)
}

// Ping checks that the external process is still responsive.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		if err == io.EOF {
			return &ferrors.ConnectionError{
				Endpoint: s.endpoint.Command,
				Message:  "process closed the connection",
				Cause:    err,
			}
		}
		return &ferrors.ConnectionError{
			Endpoint: s.endpoint.Command,
			Message:  "ping failed",
			Cause:    err,
		}
	}
	return nil
}

// Close releases the transport. Idempotent; any pending CallTool fails
// with a transport error rather than hanging, because closing the client
// tears down the stdio streams.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close session %s: %w", s.id, err)
	}
	return nil
}

// Package mcp implements the protocol session against an external
// tool-execution process speaking the Model Context Protocol over stdio.
//
// A Session owns exactly one connection: it spawns the process, performs
// the initialize handshake and capability negotiation, discovers the tool
// catalog, and exposes a single-request-in-flight CallTool primitive. The
// one-outstanding-request rule is enforced by the session pool, which
// never lends a session to two callers at once.
package mcp

import (
	"encoding/json"
	"time"
)

// ToolDefinition describes one entry of the discovered tool catalog.
type ToolDefinition struct {
	// Name is the unique identifier for this tool
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description"`

	// InputSchema defines the expected input parameters using JSON Schema
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ToolCallRequest represents a request to execute a tool.
// Immutable once constructed. Arguments may legitimately be empty; the
// upstream tool-selection layer is responsible for filling them.
type ToolCallRequest struct {
	// Name is the tool to execute
	Name string `json:"name"`

	// Arguments contains the input parameters for the tool
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolCallResponse represents the result of a tool execution.
// Returned by reference and never mutated after construction.
type ToolCallResponse struct {
	// Content contains the tool's output
	Content []ContentItem `json:"content"`

	// IsError indicates the external process reported an application-level
	// tool error. This is not a transport failure and is not retried.
	IsError bool `json:"isError,omitempty"`
}

// ContentItem represents a piece of content in a tool response.
type ContentItem struct {
	// Type is the content type (text, image)
	Type string `json:"type"`

	// Text is the text content (for type="text")
	Text string `json:"text,omitempty"`

	// Data is the base64-encoded data (for type="image")
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type for binary content
	MimeType string `json:"mimeType,omitempty"`
}

// TextResponse builds a single-block text response. Used for synthesizing
// error-shaped results so downstream presentation code has one shape to
// render.
func TextResponse(text string, isError bool) *ToolCallResponse {
	return &ToolCallResponse{
		Content: []ContentItem{{Type: "text", Text: text}},
		IsError: isError,
	}
}

// ServerCapabilities describes what features the external process
// negotiated during the handshake.
type ServerCapabilities struct {
	// Tools indicates if the server provides tools
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	// ListChanged indicates if the server sends notifications when tools change
	ListChanged bool `json:"listChanged,omitempty"`
}

// Endpoint describes how to reach the external tool-execution process.
type Endpoint struct {
	// Command is the executable to run
	Command string `yaml:"command"`

	// Args are the command-line arguments
	Args []string `yaml:"args,omitempty"`

	// Env are environment variables to pass to the process
	Env []string `yaml:"env,omitempty"`

	// CallTimeout is the default timeout for tool calls (defaults to 30s)
	CallTimeout time.Duration `yaml:"call_timeout,omitempty"`
}

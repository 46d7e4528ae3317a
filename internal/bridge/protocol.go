// Package bridge exposes the tool registry over a JSON-RPC 2.0
// request/response contract with three methods: initialize, tools/list, and
// tools/call. The same server core serves both an in-process connection and a
// network transport; ordering and error semantics are identical across both.
package bridge

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the negotiated protocol revision reported by initialize.
const ProtocolVersion = "2024-11-05"

// JSON-RPC 2.0 error codes used by the bridge.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeNotInitialized is returned when an operation arrives before the
	// connection completed its initialize handshake.
	CodeNotInitialized = -32002

	// CodeToolError is returned when a tool handler fails during execution.
	CodeToolError = -32000
)

// Request is a JSON-RPC 2.0 request. A nil ID marks a notification, which
// never receives a response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no ID and therefore must
// not be answered.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response is a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// initializeParams is the client_info payload of an initialize request.
type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	ClientInfo      struct {
		Name    string `json:"name,omitempty"`
		Version string `json:"version,omitempty"`
	} `json:"clientInfo,omitempty"`
}

// initializeResult is the server_capabilities payload of an initialize response.
type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// ServerInfo identifies this server in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolInfo is one entry of a tools/list result.
type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"`
}

// toolsListResult is the tools/list response payload.
type toolsListResult struct {
	Tools []toolInfo `json:"tools"`
}

// toolsCallParams is the tools/call request payload.
type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// contentBlock is one item of a tools/call result content list.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolsCallResult is the tools/call response payload.
type toolsCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg}}
}

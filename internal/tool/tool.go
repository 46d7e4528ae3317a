// Package tool implements the tool registry and invoker.
//
// A Registry holds the closed set of tools available to a reasoning backend.
// Tools are registered once at process start and the descriptor set is
// read-only afterwards. Invoke validates arguments against the tool's JSON
// Schema and executes the handler; handler failures are captured in the
// CallResult rather than returned as Go errors, so a single tool failure can
// never abort the enclosing session.
package tool

import (
	"context"
	"time"

	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// Handler executes a tool call with validated arguments and returns the
// success payload. Returned errors are wrapped into an error CallResult by the
// Registry; handlers should not panic, but panics are recovered too.
//
// Handlers must not share mutable state across calls unless they synchronize
// it themselves; the Registry invokes them concurrently.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor declares a single tool: its model-facing definition (name,
// description, JSON Schema parameters) and the handler that executes it.
type Descriptor struct {
	// Definition is offered to the backend for tool selection. Definition.Name
	// must be unique within a Registry.
	Definition llm.ToolDefinition

	// Handler is invoked with arguments that already passed schema validation.
	Handler Handler
}

// CallRequest is one tool invocation. CallID correlates the request with its
// result and must be unique per invocation.
type CallRequest struct {
	CallID    string
	ToolName  string
	Arguments map[string]any
}

// Status of a completed tool call.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ErrorKind classifies a failed tool call.
type ErrorKind string

const (
	// ErrKindValidation means the arguments did not satisfy the parameter schema.
	// The handler was not executed.
	ErrKindValidation ErrorKind = "validation"

	// ErrKindUnknownTool means no tool with the requested name is registered.
	ErrKindUnknownTool ErrorKind = "unknown_tool"

	// ErrKindExecution means the handler ran and failed (error or panic).
	ErrKindExecution ErrorKind = "execution"
)

// CallError carries the failure detail of an error CallResult.
type CallError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface so a CallError can be logged or wrapped.
func (e *CallError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// CallResult is the outcome of exactly one CallRequest. Either Payload (on
// StatusOK) or Err (on StatusError) is set, never both.
type CallResult struct {
	CallID   string
	Status   Status
	Payload  any
	Err      *CallError
	Duration time.Duration
}

package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExtraFieldPolicy controls how Invoke treats argument fields that are not
// declared in the tool's parameter schema.
type ExtraFieldPolicy int

const (
	// RejectExtraFields fails validation when unknown fields are present.
	// This is the default: for side-effecting tools a silently dropped field
	// usually means a caller bug.
	RejectExtraFields ExtraFieldPolicy = iota

	// IgnoreExtraFields passes unknown fields through to the handler.
	IgnoreExtraFields
)

// DuplicateToolError is returned by Register when a tool name is already taken.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// Registry holds the closed set of available tools.
//
// Register all tools during startup, then treat the Registry as read-only.
// List and Invoke are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string

	policy ExtraFieldPolicy
	logger *slog.Logger
}

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Option configures a Registry.
type Option func(*Registry)

// WithExtraFieldPolicy sets how unknown argument fields are treated.
func WithExtraFieldPolicy(p ExtraFieldPolicy) Option {
	return func(r *Registry) {
		r.policy = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		policy:  RejectExtraFields,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool to the registry. It compiles the descriptor's parameter
// schema once, so Invoke never pays compilation cost. Returns a
// *DuplicateToolError if the name is already registered.
func (r *Registry) Register(desc Descriptor) error {
	name := desc.Definition.Name
	if name == "" {
		return fmt.Errorf("register tool: name must not be empty")
	}
	if desc.Handler == nil {
		return fmt.Errorf("register tool %q: handler must not be nil", name)
	}

	schema, err := r.compileSchema(desc.Definition.Parameters)
	if err != nil {
		return fmt.Errorf("register tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return &DuplicateToolError{Name: name}
	}
	r.entries[name] = &entry{desc: desc, schema: schema}
	r.order = append(r.order, name)

	r.logger.Debug("tool registered", "tool", name)
	return nil
}

// compileSchema turns the parameter map into a compiled JSON Schema. Under
// RejectExtraFields, additionalProperties defaults to false unless the schema
// sets it explicitly.
func (r *Registry) compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	if r.policy == RejectExtraFields {
		if _, set := params["additionalProperties"]; !set {
			clone := make(map[string]any, len(params)+1)
			for k, v := range params {
				clone[k] = v
			}
			clone["additionalProperties"] = false
			params = clone
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameter schema: %w", err)
	}
	schema, err := jsonschema.CompileString("parameters.schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return schema, nil
}

// List returns the tool definitions in registration order. Calling it twice
// without an intervening Register yields identical results.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].desc)
	}
	return out
}

// Has reports whether a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Invoke executes one tool call and always returns a CallResult — tool-level
// failures (unknown tool, invalid arguments, handler error, handler panic) are
// reported through CallResult.Err, never as a Go error, so the caller's
// session continues regardless of the outcome.
//
// Safe for concurrent use with distinct CallIDs.
func (r *Registry) Invoke(ctx context.Context, req CallRequest) CallResult {
	start := time.Now()

	r.mu.RLock()
	ent, ok := r.entries[req.ToolName]
	r.mu.RUnlock()

	if !ok {
		return errorResult(req.CallID, start, ErrKindUnknownTool,
			fmt.Sprintf("tool %q is not registered", req.ToolName))
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := ent.schema.Validate(normalizeForSchema(args)); err != nil {
		return errorResult(req.CallID, start, ErrKindValidation, err.Error())
	}

	payload, err := r.execute(ctx, ent.desc.Handler, args)
	if err != nil {
		r.logger.Warn("tool execution failed",
			"tool", req.ToolName, "call_id", req.CallID, "error", err)
		return errorResult(req.CallID, start, ErrKindExecution, err.Error())
	}

	return CallResult{
		CallID:   req.CallID,
		Status:   StatusOK,
		Payload:  payload,
		Duration: time.Since(start),
	}
}

// execute runs the handler with panic recovery.
func (r *Registry) execute(ctx context.Context, h Handler, args map[string]any) (payload any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panicked: %v", rec)
		}
	}()
	return h(ctx, args)
}

// normalizeForSchema round-trips the arguments through JSON so that typed Go
// values (ints, custom structs) validate the same way a decoded wire payload
// would. Falls back to the original value if marshalling fails; validation
// will then report the offending field.
func normalizeForSchema(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return args
	}
	return decoded
}

func errorResult(callID string, start time.Time, kind ErrorKind, msg string) CallResult {
	return CallResult{
		CallID:   callID,
		Status:   StatusError,
		Err:      &CallError{Kind: kind, Message: msg},
		Duration: time.Since(start),
	}
}

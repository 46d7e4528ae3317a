package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/solenlabs/toolrelay/internal/tool"
)

// Server dispatches JSON-RPC requests against a tool registry. One Server is
// shared across all connections; per-connection handshake state lives in Conn.
type Server struct {
	registry *tool.Registry
	info     ServerInfo
	logger   *slog.Logger
}

// Conn tracks the handshake state of a single logical connection. Operations
// other than initialize fail with CodeNotInitialized until the connection has
// completed initialize. The handshake is idempotent per connection.
type Conn struct {
	mu          sync.Mutex
	initialized bool
}

// Initialized reports whether the connection completed its handshake.
func (c *Conn) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Conn) markInitialized() {
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a bridge Server over the given registry.
func NewServer(registry *tool.Registry, info ServerInfo, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		info:     info,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Local returns a fresh connection for in-process callers. The caller drives
// the same handshake as a remote client would.
func (s *Server) Local() *Conn {
	return &Conn{}
}

// Handle processes one decoded request on the given connection and returns the
// response, or nil for notifications (requests without an id are never
// answered).
func (s *Server) Handle(ctx context.Context, conn *Conn, req *Request) *Response {
	resp := s.dispatch(ctx, conn, req)
	if req.IsNotification() {
		if resp != nil && resp.Error != nil {
			s.logger.Debug("dropping error response to notification",
				"method", req.Method, "code", resp.Error.Code)
		}
		return nil
	}
	return resp
}

// HandleRaw decodes raw JSON, processes it, and encodes the response. The
// returned slice is nil for notifications.
func (s *Server) HandleRaw(ctx context.Context, conn *Conn, raw []byte) []byte {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		out, _ := json.Marshal(errorResponse(nil, CodeParseError, "parse error: "+err.Error()))
		return out
	}

	resp := s.Handle(ctx, conn, &req)
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		out, _ = json.Marshal(errorResponse(req.ID, CodeInternalError, "encode response: "+err.Error()))
	}
	return out
}

func (s *Server) dispatch(ctx context.Context, conn *Conn, req *Request) *Response {
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest,
			fmt.Sprintf("unsupported jsonrpc version %q", req.JSONRPC))
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(conn, req)

	case "tools/list":
		if !conn.Initialized() {
			return errorResponse(req.ID, CodeNotInitialized, "connection not initialized")
		}
		return s.handleToolsList(req)

	case "tools/call":
		if !conn.Initialized() {
			return errorResponse(req.ID, CodeNotInitialized, "connection not initialized")
		}
		return s.handleToolsCall(ctx, req)

	default:
		return errorResponse(req.ID, CodeMethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleInitialize(conn *Conn, req *Request) *Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid initialize params: "+err.Error())
		}
	}

	conn.markInitialized()
	s.logger.Debug("connection initialized",
		"client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)

	return resultResponse(req.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		ServerInfo:      s.info,
		Capabilities:    map[string]any{"tools": map[string]any{}},
	})
}

func (s *Server) handleToolsList(req *Request) *Response {
	descs := s.registry.List()
	tools := make([]toolInfo, 0, len(descs))
	for _, d := range descs {
		tools = append(tools, toolInfo{
			Name:        d.Definition.Name,
			Description: d.Definition.Description,
			InputSchema: d.Definition.Parameters,
		})
	}
	return resultResponse(req.ID, toolsListResult{Tools: tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}
	if params.Name == "" {
		return errorResponse(req.ID, CodeInvalidParams, "tools/call requires a tool name")
	}

	res := s.registry.Invoke(ctx, tool.CallRequest{
		CallID:    uuid.NewString(),
		ToolName:  params.Name,
		Arguments: params.Arguments,
	})

	if res.Status == tool.StatusError {
		switch res.Err.Kind {
		case tool.ErrKindUnknownTool:
			return errorResponse(req.ID, CodeMethodNotFound, "tool not found: "+params.Name)
		case tool.ErrKindValidation:
			return errorResponse(req.ID, CodeInvalidParams, res.Err.Message)
		default:
			return errorResponse(req.ID, CodeToolError, res.Err.Message)
		}
	}

	return resultResponse(req.ID, toolsCallResult{
		Content: []contentBlock{{Type: "text", Text: payloadText(res.Payload)}},
	})
}

// payloadText renders a tool payload as the text body of a content block.
func payloadText(payload any) string {
	switch v := payload.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

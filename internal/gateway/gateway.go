// Package gateway exposes the service over HTTP: a blocking /query endpoint,
// a streaming /ws endpoint, the /mcp bridge binding, a service-info root, and
// the operational endpoints (/healthz, /readyz, /metrics).
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solenlabs/toolrelay/internal/events"
	"github.com/solenlabs/toolrelay/internal/health"
	"github.com/solenlabs/toolrelay/internal/observe"
	"github.com/solenlabs/toolrelay/internal/orchestrator"
	"github.com/solenlabs/toolrelay/internal/sessionstore"
	"github.com/solenlabs/toolrelay/internal/tool"
)

// Runner executes one session per prompt. Implemented by
// orchestrator.Orchestrator; tests substitute a stub.
type Runner interface {
	Run(ctx context.Context, prompt string, opts ...orchestrator.RunOption) (*orchestrator.Result, error)
}

// Server wires the HTTP surface to the orchestrator, the event publisher, the
// tool registry, and the session archive.
type Server struct {
	runner    Runner
	publisher *events.Publisher
	registry  *tool.Registry
	store     sessionstore.Store
	bridge    http.Handler
	health    *health.Handler

	serviceName    string
	serviceVersion string

	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option configures a Server.
type Option func(*Server)

// WithBridgeHandler mounts the JSON-RPC bridge at POST /mcp.
func WithBridgeHandler(h http.Handler) Option {
	return func(s *Server) { s.bridge = h }
}

// WithStore enables session archiving.
func WithStore(store sessionstore.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithHealth sets the health handler. Defaults to one with no readiness
// checkers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithServiceInfo sets the name/version reported by the root endpoint.
func WithServiceInfo(name, version string) Option {
	return func(s *Server) {
		s.serviceName = name
		s.serviceVersion = version
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics attaches metric instruments and enables the observability
// middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a gateway Server.
func New(runner Runner, publisher *events.Publisher, registry *tool.Registry, opts ...Option) *Server {
	s := &Server{
		runner:         runner,
		publisher:      publisher,
		registry:       registry,
		health:         health.New(),
		serviceName:    "toolrelay",
		serviceVersion: "dev",
		logger:         slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)

	if s.bridge != nil {
		mux.Handle("POST /mcp", s.bridge)
	}

	if s.metrics != nil {
		return observe.Middleware(s.metrics)(mux)
	}
	return mux
}

// queryRequest is the blocking-mode inbound payload.
type queryRequest struct {
	Prompt   string `json:"prompt"`
	MaxTurns int    `json:"max_turns,omitempty"`
}

// queryResponse is the blocking-mode aggregate result.
type queryResponse struct {
	Success        bool     `json:"success"`
	Response       string   `json:"response,omitempty"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
	Turns          int      `json:"turns"`
	CostUSD        float64  `json:"cost_usd"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	Error          string   `json:"error,omitempty"`
}

// handleRoot reports service metadata: endpoints and the registered tools.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	toolNames := []string{}
	for _, d := range s.registry.List() {
		toolNames = append(toolNames, d.Definition.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":   s.serviceName,
		"version":   s.serviceVersion,
		"endpoints": []string{"POST /query", "GET /ws", "POST /mcp", "GET /healthz", "GET /readyz", "GET /metrics"},
		"tools":     toolNames,
	})
}

// handleQuery runs one session to completion and returns the aggregate
// result. Session-level failures are reported as a structured failure object,
// not an HTTP error.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, queryResponse{Success: false, Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, queryResponse{Success: false, Error: "prompt must not be empty"})
		return
	}

	result, runErr := s.run(r.Context(), req.Prompt, req.MaxTurns)

	resp := queryResponse{
		Success:        result.Success,
		Response:       result.Response,
		ToolsUsed:      result.ToolsUsed,
		Turns:          result.Turns,
		CostUSD:        result.CostUSD,
		ElapsedSeconds: result.Elapsed.Seconds(),
	}
	if runErr != nil {
		resp.Error = runErr.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// run executes a session under a pre-generated session id and archives it
// afterwards.
func (s *Server) run(ctx context.Context, prompt string, maxTurns int) (*orchestrator.Result, error) {
	sessionID := uuid.NewString()

	opts := []orchestrator.RunOption{orchestrator.WithSessionID(sessionID)}
	if maxTurns > 0 {
		opts = append(opts, orchestrator.WithRunMaxTurns(maxTurns))
	}

	result, err := s.runner.Run(ctx, prompt, opts...)
	s.archive(prompt, result)
	return result, err
}

// archive persists a terminal session and drops its event log from memory.
func (s *Server) archive(prompt string, result *orchestrator.Result) {
	log := s.publisher.Collect(result.SessionID)

	if s.store != nil {
		rec := sessionstore.Record{
			SessionID: result.SessionID,
			Prompt:    prompt,
			Status:    string(result.Status),
			Response:  result.Response,
			Turns:     result.Turns,
			CostUSD:   result.CostUSD,
			ToolsUsed: result.ToolsUsed,
			EndedAt:   time.Now(),
			Events:    log,
		}
		if len(log) > 0 {
			rec.StartedAt = log[0].Timestamp
		} else {
			rec.StartedAt = rec.EndedAt.Add(-result.Elapsed)
		}
		if result.Err != nil {
			rec.Error = result.Err.Error()
		}

		// Archive with a fresh context: the request may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.Archive(ctx, rec); err != nil {
			s.logger.Error("session archive failed", "session_id", result.SessionID, "error", err)
		}
	}

	s.publisher.Drop(result.SessionID)
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"success":false,"error":"encode response"}`, http.StatusInternalServerError)
	}
}

// Package toolhost imports tool catalogues from remote MCP servers into the
// local tool registry.
//
// It connects to servers via stdio or streamable-HTTP transports using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk). Every tool a
// server advertises is registered as a proxy descriptor whose handler
// delegates to the live session's tools/call, so the orchestrator treats
// remote tools exactly like builtin ones.
//
// Typical usage:
//
//	h := toolhost.New(registry)
//	err := h.RegisterServer(ctx, toolhost.ServerConfig{
//	    Name:      "email",
//	    Transport: toolhost.TransportStreamableHTTP,
//	    URL:       "https://email.internal/mcp",
//	})
//	defer h.Close()
package toolhost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/solenlabs/toolrelay/internal/tool"
	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// Transport selects how the host reaches a remote server.
type Transport string

const (
	// TransportStdio launches the server as a child process and speaks MCP
	// over its stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP connects to a streamable-HTTP MCP endpoint.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a known transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one remote tool endpoint. The set of endpoints is
// loaded once at startup and not hot-reloaded.
type ServerConfig struct {
	// Name identifies the server in logs and errors.
	Name string `yaml:"name"`

	// Transport selects stdio or streamable-http.
	Transport Transport `yaml:"transport"`

	// Command is the stdio server command line, split on spaces into
	// executable + args. Required for stdio.
	Command string `yaml:"command,omitempty"`

	// Env holds additional environment variables for stdio servers.
	Env map[string]string `yaml:"env,omitempty"`

	// URL is the streamable-http endpoint address. Required for that transport.
	URL string `yaml:"url,omitempty"`
}

// Validate checks the config for per-transport completeness.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("server name must not be empty"))
	}
	if !c.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Transport == TransportStdio && strings.TrimSpace(c.Command) == "" {
		errs = append(errs, fmt.Errorf("stdio server %q requires a command", c.Name))
	}
	if c.Transport == TransportStreamableHTTP && c.URL == "" {
		errs = append(errs, fmt.Errorf("streamable-http server %q requires a url", c.Name))
	}
	return errors.Join(errs...)
}

// Host manages connections to remote MCP servers and their proxy
// registrations in the tool registry.
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession // key: server name

	// client is reused across all server connections. The official SDK allows
	// a single Client to manage multiple sessions concurrently.
	client   *mcpsdk.Client
	registry *tool.Registry
	logger   *slog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) {
		h.logger = l
	}
}

// New creates a Host that registers imported tools into registry.
func New(registry *tool.Registry, opts ...Option) *Host {
	h := &Host{
		sessions: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "toolrelay-toolhost", Version: "1.0.0"},
			nil,
		),
		registry: registry,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterServer connects to the server described by cfg and registers every
// tool it advertises as a proxy in the registry.
//
// Returns an error if the transport cannot be established, the tool listing
// fails, or an advertised tool name collides with an existing registration.
func (h *Host) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("toolhost: invalid server config: %w", err)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolhost: connect to server %q: %w", cfg.Name, err)
	}

	// Discover tools using the iterator.
	var discovered []mcpsdk.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolhost: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *t)
	}

	for _, remote := range discovered {
		desc := h.proxyDescriptor(session, remote)
		if err := h.registry.Register(desc); err != nil {
			_ = session.Close()
			return fmt.Errorf("toolhost: import tool from server %q: %w", cfg.Name, err)
		}
		h.logger.Info("remote tool imported", "server", cfg.Name, "tool", remote.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	h.sessions[cfg.Name] = session
	return nil
}

// proxyDescriptor builds a registry descriptor whose handler delegates to the
// remote session.
func (h *Host) proxyDescriptor(session *mcpsdk.ClientSession, remote mcpsdk.Tool) tool.Descriptor {
	name := remote.Name
	return tool.Descriptor{
		Definition: llm.ToolDefinition{
			Name:        name,
			Description: remote.Description,
			Parameters:  schemaToMap(remote.InputSchema),
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
				Name:      name,
				Arguments: args,
			})
			if err != nil {
				return nil, fmt.Errorf("remote call failed: %w", err)
			}
			text := contentText(res.Content)
			if res.IsError {
				return nil, errors.New(text)
			}
			return text, nil
		},
	}
}

// Close shuts down all server sessions. Proxy descriptors remain registered
// but will fail with execution errors afterwards; call Close only at process
// shutdown.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, session := range h.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close server %q: %w", name, err))
		}
		delete(h.sessions, name)
	}
	return errors.Join(errs...)
}

// splitCommand splits a command line on spaces into executable and args.
// Quoting is not supported; configure complex invocations via a wrapper
// script.
func splitCommand(command string) (string, []string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// contentText concatenates all text content blocks of a tool result.
func contentText(content []mcpsdk.Content) string {
	var sb strings.Builder
	for _, c := range content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

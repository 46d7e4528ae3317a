// Package app wires all Toolrelay subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithPublisher, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/solenlabs/toolrelay/internal/bridge"
	"github.com/solenlabs/toolrelay/internal/config"
	"github.com/solenlabs/toolrelay/internal/events"
	"github.com/solenlabs/toolrelay/internal/gateway"
	"github.com/solenlabs/toolrelay/internal/health"
	"github.com/solenlabs/toolrelay/internal/observe"
	"github.com/solenlabs/toolrelay/internal/orchestrator"
	"github.com/solenlabs/toolrelay/internal/sessionstore"
	"github.com/solenlabs/toolrelay/internal/tool"
	"github.com/solenlabs/toolrelay/internal/tool/emailtool"
	"github.com/solenlabs/toolrelay/internal/toolhost"
	"github.com/solenlabs/toolrelay/pkg/provider/llm"
)

// Version is reported by the root endpoint and in telemetry.
const Version = "1.0.0"

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	provider llm.Provider

	registry  *tool.Registry
	host      *toolhost.Host
	publisher *events.Publisher
	store     sessionstore.Store
	orch      *orchestrator.Orchestrator
	gateway   *gateway.Server
	srv       *http.Server

	metrics *observe.Metrics

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session archive instead of creating one from config.
func WithStore(s sessionstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects an event publisher.
func WithPublisher(p *events.Publisher) Option {
	return func(a *App) { a.publisher = p }
}

// WithMetrics injects metric instruments instead of using the globals.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The backend provider
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: tool registration, MCP
// server imports, archive connection, and orchestrator assembly.
func New(ctx context.Context, cfg *config.Config, provider llm.Provider, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		provider: provider,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.publisher == nil {
		a.publisher = events.NewPublisher(slog.Default())
	}

	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	a.initOrchestrator()
	a.initGateway()

	return a, nil
}

// initTools sets up the tool registry, the builtin email tool, and imported
// MCP servers.
func (a *App) initTools(ctx context.Context) error {
	policy := tool.RejectExtraFields
	if a.cfg.Tools.ExtraFieldPolicy == config.ExtraFieldsIgnore {
		policy = tool.IgnoreExtraFields
	}
	a.registry = tool.NewRegistry(tool.WithExtraFieldPolicy(policy))

	if a.cfg.Tools.Email != nil {
		desc, err := emailtool.Descriptor(emailtool.Config{
			EndpointURL: a.cfg.Tools.Email.EndpointURL,
		})
		if err != nil {
			return fmt.Errorf("build email tool: %w", err)
		}
		if err := a.registry.Register(desc); err != nil {
			return fmt.Errorf("register email tool: %w", err)
		}
		slog.Info("registered builtin tool", "name", emailtool.Name)
	}

	if len(a.cfg.Tools.MCPServers) > 0 {
		a.host = toolhost.New(a.registry)
		a.closers = append(a.closers, a.host.Close)

		for _, srv := range a.cfg.Tools.MCPServers {
			if err := a.host.RegisterServer(ctx, srv); err != nil {
				return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
			}
			slog.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
		}
	}

	if len(a.registry.List()) == 0 {
		slog.Warn("no tools configured; the backend can only answer directly")
	}
	return nil
}

// initArchive sets up the session archive or uses an injected store.
func (a *App) initArchive(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Archive.Driver {
	case config.ArchivePostgres:
		store, err := sessionstore.NewPostgresStore(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
	default:
		a.store = sessionstore.NewMemStore(a.cfg.Archive.Capacity)
	}

	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// initOrchestrator assembles the session orchestrator from the backend and
// session config.
func (a *App) initOrchestrator() {
	opts := []orchestrator.Option{
		orchestrator.WithModel(a.cfg.Backend.Model),
		orchestrator.WithMetrics(a.metrics),
	}
	if a.cfg.Backend.SystemPrompt != "" {
		opts = append(opts, orchestrator.WithSystemPrompt(a.cfg.Backend.SystemPrompt))
	}
	if a.cfg.Backend.Temperature > 0 {
		opts = append(opts, orchestrator.WithTemperature(a.cfg.Backend.Temperature))
	}
	if a.cfg.Backend.MaxTokens > 0 {
		opts = append(opts, orchestrator.WithMaxTokens(a.cfg.Backend.MaxTokens))
	}
	if a.cfg.Session.MaxTurns > 0 {
		opts = append(opts, orchestrator.WithMaxTurns(a.cfg.Session.MaxTurns))
	}
	if a.cfg.Session.Timeout > 0 {
		opts = append(opts, orchestrator.WithSessionTimeout(time.Duration(a.cfg.Session.Timeout)))
	}

	a.orch = orchestrator.New(a.provider, a.registry, a.publisher, opts...)
}

// initGateway builds the HTTP surface: gateway routes, the JSON-RPC bridge
// binding, and the health handler.
func (a *App) initGateway() {
	bridgeServer := bridge.NewServer(a.registry, bridge.ServerInfo{
		Name:    "toolrelay",
		Version: Version,
	})

	checkers := []health.Checker{{
		Name: "archive",
		Check: func(ctx context.Context) error {
			_, err := a.store.Recent(ctx, 1)
			return err
		},
	}}

	a.gateway = gateway.New(a.orch, a.publisher, a.registry,
		gateway.WithBridgeHandler(bridgeServer.HTTPHandler()),
		gateway.WithStore(a.store),
		gateway.WithHealth(health.New(checkers...)),
		gateway.WithServiceInfo("toolrelay", Version),
		gateway.WithMetrics(a.metrics),
	)

	a.srv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.gateway.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the full HTTP route table. Exposed for tests that drive
// the service through httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.srv.Handler
}

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsCfg := a.cfg.Server.TLS; tlsCfg != nil {
			err = a.srv.ListenAndServeTLS(tlsCfg.CertFile, tlsCfg.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"tools", len(a.registry.List()),
		"backend", a.cfg.Backend.Provider,
		"model", a.cfg.Backend.Model,
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop accepting requests first; in-flight sessions get the deadline.
		if err := a.srv.Shutdown(ctx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// Command toolrelay is the main entry point for the Toolrelay tool bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/solenlabs/toolrelay/internal/app"
	"github.com/solenlabs/toolrelay/internal/config"
	"github.com/solenlabs/toolrelay/internal/observe"
	"github.com/solenlabs/toolrelay/internal/resilience"
	"github.com/solenlabs/toolrelay/pkg/provider/llm"
	"github.com/solenlabs/toolrelay/pkg/provider/llm/anyllm"
	openaiprovider "github.com/solenlabs/toolrelay/pkg/provider/llm/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "toolrelay: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "toolrelay: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("toolrelay starting",
		"version", app.Version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "toolrelay",
		ServiceVersion: app.Version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	provider, err := buildBackend(reg, cfg.Backend)
	if err != nil {
		slog.Error("failed to create backend provider",
			"provider", cfg.Backend.Provider, "err", err)
		return 1
	}
	slog.Info("backend created",
		"provider", cfg.Backend.Provider,
		"model", cfg.Backend.Model,
		"fallbacks", len(cfg.Backend.Fallbacks),
	)

	application, err := app.New(ctx, cfg, provider)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// buildBackend creates the primary backend provider and, when fallbacks are
// configured, wraps it in a circuit-breaking fallback chain.
func buildBackend(reg *config.Registry, bc config.BackendConfig) (llm.Provider, error) {
	primary, err := reg.CreateBackend(bc)
	if err != nil {
		return nil, err
	}
	if len(bc.Fallbacks) == 0 {
		return primary, nil
	}

	fb := resilience.NewBackendFallback(primary, bc.Provider, resilience.FallbackConfig{})
	for _, fc := range bc.Fallbacks {
		p, err := reg.CreateBackend(fc)
		if err != nil {
			return nil, fmt.Errorf("create fallback backend %q: %w", fc.Provider, err)
		}
		fb.AddFallback(fc.Provider, p)
		slog.Info("registered fallback backend", "provider", fc.Provider, "model", fc.Model)
	}
	return fb, nil
}

// registerBuiltinBackends wires all built-in backend factories into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// openai uses the native SDK for the richest tool-calling support.
	reg.RegisterBackend("openai", func(bc config.BackendConfig) (llm.Provider, error) {
		apiKey := bc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		var opts []openaiprovider.Option
		if bc.BaseURL != "" {
			opts = append(opts, openaiprovider.WithBaseURL(bc.BaseURL))
		}
		if org := optString(bc.Options, "organization"); org != "" {
			opts = append(opts, openaiprovider.WithOrganization(org))
		}
		return openaiprovider.New(apiKey, bc.Model, opts...)
	})

	// anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile all
	// share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterBackend(providerName, func(bc config.BackendConfig) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if bc.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(bc.APIKey))
			}
			if bc.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(bc.BaseURL))
			}
			return anyllm.New(providerName, bc.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterBackend("ollama", func(bc config.BackendConfig) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if bc.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(bc.BaseURL))
		}
		return anyllm.NewOllama(bc.Model, opts...)
	})

	for _, name := range reg.Names() {
		slog.Debug("registered backend", "name", name)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from the backend Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

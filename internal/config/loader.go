package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendProviders lists known backend provider names. Used by [Validate]
// to warn about unrecognised names.
var ValidBackendProviders = []string{
	"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Backend
	if cfg.Backend.Provider == "" {
		errs = append(errs, errors.New("backend.provider is required"))
	} else if !slices.Contains(ValidBackendProviders, cfg.Backend.Provider) {
		slog.Warn("unknown backend provider — may be a typo or third-party provider",
			"provider", cfg.Backend.Provider,
			"known", ValidBackendProviders,
		)
	}
	if cfg.Backend.Model == "" {
		errs = append(errs, errors.New("backend.model is required"))
	}
	if cfg.Backend.Temperature < 0 || cfg.Backend.Temperature > 2 {
		errs = append(errs, fmt.Errorf("backend.temperature %.2f is out of range [0.0, 2.0]", cfg.Backend.Temperature))
	}
	if cfg.Backend.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("backend.max_tokens %d must not be negative", cfg.Backend.MaxTokens))
	}
	for i, fb := range cfg.Backend.Fallbacks {
		prefix := fmt.Sprintf("backend.fallbacks[%d]", i)
		if fb.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		}
		if fb.Model == "" {
			errs = append(errs, fmt.Errorf("%s.model is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s.fallbacks must be empty; fallbacks do not nest", prefix))
		}
	}

	// Session
	if cfg.Session.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("session.max_turns %d must not be negative", cfg.Session.MaxTurns))
	}
	if cfg.Session.Timeout < 0 {
		errs = append(errs, fmt.Errorf("session.timeout %s must not be negative", cfg.Session.Timeout))
	}

	// Tools
	if cfg.Tools.ExtraFieldPolicy != "" && !cfg.Tools.ExtraFieldPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("tools.extra_field_policy %q is invalid; valid values: reject, ignore", cfg.Tools.ExtraFieldPolicy))
	}
	if cfg.Tools.Email != nil && cfg.Tools.Email.EndpointURL == "" {
		errs = append(errs, errors.New("tools.email.endpoint_url is required when tools.email is set"))
	}
	if cfg.Tools.Email == nil && len(cfg.Tools.MCPServers) == 0 {
		slog.Warn("no tools configured; the backend will only be able to answer directly")
	}

	// Remote tool endpoints — duplicate name detection plus per-entry checks.
	serverNamesSeen := make(map[string]int, len(cfg.Tools.MCPServers))
	for i, srv := range cfg.Tools.MCPServers {
		prefix := fmt.Sprintf("tools.mcp_servers[%d]", i)
		if err := srv.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
		if srv.Name != "" {
			if prev, ok := serverNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tools.mcp_servers[%d]", prefix, srv.Name, prev))
			}
			serverNamesSeen[srv.Name] = i
		}
	}

	// Archive
	if cfg.Archive.Driver != "" && !cfg.Archive.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("archive.driver %q is invalid; valid values: memory, postgres", cfg.Archive.Driver))
	}
	if cfg.Archive.Driver == ArchivePostgres && cfg.Archive.PostgresDSN == "" {
		errs = append(errs, errors.New("archive.postgres_dsn is required when archive.driver is postgres"))
	}
	if cfg.Archive.Capacity < 0 {
		errs = append(errs, fmt.Errorf("archive.capacity %d must not be negative", cfg.Archive.Capacity))
	}

	return errors.Join(errs...)
}

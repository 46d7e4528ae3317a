// Package config provides the configuration schema, loader, and backend
// registry for the Toolrelay service.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/solenlabs/toolrelay/internal/toolhost"
)

// Duration wraps time.Duration so YAML configs can use values like "90s" or
// "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// LogLevel controls log verbosity for the Toolrelay server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// ExtraFieldPolicy controls how tool argument fields outside the parameter
// schema are treated.
type ExtraFieldPolicy string

const (
	ExtraFieldsReject ExtraFieldPolicy = "reject"
	ExtraFieldsIgnore ExtraFieldPolicy = "ignore"
)

// IsValid reports whether p is a recognised policy.
func (p ExtraFieldPolicy) IsValid() bool {
	return p == ExtraFieldsReject || p == ExtraFieldsIgnore
}

// ArchiveDriver selects where terminal sessions are archived.
type ArchiveDriver string

const (
	ArchiveMemory   ArchiveDriver = "memory"
	ArchivePostgres ArchiveDriver = "postgres"
)

// IsValid reports whether d is a recognised archive driver.
func (d ArchiveDriver) IsValid() bool {
	return d == ArchiveMemory || d == ArchivePostgres
}

// Config is the root configuration structure for Toolrelay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Tools   ToolsConfig   `yaml:"tools"`
	Archive ArchiveConfig `yaml:"archive"`
}

// ServerConfig holds network and logging settings for the Toolrelay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// BackendConfig selects and configures the reasoning backend.
type BackendConfig struct {
	// Provider selects the registered backend implementation (e.g., "openai",
	// "anthropic", "ollama").
	Provider string `yaml:"provider"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "claude-3-5-sonnet-latest").
	Model string `yaml:"model"`

	// APIKey is the authentication key for the provider's API. Leave empty to
	// fall back to the provider's conventional environment variable
	// (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// SystemPrompt is injected ahead of every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64 `yaml:"temperature"`

	// MaxTokens caps completion tokens per exchange. Zero means provider
	// default.
	MaxTokens int `yaml:"max_tokens"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallbacks lists alternative backends tried in order when the primary
	// fails or its circuit breaker is open. Each entry uses the same schema as
	// the enclosing backend block; fallbacks of fallbacks are not supported.
	Fallbacks []BackendConfig `yaml:"fallbacks"`
}

// SessionConfig bounds individual sessions.
type SessionConfig struct {
	// MaxTurns is the default turn budget per session. Callers may request
	// fewer turns but never more.
	MaxTurns int `yaml:"max_turns"`

	// Timeout is the wall-clock budget per session. Zero disables it.
	Timeout Duration `yaml:"timeout"`
}

// ToolsConfig declares the tools offered to the backend.
type ToolsConfig struct {
	// ExtraFieldPolicy controls unknown-argument handling. Default: reject.
	ExtraFieldPolicy ExtraFieldPolicy `yaml:"extra_field_policy"`

	// Email enables the builtin send_email tool when non-nil.
	Email *EmailToolConfig `yaml:"email"`

	// MCPServers lists remote tool endpoints to import at startup. The list
	// is loaded once and not hot-reloaded.
	MCPServers []toolhost.ServerConfig `yaml:"mcp_servers"`
}

// EmailToolConfig configures the builtin send_email tool.
type EmailToolConfig struct {
	// EndpointURL is the delivery endpoint accepting JSON-RPC tools/call
	// envelopes.
	EndpointURL string `yaml:"endpoint_url"`
}

// ArchiveConfig selects where terminal sessions and their event logs are
// archived.
type ArchiveConfig struct {
	// Driver is "memory" (bounded in-process ring, the default) or "postgres".
	Driver ArchiveDriver `yaml:"driver"`

	// PostgresDSN is the connection string for the postgres driver.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Capacity bounds the memory driver's ring. Zero means the default.
	Capacity int `yaml:"capacity"`
}

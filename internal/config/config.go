// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the specpilot configuration.
type Config struct {
	Agent       AgentConfig       `toml:"agent"`
	LLM         LLMConfig         `toml:"llm"`
	Engine      EngineConfig      `toml:"engine"`
	Storage     StorageConfig     `toml:"storage"`
	Specialists SpecialistsConfig `toml:"specialists"`
	Events      EventsConfig      `toml:"events"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
	Server      ServerConfig      `toml:"server"`
}

// AgentConfig contains assistant identification settings.
type AgentConfig struct {
	ID        string `toml:"id"`        // Names the instance on the event bus
	Workspace string `toml:"workspace"` // Root under which project directories are created
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Provider-level retry attempts
	RetryBackoff string `toml:"retry_backoff"` // Provider-level max backoff (default "60s")
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	MaxIterations int    `toml:"max_iterations"` // Specialist loop cap when a definition sets none
	MaxRetries    int    `toml:"max_retries"`    // Retries of a transient model failure
	RetryInitial  string `toml:"retry_initial"`  // First backoff interval
	RetryMax      string `toml:"retry_max"`      // Backoff interval cap
	HistoryLimit  int    `toml:"history_limit"`  // Loop history entries kept in the resume context
	CancelTimeout string `toml:"cancel_timeout"` // Bound on waiting for a cancelled task to halt
	CancelPoll    string `toml:"cancel_poll"`    // Halt polling interval
	ToolTimeout   string `toml:"tool_timeout"`   // Per tool call timeout
	Planner       string `toml:"planner"`        // "llm" or "single"
	Fallback      string `toml:"fallback"`       // Specialist for single-step plans
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Backend    string `toml:"backend"`    // "file" or "sqlite"
	Path       string `toml:"path"`       // Base directory for all persistent data
	Inactivity string `toml:"inactivity"` // Archive the current session after this much idle time
}

// SpecialistsConfig locates specialist definitions.
type SpecialistsConfig struct {
	Paths []string `toml:"paths"` // Directories with *.md definitions
	Watch bool     `toml:"watch"` // Reload definitions when files change
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	NATSURL string `toml:"nats_url"` // Empty disables publishing
	Subject string `toml:"subject"`  // Subject prefix
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace: "~/specpilot/projects",
		},
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Engine: EngineConfig{
			MaxIterations: 20,
			MaxRetries:    3,
			RetryInitial:  "500ms",
			RetryMax:      "8s",
			HistoryLimit:  50,
			CancelTimeout: "30s",
			CancelPoll:    "100ms",
			ToolTimeout:   "60s",
			Planner:       "llm",
			Fallback:      "author",
		},
		Storage: StorageConfig{
			Backend:    "file",
			Path:       "~/.local/specpilot",
			Inactivity: "720h",
		},
		Events: EventsConfig{
			Subject: "specpilot",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8088",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from specpilot.toml in the current
// directory, falling back to defaults when there is none.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	path := filepath.Join(cwd, "specpilot.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("storage.backend must be file or sqlite, got %q", c.Storage.Backend)
	}
	switch c.Engine.Planner {
	case "llm", "single":
	default:
		return fmt.Errorf("engine.planner must be llm or single, got %q", c.Engine.Planner)
	}
	for name, v := range map[string]string{
		"engine.retry_initial":  c.Engine.RetryInitial,
		"engine.retry_max":      c.Engine.RetryMax,
		"engine.cancel_timeout": c.Engine.CancelTimeout,
		"engine.cancel_poll":    c.Engine.CancelPoll,
		"engine.tool_timeout":   c.Engine.ToolTimeout,
		"storage.inactivity":    c.Storage.Inactivity,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if c.Engine.MaxIterations < 0 || c.Engine.MaxRetries < 0 || c.Engine.HistoryLimit < 0 {
		return fmt.Errorf("engine limits must not be negative")
	}
	return nil
}

// Duration parses a duration setting, returning fallback when it is empty
// or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

// StorageDir returns the expanded storage path.
func (c *Config) StorageDir() string {
	return ExpandPath(c.Storage.Path)
}

// WorkspaceDir returns the expanded project workspace root.
func (c *Config) WorkspaceDir() string {
	return ExpandPath(c.Agent.Workspace)
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

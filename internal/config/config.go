// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// DefaultFile is the configuration file looked up in the working directory.
const DefaultFile = "nexus.toml"

// Config represents the agent configuration.
type Config struct {
	Agent     AgentConfig               `toml:"agent"`
	LLM       LLMConfig                 `toml:"llm"`
	Storage   StorageConfig             `toml:"storage"`
	Approval  ApprovalConfig            `toml:"approval"`
	Providers map[string]ProviderConfig `toml:"providers"` // External tool providers
	Logging   LoggingConfig             `toml:"logging"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
}

// AgentConfig controls the execution loop.
type AgentConfig struct {
	Workspace          string `toml:"workspace"`
	Mode               string `toml:"mode"`                 // code | architect | ask
	MaxSteps           int    `toml:"max_steps"`            // reasoning cycles per instruction
	Stream             bool   `toml:"stream"`               // stream tool output as it happens
	MaxConcurrentTools int    `toml:"max_concurrent_tools"` // parallel dispatch width (1 = sequential)
	MaxTextChars       int    `toml:"max_text_chars"`       // per-turn cap sent to the model
	MaxRecentTurns     int    `toml:"max_recent_turns"`     // history window sent to the model
	PromptsDir         string `toml:"prompts_dir"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string  `toml:"provider"`
	Model        string  `toml:"model"`
	APIKeyEnv    string  `toml:"api_key_env"`
	MaxTokens    int     `toml:"max_tokens"`
	Temperature  float64 `toml:"temperature"`
	BaseURL      string  `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	MaxRetries   int     `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string  `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// StorageConfig contains checkpoint storage settings.
type StorageConfig struct {
	Path         string `toml:"path"`          // Base directory for persistent data
	Backend      string `toml:"backend"`       // sqlite | file
	CheckpointDB string `toml:"checkpoint_db"` // file name under Path for the sqlite backend
}

// ApprovalConfig contains the approval gate policy.
type ApprovalConfig struct {
	Required         bool     `toml:"required"`
	Timeout          string   `toml:"timeout"`
	SafeTools        []string `toml:"safe_tools"`  // glob patterns never gated
	AlwaysGate       []string `toml:"always_gate"` // glob patterns always gated, classified high risk
	MaxPerMinute     int      `toml:"max_per_minute"`
	AutoDenyHighRisk bool     `toml:"auto_deny_high_risk"`
}

// ProviderConfig configures one external tool provider.
type ProviderConfig struct {
	Transport        string            `toml:"transport"` // stdio | socket | websocket | mcp
	Command          string            `toml:"command"`
	Args             []string          `toml:"args,omitempty"`
	Env              map[string]string `toml:"env,omitempty"`
	Address          string            `toml:"address"` // tcp host:port, unix:/path, or ws:// URL
	HandshakeTimeout string            `toml:"handshake_timeout"`
	CallTimeout      string            `toml:"call_timeout"`
	SafeTools        []string          `toml:"safe_tools,omitempty"`
	DeniedTools      []string          `toml:"denied_tools,omitempty"` // Tools never registered
	NoPrefix         bool              `toml:"no_prefix"`              // register tools without "<provider>."
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text | json
	File   string `toml:"file"`
}

// TelemetryConfig contains event publishing settings.
type TelemetryConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// overrides are read from the environment after the file.
type overrides struct {
	Provider        string        `env:"NEXUS_PROVIDER"`
	Model           string        `env:"NEXUS_MODEL"`
	LogLevel        string        `env:"NEXUS_LOG_LEVEL"`
	MaxSteps        int           `env:"NEXUS_MAX_STEPS"`
	ApprovalTimeout time.Duration `env:"NEXUS_APPROVAL_TIMEOUT"`
	StoragePath     string        `env:"NEXUS_STORAGE_PATH"`
	NATSURL         string        `env:"NEXUS_NATS_URL"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Agent: AgentConfig{
			Workspace:          ".",
			Mode:               "code",
			MaxSteps:           25,
			Stream:             true,
			MaxConcurrentTools: 4,
			MaxTextChars:       10000,
			MaxRecentTurns:     15,
			PromptsDir:         ".nexus/prompts",
		},
		LLM: LLMConfig{
			Provider:     "anthropic",
			Model:        "claude-sonnet-4-20250514",
			MaxTokens:    4096,
			MaxRetries:   5,
			RetryBackoff: "60s",
		},
		Storage: StorageConfig{
			Path:         ".nexus",
			Backend:      "sqlite",
			CheckpointDB: "checkpoints.db",
		},
		Approval: ApprovalConfig{
			Required: true,
			Timeout:  "5m",
		},
		Providers: map[string]ProviderConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Subject: "nexus.events",
		},
	}
}

// LoadFile loads configuration from a TOML file and applies environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads nexus.toml from the current directory. A missing file is
// not an error; defaults plus environment overrides are returned.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, DefaultFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := New()
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadFile(path)
}

func (c *Config) applyEnv() error {
	o, err := env.ParseAs[overrides]()
	if err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	if o.Provider != "" {
		c.LLM.Provider = o.Provider
	}
	if o.Model != "" {
		c.LLM.Model = o.Model
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.MaxSteps > 0 {
		c.Agent.MaxSteps = o.MaxSteps
	}
	if o.ApprovalTimeout > 0 {
		c.Approval.Timeout = o.ApprovalTimeout.String()
	}
	if o.StoragePath != "" {
		c.Storage.Path = o.StoragePath
	}
	if o.NATSURL != "" {
		c.Telemetry.NATSURL = o.NATSURL
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Agent.Mode {
	case "code", "architect", "ask":
	default:
		errs = append(errs, fmt.Errorf("agent.mode: unknown mode %q", c.Agent.Mode))
	}
	if c.Agent.MaxSteps <= 0 {
		errs = append(errs, errors.New("agent.max_steps must be positive"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	switch c.Storage.Backend {
	case "sqlite", "file":
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if _, err := time.ParseDuration(c.Approval.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("approval.timeout: %w", err))
	}
	if _, err := time.ParseDuration(c.LLM.RetryBackoff); err != nil {
		errs = append(errs, fmt.Errorf("llm.retry_backoff: %w", err))
	}
	for name, p := range c.Providers {
		switch p.Transport {
		case "mcp":
			if p.Command == "" && p.Address == "" {
				errs = append(errs, fmt.Errorf("providers.%s: command or address is required for mcp transport", name))
			}
		case "", "stdio":
			if p.Command == "" {
				errs = append(errs, fmt.Errorf("providers.%s: command is required for %s transport", name, p.transportOrDefault()))
			}
		case "socket", "websocket":
			if p.Address == "" {
				errs = append(errs, fmt.Errorf("providers.%s: address is required for %s transport", name, p.Transport))
			}
		default:
			errs = append(errs, fmt.Errorf("providers.%s: unknown transport %q", name, p.Transport))
		}
		if strings.Contains(name, ".") {
			errs = append(errs, fmt.Errorf("providers.%s: name must not contain '.'", name))
		}
	}
	return errors.Join(errs...)
}

// ApprovalTimeout returns the parsed approval timeout.
func (c *Config) ApprovalTimeout() time.Duration {
	return parseDuration(c.Approval.Timeout, 5*time.Minute)
}

// RetryBackoff returns the parsed maximum retry backoff.
func (c *Config) RetryBackoff() time.Duration {
	return parseDuration(c.LLM.RetryBackoff, 60*time.Second)
}

// StorageDir returns the storage path with a leading ~ expanded.
func (c *Config) StorageDir() string {
	return expandPath(c.Storage.Path)
}

func (p ProviderConfig) transportOrDefault() string {
	if p.Transport == "" {
		return "stdio"
	}
	return p.Transport
}

// TransportName returns the transport, defaulting to stdio.
func (p ProviderConfig) TransportName() string {
	return p.transportOrDefault()
}

// Handshake returns the handshake timeout (default 10s).
func (p ProviderConfig) Handshake() time.Duration {
	return parseDuration(p.HandshakeTimeout, 10*time.Second)
}

// CallDeadline returns the per-call timeout (default 60s).
func (p ProviderConfig) CallDeadline() time.Duration {
	return parseDuration(p.CallTimeout, 60*time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func expandPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
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
	case "openrouter":
		return "OPENROUTER_API_KEY"
	default:
		return ""
	}
}

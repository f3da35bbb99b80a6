// Package config loads and validates hybridmem configuration.
//
// A config file is optional: every field has a default in Default().
// Files ending in .yaml/.yml are parsed as YAML, anything else as JSON5.
// Environment variables override file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither --config nor HYBRIDMEM_CONFIG is set.
const DefaultConfigPath = "~/.hybridmem/config.json5"

// Config is the root configuration. It is treated as immutable once loaded;
// hot reload produces a new value rather than mutating the old one.
type Config struct {
	DataDir    string           `json:"data_dir" yaml:"data_dir"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Summarizer SummarizerConfig `json:"summarizer" yaml:"summarizer"`
	Counter    CounterConfig    `json:"counter" yaml:"counter"`
	Gateway    GatewayConfig    `json:"gateway" yaml:"gateway"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
}

// StorageConfig selects the SQL backend for both stores.
type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	PostgresDSN string `json:"postgres_dsn,omitempty" yaml:"postgres_dsn,omitempty"`
}

// MemoryConfig holds the engine tunables.
type MemoryConfig struct {
	MaxMessages         int     `json:"max_messages" yaml:"max_messages"`
	MaxResidentSessions int     `json:"max_resident_sessions" yaml:"max_resident_sessions"`
	SummaryThreshold    int     `json:"summary_threshold" yaml:"summary_threshold"`
	SummaryWindow       int     `json:"summary_window" yaml:"summary_window"`
	DistillMinChars     int     `json:"distill_min_chars" yaml:"distill_min_chars"`
	ResponseImportance  float64 `json:"response_importance" yaml:"response_importance"`
	SummaryImportance   float64 `json:"summary_importance" yaml:"summary_importance"`
	RetrievalTopK       int     `json:"retrieval_top_k" yaml:"retrieval_top_k"`
	ContextTurns        int     `json:"context_turns" yaml:"context_turns"`
	SnippetChars        int     `json:"snippet_chars" yaml:"snippet_chars"`
	QueryMaxChars       int     `json:"query_max_chars" yaml:"query_max_chars"`
	DecayEnabled        bool    `json:"decay_enabled" yaml:"decay_enabled"`
	DecayDays           int     `json:"decay_days" yaml:"decay_days"`
	DecaySchedule       string  `json:"decay_schedule" yaml:"decay_schedule"`
}

// SummarizerConfig selects the LLM used to distill sessions.
type SummarizerConfig struct {
	Provider   string `json:"provider" yaml:"provider"` // "openai", "anthropic", "dashscope", "extractive"
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	APIBase    string `json:"api_base,omitempty" yaml:"api_base,omitempty"`
	MaxTokens  int    `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
	MaxRetries int    `json:"max_retries" yaml:"max_retries"`
}

// CounterConfig selects where per-session turn counters live.
type CounterConfig struct {
	Backend       string `json:"backend" yaml:"backend"` // "memory" (default) or "redis"
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
}

// GatewayConfig configures the management and hook HTTP server.
type GatewayConfig struct {
	Host           string `json:"host" yaml:"host"`
	Port           int    `json:"port" yaml:"port"`
	Token          string `json:"token,omitempty" yaml:"token,omitempty"`
	Username       string `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	RateLimitRPM   int    `json:"rate_limit_rpm" yaml:"rate_limit_rpm"`
	RateLimitBurst int    `json:"rate_limit_burst" yaml:"rate_limit_burst"`
}

// TelemetryConfig configures OTLP trace export (only used with -tags otel).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	Endpoint    string            `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		DataDir: "~/.hybridmem/storage",
		Storage: StorageConfig{Driver: "sqlite"},
		Memory: MemoryConfig{
			MaxMessages:         50,
			MaxResidentSessions: 1000,
			SummaryThreshold:    20,
			SummaryWindow:       10,
			DistillMinChars:     100,
			ResponseImportance:  0.5,
			SummaryImportance:   0.7,
			RetrievalTopK:       5,
			ContextTurns:        10,
			SnippetChars:        200,
			QueryMaxChars:       500,
			DecayEnabled:        true,
			DecayDays:           30,
			DecaySchedule:       "@daily",
		},
		Summarizer: SummarizerConfig{
			Provider:   "extractive",
			MaxTokens:  500,
			TimeoutSec: 60,
			MaxRetries: 2,
		},
		Counter: CounterConfig{
			Backend:   "memory",
			KeyPrefix: "hybridmem:turns:",
		},
		Gateway: GatewayConfig{
			Host:           "0.0.0.0",
			Port:           9241,
			RateLimitRPM:   600,
			RateLimitBurst: 50,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "hybridmem",
		},
	}
}

// Load reads the config at path. A missing file yields defaults.
// Env overrides are applied after the file, then the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(ExpandHome(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json5 config: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	envStr("HYBRIDMEM_DATA_DIR", &c.DataDir)
	envStr("HYBRIDMEM_STORAGE_DRIVER", &c.Storage.Driver)
	envStr("HYBRIDMEM_POSTGRES_DSN", &c.Storage.PostgresDSN)
	envStr("HYBRIDMEM_GATEWAY_HOST", &c.Gateway.Host)
	envInt("HYBRIDMEM_GATEWAY_PORT", &c.Gateway.Port)
	envStr("HYBRIDMEM_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("HYBRIDMEM_SUMMARIZER", &c.Summarizer.Provider)
	envStr("HYBRIDMEM_SUMMARIZER_MODEL", &c.Summarizer.Model)
	envStr("HYBRIDMEM_REDIS_ADDR", &c.Counter.RedisAddr)
	if c.Counter.RedisAddr != "" && os.Getenv("HYBRIDMEM_REDIS_ADDR") != "" {
		c.Counter.Backend = "redis"
	}

	if c.Summarizer.APIKey == "" {
		switch c.Summarizer.Provider {
		case "openai":
			envStr("OPENAI_API_KEY", &c.Summarizer.APIKey)
		case "anthropic":
			envStr("ANTHROPIC_API_KEY", &c.Summarizer.APIKey)
		case "dashscope":
			envStr("DASHSCOPE_API_KEY", &c.Summarizer.APIKey)
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error
	m := c.Memory

	if m.MaxMessages <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_messages must be positive, got %d", m.MaxMessages))
	}
	if m.MaxResidentSessions <= 0 {
		errs = append(errs, fmt.Errorf("memory.max_resident_sessions must be positive, got %d", m.MaxResidentSessions))
	}
	if m.SummaryThreshold <= 0 {
		errs = append(errs, fmt.Errorf("memory.summary_threshold must be positive, got %d", m.SummaryThreshold))
	}
	if m.SummaryWindow <= 0 {
		errs = append(errs, fmt.Errorf("memory.summary_window must be positive, got %d", m.SummaryWindow))
	}
	if m.RetrievalTopK < 0 {
		errs = append(errs, fmt.Errorf("memory.retrieval_top_k must not be negative, got %d", m.RetrievalTopK))
	}
	if m.ResponseImportance < 0 || m.ResponseImportance > 1 {
		errs = append(errs, fmt.Errorf("memory.response_importance must be within [0,1], got %g", m.ResponseImportance))
	}
	if m.SummaryImportance < 0 || m.SummaryImportance > 1 {
		errs = append(errs, fmt.Errorf("memory.summary_importance must be within [0,1], got %g", m.SummaryImportance))
	}
	if m.DecayDays < 0 {
		errs = append(errs, fmt.Errorf("memory.decay_days must not be negative, got %d", m.DecayDays))
	}
	if m.DecayEnabled && !gronx.New().IsValid(m.DecaySchedule) {
		errs = append(errs, fmt.Errorf("memory.decay_schedule %q is not a valid cron expression", m.DecaySchedule))
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver))
	}

	switch c.Summarizer.Provider {
	case "", "extractive", "openai", "anthropic", "dashscope":
	default:
		errs = append(errs, fmt.Errorf("summarizer.provider %q is not supported", c.Summarizer.Provider))
	}

	switch c.Counter.Backend {
	case "", "memory":
	case "redis":
		if c.Counter.RedisAddr == "" {
			errs = append(errs, errors.New("counter.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("counter.backend %q is not supported", c.Counter.Backend))
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port))
	}

	return errors.Join(errs...)
}

// ResolvedDataDir returns DataDir with ~ expanded.
func (c *Config) ResolvedDataDir() string {
	return ExpandHome(c.DataDir)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for synthline-engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables. Environment variables always override YAML values. Secrets
// (API keys, database passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8201"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// AI model backend used for procedure synthesis
	AI AIConfig `yaml:"ai"`

	// Procedure cache configuration
	Cache CacheConfig `yaml:"cache"`

	// Database configuration (PostgreSQL, used when cache backend is "postgres")
	Database DatabaseConfig `yaml:"database"`

	// Generation pipeline tunables
	Generation GenerationConfig `yaml:"generation"`
}

// AIConfig holds LLM backend configuration. If Provider is empty the
// engine runs template-only synthesis.
type AIConfig struct {
	// Provider selects the synthesis backend: "openai", "anthropic" or ""
	// (template-only).
	Provider string `yaml:"provider" env:"AI_PROVIDER" env-default:""`

	// Endpoint is the base URL for OpenAI-compatible providers.
	Endpoint string `yaml:"endpoint" env:"AI_ENDPOINT" env-default:"https://api.openai.com/v1"`

	Model string `yaml:"model" env:"AI_MODEL" env-default:"gpt-4o"`

	APIKey string `yaml:"-" env:"AI_API_KEY"` // Secret - not in YAML

	// RequestTimeoutSeconds bounds a single synthesis model call.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" env:"AI_REQUEST_TIMEOUT_SECONDS" env-default:"60"`
}

// IsAvailable returns true if a model backend is configured.
func (c *AIConfig) IsAvailable() bool {
	return c.Provider != ""
}

// RequestTimeout returns the per-call timeout as a duration.
func (c *AIConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// CacheConfig holds procedure cache settings.
type CacheConfig struct {
	// Backend selects the CacheStore implementation: "memory" or "postgres".
	Backend string `yaml:"backend" env:"CACHE_BACKEND" env-default:"memory"`

	// MaxEntries caps the in-memory store; zero means unbounded.
	MaxEntries int `yaml:"max_entries" env:"CACHE_MAX_ENTRIES" env-default:"0"`
}

// DatabaseConfig holds PostgreSQL configuration for the postgres cache
// backend.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"synthline"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"synthline_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"10"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GenerationConfig holds pipeline tunables.
type GenerationConfig struct {
	// MaxAttempts is the validation retry budget per request.
	MaxAttempts int `yaml:"max_attempts" env:"GENERATION_MAX_ATTEMPTS" env-default:"3"`

	// SandboxTimeoutSeconds bounds one plan execution.
	SandboxTimeoutSeconds int `yaml:"sandbox_timeout_seconds" env:"SANDBOX_TIMEOUT_SECONDS" env-default:"30"`

	// SandboxMaxCells caps rows*columns of one execution (memory ceiling).
	SandboxMaxCells int `yaml:"sandbox_max_cells" env:"SANDBOX_MAX_CELLS" env-default:"50000000"`

	// ExtractionSampleSize caps rows examined for pattern analysis.
	ExtractionSampleSize int `yaml:"extraction_sample_size" env:"EXTRACTION_SAMPLE_SIZE" env-default:"1000"`
}

// SandboxTimeout returns the sandbox wall-clock limit as a duration.
func (c *GenerationConfig) SandboxTimeout() time.Duration {
	return time.Duration(c.SandboxTimeoutSeconds) * time.Second
}

// Load reads configuration from config.yaml with environment variable
// overrides. The version parameter is injected at build time.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Cache.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	switch c.AI.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown AI provider %q", c.AI.Provider)
	}
	if c.Generation.MaxAttempts < 1 {
		return fmt.Errorf("generation max_attempts must be at least 1")
	}
	return nil
}

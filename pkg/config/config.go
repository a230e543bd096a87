package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultConfigPath is read by Load.
const DefaultConfigPath = "config.yaml"

// Metadata store backends.
const (
	MetadataBackendMemory   = "memory"
	MetadataBackendPostgres = "postgres"
	MetadataBackendRedis    = "redis"
)

// LLM providers.
const (
	LLMProviderOpenAI    = "openai"
	LLMProviderAnthropic = "anthropic"
)

// Config holds all configuration for ekaya-sqlagent.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	LLM      LLMConfig      `yaml:"llm"`
	Metadata MetadataConfig `yaml:"metadata"`
	Agent    AgentConfig    `yaml:"agent"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether JWT signatures are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWTSecret verifies HS256 tokens when no JWKS endpoint is configured.
	JWTSecret string `yaml:"-" env:"JWT_SECRET"` // Secret - not in YAML

	// Audience is required in the aud claim when non-empty.
	Audience string `yaml:"audience" env:"AUTH_AUDIENCE" env-default:"sqlagent"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	// Format: "issuer1=url1,issuer2=url2"
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_sqlagent"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. Redis is only required when the
// metadata backend is redis.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// LLMConfig selects and tunes the reasoning provider.
type LLMConfig struct {
	Provider string        `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`
	Endpoint string        `yaml:"endpoint" env:"LLM_ENDPOINT" env-default:"https://api.openai.com/v1"`
	Model    string        `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o-mini"`
	APIKey   string        `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Timeout  time.Duration `yaml:"timeout" env:"LLM_TIMEOUT" env-default:"60s"`

	// MaxRetries applies to rate-limit errors only.
	MaxRetries int `yaml:"max_retries" env:"LLM_MAX_RETRIES" env-default:"2"`

	// CircuitBreakerThreshold consecutive failures open the breaker; 0 disables it.
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold" env:"LLM_CIRCUIT_BREAKER_THRESHOLD" env-default:"5"`
	CircuitBreakerReset     time.Duration `yaml:"circuit_breaker_reset" env:"LLM_CIRCUIT_BREAKER_RESET" env-default:"30s"`
}

// MetadataConfig selects the metadata cache backend.
type MetadataConfig struct {
	Backend string        `yaml:"backend" env:"METADATA_BACKEND" env-default:"memory"`
	TTL     time.Duration `yaml:"ttl" env:"METADATA_TTL" env-default:"24h"`

	// CleanupInterval enables a periodic sweep of expired fragments. Zero
	// leaves eviction to reads.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"METADATA_CLEANUP_INTERVAL" env-default:"0s"`
}

// AgentConfig tunes the negotiation agent.
type AgentConfig struct {
	HistoryLimit      int `yaml:"history_limit" env:"AGENT_HISTORY_LIMIT" env-default:"20"`
	TitleMaxWords     int `yaml:"title_max_words" env:"AGENT_TITLE_MAX_WORDS" env-default:"5"`
	AntiLoopThreshold int `yaml:"anti_loop_threshold" env:"AGENT_ANTI_LOOP_THRESHOLD" env-default:"2"`

	// HistoryTokenBudget bounds prior conversation per reasoning call; 0 disables trimming.
	HistoryTokenBudget int `yaml:"history_token_budget" env:"AGENT_HISTORY_TOKEN_BUDGET" env-default:"12000"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFrom(DefaultConfigPath, version)
}

// LoadFrom is Load with an explicit file path. A missing file is not an
// error; configuration then comes from the environment alone.
func LoadFrom(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints cleanenv cannot express.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case LLMProviderOpenAI:
		if c.LLM.Endpoint == "" {
			return errors.New("llm.endpoint is required for the openai provider")
		}
	case LLMProviderAnthropic:
		if c.LLM.APIKey == "" {
			return errors.New("LLM_API_KEY is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown llm.provider %q (expected %s or %s)", c.LLM.Provider, LLMProviderOpenAI, LLMProviderAnthropic)
	}
	if c.LLM.Model == "" {
		return errors.New("llm.model is required")
	}
	if c.LLM.Timeout <= 0 {
		return errors.New("llm.timeout must be positive")
	}
	if c.LLM.MaxRetries < 0 {
		return errors.New("llm.max_retries must not be negative")
	}

	switch c.Metadata.Backend {
	case MetadataBackendMemory, MetadataBackendPostgres:
	case MetadataBackendRedis:
		if c.Redis.Host == "" {
			return errors.New("redis.host is required for the redis metadata backend")
		}
	default:
		return fmt.Errorf("unknown metadata.backend %q", c.Metadata.Backend)
	}
	if c.Metadata.TTL <= 0 {
		return errors.New("metadata.ttl must be positive")
	}
	if c.Metadata.CleanupInterval < 0 {
		return errors.New("metadata.cleanup_interval must not be negative")
	}

	if c.Agent.HistoryLimit <= 0 {
		return errors.New("agent.history_limit must be positive")
	}
	if c.Agent.HistoryTokenBudget < 0 {
		return errors.New("agent.history_token_budget must not be negative")
	}
	if c.Auth.EnableVerification && c.Auth.JWTSecret == "" && len(c.Auth.JWKSEndpoints) == 0 {
		return errors.New("auth verification needs JWT_SECRET or auth.jwks_endpoints")
	}
	return nil
}

// IsLocal reports whether the server runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Env == "local"
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return c.BindAddr + ":" + c.Port
}

// parseJWKSEndpoints parses the JWKS endpoints string into a map.
// Format: "issuer1=url1,issuer2=url2"
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	if value == "" {
		return endpoints
	}

	for _, pair := range strings.Split(value, ",") {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		issuer, jwksURL = strings.TrimSpace(issuer), strings.TrimSpace(jwksURL)
		if issuer != "" && jwksURL != "" {
			endpoints[issuer] = jwksURL
		}
	}
	return endpoints
}

// URL returns a PostgreSQL connection URL with credentials escaped.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// Addr returns the Redis host:port.
func (c *RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration. Values load from a TOML file
// and may be overridden by environment variables; secrets are expected to
// arrive through the environment in production.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Database      DatabaseConfig      `toml:"database"`
	Auth          AuthConfig          `toml:"auth"`
	AI            AIConfig            `toml:"ai"`
	Evidence      EvidenceConfig      `toml:"evidence"`
	Limits        LimitsConfig        `toml:"limits"`
	Observability ObservabilityConfig `toml:"observability"`
}

type ServerConfig struct {
	Listen         string   `toml:"listen"`
	Environment    string   `toml:"environment"`
	LogLevel       string   `toml:"log_level"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuthConfig struct {
	JWTSecret           string `toml:"jwt_secret"`
	TokenTTLHours       int    `toml:"token_ttl_hours"`
	ChallengeTTLMinutes int    `toml:"challenge_ttl_minutes"`
}

type AIConfig struct {
	ProviderOrder  []string       `toml:"provider_order"`
	TimeoutSeconds int            `toml:"timeout_seconds"`
	Gemini         ProviderConfig `toml:"gemini"`
	Anthropic      ProviderConfig `toml:"anthropic"`
	OpenAI         ProviderConfig `toml:"openai"`
}

type ProviderConfig struct {
	APIKey   string `toml:"api_key"`
	Model    string `toml:"model"`
	Endpoint string `toml:"endpoint"`
}

type EvidenceConfig struct {
	Endpoint    string `toml:"endpoint"`
	APIKey      string `toml:"api_key"`
	MaxAttempts int    `toml:"max_attempts"`
	BackoffMS   int    `toml:"backoff_ms"`
}

type LimitsConfig struct {
	Auth   RouteLimit `toml:"auth"`
	Escrow RouteLimit `toml:"escrow"`
}

type RouteLimit struct {
	RequestsPerMinute float64 `toml:"requests_per_minute"`
	Burst             int     `toml:"burst"`
}

type ObservabilityConfig struct {
	Enabled     bool `toml:"enabled"`
	LogRequests bool `toml:"log_requests"`
}

// Load reads the TOML file at path when it exists, applies environment
// overrides and fills defaults. A missing file is not an error; the
// environment alone can configure the service.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.Normalize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Listen, "AETHERLOCK_LISTEN")
	setString(&c.Server.Environment, "AETHERLOCK_ENV")
	setString(&c.Server.LogLevel, "AETHERLOCK_LOG_LEVEL")
	setString(&c.Database.Path, "AETHERLOCK_DB_PATH")
	setString(&c.Auth.JWTSecret, "AETHERLOCK_JWT_SECRET")
	setInt(&c.Auth.TokenTTLHours, "AETHERLOCK_TOKEN_TTL_HOURS")
	setString(&c.AI.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&c.AI.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.AI.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.Evidence.Endpoint, "AETHERLOCK_EVIDENCE_ENDPOINT")
	setString(&c.Evidence.APIKey, "AETHERLOCK_EVIDENCE_API_KEY")
}

// Normalize fills defaults for unset fields.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Server.Listen) == "" {
		c.Server.Listen = ":8080"
	}
	if strings.TrimSpace(c.Server.Environment) == "" {
		c.Server.Environment = "development"
	}
	if strings.TrimSpace(c.Server.LogLevel) == "" {
		c.Server.LogLevel = "info"
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = "aetherlock.db"
	}
	if c.Auth.TokenTTLHours <= 0 {
		c.Auth.TokenTTLHours = 24
	}
	if c.Auth.ChallengeTTLMinutes <= 0 {
		c.Auth.ChallengeTTLMinutes = 5
	}
	if len(c.AI.ProviderOrder) == 0 {
		c.AI.ProviderOrder = []string{"gemini", "anthropic", "openai"}
	}
	if c.AI.TimeoutSeconds <= 0 {
		c.AI.TimeoutSeconds = 30
	}
	if c.Evidence.MaxAttempts <= 0 {
		c.Evidence.MaxAttempts = 3
	}
	if c.Evidence.BackoffMS <= 0 {
		c.Evidence.BackoffMS = 1000
	}
	if c.Limits.Auth.RequestsPerMinute <= 0 {
		c.Limits.Auth = RouteLimit{RequestsPerMinute: 30, Burst: 10}
	}
	if c.Limits.Escrow.RequestsPerMinute <= 0 {
		c.Limits.Escrow = RouteLimit{RequestsPerMinute: 120, Burst: 30}
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("config: auth jwt secret required")
	}
	return nil
}

// TokenTTL returns the bearer token lifetime.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLHours) * time.Hour
}

// ChallengeTTL returns the login nonce lifetime.
func (c *Config) ChallengeTTL() time.Duration {
	return time.Duration(c.Auth.ChallengeTTLMinutes) * time.Minute
}

// ProviderTimeout returns the per-provider assessment deadline.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.AI.TimeoutSeconds) * time.Second
}

// EvidenceBackoff returns the first retry delay for evidence uploads.
func (c *Config) EvidenceBackoff() time.Duration {
	return time.Duration(c.Evidence.BackoffMS) * time.Millisecond
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			*dst = parsed
		}
	}
}

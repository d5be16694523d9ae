// Package config loads application configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Supabase SupabaseConfig
	Redis    RedisConfig
	ImageAPI ImageAPIConfig
	Logging  LoggingConfig
	Auth     AuthConfig
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string `env:"SERVER_HOST,default=0.0.0.0"`
	Port            int    `env:"SERVER_PORT,default=8080"`
	ReadTimeoutSec  int    `env:"SERVER_READ_TIMEOUT,default=30"`
	WriteTimeoutSec int    `env:"SERVER_WRITE_TIMEOUT,default=150"`
}

// DatabaseConfig configures direct Postgres access. When DSN is empty the
// application falls back to the Supabase REST backend.
type DatabaseConfig struct {
	Driver          string `env:"DB_DRIVER,default=postgres"`
	DSN             string `env:"DATABASE_URL,default="`
	MaxOpenConns    int    `env:"DB_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int    `env:"DB_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `env:"DB_CONN_MAX_LIFETIME,default=300"`
}

// SupabaseConfig configures the hosted backend and its storage buckets.
type SupabaseConfig struct {
	URL           string `env:"SUPABASE_URL,default="`
	ServiceKey    string `env:"SUPABASE_SERVICE_ROLE_KEY,default="`
	JWTSecret     string `env:"SUPABASE_JWT_SECRET,default="`
	StorageBucket string `env:"STORAGE_BUCKET,default=enhanced-images"`
	PublicBase    string `env:"STORAGE_PUBLIC_BASE,default="`
}

// RedisConfig configures the ephemeral task-context cache.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR,default="`
	Password string `env:"REDIS_PASSWORD,default="`
	DB       int    `env:"REDIS_DB,default=0"`
}

// ImageAPIConfig configures the third-party async image API.
type ImageAPIConfig struct {
	BaseURL          string `env:"IMAGE_API_BASE_URL,default=https://techhk.aoscdn.com"`
	WebhookURL       string `env:"WEBHOOK_URL,default="`
	WebhookSecret    string `env:"WEBHOOK_SECRET,default="`
	SubmitTimeoutSec int    `env:"IMAGE_API_SUBMIT_TIMEOUT,default=120"`
	FetchTimeoutSec  int    `env:"IMAGE_API_FETCH_TIMEOUT,default=60"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
	Output string `env:"LOG_OUTPUT,default=stdout"`
}

// AuthConfig configures request authentication.
type AuthConfig struct {
	AdminToken string `env:"ADMIN_TOKEN,default="`
	// RateLimit is requests per second allowed per client on trial routes.
	RateLimit      int `env:"TRIAL_RATE_LIMIT,default=5"`
	RateLimitBurst int `env:"TRIAL_RATE_LIMIT_BURST,default=10"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field requirements that envdecode cannot express.
func (c *Config) Validate() error {
	if c.Database.DSN == "" && c.Supabase.URL == "" {
		return fmt.Errorf("either DATABASE_URL or SUPABASE_URL must be configured")
	}
	if c.Supabase.URL != "" && c.Supabase.ServiceKey == "" {
		return fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY is required when SUPABASE_URL is set")
	}
	if c.ImageAPI.WebhookURL != "" {
		if err := ValidateWebhookURL(c.ImageAPI.WebhookURL); err != nil {
			return fmt.Errorf("WEBHOOK_URL: %w", err)
		}
	}
	return nil
}

// ValidateWebhookURL enforces that the callback endpoint handed to the
// third-party API is a publicly reachable HTTPS URL. Submissions carrying a
// localhost or plain-HTTP callback would never be delivered.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("must use https, got %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("missing host")
	}
	if host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("host %q is not publicly reachable", host)
	}
	return nil
}

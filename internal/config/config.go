package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables per spec §6.
type Config struct {
	// Server
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3000"`

	// Store (embedded SQLite file path)
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:trustgate.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`

	// Crypto
	EncryptionKeyPath string `env:"ENCRYPTION_KEY_PATH" envDefault:"./trustgate.key"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSOrigin string `env:"CORS_ORIGIN" envDefault:"*"`

	// Admin surface gate for the HTTP management API.
	AdminKey string `env:"ADMIN_KEY"`

	// Session id signing
	SessionSigningKey string `env:"SESSION_SIGNING_KEY"`

	// Policy
	PolicyDefaultAction string `env:"POLICY_DEFAULT_ACTION" envDefault:"BLOCK"`

	// Virtual-id / record cache sizing
	VirtualIDCacheSize int `env:"VIRTUAL_ID_CACHE_SIZE" envDefault:"10000"`
	RecordCacheSize    int `env:"RECORD_CACHE_SIZE" envDefault:"5000"`

	// Audit retention
	AuditRetentionDays int `env:"AUDIT_RETENTION_DAYS" envDefault:"90"`

	// OAuth provider client credentials. Only the demo provider's client
	// id and secret are read; no other provider's credentials are loaded.
	DemoProviderClientID     string `env:"DEMO_PROVIDER_CLIENT_ID"`
	DemoProviderClientSecret string `env:"DEMO_PROVIDER_CLIENT_SECRET"`
	OAuthRedirectBaseURL     string `env:"OAUTH_REDIRECT_BASE_URL" envDefault:"http://localhost:3000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Package config loads and validates the DeployX configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the DEPLOYX_ prefix (for example
// DEPLOYX_DATABASE_HOST overrides database.host in the YAML).
//
// The encryption key may also be supplied as a bare ENCRYPTION_KEY variable so
// secret injectors that do not know the application prefix can provide it.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment variable overrides.
const EnvPrefix = "DEPLOYX"

// Config holds all application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Security   SecurityConfig   `mapstructure:"security"`
	Cloudflare CloudflareConfig `mapstructure:"cloudflare"`
	Tunnel     TunnelConfig     `mapstructure:"tunnel"`
	Platform   PlatformConfig   `mapstructure:"platform"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// AuthConfig holds local account authentication settings
type AuthConfig struct {
	// JWTExpiry is the lifetime of issued access tokens
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
	// BcryptCost is the work factor used when hashing passwords
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	// EncryptionKey seals provider API tokens and tunnel tokens at rest.
	// Either 32 raw bytes, base64 of 32 bytes, or a passphrase.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled               bool             `mapstructure:"enabled"`
	RequestsPerMinute     int              `mapstructure:"requests_per_minute"`
	Burst                 int              `mapstructure:"burst"`
	AuthRequestsPerMinute int              `mapstructure:"auth_requests_per_minute"`
	AuthBurst             int              `mapstructure:"auth_burst"`
	Redis                 RedisLimitConfig `mapstructure:"redis"`
}

// RedisLimitConfig switches rate limiting to a shared Redis backend so that
// limits hold across replicas.
type RedisLimitConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CloudflareConfig holds provider API settings used by the provisioning workflow
type CloudflareConfig struct {
	APIBaseURL     string        `mapstructure:"api_base_url"`
	TunnelDomain   string        `mapstructure:"tunnel_domain"`
	IngressService string        `mapstructure:"ingress_service"`
	TunnelPrefix   string        `mapstructure:"tunnel_prefix"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// TunnelConfig describes the side-channel file read by the tunnel agent
type TunnelConfig struct {
	TokenFile string `mapstructure:"token_file"`
	TokenKey  string `mapstructure:"token_key"`
}

// PlatformConfig holds values reported by the public status endpoints
type PlatformConfig struct {
	Name     string          `mapstructure:"name"`
	Version  string          `mapstructure:"version"`
	Services []ServiceConfig `mapstructure:"services"`
}

// ServiceConfig is one entry of the platform service list
type ServiceConfig struct {
	Name string `mapstructure:"name"`
	Port int    `mapstructure:"port"`
	// Kind marks services whose status is probed live: "database" or "tunnel".
	// Anything else is reported healthy.
	Kind string `mapstructure:"kind"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	// Enabled determines if audit entries are recorded at all
	Enabled bool `mapstructure:"enabled"`
	// LogFailedRequests records rejected write requests (4xx/5xx) as well
	LogFailedRequests bool `mapstructure:"log_failed_requests"`
	// Shippers configures external log shipping
	Shippers []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper
type AuditShipperConfig struct {
	Enabled bool                `mapstructure:"enabled"`
	Type    string              `mapstructure:"type"` // webhook, file
	Webhook *AuditWebhookConfig `mapstructure:"webhook"`
	File    *AuditFileConfig    `mapstructure:"file"`
}

// AuditWebhookConfig holds webhook shipper configuration
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	TimeoutSecs   int               `mapstructure:"timeout_secs"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval int               `mapstructure:"flush_interval_secs"`
}

// AuditFileConfig holds file shipper configuration
type AuditFileConfig struct {
	Path string `mapstructure:"path"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not reach nested keys during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Auth
		"auth.jwt_expiry",
		"auth.bcrypt_cost",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.auth_requests_per_minute",
		"security.rate_limiting.auth_burst",
		"security.rate_limiting.redis.enabled",
		"security.rate_limiting.redis.address",
		"security.rate_limiting.redis.password",
		"security.rate_limiting.redis.db",

		// Cloudflare
		"cloudflare.api_base_url",
		"cloudflare.tunnel_domain",
		"cloudflare.ingress_service",
		"cloudflare.tunnel_prefix",
		"cloudflare.request_timeout",

		// Tunnel agent side channel
		"tunnel.token_file",
		"tunnel.token_key",

		// Platform
		"platform.name",
		"platform.version",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",
		"audit.log_failed_requests",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	// Unprefixed fallback for infrastructure-injected secrets.
	if err := v.BindEnv("security.encryption_key", EnvPrefix+"_SECURITY_ENCRYPTION_KEY", EnvPrefix+"_ENCRYPTION_KEY", "ENCRYPTION_KEY"); err != nil {
		return fmt.Errorf("failed to bind env var %q: %w", "security.encryption_key", err)
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/deployx")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields
	cfg.Database.Password = expandEnv(cfg.Database.Password)
	cfg.Security.EncryptionKey = expandEnv(cfg.Security.EncryptionKey)
	cfg.Security.RateLimiting.Redis.Password = expandEnv(cfg.Security.RateLimiting.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.base_url", "http://localhost:8000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "deployx")
	v.SetDefault("database.user", "deployx_user")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 30)
	v.SetDefault("database.min_idle_connections", 10)

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "30m")
	v.SetDefault("auth.bcrypt_cost", 12)

	// Security defaults
	v.SetDefault("security.cors.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 30)
	v.SetDefault("security.rate_limiting.auth_requests_per_minute", 10)
	v.SetDefault("security.rate_limiting.auth_burst", 5)
	v.SetDefault("security.rate_limiting.redis.enabled", false)
	v.SetDefault("security.rate_limiting.redis.address", "localhost:6379")
	v.SetDefault("security.rate_limiting.redis.db", 0)

	// Cloudflare defaults
	v.SetDefault("cloudflare.api_base_url", "https://api.cloudflare.com/client/v4")
	v.SetDefault("cloudflare.tunnel_domain", "cfargotunnel.com")
	v.SetDefault("cloudflare.ingress_service", "http://traefik:80")
	v.SetDefault("cloudflare.tunnel_prefix", "deployx")
	v.SetDefault("cloudflare.request_timeout", "30s")

	// Tunnel agent defaults
	v.SetDefault("tunnel.token_file", ".env")
	v.SetDefault("tunnel.token_key", "TUNNEL_TOKEN")

	// Platform defaults
	v.SetDefault("platform.name", "DeployX")
	v.SetDefault("platform.version", "1.0.0")
	v.SetDefault("platform.services", []map[string]interface{}{
		{"name": "Frontend (Next.js)", "port": 3000},
		{"name": "Backend (DeployX API)", "port": 3001},
		{"name": "Database (PostgreSQL)", "port": 3002, "kind": "database"},
		{"name": "Reverse Proxy (Traefik)", "port": 80},
		{"name": "Cloudflare Tunnel", "kind": "tunnel"},
	})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	// Audit defaults
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.log_failed_requests", false)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	if c.Auth.JWTExpiry <= 0 {
		return fmt.Errorf("auth.jwt_expiry must be positive")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("invalid auth.bcrypt_cost: %d (must be between 4 and 31)", c.Auth.BcryptCost)
	}

	rl := c.Security.RateLimiting
	if rl.Enabled {
		if rl.RequestsPerMinute < 1 || rl.Burst < 1 {
			return fmt.Errorf("security.rate_limiting requires positive requests_per_minute and burst")
		}
		if rl.AuthRequestsPerMinute < 1 || rl.AuthBurst < 1 {
			return fmt.Errorf("security.rate_limiting requires positive auth_requests_per_minute and auth_burst")
		}
		if rl.Redis.Enabled && rl.Redis.Address == "" {
			return fmt.Errorf("security.rate_limiting.redis.address is required when redis is enabled")
		}
	}

	if c.Cloudflare.APIBaseURL == "" {
		return fmt.Errorf("cloudflare.api_base_url is required")
	}
	if c.Cloudflare.RequestTimeout <= 0 {
		return fmt.Errorf("cloudflare.request_timeout must be positive")
	}
	if c.Tunnel.TokenFile == "" || c.Tunnel.TokenKey == "" {
		return fmt.Errorf("tunnel.token_file and tunnel.token_key are required")
	}
	if strings.ContainsAny(c.Tunnel.TokenKey, "=\n") {
		return fmt.Errorf("invalid tunnel.token_key: %q", c.Tunnel.TokenKey)
	}

	for i, s := range c.Audit.Shippers {
		if !s.Enabled {
			continue
		}
		switch s.Type {
		case "webhook":
			if s.Webhook == nil || s.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook.url is required", i)
			}
		case "file":
			if s.File == nil || s.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file.path is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q (must be webhook or file)", i, s.Type)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

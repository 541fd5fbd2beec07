package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// DatabaseConfig.GetDSN
// ---------------------------------------------------------------------------

func TestGetDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  DatabaseConfig
		want string
	}{
		{
			name: "standard config",
			cfg: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "deployx_user",
				Password: "secret",
				Name:     "deployx",
				SSLMode:  "disable",
			},
			want: "host=localhost port=5432 user=deployx_user password=secret dbname=deployx sslmode=disable",
		},
		{
			name: "empty password",
			cfg: DatabaseConfig{
				Host:    "db",
				Port:    3002,
				User:    "user",
				Name:    "dbname",
				SSLMode: "require",
			},
			want: "host=db port=3002 user=user password= dbname=dbname sslmode=require",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetDSN(); got != tt.want {
				t.Errorf("GetDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8000}, "0.0.0.0:8000"},
		{"empty host", ServerConfig{Host: "", Port: 8000}, ":8000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8000},
		Database: DatabaseConfig{Host: "localhost", Name: "deployx", User: "deployx_user"},
		Auth:     AuthConfig{JWTExpiry: 30 * time.Minute, BcryptCost: 10},
		Security: SecurityConfig{
			RateLimiting: RateLimitingConfig{
				Enabled:               true,
				RequestsPerMinute:     60,
				Burst:                 10,
				AuthRequestsPerMinute: 10,
				AuthBurst:             5,
			},
		},
		Cloudflare: CloudflareConfig{
			APIBaseURL:     "https://api.cloudflare.com/client/v4",
			RequestTimeout: 30 * time.Second,
		},
		Tunnel:  TunnelConfig{TokenFile: ".env", TokenKey: "TUNNEL_TOKEN"},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"server port 0", func(c *Config) { c.Server.Port = 0 }},
		{"server port 70000", func(c *Config) { c.Server.Port = 70000 }},
		{"missing database host", func(c *Config) { c.Database.Host = "" }},
		{"missing database name", func(c *Config) { c.Database.Name = "" }},
		{"missing database user", func(c *Config) { c.Database.User = "" }},
		{"zero jwt expiry", func(c *Config) { c.Auth.JWTExpiry = 0 }},
		{"bcrypt cost too low", func(c *Config) { c.Auth.BcryptCost = 2 }},
		{"zero burst", func(c *Config) { c.Security.RateLimiting.Burst = 0 }},
		{"zero auth rpm", func(c *Config) { c.Security.RateLimiting.AuthRequestsPerMinute = 0 }},
		{"redis without address", func(c *Config) {
			c.Security.RateLimiting.Redis = RedisLimitConfig{Enabled: true}
		}},
		{"missing cloudflare base url", func(c *Config) { c.Cloudflare.APIBaseURL = "" }},
		{"zero cloudflare timeout", func(c *Config) { c.Cloudflare.RequestTimeout = 0 }},
		{"missing token file", func(c *Config) { c.Tunnel.TokenFile = "" }},
		{"token key with equals", func(c *Config) { c.Tunnel.TokenKey = "A=B" }},
		{"webhook shipper without url", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "webhook"}}
		}},
		{"file shipper without path", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "file", File: &AuditFileConfig{}}}
		}},
		{"unknown shipper type", func(c *Config) {
			c.Audit.Shippers = []AuditShipperConfig{{Enabled: true, Type: "syslog"}}
		}},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error for %s, got nil", tt.name)
			}
		})
	}

	t.Run("rate limits ignored when disabled", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Security.RateLimiting = RateLimitingConfig{Enabled: false}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("disabled shipper is not validated", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Audit.Shippers = []AuditShipperConfig{{Enabled: false, Type: "bogus"}}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing explicit config file")
	}
	if !strings.Contains(err.Error(), "error reading config file") {
		t.Errorf("Load() error = %v, want error reading config file", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "logging:\n  level: \"warn\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8000 {
		t.Errorf("Server.Port = %d, want 8000", cfg.Server.Port)
	}
	if cfg.Cloudflare.APIBaseURL != "https://api.cloudflare.com/client/v4" {
		t.Errorf("Cloudflare.APIBaseURL = %q", cfg.Cloudflare.APIBaseURL)
	}
	if cfg.Cloudflare.IngressService != "http://traefik:80" {
		t.Errorf("Cloudflare.IngressService = %q", cfg.Cloudflare.IngressService)
	}
	if cfg.Cloudflare.RequestTimeout != 30*time.Second {
		t.Errorf("Cloudflare.RequestTimeout = %v, want 30s", cfg.Cloudflare.RequestTimeout)
	}
	if cfg.Tunnel.TokenKey != "TUNNEL_TOKEN" {
		t.Errorf("Tunnel.TokenKey = %q, want TUNNEL_TOKEN", cfg.Tunnel.TokenKey)
	}
	if cfg.Platform.Name != "DeployX" {
		t.Errorf("Platform.Name = %q, want DeployX", cfg.Platform.Name)
	}
	if len(cfg.Platform.Services) != 5 {
		t.Errorf("len(Platform.Services) = %d, want 5", len(cfg.Platform.Services))
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_WithConfigFile(t *testing.T) {
	const content = `
server:
  port: 9999
database:
  host: "dbhost"
  name: "testdb"
cloudflare:
  tunnel_prefix: "acme"
platform:
  services:
    - name: "api"
      port: 8000
audit:
  shippers:
    - enabled: true
      type: file
      file:
        path: /tmp/audit.log
`
	cfg, err := Load(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Database.Host != "dbhost" || cfg.Database.Name != "testdb" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Cloudflare.TunnelPrefix != "acme" {
		t.Errorf("Cloudflare.TunnelPrefix = %q, want acme", cfg.Cloudflare.TunnelPrefix)
	}
	if len(cfg.Platform.Services) != 1 || cfg.Platform.Services[0].Name != "api" {
		t.Errorf("Platform.Services = %+v", cfg.Platform.Services)
	}
	if len(cfg.Audit.Shippers) != 1 || cfg.Audit.Shippers[0].File.Path != "/tmp/audit.log" {
		t.Errorf("Audit.Shippers = %+v", cfg.Audit.Shippers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DEPLOYX_DATABASE_HOST", "envhost")
	t.Setenv("DEPLOYX_TUNNEL_TOKEN_FILE", "/srv/deployx/.env")
	t.Setenv("ENCRYPTION_KEY", "bare-key")

	cfg, err := Load(writeTempConfig(t, "database:\n  host: \"filehost\"\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Host != "envhost" {
		t.Errorf("Database.Host = %q, want envhost", cfg.Database.Host)
	}
	if cfg.Tunnel.TokenFile != "/srv/deployx/.env" {
		t.Errorf("Tunnel.TokenFile = %q", cfg.Tunnel.TokenFile)
	}
	if cfg.Security.EncryptionKey != "bare-key" {
		t.Errorf("Security.EncryptionKey = %q, want bare-key", cfg.Security.EncryptionKey)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_DB_PASS", "mysecret")
	cfg, err := Load(writeTempConfig(t, "database:\n  password: \"${TEST_DB_PASS}\"\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Database.Password != "mysecret" {
		t.Errorf("Database.Password = %q, want mysecret", cfg.Database.Password)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeTempConfig(t, "server: [unclosed")); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

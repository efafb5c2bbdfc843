// ABOUTME: Configuration loading and parsing for grimoire
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete grimoire configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Loader    LoaderConfig    `yaml:"loader" toml:"loader"`
	Quota     QuotaConfig     `yaml:"quota" toml:"quota"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	TLS       TLSConfig       `yaml:"tls" toml:"tls"`
	Matrix    MatrixConfig    `yaml:"matrix" toml:"matrix"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses and HTTP timing
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health server

	// PathPrefix is the {prefix} in canonical service paths /{prefix}-{uuid}/sse
	PathPrefix string `yaml:"path_prefix" toml:"path_prefix"`

	ReadHeaderTimeout time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeout   time.Duration `yaml:"-" toml:"-"`
	SSEKeepalive      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ReadHeaderTimeoutRaw string `yaml:"read_header_timeout" toml:"read_header_timeout"`
	ShutdownTimeoutRaw   string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	SSEKeepaliveRaw      string `yaml:"sse_keepalive" toml:"sse_keepalive"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoaderConfig controls how module source is materialized and executed
type LoaderConfig struct {
	WorkDir     string        `yaml:"work_dir" toml:"work_dir"`
	Retain      int           `yaml:"retain" toml:"retain"`
	AllowUnsafe bool          `yaml:"allow_unsafe" toml:"allow_unsafe"`
	CallTimeout time.Duration `yaml:"-" toml:"-"`
	LoadTimeout time.Duration `yaml:"-" toml:"-"`

	CallTimeoutRaw string `yaml:"call_timeout" toml:"call_timeout"`
	LoadTimeoutRaw string `yaml:"load_timeout" toml:"load_timeout"`
}

// QuotaConfig selects the quota accounting backend
type QuotaConfig struct {
	Backend       string `yaml:"backend" toml:"backend"` // "local" or "redis"
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	Timezone      string `yaml:"timezone" toml:"timezone"`
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret"`
	AdminTokenTTL time.Duration `yaml:"-" toml:"-"`

	AdminTokenTTLRaw string `yaml:"admin_token_ttl" toml:"admin_token_ttl"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// TLSConfig enables ACME certificates for the HTTP listener
type TLSConfig struct {
	AutocertEnabled bool     `yaml:"autocert_enabled" toml:"autocert_enabled"`
	Domains         []string `yaml:"domains" toml:"domains"`
	CacheDir        string   `yaml:"cache_dir" toml:"cache_dir"`
	Email           string   `yaml:"email" toml:"email"`
}

// MatrixConfig holds the optional lifecycle notification room
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// Enabled reports whether enough Matrix settings are present to send notifications.
func (m MatrixConfig) Enabled() bool {
	return m.Homeserver != "" && m.AccessToken != "" && m.RoomID != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:          "127.0.0.1:8080",
			PathPrefix:        "mcp",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   15 * time.Second,
			SSEKeepalive:      25 * time.Second,
		},
		Database: DatabaseConfig{Path: "./grimoire.db"},
		Loader: LoaderConfig{
			WorkDir:     filepath.Join(os.TempDir(), "grimoire-units"),
			Retain:      3,
			CallTimeout: 30 * time.Second,
			LoadTimeout: 10 * time.Second,
		},
		Quota: QuotaConfig{
			Backend:  "local",
			Timezone: "UTC",
		},
		Auth: AuthConfig{
			AdminTokenTTL: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Unset fields keep the values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

var prefixPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !prefixPattern.MatchString(c.Server.PathPrefix) {
		return fmt.Errorf("server.path_prefix %q must be non-empty and contain only letters, digits or underscore", c.Server.PathPrefix)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Loader.WorkDir == "" {
		return fmt.Errorf("loader.work_dir is required")
	}
	if c.Loader.Retain < 1 {
		return fmt.Errorf("loader.retain must be at least 1, got %d", c.Loader.Retain)
	}

	switch c.Quota.Backend {
	case "", "local":
	case "redis":
		if c.Quota.RedisAddr == "" {
			return fmt.Errorf("quota.redis_addr is required when quota.backend is redis")
		}
	default:
		return fmt.Errorf("quota.backend must be local or redis, got %q", c.Quota.Backend)
	}
	if _, err := c.Quota.Location(); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.TLS.AutocertEnabled && len(c.TLS.Domains) == 0 {
		return fmt.Errorf("tls.domains is required when tls.autocert_enabled is set")
	}

	return nil
}

// Location resolves the quota day boundary timezone.
func (q QuotaConfig) Location() (*time.Location, error) {
	if q.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(q.Timezone)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.read_header_timeout", cfg.Server.ReadHeaderTimeoutRaw, &cfg.Server.ReadHeaderTimeout},
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"server.sse_keepalive", cfg.Server.SSEKeepaliveRaw, &cfg.Server.SSEKeepalive},
		{"loader.call_timeout", cfg.Loader.CallTimeoutRaw, &cfg.Loader.CallTimeout},
		{"loader.load_timeout", cfg.Loader.LoadTimeoutRaw, &cfg.Loader.LoadTimeout},
		{"auth.admin_token_ttl", cfg.Auth.AdminTokenTTLRaw, &cfg.Auth.AdminTokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

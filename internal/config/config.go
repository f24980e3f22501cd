// ABOUTME: Configuration loading and parsing for waypost
// ABOUTME: Supports YAML or TOML files with environment variable expansion, overrides and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Credential strategies.
const (
	StrategyLocal  = "local"
	StrategyRemote = "remote"
)

// Defaults applied when the file leaves a value empty.
const (
	DefaultStaleAfter      = 5 * time.Minute
	DefaultDisconnectGrace = 30 * time.Second
	DefaultWebhookTimeout  = 10 * time.Second
	DefaultKeyPrefix       = "RemoteAuth"
	DefaultAuthRoot        = ".waypost_auth"
	DefaultCacheRoot       = ".waypost_cache"
)

// Config represents the complete waypost configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Webhook     WebhookConfig     `yaml:"webhook" toml:"webhook"`
	Matrix      MatrixConfig      `yaml:"matrix" toml:"matrix"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit" toml:"ratelimit"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds the event ledger location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds admin API authentication. Both fields empty disables auth.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKeyHash string `yaml:"api_key_hash" toml:"api_key_hash"` // bcrypt hash
}

// Enabled reports whether any admin credential is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || a.APIKeyHash != ""
}

// CredentialsConfig selects where session credentials live
type CredentialsConfig struct {
	Strategy string       `yaml:"strategy" toml:"strategy"`
	Local    LocalConfig  `yaml:"local" toml:"local"`
	Remote   RemoteConfig `yaml:"remote" toml:"remote"`
}

// LocalConfig holds the on-disk credential layout.
// ExtraAuthRoots and ExtraCacheRoots are searched, in order, after the
// primary roots when exporting.
type LocalConfig struct {
	AuthRoot        string   `yaml:"auth_root" toml:"auth_root"`
	CacheRoot       string   `yaml:"cache_root" toml:"cache_root"`
	ExtraAuthRoots  []string `yaml:"extra_auth_roots" toml:"extra_auth_roots"`
	ExtraCacheRoots []string `yaml:"extra_cache_roots" toml:"extra_cache_roots"`
}

// AuthRoots returns the primary auth root followed by the extra roots.
func (l LocalConfig) AuthRoots() []string {
	return append([]string{l.AuthRoot}, l.ExtraAuthRoots...)
}

// CacheRoots returns the primary cache root followed by the extra roots.
func (l LocalConfig) CacheRoots() []string {
	return append([]string{l.CacheRoot}, l.ExtraCacheRoots...)
}

// RemoteConfig holds the Redis connection for the remote strategy
type RemoteConfig struct {
	URL       string `yaml:"url" toml:"url"`
	Password  string `yaml:"password" toml:"password"`
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`
}

// SessionsConfig holds session lifecycle timing
type SessionsConfig struct {
	StaleAfter      time.Duration `yaml:"-" toml:"-"`
	DisconnectGrace time.Duration `yaml:"-" toml:"-"`
	AutoRestore     bool          `yaml:"auto_restore" toml:"auto_restore"`

	// Raw string values for unmarshaling
	StaleAfterRaw      string `yaml:"stale_after" toml:"stale_after"`
	DisconnectGraceRaw string `yaml:"disconnect_grace" toml:"disconnect_grace"`
}

// WebhookConfig holds outbound webhook delivery settings
type WebhookConfig struct {
	URL           string        `yaml:"url" toml:"url"`
	Secret        string        `yaml:"secret" toml:"secret"`
	Timeout       time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw    string        `yaml:"timeout" toml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second" toml:"rate_per_second"`
}

// MatrixConfig holds the messaging network connection used by every session
type MatrixConfig struct {
	Homeserver     string `yaml:"homeserver" toml:"homeserver"`
	SSORedirectURL string `yaml:"sso_redirect_url" toml:"sso_redirect_url"`
	DeviceName     string `yaml:"device_name" toml:"device_name"`
	Encryption     bool   `yaml:"encryption" toml:"encryption"`
	PickleKey      string `yaml:"pickle_key" toml:"pickle_key"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// RateLimitConfig throttles the admin API. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// well-known override variables are applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.HasSuffix(strings.ToLower(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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

// applyEnvOverrides lets deployment environments win over the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("WAYPOST_AUTH_STRATEGY"); v != "" {
		cfg.Credentials.Strategy = strings.ToLower(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Credentials.Remote.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Credentials.Remote.Password = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("WAYPOST_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("AUTO_RESTORE_SESSIONS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AUTO_RESTORE_SESSIONS %q: %w", v, err)
		}
		cfg.Sessions.AutoRestore = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Credentials.Strategy == "" {
		c.Credentials.Strategy = StrategyLocal
	}
	if c.Credentials.Local.AuthRoot == "" {
		c.Credentials.Local.AuthRoot = DefaultAuthRoot
	}
	if c.Credentials.Local.CacheRoot == "" {
		c.Credentials.Local.CacheRoot = DefaultCacheRoot
	}
	if c.Credentials.Remote.KeyPrefix == "" {
		c.Credentials.Remote.KeyPrefix = DefaultKeyPrefix
	}
	if c.Sessions.StaleAfter == 0 {
		c.Sessions.StaleAfter = DefaultStaleAfter
	}
	if c.Sessions.DisconnectGrace == 0 {
		c.Sessions.DisconnectGrace = DefaultDisconnectGrace
	}
	if c.Webhook.Timeout == 0 {
		c.Webhook.Timeout = DefaultWebhookTimeout
	}
	if c.Matrix.DeviceName == "" {
		c.Matrix.DeviceName = "waypost"
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.RequestsPerSecond) + 1
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Credentials.Strategy {
	case StrategyLocal:
	case StrategyRemote:
		if c.Credentials.Remote.URL == "" {
			return fmt.Errorf("credentials.remote.url is required when strategy is remote")
		}
	default:
		return fmt.Errorf("credentials.strategy must be %q or %q, got %q", StrategyLocal, StrategyRemote, c.Credentials.Strategy)
	}

	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}

	if c.Sessions.StaleAfter < 0 || c.Sessions.DisconnectGrace < 0 {
		return fmt.Errorf("sessions durations must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.StaleAfterRaw != "" {
		cfg.Sessions.StaleAfter, err = time.ParseDuration(cfg.Sessions.StaleAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_after %q: %w", cfg.Sessions.StaleAfterRaw, err)
		}
	}

	if cfg.Sessions.DisconnectGraceRaw != "" {
		cfg.Sessions.DisconnectGrace, err = time.ParseDuration(cfg.Sessions.DisconnectGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing disconnect_grace %q: %w", cfg.Sessions.DisconnectGraceRaw, err)
		}
	}

	if cfg.Webhook.TimeoutRaw != "" {
		cfg.Webhook.Timeout, err = time.ParseDuration(cfg.Webhook.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing webhook timeout %q: %w", cfg.Webhook.TimeoutRaw, err)
		}
	}

	return nil
}

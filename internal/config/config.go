// Package config handles chattyplus-eventsub configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc returns the config file search order. It is a package
// variable (rather than a plain function call) so tests can override it
// without touching the real filesystem outside a temp dir.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/chattyplus-eventsub/config.yaml,
// /config/config.yaml, /etc/chattyplus-eventsub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "chattyplus-eventsub", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/chattyplus-eventsub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all chattyplus-eventsub configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
	Pool      PoolConfig      `yaml:"pool"`
	IDCache   IDCacheConfig   `yaml:"id_cache"`
	LogLevel  string          `yaml:"log_level"`

	// LocalUsername is the authenticated user's login. Required before
	// any topic family that needs a moderator/user id can subscribe.
	LocalUsername string `yaml:"local_username"`
	// Topics lists the channels to subscribe per topic family at startup.
	Topics TopicsConfig `yaml:"topics"`
}

// TopicsConfig lists channels to subscribe per topic family when the
// serve command starts. Empty lists are fine; subscriptions can also be
// driven entirely through the Manager's API by an embedding application.
type TopicsConfig struct {
	Raid        []string `yaml:"raid"`
	Poll        []string `yaml:"poll"`
	Shield      []string `yaml:"shield"`
	Shoutouts   []string `yaml:"shoutouts"`
	ModActions  []string `yaml:"mod_actions"`
	Automod     []string `yaml:"automod"`
	Suspicious  []string `yaml:"suspicious"`
	Warnings    []string `yaml:"warnings"`
	MessageHeld []string `yaml:"message_held"`
	Points      []string `yaml:"points"`
}

// needLocalUsername returns the families configured here that cannot
// become ready without local_username.
func (t TopicsConfig) needLocalUsername() []string {
	var fams []string
	if len(t.Shield) > 0 {
		fams = append(fams, "shield")
	}
	if len(t.Shoutouts) > 0 {
		fams = append(fams, "shoutouts")
	}
	if len(t.ModActions) > 0 {
		fams = append(fams, "mod_actions")
	}
	if len(t.Automod) > 0 {
		fams = append(fams, "automod")
	}
	if len(t.Suspicious) > 0 {
		fams = append(fams, "suspicious")
	}
	if len(t.Warnings) > 0 {
		fams = append(fams, "warnings")
	}
	if len(t.MessageHeld) > 0 {
		fams = append(fams, "message_held")
	}
	return fams
}

// TransportConfig defines the websocket endpoint and session timing.
type TransportConfig struct {
	// URL is the EventSub websocket endpoint. Defaults to the upstream
	// platform's standard endpoint.
	URL string `yaml:"url"`
	// SocksProxy, if set, routes the websocket dial through a SOCKS5
	// proxy (host:port). Optional.
	SocksProxy string `yaml:"socks_proxy"`
	// WelcomeTimeout bounds how long a Session waits for session_welcome
	// after the underlying connection opens.
	WelcomeTimeout time.Duration `yaml:"welcome_timeout"`
	// KeepaliveGrace is added to the server-reported keepalive interval
	// to compute the watchdog window (keepalive_seconds*2 + grace).
	KeepaliveGrace time.Duration `yaml:"keepalive_grace"`
	// Backoff controls reconnect backoff timing for a Session's
	// underlying transport.
	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig controls exponential reconnect backoff.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// APIConfig defines the upstream REST API collaborator settings.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	// RequestsPerSecond throttles outbound create/delete/lookup calls.
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

// PoolConfig defines subscription sharding limits.
type PoolConfig struct {
	// CostBudget is the per-session subscription cost budget.
	CostBudget int `yaml:"cost_budget"`
	// MaxSessions is the hard cap on concurrent Sessions.
	MaxSessions int `yaml:"max_sessions"`
	// EnableMessageHeld turns on the UserMessageHeld topic variant
	// (off by default).
	EnableMessageHeld bool `yaml:"enable_message_held"`
}

// IDCacheConfig defines the optional on-disk name→id cache.
type IDCacheConfig struct {
	// Path, if set, enables a persisted cache at this SQLite database
	// path. Empty disables persistence (in-memory cache only).
	Path string `yaml:"path"`
	// Passphrase derives the at-rest encryption key for cached entries.
	// Required when Path is set.
	Passphrase string `yaml:"passphrase"`
}

// Configured reports whether the API collaborator has both a base URL
// and a token. A partial configuration is treated as unconfigured.
func (c APIConfig) Configured() bool {
	return c.BaseURL != "" && c.Token != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${EVENTSUB_API_TOKEN}). This is
	// a convenience for container deployments; the recommended approach
	// is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Transport.URL == "" {
		c.Transport.URL = "wss://eventsub.wss.twitch.tv/ws"
	}
	if c.Transport.WelcomeTimeout <= 0 {
		c.Transport.WelcomeTimeout = 15 * time.Second
	}
	if c.Transport.KeepaliveGrace <= 0 {
		c.Transport.KeepaliveGrace = 10 * time.Second
	}
	if c.Transport.Backoff.InitialDelay <= 0 {
		c.Transport.Backoff.InitialDelay = 1 * time.Second
	}
	if c.Transport.Backoff.MaxDelay <= 0 {
		c.Transport.Backoff.MaxDelay = 60 * time.Second
	}
	if c.Transport.Backoff.Multiplier <= 0 {
		c.Transport.Backoff.Multiplier = 2.0
	}
	if c.API.RequestsPerSecond <= 0 {
		c.API.RequestsPerSecond = 10
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.Pool.CostBudget <= 0 {
		c.Pool.CostBudget = 10
	}
	if c.Pool.MaxSessions <= 0 {
		c.Pool.MaxSessions = 3
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Pool.CostBudget < 1 {
		return fmt.Errorf("pool.cost_budget %d must be >= 1", c.Pool.CostBudget)
	}
	if c.Pool.MaxSessions < 1 {
		return fmt.Errorf("pool.max_sessions %d must be >= 1", c.Pool.MaxSessions)
	}
	if c.IDCache.Path != "" && c.IDCache.Passphrase == "" {
		return fmt.Errorf("id_cache.passphrase is required when id_cache.path is set")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if len(c.Topics.MessageHeld) > 0 && !c.Pool.EnableMessageHeld {
		return fmt.Errorf("topics.message_held requires pool.enable_message_held: true")
	}
	if fams := c.Topics.needLocalUsername(); len(fams) > 0 && c.LocalUsername == "" {
		return fmt.Errorf("local_username is required by configured topics: %v", fams)
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against the upstream platform's standard endpoint. All
// defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

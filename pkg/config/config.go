// Package config loads, defaults and validates the broker configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (SHAREBROKER_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete broker configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings.
	Server ServerConfig `mapstructure:"server"`

	// Store selects and configures the registry store backend.
	Store StoreConfig `mapstructure:"store"`

	// Catalog configures the upstream catalog and reconciliation.
	Catalog CatalogConfig `mapstructure:"catalog"`

	// Tickets configures the external ticketing integration.
	Tickets TicketsConfig `mapstructure:"tickets"`

	// Broker configures access brokering.
	Broker BrokerConfig `mapstructure:"broker"`

	// Proxy configures the optional object-store proxy.
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Metrics configures Prometheus metrics exposure.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// Port for the HTTP API.
	Port int `mapstructure:"port" validate:"required,gt=0,lte=65535"`

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// RateLimitPerSecond is the sustained request rate allowed per caller.
	// 0 disables rate limiting.
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second" validate:"gte=0"`

	// RateLimitBurst is the per-caller burst capacity. Only read when rate
	// limiting is enabled.
	RateLimitBurst int `mapstructure:"rate_limit_burst" validate:"gte=0"`
}

// StoreConfig selects the registry store backend.
//
// The Type field determines which implementation is used; only the matching
// type-specific section is read.
type StoreConfig struct {
	// Type is one of: memory, badger, postgres.
	Type string `mapstructure:"type" validate:"required,oneof=memory badger postgres"`

	// Badger contains BadgerDB-specific configuration.
	Badger map[string]any `mapstructure:"badger"`

	// Postgres contains PostgreSQL-specific configuration.
	Postgres map[string]any `mapstructure:"postgres"`
}

// CatalogConfig configures the upstream catalog and reconciliation.
type CatalogConfig struct {
	// Source is "wiki" or "file". "file" reads StaticFile instead of the
	// wiki; "none" disables reconciliation entirely.
	Source string `mapstructure:"source" validate:"required,oneof=wiki file none"`

	// WikiURL is the wiki server root. Required when Source is "wiki".
	WikiURL string `mapstructure:"wiki_url" validate:"omitempty,url"`

	// WikiToken authenticates against the wiki.
	WikiToken string `mapstructure:"wiki_token"`

	// WikiSpace and WikiPage locate the catalog page.
	WikiSpace string `mapstructure:"wiki_space"`
	WikiPage  string `mapstructure:"wiki_page"`

	// StaticFile is the YAML catalog path. Required when Source is "file".
	StaticFile string `mapstructure:"static_file"`

	// ManualSharesFile optionally seeds hand-managed shares at startup.
	// Seeded records carry no source key and are invisible to sync.
	ManualSharesFile string `mapstructure:"manual_shares_file"`

	// SyncInterval is the time between reconciliation passes.
	SyncInterval time.Duration `mapstructure:"sync_interval" validate:"required,gt=0"`

	// MaxDeletionsPerPass caps deletions in one pass. 0 uses the built-in
	// default.
	MaxDeletionsPerPass int `mapstructure:"max_deletions_per_pass" validate:"gte=0"`

	// CacheTTL bounds how long a fetched page is reused.
	CacheTTL time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
}

// TicketsConfig configures the external ticketing integration.
type TicketsConfig struct {
	// Enabled turns the ticket engine on.
	Enabled bool `mapstructure:"enabled"`

	// URL is the ticketing server root. Required when enabled.
	URL string `mapstructure:"url" validate:"omitempty,url"`

	// Token authenticates against the ticketing server.
	Token string `mapstructure:"token"`

	// Project is the external project key tickets are filed under.
	Project string `mapstructure:"project"`

	// IssueType is the external issue type name.
	IssueType string `mapstructure:"issue_type"`

	// SweepInterval is the time between status sweeps over active tasks.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`

	// StatusCacheTTL absorbs polling storms against the external system.
	StatusCacheTTL time.Duration `mapstructure:"status_cache_ttl" validate:"gte=0"`

	// FetchFailureBudget fails a task after this many consecutive failed
	// status fetches. 0 uses the built-in default.
	FetchFailureBudget int `mapstructure:"fetch_failure_budget" validate:"gte=0"`
}

// BrokerConfig configures access brokering.
type BrokerConfig struct {
	// ElevationEnabled switches local calls to the caller's identity.
	// Requires the process to run privileged.
	ElevationEnabled bool `mapstructure:"elevation_enabled"`

	// CallTimeout bounds one access call end to end.
	CallTimeout time.Duration `mapstructure:"call_timeout" validate:"required,gt=0"`

	// ProxyToken is the bearer credential for object-store calls.
	ProxyToken string `mapstructure:"proxy_token"`
}

// ProxyConfig configures the optional object-store proxy.
type ProxyConfig struct {
	// Enabled starts the proxy server alongside the broker.
	Enabled bool `mapstructure:"enabled"`

	// Port to listen on.
	Port int `mapstructure:"port" validate:"omitempty,gt=0,lte=65535"`

	// Token is the bearer credential clients must present.
	Token string `mapstructure:"token"`

	// S3 configures the object store behind the proxy.
	S3 S3Config `mapstructure:"s3"`

	// Shares maps URL prefixes to bucket locations.
	Shares map[string]ProxyShareConfig `mapstructure:"shares"`
}

// S3Config mirrors the proxy's S3 client options.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries" validate:"gte=0"`
}

// ProxyShareConfig maps one URL prefix onto a bucket location.
type ProxyShareConfig struct {
	Bucket string `mapstructure:"bucket" validate:"required"`
	Prefix string `mapstructure:"prefix"`
}

// MetricsConfig configures Prometheus metrics exposure.
type MetricsConfig struct {
	// Enabled turns metrics collection and the metrics server on.
	Enabled bool `mapstructure:"enabled"`

	// Port for the metrics HTTP server.
	Port int `mapstructure:"port" validate:"omitempty,gt=0,lte=65535"`
}

// Load loads configuration from file, environment, and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and config file lookup.
func setupViper(v *viper.Viper, configPath string) {
	// SHAREBROKER_LOGGING_LEVEL=DEBUG overrides logging.level, etc.
	v.SetEnvPrefix("SHAREBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// No config file is fine; defaults apply.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory, preferring
// XDG_CONFIG_HOME over ~/.config.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "sharebroker")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "sharebroker")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStoreDefaults(&cfg.Store)
	applyCatalogDefaults(&cfg.Catalog)
	applyTicketsDefaults(&cfg.Tickets)
	applyBrokerDefaults(&cfg.Broker)
	applyProxyDefaults(&cfg.Proxy)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.RateLimitPerSecond > 0 && cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitPerSecond) * 2
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.Postgres == nil {
		cfg.Postgres = make(map[string]any)
	}
}

func applyCatalogDefaults(cfg *CatalogConfig) {
	if cfg.Source == "" {
		cfg.Source = "none"
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 10 * time.Minute
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Minute
	}
}

func applyTicketsDefaults(cfg *TicketsConfig) {
	if cfg.IssueType == "" {
		cfg.IssueType = "Task"
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.StatusCacheTTL == 0 {
		cfg.StatusCacheTTL = 30 * time.Second
	}
	if cfg.FetchFailureBudget == 0 {
		cfg.FetchFailureBudget = 3
	}
}

func applyBrokerDefaults(cfg *BrokerConfig) {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 30 * time.Second
	}
}

func applyProxyDefaults(cfg *ProxyConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Shares == nil {
		cfg.Shares = make(map[string]ProxyShareConfig)
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

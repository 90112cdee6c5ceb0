// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Target   TargetConfig   `mapstructure:"target"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Harvest  HarvestConfig  `mapstructure:"harvest"`
	Credits  CreditsConfig  `mapstructure:"credits"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Progress ProgressConfig `mapstructure:"progress"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ProxyConfig points at the external scraping proxy vendor.
type ProxyConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	UserAgent string `mapstructure:"user_agent"`
	Render    bool   `mapstructure:"render"`
	Geo       string `mapstructure:"geo"`
}

// TargetConfig points at the directory site the parser adapter queries.
type TargetConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

// FetchConfig governs the governor bound and retry behavior of the fetch
// client.
type FetchConfig struct {
	MaxConcurrent    int `mapstructure:"max_concurrent"`
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// HarvestConfig governs pipeline behavior.
type HarvestConfig struct {
	DiscoveryConcurrency  int `mapstructure:"discovery_concurrency"`
	EnrichmentConcurrency int `mapstructure:"enrichment_concurrency"`
	PageCap               int `mapstructure:"page_cap"`
	PolitenessDelayMs     int `mapstructure:"politeness_delay_ms"`
}

// CreditsConfig holds per-call prices and freeze estimation knobs. Prices
// are decimal strings.
type CreditsConfig struct {
	DiscoveryCall  string `mapstructure:"discovery_call"`
	DetailCall     string `mapstructure:"detail_call"`
	ResultsPerPage int    `mapstructure:"results_per_page"`
}

// CacheConfig sets the detail cache freshness window.
type CacheConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
}

// ProgressConfig tunes the live progress broadcaster.
type ProgressConfig struct {
	MaxPerUser      int `mapstructure:"max_per_user"`
	BufferSize      int `mapstructure:"buffer_size"`
	PingIntervalSec int `mapstructure:"ping_interval_seconds"`
	LiveTimeoutSec  int `mapstructure:"live_timeout_seconds"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("proxy.base_url", "https://proxy.example.com")
	v.SetDefault("proxy.user_agent", "harvester/0.1")
	v.SetDefault("proxy.render", false)
	v.SetDefault("target.base_url", "https://directory.example.com")
	v.SetDefault("fetch.max_concurrent", 20)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 2000)
	v.SetDefault("harvest.discovery_concurrency", 3)
	v.SetDefault("harvest.enrichment_concurrency", 5)
	v.SetDefault("harvest.page_cap", 5)
	v.SetDefault("harvest.politeness_delay_ms", 500)
	v.SetDefault("credits.discovery_call", "1")
	v.SetDefault("credits.detail_call", "1")
	v.SetDefault("credits.results_per_page", 20)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("progress.max_per_user", 5)
	v.SetDefault("progress.buffer_size", 64)
	v.SetDefault("progress.ping_interval_seconds", 15)
	v.SetDefault("progress.live_timeout_seconds", 60)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Fetch.MaxConcurrent <= 0 {
		return fmt.Errorf("fetch.max_concurrent must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Harvest.PageCap <= 0 {
		return fmt.Errorf("harvest.page_cap must be > 0")
	}
	if c.Proxy.BaseURL == "" {
		return fmt.Errorf("proxy.base_url must be set")
	}
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url must be set")
	}
	if _, err := decimal.NewFromString(c.Credits.DiscoveryCall); err != nil {
		return fmt.Errorf("credits.discovery_call: %w", err)
	}
	if _, err := decimal.NewFromString(c.Credits.DetailCall); err != nil {
		return fmt.Errorf("credits.detail_call: %w", err)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or postgres")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// FetchTimeout returns the per-call timeout as a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// PolitenessDelay returns the intra-unit page delay as a duration.
func (c Config) PolitenessDelay() time.Duration {
	return time.Duration(c.Harvest.PolitenessDelayMs) * time.Millisecond
}

// CacheTTL returns the detail cache freshness window.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// DiscoveryPrice parses the discovery unit price.
func (c Config) DiscoveryPrice() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Credits.DiscoveryCall)
	return d
}

// DetailPrice parses the detail unit price.
func (c Config) DetailPrice() decimal.Decimal {
	d, _ := decimal.NewFromString(c.Credits.DetailCall)
	return d
}

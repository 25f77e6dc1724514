package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/entity-count-service/internal/models"
)

// Source cache backends.
const (
	SourceCacheNone      = "none"
	SourceCacheMemcached = "memcached"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string

	SourceAPIKey      string
	SourceURL         string
	SourceTimeout     time.Duration
	SourceRecentLimit int

	RequestTimeout time.Duration

	CacheTTL             time.Duration
	StaleWhileRevalidate bool
	RefreshInterval      time.Duration
	BatchWindow          time.Duration

	SourceCacheBackend    string // "none" or "memcached"
	SourceCacheTTL        time.Duration
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout       time.Duration
	InFlightTimeout       time.Duration
	InFlightCheckInterval time.Duration

	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int

	WarmEnabled  bool
	WarmInterval time.Duration
	WarmScopes   []models.ScopeKey

	EntityTypes   []models.EntityType
	TrackedScopes []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Source struct {
		URL         string `yaml:"url"`
		Timeout     string `yaml:"timeout"`
		RecentLimit int    `yaml:"recent_limit"`
	} `yaml:"source"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		TTL                  string `yaml:"ttl"`
		StaleWhileRevalidate *bool  `yaml:"stale_while_revalidate"`
		RefreshInterval      string `yaml:"refresh_interval"`
		BatchWindow          string `yaml:"batch_window"`
	} `yaml:"cache"`

	SourceCache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"source_cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Warm struct {
		Enabled  bool     `yaml:"enabled"`
		Interval string   `yaml:"interval"`
		Scopes   []string `yaml:"scopes"`
	} `yaml:"warm"`

	EntityTypes []string `yaml:"entity_types"`

	Metrics struct {
		TrackedScopes []string `yaml:"tracked_scopes"`
	} `yaml:"metrics"`
}

type secretsFile struct {
	CountSourceAPIKey string `yaml:"count_source_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// API key comes from COUNT_SOURCE_API_KEY env or secrets file. Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := &Config{}
	cfg.ServerPort = fc.Server.Port
	if cfg.ServerPort == "" {
		cfg.ServerPort = "8080"
	}

	cfg.SourceAPIKey, err = loadAPIKey(cwd)
	if err != nil {
		return nil, err
	}

	cfg.SourceURL = strings.TrimSpace(fc.Source.URL)
	if cfg.SourceURL == "" {
		cfg.SourceURL = "http://localhost:9090/api"
	}
	cfg.SourceTimeout = parseDurationOrZero(fc.Source.Timeout, 2*time.Second)
	cfg.SourceRecentLimit = fc.Source.RecentLimit
	if cfg.SourceRecentLimit <= 0 {
		cfg.SourceRecentLimit = 5
	}

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, 5*time.Minute)
	cfg.StaleWhileRevalidate = true
	if fc.Cache.StaleWhileRevalidate != nil {
		cfg.StaleWhileRevalidate = *fc.Cache.StaleWhileRevalidate
	}
	cfg.RefreshInterval = parseDuration(fc.Cache.RefreshInterval, 5*time.Minute)
	cfg.BatchWindow = parseDurationOrZero(fc.Cache.BatchWindow, 10*time.Millisecond)
	if cfg.BatchWindow < 0 {
		cfg.BatchWindow = 10 * time.Millisecond
	}

	cfg.SourceCacheBackend = strings.TrimSpace(strings.ToLower(os.Getenv("SOURCE_CACHE_BACKEND")))
	if cfg.SourceCacheBackend == "" {
		cfg.SourceCacheBackend = strings.TrimSpace(strings.ToLower(fc.SourceCache.Backend))
	}
	if cfg.SourceCacheBackend == "" {
		cfg.SourceCacheBackend = SourceCacheNone
	}
	cfg.SourceCacheTTL = parseDuration(fc.SourceCache.TTL, 60*time.Second)
	cfg.MemcachedAddrs = strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS"))
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = strings.TrimSpace(fc.SourceCache.Memcached.Addrs)
	}
	if cfg.MemcachedAddrs == "" {
		cfg.MemcachedAddrs = "localhost:11211"
	}
	cfg.MemcachedTimeout = parseDuration(fc.SourceCache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.SourceCache.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	rel := fc.Reliability
	cfg.RetryAttempts = rel.RetryMaxAttempts
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	cfg.RetryBaseDelay = parseDuration(rel.RetryBaseDelay, 100*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(rel.RetryMaxDelay, 2*time.Second)
	cfg.RateLimitRPS = rel.RateLimitRPS
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 100
	}
	cfg.RateLimitBurst = rel.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 250
	}
	cfg.CircuitBreakerFailureThreshold = rel.CircuitBreaker.FailureThreshold
	if cfg.CircuitBreakerFailureThreshold <= 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	cfg.CircuitBreakerSuccessThreshold = rel.CircuitBreaker.SuccessThreshold
	if cfg.CircuitBreakerSuccessThreshold <= 0 {
		cfg.CircuitBreakerSuccessThreshold = 2
	}
	cfg.CircuitBreakerTimeout = parseDuration(rel.CircuitBreaker.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.InFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.InFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = fc.Lifecycle.OverloadThresholdPct
	if cfg.OverloadThresholdPct <= 0 {
		cfg.OverloadThresholdPct = 80
	}
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 5
	}

	cfg.EntityTypes = parseEntityTypes(fc.EntityTypes)

	cfg.WarmEnabled = fc.Warm.Enabled
	cfg.WarmInterval = parseDuration(fc.Warm.Interval, 5*time.Minute)
	for _, raw := range fc.Warm.Scopes {
		scope, ok := models.ParseScopeKey(strings.TrimSpace(raw))
		if !ok || !scope.Type.Valid() {
			return nil, fmt.Errorf("warm.scopes: invalid scope %q (want type:id)", raw)
		}
		cfg.WarmScopes = append(cfg.WarmScopes, scope)
	}

	cfg.TrackedScopes = fc.Metrics.TrackedScopes

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAPIKey reads COUNT_SOURCE_API_KEY, falling back to config/secrets.yaml.
func loadAPIKey(cwd string) (string, error) {
	if key := os.Getenv("COUNT_SOURCE_API_KEY"); key != "" {
		return key, nil
	}
	secretsPath := filepath.Join(cwd, "config", "secrets.yaml")
	secretsData, err := os.ReadFile(secretsPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read secrets file: %w", err)
		}
	} else {
		var sec secretsFile
		if err := yaml.Unmarshal(secretsData, &sec); err != nil {
			return "", fmt.Errorf("parse secrets file: %w", err)
		}
		if sec.CountSourceAPIKey != "" {
			return sec.CountSourceAPIKey, nil
		}
	}
	return "", fmt.Errorf("COUNT_SOURCE_API_KEY required (set env or config/secrets.yaml count_source_api_key)")
}

// parseEntityTypes lowercases and de-duplicates the configured entity types.
// An empty list selects models.DefaultEntityTypes.
func parseEntityTypes(raw []string) []models.EntityType {
	types := make([]models.EntityType, 0, len(raw))
	for _, s := range raw {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			types = append(types, models.EntityType(s))
		}
	}
	types = models.NormalizeTypes(types)
	if len(types) == 0 {
		return append([]models.EntityType(nil), models.DefaultEntityTypes...)
	}
	return types
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
// Ensures SourceTimeout is positive, RequestTimeout > SourceTimeout,
// and SourceCacheBackend is a valid value. Auto-adjusts RequestTimeout if needed.
func validate(cfg *Config) error {
	if cfg.SourceTimeout <= 0 {
		return fmt.Errorf("source.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.SourceTimeout {
		cfg.RequestTimeout = cfg.SourceTimeout + time.Second
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	switch cfg.SourceCacheBackend {
	case SourceCacheNone, SourceCacheMemcached:
	default:
		return fmt.Errorf("source_cache.backend must be %s or %s, got %q", SourceCacheNone, SourceCacheMemcached, cfg.SourceCacheBackend)
	}
	if cfg.WarmEnabled && len(cfg.WarmScopes) == 0 {
		return fmt.Errorf("warm.enabled requires at least one warm.scopes entry")
	}
	return nil
}

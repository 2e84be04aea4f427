package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/parking-discovery-service/internal/validation"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort     string
	RequestTimeout time.Duration

	SpatialSourceURL     string
	SpatialSourceTimeout time.Duration
	SearchRadiusMeters   int
	MaxResults           int
	Ranking              string // "source" or "distance"

	AddressResolverURL         string
	AddressResolverTimeout     time.Duration
	AddressResolverConcurrency int
	UserAgent                  string

	GeolocationTimeout time.Duration

	CacheTTL     time.Duration
	CacheBackend string // "in_memory", "memcached", "redis" or "postgres"

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DatabaseURL string

	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	RateLimitRPS   int
	RateLimitBurst int

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	DegradedWindow      time.Duration
	DegradedMinSessions int
	DegradedFailurePct  int

	WarmCache     bool
	WarmInterval  time.Duration
	WarmClientID  string
	HomeLatitude  float64
	HomeLongitude float64
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	SpatialSource struct {
		URL          string `yaml:"url"`
		Timeout      string `yaml:"timeout"`
		RadiusMeters int    `yaml:"radius_meters"`
		MaxResults   int    `yaml:"max_results"`
		Ranking      string `yaml:"ranking"`
	} `yaml:"spatial_source"`

	AddressResolver struct {
		URL         string `yaml:"url"`
		Timeout     string `yaml:"timeout"`
		Concurrency int    `yaml:"concurrency"`
		UserAgent   string `yaml:"user_agent"`
	} `yaml:"address_resolver"`

	Geolocation struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"geolocation"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			Addr string `yaml:"addr"`
			DB   int    `yaml:"db"`
		} `yaml:"redis"`
		Warm struct {
			Enabled   bool    `yaml:"enabled"`
			Interval  string  `yaml:"interval"`
			ClientID  string  `yaml:"client_id"`
			Latitude  float64 `yaml:"lat"`
			Longitude float64 `yaml:"lng"`
		} `yaml:"warm"`
	} `yaml:"cache"`

	Reliability struct {
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBaseDelay   string `yaml:"retry_base_delay"`
		RetryMaxDelay    string `yaml:"retry_max_delay"`
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		CircuitBreaker   struct {
			Enabled          *bool  `yaml:"enabled"`
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
		DegradedWindow      string `yaml:"degraded_window"`
		DegradedMinSessions int    `yaml:"degraded_min_sessions"`
		DegradedFailurePct  int    `yaml:"degraded_failure_pct"`
	} `yaml:"lifecycle"`
}

// Load reads an optional .env, then config/{ENV_NAME}.yaml (default dev), then applies
// env overrides. Secrets (REDIS_PASSWORD, DATABASE_URL) come from the environment only.
// Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
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
	cfg.ServerPort = firstNonEmpty(os.Getenv("PORT"), fc.Server.Port, "8080")
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 30*time.Second)

	cfg.SpatialSourceURL = firstNonEmpty(os.Getenv("OVERPASS_URL"), fc.SpatialSource.URL, "https://overpass-api.de/api/interpreter")
	cfg.SpatialSourceTimeout = parseDurationOrZero(fc.SpatialSource.Timeout, 25*time.Second)
	cfg.SearchRadiusMeters = positiveOr(fc.SpatialSource.RadiusMeters, 5000)
	cfg.MaxResults = positiveOr(fc.SpatialSource.MaxResults, 6)
	cfg.Ranking = strings.ToLower(firstNonEmpty(fc.SpatialSource.Ranking, "source"))

	cfg.AddressResolverURL = firstNonEmpty(os.Getenv("NOMINATIM_URL"), fc.AddressResolver.URL, "https://nominatim.openstreetmap.org/reverse")
	cfg.AddressResolverTimeout = parseDuration(fc.AddressResolver.Timeout, 3*time.Second)
	cfg.AddressResolverConcurrency = positiveOr(fc.AddressResolver.Concurrency, 4)
	cfg.UserAgent = firstNonEmpty(fc.AddressResolver.UserAgent, "parking-discovery-service/1.0")

	cfg.GeolocationTimeout = parseDuration(fc.Geolocation.Timeout, 10*time.Second)

	cfg.CacheTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.CacheBackend = strings.ToLower(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)
	cfg.RedisAddr = firstNonEmpty(os.Getenv("REDIS_ADDR"), fc.Cache.Redis.Addr, "localhost:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.RedisDB = fc.Cache.Redis.DB
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.WarmCache = fc.Cache.Warm.Enabled
	cfg.WarmInterval = parseDuration(fc.Cache.Warm.Interval, 50*time.Minute)
	cfg.WarmClientID = firstNonEmpty(strings.TrimSpace(fc.Cache.Warm.ClientID), "home")
	cfg.HomeLatitude = fc.Cache.Warm.Latitude
	cfg.HomeLongitude = fc.Cache.Warm.Longitude

	cfg.RetryAttempts = positiveOr(fc.Reliability.RetryMaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Reliability.RetryBaseDelay, 500*time.Millisecond)
	cfg.RetryMaxDelay = parseDuration(fc.Reliability.RetryMaxDelay, 5*time.Second)
	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 20)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 40)

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled == nil || *cb.Enabled
	cfg.CircuitBreakerFailureThreshold = positiveOr(cb.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(cb.SuccessThreshold, 1)
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 5*time.Minute)
	cfg.DegradedMinSessions = positiveOr(fc.Lifecycle.DegradedMinSessions, 3)
	cfg.DegradedFailurePct = positiveOr(fc.Lifecycle.DegradedFailurePct, 50)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
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

// validate performs post-load validation. RequestTimeout is raised to cover one
// spatial source call plus address resolution when configured too low.
func validate(cfg *Config) error {
	if cfg.SpatialSourceTimeout <= 0 {
		return fmt.Errorf("spatial_source.timeout must be positive")
	}
	if floor := cfg.SpatialSourceTimeout + cfg.AddressResolverTimeout; cfg.RequestTimeout < floor {
		cfg.RequestTimeout = floor
	}
	switch cfg.Ranking {
	case "source", "distance":
	default:
		return fmt.Errorf("spatial_source.ranking must be source or distance, got %q", cfg.Ranking)
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL required for cache.backend postgres")
		}
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached, redis or postgres, got %q", cfg.CacheBackend)
	}
	if cfg.WarmCache {
		if cfg.HomeLatitude < -90 || cfg.HomeLatitude > 90 || cfg.HomeLongitude < -180 || cfg.HomeLongitude > 180 {
			return fmt.Errorf("cache.warm position out of range: %v,%v", cfg.HomeLatitude, cfg.HomeLongitude)
		}
		if cfg.WarmInterval >= cfg.CacheTTL {
			return fmt.Errorf("cache.warm.interval (%s) must be shorter than cache.ttl (%s)", cfg.WarmInterval, cfg.CacheTTL)
		}
		if _, err := validation.ParseClientID(cfg.WarmClientID); err != nil {
			return fmt.Errorf("cache.warm.client_id: %w", err)
		}
	}
	return nil
}

// Package config handles YAML configuration loading with environment variable
// expansion, defaults, and validation, plus startup seeding of the key pool.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	proxy "github.com/eugener/palantir/internal"
)

// Storage mode names shared by auth, upstream keys, and contexts.
const (
	ModeMemory   = "memory"
	ModeDatabase = "database"
	ModeRedis    = "redis"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Auth       AuthConfig      `yaml:"auth"`
	Upstream   UpstreamConfig  `yaml:"upstream"`
	Limits     LimitsConfig    `yaml:"limits"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Context    ContextConfig   `yaml:"context"`
	Cache      CacheConfig     `yaml:"cache"`
	Scheduler  SchedulerConfig `yaml:"scheduler"`
	Safety     SafetyConfig    `yaml:"safety"`
	Storage    StorageConfig   `yaml:"storage"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
	Logging    LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 = none; SSE streams are open-ended
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds proxy-facing credential settings.
type AuthConfig struct {
	Mode            string        `yaml:"mode"` // memory or database
	Credentials     []string      `yaml:"credentials"`
	AdminCredential string        `yaml:"admin_credential"`
	CacheSize       int           `yaml:"cache_size"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// UpstreamConfig holds the provider endpoint and the key pool.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`    // empty = provider default
	APIVersion     string        `yaml:"api_version"` // ignored when base_url is set
	KeyStorage     string        `yaml:"key_storage"`
	Keys           []KeyEntry    `yaml:"keys"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	StickySessions bool          `yaml:"sticky_sessions"`
	TopBandPercent float64       `yaml:"top_band_percent"`
}

// KeyEntry is an upstream key seed in the config file.
type KeyEntry struct {
	Secret            string `yaml:"secret"`
	Description       string `yaml:"description"`
	AuthType          string `yaml:"auth_type"` // api_key (default) or oauth
	ContextCompletion bool   `yaml:"context_completion"`
}

// LimitsConfig holds model catalog settings.
type LimitsConfig struct {
	CatalogPath             string `yaml:"catalog_path"` // empty = embedded catalog
	FallbackInputTokenLimit int    `yaml:"fallback_input_token_limit"`
	SafetyMargin            int    `yaml:"safety_margin"`
}

// RateLimitConfig holds per-client-IP caps. Zero means uncapped.
type RateLimitConfig struct {
	PerIPPerMinute int64 `yaml:"per_ip_per_minute"`
	PerIPPerDay    int64 `yaml:"per_ip_per_day"`
}

// ContextConfig holds conversation persistence settings.
type ContextConfig struct {
	Storage         string        `yaml:"storage"` // memory, database, or redis
	TTLDays         int           `yaml:"ttl_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxRecords      int           `yaml:"max_records"` // memory mode only
	StreamSaveReply bool          `yaml:"stream_save_reply"`
	Redis           RedisConfig   `yaml:"redis"`
}

// RedisConfig holds redis backend connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// CacheConfig controls native upstream content caching and the score cache.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MinPrefixTokens int           `yaml:"min_prefix_tokens"`
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"` // score cache freshness
}

// SchedulerConfig holds background task settings.
type SchedulerConfig struct {
	UsageReportInterval time.Duration `yaml:"usage_report_interval"`
	ReportLevel         string        `yaml:"report_level"`
	QuotaTimezone       string        `yaml:"quota_timezone"`
}

// SafetyConfig controls upstream content filtering.
type SafetyConfig struct {
	DisableFiltering bool `yaml:"disable_filtering"`
}

// StorageConfig holds SQLite settings.
type StorageConfig struct {
	Path string `yaml:"path"` // file path or ":memory:"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables
// and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with every knob at its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Mode:      ModeMemory,
			CacheSize: 10_000,
			CacheTTL:  30 * time.Second,
		},
		Upstream: UpstreamConfig{
			APIVersion:     "v1beta",
			KeyStorage:     ModeMemory,
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    120 * time.Second,
			MaxAttempts:    5,
			StickySessions: true,
			TopBandPercent: 10,
		},
		Limits: LimitsConfig{
			FallbackInputTokenLimit: 1_048_576,
			SafetyMargin:            1024,
		},
		Context: ContextConfig{
			Storage:         ModeMemory,
			TTLDays:         7,
			CleanupInterval: 5 * time.Minute,
			MaxRecords:      1000,
			StreamSaveReply: true,
		},
		Cache: CacheConfig{
			MinPrefixTokens: 2048,
			TTL:             time.Hour,
			RefreshInterval: 60 * time.Second,
		},
		Scheduler: SchedulerConfig{
			UsageReportInterval: 30 * time.Minute,
			ReportLevel:         "info",
			QuotaTimezone:       "America/Los_Angeles",
		},
		Storage: StorageConfig{
			Path: "palantir.db",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Auth.Mode {
	case ModeMemory:
		if len(c.Auth.Credentials) == 0 && c.Auth.AdminCredential == "" {
			return fmt.Errorf("auth: memory mode requires credentials or admin_credential")
		}
	case ModeDatabase:
	default:
		return fmt.Errorf("auth: unknown mode %q", c.Auth.Mode)
	}

	switch c.Upstream.KeyStorage {
	case ModeMemory:
		if len(c.Upstream.Keys) == 0 {
			return fmt.Errorf("upstream: memory key storage requires at least one key")
		}
	case ModeDatabase:
	default:
		return fmt.Errorf("upstream: unknown key_storage %q", c.Upstream.KeyStorage)
	}
	for i, k := range c.Upstream.Keys {
		if k.Secret == "" {
			return fmt.Errorf("upstream: keys[%d] has no secret", i)
		}
		switch k.AuthType {
		case "", proxy.AuthTypeAPIKey, proxy.AuthTypeOAuth:
		default:
			return fmt.Errorf("upstream: keys[%d] has unknown auth_type %q", i, k.AuthType)
		}
	}
	if c.Upstream.MaxAttempts < 1 {
		return fmt.Errorf("upstream: max_attempts must be at least 1")
	}
	if c.Upstream.TopBandPercent <= 0 || c.Upstream.TopBandPercent > 100 {
		return fmt.Errorf("upstream: top_band_percent must be in (0, 100]")
	}

	switch c.Context.Storage {
	case ModeMemory, ModeDatabase:
	case ModeRedis:
		if c.Context.Redis.Addr == "" {
			return fmt.Errorf("context: redis storage requires redis.addr")
		}
	default:
		return fmt.Errorf("context: unknown storage %q", c.Context.Storage)
	}

	if c.NeedsDatabase() && c.Storage.Path == "" {
		return fmt.Errorf("storage: path is required when any component uses database storage")
	}

	if _, err := time.LoadLocation(c.Scheduler.QuotaTimezone); err != nil {
		return fmt.Errorf("scheduler: bad quota_timezone: %w", err)
	}
	if _, err := parseLevel(c.Scheduler.ReportLevel); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging: unknown format %q", c.Logging.Format)
	}
	return nil
}

// NeedsDatabase reports whether any configured component persists to SQLite.
func (c *Config) NeedsDatabase() bool {
	return c.Auth.Mode == ModeDatabase ||
		c.Upstream.KeyStorage == ModeDatabase ||
		c.Context.Storage == ModeDatabase
}

// QuotaLocation returns the parsed quota timezone.
func (c *Config) QuotaLocation() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.QuotaTimezone)
}

// ContextTTL returns the conversation TTL as a duration.
func (c *Config) ContextTTL() time.Duration {
	return time.Duration(c.Context.TTLDays) * 24 * time.Hour
}

// ReportLevel returns the parsed usage-report log level.
func (c *Config) ReportLevel() slog.Level {
	lvl, _ := parseLevel(c.Scheduler.ReportLevel)
	return lvl
}

// LogLevel returns the parsed process log level.
func (c *Config) LogLevel() slog.Level {
	lvl, _ := parseLevel(c.Logging.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

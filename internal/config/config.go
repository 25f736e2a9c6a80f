package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Log       LogConfig       `mapstructure:"log"`
	Breaker   BreakerConfig   `mapstructure:"circuit_breaker"`
	Services  []ServiceConfig `mapstructure:"services"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Empty host means Redis is not used
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

func (r RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Tracker stores
const (
	TrackerStoreMemory   = "memory"
	TrackerStoreRedis    = "redis"
	TrackerStorePostgres = "postgres"
)

type RateLimitConfig struct {
	TrackerStore    string        `mapstructure:"tracker_store"`
	StorageTimeout  time.Duration `mapstructure:"storage_timeout"`
	IdleTTL         time.Duration `mapstructure:"idle_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type UsageConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	Workers        int           `mapstructure:"workers"`
	StorageTimeout time.Duration `mapstructure:"storage_timeout"`
}

type ReconcileConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	PriorMonthDays     int           `mapstructure:"prior_month_days"`
	CustomersPerSecond float64       `mapstructure:"customers_per_second"`
	StorageTimeout     time.Duration `mapstructure:"storage_timeout"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func (l LogConfig) Logger() logger.Config {
	return logger.Config{
		Level:      l.Level,
		Format:     l.Format,
		Output:     l.Output,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}

// Shared by every upstream service
type BreakerConfig struct {
	MaxFailures     int           `mapstructure:"max_failures"`
	Timeout         time.Duration `mapstructure:"timeout"`
	HalfOpenSuccess int           `mapstructure:"half_open_success"`
}

type ServiceConfig struct {
	Name    string        `mapstructure:"name"`
	Path    string        `mapstructure:"path"`
	Targets []string      `mapstructure:"targets"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServiceName falls back to the route path when no name is configured.
func (s ServiceConfig) ServiceName() string {
	if s.Name != "" {
		return s.Name
	}
	return strings.TrimPrefix(s.Path, "/")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 15*time.Second)

	v.SetDefault("database.dsn", "host=localhost user=gateway password=gateway dbname=gateway port=5432 sslmode=disable")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.port", 6379)

	v.SetDefault("ratelimit.tracker_store", TrackerStoreMemory)
	v.SetDefault("ratelimit.storage_timeout", 2*time.Second)
	v.SetDefault("ratelimit.idle_ttl", 5*time.Minute)
	v.SetDefault("ratelimit.cleanup_interval", time.Minute)

	v.SetDefault("usage.queue_size", 1000)
	v.SetDefault("usage.workers", 4)
	v.SetDefault("usage.storage_timeout", 5*time.Second)

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", time.Hour)
	v.SetDefault("reconcile.retry_delay", 5*time.Minute)
	v.SetDefault("reconcile.prior_month_days", 3)
	v.SetDefault("reconcile.customers_per_second", 0)
	v.SetDefault("reconcile.storage_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("circuit_breaker.max_failures", 5)
	v.SetDefault("circuit_breaker.timeout", 30*time.Second)
	v.SetDefault("circuit_breaker.half_open_success", 1)
}

// Load reads the optional config file at path, then applies GATEWAY_* environment overrides.
// An empty path or a missing file falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.RateLimit.TrackerStore {
	case TrackerStoreMemory, TrackerStorePostgres:
	case TrackerStoreRedis:
		if !c.Redis.Enabled() {
			return errors.New("ratelimit.tracker_store=redis requires redis.host")
		}
	default:
		return fmt.Errorf("unknown ratelimit.tracker_store %q", c.RateLimit.TrackerStore)
	}

	if c.RateLimit.StorageTimeout <= 0 || c.Usage.StorageTimeout <= 0 || c.Reconcile.StorageTimeout <= 0 {
		return errors.New("storage timeouts must be positive")
	}
	if c.Reconcile.Interval <= 0 || c.Reconcile.RetryDelay <= 0 {
		return errors.New("reconcile.interval and reconcile.retry_delay must be positive")
	}
	if c.Reconcile.PriorMonthDays < 0 {
		return errors.New("reconcile.prior_month_days must not be negative")
	}
	if c.Usage.Workers <= 0 || c.Usage.QueueSize <= 0 {
		return errors.New("usage.workers and usage.queue_size must be positive")
	}

	for _, svc := range c.Services {
		if svc.Path == "" || !strings.HasPrefix(svc.Path, "/") {
			return fmt.Errorf("service path %q must start with /", svc.Path)
		}
		if len(svc.Targets) == 0 {
			return fmt.Errorf("service %s has no targets", svc.Path)
		}
	}

	return nil
}

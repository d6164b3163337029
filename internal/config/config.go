package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all configuration for the cliprelay server.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	RateLimit RateLimitConfig
	Poll      PollConfig
	Storage   StorageConfig
	Kafka     KafkaConfig
}

type ServerConfig struct {
	Port int    `env:"CLIPRELAY_PORT" envDefault:"8080"`
	Env  string `env:"CLIPRELAY_ENV" envDefault:"development"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// AuthConfig seeds the first admin API key. Without it keys must be
// inserted by hand.
type AuthConfig struct {
	BootstrapKey string `env:"CLIPRELAY_BOOTSTRAP_KEY"`
}

type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
	MigrationsPath  string        `env:"DATABASE_MIGRATIONS_PATH" envDefault:"migrations"`
}

// RedisConfig is optional. Without a URL the server falls back to the
// in-process rate limiter and reads job status straight from Postgres.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// WorkerConfig describes the external transcoding worker. Endpoint and
// Secret are not required at boot; dispatch fails with a configuration
// error while either is missing.
type WorkerConfig struct {
	Endpoint string        `env:"WORKER_ENDPOINT"`
	Secret   string        `env:"WORKER_SECRET"`
	Timeout  time.Duration `env:"WORKER_TIMEOUT" envDefault:"30s"`
	MaxRPS   float64       `env:"WORKER_MAX_RPS" envDefault:"0"`
}

type RateLimitConfig struct {
	Window         time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
	Max            int           `env:"RATE_LIMIT_MAX" envDefault:"60"`
	DispatchWindow time.Duration `env:"DISPATCH_RATE_LIMIT_WINDOW" envDefault:"1m"`
	DispatchMax    int           `env:"DISPATCH_RATE_LIMIT_MAX" envDefault:"10"`
}

type PollConfig struct {
	InitialInterval time.Duration `env:"POLL_INITIAL_INTERVAL" envDefault:"3s"`
	BackoffFactor   float64       `env:"POLL_BACKOFF_FACTOR" envDefault:"1.5"`
	MaxSteps        int           `env:"POLL_MAX_STEPS" envDefault:"5"`
	Timeout         time.Duration `env:"POLL_TIMEOUT" envDefault:"10m"`
}

// StorageConfig points at the S3-compatible bucket that receives uploads.
type StorageConfig struct {
	Endpoint       string        `env:"S3_ENDPOINT"`
	Region         string        `env:"S3_REGION" envDefault:"us-east-1"`
	Bucket         string        `env:"S3_BUCKET"`
	AccessKey      string        `env:"S3_ACCESS_KEY"`
	SecretKey      string        `env:"S3_SECRET_KEY"`
	PublicBaseURL  string        `env:"S3_PUBLIC_BASE_URL"`
	PresignExpiry  time.Duration `env:"S3_PRESIGN_EXPIRY" envDefault:"15m"`
	MaxUploadBytes int64         `env:"S3_MAX_UPLOAD_BYTES" envDefault:"524288000"`
	UsePathStyle   bool          `env:"S3_USE_PATH_STYLE" envDefault:"true"`
}

// Enabled reports whether upload slots can be issued.
func (s StorageConfig) Enabled() bool {
	return s.Bucket != ""
}

// KafkaConfig is optional; the worker event consumer runs only when brokers
// are configured.
type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	GroupID string   `env:"KAFKA_GROUP_ID" envDefault:"cliprelay"`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"worker-events"`
}

// Enabled reports whether the worker event consumer should run.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel maps the configured level name to a slog.Level.
func (l LogConfig) SlogLevel() slog.Level {
	if lvl, ok := validLogLevels[strings.ToLower(l.Level)]; ok {
		return lvl
	}
	return slog.LevelInfo
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if _, ok := validLogLevels[strings.ToLower(c.Log.Level)]; !ok {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	if k := c.Auth.BootstrapKey; k != "" && len(k) < 16 {
		return fmt.Errorf("CLIPRELAY_BOOTSTRAP_KEY must be at least 16 characters")
	}

	if c.Worker.Endpoint != "" && !isHTTPURL(c.Worker.Endpoint) {
		return fmt.Errorf("WORKER_ENDPOINT must start with http:// or https://, got %q", c.Worker.Endpoint)
	}
	if c.Worker.MaxRPS < 0 {
		return fmt.Errorf("WORKER_MAX_RPS must not be negative, got %v", c.Worker.MaxRPS)
	}

	if c.RateLimit.Window <= 0 || c.RateLimit.Max <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW and RATE_LIMIT_MAX must be positive")
	}
	if c.RateLimit.DispatchWindow <= 0 || c.RateLimit.DispatchMax <= 0 {
		return fmt.Errorf("DISPATCH_RATE_LIMIT_WINDOW and DISPATCH_RATE_LIMIT_MAX must be positive")
	}

	if c.Poll.InitialInterval <= 0 {
		return fmt.Errorf("POLL_INITIAL_INTERVAL must be positive")
	}
	if c.Poll.BackoffFactor < 1 {
		return fmt.Errorf("POLL_BACKOFF_FACTOR must be at least 1, got %v", c.Poll.BackoffFactor)
	}
	if c.Poll.Timeout <= 0 {
		return fmt.Errorf("POLL_TIMEOUT must be positive")
	}

	if c.Storage.Enabled() {
		if c.Storage.Endpoint != "" && !isHTTPURL(c.Storage.Endpoint) {
			return fmt.Errorf("S3_ENDPOINT must start with http:// or https://, got %q", c.Storage.Endpoint)
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_BUCKET is set")
		}
		if c.Storage.PublicBaseURL == "" || !isHTTPURL(c.Storage.PublicBaseURL) {
			return fmt.Errorf("S3_PUBLIC_BASE_URL must be an http(s) URL when S3_BUCKET is set")
		}
		if c.Storage.MaxUploadBytes <= 0 {
			return fmt.Errorf("S3_MAX_UPLOAD_BYTES must be positive")
		}
	}

	return nil
}

func isHTTPURL(raw string) bool {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return false
	}
	u, err := url.Parse(raw)
	return err == nil && u.Host != ""
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Hooks    HookConfig
	Log      LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" envDefault:"8150"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN    string `env:"DB_DSN" envDefault:"data/provisioner.db?_busy_timeout=5000"`
}

// QueueConfig controls the durable message queue and its workers.
type QueueConfig struct {
	// Backend is "store" (messages table in the database) or "redis".
	Backend      string        `env:"QUEUE_BACKEND" envDefault:"store"`
	RedisAddr    string        `env:"QUEUE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB      int           `env:"QUEUE_REDIS_DB" envDefault:"0"`
	RedisPrefix  string        `env:"QUEUE_REDIS_PREFIX" envDefault:"provisioner"`
	Workers      int           `env:"QUEUE_WORKERS" envDefault:"4"`
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"500ms"`
	Lease        time.Duration `env:"QUEUE_LEASE" envDefault:"10m"`
}

// HookConfig holds hook script settings.
type HookConfig struct {
	Path        string        `env:"HOOK_PATH" envDefault:"hooks"`
	Timeout     time.Duration `env:"HOOK_TIMEOUT" envDefault:"5m"`
	Concurrency int           `env:"HOOK_CONCURRENCY" envDefault:"4"`
	LockRetries int           `env:"HOOK_LOCK_RETRIES" envDefault:"50"`
	LockBackoff time.Duration `env:"HOOK_LOCK_BACKOFF" envDefault:"200ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(&cfg.Server); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}
	if err := env.Parse(&cfg.Database); err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := env.Parse(&cfg.Queue); err != nil {
		return nil, fmt.Errorf("parsing queue config: %w", err)
	}
	if err := env.Parse(&cfg.Hooks); err != nil {
		return nil, fmt.Errorf("parsing hook config: %w", err)
	}
	if err := env.Parse(&cfg.Log); err != nil {
		return nil, fmt.Errorf("parsing log config: %w", err)
	}

	return cfg, nil
}

// Addr returns the server address in host:port format.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite3, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	switch c.Queue.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("QUEUE_BACKEND must be store or redis, got %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "redis" && c.Queue.RedisAddr == "" {
		return fmt.Errorf("QUEUE_REDIS_ADDR is required when QUEUE_BACKEND is redis")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("QUEUE_WORKERS must be at least 1")
	}
	if c.Queue.Lease <= 0 {
		return fmt.Errorf("QUEUE_LEASE must be positive")
	}

	if c.Hooks.Timeout <= 0 {
		return fmt.Errorf("HOOK_TIMEOUT must be positive")
	}
	if c.Hooks.Concurrency < 1 {
		return fmt.Errorf("HOOK_CONCURRENCY must be at least 1")
	}
	if c.Hooks.LockBackoff <= 0 {
		return fmt.Errorf("HOOK_LOCK_BACKOFF must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.Log.Format)
	}

	return nil
}

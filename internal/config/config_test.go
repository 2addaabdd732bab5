package config

import (
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected defaults to validate, got %v", err)
	}
	if cfg.Server.Addr() != "0.0.0.0:8150" {
		t.Errorf("Expected address 0.0.0.0:8150, got %s", cfg.Server.Addr())
	}
	if cfg.Queue.Backend != "store" {
		t.Errorf("Expected store backend, got %s", cfg.Queue.Backend)
	}
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "redis")
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("HOOK_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Backend != "redis" || cfg.Queue.Workers != 8 {
		t.Errorf("Expected redis with 8 workers, got %s with %d", cfg.Queue.Backend, cfg.Queue.Workers)
	}
	if cfg.Hooks.Timeout.String() != "30s" {
		t.Errorf("Expected hook timeout 30s, got %s", cfg.Hooks.Timeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }, "DB_DRIVER"},
		{"dsn", func(c *Config) { c.Database.DSN = "" }, "DB_DSN"},
		{"backend", func(c *Config) { c.Queue.Backend = "kafka" }, "QUEUE_BACKEND"},
		{"redis addr", func(c *Config) { c.Queue.Backend = "redis"; c.Queue.RedisAddr = "" }, "QUEUE_REDIS_ADDR"},
		{"workers", func(c *Config) { c.Queue.Workers = 0 }, "QUEUE_WORKERS"},
		{"hook timeout", func(c *Config) { c.Hooks.Timeout = 0 }, "HOOK_TIMEOUT"},
		{"hook backoff", func(c *Config) { c.Hooks.LockBackoff = 0 }, "HOOK_LOCK_BACKOFF"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tt.modify(cfg)
			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}

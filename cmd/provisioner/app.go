package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/bcnelson/provisioner/internal/api"
	"github.com/bcnelson/provisioner/internal/config"
	"github.com/bcnelson/provisioner/internal/hooks"
	"github.com/bcnelson/provisioner/internal/ledger"
	"github.com/bcnelson/provisioner/internal/logging"
	"github.com/bcnelson/provisioner/internal/queue"
	"github.com/bcnelson/provisioner/internal/service"
	"github.com/bcnelson/provisioner/internal/storage/sql"
)

// app holds the wired services shared by serve and worker.
type app struct {
	logger   *slog.Logger
	store    *sql.Store
	redis    redis.UniversalClient
	queue    *queue.Queue
	ledger   *ledger.Ledger
	services api.Services
}

// ensureDataDir creates the directory of a SQLite database file.
func ensureDataDir(c *config.DatabaseConfig) error {
	if c.Driver != sql.DriverSQLite {
		return nil
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(c.DSN, "file:"), "?")
	if path == "" || path == ":memory:" {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0755)
}

func newLogger(c *config.Config) (*slog.Logger, error) {
	return logging.New(c.Log, os.Stderr)
}

// newApp connects to storage and the broker, loads the hook catalog and
// registers every queued operation. Both the API and workers need the
// full registry: publishing validates against it.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	logger, err := newLogger(c)
	if err != nil {
		return nil, err
	}

	if err := ensureDataDir(&c.Database); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := sql.New(c.Database.Driver, c.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	a := &app{logger: logger, store: store}

	var broker queue.Broker
	switch c.Queue.Backend {
	case "redis":
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{c.Queue.RedisAddr},
			DB:    c.Queue.RedisDB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		broker = queue.NewRedisBroker(a.redis, c.Queue.RedisPrefix)
	default:
		broker = queue.NewStoreBroker(store)
	}
	logger.Info("queue backend", "backend", c.Queue.Backend)

	catalog, err := hooks.LoadCatalog(c.Hooks.Path)
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Info("hook types loaded", "path", c.Hooks.Path, "types", catalog.Names())

	a.queue = queue.New(queue.NewRegistry(), broker)
	a.ledger = ledger.New(store)

	runner := hooks.NewRunner(store, catalog, c.Hooks, logger)
	dispatcher := hooks.NewDispatcher(store, catalog, a.queue, runner, logger)
	tags := service.NewTagService(store, logger)
	binder := service.NewBinder(store, tags, dispatcher, logger)

	a.services = api.Services{
		Policies: service.NewPolicyService(store, logger),
		Nodes:    service.NewNodeService(store, binder, dispatcher, a.ledger, a.queue, logger),
		Hooks:    hooks.NewHookService(store, catalog, logger),
		Ledger:   a.ledger,
	}
	return a, nil
}

// newWorker creates a queue worker configured from c.
func (a *app) newWorker(c *config.QueueConfig) *queue.Worker {
	w := queue.NewWorker(a.queue, a.ledger, a.logger)
	w.Concurrency = c.Workers
	w.Lease = c.Lease
	w.PollInterval = c.PollInterval
	return w
}

// Close releases the broker and database connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis client", "error", err)
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close storage", "error", err)
	}
}

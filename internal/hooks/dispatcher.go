package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/queue"
	"github.com/bcnelson/provisioner/internal/storage"
)

// OpRun is the queued operation that runs one hook for one event.
const OpRun = "run"

// Dispatcher fans lifecycle events out to every hook whose type handles
// them. Each hook runs as its own queued message, independent of the
// command that caused the event.
type Dispatcher struct {
	store   storage.Storage
	catalog *Catalog
	queue   *queue.Queue
	hooks   queue.Entity[*domain.Hook]
	logger  *slog.Logger
}

// NewDispatcher registers the hook entity with the queue's registry. Runs
// are executed by runner.
func NewDispatcher(store storage.Storage, catalog *Catalog, q *queue.Queue, runner *Runner, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:   store,
		catalog: catalog,
		queue:   q,
		logger:  logger,
	}
	// A deleted hook drops its pending runs.
	d.hooks = queue.Register(q.Registry(), "hook", func(ctx context.Context, id int64) (*domain.Hook, error) {
		hook, err := store.GetHook(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, queue.Permanent(err)
		}
		return hook, err
	})
	queue.Handle3(d.hooks, OpRun, func(ctx context.Context, hook *domain.Hook, event string, node, policy map[string]any) error {
		return runner.Run(ctx, hook.ID, event, node, policy)
	})
	return d
}

// Fire publishes a run for each hook interested in event. The node and
// policy are captured as they are now; scripts see this snapshot even if
// the node changes before they run.
func (d *Dispatcher) Fire(ctx context.Context, event string, node *domain.Node, policy *domain.Policy) error {
	return d.fire(ctx, d.store, d.queue.Publish, event, node, policy)
}

// FireIn is Fire from inside the transaction tx that makes the change. With
// a broker that lives in the datastore the runs commit or roll back with
// tx. Otherwise they are published immediately, and the caller rolls back
// when FireIn fails.
func (d *Dispatcher) FireIn(ctx context.Context, tx storage.Storage, event string, node *domain.Node, policy *domain.Policy) error {
	publish := d.queue.Publish
	if d.queue.Transactional() {
		publish = func(ctx context.Context, ref queue.Ref, op string, command *int64, args ...any) (string, error) {
			return d.queue.PublishIn(ctx, tx, ref, op, command, args...)
		}
	}
	return d.fire(ctx, tx, publish, event, node, policy)
}

type publishFunc func(ctx context.Context, ref queue.Ref, op string, command *int64, args ...any) (string, error)

func (d *Dispatcher) fire(ctx context.Context, store storage.Storage, publish publishFunc, event string, node *domain.Node, policy *domain.Policy) error {
	hooks, err := store.ListHooks(ctx)
	if err != nil {
		return err
	}

	nodeSnap, err := snapshot(node)
	if err != nil {
		return fmt.Errorf("snapshotting node: %w", err)
	}
	policySnap, err := snapshot(policy)
	if err != nil {
		return fmt.Errorf("snapshotting policy: %w", err)
	}

	for _, hook := range hooks {
		t, err := d.catalog.Get(hook.HookType)
		if err != nil || !t.Handles(event) {
			continue
		}
		if _, err := publish(ctx, d.hooks.Ref(hook.ID), OpRun, nil, event, nodeSnap, policySnap); err != nil {
			return fmt.Errorf("queueing hook %s: %w", hook.Name, err)
		}
		d.logger.Debug("hook queued", "hook", hook.Name, "event", event)
	}
	return nil
}

// snapshot converts v to plain JSON values. A nil pointer gives nil.
func snapshot[T any](v *T) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

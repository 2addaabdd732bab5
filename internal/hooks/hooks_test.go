package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bcnelson/provisioner/internal/config"
	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/ledger"
	"github.com/bcnelson/provisioner/internal/logging"
	"github.com/bcnelson/provisioner/internal/queue"
	"github.com/bcnelson/provisioner/internal/storage/memory"
	sqlstore "github.com/bcnelson/provisioner/internal/storage/sql"
	"github.com/bcnelson/provisioner/internal/validation"
)

const counterSchema = `
value:
  description: a value the hook needs
  required: true
count:
  description: how many times the hook ran
  default: 0
label:
  description: optional label
`

// writeType creates <root>/<name>.hook with the given schema and scripts.
func writeType(t *testing.T, root, name, schema string, scripts map[string]string) string {
	t.Helper()
	dir := filepath.Join(root, name+typeSuffix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("Failed to create hook dir: %v", err)
	}
	if schema != "" {
		if err := os.WriteFile(filepath.Join(dir, schemaFile), []byte(schema), 0o644); err != nil {
			t.Fatalf("Failed to write schema: %v", err)
		}
	}
	for file, body := range scripts {
		if err := os.WriteFile(filepath.Join(dir, file), []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
			t.Fatalf("Failed to write script: %v", err)
		}
	}
	return dir
}

func testHookConfig() config.HookConfig {
	return config.HookConfig{
		Timeout:     10 * time.Second,
		Concurrency: 2,
		LockRetries: 2,
		LockBackoff: time.Millisecond,
	}
}

type fixture struct {
	store   *memory.Store
	catalog *Catalog
	runner  *Runner
	dir     string
	node    *domain.Node
	hook    *domain.Hook
}

func newFixture(t *testing.T, scripts map[string]string) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := writeType(t, root, "counter", counterSchema, scripts)

	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	ctx := context.Background()
	store := memory.New()
	node := &domain.Node{HWID: "aa11", Metadata: domain.StringMap{"keep": "yes"}}
	if err := store.CreateNode(ctx, node); err != nil {
		t.Fatalf("CreateNode failed: %v", err)
	}
	hook := &domain.Hook{
		Name:          "counter",
		HookType:      "counter",
		Configuration: domain.JSONObject{"value": "v1", "count": float64(0)},
	}
	if err := store.CreateHook(ctx, hook); err != nil {
		t.Fatalf("CreateHook failed: %v", err)
	}

	return &fixture{
		store:   store,
		catalog: catalog,
		runner:  NewRunner(store, catalog, testHookConfig(), logging.Discard()),
		dir:     dir,
		node:    node,
		hook:    hook,
	}
}

func (f *fixture) nodeSnapshot(t *testing.T) map[string]any {
	t.Helper()
	snap, err := snapshot(f.node)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	return snap
}

func (f *fixture) hookEvents(t *testing.T) []*domain.Event {
	t.Helper()
	id := f.hook.ID
	events, err := f.store.ListEvents(context.Background(), domain.EventFilter{HookID: &id})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	return events
}

// ============================================
// Catalog
// ============================================

func TestLoadCatalog(t *testing.T) {
	root := t.TempDir()
	writeType(t, root, "counter", counterSchema, map[string]string{
		"node-bound":   "exit 0",
		"node-deleted": "exit 0",
	})
	writeType(t, root, "bare", "", map[string]string{"node-registered": "exit 0"})

	// Not a hook type.
	if err := os.MkdirAll(filepath.Join(root, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Present but not executable.
	dir := filepath.Join(root, "counter"+typeSuffix)
	if err := os.WriteFile(filepath.Join(dir, "node-reinstall"), []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	names := catalog.Names()
	if len(names) != 2 || names[0] != "bare" || names[1] != "counter" {
		t.Fatalf("Expected [bare counter], got %v", names)
	}

	counter, err := catalog.Get("counter")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	tests := []struct {
		event string
		want  bool
	}{
		{domain.EventNodeBound, true},
		{domain.EventNodeDeleted, true},
		{domain.EventNodeReinstall, false},
		{domain.EventNodeRegistered, false},
	}
	for _, tt := range tests {
		if got := counter.Handles(tt.event); got != tt.want {
			t.Errorf("Handles(%s): expected %v, got %v", tt.event, tt.want, got)
		}
	}

	if !counter.Schema["value"].Required || counter.Schema["value"].HasDefault {
		t.Errorf("Expected value to be required without a default, got %+v", counter.Schema["value"])
	}
	if d := counter.Schema["count"]; !d.HasDefault || d.Default != float64(0) {
		t.Errorf("Expected count default 0, got %+v", d)
	}
	if counter.Schema["label"].HasDefault {
		t.Error("Expected label to have no default")
	}

	bare, err := catalog.Get("bare")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(bare.Schema) != 0 {
		t.Errorf("Expected empty schema, got %v", bare.Schema)
	}

	if _, err := catalog.Get("missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLoadCatalog_MissingRoot(t *testing.T) {
	catalog, err := LoadCatalog(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(catalog.Names()) != 0 {
		t.Errorf("Expected empty catalog, got %v", catalog.Names())
	}
}

// ============================================
// Configuration
// ============================================

func TestValidateConfiguration(t *testing.T) {
	schema := Schema{
		"value": {Required: true},
		"count": {Default: float64(0), HasDefault: true},
		"mode":  {Required: true, Default: "fast", HasDefault: true},
		"label": {},
	}

	tests := []struct {
		name     string
		supplied domain.JSONObject
		want     domain.JSONObject
		errKey   string
	}{
		{
			name:     "defaults filled",
			supplied: domain.JSONObject{"value": "x"},
			want:     domain.JSONObject{"value": "x", "count": float64(0), "mode": "fast"},
		},
		{
			name:     "supplied wins over default",
			supplied: domain.JSONObject{"value": "x", "count": float64(3), "label": "l"},
			want:     domain.JSONObject{"value": "x", "count": float64(3), "mode": "fast", "label": "l"},
		},
		{
			name:     "missing required key",
			supplied: domain.JSONObject{"count": float64(1)},
			errKey:   "value",
		},
		{
			name:     "nil configuration",
			supplied: nil,
			errKey:   "value",
		},
		{
			name:     "undeclared key",
			supplied: domain.JSONObject{"value": "x", "extra": true},
			errKey:   "extra",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateConfiguration(schema, tt.supplied)
			if tt.errKey != "" {
				var errs validation.ValidationErrors
				if !errors.As(err, &errs) {
					t.Fatalf("Expected ValidationErrors, got %v", err)
				}
				if !strings.Contains(err.Error(), `"`+tt.errKey+`"`) {
					t.Errorf("Expected error naming %q, got %q", tt.errKey, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("Expected %s=%v, got %v", k, v, got[k])
				}
			}
		})
	}
}

// ============================================
// Runner
// ============================================

func TestRunner_Protocol(t *testing.T) {
	f := newFixture(t, map[string]string{
		"node-bound": `cat > received.json
echo '{"output": "done", "hook": {"configuration": {"update": {"count": 2}, "remove": ["label"]}}, "node": {"metadata": {"update": {"rack": "r1"}, "remove": ["keep"]}}}'`,
	})
	ctx := context.Background()
	policy := map[string]any{"id": float64(9), "name": "web"}

	if err := f.runner.Run(ctx, f.hook.ID, domain.EventNodeBound, f.nodeSnapshot(t), policy); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(f.dir, "received.json"))
	if err != nil {
		t.Fatalf("Script did not record its input: %v", err)
	}
	var input struct {
		Hook struct {
			ID            int64          `json:"id"`
			Name          string         `json:"name"`
			Type          string         `json:"type"`
			Configuration map[string]any `json:"configuration"`
			Cause         string         `json:"cause"`
		} `json:"hook"`
		Node   map[string]any `json:"node"`
		Policy map[string]any `json:"policy"`
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		t.Fatalf("Script input is not JSON: %v", err)
	}
	if input.Hook.ID != f.hook.ID || input.Hook.Name != "counter" || input.Hook.Type != "counter" {
		t.Errorf("Unexpected hook identity: %+v", input.Hook)
	}
	if input.Hook.Cause != domain.EventNodeBound {
		t.Errorf("Expected cause %s, got %s", domain.EventNodeBound, input.Hook.Cause)
	}
	if input.Hook.Configuration["value"] != "v1" {
		t.Errorf("Expected configuration value v1, got %v", input.Hook.Configuration["value"])
	}
	if input.Node["hw_id"] != "aa11" {
		t.Errorf("Expected node hw_id aa11, got %v", input.Node["hw_id"])
	}
	if input.Policy["name"] != "web" {
		t.Errorf("Expected policy web, got %v", input.Policy["name"])
	}

	node, err := f.store.GetNode(ctx, f.node.ID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Metadata["rack"] != "r1" {
		t.Errorf("Expected metadata rack=r1, got %v", node.Metadata)
	}
	if _, ok := node.Metadata["keep"]; ok {
		t.Errorf("Expected keep to be removed, got %v", node.Metadata)
	}

	hook, err := f.store.GetHook(ctx, f.hook.ID)
	if err != nil {
		t.Fatalf("GetHook failed: %v", err)
	}
	if hook.Configuration["count"] != float64(2) {
		t.Errorf("Expected count 2, got %v", hook.Configuration["count"])
	}

	events := f.hookEvents(t)
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	if events[0].Severity != domain.SeverityInfo {
		t.Errorf("Expected info, got %s", events[0].Severity)
	}
	if events[0].Entry["output"] != "done" {
		t.Errorf("Expected output done, got %v", events[0].Entry["output"])
	}
	if events[0].NodeID == nil || *events[0].NodeID != f.node.ID {
		t.Errorf("Expected event linked to node %d", f.node.ID)
	}
}

func TestRunner_ScriptFailures(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		severity domain.Severity
		check    func(t *testing.T, events []*domain.Event)
	}{
		{
			name:     "nonzero exit",
			script:   "echo boom >&2\nexit 3",
			severity: domain.SeverityError,
			check: func(t *testing.T, events []*domain.Event) {
				entry := events[len(events)-1].Entry
				if entry["exit_status"] != float64(3) {
					t.Errorf("Expected exit_status 3, got %v", entry["exit_status"])
				}
				if !strings.Contains(entry["stderr"].(string), "boom") {
					t.Errorf("Expected stderr to be recorded, got %v", entry["stderr"])
				}
			},
		},
		{
			name:     "invalid output",
			script:   "echo not json",
			severity: domain.SeverityError,
			check: func(t *testing.T, events []*domain.Event) {
				entry := events[len(events)-1].Entry
				if entry["raw_output"] == nil {
					t.Errorf("Expected raw output to be recorded, got %v", entry)
				}
			},
		},
		{
			name:     "unexpected keys",
			script:   `echo '{"surprise": 1}'`,
			severity: domain.SeverityInfo,
			check: func(t *testing.T, events []*domain.Event) {
				if len(events) != 2 || events[0].Severity != domain.SeverityWarn {
					t.Fatalf("Expected a warn event first, got %d events", len(events))
				}
			},
		},
		{
			name:     "rejected configuration update",
			script:   `echo '{"hook": {"configuration": {"remove": ["value"]}}}'`,
			severity: domain.SeverityInfo,
			check: func(t *testing.T, events []*domain.Event) {
				if len(events) != 2 || events[0].Severity != domain.SeverityError {
					t.Fatalf("Expected an error event for the update, got %d events", len(events))
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{"node-bound": tt.script})

			err := f.runner.Run(context.Background(), f.hook.ID, domain.EventNodeBound, f.nodeSnapshot(t), nil)
			if err != nil {
				t.Fatalf("Script failures must not be retried, got %v", err)
			}

			events := f.hookEvents(t)
			if len(events) == 0 {
				t.Fatal("Expected events")
			}
			if got := events[len(events)-1].Severity; got != tt.severity {
				t.Errorf("Expected %s, got %s", tt.severity, got)
			}
			tt.check(t, events)

			hook, _ := f.store.GetHook(context.Background(), f.hook.ID)
			if hook.Configuration["value"] != "v1" {
				t.Errorf("Expected configuration to be unchanged, got %v", hook.Configuration)
			}
		})
	}
}

func TestRunner_NoScriptForEvent(t *testing.T) {
	f := newFixture(t, map[string]string{"node-bound": "exit 0"})

	if err := f.runner.Run(context.Background(), f.hook.ID, domain.EventNodeDeleted, f.nodeSnapshot(t), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if events := f.hookEvents(t); len(events) != 0 {
		t.Errorf("Expected no events, got %d", len(events))
	}
}

func TestRunner_Timeout(t *testing.T) {
	f := newFixture(t, map[string]string{"node-bound": "exec sleep 5"})
	cfg := testHookConfig()
	cfg.Timeout = 50 * time.Millisecond
	runner := NewRunner(f.store, f.catalog, cfg, logging.Discard())

	if err := runner.Run(context.Background(), f.hook.ID, domain.EventNodeBound, f.nodeSnapshot(t), nil); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	events := f.hookEvents(t)
	if len(events) != 1 || events[0].Severity != domain.SeverityError {
		t.Fatalf("Expected one error event, got %d", len(events))
	}
}

func TestRunner_LockContention(t *testing.T) {
	f := newFixture(t, map[string]string{"node-bound": "exit 0"})
	ctx := context.Background()

	now := time.Now()
	if _, err := f.store.AcquireHookLease(ctx, f.hook.ID, now, now.Add(time.Minute)); err != nil {
		t.Fatalf("AcquireHookLease failed: %v", err)
	}

	err := f.runner.Run(ctx, f.hook.ID, domain.EventNodeBound, f.nodeSnapshot(t), nil)
	if !errors.Is(err, domain.ErrLocked) {
		t.Fatalf("Expected ErrLocked, got %v", err)
	}
	if events := f.hookEvents(t); len(events) != 0 {
		t.Errorf("Expected the script not to run, got %d events", len(events))
	}

	if err := f.store.ReleaseHookLease(ctx, f.hook.ID); err != nil {
		t.Fatalf("ReleaseHookLease failed: %v", err)
	}
	if err := f.runner.Run(ctx, f.hook.ID, domain.EventNodeBound, f.nodeSnapshot(t), nil); err != nil {
		t.Fatalf("Run after release failed: %v", err)
	}
	if events := f.hookEvents(t); len(events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(events))
	}

	hook, err := f.store.GetHook(ctx, f.hook.ID)
	if err != nil {
		t.Fatalf("GetHook failed: %v", err)
	}
	if hook.RunningUntil != nil {
		t.Errorf("Expected the lease to be released after the run, got %v", hook.RunningUntil)
	}
}

func TestRunner_ExpiredLeaseIsTakenOver(t *testing.T) {
	f := newFixture(t, map[string]string{"node-bound": "exit 0"})
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if _, err := f.store.AcquireHookLease(ctx, f.hook.ID, past, past.Add(time.Minute)); err != nil {
		t.Fatalf("AcquireHookLease failed: %v", err)
	}
	if err := f.runner.Run(ctx, f.hook.ID, domain.EventNodeBound, f.nodeSnapshot(t), nil); err != nil {
		t.Fatalf("Run with an expired lease failed: %v", err)
	}
	if events := f.hookEvents(t); len(events) != 1 {
		t.Errorf("Expected 1 event, got %d", len(events))
	}
}

// A slow script must not hold the database: other reads and runs of other
// hooks proceed while it runs.
func TestRunner_SlowScriptDoesNotBlockStore(t *testing.T) {
	root := t.TempDir()
	writeType(t, root, "slow", "", map[string]string{"node-bound": "sleep 2"})
	writeType(t, root, "fast", "", map[string]string{"node-bound": "exit 0"})
	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}

	store, err := sqlstore.New(sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	slow := &domain.Hook{Name: "a", HookType: "slow", Configuration: domain.JSONObject{}}
	fast := &domain.Hook{Name: "b", HookType: "fast", Configuration: domain.JSONObject{}}
	for _, h := range []*domain.Hook{slow, fast} {
		if err := store.CreateHook(ctx, h); err != nil {
			t.Fatalf("CreateHook failed: %v", err)
		}
	}

	runner := NewRunner(store, catalog, testHookConfig(), logging.Discard())
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx, slow.ID, domain.EventNodeBound, nil, nil)
	}()

	// Wait for the slow run to hold its lease.
	deadline := time.Now().Add(time.Second)
	for {
		h, err := store.GetHook(ctx, slow.ID)
		if err != nil {
			t.Fatalf("GetHook failed: %v", err)
		}
		if h.Running(time.Now()) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected the slow hook to be leased")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	if _, err := store.ListPolicies(ctx); err != nil {
		t.Fatalf("ListPolicies failed: %v", err)
	}
	if err := runner.Run(ctx, fast.ID, domain.EventNodeBound, nil, nil); err != nil {
		t.Fatalf("Run of another hook failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Expected other work to proceed while a script runs, took %v", elapsed)
	}

	svc := NewHookService(store, catalog, logging.Discard())
	_, err = svc.UpdateHookConfiguration(ctx, UpdateHookConfigurationRequest{Name: "a", Key: "x", Value: json.RawMessage(`1`)})
	if !errors.Is(err, domain.ErrLocked) {
		t.Errorf("Expected ErrLocked updating a running hook, got %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Slow run failed: %v", err)
	}
	h, err := store.GetHook(ctx, slow.ID)
	if err != nil {
		t.Fatalf("GetHook failed: %v", err)
	}
	if h.RunningUntil != nil {
		t.Errorf("Expected the lease to be released, got %v", h.RunningUntil)
	}
}

// ============================================
// Dispatcher
// ============================================

func TestDispatcher_FireAndDeliver(t *testing.T) {
	f := newFixture(t, map[string]string{
		"node-bound": `echo '{"node": {"metadata": {"update": {"seen": "bound"}}}}'`,
	})
	ctx := context.Background()

	q := queue.New(queue.NewRegistry(), queue.NewStoreBroker(f.store))
	d := NewDispatcher(f.store, f.catalog, q, f.runner, logging.Discard())
	worker := queue.NewWorker(q, ledger.New(f.store), logging.Discard())

	// The counter type has no node-deleted script.
	if err := d.Fire(ctx, domain.EventNodeDeleted, f.node, nil); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if n := f.store.PendingMessages(); n != 0 {
		t.Fatalf("Expected nothing queued, got %d", n)
	}

	policy := &domain.Policy{ID: 4, Name: "web"}
	if err := d.Fire(ctx, domain.EventNodeBound, f.node, policy); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if n := f.store.PendingMessages(); n != 1 {
		t.Fatalf("Expected 1 queued run, got %d", n)
	}

	if err := worker.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	node, err := f.store.GetNode(ctx, f.node.ID)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if node.Metadata["seen"] != "bound" {
		t.Errorf("Expected metadata seen=bound, got %v", node.Metadata)
	}
}

func TestDispatcher_DeletedHookIsDropped(t *testing.T) {
	f := newFixture(t, map[string]string{"node-bound": "exit 0"})
	ctx := context.Background()

	q := queue.New(queue.NewRegistry(), queue.NewStoreBroker(f.store))
	d := NewDispatcher(f.store, f.catalog, q, f.runner, logging.Discard())
	worker := queue.NewWorker(q, ledger.New(f.store), logging.Discard())

	if err := d.Fire(ctx, domain.EventNodeBound, f.node, nil); err != nil {
		t.Fatalf("Fire failed: %v", err)
	}
	if err := f.store.DeleteHook(ctx, f.hook.ID); err != nil {
		t.Fatalf("DeleteHook failed: %v", err)
	}
	if err := worker.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	dead, err := f.store.ListDeadMessages(ctx)
	if err != nil {
		t.Fatalf("ListDeadMessages failed: %v", err)
	}
	if len(dead) != 1 || !strings.HasPrefix(dead[0].Reason, "permanent") {
		t.Fatalf("Expected one permanently failed run, got %+v", dead)
	}
}

func TestDispatcher_FireInCommitsWithTransaction(t *testing.T) {
	root := t.TempDir()
	writeType(t, root, "counter", counterSchema, map[string]string{"node-bound": "exit 0"})
	catalog, err := LoadCatalog(root)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	store, err := sqlstore.New(sqlstore.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	hook := &domain.Hook{Name: "counter", HookType: "counter", Configuration: domain.JSONObject{"value": "v1"}}
	if err := store.CreateHook(ctx, hook); err != nil {
		t.Fatalf("CreateHook failed: %v", err)
	}
	node := &domain.Node{ID: 7, HWID: "aa11"}

	q := queue.New(queue.NewRegistry(), queue.NewStoreBroker(store))
	runner := NewRunner(store, catalog, testHookConfig(), logging.Discard())
	d := NewDispatcher(store, catalog, q, runner, logging.Discard())

	claim := func() *domain.QueuedMessage {
		now := time.Now()
		msg, err := store.ClaimMessage(ctx, now, now.Add(time.Minute))
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			t.Fatalf("ClaimMessage failed: %v", err)
		}
		return msg
	}

	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if err := d.FireIn(ctx, tx, domain.EventNodeBound, node, nil); err != nil {
		t.Fatalf("FireIn failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if msg := claim(); msg != nil {
		t.Fatalf("Expected a rolled back run to be discarded, got %s", msg.ID)
	}

	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	if err := d.FireIn(ctx, tx, domain.EventNodeBound, node, nil); err != nil {
		t.Fatalf("FireIn failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if msg := claim(); msg == nil {
		t.Fatal("Expected the committed run to be queued")
	}
}

// ============================================
// Service
// ============================================

func TestHookService_CreateHook(t *testing.T) {
	f := newFixture(t, nil)
	svc := NewHookService(f.store, f.catalog, logging.Discard())
	ctx := context.Background()

	tests := []struct {
		name    string
		req     CreateHookRequest
		wantErr error
		errKey  string
	}{
		{
			name:   "missing required key",
			req:    CreateHookRequest{Name: "h1", HookType: "counter"},
			errKey: "value",
		},
		{
			name:   "undeclared key",
			req:    CreateHookRequest{Name: "h1", HookType: "counter", Configuration: domain.JSONObject{"value": "x", "bogus": "y"}},
			errKey: "bogus",
		},
		{
			name:   "unknown type",
			req:    CreateHookRequest{Name: "h1", HookType: "nope"},
			errKey: "hook-type",
		},
		{
			name:    "same name different configuration",
			req:     CreateHookRequest{Name: "counter", HookType: "counter", Configuration: domain.JSONObject{"value": "other"}},
			wantErr: domain.ErrConflict,
		},
		{
			name:    "different spelling",
			req:     CreateHookRequest{Name: "Counter", HookType: "counter", Configuration: domain.JSONObject{"value": "v1"}},
			wantErr: domain.ErrAlreadyExists,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateHook(ctx, tt.req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			var errs validation.ValidationErrors
			if !errors.As(err, &errs) {
				t.Fatalf("Expected ValidationErrors, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errKey) {
				t.Errorf("Expected error naming %q, got %q", tt.errKey, err.Error())
			}
		})
	}

	// The fixture hook was stored with its defaults, so repeating it is a no-op.
	existing, err := svc.CreateHook(ctx, CreateHookRequest{Name: "counter", HookType: "counter", Configuration: domain.JSONObject{"value": "v1"}})
	if err != nil {
		t.Fatalf("Expected idempotent create, got %v", err)
	}
	if existing.ID != f.hook.ID {
		t.Errorf("Expected hook %d, got %d", f.hook.ID, existing.ID)
	}

	created, err := svc.CreateHook(ctx, CreateHookRequest{Name: "second", HookType: "counter", Configuration: domain.JSONObject{"value": "x"}})
	if err != nil {
		t.Fatalf("CreateHook failed: %v", err)
	}
	if created.Configuration["count"] != float64(0) {
		t.Errorf("Expected default count 0, got %v", created.Configuration)
	}
}

func TestHookService_UpdateHookConfiguration(t *testing.T) {
	f := newFixture(t, nil)
	svc := NewHookService(f.store, f.catalog, logging.Discard())
	ctx := context.Background()

	hook, err := svc.UpdateHookConfiguration(ctx, UpdateHookConfigurationRequest{Name: "counter", Key: "count", Value: json.RawMessage(`7`)})
	if err != nil {
		t.Fatalf("UpdateHookConfiguration failed: %v", err)
	}
	if hook.Configuration["count"] != float64(7) {
		t.Errorf("Expected count 7, got %v", hook.Configuration["count"])
	}

	hook, err = svc.UpdateHookConfiguration(ctx, UpdateHookConfigurationRequest{Name: "counter", Key: "count", Clear: true})
	if err != nil {
		t.Fatalf("Clearing a defaulted key failed: %v", err)
	}
	if hook.Configuration["count"] != float64(0) {
		t.Errorf("Expected count to fall back to 0, got %v", hook.Configuration["count"])
	}

	if _, err := svc.UpdateHookConfiguration(ctx, UpdateHookConfigurationRequest{Name: "counter", Key: "value", Clear: true}); err == nil {
		t.Error("Expected clearing a required key to fail")
	}
	if _, err := svc.UpdateHookConfiguration(ctx, UpdateHookConfigurationRequest{Name: "counter", Key: "bogus", Value: json.RawMessage(`1`)}); err == nil {
		t.Error("Expected an undeclared key to fail")
	}

	if err := svc.DeleteHook(ctx, HookNameRequest{Name: "COUNTER"}); err != nil {
		t.Fatalf("DeleteHook failed: %v", err)
	}
	if _, err := f.store.GetHook(ctx, f.hook.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected hook to be deleted, got %v", err)
	}
}

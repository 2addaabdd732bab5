package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/bcnelson/provisioner/internal/config"
	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/observability"
	"github.com/bcnelson/provisioner/internal/service"
	"github.com/bcnelson/provisioner/internal/storage"
)

const (
	maxStderr = 4096
	// waitDelay bounds how long output pipes stay open after a timed out
	// script is killed.
	waitDelay = 2 * time.Second
)

// Runner executes hook scripts. Runs of the same hook are serialized by a
// lease on the hook row; the number of scripts running at once is bounded.
type Runner struct {
	store   storage.Storage
	catalog *Catalog
	logger  *slog.Logger
	slots   *semaphore.Weighted

	timeout     time.Duration
	lockRetries uint64
	lockBackoff time.Duration
}

const (
	// defaultLockBackoff is used when the configured backoff is not positive.
	defaultLockBackoff = 200 * time.Millisecond
	defaultLeaseTTL    = time.Hour
	leaseSlack         = time.Minute
)

// NewRunner creates a runner from the hook settings.
func NewRunner(store storage.Storage, catalog *Catalog, cfg config.HookConfig, logger *slog.Logger) *Runner {
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = defaultLockBackoff
	}
	return &Runner{
		store:       store,
		catalog:     catalog,
		logger:      logger,
		slots:       semaphore.NewWeighted(int64(max(cfg.Concurrency, 1))),
		timeout:     cfg.Timeout,
		lockRetries: uint64(max(cfg.LockRetries, 0)),
		lockBackoff: cfg.LockBackoff,
	}
}

// scriptInput is written to the script's standard input.
type scriptInput struct {
	Hook   hookState      `json:"hook"`
	Node   map[string]any `json:"node"`
	Policy map[string]any `json:"policy"`
}

type hookState struct {
	ID            int64             `json:"id"`
	Name          string            `json:"name"`
	Type          string            `json:"type"`
	Configuration domain.JSONObject `json:"configuration"`
	Cause         string            `json:"cause"`
}

// scriptOutput is what a script may print on standard output.
type scriptOutput struct {
	Output any `json:"output"`
	Error  any `json:"error"`
	Hook   *struct {
		Configuration *struct {
			Update map[string]any `json:"update"`
			Remove []string       `json:"remove"`
		} `json:"configuration"`
	} `json:"hook"`
	Node *struct {
		Metadata *struct {
			Update map[string]string `json:"update"`
			Remove []string          `json:"remove"`
			Clear  bool              `json:"clear"`
		} `json:"metadata"`
	} `json:"node"`
}

var knownOutputKeys = map[string]bool{"output": true, "error": true, "hook": true, "node": true}

// Run executes the hook's script for event. It returns an error only when
// the run should be retried: the hook is missing, or stayed leased by
// another run. Script failures are logged as events and return nil.
//
// The script runs outside any transaction. Its results are saved in a short
// transaction afterwards, so a slow script holds only its own hook's lease.
func (r *Runner) Run(ctx context.Context, hookID int64, event string, node, policy map[string]any) error {
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.slots.Release(1)

	hook, err := r.lease(ctx, hookID)
	if err != nil {
		return err
	}
	defer r.release(ctx, hook)

	hookType, err := r.catalog.Get(hook.HookType)
	if err != nil {
		return r.save(ctx, hook.ID, func(tx storage.Transaction, hook *domain.Hook) error {
			return r.record(ctx, tx, hook, node, domain.SeverityError, domain.JSONObject{
				"msg":   "hook type is not installed",
				"event": event,
				"type":  hook.HookType,
			})
		})
	}
	script, ok := hookType.Script(event)
	if !ok {
		return nil
	}

	input, err := json.Marshal(scriptInput{
		Hook: hookState{
			ID:            hook.ID,
			Name:          hook.Name,
			Type:          hook.HookType,
			Configuration: hook.Configuration,
			Cause:         event,
		},
		Node:   node,
		Policy: policy,
	})
	if err != nil {
		return fmt.Errorf("encoding hook input: %w", err)
	}

	start := time.Now()
	stdout, stderr, exitCode, runErr := r.exec(ctx, script, hookType.Dir, input)
	observability.HookDuration.Observe(time.Since(start).Seconds())

	entry := domain.JSONObject{
		"msg":         "hook ran",
		"event":       event,
		"script":      ScriptName(event),
		"exit_status": exitCode,
	}
	severity := domain.SeverityInfo
	if runErr != nil {
		severity = domain.SeverityError
		entry["msg"] = "hook failed to run"
		entry["error"] = runErr.Error()
	} else if exitCode != 0 {
		severity = domain.SeverityError
	}
	if len(stderr) > 0 {
		entry["stderr"] = truncate(stderr, maxStderr)
	}

	var out *scriptOutput
	var unexpected []string
	if runErr == nil && len(bytes.TrimSpace(stdout)) > 0 {
		var parseErr error
		out, unexpected, parseErr = parseOutput(stdout)
		switch {
		case parseErr != nil:
			severity = domain.SeverityError
			entry["error"] = fmt.Sprintf("hook output is not valid JSON: %v", parseErr)
			entry["raw_output"] = truncate(stdout, maxStderr)
		default:
			if out.Output != nil {
				entry["output"] = out.Output
			}
			if out.Error != nil {
				entry["error"] = out.Error
			}
		}
	}

	err = r.save(ctx, hook.ID, func(tx storage.Transaction, hook *domain.Hook) error {
		if len(unexpected) > 0 {
			if err := r.record(ctx, tx, hook, node, domain.SeverityWarn, domain.JSONObject{
				"msg":   "hook output has unexpected keys",
				"event": event,
				"keys":  unexpected,
			}); err != nil {
				return err
			}
		}
		if out != nil {
			if err := r.apply(ctx, tx, hook, hookType, node, out); err != nil {
				return err
			}
		}
		return r.record(ctx, tx, hook, node, severity, entry)
	})
	if err != nil {
		return err
	}

	result := "success"
	if severity == domain.SeverityError {
		result = "failure"
	}
	observability.HookRuns.WithLabelValues(hook.HookType, event, result).Inc()
	r.logger.Info("hook ran", "hook", hook.Name, "event", event, "exit_status", exitCode, "result", result)
	return nil
}

// lease marks the hook as running. Contention is retried with a constant
// backoff that waits on ctx, not on the worker.
func (r *Runner) lease(ctx context.Context, hookID int64) (*domain.Hook, error) {
	var hook *domain.Hook
	backoff := retry.WithMaxRetries(r.lockRetries, retry.NewConstant(r.lockBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		now := time.Now()
		h, err := r.store.AcquireHookLease(ctx, hookID, now, now.Add(r.leaseTTL()))
		if errors.Is(err, domain.ErrLocked) {
			observability.HookLockContention.Inc()
			return retry.RetryableError(err)
		}
		if err != nil {
			return err
		}
		hook = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("locking hook %d: %w", hookID, err)
	}
	return hook, nil
}

// leaseTTL outlasts the longest a script may run, so a lease only expires
// on its own when the worker holding it died.
func (r *Runner) leaseTTL() time.Duration {
	if r.timeout <= 0 {
		return defaultLeaseTTL
	}
	return r.timeout + waitDelay + leaseSlack
}

func (r *Runner) release(ctx context.Context, hook *domain.Hook) {
	err := r.store.ReleaseHookLease(context.WithoutCancel(ctx), hook.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		r.logger.Warn("failed to release hook lease", "hook", hook.Name, "error", err)
	}
}

// save runs fn in a short transaction against a fresh copy of the hook. A
// hook deleted while its script ran is skipped.
func (r *Runner) save(ctx context.Context, hookID int64, fn func(storage.Transaction, *domain.Hook) error) error {
	tx, err := r.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	hook, err := tx.GetHook(ctx, hookID)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.Info("hook deleted while running", "hook_id", hookID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := fn(tx, hook); err != nil {
		return err
	}
	return tx.Commit()
}

// exec runs script with input on stdin, bounded by the hook timeout. A
// non-nil error means the script could not be run or did not finish.
func (r *Runner) exec(ctx context.Context, script, dir string, input []byte) (stdout, stderr []byte, exitCode int, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, script)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	cmd.Stdin = bytes.NewReader(input)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return out.Bytes(), errOut.Bytes(), -1, fmt.Errorf("hook script did not finish: %w", ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return out.Bytes(), errOut.Bytes(), exitErr.ExitCode(), nil
	}
	if runErr != nil {
		return out.Bytes(), errOut.Bytes(), -1, runErr
	}
	return out.Bytes(), errOut.Bytes(), 0, nil
}

func parseOutput(stdout []byte) (*scriptOutput, []string, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(stdout, &keys); err != nil {
		return nil, nil, err
	}
	var unexpected []string
	for k := range keys {
		if !knownOutputKeys[k] {
			unexpected = append(unexpected, k)
		}
	}
	var out scriptOutput
	if err := json.Unmarshal(stdout, &out); err != nil {
		return nil, nil, err
	}
	return &out, unexpected, nil
}

// apply saves configuration and metadata changes requested by the script.
// Changes that fail validation are logged and skipped.
func (r *Runner) apply(ctx context.Context, tx storage.Transaction, hook *domain.Hook, hookType *HookType, node map[string]any, out *scriptOutput) error {
	if out.Hook != nil && out.Hook.Configuration != nil {
		change := out.Hook.Configuration
		next := hook.Configuration.Clone()
		if next == nil {
			next = domain.JSONObject{}
		}
		for _, k := range change.Remove {
			delete(next, k)
		}
		for k, v := range change.Update {
			next[k] = v
		}
		validated, err := ValidateConfiguration(hookType.Schema, next)
		if err != nil {
			if err := r.record(ctx, tx, hook, node, domain.SeverityError, domain.JSONObject{
				"msg":   "hook configuration update rejected",
				"error": err.Error(),
			}); err != nil {
				return err
			}
		} else {
			hook.Configuration = validated
			if err := tx.UpdateHook(ctx, hook); err != nil {
				return err
			}
		}
	}

	if out.Node != nil && out.Node.Metadata != nil {
		nodeID, ok := snapshotID(node)
		if !ok {
			return nil
		}
		n, err := tx.LockNode(ctx, nodeID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		change := out.Node.Metadata
		n.Metadata = service.ApplyMetadata(n.Metadata, change.Update, change.Remove, change.Clear)
		if err := tx.UpdateNode(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) record(ctx context.Context, tx storage.Transaction, hook *domain.Hook, node map[string]any, severity domain.Severity, entry domain.JSONObject) error {
	hookID := hook.ID
	entry["hook"] = hook.Name
	ev := &domain.Event{Severity: severity, Entry: entry, HookID: &hookID}
	if id, ok := snapshotID(node); ok {
		ev.NodeID = &id
	}
	return tx.AppendEvent(ctx, ev)
}

// snapshotID reads the id from a node snapshot.
func snapshotID(snapshot map[string]any) (int64, bool) {
	switch v := snapshot["id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		id, err := v.Int64()
		return id, err == nil
	}
	return 0, false
}

func truncate(b []byte, n int) string {
	s := strings.ToValidUTF8(string(b), "")
	if len(s) > n {
		return s[:n]
	}
	return s
}

// Package ledger tracks the externally visible status of commands.
//
// A command is pending when accepted, running once a delivery attempt has
// started, and ends finished, failed or cancelled. Terminal states are never
// left again, so a late retry of one message cannot reopen a command that
// another message already finished.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/observability"
	"github.com/bcnelson/provisioner/internal/storage"
)

// Ledger records command state in the store.
type Ledger struct {
	store storage.Storage
	Now   func() time.Time
}

// New creates a ledger.
func New(store storage.Storage) *Ledger {
	return &Ledger{store: store, Now: time.Now}
}

// Redacted replaces the values of secret parameters.
const Redacted = "[REDACTED]"

// Submit records a new pending command. Parameters whose name mentions a
// password or secret are stored as Redacted.
func (l *Ledger) Submit(ctx context.Context, name string, params domain.JSONObject) (*domain.Command, error) {
	cmd := &domain.Command{
		Command:     name,
		Params:      redact(params),
		Status:      domain.CommandPending,
		Errors:      domain.CommandErrors{},
		SubmittedAt: l.Now().UTC(),
	}
	if err := l.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("creating command: %w", err)
	}
	return cmd, nil
}

// Get returns a command.
func (l *Ledger) Get(ctx context.Context, id int64) (*domain.Command, error) {
	return l.store.GetCommand(ctx, id)
}

// update applies fn under the command's row lock unless the command is
// already terminal. changed reports whether fn made a change that was saved.
func (l *Ledger) update(ctx context.Context, id int64, fn func(*domain.Command) bool) (cmd *domain.Command, changed bool, err error) {
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	cmd, err = tx.LockCommand(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if cmd.Status.Terminal() || !fn(cmd) {
		return cmd, false, nil
	}
	if err := tx.UpdateCommand(ctx, cmd); err != nil {
		return nil, false, fmt.Errorf("updating command %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("updating command %d: %w", id, err)
	}
	if cmd.Status.Terminal() {
		observability.CommandsFinished.WithLabelValues(cmd.Command, string(cmd.Status)).Inc()
	}
	return cmd, true, nil
}

// Started moves a pending command to running.
func (l *Ledger) Started(ctx context.Context, id int64) error {
	_, _, err := l.update(ctx, id, func(c *domain.Command) bool {
		if c.Status != domain.CommandPending {
			return false
		}
		c.Status = domain.CommandRunning
		return true
	})
	return err
}

// RecordFailure keeps the first error of each delivery attempt. Later
// errors for an attempt that already has one are ignored.
func (l *Ledger) RecordFailure(ctx context.Context, id int64, attempt int, kind, message string, backtrace []string) error {
	_, _, err := l.update(ctx, id, func(c *domain.Command) bool {
		if c.Errors.HasAttempt(attempt) {
			return false
		}
		c.Errors = append(c.Errors, domain.CommandError{
			Attempt:     attempt,
			Exception:   kind,
			Message:     message,
			Backtrace:   backtrace,
			AttemptedAt: l.Now().UTC(),
		})
		return true
	})
	return err
}

// Finish marks the command finished.
func (l *Ledger) Finish(ctx context.Context, id int64) error {
	return l.terminate(ctx, id, domain.CommandFinished)
}

// Fail marks the command failed.
func (l *Ledger) Fail(ctx context.Context, id int64) error {
	return l.terminate(ctx, id, domain.CommandFailed)
}

// Cancel marks an unfinished command cancelled. Cancelling a command that
// already ended returns domain.ErrConflict.
func (l *Ledger) Cancel(ctx context.Context, id int64) (*domain.Command, error) {
	cmd, changed, err := l.update(ctx, id, l.end(domain.CommandCancelled))
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, fmt.Errorf("command %d is already %s: %w", id, cmd.Status, domain.ErrConflict)
	}
	return cmd, nil
}

func (l *Ledger) terminate(ctx context.Context, id int64, status domain.CommandStatus) error {
	_, _, err := l.update(ctx, id, l.end(status))
	return err
}

func (l *Ledger) end(status domain.CommandStatus) func(*domain.Command) bool {
	return func(c *domain.Command) bool {
		now := l.Now().UTC()
		c.Status = status
		c.FinishedAt = &now
		return true
	}
}

// redact returns a copy of params with secret values replaced, including
// inside nested objects.
func redact(params domain.JSONObject) domain.JSONObject {
	out := make(domain.JSONObject, len(params))
	for k, v := range params {
		if secretKey(k) {
			out[k] = Redacted
			continue
		}
		switch nested := v.(type) {
		case map[string]any:
			v = map[string]any(redact(nested))
		case domain.JSONObject:
			v = redact(nested)
		}
		out[k] = v
	}
	return out
}

func secretKey(k string) bool {
	k = strings.ToLower(k)
	return strings.Contains(k, "password") || strings.Contains(k, "secret")
}

// Package service implements tag evaluation, policy binding and the
// node and policy commands on top of the storage layer.
package service

import (
	"context"
	"strings"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/storage"
)

// Notifier is told about node lifecycle events once the change that caused
// them is committed.
type Notifier interface {
	Fire(ctx context.Context, event string, node *domain.Node, policy *domain.Policy) error
}

// TxNotifier is a Notifier that can also be told about an event from inside
// the transaction making the change. An error from FireIn aborts that
// transaction.
type TxNotifier interface {
	Notifier
	FireIn(ctx context.Context, tx storage.Storage, event string, node *domain.Node, policy *domain.Policy) error
}

// NopNotifier ignores every event.
type NopNotifier struct{}

func (NopNotifier) Fire(context.Context, string, *domain.Node, *domain.Policy) error { return nil }

func foldName(name string) string {
	return strings.ToLower(name)
}

// withTx runs fn in a transaction and commits if it returns nil.
func withTx(ctx context.Context, store storage.Storage, fn func(tx storage.Transaction) error) error {
	tx, err := store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nodeEvent(severity domain.Severity, node *domain.Node, entry domain.JSONObject) *domain.Event {
	id := node.ID
	return &domain.Event{
		Severity: severity,
		Entry:    entry,
		NodeID:   &id,
	}
}

package queue

import (
	"context"
	"errors"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/storage"
)

// Broker stores queued messages.
type Broker interface {
	Enqueue(ctx context.Context, msg *domain.QueuedMessage) error
	// Claim leases the oldest due message until leaseUntil. A message whose
	// lease has expired is due again. It returns nil, nil when nothing is due.
	Claim(ctx context.Context, now, leaseUntil time.Time) (*domain.QueuedMessage, error)
	Reschedule(ctx context.Context, id string, payload []byte, runAt time.Time) error
	Complete(ctx context.Context, id string) error
	DeadLetter(ctx context.Context, id string, payload []byte, reason string, at time.Time) error
}

// TxBroker is a Broker that can enqueue as part of a datastore transaction.
type TxBroker interface {
	Broker
	EnqueueIn(ctx context.Context, tx storage.Storage, msg *domain.QueuedMessage) error
}

// StoreBroker keeps messages in the datastore alongside everything else.
type StoreBroker struct {
	store storage.Storage
}

// NewStoreBroker creates a broker on the messages table of store.
func NewStoreBroker(store storage.Storage) *StoreBroker {
	return &StoreBroker{store: store}
}

func (b *StoreBroker) Enqueue(ctx context.Context, msg *domain.QueuedMessage) error {
	return b.store.EnqueueMessage(ctx, msg)
}

// EnqueueIn writes msg through tx instead of the broker's own store.
func (b *StoreBroker) EnqueueIn(ctx context.Context, tx storage.Storage, msg *domain.QueuedMessage) error {
	return tx.EnqueueMessage(ctx, msg)
}

func (b *StoreBroker) Claim(ctx context.Context, now, leaseUntil time.Time) (*domain.QueuedMessage, error) {
	msg, err := b.store.ClaimMessage(ctx, now, leaseUntil)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return msg, err
}

func (b *StoreBroker) Reschedule(ctx context.Context, id string, payload []byte, runAt time.Time) error {
	return b.store.RescheduleMessage(ctx, id, payload, runAt)
}

func (b *StoreBroker) Complete(ctx context.Context, id string) error {
	return b.store.CompleteMessage(ctx, id)
}

func (b *StoreBroker) DeadLetter(ctx context.Context, id string, payload []byte, reason string, at time.Time) error {
	return b.store.DeadLetterMessage(ctx, id, payload, reason, at)
}

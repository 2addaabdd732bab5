// Package queue delivers operations on entities durably and at least once.
//
// A message names an entity instance, an operation declared for its kind,
// and the operation's arguments. Messages survive restarts, are retried with
// randomized exponential backoff when the handler fails transiently, and are
// dead-lettered after MaxAttempts attempts or on a permanent failure. When a
// message carries a command reference, the command's status and error
// history are kept in step with delivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/observability"
	"github.com/bcnelson/provisioner/internal/storage"
)

// Queue publishes messages for the operations in a registry.
type Queue struct {
	registry *Registry
	broker   Broker
	Now      func() time.Time
}

// New creates a queue backed by broker.
func New(registry *Registry, broker Broker) *Queue {
	return &Queue{registry: registry, broker: broker, Now: time.Now}
}

// Registry returns the registry the queue validates against.
func (q *Queue) Registry() *Registry { return q.registry }

// Publish validates and enqueues op for ref. command, when non-nil, links
// the message to a ledger entry. It returns the message id. Validation
// failures wrap ErrInvalidMessage and enqueue nothing.
func (q *Queue) Publish(ctx context.Context, ref Ref, op string, command *int64, args ...any) (string, error) {
	return q.publish(ctx, q.broker.Enqueue, ref, op, command, args)
}

// Transactional reports whether PublishIn can enqueue inside a datastore
// transaction.
func (q *Queue) Transactional() bool {
	_, ok := q.broker.(TxBroker)
	return ok
}

// PublishIn is Publish with the message written through tx, so it commits
// or rolls back with the caller's changes. It returns ErrNoTransaction when
// the broker keeps messages outside the datastore.
func (q *Queue) PublishIn(ctx context.Context, tx storage.Storage, ref Ref, op string, command *int64, args ...any) (string, error) {
	b, ok := q.broker.(TxBroker)
	if !ok {
		return "", ErrNoTransaction
	}
	enqueue := func(ctx context.Context, msg *domain.QueuedMessage) error {
		return b.EnqueueIn(ctx, tx, msg)
	}
	return q.publish(ctx, enqueue, ref, op, command, args)
}

func (q *Queue) publish(ctx context.Context, enqueue func(context.Context, *domain.QueuedMessage) error, ref Ref, op string, command *int64, args []any) (string, error) {
	env, err := q.envelope(ref, op, command, args)
	if err != nil {
		return "", err
	}
	payload, err := env.Encode()
	if err != nil {
		return "", invalidf("%v", err)
	}

	now := q.Now().UTC()
	msg := &domain.QueuedMessage{
		ID:        uuid.NewString(),
		Payload:   payload,
		RunAt:     now,
		CreatedAt: now,
	}
	if err := enqueue(ctx, msg); err != nil {
		return "", fmt.Errorf("enqueueing %s.%s: %w", ref, op, err)
	}
	observability.MessagesPublished.WithLabelValues(ref.Class, op).Inc()
	return msg.ID, nil
}

func (q *Queue) envelope(ref Ref, op string, command *int64, args []any) (*Envelope, error) {
	o, err := q.registry.lookup(ref.Class, op)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	if len(args) != o.arity {
		return nil, invalidf("%s.%s takes %d arguments, got %d", ref.Class, op, o.arity, len(args))
	}

	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		if err := checkValue(reflect.ValueOf(a), fmt.Sprintf("argument %d", i)); err != nil {
			return nil, invalidf("%s.%s: %v", ref.Class, op, err)
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, invalidf("%s.%s: argument %d: %v", ref.Class, op, i, err)
		}
		raw[i] = b
	}
	if err := o.check(raw); err != nil {
		return nil, invalidf("%s.%s: %v", ref.Class, op, err)
	}

	env := &Envelope{
		Class:     ref.Class,
		Instance:  Key{ID: ref.ID},
		Message:   op,
		Arguments: raw,
	}
	if command != nil {
		env.Command = &Key{ID: *command}
	}
	return env, nil
}

var timeType = reflect.TypeOf(time.Time{})

// checkValue accepts the values that survive the JSON round trip with their
// meaning intact: strings, booleans, numbers, nil, times, lists, maps with
// string keys, and sets written as map[string]struct{}.
func checkValue(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	if v.Type() == timeType {
		return nil
	}
	switch v.Kind() {
	case reflect.String, reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return checkValue(v.Elem(), path)
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := checkValue(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%s: map keys must be strings, got %s", path, v.Type().Key())
		}
		if elem := v.Type().Elem(); elem.Kind() == reflect.Struct && elem.NumField() == 0 {
			return nil
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := checkValue(iter.Value(), fmt.Sprintf("%s[%q]", path, iter.Key().String())); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%s: values of type %s cannot be queued", path, v.Type())
}

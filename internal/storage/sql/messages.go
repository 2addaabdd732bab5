package sql

import (
	"context"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
)

// ============================================
// Messages
// ============================================

func enqueueMessage(ctx context.Context, db dbInterface, m *domain.QueuedMessage) error {
	m.CreatedAt = nowIfZero(m.CreatedAt)
	m.RunAt = nowIfZero(m.RunAt)
	_, err := db.ExecContext(ctx,
		`INSERT INTO messages (id, payload, run_at, lease_until, created_at) VALUES ($1, $2, $3, NULL, $4)`,
		m.ID, m.Payload, m.RunAt, m.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) EnqueueMessage(ctx context.Context, msg *domain.QueuedMessage) error {
	return enqueueMessage(ctx, s.db, msg)
}

func (t *Tx) EnqueueMessage(ctx context.Context, msg *domain.QueuedMessage) error {
	return enqueueMessage(ctx, t.tx, msg)
}

func claimMessage(ctx context.Context, db dbInterface, driver string, now, leaseUntil time.Time) (*domain.QueuedMessage, error) {
	now, leaseUntil = now.UTC(), leaseUntil.UTC()
	query := `SELECT id, payload, run_at, lease_until, created_at FROM messages
		WHERE run_at <= $1 AND (lease_until IS NULL OR lease_until < $1)
		ORDER BY run_at, created_at LIMIT 1`
	if driver == DriverPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}
	var m domain.QueuedMessage
	if err := db.GetContext(ctx, &m, query, now); err != nil {
		return nil, notFound(err)
	}
	// The lease guard makes the claim safe even without row locks.
	result, err := db.ExecContext(ctx,
		`UPDATE messages SET lease_until = $1
		 WHERE id = $2 AND (lease_until IS NULL OR lease_until < $3)`,
		leaseUntil, m.ID, now)
	if err := checkAffected(result, err); err != nil {
		return nil, err
	}
	m.LeaseUntil = &leaseUntil
	return &m, nil
}

func (s *Store) ClaimMessage(ctx context.Context, now, leaseUntil time.Time) (*domain.QueuedMessage, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	m, err := claimMessage(ctx, tx, s.driver, now, leaseUntil)
	if err != nil {
		return nil, err
	}
	return m, tx.Commit()
}

func (t *Tx) ClaimMessage(ctx context.Context, now, leaseUntil time.Time) (*domain.QueuedMessage, error) {
	return claimMessage(ctx, t.tx, t.driver, now, leaseUntil)
}

func rescheduleMessage(ctx context.Context, db dbInterface, id string, payload []byte, runAt time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE messages SET payload = $1, run_at = $2, lease_until = NULL WHERE id = $3`,
		payload, runAt.UTC(), id)
	return checkAffected(result, err)
}

func (s *Store) RescheduleMessage(ctx context.Context, id string, payload []byte, runAt time.Time) error {
	return rescheduleMessage(ctx, s.db, id, payload, runAt)
}

func (t *Tx) RescheduleMessage(ctx context.Context, id string, payload []byte, runAt time.Time) error {
	return rescheduleMessage(ctx, t.tx, id, payload, runAt)
}

func completeMessage(ctx context.Context, db dbInterface, id string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	return checkAffected(result, err)
}

func (s *Store) CompleteMessage(ctx context.Context, id string) error {
	return completeMessage(ctx, s.db, id)
}

func (t *Tx) CompleteMessage(ctx context.Context, id string) error {
	return completeMessage(ctx, t.tx, id)
}

func deadLetterMessage(ctx context.Context, db dbInterface, id string, payload []byte, reason string, at time.Time) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO dead_messages (id, payload, reason, dead_at) VALUES ($1, $2, $3, $4)`,
		id, payload, reason, at.UTC())
	return wrapUniqueError(err)
}

func (s *Store) DeadLetterMessage(ctx context.Context, id string, payload []byte, reason string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := deadLetterMessage(ctx, tx, id, payload, reason, at); err != nil {
		return err
	}
	return tx.Commit()
}

func (t *Tx) DeadLetterMessage(ctx context.Context, id string, payload []byte, reason string, at time.Time) error {
	return deadLetterMessage(ctx, t.tx, id, payload, reason, at)
}

func listDeadMessages(ctx context.Context, db dbInterface) ([]*domain.DeadMessage, error) {
	var msgs []*domain.DeadMessage
	err := db.SelectContext(ctx, &msgs, `SELECT id, payload, reason, dead_at FROM dead_messages ORDER BY dead_at`)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) ListDeadMessages(ctx context.Context) ([]*domain.DeadMessage, error) {
	return listDeadMessages(ctx, s.db)
}

func (t *Tx) ListDeadMessages(ctx context.Context) ([]*domain.DeadMessage, error) {
	return listDeadMessages(ctx, t.tx)
}

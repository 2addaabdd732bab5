package sql

import (
	"context"
	"fmt"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
)

// ============================================
// Hooks
// ============================================

const hookColumns = `id, name, hook_type, configuration, created_at, running_until`

func createHook(ctx context.Context, db dbInterface, h *domain.Hook) error {
	h.CreatedAt = nowIfZero(h.CreatedAt)
	err := db.GetContext(ctx, &h.ID,
		`INSERT INTO hooks (name, hook_type, configuration, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		h.Name, h.HookType, h.Configuration, h.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateHook(ctx context.Context, hook *domain.Hook) error {
	return createHook(ctx, s.db, hook)
}

func (t *Tx) CreateHook(ctx context.Context, hook *domain.Hook) error {
	return createHook(ctx, t.tx, hook)
}

func getHookWhere(ctx context.Context, db dbInterface, where string, arg any) (*domain.Hook, error) {
	var h domain.Hook
	if err := db.GetContext(ctx, &h, `SELECT `+hookColumns+` FROM hooks WHERE `+where, arg); err != nil {
		return nil, notFound(err)
	}
	return &h, nil
}

func (s *Store) GetHook(ctx context.Context, id int64) (*domain.Hook, error) {
	return getHookWhere(ctx, s.db, `id = $1`, id)
}

func (t *Tx) GetHook(ctx context.Context, id int64) (*domain.Hook, error) {
	return getHookWhere(ctx, t.tx, `id = $1`, id)
}

func (s *Store) GetHookByName(ctx context.Context, name string) (*domain.Hook, error) {
	return getHookWhere(ctx, s.db, `LOWER(name) = LOWER($1)`, name)
}

func (t *Tx) GetHookByName(ctx context.Context, name string) (*domain.Hook, error) {
	return getHookWhere(ctx, t.tx, `LOWER(name) = LOWER($1)`, name)
}

func listHooks(ctx context.Context, db dbInterface) ([]*domain.Hook, error) {
	var hooks []*domain.Hook
	if err := db.SelectContext(ctx, &hooks, `SELECT `+hookColumns+` FROM hooks ORDER BY id`); err != nil {
		return nil, err
	}
	return hooks, nil
}

func (s *Store) ListHooks(ctx context.Context) ([]*domain.Hook, error) {
	return listHooks(ctx, s.db)
}

func (t *Tx) ListHooks(ctx context.Context) ([]*domain.Hook, error) {
	return listHooks(ctx, t.tx)
}

func updateHook(ctx context.Context, db dbInterface, h *domain.Hook) error {
	result, err := db.ExecContext(ctx,
		`UPDATE hooks SET name = $1, configuration = $2 WHERE id = $3`, h.Name, h.Configuration, h.ID)
	return wrapUniqueError(checkAffected(result, err))
}

func (s *Store) UpdateHook(ctx context.Context, hook *domain.Hook) error {
	return updateHook(ctx, s.db, hook)
}

func (t *Tx) UpdateHook(ctx context.Context, hook *domain.Hook) error {
	return updateHook(ctx, t.tx, hook)
}

func deleteHook(ctx context.Context, db dbInterface, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM hooks WHERE id = $1`, id)
	return checkAffected(result, err)
}

func (s *Store) DeleteHook(ctx context.Context, id int64) error {
	return deleteHook(ctx, s.db, id)
}

func (t *Tx) DeleteHook(ctx context.Context, id int64) error {
	return deleteHook(ctx, t.tx, id)
}

func (s *Store) TryLockHook(ctx context.Context, id int64) (*domain.Hook, error) {
	return nil, fmt.Errorf("hook locks require a transaction")
}

func (t *Tx) TryLockHook(ctx context.Context, id int64) (*domain.Hook, error) {
	if t.driver == DriverSQLite {
		result, err := t.tx.ExecContext(ctx, `UPDATE hooks SET id = id WHERE id = $1`, id)
		if isLockUnavailable(err) {
			return nil, domain.ErrLocked
		}
		if err := checkAffected(result, err); err != nil {
			return nil, err
		}
		return getHookWhere(ctx, t.tx, `id = $1`, id)
	}
	h, err := getHookWhere(ctx, t.tx, `id = $1 FOR UPDATE NOWAIT`, id)
	if isLockUnavailable(err) {
		return nil, domain.ErrLocked
	}
	return h, err
}

// AcquireHookLease takes the hook row lock in a short transaction and marks
// the hook as running until until.
func (s *Store) AcquireHookLease(ctx context.Context, id int64, now, until time.Time) (*domain.Hook, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	h, err := tx.AcquireHookLease(ctx, id, now, until)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return h, nil
}

func (t *Tx) AcquireHookLease(ctx context.Context, id int64, now, until time.Time) (*domain.Hook, error) {
	h, err := t.TryLockHook(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Running(now) {
		return nil, domain.ErrLocked
	}
	until = until.UTC()
	if _, err := t.tx.ExecContext(ctx, `UPDATE hooks SET running_until = $1 WHERE id = $2`, until, id); err != nil {
		return nil, err
	}
	h.RunningUntil = &until
	return h, nil
}

func releaseHookLease(ctx context.Context, db dbInterface, id int64) error {
	result, err := db.ExecContext(ctx, `UPDATE hooks SET running_until = NULL WHERE id = $1`, id)
	return checkAffected(result, err)
}

func (s *Store) ReleaseHookLease(ctx context.Context, id int64) error {
	return releaseHookLease(ctx, s.db, id)
}

func (t *Tx) ReleaseHookLease(ctx context.Context, id int64) error {
	return releaseHookLease(ctx, t.tx, id)
}

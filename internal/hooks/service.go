package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/storage"
	"github.com/bcnelson/provisioner/internal/validation"
)

// CreateHookRequest creates a hook of an installed type.
type CreateHookRequest struct {
	Name          string            `json:"name" validate:"required,name"`
	HookType      string            `json:"hook-type" validate:"required"`
	Configuration domain.JSONObject `json:"configuration"`
}

// HookNameRequest names a hook.
type HookNameRequest struct {
	Name string `json:"name" validate:"required"`
}

// UpdateHookConfigurationRequest sets one configuration key, or removes it
// when Clear is set. A removed key falls back to its default.
type UpdateHookConfigurationRequest struct {
	Name  string          `json:"name" validate:"required"`
	Key   string          `json:"key" validate:"required"`
	Value json.RawMessage `json:"value" validate:"required_without=Clear,excluded_with=Clear"`
	Clear bool            `json:"clear"`
}

// HookService implements the hook commands.
type HookService struct {
	store   storage.Storage
	catalog *Catalog
	logger  *slog.Logger
}

// NewHookService creates a new HookService.
func NewHookService(store storage.Storage, catalog *Catalog, logger *slog.Logger) *HookService {
	return &HookService{store: store, catalog: catalog, logger: logger}
}

// ListHooks returns every hook.
func (s *HookService) ListHooks(ctx context.Context) ([]*domain.Hook, error) {
	return s.store.ListHooks(ctx)
}

// CreateHook validates the configuration against the hook type's schema
// and stores the hook. Creating a hook that already exists with the same
// type and configuration returns it unchanged.
func (s *HookService) CreateHook(ctx context.Context, req CreateHookRequest) (*domain.Hook, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	hookType, err := s.catalog.Get(req.HookType)
	if err != nil {
		var errs validation.ValidationErrors
		errs.Add("hook-type", req.HookType, "is not an installed hook type")
		return nil, errs
	}
	configuration, err := ValidateConfiguration(hookType.Schema, req.Configuration)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetHookByName(ctx, req.Name)
	switch {
	case err == nil:
		if existing.Name != req.Name {
			return nil, fmt.Errorf("hook %q already exists as %q: %w", req.Name, existing.Name, domain.ErrAlreadyExists)
		}
		if existing.HookType != req.HookType || !reflect.DeepEqual(existing.Configuration, configuration) {
			return nil, fmt.Errorf("hook %q exists with different settings: %w", req.Name, domain.ErrConflict)
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	hook := &domain.Hook{Name: req.Name, HookType: req.HookType, Configuration: configuration}
	if err := s.store.CreateHook(ctx, hook); err != nil {
		return nil, err
	}
	s.logger.Info("hook created", "hook", hook.Name, "type", hook.HookType)
	return hook, nil
}

// DeleteHook removes a hook. Runs already queued for it are dropped when
// they find it gone.
func (s *HookService) DeleteHook(ctx context.Context, req HookNameRequest) error {
	if err := validation.Struct(&req); err != nil {
		return err
	}
	hook, err := s.store.GetHookByName(ctx, req.Name)
	if err != nil {
		return err
	}
	if err := s.store.DeleteHook(ctx, hook.ID); err != nil {
		return err
	}
	s.logger.Info("hook deleted", "hook", hook.Name)
	return nil
}

// UpdateHookConfiguration changes one key of a hook's configuration. It
// fails with domain.ErrLocked while the hook is running.
func (s *HookService) UpdateHookConfiguration(ctx context.Context, req UpdateHookConfigurationRequest) (*domain.Hook, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	found, err := s.store.GetHookByName(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	hook, err := tx.TryLockHook(ctx, found.ID)
	if err != nil {
		return nil, fmt.Errorf("hook %q: %w", req.Name, err)
	}
	if hook.Running(time.Now()) {
		return nil, fmt.Errorf("hook %q is running: %w", req.Name, domain.ErrLocked)
	}
	hookType, err := s.catalog.Get(hook.HookType)
	if err != nil {
		return nil, err
	}

	next := hook.Configuration.Clone()
	if next == nil {
		next = domain.JSONObject{}
	}
	if req.Clear {
		delete(next, req.Key)
	} else {
		var value any
		if err := json.Unmarshal(req.Value, &value); err != nil {
			var errs validation.ValidationErrors
			errs.Add("value", string(req.Value), "must be JSON")
			return nil, errs
		}
		next[req.Key] = value
	}

	configuration, err := ValidateConfiguration(hookType.Schema, next)
	if err != nil {
		return nil, err
	}
	hook.Configuration = configuration
	if err := tx.UpdateHook(ctx, hook); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.logger.Info("hook configuration updated", "hook", hook.Name, "key", req.Key)
	return hook, nil
}

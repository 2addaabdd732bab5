package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/matcher"
	"github.com/bcnelson/provisioner/internal/storage"
	"github.com/bcnelson/provisioner/internal/validation"
)

// CreateTagRequest creates a tag.
type CreateTagRequest struct {
	Name string          `json:"name" validate:"required,name"`
	Rule json.RawMessage `json:"rule" validate:"required"`
}

// UpdateTagRuleRequest replaces a tag's rule. Force is required when
// policies use the tag.
type UpdateTagRuleRequest struct {
	Name  string          `json:"name" validate:"required"`
	Rule  json.RawMessage `json:"rule" validate:"required"`
	Force bool            `json:"force"`
}

// DeleteTagRequest deletes a tag. Force is required when policies use it.
type DeleteTagRequest struct {
	Name  string `json:"name" validate:"required"`
	Force bool   `json:"force"`
}

// CreatePolicyRequest creates a policy. Before and After position it
// relative to an existing policy; without either it goes last.
type CreatePolicyRequest struct {
	Name         string   `json:"name" validate:"required,name"`
	Repo         string   `json:"repo" validate:"required"`
	Task         string   `json:"task"`
	Broker       string   `json:"broker" validate:"required"`
	Hostname     string   `json:"hostname" validate:"required"`
	RootPassword string   `json:"root-password" validate:"required"`
	MaxCount     *int     `json:"max-count" validate:"omitempty,gte=0"`
	Enabled      *bool    `json:"enabled"`
	Tags         []string `json:"tags"`
	Before       string   `json:"before" validate:"excluded_with=After"`
	After        string   `json:"after"`
}

// MovePolicyRequest moves a policy before or after another one.
type MovePolicyRequest struct {
	Name   string `json:"name" validate:"required"`
	Before string `json:"before" validate:"required_without=After,excluded_with=After"`
	After  string `json:"after" validate:"required_without=Before"`
}

// PolicyNameRequest names a policy.
type PolicyNameRequest struct {
	Name string `json:"name" validate:"required"`
}

// UpdatePolicyMaxCountRequest changes a policy's capacity. A nil MaxCount
// removes the limit. Lowering it below the number of bound nodes requires
// Force; those nodes stay bound.
type UpdatePolicyMaxCountRequest struct {
	Name     string `json:"name" validate:"required"`
	MaxCount *int   `json:"number" validate:"omitempty,gte=0"`
	Force    bool   `json:"force"`
}

// PolicyTagRequest adds or removes a tag. When adding, Rule creates the
// tag if it does not exist yet.
type PolicyTagRequest struct {
	Name string          `json:"name" validate:"required"`
	Tag  string          `json:"tag" validate:"required,name"`
	Rule json.RawMessage `json:"rule,omitempty"`
}

// CreateRepoRequest creates a repo.
type CreateRepoRequest struct {
	Name   string `json:"name" validate:"required,name"`
	URL    string `json:"url" validate:"required_without=ISOURL,excluded_with=ISOURL"`
	ISOURL string `json:"iso-url"`
	Task   string `json:"task" validate:"required"`
}

// CreateBrokerRequest creates a broker.
type CreateBrokerRequest struct {
	Name          string            `json:"name" validate:"required,name"`
	BrokerType    string            `json:"broker-type" validate:"required"`
	Configuration domain.JSONObject `json:"configuration"`
}

// PolicyService implements the tag, policy, repo and broker commands.
type PolicyService struct {
	store  storage.Storage
	logger *slog.Logger
}

// NewPolicyService creates a new PolicyService.
func NewPolicyService(store storage.Storage, logger *slog.Logger) *PolicyService {
	return &PolicyService{store: store, logger: logger}
}

// sameName resolves an existing entity found by a case-insensitive name
// lookup. A different spelling is a distinct name that is already taken.
func sameName(kind, existing, requested string) error {
	if existing != requested {
		return fmt.Errorf("%s %q already exists as %q: %w", kind, requested, existing, domain.ErrAlreadyExists)
	}
	return nil
}

func conflict(kind, name string) error {
	return fmt.Errorf("%s %q exists with different settings: %w", kind, name, domain.ErrConflict)
}

func ruleError(rule json.RawMessage) error {
	if err := matcher.Validate(rule); err != nil {
		var errs validation.ValidationErrors
		errs.Add("rule", string(rule), err.Error())
		return errs
	}
	return nil
}

// ============================================
// Tags
// ============================================

// ListTags returns every tag.
func (s *PolicyService) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	return s.store.ListTags(ctx)
}

// CreateTag creates a tag, or returns the existing one if it has the same
// name and rule.
func (s *PolicyService) CreateTag(ctx context.Context, req CreateTagRequest) (*domain.Tag, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	if err := ruleError(req.Rule); err != nil {
		return nil, err
	}

	existing, err := s.store.GetTagByName(ctx, req.Name)
	switch {
	case err == nil:
		if err := sameName("tag", existing.Name, req.Name); err != nil {
			return nil, err
		}
		if !existing.Rule.Equal(domain.RawJSON(req.Rule)) {
			return nil, conflict("tag", req.Name)
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	tag := &domain.Tag{Name: req.Name, Rule: domain.RawJSON(req.Rule)}
	if err := s.store.CreateTag(ctx, tag); err != nil {
		return nil, err
	}
	s.logger.Info("tag created", "tag", tag.Name)
	return tag, nil
}

// UpdateTagRule replaces the rule of a tag.
func (s *PolicyService) UpdateTagRule(ctx context.Context, req UpdateTagRuleRequest) (*domain.Tag, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	if err := ruleError(req.Rule); err != nil {
		return nil, err
	}

	tag, err := s.store.GetTagByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("tag %q: %w", req.Name, err)
	}
	if err := s.checkTagUnused(ctx, tag, req.Force); err != nil {
		return nil, err
	}
	tag.Rule = domain.RawJSON(req.Rule)
	if err := s.store.UpdateTag(ctx, tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// DeleteTag deletes a tag.
func (s *PolicyService) DeleteTag(ctx context.Context, req DeleteTagRequest) error {
	if err := validation.Struct(&req); err != nil {
		return err
	}
	tag, err := s.store.GetTagByName(ctx, req.Name)
	if err != nil {
		return fmt.Errorf("tag %q: %w", req.Name, err)
	}
	if err := s.checkTagUnused(ctx, tag, req.Force); err != nil {
		return err
	}
	if err := s.store.DeleteTag(ctx, tag.ID); err != nil {
		return err
	}
	s.logger.Info("tag deleted", "tag", tag.Name, "forced", req.Force)
	return nil
}

func (s *PolicyService) checkTagUnused(ctx context.Context, tag *domain.Tag, force bool) error {
	if force {
		return nil
	}
	count, err := s.store.CountPoliciesForTag(ctx, tag.ID)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("tag %q is used by %d policies; use force to override: %w", tag.Name, count, domain.ErrInUse)
	}
	return nil
}

// ============================================
// Policies
// ============================================

// ListPolicies returns the policies in rule order.
func (s *PolicyService) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	return s.store.ListPolicies(ctx)
}

// CreatePolicy creates a policy, or returns the existing one if a policy
// with the same name and settings exists.
func (s *PolicyService) CreatePolicy(ctx context.Context, req CreatePolicyRequest) (*domain.Policy, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	if err := validation.ValidateHostnamePattern(req.Hostname); err != nil {
		var errs validation.ValidationErrors
		errs.Add("hostname", req.Hostname, err.Error())
		return nil, errs
	}

	var created *domain.Policy
	err := withTx(ctx, s.store, func(tx storage.Transaction) error {
		repo, err := tx.GetRepoByName(ctx, req.Repo)
		if err != nil {
			return fmt.Errorf("repo %q: %w", req.Repo, err)
		}
		broker, err := tx.GetBrokerByName(ctx, req.Broker)
		if err != nil {
			return fmt.Errorf("broker %q: %w", req.Broker, err)
		}
		tags := make([]*domain.Tag, 0, len(req.Tags))
		for _, name := range req.Tags {
			tag, err := tx.GetTagByName(ctx, name)
			if err != nil {
				return fmt.Errorf("tag %q: %w", name, err)
			}
			tags = append(tags, tag)
		}

		policy := &domain.Policy{
			Name:            req.Name,
			Repo:            repo.Name,
			Task:            req.Task,
			Broker:          broker.Name,
			HostnamePattern: req.Hostname,
			RootPassword:    req.RootPassword,
			Enabled:         req.Enabled == nil || *req.Enabled,
			MaxCount:        req.MaxCount,
			MatchTags:       domain.MatchAllOf,
		}
		if policy.Task == "" {
			policy.Task = repo.Task
		}
		for _, t := range tags {
			policy.Tags = append(policy.Tags, t.Name)
		}

		existing, err := tx.GetPolicyByName(ctx, req.Name)
		switch {
		case err == nil:
			if err := sameName("policy", existing.Name, req.Name); err != nil {
				return err
			}
			if !samePolicy(existing, policy) {
				return conflict("policy", req.Name)
			}
			created = existing
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		highest, err := tx.MaxRuleNumber(ctx)
		if err != nil {
			return err
		}
		policy.RuleNumber = highest + 1
		if err := tx.CreatePolicy(ctx, policy); err != nil {
			return err
		}
		for _, t := range tags {
			if err := tx.AddPolicyTag(ctx, policy.ID, t.ID); err != nil {
				return err
			}
		}

		if req.Before != "" || req.After != "" {
			if err := place(ctx, tx, policy.ID, req.Before, req.After); err != nil {
				return err
			}
		}

		created, err = tx.GetPolicy(ctx, policy.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("policy created", "policy", created.Name, "rule_number", created.RuleNumber)
	return created, nil
}

// samePolicy compares the fields that define a policy.
func samePolicy(a, b *domain.Policy) bool {
	if a.Repo != b.Repo || a.Task != b.Task || a.Broker != b.Broker ||
		a.HostnamePattern != b.HostnamePattern || a.RootPassword != b.RootPassword {
		return false
	}
	if !reflect.DeepEqual(a.MaxCount, b.MaxCount) {
		return false
	}
	fold := func(names []string) []string {
		out := make([]string, len(names))
		for i, n := range names {
			out[i] = foldName(n)
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(fold(a.Tags), fold(b.Tags))
}

// MovePolicy changes a policy's position in the rule order.
func (s *PolicyService) MovePolicy(ctx context.Context, req MovePolicyRequest) (*domain.Policy, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}

	var moved *domain.Policy
	err := withTx(ctx, s.store, func(tx storage.Transaction) error {
		policy, err := tx.GetPolicyByName(ctx, req.Name)
		if err != nil {
			return fmt.Errorf("policy %q: %w", req.Name, err)
		}
		if err := place(ctx, tx, policy.ID, req.Before, req.After); err != nil {
			return err
		}
		moved, err = tx.GetPolicy(ctx, policy.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("policy moved", "policy", moved.Name, "rule_number", moved.RuleNumber)
	return moved, nil
}

// place moves policy id directly before or after the named anchor and
// renumbers every policy.
func place(ctx context.Context, tx storage.Transaction, id int64, before, after string) error {
	anchorName, putBefore := after, false
	if before != "" {
		anchorName, putBefore = before, true
	}
	anchor, err := tx.GetPolicyByName(ctx, anchorName)
	if err != nil {
		return fmt.Errorf("policy %q: %w", anchorName, err)
	}
	if anchor.ID == id {
		return fmt.Errorf("a policy cannot be moved relative to itself: %w", domain.ErrInvalidInput)
	}

	policies, err := tx.ListPolicies(ctx)
	if err != nil {
		return err
	}
	order := make([]int64, 0, len(policies))
	for _, p := range policies {
		if p.ID != id {
			order = append(order, p.ID)
		}
	}
	at := slices.Index(order, anchor.ID)
	if !putBefore {
		at++
	}
	order = slices.Insert(order, at, id)
	return renumber(ctx, tx, order)
}

// renumber assigns rule numbers 1..n in order. Every row first moves to a
// negative number so no intermediate state repeats a rule number.
func renumber(ctx context.Context, tx storage.Transaction, order []int64) error {
	for i, id := range order {
		if err := tx.SetPolicyRuleNumber(ctx, id, -(i + 1)); err != nil {
			return err
		}
	}
	for i, id := range order {
		if err := tx.SetPolicyRuleNumber(ctx, id, i+1); err != nil {
			return err
		}
	}
	return nil
}

// EnablePolicy makes a policy eligible for binding.
func (s *PolicyService) EnablePolicy(ctx context.Context, req PolicyNameRequest) (*domain.Policy, error) {
	return s.setEnabled(ctx, req, true)
}

// DisablePolicy stops a policy from binding further nodes. Nodes already
// bound stay bound.
func (s *PolicyService) DisablePolicy(ctx context.Context, req PolicyNameRequest) (*domain.Policy, error) {
	return s.setEnabled(ctx, req, false)
}

func (s *PolicyService) setEnabled(ctx context.Context, req PolicyNameRequest, enabled bool) (*domain.Policy, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	policy, err := s.store.GetPolicyByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", req.Name, err)
	}
	if policy.Enabled == enabled {
		return policy, nil
	}
	policy.Enabled = enabled
	if err := s.store.UpdatePolicy(ctx, policy); err != nil {
		return nil, err
	}
	s.logger.Info("policy updated", "policy", policy.Name, "enabled", enabled)
	return policy, nil
}

// UpdatePolicyMaxCount changes a policy's capacity under the same lock
// binding takes, so no bind can slip past the new limit.
func (s *PolicyService) UpdatePolicyMaxCount(ctx context.Context, req UpdatePolicyMaxCountRequest) (*domain.Policy, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}

	var updated *domain.Policy
	err := withTx(ctx, s.store, func(tx storage.Transaction) error {
		policy, err := tx.GetPolicyByName(ctx, req.Name)
		if err != nil {
			return fmt.Errorf("policy %q: %w", req.Name, err)
		}
		if policy, err = tx.LockPolicy(ctx, policy.ID); err != nil {
			return err
		}
		if req.MaxCount != nil && !req.Force {
			count, err := tx.CountBoundNodes(ctx, policy.ID)
			if err != nil {
				return err
			}
			if count > *req.MaxCount {
				return fmt.Errorf("policy %q has %d bound nodes, more than %d; use force to override: %w",
					policy.Name, count, *req.MaxCount, domain.ErrConflict)
			}
		}
		policy.MaxCount = req.MaxCount
		if err := tx.UpdatePolicy(ctx, policy); err != nil {
			return err
		}
		updated = policy
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// AddPolicyTag adds a tag to a policy, creating the tag first when a rule
// is given and no such tag exists.
func (s *PolicyService) AddPolicyTag(ctx context.Context, req PolicyTagRequest) (*domain.Policy, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	policy, err := s.store.GetPolicyByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", req.Name, err)
	}

	tag, err := s.store.GetTagByName(ctx, req.Tag)
	switch {
	case errors.Is(err, domain.ErrNotFound) && len(req.Rule) > 0:
		if tag, err = s.CreateTag(ctx, CreateTagRequest{Name: req.Tag, Rule: req.Rule}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("tag %q: %w", req.Tag, err)
	case len(req.Rule) > 0 && !tag.Rule.Equal(domain.RawJSON(req.Rule)):
		return nil, conflict("tag", req.Tag)
	}

	if err := s.store.AddPolicyTag(ctx, policy.ID, tag.ID); err != nil {
		return nil, err
	}
	return s.store.GetPolicy(ctx, policy.ID)
}

// RemovePolicyTag removes a tag from a policy. Removing a tag the policy
// does not have is a no-op.
func (s *PolicyService) RemovePolicyTag(ctx context.Context, req PolicyTagRequest) (*domain.Policy, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	policy, err := s.store.GetPolicyByName(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", req.Name, err)
	}
	tag, err := s.store.GetTagByName(ctx, req.Tag)
	if err != nil {
		return nil, fmt.Errorf("tag %q: %w", req.Tag, err)
	}
	if err := s.store.RemovePolicyTag(ctx, policy.ID, tag.ID); err != nil {
		return nil, err
	}
	return s.store.GetPolicy(ctx, policy.ID)
}

// ============================================
// Repos and brokers
// ============================================

// CreateRepo creates a repo, or returns an identical existing one.
func (s *PolicyService) CreateRepo(ctx context.Context, req CreateRepoRequest) (*domain.Repo, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	existing, err := s.store.GetRepoByName(ctx, req.Name)
	switch {
	case err == nil:
		if err := sameName("repo", existing.Name, req.Name); err != nil {
			return nil, err
		}
		if existing.URL != req.URL || existing.ISOURL != req.ISOURL || existing.Task != req.Task {
			return nil, conflict("repo", req.Name)
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	repo := &domain.Repo{Name: req.Name, URL: req.URL, ISOURL: req.ISOURL, Task: req.Task}
	if err := s.store.CreateRepo(ctx, repo); err != nil {
		return nil, err
	}
	return repo, nil
}

// CreateBroker creates a broker, or returns an identical existing one.
func (s *PolicyService) CreateBroker(ctx context.Context, req CreateBrokerRequest) (*domain.Broker, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	if req.Configuration == nil {
		req.Configuration = domain.JSONObject{}
	}
	existing, err := s.store.GetBrokerByName(ctx, req.Name)
	switch {
	case err == nil:
		if err := sameName("broker", existing.Name, req.Name); err != nil {
			return nil, err
		}
		if existing.BrokerType != req.BrokerType || !reflect.DeepEqual(existing.Configuration, req.Configuration) {
			return nil, conflict("broker", req.Name)
		}
		return existing, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	broker := &domain.Broker{Name: req.Name, BrokerType: req.BrokerType, Configuration: req.Configuration}
	if err := s.store.CreateBroker(ctx, broker); err != nil {
		return nil, err
	}
	return broker, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/observability"
	"github.com/bcnelson/provisioner/internal/storage"
)

// Binder assigns nodes to policies.
type Binder struct {
	store    storage.Storage
	tags     *TagService
	notifier Notifier
	logger   *slog.Logger
}

// NewBinder creates a new Binder. A nil notifier discards events.
func NewBinder(store storage.Storage, tags *TagService, notifier Notifier, logger *slog.Logger) *Binder {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Binder{store: store, tags: tags, notifier: notifier, logger: logger}
}

// Bind assigns the node to the enabled policy with the lowest rule number
// whose tags the node carries and which has room for another node. It
// returns the policy, or nil if none is eligible; an unbound node is not an
// error. A node that is already bound keeps its policy.
func (b *Binder) Bind(ctx context.Context, nodeID int64) (*domain.Policy, error) {
	node, err := b.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.Bound {
		return b.store.GetPolicy(ctx, *node.PolicyID)
	}

	tags, err := b.tags.TagsFor(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("evaluating tags for %s: %w", node.Name(), err)
	}
	nodeTags := tagNames(tags)

	excluded := map[int64]bool{}
	for {
		candidate, err := b.selectCandidate(ctx, nodeTags, excluded)
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			observability.BindDecisions.WithLabelValues("unbound").Inc()
			b.logger.Debug("no eligible policy", "node", node.Name(), "tags", len(tags))
			return nil, nil
		}

		policy, bound, fired, err := b.assign(ctx, nodeID, candidate.ID, nodeTags)
		if err != nil {
			return nil, err
		}
		if policy == nil {
			// Lost the race for the last slot, or the policy changed since
			// it was selected.
			observability.BindDecisions.WithLabelValues("retried").Inc()
			excluded[candidate.ID] = true
			continue
		}

		if bound != nil {
			observability.BindDecisions.WithLabelValues("bound").Inc()
			b.logger.Info("node bound", "node", bound.Name(), "policy", policy.Name)
			if !fired {
				if err := b.notifier.Fire(ctx, domain.EventNodeBound, bound, policy); err != nil {
					return nil, fmt.Errorf("firing node_bound for %s: %w", bound.Name(), err)
				}
			}
		}
		return policy, nil
	}
}

// eligible applies every check except capacity.
func eligible(p *domain.Policy, nodeTags map[string]struct{}) bool {
	if !p.Enabled || len(p.Tags) == 0 {
		return false
	}
	for _, name := range p.Tags {
		if _, ok := nodeTags[foldName(name)]; !ok {
			return false
		}
	}
	return true
}

func (b *Binder) selectCandidate(ctx context.Context, nodeTags map[string]struct{}, excluded map[int64]bool) (*domain.Policy, error) {
	policies, err := b.store.ListPolicies(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range policies {
		if excluded[p.ID] || !eligible(p, nodeTags) {
			continue
		}
		count, err := b.store.CountBoundNodes(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if p.HasCapacity(count) {
			return p, nil
		}
	}
	return nil, nil
}

// assign locks the candidate, re-checks it and binds the node. It returns
// a nil policy when the candidate is no longer eligible. When the node was
// bound concurrently, it returns that policy and a nil node. fired reports
// whether node_bound was published inside the bind transaction.
func (b *Binder) assign(ctx context.Context, nodeID, policyID int64, nodeTags map[string]struct{}) (policy *domain.Policy, bound *domain.Node, fired bool, err error) {
	err = withTx(ctx, b.store, func(tx storage.Transaction) error {
		locked, err := tx.LockPolicy(ctx, policyID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("locking policy %d: %w", policyID, err)
		}

		node, err := tx.LockNode(ctx, nodeID)
		if err != nil {
			return err
		}
		if node.Bound {
			policy, err = tx.GetPolicy(ctx, *node.PolicyID)
			return err
		}

		if !eligible(locked, nodeTags) {
			return nil
		}
		count, err := tx.CountBoundNodes(ctx, locked.ID)
		if err != nil {
			return err
		}
		if !locked.HasCapacity(count) {
			return nil
		}

		id := locked.ID
		node.PolicyID = &id
		node.Bound = true
		node.BootCount = 0
		node.Hostname = locked.HostnameFor(node)
		node.RootPassword = locked.RootPassword
		if err := tx.UpdateNode(ctx, node); err != nil {
			return fmt.Errorf("binding %s: %w", node.Name(), err)
		}

		ev := nodeEvent(domain.SeverityInfo, node, domain.JSONObject{
			"msg":    "bound to policy",
			"action": "bind",
			"policy": locked.Name,
		})
		ev.PolicyID = &id
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		if tn, ok := b.notifier.(TxNotifier); ok {
			if err := tn.FireIn(ctx, tx, domain.EventNodeBound, node, locked); err != nil {
				return fmt.Errorf("firing node_bound for %s: %w", node.Name(), err)
			}
			fired = true
		}

		policy, bound = locked, node
		return nil
	})
	if err != nil {
		return nil, nil, false, err
	}
	return policy, bound, fired, nil
}

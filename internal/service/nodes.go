package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/ledger"
	"github.com/bcnelson/provisioner/internal/queue"
	"github.com/bcnelson/provisioner/internal/storage"
	"github.com/bcnelson/provisioner/internal/validation"
)

// Node operations delivered through the queue.
const (
	OpCheckin        = "checkin"
	OpBind           = "bind"
	OpReinstall      = "reinstall"
	OpDestroy        = "destroy"
	OpModifyMetadata = "modify_metadata"
)

// Checkin actions returned to the node.
const (
	ActionNone   = "none"
	ActionReboot = "reboot"
)

// ModifyNodeMetadataRequest changes a node's metadata. Clear removes every
// key and cannot be combined with Update or Remove.
type ModifyNodeMetadataRequest struct {
	Name   string            `json:"node" validate:"required"`
	Update map[string]string `json:"update"`
	Remove []string          `json:"remove"`
	Clear  bool              `json:"clear"`
}

// NodeNameRequest names a node.
type NodeNameRequest struct {
	Name string `json:"name" validate:"required"`
}

// IPMICredentialsRequest sets how a node's management controller is reached.
type IPMICredentialsRequest struct {
	Name         string `json:"name" validate:"required"`
	IPMIHostname string `json:"ipmi-hostname" validate:"required_with=IPMIUsername IPMIPassword"`
	IPMIUsername string `json:"ipmi-username"`
	IPMIPassword string `json:"ipmi-password"`
}

// DesiredPowerStateRequest sets the power state a node should be kept in.
// An empty state stops power management.
type DesiredPowerStateRequest struct {
	Name  string `json:"name" validate:"required"`
	State string `json:"to" validate:"omitempty,oneof=on off"`
}

// NodeService owns the node entity: check-in, binding, reinstall,
// deletion and metadata changes.
type NodeService struct {
	store    storage.Storage
	binder   *Binder
	notifier Notifier
	ledger   *ledger.Ledger
	queue    *queue.Queue
	nodes    queue.Entity[*domain.Node]
	logger   *slog.Logger

	Now func() time.Time
}

// NewNodeService creates a NodeService and registers the node entity and
// its operations with the queue's registry.
func NewNodeService(store storage.Storage, binder *Binder, notifier Notifier, l *ledger.Ledger, q *queue.Queue, logger *slog.Logger) *NodeService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	s := &NodeService{
		store:    store,
		binder:   binder,
		notifier: notifier,
		ledger:   l,
		queue:    q,
		logger:   logger,
		Now:      time.Now,
	}

	s.nodes = queue.Register(q.Registry(), "node", store.GetNode)
	queue.Handle1(s.nodes, OpCheckin, s.checkin)
	queue.Handle0(s.nodes, OpBind, s.bind)
	queue.Handle0(s.nodes, OpReinstall, s.reinstall)
	queue.Handle0(s.nodes, OpDestroy, s.destroy)
	queue.Handle3(s.nodes, OpModifyMetadata, s.modifyMetadata)
	return s
}

// ParseNodeName returns the id in a node name of the form node<id>.
func ParseNodeName(name string) (int64, error) {
	digits, ok := strings.CutPrefix(name, "node")
	if !ok || digits == "" {
		return 0, fmt.Errorf("invalid node name %q: %w", name, domain.ErrInvalidInput)
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid node name %q: %w", name, domain.ErrInvalidInput)
	}
	return id, nil
}

// GetNode returns a node by name.
func (s *NodeService) GetNode(ctx context.Context, name string) (*domain.Node, error) {
	id, err := ParseNodeName(name)
	if err != nil {
		return nil, err
	}
	node, err := s.store.GetNode(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", name, err)
	}
	return node, nil
}

// ListNodes returns every node.
func (s *NodeService) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	return s.store.ListNodes(ctx)
}

// NodeLog returns the node's events, oldest first.
func (s *NodeService) NodeLog(ctx context.Context, name string, limit int) ([]*domain.Event, error) {
	node, err := s.GetNode(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, domain.EventFilter{NodeID: &node.ID, Limit: limit})
}

// ============================================
// Check-in
// ============================================

// Checkin registers a node on first contact and queues evaluation of its
// facts. The returned action reflects the node's state before evaluation.
func (s *NodeService) Checkin(ctx context.Context, req domain.CheckinRequest) (*domain.CheckinResponse, error) {
	req.HWID = validation.NormalizeHWID(req.HWID)
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	var errs validation.ValidationErrors
	if err := validation.ValidateHWID(req.HWID); err != nil {
		errs.Add("hw_id", req.HWID, err.Error())
	}
	if err := validation.ValidateMACAddress(req.DHCPMAC); err != nil {
		errs.Add("dhcp_mac", req.DHCPMAC, err.Error())
	}
	if errs.HasErrors() {
		return nil, errs
	}

	node, err := s.register(ctx, req)
	if err != nil {
		return nil, err
	}

	facts := req.Facts
	if facts == nil {
		facts = map[string]string{}
	}
	cmd, err := s.submit(ctx, "checkin", domain.JSONObject{"node": node.Name()}, node.ID, OpCheckin, facts)
	if err != nil {
		return nil, err
	}

	action := ActionNone
	if node.Bound && node.Installed == "" {
		action = ActionReboot
	}
	return &domain.CheckinResponse{Node: node.Name(), Action: action, CommandID: cmd.ID}, nil
}

// register returns the node with the hardware id, creating it if needed.
func (s *NodeService) register(ctx context.Context, req domain.CheckinRequest) (*domain.Node, error) {
	node, err := s.store.GetNodeByHWID(ctx, req.HWID)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := s.Now().UTC()
	node = &domain.Node{
		HWID:        req.HWID,
		DHCPMAC:     strings.ToLower(req.DHCPMAC),
		Facts:       domain.StringMap(maps.Clone(req.Facts)),
		Metadata:    domain.StringMap{},
		LastCheckin: &now,
	}
	if node.Facts == nil {
		node.Facts = domain.StringMap{}
	}
	if err := s.store.CreateNode(ctx, node); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Another check-in for the same machine won.
			return s.store.GetNodeByHWID(ctx, req.HWID)
		}
		return nil, err
	}

	if err := s.store.AppendEvent(ctx, nodeEvent(domain.SeverityInfo, node, domain.JSONObject{
		"msg":   "node registered",
		"hw_id": node.HWID,
	})); err != nil {
		return nil, err
	}
	s.logger.Info("node registered", "node", node.Name(), "hw_id", node.HWID)
	if err := s.notifier.Fire(ctx, domain.EventNodeRegistered, node, nil); err != nil {
		s.logger.Error("failed to fire node_registered", "node", node.Name(), "error", err)
	}
	return node, nil
}

// checkin replaces the node's facts and tries to bind it.
func (s *NodeService) checkin(ctx context.Context, node *domain.Node, facts map[string]string) error {
	_, err := s.mutate(ctx, node.ID, func(n *domain.Node) domain.JSONObject {
		now := s.Now().UTC()
		n.LastCheckin = &now
		if maps.Equal(n.Facts, facts) {
			return nil
		}
		n.Facts = domain.StringMap(maps.Clone(facts))
		return domain.JSONObject{"msg": "facts changed", "facts": len(facts)}
	})
	if err != nil {
		return err
	}
	_, err = s.binder.Bind(ctx, node.ID)
	return err
}

func (s *NodeService) bind(ctx context.Context, node *domain.Node) error {
	_, err := s.binder.Bind(ctx, node.ID)
	return err
}

// mutate applies fn to the locked node and saves it with the event fn
// returns, if any.
func (s *NodeService) mutate(ctx context.Context, id int64, fn func(n *domain.Node) domain.JSONObject) (*domain.Node, error) {
	var updated *domain.Node
	err := withTx(ctx, s.store, func(tx storage.Transaction) error {
		node, err := tx.LockNode(ctx, id)
		if err != nil {
			return err
		}
		entry := fn(node)
		if err := tx.UpdateNode(ctx, node); err != nil {
			return err
		}
		if entry != nil {
			if err := tx.AppendEvent(ctx, nodeEvent(domain.SeverityInfo, node, entry)); err != nil {
				return err
			}
		}
		updated = node
		return nil
	})
	return updated, err
}

// ============================================
// Reinstall and delete
// ============================================

// ReinstallNode queues a reinstall of the named node.
func (s *NodeService) ReinstallNode(ctx context.Context, req NodeNameRequest) (*domain.Command, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	node, err := s.GetNode(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, "reinstall-node", domain.JSONObject{"name": node.Name()}, node.ID, OpReinstall)
}

// reinstall unbinds the node so that its next check-in binds it afresh.
func (s *NodeService) reinstall(ctx context.Context, node *domain.Node) error {
	var previous *domain.Policy
	var policyID *int64
	updated, err := s.mutate(ctx, node.ID, func(n *domain.Node) domain.JSONObject {
		policyID = n.PolicyID
		n.Unbind()
		return domain.JSONObject{"msg": "node reinstalled", "action": "reinstall"}
	})
	if err != nil {
		return err
	}
	if policyID != nil {
		previous, err = s.store.GetPolicy(ctx, *policyID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	s.logger.Info("node reinstalled", "node", updated.Name())
	if err := s.notifier.Fire(ctx, domain.EventNodeReinstall, updated, previous); err != nil {
		return fmt.Errorf("firing %s: %w", domain.EventNodeReinstall, err)
	}
	return nil
}

// DeleteNode queues deletion of the named node.
func (s *NodeService) DeleteNode(ctx context.Context, req NodeNameRequest) (*domain.Command, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	node, err := s.GetNode(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return s.submit(ctx, "delete-node", domain.JSONObject{"name": node.Name()}, node.ID, OpDestroy)
}

// destroy hands a final snapshot to the hooks, then deletes the node.
func (s *NodeService) destroy(ctx context.Context, node *domain.Node) error {
	var policy *domain.Policy
	if node.PolicyID != nil {
		p, err := s.store.GetPolicy(ctx, *node.PolicyID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		policy = p
	}
	if err := s.notifier.Fire(ctx, domain.EventNodeDeleted, node, policy); err != nil {
		return fmt.Errorf("firing %s: %w", domain.EventNodeDeleted, err)
	}
	if err := s.store.DeleteNode(ctx, node.ID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	s.logger.Info("node deleted", "node", node.Name())
	return nil
}

// ============================================
// Metadata
// ============================================

// ModifyNodeMetadata queues a metadata change.
func (s *NodeService) ModifyNodeMetadata(ctx context.Context, req ModifyNodeMetadataRequest) (*domain.Command, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	var errs validation.ValidationErrors
	if req.Clear && (len(req.Update) > 0 || len(req.Remove) > 0) {
		errs.Add("clear", "true", "cannot be combined with update or remove")
	}
	if !req.Clear && len(req.Update) == 0 && len(req.Remove) == 0 {
		errs.Add("update", "", "one of update, remove or clear is required")
	}
	if errs.HasErrors() {
		return nil, errs
	}

	node, err := s.GetNode(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	update := req.Update
	if update == nil {
		update = map[string]string{}
	}
	remove := req.Remove
	if remove == nil {
		remove = []string{}
	}
	params := domain.JSONObject{"node": node.Name(), "clear": req.Clear}
	return s.submit(ctx, "modify-node-metadata", params, node.ID, OpModifyMetadata, update, remove, req.Clear)
}

// modifyMetadata applies a metadata change and re-runs binding, since tag
// rules may look at metadata.
func (s *NodeService) modifyMetadata(ctx context.Context, node *domain.Node, update map[string]string, remove []string, clearAll bool) error {
	_, err := s.mutate(ctx, node.ID, func(n *domain.Node) domain.JSONObject {
		n.Metadata = ApplyMetadata(n.Metadata, update, remove, clearAll)
		return domain.JSONObject{"msg": "metadata changed", "action": "modify_metadata"}
	})
	if err != nil {
		return err
	}
	_, err = s.binder.Bind(ctx, node.ID)
	return err
}

// ApplyMetadata returns current with keys removed (or all of them when
// clearAll is set) and then update applied.
func ApplyMetadata(current domain.StringMap, update map[string]string, remove []string, clearAll bool) domain.StringMap {
	out := domain.StringMap{}
	if !clearAll {
		maps.Copy(out, current)
	}
	for _, k := range remove {
		delete(out, k)
	}
	maps.Copy(out, update)
	return out
}

// ============================================
// Synchronous node settings
// ============================================

// SetIPMICredentials stores the node's IPMI connection details.
func (s *NodeService) SetIPMICredentials(ctx context.Context, req IPMICredentialsRequest) (*domain.Node, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	node, err := s.GetNode(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, node.ID, func(n *domain.Node) domain.JSONObject {
		n.IPMIHostname = req.IPMIHostname
		n.IPMIUsername = req.IPMIUsername
		n.IPMIPassword = req.IPMIPassword
		return domain.JSONObject{"msg": "ipmi credentials updated", "ipmi_hostname": req.IPMIHostname}
	})
}

// SetDesiredPowerState records the power state the node should be in.
func (s *NodeService) SetDesiredPowerState(ctx context.Context, req DesiredPowerStateRequest) (*domain.Node, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	node, err := s.GetNode(ctx, req.Name)
	if err != nil {
		return nil, err
	}
	return s.mutate(ctx, node.ID, func(n *domain.Node) domain.JSONObject {
		n.DesiredPowerState = req.State
		return domain.JSONObject{"msg": "desired power state set", "state": req.State}
	})
}

// submit records a command and queues the operation that carries it out.
func (s *NodeService) submit(ctx context.Context, name string, params domain.JSONObject, nodeID int64, op string, args ...any) (*domain.Command, error) {
	cmd, err := s.ledger.Submit(ctx, name, params)
	if err != nil {
		return nil, err
	}
	if _, err := s.queue.Publish(ctx, s.nodes.Ref(nodeID), op, &cmd.ID, args...); err != nil {
		if ferr := s.ledger.Fail(ctx, cmd.ID); ferr != nil {
			s.logger.Error("failed to mark command failed", "command_id", cmd.ID, "error", ferr)
		}
		return nil, err
	}
	return cmd, nil
}

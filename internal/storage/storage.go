package storage

import (
	"context"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
)

// Storage defines the interface for the storage layer.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Close closes the storage connection.
	Close() error

	// Tags. Names are compared case-insensitively.
	CreateTag(ctx context.Context, tag *domain.Tag) error
	GetTag(ctx context.Context, id int64) (*domain.Tag, error)
	GetTagByName(ctx context.Context, name string) (*domain.Tag, error)
	ListTags(ctx context.Context) ([]*domain.Tag, error)
	UpdateTag(ctx context.Context, tag *domain.Tag) error
	DeleteTag(ctx context.Context, id int64) error
	CountPoliciesForTag(ctx context.Context, tagID int64) (int, error)

	// Policies. ListPolicies returns policies ordered by rule number with
	// their tag names filled in.
	CreatePolicy(ctx context.Context, policy *domain.Policy) error
	GetPolicy(ctx context.Context, id int64) (*domain.Policy, error)
	GetPolicyByName(ctx context.Context, name string) (*domain.Policy, error)
	ListPolicies(ctx context.Context) ([]*domain.Policy, error)
	UpdatePolicy(ctx context.Context, policy *domain.Policy) error
	SetPolicyRuleNumber(ctx context.Context, id int64, ruleNumber int) error
	MaxRuleNumber(ctx context.Context) (int, error)
	AddPolicyTag(ctx context.Context, policyID, tagID int64) error
	RemovePolicyTag(ctx context.Context, policyID, tagID int64) error
	CountBoundNodes(ctx context.Context, policyID int64) (int, error)

	// LockPolicy takes an exclusive lock on the policy row that is held
	// until the enclosing transaction ends. It blocks while another
	// transaction holds the lock.
	LockPolicy(ctx context.Context, id int64) (*domain.Policy, error)

	// Repos and brokers
	CreateRepo(ctx context.Context, repo *domain.Repo) error
	GetRepoByName(ctx context.Context, name string) (*domain.Repo, error)
	CreateBroker(ctx context.Context, broker *domain.Broker) error
	GetBrokerByName(ctx context.Context, name string) (*domain.Broker, error)

	// Nodes
	CreateNode(ctx context.Context, node *domain.Node) error
	GetNode(ctx context.Context, id int64) (*domain.Node, error)
	GetNodeByHWID(ctx context.Context, hwID string) (*domain.Node, error)
	ListNodes(ctx context.Context) ([]*domain.Node, error)
	UpdateNode(ctx context.Context, node *domain.Node) error
	DeleteNode(ctx context.Context, id int64) error
	// LockNode locks the node row until the enclosing transaction ends.
	// Transactions that lock both a policy and a node lock the policy first.
	LockNode(ctx context.Context, id int64) (*domain.Node, error)

	// Commands
	CreateCommand(ctx context.Context, cmd *domain.Command) error
	GetCommand(ctx context.Context, id int64) (*domain.Command, error)
	UpdateCommand(ctx context.Context, cmd *domain.Command) error
	// LockCommand locks the command row until the enclosing transaction ends.
	LockCommand(ctx context.Context, id int64) (*domain.Command, error)

	// Events
	AppendEvent(ctx context.Context, event *domain.Event) error
	ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error)

	// Hooks
	CreateHook(ctx context.Context, hook *domain.Hook) error
	GetHook(ctx context.Context, id int64) (*domain.Hook, error)
	GetHookByName(ctx context.Context, name string) (*domain.Hook, error)
	ListHooks(ctx context.Context) ([]*domain.Hook, error)
	UpdateHook(ctx context.Context, hook *domain.Hook) error
	DeleteHook(ctx context.Context, id int64) error

	// TryLockHook locks the hook row for the rest of the transaction, or
	// returns domain.ErrLocked immediately if another transaction holds it.
	TryLockHook(ctx context.Context, id int64) (*domain.Hook, error)
	// AcquireHookLease marks the hook as running until until. It returns
	// domain.ErrLocked without waiting while an unexpired lease is held.
	// The lease outlives the call; ReleaseHookLease ends it.
	AcquireHookLease(ctx context.Context, id int64, now, until time.Time) (*domain.Hook, error)
	ReleaseHookLease(ctx context.Context, id int64) error

	// Durable messages
	EnqueueMessage(ctx context.Context, msg *domain.QueuedMessage) error
	// ClaimMessage leases the oldest due message until leaseUntil. Messages
	// whose lease expired before now are due again. Returns
	// domain.ErrNotFound when nothing is due.
	ClaimMessage(ctx context.Context, now, leaseUntil time.Time) (*domain.QueuedMessage, error)
	RescheduleMessage(ctx context.Context, id string, payload []byte, runAt time.Time) error
	CompleteMessage(ctx context.Context, id string) error
	DeadLetterMessage(ctx context.Context, id string, payload []byte, reason string, at time.Time) error
	ListDeadMessages(ctx context.Context) ([]*domain.DeadMessage, error)

	// Transaction support
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction.
type Transaction interface {
	Storage
	Commit() error
	Rollback() error
}

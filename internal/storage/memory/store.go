package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/storage"
)

var (
	_ storage.Storage     = (*Store)(nil)
	_ storage.Transaction = (*Tx)(nil)
)

// Store is an in-memory implementation of the storage interface for testing.
//
// Writes made through a Tx are visible immediately and are not undone by
// Rollback. Policy, node, command and hook locks are real: they are held by the Tx until
// Commit or Rollback.
type Store struct {
	mu sync.RWMutex

	seq        int64
	tags       map[int64]*domain.Tag
	policies   map[int64]*domain.Policy
	policyTags map[int64]map[int64]bool // policy id -> tag ids
	repos      map[int64]*domain.Repo
	brokers    map[int64]*domain.Broker
	nodes      map[int64]*domain.Node
	commands   map[int64]*domain.Command
	hooks      map[int64]*domain.Hook
	events     []*domain.Event
	messages   map[string]*domain.QueuedMessage
	dead       []*domain.DeadMessage

	lockMu      sync.Mutex
	policyLocks map[int64]chan struct{}
	nodeLocks   map[int64]chan struct{}
	hookLocks   map[int64]chan struct{}
	cmdLocks    map[int64]chan struct{}
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		tags:        make(map[int64]*domain.Tag),
		policies:    make(map[int64]*domain.Policy),
		policyTags:  make(map[int64]map[int64]bool),
		repos:       make(map[int64]*domain.Repo),
		brokers:     make(map[int64]*domain.Broker),
		nodes:       make(map[int64]*domain.Node),
		commands:    make(map[int64]*domain.Command),
		hooks:       make(map[int64]*domain.Hook),
		messages:    make(map[string]*domain.QueuedMessage),
		policyLocks: make(map[int64]chan struct{}),
		nodeLocks:   make(map[int64]chan struct{}),
		hookLocks:   make(map[int64]chan struct{}),
		cmdLocks:    make(map[int64]chan struct{}),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return &Tx{Store: s}, nil
}

// nextID must be called with mu held.
func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func now(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func sameName(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Tx forwards reads and writes to the store and owns the locks it takes.
type Tx struct {
	*Store

	held []chan struct{}
	done bool
}

func (t *Tx) Commit() error   { t.release(); return nil }
func (t *Tx) Rollback() error { t.release(); return nil }
func (t *Tx) BeginTx(ctx context.Context) (storage.Transaction, error) {
	return nil, domain.ErrInvalidInput
}

func (t *Tx) release() {
	if t.done {
		return
	}
	t.done = true
	for _, ch := range t.held {
		<-ch
	}
	t.held = nil
}

func (t *Tx) holds(ch chan struct{}) bool {
	for _, h := range t.held {
		if h == ch {
			return true
		}
	}
	return false
}

func (s *Store) lockFor(locks map[int64]chan struct{}, id int64) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		locks[id] = ch
	}
	return ch
}

func (t *Tx) acquire(ctx context.Context, ch chan struct{}) error {
	if t.holds(ch) {
		return nil
	}
	select {
	case ch <- struct{}{}:
		t.held = append(t.held, ch)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LockPolicy blocks until the policy lock is free or ctx is done.
func (t *Tx) LockPolicy(ctx context.Context, id int64) (*domain.Policy, error) {
	if _, err := t.GetPolicy(ctx, id); err != nil {
		return nil, err
	}
	if err := t.acquire(ctx, t.lockFor(t.policyLocks, id)); err != nil {
		return nil, err
	}
	return t.GetPolicy(ctx, id)
}

// LockNode blocks until the node lock is free or ctx is done.
func (t *Tx) LockNode(ctx context.Context, id int64) (*domain.Node, error) {
	if _, err := t.GetNode(ctx, id); err != nil {
		return nil, err
	}
	if err := t.acquire(ctx, t.lockFor(t.nodeLocks, id)); err != nil {
		return nil, err
	}
	return t.GetNode(ctx, id)
}

// LockCommand blocks until the command lock is free or ctx is done.
func (t *Tx) LockCommand(ctx context.Context, id int64) (*domain.Command, error) {
	if _, err := t.GetCommand(ctx, id); err != nil {
		return nil, err
	}
	if err := t.acquire(ctx, t.lockFor(t.cmdLocks, id)); err != nil {
		return nil, err
	}
	return t.GetCommand(ctx, id)
}

// TryLockHook returns domain.ErrLocked if another transaction holds the hook.
func (t *Tx) TryLockHook(ctx context.Context, id int64) (*domain.Hook, error) {
	if _, err := t.GetHook(ctx, id); err != nil {
		return nil, err
	}
	ch := t.lockFor(t.hookLocks, id)
	if !t.holds(ch) {
		select {
		case ch <- struct{}{}:
			t.held = append(t.held, ch)
		default:
			return nil, domain.ErrLocked
		}
	}
	return t.GetHook(ctx, id)
}

func (s *Store) LockPolicy(ctx context.Context, id int64) (*domain.Policy, error) {
	return s.GetPolicy(ctx, id)
}

func (s *Store) LockNode(ctx context.Context, id int64) (*domain.Node, error) {
	return s.GetNode(ctx, id)
}

func (s *Store) LockCommand(ctx context.Context, id int64) (*domain.Command, error) {
	return s.GetCommand(ctx, id)
}

func (s *Store) TryLockHook(ctx context.Context, id int64) (*domain.Hook, error) {
	return nil, fmt.Errorf("hook locks require a transaction")
}

// AcquireHookLease fails with domain.ErrLocked while the hook row is locked
// or an unexpired lease is held.
func (s *Store) AcquireHookLease(ctx context.Context, id int64, now, until time.Time) (*domain.Hook, error) {
	ch := s.lockFor(s.hookLocks, id)
	select {
	case ch <- struct{}{}:
		defer func() { <-ch }()
	default:
		return nil, domain.ErrLocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if h.Running(now) {
		return nil, domain.ErrLocked
	}
	until = until.UTC()
	h.RunningUntil = &until
	return h.Clone(), nil
}

func (s *Store) ReleaseHookLease(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		return domain.ErrNotFound
	}
	h.RunningUntil = nil
	return nil
}

// Tag operations

func (s *Store) CreateTag(ctx context.Context, tag *domain.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tags {
		if sameName(t.Name, tag.Name) {
			return domain.ErrAlreadyExists
		}
	}
	tag.ID = s.nextID()
	tag.CreatedAt = now(tag.CreatedAt)
	s.tags[tag.ID] = tag.Clone()
	return nil
}

func (s *Store) GetTag(ctx context.Context, id int64) (*domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tags[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) GetTagByName(ctx context.Context, name string) (*domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tags {
		if sameName(t.Name, name) {
			return t.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListTags(ctx context.Context) ([]*domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tags := make([]*domain.Tag, 0, len(s.tags))
	for _, t := range s.tags {
		tags = append(tags, t.Clone())
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	return tags, nil
}

func (s *Store) UpdateTag(ctx context.Context, tag *domain.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[tag.ID]; !ok {
		return domain.ErrNotFound
	}
	for id, t := range s.tags {
		if id != tag.ID && sameName(t.Name, tag.Name) {
			return domain.ErrAlreadyExists
		}
	}
	s.tags[tag.ID] = tag.Clone()
	return nil
}

func (s *Store) DeleteTag(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.tags, id)
	for _, tagIDs := range s.policyTags {
		delete(tagIDs, id)
	}
	return nil
}

func (s *Store) CountPoliciesForTag(ctx context.Context, tagID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, tagIDs := range s.policyTags {
		if tagIDs[tagID] {
			count++
		}
	}
	return count, nil
}

// Policy operations

// policyCopy must be called with mu held.
func (s *Store) policyCopy(p *domain.Policy) *domain.Policy {
	c := p.Clone()
	c.Tags = []string{}
	ids := make([]int64, 0, len(s.policyTags[p.ID]))
	for id := range s.policyTags[p.ID] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if t, ok := s.tags[id]; ok {
			c.Tags = append(c.Tags, t.Name)
		}
	}
	return c
}

func (s *Store) CreatePolicy(ctx context.Context, policy *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.policies {
		if sameName(p.Name, policy.Name) {
			return domain.ErrAlreadyExists
		}
	}
	policy.ID = s.nextID()
	policy.CreatedAt = now(policy.CreatedAt)
	if policy.MatchTags == "" {
		policy.MatchTags = domain.MatchAllOf
	}
	stored := policy.Clone()
	stored.Tags = nil
	s.policies[policy.ID] = stored
	s.policyTags[policy.ID] = make(map[int64]bool)
	return nil
}

func (s *Store) GetPolicy(ctx context.Context, id int64) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.policyCopy(p), nil
}

func (s *Store) GetPolicyByName(ctx context.Context, name string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if sameName(p.Name, name) {
			return s.policyCopy(p), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policies := make([]*domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		policies = append(policies, s.policyCopy(p))
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].RuleNumber < policies[j].RuleNumber })
	return policies, nil
}

func (s *Store) UpdatePolicy(ctx context.Context, policy *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.policies[policy.ID]
	if !ok {
		return domain.ErrNotFound
	}
	for id, p := range s.policies {
		if id != policy.ID && sameName(p.Name, policy.Name) {
			return domain.ErrAlreadyExists
		}
	}
	stored := policy.Clone()
	stored.Tags = nil
	stored.RuleNumber = existing.RuleNumber
	stored.CreatedAt = existing.CreatedAt
	s.policies[policy.ID] = stored
	return nil
}

// SetPolicyRuleNumber does not check uniqueness; intermediate duplicates are
// allowed while a transaction renumbers policies.
func (s *Store) SetPolicyRuleNumber(ctx context.Context, id int64, ruleNumber int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	if !ok {
		return domain.ErrNotFound
	}
	p.RuleNumber = ruleNumber
	return nil
}

func (s *Store) MaxRuleNumber(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	highest := 0
	for _, p := range s.policies {
		if p.RuleNumber > highest {
			highest = p.RuleNumber
		}
	}
	return highest, nil
}

func (s *Store) AddPolicyTag(ctx context.Context, policyID, tagID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policyID]; !ok {
		return domain.ErrNotFound
	}
	if _, ok := s.tags[tagID]; !ok {
		return domain.ErrNotFound
	}
	s.policyTags[policyID][tagID] = true
	return nil
}

func (s *Store) RemovePolicyTag(ctx context.Context, policyID, tagID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tagIDs, ok := s.policyTags[policyID]; ok {
		delete(tagIDs, tagID)
	}
	return nil
}

func (s *Store) CountBoundNodes(ctx context.Context, policyID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.nodes {
		if n.Bound && n.PolicyID != nil && *n.PolicyID == policyID {
			count++
		}
	}
	return count, nil
}

// Repo and broker operations

func (s *Store) CreateRepo(ctx context.Context, repo *domain.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.repos {
		if sameName(r.Name, repo.Name) {
			return domain.ErrAlreadyExists
		}
	}
	repo.ID = s.nextID()
	repo.CreatedAt = now(repo.CreatedAt)
	c := *repo
	s.repos[repo.ID] = &c
	return nil
}

func (s *Store) GetRepoByName(ctx context.Context, name string) (*domain.Repo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.repos {
		if sameName(r.Name, name) {
			c := *r
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) CreateBroker(ctx context.Context, broker *domain.Broker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.brokers {
		if sameName(b.Name, broker.Name) {
			return domain.ErrAlreadyExists
		}
	}
	broker.ID = s.nextID()
	broker.CreatedAt = now(broker.CreatedAt)
	c := *broker
	c.Configuration = broker.Configuration.Clone()
	s.brokers[broker.ID] = &c
	return nil
}

func (s *Store) GetBrokerByName(ctx context.Context, name string) (*domain.Broker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.brokers {
		if sameName(b.Name, name) {
			c := *b
			c.Configuration = b.Configuration.Clone()
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

// Node operations

func (s *Store) CreateNode(ctx context.Context, node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.HWID == node.HWID {
			return domain.ErrAlreadyExists
		}
	}
	node.ID = s.nextID()
	node.CreatedAt = now(node.CreatedAt)
	s.nodes[node.ID] = node.Clone()
	return nil
}

func (s *Store) GetNode(ctx context.Context, id int64) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n.Clone(), nil
}

func (s *Store) GetNodeByHWID(ctx context.Context, hwID string) (*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.nodes {
		if n.HWID == hwID {
			return n.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nodes := make([]*domain.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, n.Clone())
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *Store) UpdateNode(ctx context.Context, node *domain.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.nodes[node.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored := node.Clone()
	stored.HWID = existing.HWID
	stored.CreatedAt = existing.CreatedAt
	s.nodes[node.ID] = stored
	return nil
}

func (s *Store) DeleteNode(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.nodes, id)
	return nil
}

// Command operations

func (s *Store) CreateCommand(ctx context.Context, cmd *domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd.ID = s.nextID()
	cmd.SubmittedAt = now(cmd.SubmittedAt)
	if cmd.Status == "" {
		cmd.Status = domain.CommandPending
	}
	s.commands[cmd.ID] = cmd.Clone()
	return nil
}

func (s *Store) GetCommand(ctx context.Context, id int64) (*domain.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) UpdateCommand(ctx context.Context, cmd *domain.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.commands[cmd.ID]
	if !ok {
		return domain.ErrNotFound
	}
	stored := existing.Clone()
	updated := cmd.Clone()
	stored.Status = updated.Status
	stored.Errors = updated.Errors
	stored.FinishedAt = updated.FinishedAt
	s.commands[cmd.ID] = stored
	return nil
}

// Event operations

func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextID()
	event.Timestamp = now(event.Timestamp)
	if event.Severity == "" {
		event.Severity = domain.SeverityInfo
	}
	c := *event
	c.Entry = event.Entry.Clone()
	s.events = append(s.events, &c)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f domain.EventFilter) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	match := func(want, got *int64) bool {
		return want == nil || (got != nil && *got == *want)
	}
	var events []*domain.Event
	for _, e := range s.events {
		if !match(f.NodeID, e.NodeID) || !match(f.PolicyID, e.PolicyID) ||
			!match(f.HookID, e.HookID) || !match(f.CommandID, e.CommandID) {
			continue
		}
		c := *e
		c.Entry = e.Entry.Clone()
		events = append(events, &c)
		if f.Limit > 0 && len(events) == f.Limit {
			break
		}
	}
	return events, nil
}

// Hook operations

func (s *Store) CreateHook(ctx context.Context, hook *domain.Hook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.hooks {
		if sameName(h.Name, hook.Name) {
			return domain.ErrAlreadyExists
		}
	}
	hook.ID = s.nextID()
	hook.CreatedAt = now(hook.CreatedAt)
	s.hooks[hook.ID] = hook.Clone()
	return nil
}

func (s *Store) GetHook(ctx context.Context, id int64) (*domain.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hooks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return h.Clone(), nil
}

func (s *Store) GetHookByName(ctx context.Context, name string) (*domain.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.hooks {
		if sameName(h.Name, name) {
			return h.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *Store) ListHooks(ctx context.Context) ([]*domain.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hooks := make([]*domain.Hook, 0, len(s.hooks))
	for _, h := range s.hooks {
		hooks = append(hooks, h.Clone())
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].ID < hooks[j].ID })
	return hooks, nil
}

func (s *Store) UpdateHook(ctx context.Context, hook *domain.Hook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.hooks[hook.ID]
	if !ok {
		return domain.ErrNotFound
	}
	for id, h := range s.hooks {
		if id != hook.ID && sameName(h.Name, hook.Name) {
			return domain.ErrAlreadyExists
		}
	}
	stored := hook.Clone()
	stored.HookType = existing.HookType
	stored.CreatedAt = existing.CreatedAt
	stored.RunningUntil = existing.RunningUntil
	s.hooks[hook.ID] = stored
	return nil
}

func (s *Store) DeleteHook(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hooks[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.hooks, id)
	return nil
}

// Message operations

func copyMessage(m *domain.QueuedMessage) *domain.QueuedMessage {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	if m.LeaseUntil != nil {
		t := *m.LeaseUntil
		c.LeaseUntil = &t
	}
	return &c
}

func (s *Store) EnqueueMessage(ctx context.Context, msg *domain.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; ok {
		return domain.ErrAlreadyExists
	}
	msg.CreatedAt = now(msg.CreatedAt)
	msg.RunAt = now(msg.RunAt)
	msg.LeaseUntil = nil
	s.messages[msg.ID] = copyMessage(msg)
	return nil
}

func (s *Store) ClaimMessage(ctx context.Context, at, leaseUntil time.Time) (*domain.QueuedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *domain.QueuedMessage
	for _, m := range s.messages {
		if m.RunAt.After(at) {
			continue
		}
		if m.LeaseUntil != nil && !m.LeaseUntil.Before(at) {
			continue
		}
		if next == nil || m.RunAt.Before(next.RunAt) ||
			(m.RunAt.Equal(next.RunAt) && m.CreatedAt.Before(next.CreatedAt)) {
			next = m
		}
	}
	if next == nil {
		return nil, domain.ErrNotFound
	}
	lease := leaseUntil
	next.LeaseUntil = &lease
	return copyMessage(next), nil
}

func (s *Store) RescheduleMessage(ctx context.Context, id string, payload []byte, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.Payload = append([]byte(nil), payload...)
	m.RunAt = runAt
	m.LeaseUntil = nil
	return nil
}

func (s *Store) CompleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.messages, id)
	return nil
}

func (s *Store) DeadLetterMessage(ctx context.Context, id string, payload []byte, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, id)
	s.dead = append(s.dead, &domain.DeadMessage{
		ID:      id,
		Payload: append([]byte(nil), payload...),
		Reason:  reason,
		DeadAt:  at,
	})
	return nil
}

func (s *Store) ListDeadMessages(ctx context.Context) ([]*domain.DeadMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.DeadMessage, len(s.dead))
	for i, d := range s.dead {
		c := *d
		c.Payload = append([]byte(nil), d.Payload...)
		out[i] = &c
	}
	return out, nil
}

// PendingMessages returns the number of queued messages. Test helper.
func (s *Store) PendingMessages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

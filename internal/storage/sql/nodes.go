package sql

import (
	"context"
	"strconv"
	"strings"

	"github.com/bcnelson/provisioner/internal/domain"
)

// ============================================
// Nodes
// ============================================

const nodeColumns = `id, hw_id, dhcp_mac, facts, metadata, policy_id, bound, installed, installed_at,
	boot_count, hostname, root_password, ipmi_hostname, ipmi_username, ipmi_password,
	desired_power_state, last_known_power_state, last_checkin, created_at`

func createNode(ctx context.Context, db dbInterface, n *domain.Node) error {
	n.CreatedAt = nowIfZero(n.CreatedAt)
	err := db.GetContext(ctx, &n.ID,
		`INSERT INTO nodes (hw_id, dhcp_mac, facts, metadata, policy_id, bound, installed, installed_at,
			boot_count, hostname, root_password, ipmi_hostname, ipmi_username, ipmi_password,
			desired_power_state, last_known_power_state, last_checkin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING id`,
		n.HWID, n.DHCPMAC, n.Facts, n.Metadata, n.PolicyID, n.Bound, n.Installed, n.InstalledAt,
		n.BootCount, n.Hostname, n.RootPassword, n.IPMIHostname, n.IPMIUsername, n.IPMIPassword,
		n.DesiredPowerState, n.LastKnownPowerState, n.LastCheckin, n.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreateNode(ctx context.Context, node *domain.Node) error {
	return createNode(ctx, s.db, node)
}

func (t *Tx) CreateNode(ctx context.Context, node *domain.Node) error {
	return createNode(ctx, t.tx, node)
}

func getNodeWhere(ctx context.Context, db dbInterface, where string, arg any) (*domain.Node, error) {
	var n domain.Node
	if err := db.GetContext(ctx, &n, `SELECT `+nodeColumns+` FROM nodes WHERE `+where, arg); err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (s *Store) GetNode(ctx context.Context, id int64) (*domain.Node, error) {
	return getNodeWhere(ctx, s.db, `id = $1`, id)
}

func (t *Tx) GetNode(ctx context.Context, id int64) (*domain.Node, error) {
	return getNodeWhere(ctx, t.tx, `id = $1`, id)
}

// LockNode outside a transaction only reads the row.
func (s *Store) LockNode(ctx context.Context, id int64) (*domain.Node, error) {
	return s.GetNode(ctx, id)
}

func (t *Tx) LockNode(ctx context.Context, id int64) (*domain.Node, error) {
	if t.driver == DriverSQLite {
		result, err := t.tx.ExecContext(ctx, `UPDATE nodes SET id = id WHERE id = $1`, id)
		if err := checkAffected(result, err); err != nil {
			return nil, err
		}
		return getNodeWhere(ctx, t.tx, `id = $1`, id)
	}
	return getNodeWhere(ctx, t.tx, `id = $1 FOR UPDATE`, id)
}

func (s *Store) GetNodeByHWID(ctx context.Context, hwID string) (*domain.Node, error) {
	return getNodeWhere(ctx, s.db, `hw_id = $1`, hwID)
}

func (t *Tx) GetNodeByHWID(ctx context.Context, hwID string) (*domain.Node, error) {
	return getNodeWhere(ctx, t.tx, `hw_id = $1`, hwID)
}

func listNodes(ctx context.Context, db dbInterface) ([]*domain.Node, error) {
	var nodes []*domain.Node
	if err := db.SelectContext(ctx, &nodes, `SELECT `+nodeColumns+` FROM nodes ORDER BY id`); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	return listNodes(ctx, s.db)
}

func (t *Tx) ListNodes(ctx context.Context) ([]*domain.Node, error) {
	return listNodes(ctx, t.tx)
}

func updateNode(ctx context.Context, db dbInterface, n *domain.Node) error {
	result, err := db.ExecContext(ctx,
		`UPDATE nodes SET dhcp_mac = $1, facts = $2, metadata = $3, policy_id = $4, bound = $5,
			installed = $6, installed_at = $7, boot_count = $8, hostname = $9, root_password = $10,
			ipmi_hostname = $11, ipmi_username = $12, ipmi_password = $13,
			desired_power_state = $14, last_known_power_state = $15, last_checkin = $16
		 WHERE id = $17`,
		n.DHCPMAC, n.Facts, n.Metadata, n.PolicyID, n.Bound,
		n.Installed, n.InstalledAt, n.BootCount, n.Hostname, n.RootPassword,
		n.IPMIHostname, n.IPMIUsername, n.IPMIPassword,
		n.DesiredPowerState, n.LastKnownPowerState, n.LastCheckin, n.ID)
	return checkAffected(result, err)
}

func (s *Store) UpdateNode(ctx context.Context, node *domain.Node) error {
	return updateNode(ctx, s.db, node)
}

func (t *Tx) UpdateNode(ctx context.Context, node *domain.Node) error {
	return updateNode(ctx, t.tx, node)
}

func deleteNode(ctx context.Context, db dbInterface, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	return checkAffected(result, err)
}

func (s *Store) DeleteNode(ctx context.Context, id int64) error {
	return deleteNode(ctx, s.db, id)
}

func (t *Tx) DeleteNode(ctx context.Context, id int64) error {
	return deleteNode(ctx, t.tx, id)
}

// ============================================
// Commands
// ============================================

const commandColumns = `id, command, params, status, errors, submitted_at, finished_at`

func createCommand(ctx context.Context, db dbInterface, c *domain.Command) error {
	c.SubmittedAt = nowIfZero(c.SubmittedAt)
	if c.Status == "" {
		c.Status = domain.CommandPending
	}
	return db.GetContext(ctx, &c.ID,
		`INSERT INTO commands (command, params, status, errors, submitted_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		c.Command, c.Params, c.Status, c.Errors, c.SubmittedAt, c.FinishedAt)
}

func (s *Store) CreateCommand(ctx context.Context, cmd *domain.Command) error {
	return createCommand(ctx, s.db, cmd)
}

func (t *Tx) CreateCommand(ctx context.Context, cmd *domain.Command) error {
	return createCommand(ctx, t.tx, cmd)
}

func getCommand(ctx context.Context, db dbInterface, id int64) (*domain.Command, error) {
	var c domain.Command
	if err := db.GetContext(ctx, &c, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *Store) GetCommand(ctx context.Context, id int64) (*domain.Command, error) {
	return getCommand(ctx, s.db, id)
}

func (t *Tx) GetCommand(ctx context.Context, id int64) (*domain.Command, error) {
	return getCommand(ctx, t.tx, id)
}

func (s *Store) LockCommand(ctx context.Context, id int64) (*domain.Command, error) {
	return getCommand(ctx, s.db, id)
}

func (t *Tx) LockCommand(ctx context.Context, id int64) (*domain.Command, error) {
	if t.driver == DriverSQLite {
		result, err := t.tx.ExecContext(ctx, `UPDATE commands SET id = id WHERE id = $1`, id)
		if err := checkAffected(result, err); err != nil {
			return nil, err
		}
		return getCommand(ctx, t.tx, id)
	}
	var c domain.Command
	if err := t.tx.GetContext(ctx, &c, `SELECT `+commandColumns+` FROM commands WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func updateCommand(ctx context.Context, db dbInterface, c *domain.Command) error {
	result, err := db.ExecContext(ctx,
		`UPDATE commands SET status = $1, errors = $2, finished_at = $3 WHERE id = $4`,
		c.Status, c.Errors, c.FinishedAt, c.ID)
	return checkAffected(result, err)
}

func (s *Store) UpdateCommand(ctx context.Context, cmd *domain.Command) error {
	return updateCommand(ctx, s.db, cmd)
}

func (t *Tx) UpdateCommand(ctx context.Context, cmd *domain.Command) error {
	return updateCommand(ctx, t.tx, cmd)
}

// ============================================
// Events
// ============================================

func appendEvent(ctx context.Context, db dbInterface, e *domain.Event) error {
	e.Timestamp = nowIfZero(e.Timestamp)
	if e.Severity == "" {
		e.Severity = domain.SeverityInfo
	}
	return db.GetContext(ctx, &e.ID,
		`INSERT INTO events (timestamp, severity, entry, node_id, policy_id, hook_id, command_id, repo, broker)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		e.Timestamp, e.Severity, e.Entry, e.NodeID, e.PolicyID, e.HookID, e.CommandID, e.Repo, e.Broker)
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	return appendEvent(ctx, s.db, event)
}

func (t *Tx) AppendEvent(ctx context.Context, event *domain.Event) error {
	return appendEvent(ctx, t.tx, event)
}

func listEvents(ctx context.Context, db dbInterface, f domain.EventFilter) ([]*domain.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(col string, v *int64) {
		if v != nil {
			args = append(args, *v)
			where = append(where, col+" = $"+strconv.Itoa(len(args)))
		}
	}
	add("node_id", f.NodeID)
	add("policy_id", f.PolicyID)
	add("hook_id", f.HookID)
	add("command_id", f.CommandID)

	query := `SELECT id, timestamp, severity, entry, node_id, policy_id, hook_id, command_id, repo, broker FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`
	if f.Limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(f.Limit)
	}

	var events []*domain.Event
	if err := db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	return listEvents(ctx, s.db, filter)
}

func (t *Tx) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.Event, error) {
	return listEvents(ctx, t.tx, filter)
}

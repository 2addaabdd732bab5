package sql

import (
	"context"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/jmoiron/sqlx"
)

// ============================================
// Policies
// ============================================

const policyColumns = `id, name, repo, task, broker, hostname_pattern, root_password,
	enabled, max_count, rule_number, match_tags, created_at`

// loadPolicyTags fills in the tag names of each policy.
func loadPolicyTags(ctx context.Context, db dbInterface, policies []*domain.Policy) error {
	if len(policies) == 0 {
		return nil
	}
	ids := make([]int64, len(policies))
	byID := make(map[int64]*domain.Policy, len(policies))
	for i, p := range policies {
		ids[i] = p.ID
		byID[p.ID] = p
		p.Tags = []string{}
	}

	query, args, err := sqlx.In(
		`SELECT pt.policy_id, t.name FROM policy_tags pt
		 JOIN tags t ON t.id = pt.tag_id
		 WHERE pt.policy_id IN (?) ORDER BY t.id`, ids)
	if err != nil {
		return err
	}
	var rows []struct {
		PolicyID int64  `db:"policy_id"`
		Name     string `db:"name"`
	}
	if err := db.SelectContext(ctx, &rows, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return err
	}
	for _, r := range rows {
		if p, ok := byID[r.PolicyID]; ok {
			p.Tags = append(p.Tags, r.Name)
		}
	}
	return nil
}

func createPolicy(ctx context.Context, db dbInterface, p *domain.Policy) error {
	p.CreatedAt = nowIfZero(p.CreatedAt)
	if p.MatchTags == "" {
		p.MatchTags = domain.MatchAllOf
	}
	err := db.GetContext(ctx, &p.ID,
		`INSERT INTO policies (name, repo, task, broker, hostname_pattern, root_password,
			enabled, max_count, rule_number, match_tags, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		p.Name, p.Repo, p.Task, p.Broker, p.HostnamePattern, p.RootPassword,
		p.Enabled, p.MaxCount, p.RuleNumber, p.MatchTags, p.CreatedAt)
	return wrapUniqueError(err)
}

func (s *Store) CreatePolicy(ctx context.Context, policy *domain.Policy) error {
	return createPolicy(ctx, s.db, policy)
}

func (t *Tx) CreatePolicy(ctx context.Context, policy *domain.Policy) error {
	return createPolicy(ctx, t.tx, policy)
}

func getPolicyWhere(ctx context.Context, db dbInterface, where string, arg any) (*domain.Policy, error) {
	var p domain.Policy
	if err := db.GetContext(ctx, &p, `SELECT `+policyColumns+` FROM policies WHERE `+where, arg); err != nil {
		return nil, notFound(err)
	}
	if err := loadPolicyTags(ctx, db, []*domain.Policy{&p}); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetPolicy(ctx context.Context, id int64) (*domain.Policy, error) {
	return getPolicyWhere(ctx, s.db, `id = $1`, id)
}

func (t *Tx) GetPolicy(ctx context.Context, id int64) (*domain.Policy, error) {
	return getPolicyWhere(ctx, t.tx, `id = $1`, id)
}

func (s *Store) GetPolicyByName(ctx context.Context, name string) (*domain.Policy, error) {
	return getPolicyWhere(ctx, s.db, `LOWER(name) = LOWER($1)`, name)
}

func (t *Tx) GetPolicyByName(ctx context.Context, name string) (*domain.Policy, error) {
	return getPolicyWhere(ctx, t.tx, `LOWER(name) = LOWER($1)`, name)
}

func listPolicies(ctx context.Context, db dbInterface) ([]*domain.Policy, error) {
	var policies []*domain.Policy
	err := db.SelectContext(ctx, &policies, `SELECT `+policyColumns+` FROM policies ORDER BY rule_number`)
	if err != nil {
		return nil, err
	}
	if err := loadPolicyTags(ctx, db, policies); err != nil {
		return nil, err
	}
	return policies, nil
}

func (s *Store) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	return listPolicies(ctx, s.db)
}

func (t *Tx) ListPolicies(ctx context.Context) ([]*domain.Policy, error) {
	return listPolicies(ctx, t.tx)
}

func updatePolicy(ctx context.Context, db dbInterface, p *domain.Policy) error {
	result, err := db.ExecContext(ctx,
		`UPDATE policies SET name = $1, repo = $2, task = $3, broker = $4, hostname_pattern = $5,
			root_password = $6, enabled = $7, max_count = $8, match_tags = $9
		 WHERE id = $10`,
		p.Name, p.Repo, p.Task, p.Broker, p.HostnamePattern,
		p.RootPassword, p.Enabled, p.MaxCount, p.MatchTags, p.ID)
	return wrapUniqueError(checkAffected(result, err))
}

func (s *Store) UpdatePolicy(ctx context.Context, policy *domain.Policy) error {
	return updatePolicy(ctx, s.db, policy)
}

func (t *Tx) UpdatePolicy(ctx context.Context, policy *domain.Policy) error {
	return updatePolicy(ctx, t.tx, policy)
}

func setPolicyRuleNumber(ctx context.Context, db dbInterface, id int64, ruleNumber int) error {
	result, err := db.ExecContext(ctx, `UPDATE policies SET rule_number = $1 WHERE id = $2`, ruleNumber, id)
	return wrapUniqueError(checkAffected(result, err))
}

func (s *Store) SetPolicyRuleNumber(ctx context.Context, id int64, ruleNumber int) error {
	return setPolicyRuleNumber(ctx, s.db, id, ruleNumber)
}

func (t *Tx) SetPolicyRuleNumber(ctx context.Context, id int64, ruleNumber int) error {
	return setPolicyRuleNumber(ctx, t.tx, id, ruleNumber)
}

func maxRuleNumber(ctx context.Context, db dbInterface) (int, error) {
	var n int
	err := db.GetContext(ctx, &n, `SELECT COALESCE(MAX(rule_number), 0) FROM policies`)
	return n, err
}

func (s *Store) MaxRuleNumber(ctx context.Context) (int, error) {
	return maxRuleNumber(ctx, s.db)
}

func (t *Tx) MaxRuleNumber(ctx context.Context) (int, error) {
	return maxRuleNumber(ctx, t.tx)
}

func addPolicyTag(ctx context.Context, db dbInterface, policyID, tagID int64) error {
	var exists int
	err := db.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM policy_tags WHERE policy_id = $1 AND tag_id = $2`, policyID, tagID)
	if err != nil || exists > 0 {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO policy_tags (policy_id, tag_id) VALUES ($1, $2)`, policyID, tagID)
	return wrapUniqueError(err)
}

func (s *Store) AddPolicyTag(ctx context.Context, policyID, tagID int64) error {
	return addPolicyTag(ctx, s.db, policyID, tagID)
}

func (t *Tx) AddPolicyTag(ctx context.Context, policyID, tagID int64) error {
	return addPolicyTag(ctx, t.tx, policyID, tagID)
}

func removePolicyTag(ctx context.Context, db dbInterface, policyID, tagID int64) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM policy_tags WHERE policy_id = $1 AND tag_id = $2`, policyID, tagID)
	return err
}

func (s *Store) RemovePolicyTag(ctx context.Context, policyID, tagID int64) error {
	return removePolicyTag(ctx, s.db, policyID, tagID)
}

func (t *Tx) RemovePolicyTag(ctx context.Context, policyID, tagID int64) error {
	return removePolicyTag(ctx, t.tx, policyID, tagID)
}

func countBoundNodes(ctx context.Context, db dbInterface, policyID int64) (int, error) {
	var count int
	err := db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM nodes WHERE policy_id = $1 AND bound`, policyID)
	return count, err
}

func (s *Store) CountBoundNodes(ctx context.Context, policyID int64) (int, error) {
	return countBoundNodes(ctx, s.db, policyID)
}

func (t *Tx) CountBoundNodes(ctx context.Context, policyID int64) (int, error) {
	return countBoundNodes(ctx, t.tx, policyID)
}

// LockPolicy outside a transaction has nothing to hold the lock; it only
// reads the row.
func (s *Store) LockPolicy(ctx context.Context, id int64) (*domain.Policy, error) {
	return s.GetPolicy(ctx, id)
}

func (t *Tx) LockPolicy(ctx context.Context, id int64) (*domain.Policy, error) {
	if t.driver == DriverSQLite {
		// A write takes SQLite's database-wide reserved lock for the rest
		// of the transaction.
		result, err := t.tx.ExecContext(ctx, `UPDATE policies SET id = id WHERE id = $1`, id)
		if err := checkAffected(result, err); err != nil {
			return nil, err
		}
		return getPolicyWhere(ctx, t.tx, `id = $1`, id)
	}
	return getPolicyWhere(ctx, t.tx, `id = $1 FOR UPDATE`, id)
}

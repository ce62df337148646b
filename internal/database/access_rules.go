package database

import (
	"context"
	"fmt"
	"time"

	"github.com/portrelay/portrelay/internal/access"
)

const accessColumns = `id, rule_id, cidr, action, priority, enabled, remark`

// CreateAccessRule inserts an access entry after validating its CIDR.
func (s *Store) CreateAccessRule(ctx context.Context, a *access.Rule) error {
	if err := access.ValidateCIDR(a.CIDR); err != nil {
		return err
	}
	if a.Action != access.Allow && a.Action != access.Deny {
		return fmt.Errorf("unknown action %q", a.Action)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO access_rules (rule_id, cidr, action, priority, enabled,
			remark, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RuleID, a.CIDR, string(a.Action), a.Priority, a.Enabled, a.Remark,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert access rule: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return err
}

// ListAccessRules returns every access entry, global ones first.
func (s *Store) ListAccessRules(ctx context.Context) ([]access.Rule, error) {
	return s.queryAccess(ctx,
		`SELECT `+accessColumns+` FROM access_rules ORDER BY rule_id, priority, id`)
}

// DeleteAccessRule removes one entry by id.
func (s *Store) DeleteAccessRule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete access rule %d: %w", id, err)
	}
	return requireRow(res)
}

// EffectiveRules implements access.PolicyStore: the global entries plus the
// rule's own, in priority order. Priority ties break on insertion order.
func (s *Store) EffectiveRules(ruleID int64) ([]access.Rule, error) {
	return s.queryAccess(context.Background(),
		`SELECT `+accessColumns+` FROM access_rules
		 WHERE rule_id = 0 OR rule_id = ?
		 ORDER BY priority, id`, ruleID)
}

func (s *Store) queryAccess(ctx context.Context, query string, args ...any) ([]access.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query access rules: %w", err)
	}
	defer rows.Close()

	var out []access.Rule
	for rows.Next() {
		var a access.Rule
		var action string
		if err := rows.Scan(&a.ID, &a.RuleID, &a.CIDR, &action, &a.Priority,
			&a.Enabled, &a.Remark); err != nil {
			return nil, fmt.Errorf("scan access rule: %w", err)
		}
		a.Action = access.Action(action)
		out = append(out, a)
	}
	return out, rows.Err()
}

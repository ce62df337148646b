package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/portrelay/portrelay/internal/rule"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const ruleColumns = `id, name, source_ip, source_port, target_ip, target_port,
	protocol, enabled, auto_reconnect, reconnect_interval_ms,
	max_reconnect_attempts, pool_size, remark, created_at, updated_at`

// CreateRule inserts r, rejecting it when it conflicts with an existing
// enabled rule. On success r.ID and the timestamps are filled in.
func (s *Store) CreateRule(ctx context.Context, r *rule.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.checkConflict(ctx, r); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO forward_rules (name, source_ip, source_port, target_ip,
			target_port, protocol, enabled, auto_reconnect,
			reconnect_interval_ms, max_reconnect_attempts, pool_size, remark,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.SourceIP, r.SourcePort, r.TargetIP, r.TargetPort,
		string(r.Protocol), r.Enabled, r.AutoReconnect,
		r.ReconnectInterval.Milliseconds(), r.MaxReconnectAttempts,
		r.PoolSize, r.Remark, now, now)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

// GetRule fetches one rule by id.
func (s *Store) GetRule(ctx context.Context, id int64) (*rule.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM forward_rules WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns all rules ordered by id.
func (s *Store) ListRules(ctx context.Context) ([]*rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM forward_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []*rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEnabledRules returns the rules the engine should activate at startup.
func (s *Store) ListEnabledRules(ctx context.Context) ([]*rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM forward_rules WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list enabled rules: %w", err)
	}
	defer rows.Close()

	var out []*rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRule replaces all mutable fields of the rule with r's values.
func (s *Store) UpdateRule(ctx context.Context, r *rule.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := s.checkConflict(ctx, r); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE forward_rules SET name = ?, source_ip = ?, source_port = ?,
			target_ip = ?, target_port = ?, protocol = ?, enabled = ?,
			auto_reconnect = ?, reconnect_interval_ms = ?,
			max_reconnect_attempts = ?, pool_size = ?, remark = ?,
			updated_at = ?
		WHERE id = ?`,
		r.Name, r.SourceIP, r.SourcePort, r.TargetIP, r.TargetPort,
		string(r.Protocol), r.Enabled, r.AutoReconnect,
		r.ReconnectInterval.Milliseconds(), r.MaxReconnectAttempts,
		r.PoolSize, r.Remark, r.UpdatedAt, r.ID)
	if err != nil {
		return fmt.Errorf("update rule %d: %w", r.ID, err)
	}
	return requireRow(res)
}

// SetRuleEnabled flips the enabled flag without touching anything else.
func (s *Store) SetRuleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE forward_rules SET enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set rule %d enabled: %w", id, err)
	}
	return requireRow(res)
}

// DeleteRule removes a rule and its per-rule access entries.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM access_rules WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("delete access rules of %d: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM forward_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return requireRow(res)
}

// checkConflict rejects r when another enabled rule binds the same endpoint
// on an overlapping transport. Disabled rules never conflict.
func (s *Store) checkConflict(ctx context.Context, r *rule.Rule) error {
	if !r.Enabled {
		return nil
	}
	existing, err := s.ListEnabledRules(ctx)
	if err != nil {
		return err
	}
	for _, other := range existing {
		if r.ConflictsWith(other) {
			return fmt.Errorf("rule conflicts with %q (id %d) on %s",
				other.Name, other.ID, other.BindKey())
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*rule.Rule, error) {
	var r rule.Rule
	var proto string
	var intervalMS int64
	err := row.Scan(&r.ID, &r.Name, &r.SourceIP, &r.SourcePort, &r.TargetIP,
		&r.TargetPort, &proto, &r.Enabled, &r.AutoReconnect, &intervalMS,
		&r.MaxReconnectAttempts, &r.PoolSize, &r.Remark, &r.CreatedAt,
		&r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.Protocol = rule.Protocol(proto)
	r.ReconnectInterval = time.Duration(intervalMS) * time.Millisecond
	return &r, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

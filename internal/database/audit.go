package database

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry records one administrative action for later review.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  int64     `json:"entityId"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// Audit actions and entities used by the management API.
const (
	AuditCreate     = "CREATE"
	AuditUpdate     = "UPDATE"
	AuditDelete     = "DELETE"
	AuditActivate   = "ACTIVATE"
	AuditDeactivate = "DEACTIVATE"

	EntityRule       = "forward_rule"
	EntityAccessRule = "access_rule"
)

// RecordAudit appends one entry to the audit log.
func (s *Store) RecordAudit(ctx context.Context, action, entity string, entityID int64, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, entity, entity_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		action, entity, entityID, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest entries up to limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity, entity_id, detail, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Entity, &e.EntityID,
			&e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

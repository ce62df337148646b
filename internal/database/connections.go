package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/portrelay/portrelay/internal/relay"
	"github.com/portrelay/portrelay/internal/rule"
)

const connColumns = `connection_id, rule_id, protocol, local_port,
	remote_address, remote_port, status, connected_at, disconnected_at,
	bytes_rx, bytes_tx, packets_rx, packets_tx, last_active_at, error_message`

// SaveConnection inserts or replaces a connection record.
// Part of the relay.ConnectionStore contract.
func (s *Store) SaveConnection(ctx context.Context, rec relay.ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO connections (connection_id, rule_id, protocol,
			local_port, remote_address, remote_port, status, connected_at,
			disconnected_at, bytes_rx, bytes_tx, packets_rx, packets_tx,
			last_active_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ConnectionID, rec.RuleID, string(rec.Protocol), rec.LocalPort,
		rec.RemoteAddress, rec.RemotePort, string(rec.Status),
		rec.ConnectedAt.UTC(), nullTime(rec.DisconnectedAt),
		rec.BytesRx, rec.BytesTx, rec.PacketsRx, rec.PacketsTx,
		nullTime(rec.LastActiveAt), rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("save connection %s: %w", rec.ConnectionID, err)
	}
	return nil
}

// UpdateConnection updates the lifecycle fields of an existing record. The
// traffic counters are only overwritten when the record carries any, so a
// status-only update cannot zero them.
func (s *Store) UpdateConnection(ctx context.Context, rec relay.ConnectionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connections SET status = ?, disconnected_at = ?,
			error_message = ?,
			bytes_rx = CASE WHEN ? > 0 THEN ? ELSE bytes_rx END,
			bytes_tx = CASE WHEN ? > 0 THEN ? ELSE bytes_tx END,
			packets_rx = CASE WHEN ? > 0 THEN ? ELSE packets_rx END,
			packets_tx = CASE WHEN ? > 0 THEN ? ELSE packets_tx END
		WHERE connection_id = ?`,
		string(rec.Status), nullTime(rec.DisconnectedAt), rec.ErrorMessage,
		rec.BytesRx, rec.BytesRx, rec.BytesTx, rec.BytesTx,
		rec.PacketsRx, rec.PacketsRx, rec.PacketsTx, rec.PacketsTx,
		rec.ConnectionID)
	if err != nil {
		return fmt.Errorf("update connection %s: %w", rec.ConnectionID, err)
	}
	return nil
}

// AddConnectionTraffic adds deltas to the persisted counters and refreshes
// last_active_at. Part of the relay.ConnectionStore contract.
func (s *Store) AddConnectionTraffic(ctx context.Context, connectionID string, rxBytes, txBytes, rxPackets, txPackets int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connections SET bytes_rx = bytes_rx + ?, bytes_tx = bytes_tx + ?,
			packets_rx = packets_rx + ?, packets_tx = packets_tx + ?,
			last_active_at = ?
		WHERE connection_id = ?`,
		rxBytes, txBytes, rxPackets, txPackets, time.Now().UTC(), connectionID)
	if err != nil {
		return fmt.Errorf("add traffic for %s: %w", connectionID, err)
	}
	return nil
}

// DeleteConnection removes a record. Missing rows are not an error: a record
// may have been deleted by a concurrent cleanup already.
func (s *Store) DeleteConnection(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE connection_id = ?`, connectionID)
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", connectionID, err)
	}
	return nil
}

// GetConnection fetches one record by id.
func (s *Store) GetConnection(ctx context.Context, connectionID string) (*relay.ConnectionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connColumns+` FROM connections WHERE connection_id = ?`,
		connectionID)
	rec, err := scanConnection(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListConnections returns records, newest first. ruleID 0 means all rules.
func (s *Store) ListConnections(ctx context.Context, ruleID int64, limit int) ([]relay.ConnectionRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `SELECT ` + connColumns + ` FROM connections`
	args := []any{}
	if ruleID != 0 {
		query += ` WHERE rule_id = ?`
		args = append(args, ruleID)
	}
	query += ` ORDER BY connected_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []relay.ConnectionRecord
	for rows.Next() {
		rec, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanConnection(row rowScanner) (*relay.ConnectionRecord, error) {
	var rec relay.ConnectionRecord
	var proto, status string
	var disconnected, lastActive sql.NullTime
	err := row.Scan(&rec.ConnectionID, &rec.RuleID, &proto, &rec.LocalPort,
		&rec.RemoteAddress, &rec.RemotePort, &status, &rec.ConnectedAt,
		&disconnected, &rec.BytesRx, &rec.BytesTx, &rec.PacketsRx,
		&rec.PacketsTx, &lastActive, &rec.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	rec.Protocol = rule.Protocol(proto)
	rec.Status = relay.ConnStatus(status)
	if disconnected.Valid {
		rec.DisconnectedAt = disconnected.Time
	}
	if lastActive.Valid {
		rec.LastActiveAt = lastActive.Time
	}
	return &rec, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

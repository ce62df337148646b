package database

import (
	"context"
	"fmt"
	"time"

	"github.com/portrelay/portrelay/internal/rule"
)

// Listener status values. A listener is ACTIVE while it serves at least one
// client and WAITING_CLIENT otherwise.
const (
	ListenerActive  = "ACTIVE"
	ListenerWaiting = "WAITING_CLIENT"
	ListenerStopped = "STOPPED"
)

// ListenerStatus mirrors one row of the listener_status table.
type ListenerStatus struct {
	RuleID      int64     `json:"ruleId"`
	Protocol    string    `json:"protocol"`
	Port        int       `json:"port"`
	Status      string    `json:"status"`
	ClientCount int       `json:"clientCount"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// The methods below implement relay.ListenerStatusSink. The sink contract is
// fire-and-forget, so failures are logged rather than returned; the status
// table is advisory and must never stall the data plane.

func (s *Store) CreateListener(ruleID int64, port int, proto rule.Protocol) {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO listener_status (rule_id, protocol, port,
			status, client_count, updated_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		ruleID, string(proto), port, ListenerWaiting, time.Now().UTC())
	if err != nil {
		s.logger.Warn("listener status write failed", "rule_id", ruleID, "error", err)
	}
}

func (s *Store) SetWaitingForClients(ruleID int64, proto rule.Protocol) {
	s.setListener(ruleID, proto, `status = ?`, ListenerWaiting)
}

func (s *Store) ClientConnected(ruleID int64, proto rule.Protocol) {
	s.setListener(ruleID, proto,
		`client_count = client_count + 1, status = ?`, ListenerActive)
}

func (s *Store) ClientDisconnected(ruleID int64, proto rule.Protocol) {
	s.setListener(ruleID, proto, `
		client_count = MAX(client_count - 1, 0),
		status = CASE WHEN client_count <= 1 THEN ? ELSE status END`,
		ListenerWaiting)
}

func (s *Store) StopListener(ruleID int64) {
	_, err := s.db.Exec(`
		UPDATE listener_status SET status = ?, client_count = 0, updated_at = ?
		WHERE rule_id = ?`,
		ListenerStopped, time.Now().UTC(), ruleID)
	if err != nil {
		s.logger.Warn("listener status write failed", "rule_id", ruleID, "error", err)
	}
}

func (s *Store) setListener(ruleID int64, proto rule.Protocol, setClause string, args ...any) {
	query := fmt.Sprintf(`
		UPDATE listener_status SET %s, updated_at = ?
		WHERE rule_id = ? AND protocol = ?`, setClause)
	args = append(args, time.Now().UTC(), ruleID, string(proto))
	if _, err := s.db.Exec(query, args...); err != nil {
		s.logger.Warn("listener status write failed", "rule_id", ruleID, "error", err)
	}
}

// ListListenerStatus returns the status table for the API.
func (s *Store) ListListenerStatus(ctx context.Context) ([]ListenerStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, protocol, port, status, client_count, updated_at
		FROM listener_status ORDER BY rule_id, protocol`)
	if err != nil {
		return nil, fmt.Errorf("list listener status: %w", err)
	}
	defer rows.Close()

	var out []ListenerStatus
	for rows.Next() {
		var ls ListenerStatus
		if err := rows.Scan(&ls.RuleID, &ls.Protocol, &ls.Port, &ls.Status,
			&ls.ClientCount, &ls.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan listener status: %w", err)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}

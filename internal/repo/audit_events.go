package repo

import (
	"context"
	"strings"

	"teamline/internal/domain"
)

// InsertAuditEvent stores one audit event. Redelivery of the same
// correlation id is ignored.
func (r Repo) InsertAuditEvent(ctx context.Context, evt domain.AuditEvent) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO audit_events(correlation_id,event_type,agent_name,tool_name,status,summary,ts) VALUES (?,?,?,?,?,?,?)`,
		evt.CorrelationID, evt.EventType, evt.AgentName, nullable(evt.ToolName), string(evt.Status), nullable(evt.Summary), evt.Timestamp)
	return err
}

type AuditFilters struct {
	Agent  string
	Status domain.AuditStatus
	Limit  int
}

// ListAuditEvents returns the newest events first.
func (r Repo) ListAuditEvents(ctx context.Context, f AuditFilters) ([]domain.AuditEvent, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Agent != "" {
		clauses = append(clauses, "agent_name=?")
		args = append(args, f.Agent)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT correlation_id,event_type,agent_name,COALESCE(tool_name,''),status,COALESCE(summary,''),ts FROM audit_events WHERE `+
		strings.Join(clauses, " AND ")+` ORDER BY ts DESC, rowid DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var status string
		if err := rows.Scan(&e.CorrelationID, &e.EventType, &e.AgentName, &e.ToolName, &status, &e.Summary, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Status = domain.AuditStatus(status)
		res = append(res, e)
	}
	return res, rows.Err()
}

package persistence

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry is a row from the audit_log table.
type AuditEntry struct {
	AuditID   int64     `json:"audit_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// ListAudit returns the most recent audit entries, optionally filtered by
// decision ("allow", "deny", ...).
func (s *Store) ListAudit(ctx context.Context, decision string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''), action, decision, COALESCE(reason, ''), created_at
		FROM audit_log
		WHERE (? = '' OR decision = ?)
		ORDER BY audit_id DESC
		LIMIT ?;
	`, decision, decision, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit_log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.AuditID, &e.TraceID, &e.Subject, &e.Action, &e.Decision, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit_log: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit_log rows: %w", err)
	}
	return out, nil
}

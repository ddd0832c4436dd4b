package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedHistory   int64 `json:"purged_history"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes history and audit rows older than the given windows.
// A window of zero keeps rows forever. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, historyDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if historyDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -historyDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM verify_requests WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge verify_requests: %w", err)
		}
		result.PurgedHistory, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}

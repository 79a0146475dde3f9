package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedAuditLogs     int64 `json:"purged_audit_logs"`
	PurgedNotifications int64 `json:"purged_notifications"`
}

// RunRetention deletes audit rows and read chat notifications older than
// their windows. A window of zero keeps everything. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, auditLogDays, notificationDays int) (RetentionResult, error) {
	var result RetentionResult
	now := time.Now().UTC()

	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format(time.DateTime))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	// Unread notifications are kept regardless of age.
	if notificationDays > 0 {
		cutoff := now.AddDate(0, 0, -notificationDays).UnixMilli()
		res, err := s.db.ExecContext(ctx, `DELETE FROM chat_notifications WHERE isRead = 1 AND timestamp < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge chat_notifications: %w", err)
		}
		result.PurgedNotifications, _ = res.RowsAffected()
	}

	return result, nil
}

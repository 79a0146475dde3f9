package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/persistence"
)

func TestRunRetention_PurgesOldRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	old := time.Now().UTC().AddDate(0, 0, -100).Format(time.DateTime)
	if _, err := db.ExecContext(ctx, `INSERT INTO audit_log (subject, action, outcome, created_at) VALUES ('s', 'a', 'ok', ?), ('s', 'b', 'ok', CURRENT_TIMESTAMP)`, old); err != nil {
		t.Fatal(err)
	}
	oldMS := time.Now().AddDate(0, 0, -40).UnixMilli()
	newMS := time.Now().UnixMilli()
	if _, err := db.ExecContext(ctx, `INSERT INTO chat_notifications (id, chatId, uid, content, timestamp, isRead) VALUES
		('n1', 'c', 'u', '{}', ?, 1),
		('n2', 'c', 'u', '{}', ?, 0),
		('n3', 'c', 'u', '{}', ?, 1)`, oldMS, oldMS, newMS); err != nil {
		t.Fatal(err)
	}

	res, err := store.RunRetention(ctx, 90, 30)
	if err != nil {
		t.Fatal(err)
	}
	if res.PurgedAuditLogs != 1 || res.PurgedNotifications != 1 {
		t.Fatalf("result = %+v", res)
	}
	if n, _ := persistence.Count(ctx, db, persistence.TableChatNotifications, ""); n != 2 {
		t.Fatalf("notifications left = %d, want 2", n)
	}

	res, err = store.RunRetention(ctx, 0, 0)
	if err != nil || res != (persistence.RetentionResult{}) {
		t.Fatalf("disabled windows = %+v, %v", res, err)
	}
}

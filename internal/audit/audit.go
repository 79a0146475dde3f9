// Package audit keeps a trail of destructive and schema-changing operations,
// both as JSONL under <home>/logs and in the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentcore/internal/shared"
)

// Outcomes.
const (
	OK     = "ok"
	Failed = "failed"
	Denied = "denied"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Subject   string `json:"subject"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	db           *sql.DB
	failureCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB enables audit_log table writes. The table is part of the schema.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns how many non-ok outcomes were recorded since startup.
func FailureCount() int64 {
	return failureCount.Load()
}

// Record appends one audit entry. Subject is the entity touched (e.g.
// "agent:<id>"), action what was done ("agent.delete", "schema.migrate").
func Record(ctx context.Context, subject, action, outcome, reason string) {
	if outcome != OK {
		failureCount.Add(1)
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TraceID:   traceID,
			Subject:   subject,
			Action:    action,
			Outcome:   outcome,
			Reason:    reason,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, outcome, reason)
			VALUES (?, ?, ?, ?, ?);
		`, traceID, subject, action, outcome, reason)
	}
}

// Outcome maps an error to an audit outcome.
func Outcome(err error) string {
	if err == nil {
		return OK
	}
	return Failed
}

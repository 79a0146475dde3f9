package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// VersionEntry is one upgrade recorded in db_version.history.
type VersionEntry struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Description string `json:"description"`
	UpgradedAt  int64  `json:"upgraded_at"`
}

// DBVersion is the singleton schema version row.
type DBVersion struct {
	Version     string
	Description string
	History     []VersionEntry
	UpgradedAt  time.Time
}

func (v *DBVersion) ToMap() map[string]any {
	hist := make([]map[string]any, 0, len(v.History))
	for _, h := range v.History {
		hist = append(hist, map[string]any{
			"from": h.From, "to": h.To, "description": h.Description, "upgraded_at": h.UpgradedAt,
		})
	}
	return map[string]any{
		"version":     v.Version,
		"description": v.Description,
		"history":     hist,
		"upgraded_at": Millis(v.UpgradedAt),
	}
}

// GetDBVersion returns the version row, or nil when none has been written.
func GetDBVersion(ctx context.Context, q Querier) (*DBVersion, error) {
	var (
		v    DBVersion
		hist JSON
	)
	err := q.QueryRowContext(ctx,
		`SELECT version, description, history, upgraded_at FROM db_version WHERE id = 1`).
		Scan(&v.Version, &v.Description, &hist, &v.UpgradedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read db_version: %w", err)
	}
	if err := hist.Decode(&v.History); err != nil {
		return nil, fmt.Errorf("decode db_version history: %w", err)
	}
	return &v, nil
}

// SetDBVersion writes the singleton row. When entry is non-nil it is
// appended to the history.
func SetDBVersion(ctx context.Context, q Querier, version, description string, entry *VersionEntry) error {
	cur, err := GetDBVersion(ctx, q)
	if err != nil {
		return err
	}
	var history []VersionEntry
	if cur != nil {
		history = cur.History
	}
	if entry != nil {
		history = append(history, *entry)
	}
	if history == nil {
		history = []VersionEntry{}
	}
	hist, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encode db_version history: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO db_version (id, version, description, history, upgraded_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   version = excluded.version,
		   description = excluded.description,
		   history = excluded.history,
		   upgraded_at = excluded.upgraded_at`,
		version, description, string(hist), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write db_version: %w", err)
	}
	return nil
}

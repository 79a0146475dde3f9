package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/agentcore/internal/persistence"
)

func TestReplaceAgentTasks_DuplicateIDsAssignOnce(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentcore.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	db := store.DB()
	if err := persistence.CreateTables(ctx, db); err != nil {
		t.Fatal(err)
	}
	if err := persistence.CreateIndexes(ctx, db); err != nil {
		t.Fatal(err)
	}

	a := &persistence.Agent{Name: "a"}
	t1 := &persistence.Task{Name: "t1"}
	t2 := &persistence.Task{Name: "t2"}
	for _, m := range []persistence.Model{a, t1, t2} {
		if err := persistence.Insert(ctx, db, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := replaceAgentTasks(ctx, db, a.ID, []string{t1.ID, t2.ID, t1.ID, t1.ID}, ""); err != nil {
		t.Fatalf("replace: %v", err)
	}
	for _, tc := range []struct {
		id   string
		want int
	}{{t1.ID, 1}, {t2.ID, 1}} {
		n, err := persistence.Count(ctx, db, persistence.TableAgentTaskRels, `"agent_id" = ? AND "task_id" = ?`, a.ID, tc.id)
		if err != nil {
			t.Fatal(err)
		}
		if n != tc.want {
			t.Fatalf("task %s: %d assignments, want %d", tc.id, n, tc.want)
		}
	}
}

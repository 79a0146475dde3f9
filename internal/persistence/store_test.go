package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentcore.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := persistence.CreateTables(ctx, store.DB()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	if err := persistence.CreateIndexes(ctx, store.DB()); err != nil {
		t.Fatalf("create indexes: %v", err)
	}
	return store
}

func TestStore_OpenAppliesPragmas(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("journal_mode = %q, want wal", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("synchronous: %v", err)
	}
	// NORMAL == 1.
	if synchronous != 1 {
		t.Fatalf("synchronous = %d, want 1", synchronous)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&fk); err != nil {
		t.Fatalf("foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var cache int
	if err := db.QueryRow("PRAGMA cache_size;").Scan(&cache); err != nil {
		t.Fatalf("cache_size: %v", err)
	}
	if cache != -40000 {
		t.Fatalf("cache_size = %d, want -40000", cache)
	}
	if persistence.ConnectionsOpened() < 1 {
		t.Fatal("connect hook did not run")
	}
}

func TestStore_PathIsAbsolute(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "nested", "deeper", "db.sqlite"), persistence.Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	if !filepath.IsAbs(store.Path()) {
		t.Fatalf("path %q is not absolute", store.Path())
	}
}

func TestStore_InTxRollsBackOnError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx *sql.Tx) error {
		if err := persistence.Insert(ctx, tx, &persistence.Skill{Name: "scrape"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	n, err := persistence.Count(ctx, store.DB(), persistence.TableSkills, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("skills = %d after rollback, want 0", n)
	}
}

func TestStore_InTxRollsBackOnPanic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = store.InTx(ctx, func(tx *sql.Tx) error {
			_ = persistence.Insert(ctx, tx, &persistence.Tool{Dependency: persistence.Dependency{Name: "browser"}})
			panic("bad state")
		})
	}()

	n, _ := persistence.Count(ctx, store.DB(), persistence.TableTools, "")
	if n != 0 {
		t.Fatalf("tools = %d after panic, want 0", n)
	}
}

func TestModel_InsertGetUpdateDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	agent := &persistence.Agent{
		Name:          "Ada",
		Owner:         "alice",
		Title:         persistence.StringList{"engineer", "lead"},
		Personalities: persistence.StringList{"curious"},
	}
	agent.Ext.Set("color", "blue")
	if err := persistence.Insert(ctx, db, agent); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if agent.ID == "" || agent.Status != persistence.AgentActive {
		t.Fatalf("insert did not stamp defaults: id=%q status=%q", agent.ID, agent.Status)
	}

	got, err := persistence.GetByID[persistence.Agent](ctx, db, agent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Title) != 2 || got.Title[1] != "lead" {
		t.Fatalf("title = %v", got.Title)
	}
	if got.Ext.GetString("color") != "blue" {
		t.Fatalf("ext = %v", got.Ext)
	}

	err = persistence.UpdateFields[persistence.Agent](ctx, db, agent.ID, map[string]any{
		"description": "builds things",
		"title":       []string{"architect"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = persistence.GetByID[persistence.Agent](ctx, db, agent.ID)
	if got.Description != "builds things" || len(got.Title) != 1 || got.Title[0] != "architect" {
		t.Fatalf("after update: desc=%q title=%v", got.Description, got.Title)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Fatalf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}

	if err := persistence.UpdateFields[persistence.Agent](ctx, db, agent.ID, map[string]any{"bogus": 1}); shared.KindOf(err) != shared.KindValidation {
		t.Fatalf("unknown column: err = %v, want validation", err)
	}

	if err := persistence.DeleteByID[persistence.Agent](ctx, db, agent.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = persistence.GetByID[persistence.Agent](ctx, db, agent.ID)
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("get after delete: err = %v, want not found", err)
	}
	if err := persistence.DeleteByID[persistence.Agent](ctx, db, agent.ID); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("second delete: err = %v, want not found", err)
	}
}

func TestModel_SearchByNameAndDescription(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	for _, s := range []*persistence.Skill{
		{Name: "Web Scraper", Description: "collects prices v2"},
		{Name: "web login", Description: "signs in"},
		{Name: "Report", Description: "weekly pdf"},
	} {
		if err := persistence.Insert(ctx, db, s); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	byName, err := persistence.Search[persistence.Skill](ctx, db, persistence.SearchFilter{Name: "WEB"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byName) != 2 {
		t.Fatalf("name search returned %d rows, want 2", len(byName))
	}

	byDesc, err := persistence.Search[persistence.Skill](ctx, db, persistence.SearchFilter{Name: "web", DescRegex: `v\d$`})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(byDesc) != 1 || byDesc[0].Name != "Web Scraper" {
		t.Fatalf("regex search = %v", byDesc)
	}

	if _, err := persistence.Search[persistence.Skill](ctx, db, persistence.SearchFilter{DescRegex: "("}); shared.KindOf(err) != shared.KindValidation {
		t.Fatalf("bad regex: err = %v", err)
	}
}

func TestModel_DuplicateRelationIsIntegrityError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	agent := &persistence.Agent{Name: "a"}
	skill := &persistence.Skill{Name: "s"}
	if err := persistence.Insert(ctx, db, agent); err != nil {
		t.Fatal(err)
	}
	if err := persistence.Insert(ctx, db, skill); err != nil {
		t.Fatal(err)
	}
	rel := &persistence.AgentSkill{AgentID: agent.ID, SkillID: skill.ID}
	if err := persistence.Insert(ctx, db, rel); err != nil {
		t.Fatalf("first relation: %v", err)
	}
	if rel.ProficiencyLevel != persistence.ProficiencyBeginner {
		t.Fatalf("proficiency default = %q", rel.ProficiencyLevel)
	}
	err := persistence.Insert(ctx, db, &persistence.AgentSkill{AgentID: agent.ID, SkillID: skill.ID})
	if !errors.Is(err, shared.ErrIntegrity) {
		t.Fatalf("duplicate relation: err = %v, want integrity", err)
	}
}

func TestModel_PartialIndexAllowsOneRunning(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	agent := &persistence.Agent{Name: "a"}
	task := &persistence.Task{Name: "t"}
	_ = persistence.Insert(ctx, db, agent)
	_ = persistence.Insert(ctx, db, task)

	for i := 0; i < 2; i++ {
		if err := persistence.Insert(ctx, db, &persistence.AgentTask{AgentID: agent.ID, TaskID: task.ID, Status: persistence.AssignCompleted}); err != nil {
			t.Fatalf("history row %d: %v", i, err)
		}
	}
	if err := persistence.Insert(ctx, db, &persistence.AgentTask{AgentID: agent.ID, TaskID: task.ID, Status: persistence.AssignRunning}); err != nil {
		t.Fatalf("running row: %v", err)
	}
	err := persistence.Insert(ctx, db, &persistence.AgentTask{AgentID: agent.ID, TaskID: task.ID, Status: persistence.AssignRunning})
	if !errors.Is(err, shared.ErrIntegrity) {
		t.Fatalf("second running row: err = %v, want integrity", err)
	}
}

func TestModel_ToMapEmitsMillis(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := &persistence.Task{Name: "nightly", Schedule: persistence.MustJSON(map[string]any{"cron": "0 2 * * *"})}
	if err := persistence.Insert(ctx, store.DB(), task); err != nil {
		t.Fatal(err)
	}
	m := task.ToMap(false)
	if _, ok := m["created_at"].(int64); !ok {
		t.Fatalf("created_at = %T, want int64", m["created_at"])
	}
	sched, ok := m["schedule"].(map[string]any)
	if !ok || sched["cron"] != "0 2 * * *" {
		t.Fatalf("schedule = %v", m["schedule"])
	}
	if task.ScheduleCron() != "0 2 * * *" {
		t.Fatalf("ScheduleCron = %q", task.ScheduleCron())
	}
	if _, ok := m["skills"]; ok {
		t.Fatal("shallow map must not include relations")
	}
	if _, ok := task.ToMap(true)["skills"]; !ok {
		t.Fatal("deep map must include relations")
	}
}

type mapper interface {
	ToMap(deep bool) map[string]any
}

// jsonNormal pushes a map through encoding/json so numbers and nested
// values compare the way an API client sees them.
func jsonNormal(t *testing.T, m map[string]any) map[string]any {
	t.Helper()
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestModel_ToMapRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	chat := &persistence.Chat{Type: "group", Name: "ops", Avatar: "a.png", LastMsg: "hi", LastMsgTime: 1700000000123, Unread: 2, Pinned: true}
	if err := persistence.Insert(ctx, db, chat); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		model  interface {
			persistence.Model
			mapper
		}
		reload func(id string) (mapper, error)
	}{
		{
			name: "agent",
			model: &persistence.Agent{
				Name: "scout", Owner: "ops", Title: persistence.StringList{"lead"},
				Capabilities: persistence.StringList{"search", "code"},
				ExtraData:    persistence.MustJSON(map[string]any{"tier": 2}),
			},
			reload: func(id string) (mapper, error) { return persistence.GetByID[persistence.Agent](ctx, db, id) },
		},
		{
			name: "task",
			model: &persistence.Task{
				Name: "nightly", Priority: "high", Trigger: persistence.TriggerScheduled,
				Objectives: persistence.StringList{"index"},
				Schedule:   persistence.MustJSON(map[string]any{"cron": "0 2 * * *"}),
				Progress:   0.25,
			},
			reload: func(id string) (mapper, error) { return persistence.GetByID[persistence.Task](ctx, db, id) },
		},
		{
			name: "vehicle",
			model: &persistence.Vehicle{
				Name: "edge-1", VehicleType: "server", Platform: "linux", Port: 8080,
				HealthScore: 0.9, UptimeSeconds: 3600, Capabilities: persistence.StringList{"gpu"},
				MaxConcurrentTasks: 4,
			},
			reload: func(id string) (mapper, error) { return persistence.GetByID[persistence.Vehicle](ctx, db, id) },
		},
		{
			name:   "chat",
			model:  &persistence.Chat{Type: "direct", Name: "dm", LastMsgTime: 1700000000456, Muted: true},
			reload: func(id string) (mapper, error) { return persistence.GetByID[persistence.Chat](ctx, db, id) },
		},
		{
			name: "message",
			model: &persistence.Message{
				ChatID: chat.ID, Role: "user", SenderID: "u1", SenderName: "Ann",
				Content: persistence.MustJSON(map[string]any{"type": "text", "text": "hi"}),
			},
			reload: func(id string) (mapper, error) { return persistence.GetByID[persistence.Message](ctx, db, id) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := persistence.Insert(ctx, db, tt.model); err != nil {
				t.Fatalf("insert: %v", err)
			}
			want := jsonNormal(t, tt.model.ToMap(false))

			got, err := tt.reload(tt.model.GetID())
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if gotMap := jsonNormal(t, got.ToMap(false)); !reflect.DeepEqual(gotMap, want) {
				t.Fatalf("round trip mismatch:\n got  %v\n want %v", gotMap, want)
			}
		})
	}
}

func TestDBVersion_SetAppendsHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	v, err := persistence.GetDBVersion(ctx, db)
	if err != nil || v != nil {
		t.Fatalf("empty db: v=%v err=%v", v, err)
	}
	if err := persistence.SetDBVersion(ctx, db, "1.0.0", "initial", nil); err != nil {
		t.Fatal(err)
	}
	entry := &persistence.VersionEntry{From: "1.0.0", To: "2.0.0", Description: "agents"}
	if err := persistence.SetDBVersion(ctx, db, "2.0.0", "agents", entry); err != nil {
		t.Fatal(err)
	}
	v, err = persistence.GetDBVersion(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if v.Version != "2.0.0" || len(v.History) != 1 || v.History[0].From != "1.0.0" {
		t.Fatalf("version row = %+v", v)
	}
	n, _ := persistence.Count(ctx, db, persistence.TableDBVersion, "")
	if n != 1 {
		t.Fatalf("db_version rows = %d, want 1", n)
	}
}

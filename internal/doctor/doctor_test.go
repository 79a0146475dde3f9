package doctor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/avatar"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/migrate"
)

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return &cfg
}

func resultByName(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %s result in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := loadConfig(t)
	d := Run(context.Background(), cfg, "test")

	if d.System.Version != "test" || len(d.Results) != 7 {
		t.Fatalf("diagnosis = %+v", d)
	}
	want := map[string]string{
		"Config":   "WARN",
		"Database": "PASS",
		"Schema":   "WARN",
		"Avatars":  "WARN",
		"Gateway":  "PASS",
		"Kafka":    "SKIP",
	}
	for name, status := range want {
		if got := resultByName(t, d, name); got.Status != status {
			t.Errorf("%s = %s (%s), want %s", name, got.Status, got.Message, status)
		}
	}
	if d.Failed() {
		t.Fatalf("fresh home reported a failure: %+v", d.Results)
	}
}

func TestCheckSchema_PassesAfterMigration(t *testing.T) {
	cfg := loadConfig(t)
	store, err := openStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := migrate.New(store, migrate.Options{}).MigrateToLatest(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	if r := checkSchema(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("schema = %+v", r)
	}
}

func TestCheckSchema_WarnsOnMissingIndex(t *testing.T) {
	cfg := loadConfig(t)
	ctx := context.Background()
	store, err := openStore(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := migrate.New(store, migrate.Options{}).MigrateToLatest(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := store.DB().Exec(`DROP INDEX idx_agent_task_rels_one_running`); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	r := checkSchema(ctx, cfg)
	if r.Status != "WARN" || !strings.Contains(r.Detail, "idx_agent_task_rels_one_running") {
		t.Fatalf("schema = %+v", r)
	}
	if d := (Diagnosis{Results: []CheckResult{r}}); d.Failed() {
		t.Fatal("missing index should warn, not fail")
	}
}

func TestCheckAvatars_AllPresent(t *testing.T) {
	cfg := loadConfig(t)
	if err := os.MkdirAll(cfg.Avatar.SystemDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, a := range avatar.SystemAvatars[1:] {
		if err := os.WriteFile(filepath.Join(cfg.Avatar.SystemDir, a.Filename), []byte("png"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if r := checkAvatars(context.Background(), cfg); r.Status != "WARN" || r.Detail != avatar.SystemAvatars[0].Filename {
		t.Fatalf("one missing = %+v", r)
	}

	first := avatar.SystemAvatars[0].Filename
	if err := os.WriteFile(filepath.Join(cfg.Avatar.SystemDir, first), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	if r := checkAvatars(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("all present = %+v", r)
	}
}

func TestCheckGateway(t *testing.T) {
	cfg := loadConfig(t)

	cfg.BindAddr = "0.0.0.0:4668"
	if r := checkGateway(context.Background(), cfg); r.Status != "WARN" {
		t.Fatalf("exposed without token = %+v", r)
	}
	cfg.AuthToken = "s3cret"
	if r := checkGateway(context.Background(), cfg); r.Status != "PASS" {
		t.Fatalf("exposed with token = %+v", r)
	}
	cfg.BindAddr = "no-port"
	if r := checkGateway(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("bad bind addr = %+v", r)
	}
	cfg.BindAddr = "127.0.0.1:4668"
	cfg.ServerBaseURL = "ftp://host"
	if r := checkGateway(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("bad base url = %+v", r)
	}
}

func TestCheckKafka_EnabledWithoutBrokers(t *testing.T) {
	cfg := loadConfig(t)
	cfg.Delivery.Kafka.Enabled = true
	if r := checkKafka(context.Background(), cfg); r.Status != "FAIL" {
		t.Fatalf("kafka = %+v", r)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test")
	if r := resultByName(t, d, "Config"); r.Status != "FAIL" {
		t.Fatalf("config = %+v", r)
	}
	for _, r := range d.Results[1:] {
		if r.Status != "SKIP" {
			t.Fatalf("%s = %s, want SKIP", r.Name, r.Status)
		}
	}
	if !d.Failed() {
		t.Fatal("nil config not reported as failed")
	}
}

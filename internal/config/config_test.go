package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/config"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Missing {
		t.Fatalf("expected Missing=true without config.yaml")
	}
	if cfg.DBPath != filepath.Join(home, "agentcore.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.Database.PoolSize != 5 || cfg.Database.MaxOverflow != 10 || cfg.Database.RecycleSeconds != 3600 {
		t.Fatalf("unexpected pool defaults %+v", cfg.Database)
	}
	if cfg.Database.BusyTimeoutMS != 60000 {
		t.Fatalf("expected 60s busy timeout, got %d", cfg.Database.BusyTimeoutMS)
	}
	if cfg.Avatar.MaxImageMB != 10 || cfg.Avatar.ThumbnailSize != 256 {
		t.Fatalf("unexpected avatar defaults %+v", cfg.Avatar)
	}
	if cfg.Scheduler.DefaultDurationSeconds != 300 || cfg.Scheduler.StaleVehicleMinutes != 10 {
		t.Fatalf("unexpected scheduler defaults %+v", cfg.Scheduler)
	}
	if !cfg.A2AEnabled() {
		t.Fatalf("a2a should default to enabled")
	}
}

func TestLoad_FromYAML(t *testing.T) {
	home := t.TempDir()
	body := []byte(`
db_path: /tmp/custom.db
bind_addr: 0.0.0.0:9000
server_base_url: http://example.test:9000/
database:
  pool_size: 2
a2a:
  enabled: false
  extended_api_timeout_seconds: 30
delivery:
  kafka:
    enabled: true
    brokers: ["k1:9092", "k2:9092"]
`)
	if err := os.WriteFile(config.ConfigPath(home), body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Missing {
		t.Fatalf("expected Missing=false")
	}
	if cfg.DBPath != "/tmp/custom.db" || cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("unexpected values %+v", cfg)
	}
	if cfg.ServerBaseURL != "http://example.test:9000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.ServerBaseURL)
	}
	if cfg.Database.PoolSize != 2 || cfg.Database.MaxOverflow != 10 {
		t.Fatalf("expected partial override to keep defaults: %+v", cfg.Database)
	}
	if cfg.A2AEnabled() {
		t.Fatalf("expected a2a disabled")
	}
	if cfg.A2A.ExtendedAPITimeoutSeconds != 30 {
		t.Fatalf("expected extended timeout 30, got %d", cfg.A2A.ExtendedAPITimeoutSeconds)
	}
	if !cfg.Delivery.Kafka.Enabled || len(cfg.Delivery.Kafka.Brokers) != 2 || cfg.Delivery.Kafka.Topic != "agentcore.chat" {
		t.Fatalf("unexpected kafka config %+v", cfg.Delivery.Kafka)
	}
}

func TestLoad_EnvOverridesWinOverFile(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGENTCORE_LOG_LEVEL", "debug")
	t.Setenv("AGENTCORE_A2A_EXTENDED_API_TIMEOUT", "45")
	t.Setenv("AGENTCORE_DATABASE_POOL_SIZE", "3")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected env log level, got %q", cfg.LogLevel)
	}
	if cfg.A2A.ExtendedAPITimeoutSeconds != 45 {
		t.Fatalf("expected env extended timeout, got %d", cfg.A2A.ExtendedAPITimeoutSeconds)
	}
	if cfg.Database.PoolSize != 3 {
		t.Fatalf("expected env pool size, got %d", cfg.Database.PoolSize)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("bind_addr: [unterminated\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.LoadFrom(home); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestHomeDir_EnvOverride(t *testing.T) {
	t.Setenv("AGENTCORE_HOME", "/srv/agentcore")
	if got := config.HomeDir(); got != "/srv/agentcore" {
		t.Fatalf("HomeDir() = %q", got)
	}
}

func TestFingerprint_ChangesWithSettings(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b := a
	b.BindAddr = "127.0.0.1:1"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected fingerprint to change")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatalf("fingerprint must be stable")
	}
}

func TestStoreOptions_MapsDatabaseSection(t *testing.T) {
	cfg := config.Config{Database: config.DatabaseConfig{
		PoolSize: 3, RecycleSeconds: 90, BusyTimeoutMS: 1500, PrePing: false,
	}}
	opts := cfg.StoreOptions(nil)
	if opts.PoolSize != 3 || opts.MaxOverflow != -1 {
		t.Fatalf("pool = %d/%d", opts.PoolSize, opts.MaxOverflow)
	}
	if opts.Recycle != 90*time.Second || opts.BusyTimeout != 1500*time.Millisecond {
		t.Fatalf("durations = %v %v", opts.Recycle, opts.BusyTimeout)
	}
	if !opts.SkipPrePing {
		t.Fatal("pre-ping disabled in config but not skipped")
	}
}

package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/basket/agentcore/internal/avatar"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/migrate"
	"github.com/basket/agentcore/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkSchema,
		checkPermissions,
		checkAvatars,
		checkGateway,
		checkKafka,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{Name: "Config", Status: "WARN", Message: "No config.yaml, using defaults",
			Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	opts := cfg.StoreOptions(nil)
	opts.SkipPrePing = false
	return persistence.Open(cfg.DBPath, opts)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Cannot open database", Detail: err.Error()}
	}
	defer store.Close()

	var mode string
	if err := store.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Database not queryable", Detail: err.Error()}
	}
	return CheckResult{Name: "Database", Status: "PASS",
		Message: fmt.Sprintf("Opened %s", store.Path()), Detail: "journal_mode=" + mode}
}

func checkSchema(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schema", Status: "SKIP", Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Schema", Status: "SKIP", Message: "Database unavailable"}
	}
	defer store.Close()

	st, err := migrate.New(store, migrate.Options{}).GetMigrationStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Schema", Status: "FAIL", Message: "Cannot read schema version", Detail: err.Error()}
	}
	switch {
	case st.Fresh:
		return CheckResult{Name: "Schema", Status: "WARN", Message: "Fresh database, run migrate",
			Detail: "latest=" + st.LatestVersion}
	case st.NeedsMigration:
		return CheckResult{Name: "Schema", Status: "WARN",
			Message: fmt.Sprintf("Schema %s is behind %s", st.CurrentVersion, st.LatestVersion),
			Detail:  "path: " + strings.Join(st.MigrationPath, " -> ")}
	case len(st.MissingIndexes) > 0:
		return CheckResult{Name: "Schema", Status: "WARN",
			Message: fmt.Sprintf("Schema at %s but %d index(es) missing; resolve conflicting rows and rerun migrate",
				st.CurrentVersion, len(st.MissingIndexes)),
			Detail: strings.Join(st.MissingIndexes, ", ")}
	}
	return CheckResult{Name: "Schema", Status: "PASS", Message: "Schema at " + st.CurrentVersion}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	info, err := os.Stat(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: "Cannot stat home dir", Detail: err.Error()}
	}
	if !info.IsDir() {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: "Home is not a directory", Detail: cfg.HomeDir}
	}
	if err := probeWritable(cfg.HomeDir); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: "Home dir not writable", Detail: err.Error()}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return CheckResult{Name: "Permissions", Status: "WARN",
			Message: fmt.Sprintf("Home dir is %o, consider 0700", info.Mode().Perm())}
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home dir is private and writable"}
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func checkAvatars(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Avatars", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.Avatar.SystemDir); err != nil {
		return CheckResult{Name: "Avatars", Status: "WARN", Message: "System avatar directory missing",
			Detail: cfg.Avatar.SystemDir}
	}
	var missing []string
	for _, a := range avatar.SystemAvatars {
		if _, err := os.Stat(filepath.Join(cfg.Avatar.SystemDir, a.Filename)); err != nil {
			missing = append(missing, a.Filename)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Name: "Avatars", Status: "WARN",
			Message: fmt.Sprintf("%d of %d system avatars missing", len(missing), len(avatar.SystemAvatars)),
			Detail:  strings.Join(missing, ", ")}
	}
	if err := os.MkdirAll(cfg.UserDataDir(), 0o755); err != nil {
		return CheckResult{Name: "Avatars", Status: "FAIL", Message: "Cannot create user avatar dir", Detail: err.Error()}
	}
	if err := probeWritable(cfg.UserDataDir()); err != nil {
		return CheckResult{Name: "Avatars", Status: "FAIL", Message: "User avatar dir not writable", Detail: err.Error()}
	}
	return CheckResult{Name: "Avatars", Status: "PASS", Message: "System avatars present, user dir writable"}
}

func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: "Invalid bind_addr", Detail: err.Error()}
	}
	u, err := url.Parse(cfg.ServerBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: "Invalid server_base_url", Detail: cfg.ServerBaseURL}
	}
	if !cfg.A2AEnabled() {
		return CheckResult{Name: "Gateway", Status: "PASS", Message: "Listening on " + cfg.BindAddr + " (A2A disabled)"}
	}
	if cfg.AuthToken == "" && !isLoopback(cfg.BindAddr) {
		return CheckResult{Name: "Gateway", Status: "WARN", Message: "A2A exposed without auth_token", Detail: cfg.BindAddr}
	}
	return CheckResult{Name: "Gateway", Status: "PASS", Message: "A2A served at " + cfg.ServerBaseURL + "/a2a"}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkKafka(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Delivery.Kafka.Enabled {
		return CheckResult{Name: "Kafka", Status: "SKIP", Message: "Kafka delivery disabled"}
	}
	if len(cfg.Delivery.Kafka.Brokers) == 0 {
		return CheckResult{Name: "Kafka", Status: "FAIL", Message: "Kafka enabled without brokers"}
	}

	var failed []string
	for _, broker := range cfg.Delivery.Kafka.Brokers {
		dctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		conn, err := kafka.DialContext(dctx, "tcp", broker)
		cancel()
		if err != nil {
			failed = append(failed, broker)
			continue
		}
		_ = conn.Close()
	}
	if len(failed) == len(cfg.Delivery.Kafka.Brokers) {
		return CheckResult{Name: "Kafka", Status: "FAIL", Message: "No broker reachable", Detail: strings.Join(failed, ", ")}
	}
	if len(failed) > 0 {
		return CheckResult{Name: "Kafka", Status: "WARN",
			Message: fmt.Sprintf("%d broker(s) unreachable", len(failed)), Detail: strings.Join(failed, ", ")}
	}
	return CheckResult{Name: "Kafka", Status: "PASS",
		Message: fmt.Sprintf("%d broker(s) reachable, topic %s", len(cfg.Delivery.Kafka.Brokers), cfg.Delivery.Kafka.Topic)}
}

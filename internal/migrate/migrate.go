// Package migrate evolves the database schema across versions. Scripts form
// a linear chain through PreviousVersion; the engine resolves the current
// version, walks the chain to a target and applies every step in one
// transaction.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

// State is the engine lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateDiscovered    State = "discovered"
	StateMigrating     State = "migrating"
	StateUpToDate      State = "up_to_date"
	StateFailed        State = "failed"
)

const freshDescription = "Fresh install with latest schema"

// Options wires optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *otelpkg.Metrics
	Bus     *bus.Bus
	// Scripts overrides the package registry (tests).
	Scripts []Script
}

type Engine struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otelpkg.Metrics
	bus     *bus.Bus

	mu      sync.Mutex
	state   State
	scripts map[string]Script
	latest  string
	custom  []Script
}

func New(store *persistence.Store, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		logger:  logger.With("component", "migrate"),
		metrics: opts.Metrics,
		bus:     opts.Bus,
		state:   StateUninitialized,
		custom:  opts.Scripts,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Discover loads the scripts and checks that they form a single chain
// rooted at BaseVersion.
func (e *Engine) Discover() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scripts != nil {
		return nil
	}

	scripts := Registered()
	if e.custom != nil {
		scripts = make(map[string]Script, len(e.custom))
		for _, s := range e.custom {
			scripts[s.Version()] = s
		}
	}
	if len(scripts) == 0 {
		e.state = StateFailed
		return shared.MigrationErr("discover", errors.New("no migration scripts registered"))
	}

	children := map[string]string{}
	for v, s := range scripts {
		if _, err := ParseVersion(v); err != nil {
			e.state = StateFailed
			return shared.MigrationErr(v, err)
		}
		prev := s.PreviousVersion()
		if prev != BaseVersion {
			if _, ok := scripts[prev]; !ok {
				e.state = StateFailed
				return shared.MigrationErr(v, fmt.Errorf("previous version %s has no script", prev))
			}
		}
		if other, dup := children[prev]; dup {
			e.state = StateFailed
			return shared.MigrationErr(v, fmt.Errorf("branches from %s alongside %s", prev, other))
		}
		children[prev] = v
	}

	versions := sortedVersions(scripts)
	e.scripts = scripts
	e.latest = versions[len(versions)-1]
	e.state = StateDiscovered
	e.logger.Debug("migration scripts discovered", "count", len(scripts), "latest", e.latest)
	return nil
}

// LatestVersion is the highest discovered script version.
func (e *Engine) LatestVersion() (string, error) {
	if err := e.Discover(); err != nil {
		return "", err
	}
	return e.latest, nil
}

// AvailableVersions lists discovered versions in ascending order.
func (e *Engine) AvailableVersions() ([]string, error) {
	if err := e.Discover(); err != nil {
		return nil, err
	}
	return sortedVersions(e.scripts), nil
}

// isFresh reports whether the core chat tables are missing or empty. Callers
// check for a version row first.
func isFresh(ctx context.Context, q persistence.Querier) (bool, error) {
	tables, err := persistence.UserTables(ctx, q)
	if err != nil {
		return false, err
	}
	for _, core := range persistence.CoreChatTables {
		if !slices.Contains(tables, core) {
			continue
		}
		n, err := persistence.Count(ctx, q, core, "")
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, nil
		}
	}
	return true, nil
}

// CurrentVersion returns the stored schema version. A fresh database reports
// "" and gets no version row; a legacy database without one is stamped
// BaseVersion. Missing tables are created (never altered) on the way.
func (e *Engine) CurrentVersion(ctx context.Context) (string, error) {
	db := e.store.DB()
	if err := persistence.CreateTables(ctx, db); err != nil {
		return "", fmt.Errorf("ensure tables: %w", err)
	}
	v, err := persistence.GetDBVersion(ctx, db)
	if err != nil {
		return "", err
	}
	if v != nil {
		return v.Version, nil
	}

	fresh, err := isFresh(ctx, db)
	if err != nil {
		return "", err
	}
	if fresh {
		return "", nil
	}
	if err := persistence.SetDBVersion(ctx, db, BaseVersion, "Initial version for existing database", nil); err != nil {
		return "", err
	}
	e.logger.Info("legacy database stamped", "version", BaseVersion)
	return BaseVersion, nil
}

// Path returns the scripts leading from current to target in execution
// order. Equal versions yield an empty path.
func (e *Engine) Path(current, target string) ([]Script, error) {
	if err := e.Discover(); err != nil {
		return nil, err
	}
	if current == target {
		return nil, nil
	}
	if _, ok := e.scripts[target]; !ok {
		return nil, shared.MigrationErr(target, errors.New("unknown target version"))
	}
	if CompareVersions(current, target) > 0 {
		return nil, shared.MigrationErr(target, fmt.Errorf("target is older than current version %s", current))
	}

	var back []Script
	for v := target; v != current; {
		s, ok := e.scripts[v]
		if !ok {
			return nil, shared.MigrationErr(target, fmt.Errorf("version %s is not reachable from %s", current, target))
		}
		back = append(back, s)
		v = s.PreviousVersion()
		if v == BaseVersion && current != BaseVersion {
			return nil, shared.MigrationErr(target, fmt.Errorf("version %s is not reachable from %s", current, target))
		}
	}
	slices.Reverse(back)
	return back, nil
}

// Result summarizes a run.
type Result struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Fresh   bool     `json:"fresh"`
	Applied []string `json:"applied"`
	// DeferredIndexes could not be created, usually because existing rows
	// violate a unique index.
	DeferredIndexes []string `json:"deferred_indexes,omitempty"`
}

// MigrateToLatest brings the database to the latest version.
func (e *Engine) MigrateToLatest(ctx context.Context) (Result, error) {
	latest, err := e.LatestVersion()
	if err != nil {
		return Result{}, err
	}
	return e.MigrateTo(ctx, latest)
}

// MigrateTo brings the database to target. A fresh database gets the full
// latest schema in one transaction regardless of target.
func (e *Engine) MigrateTo(ctx context.Context, target string) (res Result, err error) {
	if err := e.Discover(); err != nil {
		return Result{}, err
	}
	ctx, span := otelpkg.StartSpan(ctx, "migrate.run", otelpkg.AttrVersion.String(target))
	defer func() { otelpkg.EndSpan(span, err) }()
	defer func() {
		audit.Record(ctx, "schema", "schema.migrate", audit.Outcome(err),
			fmt.Sprintf("from=%s to=%s", res.From, target))
	}()

	current, err := e.CurrentVersion(ctx)
	if err != nil {
		e.setState(StateFailed)
		return Result{}, err
	}
	if current == "" {
		return e.freshInstall(ctx)
	}

	res = Result{From: current, To: current, Applied: []string{}}
	path, err := e.Path(current, target)
	if err != nil {
		e.setState(StateFailed)
		e.logger.Error("migration path unresolved", "from", current, "to", target, "error", err)
		return res, err
	}
	if len(path) == 0 {
		if res.DeferredIndexes, err = e.ensureIndexes(ctx, e.store.DB()); err != nil {
			e.setState(StateFailed)
			return res, err
		}
		e.setState(StateUpToDate)
		return res, nil
	}

	e.setState(StateMigrating)
	e.logger.Info("migration started", "from", current, "to", target, "steps", len(path))
	err = e.store.InTx(ctx, func(tx *sql.Tx) error {
		prev := current
		for _, s := range path {
			if err := e.runStep(ctx, tx, s); err != nil {
				return err
			}
			entry := &persistence.VersionEntry{
				From:        prev,
				To:          s.Version(),
				Description: s.Description(),
				UpgradedAt:  time.Now().UnixMilli(),
			}
			if err := persistence.SetDBVersion(ctx, tx, s.Version(), s.Description(), entry); err != nil {
				return shared.MigrationErr(s.Version(), err)
			}
			res.Applied = append(res.Applied, s.Version())
			prev = s.Version()
		}
		var err error
		res.DeferredIndexes, err = e.ensureIndexes(ctx, tx)
		return err
	})
	if err != nil {
		e.setState(StateFailed)
		e.logger.Error("migration failed; database left at previous version",
			"from", current, "to", target, "error", err)
		res.Applied = []string{}
		return res, err
	}

	res.To = target
	e.setState(StateUpToDate)
	e.logger.Info("migration complete", "from", current, "to", target)
	e.bus.Publish(bus.TopicSchemaMigrated, bus.SchemaMigratedEvent{FromVersion: current, ToVersion: target})
	return res, nil
}

func (e *Engine) runStep(ctx context.Context, tx *sql.Tx, s Script) (err error) {
	ctx, span := otelpkg.StartSpan(ctx, "migrate.step", otelpkg.AttrVersion.String(s.Version()))
	defer func() {
		otelpkg.EndSpan(span, err)
		e.metrics.RecordMigrationStep(ctx, s.Version(), err == nil)
	}()

	if err := s.ValidatePreconditions(ctx, tx); err != nil {
		return shared.MigrationErr(s.Version(), fmt.Errorf("precondition: %w", err))
	}
	if err := s.Upgrade(ctx, tx); err != nil {
		return shared.MigrationErr(s.Version(), fmt.Errorf("upgrade: %w", err))
	}
	if err := s.ValidatePostconditions(ctx, tx); err != nil {
		return shared.MigrationErr(s.Version(), fmt.Errorf("postcondition: %w", err))
	}
	e.logger.Info("migration step applied", "version", s.Version(), "description", s.Description())
	return nil
}

// freshInstall creates the latest schema and stamps the latest version with
// no intermediate history. Upgrades are replayed because they are
// idempotent: on a new database they change nothing, and they reshape any
// empty tables an older build left behind.
func (e *Engine) freshInstall(ctx context.Context) (Result, error) {
	e.setState(StateMigrating)
	latest := e.latest
	var deferred []string
	err := e.store.InTx(ctx, func(tx *sql.Tx) error {
		if err := persistence.CreateTables(ctx, tx); err != nil {
			return shared.MigrationErr(latest, err)
		}
		for _, v := range sortedVersions(e.scripts) {
			if err := e.scripts[v].Upgrade(ctx, tx); err != nil {
				return shared.MigrationErr(v, fmt.Errorf("reconcile: %w", err))
			}
		}
		var err error
		if deferred, err = e.ensureIndexes(ctx, tx); err != nil {
			return err
		}
		return persistence.SetDBVersion(ctx, tx, latest, freshDescription, nil)
	})
	if err != nil {
		e.setState(StateFailed)
		e.logger.Error("fresh install failed", "error", err)
		return Result{}, err
	}
	e.setState(StateUpToDate)
	e.logger.Info("fresh database initialized", "version", latest)
	e.bus.Publish(bus.TopicSchemaMigrated, bus.SchemaMigratedEvent{ToVersion: latest, Fresh: true})
	return Result{To: latest, Fresh: true, Applied: []string{}, DeferredIndexes: deferred}, nil
}

// ensureIndexes creates every index the current schema can hold and returns
// the names it had to skip. Indexes over columns added by later versions, or
// unique indexes whose data is only cleaned up by a later version, are
// skipped until those versions run. Skipped indexes stay visible through
// GetMigrationStatus.
func (e *Engine) ensureIndexes(ctx context.Context, q persistence.Querier) ([]string, error) {
	var deferred []string
	for _, stmt := range persistence.Indexes {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			if strings.Contains(err.Error(), "no such column") || persistence.IsConstraint(err) {
				name := persistence.IndexName(stmt)
				e.logger.Warn("index deferred", "index", name, "error", err)
				deferred = append(deferred, name)
				continue
			}
			return nil, shared.MigrationErr("indexes", err)
		}
	}
	return deferred, nil
}

// Status is the payload of GetMigrationStatus.
type Status struct {
	CurrentVersion      string   `json:"current_version"`
	LatestVersion       string   `json:"latest_version"`
	NeedsMigration      bool     `json:"needs_migration"`
	Fresh               bool     `json:"fresh"`
	MigrationPath       []string `json:"migration_path"`
	AvailableMigrations []string `json:"available_migrations"`
	State               State    `json:"state"`
	MissingIndexes      []string `json:"missing_indexes"`
}

// GetMigrationStatus reports where the database stands relative to the
// latest script.
func (e *Engine) GetMigrationStatus(ctx context.Context) (Status, error) {
	latest, err := e.LatestVersion()
	if err != nil {
		return Status{}, err
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		CurrentVersion:      current,
		LatestVersion:       latest,
		MigrationPath:       []string{},
		AvailableMigrations: sortedVersions(e.scripts),
		State:               e.State(),
		MissingIndexes:      []string{},
	}
	if current == "" {
		st.Fresh = true
		st.NeedsMigration = true
		st.MigrationPath = []string{latest}
		return st, nil
	}
	path, err := e.Path(current, latest)
	if err != nil {
		return st, err
	}
	for _, s := range path {
		st.MigrationPath = append(st.MigrationPath, s.Version())
	}
	st.NeedsMigration = len(path) > 0
	missing, err := persistence.MissingIndexes(ctx, e.store.DB())
	if err != nil {
		return st, err
	}
	if len(missing) > 0 {
		st.MissingIndexes = missing
	}
	return st, nil
}

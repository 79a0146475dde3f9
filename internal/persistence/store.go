// Package persistence is the embedded SQLite storage layer: connection pool,
// per-connection pragmas, transactional scopes, entity rows and their queries.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3_agentcore"

const (
	defaultPoolSize    = 5
	defaultMaxOverflow = 10
	defaultRecycle     = 3600 * time.Second
	defaultBusyTimeout = 60 * time.Second

	busyRetries = 5
)

// connectionPragmas run once on every new physical connection.
var connectionPragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA cache_size=-40000;",
	"PRAGMA mmap_size=268435456;",
	"PRAGMA foreign_keys=ON;",
	"PRAGMA temp_store=MEMORY;",
}

var (
	registerOnce sync.Once
	connections  atomic.Int64
)

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				for _, q := range connectionPragmas {
					if _, err := conn.Exec(q, nil); err != nil {
						return fmt.Errorf("set pragma %q: %w", q, err)
					}
				}
				connections.Add(1)
				return nil
			},
		})
	})
}

// ConnectionsOpened reports how many physical connections have been
// initialized by this process.
func ConnectionsOpened() int64 {
	return connections.Load()
}

// Options tunes the connection pool. Zero values take the defaults
// (pool 5, overflow 10, recycle 1h, busy timeout 60s, pre-ping on).
type Options struct {
	PoolSize    int
	MaxOverflow int
	Recycle     time.Duration
	BusyTimeout time.Duration
	SkipPrePing bool
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.MaxOverflow < 0 {
		o.MaxOverflow = 0
	} else if o.MaxOverflow == 0 {
		o.MaxOverflow = defaultMaxOverflow
	}
	if o.Recycle <= 0 {
		o.Recycle = defaultRecycle
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = defaultBusyTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// DefaultDBPath is ~/.agentcore/agentcore.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentcore", "agentcore.db")
}

// Open opens (creating if needed) the database file at path. Schema creation
// is owned by the migrate package, not by Open.
func Open(path string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if path == "" {
		path = DefaultDBPath()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	registerDriver()
	// _txlock=immediate takes the write lock at BEGIN so concurrent scopes
	// wait on busy_timeout instead of failing on lock upgrade.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate", abs, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize + opts.MaxOverflow)
	db.SetMaxIdleConns(opts.PoolSize)
	db.SetConnMaxLifetime(opts.Recycle)

	if !opts.SkipPrePing {
		ctx, cancel := context.WithTimeout(context.Background(), opts.BusyTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping sqlite3: %w", err)
		}
	}

	opts.Logger.Debug("database opened", "path", abs,
		"pool_size", opts.PoolSize, "max_overflow", opts.MaxOverflow)
	return &Store{db: db, path: abs, logger: opts.Logger}, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Path is the normalized absolute path of the database file.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InTx runs fn inside one transaction: commit on nil, rollback on error or
// panic. BEGIN and COMMIT are retried while SQLite reports BUSY.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	var tx *sql.Tx
	if err := retryOnBusy(ctx, busyRetries, func() error {
		var beginErr error
		tx, beginErr = s.db.BeginTx(ctx, nil)
		return beginErr
	}); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = retryOnBusy(ctx, busyRetries, tx.Commit); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// IsConstraint reports whether err is a SQLite constraint violation
// (foreign key, unique, not null, check).
func IsConstraint(err error) bool {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// Package service exposes the entity operations callers use. Every public
// operation runs in one transaction and answers with a Result envelope;
// failures are rolled back, logged and reported in Result.Error.
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/basket/agentcore/internal/bus"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
)

// Result is the uniform answer of every service operation.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`

	// Kind classifies a failure; it is not serialized.
	Kind shared.Kind `json:"-"`
}

// OK builds a successful result.
func OK(id string, data any) Result {
	return Result{Success: true, ID: id, Data: data}
}

// Fail builds a failed result from err.
func Fail(err error) Result {
	return Result{Success: false, Error: err.Error(), Kind: shared.KindOf(err)}
}

// Err returns the failure as an error, or nil for a success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &shared.Error{Kind: r.Kind, Message: r.Error}
}

// Deps wires the collaborators shared by every service.
type Deps struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Metrics   *otelpkg.Metrics
	Bus       *bus.Bus
	Scheduler *scheduler.Scheduler
}

type core struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otelpkg.Metrics
	bus     *bus.Bus
	sched   *scheduler.Scheduler
	name    string
}

func newCore(d Deps, name string) *core {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sched := d.Scheduler
	if sched == nil {
		sched = scheduler.New(d.Store, scheduler.Options{Logger: logger, Metrics: d.Metrics, Bus: d.Bus})
	}
	return &core{
		store:   d.Store,
		logger:  logger.With("component", "service", "service", name),
		metrics: d.Metrics,
		bus:     d.Bus,
		sched:   sched,
		name:    name,
	}
}

// run executes fn in one transaction, wrapping it in a span and recording
// the outcome. A returned error rolls back and becomes a failed Result.
func (c *core) run(ctx context.Context, op string, fn func(tx *sql.Tx) (Result, error)) Result {
	start := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, c.name+"."+op,
		otelpkg.AttrService.String(c.name), otelpkg.AttrOperation.String(op))

	var res Result
	err := c.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = fn(tx)
		return err
	})
	otelpkg.EndSpan(span, err)
	c.metrics.RecordServiceOp(ctx, c.name, op, time.Since(start), err == nil)
	if err != nil {
		c.log(ctx, op, err)
		return Fail(err)
	}
	return res
}

// read runs fn against the pool without a transaction.
func (c *core) read(ctx context.Context, op string, fn func(q persistence.Querier) (Result, error)) Result {
	return c.call(ctx, op, func(context.Context) (Result, error) { return fn(c.store.DB()) })
}

// call is for operations that delegate to a collaborator owning its own
// transaction, such as the scheduler.
func (c *core) call(ctx context.Context, op string, fn func(ctx context.Context) (Result, error)) Result {
	start := time.Now()
	ctx, span := otelpkg.StartSpan(ctx, c.name+"."+op,
		otelpkg.AttrService.String(c.name), otelpkg.AttrOperation.String(op))
	res, err := fn(ctx)
	otelpkg.EndSpan(span, err)
	c.metrics.RecordServiceOp(ctx, c.name, op, time.Since(start), err == nil)
	if err != nil {
		c.log(ctx, op, err)
		return Fail(err)
	}
	return res
}

// Runner lends the envelope helpers to stores outside this package, so chat
// and avatar operations answer and log the same way.
type Runner struct {
	c *core
}

func NewRunner(d Deps, name string) Runner {
	return Runner{c: newCore(d, name)}
}

func (r Runner) Run(ctx context.Context, op string, fn func(tx *sql.Tx) (Result, error)) Result {
	return r.c.run(ctx, op, fn)
}

func (r Runner) Read(ctx context.Context, op string, fn func(q persistence.Querier) (Result, error)) Result {
	return r.c.read(ctx, op, fn)
}

func (r Runner) Call(ctx context.Context, op string, fn func(ctx context.Context) (Result, error)) Result {
	return r.c.call(ctx, op, fn)
}

func (r Runner) Logger() *slog.Logger { return r.c.logger }

func (r Runner) Metrics() *otelpkg.Metrics { return r.c.metrics }

func (c *core) log(ctx context.Context, op string, err error) {
	kind := shared.KindOf(err)
	level := slog.LevelWarn
	if kind == shared.KindUnknown || kind == shared.KindIntegrity || kind == shared.KindData {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "operation failed",
		"op", op, "kind", string(kind), "trace_id", shared.TraceID(ctx), "error", err)
}

// row is the constraint shared by the entity types the generic primitives
// handle.
type row[M any] interface {
	*M
	persistence.Model
	persistence.Describer
	persistence.Mapper
}

// crud implements add, get, update, delete and search for one entity type.
// Services embed it and override what needs relation handling.
type crud[M any, PM row[M]] struct {
	*core
}

// Add inserts m and returns its id.
func (s crud[M, PM]) Add(ctx context.Context, m PM) Result {
	return s.run(ctx, "add", func(tx *sql.Tx) (Result, error) {
		if m.SearchName() == "" {
			return Result{}, shared.Validation("name is required")
		}
		if err := persistence.Insert(ctx, tx, m); err != nil {
			return Result{}, err
		}
		return OK(m.GetID(), m.ToMap(false)), nil
	})
}

// Get loads one row.
func (s crud[M, PM]) Get(ctx context.Context, id string) Result {
	return s.read(ctx, "get", func(q persistence.Querier) (Result, error) {
		m, err := persistence.GetByID[M, PM](ctx, q, id)
		if err != nil {
			return Result{}, err
		}
		return OK(id, m.ToMap(false)), nil
	})
}

// Update applies a partial update.
func (s crud[M, PM]) Update(ctx context.Context, id string, fields map[string]any) Result {
	return s.run(ctx, "update", func(tx *sql.Tx) (Result, error) {
		if err := persistence.UpdateFields[M, PM](ctx, tx, id, normalizeFields(fields)); err != nil {
			return Result{}, err
		}
		m, err := persistence.GetByID[M, PM](ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		return OK(id, m.ToMap(false)), nil
	})
}

// Delete removes one row.
func (s crud[M, PM]) Delete(ctx context.Context, id string) Result {
	return s.run(ctx, "delete", func(tx *sql.Tx) (Result, error) {
		if err := persistence.DeleteByID[M, PM](ctx, tx, id); err != nil {
			return Result{}, err
		}
		return OK(id, nil), nil
	})
}

// Search filters by id, name substring and description regexp.
func (s crud[M, PM]) Search(ctx context.Context, f persistence.SearchFilter) Result {
	return s.read(ctx, "search", func(q persistence.Querier) (Result, error) {
		rows, err := persistence.Search[M, PM](ctx, q, f)
		if err != nil {
			return Result{}, err
		}
		return OK("", persistence.MapAll(rows, false)), nil
	})
}

// listWhere returns every row matching clause.
func (s crud[M, PM]) listWhere(ctx context.Context, op, clause string, args ...any) Result {
	return s.read(ctx, op, func(q persistence.Querier) (Result, error) {
		rows, err := persistence.List[M, PM](ctx, q, clause, args...)
		if err != nil {
			return Result{}, err
		}
		return OK("", persistence.MapAll(rows, false)), nil
	})
}

// listFields are the columns callers may send as a comma string or a list.
var listFields = map[string]bool{
	"title": true, "personalities": true, "capabilities": true, "tags": true,
	"objectives": true, "limitations": true, "dependencies": true,
	"access_methods": true, "categories": true, "permissions": true,
}

// normalizeFields converts list-valued patch fields to StringList so they
// are stored as JSON arrays whatever shape the caller used.
func normalizeFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if listFields[k] {
			out[k] = persistence.ParseStringList(v)
			continue
		}
		out[k] = v
	}
	return out
}

// Package cron drives time-based work: it assigns tasks whose schedule.cron
// is due and periodically sweeps vehicles that stopped sending heartbeats.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/service"
	"github.com/basket/agentcore/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ExtLastRun is the task ext key holding the time the schedule last fired.
const ExtLastRun = "cron_last_run"

// DefaultSweepSpec runs the stale vehicle sweep every five minutes.
const DefaultSweepSpec = "*/5 * * * *"

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Services     *service.Services
	Logger       *slog.Logger
	Interval     time.Duration // tick interval; defaults to 1 minute if zero
	SweepSpec    string        // cron expression for the vehicle sweep; DefaultSweepSpec if empty
	StaleTimeout time.Duration // heartbeat age that marks a vehicle offline
}

// Scheduler periodically assigns due scheduled tasks and sweeps stale
// vehicles.
type Scheduler struct {
	svc          *service.Services
	logger       *slog.Logger
	interval     time.Duration
	sweepSpec    string
	staleTimeout time.Duration

	sweeper *cronlib.Cron
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	spec := cfg.SweepSpec
	if spec == "" {
		spec = DefaultSweepSpec
	}
	return &Scheduler{
		svc:          cfg.Services,
		logger:       logger.With("component", "cron"),
		interval:     interval,
		sweepSpec:    spec,
		staleTimeout: cfg.StaleTimeout,
	}
}

// Start begins the scheduler loop and the vehicle sweep. Both stop when ctx
// is cancelled or Stop is called. An invalid sweep expression is returned
// before anything starts.
func (s *Scheduler) Start(ctx context.Context) error {
	sweeper := cronlib.New(cronlib.WithParser(cronParser))
	if _, err := sweeper.AddFunc(s.sweepSpec, func() { s.sweep(ctx) }); err != nil {
		return shared.Validation("invalid sweep schedule %q: %v", s.sweepSpec, err)
	}
	s.sweeper = sweeper
	sweeper.Start()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "sweep", s.sweepSpec)
	return nil
}

// Stop cancels the scheduler loop and waits for it and any running sweep
// to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.sweeper != nil {
		<-s.sweeper.Stop().Done()
	}
	s.logger.Info("cron scheduler stopped")
}

// loop is the main scheduler loop. It ticks at the configured interval and
// fires every due schedule.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick loads scheduled tasks and fires those whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	tasks, err := persistence.List[persistence.Task](ctx, s.svc.Scheduler.Store().DB(),
		`WHERE "trigger" = ? AND "status" NOT IN (?, ?) ORDER BY "created_at"`,
		persistence.TriggerScheduled, persistence.AssignCancelled, persistence.AssignCompleted)
	if err != nil {
		s.logger.Error("cron: failed to query scheduled tasks", "error", err)
		return
	}
	for _, t := range tasks {
		expr := t.ScheduleCron()
		if expr == "" {
			continue
		}
		next, err := NextRunTime(expr, lastRun(t))
		if err != nil {
			s.logger.Warn("cron: invalid task schedule", "task_id", t.ID, "cron_expr", expr, "error", err)
			continue
		}
		if next.After(now) {
			continue
		}
		s.fire(ctx, t, now)
	}
}

func lastRun(t *persistence.Task) time.Time {
	if raw := t.Ext.GetString(ExtLastRun); raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
	}
	return t.CreatedAt
}

// fire assigns the task to the best capable agent that is not already
// running it, on the least loaded vehicle when one is available, then
// records the run.
func (s *Scheduler) fire(ctx context.Context, t *persistence.Task, now time.Time) {
	sched := s.svc.Scheduler
	at, candidates, err := sched.AssignBest(ctx, t.ID, t.Priority)
	if err != nil {
		s.logger.Error("cron: failed to assign task", "task_id", t.ID, "error", err)
		return
	}
	assigned, vehicleID := "", ""
	if at != nil {
		assigned, vehicleID = at.ID, persistence.Deref(at.VehicleID)
	} else {
		s.logger.Warn("cron: no agent available for scheduled task", "task_id", t.ID, "candidates", candidates)
	}

	t.Ext.Set(ExtLastRun, now.Format(time.RFC3339Nano))
	if err := persistence.UpdateFields[persistence.Task](ctx, sched.Store().DB(), t.ID,
		map[string]any{"ext": t.Ext}); err != nil {
		s.logger.Error("cron: failed to record schedule run", "task_id", t.ID, "error", err)
		return
	}

	next, _ := NextRunTime(t.ScheduleCron(), now)
	s.logger.Info("cron: schedule fired",
		"task_id", t.ID,
		"task_name", t.Name,
		"assignment_id", assigned,
		"vehicle_id", vehicleID,
		"next_run_at", next,
	)
}

// sweep marks vehicles without a recent heartbeat offline.
func (s *Scheduler) sweep(ctx context.Context) {
	res := s.svc.Vehicles.CleanupStaleVehicles(ctx, s.staleTimeout)
	if !res.Success {
		s.logger.Error("cron: vehicle sweep failed", "error", res.Error)
	}
}

// Sweep runs the vehicle sweep once, outside the cron schedule.
func (s *Scheduler) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

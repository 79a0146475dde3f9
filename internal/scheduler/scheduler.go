// Package scheduler matches tasks to agents and vehicles and drives the
// agent-task execution state machine.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/basket/agentcore/internal/bus"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
)

// DefaultDuration is the per-skill estimate used when neither a configured
// duration nor execution history exists.
const DefaultDuration = 300 * time.Second

// MinVehicleHealth is the health score a vehicle must exceed to be picked.
const MinVehicleHealth = 0.5

type Options struct {
	Logger          *slog.Logger
	Metrics         *otelpkg.Metrics
	Bus             *bus.Bus
	DefaultDuration time.Duration
}

type Scheduler struct {
	store           *persistence.Store
	logger          *slog.Logger
	metrics         *otelpkg.Metrics
	bus             *bus.Bus
	defaultDuration time.Duration
}

func New(store *persistence.Store, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := opts.DefaultDuration
	if d <= 0 {
		d = DefaultDuration
	}
	return &Scheduler{
		store:           store,
		logger:          logger.With("component", "scheduler"),
		metrics:         opts.Metrics,
		bus:             opts.Bus,
		defaultDuration: d,
	}
}

// Store exposes the backing store to collaborators that share a scope.
func (s *Scheduler) Store() *persistence.Store {
	return s.store
}

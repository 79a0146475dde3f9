package service

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
)

// DefaultStaleTimeout is how long an online vehicle may go without a
// heartbeat before CleanupStaleVehicles marks it offline.
const DefaultStaleTimeout = 10 * time.Minute

type VehicleService struct {
	crud[persistence.Vehicle, *persistence.Vehicle]
}

func NewVehicleService(d Deps) *VehicleService {
	return &VehicleService{crud[persistence.Vehicle, *persistence.Vehicle]{newCore(d, "vehicle")}}
}

var vehicleStatuses = []string{
	persistence.VehicleOnline, persistence.VehicleOffline, persistence.VehicleBusy,
	persistence.VehicleMaintenance, persistence.VehicleIdle,
}

func validateVehicle(v *persistence.Vehicle) error {
	if v.Status != "" && !slices.Contains(vehicleStatuses, v.Status) {
		return shared.Validation("unknown vehicle status %q", v.Status)
	}
	if v.HealthScore < 0 || v.HealthScore > 1 {
		return shared.Validation("health_score must be within 0..1, got %v", v.HealthScore)
	}
	if v.MaxConcurrentTasks < 0 {
		return shared.Validation("max_concurrent_tasks must not be negative")
	}
	return nil
}

func (s *VehicleService) Add(ctx context.Context, v *persistence.Vehicle) Result {
	if err := validateVehicle(v); err != nil {
		return Fail(err)
	}
	return s.crud.Add(ctx, v)
}

// UpdateVehicleStatus sets the status and publishes the change.
func (s *VehicleService) UpdateVehicleStatus(ctx context.Context, id, status string) Result {
	var old string
	res := s.run(ctx, "update_status", func(tx *sql.Tx) (Result, error) {
		if !slices.Contains(vehicleStatuses, status) {
			return Result{}, shared.Validation("unknown vehicle status %q", status)
		}
		v, err := persistence.GetByID[persistence.Vehicle](ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		old = v.Status
		if err := persistence.UpdateFields[persistence.Vehicle](ctx, tx, id, map[string]any{"status": status}); err != nil {
			return Result{}, err
		}
		v.Status = status
		return OK(id, v.ToMap(false)), nil
	})
	if res.Success && old != status {
		s.bus.Publish(bus.TopicVehicleStatus, bus.VehicleStatusEvent{VehicleID: id, OldStatus: old, NewStatus: status})
		s.logger.Info("vehicle status changed", "vehicle_id", id, "from", old, "to", status)
	}
	return res
}

// Heartbeat reports liveness. Optional fields update health and uptime.
type Heartbeat struct {
	HealthScore   *float64
	UptimeSeconds *int64
}

// UpdateHeartbeat stamps last_heartbeat. An offline vehicle that reports in
// comes back online.
func (s *VehicleService) UpdateHeartbeat(ctx context.Context, id string, hb Heartbeat) Result {
	var old string
	res := s.run(ctx, "heartbeat", func(tx *sql.Tx) (Result, error) {
		v, err := persistence.GetByID[persistence.Vehicle](ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		old = v.Status
		fields := map[string]any{"last_heartbeat": time.Now().UTC()}
		if hb.HealthScore != nil {
			if *hb.HealthScore < 0 || *hb.HealthScore > 1 {
				return Result{}, shared.Validation("health_score must be within 0..1, got %v", *hb.HealthScore)
			}
			fields["health_score"] = *hb.HealthScore
		}
		if hb.UptimeSeconds != nil {
			fields["uptime_seconds"] = *hb.UptimeSeconds
		}
		if v.Status == persistence.VehicleOffline {
			fields["status"] = persistence.VehicleOnline
		}
		if err := persistence.UpdateFields[persistence.Vehicle](ctx, tx, id, fields); err != nil {
			return Result{}, err
		}
		if v, err = persistence.GetByID[persistence.Vehicle](ctx, tx, id); err != nil {
			return Result{}, err
		}
		return OK(id, v.ToMap(false)), nil
	})
	if res.Success && old == persistence.VehicleOffline {
		s.bus.Publish(bus.TopicVehicleStatus, bus.VehicleStatusEvent{
			VehicleID: id, OldStatus: old, NewStatus: persistence.VehicleOnline,
		})
	}
	return res
}

func (s *VehicleService) GetOnlineVehicles(ctx context.Context) Result {
	return s.listWhere(ctx, "get_online", `WHERE "status" = ? ORDER BY "created_at"`, persistence.VehicleOnline)
}

// GetAvailableVehicles lists healthy online or idle vehicles with spare
// capacity, each with its current load.
func (s *VehicleService) GetAvailableVehicles(ctx context.Context) Result {
	return s.read(ctx, "get_available", func(q persistence.Querier) (Result, error) {
		vs, err := persistence.List[persistence.Vehicle](ctx, q,
			`WHERE "status" IN (?, ?) AND "health_score" > ? ORDER BY "created_at", rowid`,
			persistence.VehicleOnline, persistence.VehicleIdle, scheduler.MinVehicleHealth)
		if err != nil {
			return Result{}, err
		}
		running, err := persistence.RunningCountByVehicle(ctx, q)
		if err != nil {
			return Result{}, err
		}
		out := make([]map[string]any, 0, len(vs))
		for _, v := range vs {
			if running[v.ID] >= v.MaxConcurrentTasks {
				continue
			}
			m := v.ToMap(false)
			m["running_tasks"] = running[v.ID]
			out = append(out, m)
		}
		return OK("", out), nil
	})
}

// VehicleStats summarizes the fleet.
type VehicleStats struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByType         map[string]int `json:"by_type"`
	AvgHealthScore float64        `json:"avg_health_score"`
	RunningTasks   int            `json:"running_tasks"`
}

func (s *VehicleService) GetVehicleStatistics(ctx context.Context) Result {
	return s.read(ctx, "statistics", func(q persistence.Querier) (Result, error) {
		vs, err := persistence.List[persistence.Vehicle](ctx, q, "")
		if err != nil {
			return Result{}, err
		}
		st := VehicleStats{ByStatus: map[string]int{}, ByType: map[string]int{}}
		var health float64
		for _, v := range vs {
			st.Total++
			st.ByStatus[v.Status]++
			st.ByType[v.VehicleType]++
			health += v.HealthScore
		}
		if st.Total > 0 {
			st.AvgHealthScore = health / float64(st.Total)
		}
		running, err := persistence.RunningCountByVehicle(ctx, q)
		if err != nil {
			return Result{}, err
		}
		for _, n := range running {
			st.RunningTasks += n
		}
		return OK("", st), nil
	})
}

// CleanupStaleVehicles marks online vehicles offline when their last
// heartbeat is older than timeout (DefaultStaleTimeout when zero). Vehicles
// that never sent one are judged by their registration time.
func (s *VehicleService) CleanupStaleVehicles(ctx context.Context, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	var stale []string
	res := s.run(ctx, "cleanup_stale", func(tx *sql.Tx) (Result, error) {
		online, err := persistence.List[persistence.Vehicle](ctx, tx, `WHERE "status" = ?`, persistence.VehicleOnline)
		if err != nil {
			return Result{}, err
		}
		cutoff := time.Now().UTC().Add(-timeout)
		for _, v := range online {
			seen := v.CreatedAt
			if v.LastHeartbeat != nil {
				seen = *v.LastHeartbeat
			}
			if !seen.Before(cutoff) {
				continue
			}
			if err := persistence.UpdateFields[persistence.Vehicle](ctx, tx, v.ID,
				map[string]any{"status": persistence.VehicleOffline}); err != nil {
				return Result{}, err
			}
			stale = append(stale, v.ID)
		}
		return OK("", map[string]any{"offline": len(stale), "vehicle_ids": stale}), nil
	})
	if res.Success {
		for _, id := range stale {
			s.bus.Publish(bus.TopicVehicleStatus, bus.VehicleStatusEvent{
				VehicleID: id, OldStatus: persistence.VehicleOnline, NewStatus: persistence.VehicleOffline,
			})
		}
		if len(stale) > 0 {
			s.logger.Info("stale vehicles marked offline", "count", len(stale), "timeout", timeout)
		}
	}
	return res
}

// GetVehicleLoad reports running assignments against capacity.
func (s *VehicleService) GetVehicleLoad(ctx context.Context, id string) Result {
	return s.call(ctx, "load", func(ctx context.Context) (Result, error) {
		load, err := s.sched.LoadOf(ctx, id)
		if err != nil {
			return Result{}, err
		}
		return OK(id, load), nil
	})
}

// FindBestVehicle picks the least loaded vehicle meeting req.
func (s *VehicleService) FindBestVehicle(ctx context.Context, req scheduler.VehicleRequirements) Result {
	return s.call(ctx, "find_best", func(ctx context.Context) (Result, error) {
		choice, err := s.sched.FindBestVehicle(ctx, req)
		if err != nil {
			return Result{}, err
		}
		m := choice.Vehicle.ToMap(false)
		m["load"] = choice.Load
		return OK(choice.Vehicle.ID, m), nil
	})
}

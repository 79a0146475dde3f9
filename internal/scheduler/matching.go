package scheduler

import (
	"context"
	"sort"
	"strings"

	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

// CapableAgent is one ranked match for a task.
type CapableAgent struct {
	AgentID         string   `json:"agent_id"`
	Skills          []string `json:"skills"`
	TotalExperience int      `json:"total_experience"`
	AvgSuccessRate  float64  `json:"avg_success_rate"`
}

// FindCapableAgents ranks the agents that hold every required skill of the
// task at minProficiency or better. Ranking is by total experience, then
// average success rate, both descending. A task without required skills
// has no capable agents.
func (s *Scheduler) FindCapableAgents(ctx context.Context, taskID, minProficiency string) (out []CapableAgent, err error) {
	ctx, span := otelpkg.StartSpan(ctx, "scheduler.find_capable_agents", otelpkg.AttrTaskID.String(taskID))
	defer func() { otelpkg.EndSpan(span, err) }()

	if minProficiency == "" {
		minProficiency = persistence.ProficiencyBeginner
	}
	minRank := persistence.ProficiencyRank(minProficiency)
	if minRank == 0 {
		return nil, shared.Validation("unknown proficiency level %q", minProficiency)
	}

	db := s.store.DB()
	if _, err := persistence.GetByID[persistence.Task](ctx, db, taskID); err != nil {
		return nil, err
	}
	required, err := persistence.List[persistence.TaskSkill](ctx, db,
		`WHERE "task_id" = ? AND "is_required" = 1 ORDER BY "execution_order", "created_at"`, taskID)
	if err != nil {
		return nil, err
	}
	if len(required) == 0 {
		return []CapableAgent{}, nil
	}

	skillIDs := make([]any, 0, len(required))
	need := map[string]bool{}
	for _, ts := range required {
		if !need[ts.SkillID] {
			need[ts.SkillID] = true
			skillIDs = append(skillIDs, ts.SkillID)
		}
	}
	holdings, err := persistence.List[persistence.AgentSkill](ctx, db,
		`WHERE "status" = 'active' AND "skill_id" IN (`+marks(len(skillIDs))+`) ORDER BY "agent_id", "created_at"`,
		skillIDs...)
	if err != nil {
		return nil, err
	}

	type tally struct {
		covered map[string]bool
		skills  []string
		xp      int
		rateSum float64
		rows    int
		tooWeak bool
	}
	byAgent := map[string]*tally{}
	var agents []string
	for _, h := range holdings {
		t, ok := byAgent[h.AgentID]
		if !ok {
			t = &tally{covered: map[string]bool{}}
			byAgent[h.AgentID] = t
			agents = append(agents, h.AgentID)
		}
		if persistence.ProficiencyRank(h.ProficiencyLevel) < minRank {
			t.tooWeak = true
		}
		if !t.covered[h.SkillID] {
			t.covered[h.SkillID] = true
			t.skills = append(t.skills, h.SkillID)
		}
		t.xp += h.ExperiencePoints
		t.rateSum += h.SuccessRate
		t.rows++
	}

	out = make([]CapableAgent, 0, len(agents))
	for _, id := range agents {
		t := byAgent[id]
		if t.tooWeak || len(t.covered) < len(need) {
			continue
		}
		out = append(out, CapableAgent{
			AgentID:         id,
			Skills:          t.skills,
			TotalExperience: t.xp,
			AvgSuccessRate:  t.rateSum / float64(t.rows),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalExperience != out[j].TotalExperience {
			return out[i].TotalExperience > out[j].TotalExperience
		}
		return out[i].AvgSuccessRate > out[j].AvgSuccessRate
	})
	s.logger.Debug("capable agents resolved", "task_id", taskID, "required", len(need), "matches", len(out))
	return out, nil
}

// VehicleRequirements narrows vehicle selection. Zero values do not filter.
type VehicleRequirements struct {
	Platform             string   `json:"platform,omitempty"`
	VehicleType          string   `json:"vehicle_type,omitempty"`
	MinHealthScore       float64  `json:"min_health_score,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
}

// VehicleLoad is the live load of one vehicle.
type VehicleLoad struct {
	VehicleID          string  `json:"vehicle_id"`
	RunningTasks       int     `json:"running_tasks"`
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
	LoadPercent        float64 `json:"load_percentage"`
}

// VehicleChoice is the result of FindBestVehicle.
type VehicleChoice struct {
	Vehicle *persistence.Vehicle
	Load    VehicleLoad
}

func loadOf(v *persistence.Vehicle, running int) VehicleLoad {
	capacity := v.MaxConcurrentTasks
	pct := 100.0
	if capacity > 0 {
		pct = float64(running) / float64(capacity) * 100
	}
	if pct > 100 {
		pct = 100
	}
	return VehicleLoad{VehicleID: v.ID, RunningTasks: running, MaxConcurrentTasks: capacity, LoadPercent: pct}
}

// FindBestVehicle returns the least loaded healthy vehicle that satisfies
// req. Ties go to the vehicle registered first.
func (s *Scheduler) FindBestVehicle(ctx context.Context, req VehicleRequirements) (choice *VehicleChoice, err error) {
	ctx, span := otelpkg.StartSpan(ctx, "scheduler.find_best_vehicle")
	defer func() { otelpkg.EndSpan(span, err) }()

	db := s.store.DB()
	candidates, err := persistence.List[persistence.Vehicle](ctx, db,
		`WHERE "status" IN (?, ?) AND "health_score" > ? ORDER BY "created_at", rowid`,
		persistence.VehicleOnline, persistence.VehicleIdle, MinVehicleHealth)
	if err != nil {
		return nil, err
	}
	running, err := persistence.RunningCountByVehicle(ctx, db)
	if err != nil {
		return nil, err
	}

	for _, v := range candidates {
		if req.Platform != "" && !strings.EqualFold(v.Platform, req.Platform) {
			continue
		}
		if req.VehicleType != "" && v.VehicleType != req.VehicleType {
			continue
		}
		if req.MinHealthScore > 0 && v.HealthScore < req.MinHealthScore {
			continue
		}
		if !hasAll(v.Capabilities, req.RequiredCapabilities) {
			continue
		}
		load := loadOf(v, running[v.ID])
		if choice == nil || load.LoadPercent < choice.Load.LoadPercent {
			choice = &VehicleChoice{Vehicle: v, Load: load}
		}
	}
	if choice == nil {
		return nil, shared.NotFound("no available vehicle matches the requirements")
	}
	return choice, nil
}

// LoadOf reports the running assignments of one vehicle against its capacity.
func (s *Scheduler) LoadOf(ctx context.Context, vehicleID string) (VehicleLoad, error) {
	db := s.store.DB()
	v, err := persistence.GetByID[persistence.Vehicle](ctx, db, vehicleID)
	if err != nil {
		return VehicleLoad{}, err
	}
	n, err := persistence.Count(ctx, db, persistence.TableAgentTaskRels,
		`"vehicle_id" = ? AND "status" = ?`, vehicleID, persistence.AssignRunning)
	if err != nil {
		return VehicleLoad{}, err
	}
	return loadOf(v, n), nil
}

// AgentLoad counts an agent's assignments that are not finished.
type AgentLoad struct {
	AgentID string `json:"agent_id"`
	Pending int    `json:"pending"`
	Running int    `json:"running"`
	Paused  int    `json:"paused"`
}

func (s *Scheduler) AgentLoadOf(ctx context.Context, agentID string) (AgentLoad, error) {
	db := s.store.DB()
	if _, err := persistence.GetByID[persistence.Agent](ctx, db, agentID); err != nil {
		return AgentLoad{}, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT "status", COUNT(*) FROM agent_task_rels WHERE "agent_id" = ? GROUP BY "status"`, agentID)
	if err != nil {
		return AgentLoad{}, err
	}
	defer rows.Close()
	load := AgentLoad{AgentID: agentID}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return AgentLoad{}, err
		}
		switch status {
		case persistence.AssignPending:
			load.Pending = n
		case persistence.AssignRunning:
			load.Running = n
		case persistence.AssignPaused:
			load.Paused = n
		}
	}
	return load, rows.Err()
}

func hasAll(have persistence.StringList, want []string) bool {
	for _, w := range want {
		if !have.Contains(w) {
			return false
		}
	}
	return true
}

func marks(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

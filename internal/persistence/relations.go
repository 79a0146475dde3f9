package persistence

import (
	"context"
	"fmt"
	"time"
)

// Relation id prefixes, one per association table.
const (
	PrefixAgentOrg       = "rel_ao_"
	PrefixAgentSkill     = "rel_as_"
	PrefixAgentTask      = "rel_at_"
	PrefixSkillTool      = "rel_st_"
	PrefixSkillKnowledge = "rel_sk_"
	PrefixTaskSkill      = "rel_ts_"
)

// Proficiency levels, lowest first.
const (
	ProficiencyBeginner     = "beginner"
	ProficiencyIntermediate = "intermediate"
	ProficiencyAdvanced     = "advanced"
	ProficiencyExpert       = "expert"
)

// ProficiencyRank maps a proficiency level to 1..4; unknown levels rank 0.
func ProficiencyRank(level string) int {
	switch level {
	case ProficiencyBeginner:
		return 1
	case ProficiencyIntermediate:
		return 2
	case ProficiencyAdvanced:
		return 3
	case ProficiencyExpert:
		return 4
	}
	return 0
}

func stampRel(b *Base, prefix string, now time.Time) {
	if b.ID == "" {
		b.ID = NewRelID(prefix)
	}
	b.Stamp(now)
}

// AgentOrg places an agent in an organization.
type AgentOrg struct {
	Base
	AgentID     string
	OrgID       string
	Role        string
	Permissions StringList
	AccessLevel string
	JoinDate    time.Time
	LeaveDate   *time.Time
	Status      string
}

func (r *AgentOrg) fields() []field {
	return append(r.baseFields(),
		field{"agent_id", &r.AgentID}, field{"org_id", &r.OrgID}, field{"role", &r.Role},
		field{"permissions", &r.Permissions}, field{"access_level", &r.AccessLevel},
		field{"join_date", &r.JoinDate}, field{"leave_date", &r.LeaveDate}, field{"status", &r.Status},
	)
}

func (r *AgentOrg) TableName() string { return TableAgentOrgRels }
func (r *AgentOrg) Columns() []string { return columnsOf(r.fields()) }
func (r *AgentOrg) Values() []any     { return pointersOf(r.fields()) }
func (r *AgentOrg) Pointers() []any   { return pointersOf(r.fields()) }

func (r *AgentOrg) Stamp(now time.Time) {
	stampRel(&r.Base, PrefixAgentOrg, now)
	if r.Role == "" {
		r.Role = "member"
	}
	if r.AccessLevel == "" {
		r.AccessLevel = "read"
	}
	if r.Status == "" {
		r.Status = "active"
	}
	if r.JoinDate.IsZero() {
		r.JoinDate = now
	}
}

func (r *AgentOrg) ToMap(bool) map[string]any {
	m := r.baseMap()
	m["agent_id"] = r.AgentID
	m["org_id"] = r.OrgID
	m["role"] = r.Role
	m["permissions"] = listOrEmpty(r.Permissions)
	m["access_level"] = r.AccessLevel
	m["join_date"] = Millis(r.JoinDate)
	m["leave_date"] = millisOrNil(r.LeaveDate)
	m["status"] = r.Status
	return m
}

// AgentSkill records an agent's proficiency in a skill.
type AgentSkill struct {
	Base
	AgentID          string
	SkillID          string
	ProficiencyLevel string
	ExperiencePoints int
	UsageCount       int
	SuccessRate      float64
	Priority         int
	LastUsed         *time.Time
	Status           string
}

func (r *AgentSkill) fields() []field {
	return append(r.baseFields(),
		field{"agent_id", &r.AgentID}, field{"skill_id", &r.SkillID},
		field{"proficiency_level", &r.ProficiencyLevel}, field{"experience_points", &r.ExperiencePoints},
		field{"usage_count", &r.UsageCount}, field{"success_rate", &r.SuccessRate},
		field{"priority", &r.Priority}, field{"last_used", &r.LastUsed}, field{"status", &r.Status},
	)
}

func (r *AgentSkill) TableName() string { return TableAgentSkillRels }
func (r *AgentSkill) Columns() []string { return columnsOf(r.fields()) }
func (r *AgentSkill) Values() []any     { return pointersOf(r.fields()) }
func (r *AgentSkill) Pointers() []any   { return pointersOf(r.fields()) }

func (r *AgentSkill) Stamp(now time.Time) {
	stampRel(&r.Base, PrefixAgentSkill, now)
	if r.ProficiencyLevel == "" {
		r.ProficiencyLevel = ProficiencyBeginner
	}
	if r.Status == "" {
		r.Status = "active"
	}
}

func (r *AgentSkill) ToMap(bool) map[string]any {
	m := r.baseMap()
	m["agent_id"] = r.AgentID
	m["skill_id"] = r.SkillID
	m["proficiency_level"] = r.ProficiencyLevel
	m["experience_points"] = r.ExperiencePoints
	m["usage_count"] = r.UsageCount
	m["success_rate"] = r.SuccessRate
	m["priority"] = r.Priority
	m["last_used"] = millisOrNil(r.LastUsed)
	m["status"] = r.Status
	return m
}

// Assignment states.
const (
	AssignPending   = "pending"
	AssignRunning   = "running"
	AssignPaused    = "paused"
	AssignCompleted = "completed"
	AssignFailed    = "failed"
	AssignCancelled = "cancelled"
)

// IsTerminal reports whether status ends an assignment.
func IsTerminal(status string) bool {
	return status == AssignCompleted || status == AssignFailed || status == AssignCancelled
}

// AgentTask is one execution of a task by an agent, optionally on a vehicle.
// Several rows per (agent, task) are kept as history.
type AgentTask struct {
	Base
	AgentID          string
	TaskID           string
	VehicleID        *string
	Status           string
	Priority         string
	Progress         float64
	ScheduledStart   *time.Time
	ActualStart      *time.Time
	ActualEnd        *time.Time
	EstimatedEnd     *time.Time
	ExecutionTime    *float64
	Result           JSON
	ErrorMessage     string
	ExecutionContext JSON
	RetryCount       int
	MaxRetries       int
}

// DefaultMaxRetries applies when an assignment request leaves the retry
// budget unset.
const DefaultMaxRetries = 3

func (r *AgentTask) fields() []field {
	return append(r.baseFields(),
		field{"agent_id", &r.AgentID}, field{"task_id", &r.TaskID}, field{"vehicle_id", &r.VehicleID},
		field{"status", &r.Status}, field{"priority", &r.Priority}, field{"progress", &r.Progress},
		field{"scheduled_start", &r.ScheduledStart}, field{"actual_start", &r.ActualStart},
		field{"actual_end", &r.ActualEnd}, field{"estimated_end", &r.EstimatedEnd},
		field{"execution_time", &r.ExecutionTime}, field{"result", &r.Result},
		field{"error_message", &r.ErrorMessage}, field{"execution_context", &r.ExecutionContext},
		field{"retry_count", &r.RetryCount}, field{"max_retries", &r.MaxRetries},
	)
}

func (r *AgentTask) TableName() string { return TableAgentTaskRels }
func (r *AgentTask) Columns() []string { return columnsOf(r.fields()) }
func (r *AgentTask) Values() []any     { return pointersOf(r.fields()) }
func (r *AgentTask) Pointers() []any   { return pointersOf(r.fields()) }

func (r *AgentTask) Stamp(now time.Time) {
	stampRel(&r.Base, PrefixAgentTask, now)
	if r.Status == "" {
		r.Status = AssignPending
	}
	if r.Priority == "" {
		r.Priority = "medium"
	}
}

func (r *AgentTask) ToMap(bool) map[string]any {
	m := r.baseMap()
	m["agent_id"] = r.AgentID
	m["task_id"] = r.TaskID
	m["vehicle_id"] = nullableString(r.VehicleID)
	m["status"] = r.Status
	m["priority"] = r.Priority
	m["progress"] = r.Progress
	m["scheduled_start"] = millisOrNil(r.ScheduledStart)
	m["actual_start"] = millisOrNil(r.ActualStart)
	m["actual_end"] = millisOrNil(r.ActualEnd)
	m["estimated_end"] = millisOrNil(r.EstimatedEnd)
	if r.ExecutionTime != nil {
		m["execution_time"] = *r.ExecutionTime
	} else {
		m["execution_time"] = nil
	}
	m["result"] = r.Result.Any()
	m["error_message"] = r.ErrorMessage
	m["execution_context"] = r.ExecutionContext.Any()
	m["retry_count"] = r.RetryCount
	m["max_retries"] = r.MaxRetries
	return m
}

// SkillTool declares that a skill depends on a tool.
type SkillTool struct {
	Base
	SkillID        string
	ToolID         string
	DependencyType string
	Importance     int
	ToolConfig     JSON
}

func (r *SkillTool) fields() []field {
	return append(r.baseFields(),
		field{"skill_id", &r.SkillID}, field{"tool_id", &r.ToolID},
		field{"dependency_type", &r.DependencyType}, field{"importance", &r.Importance},
		field{"tool_config", &r.ToolConfig},
	)
}

func (r *SkillTool) TableName() string { return TableSkillToolRels }
func (r *SkillTool) Columns() []string { return columnsOf(r.fields()) }
func (r *SkillTool) Values() []any     { return pointersOf(r.fields()) }
func (r *SkillTool) Pointers() []any   { return pointersOf(r.fields()) }

func (r *SkillTool) Stamp(now time.Time) {
	stampRel(&r.Base, PrefixSkillTool, now)
	if r.DependencyType == "" {
		r.DependencyType = "required"
	}
	if r.Importance == 0 {
		r.Importance = 1
	}
}

func (r *SkillTool) ToMap(bool) map[string]any {
	m := r.baseMap()
	m["skill_id"] = r.SkillID
	m["tool_id"] = r.ToolID
	m["dependency_type"] = r.DependencyType
	m["importance"] = r.Importance
	m["tool_config"] = r.ToolConfig.Any()
	return m
}

// SkillKnowledge declares that a skill depends on a knowledge base.
type SkillKnowledge struct {
	Base
	SkillID        string
	KnowledgeID    string
	DependencyType string
	AccessPattern  string
}

func (r *SkillKnowledge) fields() []field {
	return append(r.baseFields(),
		field{"skill_id", &r.SkillID}, field{"knowledge_id", &r.KnowledgeID},
		field{"dependency_type", &r.DependencyType}, field{"access_pattern", &r.AccessPattern},
	)
}

func (r *SkillKnowledge) TableName() string { return TableSkillKnowledgeRels }
func (r *SkillKnowledge) Columns() []string { return columnsOf(r.fields()) }
func (r *SkillKnowledge) Values() []any     { return pointersOf(r.fields()) }
func (r *SkillKnowledge) Pointers() []any   { return pointersOf(r.fields()) }

func (r *SkillKnowledge) Stamp(now time.Time) {
	stampRel(&r.Base, PrefixSkillKnowledge, now)
	if r.DependencyType == "" {
		r.DependencyType = "required"
	}
	if r.AccessPattern == "" {
		r.AccessPattern = "read"
	}
}

func (r *SkillKnowledge) ToMap(bool) map[string]any {
	m := r.baseMap()
	m["skill_id"] = r.SkillID
	m["knowledge_id"] = r.KnowledgeID
	m["dependency_type"] = r.DependencyType
	m["access_pattern"] = r.AccessPattern
	return m
}

// TaskSkill composes a skill into a task.
type TaskSkill struct {
	Base
	TaskID            string
	SkillID           string
	Role              string
	ExecutionOrder    int
	IsRequired        bool
	EstimatedDuration *int
	QualityThreshold  float64
	QualityScore      *float64
	Status            string
}

func (r *TaskSkill) fields() []field {
	return append(r.baseFields(),
		field{"task_id", &r.TaskID}, field{"skill_id", &r.SkillID}, field{"role", &r.Role},
		field{"execution_order", &r.ExecutionOrder}, field{"is_required", &r.IsRequired},
		field{"estimated_duration", &r.EstimatedDuration},
		field{"quality_threshold", &r.QualityThreshold}, field{"quality_score", &r.QualityScore},
		field{"status", &r.Status},
	)
}

func (r *TaskSkill) TableName() string { return TableTaskSkillRels }
func (r *TaskSkill) Columns() []string { return columnsOf(r.fields()) }
func (r *TaskSkill) Values() []any     { return pointersOf(r.fields()) }
func (r *TaskSkill) Pointers() []any   { return pointersOf(r.fields()) }

// Stamp fills defaults. IsRequired has no zero-value default; NewTaskSkill
// sets it.
func (r *TaskSkill) Stamp(now time.Time) {
	stampRel(&r.Base, PrefixTaskSkill, now)
	if r.Role == "" {
		r.Role = "primary"
	}
	if r.QualityThreshold == 0 {
		r.QualityThreshold = 0.8
	}
	if r.Status == "" {
		r.Status = AssignPending
	}
}

// NewTaskSkill returns a required, primary task-skill link.
func NewTaskSkill(taskID, skillID string) *TaskSkill {
	return &TaskSkill{TaskID: taskID, SkillID: skillID, Role: "primary", IsRequired: true}
}

func (r *TaskSkill) ToMap(bool) map[string]any {
	m := r.baseMap()
	m["task_id"] = r.TaskID
	m["skill_id"] = r.SkillID
	m["role"] = r.Role
	m["execution_order"] = r.ExecutionOrder
	m["is_required"] = r.IsRequired
	if r.EstimatedDuration != nil {
		m["estimated_duration"] = *r.EstimatedDuration
	} else {
		m["estimated_duration"] = nil
	}
	m["quality_threshold"] = r.QualityThreshold
	if r.QualityScore != nil {
		m["quality_score"] = *r.QualityScore
	} else {
		m["quality_score"] = nil
	}
	m["status"] = r.Status
	return m
}

// LoadAgentRelations fills a.Orgs, a.Skills and a.Tasks.
func LoadAgentRelations(ctx context.Context, q Querier, a *Agent) error {
	var err error
	if a.Orgs, err = List[AgentOrg](ctx, q, `WHERE "agent_id" = ? ORDER BY "created_at"`, a.ID); err != nil {
		return fmt.Errorf("load agent orgs: %w", err)
	}
	if a.Skills, err = List[AgentSkill](ctx, q, `WHERE "agent_id" = ? ORDER BY "created_at"`, a.ID); err != nil {
		return fmt.Errorf("load agent skills: %w", err)
	}
	if a.Tasks, err = List[AgentTask](ctx, q, `WHERE "agent_id" = ? ORDER BY "created_at"`, a.ID); err != nil {
		return fmt.Errorf("load agent tasks: %w", err)
	}
	return nil
}

// LoadSkillRelations fills s.Tools and s.Knowledges.
func LoadSkillRelations(ctx context.Context, q Querier, s *Skill) error {
	var err error
	if s.Tools, err = List[SkillTool](ctx, q, `WHERE "skill_id" = ? ORDER BY "importance" DESC, "created_at"`, s.ID); err != nil {
		return fmt.Errorf("load skill tools: %w", err)
	}
	if s.Knowledges, err = List[SkillKnowledge](ctx, q, `WHERE "skill_id" = ? ORDER BY "created_at"`, s.ID); err != nil {
		return fmt.Errorf("load skill knowledge: %w", err)
	}
	return nil
}

// LoadTaskRelations fills t.Skills ordered by execution order.
func LoadTaskRelations(ctx context.Context, q Querier, t *Task) error {
	var err error
	t.Skills, err = List[TaskSkill](ctx, q, `WHERE "task_id" = ? ORDER BY "execution_order", "created_at"`, t.ID)
	if err != nil {
		return fmt.Errorf("load task skills: %w", err)
	}
	return nil
}

// RunningAssignment returns the running row for (agent, task), or nil.
func RunningAssignment(ctx context.Context, q Querier, agentID, taskID string) (*AgentTask, error) {
	rows, err := List[AgentTask](ctx, q,
		`WHERE "agent_id" = ? AND "task_id" = ? AND "status" = ? LIMIT 1`,
		agentID, taskID, AssignRunning)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// RunningCountByVehicle returns the number of running assignments per vehicle.
func RunningCountByVehicle(ctx context.Context, q Querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT "vehicle_id", COUNT(*) FROM agent_task_rels
		 WHERE "status" = ? AND "vehicle_id" IS NOT NULL GROUP BY "vehicle_id"`, AssignRunning)
	if err != nil {
		return nil, fmt.Errorf("count running by vehicle: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}

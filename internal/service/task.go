package service

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/robfig/cron/v3"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
)

type TaskService struct {
	crud[persistence.Task, *persistence.Task]
}

func NewTaskService(d Deps) *TaskService {
	return &TaskService{crud[persistence.Task, *persistence.Task]{newCore(d, "task")}}
}

var (
	taskPriorities = []string{"low", "medium", "high", "urgent"}
	taskTriggers   = []string{persistence.TriggerManual, persistence.TriggerScheduled, persistence.TriggerEvent}
	taskSkillRoles = []string{"primary", "secondary", "optional", "fallback"}
)

// ExtPushNotification is the ext key holding a task's A2A callback config.
const ExtPushNotification = "push_notification"

func validateTask(t *persistence.Task) error {
	if t.Priority != "" && !slices.Contains(taskPriorities, t.Priority) {
		return shared.Validation("unknown task priority %q", t.Priority)
	}
	if t.Trigger != "" && !slices.Contains(taskTriggers, t.Trigger) {
		return shared.Validation("unknown task trigger %q", t.Trigger)
	}
	if t.Progress < 0 || t.Progress > 1 {
		return shared.Validation("progress must be within 0..1, got %v", t.Progress)
	}
	if t.Trigger == persistence.TriggerScheduled {
		expr := t.ScheduleCron()
		if expr == "" {
			return shared.Validation("scheduled task needs schedule.cron")
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return shared.Validation("invalid schedule.cron %q: %v", expr, err)
		}
	}
	return nil
}

// Add validates priority, trigger and schedule before inserting.
func (s *TaskService) Add(ctx context.Context, t *persistence.Task) Result {
	if err := validateTask(t); err != nil {
		return Fail(err)
	}
	return s.crud.Add(ctx, t)
}

// Update revalidates the merged row before writing.
func (s *TaskService) Update(ctx context.Context, id string, fields map[string]any) Result {
	return s.run(ctx, "update", func(tx *sql.Tx) (Result, error) {
		if err := persistence.UpdateFields[persistence.Task](ctx, tx, id, normalizeFields(fields)); err != nil {
			return Result{}, err
		}
		t, err := persistence.GetByID[persistence.Task](ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		if err := validateTask(t); err != nil {
			return Result{}, err
		}
		return OK(id, t.ToMap(false)), nil
	})
}

// GetTask loads one task; deep includes its skill links.
func (s *TaskService) GetTask(ctx context.Context, id string, deep bool) Result {
	return s.read(ctx, "get", func(q persistence.Querier) (Result, error) {
		t, err := persistence.GetByID[persistence.Task](ctx, q, id)
		if err != nil {
			return Result{}, err
		}
		if deep {
			if err := persistence.LoadTaskRelations(ctx, q, t); err != nil {
				return Result{}, err
			}
		}
		return OK(id, t.ToMap(deep)), nil
	})
}

// Delete removes the task's skill links and assignments, then the task.
func (s *TaskService) Delete(ctx context.Context, id string) Result {
	res := s.run(ctx, "delete", func(tx *sql.Tx) (Result, error) {
		for _, table := range []string{persistence.TableTaskSkillRels, persistence.TableAgentTaskRels} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE "task_id" = ?`, id); err != nil {
				return Result{}, fmt.Errorf("delete %s: %w", table, err)
			}
		}
		if err := persistence.DeleteByID[persistence.Task](ctx, tx, id); err != nil {
			return Result{}, err
		}
		return OK(id, nil), nil
	})
	audit.Record(ctx, "task:"+id, "task.delete", audit.Outcome(res.Err()), res.Error)
	return res
}

// CloneTask copies a task and its skill links under a new id. The copy
// starts pending with no progress or result.
func (s *TaskService) CloneTask(ctx context.Context, id, name string) Result {
	return s.run(ctx, "clone", func(tx *sql.Tx) (Result, error) {
		src, err := persistence.GetByID[persistence.Task](ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		if err := persistence.LoadTaskRelations(ctx, tx, src); err != nil {
			return Result{}, err
		}
		if name == "" {
			name = src.Name + " (copy)"
		}
		cp := &persistence.Task{
			Name:        name,
			Owner:       src.Owner,
			Description: src.Description,
			Priority:    src.Priority,
			Trigger:     src.Trigger,
			Objectives:  slices.Clone(src.Objectives),
			Schedule:    slices.Clone(src.Schedule),
		}
		if err := persistence.Insert(ctx, tx, cp); err != nil {
			return Result{}, err
		}
		for _, l := range src.Skills {
			link := &persistence.TaskSkill{
				TaskID:            cp.ID,
				SkillID:           l.SkillID,
				Role:              l.Role,
				ExecutionOrder:    l.ExecutionOrder,
				IsRequired:        l.IsRequired,
				EstimatedDuration: l.EstimatedDuration,
				QualityThreshold:  l.QualityThreshold,
			}
			if err := persistence.Insert(ctx, tx, link); err != nil {
				return Result{}, err
			}
			cp.Skills = append(cp.Skills, link)
		}
		return OK(cp.ID, cp.ToMap(true)), nil
	})
}

// TaskSkillOptions tune a task-skill link. Required defaults to true.
type TaskSkillOptions struct {
	Role              string
	ExecutionOrder    int
	Required          *bool
	EstimatedDuration *int
	QualityThreshold  float64
}

func (s *TaskService) AddSkill(ctx context.Context, taskID, skillID string, opts TaskSkillOptions) Result {
	return s.run(ctx, "add_skill", func(tx *sql.Tx) (Result, error) {
		if opts.Role != "" && !slices.Contains(taskSkillRoles, opts.Role) {
			return Result{}, shared.Validation("unknown task skill role %q", opts.Role)
		}
		if _, err := persistence.GetByID[persistence.Task](ctx, tx, taskID); err != nil {
			return Result{}, err
		}
		if _, err := persistence.GetByID[persistence.Skill](ctx, tx, skillID); err != nil {
			return Result{}, err
		}
		link := persistence.NewTaskSkill(taskID, skillID)
		if opts.Role != "" {
			link.Role = opts.Role
		}
		link.ExecutionOrder = opts.ExecutionOrder
		if opts.Required != nil {
			link.IsRequired = *opts.Required
		}
		link.EstimatedDuration = opts.EstimatedDuration
		link.QualityThreshold = opts.QualityThreshold
		if err := persistence.Insert(ctx, tx, link); err != nil {
			if shared.KindOf(err) == shared.KindIntegrity {
				return Result{}, shared.Conflict("task %s already uses skill %s", taskID, skillID)
			}
			return Result{}, err
		}
		return OK(link.ID, link.ToMap(false)), nil
	})
}

func (s *TaskService) RemoveSkill(ctx context.Context, taskID, skillID string) Result {
	return s.run(ctx, "remove_skill", func(tx *sql.Tx) (Result, error) {
		return deletePair(ctx, tx, persistence.TableTaskSkillRels, "task_id", taskID, "skill_id", skillID)
	})
}

// GetTaskSkills lists a task's skills in execution order, optionally only
// those with the given role. Each entry carries the link's fields and the
// skill's name.
func (s *TaskService) GetTaskSkills(ctx context.Context, taskID, role string) Result {
	return s.taskSkills(ctx, "get_skills", taskID, role, false)
}

func (s *TaskService) GetRequiredSkills(ctx context.Context, taskID string) Result {
	return s.taskSkills(ctx, "get_required_skills", taskID, "", true)
}

func (s *TaskService) taskSkills(ctx context.Context, op, taskID, role string, requiredOnly bool) Result {
	return s.read(ctx, op, func(q persistence.Querier) (Result, error) {
		if _, err := persistence.GetByID[persistence.Task](ctx, q, taskID); err != nil {
			return Result{}, err
		}
		clause := `WHERE "task_id" = ?`
		args := []any{taskID}
		if role != "" {
			clause += ` AND "role" = ?`
			args = append(args, role)
		}
		if requiredOnly {
			clause += ` AND "is_required" = 1`
		}
		links, err := persistence.List[persistence.TaskSkill](ctx, q, clause+` ORDER BY "execution_order", "created_at"`, args...)
		if err != nil {
			return Result{}, err
		}
		out := make([]map[string]any, 0, len(links))
		for _, l := range links {
			sk, err := persistence.GetByID[persistence.Skill](ctx, q, l.SkillID)
			if err != nil {
				return Result{}, err
			}
			m := l.ToMap(false)
			m["skill_name"] = sk.Name
			m["skill_level"] = sk.Level
			out = append(out, m)
		}
		return OK(taskID, out), nil
	})
}

// GetTaskExecutions lists a task's assignments, newest first.
func (s *TaskService) GetTaskExecutions(ctx context.Context, taskID string) Result {
	return s.executions(ctx, "get_executions", taskID, "")
}

func (s *TaskService) GetRunningExecutions(ctx context.Context, taskID string) Result {
	return s.executions(ctx, "get_running_executions", taskID, persistence.AssignRunning)
}

func (s *TaskService) executions(ctx context.Context, op, taskID, status string) Result {
	return s.read(ctx, op, func(q persistence.Querier) (Result, error) {
		clause := `WHERE "task_id" = ?`
		args := []any{taskID}
		if status != "" {
			clause += ` AND "status" = ?`
			args = append(args, status)
		}
		rows, err := persistence.List[persistence.AgentTask](ctx, q, clause+` ORDER BY "created_at" DESC, rowid DESC`, args...)
		if err != nil {
			return Result{}, err
		}
		return OK(taskID, persistence.MapAll(rows, false)), nil
	})
}

func (s *TaskService) GetTasksBySkill(ctx context.Context, skillID string) Result {
	return s.listWhere(ctx, "get_by_skill",
		`WHERE "id" IN (SELECT task_id FROM agent_task_skill_rels WHERE skill_id = ?) ORDER BY "created_at"`, skillID)
}

// GetScheduledTasks lists tasks driven by a cron schedule.
func (s *TaskService) GetScheduledTasks(ctx context.Context) Result {
	return s.listWhere(ctx, "get_scheduled",
		`WHERE "trigger" = ? AND "status" NOT IN ('cancelled') ORDER BY "created_at"`, persistence.TriggerScheduled)
}

// FindCapableAgents ranks agents holding every required skill of the task.
func (s *TaskService) FindCapableAgents(ctx context.Context, taskID, minProficiency string) Result {
	return s.call(ctx, "find_capable_agents", func(ctx context.Context) (Result, error) {
		agents, err := s.sched.FindCapableAgents(ctx, taskID, minProficiency)
		if err != nil {
			return Result{}, err
		}
		return OK(taskID, agents), nil
	})
}

// UpdateTaskStatus moves an assignment through its state machine.
func (s *TaskService) UpdateTaskStatus(ctx context.Context, u scheduler.StatusUpdate) Result {
	return s.call(ctx, "update_status", func(ctx context.Context) (Result, error) {
		at, err := s.sched.UpdateStatus(ctx, u)
		if err != nil {
			return Result{}, err
		}
		return OK(at.ID, at.ToMap(false)), nil
	})
}

// CancelTask cancels every unfinished assignment of the task.
func (s *TaskService) CancelTask(ctx context.Context, taskID string) Result {
	return s.call(ctx, "cancel", func(ctx context.Context) (Result, error) {
		n, err := s.sched.CancelTask(ctx, taskID)
		if err != nil {
			return Result{}, err
		}
		return OK(taskID, map[string]any{"cancelled": n}), nil
	})
}

func (s *TaskService) EstimateDuration(ctx context.Context, taskID string) Result {
	return s.call(ctx, "estimate_duration", func(ctx context.Context) (Result, error) {
		est, err := s.sched.EstimateDuration(ctx, taskID)
		if err != nil {
			return Result{}, err
		}
		return OK(taskID, est), nil
	})
}

func (s *TaskService) GetTaskStatistics(ctx context.Context, taskID string) Result {
	return s.call(ctx, "statistics", func(ctx context.Context) (Result, error) {
		st, err := s.sched.TaskStatistics(ctx, taskID)
		if err != nil {
			return Result{}, err
		}
		return OK(taskID, st), nil
	})
}

// SetPushConfig stores the task's callback config under
// ext.push_notification. A nil config removes it.
func (s *TaskService) SetPushConfig(ctx context.Context, taskID string, cfg map[string]any) Result {
	return s.run(ctx, "set_push_config", func(tx *sql.Tx) (Result, error) {
		t, err := persistence.GetByID[persistence.Task](ctx, tx, taskID)
		if err != nil {
			return Result{}, err
		}
		if cfg == nil {
			t.Ext.Remove(ExtPushNotification)
		} else {
			t.Ext.Set(ExtPushNotification, cfg)
		}
		if err := persistence.UpdateFields[persistence.Task](ctx, tx, taskID, map[string]any{"ext": t.Ext}); err != nil {
			return Result{}, err
		}
		return OK(taskID, cfg), nil
	})
}

// GetPushConfig returns ext.push_notification, or nil data when unset.
func (s *TaskService) GetPushConfig(ctx context.Context, taskID string) Result {
	return s.read(ctx, "get_push_config", func(q persistence.Querier) (Result, error) {
		t, err := persistence.GetByID[persistence.Task](ctx, q, taskID)
		if err != nil {
			return Result{}, err
		}
		v, _ := t.Ext.Get(ExtPushNotification)
		return OK(taskID, v), nil
	})
}

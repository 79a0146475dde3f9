package service

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
)

// AgentService manages agents and their org, skill and task relations.
type AgentService struct {
	crud[persistence.Agent, *persistence.Agent]
}

func NewAgentService(d Deps) *AgentService {
	return &AgentService{crud[persistence.Agent, *persistence.Agent]{newCore(d, "agent")}}
}

// relation keys accepted by CreateAgentFromData and UpdateAgent.
const (
	keyOrgID  = "org_id"
	keySkills = "skills"
	keyTasks  = "tasks"
)

// CreateAgentFromData builds an agent from loosely typed input and, in the
// same transaction, links it to its org, skills and tasks. title and
// personalities may be lists or comma separated strings.
func (s *AgentService) CreateAgentFromData(ctx context.Context, raw map[string]any, owner string) Result {
	return s.run(ctx, "create_from_data", func(tx *sql.Tx) (Result, error) {
		a, err := agentFromData(raw, owner)
		if err != nil {
			return Result{}, err
		}
		if err := persistence.Insert(ctx, tx, a); err != nil {
			return Result{}, err
		}
		if err := replaceAgentOrg(ctx, tx, a.ID, str(raw, keyOrgID)); err != nil {
			return Result{}, err
		}
		if err := replaceAgentSkills(ctx, tx, a.ID, idList(raw[keySkills], "skill_id")); err != nil {
			return Result{}, err
		}
		if err := replaceAgentTasks(ctx, tx, a.ID, idList(raw[keyTasks], "task_id"), persistence.Deref(a.VehicleID)); err != nil {
			return Result{}, err
		}
		if err := persistence.LoadAgentRelations(ctx, tx, a); err != nil {
			return Result{}, err
		}
		s.logger.Info("agent created", "agent_id", a.ID, "owner", a.Owner,
			"skills", len(a.Skills), "tasks", len(a.Tasks))
		return OK(a.ID, a.ToMap(true)), nil
	})
}

func agentFromData(raw map[string]any, owner string) (*persistence.Agent, error) {
	name := str(raw, "name")
	if name == "" {
		return nil, shared.Validation("agent name is required")
	}
	if o := str(raw, "owner"); o != "" && owner == "" {
		owner = o
	}
	status := str(raw, "status")
	if status != "" && status != persistence.AgentActive && status != persistence.AgentInactive &&
		status != persistence.AgentSuspended {
		return nil, shared.Validation("unknown agent status %q", status)
	}
	extra, err := jsonField(raw, "extra_data")
	if err != nil {
		return nil, err
	}
	return &persistence.Agent{
		Base:             persistence.Base{ID: str(raw, "id")},
		Name:             name,
		Owner:            owner,
		Description:      str(raw, "description"),
		Gender:           str(raw, "gender"),
		Title:            listOrEmpty(raw["title"]),
		Rank:             str(raw, "rank"),
		Birthday:         str(raw, "birthday"),
		Personalities:    listOrEmpty(raw["personalities"]),
		Capabilities:     listOrEmpty(raw["capabilities"]),
		SupervisorID:     persistence.OptString(str(raw, "supervisor_id")),
		VehicleID:        persistence.OptString(str(raw, "vehicle_id")),
		Status:           status,
		URL:              str(raw, "url"),
		AvatarResourceID: persistence.OptString(str(raw, "avatar_resource_id")),
		ExtraData:        extra,
	}, nil
}

func listOrEmpty(v any) persistence.StringList {
	if l := persistence.ParseStringList(v); l != nil {
		return l
	}
	return persistence.StringList{}
}

// UpdateAgent applies patch. When it names skills, tasks or org_id the
// agent's rows in those relations are replaced; other agents' rows are not
// touched.
func (s *AgentService) UpdateAgent(ctx context.Context, id string, patch map[string]any) Result {
	return s.run(ctx, "update", func(tx *sql.Tx) (Result, error) {
		fields := make(map[string]any, len(patch))
		for k, v := range patch {
			fields[k] = v
		}
		delete(fields, "id")
		orgID, hasOrg := take(fields, keyOrgID)
		skills, hasSkills := take(fields, keySkills)
		tasks, hasTasks := take(fields, keyTasks)

		a, err := persistence.GetByID[persistence.Agent](ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		if st, ok := fields["status"].(string); ok && st != persistence.AgentActive &&
			st != persistence.AgentInactive && st != persistence.AgentSuspended {
			return Result{}, shared.Validation("unknown agent status %q", st)
		}
		for _, k := range []string{"supervisor_id", "vehicle_id", "avatar_resource_id"} {
			if v, ok := fields[k].(string); ok && v == "" {
				fields[k] = nil
			}
		}
		if len(fields) > 0 {
			if err := persistence.UpdateFields[persistence.Agent](ctx, tx, id, normalizeFields(fields)); err != nil {
				return Result{}, err
			}
		}
		if hasOrg {
			if err := replaceAgentOrg(ctx, tx, id, asString(orgID)); err != nil {
				return Result{}, err
			}
		}
		if hasSkills {
			if err := replaceAgentSkills(ctx, tx, id, idList(skills, "skill_id")); err != nil {
				return Result{}, err
			}
		}
		if hasTasks {
			if err := replaceAgentTasks(ctx, tx, id, idList(tasks, "task_id"), persistence.Deref(a.VehicleID)); err != nil {
				return Result{}, err
			}
		}

		if a, err = persistence.GetByID[persistence.Agent](ctx, tx, id); err != nil {
			return Result{}, err
		}
		if err := persistence.LoadAgentRelations(ctx, tx, a); err != nil {
			return Result{}, err
		}
		return OK(id, a.ToMap(true)), nil
	})
}

func replaceAgentOrg(ctx context.Context, q persistence.Querier, agentID, orgID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM agent_org_rels WHERE "agent_id" = ?`, agentID); err != nil {
		return fmt.Errorf("clear agent orgs: %w", err)
	}
	if orgID == "" {
		return nil
	}
	if _, err := persistence.GetByID[persistence.Org](ctx, q, orgID); err != nil {
		return err
	}
	return persistence.Insert(ctx, q, &persistence.AgentOrg{AgentID: agentID, OrgID: orgID})
}

func replaceAgentSkills(ctx context.Context, q persistence.Querier, agentID string, skillIDs []string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM agent_skill_rels WHERE "agent_id" = ?`, agentID); err != nil {
		return fmt.Errorf("clear agent skills: %w", err)
	}
	for _, sid := range skillIDs {
		if _, err := persistence.GetByID[persistence.Skill](ctx, q, sid); err != nil {
			return err
		}
		if err := persistence.Insert(ctx, q, &persistence.AgentSkill{AgentID: agentID, SkillID: sid}); err != nil {
			return err
		}
	}
	return nil
}

// replaceAgentTasks swaps the agent's assignments, one per distinct task id.
// A running assignment cannot be dropped this way.
func replaceAgentTasks(ctx context.Context, q persistence.Querier, agentID string, taskIDs []string, vehicleID string) error {
	keep := map[string]bool{}
	unique := make([]string, 0, len(taskIDs))
	for _, id := range taskIDs {
		if !keep[id] {
			keep[id] = true
			unique = append(unique, id)
		}
	}
	running, err := persistence.List[persistence.AgentTask](ctx, q,
		`WHERE "agent_id" = ? AND "status" = ?`, agentID, persistence.AssignRunning)
	if err != nil {
		return err
	}
	for _, r := range running {
		if !keep[r.TaskID] {
			return shared.Conflict("task %s is running for agent %s and cannot be unassigned", r.TaskID, agentID)
		}
	}
	if _, err := q.ExecContext(ctx,
		`DELETE FROM agent_task_rels WHERE "agent_id" = ? AND "status" <> ?`, agentID, persistence.AssignRunning); err != nil {
		return fmt.Errorf("clear agent tasks: %w", err)
	}
	for _, tid := range unique {
		running, err := persistence.RunningAssignment(ctx, q, agentID, tid)
		if err != nil {
			return err
		}
		if running != nil {
			continue
		}
		if _, err := scheduler.AssignIn(ctx, q, scheduler.AssignRequest{
			AgentID: agentID, TaskID: tid, VehicleID: vehicleID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAgent removes the agent's relation rows, then the agent.
func (s *AgentService) DeleteAgent(ctx context.Context, id string) Result {
	res := s.run(ctx, "delete", func(tx *sql.Tx) (Result, error) {
		for _, table := range []string{
			persistence.TableAgentOrgRels, persistence.TableAgentSkillRels, persistence.TableAgentTaskRels,
		} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE "agent_id" = ?`, id); err != nil {
				return Result{}, fmt.Errorf("delete %s: %w", table, err)
			}
		}
		if err := persistence.DeleteByID[persistence.Agent](ctx, tx, id); err != nil {
			return Result{}, err
		}
		return OK(id, nil), nil
	})
	audit.Record(ctx, "agent:"+id, "agent.delete", audit.Outcome(res.Err()), res.Error)
	return res
}

// Delete is DeleteAgent.
func (s *AgentService) Delete(ctx context.Context, id string) Result {
	return s.DeleteAgent(ctx, id)
}

// GetAgent loads one agent; deep includes its org, skill and task rows.
func (s *AgentService) GetAgent(ctx context.Context, id string, deep bool) Result {
	return s.read(ctx, "get", func(q persistence.Querier) (Result, error) {
		a, err := persistence.GetByID[persistence.Agent](ctx, q, id)
		if err != nil {
			return Result{}, err
		}
		if deep {
			if err := persistence.LoadAgentRelations(ctx, q, a); err != nil {
				return Result{}, err
			}
		}
		return OK(id, a.ToMap(deep)), nil
	})
}

// GetAgentsByOwner lists the owner's agents with org_id, skill names and
// task names resolved by one join per relation.
func (s *AgentService) GetAgentsByOwner(ctx context.Context, owner string) Result {
	return s.read(ctx, "get_by_owner", func(q persistence.Querier) (Result, error) {
		agents, err := persistence.List[persistence.Agent](ctx, q,
			`WHERE "owner" = ? ORDER BY "created_at", "id"`, owner)
		if err != nil {
			return Result{}, err
		}
		orgs, err := pairs(ctx, q, `
			SELECT r.agent_id, r.org_id FROM agent_org_rels r
			JOIN agents a ON a.id = r.agent_id
			WHERE a.owner = ? ORDER BY r.created_at`, owner)
		if err != nil {
			return Result{}, err
		}
		skills, err := pairs(ctx, q, `
			SELECT r.agent_id, s.name FROM agent_skill_rels r
			JOIN agents a ON a.id = r.agent_id
			JOIN agent_skills s ON s.id = r.skill_id
			WHERE a.owner = ? ORDER BY r.created_at`, owner)
		if err != nil {
			return Result{}, err
		}
		tasks, err := pairs(ctx, q, `
			SELECT r.agent_id, t.name FROM agent_task_rels r
			JOIN agents a ON a.id = r.agent_id
			JOIN agent_tasks t ON t.id = r.task_id
			WHERE a.owner = ? ORDER BY r.created_at`, owner)
		if err != nil {
			return Result{}, err
		}

		out := make([]map[string]any, 0, len(agents))
		for _, a := range agents {
			m := a.ToMap(false)
			m["org_id"] = nil
			if ids := orgs[a.ID]; len(ids) > 0 {
				m["org_id"] = ids[0]
			}
			m["skills"] = dedupe(skills[a.ID])
			m["tasks"] = dedupe(tasks[a.ID])
			out = append(out, m)
		}
		return OK("", out), nil
	})
}

// pairs groups the second column of a two-column query by the first.
func pairs(ctx context.Context, q persistence.Querier, query string, args ...any) (map[string][]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = append(out[k], v)
	}
	return out, rows.Err()
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// GetAgentsByOrg lists the active members of an organization.
func (s *AgentService) GetAgentsByOrg(ctx context.Context, orgID string) Result {
	return s.read(ctx, "get_by_org", func(q persistence.Querier) (Result, error) {
		agents, err := persistence.Query[persistence.Agent](ctx, q,
			persistence.SelectSQLAs(&persistence.Agent{}, "a")+`
			JOIN agent_org_rels r ON r.agent_id = a.id
			WHERE r.org_id = ? AND r.status = 'active'
			ORDER BY a.created_at, a.id`, orgID)
		if err != nil {
			return Result{}, err
		}
		return OK(orgID, persistence.MapAll(agents, false)), nil
	})
}

// AgentQuery filters QueryAgents. Empty fields do not filter.
type AgentQuery struct {
	Name   string
	Owner  string
	Status string
	OrgID  string
}

func (s *AgentService) QueryAgents(ctx context.Context, f AgentQuery) Result {
	var conds []string
	var args []any
	if f.Owner != "" {
		conds = append(conds, `"owner" = ?`)
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		conds = append(conds, `"status" = ?`)
		args = append(args, f.Status)
	}
	if f.OrgID != "" {
		conds = append(conds, `"id" IN (SELECT agent_id FROM agent_org_rels WHERE org_id = ?)`)
		args = append(args, f.OrgID)
	}
	return s.Search(ctx, persistence.SearchFilter{Name: f.Name, Where: strings.Join(conds, " AND "), Args: args})
}

// AssignTaskToAgent creates a pending assignment. It fails while the agent
// is already running the task.
func (s *AgentService) AssignTaskToAgent(ctx context.Context, agentID, taskID, vehicleID, priority string, execCtx map[string]any) Result {
	return s.call(ctx, "assign_task", func(ctx context.Context) (Result, error) {
		if priority != "" && !validPriority(priority) {
			return Result{}, shared.Validation("unknown priority %q", priority)
		}
		at, err := s.sched.Assign(ctx, scheduler.AssignRequest{
			AgentID:   agentID,
			TaskID:    taskID,
			VehicleID: vehicleID,
			Priority:  priority,
			Context:   execCtx,
		})
		if err != nil {
			return Result{}, err
		}
		return OK(at.ID, at.ToMap(false)), nil
	})
}

func validPriority(p string) bool {
	switch p {
	case "low", "medium", "high", "urgent":
		return true
	}
	return false
}

// AddSkill links a skill to an agent at the given proficiency.
func (s *AgentService) AddSkill(ctx context.Context, agentID, skillID, proficiency string) Result {
	return s.run(ctx, "add_skill", func(tx *sql.Tx) (Result, error) {
		if proficiency == "" {
			proficiency = persistence.ProficiencyBeginner
		}
		if persistence.ProficiencyRank(proficiency) == 0 {
			return Result{}, shared.Validation("unknown proficiency level %q", proficiency)
		}
		if _, err := persistence.GetByID[persistence.Agent](ctx, tx, agentID); err != nil {
			return Result{}, err
		}
		if _, err := persistence.GetByID[persistence.Skill](ctx, tx, skillID); err != nil {
			return Result{}, err
		}
		n, err := persistence.Count(ctx, tx, persistence.TableAgentSkillRels,
			`"agent_id" = ? AND "skill_id" = ?`, agentID, skillID)
		if err != nil {
			return Result{}, err
		}
		if n > 0 {
			return Result{}, shared.Conflict("agent %s already has skill %s", agentID, skillID)
		}
		rel := &persistence.AgentSkill{AgentID: agentID, SkillID: skillID, ProficiencyLevel: proficiency}
		if err := persistence.Insert(ctx, tx, rel); err != nil {
			return Result{}, err
		}
		return OK(rel.ID, rel.ToMap(false)), nil
	})
}

func (s *AgentService) RemoveSkill(ctx context.Context, agentID, skillID string) Result {
	return s.run(ctx, "remove_skill", func(tx *sql.Tx) (Result, error) {
		return deletePair(ctx, tx, persistence.TableAgentSkillRels, "agent_id", agentID, "skill_id", skillID)
	})
}

// deletePair removes the relation row keyed by two columns.
func deletePair(ctx context.Context, q persistence.Querier, table, colA, a, colB, b string) (Result, error) {
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "%s" = ? AND "%s" = ?`, table, colA, colB), a, b)
	if err != nil {
		return Result{}, fmt.Errorf("delete %s: %w", table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Result{}, shared.NotFound("no %s relation between %s and %s", table, a, b)
	}
	return OK("", map[string]any{colA: a, colB: b}), nil
}

// RecordSkillUsage folds one use of a skill into the agent's record:
// usage count, running success rate, experience and last use.
func (s *AgentService) RecordSkillUsage(ctx context.Context, agentID, skillID string, success bool, experience int) Result {
	return s.run(ctx, "record_skill_usage", func(tx *sql.Tx) (Result, error) {
		rows, err := persistence.List[persistence.AgentSkill](ctx, tx,
			`WHERE "agent_id" = ? AND "skill_id" = ? LIMIT 1`, agentID, skillID)
		if err != nil {
			return Result{}, err
		}
		if len(rows) == 0 {
			return Result{}, shared.NotFound("agent %s does not have skill %s", agentID, skillID)
		}
		rel := rows[0]
		outcome := 0.0
		if success {
			outcome = 1
		}
		n := float64(rel.UsageCount)
		rate := (rel.SuccessRate*n + outcome) / (n + 1)
		if experience < 0 {
			return Result{}, shared.Validation("experience must not be negative")
		}
		now := time.Now().UTC()
		if err := persistence.UpdateFields[persistence.AgentSkill](ctx, tx, rel.ID, map[string]any{
			"usage_count":       rel.UsageCount + 1,
			"success_rate":      rate,
			"experience_points": rel.ExperiencePoints + experience,
			"last_used":         now,
		}); err != nil {
			return Result{}, err
		}
		rel, err = persistence.GetByID[persistence.AgentSkill](ctx, tx, rel.ID)
		if err != nil {
			return Result{}, err
		}
		return OK(rel.ID, rel.ToMap(false)), nil
	})
}

// AgentLoad reports the agent's unfinished assignments.
func (s *AgentService) AgentLoad(ctx context.Context, agentID string) Result {
	return s.call(ctx, "load", func(ctx context.Context) (Result, error) {
		load, err := s.sched.AgentLoadOf(ctx, agentID)
		if err != nil {
			return Result{}, err
		}
		return OK(agentID, load), nil
	})
}

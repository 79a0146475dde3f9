package service

import (
	"context"
	"database/sql"
	"fmt"
	"slices"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

type SkillService struct {
	crud[persistence.Skill, *persistence.Skill]
}

func NewSkillService(d Deps) *SkillService {
	return &SkillService{crud[persistence.Skill, *persistence.Skill]{newCore(d, "skill")}}
}

var (
	skillSources    = []string{"ui", "code", "system"}
	dependencyTypes = []string{"required", "optional", "recommended"}
)

// Add validates level and source before inserting.
func (s *SkillService) Add(ctx context.Context, sk *persistence.Skill) Result {
	if sk.Level != "" && persistence.ProficiencyRank(sk.Level) == 0 {
		return Fail(shared.Validation("unknown skill level %q", sk.Level))
	}
	if sk.Source != "" && !slices.Contains(skillSources, sk.Source) {
		return Fail(shared.Validation("unknown skill source %q", sk.Source))
	}
	return s.crud.Add(ctx, sk)
}

// GetSkill loads one skill; deep includes its tool and knowledge links.
func (s *SkillService) GetSkill(ctx context.Context, id string, deep bool) Result {
	return s.read(ctx, "get", func(q persistence.Querier) (Result, error) {
		sk, err := persistence.GetByID[persistence.Skill](ctx, q, id)
		if err != nil {
			return Result{}, err
		}
		if deep {
			if err := persistence.LoadSkillRelations(ctx, q, sk); err != nil {
				return Result{}, err
			}
		}
		return OK(id, sk.ToMap(deep)), nil
	})
}

// Delete removes every relation row naming the skill, then the skill.
// Agents, tasks, tools and knowledge rows are left alone.
func (s *SkillService) Delete(ctx context.Context, id string) Result {
	res := s.run(ctx, "delete", func(tx *sql.Tx) (Result, error) {
		removed := map[string]int64{}
		for _, table := range []string{
			persistence.TableAgentSkillRels, persistence.TableSkillToolRels,
			persistence.TableSkillKnowledgeRels, persistence.TableTaskSkillRels,
		} {
			r, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE "skill_id" = ?`, id)
			if err != nil {
				return Result{}, fmt.Errorf("delete %s: %w", table, err)
			}
			removed[table], _ = r.RowsAffected()
		}
		if err := persistence.DeleteByID[persistence.Skill](ctx, tx, id); err != nil {
			return Result{}, err
		}
		s.logger.Info("skill deleted", "skill_id", id, "relations", removed)
		return OK(id, nil), nil
	})
	audit.Record(ctx, "skill:"+id, "skill.delete", audit.Outcome(res.Err()), res.Error)
	return res
}

// AddTool declares that the skill depends on a tool.
func (s *SkillService) AddTool(ctx context.Context, skillID, toolID, depType string, importance int, config map[string]any) Result {
	return s.run(ctx, "add_tool", func(tx *sql.Tx) (Result, error) {
		if depType != "" && !slices.Contains(dependencyTypes, depType) {
			return Result{}, shared.Validation("unknown dependency type %q", depType)
		}
		if _, err := persistence.GetByID[persistence.Skill](ctx, tx, skillID); err != nil {
			return Result{}, err
		}
		if _, err := persistence.GetByID[persistence.Tool](ctx, tx, toolID); err != nil {
			return Result{}, err
		}
		rel := &persistence.SkillTool{SkillID: skillID, ToolID: toolID, DependencyType: depType, Importance: importance}
		if len(config) > 0 {
			var err error
			if rel.ToolConfig, err = persistence.ToJSON(config); err != nil {
				return Result{}, shared.Validation("tool config: %v", err)
			}
		}
		if err := persistence.Insert(ctx, tx, rel); err != nil {
			if shared.KindOf(err) == shared.KindIntegrity {
				return Result{}, shared.Conflict("skill %s already depends on tool %s", skillID, toolID)
			}
			return Result{}, err
		}
		return OK(rel.ID, rel.ToMap(false)), nil
	})
}

func (s *SkillService) RemoveTool(ctx context.Context, skillID, toolID string) Result {
	return s.run(ctx, "remove_tool", func(tx *sql.Tx) (Result, error) {
		return deletePair(ctx, tx, persistence.TableSkillToolRels, "skill_id", skillID, "tool_id", toolID)
	})
}

// AddKnowledge declares that the skill depends on a knowledge base.
func (s *SkillService) AddKnowledge(ctx context.Context, skillID, knowledgeID, depType, accessPattern string) Result {
	return s.run(ctx, "add_knowledge", func(tx *sql.Tx) (Result, error) {
		if depType != "" && !slices.Contains(dependencyTypes, depType) {
			return Result{}, shared.Validation("unknown dependency type %q", depType)
		}
		if _, err := persistence.GetByID[persistence.Skill](ctx, tx, skillID); err != nil {
			return Result{}, err
		}
		if _, err := persistence.GetByID[persistence.Knowledge](ctx, tx, knowledgeID); err != nil {
			return Result{}, err
		}
		rel := &persistence.SkillKnowledge{SkillID: skillID, KnowledgeID: knowledgeID,
			DependencyType: depType, AccessPattern: accessPattern}
		if err := persistence.Insert(ctx, tx, rel); err != nil {
			if shared.KindOf(err) == shared.KindIntegrity {
				return Result{}, shared.Conflict("skill %s already depends on knowledge %s", skillID, knowledgeID)
			}
			return Result{}, err
		}
		return OK(rel.ID, rel.ToMap(false)), nil
	})
}

func (s *SkillService) RemoveKnowledge(ctx context.Context, skillID, knowledgeID string) Result {
	return s.run(ctx, "remove_knowledge", func(tx *sql.Tx) (Result, error) {
		return deletePair(ctx, tx, persistence.TableSkillKnowledgeRels, "skill_id", skillID, "knowledge_id", knowledgeID)
	})
}

// skillTool is a tool row annotated with how the skill depends on it.
type skillTool struct {
	tool *persistence.Tool
	rel  *persistence.SkillTool
}

func (st skillTool) toMap() map[string]any {
	m := st.tool.ToMap(false)
	m["dependency_type"] = st.rel.DependencyType
	m["importance"] = st.rel.Importance
	m["tool_config"] = st.rel.ToolConfig.Any()
	return m
}

func loadSkillTools(ctx context.Context, q persistence.Querier, skillID, depType string) ([]skillTool, error) {
	clause := `WHERE "skill_id" = ?`
	args := []any{skillID}
	if depType != "" {
		clause += ` AND "dependency_type" = ?`
		args = append(args, depType)
	}
	rels, err := persistence.List[persistence.SkillTool](ctx, q, clause+` ORDER BY "importance" DESC, "created_at"`, args...)
	if err != nil {
		return nil, err
	}
	out := make([]skillTool, 0, len(rels))
	for _, r := range rels {
		t, err := persistence.GetByID[persistence.Tool](ctx, q, r.ToolID)
		if err != nil {
			return nil, err
		}
		out = append(out, skillTool{tool: t, rel: r})
	}
	return out, nil
}

// GetSkillTools lists the tools a skill depends on, most important first.
func (s *SkillService) GetSkillTools(ctx context.Context, skillID string) Result {
	return s.read(ctx, "get_tools", func(q persistence.Querier) (Result, error) {
		if _, err := persistence.GetByID[persistence.Skill](ctx, q, skillID); err != nil {
			return Result{}, err
		}
		tools, err := loadSkillTools(ctx, q, skillID, "")
		if err != nil {
			return Result{}, err
		}
		out := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			out = append(out, t.toMap())
		}
		return OK(skillID, out), nil
	})
}

func (s *SkillService) GetRequiredTools(ctx context.Context, skillID string) Result {
	return s.read(ctx, "get_required_tools", func(q persistence.Querier) (Result, error) {
		tools, err := loadSkillTools(ctx, q, skillID, "required")
		if err != nil {
			return Result{}, err
		}
		out := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			out = append(out, t.toMap())
		}
		return OK(skillID, out), nil
	})
}

// DependencyCheck reports whether a skill's required tools and knowledge
// are usable.
type DependencyCheck struct {
	SkillID           string   `json:"skill_id"`
	Satisfied         bool     `json:"satisfied"`
	InactiveTools     []string `json:"inactive_tools"`
	InactiveKnowledge []string `json:"inactive_knowledge"`
}

func (s *SkillService) CheckSkillDependencies(ctx context.Context, skillID string) Result {
	return s.read(ctx, "check_dependencies", func(q persistence.Querier) (Result, error) {
		if _, err := persistence.GetByID[persistence.Skill](ctx, q, skillID); err != nil {
			return Result{}, err
		}
		chk := DependencyCheck{SkillID: skillID, InactiveTools: []string{}, InactiveKnowledge: []string{}}
		tools, err := loadSkillTools(ctx, q, skillID, "required")
		if err != nil {
			return Result{}, err
		}
		for _, t := range tools {
			if t.tool.Status != "active" {
				chk.InactiveTools = append(chk.InactiveTools, t.tool.ID)
			}
		}
		kn, err := persistence.Query[persistence.Knowledge](ctx, q,
			persistence.SelectSQLAs(&persistence.Knowledge{}, "k")+`
			JOIN agent_skill_knowledge_rels r ON r.knowledge_id = k.id
			WHERE r.skill_id = ? AND r.dependency_type = 'required'
			ORDER BY r.created_at`, skillID)
		if err != nil {
			return Result{}, err
		}
		for _, k := range kn {
			if k.Status != "active" {
				chk.InactiveKnowledge = append(chk.InactiveKnowledge, k.ID)
			}
		}
		chk.Satisfied = len(chk.InactiveTools) == 0 && len(chk.InactiveKnowledge) == 0
		return OK(skillID, chk), nil
	})
}

// SkillStats summarizes how a skill is used.
type SkillStats struct {
	SkillID         string  `json:"skill_id"`
	AgentCount      int     `json:"agent_count"`
	TaskCount       int     `json:"task_count"`
	ToolCount       int     `json:"tool_count"`
	KnowledgeCount  int     `json:"knowledge_count"`
	TotalUsage      int     `json:"total_usage"`
	AvgSuccessRate  float64 `json:"avg_success_rate"`
	TotalExperience int     `json:"total_experience"`
}

func (s *SkillService) GetSkillStatistics(ctx context.Context, skillID string) Result {
	return s.read(ctx, "statistics", func(q persistence.Querier) (Result, error) {
		if _, err := persistence.GetByID[persistence.Skill](ctx, q, skillID); err != nil {
			return Result{}, err
		}
		st := SkillStats{SkillID: skillID}
		counts := []struct {
			table string
			dst   *int
		}{
			{persistence.TableTaskSkillRels, &st.TaskCount},
			{persistence.TableSkillToolRels, &st.ToolCount},
			{persistence.TableSkillKnowledgeRels, &st.KnowledgeCount},
		}
		for _, c := range counts {
			n, err := persistence.Count(ctx, q, c.table, `"skill_id" = ?`, skillID)
			if err != nil {
				return Result{}, err
			}
			*c.dst = n
		}
		var avg sql.NullFloat64
		err := q.QueryRowContext(ctx, `
			SELECT COUNT(*), COALESCE(SUM(usage_count), 0), AVG(success_rate), COALESCE(SUM(experience_points), 0)
			FROM agent_skill_rels WHERE skill_id = ?`, skillID).
			Scan(&st.AgentCount, &st.TotalUsage, &avg, &st.TotalExperience)
		if err != nil {
			return Result{}, fmt.Errorf("skill statistics: %w", err)
		}
		st.AvgSuccessRate = avg.Float64
		return OK(skillID, st), nil
	})
}

func (s *SkillService) GetSkillsByTool(ctx context.Context, toolID string) Result {
	return s.listWhere(ctx, "get_by_tool",
		`WHERE "id" IN (SELECT skill_id FROM agent_skill_tool_rels WHERE tool_id = ?) ORDER BY "created_at"`, toolID)
}

func (s *SkillService) GetSkillsByKnowledge(ctx context.Context, knowledgeID string) Result {
	return s.listWhere(ctx, "get_by_knowledge",
		`WHERE "id" IN (SELECT skill_id FROM agent_skill_knowledge_rels WHERE knowledge_id = ?) ORDER BY "created_at"`, knowledgeID)
}

func (s *SkillService) GetPublicSkills(ctx context.Context) Result {
	return s.listWhere(ctx, "get_public", `WHERE "public" = 1 ORDER BY "name"`)
}

func (s *SkillService) GetRentableSkills(ctx context.Context) Result {
	return s.listWhere(ctx, "get_rentable", `WHERE "rentable" = 1 ORDER BY "price", "name"`)
}

func (s *SkillService) GetSkillsByOwner(ctx context.Context, owner string) Result {
	return s.listWhere(ctx, "get_by_owner", `WHERE "owner" = ? ORDER BY "created_at"`, owner)
}

package service

import (
	"context"
	"database/sql"

	"github.com/basket/agentcore/internal/persistence"
)

// ToolService manages the tool catalog.
type ToolService struct {
	crud[persistence.Tool, *persistence.Tool]
}

func NewToolService(d Deps) *ToolService {
	return &ToolService{crud[persistence.Tool, *persistence.Tool]{newCore(d, "tool")}}
}

// Delete detaches the tool from every skill, then removes it.
func (s *ToolService) Delete(ctx context.Context, id string) Result {
	return s.run(ctx, "delete", func(tx *sql.Tx) (Result, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_skill_tool_rels WHERE "tool_id" = ?`, id); err != nil {
			return Result{}, err
		}
		if err := persistence.DeleteByID[persistence.Tool](ctx, tx, id); err != nil {
			return Result{}, err
		}
		return OK(id, nil), nil
	})
}

func (s *ToolService) GetToolsByOwner(ctx context.Context, owner string) Result {
	return s.listWhere(ctx, "get_by_owner", `WHERE "owner" = ? ORDER BY "created_at"`, owner)
}

func (s *ToolService) GetPublicTools(ctx context.Context) Result {
	return s.listWhere(ctx, "get_public", `WHERE "public" = 1 AND "status" = 'active' ORDER BY "name"`)
}

// KnowledgeService manages knowledge bases.
type KnowledgeService struct {
	crud[persistence.Knowledge, *persistence.Knowledge]
}

func NewKnowledgeService(d Deps) *KnowledgeService {
	return &KnowledgeService{crud[persistence.Knowledge, *persistence.Knowledge]{newCore(d, "knowledge")}}
}

func (s *KnowledgeService) Delete(ctx context.Context, id string) Result {
	return s.run(ctx, "delete", func(tx *sql.Tx) (Result, error) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM agent_skill_knowledge_rels WHERE "knowledge_id" = ?`, id); err != nil {
			return Result{}, err
		}
		if err := persistence.DeleteByID[persistence.Knowledge](ctx, tx, id); err != nil {
			return Result{}, err
		}
		return OK(id, nil), nil
	})
}

func (s *KnowledgeService) GetKnowledgeByOwner(ctx context.Context, owner string) Result {
	return s.listWhere(ctx, "get_by_owner", `WHERE "owner" = ? ORDER BY "created_at"`, owner)
}

// GetKnowledgeByCategory matches one entry of the categories array.
func (s *KnowledgeService) GetKnowledgeByCategory(ctx context.Context, category string) Result {
	return s.listWhere(ctx, "get_by_category",
		`WHERE EXISTS (SELECT 1 FROM json_each("categories") WHERE json_each.value = ?) ORDER BY "name"`, category)
}

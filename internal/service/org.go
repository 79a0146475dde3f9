package service

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

// OrgService manages the organization hierarchy. level is derived from
// depth and kept consistent on every write.
type OrgService struct {
	crud[persistence.Org, *persistence.Org]
}

func NewOrgService(d Deps) *OrgService {
	return &OrgService{crud[persistence.Org, *persistence.Org]{newCore(d, "org")}}
}

var orgTypes = []string{"department", "team", "division", "company"}

// Add inserts an org with its level derived from the parent.
func (s *OrgService) Add(ctx context.Context, o *persistence.Org) Result {
	return s.run(ctx, "add", func(tx *sql.Tx) (Result, error) {
		if o.Name == "" {
			return Result{}, shared.Validation("organization name is required")
		}
		if o.OrgType != "" && !slices.Contains(orgTypes, o.OrgType) {
			return Result{}, shared.Validation("unknown organization type %q", o.OrgType)
		}
		o.Level = 0
		if o.ParentID != nil {
			if *o.ParentID == "" {
				o.ParentID = nil
			} else {
				parent, err := persistence.GetByID[persistence.Org](ctx, tx, *o.ParentID)
				if err != nil {
					return Result{}, err
				}
				o.Level = parent.Level + 1
			}
		}
		if err := persistence.Insert(ctx, tx, o); err != nil {
			return Result{}, err
		}
		return OK(o.ID, o.ToMap(false)), nil
	})
}

// GetOrg loads one org; deep includes its subtree.
func (s *OrgService) GetOrg(ctx context.Context, id string, deep bool) Result {
	return s.read(ctx, "get", func(q persistence.Querier) (Result, error) {
		o, err := persistence.GetByID[persistence.Org](ctx, q, id)
		if err != nil {
			return Result{}, err
		}
		if !deep {
			return OK(id, o.ToMap(false)), nil
		}
		below, err := persistence.OrgDescendants(ctx, q, id)
		if err != nil {
			return Result{}, err
		}
		nodes := []*persistence.Org{o}
		for _, d := range below {
			n, err := persistence.GetByID[persistence.Org](ctx, q, d)
			if err != nil {
				return Result{}, err
			}
			nodes = append(nodes, n)
		}
		persistence.BuildOrgTree(nodes)
		return OK(id, o.ToMap(true)), nil
	})
}

// GetOrgTree returns the whole forest. Roots and siblings are ordered by
// sort_order, then name.
func (s *OrgService) GetOrgTree(ctx context.Context) Result {
	return s.read(ctx, "get_tree", func(q persistence.Querier) (Result, error) {
		orgs, err := persistence.List[persistence.Org](ctx, q, `ORDER BY "level", "sort_order", "name"`)
		if err != nil {
			return Result{}, err
		}
		return OK("", persistence.MapAll(persistence.BuildOrgTree(orgs), true)), nil
	})
}

// GetOrgsByParent lists direct children; an empty parent lists the roots.
func (s *OrgService) GetOrgsByParent(ctx context.Context, parentID string) Result {
	if parentID == "" {
		return s.listWhere(ctx, "get_by_parent", `WHERE "parent_id" IS NULL ORDER BY "sort_order", "name"`)
	}
	return s.listWhere(ctx, "get_by_parent", `WHERE "parent_id" = ? ORDER BY "sort_order", "name"`, parentID)
}

// OrgQuery filters SearchOrgs. Empty fields do not filter.
type OrgQuery struct {
	Name    string
	OrgType string
	Status  string
}

func (s *OrgService) SearchOrgs(ctx context.Context, f OrgQuery) Result {
	var conds []string
	var args []any
	if f.OrgType != "" {
		conds = append(conds, `"org_type" = ?`)
		args = append(args, f.OrgType)
	}
	if f.Status != "" {
		conds = append(conds, `"status" = ?`)
		args = append(args, f.Status)
	}
	return s.Search(ctx, persistence.SearchFilter{Name: f.Name, Where: strings.Join(conds, " AND "), Args: args})
}

// Update applies a patch. Moving an org under itself or one of its
// descendants is rejected; after a move every level is recomputed.
func (s *OrgService) Update(ctx context.Context, id string, fields map[string]any) Result {
	return s.run(ctx, "update", func(tx *sql.Tx) (Result, error) {
		patch := make(map[string]any, len(fields))
		for k, v := range fields {
			patch[k] = v
		}
		if _, ok := patch["level"]; ok {
			return Result{}, shared.Validation("level is derived from the hierarchy and cannot be set")
		}
		if t, ok := patch["org_type"].(string); ok && !slices.Contains(orgTypes, t) {
			return Result{}, shared.Validation("unknown organization type %q", t)
		}
		if _, err := persistence.GetByID[persistence.Org](ctx, tx, id); err != nil {
			return Result{}, err
		}

		raw, moved := patch["parent_id"]
		if moved {
			parent := asString(raw)
			if parent == "" {
				patch["parent_id"] = nil
			} else {
				if parent == id {
					return Result{}, shared.Conflict("organization %s cannot be its own parent", id)
				}
				if _, err := persistence.GetByID[persistence.Org](ctx, tx, parent); err != nil {
					return Result{}, err
				}
				below, err := persistence.OrgDescendants(ctx, tx, id)
				if err != nil {
					return Result{}, err
				}
				if slices.Contains(below, parent) {
					return Result{}, shared.Conflict("moving organization %s under %s would create a cycle", id, parent)
				}
				patch["parent_id"] = parent
			}
		}
		if err := persistence.UpdateFields[persistence.Org](ctx, tx, id, patch); err != nil {
			return Result{}, err
		}
		if moved {
			if err := persistence.RecomputeOrgLevels(ctx, tx); err != nil {
				return Result{}, err
			}
		}
		o, err := persistence.GetByID[persistence.Org](ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		return OK(id, o.ToMap(false)), nil
	})
}

// DeleteOrg removes an org. Without force it refuses while the org has
// child orgs or active members; with force the whole subtree and its
// memberships go.
func (s *OrgService) DeleteOrg(ctx context.Context, id string, force bool) Result {
	res := s.run(ctx, "delete", func(tx *sql.Tx) (Result, error) {
		if _, err := persistence.GetByID[persistence.Org](ctx, tx, id); err != nil {
			return Result{}, err
		}
		children, err := persistence.Count(ctx, tx, persistence.TableOrgs, `"parent_id" = ?`, id)
		if err != nil {
			return Result{}, err
		}
		members, err := persistence.Count(ctx, tx, persistence.TableAgentOrgRels,
			`"org_id" = ? AND "status" = 'active'`, id)
		if err != nil {
			return Result{}, err
		}
		if !force && (children > 0 || members > 0) {
			return Result{}, shared.Conflict("organization %s has %d child organizations and %d active members",
				id, children, members)
		}

		below, err := persistence.OrgDescendants(ctx, tx, id)
		if err != nil {
			return Result{}, err
		}
		doomed := append([]string{id}, below...)
		for i := len(doomed) - 1; i >= 0; i-- {
			org := doomed[i]
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_org_rels WHERE "org_id" = ?`, org); err != nil {
				return Result{}, fmt.Errorf("delete org members: %w", err)
			}
			if err := persistence.DeleteByID[persistence.Org](ctx, tx, org); err != nil {
				return Result{}, err
			}
		}
		return OK(id, map[string]any{"deleted": doomed}), nil
	})
	audit.Record(ctx, "org:"+id, "org.delete", audit.Outcome(res.Err()), res.Error)
	return res
}

// Delete is DeleteOrg without force.
func (s *OrgService) Delete(ctx context.Context, id string) Result {
	return s.DeleteOrg(ctx, id, false)
}

// DefaultRootOrg names the company root created by SeedDefaultOrgs.
const DefaultRootOrg = "eCan.ai"

var defaultChildOrgs = []struct {
	name, description string
}{
	{"Technology", "Engineering and platform"},
	{"Operations", "Business operations"},
}

// SeedDefaultOrgs creates the default company root and its departments
// unless a root of that name already exists.
func (s *OrgService) SeedDefaultOrgs(ctx context.Context) Result {
	return s.run(ctx, "seed_defaults", func(tx *sql.Tx) (Result, error) {
		existing, err := persistence.List[persistence.Org](ctx, tx,
			`WHERE "parent_id" IS NULL AND "name" = ? LIMIT 1`, DefaultRootOrg)
		if err != nil {
			return Result{}, err
		}
		if len(existing) > 0 {
			return OK(existing[0].ID, map[string]any{"created": false}), nil
		}
		root := &persistence.Org{Name: DefaultRootOrg, OrgType: "company", Description: "Root organization"}
		if err := persistence.Insert(ctx, tx, root); err != nil {
			return Result{}, err
		}
		ids := []string{root.ID}
		for i, c := range defaultChildOrgs {
			child := &persistence.Org{
				Name: c.name, Description: c.description, OrgType: "department",
				ParentID: persistence.OptString(root.ID), Level: 1, SortOrder: i,
			}
			if err := persistence.Insert(ctx, tx, child); err != nil {
				return Result{}, err
			}
			ids = append(ids, child.ID)
		}
		s.logger.Info("default organizations seeded", "root_id", root.ID)
		return OK(root.ID, map[string]any{"created": true, "ids": ids}), nil
	})
}

// AddAgent makes the agent a member of the org with role (default member).
func (s *OrgService) AddAgent(ctx context.Context, orgID, agentID, role string) Result {
	return s.run(ctx, "add_agent", func(tx *sql.Tx) (Result, error) {
		if _, err := persistence.GetByID[persistence.Org](ctx, tx, orgID); err != nil {
			return Result{}, err
		}
		if _, err := persistence.GetByID[persistence.Agent](ctx, tx, agentID); err != nil {
			return Result{}, err
		}
		rel := &persistence.AgentOrg{AgentID: agentID, OrgID: orgID, Role: role}
		if err := persistence.Insert(ctx, tx, rel); err != nil {
			if shared.KindOf(err) == shared.KindIntegrity {
				return Result{}, shared.Conflict("agent %s is already a member of %s", agentID, orgID)
			}
			return Result{}, err
		}
		return OK(rel.ID, rel.ToMap(false)), nil
	})
}

func (s *OrgService) RemoveAgent(ctx context.Context, orgID, agentID string) Result {
	return s.run(ctx, "remove_agent", func(tx *sql.Tx) (Result, error) {
		return deletePair(ctx, tx, persistence.TableAgentOrgRels, "org_id", orgID, "agent_id", agentID)
	})
}

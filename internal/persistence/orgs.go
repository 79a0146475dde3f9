package persistence

import (
	"context"
	"fmt"
	"sort"
)

// RecomputeOrgLevels sets level from depth, walking down from the roots.
// Orgs unreachable from a root (a cycle) are left untouched and reported.
func RecomputeOrgLevels(ctx context.Context, q Querier) error {
	rows, err := q.QueryContext(ctx, `SELECT id, COALESCE(parent_id, '') FROM agent_orgs`)
	if err != nil {
		return fmt.Errorf("load orgs: %w", err)
	}
	children := map[string][]string{}
	var roots []string
	total := 0
	for rows.Next() {
		var id, parent string
		if err := rows.Scan(&id, &parent); err != nil {
			rows.Close()
			return err
		}
		total++
		if parent == "" {
			roots = append(roots, id)
		} else {
			children[parent] = append(children[parent], id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	visited := 0
	level := 0
	frontier := roots
	for len(frontier) > 0 && level <= total {
		var next []string
		for _, id := range frontier {
			if _, err := q.ExecContext(ctx, `UPDATE agent_orgs SET level = ? WHERE id = ?`, level, id); err != nil {
				return fmt.Errorf("update org level: %w", err)
			}
			visited++
			next = append(next, children[id]...)
		}
		frontier = next
		level++
	}
	if visited != total {
		return fmt.Errorf("organization graph has %d nodes unreachable from a root", total-visited)
	}
	return nil
}

// OrgDescendants returns the ids below root, nearest first.
func OrgDescendants(ctx context.Context, q Querier, root string) ([]string, error) {
	var out []string
	seen := map[string]bool{root: true}
	frontier := []string{root}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rows, err := q.QueryContext(ctx, `SELECT id FROM agent_orgs WHERE parent_id = ?`, id)
			if err != nil {
				return nil, fmt.Errorf("load org children: %w", err)
			}
			for rows.Next() {
				var child string
				if err := rows.Scan(&child); err != nil {
					rows.Close()
					return nil, err
				}
				if seen[child] {
					continue
				}
				seen[child] = true
				out = append(out, child)
				next = append(next, child)
			}
			rows.Close()
			if err := rows.Err(); err != nil {
				return nil, err
			}
		}
		frontier = next
	}
	return out, nil
}

// BuildOrgTree links orgs into a forest. Siblings are ordered by sort_order,
// then name. Orgs whose parent is not in the slice become roots.
func BuildOrgTree(orgs []*Org) []*Org {
	byID := make(map[string]*Org, len(orgs))
	for _, o := range orgs {
		o.Children = nil
		byID[o.ID] = o
	}
	var roots []*Org
	for _, o := range orgs {
		if p, ok := byID[Deref(o.ParentID)]; ok && o.ParentID != nil {
			p.Children = append(p.Children, o)
			continue
		}
		roots = append(roots, o)
	}
	var sortLevel func(level []*Org)
	sortLevel = func(level []*Org) {
		sort.SliceStable(level, func(i, j int) bool {
			if level[i].SortOrder != level[j].SortOrder {
				return level[i].SortOrder < level[j].SortOrder
			}
			return level[i].Name < level[j].Name
		})
		for _, o := range level {
			sortLevel(o.Children)
		}
	}
	sortLevel(roots)
	return roots
}

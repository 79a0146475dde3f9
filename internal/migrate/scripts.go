package migrate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/agentcore/internal/persistence"
)

func init() {
	for _, s := range Bundled() {
		Register(s)
	}
}

// Bundled returns the schema history shipped with this build, oldest first.
func Bundled() []Script {
	return []Script{
		&step{
			version:     "1.0.1",
			previous:    BaseVersion,
			description: "Read receipts on messages; pinned and muted chats; chat extension columns",
			pre:         requireTables(persistence.TableChats, persistence.TableMessages, persistence.TableMembers),
			up: func(ctx context.Context, tx *sql.Tx) error {
				return addColumns(ctx, tx, []columnSpec{
					{persistence.TableMessages, "isRead", "INTEGER NOT NULL DEFAULT 0"},
					{persistence.TableMessages, "readAt", "INTEGER"},
					{persistence.TableMessages, "senderName", "TEXT NOT NULL DEFAULT ''"},
					{persistence.TableMessages, "ext", "TEXT"},
					{persistence.TableChats, "pinned", "INTEGER NOT NULL DEFAULT 0"},
					{persistence.TableChats, "muted", "INTEGER NOT NULL DEFAULT 0"},
					{persistence.TableChats, "ext", "TEXT"},
					{persistence.TableMembers, "avatar", "TEXT NOT NULL DEFAULT ''"},
					{persistence.TableMembers, "status", "TEXT NOT NULL DEFAULT 'active'"},
					{persistence.TableMembers, "ext", "TEXT"},
				})
			},
			post: requireColumns(
				persistence.TableMessages+".isRead", persistence.TableMessages+".readAt",
				persistence.TableChats+".pinned", persistence.TableChats+".muted"),
		},
		&step{
			version:     "2.0.0",
			previous:    "1.0.1",
			description: "Agent, skill, task, tool and knowledge tables",
			up: createTables(persistence.TableAgents, persistence.TableSkills, persistence.TableTasks,
				persistence.TableTools, persistence.TableKnowledges),
			post: requireTables(persistence.TableAgents, persistence.TableSkills, persistence.TableTasks,
				persistence.TableTools, persistence.TableKnowledges),
		},
		&step{
			version:     "3.0.0",
			previous:    "2.0.0",
			description: "Vehicles, organizations and relationship tables; chat agent link",
			pre:         requireTables(persistence.TableAgents, persistence.TableSkills, persistence.TableTasks),
			up: func(ctx context.Context, tx *sql.Tx) error {
				if err := createTables(persistence.TableVehicles, persistence.TableOrgs,
					persistence.TableAgentOrgRels, persistence.TableAgentSkillRels,
					persistence.TableAgentTaskRels, persistence.TableSkillToolRels,
					persistence.TableSkillKnowledgeRels, persistence.TableTaskSkillRels)(ctx, tx); err != nil {
					return err
				}
				return addColumns(ctx, tx, []columnSpec{{persistence.TableChats, "agent_id", "TEXT"}})
			},
			post: func(ctx context.Context, tx *sql.Tx) error {
				if err := requireTables(persistence.TableVehicles, persistence.TableOrgs,
					persistence.TableAgentOrgRels, persistence.TableAgentSkillRels,
					persistence.TableAgentTaskRels, persistence.TableSkillToolRels,
					persistence.TableSkillKnowledgeRels, persistence.TableTaskSkillRels)(ctx, tx); err != nil {
					return err
				}
				return requireColumns(persistence.TableChats + ".agent_id")(ctx, tx)
			},
		},
		&step{
			version:     "3.0.1",
			previous:    "3.0.0",
			description: "Organization level and sibling ordering",
			pre:         requireTables(persistence.TableOrgs),
			up: func(ctx context.Context, tx *sql.Tx) error {
				if err := addColumns(ctx, tx, []columnSpec{
					{persistence.TableOrgs, "level", "INTEGER NOT NULL DEFAULT 0"},
					{persistence.TableOrgs, "sort_order", "INTEGER NOT NULL DEFAULT 0"},
				}); err != nil {
					return err
				}
				return persistence.RecomputeOrgLevels(ctx, tx)
			},
			post: checkOrgLevels,
		},
		&step{
			version:     "3.0.2",
			previous:    "3.0.1",
			description: "Avatar resources",
			up: func(ctx context.Context, tx *sql.Tx) error {
				if err := createTables(persistence.TableAvatars)(ctx, tx); err != nil {
					return err
				}
				return addColumns(ctx, tx, []columnSpec{{persistence.TableAgents, "avatar_resource_id", "TEXT"}})
			},
			post: func(ctx context.Context, tx *sql.Tx) error {
				if err := requireTables(persistence.TableAvatars)(ctx, tx); err != nil {
					return err
				}
				return requireColumns(persistence.TableAgents + ".avatar_resource_id")(ctx, tx)
			},
		},
		&step{
			version:     "3.0.3",
			previous:    "3.0.2",
			description: "Optional vehicle on assignments; preferred vehicle; skill diagrams; title arrays",
			pre:         requireTables(persistence.TableAgentTaskRels, persistence.TableAgents, persistence.TableSkills),
			up: func(ctx context.Context, tx *sql.Tx) error {
				if err := relaxAssignmentVehicle(ctx, tx); err != nil {
					return err
				}
				if err := addColumns(ctx, tx, []columnSpec{
					{persistence.TableAgents, "vehicle_id", "TEXT REFERENCES agent_vehicles(id) ON DELETE SET NULL"},
					{persistence.TableSkills, "diagram", "TEXT"},
				}); err != nil {
					return err
				}
				return convertTitles(ctx, tx)
			},
			post: func(ctx context.Context, tx *sql.Tx) error {
				if err := requireColumns(persistence.TableAgents+".vehicle_id", persistence.TableSkills+".diagram")(ctx, tx); err != nil {
					return err
				}
				cols, err := persistence.TableColumns(ctx, tx, persistence.TableAgentTaskRels)
				if err != nil {
					return err
				}
				for _, c := range cols {
					if c.Name == "vehicle_id" && c.NotNull {
						return fmt.Errorf("agent_task_rels.vehicle_id is still NOT NULL")
					}
				}
				return nil
			},
		},
		&step{
			version:     "3.0.4",
			previous:    "3.0.3",
			description: "Rename personality traits; at most one running assignment per agent and task",
			pre:         requireTables(persistence.TableAgents, persistence.TableAgentTaskRels),
			up: func(ctx context.Context, tx *sql.Tx) error {
				if err := renamePersonalities(ctx, tx); err != nil {
					return err
				}
				return demoteDuplicateRunning(ctx, tx)
			},
			post: func(ctx context.Context, tx *sql.Tx) error {
				if err := requireColumns(persistence.TableAgents + ".personalities")(ctx, tx); err != nil {
					return err
				}
				var dups int
				err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM (
					SELECT agent_id, task_id FROM agent_task_rels WHERE status = 'running'
					GROUP BY agent_id, task_id HAVING COUNT(*) > 1)`).Scan(&dups)
				if err != nil {
					return err
				}
				if dups > 0 {
					return fmt.Errorf("%d agent/task pairs still have several running rows", dups)
				}
				return nil
			},
		},
	}
}

type columnSpec struct {
	table, column, decl string
}

func addColumns(ctx context.Context, tx *sql.Tx, specs []columnSpec) error {
	for _, c := range specs {
		if _, err := persistence.AddColumnIfMissing(ctx, tx, c.table, c.column, c.decl); err != nil {
			return err
		}
	}
	return nil
}

func createTables(names ...string) stepFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, name := range names {
			found := false
			for _, def := range persistence.Tables {
				if def.Name != name {
					continue
				}
				if _, err := tx.ExecContext(ctx, def.Create); err != nil {
					return fmt.Errorf("create %s: %w", name, err)
				}
				found = true
			}
			if !found {
				return fmt.Errorf("no definition for table %s", name)
			}
		}
		return nil
	}
}

func requireTables(names ...string) stepFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, name := range names {
			ok, err := persistence.TableExists(ctx, tx, name)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("table %s is missing", name)
			}
		}
		return nil
	}
}

// requireColumns takes "table.column" pairs.
func requireColumns(pairs ...string) stepFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		for _, p := range pairs {
			table, column, _ := strings.Cut(p, ".")
			ok, err := persistence.ColumnExists(ctx, tx, table, column)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("column %s is missing", p)
			}
		}
		return nil
	}
}

func checkOrgLevels(ctx context.Context, tx *sql.Tx) error {
	var bad int
	err := tx.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM agent_orgs WHERE parent_id IS NULL AND level != 0) +
		(SELECT COUNT(*) FROM agent_orgs c JOIN agent_orgs p ON c.parent_id = p.id WHERE c.level != p.level + 1)`).
		Scan(&bad)
	if err != nil {
		return err
	}
	if bad > 0 {
		return fmt.Errorf("%d organizations have an inconsistent level", bad)
	}
	return nil
}

// relaxAssignmentVehicle rebuilds agent_task_rels when vehicle_id is still
// declared NOT NULL. SQLite cannot drop a constraint in place.
func relaxAssignmentVehicle(ctx context.Context, tx *sql.Tx) error {
	cols, err := persistence.TableColumns(ctx, tx, persistence.TableAgentTaskRels)
	if err != nil {
		return err
	}
	strict := false
	for _, c := range cols {
		if c.Name == "vehicle_id" && c.NotNull {
			strict = true
		}
	}
	if !strict {
		return nil
	}

	const tmp = "agent_task_rels_rebuild"
	if _, err := tx.ExecContext(ctx, persistence.AgentTaskRelsDDL(tmp)); err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	newCols, err := persistence.TableColumns(ctx, tx, tmp)
	if err != nil {
		return err
	}
	have := map[string]bool{}
	for _, c := range cols {
		have[c.Name] = true
	}
	var common []string
	for _, c := range newCols {
		if have[c.Name] {
			common = append(common, `"`+c.Name+`"`)
		}
	}
	list := strings.Join(common, ", ")
	stmts := []string{
		fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM agent_task_rels`, tmp, list, list),
		`DROP TABLE agent_task_rels`,
		fmt.Sprintf(`ALTER TABLE %s RENAME TO agent_task_rels`, tmp),
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("rebuild agent_task_rels: %w", err)
		}
	}
	return nil
}

// convertTitles rewrites comma-separated agent titles as JSON arrays.
func convertTitles(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `SELECT id, COALESCE(title, '') FROM agents`)
	if err != nil {
		return fmt.Errorf("load titles: %w", err)
	}
	updates := map[string]string{}
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			rows.Close()
			return err
		}
		trimmed := strings.TrimSpace(title)
		if strings.HasPrefix(trimmed, "[") && json.Valid([]byte(trimmed)) {
			continue
		}
		b, err := json.Marshal([]string(persistence.ParseStringList(trimmed)))
		if err != nil {
			rows.Close()
			return err
		}
		updates[id] = string(b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for id, title := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET title = ? WHERE id = ?`, title, id); err != nil {
			return fmt.Errorf("convert title: %w", err)
		}
	}
	return nil
}

func renamePersonalities(ctx context.Context, tx *sql.Tx) error {
	hasOld, err := persistence.ColumnExists(ctx, tx, persistence.TableAgents, "personality_traits")
	if err != nil || !hasOld {
		return err
	}
	hasNew, err := persistence.ColumnExists(ctx, tx, persistence.TableAgents, "personalities")
	if err != nil {
		return err
	}
	if !hasNew {
		_, err = tx.ExecContext(ctx, `ALTER TABLE agents RENAME COLUMN personality_traits TO personalities`)
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE agents SET personalities = personality_traits
		WHERE (personalities IS NULL OR personalities IN ('', '[]')) AND personality_traits IS NOT NULL`)
	return err
}

// demoteDuplicateRunning keeps the most recently started running row of each
// (agent, task) pair and pauses the rest.
func demoteDuplicateRunning(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agent_task_rels SET status = 'paused'
		WHERE status = 'running' AND id NOT IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY agent_id, task_id
					ORDER BY COALESCE(actual_start, created_at) DESC, created_at DESC, id DESC
				) AS rn
				FROM agent_task_rels WHERE status = 'running'
			) WHERE rn = 1
		)`)
	if err != nil {
		return fmt.Errorf("demote duplicate running rows: %w", err)
	}
	return nil
}

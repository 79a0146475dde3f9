package persistence

import (
	"context"
	"fmt"
	"strings"
)

const (
	TableAgents     = "agents"
	TableOrgs       = "agent_orgs"
	TableSkills     = "agent_skills"
	TableTasks      = "agent_tasks"
	TableTools      = "agent_tools"
	TableKnowledges = "agent_knowledges"
	TableVehicles   = "agent_vehicles"
	TableAvatars    = "avatar_resources"

	TableAgentOrgRels       = "agent_org_rels"
	TableAgentSkillRels     = "agent_skill_rels"
	TableAgentTaskRels      = "agent_task_rels"
	TableSkillToolRels      = "agent_skill_tool_rels"
	TableSkillKnowledgeRels = "agent_skill_knowledge_rels"
	TableTaskSkillRels      = "agent_task_skill_rels"

	TableChats             = "chats"
	TableMembers           = "members"
	TableMessages          = "messages"
	TableAttachments       = "attachments"
	TableChatNotifications = "chat_notifications"

	TableDBVersion = "db_version"
	TableAuditLog  = "audit_log"
)

// CoreChatTables are the tables whose rows mark a database as already in use.
var CoreChatTables = []string{TableChats, TableMessages, TableMembers}

// TableDef is one CREATE TABLE statement of the latest schema.
type TableDef struct {
	Name   string
	Create string
}

const baseColumnsDDL = `
	id         TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ext        TEXT`

// Tables lists the latest schema in dependency order.
var Tables = []TableDef{
	{TableDBVersion, `CREATE TABLE IF NOT EXISTS db_version (
	id          INTEGER PRIMARY KEY CHECK (id = 1),
	version     TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	history     TEXT NOT NULL DEFAULT '[]',
	upgraded_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`},
	{TableAuditLog, `CREATE TABLE IF NOT EXISTS audit_log (
	audit_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id   TEXT NOT NULL DEFAULT '-',
	subject    TEXT NOT NULL,
	action     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`},
	{TableVehicles, `CREATE TABLE IF NOT EXISTS agent_vehicles (` + baseColumnsDDL + `,
	name                 TEXT NOT NULL,
	description          TEXT NOT NULL DEFAULT '',
	vehicle_type         TEXT NOT NULL DEFAULT 'desktop',
	platform             TEXT NOT NULL DEFAULT '',
	architecture         TEXT NOT NULL DEFAULT '',
	ip_address           TEXT NOT NULL DEFAULT '',
	hostname             TEXT NOT NULL DEFAULT '',
	port                 INTEGER NOT NULL DEFAULT 0,
	status               TEXT NOT NULL DEFAULT 'offline',
	health_score         REAL NOT NULL DEFAULT 1.0,
	last_heartbeat       DATETIME,
	uptime_seconds       INTEGER NOT NULL DEFAULT 0,
	capabilities         TEXT NOT NULL DEFAULT '[]',
	max_concurrent_tasks INTEGER NOT NULL DEFAULT 1
);`},
	{TableAvatars, `CREATE TABLE IF NOT EXISTS avatar_resources (` + baseColumnsDDL + `,
	name            TEXT NOT NULL DEFAULT '',
	resource_type   TEXT NOT NULL DEFAULT 'uploaded',
	image_path      TEXT NOT NULL DEFAULT '',
	video_path      TEXT NOT NULL DEFAULT '',
	thumbnail_path  TEXT NOT NULL DEFAULT '',
	image_hash      TEXT,
	cloud_image_url TEXT NOT NULL DEFAULT '',
	cloud_video_url TEXT NOT NULL DEFAULT '',
	cloud_synced    INTEGER NOT NULL DEFAULT 0,
	owner           TEXT NOT NULL DEFAULT '',
	is_public       INTEGER NOT NULL DEFAULT 0,
	avatar_metadata TEXT,
	usage_count     INTEGER NOT NULL DEFAULT 0
);`},
	{TableAgents, `CREATE TABLE IF NOT EXISTS agents (` + baseColumnsDDL + `,
	name               TEXT NOT NULL,
	owner              TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	gender             TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL DEFAULT '[]',
	rank               TEXT NOT NULL DEFAULT '',
	birthday           TEXT NOT NULL DEFAULT '',
	personalities      TEXT NOT NULL DEFAULT '[]',
	capabilities       TEXT NOT NULL DEFAULT '[]',
	supervisor_id      TEXT REFERENCES agents(id) ON DELETE SET NULL,
	vehicle_id         TEXT REFERENCES agent_vehicles(id) ON DELETE SET NULL,
	status             TEXT NOT NULL DEFAULT 'active',
	url                TEXT NOT NULL DEFAULT '',
	avatar_resource_id TEXT,
	extra_data         TEXT
);`},
	{TableOrgs, `CREATE TABLE IF NOT EXISTS agent_orgs (` + baseColumnsDDL + `,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	parent_id   TEXT REFERENCES agent_orgs(id),
	org_type    TEXT NOT NULL DEFAULT 'department',
	level       INTEGER NOT NULL DEFAULT 0,
	sort_order  INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT 'active'
);`},
	{TableSkills, `CREATE TABLE IF NOT EXISTS agent_skills (` + baseColumnsDDL + `,
	name        TEXT NOT NULL,
	owner       TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	version     TEXT NOT NULL DEFAULT '1.0.0',
	source      TEXT NOT NULL DEFAULT 'ui',
	level       TEXT NOT NULL DEFAULT 'beginner',
	diagram     TEXT,
	config      TEXT,
	tags        TEXT NOT NULL DEFAULT '[]',
	path        TEXT NOT NULL DEFAULT '',
	public      INTEGER NOT NULL DEFAULT 0,
	rentable    INTEGER NOT NULL DEFAULT 0,
	price       REAL NOT NULL DEFAULT 0
);`},
	{TableTasks, `CREATE TABLE IF NOT EXISTS agent_tasks (` + baseColumnsDDL + `,
	name          TEXT NOT NULL,
	owner         TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	priority      TEXT NOT NULL DEFAULT 'medium',
	status        TEXT NOT NULL DEFAULT 'pending',
	"trigger"     TEXT NOT NULL DEFAULT 'manual',
	objectives    TEXT NOT NULL DEFAULT '[]',
	schedule      TEXT,
	progress      REAL NOT NULL DEFAULT 0,
	result        TEXT,
	error_message TEXT NOT NULL DEFAULT ''
);`},
	{TableTools, `CREATE TABLE IF NOT EXISTS agent_tools (` + baseColumnsDDL + `,
	name         TEXT NOT NULL,
	owner        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	version      TEXT NOT NULL DEFAULT '1.0.0',
	path         TEXT NOT NULL DEFAULT '',
	capabilities TEXT NOT NULL DEFAULT '[]',
	limitations  TEXT NOT NULL DEFAULT '[]',
	dependencies TEXT NOT NULL DEFAULT '[]',
	tags         TEXT NOT NULL DEFAULT '[]',
	public       INTEGER NOT NULL DEFAULT 0,
	rentable     INTEGER NOT NULL DEFAULT 0,
	price        REAL NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'active'
);`},
	{TableKnowledges, `CREATE TABLE IF NOT EXISTS agent_knowledges (` + baseColumnsDDL + `,
	name           TEXT NOT NULL,
	owner          TEXT NOT NULL DEFAULT '',
	description    TEXT NOT NULL DEFAULT '',
	version        TEXT NOT NULL DEFAULT '1.0.0',
	path           TEXT NOT NULL DEFAULT '',
	capabilities   TEXT NOT NULL DEFAULT '[]',
	limitations    TEXT NOT NULL DEFAULT '[]',
	dependencies   TEXT NOT NULL DEFAULT '[]',
	tags           TEXT NOT NULL DEFAULT '[]',
	public         INTEGER NOT NULL DEFAULT 0,
	rentable       INTEGER NOT NULL DEFAULT 0,
	price          REAL NOT NULL DEFAULT 0,
	status         TEXT NOT NULL DEFAULT 'active',
	content        TEXT NOT NULL DEFAULT '',
	access_methods TEXT NOT NULL DEFAULT '[]',
	categories     TEXT NOT NULL DEFAULT '[]'
);`},
	{TableAgentOrgRels, `CREATE TABLE IF NOT EXISTS agent_org_rels (` + baseColumnsDDL + `,
	agent_id     TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	org_id       TEXT NOT NULL REFERENCES agent_orgs(id) ON DELETE CASCADE,
	role         TEXT NOT NULL DEFAULT 'member',
	permissions  TEXT NOT NULL DEFAULT '[]',
	access_level TEXT NOT NULL DEFAULT 'read',
	join_date    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	leave_date   DATETIME,
	status       TEXT NOT NULL DEFAULT 'active',
	UNIQUE (agent_id, org_id)
);`},
	{TableAgentSkillRels, `CREATE TABLE IF NOT EXISTS agent_skill_rels (` + baseColumnsDDL + `,
	agent_id          TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	skill_id          TEXT NOT NULL REFERENCES agent_skills(id) ON DELETE CASCADE,
	proficiency_level TEXT NOT NULL DEFAULT 'beginner',
	experience_points INTEGER NOT NULL DEFAULT 0,
	usage_count       INTEGER NOT NULL DEFAULT 0,
	success_rate      REAL NOT NULL DEFAULT 0,
	priority          INTEGER NOT NULL DEFAULT 0,
	last_used         DATETIME,
	status            TEXT NOT NULL DEFAULT 'active',
	UNIQUE (agent_id, skill_id)
);`},
	{TableAgentTaskRels, agentTaskRelsDDL("agent_task_rels")},
	{TableSkillToolRels, `CREATE TABLE IF NOT EXISTS agent_skill_tool_rels (` + baseColumnsDDL + `,
	skill_id        TEXT NOT NULL REFERENCES agent_skills(id) ON DELETE CASCADE,
	tool_id         TEXT NOT NULL REFERENCES agent_tools(id) ON DELETE CASCADE,
	dependency_type TEXT NOT NULL DEFAULT 'required',
	importance      INTEGER NOT NULL DEFAULT 1,
	tool_config     TEXT,
	UNIQUE (skill_id, tool_id)
);`},
	{TableSkillKnowledgeRels, `CREATE TABLE IF NOT EXISTS agent_skill_knowledge_rels (` + baseColumnsDDL + `,
	skill_id        TEXT NOT NULL REFERENCES agent_skills(id) ON DELETE CASCADE,
	knowledge_id    TEXT NOT NULL REFERENCES agent_knowledges(id) ON DELETE CASCADE,
	dependency_type TEXT NOT NULL DEFAULT 'required',
	access_pattern  TEXT NOT NULL DEFAULT 'read',
	UNIQUE (skill_id, knowledge_id)
);`},
	{TableTaskSkillRels, `CREATE TABLE IF NOT EXISTS agent_task_skill_rels (` + baseColumnsDDL + `,
	task_id            TEXT NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
	skill_id           TEXT NOT NULL REFERENCES agent_skills(id) ON DELETE CASCADE,
	role               TEXT NOT NULL DEFAULT 'primary',
	execution_order    INTEGER NOT NULL DEFAULT 0,
	is_required        INTEGER NOT NULL DEFAULT 1,
	estimated_duration INTEGER,
	quality_threshold  REAL NOT NULL DEFAULT 0.8,
	quality_score      REAL,
	status             TEXT NOT NULL DEFAULT 'pending',
	UNIQUE (task_id, skill_id)
);`},
	{TableChats, `CREATE TABLE IF NOT EXISTS chats (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	avatar      TEXT NOT NULL DEFAULT '',
	agent_id    TEXT,
	lastMsg     TEXT NOT NULL DEFAULT '',
	lastMsgTime INTEGER NOT NULL DEFAULT 0,
	unread      INTEGER NOT NULL DEFAULT 0,
	pinned      INTEGER NOT NULL DEFAULT 0,
	muted       INTEGER NOT NULL DEFAULT 0,
	ext         TEXT
);`},
	{TableMembers, `CREATE TABLE IF NOT EXISTS members (
	id     TEXT PRIMARY KEY,
	chatId TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	userId TEXT NOT NULL,
	role   TEXT NOT NULL DEFAULT 'user',
	name   TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	ext    TEXT,
	UNIQUE (chatId, userId)
);`},
	{TableMessages, `CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	chatId     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	senderId   TEXT NOT NULL DEFAULT '',
	senderName TEXT NOT NULL DEFAULT '',
	createAt   INTEGER NOT NULL,
	status     TEXT NOT NULL DEFAULT 'complete',
	isRead     INTEGER NOT NULL DEFAULT 0,
	readAt     INTEGER,
	ext        TEXT
);`},
	{TableAttachments, `CREATE TABLE IF NOT EXISTS attachments (
	id        TEXT PRIMARY KEY,
	messageId TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	name      TEXT NOT NULL DEFAULT '',
	url       TEXT NOT NULL DEFAULT '',
	size      INTEGER NOT NULL DEFAULT 0,
	type      TEXT NOT NULL DEFAULT '',
	ext       TEXT
);`},
	{TableChatNotifications, `CREATE TABLE IF NOT EXISTS chat_notifications (
	id        TEXT PRIMARY KEY,
	chatId    TEXT NOT NULL,
	uid       TEXT NOT NULL,
	content   TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	isRead    INTEGER NOT NULL DEFAULT 0
);`},
}

// agentTaskRelsDDL is shared with the table rebuild that relaxed vehicle_id.
func agentTaskRelsDDL(name string) string {
	return `CREATE TABLE IF NOT EXISTS ` + name + ` (` + baseColumnsDDL + `,
	agent_id          TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	task_id           TEXT NOT NULL REFERENCES agent_tasks(id) ON DELETE CASCADE,
	vehicle_id        TEXT REFERENCES agent_vehicles(id) ON DELETE SET NULL,
	status            TEXT NOT NULL DEFAULT 'pending',
	priority          TEXT NOT NULL DEFAULT 'medium',
	progress          REAL NOT NULL DEFAULT 0,
	scheduled_start   DATETIME,
	actual_start      DATETIME,
	actual_end        DATETIME,
	estimated_end     DATETIME,
	execution_time    REAL,
	result            TEXT,
	error_message     TEXT NOT NULL DEFAULT '',
	execution_context TEXT,
	retry_count       INTEGER NOT NULL DEFAULT 0,
	max_retries       INTEGER NOT NULL DEFAULT 3
);`
}

// AgentTaskRelsDDL returns the current agent_task_rels definition under name.
func AgentTaskRelsDDL(name string) string {
	return agentTaskRelsDDL(name)
}

// Indexes are applied after tables and migrations, so each column they
// reference is guaranteed to exist.
var Indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner);`,
	`CREATE INDEX IF NOT EXISTS idx_orgs_parent ON agent_orgs(parent_id, sort_order);`,
	`CREATE INDEX IF NOT EXISTS idx_skills_owner ON agent_skills(owner);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON agent_tasks(owner);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_trigger ON agent_tasks("trigger", status);`,
	`CREATE INDEX IF NOT EXISTS idx_vehicles_status ON agent_vehicles(status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_avatar_owner_hash ON avatar_resources(owner, image_hash) WHERE image_hash IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_agent_org_rels_org ON agent_org_rels(org_id);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_skill_rels_skill ON agent_skill_rels(skill_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_task_rels_pair ON agent_task_rels(agent_id, task_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_agent_task_rels_vehicle ON agent_task_rels(vehicle_id, status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agent_task_rels_one_running ON agent_task_rels(agent_id, task_id) WHERE status = 'running';`,
	`CREATE INDEX IF NOT EXISTS idx_skill_tool_rels_tool ON agent_skill_tool_rels(tool_id);`,
	`CREATE INDEX IF NOT EXISTS idx_skill_knowledge_rels_knowledge ON agent_skill_knowledge_rels(knowledge_id);`,
	`CREATE INDEX IF NOT EXISTS idx_task_skill_rels_skill ON agent_task_skill_rels(skill_id);`,
	`CREATE INDEX IF NOT EXISTS idx_members_user ON members(userId);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chatId, createAt);`,
	`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(messageId);`,
	`CREATE INDEX IF NOT EXISTS idx_chat_notifications_chat ON chat_notifications(chatId, timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
}

// CreateTables issues every CREATE TABLE IF NOT EXISTS. It never alters an
// existing table.
func CreateTables(ctx context.Context, q Querier) error {
	for _, t := range Tables {
		if _, err := q.ExecContext(ctx, t.Create); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// CreateIndexes issues every CREATE INDEX IF NOT EXISTS.
func CreateIndexes(ctx context.Context, q Querier) error {
	for _, stmt := range Indexes {
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// IndexName returns the index a CREATE INDEX statement names.
func IndexName(stmt string) string {
	f := strings.Fields(stmt)
	for i, w := range f {
		if strings.EqualFold(w, "EXISTS") && i+1 < len(f) {
			return f[i+1]
		}
	}
	return ""
}

// MissingIndexes lists the indexes from Indexes the database does not hold.
func MissingIndexes(ctx context.Context, q Querier) ([]string, error) {
	var missing []string
	for _, stmt := range Indexes {
		name := IndexName(stmt)
		var n int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n); err != nil {
			return nil, fmt.Errorf("check index %s: %w", name, err)
		}
		if n == 0 {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// UserTables lists non-internal tables in the database.
func UserTables(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// ColumnInfo is one row of PRAGMA table_info.
type ColumnInfo struct {
	Name    string
	Type    string
	NotNull bool
}

func TableColumns(ctx context.Context, q Querier, table string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	var out []ColumnInfo
	for rows.Next() {
		var (
			cid     int
			ci      ColumnInfo
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &ci.Name, &ci.Type, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		ci.NotNull = notNull != 0
		out = append(out, ci)
	}
	return out, rows.Err()
}

// ColumnExists reports whether table has column (case-insensitive).
func ColumnExists(ctx context.Context, q Querier, table, column string) (bool, error) {
	cols, err := TableColumns(ctx, q, table)
	if err != nil {
		return false, err
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, column) {
			return true, nil
		}
	}
	return false, nil
}

// AddColumnIfMissing runs ALTER TABLE ADD COLUMN unless the column exists.
// It reports whether the column was added.
func AddColumnIfMissing(ctx context.Context, q Querier, table, column, decl string) (bool, error) {
	ok, err := ColumnExists(ctx, q, table, column)
	if err != nil || ok {
		return false, err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(column), decl)
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return false, fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return true, nil
}

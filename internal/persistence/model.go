package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/shared"
	"github.com/google/uuid"
)

// Model is a row type that the generic primitives can read and write.
// Columns, Values and Pointers must agree on order.
type Model interface {
	TableName() string
	Columns() []string
	Values() []any
	Pointers() []any
	GetID() string
	SetID(id string)
	// Stamp fills automatic columns before an insert.
	Stamp(now time.Time)
}

// Describer is implemented by rows that support name/description search.
type Describer interface {
	SearchName() string
	SearchDescription() string
}

// Base carries the columns shared by entity and relation tables.
type Base struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
	Ext       Ext
}

func (b *Base) GetID() string   { return b.ID }
func (b *Base) SetID(id string) { b.ID = id }

func (b *Base) Stamp(now time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
}

func (b *Base) baseMap() map[string]any {
	ext := map[string]any(b.Ext)
	if ext == nil {
		ext = map[string]any{}
	}
	return map[string]any{
		"id":         b.ID,
		"created_at": Millis(b.CreatedAt),
		"updated_at": Millis(b.UpdatedAt),
		"ext":        ext,
	}
}

// NewID returns a fresh entity id.
func NewID() string {
	return uuid.NewString()
}

// NewRelID returns a relation id: prefix followed by 16 hex characters.
func NewRelID(prefix string) string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	}
	return prefix + hex.EncodeToString(b[:])
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// SelectSQL returns "SELECT <cols> FROM <table>" for m.
func SelectSQL(m Model) string {
	return fmt.Sprintf("SELECT %s FROM %s", quoteList(m.Columns()), quoteIdent(m.TableName()))
}

// SelectSQLAs is SelectSQL with every column qualified by alias, for joins.
func SelectSQLAs(m Model, alias string) string {
	cols := m.Columns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = alias + "." + quoteIdent(c)
	}
	return fmt.Sprintf("SELECT %s FROM %s %s", strings.Join(quoted, ", "), quoteIdent(m.TableName()), alias)
}

// mapErr classifies driver errors. Constraint failures become integrity errors.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsConstraint(err) {
		return shared.Integrity(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Insert writes m, assigning an id when it has none.
func Insert(ctx context.Context, q Querier, m Model) error {
	if m.GetID() == "" {
		m.SetID(NewID())
	}
	m.Stamp(time.Now().UTC())
	cols := m.Columns()
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(m.TableName()), quoteList(cols), placeholders(len(cols)))
	_, err := q.ExecContext(ctx, query, m.Values()...)
	return mapErr("insert "+m.TableName(), err)
}

// GetByID loads one row by primary key.
func GetByID[M any, PM interface {
	*M
	Model
}](ctx context.Context, q Querier, id string) (PM, error) {
	pm := PM(new(M))
	row := q.QueryRowContext(ctx, SelectSQL(pm)+` WHERE "id" = ?`, id)
	if err := row.Scan(pm.Pointers()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.NotFound("%s not found: %s", entityNoun(pm.TableName()), id)
		}
		return nil, fmt.Errorf("get %s: %w", pm.TableName(), err)
	}
	return pm, nil
}

// List runs SELECT with an optional trailing clause ("WHERE ... ORDER BY ...").
func List[M any, PM interface {
	*M
	Model
}](ctx context.Context, q Querier, clause string, args ...any) ([]PM, error) {
	zero := PM(new(M))
	query := SelectSQL(zero)
	if clause != "" {
		query += " " + clause
	}
	return Query[M, PM](ctx, q, query, args...)
}

// Query scans the rows of an arbitrary SELECT whose columns match PM.Columns.
func Query[M any, PM interface {
	*M
	Model
}](ctx context.Context, q Querier, query string, args ...any) ([]PM, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []PM
	for rows.Next() {
		pm := PM(new(M))
		if err := rows.Scan(pm.Pointers()...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", pm.TableName(), err)
		}
		out = append(out, pm)
	}
	return out, rows.Err()
}

// DeleteByID removes one row. Missing rows are reported as not found.
func DeleteByID[M any, PM interface {
	*M
	Model
}](ctx context.Context, q Querier, id string) error {
	zero := PM(new(M))
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE "id" = ?`, quoteIdent(zero.TableName())), id)
	if err != nil {
		return mapErr("delete "+zero.TableName(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.NotFound("%s not found: %s", entityNoun(zero.TableName()), id)
	}
	return nil
}

// UpdateFields applies a partial update. Keys must name real columns; id and
// created_at are immutable. Slices and maps are stored as JSON and
// updated_at is refreshed when the table has one.
func UpdateFields[M any, PM interface {
	*M
	Model
}](ctx context.Context, q Querier, id string, fields map[string]any) error {
	zero := PM(new(M))
	cols := zero.Columns()

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "id" || k == "created_at" {
			return shared.Validation("field %q cannot be updated", k)
		}
		if !slices.Contains(cols, k) {
			return shared.Validation("unknown field %q for %s", k, entityNoun(zero.TableName()))
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)

	sets := make([]string, 0, len(keys)+1)
	args := make([]any, 0, len(keys)+2)
	for _, k := range keys {
		v, err := columnValue(fields[k])
		if err != nil {
			return shared.Validation("field %q: %v", k, err)
		}
		sets = append(sets, quoteIdent(k)+" = ?")
		args = append(args, v)
	}
	if slices.Contains(cols, "updated_at") && fields["updated_at"] == nil {
		sets = append(sets, `"updated_at" = ?`)
		args = append(args, time.Now().UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE "id" = ?`,
		quoteIdent(zero.TableName()), strings.Join(sets, ", ")), args...)
	if err != nil {
		return mapErr("update "+zero.TableName(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return shared.NotFound("%s not found: %s", entityNoun(zero.TableName()), id)
	}
	return nil
}

// columnValue normalizes a patch value for storage.
func columnValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64, time.Time, []byte, JSON, StringList, Ext:
		return t, nil
	case float32:
		return float64(t), nil
	case int32:
		return int64(t), nil
	}
	kind := reflect.TypeOf(v).Kind()
	if kind == reflect.Slice || kind == reflect.Map || kind == reflect.Struct {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return v, nil
}

// SearchFilter selects rows by id, name substring and description regexp.
type SearchFilter struct {
	ID        string
	Name      string
	DescRegex string
	Where     string
	Args      []any
}

// Search lists rows matching f. Name matching is a case-insensitive substring
// test in SQL; DescRegex is applied to the description after fetch.
func Search[M any, PM interface {
	*M
	Model
	Describer
}](ctx context.Context, q Querier, f SearchFilter) ([]PM, error) {
	var re *regexp.Regexp
	if f.DescRegex != "" {
		var err error
		if re, err = regexp.Compile(f.DescRegex); err != nil {
			return nil, shared.Validation("invalid description pattern: %v", err)
		}
	}

	var conds []string
	var args []any
	if f.ID != "" {
		conds = append(conds, `"id" = ?`)
		args = append(args, f.ID)
	}
	if f.Name != "" {
		conds = append(conds, `LOWER("name") LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(f.Name))+"%")
	}
	if f.Where != "" {
		conds = append(conds, f.Where)
		args = append(args, f.Args...)
	}
	clause := ""
	if len(conds) > 0 {
		clause = "WHERE " + strings.Join(conds, " AND ")
	}
	clause += ` ORDER BY "created_at", "id"`

	rows, err := List[M, PM](ctx, q, clause, args...)
	if err != nil || re == nil {
		return rows, err
	}
	out := rows[:0]
	for _, r := range rows {
		if re.MatchString(r.SearchDescription()) {
			out = append(out, r)
		}
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// Count returns the number of rows in table matching the optional where clause.
func Count(ctx context.Context, q Querier, table, where string, args ...any) (int, error) {
	query := "SELECT COUNT(*) FROM " + quoteIdent(table)
	if where != "" {
		query += " WHERE " + where
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

var nouns = map[string]string{
	TableAgents:             "agent",
	TableOrgs:               "organization",
	TableSkills:             "skill",
	TableTasks:              "task",
	TableTools:              "tool",
	TableKnowledges:         "knowledge",
	TableVehicles:           "vehicle",
	TableAvatars:            "avatar resource",
	TableAgentOrgRels:       "agent-org relation",
	TableAgentSkillRels:     "agent-skill relation",
	TableAgentTaskRels:      "agent-task assignment",
	TableSkillToolRels:      "skill-tool relation",
	TableSkillKnowledgeRels: "skill-knowledge relation",
	TableTaskSkillRels:      "task-skill relation",
	TableChats:              "chat",
	TableMembers:            "member",
	TableMessages:           "message",
	TableAttachments:        "attachment",
	TableChatNotifications:  "notification",
}

func entityNoun(table string) string {
	if n, ok := nouns[table]; ok {
		return n
	}
	return table
}

package persistence

import (
	"time"
)

// field binds a column name to the struct field backing it. The same pointer
// serves as an insert argument (database/sql dereferences it) and a scan target.
type field struct {
	col string
	ptr any
}

func columnsOf(fs []field) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.col
	}
	return out
}

func pointersOf(fs []field) []any {
	out := make([]any, len(fs))
	for i, f := range fs {
		out[i] = f.ptr
	}
	return out
}

func (b *Base) baseFields() []field {
	return []field{
		{"id", &b.ID}, {"created_at", &b.CreatedAt}, {"updated_at", &b.UpdatedAt}, {"ext", &b.Ext},
	}
}

// OptString returns nil for "" so nullable foreign keys store NULL.
func OptString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns "" for a nil pointer.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Agent is a persona that executes tasks.
type Agent struct {
	Base
	Name             string
	Owner            string
	Description      string
	Gender           string
	Title            StringList
	Rank             string
	Birthday         string
	Personalities    StringList
	Capabilities     StringList
	SupervisorID     *string
	VehicleID        *string
	Status           string
	URL              string
	AvatarResourceID *string
	ExtraData        JSON

	// Populated by LoadAgentRelations; emitted by ToMap(true).
	Orgs   []*AgentOrg
	Skills []*AgentSkill
	Tasks  []*AgentTask
}

const (
	AgentActive    = "active"
	AgentInactive  = "inactive"
	AgentSuspended = "suspended"
)

func (a *Agent) fields() []field {
	return append(a.baseFields(),
		field{"name", &a.Name}, field{"owner", &a.Owner}, field{"description", &a.Description},
		field{"gender", &a.Gender}, field{"title", &a.Title}, field{"rank", &a.Rank},
		field{"birthday", &a.Birthday}, field{"personalities", &a.Personalities},
		field{"capabilities", &a.Capabilities}, field{"supervisor_id", &a.SupervisorID},
		field{"vehicle_id", &a.VehicleID}, field{"status", &a.Status}, field{"url", &a.URL},
		field{"avatar_resource_id", &a.AvatarResourceID}, field{"extra_data", &a.ExtraData},
	)
}

func (a *Agent) TableName() string         { return TableAgents }
func (a *Agent) Columns() []string         { return columnsOf(a.fields()) }
func (a *Agent) Values() []any             { return pointersOf(a.fields()) }
func (a *Agent) Pointers() []any           { return pointersOf(a.fields()) }
func (a *Agent) SearchName() string        { return a.Name }
func (a *Agent) SearchDescription() string { return a.Description }

func (a *Agent) Stamp(now time.Time) {
	a.Base.Stamp(now)
	if a.Status == "" {
		a.Status = AgentActive
	}
}

// ToMap returns the agent's columns; deep adds its loaded relations.
func (a *Agent) ToMap(deep bool) map[string]any {
	m := a.baseMap()
	m["name"] = a.Name
	m["owner"] = a.Owner
	m["description"] = a.Description
	m["gender"] = a.Gender
	m["title"] = listOrEmpty(a.Title)
	m["rank"] = a.Rank
	m["birthday"] = a.Birthday
	m["personalities"] = listOrEmpty(a.Personalities)
	m["capabilities"] = listOrEmpty(a.Capabilities)
	m["supervisor_id"] = nullableString(a.SupervisorID)
	m["vehicle_id"] = nullableString(a.VehicleID)
	m["status"] = a.Status
	m["url"] = a.URL
	m["avatar_resource_id"] = nullableString(a.AvatarResourceID)
	m["extra_data"] = a.ExtraData.Any()
	if deep {
		m["orgs"] = mapAll(a.Orgs)
		m["skills"] = mapAll(a.Skills)
		m["tasks"] = mapAll(a.Tasks)
	}
	return m
}

// Org is a node of the organization hierarchy.
type Org struct {
	Base
	Name        string
	Description string
	ParentID    *string
	OrgType     string
	Level       int
	SortOrder   int
	Status      string

	Children []*Org
}

func (o *Org) fields() []field {
	return append(o.baseFields(),
		field{"name", &o.Name}, field{"description", &o.Description},
		field{"parent_id", &o.ParentID}, field{"org_type", &o.OrgType},
		field{"level", &o.Level}, field{"sort_order", &o.SortOrder}, field{"status", &o.Status},
	)
}

func (o *Org) TableName() string         { return TableOrgs }
func (o *Org) Columns() []string         { return columnsOf(o.fields()) }
func (o *Org) Values() []any             { return pointersOf(o.fields()) }
func (o *Org) Pointers() []any           { return pointersOf(o.fields()) }
func (o *Org) SearchName() string        { return o.Name }
func (o *Org) SearchDescription() string { return o.Description }

func (o *Org) Stamp(now time.Time) {
	o.Base.Stamp(now)
	if o.OrgType == "" {
		o.OrgType = "department"
	}
	if o.Status == "" {
		o.Status = "active"
	}
}

func (o *Org) ToMap(deep bool) map[string]any {
	m := o.baseMap()
	m["name"] = o.Name
	m["description"] = o.Description
	m["parent_id"] = nullableString(o.ParentID)
	m["org_type"] = o.OrgType
	m["level"] = o.Level
	m["sort_order"] = o.SortOrder
	m["status"] = o.Status
	if deep {
		m["children"] = MapAll(o.Children, true)
	}
	return m
}

// Skill is an executable capability composed by tasks.
type Skill struct {
	Base
	Name        string
	Owner       string
	Description string
	Version     string
	Source      string
	Level       string
	Diagram     JSON
	Config      JSON
	Tags        StringList
	Path        string
	Public      bool
	Rentable    bool
	Price       float64

	Tools      []*SkillTool
	Knowledges []*SkillKnowledge
}

func (s *Skill) fields() []field {
	return append(s.baseFields(),
		field{"name", &s.Name}, field{"owner", &s.Owner}, field{"description", &s.Description},
		field{"version", &s.Version}, field{"source", &s.Source}, field{"level", &s.Level},
		field{"diagram", &s.Diagram}, field{"config", &s.Config}, field{"tags", &s.Tags},
		field{"path", &s.Path}, field{"public", &s.Public}, field{"rentable", &s.Rentable},
		field{"price", &s.Price},
	)
}

func (s *Skill) TableName() string         { return TableSkills }
func (s *Skill) Columns() []string         { return columnsOf(s.fields()) }
func (s *Skill) Values() []any             { return pointersOf(s.fields()) }
func (s *Skill) Pointers() []any           { return pointersOf(s.fields()) }
func (s *Skill) SearchName() string        { return s.Name }
func (s *Skill) SearchDescription() string { return s.Description }

func (s *Skill) Stamp(now time.Time) {
	s.Base.Stamp(now)
	if s.Version == "" {
		s.Version = "1.0.0"
	}
	if s.Source == "" {
		s.Source = "ui"
	}
	if s.Level == "" {
		s.Level = "beginner"
	}
}

func (s *Skill) ToMap(deep bool) map[string]any {
	m := s.baseMap()
	m["name"] = s.Name
	m["owner"] = s.Owner
	m["description"] = s.Description
	m["version"] = s.Version
	m["source"] = s.Source
	m["level"] = s.Level
	m["diagram"] = s.Diagram.Any()
	m["config"] = s.Config.Any()
	m["tags"] = listOrEmpty(s.Tags)
	m["path"] = s.Path
	m["public"] = s.Public
	m["rentable"] = s.Rentable
	m["price"] = s.Price
	if deep {
		m["tools"] = mapAll(s.Tools)
		m["knowledges"] = mapAll(s.Knowledges)
	}
	return m
}

// Task is a unit of intent.
type Task struct {
	Base
	Name         string
	Owner        string
	Description  string
	Priority     string
	Status       string
	Trigger      string
	Objectives   StringList
	Schedule     JSON
	Progress     float64
	Result       JSON
	ErrorMessage string

	Skills []*TaskSkill
}

const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerEvent     = "event"
)

func (t *Task) fields() []field {
	return append(t.baseFields(),
		field{"name", &t.Name}, field{"owner", &t.Owner}, field{"description", &t.Description},
		field{"priority", &t.Priority}, field{"status", &t.Status}, field{"trigger", &t.Trigger},
		field{"objectives", &t.Objectives}, field{"schedule", &t.Schedule},
		field{"progress", &t.Progress}, field{"result", &t.Result},
		field{"error_message", &t.ErrorMessage},
	)
}

func (t *Task) TableName() string         { return TableTasks }
func (t *Task) Columns() []string         { return columnsOf(t.fields()) }
func (t *Task) Values() []any             { return pointersOf(t.fields()) }
func (t *Task) Pointers() []any           { return pointersOf(t.fields()) }
func (t *Task) SearchName() string        { return t.Name }
func (t *Task) SearchDescription() string { return t.Description }

func (t *Task) Stamp(now time.Time) {
	t.Base.Stamp(now)
	if t.Priority == "" {
		t.Priority = "medium"
	}
	if t.Status == "" {
		t.Status = "pending"
	}
	if t.Trigger == "" {
		t.Trigger = TriggerManual
	}
}

func (t *Task) ToMap(deep bool) map[string]any {
	m := t.baseMap()
	m["name"] = t.Name
	m["owner"] = t.Owner
	m["description"] = t.Description
	m["priority"] = t.Priority
	m["status"] = t.Status
	m["trigger"] = t.Trigger
	m["objectives"] = listOrEmpty(t.Objectives)
	m["schedule"] = t.Schedule.Any()
	m["progress"] = t.Progress
	m["result"] = t.Result.Any()
	m["error_message"] = t.ErrorMessage
	if deep {
		m["skills"] = mapAll(t.Skills)
	}
	return m
}

// ScheduleCron returns schedule.cron for scheduled tasks, or "".
func (t *Task) ScheduleCron() string {
	var sched struct {
		Cron string `json:"cron"`
	}
	if err := t.Schedule.Decode(&sched); err != nil {
		return ""
	}
	return sched.Cron
}

// Dependency holds the columns Tool and Knowledge have in common.
type Dependency struct {
	Name         string
	Owner        string
	Description  string
	Version      string
	Path         string
	Capabilities StringList
	Limitations  StringList
	Dependencies StringList
	Tags         StringList
	Public       bool
	Rentable     bool
	Price        float64
	Status       string
}

func (d *Dependency) dependencyFields() []field {
	return []field{
		{"name", &d.Name}, {"owner", &d.Owner}, {"description", &d.Description},
		{"version", &d.Version}, {"path", &d.Path}, {"capabilities", &d.Capabilities},
		{"limitations", &d.Limitations}, {"dependencies", &d.Dependencies}, {"tags", &d.Tags},
		{"public", &d.Public}, {"rentable", &d.Rentable}, {"price", &d.Price}, {"status", &d.Status},
	}
}

func (d *Dependency) stampDefaults() {
	if d.Version == "" {
		d.Version = "1.0.0"
	}
	if d.Status == "" {
		d.Status = "active"
	}
}

func (d *Dependency) fill(m map[string]any) {
	m["name"] = d.Name
	m["owner"] = d.Owner
	m["description"] = d.Description
	m["version"] = d.Version
	m["path"] = d.Path
	m["capabilities"] = listOrEmpty(d.Capabilities)
	m["limitations"] = listOrEmpty(d.Limitations)
	m["dependencies"] = listOrEmpty(d.Dependencies)
	m["tags"] = listOrEmpty(d.Tags)
	m["public"] = d.Public
	m["rentable"] = d.Rentable
	m["price"] = d.Price
	m["status"] = d.Status
}

type Tool struct {
	Base
	Dependency
}

func (t *Tool) fields() []field           { return append(t.baseFields(), t.dependencyFields()...) }
func (t *Tool) TableName() string         { return TableTools }
func (t *Tool) Columns() []string         { return columnsOf(t.fields()) }
func (t *Tool) Values() []any             { return pointersOf(t.fields()) }
func (t *Tool) Pointers() []any           { return pointersOf(t.fields()) }
func (t *Tool) SearchName() string        { return t.Name }
func (t *Tool) SearchDescription() string { return t.Description }

func (t *Tool) Stamp(now time.Time) {
	t.Base.Stamp(now)
	t.stampDefaults()
}

func (t *Tool) ToMap(bool) map[string]any {
	m := t.baseMap()
	t.fill(m)
	return m
}

type Knowledge struct {
	Base
	Dependency
	Content       string
	AccessMethods StringList
	Categories    StringList
}

func (k *Knowledge) fields() []field {
	fs := append(k.baseFields(), k.dependencyFields()...)
	return append(fs,
		field{"content", &k.Content}, field{"access_methods", &k.AccessMethods},
		field{"categories", &k.Categories},
	)
}

func (k *Knowledge) TableName() string         { return TableKnowledges }
func (k *Knowledge) Columns() []string         { return columnsOf(k.fields()) }
func (k *Knowledge) Values() []any             { return pointersOf(k.fields()) }
func (k *Knowledge) Pointers() []any           { return pointersOf(k.fields()) }
func (k *Knowledge) SearchName() string        { return k.Name }
func (k *Knowledge) SearchDescription() string { return k.Description }

func (k *Knowledge) Stamp(now time.Time) {
	k.Base.Stamp(now)
	k.stampDefaults()
}

func (k *Knowledge) ToMap(bool) map[string]any {
	m := k.baseMap()
	k.fill(m)
	m["content"] = k.Content
	m["access_methods"] = listOrEmpty(k.AccessMethods)
	m["categories"] = listOrEmpty(k.Categories)
	return m
}

// Vehicle is an execution environment.
type Vehicle struct {
	Base
	Name               string
	Description        string
	VehicleType        string
	Platform           string
	Architecture       string
	IPAddress          string
	Hostname           string
	Port               int
	Status             string
	HealthScore        float64
	LastHeartbeat      *time.Time
	UptimeSeconds      int64
	Capabilities       StringList
	MaxConcurrentTasks int
}

const (
	VehicleOnline      = "online"
	VehicleOffline     = "offline"
	VehicleBusy        = "busy"
	VehicleMaintenance = "maintenance"
	VehicleIdle        = "idle"
)

func (v *Vehicle) fields() []field {
	return append(v.baseFields(),
		field{"name", &v.Name}, field{"description", &v.Description},
		field{"vehicle_type", &v.VehicleType}, field{"platform", &v.Platform},
		field{"architecture", &v.Architecture}, field{"ip_address", &v.IPAddress},
		field{"hostname", &v.Hostname}, field{"port", &v.Port}, field{"status", &v.Status},
		field{"health_score", &v.HealthScore}, field{"last_heartbeat", &v.LastHeartbeat},
		field{"uptime_seconds", &v.UptimeSeconds}, field{"capabilities", &v.Capabilities},
		field{"max_concurrent_tasks", &v.MaxConcurrentTasks},
	)
}

func (v *Vehicle) TableName() string         { return TableVehicles }
func (v *Vehicle) Columns() []string         { return columnsOf(v.fields()) }
func (v *Vehicle) Values() []any             { return pointersOf(v.fields()) }
func (v *Vehicle) Pointers() []any           { return pointersOf(v.fields()) }
func (v *Vehicle) SearchName() string        { return v.Name }
func (v *Vehicle) SearchDescription() string { return v.Description }

func (v *Vehicle) Stamp(now time.Time) {
	v.Base.Stamp(now)
	if v.VehicleType == "" {
		v.VehicleType = "desktop"
	}
	if v.Status == "" {
		v.Status = VehicleOffline
	}
	if v.MaxConcurrentTasks <= 0 {
		v.MaxConcurrentTasks = 1
	}
}

func (v *Vehicle) ToMap(bool) map[string]any {
	m := v.baseMap()
	m["name"] = v.Name
	m["description"] = v.Description
	m["vehicle_type"] = v.VehicleType
	m["platform"] = v.Platform
	m["architecture"] = v.Architecture
	m["ip_address"] = v.IPAddress
	m["hostname"] = v.Hostname
	m["port"] = v.Port
	m["status"] = v.Status
	m["health_score"] = v.HealthScore
	m["last_heartbeat"] = millisOrNil(v.LastHeartbeat)
	m["uptime_seconds"] = v.UptimeSeconds
	m["capabilities"] = listOrEmpty(v.Capabilities)
	m["max_concurrent_tasks"] = v.MaxConcurrentTasks
	return m
}

// Mapper is implemented by every row that renders itself for envelopes.
type Mapper interface {
	ToMap(deep bool) map[string]any
}

func mapAll[T Mapper](items []T) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, it.ToMap(false))
	}
	return out
}

// MapAll renders a slice of rows shallowly or deeply.
func MapAll[T Mapper](items []T, deep bool) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		out = append(out, it.ToMap(deep))
	}
	return out
}

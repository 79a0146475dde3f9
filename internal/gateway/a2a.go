package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/basket/agentcore/internal/a2a"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/service"
	"github.com/basket/agentcore/internal/shared"
)

// Task metadata keys read by tasks/send.
const (
	MetaName     = "name"
	MetaOwner    = "owner"
	MetaPriority = "priority"
	MetaSkillIDs = "skill_ids"

	// extSessionID is the task ext key holding the A2A session id.
	extSessionID = "a2a_session_id"

	defaultA2AOwner = "a2a"
)

// handleAgentCard serves GET /.well-known/agent.json. Public skills are
// listed; the card is hidden when the A2A surface is disabled.
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.cfg.Cfg.A2AEnabled() {
		http.NotFound(w, r)
		return
	}

	skills, err := persistence.List[persistence.Skill](r.Context(), s.cfg.Store.DB(),
		`WHERE "public" = 1 ORDER BY "name", "created_at"`)
	if err != nil {
		s.logger.Error("agent card: failed to list skills", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	cardSkills := make([]a2a.CardSkill, 0, len(skills))
	for _, sk := range skills {
		cardSkills = append(cardSkills, a2a.CardSkill{
			ID:          sk.ID,
			Name:        sk.Name,
			Description: sk.Description,
			Tags:        sk.Tags,
		})
	}

	version := s.cfg.Version
	if version == "" {
		version = "dev"
	}
	card := a2a.AgentCard{
		Name:               "agentcore",
		Description:        "Agent orchestration core: task assignment over a registry of agents, skills and vehicles",
		URL:                strings.TrimRight(s.cfg.Cfg.ServerBaseURL, "/") + "/a2a",
		Version:            version,
		Capabilities:       a2a.Capabilities{Streaming: true, PushNotifications: true, StateTransitionHistory: false},
		DefaultInputModes:  []string{"text", "data"},
		DefaultOutputModes: []string{"text", "data"},
		Skills:             cardSkills,
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, card)
}

// handleA2A serves the JSON-RPC endpoint. Protocol errors are answered with
// HTTP 200 and a JSON-RPC error object.
func (s *Server) handleA2A(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Cfg.A2AEnabled() {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req a2a.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, reply(nil, nil, a2a.NewRPCError(a2a.CodeParseError, "parse error: %v", err)))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSON(w, http.StatusOK, reply(req.ID, nil, a2a.NewRPCError(a2a.CodeInvalidRequest, "invalid JSON-RPC request")))
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := otelpkg.StartServerSpan(ctx, "a2a.serve."+req.Method, otelpkg.AttrRPCMethod.String(req.Method))
	start := time.Now()
	var rpcErr *a2a.RPCError
	defer func() {
		var err error
		if rpcErr != nil {
			err = rpcErr
		}
		otelpkg.EndSpan(span, err)
	}()

	if req.Method == a2a.MethodSendTaskSubscribe {
		rpcErr = s.streamTask(ctx, w, req)
		return
	}

	var result any
	result, rpcErr = s.dispatch(ctx, req)
	s.logger.Debug("a2a: request served", "method", req.Method, "elapsed", time.Since(start), "ok", rpcErr == nil)
	writeJSON(w, http.StatusOK, reply(req.ID, result, rpcErr))
}

func (s *Server) dispatch(ctx context.Context, req a2a.Request) (any, *a2a.RPCError) {
	switch req.Method {
	case a2a.MethodSendTask:
		var p a2a.TaskSendParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		return s.sendTask(ctx, p)
	case a2a.MethodGetTask:
		var p a2a.TaskQueryParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		return s.getTask(ctx, p.ID)
	case a2a.MethodCancelTask:
		var p a2a.TaskIDParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		return s.cancelTask(ctx, p.ID)
	case a2a.MethodSetPushConfig:
		var p a2a.TaskPushNotificationConfig
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		return s.setPushConfig(ctx, p)
	case a2a.MethodGetPushConfig:
		var p a2a.TaskIDParams
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		return s.getPushConfig(ctx, p.ID)
	}
	return nil, a2a.NewRPCError(a2a.CodeMethodNotFound, "method not found: %s", req.Method)
}

func decodeParams(raw json.RawMessage, v any) *a2a.RPCError {
	if len(raw) == 0 {
		return a2a.NewRPCError(a2a.CodeInvalidParams, "params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return a2a.NewRPCError(a2a.CodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// rpcErrorFor maps an error kind onto a JSON-RPC error code.
func rpcErrorFor(err error) *a2a.RPCError {
	switch shared.KindOf(err) {
	case shared.KindNotFound:
		return a2a.NewRPCError(a2a.CodeTaskNotFound, "%s", err.Error())
	case shared.KindValidation, shared.KindConflict:
		return a2a.NewRPCError(a2a.CodeInvalidParams, "%s", err.Error())
	}
	return a2a.NewRPCError(a2a.CodeInternalError, "%s", err.Error())
}

// sendTask creates the task on first sight, then assigns it unless an
// assignment is still open. The answer is the task's current A2A view.
func (s *Server) sendTask(ctx context.Context, p a2a.TaskSendParams) (*a2a.Task, *a2a.RPCError) {
	t, err := s.ensureTask(ctx, p)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	if p.PushNotification != nil {
		if e := s.storePushConfig(ctx, t.ID, *p.PushNotification); e != nil {
			return nil, e
		}
	}

	latest, err := latestAssignment(ctx, s.cfg.Store.DB(), t.ID)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	if latest == nil || !isOpen(latest.Status) {
		at, candidates, err := s.cfg.Services.Scheduler.AssignBest(ctx, t.ID, t.Priority)
		if err != nil {
			return nil, rpcErrorFor(err)
		}
		if at == nil {
			s.logger.Info("a2a: task accepted without an agent", "task_id", t.ID, "candidates", candidates)
		}
	}
	return s.getTask(ctx, t.ID)
}

// ensureTask loads the task named by p.ID or creates it from the message.
func (s *Server) ensureTask(ctx context.Context, p a2a.TaskSendParams) (*persistence.Task, error) {
	if p.ID != "" {
		t, err := persistence.GetByID[persistence.Task](ctx, s.cfg.Store.DB(), p.ID)
		if err == nil || shared.KindOf(err) != shared.KindNotFound {
			return t, err
		}
	}

	text := p.Message.Text()
	t := &persistence.Task{
		Name:        metaString(p.Metadata, MetaName),
		Owner:       metaString(p.Metadata, MetaOwner),
		Description: text,
		Priority:    metaString(p.Metadata, MetaPriority),
		Trigger:     persistence.TriggerManual,
	}
	t.ID = p.ID
	if t.Name == "" {
		t.Name = firstLine(text, 80)
	}
	if t.Name == "" {
		t.Name = "A2A task"
	}
	if t.Owner == "" {
		t.Owner = defaultA2AOwner
	}
	if p.SessionID != "" {
		t.Ext.Set(extSessionID, p.SessionID)
	}
	if err := s.cfg.Services.Tasks.Add(ctx, t).Err(); err != nil {
		return nil, err
	}
	for _, skillID := range metaStrings(p.Metadata, MetaSkillIDs) {
		if err := s.cfg.Services.Tasks.AddSkill(ctx, t.ID, skillID, service.TaskSkillOptions{}).Err(); err != nil {
			return nil, err
		}
	}
	s.logger.Info("a2a: task created", "task_id", t.ID, "name", t.Name)
	return persistence.GetByID[persistence.Task](ctx, s.cfg.Store.DB(), t.ID)
}

func (s *Server) getTask(ctx context.Context, id string) (*a2a.Task, *a2a.RPCError) {
	q := s.cfg.Store.DB()
	t, err := persistence.GetByID[persistence.Task](ctx, q, id)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	latest, err := latestAssignment(ctx, q, id)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return taskView(t, latest), nil
}

// cancelTask cancels every open assignment. A task whose last assignment
// already finished cannot be cancelled.
func (s *Server) cancelTask(ctx context.Context, id string) (*a2a.Task, *a2a.RPCError) {
	q := s.cfg.Store.DB()
	if _, err := persistence.GetByID[persistence.Task](ctx, q, id); err != nil {
		return nil, rpcErrorFor(err)
	}
	latest, err := latestAssignment(ctx, q, id)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	if latest != nil && !isOpen(latest.Status) {
		return nil, a2a.NewRPCError(a2a.CodeTaskNotCancelable, "task %s is already %s", id, latest.Status)
	}
	if err := s.cfg.Services.Tasks.CancelTask(ctx, id).Err(); err != nil {
		if shared.KindOf(err) == shared.KindConflict {
			return nil, a2a.NewRPCError(a2a.CodeTaskNotCancelable, "%s", err.Error())
		}
		return nil, rpcErrorFor(err)
	}
	return s.getTask(ctx, id)
}

func (s *Server) setPushConfig(ctx context.Context, p a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, *a2a.RPCError) {
	if e := s.storePushConfig(ctx, p.ID, p.PushNotificationConfig); e != nil {
		return nil, e
	}
	return &p, nil
}

func (s *Server) storePushConfig(ctx context.Context, taskID string, cfg a2a.PushNotificationConfig) *a2a.RPCError {
	if cfg.URL == "" {
		return a2a.NewRPCError(a2a.CodeInvalidParams, "pushNotificationConfig.url is required")
	}
	var m map[string]any
	raw, _ := json.Marshal(cfg)
	_ = json.Unmarshal(raw, &m)
	if err := s.cfg.Services.Tasks.SetPushConfig(ctx, taskID, m).Err(); err != nil {
		return rpcErrorFor(err)
	}
	return nil
}

func (s *Server) getPushConfig(ctx context.Context, taskID string) (*a2a.TaskPushNotificationConfig, *a2a.RPCError) {
	cfg, err := pushConfigOf(ctx, s.cfg.Store.DB(), taskID)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	if cfg == nil {
		return nil, a2a.NewRPCError(a2a.CodeInvalidParams, "task %s has no push notification config", taskID)
	}
	return &a2a.TaskPushNotificationConfig{ID: taskID, PushNotificationConfig: *cfg}, nil
}

// pushConfigOf reads ext.push_notification; nil means none is set.
func pushConfigOf(ctx context.Context, q persistence.Querier, taskID string) (*a2a.PushNotificationConfig, error) {
	t, err := persistence.GetByID[persistence.Task](ctx, q, taskID)
	if err != nil {
		return nil, err
	}
	v, ok := t.Ext.Get(service.ExtPushNotification)
	if !ok || v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, shared.DataErr("task %s: push config: %v", taskID, err)
	}
	var cfg a2a.PushNotificationConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, shared.DataErr("task %s: push config: %v", taskID, err)
	}
	return &cfg, nil
}

func latestAssignment(ctx context.Context, q persistence.Querier, taskID string) (*persistence.AgentTask, error) {
	rows, err := persistence.List[persistence.AgentTask](ctx, q,
		`WHERE "task_id" = ? ORDER BY "created_at" DESC, rowid DESC LIMIT 1`, taskID)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func isOpen(status string) bool {
	switch status {
	case persistence.AssignPending, persistence.AssignRunning, persistence.AssignPaused:
		return true
	}
	return false
}

// StateOf maps an assignment status onto an A2A task state.
func StateOf(status string) a2a.TaskState {
	switch status {
	case persistence.AssignPending:
		return a2a.StateSubmitted
	case persistence.AssignRunning:
		return a2a.StateWorking
	case persistence.AssignPaused:
		return a2a.StateInputRequired
	case persistence.AssignCompleted:
		return a2a.StateCompleted
	case persistence.AssignCancelled:
		return a2a.StateCanceled
	case persistence.AssignFailed:
		return a2a.StateFailed
	}
	return a2a.StateUnknown
}

// taskView builds the A2A view of a task from its newest assignment. A task
// never assigned is submitted, or canceled once cancelled.
func taskView(t *persistence.Task, at *persistence.AgentTask) *a2a.Task {
	out := &a2a.Task{
		ID:        t.ID,
		SessionID: t.Ext.GetString(extSessionID),
		Metadata:  map[string]any{"name": t.Name, "priority": t.Priority},
	}
	if at == nil {
		out.Status = a2a.TaskStatus{State: a2a.StateSubmitted, Timestamp: t.UpdatedAt}
		if t.Status == persistence.AssignCancelled {
			out.Status.State = a2a.StateCanceled
		}
		return out
	}

	out.Status = a2a.TaskStatus{State: StateOf(at.Status), Timestamp: at.UpdatedAt}
	if at.ErrorMessage != "" {
		out.Status.Message = &a2a.Message{Role: "agent", Parts: []a2a.Part{a2a.TextPart(at.ErrorMessage)}}
	}
	out.Metadata["assignment_id"] = at.ID
	out.Metadata["agent_id"] = at.AgentID
	out.Metadata["progress"] = at.Progress
	if v := persistence.Deref(at.VehicleID); v != "" {
		out.Metadata["vehicle_id"] = v
	}
	if at.Status == persistence.AssignCompleted && !at.Result.IsNull() {
		out.Artifacts = []a2a.Artifact{{Name: "result", Parts: []a2a.Part{resultPart(at.Result.Any())}, LastChunk: true}}
	}
	return out
}

func resultPart(v any) a2a.Part {
	switch r := v.(type) {
	case string:
		return a2a.TextPart(r)
	case map[string]any:
		return a2a.DataPart(r)
	}
	return a2a.DataPart(map[string]any{"value": v})
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return strings.TrimSpace(s)
}

func metaStrings(meta map[string]any, key string) []string {
	switch v := meta[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok && s != "" && !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func firstLine(text string, max int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if r := []rune(line); len(r) > max {
		return string(r[:max])
	}
	return line
}

package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/agentcore/internal/a2a"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/gateway"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/service"
)

type fixture struct {
	srv   *httptest.Server
	gw    *gateway.Server
	store *persistence.Store
	svc   *service.Services
	bus   *bus.Bus
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentcore.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := persistence.CreateTables(context.Background(), store.DB()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	return store
}

func newFixture(t *testing.T, cfg *config.Config, mutate ...func(*gateway.Config)) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{ServerBaseURL: "http://127.0.0.1:4668"}
	}
	store := openStore(t)
	b := bus.New()
	svc := service.New(service.Deps{Store: store, Bus: b})
	gc := gateway.Config{Store: store, Services: svc, Bus: b, Cfg: cfg, ConfigFingerprint: "cfg-test", Version: "1.2.3"}
	for _, m := range mutate {
		m(&gc)
	}
	gw := gateway.New(gc)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, gw: gw, store: store, svc: svc, bus: b}
}

func (f *fixture) client() *a2a.Client {
	return a2a.NewClient(f.srv.URL+"/a2a", a2a.Options{Retries: 1})
}

func mustInsert(t *testing.T, store *persistence.Store, models ...persistence.Model) {
	t.Helper()
	for _, m := range models {
		if err := persistence.Insert(context.Background(), store.DB(), m); err != nil {
			t.Fatalf("insert %s: %v", m.TableName(), err)
		}
	}
}

// seedCapable adds a public skill, an agent holding it and an online vehicle.
func seedCapable(t *testing.T, f *fixture) (skill *persistence.Skill, agent *persistence.Agent, vehicle *persistence.Vehicle) {
	t.Helper()
	skill = &persistence.Skill{Name: "deploy", Description: "ships builds", Public: true, Tags: persistence.StringList{"ops"}}
	agent = &persistence.Agent{Name: "shipper"}
	vehicle = &persistence.Vehicle{Name: "runner-1", Status: persistence.VehicleOnline, HealthScore: 0.9, MaxConcurrentTasks: 4}
	mustInsert(t, f.store, skill, agent, vehicle)
	mustInsert(t, f.store, &persistence.AgentSkill{AgentID: agent.ID, SkillID: skill.ID, ExperiencePoints: 10})
	return skill, agent, vehicle
}

func sendParams(id, text string, meta map[string]any) a2a.TaskSendParams {
	return a2a.TaskSendParams{
		ID:       id,
		Message:  a2a.Message{Role: "user", Parts: []a2a.Part{a2a.TextPart(text)}},
		Metadata: meta,
	}
}

func rpcCode(t *testing.T, err error) int {
	t.Helper()
	var rpcErr *a2a.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want RPCError", err)
	}
	return rpcErr.Code
}

func TestSendTask_CreatesAndAssigns(t *testing.T) {
	f := newFixture(t, nil)
	skill, agent, vehicle := seedCapable(t, f)
	ctx := context.Background()

	task, err := f.client().SendTask(ctx, sendParams("", "deploy the site\nthen report", map[string]any{
		gateway.MetaSkillIDs: []string{skill.ID},
		gateway.MetaPriority: "high",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if task.ID == "" || task.Status.State != a2a.StateSubmitted {
		t.Fatalf("task = %+v", task)
	}
	if task.Metadata["agent_id"] != agent.ID || task.Metadata["vehicle_id"] != vehicle.ID {
		t.Fatalf("metadata = %+v", task.Metadata)
	}

	stored, err := persistence.GetByID[persistence.Task](ctx, f.store.DB(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Name != "deploy the site" || stored.Priority != "high" || stored.Owner != "a2a" {
		t.Fatalf("stored task = %+v", stored)
	}
}

func TestSendTask_ResendKeepsOpenAssignment(t *testing.T) {
	f := newFixture(t, nil)
	skill, _, _ := seedCapable(t, f)
	ctx := context.Background()
	meta := map[string]any{gateway.MetaSkillIDs: []string{skill.ID}}

	first, err := f.client().SendTask(ctx, sendParams("task-7", "go", meta))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.client().SendTask(ctx, sendParams("task-7", "go again", meta))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != "task-7" || second.Metadata["assignment_id"] != first.Metadata["assignment_id"] {
		t.Fatalf("first = %+v, second = %+v", first.Metadata, second.Metadata)
	}
	n, err := persistence.Count(ctx, f.store.DB(), persistence.TableAgentTaskRels, `"task_id" = ?`, "task-7")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("assignments = %d, want 1", n)
	}
}

func TestSendTask_NoCapableAgentStaysSubmitted(t *testing.T) {
	f := newFixture(t, nil)

	task, err := f.client().SendTask(context.Background(), sendParams("", "anything", nil))
	if err != nil {
		t.Fatal(err)
	}
	if task.Status.State != a2a.StateSubmitted {
		t.Fatalf("state = %s", task.Status.State)
	}
	if _, ok := task.Metadata["assignment_id"]; ok {
		t.Fatalf("unexpected assignment: %+v", task.Metadata)
	}
}

func TestGetTask_FollowsAssignment(t *testing.T) {
	f := newFixture(t, nil)
	skill, agent, _ := seedCapable(t, f)
	ctx := context.Background()
	c := f.client()

	task, err := c.SendTask(ctx, sendParams("", "work", map[string]any{gateway.MetaSkillIDs: []string{skill.ID}}))
	if err != nil {
		t.Fatal(err)
	}
	update := func(status string, result any) {
		t.Helper()
		_, err := f.svc.Scheduler.UpdateStatus(ctx, scheduler.StatusUpdate{
			AgentID: agent.ID, TaskID: task.ID, Status: status, Result: result,
		})
		if err != nil {
			t.Fatalf("update %s: %v", status, err)
		}
	}

	update(persistence.AssignRunning, nil)
	got, err := c.GetTask(ctx, a2a.TaskQueryParams{ID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status.State != a2a.StateWorking {
		t.Fatalf("state = %s, want working", got.Status.State)
	}

	update(persistence.AssignCompleted, map[string]any{"answer": "42"})
	got, err = c.GetTask(ctx, a2a.TaskQueryParams{ID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status.State != a2a.StateCompleted || len(got.Artifacts) != 1 {
		t.Fatalf("task = %+v", got)
	}
	if part := got.Artifacts[0].Parts[0]; part.Type != "data" || part.Data["answer"] != "42" {
		t.Fatalf("artifact part = %+v", part)
	}
}

func TestGetTask_UnknownID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.client().GetTask(context.Background(), a2a.TaskQueryParams{ID: "missing"})
	if rpcCode(t, err) != a2a.CodeTaskNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestStateOf(t *testing.T) {
	cases := map[string]a2a.TaskState{
		persistence.AssignPending:   a2a.StateSubmitted,
		persistence.AssignRunning:   a2a.StateWorking,
		persistence.AssignPaused:    a2a.StateInputRequired,
		persistence.AssignCompleted: a2a.StateCompleted,
		persistence.AssignCancelled: a2a.StateCanceled,
		persistence.AssignFailed:    a2a.StateFailed,
		"bogus":                     a2a.StateUnknown,
	}
	for in, want := range cases {
		if got := gateway.StateOf(in); got != want {
			t.Errorf("StateOf(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t, nil)
	skill, _, _ := seedCapable(t, f)
	ctx := context.Background()
	c := f.client()

	task, err := c.SendTask(ctx, sendParams("", "long job", map[string]any{gateway.MetaSkillIDs: []string{skill.ID}}))
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.CancelTask(ctx, a2a.TaskIDParams{ID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status.State != a2a.StateCanceled {
		t.Fatalf("state = %s", got.Status.State)
	}

	_, err = c.CancelTask(ctx, a2a.TaskIDParams{ID: task.ID})
	if rpcCode(t, err) != a2a.CodeTaskNotCancelable {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestCancelTask_UnassignedTwice(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.client()

	task, err := c.SendTask(ctx, sendParams("", "nobody can do this", nil))
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.CancelTask(ctx, a2a.TaskIDParams{ID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status.State != a2a.StateCanceled {
		t.Fatalf("state = %s", got.Status.State)
	}
	_, err = c.CancelTask(ctx, a2a.TaskIDParams{ID: task.ID})
	if rpcCode(t, err) != a2a.CodeTaskNotCancelable {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestPushConfig_RoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.client()

	task, err := c.SendTask(ctx, sendParams("", "notify me", nil))
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.GetTaskCallback(ctx, a2a.TaskIDParams{ID: task.ID})
	if rpcCode(t, err) != a2a.CodeInvalidParams {
		t.Fatalf("unset config err = %v", err)
	}

	cfg := a2a.TaskPushNotificationConfig{ID: task.ID, PushNotificationConfig: a2a.PushNotificationConfig{
		URL: "https://hooks.example.com/a2a", Token: "tok",
	}}
	if _, err := c.SetTaskCallback(ctx, cfg); err != nil {
		t.Fatal(err)
	}
	got, err := c.GetTaskCallback(ctx, a2a.TaskIDParams{ID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if got.PushNotificationConfig.URL != cfg.PushNotificationConfig.URL || got.PushNotificationConfig.Token != "tok" {
		t.Fatalf("config = %+v", got)
	}

	stored, err := persistence.GetByID[persistence.Task](ctx, f.store.DB(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := stored.Ext.Get(service.ExtPushNotification); !ok {
		t.Fatalf("ext = %+v", stored.Ext)
	}

	_, err = c.SetTaskCallback(ctx, a2a.TaskPushNotificationConfig{ID: task.ID})
	if rpcCode(t, err) != a2a.CodeInvalidParams {
		t.Fatalf("empty url err = %v", err)
	}
}

func postRaw(t *testing.T, url, body string) a2a.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out a2a.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestA2A_ProtocolErrors(t *testing.T) {
	f := newFixture(t, nil)
	url := f.srv.URL + "/a2a"

	if r := postRaw(t, url, `{"jsonrpc":`); r.Error == nil || r.Error.Code != a2a.CodeParseError {
		t.Fatalf("parse error response = %+v", r)
	}
	if r := postRaw(t, url, `{"jsonrpc":"1.0","id":1,"method":"tasks/get"}`); r.Error == nil || r.Error.Code != a2a.CodeInvalidRequest {
		t.Fatalf("invalid request response = %+v", r)
	}
	r := postRaw(t, url, `{"jsonrpc":"2.0","id":7,"method":"tasks/resubscribe","params":{}}`)
	if r.Error == nil || r.Error.Code != a2a.CodeMethodNotFound || r.ID != float64(7) {
		t.Fatalf("unknown method response = %+v", r)
	}
	if r := postRaw(t, url, `{"jsonrpc":"2.0","id":"x","method":"tasks/get"}`); r.Error == nil || r.Error.Code != a2a.CodeInvalidParams {
		t.Fatalf("missing params response = %+v", r)
	}
}

func TestAgentCard_ListsPublicSkills(t *testing.T) {
	f := newFixture(t, nil)
	seedCapable(t, f)
	mustInsert(t, f.store, &persistence.Skill{Name: "secret"})

	resp, err := http.Get(f.srv.URL + "/.well-known/agent.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var card a2a.AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		t.Fatal(err)
	}
	if card.URL != "http://127.0.0.1:4668/a2a" || card.Version != "1.2.3" || !card.Capabilities.Streaming {
		t.Fatalf("card = %+v", card)
	}
	if len(card.Skills) != 1 || card.Skills[0].Name != "deploy" || card.Skills[0].Tags[0] != "ops" {
		t.Fatalf("skills = %+v", card.Skills)
	}
}

func TestA2A_DisabledHidesSurface(t *testing.T) {
	off := false
	f := newFixture(t, &config.Config{A2A: config.A2AConfig{Enabled: &off}})

	for _, path := range []string{"/.well-known/agent.json", "/a2a"} {
		resp, err := http.Post(f.srv.URL+path, "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
	}
	resp, err := http.Get(f.srv.URL + "/.well-known/agent.json")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("card status = %d", resp.StatusCode)
	}
}

func TestSendSubscribe_StreamsUntilFinal(t *testing.T) {
	f := newFixture(t, nil)
	skill, agent, _ := seedCapable(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var states []a2a.TaskState
	var taskID string
	for ev, err := range f.client().SendTaskStreaming(ctx, sendParams("", "stream it", map[string]any{
		gateway.MetaSkillIDs: []string{skill.ID},
	})) {
		if err != nil {
			t.Fatal(err)
		}
		if ev.Status == nil {
			continue
		}
		states = append(states, ev.Status.Status.State)
		if len(states) == 1 {
			taskID = ev.Status.ID
			for _, st := range []string{persistence.AssignRunning, persistence.AssignCompleted} {
				if _, err := f.svc.Scheduler.UpdateStatus(ctx, scheduler.StatusUpdate{
					AgentID: agent.ID, TaskID: taskID, Status: st,
				}); err != nil {
					t.Fatal(err)
				}
			}
		}
	}
	if len(states) < 2 || states[0] != a2a.StateSubmitted || states[len(states)-1] != a2a.StateCompleted {
		t.Fatalf("states = %v", states)
	}
}

func TestPushNotifier_PostsStatusUpdates(t *testing.T) {
	f := newFixture(t, nil)
	skill, agent, _ := seedCapable(t, f)

	type hit struct {
		token string
		event a2a.TaskStatusUpdateEvent
	}
	hits := make(chan hit, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev a2a.TaskStatusUpdateEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		hits <- hit{token: r.Header.Get(gateway.NotificationTokenHeader), event: ev}
	}))
	defer hook.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.gw.RunPushNotifier(ctx, hook.Client())
	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	p := sendParams("", "watch me", map[string]any{gateway.MetaSkillIDs: []string{skill.ID}})
	p.PushNotification = &a2a.PushNotificationConfig{URL: hook.URL, Token: "secret"}
	task, err := f.client().SendTask(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Scheduler.UpdateStatus(ctx, scheduler.StatusUpdate{
		AgentID: agent.ID, TaskID: task.ID, Status: persistence.AssignRunning,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case h := <-hits:
		if h.token != "secret" || h.event.ID != task.ID || h.event.Status.State != a2a.StateWorking || h.event.Final {
			t.Fatalf("hit = %+v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no push notification received")
	}
}

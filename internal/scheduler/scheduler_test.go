package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/scheduler"
	"github.com/basket/agentcore/internal/shared"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "agentcore.db"), persistence.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := persistence.CreateTables(ctx, store.DB()); err != nil {
		t.Fatalf("create tables: %v", err)
	}
	if err := persistence.CreateIndexes(ctx, store.DB()); err != nil {
		t.Fatalf("create indexes: %v", err)
	}
	return store
}

func mustInsert(t *testing.T, store *persistence.Store, models ...persistence.Model) {
	t.Helper()
	for _, m := range models {
		if err := persistence.Insert(context.Background(), store.DB(), m); err != nil {
			t.Fatalf("insert %s: %v", m.TableName(), err)
		}
	}
}

func TestFindCapableAgents_RanksByExperienceAndFiltersProficiency(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Options{})

	task := &persistence.Task{Name: "deploy"}
	s1 := &persistence.Skill{Name: "build"}
	s2 := &persistence.Skill{Name: "ship"}
	s3 := &persistence.Skill{Name: "announce"}
	a := &persistence.Agent{Name: "A"}
	b := &persistence.Agent{Name: "B"}
	c := &persistence.Agent{Name: "C"}
	mustInsert(t, store, task, s1, s2, s3, a, b, c)

	optional := persistence.NewTaskSkill(task.ID, s3.ID)
	optional.IsRequired = false
	mustInsert(t, store,
		persistence.NewTaskSkill(task.ID, s1.ID),
		persistence.NewTaskSkill(task.ID, s2.ID),
		optional,
		&persistence.AgentSkill{AgentID: a.ID, SkillID: s1.ID, ProficiencyLevel: "expert", ExperiencePoints: 10, SuccessRate: 0.75},
		&persistence.AgentSkill{AgentID: a.ID, SkillID: s2.ID, ProficiencyLevel: "advanced", ExperiencePoints: 5, SuccessRate: 0.25},
		&persistence.AgentSkill{AgentID: b.ID, SkillID: s1.ID, ExperiencePoints: 60},
		&persistence.AgentSkill{AgentID: b.ID, SkillID: s2.ID, ExperiencePoints: 40},
		&persistence.AgentSkill{AgentID: c.ID, SkillID: s1.ID, ProficiencyLevel: "expert", ExperiencePoints: 500},
	)

	all, err := sched.FindCapableAgents(ctx, task.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].AgentID != b.ID || all[1].AgentID != a.ID {
		t.Fatalf("ranking = %+v", all)
	}
	if all[1].TotalExperience != 15 || all[1].AvgSuccessRate != 0.5 {
		t.Fatalf("agent A tally = %+v", all[1])
	}

	skilled, err := sched.FindCapableAgents(ctx, task.ID, "intermediate")
	if err != nil {
		t.Fatal(err)
	}
	if len(skilled) != 1 || skilled[0].AgentID != a.ID {
		t.Fatalf("intermediate matches = %+v", skilled)
	}

	if _, err := sched.FindCapableAgents(ctx, task.ID, "wizard"); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("unknown level err = %v", err)
	}
}

func TestFindCapableAgents_NoRequiredSkills(t *testing.T) {
	store := openStore(t)
	task := &persistence.Task{Name: "idle"}
	mustInsert(t, store, task)
	got, err := scheduler.New(store, scheduler.Options{}).FindCapableAgents(context.Background(), task.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %+v", got)
	}
}

func TestFindBestVehicle_PicksLowestLoad(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Options{})

	busy := &persistence.Vehicle{Name: "busy", Status: "online", HealthScore: 0.9, MaxConcurrentTasks: 2,
		Platform: "linux", Capabilities: persistence.StringList{"gpu"}}
	roomy := &persistence.Vehicle{Name: "roomy", Status: "idle", HealthScore: 0.9, MaxConcurrentTasks: 4,
		Platform: "linux", Capabilities: persistence.StringList{"gpu", "browser"}}
	off := &persistence.Vehicle{Name: "off", Status: "offline", HealthScore: 1, MaxConcurrentTasks: 10}
	sick := &persistence.Vehicle{Name: "sick", Status: "online", HealthScore: 0.4, MaxConcurrentTasks: 10}
	agent := &persistence.Agent{Name: "runner"}
	task1 := &persistence.Task{Name: "one"}
	task2 := &persistence.Task{Name: "two"}
	mustInsert(t, store, busy, roomy, off, sick, agent, task1, task2)
	mustInsert(t, store,
		&persistence.AgentTask{AgentID: agent.ID, TaskID: task1.ID, VehicleID: &busy.ID, Status: "running"},
		&persistence.AgentTask{AgentID: agent.ID, TaskID: task2.ID, VehicleID: &roomy.ID, Status: "running"},
	)

	choice, err := sched.FindBestVehicle(ctx, scheduler.VehicleRequirements{})
	if err != nil {
		t.Fatal(err)
	}
	if choice.Vehicle.ID != roomy.ID || choice.Load.LoadPercent != 25 {
		t.Fatalf("choice = %s load %v", choice.Vehicle.Name, choice.Load.LoadPercent)
	}

	choice, err = sched.FindBestVehicle(ctx, scheduler.VehicleRequirements{RequiredCapabilities: []string{"browser"}})
	if err != nil || choice.Vehicle.ID != roomy.ID {
		t.Fatalf("capability filter = %v (%v)", choice, err)
	}

	_, err = sched.FindBestVehicle(ctx, scheduler.VehicleRequirements{Platform: "windows"})
	if !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("no match err = %v", err)
	}

	load, err := sched.LoadOf(ctx, busy.ID)
	if err != nil {
		t.Fatal(err)
	}
	if load.RunningTasks != 1 || load.LoadPercent != 50 {
		t.Fatalf("load = %+v", load)
	}
}

func TestScheduler_AtMostOneRunningAssignment(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	b := bus.New()
	sub := b.Subscribe("assignment.")
	defer b.Unsubscribe(sub)
	sched := scheduler.New(store, scheduler.Options{Bus: b})

	agent := &persistence.Agent{Name: "ag1"}
	task := &persistence.Task{Name: "t1"}
	vehicle := &persistence.Vehicle{Name: "v1", Status: "online", HealthScore: 1}
	mustInsert(t, store, agent, task, vehicle)
	req := scheduler.AssignRequest{AgentID: agent.ID, TaskID: task.ID, VehicleID: vehicle.ID}

	first, err := sched.Assign(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != "pending" || !strings.HasPrefix(first.ID, persistence.PrefixAgentTask) {
		t.Fatalf("assignment = %+v", first)
	}

	running, err := sched.UpdateStatus(ctx, scheduler.StatusUpdate{
		AgentID: agent.ID, TaskID: task.ID, VehicleID: vehicle.ID, Status: "running",
	})
	if err != nil {
		t.Fatal(err)
	}
	if running.ActualStart == nil {
		t.Fatal("actual_start not stamped")
	}

	_, err = sched.Assign(ctx, req)
	if !errors.Is(err, shared.ErrConflict) || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second assign err = %v", err)
	}

	done, err := sched.UpdateStatus(ctx, scheduler.StatusUpdate{
		AgentID: agent.ID, TaskID: task.ID, VehicleID: vehicle.ID, Status: "completed",
	})
	if err != nil {
		t.Fatal(err)
	}
	if done.ActualEnd == nil || done.ExecutionTime == nil || done.Progress != 1 {
		t.Fatalf("completed row = %+v", done)
	}
	if _, err := sched.Assign(ctx, req); err != nil {
		t.Fatalf("assign after completion: %v", err)
	}

	stored, err := persistence.GetByID[persistence.Task](ctx, store.DB(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != "completed" {
		t.Fatalf("task status = %s", stored.Status)
	}

	var topics []string
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		topics = append(topics, ev.Topic)
	}
	if len(topics) != 4 {
		t.Fatalf("events = %v", topics)
	}
}

func TestScheduler_TransitionsAndRetries(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Options{})

	agent := &persistence.Agent{Name: "ag"}
	task := &persistence.Task{Name: "t"}
	mustInsert(t, store, agent, task)
	one := 1
	at, err := sched.Assign(ctx, scheduler.AssignRequest{AgentID: agent.ID, TaskID: task.ID, MaxRetries: &one})
	if err != nil {
		t.Fatal(err)
	}
	if at.VehicleID != nil {
		t.Fatalf("vehicle = %v, want nil", *at.VehicleID)
	}

	step := func(status string) (*persistence.AgentTask, error) {
		return sched.UpdateStatus(ctx, scheduler.StatusUpdate{AssignmentID: at.ID, Status: status})
	}
	if _, err := step("completed"); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("pending->completed err = %v", err)
	}
	started, err := step("running")
	if err != nil {
		t.Fatal(err)
	}
	paused, err := step("paused")
	if err != nil {
		t.Fatal(err)
	}
	resumed, err := step("running")
	if err != nil {
		t.Fatal(err)
	}
	if !resumed.ActualStart.Equal(*started.ActualStart) || paused.ActualEnd != nil {
		t.Fatal("pause/resume should keep the original start")
	}

	failed, err := step("failed")
	if err != nil {
		t.Fatal(err)
	}
	if failed.RetryCount != 1 || failed.ActualEnd == nil {
		t.Fatalf("failed row = %+v", failed)
	}
	if _, err := step("running"); err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if _, err := step("failed"); err != nil {
		t.Fatal(err)
	}
	if _, err := step("running"); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("retry past budget err = %v", err)
	}
	if _, err := step("bogus"); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("unknown status err = %v", err)
	}
}

func TestScheduler_MaxRetriesZeroIsHonored(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Options{})

	agent := &persistence.Agent{Name: "ag"}
	strict := &persistence.Task{Name: "strict"}
	lenient := &persistence.Task{Name: "lenient"}
	mustInsert(t, store, agent, strict, lenient)

	zero := 0
	at, err := sched.Assign(ctx, scheduler.AssignRequest{AgentID: agent.ID, TaskID: strict.ID, MaxRetries: &zero})
	if err != nil {
		t.Fatal(err)
	}
	if at.MaxRetries != 0 {
		t.Fatalf("max retries = %d, want 0", at.MaxRetries)
	}
	for _, status := range []string{"running", "failed"} {
		if _, err := sched.UpdateStatus(ctx, scheduler.StatusUpdate{AssignmentID: at.ID, Status: status}); err != nil {
			t.Fatalf("%s: %v", status, err)
		}
	}
	if _, err := sched.UpdateStatus(ctx, scheduler.StatusUpdate{AssignmentID: at.ID, Status: "running"}); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("retry with zero budget err = %v", err)
	}

	def, err := sched.Assign(ctx, scheduler.AssignRequest{AgentID: agent.ID, TaskID: lenient.ID})
	if err != nil {
		t.Fatal(err)
	}
	if def.MaxRetries != persistence.DefaultMaxRetries {
		t.Fatalf("default max retries = %d, want %d", def.MaxRetries, persistence.DefaultMaxRetries)
	}

	neg := -1
	if _, err := sched.Assign(ctx, scheduler.AssignRequest{AgentID: agent.ID, TaskID: lenient.ID, MaxRetries: &neg}); !errors.Is(err, shared.ErrValidation) {
		t.Fatalf("negative budget err = %v", err)
	}
}

func TestScheduler_CancelTask(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Options{})

	a1 := &persistence.Agent{Name: "a1"}
	a2 := &persistence.Agent{Name: "a2"}
	task := &persistence.Task{Name: "t"}
	mustInsert(t, store, a1, a2, task)
	mustInsert(t, store,
		&persistence.AgentTask{AgentID: a1.ID, TaskID: task.ID, Status: "running"},
		&persistence.AgentTask{AgentID: a2.ID, TaskID: task.ID, Status: "pending"},
		&persistence.AgentTask{AgentID: a2.ID, TaskID: task.ID, Status: "completed"},
	)

	n, err := sched.CancelTask(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("cancelled = %d", n)
	}
	stored, err := persistence.GetByID[persistence.Task](ctx, store.DB(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != "cancelled" {
		t.Fatalf("task status = %s", stored.Status)
	}
}

func TestScheduler_CancelTask_FinishedTaskConflicts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Options{})

	agent := &persistence.Agent{Name: "a"}
	done := &persistence.Task{Name: "done"}
	fresh := &persistence.Task{Name: "fresh"}
	mustInsert(t, store, agent, done, fresh)

	at, err := sched.Assign(ctx, scheduler.AssignRequest{AgentID: agent.ID, TaskID: done.ID})
	if err != nil {
		t.Fatal(err)
	}
	for _, status := range []string{"running", "completed"} {
		if _, err := sched.UpdateStatus(ctx, scheduler.StatusUpdate{AssignmentID: at.ID, Status: status}); err != nil {
			t.Fatalf("move to %s: %v", status, err)
		}
	}

	n, err := sched.CancelTask(ctx, done.ID)
	if !errors.Is(err, shared.ErrConflict) || n != 0 {
		t.Fatalf("cancel finished task: n=%d err=%v", n, err)
	}
	stored, err := persistence.GetByID[persistence.Task](ctx, store.DB(), done.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != "completed" {
		t.Fatalf("task status = %s, want completed", stored.Status)
	}

	if _, err := sched.CancelTask(ctx, fresh.ID); err != nil {
		t.Fatalf("cancel unassigned task: %v", err)
	}
	if _, err := sched.CancelTask(ctx, fresh.ID); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("second cancel err = %v", err)
	}
}

func TestScheduler_EstimateAndStatistics(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Options{})

	agent := &persistence.Agent{Name: "a"}
	task := &persistence.Task{Name: "t"}
	earlier := &persistence.Task{Name: "earlier"}
	later := &persistence.Task{Name: "later"}
	configured := &persistence.Skill{Name: "configured"}
	learned := &persistence.Skill{Name: "learned"}
	unknown := &persistence.Skill{Name: "unknown"}
	mustInsert(t, store, agent, task, earlier, later, configured, learned, unknown)

	fixed := 120
	withDuration := persistence.NewTaskSkill(task.ID, configured.ID)
	withDuration.EstimatedDuration = &fixed
	fifty, ninety := 50.0, 90.0
	mustInsert(t, store,
		withDuration,
		persistence.NewTaskSkill(task.ID, learned.ID),
		persistence.NewTaskSkill(task.ID, unknown.ID),
		persistence.NewTaskSkill(earlier.ID, learned.ID),
		persistence.NewTaskSkill(later.ID, learned.ID),
		&persistence.AgentTask{AgentID: agent.ID, TaskID: earlier.ID, Status: "completed", ExecutionTime: &fifty},
		&persistence.AgentTask{AgentID: agent.ID, TaskID: later.ID, Status: "completed", ExecutionTime: &ninety},
		&persistence.AgentTask{AgentID: agent.ID, TaskID: later.ID, Status: "failed"},
		&persistence.AgentTask{AgentID: agent.ID, TaskID: later.ID, Status: "cancelled"},
	)

	est, err := sched.EstimateDuration(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	// configured 120 + mean of (50, 90) + default 300
	if est.TotalSeconds != 490 {
		t.Fatalf("total = %v (%+v)", est.TotalSeconds, est.Skills)
	}
	if est.Skills[0].Source != scheduler.SourceConfigured || est.Skills[1].Source != scheduler.SourceHistory ||
		est.Skills[2].Source != scheduler.SourceDefault {
		t.Fatalf("sources = %+v", est.Skills)
	}

	st, err := sched.TaskStatistics(ctx, later.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 3 || st.SuccessRate != 0.5 || st.AvgExecutionTime != 90 {
		t.Fatalf("stats = %+v", st)
	}

	empty, err := sched.TaskStatistics(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if empty.Total != 0 || empty.SuccessRate != 0 {
		t.Fatalf("empty stats = %+v", empty)
	}
}

func TestCanTransition(t *testing.T) {
	if !scheduler.CanTransition("running", "paused") || !scheduler.CanTransition("paused", "running") {
		t.Fatal("running <-> paused must be allowed")
	}
	if scheduler.CanTransition("completed", "running") || scheduler.CanTransition("cancelled", "pending") {
		t.Fatal("terminal states must not restart")
	}
}

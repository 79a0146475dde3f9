package scheduler

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/basket/agentcore/internal/bus"
	otelpkg "github.com/basket/agentcore/internal/otel"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/shared"
)

// transitions lists the states each assignment state may move to. A failed
// row may restart while its retry budget lasts.
var transitions = map[string][]string{
	persistence.AssignPending: {persistence.AssignRunning, persistence.AssignCancelled, persistence.AssignFailed},
	persistence.AssignRunning: {persistence.AssignPaused, persistence.AssignCompleted, persistence.AssignFailed, persistence.AssignCancelled},
	persistence.AssignPaused:  {persistence.AssignRunning, persistence.AssignCancelled, persistence.AssignFailed},
	persistence.AssignFailed:  {persistence.AssignRunning},
}

// CanTransition reports whether an assignment may move from one state to another.
func CanTransition(from, to string) bool {
	return slices.Contains(transitions[from], to)
}

func knownStatus(s string) bool {
	switch s {
	case persistence.AssignPending, persistence.AssignRunning, persistence.AssignPaused,
		persistence.AssignCompleted, persistence.AssignFailed, persistence.AssignCancelled:
		return true
	}
	return false
}

// AssignRequest describes a new agent-task assignment.
type AssignRequest struct {
	AgentID        string
	TaskID         string
	VehicleID      string
	Priority       string
	ScheduledStart *time.Time
	Context        map[string]any
	// MaxRetries nil means persistence.DefaultMaxRetries; zero disables retries.
	MaxRetries     *int
}

// Assign records a pending assignment. It is rejected while the agent is
// already running the task.
func (s *Scheduler) Assign(ctx context.Context, req AssignRequest) (at *persistence.AgentTask, err error) {
	ctx, span := otelpkg.StartSpan(ctx, "scheduler.assign",
		otelpkg.AttrAgentID.String(req.AgentID), otelpkg.AttrTaskID.String(req.TaskID))
	defer func() { otelpkg.EndSpan(span, err) }()

	err = s.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		at, err = AssignIn(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordAssignment(ctx, at.Status)
	s.bus.Publish(bus.TopicAssignmentCreated, bus.AssignmentStatusEvent{
		AssignmentID: at.ID,
		AgentID:      at.AgentID,
		TaskID:       at.TaskID,
		VehicleID:    persistence.Deref(at.VehicleID),
		NewStatus:    at.Status,
	})
	s.logger.Info("task assigned", "agent_id", at.AgentID, "task_id", at.TaskID,
		"vehicle_id", persistence.Deref(at.VehicleID), "assignment_id", at.ID)
	return at, nil
}

// AssignBest assigns the task to the best ranked capable agent that is not
// already running it, on the least loaded vehicle when one is available. It
// returns a nil assignment and no error when no agent could take the task;
// candidates is the number of capable agents considered.
func (s *Scheduler) AssignBest(ctx context.Context, taskID, priority string) (at *persistence.AgentTask, candidates int, err error) {
	agents, err := s.FindCapableAgents(ctx, taskID, "")
	if err != nil {
		return nil, 0, err
	}
	vehicleID := ""
	if choice, err := s.FindBestVehicle(ctx, VehicleRequirements{}); err == nil {
		vehicleID = choice.Vehicle.ID
	} else if shared.KindOf(err) != shared.KindNotFound {
		return nil, len(agents), err
	}
	for _, a := range agents {
		at, err := s.Assign(ctx, AssignRequest{AgentID: a.AgentID, TaskID: taskID, VehicleID: vehicleID, Priority: priority})
		if shared.KindOf(err) == shared.KindConflict {
			continue
		}
		return at, len(agents), err
	}
	return nil, len(agents), nil
}

// AssignIn is Assign inside the caller's transaction.
func AssignIn(ctx context.Context, q persistence.Querier, req AssignRequest) (*persistence.AgentTask, error) {
	if req.AgentID == "" || req.TaskID == "" {
		return nil, shared.Validation("agent_id and task_id are required")
	}
	if _, err := persistence.GetByID[persistence.Agent](ctx, q, req.AgentID); err != nil {
		return nil, err
	}
	if _, err := persistence.GetByID[persistence.Task](ctx, q, req.TaskID); err != nil {
		return nil, err
	}
	if req.VehicleID != "" {
		if _, err := persistence.GetByID[persistence.Vehicle](ctx, q, req.VehicleID); err != nil {
			return nil, err
		}
	}
	running, err := persistence.RunningAssignment(ctx, q, req.AgentID, req.TaskID)
	if err != nil {
		return nil, err
	}
	if running != nil {
		return nil, shared.Conflict("task %s is already running for agent %s (assignment %s)",
			req.TaskID, req.AgentID, running.ID)
	}

	at := &persistence.AgentTask{
		AgentID:        req.AgentID,
		TaskID:         req.TaskID,
		VehicleID:      persistence.OptString(req.VehicleID),
		Priority:       req.Priority,
		ScheduledStart: req.ScheduledStart,
		MaxRetries:     persistence.DefaultMaxRetries,
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, shared.Validation("max retries must not be negative, got %d", *req.MaxRetries)
		}
		at.MaxRetries = *req.MaxRetries
	}
	if len(req.Context) > 0 {
		if at.ExecutionContext, err = persistence.ToJSON(req.Context); err != nil {
			return nil, shared.Validation("execution context: %v", err)
		}
	}
	if err := persistence.Insert(ctx, q, at); err != nil {
		return nil, err
	}
	return at, nil
}

// StatusUpdate moves one assignment. AssignmentID selects the row directly;
// otherwise the newest unfinished row for (AgentID, TaskID), narrowed by
// VehicleID when set, is used.
type StatusUpdate struct {
	AssignmentID string
	AgentID      string
	TaskID       string
	VehicleID    string
	Status       string
	Progress     *float64
	Result       any
	ErrorMessage string
}

// UpdateStatus applies a state transition. Entering running stamps
// actual_start; entering a terminal state stamps actual_end and the
// execution time. Each failure spends one retry; a failed row restarts only
// while retry_count <= max_retries.
func (s *Scheduler) UpdateStatus(ctx context.Context, u StatusUpdate) (at *persistence.AgentTask, err error) {
	ctx, span := otelpkg.StartSpan(ctx, "scheduler.update_status",
		otelpkg.AttrAgentID.String(u.AgentID), otelpkg.AttrTaskID.String(u.TaskID))
	defer func() { otelpkg.EndSpan(span, err) }()

	if !knownStatus(u.Status) {
		return nil, shared.Validation("unknown assignment status %q", u.Status)
	}
	var old string
	err = s.store.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		at, err = findAssignment(ctx, tx, u)
		if err != nil {
			return err
		}
		old = at.Status
		return applyStatus(ctx, tx, at, u, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordAssignment(ctx, at.Status)
	s.bus.Publish(bus.TopicAssignmentStatus, bus.AssignmentStatusEvent{
		AssignmentID: at.ID,
		AgentID:      at.AgentID,
		TaskID:       at.TaskID,
		VehicleID:    persistence.Deref(at.VehicleID),
		OldStatus:    old,
		NewStatus:    at.Status,
		Progress:     at.Progress,
		ErrorMessage: at.ErrorMessage,
	})
	s.logger.Info("assignment status changed", "assignment_id", at.ID,
		"from", old, "to", at.Status, "retry_count", at.RetryCount)
	return at, nil
}

func findAssignment(ctx context.Context, q persistence.Querier, u StatusUpdate) (*persistence.AgentTask, error) {
	if u.AssignmentID != "" {
		return persistence.GetByID[persistence.AgentTask](ctx, q, u.AssignmentID)
	}
	if u.AgentID == "" || u.TaskID == "" {
		return nil, shared.Validation("assignment_id or agent_id and task_id are required")
	}
	clause := `WHERE "agent_id" = ? AND "task_id" = ? AND "status" NOT IN (?, ?)`
	args := []any{u.AgentID, u.TaskID, persistence.AssignCompleted, persistence.AssignCancelled}
	if u.VehicleID != "" {
		clause += ` AND "vehicle_id" = ?`
		args = append(args, u.VehicleID)
	}
	clause += ` ORDER BY CASE "status" WHEN 'running' THEN 0 WHEN 'paused' THEN 1 ELSE 2 END, "created_at" DESC, rowid DESC LIMIT 1`
	rows, err := persistence.List[persistence.AgentTask](ctx, q, clause, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, shared.NotFound("no open assignment of task %s for agent %s", u.TaskID, u.AgentID)
	}
	return rows[0], nil
}

func applyStatus(ctx context.Context, q persistence.Querier, at *persistence.AgentTask, u StatusUpdate, now time.Time) error {
	fields := map[string]any{}
	if u.Status != at.Status {
		if !CanTransition(at.Status, u.Status) {
			return shared.Conflict("cannot move assignment %s from %s to %s", at.ID, at.Status, u.Status)
		}
		if at.Status == persistence.AssignFailed && at.RetryCount > at.MaxRetries {
			return shared.Conflict("assignment %s exhausted its %d retries", at.ID, at.MaxRetries)
		}
		if u.Status == persistence.AssignRunning {
			other, err := persistence.RunningAssignment(ctx, q, at.AgentID, at.TaskID)
			if err != nil {
				return err
			}
			if other != nil && other.ID != at.ID {
				return shared.Conflict("task %s is already running for agent %s (assignment %s)",
					at.TaskID, at.AgentID, other.ID)
			}
		}

		switch u.Status {
		case persistence.AssignRunning:
			if at.Status != persistence.AssignPaused || at.ActualStart == nil {
				at.ActualStart = &now
				fields["actual_start"] = now
			}
			at.ActualEnd = nil
			fields["actual_end"] = nil
		case persistence.AssignCompleted, persistence.AssignFailed, persistence.AssignCancelled:
			at.ActualEnd = &now
			fields["actual_end"] = now
			if at.ActualStart != nil {
				secs := now.Sub(*at.ActualStart).Seconds()
				at.ExecutionTime = &secs
				fields["execution_time"] = secs
			}
		}
		if u.Status == persistence.AssignFailed {
			at.RetryCount++
			fields["retry_count"] = at.RetryCount
		}
		if u.Status == persistence.AssignCompleted && u.Progress == nil {
			at.Progress = 1
			fields["progress"] = 1.0
		}
		at.Status = u.Status
		fields["status"] = u.Status
	}

	if u.Progress != nil {
		p := *u.Progress
		if p < 0 || p > 1 {
			return shared.Validation("progress must be within 0..1, got %v", p)
		}
		at.Progress = p
		fields["progress"] = p
	}
	if u.Result != nil {
		j, err := persistence.ToJSON(u.Result)
		if err != nil {
			return shared.Validation("result: %v", err)
		}
		at.Result = j
		fields["result"] = j
	}
	if u.ErrorMessage != "" {
		at.ErrorMessage = u.ErrorMessage
		fields["error_message"] = u.ErrorMessage
	}
	if len(fields) == 0 {
		return nil
	}
	if err := persistence.UpdateFields[persistence.AgentTask](ctx, q, at.ID, fields); err != nil {
		return err
	}
	return syncTask(ctx, q, at)
}

// syncTask mirrors an assignment's state onto its task row.
func syncTask(ctx context.Context, q persistence.Querier, at *persistence.AgentTask) error {
	fields := map[string]any{"progress": at.Progress}
	switch at.Status {
	case persistence.AssignRunning, persistence.AssignCompleted, persistence.AssignFailed:
		fields["status"] = at.Status
	case persistence.AssignCancelled:
		open, err := persistence.Count(ctx, q, persistence.TableAgentTaskRels,
			`"task_id" = ? AND "status" IN ('pending', 'running', 'paused')`, at.TaskID)
		if err != nil {
			return err
		}
		if open == 0 {
			fields["status"] = persistence.AssignCancelled
		}
	}
	if at.Status == persistence.AssignCompleted && !at.Result.IsNull() {
		fields["result"] = at.Result
	}
	if at.ErrorMessage != "" {
		fields["error_message"] = at.ErrorMessage
	}
	return persistence.UpdateFields[persistence.Task](ctx, q, at.TaskID, fields)
}

// CancelTask cancels every unfinished assignment of a task and returns how
// many rows moved. A task with nothing open is stamped cancelled unless it
// already finished, which is a conflict.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (n int, err error) {
	ctx, span := otelpkg.StartSpan(ctx, "scheduler.cancel_task", otelpkg.AttrTaskID.String(taskID))
	defer func() { otelpkg.EndSpan(span, err) }()

	var cancelled []*persistence.AgentTask
	var before []string
	err = s.store.InTx(ctx, func(tx *sql.Tx) error {
		task, err := persistence.GetByID[persistence.Task](ctx, tx, taskID)
		if err != nil {
			return err
		}
		open, err := persistence.List[persistence.AgentTask](ctx, tx,
			`WHERE "task_id" = ? AND "status" IN ('pending', 'running', 'paused') ORDER BY "created_at"`, taskID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, at := range open {
			before = append(before, at.Status)
			if err := applyStatus(ctx, tx, at, StatusUpdate{Status: persistence.AssignCancelled}, now); err != nil {
				return err
			}
			cancelled = append(cancelled, at)
		}
		if len(open) == 0 {
			if persistence.IsTerminal(task.Status) {
				return shared.Conflict("task %s is already %s", taskID, task.Status)
			}
			return persistence.UpdateFields[persistence.Task](ctx, tx, taskID,
				map[string]any{"status": persistence.AssignCancelled})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for i, at := range cancelled {
		s.bus.Publish(bus.TopicAssignmentStatus, bus.AssignmentStatusEvent{
			AssignmentID: at.ID,
			AgentID:      at.AgentID,
			TaskID:       at.TaskID,
			VehicleID:    persistence.Deref(at.VehicleID),
			OldStatus:    before[i],
			NewStatus:    at.Status,
			Progress:     at.Progress,
		})
	}
	s.logger.Info("task cancelled", "task_id", taskID, "assignments", len(cancelled))
	return len(cancelled), nil
}

package scheduler

import (
	"context"
	"database/sql"

	"github.com/basket/agentcore/internal/persistence"
)

// Estimate sources.
const (
	SourceConfigured = "configured"
	SourceHistory    = "history"
	SourceDefault    = "default"
)

type SkillEstimate struct {
	SkillID string  `json:"skill_id"`
	Seconds float64 `json:"seconds"`
	Source  string  `json:"source"`
}

type DurationEstimate struct {
	TaskID       string          `json:"task_id"`
	TotalSeconds float64         `json:"total_seconds"`
	Skills       []SkillEstimate `json:"skills"`
}

// EstimateDuration sums a per-skill estimate over the task's skills: the
// configured duration, else the mean execution time of completed runs of
// tasks sharing the skill, else the default.
func (s *Scheduler) EstimateDuration(ctx context.Context, taskID string) (DurationEstimate, error) {
	db := s.store.DB()
	if _, err := persistence.GetByID[persistence.Task](ctx, db, taskID); err != nil {
		return DurationEstimate{}, err
	}
	links, err := persistence.List[persistence.TaskSkill](ctx, db,
		`WHERE "task_id" = ? ORDER BY "execution_order", "created_at"`, taskID)
	if err != nil {
		return DurationEstimate{}, err
	}

	est := DurationEstimate{TaskID: taskID, Skills: make([]SkillEstimate, 0, len(links))}
	for _, l := range links {
		se := SkillEstimate{SkillID: l.SkillID}
		switch {
		case l.EstimatedDuration != nil && *l.EstimatedDuration > 0:
			se.Seconds = float64(*l.EstimatedDuration)
			se.Source = SourceConfigured
		default:
			var avg sql.NullFloat64
			err := db.QueryRowContext(ctx, `
				SELECT AVG(at.execution_time) FROM agent_task_rels at
				JOIN agent_task_skill_rels ts ON ts.task_id = at.task_id
				WHERE ts.skill_id = ? AND at.status = 'completed' AND at.execution_time IS NOT NULL`,
				l.SkillID).Scan(&avg)
			if err != nil {
				return DurationEstimate{}, err
			}
			if avg.Valid {
				se.Seconds = avg.Float64
				se.Source = SourceHistory
			} else {
				se.Seconds = s.defaultDuration.Seconds()
				se.Source = SourceDefault
			}
		}
		est.TotalSeconds += se.Seconds
		est.Skills = append(est.Skills, se)
	}
	return est, nil
}

// TaskStats aggregates the assignments of one task.
type TaskStats struct {
	TaskID           string         `json:"task_id"`
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	SuccessRate      float64        `json:"success_rate"`
	AvgExecutionTime float64        `json:"avg_execution_time"`
}

// TaskStatistics counts assignments by status. Success rate is
// completed / (completed + failed), zero when neither occurred.
func (s *Scheduler) TaskStatistics(ctx context.Context, taskID string) (TaskStats, error) {
	db := s.store.DB()
	if _, err := persistence.GetByID[persistence.Task](ctx, db, taskID); err != nil {
		return TaskStats{}, err
	}
	st := TaskStats{TaskID: taskID, ByStatus: map[string]int{}}
	rows, err := db.QueryContext(ctx,
		`SELECT "status", COUNT(*) FROM agent_task_rels WHERE "task_id" = ? GROUP BY "status"`, taskID)
	if err != nil {
		return TaskStats{}, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return TaskStats{}, err
		}
		st.ByStatus[status] = n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return TaskStats{}, err
	}

	done, failed := st.ByStatus[persistence.AssignCompleted], st.ByStatus[persistence.AssignFailed]
	if done+failed > 0 {
		st.SuccessRate = float64(done) / float64(done+failed)
	}
	var avg sql.NullFloat64
	if err := db.QueryRowContext(ctx,
		`SELECT AVG(execution_time) FROM agent_task_rels
		 WHERE "task_id" = ? AND "status" = 'completed' AND execution_time IS NOT NULL`, taskID).Scan(&avg); err != nil {
		return TaskStats{}, err
	}
	st.AvgExecutionTime = avg.Float64
	return st, nil
}

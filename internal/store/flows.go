package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mtzanidakis/swarmflow/internal/models"
)

const taskColumns = `id, flow_id, title, description, type, effort, dependencies,
	estimated_duration, prerequisites, deliverable, status, assigned_agent, result,
	started_at, completed_at`

// StoreFlow upserts the flow row and every task row in one transaction.
func (s *Store) StoreFlow(f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return opError(ErrInsertFailed, "store flow", err)
	}
	defer tx.Rollback()

	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err = tx.Exec(`
		INSERT INTO flows (id, macro_goal, execution_strategy, total_estimated_time, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			macro_goal = excluded.macro_goal,
			execution_strategy = excluded.execution_strategy,
			total_estimated_time = excluded.total_estimated_time,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		f.ID, f.MacroGoal, string(f.ExecutionStrategy), f.TotalEstimatedTime, string(f.Status),
		f.CreatedAt.UTC(), time.Now().UTC())
	if err != nil {
		return opError(ErrInsertFailed, "store flow", err)
	}

	for i, t := range f.Tasks {
		t.FlowID = f.ID
		_, err := tx.Exec(`
			INSERT INTO tasks (id, flow_id, position, title, description, type, effort, dependencies,
				estimated_duration, prerequisites, deliverable, status, assigned_agent, result,
				started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				flow_id = excluded.flow_id,
				position = excluded.position,
				title = excluded.title,
				description = excluded.description,
				type = excluded.type,
				effort = excluded.effort,
				dependencies = excluded.dependencies,
				estimated_duration = excluded.estimated_duration,
				prerequisites = excluded.prerequisites,
				deliverable = excluded.deliverable,
				status = excluded.status,
				assigned_agent = excluded.assigned_agent,
				result = excluded.result,
				started_at = excluded.started_at,
				completed_at = excluded.completed_at`,
			t.ID, f.ID, i, t.Title, t.Description, string(t.Type), t.Effort, joinList(t.Dependencies),
			t.EstimatedDuration, joinList(t.Prerequisites), t.Deliverable, string(t.Status),
			nullString(t.AssignedAgent), nullString(t.Result), utcPtr(t.StartedAt), utcPtr(t.CompletedAt))
		if err != nil {
			return opError(ErrInsertFailed, fmt.Sprintf("store task %s", t.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return opError(ErrInsertFailed, "store flow", err)
	}
	return nil
}

func (s *Store) UpdateFlowStatus(id string, status models.FlowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE flows SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id)
	if err != nil {
		return opError(ErrUpdateFailed, "update flow status", err)
	}
	return expectRow(res, ErrUpdateFailed, "update flow status")
}

// GetFlow returns the flow with its tasks in declaration order, or nil if
// no such flow exists.
func (s *Store) GetFlow(id string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, macro_goal, execution_strategy, total_estimated_time, status, created_at
		FROM flows WHERE id = ?`, id)
	f, err := scanFlow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, opError(ErrQueryFailed, "get flow", err)
	}

	tasks, err := s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE flow_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, opError(ErrQueryFailed, "get flow tasks", err)
	}
	f.Tasks = tasks
	return f, nil
}

// ListFlows returns the most recent flows without their tasks.
func (s *Store) ListFlows(limit int) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, macro_goal, execution_strategy, total_estimated_time, status, created_at
		FROM flows ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, opError(ErrQueryFailed, "list flows", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, opError(ErrQueryFailed, "scan flow", err)
		}
		flows = append(flows, *f)
	}
	return flows, rows.Err()
}

func scanFlow(sc scanner) (*models.Flow, error) {
	f := &models.Flow{}
	var strategy, status string
	var total sql.NullString
	if err := sc.Scan(&f.ID, &f.MacroGoal, &strategy, &total, &status, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.ExecutionStrategy = models.Strategy(strategy)
	f.Status = models.FlowStatus(status)
	f.TotalEstimatedTime = total.String
	return f, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

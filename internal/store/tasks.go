package store

import (
	"database/sql"
	"time"

	"github.com/mtzanidakis/swarmflow/internal/models"
)

// UpdateTaskStatus sets a task's status. A non-empty agentID also records
// the assignment.
func (s *Store) UpdateTaskStatus(taskID string, status models.TaskStatus, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if agentID != "" {
		res, err = s.db.Exec(`UPDATE tasks SET status = ?, assigned_agent = ? WHERE id = ?`,
			string(status), agentID, taskID)
	} else {
		res, err = s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, string(status), taskID)
	}
	if err != nil {
		return opError(ErrUpdateFailed, "update task status", err)
	}
	return expectRow(res, ErrUpdateFailed, "update task status")
}

// MarkTaskStarted moves a task to in_progress and stamps its start time.
func (s *Store) MarkTaskStarted(taskID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`,
		string(models.TaskInProgress), at.UTC(), taskID)
	if err != nil {
		return opError(ErrUpdateFailed, "mark task started", err)
	}
	return expectRow(res, ErrUpdateFailed, "mark task started")
}

// StoreTaskResult records the result and marks the task completed.
func (s *Store) StoreTaskResult(taskID, content string) error {
	return s.finishTask("store task result", taskID, models.TaskCompleted, content)
}

// StoreTaskFailure records the error text as the result and marks the task failed.
func (s *Store) StoreTaskFailure(taskID, errText string) error {
	return s.finishTask("store task failure", taskID, models.TaskFailed, errText)
}

func (s *Store) finishTask(op, taskID string, status models.TaskStatus, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE tasks SET status = ?, result = ?, completed_at = ? WHERE id = ?`,
		string(status), result, time.Now().UTC(), taskID)
	if err != nil {
		return opError(ErrUpdateFailed, op, err)
	}
	return expectRow(res, ErrUpdateFailed, op)
}

func (s *Store) GetTask(id string) (*models.MicroTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, opError(ErrQueryFailed, "get task", err)
	}
	return t, nil
}

func (s *Store) ListTasks(flowID string) ([]*models.MicroTask, error) {
	return s.tasksWhere("list tasks", `flow_id = ?`, flowID)
}

func (s *Store) GetCompletedTasks(flowID string) ([]*models.MicroTask, error) {
	return s.tasksWhere("get completed tasks", `flow_id = ? AND status = ?`, flowID, string(models.TaskCompleted))
}

func (s *Store) GetFailedTasks(flowID string) ([]*models.MicroTask, error) {
	return s.tasksWhere("get failed tasks", `flow_id = ? AND status = ?`, flowID, string(models.TaskFailed))
}

func (s *Store) tasksWhere(op, where string, args ...any) ([]*models.MicroTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY position`, args...)
	if err != nil {
		return nil, opError(ErrQueryFailed, op, err)
	}
	return tasks, nil
}

// queryTasks expects the caller to hold s.mu.
func (s *Store) queryTasks(query string, args ...any) ([]*models.MicroTask, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*models.MicroTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(sc scanner) (*models.MicroTask, error) {
	t := &models.MicroTask{}
	var typ, status string
	var desc, deps, estimate, prereqs, deliverable, agent, result sql.NullString
	err := sc.Scan(&t.ID, &t.FlowID, &t.Title, &desc, &typ, &t.Effort, &deps,
		&estimate, &prereqs, &deliverable, &status, &agent, &result,
		&t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	t.Type = models.TaskType(typ)
	t.Dependencies = splitList(deps.String)
	t.EstimatedDuration = estimate.String
	t.Prerequisites = splitList(prereqs.String)
	t.Deliverable = deliverable.String
	t.Status = models.TaskStatus(status)
	t.AssignedAgent = agent.String
	t.Result = result.String
	return t, nil
}

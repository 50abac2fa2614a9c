package store

import (
	"database/sql"
	"time"
)

const (
	GoalActive    = "active"
	GoalPaused    = "paused"
	GoalCompleted = "completed"
)

// ScheduledGoal is a macro goal that the scheduler decomposes and runs on a
// recurring schedule.
type ScheduledGoal struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Goal       string     `json:"goal"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastFlowID string     `json:"last_flow_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const goalColumns = `id, name, goal, schedule, status, next_run_at, last_run_at,
	last_status, last_error, last_flow_id, created_at`

func scanGoal(sc scanner) (*ScheduledGoal, error) {
	g := &ScheduledGoal{}
	var lastStatus, lastError, lastFlow sql.NullString
	err := sc.Scan(&g.ID, &g.Name, &g.Goal, &g.Schedule, &g.Status,
		&g.NextRunAt, &g.LastRunAt, &lastStatus, &lastError, &lastFlow, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	g.LastStatus = lastStatus.String
	g.LastError = lastError.String
	g.LastFlowID = lastFlow.String
	return g, nil
}

func (s *Store) SaveGoal(g *ScheduledGoal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.Status == "" {
		g.Status = GoalActive
	}
	_, err := s.db.Exec(`
		INSERT INTO scheduled_goals (id, name, goal, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			goal = excluded.goal,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		g.ID, g.Name, g.Goal, g.Schedule, g.Status, utcPtr(g.NextRunAt))
	if err != nil {
		return opError(ErrInsertFailed, "save goal", err)
	}
	return nil
}

func (s *Store) GetGoal(id string) (*ScheduledGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := scanGoal(s.db.QueryRow(`SELECT `+goalColumns+` FROM scheduled_goals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, opError(ErrQueryFailed, "get goal", err)
	}
	return g, nil
}

func (s *Store) ListGoals() ([]ScheduledGoal, error) {
	return s.goalsWhere("list goals", `1 = 1 ORDER BY created_at`)
}

// GetDueGoals returns active goals whose next run is at or before now.
func (s *Store) GetDueGoals(now time.Time) ([]ScheduledGoal, error) {
	return s.goalsWhere("get due goals",
		`status = ? AND next_run_at <= ? ORDER BY next_run_at`, GoalActive, now.UTC())
}

func (s *Store) goalsWhere(op, where string, args ...any) ([]ScheduledGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT `+goalColumns+` FROM scheduled_goals WHERE `+where, args...)
	if err != nil {
		return nil, opError(ErrQueryFailed, op, err)
	}
	defer rows.Close()

	var goals []ScheduledGoal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, opError(ErrQueryFailed, op, err)
		}
		goals = append(goals, *g)
	}
	return goals, rows.Err()
}

// UpdateGoalRun records the outcome of a run and the next time it is due.
func (s *Store) UpdateGoalRun(id, lastStatus, lastError, flowID string, nextRunAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE scheduled_goals
		SET last_run_at = ?, last_status = ?, last_error = ?, last_flow_id = ?, next_run_at = ?
		WHERE id = ?`, time.Now().UTC(), lastStatus, lastError, flowID, utcPtr(nextRunAt), id)
	if err != nil {
		return opError(ErrUpdateFailed, "update goal run", err)
	}
	return expectRow(res, ErrUpdateFailed, "update goal run")
}

func (s *Store) UpdateGoalStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE scheduled_goals SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return opError(ErrUpdateFailed, "update goal status", err)
	}
	return expectRow(res, ErrUpdateFailed, "update goal status")
}

func (s *Store) DeleteGoal(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM scheduled_goals WHERE id = ?`, id)
	if err != nil {
		return opError(ErrDeleteFailed, "delete goal", err)
	}
	return expectRow(res, ErrDeleteFailed, "delete goal")
}

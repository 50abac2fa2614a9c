package store

import (
	"database/sql"
	"time"

	"github.com/mtzanidakis/swarmflow/internal/models"
)

const agentColumns = `id, flow_id, specialization, status, current_task_id, workload, efficiency, created_at, updated_at`

func (s *Store) StoreAgent(a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			specialization = excluded.specialization,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			workload = excluded.workload,
			efficiency = excluded.efficiency,
			updated_at = excluded.updated_at`,
		a.ID, a.FlowID, string(a.Specialization), string(a.Status), nullString(a.TaskID),
		a.Workload, a.Efficiency, a.CreatedAt.UTC(), a.UpdatedAt)
	if err != nil {
		return opError(ErrInsertFailed, "store agent", err)
	}
	return nil
}

func (s *Store) RemoveAgent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return opError(ErrDeleteFailed, "remove agent", err)
	}
	return expectRow(res, ErrDeleteFailed, "remove agent")
}

// ClearAllAgents drops every agent row. Used at startup, since agents never
// outlive the process that spawned them.
func (s *Store) ClearAllAgents() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM agents`); err != nil {
		return opError(ErrDeleteFailed, "clear agents", err)
	}
	return nil
}

func (s *Store) GetAgent(id string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := scanAgent(s.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, opError(ErrQueryFailed, "get agent", err)
	}
	return a, nil
}

// ListAgents returns persisted agents, restricted to flowID when non-empty.
func (s *Store) ListAgents(flowID string) ([]models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if flowID != "" {
		query += ` WHERE flow_id = ?`
		args = append(args, flowID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, opError(ErrQueryFailed, "list agents", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, opError(ErrQueryFailed, "scan agent", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func scanAgent(sc scanner) (*models.Agent, error) {
	a := &models.Agent{}
	var spec, status string
	var task sql.NullString
	err := sc.Scan(&a.ID, &a.FlowID, &spec, &status, &task, &a.Workload, &a.Efficiency,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Specialization = models.TaskType(spec)
	a.Status = models.AgentStatus(status)
	a.TaskID = task.String
	return a, nil
}

package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmflow/internal/models"
)

// AddContextEntry appends a context entry, assigning an id and timestamp
// when the caller left them empty.
func (s *Store) AddContextEntry(e *models.ContextEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.FlowID == "" {
		e.FlowID = models.GlobalScope
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO context_entries (id, flow_id, type, content, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.FlowID, e.Type, e.Content, e.CreatedBy, e.CreatedAt.UTC())
	if err != nil {
		return opError(ErrInsertFailed, "add context entry", err)
	}
	return nil
}

// ListContextEntries returns entries scoped to flowID or global, newest first.
func (s *Store) ListContextEntries(flowID string) ([]models.ContextEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.contextEntries(flowID)
	if err != nil {
		return nil, opError(ErrQueryFailed, "list context entries", err)
	}
	return entries, nil
}

func (s *Store) contextEntries(flowID string) ([]models.ContextEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, flow_id, type, content, created_by, created_at
		FROM context_entries
		WHERE flow_id = ? OR flow_id = ?
		ORDER BY created_at DESC, rowid DESC`, flowID, models.GlobalScope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ContextEntry
	for rows.Next() {
		var e models.ContextEntry
		if err := rows.Scan(&e.ID, &e.FlowID, &e.Type, &e.Content, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSharedContext builds the snapshot an agent is spawned with. The newest
// macro_goal entry wins; the flow row is the fallback when none was recorded.
func (s *Store) GetSharedContext(flowID string) (*models.SharedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.contextEntries(flowID)
	if err != nil {
		return nil, opError(ErrQueryFailed, "get shared context", err)
	}

	sc := &models.SharedContext{}
	for _, e := range entries {
		if e.Type == models.ContextMacroGoal {
			if sc.MacroGoal == "" {
				sc.MacroGoal = e.Content
			}
			continue
		}
		sc.RelevantInfo = append(sc.RelevantInfo, e.Content)
	}

	if sc.MacroGoal == "" {
		var goal string
		err := s.db.QueryRow(`SELECT macro_goal FROM flows WHERE id = ?`, flowID).Scan(&goal)
		if err != nil && err != sql.ErrNoRows {
			return nil, opError(ErrQueryFailed, "get shared context", err)
		}
		sc.MacroGoal = goal
	}

	rows, err := s.db.Query(`
		SELECT title FROM tasks WHERE flow_id = ? AND status = ? ORDER BY position`,
		flowID, string(models.TaskCompleted))
	if err != nil {
		return nil, opError(ErrQueryFailed, "get shared context", err)
	}
	defer rows.Close()
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, opError(ErrQueryFailed, "get shared context", err)
		}
		sc.CompletedTaskTitles = append(sc.CompletedTaskTitles, title)
	}
	if err := rows.Err(); err != nil {
		return nil, opError(ErrQueryFailed, "get shared context", err)
	}

	return sc, nil
}

func (s *Store) GetFlowProgress(flowID string) (*models.FlowProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &models.FlowProgress{FlowID: flowID}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM tasks WHERE flow_id = ?`,
		string(models.TaskCompleted), string(models.TaskFailed), flowID).
		Scan(&p.Total, &p.Completed, &p.Failed)
	if err != nil {
		return nil, opError(ErrQueryFailed, "get flow progress", err)
	}

	err = s.db.QueryRow(`SELECT COUNT(*) FROM agents WHERE flow_id = ?`, flowID).Scan(&p.ActiveAgents)
	if err != nil {
		return nil, opError(ErrQueryFailed, "get flow progress", err)
	}
	return p, nil
}

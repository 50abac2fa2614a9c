package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/swarmflow/internal/models"
)

func (s *Store) StoreSwarmUpdate(u *models.SwarmUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.Timestamp.IsZero() {
		u.Timestamp = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO swarm_updates (id, flow_id, agent_id, type, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.FlowID, nullString(u.AgentID), string(u.Type), u.Content, u.Timestamp.UTC())
	if err != nil {
		return opError(ErrInsertFailed, "store swarm update", err)
	}
	return nil
}

// ListSwarmUpdates returns the latest updates for a flow, oldest first.
func (s *Store) ListSwarmUpdates(flowID string, limit int) ([]models.SwarmUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, flow_id, agent_id, type, content, timestamp FROM (
			SELECT rowid AS rid, id, flow_id, agent_id, type, content, timestamp
			FROM swarm_updates WHERE flow_id = ?
			ORDER BY timestamp DESC, rowid DESC LIMIT ?
		) ORDER BY timestamp, rid`, flowID, limit)
	if err != nil {
		return nil, opError(ErrQueryFailed, "list swarm updates", err)
	}
	defer rows.Close()

	var updates []models.SwarmUpdate
	for rows.Next() {
		var u models.SwarmUpdate
		var typ string
		var agent sql.NullString
		if err := rows.Scan(&u.ID, &u.FlowID, &agent, &typ, &u.Content, &u.Timestamp); err != nil {
			return nil, opError(ErrQueryFailed, "scan swarm update", err)
		}
		u.Type = models.UpdateType(typ)
		u.AgentID = agent.String
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

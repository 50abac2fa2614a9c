package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Secret is a vault-sealed value. Value and Nonce are never serialized.
type Secret struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Value       []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SaveSecret inserts a secret or replaces the sealed value of the one with
// the same name.
func (s *Store) SaveSecret(sec *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sec.ID == "" {
		sec.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO secrets (id, name, description, value, nonce)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description = excluded.description,
			value = excluded.value, nonce = excluded.nonce,
			updated_at = CURRENT_TIMESTAMP`,
		sec.ID, sec.Name, sec.Description, sec.Value, sec.Nonce)
	if err != nil {
		return opError(ErrInsertFailed, "save secret", err)
	}
	return nil
}

func (s *Store) GetSecretByName(name string) (*Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := &Secret{}
	var desc sql.NullString
	err := s.db.QueryRow(`
		SELECT id, name, description, value, nonce, created_at, updated_at
		FROM secrets WHERE name = ?`, name).
		Scan(&sec.ID, &sec.Name, &desc, &sec.Value, &sec.Nonce, &sec.CreatedAt, &sec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, opError(ErrQueryFailed, "get secret", err)
	}
	sec.Description = desc.String
	return sec, nil
}

// ListSecrets returns secret metadata without sealed values.
func (s *Store) ListSecrets() ([]Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, name, description, created_at, updated_at
		FROM secrets ORDER BY name`)
	if err != nil {
		return nil, opError(ErrQueryFailed, "list secrets", err)
	}
	defer rows.Close()

	var secrets []Secret
	for rows.Next() {
		var sec Secret
		var desc sql.NullString
		if err := rows.Scan(&sec.ID, &sec.Name, &desc, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, opError(ErrQueryFailed, "scan secret", err)
		}
		sec.Description = desc.String
		secrets = append(secrets, sec)
	}
	return secrets, rows.Err()
}

func (s *Store) DeleteSecret(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return opError(ErrDeleteFailed, "delete secret", err)
	}
	return expectRow(res, ErrDeleteFailed, "delete secret")
}

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const interactionColumns = `id, session_id, created_at, message, language, resource_id, response, model, cached, status`

func (s *Store) SaveInteraction(i Interaction) error {
	if i.Status == "" {
		i.Status = StatusCompleted
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.SessionID, i.CreatedAt.UTC().Format(timeLayout), i.Message, i.Language,
		i.ResourceID, i.Response, i.Model, i.Cached, i.Status,
	)
	return err
}

func (s *Store) GetInteraction(id string) (Interaction, error) {
	row := s.db.QueryRow(`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	i, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Interaction{}, ErrNotFound
	}
	return i, err
}

// SessionInteractions returns the most recent turns of a session, newest first.
func (s *Store) SessionInteractions(sessionID string, limit int) ([]Interaction, error) {
	rows, err := s.db.Query(`
		SELECT `+interactionColumns+`
		FROM interactions WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Interaction{}
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, i)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(sc scanner) (Interaction, error) {
	var i Interaction
	var createdAt string
	if err := sc.Scan(&i.ID, &i.SessionID, &createdAt, &i.Message, &i.Language,
		&i.ResourceID, &i.Response, &i.Model, &i.Cached, &i.Status); err != nil {
		return Interaction{}, err
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return Interaction{}, fmt.Errorf("parsing created_at: %w", err)
	}
	i.CreatedAt = t
	return i, nil
}

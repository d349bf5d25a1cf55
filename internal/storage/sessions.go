package storage

import (
	"database/sql"
	"errors"
	"time"
)

// SessionState returns the serialized conversation state for id.
func (s *Store) SessionState(id string) ([]byte, error) {
	var state string
	err := s.db.QueryRow(`SELECT state_json FROM sessions WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

// SaveSessionState upserts the serialized conversation state for id.
func (s *Store) SaveSessionState(id string, state []byte) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, state_json, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		id, string(state), now, now,
	)
	return err
}

// PruneSessions deletes sessions idle since before cutoff and their
// interactions, returning the number of sessions removed.
func (s *Store) PruneSessions(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	ts := cutoff.UTC().Format(timeLayout)
	if _, err := tx.Exec(`DELETE FROM interactions WHERE session_id IN (SELECT id FROM sessions WHERE updated_at < ?)`, ts); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM sessions WHERE updated_at < ?`, ts)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

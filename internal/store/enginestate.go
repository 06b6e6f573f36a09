package store

import (
	"database/sql"
	"fmt"

	"csrd/internal/model"
)

// GetEngineState returns whether the engine is enabled. Absent rows
// default to enabled, per specification invariant 5.
func (s *Store) GetEngineState(id model.EngineID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var state int32
	err := s.db.QueryRow(`SELECT state FROM ENGINE_STATE WHERE id = ?`, int32(id)).Scan(&state)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: getting engine state for %s: %w", id, err)
	}
	return state != 0, nil
}

// SetEngineState upserts the enable/disable flag for an engine.
func (s *Store) SetEngineState(id model.EngineID, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO ENGINE_STATE (id, state) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state`,
		int32(id), boolToInt(enabled),
	)
	if err != nil {
		return fmt.Errorf("store: setting engine state for %s: %w", id, err)
	}
	return nil
}

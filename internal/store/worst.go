package store

import (
	"database/sql"
	"fmt"
)

// WorstEntry is the per-package riskiest-file pointer (§4.7 "Scan
// app", the WORST/NAME tables).
type WorstEntry struct {
	PkgID         string
	Name          string
	FileInAppPath string
}

// GetWorst returns the current worst-file pointer for pkgID.
func (s *Store) GetWorst(pkgID string) (WorstEntry, bool, error) {
	var w WorstEntry
	var found bool
	err := s.withSpan("get_worst", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		w = WorstEntry{PkgID: pkgID}
		err := s.db.QueryRow(
			`SELECT name, file_in_app_path FROM WORST WHERE pkg_id = ?`, pkgID,
		).Scan(&w.Name, &w.FileInAppPath)
		if err == sql.ErrNoRows {
			w = WorstEntry{}
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: getting worst for %s: %w", pkgID, err)
		}
		found = true
		return nil
	})
	return w, found, err
}

// UpsertWorst records the worst-file pointer for pkgID.
func (s *Store) UpsertWorst(w WorstEntry) error {
	return s.withSpan("upsert_worst", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`
			INSERT INTO WORST (pkg_id, name, file_in_app_path) VALUES (?, ?, ?)
			ON CONFLICT(pkg_id) DO UPDATE SET name = excluded.name, file_in_app_path = excluded.file_in_app_path`,
			w.PkgID, w.Name, w.FileInAppPath,
		)
		if err != nil {
			return fmt.Errorf("store: upserting worst for %s: %w", w.PkgID, err)
		}
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO NAME (name) VALUES (?)`, w.Name); err != nil {
			return fmt.Errorf("store: recording name %s: %w", w.Name, err)
		}
		return nil
	})
}

// DeleteWorst drops the worst-file pointer for pkgID (no surviving
// per-file rows, §4.7 "Scan app" table row "y,n,n").
func (s *Store) DeleteWorst(pkgID string) error {
	return s.withSpan("delete_worst", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`DELETE FROM WORST WHERE pkg_id = ?`, pkgID)
		if err != nil {
			return fmt.Errorf("store: deleting worst for %s: %w", pkgID, err)
		}
		return nil
	})
}

package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetScanTime returns the last_scan watermark for (dir, dataVersion).
func (s *Store) GetScanTime(dir, dataVersion string) (time.Time, bool, error) {
	var at time.Time
	var found bool
	err := s.withSpan("get_scan_time", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var ts int64
		err := s.db.QueryRow(
			`SELECT last_scan FROM SCAN_REQUEST WHERE dir = ? AND data_version = ?`,
			dir, dataVersion,
		).Scan(&ts)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: getting scan time for %s: %w", dir, err)
		}
		at = time.Unix(ts, 0).UTC()
		found = true
		return nil
	})
	return at, found, err
}

// SetScanTime upserts the last_scan watermark for (dir, dataVersion).
func (s *Store) SetScanTime(dir, dataVersion string, at time.Time) error {
	return s.withSpan("set_scan_time", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`
			INSERT INTO SCAN_REQUEST (dir, data_version, last_scan) VALUES (?, ?, ?)
			ON CONFLICT(dir, data_version) DO UPDATE SET last_scan = excluded.last_scan`,
			dir, dataVersion, at.Unix(),
		)
		if err != nil {
			return fmt.Errorf("store: setting scan time for %s: %w", dir, err)
		}
		return nil
	})
}

package store

import (
	"database/sql"
	"fmt"
	"time"

	"csrd/internal/model"
)

// UpsertDetected inserts or replaces the history row for a target.
// Invariant 1 (at most one non-ignored row per target per
// data-version) is maintained by callers deleting stale/deprecated
// rows before inserting a fresh one.
func (s *Store) UpsertDetected(row model.HistoryRow) error {
	return s.withSpan("upsert_detected", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`
			INSERT INTO DETECTED_MALWARE_FILE
				(path, data_version, severity, malware_name, detailed_url,
				 detected_time, ignored, is_app, pkg_id, file_in_app_path,
				 user_response, by_cloud)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				data_version=excluded.data_version,
				severity=excluded.severity,
				malware_name=excluded.malware_name,
				detailed_url=excluded.detailed_url,
				detected_time=excluded.detected_time,
				ignored=excluded.ignored,
				is_app=excluded.is_app,
				pkg_id=excluded.pkg_id,
				file_in_app_path=excluded.file_in_app_path,
				user_response=excluded.user_response,
				by_cloud=excluded.by_cloud
		`,
			row.TargetName, row.DataVersion, int32(row.Severity), row.MalwareName, row.DetailedURL,
			row.Ts.UnixNano(), boolToInt(row.IsIgnored), boolToInt(row.IsApp), row.PkgID, row.FileInAppPath,
			int32(row.UserResponse), boolToInt(row.ByCloud),
		)
		if err != nil {
			return fmt.Errorf("store: upserting detected %s: %w", row.TargetName, err)
		}
		return nil
	})
}

// GetDetected returns the history row for path, if one exists.
func (s *Store) GetDetected(path string) (model.HistoryRow, bool, error) {
	var row model.HistoryRow
	var ok bool
	err := s.withSpan("get_detected", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		var err error
		row, ok, err = s.getDetectedLocked(path)
		return err
	})
	return row, ok, err
}

func (s *Store) getDetectedLocked(path string) (model.HistoryRow, bool, error) {
	r := s.db.QueryRow(`
		SELECT path, data_version, severity, malware_name, detailed_url, detected_time,
		       ignored, is_app, pkg_id, file_in_app_path, user_response, by_cloud
		FROM DETECTED_MALWARE_FILE WHERE path = ?`, path)
	row, err := scanHistoryRow(r)
	if err == sql.ErrNoRows {
		return model.HistoryRow{}, false, nil
	}
	if err != nil {
		return model.HistoryRow{}, false, fmt.Errorf("store: getting detected %s: %w", path, err)
	}
	return row, true, nil
}

// DeleteDetected removes the history row for path, if any.
func (s *Store) DeleteDetected(path string) error {
	return s.withSpan("delete_detected", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`DELETE FROM DETECTED_MALWARE_FILE WHERE path = ?`, path)
		if err != nil {
			return fmt.Errorf("store: deleting detected %s: %w", path, err)
		}
		return nil
	})
}

// SetIgnored flips the ignored flag on an existing row.
func (s *Store) SetIgnored(path string, ignored bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE DETECTED_MALWARE_FILE SET ignored = ? WHERE path = ?`, boolToInt(ignored), path)
	if err != nil {
		return fmt.Errorf("store: setting ignored on %s: %w", path, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("store: no detected row for %s", path)
	}
	return nil
}

// ListDetected returns every non-ignored row whose path is under dir
// (invariant 4: ignored rows never appear here).
func (s *Store) ListDetected(dir string) ([]model.HistoryRow, error) {
	return s.listByPrefix(dir, false)
}

// ListIgnored returns every ignored row whose path is under dir.
func (s *Store) ListIgnored(dir string) ([]model.HistoryRow, error) {
	return s.listByPrefix(dir, true)
}

func (s *Store) listByPrefix(dir string, ignored bool) ([]model.HistoryRow, error) {
	var out []model.HistoryRow
	err := s.withSpan("list_detected", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		rows, err := s.db.Query(`
			SELECT path, data_version, severity, malware_name, detailed_url, detected_time,
			       ignored, is_app, pkg_id, file_in_app_path, user_response, by_cloud
			FROM DETECTED_MALWARE_FILE
			WHERE ignored = ? AND (path = ? OR path LIKE ?)`,
			boolToInt(ignored), dir, dir+"/%")
		if err != nil {
			return fmt.Errorf("store: listing under %s: %w", dir, err)
		}
		defer rows.Close()
		for rows.Next() {
			row, err := scanHistoryRows(rows)
			if err != nil {
				return fmt.Errorf("store: scanning row under %s: %w", dir, err)
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	return out, err
}

// DeleteDeprecated removes rows under dir whose data_version differs
// from currentDataVersion (invariant 1, §4.4's
// deleteDetectedDeprecated).
func (s *Store) DeleteDeprecated(dir, currentDataVersion string) error {
	return s.withSpan("delete_deprecated", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, err := s.db.Exec(`
			DELETE FROM DETECTED_MALWARE_FILE
			WHERE (path = ? OR path LIKE ?) AND data_version <> ?`,
			dir, dir+"/%", currentDataVersion)
		if err != nil {
			return fmt.Errorf("store: deleting deprecated under %s: %w", dir, err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryRow(r *sql.Row) (model.HistoryRow, error) {
	return scanHistoryRows(r)
}

func scanHistoryRows(r rowScanner) (model.HistoryRow, error) {
	var row model.HistoryRow
	var sev, ignored, isApp, userResp, byCloud int32
	var ts int64
	err := r.Scan(
		&row.TargetName, &row.DataVersion, &sev, &row.MalwareName, &row.DetailedURL, &ts,
		&ignored, &isApp, &row.PkgID, &row.FileInAppPath, &userResp, &byCloud,
	)
	if err != nil {
		return row, err
	}
	row.Severity = model.Severity(sev)
	row.Ts = time.Unix(0, ts).UTC()
	row.IsIgnored = ignored != 0
	row.IsApp = isApp != 0
	row.UserResponse = model.UserResponse(userResp)
	row.ByCloud = byCloud != 0
	return row, nil
}

func boolToInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

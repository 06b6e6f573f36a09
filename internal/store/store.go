// Package store implements the CSR persistence layer: an embedded
// relational store with schema versioning and migration, and typed
// CRUD over detection history, scan-time watermarks, and engine
// enable/disable state.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"csrd/internal/telemetry"

	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// LatestSchemaVersion is the version create_schema.sql bootstraps a
// fresh database to.
const LatestSchemaVersion = 2

// Store wraps a *sql.DB with the process-wide mutex the specification
// calls for (the store is not a hot path; correctness over
// throughput), mirroring the teacher's SQLiteStore in
// internal/storage/sqlite.go.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log *slog.Logger
	tp  *telemetry.Provider
}

// Open opens (creating if necessary) the database at path, enables
// WAL mode, and runs schema migration.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers from multiple conns
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enabling foreign keys: %w", err)
	}
	s := &Store{db: db, log: log, tp: telemetry.NoopProvider()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetTelemetry attaches the provider used to span DB operations. A
// nil tp restores the no-op default.
func (s *Store) SetTelemetry(tp *telemetry.Provider) {
	if tp == nil {
		tp = telemetry.NoopProvider()
	}
	s.mu.Lock()
	s.tp = tp
	s.mu.Unlock()
}

// withSpan wraps a DB operation in a span named for op, recording any
// error it returns. The store's CRUD methods take no context (callers
// span their own request lifecycle separately), so this starts from a
// background context rather than threading one through every query.
func (s *Store) withSpan(op string, fn func() error) error {
	s.mu.Lock()
	tp := s.tp
	s.mu.Unlock()
	_, span := tp.Tracer().Start(context.Background(), "csr.db."+op)
	err := fn()
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	return err
}

var migrationNameRE = regexp.MustCompile(`^migrate_(\d+)\.sql$`)

// migrate reads SCHEMA_INFO['version'] and brings the database up to
// LatestSchemaVersion: absent → create_schema.sql; older → run every
// migrate_<n>.sql newer than the stored version, in order; corrupt or
// newer than this binary knows about → drop and recreate, per
// specification §4.4.
func (s *Store) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hasSchemaInfo int
	err := s.db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='SCHEMA_INFO'`,
	).Scan(&hasSchemaInfo)
	if err != nil {
		return fmt.Errorf("store: probing schema: %w", err)
	}

	if hasSchemaInfo == 0 {
		s.log.Info("store: bootstrapping fresh schema")
		return s.runScript("schema/create_schema.sql")
	}

	version, ok, err := s.currentVersionLocked()
	if err != nil || !ok {
		s.log.Warn("store: schema version unreadable, recreating", "error", err)
		return s.resetLocked()
	}

	if version > LatestSchemaVersion {
		s.log.Warn("store: schema version newer than binary supports, recreating",
			"db_version", version, "binary_version", LatestSchemaVersion)
		return s.resetLocked()
	}
	if version == LatestSchemaVersion {
		return nil
	}

	scripts, err := schemaFS.ReadDir("schema")
	if err != nil {
		return fmt.Errorf("store: reading embedded schema dir: %w", err)
	}
	var pending []int
	byVersion := map[int]string{}
	for _, entry := range scripts {
		m := migrationNameRE.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		if n > version {
			pending = append(pending, n)
			byVersion[n] = "schema/" + entry.Name()
		}
	}
	sort.Ints(pending)
	for _, n := range pending {
		s.log.Info("store: applying migration", "version", n)
		if err := s.runScriptLocked(byVersion[n]); err != nil {
			return fmt.Errorf("store: migration %d failed: %w", n, err)
		}
	}
	return nil
}

func (s *Store) currentVersionLocked() (int, bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM SCHEMA_INFO WHERE name='version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (s *Store) resetLocked() error {
	if err := s.dropAllLocked(); err != nil {
		return err
	}
	return s.runScriptLocked("schema/create_schema.sql")
}

// ResetDatabase drops and recreates every table, per specification
// §4.4's resetDatabase() contract.
func (s *Store) ResetDatabase() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetLocked()
}

func (s *Store) dropAllLocked() error {
	tables := []string{"SCHEMA_INFO", "ENGINE_STATE", "SCAN_REQUEST", "DETECTED_MALWARE_FILE", "NAME", "WORST"}
	for _, t := range tables {
		if _, err := s.db.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("store: dropping %s: %w", t, err)
		}
	}
	return nil
}

func (s *Store) runScript(name string) error {
	return s.runScriptLocked(name)
}

func (s *Store) runScriptLocked(name string) error {
	data, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("store: reading embedded %s: %w", name, err)
	}
	if _, err := s.db.Exec(string(data)); err != nil {
		return fmt.Errorf("store: executing %s: %w", name, err)
	}
	return nil
}

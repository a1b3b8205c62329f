// Package history persists batch run records in a local SQLite database so
// past migrations can be inspected after the process exits.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store manages run history in SQLite
type Store struct {
	db *sql.DB
}

// Run is one recorded batch execution.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt *time.Time
	Status      string
	Strategy    string
	Succeeded   int
	Failed      int
	Skipped     int
	Config      string
}

// UnitRecord is one unit's outcome within a run.
type UnitRecord struct {
	ID             int64
	RunID          string
	SourceInstance string
	TargetInstance string
	Databases      string // JSON list of source->target pairs
	Status         string
	PhaseReached   string
	BytesExported  int64
	BytesImported  int64
	ErrorMessage   string
}

const timeLayout = "2006-01-02 15:04:05"

// New opens (and if needed initializes) the history database under dataDir.
func New(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "history.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		strategy TEXT NOT NULL,
		succeeded INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		config TEXT
	);

	CREATE TABLE IF NOT EXISTS unit_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT REFERENCES runs(id),
		source_instance TEXT NOT NULL,
		target_instance TEXT NOT NULL,
		databases TEXT,
		status TEXT NOT NULL,
		phase_reached TEXT,
		bytes_exported INTEGER DEFAULT 0,
		bytes_imported INTEGER DEFAULT 0,
		error_message TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_unit_results_run ON unit_results(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records the start of a batch execution. The config payload is
// stored as JSON for later inspection (pass a sanitized copy).
func (s *Store) CreateRun(id, strategy string, config any) error {
	configJSON, _ := json.Marshal(config)
	_, err := s.db.Exec(`
		INSERT INTO runs (id, started_at, status, strategy, config)
		VALUES (?, datetime('now'), 'running', ?, ?)
	`, id, strategy, string(configJSON))
	return err
}

// CompleteRun finalizes a run with its aggregate counts.
func (s *Store) CompleteRun(id, status string, succeeded, failed, skipped int) error {
	_, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, completed_at = datetime('now'), succeeded = ?, failed = ?, skipped = ?
		WHERE id = ?
	`, status, succeeded, failed, skipped, id)
	return err
}

// RecordUnit appends one unit outcome to a run.
func (s *Store) RecordUnit(runID string, rec UnitRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO unit_results
			(run_id, source_instance, target_instance, databases, status, phase_reached, bytes_exported, bytes_imported, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, rec.SourceInstance, rec.TargetInstance, rec.Databases, rec.Status,
		rec.PhaseReached, rec.BytesExported, rec.BytesImported, rec.ErrorMessage)
	return err
}

// GetRun returns one run with its unit records, or nil when absent.
func (s *Store) GetRun(id string) (*Run, []UnitRecord, error) {
	run, err := s.scanRun(s.db.QueryRow(`
		SELECT id, started_at, completed_at, status, strategy, succeeded, failed, skipped
		FROM runs WHERE id = ?
	`, id))
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, run_id, source_instance, target_instance, databases, status, phase_reached,
		       bytes_exported, bytes_imported, COALESCE(error_message, '')
		FROM unit_results WHERE run_id = ? ORDER BY id
	`, id)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var units []UnitRecord
	for rows.Next() {
		var u UnitRecord
		if err := rows.Scan(&u.ID, &u.RunID, &u.SourceInstance, &u.TargetInstance, &u.Databases,
			&u.Status, &u.PhaseReached, &u.BytesExported, &u.BytesImported, &u.ErrorMessage); err != nil {
			return nil, nil, err
		}
		units = append(units, u)
	}
	return run, units, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, started_at, completed_at, status, strategy, succeeded, failed, skipped
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// LastRun returns the most recent run, or nil when the history is empty.
func (s *Store) LastRun() (*Run, error) {
	runs, err := s.ListRuns(1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRun(row rowScanner) (*Run, error) {
	var r Run
	var startedAtStr string
	var completedAtStr sql.NullString
	err := row.Scan(&r.ID, &startedAtStr, &completedAtStr, &r.Status, &r.Strategy,
		&r.Succeeded, &r.Failed, &r.Skipped)
	if err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse(timeLayout, startedAtStr)
	if completedAtStr.Valid {
		t, _ := time.Parse(timeLayout, completedAtStr.String)
		r.CompletedAt = &t
	}
	return &r, nil
}

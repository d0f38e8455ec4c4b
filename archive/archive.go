// Package archive persists terminal job records to a local SQLite database.
//
// Live job records exist only in the broker and expire after the retention
// TTL; the janitor copies completed and failed records here first so they
// survive for post-mortem inspection.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/askdata/conductor/errors"
	"github.com/askdata/conductor/job"
)

const schema = `
	CREATE TABLE IF NOT EXISTS job_archive (
		id             TEXT PRIMARY KEY,
		status         TEXT NOT NULL,
		current_module TEXT NOT NULL,
		chain_length   INTEGER NOT NULL,
		error_kind     TEXT,
		error_message  TEXT,
		record         TEXT NOT NULL,
		submitted_at   TIMESTAMP NOT NULL,
		finished_at    TIMESTAMP NOT NULL,
		archived_at    TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_archive_status ON job_archive(status);
	CREATE INDEX IF NOT EXISTS idx_job_archive_finished ON job_archive(finished_at);
`

// Store is the SQLite-backed terminal record archive
type Store struct {
	db *sql.DB
}

// Open creates or opens the archive database at path
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive at %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize archive schema")
	}
	return &Store{db: db}, nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert archives one terminal record. Idempotent: re-inserting the same
// job id replaces the row, so repeated janitor sweeps are harmless.
func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	if !j.IsTerminal() {
		return errors.Newf("refusing to archive non-terminal job %s (status: %s)", j.ID, j.Status)
	}

	record, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job record")
	}

	var errorKind, errorMessage sql.NullString
	if j.Error != nil {
		errorKind = sql.NullString{String: string(j.Error.Kind), Valid: true}
		errorMessage = sql.NullString{String: j.Error.Message, Valid: true}
	}

	query := `
		INSERT OR REPLACE INTO job_archive (
			id, status, current_module, chain_length,
			error_kind, error_message, record,
			submitted_at, finished_at, archived_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		j.ID,
		string(j.Status),
		j.CurrentModule,
		len(j.ExecutionChain),
		errorKind,
		errorMessage,
		string(record),
		j.SubmittedAt,
		j.UpdatedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to archive job %s", j.ID)
	}
	return nil
}

// Get retrieves an archived record by job id
func (s *Store) Get(ctx context.Context, jobID string) (*job.Job, error) {
	var record string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM job_archive WHERE id = ?`, jobID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "archived job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read archived job %s", jobID)
	}

	var j job.Job
	if err := json.Unmarshal([]byte(record), &j); err != nil {
		return nil, errors.Wrapf(err, "corrupt archived record %s", jobID)
	}
	return &j, nil
}

// Summary is one row of the archive listing
type Summary struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	CurrentModule string    `json:"current_module"`
	ChainLength   int       `json:"chain_length"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// List returns the most recently finished records, newest first
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, current_module, chain_length, error_kind, finished_at
		FROM job_archive
		ORDER BY finished_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list archive")
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		var kind sql.NullString
		if err := rows.Scan(&s.ID, &s.Status, &s.CurrentModule, &s.ChainLength, &kind, &s.FinishedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan archive row")
		}
		s.ErrorKind = kind.String
		out = append(out, s)
	}
	return out, rows.Err()
}

package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store. Each Put is a
// single upsert statement, which SQLite applies atomically.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_records (
			session_id    TEXT PRIMARY KEY,
			status        TEXT NOT NULL,
			ticker        TEXT NOT NULL DEFAULT '',
			date          TEXT NOT NULL DEFAULT '',
			progress      INTEGER NOT NULL DEFAULT 0,
			message       TEXT NOT NULL DEFAULT '',
			result        TEXT NOT NULL DEFAULT '',
			download_path TEXT NOT NULL DEFAULT '',
			error         TEXT NOT NULL DEFAULT '',
			trace         TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_job_records_status     ON job_records(status);
		CREATE INDEX IF NOT EXISTS idx_job_records_updated_at ON job_records(updated_at);
	`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, id string, r *Record) error {
	if err := validateID(id); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_records
			(session_id, status, ticker, date, progress, message, result, download_path, error, trace, created_at, updated_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			ticker = excluded.ticker,
			date = excluded.date,
			progress = excluded.progress,
			message = excluded.message,
			result = excluded.result,
			download_path = excluded.download_path,
			error = excluded.error,
			trace = excluded.trace,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		id,
		r.Status,
		r.Ticker,
		r.Date,
		r.Progress,
		r.Message,
		r.Result,
		r.DownloadPath,
		r.Error,
		r.Trace,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put record %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, ticker, date, progress, message, result,
		       download_path, error, trace, created_at, updated_at
		FROM job_records WHERE session_id = ?
	`, id)

	r := &Record{}
	err := row.Scan(
		&r.SessionID, &r.Status, &r.Ticker, &r.Date, &r.Progress, &r.Message,
		&r.Result, &r.DownloadPath, &r.Error, &r.Trace, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	return r, nil
}

// List returns session ids ordered by updated_at DESC.
func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM job_records ORDER BY updated_at DESC, session_id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_records WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_records
		WHERE status IN (?, ?)
		AND updated_at < ?
	`, StatusComplete, StatusError, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete terminal records: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

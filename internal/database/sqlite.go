package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pollcat/internal/database/migrations"
	"pollcat/internal/pollcat"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements pollcat.History using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and applies pending migrations.
// path can be a file path or ":memory:" for an in-memory database.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite database connection.
// The pool is limited to one connection: the daemon is the only writer and an
// in-memory database exists per connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

const runColumns = `id, run_uuid, request_id, prepared_id, requester, strategy, status, error,
	started_at, finished_at, files_copied, files_failed, files_skipped, visits_skipped, bytes_copied`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*pollcat.RunRecord, error) {
	var (
		rec      pollcat.RunRecord
		finished sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.RunID, &rec.RequestID, &rec.PreparedID, &rec.Requester,
		&rec.Strategy, &rec.Status, &rec.Error, &rec.StartedAt, &finished,
		&rec.FilesCopied, &rec.FilesFailed, &rec.FilesSkipped, &rec.VisitsSkipped, &rec.BytesCopied)
	if err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	return &rec, nil
}

func (s *SQLiteDatabase) queryRuns(query string, args ...any) ([]*pollcat.RunRecord, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*pollcat.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}

// Run history

func (s *SQLiteDatabase) CreateRun(runID string, req *pollcat.Request, strategy pollcat.Strategy, startedAt time.Time) (*pollcat.RunRecord, error) {
	res, err := s.db.Exec(`INSERT INTO runs (run_uuid, request_id, prepared_id, requester, strategy, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, req.ID, req.PreparedID, req.Requester, string(strategy), string(pollcat.RunRunning), startedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	return &pollcat.RunRecord{
		ID:         id,
		RunID:      runID,
		RequestID:  req.ID,
		PreparedID: req.PreparedID,
		Requester:  req.Requester,
		Strategy:   strategy,
		Status:     pollcat.RunRunning,
		StartedAt:  startedAt.UTC(),
	}, nil
}

func (s *SQLiteDatabase) FinishRun(runID string, status pollcat.RunStatus, r *pollcat.Report, errMsg string, finishedAt time.Time) error {
	var (
		res sql.Result
		err error
	)
	if r == nil {
		res, err = s.db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE run_uuid = ?`,
			string(status), errMsg, finishedAt.UTC(), runID)
	} else {
		res, err = s.db.Exec(`UPDATE runs SET status = ?, error = ?, finished_at = ?,
			files_copied = ?, files_failed = ?, files_skipped = ?, visits_skipped = ?, bytes_copied = ?
			WHERE run_uuid = ?`,
			string(status), errMsg, finishedAt.UTC(),
			r.FilesCopied, r.FilesFailed, r.FilesSkipped(), r.VisitsSkipped(), r.BytesCopied, runID)
	}
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", runID, err)
	}
	if n == 0 {
		return fmt.Errorf("finishing run %s: %w", runID, pollcat.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) RecordSkip(runID string, item pollcat.SkippedItem) error {
	res, err := s.db.Exec(`INSERT INTO skipped_items (run_id, kind, item, reason)
		SELECT id, ?, ?, ? FROM runs WHERE run_uuid = ?`,
		item.Kind, item.Item, item.Reason, runID)
	if err != nil {
		return fmt.Errorf("recording skip for run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("recording skip for run %s: %w", runID, pollcat.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) FindRun(runID string) (*pollcat.RunRecord, error) {
	rec, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_uuid = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding run %s: %w", runID, err)
	}
	return rec, nil
}

func (s *SQLiteDatabase) FindRunsByRequest(requestID int64) ([]*pollcat.RunRecord, error) {
	runs, err := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE request_id = ? ORDER BY id DESC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("finding runs for request %d: %w", requestID, err)
	}
	return runs, nil
}

func (s *SQLiteDatabase) ListRuns(limit int) ([]*pollcat.RunRecord, error) {
	runs, err := s.queryRuns(`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteDatabase) ListSkips(runID string) ([]pollcat.SkippedItem, error) {
	rows, err := s.db.Query(`SELECT s.kind, s.item, s.reason FROM skipped_items s
		JOIN runs r ON r.id = s.run_id WHERE r.run_uuid = ? ORDER BY s.id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing skips for run %s: %w", runID, err)
	}
	defer rows.Close()

	var items []pollcat.SkippedItem
	for rows.Next() {
		var it pollcat.SkippedItem
		if err := rows.Scan(&it.Kind, &it.Item, &it.Reason); err != nil {
			return nil, fmt.Errorf("listing skips for run %s: %w", runID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ pollcat.History = (*SQLiteDatabase)(nil)

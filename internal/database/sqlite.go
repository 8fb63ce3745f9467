// Package database stores the operation journal: one row per mutating
// command, with its parameters, the snapshot it produced or touched, and how
// it ended.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wsnap/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation is one journal row.
type Operation struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Operation  string
	Parameters string
	SnapshotID string
	Status     string
}

// Duration returns how long the operation ran, or zero while it is running.
func (o *Operation) Duration() time.Duration {
	if !o.FinishedAt.Valid {
		return 0
	}
	return o.FinishedAt.Time.Sub(o.StartedAt)
}

// SQLiteJournal implements the operation journal on SQLite.
type SQLiteJournal struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteJournal opens the journal at path, or ":memory:", and brings its
// schema up to date.
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteJournal{db: db, path: path, now: time.Now}, nil
}

// NewSQLiteJournalFromDB wraps an existing, already migrated connection.
func NewSQLiteJournalFromDB(db *sql.DB) *SQLiteJournal {
	return &SQLiteJournal{db: db, now: time.Now}
}

// OpenConnection opens and configures a SQLite connection. An in-memory
// database is limited to one connection so that every query sees the same data.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure journal: %w", err)
	}
	return db, nil
}

// CreateOperation records the start of an operation.
func (j *SQLiteJournal) CreateOperation(operation, parameters string) (*Operation, error) {
	op := &Operation{
		StartedAt:  j.now().UTC(),
		Operation:  operation,
		Parameters: parameters,
		Status:     StatusRunning,
	}
	res, err := j.db.ExecContext(context.Background(),
		`INSERT INTO operations (started_at, operation, parameters, status) VALUES (?, ?, ?, ?)`,
		op.StartedAt, op.Operation, op.Parameters, op.Status)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return op, nil
}

// SetOperationSnapshot links an operation to the snapshot it acted on.
func (j *SQLiteJournal) SetOperationSnapshot(id int64, snapshotID string) error {
	_, err := j.db.ExecContext(context.Background(),
		`UPDATE operations SET snapshot_id = ? WHERE id = ?`, snapshotID, id)
	if err != nil {
		return fmt.Errorf("linking operation %d to snapshot: %w", id, err)
	}
	return nil
}

// FinishOperation stamps the end time and final status.
func (j *SQLiteJournal) FinishOperation(id int64, status string) error {
	res, err := j.db.ExecContext(context.Background(),
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`, j.now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing operation %d: no such operation", id)
	}
	return nil
}

// ListOperations returns up to limit operations, newest first.
func (j *SQLiteJournal) ListOperations(limit int) ([]*Operation, error) {
	return j.queryOperations(
		`SELECT id, started_at, finished_at, operation, parameters, snapshot_id, status
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
}

// FindOperationsBySnapshot returns the operations that touched snapshotID,
// oldest first.
func (j *SQLiteJournal) FindOperationsBySnapshot(snapshotID string) ([]*Operation, error) {
	return j.queryOperations(
		`SELECT id, started_at, finished_at, operation, parameters, snapshot_id, status
		 FROM operations WHERE snapshot_id = ? ORDER BY id`, snapshotID)
}

// FindOperation returns the operation with the given id, or nil.
func (j *SQLiteJournal) FindOperation(id int64) (*Operation, error) {
	row := j.db.QueryRowContext(context.Background(),
		`SELECT id, started_at, finished_at, operation, parameters, snapshot_id, status
		 FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding operation: %w", err)
	}
	return op, nil
}

// MaxOperationID returns the newest operation id, or 0 for an empty journal.
func (j *SQLiteJournal) MaxOperationID() (int64, error) {
	var id int64
	err := j.db.QueryRowContext(context.Background(), `SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("getting max operation id: %w", err)
	}
	return id, nil
}

func (j *SQLiteJournal) queryOperations(query string, args ...any) ([]*Operation, error) {
	rows, err := j.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("reading operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*Operation, error) {
	var op Operation
	err := s.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.SnapshotID, &op.Status)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// Path returns the journal file path, or ":memory:".
func (j *SQLiteJournal) Path() string {
	return j.path
}

// CheckMigrations verifies the schema is up to date.
func (j *SQLiteJournal) CheckMigrations() error {
	return migrations.CheckStatus(j.db)
}

// BackupTo writes a consistent copy of the journal to destPath using VACUUM INTO.
func (j *SQLiteJournal) BackupTo(destPath string) error {
	if _, err := j.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up journal: %w", err)
	}
	return nil
}

// Close closes the connection.
func (j *SQLiteJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

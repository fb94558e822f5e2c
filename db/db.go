package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sorenmh/infrastructure-shared/appd/models"
)

type Database struct {
	db *sql.DB
}

func New(path string) (*Database, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows one writer; sessions record operations concurrently
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &Database{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return d, nil
}

func (d *Database) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		app_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message TEXT,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_operations_app_id ON operations(app_id);
	CREATE INDEX IF NOT EXISTS idx_operations_started_at ON operations(started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status);

	CREATE TABLE IF NOT EXISTS operation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL,
		step TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		details TEXT,
		FOREIGN KEY (operation_id) REFERENCES operations(id)
	);

	CREATE INDEX IF NOT EXISTS idx_operation_events_operation_id ON operation_events(operation_id);
	`

	_, err := d.db.Exec(schema)
	return err
}

func (d *Database) CreateOperation(op *models.Operation) error {
	if op.Status == "" {
		op.Status = models.OperationPending
	}
	if op.StartedAt.IsZero() {
		op.StartedAt = time.Now().UTC()
	}

	_, err := d.db.Exec(`
		INSERT INTO operations (id, command, app_id, status, message, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID, op.Command, op.AppID, op.Status, op.Message, op.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}
	return nil
}

// FinishOperation moves a pending operation to its final status.
func (d *Database) FinishOperation(id, status, message string) error {
	res, err := d.db.Exec(`
		UPDATE operations SET status = ?, message = ?, finished_at = ? WHERE id = ?
	`, status, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to finish operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.NotFound(id)
	}
	return nil
}

func (d *Database) AddEvent(operationID, step, details string) error {
	_, err := d.db.Exec(`
		INSERT INTO operation_events (operation_id, step, details, timestamp)
		VALUES (?, ?, ?, ?)
	`, operationID, step, details, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to add event: %w", err)
	}
	return nil
}

// GetOperation returns one operation with its events.
func (d *Database) GetOperation(id string) (*models.Operation, error) {
	var (
		op         models.Operation
		message    sql.NullString
		finishedAt sql.NullTime
	)
	err := d.db.QueryRow(`
		SELECT id, command, app_id, status, message, started_at, finished_at
		FROM operations WHERE id = ?
	`, id).Scan(&op.ID, &op.Command, &op.AppID, &op.Status, &message, &op.StartedAt, &finishedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	op.Message = message.String
	if finishedAt.Valid {
		op.FinishedAt = &finishedAt.Time
	}

	events, err := d.events(id)
	if err != nil {
		return nil, err
	}
	op.Events = events
	return &op, nil
}

// ListOperations returns the newest operations first, optionally only those
// of one app.
func (d *Database) ListOperations(appID string, limit int) ([]models.Operation, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, command, app_id, status, message, started_at, finished_at
		FROM operations`
	args := []any{}
	if appID != "" {
		query += ` WHERE app_id = ?`
		args = append(args, appID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	operations := []models.Operation{}
	for rows.Next() {
		var (
			op         models.Operation
			message    sql.NullString
			finishedAt sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.Command, &op.AppID, &op.Status, &message, &op.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Message = message.String
		if finishedAt.Valid {
			op.FinishedAt = &finishedAt.Time
		}
		operations = append(operations, op)
	}

	return operations, rows.Err()
}

func (d *Database) events(operationID string) ([]models.Event, error) {
	rows, err := d.db.Query(`
		SELECT step, timestamp, details
		FROM operation_events
		WHERE operation_id = ?
		ORDER BY id
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev      models.Event
			details sql.NullString
		)
		if err := rows.Scan(&ev.Step, &ev.Timestamp, &details); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Details = details.String
		events = append(events, ev)
	}

	return events, rows.Err()
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping() error {
	return d.db.Ping()
}

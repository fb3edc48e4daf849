package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/kaiseki/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS file_status (
	file_id    TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteTracker persists states in a single SQLite database file.
type SQLiteTracker struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteTracker opens (or creates) the database at path. Use ":memory:"
// for an ephemeral tracker.
func NewSQLiteTracker(ctx context.Context, path string, logger *slog.Logger) (*SQLiteTracker, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("status: open sqlite %s: %w", path, err)
	}
	// One writer keeps BEGIN IMMEDIATE from contending with itself and keeps
	// ":memory:" databases from splitting across connections.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("status: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("status: init sqlite schema: %w", err)
	}
	logger.Info("status: sqlite tracker ready", "path", path)
	return &SQLiteTracker{db: db, logger: logger}, nil
}

func (t *SQLiteTracker) Set(ctx context.Context, fileID string, state model.FileState) error {
	if err := checkArgs(fileID, state); err != nil {
		return err
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("status: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM file_status WHERE file_id = ?`, fileID).Scan(&cur)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("status: read %s: %w", fileID, err)
	}
	from := model.FileState(cur)
	if !model.CanTransition(from, state) {
		return transitionErr(fileID, from, state)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO file_status (file_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		fileID, string(state), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("status: write %s: %w", fileID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("status: commit %s: %w", fileID, err)
	}
	return nil
}

func (t *SQLiteTracker) Get(ctx context.Context, fileID string) (model.FileState, error) {
	e, err := t.Entry(ctx, fileID)
	if err != nil {
		return "", err
	}
	return e.State, nil
}

func (t *SQLiteTracker) Entry(ctx context.Context, fileID string) (Entry, error) {
	var (
		state string
		nanos int64
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT status, updated_at FROM file_status WHERE file_id = ?`, fileID,
	).Scan(&state, &nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("status: read %s: %w", fileID, err)
	}
	return Entry{FileID: fileID, State: model.FileState(state), UpdatedAt: time.Unix(0, nanos).UTC()}, nil
}

func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}

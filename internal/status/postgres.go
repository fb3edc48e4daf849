package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/kaiseki/internal/model"
)

// PostgresTracker stores states in the file_status table so several API
// processes can share one view of every job.
type PostgresTracker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresTracker connects to dsn and verifies the connection. Callers
// should run RunMigrations before first use.
func NewPostgresTracker(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresTracker, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("status: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("status: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("status: ping pool: %w", err)
	}

	return &PostgresTracker{pool: pool, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (t *PostgresTracker) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

// Set reads the current row under FOR UPDATE so that the transition check and
// the write are atomic against concurrent callers.
func (t *PostgresTracker) Set(ctx context.Context, fileID string, state model.FileState) error {
	if err := checkArgs(fileID, state); err != nil {
		return err
	}
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
			var cur string
			err := tx.QueryRow(ctx,
				`SELECT status FROM file_status WHERE file_id = $1 FOR UPDATE`, fileID,
			).Scan(&cur)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("status: read %s: %w", fileID, err)
			}
			from := model.FileState(cur)
			if !model.CanTransition(from, state) {
				return transitionErr(fileID, from, state)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO file_status (file_id, status, updated_at) VALUES ($1, $2, now())
				ON CONFLICT (file_id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
				fileID, string(state),
			); err != nil {
				return fmt.Errorf("status: write %s: %w", fileID, err)
			}
			return nil
		})
	})
}

func (t *PostgresTracker) Get(ctx context.Context, fileID string) (model.FileState, error) {
	e, err := t.Entry(ctx, fileID)
	if err != nil {
		return "", err
	}
	return e.State, nil
}

func (t *PostgresTracker) Entry(ctx context.Context, fileID string) (Entry, error) {
	var (
		state     string
		updatedAt time.Time
	)
	err := t.pool.QueryRow(ctx,
		`SELECT status, updated_at FROM file_status WHERE file_id = $1`, fileID,
	).Scan(&state, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, fileID)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("status: read %s: %w", fileID, err)
	}
	return Entry{FileID: fileID, State: model.FileState(state), UpdatedAt: updatedAt.UTC()}, nil
}

// Close shuts down the connection pool.
func (t *PostgresTracker) Close() error {
	t.pool.Close()
	return nil
}

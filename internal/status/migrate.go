package status

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
)

// migrationLockID serializes schema changes when several kaiseki processes
// start against one database.
const migrationLockID = 0x6b61697365 // "kaise"

// RunMigrations applies the .sql files in fsys that the database has not
// seen yet. Each file runs in its own transaction together with its entry in
// kaiseki_migrations, so a failed file leaves no partial record.
func (t *PostgresTracker) RunMigrations(ctx context.Context, fsys fs.FS) error {
	const ddl = `CREATE TABLE IF NOT EXISTS kaiseki_migrations (
		name       TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`
	if _, err := t.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("status: prepare migrations table: %w", err)
	}

	applied, err := t.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(fsys, applied)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		t.logger.Debug("status: schema up to date", "applied", len(applied))
		return nil
	}

	for _, name := range pending {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("status: read migration %s: %w", name, err)
		}
		err = pgx.BeginFunc(ctx, t.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockID)); err != nil {
				return err
			}
			// Another process may have applied it while we waited for the lock.
			var done bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM kaiseki_migrations WHERE name = $1)`, name,
			).Scan(&done); err != nil || done {
				return err
			}
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO kaiseki_migrations (name) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("status: apply migration %s: %w", name, err)
		}
		t.logger.Info("status: migration applied", "file", name)
	}
	return nil
}

func (t *PostgresTracker) appliedMigrations(ctx context.Context) (map[string]struct{}, error) {
	rows, err := t.pool.Query(ctx, `SELECT name FROM kaiseki_migrations`)
	if err != nil {
		return nil, fmt.Errorf("status: list applied migrations: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("status: list applied migrations: %w", err)
	}
	applied := make(map[string]struct{}, len(names))
	for _, n := range names {
		applied[n] = struct{}{}
	}
	return applied, nil
}

// pendingMigrations lists the top-level .sql files of fsys missing from
// applied, in name order.
func pendingMigrations(fsys fs.FS, applied map[string]struct{}) ([]string, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("status: list migrations: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		if _, ok := applied[e.Name()]; !ok {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// migration is one schema step. Steps apply in file name order, so names
// carry a numeric prefix.
type migration struct {
	name string
	sql  string
}

// execer is the part of a pgx pool or connection the migrations need.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// loadMigrations reads the .sql files of dir, skipping blank ones.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if sql := strings.TrimSpace(string(content)); sql != "" {
			out = append(out, migration{name: e.Name(), sql: sql})
		}
	}
	return out, nil
}

// applyMigrations stops at the first failing step. Every step must be
// idempotent since all of them run on each start.
func applyMigrations(ctx context.Context, db execer, steps []migration) error {
	for _, m := range steps {
		if _, err := db.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

// RunMigrations creates the checkpoint table if it does not exist yet.
func (s *PostgresKV) RunMigrations(ctx context.Context) error {
	steps, err := loadMigrations(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	return applyMigrations(ctx, s.pool, steps)
}

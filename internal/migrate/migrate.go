package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Migrator applies a set of embedded .sql files to a single database in
// filename order, recording each one in schema_migrations so it never
// re-runs. Both storage drivers share this: there is no per-namespace schema
// concept, so unlike the teacher's Migrator this only ever targets one
// schema per process.
type Migrator struct {
	db      *sql.DB
	dialect string // "postgres" or "sqlite"
	fs      embed.FS
	ctx     context.Context
}

// New creates a new Migrator instance.
func New(db *sql.DB, dialect string, fs embed.FS) *Migrator {
	return &Migrator{db: db, dialect: dialect, fs: fs, ctx: context.Background()}
}

// WithContext returns a new Migrator with the given context.
func (m *Migrator) WithContext(ctx context.Context) *Migrator {
	return &Migrator{db: m.db, dialect: m.dialect, fs: m.fs, ctx: ctx}
}

// AutoMigrate runs all pending migrations.
func (m *Migrator) AutoMigrate() error {
	if err := m.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if len(migrations) == 0 {
		return nil
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, mig := range migrations {
		if applied[mig.name] {
			continue
		}
		if err := m.applyMigration(mig); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", mig.name, err)
		}
	}
	return nil
}

type migration struct {
	name    string
	content string
}

func (m *Migrator) ensureMigrationsTable() error {
	var createSQL string
	if m.dialect == "postgres" {
		createSQL = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at BIGINT NOT NULL
			);
		`
	} else {
		createSQL = `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version TEXT PRIMARY KEY,
				applied_at INTEGER NOT NULL
			);
		`
	}
	_, err := m.db.ExecContext(m.ctx, createSQL)
	return err
}

func (m *Migrator) loadMigrations() ([]migration, error) {
	entries, err := m.fs.ReadDir(m.dialect)
	if err != nil {
		return nil, nil
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		filePath := path.Join(m.dialect, entry.Name())
		content, err := m.fs.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", filePath, err)
		}
		migrations = append(migrations, migration{name: entry.Name(), content: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].name < migrations[j].name })
	return migrations, nil
}

func (m *Migrator) getAppliedMigrations() (map[string]bool, error) {
	rows, err := m.db.QueryContext(m.ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *Migrator) applyMigration(mig migration) error {
	tx, err := m.db.BeginTx(m.ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(m.ctx, mig.content); err != nil {
		return err
	}

	timestamp := time.Now().Unix()
	insertSQL := "INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)"
	if m.dialect == "sqlite" {
		insertSQL = "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"
	}
	if _, err := tx.ExecContext(m.ctx, insertSQL, mig.name, timestamp); err != nil {
		return err
	}

	return tx.Commit()
}

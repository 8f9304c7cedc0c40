package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
)

// ErrSchemaTooNew is returned when the database was migrated by a newer
// build than this one.
var ErrSchemaTooNew = fmt.Errorf("sqlstore: database schema is newer than this binary")

const (
	tableMigrations = "schema_migrations"

	colVersion     = "version"
	colDescription = "description"
	colAppliedAt   = "applied_at"
)

type migration struct {
	version     int
	description string
	sqlite      []string
	postgres    []string
}

var migrations = []migration{
	{
		version:     1,
		description: "create group state and epoch record tables",
		sqlite: []string{
			`CREATE TABLE IF NOT EXISTS group_states (
				group_id    BLOB NOT NULL PRIMARY KEY,
				state_bytes BLOB NOT NULL,
				created_at  DATETIME NOT NULL,
				updated_at  DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS epoch_records (
				group_id   BLOB NOT NULL,
				epoch_id   BIGINT NOT NULL,
				data       BLOB NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (group_id, epoch_id)
			)`,
		},
		postgres: []string{
			`CREATE TABLE IF NOT EXISTS group_states (
				group_id    BYTEA NOT NULL PRIMARY KEY,
				state_bytes BYTEA NOT NULL,
				created_at  TIMESTAMPTZ NOT NULL,
				updated_at  TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS epoch_records (
				group_id   BYTEA NOT NULL,
				epoch_id   BIGINT NOT NULL,
				data       BYTEA NOT NULL,
				created_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (group_id, epoch_id)
			)`,
		},
	},
	{
		version:     2,
		description: "descending epoch index for max and prune scans",
		sqlite: []string{
			`CREATE INDEX IF NOT EXISTS epoch_records_group_epoch_desc
				ON epoch_records (group_id, epoch_id DESC)`,
		},
		postgres: []string{
			`CREATE INDEX IF NOT EXISTS epoch_records_group_epoch_desc
				ON epoch_records (group_id, epoch_id DESC)`,
		},
	},
}

// Migrate creates or updates the database schema. Each pending migration
// runs in its own transaction and is recorded in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.ensureMigrationTable(ctx); err != nil {
		return err
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(migrations) {
		return fmt.Errorf("%w: have %d, know %d", ErrSchemaTooNew, current, len(migrations))
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		s.log.Info("schema migration applied", "version", m.version, "description", m.description)
	}
	return nil
}

func (s *Store) ensureMigrationTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS schema_migrations (
		version     INTEGER NOT NULL PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  DATETIME NOT NULL
	)`
	if s.dialect == dialect.Postgres {
		ddl = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER NOT NULL PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  TIMESTAMPTZ NOT NULL
		)`
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	query, args := s.builder().
		Select(entsql.Max(colVersion)).
		From(entsql.Table(tableMigrations)).
		Query()
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	stmts := m.sqlite
	if s.dialect == dialect.Postgres {
		stmts = m.postgres
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}
	query, args := s.builder().
		Insert(tableMigrations).
		Columns(colVersion, colDescription, colAppliedAt).
		Values(m.version, m.description, time.Now().UTC()).
		Query()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/smallnest/threadstore/store"
)

// migrations are formatted with the checkpoint table name as %[1]s.
var migrations = []store.Migration{
	{
		Version:     1,
		Description: "checkpoints table",
		SQL: `
CREATE TABLE IF NOT EXISTS %[1]s (
	thread_id TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	parent_checkpoint_id TEXT NOT NULL DEFAULT '',
	node_name TEXT NOT NULL DEFAULT '',
	state BYTEA NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (thread_id, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_thread_created ON %[1]s (thread_id, created_at);
`,
	},
	{
		Version:     2,
		Description: "pending writes table",
		SQL: `
CREATE TABLE IF NOT EXISTS %[1]s_writes (
	thread_id TEXT NOT NULL,
	checkpoint_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	task_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	value BYTEA NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_writes_thread ON %[1]s_writes (thread_id);
`,
	},
}

// Setup creates the checkpoint tables, applying each missing migration in
// its own transaction. Concurrent runs against the same table serialize on a
// transaction-scoped advisory lock and re-read the version under it, so a
// migration another run already applied is skipped.
func (s *PostgresCheckpointStore) Setup(ctx context.Context) error {
	if err := s.lc.Check(); err != nil {
		return err
	}

	ensure := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.migrationsTable())
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.lockMigrations(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, ensure)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := s.schemaVersion(ctx, s.pool)
	if err != nil {
		return err
	}

	record := fmt.Sprintf("INSERT INTO %s (version, description) VALUES ($1, $2)", s.migrationsTable())
	for _, m := range store.Pending(migrations, current) {
		applied := false
		err := s.inTx(ctx, func(tx pgx.Tx) error {
			if err := s.lockMigrations(ctx, tx); err != nil {
				return err
			}
			v, err := s.schemaVersion(ctx, tx)
			if err != nil {
				return err
			}
			if v >= m.Version {
				return nil
			}
			if _, err := tx.Exec(ctx, fmt.Sprintf(m.SQL, s.tableName)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, record, m.Version, m.Description); err != nil {
				return err
			}
			applied = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if applied {
			s.logger.Info("applied checkpoint migration %d: %s", m.Version, m.Description)
		} else {
			s.logger.Debug("checkpoint migration %d already applied by another run", m.Version)
		}
	}
	return nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresCheckpointStore) schemaVersion(ctx context.Context, q queryRower) (int, error) {
	var v int
	query := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", s.migrationsTable())
	if err := q.QueryRow(ctx, query).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// lockMigrations holds an advisory lock keyed by the migrations table name
// until tx ends.
func (s *PostgresCheckpointStore) lockMigrations(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.migrationsTable()); err != nil {
		return fmt.Errorf("failed to lock migrations: %w", err)
	}
	return nil
}

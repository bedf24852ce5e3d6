package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/smallnest/threadstore/store"
)

// migrations are formatted with the checkpoint table name as %[1]s.
// created_at holds Unix nanoseconds.
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
	state BLOB NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
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
	value BLOB NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_writes_thread ON %[1]s_writes (thread_id);
`,
	},
}

// Setup applies missing migrations, each in its own transaction.
func (s *SqliteCheckpointStore) Setup(ctx context.Context) error {
	if err := s.lc.Check(); err != nil {
		return err
	}

	ensure := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)
	`, s.migrationsTable())
	if _, err := s.db.ExecContext(ctx, ensure); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	record := fmt.Sprintf("INSERT INTO %s (version, description, applied_at) VALUES (?, ?, strftime('%%s', 'now'))", s.migrationsTable())
	for _, m := range store.Pending(migrations, current) {
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(m.SQL, s.tableName)); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, record, m.Version, m.Description)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		s.logger.Info("applied checkpoint migration %d: %s", m.Version, m.Description)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0.
func (s *SqliteCheckpointStore) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	query := fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", s.migrationsTable())
	if err := s.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
